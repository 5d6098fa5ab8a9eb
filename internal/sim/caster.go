package sim

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rtkbridge/internal/gps"
	"rtkbridge/internal/replay"
)

// Sample RTCM 3 frames (1005, 1077, 1087) streamed in rotation.
var sampleFrames = [][]byte{
	{0xD3, 0x00, 0x13, 0x3E, 0xD0, 0x00, 0x03, 0x8A, 0x0E, 0xDE, 0xEF, 0x34, 0xB4, 0xBD, 0x62, 0xAC, 0x09, 0x41, 0x98, 0x6F, 0x33, 0x36, 0x0B, 0x98},
	{0xD3, 0x00, 0x1C, 0x43, 0x50, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x24, 0x15, 0x27},
	{0xD3, 0x00, 0x1C, 0x43, 0xF0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x6C, 0x95, 0x21},
}

type CasterConfig struct {
	// Listen is the TCP listen address; empty means 127.0.0.1:0.
	Listen string
	// Mountpoints served with a stream; empty means RTCM3.
	Mountpoints []string
	// Username/Password are required when Username is set.
	Username string
	Password string
	// Interval between frames; zero means 1s.
	Interval time.Duration
	// Replay, when set, streams a captured session (looped) instead of the
	// sample frames.
	Replay      []replay.Record
	ReplaySpeed float64

	Logger *log.Logger
}

// Caster is a minimal NTRIP v1 caster: GET / (or an unknown mountpoint)
// returns the source table, a known mountpoint streams RTCM frames after
// ICY 200 OK, bad credentials get 401. GGA reports from clients are decoded
// and kept.
type Caster struct {
	cfg CasterConfig
	log *log.Logger

	sessions atomic.Uint64
	reports  atomic.Uint64
	badLines atomic.Uint64
	sent     atomic.Uint64

	mu         sync.Mutex
	ln         net.Listener
	conns      map[net.Conn]struct{}
	closed     bool
	lastReport *gps.Fix
	wg         sync.WaitGroup
}

func NewCaster(cfg CasterConfig) *Caster {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if len(cfg.Mountpoints) == 0 {
		cfg.Mountpoints = []string{"RTCM3"}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.ReplaySpeed <= 0 {
		cfg.ReplaySpeed = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Caster{cfg: cfg, log: logger, conns: make(map[net.Conn]struct{})}
}

func (c *Caster) Start() error {
	if c == nil {
		return fmt.Errorf("caster is nil")
	}
	ln, err := net.Listen("tcp", c.cfg.Listen)
	if err != nil {
		return fmt.Errorf("sim caster listen %s: %w", c.cfg.Listen, err)
	}
	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()

	c.log.Printf("sim caster listening addr=%s mountpoints=%s", ln.Addr(), strings.Join(c.cfg.Mountpoints, ","))
	c.wg.Add(1)
	go c.acceptLoop(ln)
	return nil
}

func (c *Caster) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return ""
	}
	return c.ln.Addr().String()
}

// Sessions counts accepted streaming sessions.
func (c *Caster) Sessions() uint64 { return c.sessions.Load() }

// Reports counts GGA lines received from rovers.
func (c *Caster) Reports() uint64 { return c.reports.Load() }

// BadReports counts non-empty lines from rovers that failed the checksum.
func (c *Caster) BadReports() uint64 { return c.badLines.Load() }

// BytesSent counts RTCM bytes written to rovers.
func (c *Caster) BytesSent() uint64 { return c.sent.Load() }

// LastReport is the most recent rover position, or nil.
func (c *Caster) LastReport() *gps.Fix {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastReport == nil {
		return nil
	}
	fix := *c.lastReport
	return &fix
}

// SourceTable renders the NTRIP v1 source table for the configured
// mountpoints.
func (c *Caster) SourceTable() string {
	var b strings.Builder
	for _, mp := range c.cfg.Mountpoints {
		fmt.Fprintf(&b, "STR;%s;%s;RTCM 3.2;1005,1077,1087;2;GPS+GLO;SNIP;CHN;31.82;117.12;1;0;sNTRIP;none;B;N;0;\r\n", mp, mp)
	}
	b.WriteString("ENDSOURCETABLE\r\n")
	return b.String()
}

func (c *Caster) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var err error
	if c.ln != nil {
		err = c.ln.Close()
	}
	for conn := range c.conns {
		_ = conn.Close()
	}
	c.mu.Unlock()

	c.wg.Wait()
	return err
}

func (c *Caster) acceptLoop(ln net.Listener) {
	defer c.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conns[conn] = struct{}{}
		c.mu.Unlock()

		c.wg.Add(1)
		go c.serve(conn)
	}
}

func (c *Caster) serve(conn net.Conn) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	mount := strings.Trim(req.URL.Path, "/")
	if mount == "" || !c.known(mount) {
		c.writeSourceTable(conn)
		return
	}
	if !c.authorized(req.Header.Get("Authorization")) {
		c.log.Printf("sim caster rejected credentials mountpoint=%s remote=%s", mount, conn.RemoteAddr())
		_, _ = io.WriteString(conn, "HTTP/1.0 401 Unauthorized\r\nWWW-Authenticate: Basic realm=\"NTRIP\"\r\n\r\n")
		return
	}
	if _, err := io.WriteString(conn, "ICY 200 OK\r\n\r\n"); err != nil {
		return
	}
	c.sessions.Add(1)
	c.log.Printf("sim caster session mountpoint=%s remote=%s", mount, conn.RemoteAddr())

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readReports(br)
	}()
	c.stream(conn, done)
}

func (c *Caster) known(mount string) bool {
	for _, mp := range c.cfg.Mountpoints {
		if mp == mount {
			return true
		}
	}
	return false
}

func (c *Caster) authorized(header string) bool {
	if c.cfg.Username == "" {
		return true
	}
	scheme, encoded, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "basic") {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return false
	}
	user, pass, _ := strings.Cut(string(raw), ":")
	return user == c.cfg.Username && pass == c.cfg.Password
}

func (c *Caster) writeSourceTable(conn net.Conn) {
	table := c.SourceTable()
	_, _ = fmt.Fprintf(conn, "SOURCETABLE 200 OK\r\nServer: rtkbridge sim caster\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s", len(table), table)
}

func (c *Caster) readReports(br *bufio.Reader) {
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" && !gps.ValidChecksum(line) {
			c.badLines.Add(1)
		} else if fix, ok := gps.Parse(line); ok {
			c.reports.Add(1)
			c.mu.Lock()
			c.lastReport = &fix
			c.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (c *Caster) stream(conn net.Conn, done <-chan struct{}) {
	if len(c.cfg.Replay) > 0 {
		c.streamReplay(conn, done)
		return
	}
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for i := 0; ; i++ {
		frame := sampleFrames[i%len(sampleFrames)]
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if _, err := conn.Write(frame); err != nil {
			return
		}
		c.sent.Add(uint64(len(frame)))
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (c *Caster) streamReplay(conn net.Conn, done <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	err := replay.Play(ctx, c.cfg.Replay, c.cfg.ReplaySpeed, true, nil, func(data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if _, err := conn.Write(data); err != nil {
			return err
		}
		c.sent.Add(uint64(len(data)))
		return nil
	})
	if err != nil && ctx.Err() == nil {
		c.log.Printf("sim caster replay stopped remote=%s err=%v", conn.RemoteAddr(), err)
	}
}
