// Package sim provides in-process stand-ins for the two ends of the bridge:
// a GNSS receiver that streams NMEA over TCP and an NTRIP caster.
package sim

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"rtkbridge/internal/gps"
)

type ReceiverConfig struct {
	// Listen is the TCP listen address; empty means 127.0.0.1:0.
	Listen string
	// Period between sentence bursts; zero means 1s.
	Period time.Duration
	Track  Track
	// Scenario drives quality/satellites/HDOP; nil means a steady RTK fix.
	Scenario *Scenario
	Talker   string
	// EmitRMC adds an RMC sentence after each GGA.
	EmitRMC bool
	// NeedCorrections holds the solution at autonomous quality until the
	// first correction byte arrives.
	NeedCorrections bool

	Logger *log.Logger
}

// Receiver emulates a GNSS receiver on a TCP socket: each client gets NMEA
// sentences once per Period; bytes written by clients are counted as RTCM.
type Receiver struct {
	cfg   ReceiverConfig
	log   *log.Logger
	now   func() time.Time
	start time.Time

	rtcmBytes atomic.Uint64
	sentences atomic.Uint64

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Second
	}
	if cfg.Talker == "" {
		cfg.Talker = "GN"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Receiver{cfg: cfg, log: logger, now: time.Now, conns: make(map[net.Conn]struct{})}
}

func (r *Receiver) Start() error {
	if r == nil {
		return fmt.Errorf("receiver is nil")
	}
	ln, err := net.Listen("tcp", r.cfg.Listen)
	if err != nil {
		return fmt.Errorf("sim receiver listen %s: %w", r.cfg.Listen, err)
	}
	r.mu.Lock()
	r.ln = ln
	r.start = r.now()
	r.mu.Unlock()

	r.log.Printf("sim receiver listening addr=%s period=%s", ln.Addr(), r.cfg.Period)
	r.wg.Add(1)
	go r.acceptLoop(ln)
	return nil
}

// Addr is the bound listen address, valid after Start.
func (r *Receiver) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return ""
	}
	return r.ln.Addr().String()
}

func (r *Receiver) RTCMBytes() uint64 { return r.rtcmBytes.Load() }
func (r *Receiver) Sentences() uint64 { return r.sentences.Load() }

// Fix is the simulated solution at now.
func (r *Receiver) Fix(now time.Time) gps.Fix {
	lat, lon, _ := r.cfg.Track.Position(now)
	st := SolutionState{Quality: gps.QualityRTKFixed, Satellites: 20, HDOP: 0.7}
	if r.cfg.Scenario != nil {
		r.mu.Lock()
		start := r.start
		r.mu.Unlock()
		st = r.cfg.Scenario.StateAt(now.Sub(start), true)
	}
	if r.cfg.NeedCorrections && r.rtcmBytes.Load() == 0 && st.Quality > gps.QualityGPS {
		st.Quality = gps.QualityGPS
	}
	return gps.Fix{
		Time:       now,
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   r.cfg.Track.Altitude(now),
		Quality:    st.Quality,
		Satellites: st.Satellites,
		HDOP:       st.HDOP,
	}
}

// Burst returns the sentences emitted for one period at now.
func (r *Receiver) Burst(now time.Time) []string {
	fix := r.Fix(now)
	out := []string{gps.FormatGGA(fix, now, gps.ReportOptions{Talker: r.cfg.Talker, GeoidSep: -3.6})}
	if r.cfg.EmitRMC {
		_, _, course := r.cfg.Track.Position(now)
		out = append(out, gps.FormatRMC(fix, now, r.cfg.Talker, r.cfg.Track.SpeedKnots(), course))
	}
	return out
}

func (r *Receiver) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var err error
	if r.ln != nil {
		err = r.ln.Close()
	}
	for c := range r.conns {
		_ = c.Close()
	}
	r.mu.Unlock()

	r.wg.Wait()
	return err
}

func (r *Receiver) acceptLoop(ln net.Listener) {
	defer r.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if !r.track(conn) {
			_ = conn.Close()
			return
		}
		r.log.Printf("sim receiver client connected remote=%s", conn.RemoteAddr())
		r.wg.Add(2)
		go r.countCorrections(conn)
		go r.emit(conn)
	}
}

func (r *Receiver) track(conn net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[conn] = struct{}{}
	return true
}

func (r *Receiver) untrack(conn net.Conn) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
	_ = conn.Close()
}

type countingWriter struct {
	n *atomic.Uint64
}

func (w countingWriter) Write(p []byte) (int, error) {
	w.n.Add(uint64(len(p)))
	return len(p), nil
}

func (r *Receiver) countCorrections(conn net.Conn) {
	defer r.wg.Done()
	n, _ := io.Copy(countingWriter{n: &r.rtcmBytes}, conn)
	if n > 0 {
		r.log.Printf("sim receiver client done remote=%s rtcm_bytes=%d", conn.RemoteAddr(), n)
	}
}

func (r *Receiver) emit(conn net.Conn) {
	defer r.wg.Done()
	defer r.untrack(conn)

	ticker := time.NewTicker(r.cfg.Period)
	defer ticker.Stop()
	for {
		for _, line := range r.Burst(r.now()) {
			_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if _, err := io.WriteString(conn, line); err != nil {
				return
			}
			r.sentences.Add(1)
		}
		<-ticker.C
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}
	}
}
