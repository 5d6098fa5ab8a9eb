package ntrip

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrUnauthorized means the caster rejected the credentials (401/403).
	ErrUnauthorized = errors.New("ntrip unauthorized")
	// ErrDNS means the caster host name could not be resolved.
	ErrDNS = errors.New("ntrip dns resolution failed")
	// ErrSourceTable means the caster answered with a source table and no
	// fallback mountpoint produced a stream.
	ErrSourceTable = errors.New("ntrip mountpoint not available")
	// ErrAttemptsExhausted wraps the last retryable failure of Connect.
	ErrAttemptsExhausted = errors.New("ntrip connect attempts exhausted")
)

const (
	DefaultUserAgent    = "NTRIP rtkbridge/1.0"
	maxCorrectionRead   = 4096
	defaultWriteTimeout = 5 * time.Second
)

type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Mountpoint string
	UserAgent  string

	// DialTimeout bounds the TCP connect of each attempt.
	DialTimeout time.Duration
	// HandshakeTimeout bounds the wait for the caster's response header.
	HandshakeTimeout time.Duration
	// RetryDelay is the pause between retryable connect attempts.
	RetryDelay time.Duration

	Logger *log.Logger
}

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Client is one rover session against a caster. Connect, SendReport and
// ReceiveCorrection are meant to be driven by a single goroutine;
// Disconnect, Connected and Mountpoint are safe from any goroutine.
type Client struct {
	cfg  Config
	log  *log.Logger
	dial dialFunc

	connected atomic.Bool

	mu         sync.Mutex
	conn       net.Conn
	mountpoint string
	pending    []byte
}

func New(cfg Config) (*Client, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.Mountpoint = strings.TrimPrefix(strings.TrimSpace(cfg.Mountpoint), "/")
	if cfg.Host == "" {
		return nil, fmt.Errorf("ntrip host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("ntrip port out of range: %d", cfg.Port)
	}
	if cfg.Mountpoint == "" {
		return nil, fmt.Errorf("ntrip mountpoint is required")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 1 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	d := &net.Dialer{}
	return &Client{
		cfg:        cfg,
		log:        logger,
		dial:       d.DialContext,
		mountpoint: cfg.Mountpoint,
	}, nil
}

func (c *Client) Addr() string {
	if c == nil {
		return ""
	}
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Mountpoint reports the mountpoint in use. It differs from the configured
// one after a successful source-table fallback.
func (c *Client) Mountpoint() string {
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mountpoint
}

func (c *Client) Connected() bool {
	return c != nil && c.connected.Load()
}

// Connect runs up to maxAttempts handshakes. Timeouts, refused connections
// and unexpected responses are retried after RetryDelay; DNS failures and
// rejected credentials end the loop at once. A source table on the first
// attempt triggers a single fallback pass over alternative mountpoints.
func (c *Client) Connect(ctx context.Context, maxAttempts int) error {
	if c == nil {
		return fmt.Errorf("ntrip client is nil")
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	c.closeConn()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		mp := c.Mountpoint()
		c.log.Printf("ntrip connect attempt=%d/%d addr=%s mountpoint=%s", attempt+1, maxAttempts, c.Addr(), mp)

		conn, res, err := c.request(ctx, mp)
		switch {
		case err != nil:
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) {
				c.log.Printf("ntrip dns failure host=%s err=%v", c.cfg.Host, err)
				return fmt.Errorf("%w: %w", ErrDNS, err)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.log.Printf("ntrip connect failed attempt=%d err=%v", attempt+1, err)
			lastErr = err

		case res.kind == respStream:
			if err := ctx.Err(); err != nil {
				_ = conn.Close()
				return err
			}
			c.attach(conn, mp, res.rest)
			c.log.Printf("ntrip connected addr=%s mountpoint=%s", c.Addr(), mp)
			return nil

		case res.kind == respSourceTable:
			_ = conn.Close()
			c.log.Printf("ntrip source table received mountpoint=%s", mp)
			if attempt == 0 {
				return c.fallback(ctx, mp, res.body)
			}
			lastErr = fmt.Errorf("mountpoint=%s: %w", mp, ErrSourceTable)

		case res.kind == respUnauthorized:
			_ = conn.Close()
			c.log.Printf("ntrip authentication rejected status=%q", res.status)
			return fmt.Errorf("ntrip status=%q: %w", res.status, ErrUnauthorized)

		default:
			_ = conn.Close()
			c.log.Printf("ntrip unexpected response status=%q", res.status)
			lastErr = fmt.Errorf("ntrip unexpected response status=%q", res.status)
		}

		if attempt < maxAttempts-1 {
			if !sleepCtx(ctx, c.cfg.RetryDelay) {
				return ctx.Err()
			}
		}
	}
	c.log.Printf("ntrip connect gave up attempts=%d", maxAttempts)
	return fmt.Errorf("%w (%d): %w", ErrAttemptsExhausted, maxAttempts, lastErr)
}

// fallback handles a source table received for mp. The first listed stream
// gets one attempt; with an empty table the common mountpoints are tried.
func (c *Client) fallback(ctx context.Context, mp string, table string) error {
	candidates := ParseSourceTable(table)
	if len(candidates) > 0 {
		c.log.Printf("ntrip source table mountpoints=%d first=%s", len(candidates), candidates[0])
		if err := c.tryMountpoint(ctx, candidates[0]); err != nil {
			c.log.Printf("ntrip fallback failed mountpoint=%s err=%v", candidates[0], err)
			return fmt.Errorf("mountpoint=%s fallback=%s: %w: %w", mp, candidates[0], ErrSourceTable, err)
		}
		return nil
	}

	c.log.Printf("ntrip source table lists no mountpoints")
	if !isPrimaryMountpoint(mp) {
		for _, cand := range commonMountpoints {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.log.Printf("ntrip trying common mountpoint=%s", cand)
			if err := c.tryMountpoint(ctx, cand); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("mountpoint=%s: %w", mp, ErrSourceTable)
}

// tryMountpoint makes one handshake against mp and keeps the session only
// if the caster starts a stream.
func (c *Client) tryMountpoint(ctx context.Context, mp string) error {
	conn, res, err := c.request(ctx, mp)
	if err != nil {
		return err
	}
	switch res.kind {
	case respStream:
		if err := ctx.Err(); err != nil {
			_ = conn.Close()
			return err
		}
		c.attach(conn, mp, res.rest)
		c.log.Printf("ntrip connected addr=%s mountpoint=%s", c.Addr(), mp)
		return nil
	case respUnauthorized:
		_ = conn.Close()
		return fmt.Errorf("ntrip status=%q: %w", res.status, ErrUnauthorized)
	default:
		_ = conn.Close()
		return fmt.Errorf("ntrip %s response status=%q", res.kind, res.status)
	}
}

func (c *Client) request(ctx context.Context, mp string) (net.Conn, response, error) {
	addr := c.Addr()
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.dial(dctx, "tcp", addr)
	cancel()
	if err != nil {
		return nil, response{}, fmt.Errorf("ntrip dial addr=%s: %w", addr, err)
	}

	// Cancelling ctx aborts a handshake blocked on the caster.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	if _, err := io.WriteString(conn, c.requestText(mp)); err != nil {
		stop()
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, response{}, ctxErr
		}
		return nil, response{}, fmt.Errorf("ntrip send request: %w", err)
	}
	res, err := readResponse(conn)
	if !stop() {
		_ = conn.Close()
		return nil, response{}, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, response{}, err
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, res, nil
}

func (c *Client) requestText(mp string) string {
	auth := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + c.cfg.Password))
	var b strings.Builder
	fmt.Fprintf(&b, "GET /%s HTTP/1.1\r\n", mp)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", c.cfg.UserAgent)
	fmt.Fprintf(&b, "Authorization: Basic %s\r\n", auth)
	b.WriteString("Connection: close\r\n")
	b.WriteString("\r\n")
	return b.String()
}

// SendReport writes one position report (normally a GGA line) to the caster.
// A write failure marks the session disconnected.
func (c *Client) SendReport(line string) bool {
	if c == nil {
		return false
	}
	conn := c.currentConn()
	if conn == nil || !c.connected.Load() {
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if _, err := io.WriteString(conn, line); err != nil {
		c.log.Printf("ntrip report send failed err=%v", err)
		c.drop(conn)
		return false
	}
	return true
}

// ReceiveCorrection returns up to 4096 bytes of RTCM data, or nil if none
// arrived within timeout. EOF and hard read errors mark the session
// disconnected and also return nil.
func (c *Client) ReceiveCorrection(timeout time.Duration) []byte {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	if len(c.pending) > 0 {
		p := c.pending
		c.pending = nil
		c.mu.Unlock()
		return p
	}
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		return nil
	}

	if timeout <= 0 {
		timeout = time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, maxCorrectionRead)
	n, err := conn.Read(buf)
	if n > 0 {
		return buf[:n]
	}
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}
		if !errors.Is(err, net.ErrClosed) {
			c.log.Printf("ntrip receive failed err=%v", err)
		}
		c.drop(conn)
	}
	return nil
}

// Disconnect closes the session. It is idempotent.
func (c *Client) Disconnect() {
	if c == nil {
		return
	}
	if c.closeConn() {
		c.log.Printf("ntrip disconnected addr=%s", c.Addr())
	}
}

func (c *Client) attach(conn net.Conn, mp string, pending []byte) {
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mountpoint = mp
	c.pending = pending
	c.connected.Store(true)
	c.mu.Unlock()
	if old != nil && old != conn {
		_ = old.Close()
	}
}

func (c *Client) currentConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// drop closes conn if it is still the active one.
func (c *Client) drop(conn net.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.pending = nil
	c.connected.Store(false)
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) closeConn() bool {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.pending = nil
	c.connected.Store(false)
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	_ = conn.Close()
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
