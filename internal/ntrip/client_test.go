package ntrip

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"
)

// fakeCaster answers each GET with whatever respond returns for the
// requested mountpoint. Stream answers keep the connection open and echo
// everything the client sends into reports.
type fakeCaster struct {
	t  *testing.T
	ln net.Listener

	respond func(mount, auth string) string

	mu       sync.Mutex
	requests []string
	reports  []byte
}

func newFakeCaster(t *testing.T, respond func(mount, auth string) string) *fakeCaster {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fc := &fakeCaster{t: t, ln: ln, respond: respond}
	t.Cleanup(func() { _ = ln.Close() })
	go fc.serve()
	return fc
}

func (fc *fakeCaster) serve() {
	for {
		conn, err := fc.ln.Accept()
		if err != nil {
			return
		}
		go fc.handle(conn)
	}
}

func (fc *fakeCaster) handle(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	mount := req.URL.Path
	if len(mount) > 0 && mount[0] == '/' {
		mount = mount[1:]
	}
	fc.mu.Lock()
	fc.requests = append(fc.requests, mount)
	fc.mu.Unlock()

	resp := fc.respond(mount, req.Header.Get("Authorization"))
	if _, err := io.WriteString(conn, resp); err != nil {
		return
	}
	if len(resp) < 7 || resp[:7] != "ICY 200" {
		return
	}
	buf := make([]byte, 512)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			fc.mu.Lock()
			fc.reports = append(fc.reports, buf[:n]...)
			fc.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (fc *fakeCaster) port() int {
	return fc.ln.Addr().(*net.TCPAddr).Port
}

func (fc *fakeCaster) seen() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.requests...)
}

func (fc *fakeCaster) reported() string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return string(fc.reports)
}

const (
	icyOK      = "ICY 200 OK\r\n\r\n"
	tableEmpty = "SOURCETABLE 200 OK\r\nContent-Type: text/plain\r\n\r\nENDSOURCETABLE\r\n"
	tableTwo   = "SOURCETABLE 200 OK\r\nContent-Type: text/plain\r\n\r\n" +
		"STR;CH1;Hefei;RTCM 3.3;1004(1);2;GPS+GLO;SNIP;CHN;31.82;117.12;1;0;sNTRIP;none;B;N;0;\r\n" +
		"STR;CH2;Hefei;RTCM 3.3;1004(1);2;GPS+GLO;SNIP;CHN;31.82;117.12;1;0;sNTRIP;none;B;N;0;\r\n" +
		"ENDSOURCETABLE\r\n"
)

func testClient(t *testing.T, port int, mount string) *Client {
	t.Helper()
	c, err := New(Config{
		Host:             "127.0.0.1",
		Port:             port,
		Username:         "rover",
		Password:         "secret",
		Mountpoint:       mount,
		DialTimeout:      time.Second,
		HandshakeTimeout: time.Second,
		RetryDelay:       10 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnect_StreamAndReport(t *testing.T) {
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("rover:secret"))
	var gotAuth string
	var authMu sync.Mutex
	fc := newFakeCaster(t, func(mount, auth string) string {
		authMu.Lock()
		gotAuth = auth
		authMu.Unlock()
		return icyOK + "\xd3\x00\x13rtcm"
	})
	c := testClient(t, fc.port(), "RTCM33_GRC")

	if err := c.Connect(context.Background(), 3); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.Connected() {
		t.Fatalf("expected connected")
	}
	authMu.Lock()
	if gotAuth != wantAuth {
		t.Fatalf("auth=%q want %q", gotAuth, wantAuth)
	}
	authMu.Unlock()

	data := c.ReceiveCorrection(time.Second)
	if string(data) != "\xd3\x00\x13rtcm" {
		t.Fatalf("data=%q", data)
	}

	if !c.SendReport("$GNGGA,report*00\r\n") {
		t.Fatalf("SendReport failed")
	}
	deadline := time.Now().Add(2 * time.Second)
	for fc.reported() != "$GNGGA,report*00\r\n" {
		if time.Now().After(deadline) {
			t.Fatalf("caster got %q", fc.reported())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReceiveCorrection_TimeoutKeepsSession(t *testing.T) {
	fc := newFakeCaster(t, func(string, string) string { return icyOK })
	c := testClient(t, fc.port(), "RTCM3")
	if err := c.Connect(context.Background(), 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	start := time.Now()
	if data := c.ReceiveCorrection(50 * time.Millisecond); data != nil {
		t.Fatalf("data=%q want nil", data)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("receive did not honour timeout")
	}
	if !c.Connected() {
		t.Fatalf("timeout must not disconnect")
	}
}

func TestReceiveCorrection_PeerCloseDisconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = http.ReadRequest(bufio.NewReader(conn))
		_, _ = io.WriteString(conn, icyOK)
		time.Sleep(50 * time.Millisecond)
		_ = conn.Close()
	}()

	c := testClient(t, ln.Addr().(*net.TCPAddr).Port, "RTCM3")
	if err := c.Connect(context.Background(), 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("still connected after peer close")
		}
		if data := c.ReceiveCorrection(100 * time.Millisecond); data != nil {
			t.Fatalf("unexpected data %q", data)
		}
	}
	if c.SendReport("x") {
		t.Fatalf("SendReport on a dropped session should fail")
	}
}

func TestConnect_SourceTableFallbackFirstCandidate(t *testing.T) {
	fc := newFakeCaster(t, func(mount, _ string) string {
		if mount == "CH1" {
			return icyOK
		}
		return tableTwo
	})
	c := testClient(t, fc.port(), "MISSING")
	if err := c.Connect(context.Background(), 3); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.Mountpoint(); got != "CH1" {
		t.Fatalf("mountpoint=%q want CH1", got)
	}
	if got := fc.seen(); len(got) != 2 || got[0] != "MISSING" || got[1] != "CH1" {
		t.Fatalf("requests=%v", got)
	}
}

func TestConnect_SourceTableFallbackFailsRestoresMountpoint(t *testing.T) {
	fc := newFakeCaster(t, func(mount, _ string) string {
		if mount == "CH1" {
			return "HTTP/1.1 404 Not Found\r\n\r\n"
		}
		return tableTwo
	})
	c := testClient(t, fc.port(), "MISSING")
	err := c.Connect(context.Background(), 3)
	if !errors.Is(err, ErrSourceTable) {
		t.Fatalf("err=%v want ErrSourceTable", err)
	}
	if got := c.Mountpoint(); got != "MISSING" {
		t.Fatalf("mountpoint=%q want MISSING", got)
	}
	if c.Connected() {
		t.Fatalf("expected disconnected")
	}
	if got := fc.seen(); len(got) != 2 {
		t.Fatalf("fallback must be a single pass, requests=%v", got)
	}
}

func TestConnect_EmptySourceTableTriesCommonMountpoints(t *testing.T) {
	fc := newFakeCaster(t, func(mount, _ string) string {
		if mount == "RTCM3" {
			return icyOK
		}
		return tableEmpty
	})
	c := testClient(t, fc.port(), "MISSING")
	if err := c.Connect(context.Background(), 3); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := c.Mountpoint(); got != "RTCM3" {
		t.Fatalf("mountpoint=%q want RTCM3", got)
	}
	want := []string{"MISSING", "RTCM33_GRC", "RTCM33_GRCEJ", "RTCM3"}
	got := fc.seen()
	if len(got) != len(want) {
		t.Fatalf("requests=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("requests=%v want %v", got, want)
		}
	}
}

func TestConnect_PrimaryMountpointSkipsCommonList(t *testing.T) {
	for _, mp := range []string{"RTCM33_GRC", "RTCM33_GRCEJ"} {
		t.Run(mp, func(t *testing.T) {
			fc := newFakeCaster(t, func(string, string) string { return tableEmpty })
			c := testClient(t, fc.port(), mp)
			err := c.Connect(context.Background(), 3)
			if !errors.Is(err, ErrSourceTable) {
				t.Fatalf("err=%v want ErrSourceTable", err)
			}
			if got := fc.seen(); len(got) != 1 {
				t.Fatalf("requests=%v want only the configured mountpoint", got)
			}
		})
	}
}

func TestConnect_OtherCommonMountpointStillTriesList(t *testing.T) {
	fc := newFakeCaster(t, func(string, string) string { return tableEmpty })
	c := testClient(t, fc.port(), "RTCM32")
	if err := c.Connect(context.Background(), 3); !errors.Is(err, ErrSourceTable) {
		t.Fatalf("err=%v want ErrSourceTable", err)
	}
	want := []string{"RTCM32", "RTCM33_GRC", "RTCM33_GRCEJ", "RTCM3", "RTCM32"}
	got := fc.seen()
	if len(got) != len(want) {
		t.Fatalf("requests=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("requests=%v want %v", got, want)
		}
	}
}

func TestConnect_UnauthorizedIsTerminal(t *testing.T) {
	fc := newFakeCaster(t, func(string, string) string {
		return "HTTP/1.1 401 Unauthorized\r\n\r\n"
	})
	c := testClient(t, fc.port(), "RTCM3")
	err := c.Connect(context.Background(), 3)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err=%v want ErrUnauthorized", err)
	}
	if got := fc.seen(); len(got) != 1 {
		t.Fatalf("requests=%v want 1", got)
	}
}

func TestConnect_DNSIsTerminal(t *testing.T) {
	c := testClient(t, 2101, "RTCM3")
	calls := 0
	c.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		calls++
		return nil, &net.OpError{Op: "dial", Net: network, Err: &net.DNSError{Err: "no such host", Name: "caster.invalid", IsNotFound: true}}
	}
	err := c.Connect(context.Background(), 3)
	if !errors.Is(err, ErrDNS) {
		t.Fatalf("err=%v want ErrDNS", err)
	}
	if calls != 1 {
		t.Fatalf("dial calls=%d want 1", calls)
	}
}

func TestConnect_RefusedIsRetried(t *testing.T) {
	fc := newFakeCaster(t, func(string, string) string { return icyOK })
	c := testClient(t, fc.port(), "RTCM3")
	dial := c.dial
	calls := 0
	c.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		calls++
		if calls < 3 {
			return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
		}
		return dial(ctx, network, address)
	}
	if err := c.Connect(context.Background(), 3); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if calls != 3 {
		t.Fatalf("dial calls=%d want 3", calls)
	}
}

func TestConnect_AttemptsExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	c := testClient(t, port, "RTCM3")
	err = c.Connect(context.Background(), 2)
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("err=%v want ErrAttemptsExhausted", err)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("err=%v should wrap the refused dial", err)
	}
}

func TestConnect_ContextCancelStopsRetries(t *testing.T) {
	c := testClient(t, 2101, "RTCM3")
	c.cfg.RetryDelay = time.Hour
	c.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Connect(ctx, 5)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("Connect ignored context cancellation")
	}
}

// silentCaster accepts connections and never answers.
func silentCaster(t *testing.T) (port int, accepts func() int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		n     int
		conns []net.Conn
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			n++
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, func() int {
		mu.Lock()
		defer mu.Unlock()
		return n
	}
}

func TestConnect_HandshakeTimeoutIsRetried(t *testing.T) {
	port, accepts := silentCaster(t)
	c := testClient(t, port, "RTCM3")
	c.cfg.HandshakeTimeout = 150 * time.Millisecond

	err := c.Connect(context.Background(), 3)
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("err=%v want ErrAttemptsExhausted", err)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("err=%v should wrap the handshake timeout", err)
	}
	if got := accepts(); got != 3 {
		t.Fatalf("accepts=%d want 3", got)
	}
	if c.Connected() {
		t.Fatalf("expected disconnected")
	}
}

func TestConnect_DialTimeoutIsRetried(t *testing.T) {
	c := testClient(t, 2101, "RTCM3")
	c.cfg.DialTimeout = 20 * time.Millisecond
	calls := 0
	c.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		calls++
		<-ctx.Done()
		return nil, ctx.Err()
	}
	err := c.Connect(context.Background(), 2)
	if !errors.Is(err, ErrAttemptsExhausted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want exhausted dial timeouts", err)
	}
	if calls != 2 {
		t.Fatalf("dial calls=%d want 2", calls)
	}
}

func TestConnect_CancelAbortsHandshake(t *testing.T) {
	port, accepts := silentCaster(t)
	c := testClient(t, port, "RTCM3")
	c.cfg.HandshakeTimeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for accepts() == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	start := time.Now()
	err := c.Connect(ctx, 3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("Connect took %v after cancel", d)
	}
	if c.Connected() || accepts() != 1 {
		t.Fatalf("connected=%v accepts=%d", c.Connected(), accepts())
	}
}

func TestConnect_CancelledAfterAnswerDoesNotAttach(t *testing.T) {
	fc := newFakeCaster(t, func(string, string) string { return icyOK })
	c := testClient(t, fc.port(), "RTCM3")
	ctx, cancel := context.WithCancel(context.Background())
	dial := c.dial
	c.dial = func(dctx context.Context, network, address string) (net.Conn, error) {
		conn, err := dial(dctx, network, address)
		cancel()
		return conn, err
	}
	if err := c.Connect(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if c.Connected() {
		t.Fatalf("session attached after cancel")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	fc := newFakeCaster(t, func(string, string) string { return icyOK })
	c := testClient(t, fc.port(), "RTCM3")
	if err := c.Connect(context.Background(), 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Disconnect()
	c.Disconnect()
	if c.Connected() {
		t.Fatalf("expected disconnected")
	}
	if c.ReceiveCorrection(10*time.Millisecond) != nil {
		t.Fatalf("expected nil after disconnect")
	}

	var nilClient *Client
	nilClient.Disconnect()
	if nilClient.SendReport("x") {
		t.Fatalf("nil client SendReport should fail")
	}
}

func TestNew_Validation(t *testing.T) {
	cases := []Config{
		{Port: 2101, Mountpoint: "X"},
		{Host: "h", Port: 0, Mountpoint: "X"},
		{Host: "h", Port: 70000, Mountpoint: "X"},
		{Host: "h", Port: 2101, Mountpoint: " / "},
	}
	for i, cfg := range cases {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			if _, err := New(cfg); err == nil {
				t.Fatalf("expected error for %+v", cfg)
			}
		})
	}
}
