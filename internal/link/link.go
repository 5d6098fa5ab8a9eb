package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// ErrClosed is kept in Err when ReadLine runs on a link that is not open.
var ErrClosed = errors.New("link is closed")

const (
	// MaxLineBytes bounds one NMEA line; longer input is dropped up to the
	// next newline.
	MaxLineBytes = 4096

	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 2 * time.Second
)

// serialPort is the subset of serial.Port the link uses.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

type transport interface {
	io.ReadWriteCloser
	// setReadTimeout bounds the next Read; a Read that times out returns
	// (0, nil) or a deadline error.
	setReadTimeout(d time.Duration) error
	setWriteTimeout(d time.Duration) error
}

type Options struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *log.Logger
}

// Link is a byte channel to the receiver. One goroutine may write while
// another reads; ReadLine itself must not be called concurrently.
type Link struct {
	ep   Endpoint
	opts Options
	log  *log.Logger

	openSerial func(device string, mode *serial.Mode) (serialPort, error)

	isOpen atomic.Bool
	mu     sync.Mutex
	tr     transport

	// ReadLine state.
	buf        []byte
	chunk      []byte
	discarding bool
	err        error
}

func New(ep Endpoint, opts Options) (*Link, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Link{
		ep:         ep,
		opts:       opts,
		log:        logger,
		openSerial: openSerialPort,
		chunk:      make([]byte, 1024),
	}, nil
}

func openSerialPort(device string, mode *serial.Mode) (serialPort, error) {
	p, err := serial.Open(device, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (l *Link) Endpoint() Endpoint {
	if l == nil {
		return Endpoint{}
	}
	return l.ep
}

// Open connects the transport. It is not retried; an already open link is
// closed and reopened.
func (l *Link) Open(ctx context.Context) error {
	if l == nil {
		return fmt.Errorf("link is nil")
	}
	var (
		tr  transport
		err error
	)
	switch l.ep.Kind {
	case KindTCP:
		tr, err = l.openTCP(ctx)
	case KindSerial:
		tr, err = l.openSerialTransport()
	default:
		err = fmt.Errorf("link kind unsupported: %v", l.ep.Kind)
	}
	if err != nil {
		l.log.Printf("link open failed endpoint=%s err=%v", l.ep, err)
		return err
	}

	l.mu.Lock()
	old := l.tr
	l.tr = tr
	l.isOpen.Store(true)
	l.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	l.buf = l.buf[:0]
	l.discarding = false
	l.err = nil
	l.log.Printf("link opened endpoint=%s", l.ep)
	return nil
}

func (l *Link) openTCP(ctx context.Context) (transport, error) {
	d := &net.Dialer{Timeout: l.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", l.ep.Addr())
	if err != nil {
		return nil, fmt.Errorf("link dial addr=%s: %w", l.ep.Addr(), err)
	}
	return &tcpTransport{conn: conn}, nil
}

func (l *Link) openSerialTransport() (transport, error) {
	parity, err := parityMode(l.ep.Parity)
	if err != nil {
		return nil, err
	}
	stop, err := stopBitsMode(l.ep.StopBits)
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: l.ep.Baud,
		DataBits: l.ep.DataBits,
		Parity:   parity,
		StopBits: stop,
	}
	p, err := l.openSerial(l.ep.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("link serial open device=%s: %w", l.ep.Device, err)
	}
	return &serialTransport{port: p}, nil
}

func (l *Link) current() transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tr
}

func (l *Link) IsOpen() bool {
	return l != nil && l.isOpen.Load()
}

// WriteBytes writes all of p. It reports false on any I/O error and leaves
// the link open.
func (l *Link) WriteBytes(p []byte) bool {
	if l == nil {
		return false
	}
	tr := l.current()
	if tr == nil {
		return false
	}
	if len(p) == 0 {
		return true
	}
	_ = tr.setWriteTimeout(l.opts.WriteTimeout)
	for len(p) > 0 {
		n, err := tr.Write(p)
		if err != nil {
			l.log.Printf("link write failed endpoint=%s err=%v", l.ep, err)
			return false
		}
		if n == 0 {
			l.log.Printf("link write failed endpoint=%s err=short write", l.ep)
			return false
		}
		p = p[n:]
	}
	return true
}

// ReadLine returns the next newline-terminated line with surrounding
// whitespace removed. Partial input stays buffered across calls. It reports
// false when timeout passes first or the read fails; Err tells the two
// apart.
func (l *Link) ReadLine(timeout time.Duration) (string, bool) {
	if l == nil {
		return "", false
	}
	l.err = nil
	if timeout <= 0 {
		timeout = time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		if line, ok := l.nextBuffered(); ok {
			return line, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false
		}
		tr := l.current()
		if tr == nil {
			l.err = ErrClosed
			return "", false
		}
		_ = tr.setReadTimeout(remaining)
		n, err := tr.Read(l.chunk)
		if n > 0 {
			l.buf = append(l.buf, l.chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if !l.IsOpen() || errors.Is(err, net.ErrClosed) {
				l.err = ErrClosed
			} else {
				l.err = err
			}
			return "", false
		}
	}
}

func (l *Link) nextBuffered() (string, bool) {
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			if len(l.buf) > MaxLineBytes {
				l.buf = l.buf[:0]
				l.discarding = true
			}
			return "", false
		}
		raw := l.buf[:i]
		drop := l.discarding
		line := strings.TrimSpace(string(raw))
		n := copy(l.buf, l.buf[i+1:])
		l.buf = l.buf[:n]
		l.discarding = false
		if drop || len(raw) > MaxLineBytes || line == "" {
			continue
		}
		return line, true
	}
}

// Err returns the error of the last ReadLine call, or nil after a clean
// timeout.
func (l *Link) Err() error {
	if l == nil {
		return ErrClosed
	}
	return l.err
}

// Close is idempotent.
func (l *Link) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	tr := l.tr
	l.tr = nil
	l.isOpen.Store(false)
	l.mu.Unlock()
	if tr == nil {
		return
	}
	_ = tr.Close()
	l.log.Printf("link closed endpoint=%s", l.ep)
}

type tcpTransport struct {
	conn net.Conn
}

func (t *tcpTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *tcpTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *tcpTransport) Close() error                { return t.conn.Close() }

func (t *tcpTransport) setReadTimeout(d time.Duration) error {
	return t.conn.SetReadDeadline(time.Now().Add(d))
}

func (t *tcpTransport) setWriteTimeout(d time.Duration) error {
	return t.conn.SetWriteDeadline(time.Now().Add(d))
}

// serialTransport relies on the port's read timeout; a timed out Read
// returns (0, nil).
type serialTransport struct {
	port serialPort
}

func (t *serialTransport) Read(p []byte) (int, error)  { return t.port.Read(p) }
func (t *serialTransport) Write(p []byte) (int, error) { return t.port.Write(p) }
func (t *serialTransport) Close() error                { return t.port.Close() }

func (t *serialTransport) setReadTimeout(d time.Duration) error {
	return t.port.SetReadTimeout(d)
}

func (t *serialTransport) setWriteTimeout(time.Duration) error { return nil }

func parityMode(p string) (serial.Parity, error) {
	switch strings.ToUpper(strings.TrimSpace(p)) {
	case "", "N":
		return serial.NoParity, nil
	case "E":
		return serial.EvenParity, nil
	case "O":
		return serial.OddParity, nil
	case "M":
		return serial.MarkParity, nil
	case "S":
		return serial.SpaceParity, nil
	default:
		return serial.NoParity, fmt.Errorf("link serial parity unsupported: %q", p)
	}
}

func stopBitsMode(n int) (serial.StopBits, error) {
	switch n {
	case 0, 1:
		return serial.OneStopBit, nil
	case 2:
		return serial.TwoStopBits, nil
	default:
		return serial.OneStopBit, fmt.Errorf("link serial stop bits unsupported: %d", n)
	}
}
