// Package publish republishes decoded fixes to a consumer: a JSON file, an
// in-process callback, an MQTT topic or a UDP peer. Writes are rate limited.
package publish

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"rtkbridge/internal/gps"
	"rtkbridge/internal/udp"
)

var ErrUnknownTarget = errors.New("publish target unknown")

const (
	TargetFile     = "file"
	TargetCallback = "callback"
	TargetMQTT     = "mqtt"
	TargetUDP      = "udp"

	DefaultFilePath = "/tmp/gnss_location.json"
	DefaultInterval = time.Second
)

type Config struct {
	Target string
	// Interval is the minimum spacing between successful publishes.
	Interval time.Duration

	FilePath string
	// AtomicWrite replaces the file via temp file + rename.
	AtomicWrite bool

	Callback func(Record) error

	MQTT MQTTConfig

	// UDPAddr is host:port of the datagram receiver.
	UDPAddr string

	// Fixes with fewer satellites or a lower quality code are skipped.
	MinSatellites int
	MinQuality    int

	Logger *log.Logger
}

type sink interface {
	send(payload []byte, rec Record) error
	close() error
}

type Publisher struct {
	cfg  Config
	log  *log.Logger
	sink sink
	now  func() time.Time

	mu        sync.Mutex
	last      time.Time
	published uint64
	skipped   uint64
	failures  uint64
	lastErr   string
}

type Snapshot struct {
	Target         string `json:"target"`
	Published      uint64 `json:"published"`
	Skipped        uint64 `json:"skipped"`
	Failures       uint64 `json:"failures"`
	LastError      string `json:"last_error,omitempty"`
	LastPublishUTC string `json:"last_publish_utc,omitempty"`

	// Destination and datagram counts are set for the udp target.
	Destination     string `json:"destination,omitempty"`
	DatagramsSent   uint64 `json:"datagrams_sent,omitempty"`
	DatagramsFailed uint64 `json:"datagrams_failed,omitempty"`
}

func New(cfg Config) (*Publisher, error) {
	cfg.Target = strings.ToLower(strings.TrimSpace(cfg.Target))
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	var (
		s   sink
		err error
	)
	switch cfg.Target {
	case TargetFile:
		if strings.TrimSpace(cfg.FilePath) == "" {
			cfg.FilePath = DefaultFilePath
		}
		s = &fileSink{path: cfg.FilePath, atomic: cfg.AtomicWrite}
	case TargetCallback:
		if cfg.Callback == nil {
			return nil, fmt.Errorf("publish callback is required")
		}
		s = callbackSink{fn: cfg.Callback}
	case TargetMQTT:
		s, err = dialMQTT(cfg.MQTT)
		if err != nil {
			return nil, err
		}
	case TargetUDP:
		sender, err := udp.NewSender(cfg.UDPAddr)
		if err != nil {
			return nil, fmt.Errorf("publish udp: %w", err)
		}
		s = udpSink{sender: sender}
		logger.Printf("publish udp dest=%s", sender.Dest())
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, cfg.Target)
	}
	logger.Printf("publish enabled target=%s interval=%s", cfg.Target, cfg.Interval)
	return newPublisher(cfg, logger, s), nil
}

func newPublisher(cfg Config, logger *log.Logger, s sink) *Publisher {
	return &Publisher{cfg: cfg, log: logger, sink: s, now: time.Now}
}

// Publish writes fix to the target unless the previous successful publish
// was less than Interval ago. Skipped calls return nil; only a successful
// write moves the interval clock.
func (p *Publisher) Publish(fix gps.Fix) error {
	if p == nil {
		return fmt.Errorf("publisher is nil")
	}
	if fix.Satellites < p.cfg.MinSatellites || fix.Quality < p.cfg.MinQuality {
		p.mu.Lock()
		p.skipped++
		p.mu.Unlock()
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !p.last.IsZero() && now.Sub(p.last) < p.cfg.Interval {
		return nil
	}

	rec := NewRecord(fix)
	payload, err := rec.MarshalIndent()
	if err != nil {
		return p.fail(fmt.Errorf("publish encode: %w", err))
	}
	if err := p.sink.send(payload, rec); err != nil {
		return p.fail(fmt.Errorf("publish target=%s: %w", p.cfg.Target, err))
	}
	p.last = now
	p.published++
	p.lastErr = ""
	return nil
}

func (p *Publisher) fail(err error) error {
	p.failures++
	p.lastErr = err.Error()
	return err
}

func (p *Publisher) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := Snapshot{
		Target:    p.cfg.Target,
		Published: p.published,
		Skipped:   p.skipped,
		Failures:  p.failures,
		LastError: p.lastErr,
	}
	if !p.last.IsZero() {
		out.LastPublishUTC = p.last.UTC().Format(time.RFC3339Nano)
	}
	if u, ok := p.sink.(udpSink); ok {
		out.Destination = u.sender.Dest()
		out.DatagramsSent, out.DatagramsFailed = u.sender.Counts()
	}
	return out
}

func (p *Publisher) Close() error {
	if p == nil || p.sink == nil {
		return nil
	}
	return p.sink.close()
}

type callbackSink struct {
	fn func(Record) error
}

// send turns a panicking callback into an error.
func (s callbackSink) send(_ []byte, rec Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return s.fn(rec)
}

func (callbackSink) close() error { return nil }

type udpSink struct {
	sender *udp.Sender
}

func (s udpSink) send(payload []byte, _ Record) error { return s.sender.Send(payload) }
func (s udpSink) close() error                        { return s.sender.Close() }
