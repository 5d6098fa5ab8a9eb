// Package bridge runs the correction pipeline: one goroutine moves RTCM
// bytes from the caster to the receiver and reports the rover position
// upstream, another reads the receiver's NMEA output and publishes fixes.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"rtkbridge/internal/gps"
)

const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
)

var ErrNotStopped = errors.New("bridge is not stopped")

var errCorrectionDown = errors.New("correction session is down")

// CorrectionSource is the caster side of the bridge; *ntrip.Client
// implements it.
type CorrectionSource interface {
	Connect(ctx context.Context, maxAttempts int) error
	SendReport(line string) bool
	ReceiveCorrection(timeout time.Duration) []byte
	Disconnect()
	Connected() bool
	Mountpoint() string
}

// ReceiverLink is the receiver side of the bridge; *link.Link implements it.
type ReceiverLink interface {
	Open(ctx context.Context) error
	WriteBytes(p []byte) bool
	ReadLine(timeout time.Duration) (string, bool)
	Err() error
	Close()
	IsOpen() bool
}

type FixPublisher interface {
	Publish(fix gps.Fix) error
}

type Options struct {
	ConnectAttempts int

	ReportInterval        time.Duration
	CorrectionReadTimeout time.Duration
	LineReadTimeout       time.Duration
	LoopPause             time.Duration
	ErrorBackoff          time.Duration
	StopGrace             time.Duration

	// Reconnect lets the loops reopen a dropped caster session or receiver
	// link, at most once per ReconnectInterval each.
	Reconnect         bool
	ReconnectInterval time.Duration

	// PositionTimeout marks the last fix stale in Status once it is older
	// than this. Zero disables the check.
	PositionTimeout time.Duration

	Report gps.ReportOptions

	// OnFix is called from the receiver loop for every decoded fix, after
	// it was published. It must not block.
	OnFix func(gps.Fix)

	Logger *log.Logger
}

func DefaultOptions() Options {
	return Options{
		ConnectAttempts:       3,
		ReportInterval:        30 * time.Second,
		CorrectionReadTimeout: time.Second,
		LineReadTimeout:       time.Second,
		LoopPause:             50 * time.Millisecond,
		ErrorBackoff:          time.Second,
		StopGrace:             5 * time.Second,
		Reconnect:             true,
		ReconnectInterval:     5 * time.Second,
		PositionTimeout:       10 * time.Second,
		Report:                gps.DefaultReportOptions,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = d.ConnectAttempts
	}
	if o.ReportInterval <= 0 {
		o.ReportInterval = d.ReportInterval
	}
	if o.CorrectionReadTimeout <= 0 {
		o.CorrectionReadTimeout = d.CorrectionReadTimeout
	}
	if o.LineReadTimeout <= 0 {
		o.LineReadTimeout = d.LineReadTimeout
	}
	if o.LoopPause <= 0 {
		o.LoopPause = d.LoopPause
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = d.ErrorBackoff
	}
	if o.StopGrace <= 0 {
		o.StopGrace = d.StopGrace
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = d.ReconnectInterval
	}
	if o.Report.Talker == "" {
		o.Report.Talker = d.Report.Talker
	}
}

type Bridge struct {
	client CorrectionSource
	link   ReceiverLink
	pub    FixPublisher
	opts   Options
	log    *log.Logger

	mu     sync.Mutex
	state  string
	cancel context.CancelFunc
	doneA  chan struct{}
	doneB  chan struct{}

	running         atomic.Bool
	correctionAlive atomic.Bool
	receiverAlive   atomic.Bool

	fixMu   sync.RWMutex
	lastFix gps.Fix
	hasFix  bool

	// Unix nanoseconds of the last report attempt; 0 means never.
	lastReport atomic.Int64

	reconnects      atomic.Uint64
	linkReopens     atomic.Uint64
	correctionBytes atomic.Uint64
	sentences       atomic.Uint64
	fixes           atomic.Uint64
	parseDrops      atomic.Uint64
	publishErrors   atomic.Uint64
}

// Status is a point-in-time copy of the bridge state.
type Status struct {
	Running             bool     `json:"running"`
	State               string   `json:"state"`
	CorrectionConnected bool     `json:"correction_connected"`
	LinkOpen            bool     `json:"link_open"`
	CorrectionLoopAlive bool     `json:"correction_loop_alive"`
	ReceiverLoopAlive   bool     `json:"receiver_loop_alive"`
	LastFix             *gps.Fix `json:"last_fix,omitempty"`
	FixStale            bool     `json:"fix_stale"`
	Mountpoint          string   `json:"mountpoint"`
	Reconnects          uint64   `json:"reconnects"`
	LinkReopens         uint64   `json:"link_reopens"`
	LastReportUTC       string   `json:"last_report_utc,omitempty"`
	CorrectionBytes     uint64   `json:"correction_bytes"`
	Sentences           uint64   `json:"sentences"`
	Fixes               uint64   `json:"fixes"`
	ParseDrops          uint64   `json:"parse_drops"`
	PublishErrors       uint64   `json:"publish_errors"`
}

func New(client CorrectionSource, rl ReceiverLink, pub FixPublisher, opts Options) (*Bridge, error) {
	if client == nil {
		return nil, fmt.Errorf("bridge correction client is nil")
	}
	if rl == nil {
		return nil, fmt.Errorf("bridge receiver link is nil")
	}
	if pub == nil {
		return nil, fmt.Errorf("bridge publisher is nil")
	}
	opts.applyDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Bridge{
		client: client,
		link:   rl,
		pub:    pub,
		opts:   opts,
		log:    logger,
		state:  StateStopped,
	}, nil
}

// Start connects the caster session and opens the receiver link, then
// launches both loops and returns. If either step fails the bridge stays
// stopped and nothing is left open. The loops outlive ctx; only Stop ends
// them.
func (b *Bridge) Start(ctx context.Context) error {
	if b == nil {
		return fmt.Errorf("bridge is nil")
	}
	b.mu.Lock()
	if b.state != StateStopped {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("%w (state=%s)", ErrNotStopped, state)
	}
	// Loops abandoned by an expired stop grace still share the running flag.
	if b.correctionAlive.Load() || b.receiverAlive.Load() {
		b.mu.Unlock()
		return fmt.Errorf("%w (previous loops still exiting)", ErrNotStopped)
	}
	b.state = StateStarting
	b.mu.Unlock()

	b.log.Printf("bridge starting")
	if err := b.client.Connect(ctx, b.opts.ConnectAttempts); err != nil {
		b.setState(StateStopped)
		return fmt.Errorf("bridge correction connect: %w", err)
	}
	if err := b.link.Open(ctx); err != nil {
		b.client.Disconnect()
		b.setState(StateStopped)
		return fmt.Errorf("bridge link open: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	doneA := make(chan struct{})
	doneB := make(chan struct{})

	b.mu.Lock()
	b.cancel = cancel
	b.doneA = doneA
	b.doneB = doneB
	b.running.Store(true)
	b.correctionAlive.Store(true)
	b.receiverAlive.Store(true)
	b.state = StateRunning
	b.mu.Unlock()

	go b.correctionLoop(runCtx, doneA)
	go b.receiverLoop(runCtx, doneB)
	b.log.Printf("bridge running mountpoint=%s", b.client.Mountpoint())
	return nil
}

// Stop ends both loops, waiting at most StopGrace for them, then closes the
// caster session and the receiver link regardless. It is a no-op unless
// the bridge is running.
func (b *Bridge) Stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.state != StateRunning {
		b.mu.Unlock()
		return
	}
	b.state = StateStopping
	cancel, doneA, doneB := b.cancel, b.doneA, b.doneB
	b.mu.Unlock()

	b.log.Printf("bridge stopping")
	b.running.Store(false)
	cancel()

	grace := time.NewTimer(b.opts.StopGrace)
	defer grace.Stop()
	for _, w := range []struct {
		name string
		done <-chan struct{}
	}{{"correction", doneA}, {"receiver", doneB}} {
		select {
		case <-w.done:
			continue
		case <-grace.C:
			b.log.Printf("bridge stop grace expired loop=%s", w.name)
		}
		break
	}

	b.client.Disconnect()
	b.link.Close()
	b.setState(StateStopped)
	b.log.Printf("bridge stopped")
}

func (b *Bridge) setState(s string) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *Bridge) State() string {
	if b == nil {
		return StateStopped
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) Running() bool {
	return b != nil && b.running.Load()
}

// LastFix returns the most recent fix, if any.
func (b *Bridge) LastFix() (gps.Fix, bool) {
	b.fixMu.RLock()
	defer b.fixMu.RUnlock()
	return b.lastFix, b.hasFix
}

func (b *Bridge) setFix(fix gps.Fix) {
	b.fixMu.Lock()
	b.lastFix = fix
	b.hasFix = true
	b.fixMu.Unlock()
}

func (b *Bridge) Status() Status {
	if b == nil {
		return Status{State: StateStopped}
	}
	st := Status{
		Running:             b.running.Load(),
		State:               b.State(),
		CorrectionConnected: b.client.Connected(),
		LinkOpen:            b.link.IsOpen(),
		CorrectionLoopAlive: b.correctionAlive.Load(),
		ReceiverLoopAlive:   b.receiverAlive.Load(),
		Mountpoint:          b.client.Mountpoint(),
		Reconnects:          b.reconnects.Load(),
		LinkReopens:         b.linkReopens.Load(),
		CorrectionBytes:     b.correctionBytes.Load(),
		Sentences:           b.sentences.Load(),
		Fixes:               b.fixes.Load(),
		ParseDrops:          b.parseDrops.Load(),
		PublishErrors:       b.publishErrors.Load(),
	}
	if fix, ok := b.LastFix(); ok {
		st.LastFix = &fix
		if b.opts.PositionTimeout > 0 && time.Since(fix.Time) > b.opts.PositionTimeout {
			st.FixStale = true
		}
	}
	if ns := b.lastReport.Load(); ns != 0 {
		st.LastReportUTC = time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
	}
	return st
}

// correctionLoop forwards caster bytes to the receiver and periodically
// reports the last fix upstream.
func (b *Bridge) correctionLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer b.correctionAlive.Store(false)

	var (
		lastErr       string
		lastReconnect time.Time
	)
	for b.running.Load() {
		err := b.correctionStep(ctx, &lastReconnect)
		if err != nil {
			if !b.running.Load() {
				return
			}
			loopErrorsCounter.WithLabelValues("correction").Inc()
			if msg := err.Error(); msg != lastErr {
				b.log.Printf("bridge correction loop err=%v", err)
				lastErr = msg
			}
			if !sleepCtx(ctx, b.opts.ErrorBackoff) {
				return
			}
			continue
		}
		if lastErr != "" {
			b.log.Printf("bridge correction loop recovered")
			lastErr = ""
		}
		if !sleepCtx(ctx, b.opts.LoopPause) {
			return
		}
	}
}

func (b *Bridge) correctionStep(ctx context.Context, lastReconnect *time.Time) error {
	now := time.Now()

	if !b.client.Connected() {
		if !b.opts.Reconnect {
			return errCorrectionDown
		}
		if !lastReconnect.IsZero() && now.Sub(*lastReconnect) < b.opts.ReconnectInterval {
			return errCorrectionDown
		}
		*lastReconnect = now
		if err := b.client.Connect(ctx, 1); err != nil {
			return fmt.Errorf("correction reconnect: %w", err)
		}
		// Stop may have torn down while the handshake was in flight.
		if err := ctx.Err(); err != nil {
			b.client.Disconnect()
			return err
		}
		b.reconnects.Add(1)
		reconnectsCounter.WithLabelValues("correction").Inc()
		b.log.Printf("bridge correction reconnected mountpoint=%s", b.client.Mountpoint())
		// Report right away so the caster learns the position again.
		b.lastReport.Store(0)
	}

	if fix, ok := b.LastFix(); ok {
		last := b.lastReport.Load()
		if last == 0 || now.Sub(time.Unix(0, last)) >= b.opts.ReportInterval {
			line := gps.FormatGGA(fix, now.UTC(), b.opts.Report)
			if b.client.SendReport(line) {
				reportsCounter.WithLabelValues("ok").Inc()
			} else {
				reportsCounter.WithLabelValues("error").Inc()
				b.log.Printf("bridge report send failed")
			}
			b.lastReport.Store(now.UnixNano())
		}
	}

	data := b.client.ReceiveCorrection(b.opts.CorrectionReadTimeout)
	if len(data) == 0 {
		return nil
	}
	b.correctionBytes.Add(uint64(len(data)))
	correctionBytesCounter.Add(float64(len(data)))
	if !b.link.WriteBytes(data) {
		return fmt.Errorf("receiver write failed (%d bytes)", len(data))
	}
	return nil
}

// receiverLoop reads receiver lines, keeps the last fix and publishes it.
// It only pauses when no line arrived so a burst of sentences is drained
// without delay.
func (b *Bridge) receiverLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer b.receiverAlive.Store(false)

	var (
		lastErr    string
		lastReopen time.Time
	)
	for b.running.Load() {
		got, err := b.receiverStep(ctx, &lastReopen)
		if err != nil {
			if !b.running.Load() {
				return
			}
			loopErrorsCounter.WithLabelValues("receiver").Inc()
			if msg := err.Error(); msg != lastErr {
				b.log.Printf("bridge receiver loop err=%v", err)
				lastErr = msg
			}
			if !sleepCtx(ctx, b.opts.ErrorBackoff) {
				return
			}
			continue
		}
		if got && lastErr != "" {
			b.log.Printf("bridge receiver loop recovered")
			lastErr = ""
		}
		if !got && !sleepCtx(ctx, b.opts.LoopPause) {
			return
		}
	}
}

func (b *Bridge) receiverStep(ctx context.Context, lastReopen *time.Time) (bool, error) {
	line, ok := b.link.ReadLine(b.opts.LineReadTimeout)
	if !ok {
		err := b.link.Err()
		if err == nil {
			return false, nil
		}
		if b.opts.Reconnect && b.running.Load() {
			now := time.Now()
			if lastReopen.IsZero() || now.Sub(*lastReopen) >= b.opts.ReconnectInterval {
				*lastReopen = now
				if oerr := b.link.Open(ctx); oerr == nil {
					if cerr := ctx.Err(); cerr != nil {
						b.link.Close()
						return false, cerr
					}
					b.linkReopens.Add(1)
					reconnectsCounter.WithLabelValues("receiver").Inc()
					b.log.Printf("bridge receiver link reopened after err=%v", err)
					return false, nil
				}
			}
		}
		return false, fmt.Errorf("receiver read: %w", err)
	}

	b.sentences.Add(1)
	sentencesCounter.Inc()
	fix, ok := gps.Parse(line)
	if !ok {
		b.parseDrops.Add(1)
		return true, nil
	}

	b.setFix(fix)
	b.fixes.Add(1)
	fixesCounter.Inc()
	fixQualityGauge.Set(float64(fix.Quality))
	fixSatellitesGauge.Set(float64(fix.Satellites))

	if err := b.pub.Publish(fix); err != nil {
		b.publishErrors.Add(1)
		publishErrorsCounter.Inc()
		b.log.Printf("bridge publish failed err=%v", err)
	}
	b.notify(fix)
	return true, nil
}

func (b *Bridge) notify(fix gps.Fix) {
	if b.opts.OnFix == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Printf("bridge fix hook panic: %v", r)
		}
	}()
	b.opts.OnFix(fix)
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
