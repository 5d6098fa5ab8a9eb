package web

import (
	"sync/atomic"
	"time"

	"rtkbridge/internal/bridge"
	"rtkbridge/internal/publish"
)

type BridgeStatus interface {
	Status() bridge.Status
}

type PublishStats interface {
	Snapshot() publish.Snapshot
}

// Status assembles the /api/status document from the running parts. Either
// source may be nil.
type Status struct {
	startUnixNano int64
	bridge        BridgeStatus
	publisher     PublishStats
	caster        atomic.Value // string
	link          atomic.Value // string
}

func NewStatus(b BridgeStatus, p PublishStats) *Status {
	s := &Status{bridge: b, publisher: p}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.caster.Store("")
	s.link.Store("")
	return s
}

// SetStatic records the configured endpoints for display.
func (s *Status) SetStatic(caster string, link string) {
	if caster != "" {
		s.caster.Store(caster)
	}
	if link != "" {
		s.link.Store(link)
	}
}

type StatusSnapshot struct {
	Service   string            `json:"service"`
	NowUTC    string            `json:"now_utc"`
	UptimeSec int64             `json:"uptime_sec"`
	Caster    string            `json:"caster"`
	Link      string            `json:"link"`
	Bridge    bridge.Status     `json:"bridge"`
	Publish   *publish.Snapshot `json:"publish,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	if s == nil {
		return StatusSnapshot{Service: serviceName, NowUTC: nowUTC.UTC().Format(time.RFC3339Nano), Bridge: bridge.Status{State: bridge.StateStopped}}
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   serviceName,
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Caster:    s.caster.Load().(string),
		Link:      s.link.Load().(string),
		Bridge:    bridge.Status{State: bridge.StateStopped},
	}
	if s.bridge != nil {
		snap.Bridge = s.bridge.Status()
	}
	if s.publisher != nil {
		p := s.publisher.Snapshot()
		snap.Publish = &p
	}
	return snap
}
