package web

import (
	"sync"

	"rtkbridge/internal/gps"
	"rtkbridge/internal/publish"
)

// FixBroadcaster fans decoded fixes out to live listeners (the websocket
// stream). It keeps the most recent record so new subscribers get an
// immediate sample. Publish never blocks: slow subscribers miss records.
type FixBroadcaster struct {
	mu       sync.RWMutex
	subs     map[int]chan publish.Record
	nextID   int
	last     publish.Record
	haveLast bool
}

func NewFixBroadcaster() *FixBroadcaster {
	return &FixBroadcaster{subs: make(map[int]chan publish.Record)}
}

func (b *FixBroadcaster) Subscribe(buffer int) (int, <-chan publish.Record) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan publish.Record, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.haveLast {
		ch <- b.last
	}
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe closes the subscriber's channel. Unknown ids are ignored.
func (b *FixBroadcaster) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *FixBroadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish has the bridge OnFix signature.
func (b *FixBroadcaster) Publish(fix gps.Fix) {
	if b == nil {
		return
	}
	rec := publish.NewRecord(fix)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = rec
	b.haveLast = true
	for _, ch := range b.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}
