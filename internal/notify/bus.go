// Package notify fans occurrence outcomes out to best-effort sinks.
//
// Contract:
//   - Bus.Notify never blocks a dispatch worker.
//   - Each sink reads from its own buffered subscription.
//   - A slow sink drops outcomes instead of applying backpressure.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"smsmaster/internal/domain"
)

const defaultBuffer = 64

// Bus is an in-memory fanout of outcomes. It owns no goroutines.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan domain.Outcome
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: map[uint64]chan domain.Outcome{}}
}

// Notify satisfies dispatch.Sink.
func (b *Bus) Notify(_ context.Context, o domain.Outcome) { b.Publish(o) }

func (b *Bus) Publish(o domain.Outcome) {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan domain.Outcome, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- o:
			default:
				b.dropped.Add(1)
				droppedTotal.Inc()
			}
		}()
	}
}

// Subscribe returns a buffered channel of outcomes. Calling unsubscribe
// closes the channel; buffered outcomes can still be read.
func (b *Bus) Subscribe(buffer int) (<-chan domain.Outcome, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan domain.Outcome, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped counts outcomes a full subscriber did not receive.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
