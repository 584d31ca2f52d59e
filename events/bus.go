package events

import (
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Bus fans lifecycle events out to subscribers in publication order.
type Bus interface {
	// Publish delivers ev to every current subscriber. Subscribers whose
	// buffer is full are skipped; publishing never blocks.
	Publish(ev Event)

	// Subscribe returns a stream of events published after this call.
	// The stream ends when ctx is done or Close is called.
	Subscribe(ctx context.Context) Stream

	// Close shuts the bus down. All open streams drain and then return
	// io.EOF from Next.
	Close()
}

// Stream provides ordered event consumption for a single subscriber.
type Stream interface {
	// Next blocks until the next event is available or ctx is done.
	// Returns io.EOF once the stream is closed and drained.
	Next(ctx context.Context) (Event, error)

	// Close releases the subscription. Safe to call more than once.
	Close() error
}

// DefaultSubscriberBuffer bounds each subscriber's channel. Sized for
// bursts of lifecycle events, not sustained throughput; a subscriber that
// falls this far behind starts missing events.
const DefaultSubscriberBuffer = 64

// MemoryBus is the in-process Bus implementation.
type MemoryBus struct {
	mu      sync.Mutex
	subs    map[*memoryStream]struct{}
	buffer  int
	closed  bool
	counter atomic.Int64
	nowFn   func() time.Time
}

// NewBus creates an in-process bus. buffer <= 0 selects
// DefaultSubscriberBuffer.
func NewBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &MemoryBus{
		subs:   make(map[*memoryStream]struct{}),
		buffer: buffer,
		nowFn:  time.Now,
	}
}

func (b *MemoryBus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = strconv.FormatInt(b.counter.Add(1), 10)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.nowFn().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			// Subscriber buffer full: drop for this subscriber only.
		}
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context) Stream {
	s := &memoryStream{
		bus: b,
		ch:  make(chan Event, b.buffer),
		ctx: ctx,
	}
	b.mu.Lock()
	if b.closed {
		close(s.ch)
		s.closed.Store(true)
	} else {
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()
	return s
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*memoryStream, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*memoryStream]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.detach()
	}
}

type memoryStream struct {
	bus    *MemoryBus
	ch     chan Event
	ctx    context.Context
	closed atomic.Bool
}

func (s *memoryStream) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-s.ctx.Done():
		return Event{}, s.ctx.Err()
	}
}

func (s *memoryStream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	}
	return nil
}

// detach closes the channel without re-entering the bus lock; used by
// Bus.Close which has already removed the stream from the set.
func (s *memoryStream) detach() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Compile-time interface checks
var (
	_ Bus    = (*MemoryBus)(nil)
	_ Stream = (*memoryStream)(nil)
)
