package tracebus

import (
	"errors"
	"sync"

	"github.com/secflowhq/secflow/common/model"
)

// ErrSubscriberEvicted reports that a live reader fell behind and was
// dropped by the bus
var ErrSubscriberEvicted = errors.New("live trace subscriber evicted")

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// DefaultSubscriberBuffer is the per-subscriber channel depth before a slow
// reader is evicted
const DefaultSubscriberBuffer = 256

// Subscription is a live tail of one run's trace. Events arrive in append
// order; a subscription that falls behind is evicted, never reordered.
type Subscription struct {
	ch      chan *model.TraceEvent
	once    sync.Once
	evicted bool
}

// Events is the ordered event channel. It closes when the subscription is
// cancelled, evicted, or the run's channel is closed.
func (s *Subscription) Events() <-chan *model.TraceEvent {
	return s.ch
}

// Evicted reports whether the bus dropped this subscriber for falling behind
func (s *Subscription) Evicted() bool {
	return s.evicted
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Bus is the per-run in-memory trace event channel. Writers publish events
// already carrying store-assigned ids; the bus fans them out to live
// subscribers in that total order. Durability lives in the execution store.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*Subscription
	buffer int
	logger Logger
}

// New creates a trace bus
func New(logger Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]*Subscription),
		buffer: DefaultSubscriberBuffer,
		logger: logger,
	}
}

// Subscribe opens a live tail on a run
func (b *Bus) Subscribe(runID string) *Subscription {
	sub := &Subscription{ch: make(chan *model.TraceEvent, b.buffer)}

	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], sub)
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(runID string, sub *Subscription) {
	b.mu.Lock()
	subs := b.subs[runID]
	for i, s := range subs {
		if s == sub {
			b.subs[runID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[runID]) == 0 {
		delete(b.subs, runID)
	}
	b.mu.Unlock()

	sub.close()
}

// Publish fans events out to the run's live subscribers in order. A
// subscriber whose buffer is full is evicted so it never observes a gap it
// cannot detect: its channel closes and Evicted reports true.
func (b *Bus) Publish(runID string, events ...*model.TraceEvent) {
	if len(events) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[runID]
	if len(subs) == 0 {
		return
	}

	var evict []*Subscription
	for _, sub := range subs {
		for _, ev := range events {
			select {
			case sub.ch <- ev:
			default:
				sub.evicted = true
				evict = append(evict, sub)
			}
			if sub.evicted {
				break
			}
		}
	}

	if len(evict) > 0 {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.evicted {
				sub.close()
				if b.logger != nil {
					b.logger.Warn("live trace subscriber evicted", "run_id", runID)
				}
				continue
			}
			kept = append(kept, sub)
		}
		b.subs[runID] = kept
		if len(kept) == 0 {
			delete(b.subs, runID)
		}
	}
}

// CloseRun closes every live subscription on a terminated run
func (b *Bus) CloseRun(runID string) {
	b.mu.Lock()
	subs := b.subs[runID]
	delete(b.subs, runID)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
