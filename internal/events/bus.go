// Package events fans out record lifecycle and connectivity signals to
// in-process observers.
//
// Publish never blocks: each subscriber owns a buffered channel and events
// that do not fit are dropped for that subscriber only. Nothing in the
// pipeline depends on an observer being present.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lalithlochan/courier/internal/notification"
)

// Kind names an event.
type Kind string

const (
	KindQueued       Kind = "queued"
	KindDelivered    Kind = "delivered"
	KindFailed       Kind = "failed"
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
)

// Event is one lifecycle signal. Record is set for queued, delivered and
// failed. Err is set for failed and disconnected.
type Event struct {
	Kind    Kind
	Time    time.Time
	Record  *notification.Record
	Err     error
	Attempt int
	// Final is true on a failed event when no retry will follow.
	Final bool
}

type subscriber struct {
	ch    chan Event
	kinds map[Kind]bool
}

func (s *subscriber) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Bus is an in-memory fanout bus. The zero value is not usable; call New.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
	now     func() time.Time
}

// New returns an empty bus. It owns no goroutines.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]*subscriber),
		now:  time.Now,
	}
}

// Publish delivers e to every interested subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	// Sends happen under the read lock so unsubscribe cannot close a
	// channel mid-send. They are non-blocking, so the lock is short.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers an observer for the given kinds, or for every kind
// when none are given. The returned func unregisters and closes the
// channel; calling it more than once is safe.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}

	s := &subscriber{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	id := b.seq.Add(1)
	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsubscribe
}

// Subscribers returns the number of registered observers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
