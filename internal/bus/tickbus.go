// Package bus implements the Tick Bus (§4.6): a publish/subscribe fan-out
// from the Tick Pipeline to many downstream consumers, each with its own
// bounded queue and drop-oldest backpressure policy.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/marketstream/internal/domain"
)

// DefaultQueueSize is the per-subscriber bound (§5 "Resource bounds").
const DefaultQueueSize = 1024

// dropLogInterval caps how often a single subscriber's drop events are
// logged (§4.6 "a single log event per subscriber per 10s at most").
const dropLogInterval = 10 * time.Second

// Predicate decides whether a subscriber wants a given tick. Typically
// "token is in the subscriber's desired set".
type Predicate func(domain.Tick) bool

// Subscriber is one downstream consumer's bounded view of the bus.
type Subscriber struct {
	ID   string
	C    <-chan domain.Tick
	ch   chan domain.Tick
	mu   sync.Mutex
	pred Predicate

	dropped     atomic.Uint64
	lastDropLog atomic.Int64 // unix nano
}

// Dropped returns the number of ticks dropped for this subscriber due to a
// full queue.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Bus is the Tick Bus: publishers call Publish, subscribers are registered
// with a Predicate and drain their own channel.
type Bus struct {
	log         zerolog.Logger
	queueSize   int
	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	published atomic.Uint64
}

// New creates a Tick Bus with the given per-subscriber queue bound.
func New(queueSize int, log zerolog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		log:         log.With().Str("component", "tick_bus").Logger(),
		queueSize:   queueSize,
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber matching pred and returns it. The
// caller must eventually call Unsubscribe to release its queue.
func (b *Bus) Subscribe(pred Predicate) *Subscriber {
	ch := make(chan domain.Tick, b.queueSize)
	sub := &Subscriber{
		ID:   uuid.NewString(),
		C:    ch,
		ch:   ch,
		pred: pred,
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscriber and drains/closes its channel within
// the bound §4.6 promises (500ms — draining is immediate since nothing
// else writes to the channel once it is removed from the map).
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub.ID)
	b.mu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	close(sub.ch)
	for range sub.ch {
		// drain any buffered ticks so GC can reclaim them promptly
	}
}

// Publish fans a tick out to every subscriber whose predicate matches it.
// A full subscriber queue drops the oldest buffered tick for that
// subscriber (never blocking the publisher) and increments its drop
// counter.
func (b *Bus) Publish(tick domain.Tick) {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.pred(tick) {
			continue
		}
		b.published.Add(1)
		b.deliver(sub, tick)
	}
}

func (b *Bus) deliver(sub *Subscriber, tick domain.Tick) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	select {
	case sub.ch <- tick:
		return
	default:
	}

	// Queue full: drop the oldest buffered tick and retry once. The
	// channel is private to this subscriber so a single competing
	// receiver draining concurrently only helps, it never reintroduces
	// the race this lock already serializes against other publishers.
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- tick:
	default:
		// Receiver drained it first and another publish raced us; drop
		// this tick rather than block.
	}

	sub.dropped.Add(1)
	b.logDropThrottled(sub)
}

func (b *Bus) logDropThrottled(sub *Subscriber) {
	now := time.Now().UnixNano()
	last := sub.lastDropLog.Load()
	if now-last < int64(dropLogInterval) {
		return
	}
	if !sub.lastDropLog.CompareAndSwap(last, now) {
		return
	}
	b.log.Warn().
		Str("subscriber", sub.ID).
		Uint64("dropped_total", sub.dropped.Load()).
		Msg("subscriber queue full, dropping oldest tick")
}

// Published returns the total number of (subscriber, tick) deliveries
// attempted across the bus's lifetime.
func (b *Bus) Published() uint64 { return b.published.Load() }
