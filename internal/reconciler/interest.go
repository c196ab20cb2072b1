package reconciler

import (
	"sync"
	"time"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/registry"
)

// InterestTable aggregates per-consumer instrument interest into the
// consolidated desired state the Reconciler diffs against upstream
// subscriptions (§4.4 "the set of active downstream subscribers and, for
// each, their desired {token -> max_mode}"). The downstream WebSocket
// accept loop itself is external per §1; this table is the seam it calls
// Subscribe/Unsubscribe on as clients attach, detach, or change their
// requested tier, and it implements DesiredSource directly so it can be
// handed straight to reconciler.New.
//
// Concurrency follows internal/registry's own read-mostly map pattern: a
// single RWMutex guards the holder sets, and Desired() returns a fresh
// copy on every call so the Reconciler's own read never races a
// Subscribe/Unsubscribe from a WebSocket handler's goroutine.
type InterestTable struct {
	instruments *registry.InstrumentRegistry

	mu      sync.RWMutex
	holders map[uint32]map[string]domain.SubMode // token -> consumerID -> requested mode
	ticked  map[uint32]time.Time                 // last observed tick time, for eviction scoring
}

// NewInterestTable constructs an empty table. instruments is consulted so
// expired instruments never appear in Desired() even if a stale holder
// entry still references them (§3 Subscription invariant (c)).
func NewInterestTable(instruments *registry.InstrumentRegistry) *InterestTable {
	return &InterestTable{
		instruments: instruments,
		holders:     make(map[uint32]map[string]domain.SubMode),
		ticked:      make(map[uint32]time.Time),
	}
}

// Subscribe records that consumerID wants tokens at mode (or upgrades its
// existing request for a token it already held at a lower mode).
func (t *InterestTable) Subscribe(consumerID string, tokens []uint32, mode domain.SubMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tok := range tokens {
		h, ok := t.holders[tok]
		if !ok {
			h = make(map[string]domain.SubMode)
			t.holders[tok] = h
		}
		h[consumerID] = mode
	}
}

// Unsubscribe removes consumerID's interest in tokens. When a token's
// holder set becomes empty it is dropped from Desired() on the very next
// call — the reconcile cycle that follows removes the upstream
// subscription within the ≤2s bound §3 invariant (d) requires.
func (t *InterestTable) Unsubscribe(consumerID string, tokens []uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tok := range tokens {
		h, ok := t.holders[tok]
		if !ok {
			continue
		}
		delete(h, consumerID)
		if len(h) == 0 {
			delete(t.holders, tok)
		}
	}
}

// Disconnect drops every token consumerID held, for use when its socket
// closes without an explicit unsubscribe.
func (t *InterestTable) Disconnect(consumerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tok, h := range t.holders {
		delete(h, consumerID)
		if len(h) == 0 {
			delete(t.holders, tok)
		}
	}
}

// ObserveTick records the time a token last ticked, feeding the
// Reconciler's least-recently-ticked eviction policy under saturation.
func (t *InterestTable) ObserveTick(token uint32, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticked[token] = at
}

// Desired implements reconciler.DesiredSource: the richest mode any
// holder wants, per non-expired token.
func (t *InterestTable) Desired() map[uint32]Desired {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	out := make(map[uint32]Desired, len(t.holders))
	for tok, holders := range t.holders {
		if len(holders) == 0 {
			continue
		}
		if t.instruments != nil {
			if inst, ok := t.instruments.ByToken(tok); ok && inst.Expired(now) {
				continue
			}
		}
		best := domain.ModeLTP
		for _, m := range holders {
			best = domain.MaxSubMode(best, m)
		}
		out[tok] = Desired{Token: tok, Mode: best, LastTickedAt: t.ticked[tok]}
	}
	return out
}
