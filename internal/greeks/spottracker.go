package greeks

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/marketstream/internal/domain"
)

// SpotTracker records the most recently observed price for every
// non-option instrument, keyed by symbol, so the Greeks Enricher can look
// up an option's underlying spot (§4.3 "looked up from the most recent
// tick for the underlying"). It implements Publisher so it can sit in the
// pipeline ahead of the Enricher: every tick passes through unchanged
// after updating the tracker.
type SpotTracker struct {
	instruments InstrumentResolver
	downstream  Publisher
	now         func() time.Time

	mu   sync.RWMutex
	last map[string]spotEntry
}

type spotEntry struct {
	price      decimal.Decimal
	observedAt time.Time
}

// NewSpotTracker builds a tracker that forwards every tick to downstream
// after recording non-option prices.
func NewSpotTracker(instruments InstrumentResolver, downstream Publisher) *SpotTracker {
	return &SpotTracker{
		instruments: instruments,
		downstream:  downstream,
		now:         time.Now,
		last:        make(map[string]spotEntry),
	}
}

// Publish records the tick's price against its instrument's symbol (if it
// is not itself an option) and forwards it unchanged.
func (t *SpotTracker) Publish(tick domain.Tick) {
	if inst, ok := t.instruments.ByToken(tick.Token); ok && !inst.Kind.IsOption() {
		t.mu.Lock()
		t.last[inst.Symbol] = spotEntry{price: tick.LastPrice, observedAt: t.now()}
		t.mu.Unlock()
	}
	t.downstream.Publish(tick)
}

// Spot implements SpotSource.
func (t *SpotTracker) Spot(underlyingSymbol string) (decimal.Decimal, time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.last[underlyingSymbol]
	if !ok {
		return decimal.Decimal{}, time.Time{}, false
	}
	return e.price, e.observedAt, true
}
