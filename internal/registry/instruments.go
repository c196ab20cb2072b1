// Package registry holds the read-mostly instrument and account rosters
// shared across the system. Instrument updates use copy-on-write so
// readers always see a consistent snapshot without taking a lock per read
// (§5 "Shared resources").
package registry

import (
	"sync/atomic"
	"time"

	"github.com/aristath/marketstream/internal/domain"
)

// InstrumentRegistry is the read-mostly instrument directory. Loaded at
// startup from a daily-refreshed source (external, §6.5); additions are
// permitted at runtime and expiry is recomputed on each ExpireAsOf call.
type InstrumentRegistry struct {
	snapshot atomic.Pointer[instrumentSnapshot]
}

type instrumentSnapshot struct {
	byToken  map[uint32]domain.Instrument
	bySymbol map[string]domain.Instrument
}

// NewInstrumentRegistry creates an empty registry.
func NewInstrumentRegistry() *InstrumentRegistry {
	r := &InstrumentRegistry{}
	r.snapshot.Store(&instrumentSnapshot{
		byToken:  make(map[uint32]domain.Instrument),
		bySymbol: make(map[string]domain.Instrument),
	})
	return r
}

// Load replaces the entire registry with a fresh set, e.g. from a daily
// CSV-like snapshot (§6.5). Single-writer; concurrent readers are
// unaffected mid-swap because the old snapshot stays valid until they
// next call ByToken or BySymbol.
func (r *InstrumentRegistry) Load(instruments []domain.Instrument) {
	next := &instrumentSnapshot{
		byToken:  make(map[uint32]domain.Instrument, len(instruments)),
		bySymbol: make(map[string]domain.Instrument, len(instruments)),
	}
	for _, inst := range instruments {
		next.byToken[inst.Token] = inst
		next.bySymbol[inst.Symbol] = inst
	}
	r.snapshot.Store(next)
}

// Upsert adds or replaces a single instrument without disturbing the rest
// of the snapshot, for runtime additions (§3 "additions permitted at
// runtime").
func (r *InstrumentRegistry) Upsert(inst domain.Instrument) {
	old := r.snapshot.Load()
	next := &instrumentSnapshot{
		byToken:  make(map[uint32]domain.Instrument, len(old.byToken)+1),
		bySymbol: make(map[string]domain.Instrument, len(old.bySymbol)+1),
	}
	for k, v := range old.byToken {
		next.byToken[k] = v
	}
	for k, v := range old.bySymbol {
		next.bySymbol[k] = v
	}
	next.byToken[inst.Token] = inst
	next.bySymbol[inst.Symbol] = inst
	r.snapshot.Store(next)
}

// ByToken looks up an instrument by its upstream wire token.
func (r *InstrumentRegistry) ByToken(token uint32) (domain.Instrument, bool) {
	s := r.snapshot.Load()
	inst, ok := s.byToken[token]
	return inst, ok
}

// BySymbol looks up an instrument by its human symbol.
func (r *InstrumentRegistry) BySymbol(symbol string) (domain.Instrument, bool) {
	s := r.snapshot.Load()
	inst, ok := s.bySymbol[symbol]
	return inst, ok
}

// ExpireAsOf marks every loaded instrument whose Expiry has passed as of
// now as expired, and returns their tokens so callers (the Subscription
// Reconciler) can drop them from candidacy within this refresh cycle
// (§3 "Lifecycle").
func (r *InstrumentRegistry) ExpireAsOf(now time.Time) []uint32 {
	old := r.snapshot.Load()
	next := &instrumentSnapshot{
		byToken:  make(map[uint32]domain.Instrument, len(old.byToken)),
		bySymbol: make(map[string]domain.Instrument, len(old.bySymbol)),
	}
	var expired []uint32
	for token, inst := range old.byToken {
		if inst.Status == domain.StatusActive && !inst.Expiry.IsZero() && inst.Expired(now) {
			inst.Status = domain.StatusExpired
			expired = append(expired, token)
		}
		next.byToken[token] = inst
		next.bySymbol[inst.Symbol] = inst
	}
	r.snapshot.Store(next)
	return expired
}

// All returns every instrument currently loaded, for diagnostics/tests.
func (r *InstrumentRegistry) All() []domain.Instrument {
	s := r.snapshot.Load()
	out := make([]domain.Instrument, 0, len(s.byToken))
	for _, inst := range s.byToken {
		out = append(out, inst)
	}
	return out
}
