package greeks

import (
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/marketstream/internal/domain"
)

// maxWorkers bounds the pool regardless of NumCPU, per §4.3 "worker pool
// of size min(NumCPU, 8)".
const maxWorkers = 8

// staleSpot is how old the underlying's last tick may be before an
// option tick is emitted without Greeks (§4.3).
const staleSpot = 5 * time.Second

// InstrumentResolver looks up the option contract an incoming tick's
// token identifies.
type InstrumentResolver interface {
	ByToken(token uint32) (domain.Instrument, bool)
}

// SpotSource answers the most recent observed price for an underlying
// symbol and when it was observed, so the enricher can apply the
// staleness rule.
type SpotSource interface {
	Spot(underlyingSymbol string) (price decimal.Decimal, observedAt time.Time, ok bool)
}

// Publisher hands an (enriched or pass-through) tick to the next stage —
// normally the Tick Bus.
type Publisher interface {
	Publish(tick domain.Tick)
}

type job struct {
	tick domain.Tick
	inst domain.Instrument
}

// Enricher computes option Greeks on a token-pinned worker pool and
// forwards every tick (enriched or not) to downstream. It implements
// Publisher itself, so it drops into any pipeline stage that already
// expects one.
type Enricher struct {
	instruments  InstrumentResolver
	spot         SpotSource
	downstream   Publisher
	riskFreeRate float64
	cache        *lruCache
	log          zerolog.Logger
	now          func() time.Time

	shards []chan job
	wg     sync.WaitGroup
}

// New builds an Enricher. cacheSize <= 0 uses the §4.3 default of 50000.
func New(instruments InstrumentResolver, spot SpotSource, downstream Publisher, riskFreeRate float64, cacheSize int, log zerolog.Logger) *Enricher {
	workers := runtime.NumCPU()
	if workers > maxWorkers {
		workers = maxWorkers
	}
	if workers < 1 {
		workers = 1
	}

	shards := make([]chan job, workers)
	for i := range shards {
		shards[i] = make(chan job, 256)
	}

	return &Enricher{
		instruments:  instruments,
		spot:         spot,
		downstream:   downstream,
		riskFreeRate: riskFreeRate,
		cache:        newLRUCache(cacheSize),
		log:          log.With().Str("component", "greeks_enricher").Logger(),
		now:          time.Now,
		shards:       shards,
	}
}

// Start launches one worker goroutine per shard.
func (e *Enricher) Start() {
	for i, shard := range e.shards {
		e.wg.Add(1)
		go e.runWorker(i, shard)
	}
}

// Stop closes every shard and waits for workers to drain.
func (e *Enricher) Stop() {
	for _, shard := range e.shards {
		close(shard)
	}
	e.wg.Wait()
}

func (e *Enricher) runWorker(id int, shard <-chan job) {
	defer e.wg.Done()
	for j := range shard {
		e.downstream.Publish(e.process(j))
	}
}

// Publish is the pipeline entry point. Non-option ticks pass straight
// through; option ticks are routed by a consistent hash of their token so
// a single token's ticks are always processed by the same worker in
// arrival order.
func (e *Enricher) Publish(tick domain.Tick) {
	inst, ok := e.instruments.ByToken(tick.Token)
	if !ok || !inst.Kind.IsOption() {
		e.downstream.Publish(tick)
		return
	}
	e.shards[e.shardFor(tick.Token)] <- job{tick: tick, inst: inst}
}

func (e *Enricher) shardFor(token uint32) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte{byte(token >> 24), byte(token >> 16), byte(token >> 8), byte(token)})
	return int(h.Sum32() % uint32(len(e.shards)))
}

func (e *Enricher) process(j job) domain.Tick {
	tick := j.tick
	inst := j.inst

	now := e.now()
	spot, observedAt, ok := e.spot.Spot(inst.UnderlyingSymbol)
	if !ok || now.Sub(observedAt) > staleSpot {
		tick.GreeksStale = true
		return tick
	}

	minutesToExpiry := inst.Expiry.Sub(now).Minutes()
	if minutesToExpiry <= 0 {
		tick.GreeksStale = true
		return tick
	}

	key := buildCacheKey(inst, tick.LastPrice, spot, minutesToExpiry)
	if cached, found := e.cache.get(key); found {
		tick.Greeks = resultToGreeks(cached)
		return tick
	}

	optType := Call
	if inst.Kind == domain.KindPutOption {
		optType = Put
	}

	spotF, _ := spot.Float64()
	strikeF, _ := inst.Strike.Float64()
	lastF, _ := tick.LastPrice.Float64()
	timeYears := minutesToExpiry / (60 * 24 * 365)

	in := Inputs{Spot: spotF, Strike: strikeF, RateFree: e.riskFreeRate, TimeYears: timeYears, Type: optType}
	iv, converged := solveIV(in, lastF)
	if !converged {
		// §4.3: no convergence -> emit with Greeks fields null, not stale.
		return tick
	}
	in.Vol = iv
	result := computeGreeks(in)
	result.IV = iv

	e.cache.put(key, result)
	tick.Greeks = resultToGreeks(result)
	return tick
}

func resultToGreeks(r Result) *domain.Greeks {
	return &domain.Greeks{IV: r.IV, Delta: r.Delta, Gamma: r.Gamma, Theta: r.Theta, Vega: r.Vega}
}

func buildCacheKey(inst domain.Instrument, lastPrice, spot decimal.Decimal, minutesToExpiry float64) cacheKey {
	tickSize := inst.TickSize
	if tickSize.IsZero() {
		tickSize = decimal.NewFromFloat(0.05)
	}
	priceTicks := lastPrice.Div(tickSize).Floor()
	spotHalves := spot.Div(decimal.NewFromFloat(0.5)).Floor()
	return cacheKey{
		token:           inst.Token,
		lastPriceTicks:  priceTicks.IntPart(),
		spotHalfRupees:  spotHalves.IntPart(),
		minutesToExpiry: int64(minutesToExpiry),
	}
}
