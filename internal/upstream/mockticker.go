package upstream

import (
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/marketstream/internal/domain"
)

// mockTickInterval is how often the Mock Ticker emits a synthetic tick per
// subscribed token.
const mockTickInterval = 250 * time.Millisecond

// mockTicker emits synthetic ticks matching an account's desired
// {token -> mode} set while it is in MOCK mode (§4.5). Content is a random
// walk seeded by (token, utc_day) so two independent runs on the same day
// produce the same sequence (§8 scenario 5).
type mockTicker struct {
	accountID string
	bus       Publisher
	onTick    func() // notifies the owning orchestrator a batch was emitted

	mu      sync.Mutex
	tokens  map[uint32]domain.SubMode
	walkers map[uint32]*rand.Rand
	last    map[uint32]decimal.Decimal

	stop    chan struct{}
	running bool
	wg      sync.WaitGroup
}

// newMockTicker builds a ticker for accountID, publishing to bus. onTick,
// if non-nil, is called once per emitted batch so the owning orchestrator
// can record tick freshness (§6.4's health rollup reads this the same way
// it reads a live connection's last decoded frame) even though no socket
// read ever occurs in MOCK mode.
func newMockTicker(accountID string, bus Publisher, onTick func()) *mockTicker {
	return &mockTicker{
		accountID: accountID,
		bus:       bus,
		onTick:    onTick,
		tokens:    make(map[uint32]domain.SubMode),
		walkers:   make(map[uint32]*rand.Rand),
		last:      make(map[uint32]decimal.Decimal),
	}
}

// SetTokens replaces the set of tokens the Mock Ticker emits for, mirroring
// what the orchestrator would otherwise subscribe to upstream.
func (m *mockTicker) SetTokens(tokens map[uint32]domain.SubMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = tokens
	for token := range tokens {
		if _, ok := m.walkers[token]; !ok {
			m.walkers[token] = rand.New(rand.NewSource(seedFor(token, time.Now())))
			m.last[token] = decimal.NewFromInt(100)
		}
	}
}

func seedFor(token uint32, now time.Time) int64 {
	utcDay := now.UTC().Format("2006-01-02")
	h := int64(token)
	for _, b := range []byte(utcDay) {
		h = h*31 + int64(b)
	}
	return h
}

// Start launches the emission loop if not already running.
func (m *mockTicker) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(mockTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.emitOnce()
			}
		}
	}()
}

// Stop halts the emission loop.
func (m *mockTicker) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *mockTicker) emitOnce() {
	m.mu.Lock()
	tokens := make([]uint32, 0, len(m.tokens))
	for t := range m.tokens {
		tokens = append(tokens, t)
	}
	m.mu.Unlock()

	if len(tokens) == 0 {
		return
	}
	if m.onTick != nil {
		m.onTick()
	}

	now := time.Now().UnixMicro()
	for _, token := range tokens {
		m.mu.Lock()
		walker := m.walkers[token]
		price := m.last[token]
		mode := m.tokens[token]
		stepPaisa := walker.Intn(21) - 10 // +-10 paisa per tick
		price = price.Add(decimal.NewFromInt(int64(stepPaisa)).DivRound(priceScale, 2))
		if price.IsNegative() {
			price = decimal.NewFromInt(1)
		}
		m.last[token] = price
		m.mu.Unlock()

		m.bus.Publish(domain.Tick{
			Token:       token,
			Mode:        mode,
			TimestampUS: now,
			Source:      domain.SourceMock,
			LastPrice:   price,
		})
	}
}
