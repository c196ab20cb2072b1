package orders

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketstream/internal/domain"
)

// DefaultConsecutiveFailureThreshold is the closed->open trigger (§4.7,
// order.circuit.consecutive_failures).
const DefaultConsecutiveFailureThreshold = 5

// DefaultFailureRateWindow is how many recent outcomes the rate check
// considers ("failure rate > 50% over last 20").
const DefaultFailureRateWindow = 20

// DefaultOpenDuration is how long a breaker stays open before probing
// (§4.7, order.circuit.open_duration_s).
const DefaultOpenDuration = 30 * time.Second

// breaker is one account's circuit-breaker state machine (§4.7, §3
// CircuitBreakerState).
type breaker struct {
	mu sync.Mutex

	state domain.CircuitState

	consecutiveFailures int
	recent              []bool // true = success, ring-buffered to rateWindow
	openedAt            time.Time
	probing             bool

	failureThreshold int
	rateWindow       int
	openDuration      time.Duration

	log zerolog.Logger
}

func newBreaker(accountID string, failureThreshold, rateWindow int, openDuration time.Duration, log zerolog.Logger) *breaker {
	return &breaker{
		state:            domain.CircuitClosed,
		failureThreshold: failureThreshold,
		rateWindow:       rateWindow,
		openDuration:     openDuration,
		log:              log.With().Str("component", "circuit_breaker").Str("account", accountID).Logger(),
	}
}

// Allow reports whether a new task may be dispatched right now, and
// transitions open->half-open once the cooldown has elapsed.
func (b *breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case domain.CircuitClosed:
		return true
	case domain.CircuitOpen:
		if now.Sub(b.openedAt) >= b.openDuration {
			b.transition(domain.CircuitHalfOpen)
			b.probing = true
			return true
		}
		return false
	case domain.CircuitHalfOpen:
		if b.probing {
			return false // a probe is already in flight
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess reports a successful dispatch.
func (b *breaker) RecordSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.pushOutcome(true)

	if b.state == domain.CircuitHalfOpen {
		b.transition(domain.CircuitClosed)
	}
	b.probing = false
}

// RecordFailure reports a failed dispatch (retriable or not — both count
// toward breaker trips per §4.7).
func (b *breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.pushOutcome(false)

	if b.state == domain.CircuitHalfOpen {
		b.transition(domain.CircuitOpen)
		b.openedAt = now
		b.probing = false
		return
	}

	if b.consecutiveFailures >= b.failureThreshold || b.failureRateExceeded() {
		b.transition(domain.CircuitOpen)
		b.openedAt = now
	}
	b.probing = false
}

func (b *breaker) pushOutcome(success bool) {
	b.recent = append(b.recent, success)
	if len(b.recent) > b.rateWindow {
		b.recent = b.recent[len(b.recent)-b.rateWindow:]
	}
}

func (b *breaker) failureRateExceeded() bool {
	if len(b.recent) < b.rateWindow {
		return false
	}
	failures := 0
	for _, ok := range b.recent {
		if !ok {
			failures++
		}
	}
	return float64(failures)/float64(len(b.recent)) > 0.5
}

func (b *breaker) transition(to domain.CircuitState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("circuit breaker transition")
}

// State returns the breaker's current state for diagnostics/health.
func (b *breaker) State() domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
