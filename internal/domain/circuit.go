package domain

// CircuitState is the shared breaker state machine described in §4.7:
// closed (normal) -> open (fail-fast) -> half-open (single probe).
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)
