// Package events provides a small typed pub/sub bus for system-level
// lifecycle events (session state changes, mode transitions, token
// refresh outcomes, circuit-breaker transitions). It is distinct from
// internal/bus, which fans out market Ticks; this bus carries the
// control-plane signals components emit about themselves.
package events

import "time"

// EventType identifies the kind of system event.
type EventType string

const (
	SessionStateChanged    EventType = "SESSION_STATE_CHANGED"
	AccountModeChanged     EventType = "ACCOUNT_MODE_CHANGED"
	TokenRefreshed         EventType = "TOKEN_REFRESHED"
	TokenRefreshFailed     EventType = "TOKEN_REFRESH_FAILED"
	SubscriptionReconciled EventType = "SUBSCRIPTION_RECONCILED"
	CircuitStateChanged    EventType = "CIRCUIT_STATE_CHANGED"
	OrderDeadLettered      EventType = "ORDER_DEAD_LETTERED"
	InstrumentExpired      EventType = "INSTRUMENT_EXPIRED"
)

// Event is one emitted occurrence. Data is a loosely typed payload; callers
// that need structure type-assert it themselves (handlers are registered
// per EventType, so the shape is known at the call site).
type Event struct {
	Type      EventType
	Module    string
	Timestamp time.Time
	Data      map[string]any
}
