package domain

import "time"

// AccountMode is the current runtime mode the Mode Manager has assigned to
// an account: whether it should source real ticks, synthetic ticks, or
// nothing at all.
type AccountMode string

const (
	ModeLive AccountMode = "LIVE"
	ModeMock AccountMode = "MOCK"
	ModeOff  AccountMode = "OFF"
)

// ModePolicy is the configured per-account policy that drives the Mode
// Manager's decision (see internal/mode).
type ModePolicy string

const (
	PolicyAuto       ModePolicy = "auto"
	PolicyForceMock  ModePolicy = "force_mock"
	PolicyForceLive  ModePolicy = "force_live"
	PolicyOff        ModePolicy = "off"
)

// TokenStatus tracks the freshness of an account's upstream access token.
type TokenStatus string

const (
	TokenFresh      TokenStatus = "fresh"
	TokenRefreshing TokenStatus = "refreshing"
	TokenInvalid    TokenStatus = "invalid"
)

// TokenState is the immutable token record for one account. Consumers read
// it through an atomic pointer (internal/tokens.Store); only the Token
// Refresher writes it.
type TokenState struct {
	AccessToken string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Status      TokenStatus
}

// ExpiresWithin reports whether the token expires before now+d.
func (t TokenState) ExpiresWithin(d time.Duration, now time.Time) bool {
	return t.ExpiresAt.Sub(now) < d
}

// Credentials is an opaque, never-logged blob produced by the external
// credential store.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Account is one upstream broker trading account.
type Account struct {
	ID          string
	Broker      string
	Credentials Credentials
	Priority    int // lower served first in failover
	Policy      ModePolicy

	// CurrentMode is written by the Mode Manager's Resolve and by the
	// owning Session Orchestrator when it applies a mode change. Token is
	// left zero on roster entries; the Order Executor sets it only on a
	// per-call copy (Executor.withToken).
	CurrentMode AccountMode
	Token       TokenState
}
