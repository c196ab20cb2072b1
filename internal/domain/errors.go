package domain

import "fmt"

// ErrorKind classifies a failure per §7's taxonomy so callers can decide
// whether to retry, surface to a user, or escalate an account's state.
type ErrorKind string

const (
	// KindTransient covers socket drops, timeouts, 5xx, rate limiting.
	// Retried with backoff at the component level; never surfaced without
	// exhausting attempts.
	KindTransient ErrorKind = "transient"
	// KindAuth covers expired/rejected credentials; routes to the Token
	// Refresher, escalates the account on repeated failure.
	KindAuth ErrorKind = "auth"
	// KindProtocol covers malformed frames, unknown tokens, schema
	// violations. Silent except for metrics and sampled logs.
	KindProtocol ErrorKind = "protocol"
	// KindContract covers invalid order fields, unknown instruments,
	// insufficient scope. Fails fast, never retried.
	KindContract ErrorKind = "contract"
	// KindResource covers queue-full, cache-full, too-many-tokens.
	KindResource ErrorKind = "resource"
	// KindFatal covers corrupted registries, missing required config.
	KindFatal ErrorKind = "fatal"
)

// Error is a structured error carrying an ErrorKind alongside the
// underlying cause, so callers can errors.As it instead of matching on
// error strings.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a kinded Error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Retriable reports whether the Order Executor should retry this kind.
func (k ErrorKind) Retriable() bool {
	return k == KindTransient
}
