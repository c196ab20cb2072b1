package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is buy or sell.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// AttemptPolicy bounds the Order Executor's retry behavior for one request.
type AttemptPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	JitterCap   time.Duration
}

// DefaultAttemptPolicy mirrors §4.7/§6.6's defaults.
func DefaultAttemptPolicy() AttemptPolicy {
	return AttemptPolicy{
		MaxAttempts: 5,
		BackoffBase: 500 * time.Millisecond,
		JitterCap:   500 * time.Millisecond,
	}
}

// OrderRequest is the caller-supplied order placement request. The same
// (IdempotencyKey, AccountID) pair must always resolve to the same
// OrderTask.
type OrderRequest struct {
	IdempotencyKey  string
	AccountID       string
	InstrumentToken uint32
	Side            OrderSide
	Quantity        decimal.Decimal
	Price           *decimal.Decimal // nil for market orders
	Product         string
	Variety         string
	Validity        string
	AttemptPolicy   AttemptPolicy
	FailoverAccounts []string
}

// OrderState is the lifecycle state of a dispatched OrderTask.
type OrderState string

const (
	OrderPending      OrderState = "pending"
	OrderDispatching  OrderState = "dispatching"
	OrderPlaced       OrderState = "placed"
	OrderFailed       OrderState = "failed"
	OrderDeadLettered OrderState = "dead-lettered"
)

// Terminal reports whether the state is one the task will never leave.
func (s OrderState) Terminal() bool {
	return s == OrderPlaced || s == OrderFailed || s == OrderDeadLettered
}

// OrderTask is the durable, idempotent record of one order placement
// attempt chain. TaskID is HMAC(secret, idempotency_key || account_id);
// see pkg/idempotency.
type OrderTask struct {
	TaskID        string
	Request       OrderRequest
	State         OrderState
	Attempts      int
	LastError     string
	BrokerOrderID string
	Cancelled     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	TerminalAt    time.Time
}
