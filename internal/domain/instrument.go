// Package domain holds the core value types shared across the streaming
// and order-dispatch engine: instruments, accounts, subscriptions, ticks
// and order tasks. It has no dependencies on any other internal package.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKind classifies what an Instrument actually is on the exchange.
type InstrumentKind string

const (
	KindEquity     InstrumentKind = "equity"
	KindFuture     InstrumentKind = "future"
	KindCallOption InstrumentKind = "call-option"
	KindPutOption  InstrumentKind = "put-option"
	KindIndex      InstrumentKind = "index"
)

// IsOption reports whether the kind carries option Greeks.
func (k InstrumentKind) IsOption() bool {
	return k == KindCallOption || k == KindPutOption
}

// InstrumentStatus tracks whether an instrument is still eligible for
// subscription.
type InstrumentStatus string

const (
	StatusActive  InstrumentStatus = "active"
	StatusExpired InstrumentStatus = "expired"
)

// Instrument is the canonical identity of a tradable contract. Token is the
// primary identity on the upstream wire; Symbol is for human/API use.
type Instrument struct {
	Token    uint32
	Symbol   string
	Kind     InstrumentKind
	Exchange string
	TickSize decimal.Decimal
	Status   InstrumentStatus

	// Option fields. Zero values for non-options.
	UnderlyingSymbol string
	Strike           decimal.Decimal
	Expiry           time.Time
	LotSize          int
}

// Expired reports whether the instrument's expiry has passed as of now.
// Instruments with a zero Expiry are expired only when their Status is
// StatusExpired.
func (i Instrument) Expired(now time.Time) bool {
	if i.Expiry.IsZero() {
		return i.Status == StatusExpired
	}
	return i.Status == StatusExpired || i.Expiry.Before(truncateToDay(now))
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
