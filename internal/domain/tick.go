package domain

import "github.com/shopspring/decimal"

// DepthLevel is one bid/ask rung of a FULL-mode tick.
type DepthLevel struct {
	Price    decimal.Decimal
	Quantity int64
	Orders   int
}

// TickSource distinguishes ticks produced by a live upstream session from
// the synthetic ones emitted by the Mock Ticker while an account is in
// MOCK mode.
type TickSource string

const (
	SourceLive TickSource = "live"
	SourceMock TickSource = "mock"
)

// Tick is an immutable normalized market-data record. A newer tick for the
// same Token supersedes an older one; ticks are never rewritten in place.
type Tick struct {
	Token     uint32
	Mode      SubMode
	TimestampUS int64 // microseconds since epoch
	Source    TickSource

	LastPrice decimal.Decimal
	Volume    int64
	OI        *int64 // open interest, optional

	// QUOTE and above.
	BidPrice decimal.Decimal
	AskPrice decimal.Decimal
	BidQty   int64
	AskQty   int64

	// FULL only.
	Depth []DepthLevel

	// Populated by the Greeks Enricher for option ticks.
	Greeks      *Greeks
	GreeksStale bool
}

// Greeks holds implied volatility and the four first-order option Greeks.
type Greeks struct {
	IV    float64
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
}
