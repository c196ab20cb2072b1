package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketstream/internal/calendar"
	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/registry"
)

// safetyChain runs the layered pre-dispatch validation §4.7/§7's
// "Contract/validation" error kind requires, mirroring the teacher's
// TradeSafetyService.ValidateTrade: each layer either passes or fails the
// whole request fast, with no retry.
type safetyChain struct {
	instruments  *registry.InstrumentRegistry
	queueLimit   int
	calendar     calendar.Client
	calendarCode string
	now          func() time.Time
	log          zerolog.Logger
}

func newSafetyChain(instruments *registry.InstrumentRegistry, queueLimit int, cal calendar.Client, calendarCode string, log zerolog.Logger) *safetyChain {
	return &safetyChain{
		instruments:  instruments,
		queueLimit:   queueLimit,
		calendar:     cal,
		calendarCode: calendarCode,
		now:          time.Now,
		log:          log.With().Str("component", "safety_chain").Logger(),
	}
}

// Validate runs every layer in order and returns the first failure,
// wrapped with the ErrorKind callers use to decide whether to surface it
// to the caller (§7: "fails fast with a specific error kind").
func (s *safetyChain) Validate(req domain.OrderRequest, queueDepth int) error {
	if err := s.checkRequiredFields(req); err != nil {
		return err
	}
	if err := s.checkInstrumentKnown(req); err != nil {
		return err
	}
	if err := s.checkMarketHours(req); err != nil {
		return err
	}
	if err := s.checkQueueCapacity(queueDepth); err != nil {
		return err
	}
	return nil
}

// Layer 1: required fields present (§3 OrderRequest).
func (s *safetyChain) checkRequiredFields(req domain.OrderRequest) error {
	if req.IdempotencyKey == "" {
		return domain.NewError(domain.KindContract, "client_idempotency_key is required", nil)
	}
	if req.AccountID == "" {
		return domain.NewError(domain.KindContract, "account_id is required", nil)
	}
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return domain.NewError(domain.KindContract, fmt.Sprintf("invalid side %q", req.Side), nil)
	}
	if req.Quantity.Sign() <= 0 {
		return domain.NewError(domain.KindContract, "quantity must be positive", nil)
	}
	return nil
}

// Layer 2: instrument lookup, mirrors validateSecurity's "security not
// found" hard fail-safe and §3's "no subscription for an expired
// instrument" stance extended to order placement.
func (s *safetyChain) checkInstrumentKnown(req domain.OrderRequest) error {
	inst, ok := s.instruments.ByToken(req.InstrumentToken)
	if !ok {
		return domain.NewError(domain.KindContract, fmt.Sprintf("unknown instrument token %d", req.InstrumentToken), nil)
	}
	if inst.Status == domain.StatusExpired {
		return domain.NewError(domain.KindContract, fmt.Sprintf("instrument %s is expired", inst.Symbol), nil)
	}
	return nil
}

// Layer 3: market-hours-required check, mirrors checkMarketHours in the
// teacher's safety_service.go: look up the calendar, fail open (allow) if
// no calendar client is wired or the calendar itself errors out — the
// same "security not found" / "no market hours service available"
// fail-open stance the teacher takes — and fail closed only on a
// definite "market is closed" answer.
func (s *safetyChain) checkMarketHours(req domain.OrderRequest) error {
	if s.calendar == nil {
		return nil
	}

	open, err := s.calendar.IsOpen(context.Background(), s.calendarCode, s.now())
	if err != nil {
		s.log.Warn().Err(err).Str("calendar", s.calendarCode).Msg("calendar check failed, allowing order")
		return nil
	}
	if !open {
		return domain.NewError(domain.KindContract, fmt.Sprintf("market closed for calendar %s", s.calendarCode), nil)
	}
	return nil
}

// Layer 4: per-account queue saturation (§5 "Per-account order queue:
// 10000 requests; overflow rejects with queue_full").
func (s *safetyChain) checkQueueCapacity(queueDepth int) error {
	if queueDepth >= s.queueLimit {
		return domain.NewError(domain.KindResource, "queue_full", nil)
	}
	return nil
}
