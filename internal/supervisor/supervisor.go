// Package supervisor owns the cyclic object graph §9's design notes
// describe ("Orchestrator ⇄ Bus ⇄ Reconciler") the way the translation
// pattern prescribes: a single root holds every component and hands them
// to each other by reference at construction time, instead of letting
// them discover each other through package-level globals. Nothing outside
// this package reaches into another component's internals; cmd/server
// only ever talks to the Supervisor.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketstream/internal/adminhttp"
	"github.com/aristath/marketstream/internal/broker"
	"github.com/aristath/marketstream/internal/bus"
	"github.com/aristath/marketstream/internal/calendar"
	"github.com/aristath/marketstream/internal/config"
	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/events"
	"github.com/aristath/marketstream/internal/greeks"
	"github.com/aristath/marketstream/internal/health"
	"github.com/aristath/marketstream/internal/mode"
	"github.com/aristath/marketstream/internal/orders"
	"github.com/aristath/marketstream/internal/reconciler"
	"github.com/aristath/marketstream/internal/registry"
	"github.com/aristath/marketstream/internal/tokens"
	"github.com/aristath/marketstream/internal/upstream"
)

// Supervisor wires every core component described in §4 into one running
// process and owns their shared lifecycle.
type Supervisor struct {
	cfg *config.Config
	log zerolog.Logger

	accounts    *registry.AccountRoster
	instruments *registry.InstrumentRegistry

	eventBus *events.Bus
	events   *events.Manager

	tickBus  *bus.Bus
	spot     *greeks.SpotTracker
	enricher *greeks.Enricher

	calendarClient calendar.Client
	modeManager    *mode.Manager

	tokenStore *tokens.Store
	refresher  *tokens.Refresher
	broker     *broker.Client

	interest    *reconciler.InterestTable
	recon       *reconciler.Reconciler
	orchMu      sync.RWMutex
	orchestrators map[string]*upstream.Orchestrator

	orderStore *orders.Store
	dlq        *orders.DLQArchiver
	executor   *orders.Executor

	healthChecker *health.Checker
	adminServer   *adminhttp.Server
}

// New assembles every component from cfg but starts nothing; call Start
// to bring the system up. Construction order: registries and the event bus
// first, then the Tick Bus, SpotTracker and Enricher, the Mode Manager,
// token store, broker client and Token Refresher, the Reconciler, the
// order store, dead-letter archiver and Order Executor, then the
// per-account Session Orchestrators, and last the health checker and
// admin server.
func New(cfg *config.Config, calendarClient calendar.Client, creds registry.CredentialStore, log zerolog.Logger) (*Supervisor, error) {
	s := &Supervisor{
		cfg:           cfg,
		log:           log,
		accounts:      registry.NewAccountRoster(creds),
		instruments:   registry.NewInstrumentRegistry(),
		orchestrators: make(map[string]*upstream.Orchestrator),
	}

	s.eventBus = events.NewBus()
	s.events = events.NewManager(s.eventBus, log)

	s.tickBus = bus.New(cfg.BusSubscriberQueue, log)
	s.spot = greeks.NewSpotTracker(s.instruments, s.tickBus)
	s.enricher = greeks.New(s.instruments, s.spot, s.tickBus, cfg.GreeksRiskFreeRate, cfg.GreeksCacheSize, log)

	s.calendarClient = calendarClient
	s.modeManager = mode.NewManager(calendarClient, cfg.CalendarCode, log)

	s.tokenStore = tokens.NewStore(cfg.DataDir + "/tokens")
	s.broker = broker.New(brokerBaseURL(cfg), log)

	refresher, err := tokens.New(s.accounts, s.broker, s.tokenStore, s.events, tokens.Config{
		ScheduleHour:      cfg.TokenRefreshHour,
		ScheduleTZ:        cfg.TokenRefreshTZ,
		PreemptiveMinutes: cfg.TokenPreemptiveMinutes,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("supervisor: build token refresher: %w", err)
	}
	s.refresher = refresher

	s.interest = reconciler.NewInterestTable(s.instruments)
	s.recon = reconciler.New(s.interest, s.accounts, s, log)
	s.recon.SetMinInterval(cfg.ReconcilerMinInterval)
	s.recon.SetMaxTokensPerAccount(cfg.ReconcilerPerAccountMaxTokens)

	orderStore, err := orders.NewStore(cfg.DataDir + "/orders.db")
	if err != nil {
		return nil, fmt.Errorf("supervisor: open order store: %w", err)
	}
	s.orderStore = orderStore

	dlq, err := orders.NewDLQArchiver(context.Background(), cfg.DLQBucket, cfg.DLQRegion, "", "", log)
	if err != nil {
		return nil, fmt.Errorf("supervisor: build dlq archiver: %w", err)
	}
	s.dlq = dlq

	s.executor = orders.New(s.accounts, s.broker, s.refresher, s.orderStore, s.dlq, s.instruments, s.events, calendarClient, orders.Config{
		IdempotencySecret:       cfg.IdempotencySecret,
		CircuitFailureThreshold: cfg.OrderCircuitConsecutiveFailures,
		CircuitOpenDuration:     time.Duration(cfg.OrderCircuitOpenDurationS) * time.Second,
		QueueLimit:              orders.DefaultQueueLimit,
		CalendarCode:            cfg.CalendarCode,
	}, log)

	for _, ac := range cfg.Accounts {
		if err := s.registerAccount(ac); err != nil {
			return nil, err
		}
	}

	s.healthChecker = health.NewChecker(s.healthSessions(), calendarClient, cfg.CalendarCode, log)
	s.adminServer = adminhttp.New(adminhttp.Config{Port: cfg.Port}, s.healthChecker, nil, log)

	return s, nil
}

func brokerBaseURL(cfg *config.Config) string {
	return "https://api.broker.example" // external broker endpoint; a fixed value, cfg carries no broker URL
}

// registerAccount creates the roster entry and the Session Orchestrator
// that owns its upstream connection, wiring the shared Tick Bus pipeline
// and Mode Manager outbox into it per §4.5.
func (s *Supervisor) registerAccount(ac config.AccountConfig) error {
	policy := domain.ModePolicy(ac.Policy)
	if err := s.accounts.Register(ac.ID, "zerodha", 0, policy); err != nil {
		return fmt.Errorf("supervisor: register account %q: %w", ac.ID, err)
	}

	account, _ := s.accounts.Get(ac.ID)
	norm := upstream.NewNormalizer(s.instruments)
	dialer := upstream.NewWebsocketDialer()
	orch := upstream.NewOrchestrator(
		account,
		dialer,
		buildUpstreamURL,
		norm,
		s.spot,
		s.refresher,
		s.modeManager.Outbox(ac.ID),
		s.log,
	)

	s.orchMu.Lock()
	s.orchestrators[ac.ID] = orch
	s.orchMu.Unlock()
	return nil
}

// buildUpstreamURL composes the broker's WebSocket URL per §6.1: the
// access token travels as a query parameter on the initial dial.
func buildUpstreamURL(account *domain.Account, accessToken string) string {
	return fmt.Sprintf("wss://ws.broker.example/v3?access_token=%s", accessToken)
}

// Apply implements reconciler.Applier by forwarding to the named
// account's Session Orchestrator, the RPC surface §4.4 diffs against.
func (s *Supervisor) Apply(accountID string, diff reconciler.Diff) error {
	s.orchMu.RLock()
	orch, ok := s.orchestrators[accountID]
	s.orchMu.RUnlock()
	if !ok {
		return fmt.Errorf("supervisor: no orchestrator for account %q", accountID)
	}
	return orch.Apply(accountID, diff)
}

func (s *Supervisor) healthSessions() map[string]health.AccountSession {
	s.orchMu.RLock()
	defer s.orchMu.RUnlock()
	out := make(map[string]health.AccountSession, len(s.orchestrators))
	for id, o := range s.orchestrators {
		out[id] = o
	}
	return out
}

// Interest exposes the Subscription Reconciler's consumer-interest table
// so an external downstream WebSocket layer can register subscriber
// demand without reaching into the Reconciler directly.
func (s *Supervisor) Interest() *reconciler.InterestTable { return s.interest }

// TickBus exposes the Tick Bus so downstream consumers can Subscribe with
// a predicate (§4.6).
func (s *Supervisor) TickBus() *bus.Bus { return s.tickBus }

// Executor exposes the Order Executor's placeOrder/getOrderStatus/
// cancelOrder/listDeadLetters surface (§6.3) for an external HTTP layer
// to front.
func (s *Supervisor) Executor() *orders.Executor { return s.executor }

// Start brings every component's background goroutine up and begins each
// live account's Session Orchestrator. It returns once everything has been
// launched; components run until ctx is cancelled or Stop is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.enricher.Start()
	s.refresher.Start()
	s.recon.Start()

	if err := s.executor.Resume(); err != nil {
		s.log.Error().Err(err).Msg("failed to resume in-flight order tasks")
	}

	go s.modeLoop(ctx)

	s.orchMu.RLock()
	defer s.orchMu.RUnlock()
	for id, orch := range s.orchestrators {
		o := orch
		accountID := id
		go func() {
			s.log.Info().Str("account", accountID).Msg("starting session orchestrator")
			o.Run(ctx)
		}()
	}

	return nil
}

// modePollInterval is how often the Supervisor re-evaluates each
// account's Mode Manager policy and republishes to its Session
// Orchestrator's outbox. §4.1 only specifies the calendar answer's own
// 60s cache TTL, not a poll cadence for the caller driving Resolve; this
// keeps transitions (e.g. a force_live test account crossing into market
// hours) visible well within one calendar cache refresh.
const modePollInterval = 5 * time.Second

// modeLoop periodically resolves every account's current mode so
// transitions reach each Session Orchestrator's 1-buffer outbox (§4.1).
func (s *Supervisor) modeLoop(ctx context.Context) {
	ticker := time.NewTicker(modePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, account := range s.accounts.All() {
				s.modeManager.Resolve(ctx, account, now)
			}
		}
	}
}

// Stop drains background components in reverse dependency order. ctx
// bounds how long draining is allowed to take (§5 "tasks have ≤5s to
// drain, then are aborted").
func (s *Supervisor) Stop(ctx context.Context) {
	drained := make(chan struct{})
	go func() {
		s.recon.Stop()
		s.refresher.Stop()
		s.enricher.Stop()
		s.executor.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.log.Warn().Msg("shutdown deadline reached before all components drained")
	}
	_ = s.adminServer.Shutdown(ctx)
}

// AdminServer exposes the §6.4 HTTP boundary so cmd/server can run it on
// its own goroutine and shut it down alongside everything else.
func (s *Supervisor) AdminServer() *adminhttp.Server { return s.adminServer }
