package tokens

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/events"
	"github.com/aristath/marketstream/internal/registry"
)

// DefaultPreemptiveScanInterval is how often the preemptive loop scans every
// account's expiry (§4.8: "a 60s scan looks for tokens expiring soon").
const DefaultPreemptiveScanInterval = 60 * time.Second

// DefaultConcurrency caps how many accounts can be mid-refresh at once
// (§4.8: "refresh runs concurrently with a semaphore of 4").
const DefaultConcurrency = 4

// Provider performs the actual broker login/renewal call for one account
// and returns the new access token and its expiry. Implementations talk to
// the broker's auth endpoint; callers never see the underlying credentials.
type Provider interface {
	Refresh(ctx context.Context, account *domain.Account) (accessToken string, expiresAt time.Time, err error)
}

// Refresher is the Token Refresher (§4.8). It satisfies
// upstream.TokenSource so Session Orchestrators can read token state and
// demand an on-demand refresh without importing this package's internals.
type Refresher struct {
	accounts *registry.AccountRoster
	provider Provider
	store    *Store
	events   *events.Manager
	log      zerolog.Logger

	scheduleHour  int
	scheduleTZ    *time.Location
	preemptiveFor time.Duration
	scanInterval  time.Duration

	sem chan struct{}

	// inflight deduplicates concurrent refresh requests for the same
	// account (a scheduled run and a preemptive scan racing, or two
	// orchestrators both hitting INVALID_TOKEN at once).
	mu       sync.Mutex
	inflight map[string]chan struct{}

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures the Refresher.
type Config struct {
	ScheduleHour       int           // wall-clock hour for the daily refresh, in ScheduleTZ
	ScheduleTZ         string        // IANA timezone name, e.g. "Asia/Kolkata"
	PreemptiveMinutes  int           // refresh early once within this many minutes of expiry
	PreemptiveInterval time.Duration // how often the preemptive scan runs; 0 uses DefaultPreemptiveScanInterval
	Concurrency        int           // 0 uses DefaultConcurrency
}

// New creates a Refresher. Call Start to begin the scheduled and
// preemptive background loops.
func New(accounts *registry.AccountRoster, provider Provider, store *Store, em *events.Manager, cfg Config, log zerolog.Logger) (*Refresher, error) {
	loc, err := time.LoadLocation(cfg.ScheduleTZ)
	if err != nil {
		return nil, fmt.Errorf("tokens: load timezone %q: %w", cfg.ScheduleTZ, err)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	scanInterval := cfg.PreemptiveInterval
	if scanInterval <= 0 {
		scanInterval = DefaultPreemptiveScanInterval
	}

	return &Refresher{
		accounts:      accounts,
		provider:      provider,
		store:         store,
		events:        em,
		log:           log.With().Str("component", "token_refresher").Logger(),
		scheduleHour:  cfg.ScheduleHour,
		scheduleTZ:    loc,
		preemptiveFor: time.Duration(cfg.PreemptiveMinutes) * time.Minute,
		scanInterval:  scanInterval,
		sem:           make(chan struct{}, concurrency),
		inflight:      make(map[string]chan struct{}),
	}, nil
}

// Current satisfies upstream.TokenSource.
func (r *Refresher) Current(accountID string) (domain.TokenState, bool) {
	return r.store.Current(accountID)
}

// Start launches the cron-scheduled daily refresh and the preemptive scan
// loop. Both run until Stop is called.
func (r *Refresher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.cron = cron.New(cron.WithLocation(r.scheduleTZ))
	spec := fmt.Sprintf("0 %d * * *", r.scheduleHour)
	if _, err := r.cron.AddFunc(spec, func() { r.refreshAll(ctx, "scheduled") }); err != nil {
		r.log.Error().Err(err).Str("spec", spec).Msg("failed to register scheduled refresh")
	}
	r.cron.Start()

	r.wg.Add(1)
	go r.preemptiveLoop(ctx)

	r.log.Info().Int("hour", r.scheduleHour).Str("tz", r.scheduleTZ.String()).Msg("token refresher started")
}

// Stop halts both background loops and waits for in-flight refreshes.
func (r *Refresher) Stop() {
	if r.cron != nil {
		cronCtx := r.cron.Stop()
		<-cronCtx.Done()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Refresher) preemptiveLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanAndRefreshExpiring(ctx)
		}
	}
}

func (r *Refresher) scanAndRefreshExpiring(ctx context.Context) {
	now := time.Now()
	var wg sync.WaitGroup
	for _, acc := range r.accounts.All() {
		ts, ok := r.store.Current(acc.ID)
		if ok && !ts.ExpiresWithin(r.preemptiveFor, now) {
			continue
		}
		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			if err := r.refresh(ctx, accountID, "preemptive"); err != nil {
				r.log.Warn().Err(err).Str("account_id", accountID).Msg("preemptive refresh failed")
			}
		}(acc.ID)
	}
	wg.Wait()
}

func (r *Refresher) refreshAll(ctx context.Context, trigger string) {
	var wg sync.WaitGroup
	for _, acc := range r.accounts.All() {
		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			if err := r.refresh(ctx, accountID, trigger); err != nil {
				r.log.Warn().Err(err).Str("account_id", accountID).Msg("scheduled refresh failed")
			}
		}(acc.ID)
	}
	wg.Wait()
}

// RefreshNow satisfies upstream.TokenSource: a synchronous, on-demand
// refresh, invoked when an orchestrator sees an INVALID_TOKEN rejection.
func (r *Refresher) RefreshNow(ctx context.Context, accountID string) error {
	return r.refresh(ctx, accountID, "on_demand")
}

// refresh deduplicates concurrent callers for the same account, bounds
// overall concurrency with a semaphore, and performs the actual provider
// call.
func (r *Refresher) refresh(ctx context.Context, accountID, trigger string) error {
	r.mu.Lock()
	if wait, already := r.inflight[accountID]; already {
		r.mu.Unlock()
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	r.inflight[accountID] = done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inflight, accountID)
		r.mu.Unlock()
		close(done)
	}()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	account, ok := r.accounts.Get(accountID)
	if !ok {
		return domain.NewError(domain.KindContract, "unknown account: "+accountID, nil)
	}

	_ = r.store.Set(accountID, domain.TokenState{Status: domain.TokenRefreshing})

	issuedAt := time.Now()
	accessToken, expiresAt, err := r.provider.Refresh(ctx, account)
	if err != nil {
		_ = r.store.Set(accountID, domain.TokenState{Status: domain.TokenInvalid})
		if r.events != nil {
			r.events.Emit(events.TokenRefreshFailed, "tokens", map[string]any{
				"account_id": accountID,
				"trigger":    trigger,
				"error":      err.Error(),
			})
		}
		return fmt.Errorf("tokens: refresh %s: %w", accountID, err)
	}

	fresh := domain.TokenState{
		AccessToken: accessToken,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
		Status:      domain.TokenFresh,
	}
	if err := r.store.Set(accountID, fresh); err != nil {
		return fmt.Errorf("tokens: persist %s: %w", accountID, err)
	}

	if r.events != nil {
		r.events.Emit(events.TokenRefreshed, "tokens", map[string]any{
			"account_id": accountID,
			"trigger":    trigger,
			"expires_at": expiresAt,
		})
	}
	r.log.Info().Str("account_id", accountID).Str("trigger", trigger).Time("expires_at", expiresAt).Msg("token refreshed")
	return nil
}
