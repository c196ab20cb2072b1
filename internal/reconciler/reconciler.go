// Package reconciler implements the Subscription Reconciler (§4.4):
// consolidating many downstream consumers' desired instrument subscriptions
// into the minimal per-account upstream subscription set.
package reconciler

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/registry"
)

// DefaultMinInterval throttles reconcile cycles to at most once per account
// per this duration (reconciler.min_interval_ms).
const DefaultMinInterval = 500 * time.Millisecond

// DefaultMaxTokensPerAccount is the broker's per-account subscription limit
// (reconciler.per_account_max_tokens).
const DefaultMaxTokensPerAccount = 3000

// DefaultBatchSize bounds how many tokens one RPC call carries.
const DefaultBatchSize = 500

// Desired is the consolidated interest for one token: the richest mode any
// subscriber currently wants, and when it was last observed to tick (used
// for eviction under saturation).
type Desired struct {
	Token        uint32
	Mode         domain.SubMode
	LastTickedAt time.Time
}

// DesiredSource yields the current consolidated desired state, computed by
// whatever owns subscriber interest (typically the downstream WebSocket
// layer, external to this core per §1).
type DesiredSource interface {
	Desired() map[uint32]Desired
}

// Diff is what one account's Session Orchestrator must apply.
type Diff struct {
	AccountID  string
	ToAdd      map[uint32]domain.SubMode
	ToRemove   []uint32
	ToUpgrade  map[uint32]domain.SubMode
	ToDowngrade map[uint32]domain.SubMode
}

func (d Diff) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToRemove) == 0 && len(d.ToUpgrade) == 0 && len(d.ToDowngrade) == 0
}

// Applier is the Session Orchestrator's RPC surface for subscription
// changes. Implementations must batch internally to DefaultBatchSize.
type Applier interface {
	Apply(accountID string, diff Diff) error
}

// Reconciler owns the per-account "what is currently subscribed upstream"
// view and recomputes it whenever Trigger is called, throttled per account.
type Reconciler struct {
	desired  DesiredSource
	accounts *registry.AccountRoster
	apply    Applier
	log      zerolog.Logger

	minInterval     time.Duration
	maxTokens       int

	mu           sync.Mutex
	current      map[string]map[uint32]domain.SubMode // account -> token -> mode
	assignment   map[uint32]string                    // token -> account currently serving it
	lastTicked   map[uint32]time.Time                 // token -> last tick time, for eviction
	lastRun      map[string]time.Time

	pending chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Reconciler. Call Start to begin its background loop and
// Trigger whenever subscriber interest, account roster, or instrument
// status changes.
func New(desired DesiredSource, accounts *registry.AccountRoster, apply Applier, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		desired:     desired,
		accounts:    accounts,
		apply:       apply,
		log:         log.With().Str("component", "reconciler").Logger(),
		minInterval: DefaultMinInterval,
		maxTokens:   DefaultMaxTokensPerAccount,
		current:     make(map[string]map[uint32]domain.SubMode),
		assignment:  make(map[uint32]string),
		lastTicked:  make(map[uint32]time.Time),
		lastRun:     make(map[string]time.Time),
		pending:     make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
}

// SetMinInterval overrides the per-account throttle (reconciler.min_interval_ms).
func (r *Reconciler) SetMinInterval(d time.Duration) { r.minInterval = d }

// SetMaxTokensPerAccount overrides the broker subscription cap
// (reconciler.per_account_max_tokens).
func (r *Reconciler) SetMaxTokensPerAccount(n int) { r.maxTokens = n }

// Start launches the reconcile loop: it wakes on Trigger and also on a
// steady tick so that account-loss/eviction situations converge even
// without new subscriber events.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.minInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.runOnce()
			case <-r.pending:
				r.runOnce()
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit.
func (r *Reconciler) Stop() {
	close(r.stop)
	r.wg.Wait()
}

// Trigger requests a reconcile pass as soon as the per-account throttle
// allows it. Non-blocking: a pending trigger is coalesced with any already
// queued.
func (r *Reconciler) Trigger() {
	select {
	case r.pending <- struct{}{}:
	default:
	}
}

func (r *Reconciler) runOnce() {
	desired := r.desired.Desired()
	accounts := r.accounts.LiveSortedByPriority()

	r.mu.Lock()
	defer r.mu.Unlock()

	diffs := r.computeDiffs(desired, accounts)
	for _, diff := range diffs {
		if diff.Empty() {
			continue
		}
		if !r.throttleOK(diff.AccountID) {
			continue
		}
		if err := r.apply.Apply(diff.AccountID, diff); err != nil {
			r.log.Warn().
				Err(err).
				Str("account", diff.AccountID).
				Msg("reconcile RPC failed, will retry next cycle")
			continue
		}
		r.commit(diff)
		r.lastRun[diff.AccountID] = time.Now()
	}
}

func (r *Reconciler) throttleOK(accountID string) bool {
	last, ok := r.lastRun[accountID]
	if !ok {
		return true
	}
	return time.Since(last) >= r.minInterval
}

// computeDiffs assigns every desired token to an account (preferring its
// current assignment) and produces the add/remove/upgrade/downgrade sets
// per account. Called with r.mu held.
func (r *Reconciler) computeDiffs(desired map[uint32]Desired, accounts []*domain.Account) []Diff {
	if len(accounts) == 0 {
		// No LIVE accounts: every current subscription must be torn down.
		var diffs []Diff
		for acctID, toks := range r.current {
			if len(toks) == 0 {
				continue
			}
			d := Diff{AccountID: acctID, ToRemove: tokenList(toks)}
			diffs = append(diffs, d)
		}
		return diffs
	}

	accountTokenCount := make(map[string]int, len(accounts))
	for _, a := range accounts {
		accountTokenCount[a.ID] = len(r.current[a.ID])
	}

	wanted := make(map[string]map[uint32]domain.SubMode, len(accounts))
	for _, a := range accounts {
		wanted[a.ID] = make(map[uint32]domain.SubMode)
	}

	tokens := make([]uint32, 0, len(desired))
	for t, d := range desired {
		tokens = append(tokens, t)
		if !d.LastTickedAt.IsZero() {
			r.lastTicked[t] = d.LastTickedAt
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })

	for _, token := range tokens {
		d := desired[token]
		acctID := r.assignAccount(token, d, accounts, accountTokenCount, wanted)
		if acctID == "" {
			continue
		}
		wanted[acctID][token] = d.Mode
	}

	diffs := make([]Diff, 0, len(accounts))
	seen := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		diffs = append(diffs, r.diffForAccount(a.ID, wanted[a.ID]))
		seen[a.ID] = true
	}
	// Accounts that lost LIVE status still need their state torn down.
	for acctID, toks := range r.current {
		if seen[acctID] || len(toks) == 0 {
			continue
		}
		diffs = append(diffs, Diff{AccountID: acctID, ToRemove: tokenList(toks)})
	}
	return diffs
}

// assignAccount picks which account should serve a token: its current
// holder if still LIVE, else the lowest-priority LIVE account under the
// broker limit, else eviction of the least-recently-ticked token assigned
// to any LIVE account, whose slot then serves this token.
func (r *Reconciler) assignAccount(token uint32, d Desired, accounts []*domain.Account, counts map[string]int, wanted map[string]map[uint32]domain.SubMode) string {
	if acctID, ok := r.assignment[token]; ok {
		if _, stillWanted := wanted[acctID]; stillWanted {
			return acctID
		}
	}

	for _, a := range accounts {
		if counts[a.ID] < r.maxTokens {
			counts[a.ID]++
			r.assignment[token] = a.ID
			return a.ID
		}
	}

	// All LIVE accounts saturated: evict the least-recently-ticked token
	// currently assigned anywhere and take its slot.
	victimToken, victimAcct, found := r.leastRecentlyTicked(wanted)
	if !found {
		return ""
	}
	r.log.Warn().
		Uint32("evicted_token", victimToken).
		Str("account", victimAcct).
		Uint32("new_token", token).
		Msg("account saturated, evicting least-recently-ticked token")
	delete(wanted[victimAcct], victimToken)
	delete(r.assignment, victimToken)
	r.assignment[token] = victimAcct
	return victimAcct
}

func (r *Reconciler) leastRecentlyTicked(wanted map[string]map[uint32]domain.SubMode) (token uint32, account string, found bool) {
	var oldest time.Time
	for acctID, toks := range wanted {
		for t := range toks {
			ts := r.lastTicked[t] // zero value sorts first, which is correct: never-ticked tokens evict first
			if !found || ts.Before(oldest) {
				token, account, oldest, found = t, acctID, ts, true
			}
		}
	}
	return
}

func (r *Reconciler) diffForAccount(accountID string, desiredForAccount map[uint32]domain.SubMode) Diff {
	cur := r.current[accountID]
	diff := Diff{
		AccountID:   accountID,
		ToAdd:       make(map[uint32]domain.SubMode),
		ToUpgrade:   make(map[uint32]domain.SubMode),
		ToDowngrade: make(map[uint32]domain.SubMode),
	}
	for token, mode := range desiredForAccount {
		curMode, exists := cur[token]
		switch {
		case !exists:
			diff.ToAdd[token] = mode
		case curMode < mode:
			diff.ToUpgrade[token] = mode
		case curMode > mode:
			diff.ToDowngrade[token] = mode
		}
	}
	for token := range cur {
		if _, stillWanted := desiredForAccount[token]; !stillWanted {
			diff.ToRemove = append(diff.ToRemove, token)
		}
	}
	sort.Slice(diff.ToRemove, func(i, j int) bool { return diff.ToRemove[i] < diff.ToRemove[j] })
	return diff
}

// commit applies a successfully-dispatched diff to the current-state view.
// Called with r.mu held.
func (r *Reconciler) commit(diff Diff) {
	cur, ok := r.current[diff.AccountID]
	if !ok {
		cur = make(map[uint32]domain.SubMode)
		r.current[diff.AccountID] = cur
	}
	for token, mode := range diff.ToAdd {
		cur[token] = mode
	}
	for token, mode := range diff.ToUpgrade {
		cur[token] = mode
	}
	for token, mode := range diff.ToDowngrade {
		cur[token] = mode
	}
	for _, token := range diff.ToRemove {
		delete(cur, token)
	}
}

func tokenList(m map[uint32]domain.SubMode) []uint32 {
	out := make([]uint32, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
