// Package orders implements the Order Executor (§4.7): idempotent,
// per-account-serialized order dispatch with retry+backoff, circuit
// breaking, multi-account failover, and a durable dead-letter channel.
package orders

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketstream/internal/calendar"
	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/events"
	"github.com/aristath/marketstream/pkg/idempotency"
	"github.com/aristath/marketstream/internal/registry"
)

// DefaultQueueLimit is the per-account order queue bound (§5): beyond this
// depth, new submissions are rejected with a resource error rather than
// queued.
const DefaultQueueLimit = 10000

// deadLetterBuffer bounds the operator-facing DLQ channel so a slow reader
// cannot make dispatch workers block on it.
const deadLetterBuffer = 1000

// BrokerClient places and cancels orders against a broker's RPC endpoint
// (distinct from the upstream market-data socket, §4.7). This is the
// external collaborator seam — HTTP/gRPC transport to the broker is out of
// scope for this core.
type BrokerClient interface {
	PlaceOrder(ctx context.Context, account *domain.Account, req domain.OrderRequest) (brokerOrderID string, err error)
	CancelOrder(ctx context.Context, account *domain.Account, brokerOrderID string) error
}

// TokenSource yields the current access token for an account. Satisfied by
// internal/tokens.Refresher. Kept separate from domain.Account's own Token
// field so the Order Executor never needs to mutate a roster-owned
// pointer from its own dispatch goroutines — it reads a fresh snapshot
// per attempt instead (the same atomic-pointer-backed read the Session
// Orchestrator uses).
type TokenSource interface {
	Current(accountID string) (domain.TokenState, bool)
}

// Executor is the Order Executor. One Executor instance serves every
// account; each account gets its own FIFO queue and circuit breaker.
type Executor struct {
	accounts *registry.AccountRoster
	broker   BrokerClient
	tokens   TokenSource
	store    *Store
	dlq      *DLQArchiver
	safety   *safetyChain
	events   *events.Manager
	secret   []byte
	log      zerolog.Logger

	circuitThreshold int
	circuitWindow    int
	circuitOpenFor   time.Duration
	queueLimit       int

	mu       sync.Mutex
	queues   map[string]chan *domain.OrderTask
	breakers map[string]*breaker

	deadLetters chan *domain.OrderTask

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bundles the tunables §6.6 recognizes for the Order Executor.
type Config struct {
	IdempotencySecret     string
	CircuitFailureThreshold int
	CircuitOpenDuration   time.Duration
	QueueLimit            int
	CalendarCode          string // routed to calendarClient for the market-hours-required check
}

// New constructs an Executor. Call Start before submitting orders. tokens
// may be nil, in which case the broker is called with a zero-value token
// on the account (only safe for brokers that authenticate some other way,
// e.g. tests). calendarClient may be nil, in which case the safety
// chain's market-hours check is skipped (fail open), the same stance the
// teacher's ValidateTrade takes when its own MarketHoursChecker is unset.
func New(accounts *registry.AccountRoster, broker BrokerClient, tokens TokenSource, store *Store, dlq *DLQArchiver, instruments *registry.InstrumentRegistry, em *events.Manager, calendarClient calendar.Client, cfg Config, log zerolog.Logger) *Executor {
	if cfg.CircuitFailureThreshold <= 0 {
		cfg.CircuitFailureThreshold = DefaultConsecutiveFailureThreshold
	}
	if cfg.CircuitOpenDuration <= 0 {
		cfg.CircuitOpenDuration = DefaultOpenDuration
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultQueueLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		accounts:         accounts,
		broker:           broker,
		tokens:           tokens,
		store:            store,
		dlq:              dlq,
		safety:           newSafetyChain(instruments, cfg.QueueLimit, calendarClient, cfg.CalendarCode, log),
		events:           em,
		secret:           []byte(cfg.IdempotencySecret),
		log:              log.With().Str("component", "order_executor").Logger(),
		circuitThreshold: cfg.CircuitFailureThreshold,
		circuitWindow:    DefaultFailureRateWindow,
		circuitOpenFor:   cfg.CircuitOpenDuration,
		queueLimit:       cfg.QueueLimit,
		queues:           make(map[string]chan *domain.OrderTask),
		breakers:         make(map[string]*breaker),
		deadLetters:      make(chan *domain.OrderTask, deadLetterBuffer),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Resume loads every non-terminal task from the durable store and
// re-enqueues it, so a restart resumes dispatch for orders that were mid
// flight (§8 scenario 3). Call after Start.
func (e *Executor) Resume() error {
	pending, err := e.store.Pending()
	if err != nil {
		return fmt.Errorf("orders: resume: %w", err)
	}
	for _, task := range pending {
		e.enqueue(task)
	}
	if len(pending) > 0 {
		e.log.Info().Int("count", len(pending)).Msg("resumed in-flight order tasks")
	}
	return nil
}

// Stop cancels in-flight dispatch and waits for every account worker to
// drain. Tasks caught mid-dispatch are marked failed+cancelled rather than
// retried (§5 "Cancellation & timeouts").
func (e *Executor) Stop() {
	e.cancel()
	e.wg.Wait()
}

// DeadLetters returns the channel operators read dead-lettered tasks from.
func (e *Executor) DeadLetters() <-chan *domain.OrderTask { return e.deadLetters }

// PlaceOrder implements §6.3's placeOrder(). Duplicate submissions with
// the same (idempotency_key, account_id) return the existing task's
// current state without a second dispatch.
func (e *Executor) PlaceOrder(req domain.OrderRequest) (taskID string, state domain.OrderState, err error) {
	taskID = idempotency.TaskID(e.secret, req.IdempotencyKey, req.AccountID)

	if existing, ok, err := e.store.Get(taskID); err != nil {
		return "", "", fmt.Errorf("orders: check existing task: %w", err)
	} else if ok {
		return existing.TaskID, existing.State, nil
	}

	if req.AttemptPolicy.MaxAttempts == 0 {
		req.AttemptPolicy = domain.DefaultAttemptPolicy()
	}

	if err := e.safety.Validate(req, e.queueDepth(req.AccountID)); err != nil {
		return "", "", err
	}

	if br := e.breakerFor(req.AccountID); !br.Allow(time.Now()) {
		return "", "", domain.NewError(domain.KindResource, "circuit_open", nil)
	}

	now := time.Now()
	task := &domain.OrderTask{
		TaskID:    taskID,
		Request:   req,
		State:     domain.OrderPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Insert(task); err != nil {
		// A concurrent duplicate submission may have inserted this task_id first.
		if existing, ok, getErr := e.store.Get(taskID); getErr == nil && ok {
			return existing.TaskID, existing.State, nil
		}
		return "", "", fmt.Errorf("orders: persist task: %w", err)
	}

	e.enqueue(task)
	return task.TaskID, task.State, nil
}

// GetOrderStatus implements §6.3's getOrderStatus().
func (e *Executor) GetOrderStatus(taskID string) (*domain.OrderTask, error) {
	task, ok, err := e.store.Get(taskID)
	if err != nil {
		return nil, fmt.Errorf("orders: get status: %w", err)
	}
	if !ok {
		return nil, domain.NewError(domain.KindContract, "unknown task_id", nil)
	}
	return task, nil
}

// CancelOrder implements §6.3's cancelOrder(): modify/cancel operations key
// through broker_order_id, not task_id.
func (e *Executor) CancelOrder(brokerOrderID string) error {
	task, ok, err := e.store.FindByBrokerOrderID(brokerOrderID)
	if err != nil {
		return fmt.Errorf("orders: find by broker order id: %w", err)
	}
	if !ok {
		return domain.NewError(domain.KindContract, "unknown broker_order_id", nil)
	}
	acct, ok := e.accounts.Get(task.Request.AccountID)
	if !ok {
		return domain.NewError(domain.KindFatal, "account no longer registered", nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.broker.CancelOrder(ctx, e.withToken(acct), brokerOrderID); err != nil {
		return fmt.Errorf("orders: cancel %s: %w", brokerOrderID, err)
	}
	return nil
}

// withToken returns a shallow copy of acct carrying the current access
// token from TokenSource, so BrokerClient implementations can read
// account.Token without any goroutine mutating the roster's shared
// *domain.Account in place.
func (e *Executor) withToken(acct *domain.Account) *domain.Account {
	if e.tokens == nil {
		return acct
	}
	ts, ok := e.tokens.Current(acct.ID)
	if !ok {
		return acct
	}
	withToken := *acct
	withToken.Token = ts
	return &withToken
}

// ListDeadLetters implements §6.3's listDeadLetters().
func (e *Executor) ListDeadLetters() ([]*domain.OrderTask, error) {
	return e.store.DeadLetters()
}

// queueDepth reports how many tasks are currently buffered for an
// account's worker, for the safety chain's queue-saturation check.
func (e *Executor) queueDepth(accountID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[accountID]
	if !ok {
		return 0
	}
	return len(q)
}

func (e *Executor) breakerFor(accountID string) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[accountID]
	if !ok {
		b = newBreaker(accountID, e.circuitThreshold, e.circuitWindow, e.circuitOpenFor, e.log)
		e.breakers[accountID] = b
	}
	return b
}

// enqueue places task on its account's FIFO queue, starting that
// account's worker goroutine on first use.
func (e *Executor) enqueue(task *domain.OrderTask) {
	e.mu.Lock()
	q, ok := e.queues[task.Request.AccountID]
	if !ok {
		q = make(chan *domain.OrderTask, e.queueLimit)
		e.queues[task.Request.AccountID] = q
		e.wg.Add(1)
		go e.worker(task.Request.AccountID, q)
	}
	e.mu.Unlock()

	q <- task
}

// worker drains one account's queue strictly in order: at most one
// in-flight dispatch per account (§4.7 "Per-account serialization").
func (e *Executor) worker(accountID string, q chan *domain.OrderTask) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			e.drainCancelled(q)
			return
		case task := <-q:
			e.dispatch(task)
		}
	}
}

// drainCancelled marks every still-queued task for this account as
// cancelled on shutdown, per §5: cancelled tasks in dispatching/pending
// are never retried.
func (e *Executor) drainCancelled(q chan *domain.OrderTask) {
	for {
		select {
		case task := <-q:
			task.State = domain.OrderFailed
			task.Cancelled = true
			task.LastError = "shutdown: cancelled before dispatch"
			task.UpdatedAt = time.Now()
			task.TerminalAt = task.UpdatedAt
			_ = e.store.Update(task)
		default:
			return
		}
	}
}

// dispatch runs the retry/failover state machine for one task against its
// primary account, then each of FailoverAccounts in order, preserving
// task_id (and therefore idempotency) across accounts.
func (e *Executor) dispatch(task *domain.OrderTask) {
	candidates := append([]string{task.Request.AccountID}, task.Request.FailoverAccounts...)

	for _, accountID := range candidates {
		if e.ctx.Err() != nil {
			e.cancelInFlight(task)
			return
		}

		acct, ok := e.accounts.Get(accountID)
		if !ok {
			continue
		}

		br := e.breakerFor(accountID)
		if !br.Allow(time.Now()) {
			continue // account's circuit is open, try the next failover candidate
		}

		if e.attemptOnAccount(task, acct, br) {
			return // placed
		}
		if task.Cancelled {
			return // shutdown interrupted this task; do not fail over
		}
	}

	e.deadLetter(task)
}

// attemptOnAccount retries a task against one account up to its
// AttemptPolicy's max attempts, for retriable errors only. Returns true on
// success.
func (e *Executor) attemptOnAccount(task *domain.OrderTask, acct *domain.Account, br *breaker) bool {
	policy := task.Request.AttemptPolicy

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if e.ctx.Err() != nil {
			e.cancelInFlight(task)
			return false
		}

		task.Attempts++
		task.State = domain.OrderDispatching
		task.UpdatedAt = time.Now()
		_ = e.store.Update(task)

		ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
		brokerOrderID, err := e.broker.PlaceOrder(ctx, e.withToken(acct), task.Request)
		cancel()

		if err == nil {
			br.RecordSuccess(time.Now())
			task.State = domain.OrderPlaced
			task.BrokerOrderID = brokerOrderID
			task.LastError = ""
			task.UpdatedAt = time.Now()
			task.TerminalAt = task.UpdatedAt
			_ = e.store.Update(task)
			return true
		}

		br.RecordFailure(time.Now())
		task.LastError = err.Error()

		if !retriable(err) {
			return false // non-retriable: caller fails over to the next account
		}
		if attempt == policy.MaxAttempts {
			return false // exhausted retries on this account
		}

		select {
		case <-e.ctx.Done():
			e.cancelInFlight(task)
			return false
		case <-time.After(retryDelay(attempt, policy)):
		}
	}
	return false
}

func (e *Executor) cancelInFlight(task *domain.OrderTask) {
	task.State = domain.OrderFailed
	task.Cancelled = true
	task.UpdatedAt = time.Now()
	task.TerminalAt = task.UpdatedAt
	_ = e.store.Update(task)
}

func (e *Executor) deadLetter(task *domain.OrderTask) {
	task.State = domain.OrderDeadLettered
	task.UpdatedAt = time.Now()
	task.TerminalAt = task.UpdatedAt
	_ = e.store.Update(task)

	if e.dlq != nil {
		if err := e.dlq.Archive(context.Background(), task); err != nil {
			e.log.Warn().Err(err).Str("task_id", task.TaskID).Msg("failed to archive dead letter")
		}
	}

	if e.events != nil {
		e.events.Emit(events.OrderDeadLettered, "order_executor", map[string]any{
			"task_id":    task.TaskID,
			"account_id": task.Request.AccountID,
			"attempts":   task.Attempts,
			"last_error": task.LastError,
		})
	}

	select {
	case e.deadLetters <- task:
	default:
		e.log.Warn().Str("task_id", task.TaskID).Msg("dead letter channel full, dropping from channel (still persisted)")
	}
}

// retriable reports whether err's classified kind should be retried
// (§7). Errors that aren't a *domain.Error default to transient, matching
// the taxonomy's intent that unclassified broker errors are assumed
// recoverable rather than silently dropped.
func retriable(err error) bool {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return derr.Kind.Retriable()
	}
	return true
}

// retryDelay computes exponential backoff with jitter: base*2^(attempt-1),
// capped, plus jitter uniformly in [0, JitterCap), JitterCap defaulting to
// base (§4.7).
func retryDelay(attempt int, policy domain.AttemptPolicy) time.Duration {
	base := policy.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	backoffCap := 30 * time.Second

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	jitterCap := policy.JitterCap
	if jitterCap <= 0 {
		jitterCap = base
	}
	d += time.Duration(rand.Int63n(int64(jitterCap)))
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
