package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/reconciler"
)

// State is one node of the Session Orchestrator's lifecycle (§4.5).
type State string

const (
	StateDisconnected   State = "DISCONNECTED"
	StateConnecting     State = "CONNECTING"
	StateAuthenticating State = "AUTHENTICATING"
	StateSubscribed     State = "SUBSCRIBED"
	StateRetryBackoff   State = "RETRY_BACKOFF"
	StateInvalidToken   State = "INVALID_TOKEN"
	StateOff            State = "OFF"
)

const (
	backoffBase       = 1 * time.Second
	backoffCap        = 60 * time.Second
	backoffJitterFrac = 0.20

	invalidTokenEscalateCount  = 3
	invalidTokenEscalateWindow = 10 * time.Minute
)

// Publisher hands a decoded tick to the Tick Bus (and, for option
// instruments, through the Greeks Enricher first — wired by the caller).
type Publisher interface {
	Publish(tick domain.Tick)
}

// TokenSource yields the current access token for the orchestrator's
// account and can be asked to refresh synchronously on auth rejection.
type TokenSource interface {
	Current(accountID string) (domain.TokenState, bool)
	RefreshNow(ctx context.Context, accountID string) error
}

// URLBuilder composes the upstream WebSocket URL, embedding the access
// token as a query parameter per §6.1.
type URLBuilder func(account *domain.Account, accessToken string) string

// Orchestrator owns one upstream broker connection's lifecycle for a
// single account.
type Orchestrator struct {
	account  *domain.Account
	dialer   Dialer
	buildURL URLBuilder
	norm     *Normalizer
	bus      Publisher
	tokens   TokenSource
	modeIn   <-chan domain.AccountMode
	log      zerolog.Logger

	mu         sync.Mutex
	state      State
	conn       Conn
	subscribed map[uint32]domain.SubMode // last-known subscription set, re-applied after reconnect

	invalidTokenAt []time.Time
	backoffAttempt int

	// lastTickAt is a unix-nano timestamp of the most recently decoded
	// tick, read by internal/health without taking mu.
	lastTickAt atomic.Int64

	mock *mockTicker

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewOrchestrator constructs an Orchestrator for one account. Call Run to
// start its lifecycle goroutine.
func NewOrchestrator(account *domain.Account, dialer Dialer, buildURL URLBuilder, norm *Normalizer, bus Publisher, tokens TokenSource, modeIn <-chan domain.AccountMode, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		account:    account,
		dialer:     dialer,
		buildURL:   buildURL,
		norm:       norm,
		bus:        bus,
		tokens:     tokens,
		modeIn:     modeIn,
		log:        log.With().Str("component", "session_orchestrator").Str("account", account.ID).Logger(),
		state:      StateDisconnected,
		subscribed: make(map[uint32]domain.SubMode),
		stop:       make(chan struct{}),
	}
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s {
		o.log.Info().Str("from", string(prev)).Str("to", string(s)).Msg("orchestrator state transition")
	}
}

// Run drives the lifecycle until Stop is called. It blocks; call it from a
// dedicated goroutine.
func (o *Orchestrator) Run(ctx context.Context) {
	o.wg.Add(1)
	defer o.wg.Done()

	for {
		select {
		case <-o.stop:
			o.teardown()
			o.setState(StateDisconnected)
			return
		case newMode := <-o.modeIn:
			o.applyModeChange(ctx, newMode)
		default:
		}

		switch o.State() {
		case StateDisconnected:
			if o.account.CurrentMode == domain.ModeLive {
				o.setState(StateConnecting)
			} else {
				o.idle(ctx)
			}
		case StateConnecting:
			o.connect(ctx)
		case StateAuthenticating:
			// connect() only returns once authenticated or failed; this
			// state exists for observability and is passed through there.
			o.resetBackoff()
			o.setState(StateSubscribed)
		case StateSubscribed:
			o.readLoop(ctx)
		case StateRetryBackoff:
			o.backoffAndRetry(ctx)
		case StateInvalidToken:
			o.handleInvalidToken(ctx)
		case StateOff:
			o.idle(ctx)
		}
	}
}

// Stop requests shutdown and waits for the lifecycle goroutine to exit.
func (o *Orchestrator) Stop() {
	close(o.stop)
	o.wg.Wait()
}

func (o *Orchestrator) idle(ctx context.Context) {
	select {
	case <-o.stop:
	case <-time.After(200 * time.Millisecond):
	case newMode := <-o.modeIn:
		o.applyModeChange(ctx, newMode)
	}
}

func (o *Orchestrator) applyModeChange(ctx context.Context, newMode domain.AccountMode) {
	prevMode := o.account.CurrentMode
	o.account.CurrentMode = newMode

	switch newMode {
	case domain.ModeOff:
		o.teardown()
		o.setState(StateOff)
	case domain.ModeMock:
		o.teardown()
		if o.mock == nil {
			o.mock = newMockTicker(o.account.ID, o.bus, o.markTickNow)
		}
		o.mock.Start()
		o.setState(StateSubscribed) // Mock Ticker stands in for a live socket
	case domain.ModeLive:
		if prevMode == domain.ModeMock && o.mock != nil {
			o.mock.Stop()
		}
		if o.State() != StateSubscribed {
			o.setState(StateConnecting)
		}
	}
}

func (o *Orchestrator) connect(ctx context.Context) {
	tok, ok := o.tokens.Current(o.account.ID)
	if !ok || tok.Status == domain.TokenInvalid {
		o.setState(StateInvalidToken)
		return
	}

	url := o.buildURL(o.account, tok.AccessToken)
	conn, err := o.dialer.Dial(ctx, url)
	if err != nil {
		o.log.Warn().Err(err).Msg("dial failed")
		o.setState(StateRetryBackoff)
		return
	}

	o.mu.Lock()
	o.conn = conn
	o.mu.Unlock()

	o.setState(StateAuthenticating)
	if err := o.resubscribeAll(ctx); err != nil {
		o.log.Warn().Err(err).Msg("re-apply subscriptions after connect failed")
		o.setState(StateRetryBackoff)
		return
	}
}

// resubscribeAll re-sends the last-known subscription set after a fresh
// connection, per §4.5 "re-apply last-known subscription set".
func (o *Orchestrator) resubscribeAll(ctx context.Context) error {
	o.mu.Lock()
	snapshot := make(map[uint32]domain.SubMode, len(o.subscribed))
	for k, v := range o.subscribed {
		snapshot[k] = v
	}
	o.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}
	return o.sendSubscribe(ctx, snapshot)
}

func (o *Orchestrator) readLoop(ctx context.Context) {
	if o.account.CurrentMode == domain.ModeMock {
		// The Mock Ticker is driving ticks on its own goroutine; this
		// state just needs to keep servicing mode changes and shutdown.
		o.idle(ctx)
		return
	}

	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()
	if conn == nil {
		o.setState(StateRetryBackoff)
		return
	}

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// The blocking read runs on its own goroutine so a mode change or Stop
	// can interrupt it by canceling readCtx, rather than waiting out the
	// full read timeout before reacting.
	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		data, err := conn.Read(readCtx)
		resultCh <- readResult{data: data, err: err}
	}()

	select {
	case <-o.stop:
		cancel()
		return
	case newMode := <-o.modeIn:
		cancel()
		o.applyModeChange(ctx, newMode)
		return
	case res := <-resultCh:
		if res.err != nil {
			select {
			case <-o.stop:
				return
			default:
			}
			o.log.Warn().Err(res.err).Msg("upstream read failed")
			o.setState(StateRetryBackoff)
			return
		}
		ticks, err := o.norm.Decode(res.data)
		if err != nil {
			o.log.Debug().Err(err).Msg("frame decode error, continuing session")
		}
		if len(ticks) > 0 {
			o.lastTickAt.Store(time.Now().UnixNano())
		}
		for _, t := range ticks {
			o.bus.Publish(t)
		}
	}
}

// LastTickAt returns when this orchestrator last decoded a tick from its
// upstream connection, used by the health rollup's staleness check
// (§6.4). The zero Time means no tick has ever been decoded.
func (o *Orchestrator) LastTickAt() time.Time {
	nanos := o.lastTickAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// markTickNow records the current time as the last tick, mirroring what
// readLoop does for a live connection. The Mock Ticker calls this once per
// emitted batch so a force_mock account still reports fresh ticks to the
// health rollup (§8 scenario 5) even though no socket is ever read.
func (o *Orchestrator) markTickNow() {
	o.lastTickAt.Store(time.Now().UnixNano())
}

func (o *Orchestrator) backoffAndRetry(ctx context.Context) {
	o.mu.Lock()
	o.backoffAttempt++
	attempt := o.backoffAttempt
	o.mu.Unlock()

	delay := backoffDelay(attempt)
	select {
	case <-o.stop:
		return
	case <-time.After(delay):
	case newMode := <-o.modeIn:
		o.applyModeChange(ctx, newMode)
		return
	}
	o.setState(StateConnecting)
}

// resetBackoff clears the reconnect attempt counter on reaching
// SUBSCRIBED, so a transient outage doesn't inflate the delay for the next
// unrelated disconnect.
func (o *Orchestrator) resetBackoff() {
	o.mu.Lock()
	o.backoffAttempt = 0
	o.mu.Unlock()
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	jitter := time.Duration(float64(d) * backoffJitterFrac * (rand.Float64()*2 - 1))
	d += jitter
	if d < 0 {
		d = backoffBase
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

func (o *Orchestrator) handleInvalidToken(ctx context.Context) {
	now := time.Now()
	o.mu.Lock()
	o.invalidTokenAt = append(o.invalidTokenAt, now)
	cutoff := now.Add(-invalidTokenEscalateWindow)
	recent := o.invalidTokenAt[:0]
	for _, t := range o.invalidTokenAt {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	o.invalidTokenAt = recent
	failures := len(recent)
	o.mu.Unlock()

	if failures >= invalidTokenEscalateCount {
		o.log.Error().Int("failures", failures).Msg("repeated invalid token, escalating account to OFF")
		o.setState(StateOff)
		return
	}

	if err := o.tokens.RefreshNow(ctx, o.account.ID); err != nil {
		o.log.Warn().Err(err).Msg("synchronous token refresh failed")
		o.setState(StateRetryBackoff)
		return
	}
	o.setState(StateConnecting)
}

func (o *Orchestrator) teardown() {
	o.mu.Lock()
	conn := o.conn
	o.conn = nil
	o.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if o.mock != nil {
		o.mock.Stop()
	}
}

// Apply implements reconciler.Applier: the Subscription Reconciler calls
// this to tell the orchestrator what its upstream subscription set should
// be. Batches of at most reconciler.DefaultBatchSize tokens per outbound
// control message.
func (o *Orchestrator) Apply(accountID string, diff reconciler.Diff) error {
	if accountID != o.account.ID {
		return fmt.Errorf("upstream: diff for %q delivered to orchestrator owning %q", accountID, o.account.ID)
	}

	o.mu.Lock()
	for t, m := range diff.ToAdd {
		o.subscribed[t] = m
	}
	for t, m := range diff.ToUpgrade {
		o.subscribed[t] = m
	}
	for t, m := range diff.ToDowngrade {
		o.subscribed[t] = m
	}
	for _, t := range diff.ToRemove {
		delete(o.subscribed, t)
	}
	snapshot := make(map[uint32]domain.SubMode, len(o.subscribed))
	for k, v := range o.subscribed {
		snapshot[k] = v
	}
	mockMode := o.account.CurrentMode == domain.ModeMock
	o.mu.Unlock()

	if mockMode {
		if o.mock == nil {
			o.mock = newMockTicker(o.account.ID, o.bus, o.markTickNow)
			o.mock.Start()
		}
		o.mock.SetTokens(snapshot)
		return nil
	}

	o.mu.Lock()
	conn := o.conn
	state := o.state
	o.mu.Unlock()

	// o.subscribed already reflects the desired state above; if there is
	// no live connection right now, resubscribeAll will push the full
	// snapshot once one is established, so there is nothing more to do.
	if conn == nil || state != StateSubscribed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	toSend := make(map[uint32]domain.SubMode, len(diff.ToAdd)+len(diff.ToUpgrade)+len(diff.ToDowngrade))
	for t, m := range diff.ToAdd {
		toSend[t] = m
	}
	for t, m := range diff.ToUpgrade {
		toSend[t] = m
	}
	for t, m := range diff.ToDowngrade {
		toSend[t] = m
	}
	if len(toSend) > 0 {
		if err := o.sendSubscribe(ctx, toSend); err != nil {
			return err
		}
	}
	if len(diff.ToRemove) > 0 {
		if err := o.sendUnsubscribe(ctx, diff.ToRemove); err != nil {
			return err
		}
	}
	return nil
}

type controlMessage struct {
	Action string        `json:"a"`
	Values []interface{} `json:"v"`
}

func (o *Orchestrator) sendSubscribe(ctx context.Context, tokens map[uint32]domain.SubMode) error {
	byMode := make(map[domain.SubMode][]uint32)
	for t, m := range tokens {
		byMode[m] = append(byMode[m], t)
	}
	for mode, toks := range byMode {
		for _, batch := range batchTokens(toks, reconciler.DefaultBatchSize) {
			msg := controlMessage{Action: "mode", Values: []interface{}{mode.String(), toUint32Interface(batch)}}
			if err := o.writeJSON(ctx, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) sendUnsubscribe(ctx context.Context, tokens []uint32) error {
	for _, batch := range batchTokens(tokens, reconciler.DefaultBatchSize) {
		msg := controlMessage{Action: "unsubscribe", Values: toUint32Interface(batch)}
		if err := o.writeJSON(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) writeJSON(ctx context.Context, msg controlMessage) error {
	o.mu.Lock()
	conn := o.conn
	o.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("upstream: no active connection")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, data)
}

func batchTokens(tokens []uint32, size int) [][]uint32 {
	var batches [][]uint32
	for len(tokens) > 0 {
		n := size
		if n > len(tokens) {
			n = len(tokens)
		}
		batches = append(batches, tokens[:n])
		tokens = tokens[n:]
	}
	return batches
}

func toUint32Interface(tokens []uint32) []interface{} {
	out := make([]interface{}, len(tokens))
	for i, t := range tokens {
		out[i] = t
	}
	return out
}
