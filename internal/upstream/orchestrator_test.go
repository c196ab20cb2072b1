package upstream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/marketstream/internal/domain"
	"github.com/aristath/marketstream/internal/reconciler"
)

type fakeConn struct {
	mu     sync.Mutex
	readCh chan []byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan []byte, 8)}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.readCh:
		if !ok {
			return nil, fmt.Errorf("upstream: fake connection closed")
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	failNext bool
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext {
		return nil, fmt.Errorf("upstream: dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFailNext(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = v
}

type fakeTokenSource struct {
	mu           sync.Mutex
	state        domain.TokenState
	ok           bool
	refreshErr   error
	refreshCalls int
}

func (f *fakeTokenSource) Current(accountID string) (domain.TokenState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.ok
}

func (f *fakeTokenSource) RefreshNow(ctx context.Context, accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return f.refreshErr
}

func testAccount(mode domain.AccountMode) *domain.Account {
	return &domain.Account{ID: "acct-1", Broker: "zerodha", CurrentMode: mode}
}

func noopURLBuilder(account *domain.Account, accessToken string) string {
	return "wss://example.invalid/feed?token=" + accessToken
}

func newTestOrchestrator(account *domain.Account, dialer Dialer, tokens TokenSource, bus Publisher, modeIn <-chan domain.AccountMode) *Orchestrator {
	norm := NewNormalizer(fakeResolver{known: map[uint32]domain.Instrument{}})
	return NewOrchestrator(account, dialer, noopURLBuilder, norm, bus, tokens, modeIn, zerolog.Nop())
}

func TestBackoffDelayStaysWithinBounds(t *testing.T) {
	for attempt := 1; attempt <= 12; attempt++ {
		d := backoffDelay(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, backoffCap)
	}
}

func TestBackoffDelayGrowsThenCaps(t *testing.T) {
	// Far enough out that doubling has long since saturated the cap.
	d := backoffDelay(20)
	require.LessOrEqual(t, d, backoffCap)
	require.GreaterOrEqual(t, d, backoffCap*8/10) // cap minus at most the jitter fraction
}

func TestApplyRejectsWrongAccount(t *testing.T) {
	o := newTestOrchestrator(testAccount(domain.ModeLive), &fakeDialer{}, &fakeTokenSource{}, &fakePublisher{}, nil)
	err := o.Apply("some-other-account", reconciler.Diff{})
	require.Error(t, err)
}

func TestApplyInMockModeRoutesToMockTicker(t *testing.T) {
	account := testAccount(domain.ModeMock)
	bus := &fakePublisher{}
	o := newTestOrchestrator(account, &fakeDialer{}, &fakeTokenSource{}, bus, nil)

	err := o.Apply(account.ID, reconciler.Diff{
		AccountID: account.ID,
		ToAdd:     map[uint32]domain.SubMode{256265: domain.ModeLTP},
	})
	require.NoError(t, err)
	require.NotNil(t, o.mock)
	require.Equal(t, domain.ModeLTP, o.mock.tokens[256265])
	o.mock.Stop()
}

func TestApplyUpdatesSubscribedSnapshotRegardlessOfConnection(t *testing.T) {
	account := testAccount(domain.ModeLive)
	o := newTestOrchestrator(account, &fakeDialer{}, &fakeTokenSource{}, &fakePublisher{}, nil)

	err := o.Apply(account.ID, reconciler.Diff{
		AccountID: account.ID,
		ToAdd:     map[uint32]domain.SubMode{1: domain.ModeLTP, 2: domain.ModeQuote},
	})
	require.NoError(t, err)
	require.Equal(t, domain.ModeLTP, o.subscribed[1])
	require.Equal(t, domain.ModeQuote, o.subscribed[2])

	err = o.Apply(account.ID, reconciler.Diff{AccountID: account.ID, ToRemove: []uint32{1}})
	require.NoError(t, err)
	_, stillThere := o.subscribed[1]
	require.False(t, stillThere)
}

func TestConnectSucceedsAndReachesAuthenticating(t *testing.T) {
	account := testAccount(domain.ModeLive)
	dialer := &fakeDialer{}
	tokens := &fakeTokenSource{ok: true, state: domain.TokenState{AccessToken: "tok", Status: domain.TokenFresh}}
	o := newTestOrchestrator(account, dialer, tokens, &fakePublisher{}, nil)

	o.connect(context.Background())
	require.Equal(t, StateAuthenticating, o.State())
	require.NotNil(t, o.conn)
}

func TestConnectWithInvalidTokenGoesToInvalidTokenState(t *testing.T) {
	account := testAccount(domain.ModeLive)
	tokens := &fakeTokenSource{ok: true, state: domain.TokenState{Status: domain.TokenInvalid}}
	o := newTestOrchestrator(account, &fakeDialer{}, tokens, &fakePublisher{}, nil)

	o.connect(context.Background())
	require.Equal(t, StateInvalidToken, o.State())
}

func TestConnectWithNoTokenRecordGoesToInvalidTokenState(t *testing.T) {
	account := testAccount(domain.ModeLive)
	tokens := &fakeTokenSource{ok: false}
	o := newTestOrchestrator(account, &fakeDialer{}, tokens, &fakePublisher{}, nil)

	o.connect(context.Background())
	require.Equal(t, StateInvalidToken, o.State())
}

func TestConnectDialFailureGoesToRetryBackoff(t *testing.T) {
	account := testAccount(domain.ModeLive)
	dialer := &fakeDialer{failNext: true}
	tokens := &fakeTokenSource{ok: true, state: domain.TokenState{AccessToken: "tok", Status: domain.TokenFresh}}
	o := newTestOrchestrator(account, dialer, tokens, &fakePublisher{}, nil)

	o.connect(context.Background())
	require.Equal(t, StateRetryBackoff, o.State())
}

func TestHandleInvalidTokenEscalatesAfterThreeFailures(t *testing.T) {
	account := testAccount(domain.ModeLive)
	tokens := &fakeTokenSource{refreshErr: fmt.Errorf("still invalid")}
	o := newTestOrchestrator(account, &fakeDialer{}, tokens, &fakePublisher{}, nil)

	ctx := context.Background()
	o.handleInvalidToken(ctx)
	require.Equal(t, StateRetryBackoff, o.State())
	o.handleInvalidToken(ctx)
	require.Equal(t, StateRetryBackoff, o.State())
	o.handleInvalidToken(ctx)
	require.Equal(t, StateOff, o.State())
}

func TestHandleInvalidTokenRecoversOnSuccessfulRefresh(t *testing.T) {
	account := testAccount(domain.ModeLive)
	tokens := &fakeTokenSource{}
	o := newTestOrchestrator(account, &fakeDialer{}, tokens, &fakePublisher{}, nil)

	o.handleInvalidToken(context.Background())
	require.Equal(t, StateConnecting, o.State())
	require.Equal(t, 1, tokens.refreshCalls)
}

func TestRunReachesSubscribedThenTearsDownOnStop(t *testing.T) {
	account := testAccount(domain.ModeLive)
	dialer := &fakeDialer{}
	tokens := &fakeTokenSource{ok: true, state: domain.TokenState{AccessToken: "tok", Status: domain.TokenFresh}}
	bus := &fakePublisher{}
	o := newTestOrchestrator(account, dialer, tokens, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	require.Eventually(t, func() bool {
		return o.State() == StateSubscribed
	}, 2*time.Second, 10*time.Millisecond)

	o.Stop()
	require.Equal(t, StateDisconnected, o.State())
	require.Len(t, dialer.conns, 1)
	require.True(t, dialer.conns[0].isClosed())
}

func TestRunPublishesDecodedTicksOnceSubscribed(t *testing.T) {
	account := testAccount(domain.ModeLive)
	dialer := &fakeDialer{}
	tokens := &fakeTokenSource{ok: true, state: domain.TokenState{AccessToken: "tok", Status: domain.TokenFresh}}
	bus := &fakePublisher{}
	o := newTestOrchestrator(account, dialer, tokens, bus, nil)
	o.norm = NewNormalizer(fakeResolver{known: map[uint32]domain.Instrument{256265: {Token: 256265}}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	require.Eventually(t, func() bool {
		return o.State() == StateSubscribed && len(dialer.conns) == 1
	}, 2*time.Second, 10*time.Millisecond)

	dialer.conns[0].readCh <- frameOf(ltpPacket(256265, 10050))

	require.Eventually(t, func() bool {
		return len(bus.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	o.Stop()
	ticks := bus.snapshot()
	require.Equal(t, uint32(256265), ticks[0].Token)
	require.Equal(t, domain.SourceLive, ticks[0].Source)
}

func TestRunModeMockNeverDialsAndUsesMockTicker(t *testing.T) {
	// The account starts DISCONNECTED/OFF; the Mode Manager signals MOCK
	// over modeIn just like any later mode change.
	account := testAccount(domain.ModeOff)
	dialer := &fakeDialer{}
	tokens := &fakeTokenSource{}
	bus := &fakePublisher{}
	modeIn := make(chan domain.AccountMode, 1)
	o := newTestOrchestrator(account, dialer, tokens, bus, modeIn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	modeIn <- domain.ModeMock
	require.Eventually(t, func() bool {
		return o.State() == StateSubscribed
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, o.Apply(account.ID, reconciler.Diff{
		AccountID: account.ID,
		ToAdd:     map[uint32]domain.SubMode{1: domain.ModeLTP},
	}))

	require.Eventually(t, func() bool {
		return len(bus.snapshot()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	o.Stop()
	require.Empty(t, dialer.conns, "MOCK mode must never open an upstream connection")
	for _, tick := range bus.snapshot() {
		require.Equal(t, domain.SourceMock, tick.Source)
	}
}

func TestRunModeMockAdvancesLastTickAt(t *testing.T) {
	// A force_mock account must still report fresh ticks to the health
	// rollup (§8 scenario 5), even though readLoop's socket path never runs.
	account := testAccount(domain.ModeOff)
	dialer := &fakeDialer{}
	tokens := &fakeTokenSource{}
	bus := &fakePublisher{}
	modeIn := make(chan domain.AccountMode, 1)
	o := newTestOrchestrator(account, dialer, tokens, bus, modeIn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	require.True(t, o.LastTickAt().IsZero())

	modeIn <- domain.ModeMock
	require.Eventually(t, func() bool {
		return o.State() == StateSubscribed
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, o.Apply(account.ID, reconciler.Diff{
		AccountID: account.ID,
		ToAdd:     map[uint32]domain.SubMode{1: domain.ModeLTP},
	}))

	require.Eventually(t, func() bool {
		return !o.LastTickAt().IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	o.Stop()
}

func TestRunModeChangeLiveToMockStopsSocketReadsAndSwitchesToSynthetic(t *testing.T) {
	account := testAccount(domain.ModeLive)
	dialer := &fakeDialer{}
	tokens := &fakeTokenSource{ok: true, state: domain.TokenState{AccessToken: "tok", Status: domain.TokenFresh}}
	bus := &fakePublisher{}
	modeIn := make(chan domain.AccountMode, 1)
	o := newTestOrchestrator(account, dialer, tokens, bus, modeIn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	require.Eventually(t, func() bool {
		return o.State() == StateSubscribed && len(dialer.conns) == 1
	}, 2*time.Second, 10*time.Millisecond)
	liveConn := dialer.conns[0]

	modeIn <- domain.ModeMock
	require.Eventually(t, func() bool {
		return liveConn.isClosed()
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return o.State() == StateSubscribed
	}, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, o.mock)

	o.Stop()
	require.Len(t, dialer.conns, 1, "switching to MOCK must not open a second socket")
}
