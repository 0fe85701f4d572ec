package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"paycall/internal/audit"
	"paycall/internal/calls"
	"paycall/internal/connection"
	"paycall/internal/pricing"
	"paycall/internal/wallet"
	"paycall/pkg/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTicker struct{ ch chan time.Time }

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               {}

// tickers hands out fake tickers and lets the test pick them up in order.
type tickers struct{ made chan *fakeTicker }

func newTickers() *tickers { return &tickers{made: make(chan *fakeTicker, 8)} }

func (ts *tickers) New(time.Duration) connection.Ticker {
	f := &fakeTicker{ch: make(chan time.Time, 1)}
	ts.made <- f
	return f
}

func (ts *tickers) next(t *testing.T) *fakeTicker {
	t.Helper()
	select {
	case f := <-ts.made:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no ticker created")
		return nil
	}
}

type fixture struct {
	reg     *Registry
	clock   *manualClock
	wallet  *wallet.MemoryStore
	records *calls.MemoryStore
	audits  *audit.MemoryRepo
	hub     *connection.Hub
	billing *tickers
	monitor *tickers
}

type fixtureOption func(*Options)

func withRedis(rdb redis.Scripter) fixtureOption {
	return func(o *Options) { o.Redis = rdb }
}

func newFixture(t *testing.T, balance int64, opts ...fixtureOption) *fixture {
	t.Helper()
	mem := wallet.NewMemoryStore()
	mem.SetBalance("caller", decimal.NewFromInt(balance))

	prices := pricing.NewMemoryRepo()
	prices.PutHost(pricing.HostRates{HostID: "host"})

	f := &fixture{
		clock:   &manualClock{now: t0},
		wallet:  mem,
		records: calls.NewMemoryStore(),
		audits:  audit.NewMemoryRepo(),
		hub:     connection.NewHub(),
		billing: newTickers(),
		monitor: newTickers(),
	}
	o := Options{
		Calls: calls.Dependencies{
			Wallet:  mem,
			Records: f.records,
			Pricing: pricing.NewService(prices, prices, pricing.PricingConfig{
				AudioCostPerMinute:         decimal.NewFromInt(10),
				VideoCostPerMinute:         decimal.NewFromInt(15),
				MinimumDurationSeconds:     60,
				WarningThresholdSeconds:    60,
				ReconnectionTimeoutSeconds: 45,
			}),
			Transactions: mem,
		},
		Reachability: f.hub,
		Audit:        audit.NewService(f.audits),
		SyncInterval: 15 * time.Second,
		Clock:        f.clock.Now,
		NewTicker:    f.billing.New,
		MonitorOptions: []connection.Option{
			connection.WithClock(f.clock.Now),
			connection.WithTicker(f.monitor.New),
		},
	}
	for _, fn := range opts {
		fn(&o)
	}
	f.reg = NewRegistry(o)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.reg.Shutdown(ctx)
	})
	return f
}

func (f *fixture) start(t *testing.T, isVideo bool) *Session {
	t.Helper()
	ctx := context.Background()
	v, err := f.reg.Validate(ctx, "caller", "host", isVideo)
	require.NoError(t, err)
	require.True(t, v.Valid, v.Error)

	res, err := f.reg.Start(ctx, audit.Actor{UserID: "caller"}, StartRequest{
		CallerID: "caller", HostID: "host", StreamCallID: "stream-1", IsVideo: isVideo,
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	s := f.reg.Get("caller")
	require.NotNil(t, s)
	return s
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := f.wallet.GetBalance(context.Background(), "caller")
	require.NoError(t, err)
	return b
}

func waitDone(t *testing.T, s *Session) calls.EndResult {
	t.Helper()
	select {
	case <-s.Done():
		return s.Result()
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
		return calls.EndResult{}
	}
}

func eventTypes(repo *audit.MemoryRepo) []audit.EventType {
	out := []audit.EventType{}
	for _, e := range repo.ForCaller("caller") {
		out = append(out, e.Type)
	}
	return out
}

func TestRegistry_HangupSettlesAndCreditsBack(t *testing.T) {
	f := newFixture(t, 200)
	s := f.start(t, false)
	f.billing.next(t)

	f.clock.Advance(90 * time.Second)
	res, err := f.reg.End(context.Background(), audit.Actor{UserID: "caller"}, "caller", calls.EndReasonUserHangup)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	// Two started minutes are debited at the final sync, half a minute comes back.
	assert.Equal(t, int64(15), res.CoinsSpent)
	assert.Equal(t, int64(90), res.DurationSeconds)
	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(185)))

	waitDone(t, s)
	assert.Equal(t, 0, f.reg.Active())
	assert.Nil(t, f.reg.Get("caller"))
	assert.Equal(t, []audit.EventType{audit.EventTypeCallStarted, audit.EventTypeCallEnded}, eventTypes(f.audits))

	rec, err := f.records.Get(context.Background(), res.CallRecordID)
	require.NoError(t, err)
	assert.Equal(t, calls.RecordStatusCompleted, rec.Status)
	assert.Equal(t, calls.EndReasonUserHangup, rec.EndReason)
}

func TestRegistry_EndIsSettledOnce(t *testing.T) {
	f := newFixture(t, 200)
	s := f.start(t, false)
	f.clock.Advance(30 * time.Second)

	first, err := f.reg.End(context.Background(), audit.Actor{}, "caller", calls.EndReasonUserHangup)
	require.NoError(t, err)
	require.True(t, first.Success)
	// A second end after settlement finds no call.
	_, err = f.reg.End(context.Background(), audit.Actor{}, "caller", calls.EndReasonUserHangup)
	assert.ErrorIs(t, err, ErrNoSession)

	// Ending the same session again returns the original settlement.
	again := s.end(context.Background(), audit.Actor{}, calls.EndReasonBillingFailed, true)
	assert.Equal(t, first, again)
	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(195)))
}

func TestRegistry_TickEndsCallWhenBalanceRunsOut(t *testing.T) {
	f := newFixture(t, 20)
	s := f.start(t, false)
	tk := f.billing.next(t)

	f.clock.Advance(120 * time.Second)
	tk.ch <- f.clock.Now()

	res := waitDone(t, s)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, calls.EndReasonBalanceExhausted, res.Reason)
	assert.Equal(t, int64(20), res.CoinsSpent)
	assert.True(t, f.balance(t).IsZero())
	assert.Equal(t, []audit.EventType{audit.EventTypeCallStarted, audit.EventTypeCallForcedEnd}, eventTypes(f.audits))
}

func TestRegistry_ConnectionTimeoutEndsCall(t *testing.T) {
	f := newFixture(t, 200)
	s := f.start(t, false)
	f.billing.next(t)

	require.NoError(t, f.hub.Publish(context.Background(), "caller", false))
	countdown := f.monitor.next(t)

	st, err := f.reg.Status("caller")
	require.NoError(t, err)
	assert.False(t, st.Connection.IsConnected)
	assert.Equal(t, 45, st.Connection.ReconnectTimeRemainingSeconds)

	f.clock.Advance(45 * time.Second)
	countdown.ch <- f.clock.Now()

	res := waitDone(t, s)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, calls.EndReasonConnectionTimeout, res.Reason)
	// 45s of audio at 10/min is 7.5 coins, rounded up.
	assert.Equal(t, int64(8), res.CoinsSpent)
	assert.True(t, f.balance(t).Equal(decimal.NewFromInt(192)))
}

func TestRegistry_ReconnectKeepsCallRunning(t *testing.T) {
	f := newFixture(t, 200)
	f.start(t, false)
	f.billing.next(t)

	require.NoError(t, f.hub.Publish(context.Background(), "caller", false))
	f.monitor.next(t)
	f.clock.Advance(20 * time.Second)
	require.NoError(t, f.hub.Publish(context.Background(), "caller", true))

	st, err := f.reg.Status("caller")
	require.NoError(t, err)
	assert.True(t, st.Connection.IsConnected)
	assert.Equal(t, 1, f.reg.Active())
}

func TestRegistry_SyncShortfallEndsWithBillingFailed(t *testing.T) {
	f := newFixture(t, 10)
	s := f.start(t, false)
	f.billing.next(t)

	f.clock.Advance(61 * time.Second)
	res, err := f.reg.Sync(context.Background(), "caller")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, calls.ErrInsufficientFundsForSync)

	end := waitDone(t, s)
	require.True(t, end.Success, end.Error)
	assert.Equal(t, calls.EndReasonBillingFailed, end.Reason)
	// Settlement is capped at what the wallet held at validation.
	assert.Equal(t, int64(10), end.CoinsSpent)
	assert.True(t, f.balance(t).IsZero())
}

func TestRegistry_SwitchIsAudited(t *testing.T) {
	f := newFixture(t, 200)
	f.start(t, false)

	f.clock.Advance(30 * time.Second)
	res, err := f.reg.Switch(context.Background(), audit.Actor{UserID: "caller"}, "caller", true)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, calls.CallTypeVideo, res.Type)

	// Same type again is a no-op and is not audited.
	_, err = f.reg.Switch(context.Background(), audit.Actor{UserID: "caller"}, "caller", true)
	require.NoError(t, err)

	evs := f.audits.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, audit.EventTypeCallSwitched, evs[1].Type)
	assert.JSONEq(t, `{"from":"audio","to":"video"}`, evs[1].Metadata)
}

func TestRegistry_StatusReportsBilling(t *testing.T) {
	f := newFixture(t, 200)
	f.start(t, false)

	f.clock.Advance(30 * time.Second)
	st, err := f.reg.Status("caller")
	require.NoError(t, err)
	assert.Equal(t, calls.CallTypeAudio, st.Type)
	assert.Equal(t, int64(30), st.Billing.TotalDurationSeconds)
	assert.True(t, st.CoinsRemaining.Equal(decimal.NewFromInt(195)), st.CoinsRemaining.String())
	assert.Equal(t, int64(1170), st.SecondsRemaining)
	assert.False(t, st.LowBalance)
	assert.True(t, st.Connection.IsConnected)

	_, err = f.reg.Status("nobody")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRegistry_StartRequiresValidation(t *testing.T) {
	f := newFixture(t, 200)
	res, err := f.reg.Start(context.Background(), audit.Actor{}, StartRequest{CallerID: "caller", HostID: "host"})
	assert.ErrorIs(t, err, calls.ErrNotValidated)
	assert.False(t, res.Success)
}

func TestRegistry_RefusesSecondCallForCaller(t *testing.T) {
	f := newFixture(t, 200)
	f.start(t, false)

	v, err := f.reg.Validate(context.Background(), "caller", "host", false)
	assert.ErrorIs(t, err, ErrCallInProgress)
	assert.False(t, v.Valid)
}

func TestRegistry_DeniedValidationIsNotKept(t *testing.T) {
	f := newFixture(t, 5)
	v, err := f.reg.Validate(context.Background(), "caller", "host", false)
	require.NoError(t, err)
	assert.False(t, v.Valid)

	_, err = f.reg.Start(context.Background(), audit.Actor{}, StartRequest{CallerID: "caller", HostID: "host"})
	assert.ErrorIs(t, err, calls.ErrNotValidated)
}

func TestRegistry_SlotIsSharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	a := newFixture(t, 200, withRedis(rdb))
	b := newFixture(t, 200, withRedis(rdb))
	ctx := context.Background()

	a.start(t, false)
	key := utils.ConcurrencyCapKey("active_call", "caller")
	assert.True(t, mr.Exists(key))

	v, err := b.reg.Validate(ctx, "caller", "host", false)
	require.NoError(t, err)
	require.True(t, v.Valid)
	res, err := b.reg.Start(ctx, audit.Actor{}, StartRequest{CallerID: "caller", HostID: "host"})
	assert.ErrorIs(t, err, ErrCallInProgress)
	assert.False(t, res.Success)

	_, err = a.reg.End(ctx, audit.Actor{}, "caller", calls.EndReasonUserHangup)
	require.NoError(t, err)
	assert.False(t, mr.Exists(key))

	// The refused start kept b's validation.
	res, err = b.reg.Start(ctx, audit.Actor{}, StartRequest{CallerID: "caller", HostID: "host"})
	require.NoError(t, err)
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, "1", mustGet(t, mr, key))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestRegistry_ShutdownSettlesRunningCalls(t *testing.T) {
	f := newFixture(t, 200)
	s := f.start(t, true)

	f.clock.Advance(60 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.reg.Shutdown(ctx))

	res := waitDone(t, s)
	require.True(t, res.Success)
	assert.Equal(t, calls.EndReasonServerShutdown, res.Reason)
	assert.Equal(t, int64(15), res.CoinsSpent)
	assert.Equal(t, 0, f.reg.Active())
}
