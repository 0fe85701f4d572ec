package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"paycall/internal/audit"
	"paycall/internal/calls"
	"paycall/internal/connection"
	"paycall/pkg/logger"
	"paycall/pkg/utils"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var (
	ErrCallInProgress = errors.New("caller already has an active call")
	ErrNoSession      = errors.New("no active call for caller")
)

const (
	slotScope       = "active_call"
	defaultInterval = 15 * time.Second
	minSlotTTL      = time.Minute
)

// Auditor is the subset of audit.Service the registry writes to.
type Auditor interface {
	LogCallStarted(ctx context.Context, actor audit.Actor, callerID, hostID, callRecordID, callType string) error
	LogCallSwitched(ctx context.Context, actor audit.Actor, callerID, callRecordID, from, to string) error
	LogCallEnded(ctx context.Context, actor audit.Actor, end audit.CallEnd) error
}

// Metrics extends the billing recorder with session level events.
// metrics.Billing implements it.
type Metrics interface {
	calls.Recorder
	CallFinished(t calls.CallType)
	ConnectionTimedOut()
}

type nopMetrics struct{}

func (nopMetrics) CallStarted(calls.CallType)    {}
func (nopMetrics) CallEnded(calls.EndReason)     {}
func (nopMetrics) CoinsDebited(decimal.Decimal)  {}
func (nopMetrics) CoinsCredited(decimal.Decimal) {}
func (nopMetrics) SyncFailed(string)             {}
func (nopMetrics) ValidationDenied(string)       {}
func (nopMetrics) CallFinished(calls.CallType)   {}
func (nopMetrics) ConnectionTimedOut()           {}

// Options configure a Registry.
type Options struct {
	// Calls builds each caller's Manager. Its Metrics field is replaced by
	// Options.Metrics.
	Calls calls.Dependencies

	// Reachability hands out the connectivity source for each caller.
	Reachability connection.Source

	// Redis holds the cross-instance active call slot. Nil keeps the
	// one-call-per-caller rule local to this process.
	Redis redis.Scripter

	Audit   Auditor
	Metrics Metrics
	Logger  *slog.Logger

	// SyncInterval is the billing tick period. Zero means 15s.
	SyncInterval time.Duration
	// SlotTTL bounds how long a crashed instance keeps a caller's slot.
	// Zero means four sync intervals, at least a minute.
	SlotTTL time.Duration

	Clock          func() time.Time
	NewTicker      func(time.Duration) connection.Ticker
	MonitorOptions []connection.Option
}

// Registry owns the calls of every caller on this instance: the validated
// managers waiting to start and the running sessions.
type Registry struct {
	deps      calls.Dependencies
	reach     connection.Source
	rdb       redis.Scripter
	audit     Auditor
	metrics   Metrics
	log       *slog.Logger
	interval  time.Duration
	slotTTL   time.Duration
	clock     func() time.Time
	newTicker func(time.Duration) connection.Ticker
	monOpts   []connection.Option

	// base outlives requests; forced ends and slot releases run on it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	validated map[string]*calls.Manager
	active    map[string]*Session
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		deps:      opts.Calls,
		reach:     opts.Reachability,
		rdb:       opts.Redis,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		log:       logger.OrDiscard(opts.Logger),
		interval:  opts.SyncInterval,
		slotTTL:   opts.SlotTTL,
		clock:     opts.Clock,
		newTicker: opts.NewTicker,
		monOpts:   opts.MonitorOptions,
		validated: map[string]*calls.Manager{},
		active:    map[string]*Session{},
	}
	if r.metrics == nil {
		r.metrics = nopMetrics{}
	}
	if r.interval <= 0 {
		r.interval = defaultInterval
	}
	if r.slotTTL <= 0 {
		r.slotTTL = max(4*r.interval, minSlotTTL)
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.newTicker == nil {
		r.newTicker = connection.NewTicker
	}
	r.deps.Metrics = r.metrics
	r.deps.Logger = r.log
	if r.deps.Clock == nil {
		r.deps.Clock = r.clock
	}
	r.base, r.cancel = context.WithCancel(context.Background())
	return r
}

// Validate checks that callerID can afford a call with hostID and keeps the
// validated manager until Start. A caller with a running call is refused.
func (r *Registry) Validate(ctx context.Context, callerID, hostID string, isVideo bool) (calls.ValidationResult, error) {
	r.mu.Lock()
	if _, busy := r.active[callerID]; busy {
		r.mu.Unlock()
		return calls.ValidationResult{Error: ErrCallInProgress.Error()}, ErrCallInProgress
	}
	mgr := r.validated[callerID]
	if mgr == nil {
		mgr = calls.NewManager(r.deps)
		r.validated[callerID] = mgr
	}
	r.mu.Unlock()

	res := mgr.ValidateCall(ctx, callerID, hostID, isVideo)
	if !res.Valid {
		r.mu.Lock()
		if r.validated[callerID] == mgr && mgr.State() != calls.StateValidated {
			delete(r.validated, callerID)
		}
		r.mu.Unlock()
	}
	return res, nil
}

type StartRequest struct {
	CallerID     string
	HostID       string
	StreamCallID string
	IsVideo      bool
}

// Start begins billing the validated call and starts its runner.
func (r *Registry) Start(ctx context.Context, actor audit.Actor, req StartRequest) (calls.StartResult, error) {
	r.mu.Lock()
	if _, busy := r.active[req.CallerID]; busy {
		r.mu.Unlock()
		return calls.StartResult{Error: ErrCallInProgress.Error()}, ErrCallInProgress
	}
	mgr := r.validated[req.CallerID]
	if mgr == nil {
		r.mu.Unlock()
		return calls.StartResult{Error: calls.ErrNotValidated.Error()}, calls.ErrNotValidated
	}
	// Claimed; concurrent starts for the same caller see no manager.
	delete(r.validated, req.CallerID)
	r.mu.Unlock()

	putBack := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.validated[req.CallerID]; !ok && mgr.State() == calls.StateValidated {
			r.validated[req.CallerID] = mgr
		}
	}

	ok, err := r.acquireSlot(ctx, req.CallerID)
	if err != nil {
		putBack()
		r.log.Error("session: acquire call slot failed", "caller_id", req.CallerID, "err", err)
		return calls.StartResult{Error: "failed to reserve call slot"}, err
	}
	if !ok {
		putBack()
		return calls.StartResult{Error: ErrCallInProgress.Error()}, ErrCallInProgress
	}

	res := mgr.StartCall(ctx, req.CallerID, req.HostID, req.StreamCallID, req.IsVideo)
	if !res.Success {
		r.releaseSlot(req.CallerID)
		putBack()
		return res, nil
	}

	s := r.newSession(mgr, req, res.CallRecordID)

	r.mu.Lock()
	r.active[req.CallerID] = s
	r.mu.Unlock()

	r.wg.Add(1)
	go s.run(r.base)

	if r.audit != nil {
		if err := r.audit.LogCallStarted(ctx, actor, req.CallerID, req.HostID, res.CallRecordID, string(s.startType)); err != nil {
			r.log.Warn("session: audit start failed", "caller_id", req.CallerID, "err", err)
		}
	}
	return res, nil
}

func (r *Registry) newSession(mgr *calls.Manager, req StartRequest, recordID string) *Session {
	s := &Session{
		reg:       r,
		log:       r.log.With("caller_id", req.CallerID, "call_record_id", recordID),
		callerID:  req.CallerID,
		hostID:    req.HostID,
		recordID:  recordID,
		startType: mgr.CurrentType(),
		mgr:       mgr,
		ticker:    r.newTicker(r.interval),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		timedOut:  make(chan struct{}, 1),
		conn:      connection.ConnectionState{IsConnected: true},
	}

	if r.reach == nil {
		return s
	}
	p, _ := mgr.Pricing()
	timeout := time.Duration(p.ReconnectionTimeoutSeconds) * time.Second
	mon := connection.NewMonitor(r.reach.For(req.CallerID), timeout, r.monOpts...)
	if err := mon.Start(s.onConnection); err != nil {
		// Billing still ends the call when the balance runs out.
		s.log.Error("session: connection monitor unavailable", "err", err)
		return s
	}
	s.monitor = mon
	return s
}

// Switch changes the running call's type.
func (r *Registry) Switch(ctx context.Context, actor audit.Actor, callerID string, isVideo bool) (calls.SwitchResult, error) {
	s := r.Get(callerID)
	if s == nil {
		return calls.SwitchResult{Error: ErrNoSession.Error()}, ErrNoSession
	}
	return s.switchType(context.WithoutCancel(ctx), actor, isVideo), nil
}

// Sync runs an out-of-band billing sync for the running call.
func (r *Registry) Sync(ctx context.Context, callerID string) (calls.SyncResult, error) {
	s := r.Get(callerID)
	if s == nil {
		return calls.SyncResult{Error: ErrNoSession.Error(), Err: ErrNoSession}, ErrNoSession
	}
	return s.sync(context.WithoutCancel(ctx)), nil
}

// End settles the caller's running call. Settlement is not cut short when
// the request is canceled.
func (r *Registry) End(ctx context.Context, actor audit.Actor, callerID string, reason calls.EndReason) (calls.EndResult, error) {
	s := r.Get(callerID)
	if s == nil {
		return calls.EndResult{Error: ErrNoSession.Error(), Reason: reason}, ErrNoSession
	}
	return s.end(context.WithoutCancel(ctx), actor, reason, false), nil
}

// Status reports the running call's billing and connectivity.
func (r *Registry) Status(callerID string) (Status, error) {
	s := r.Get(callerID)
	if s == nil {
		return Status{}, ErrNoSession
	}
	st, ok := s.status()
	if !ok {
		return Status{}, ErrNoSession
	}
	return st, nil
}

func (r *Registry) Get(callerID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[callerID]
}

// Active is the number of running calls on this instance.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Shutdown settles every running call and waits for the runners to exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	running := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		running = append(running, s)
	}
	r.validated = map[string]*calls.Manager{}
	r.mu.Unlock()

	for _, s := range running {
		s.end(r.base, audit.Actor{}, calls.EndReasonServerShutdown, true)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	defer r.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish runs once per session after settlement.
func (r *Registry) finish(ctx context.Context, s *Session, actor audit.Actor, forced bool) {
	r.mu.Lock()
	if r.active[s.callerID] == s {
		delete(r.active, s.callerID)
	}
	r.mu.Unlock()

	r.releaseSlot(s.callerID)
	r.metrics.CallFinished(s.startType)

	if r.audit == nil {
		return
	}
	res := s.result
	if !res.Success {
		return
	}
	if err := r.audit.LogCallEnded(ctx, actor, audit.CallEnd{
		CallerID:        s.callerID,
		HostID:          s.hostID,
		CallRecordID:    res.CallRecordID,
		Reason:          string(res.Reason),
		CoinsSpent:      res.CoinsSpent,
		DurationSeconds: res.DurationSeconds,
		Forced:          forced,
	}); err != nil {
		s.log.Warn("session: audit end failed", "err", err)
	}
}

func (r *Registry) auditSwitched(ctx context.Context, actor audit.Actor, s *Session, from, to calls.CallType) {
	if r.audit == nil {
		return
	}
	if err := r.audit.LogCallSwitched(ctx, actor, s.callerID, s.recordID, string(from), string(to)); err != nil {
		s.log.Warn("session: audit switch failed", "err", err)
	}
}

func (r *Registry) acquireSlot(ctx context.Context, callerID string) (bool, error) {
	if r.rdb == nil {
		return true, nil
	}
	return utils.AcquireConcurrencyCap(ctx, r.rdb, utils.ConcurrencyCapKey(slotScope, callerID), 1, r.slotTTL)
}

func (r *Registry) refreshSlot(ctx context.Context, callerID string) {
	if r.rdb == nil {
		return
	}
	ok, err := utils.RefreshConcurrencyCap(ctx, r.rdb, utils.ConcurrencyCapKey(slotScope, callerID), r.slotTTL)
	if err != nil {
		r.log.Warn("session: refresh call slot failed", "caller_id", callerID, "err", err)
		return
	}
	if !ok {
		r.log.Warn("session: call slot expired", "caller_id", callerID)
	}
}

func (r *Registry) releaseSlot(callerID string) {
	if r.rdb == nil {
		return
	}
	if err := utils.ReleaseConcurrencyCap(r.base, r.rdb, utils.ConcurrencyCapKey(slotScope, callerID)); err != nil {
		r.log.Warn("session: release call slot failed", "caller_id", callerID, "err", err)
	}
}
