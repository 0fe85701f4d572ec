package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"paycall/internal/pricing"
	"paycall/internal/wallet"
	"paycall/pkg/logger"

	"github.com/shopspring/decimal"
)

var (
	ErrNoActiveCall             = errors.New("no active call")
	ErrNotValidated             = errors.New("call has not been validated")
	ErrCallerMismatch           = errors.New("call belongs to a different caller")
	ErrInsufficientFundsForSync = errors.New("insufficient wallet balance for incremental billing")
)

const (
	msgValidateFailed = "failed to validate call"
	msgStartFailed    = "failed to start call"
	msgSwitchFailed   = "failed to switch call type"
	msgSyncFailed     = "failed to sync billing"
	msgEndFailed      = "failed to end call"
)

// Recorder receives billing events for metrics. A nil Recorder is allowed.
type Recorder interface {
	CallStarted(t CallType)
	CallEnded(reason EndReason)
	CoinsDebited(coins decimal.Decimal)
	CoinsCredited(coins decimal.Decimal)
	SyncFailed(kind string)
	ValidationDenied(reason string)
}

type nopRecorder struct{}

func (nopRecorder) CallStarted(CallType)          {}
func (nopRecorder) CallEnded(EndReason)           {}
func (nopRecorder) CoinsDebited(decimal.Decimal)  {}
func (nopRecorder) CoinsCredited(decimal.Decimal) {}
func (nopRecorder) SyncFailed(string)             {}
func (nopRecorder) ValidationDenied(string)       {}

// Dependencies are the collaborators a Manager is built from.
type Dependencies struct {
	Wallet       WalletStore
	Records      CallRecordStore
	Pricing      PricingSource
	Transactions TransactionLog

	Logger  *slog.Logger
	Metrics Recorder
	// Clock defaults to time.Now.
	Clock func() time.Time
}

type ValidationResult struct {
	Valid              bool                  `json:"valid"`
	Error              string                `json:"error,omitempty"`
	MaxDurationSeconds int64                 `json:"max_duration_seconds,omitempty"`
	Pricing            pricing.PricingConfig `json:"pricing"`
	WalletBalance      decimal.Decimal       `json:"wallet_balance"`
}

type StartResult struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	CallRecordID string `json:"call_record_id,omitempty"`
}

type SyncResult struct {
	Success       bool            `json:"success"`
	Error         string          `json:"error,omitempty"`
	CoinsDeducted decimal.Decimal `json:"coins_deducted"`

	// Err carries the cause for errors.Is checks; it is not serialized.
	Err error `json:"-"`
}

type SwitchResult struct {
	Success bool       `json:"success"`
	Error   string     `json:"error,omitempty"`
	Type    CallType   `json:"type,omitempty"`
	Billing SyncResult `json:"billing"`
}

type TickResult struct {
	Active           bool            `json:"active"`
	Billing          SyncResult      `json:"billing"`
	CoinsRemaining   decimal.Decimal `json:"coins_remaining"`
	SecondsRemaining int64           `json:"seconds_remaining"`
	LowBalance       bool            `json:"low_balance"`
	Expired          bool            `json:"expired"`
}

type EndResult struct {
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	CoinsSpent      int64     `json:"coins_spent"`
	DurationSeconds int64     `json:"duration_seconds"`
	Reason          EndReason `json:"reason,omitempty"`
	CallRecordID    string    `json:"call_record_id,omitempty"`
}

// session is the state of the one call a Manager owns.
type session struct {
	callerID     string
	hostID       string
	recordID     string
	streamCallID string

	available   decimal.Decimal
	pricing     pricing.PricingConfig
	currentType CallType
	ledger      Ledger

	// debited is the whole-coin total already taken from the wallet.
	// It never decreases while the call is active.
	debited   decimal.Decimal
	startedAt time.Time
}

// Manager runs the billing lifecycle of a single call:
// validate, start, any number of switches and syncs, then end.
//
// Mutating operations are serialized by billing. SyncIncrementalBilling
// refuses to queue behind an in-flight operation and reports a no-op instead,
// so a timer tick can never double-debit. mu guards session reads, which may
// run while a wallet call is in flight. Lock order is billing, then mu.
type Manager struct {
	wallet  WalletStore
	records CallRecordStore
	pricing PricingSource
	txlog   TransactionLog
	log     *slog.Logger
	metrics Recorder
	clock   func() time.Time

	billing sync.Mutex

	mu    sync.Mutex
	state State
	s     session
}

func NewManager(deps Dependencies) *Manager {
	m := &Manager{
		wallet:  deps.Wallet,
		records: deps.Records,
		pricing: deps.Pricing,
		txlog:   deps.Transactions,
		log:     logger.OrDiscard(deps.Logger),
		metrics: deps.Metrics,
		clock:   deps.Clock,
		state:   StateIdle,
	}
	if m.metrics == nil {
		m.metrics = nopRecorder{}
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	return m
}

// ValidateCall checks that callerID can afford at least the minimum duration
// with hostID and prepares a session. Any previous session is discarded.
func (m *Manager) ValidateCall(ctx context.Context, callerID, hostID string, isVideo bool) (res ValidationResult) {
	m.billing.Lock()
	defer m.billing.Unlock()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("calls: validate panicked", "caller_id", callerID, "panic", r)
			m.reset(StateIdle)
			res = ValidationResult{Error: msgValidateFailed}
		}
	}()

	if prev := m.State(); prev == StateActive {
		m.log.Warn("calls: validate discards active call", "caller_id", callerID, "call_record_id", m.recordID())
	}
	m.reset(StateIdle)

	if callerID == "" || hostID == "" {
		m.metrics.ValidationDenied("invalid_request")
		return ValidationResult{Error: "caller_id and host_id are required"}
	}

	balance, err := m.wallet.GetBalance(ctx, callerID)
	if err != nil {
		m.log.Error("calls: wallet lookup failed", "caller_id", callerID, "err", err)
		m.metrics.ValidationDenied("lookup_failed")
		return ValidationResult{Error: msgValidateFailed}
	}
	p, err := m.pricing.ResolveForHost(ctx, hostID)
	if err != nil {
		m.log.Error("calls: pricing lookup failed", "caller_id", callerID, "host_id", hostID, "err", err)
		m.metrics.ValidationDenied("lookup_failed")
		return ValidationResult{Error: msgValidateFailed}
	}

	t := pricing.CallTypeFor(isVideo)
	rate := p.RateFor(t)
	if elig := pricing.CanStartCall(balance, rate, p.MinimumDurationSeconds); !elig.Allowed {
		kind := "insufficient_balance"
		if elig.Reason == pricing.ReasonInvalidPricing {
			kind = "invalid_pricing"
		}
		m.metrics.ValidationDenied(kind)
		return ValidationResult{Error: elig.Reason, Pricing: p, WalletBalance: balance}
	}

	m.mu.Lock()
	m.s = session{
		callerID:    callerID,
		hostID:      hostID,
		available:   balance,
		pricing:     p,
		currentType: t,
		debited:     decimal.Zero,
	}
	m.state = StateValidated
	m.mu.Unlock()

	return ValidationResult{
		Valid:              true,
		MaxDurationSeconds: pricing.MaxDurationSeconds(balance, rate),
		Pricing:            p,
		WalletBalance:      balance,
	}
}

// StartCall creates the call record and opens the first segment.
// A record creation failure leaves the validated session untouched.
func (m *Manager) StartCall(ctx context.Context, callerID, hostID, streamCallID string, isVideo bool) (res StartResult) {
	m.billing.Lock()
	defer m.billing.Unlock()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("calls: start panicked", "caller_id", callerID, "panic", r)
			m.reset(StateIdle)
			res = StartResult{Error: msgStartFailed}
		}
	}()

	m.mu.Lock()
	state, s := m.state, m.s
	m.mu.Unlock()

	if state != StateValidated {
		return StartResult{Error: ErrNotValidated.Error()}
	}
	if callerID != s.callerID || hostID != s.hostID {
		return StartResult{Error: ErrCallerMismatch.Error()}
	}

	t := pricing.CallTypeFor(isVideo)
	if t != s.currentType {
		// Validated for the other type; the balance must cover this one too.
		if elig := pricing.CanStartCall(s.available, s.pricing.RateFor(t), s.pricing.MinimumDurationSeconds); !elig.Allowed {
			return StartResult{Error: elig.Reason}
		}
	}

	now := m.clock()
	id, err := m.records.Create(ctx, CallRecord{
		CallerID:     callerID,
		HostID:       hostID,
		StreamCallID: streamCallID,
		Type:         t,
		Status:       RecordStatusActive,
		StartedAt:    now,
	})
	if err != nil {
		m.log.Error("calls: create call record failed", "caller_id", callerID, "host_id", hostID, "err", err)
		return StartResult{Error: "failed to create call record"}
	}

	m.mu.Lock()
	m.s.recordID = id
	m.s.streamCallID = streamCallID
	m.s.currentType = t
	m.s.startedAt = now
	m.s.debited = decimal.Zero
	m.s.ledger.Reset()
	_ = m.s.ledger.Open(t, now)
	m.state = StateActive
	m.mu.Unlock()

	m.metrics.CallStarted(t)
	m.log.Info("calls: started", "caller_id", callerID, "host_id", hostID, "call_record_id", id, "type", t)
	return StartResult{Success: true, CallRecordID: id}
}

// SwitchCallType bills the current segment up to now, then continues the call
// at the other type's rate. A failed sync leaves the type unchanged.
func (m *Manager) SwitchCallType(ctx context.Context, isVideo bool) (res SwitchResult) {
	m.billing.Lock()
	defer m.billing.Unlock()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("calls: switch panicked", "panic", r)
			res = SwitchResult{Error: msgSwitchFailed}
		}
	}()

	t := pricing.CallTypeFor(isVideo)

	m.mu.Lock()
	state, cur := m.state, m.s.currentType
	m.mu.Unlock()
	if state != StateActive {
		return SwitchResult{Error: ErrNoActiveCall.Error()}
	}
	if t == cur {
		return SwitchResult{Success: true, Type: t, Billing: SyncResult{Success: true}}
	}

	now := m.clock()
	billing := m.syncLocked(ctx, now)
	if !billing.Success {
		return SwitchResult{Error: billing.Error, Type: cur, Billing: billing}
	}

	m.mu.Lock()
	m.s.ledger.Switch(t, now)
	m.s.currentType = t
	id, callerID := m.s.recordID, m.s.callerID
	m.mu.Unlock()

	if err := m.records.UpdateType(ctx, id, t); err != nil {
		m.log.Warn("calls: update call type failed", "caller_id", callerID, "call_record_id", id, "err", err)
	}
	m.log.Info("calls: switched", "caller_id", callerID, "call_record_id", id, "type", t)
	return SwitchResult{Success: true, Type: t, Billing: billing}
}

// SyncIncrementalBilling debits whatever is owed for minutes started up to at
// and not yet debited. If another billing operation is in flight it returns
// success with nothing deducted.
func (m *Manager) SyncIncrementalBilling(ctx context.Context, at time.Time) (res SyncResult) {
	if !m.billing.TryLock() {
		return SyncResult{Success: true, CoinsDeducted: decimal.Zero}
	}
	defer m.billing.Unlock()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("calls: sync panicked", "panic", r)
			res = SyncResult{Error: msgSyncFailed, Err: fmt.Errorf("calls: sync panicked: %v", r)}
		}
	}()
	return m.syncLocked(ctx, at)
}

// syncLocked requires billing to be held.
func (m *Manager) syncLocked(ctx context.Context, at time.Time) SyncResult {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return SyncResult{Error: ErrNoActiveCall.Error(), Err: ErrNoActiveCall}
	}
	s := &m.s
	due := s.ledger.CoinsDueForStartedMinutes(at, s.pricing).Ceil()
	incremental := due.Sub(s.debited)
	available, debited := s.available, s.debited
	callerID, recordID := s.callerID, s.recordID
	duration := s.ledger.Snapshot(at, s.pricing).TotalDurationSeconds
	m.mu.Unlock()

	if !incremental.IsPositive() {
		return SyncResult{Success: true, CoinsDeducted: decimal.Zero}
	}
	if available.Sub(debited).LessThan(incremental) {
		m.metrics.SyncFailed("insufficient_funds")
		m.log.Warn("calls: incremental billing blocked", "caller_id", callerID, "call_record_id", recordID,
			"owed", incremental.String(), "available", available.Sub(debited).String())
		return SyncResult{Error: ErrInsufficientFundsForSync.Error(), Err: ErrInsufficientFundsForSync}
	}

	if err := m.records.UpdateProgress(ctx, recordID, Progress{
		DurationSeconds: duration,
		CoinsSpent:      debited.Add(incremental),
	}); err != nil {
		m.log.Warn("calls: progress update failed", "caller_id", callerID, "call_record_id", recordID, "err", err)
	}

	deducted, err := m.debit(ctx, callerID, recordID, debited, incremental)
	if deducted.IsPositive() {
		m.mu.Lock()
		m.s.debited = m.s.debited.Add(deducted)
		m.mu.Unlock()
		m.metrics.CoinsDebited(deducted)
	}
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			m.metrics.SyncFailed("insufficient_funds")
			return SyncResult{Error: ErrInsufficientFundsForSync.Error(), CoinsDeducted: deducted, Err: ErrInsufficientFundsForSync}
		}
		m.metrics.SyncFailed("wallet")
		m.log.Error("calls: incremental debit failed", "caller_id", callerID, "call_record_id", recordID, "err", err)
		return SyncResult{Error: "failed to debit wallet", CoinsDeducted: deducted, Err: fmt.Errorf("debit wallet: %w", err)}
	}

	m.log.Debug("calls: incremental debit", "caller_id", callerID, "call_record_id", recordID, "coins", deducted.String())
	return SyncResult{Success: true, CoinsDeducted: deducted}
}

// debit takes owed coins from the wallet. Each request is keyed by the total
// already debited before it, so a debit that committed but whose reply was
// lost is replayed rather than applied twice. A replay may cover less than
// owed; the remainder goes out under the next key.
func (m *Manager) debit(ctx context.Context, callerID, recordID string, debited, owed decimal.Decimal) (decimal.Decimal, error) {
	deducted := decimal.Zero
	for owed.IsPositive() {
		adj, err := m.wallet.AdjustBalance(ctx, callerID, owed.Neg(), debitKey(recordID, debited))
		if err != nil {
			return deducted, err
		}
		got := adj.Amount.Neg()
		if adj.Replayed {
			m.log.Info("calls: debit replayed", "caller_id", callerID, "call_record_id", recordID, "coins", got.String())
		}
		deducted = deducted.Add(got)
		debited = debited.Add(got)
		owed = owed.Sub(got)
		if !adj.Replayed || !got.IsPositive() {
			break
		}
	}
	return deducted, nil
}

// settle moves the wallet from debited to target for the call and returns the
// total the wallet holds afterwards. A debit replayed from a lost final sync
// can overshoot target; the excess is credited back.
func (m *Manager) settle(ctx context.Context, callerID, recordID string, debited, target decimal.Decimal) (decimal.Decimal, error) {
	if owed := target.Sub(debited); owed.IsPositive() {
		got, err := m.debit(ctx, callerID, recordID, debited, owed)
		debited = debited.Add(got)
		if got.IsPositive() {
			m.metrics.CoinsDebited(got)
		}
		if err != nil {
			return debited, err
		}
	}
	if over := debited.Sub(target); over.IsPositive() {
		adj, err := m.wallet.AdjustBalance(ctx, callerID, over, settleKey(recordID))
		if err != nil {
			return debited, err
		}
		debited = debited.Sub(adj.Amount)
		m.metrics.CoinsCredited(adj.Amount)
	}
	return debited, nil
}

func debitKey(recordID string, debitedBefore decimal.Decimal) string {
	return recordID + ":debit:" + debitedBefore.String()
}

func settleKey(recordID string) string { return recordID + ":settle" }

// Tick is the periodic driver for an active call: it syncs billing at at and
// reports how much call time the remaining balance still buys.
func (m *Manager) Tick(ctx context.Context, at time.Time) TickResult {
	billing := m.SyncIncrementalBilling(ctx, at)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return TickResult{Billing: billing}
	}

	remaining := m.coinsRemainingLocked(at)
	secs := pricing.MaxDurationSeconds(remaining, m.s.pricing.RateFor(m.s.currentType))
	return TickResult{
		Active:           true,
		Billing:          billing,
		CoinsRemaining:   remaining,
		SecondsRemaining: secs,
		LowBalance:       secs <= int64(m.s.pricing.WarningThresholdSeconds),
		Expired:          secs == 0,
	}
}

// EndCall closes the call at now and settles it: a final sync, then the
// difference between the rounded total and what was already debited is
// debited or credited back. The manager is reset whatever the outcome.
func (m *Manager) EndCall(ctx context.Context, callerID string, reason EndReason) (res EndResult) {
	m.billing.Lock()
	defer m.billing.Unlock()

	m.mu.Lock()
	state, owner := m.state, m.s.callerID
	m.mu.Unlock()
	if state != StateActive {
		return EndResult{Error: ErrNoActiveCall.Error(), Reason: reason}
	}
	if callerID != "" && callerID != owner {
		return EndResult{Error: ErrCallerMismatch.Error(), Reason: reason}
	}

	defer m.reset(StateEnded)
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("calls: end panicked", "caller_id", owner, "panic", r)
			res = EndResult{Error: msgEndFailed, Reason: reason}
		}
	}()

	if !reason.Valid() {
		reason = EndReasonUserHangup
	}

	now := m.clock()
	m.mu.Lock()
	m.s.ledger.CloseOpen(now)
	m.mu.Unlock()

	if final := m.syncLocked(ctx, now); !final.Success {
		m.log.Warn("calls: final sync failed", "caller_id", owner, "err", final.Error)
	}

	m.mu.Lock()
	s := m.s
	snap := s.ledger.Snapshot(now, s.pricing)
	m.mu.Unlock()

	outstanding := decimal.NewFromInt(snap.CoinsSpentRounded).Sub(s.debited)
	if left := s.available.Sub(s.debited).Floor(); outstanding.GreaterThan(left) {
		m.log.Warn("calls: settlement capped at remaining balance", "caller_id", s.callerID, "call_record_id", s.recordID,
			"owed", outstanding.String(), "available", left.String())
		outstanding = decimal.Max(left, decimal.Zero)
	}

	// On a failed settlement the record and history still carry what the
	// wallet actually holds for this call.
	spent, settleErr := m.settle(ctx, s.callerID, s.recordID, s.debited, s.debited.Add(outstanding))
	if settleErr != nil {
		m.metrics.SyncFailed("settlement")
		m.log.Error("calls: settlement failed", "caller_id", s.callerID, "call_record_id", s.recordID,
			"owed", outstanding.String(), "err", settleErr)
	}

	if err := m.records.Finalize(ctx, s.recordID, Final{
		DurationSeconds: snap.TotalDurationSeconds,
		CoinsSpent:      spent,
		AudioSeconds:    snap.AudioSeconds.Round(0).IntPart(),
		VideoSeconds:    snap.VideoSeconds.Round(0).IntPart(),
		Segments:        segmentRecords(snap),
		EndReason:       reason,
		EndedAt:         now,
	}); err != nil {
		m.log.Warn("calls: finalize call record failed", "caller_id", s.callerID, "call_record_id", s.recordID, "err", err)
	}

	if err := m.txlog.Record(ctx, wallet.Transaction{
		UserID:      s.callerID,
		Type:        wallet.TransactionTypeCall,
		Amount:      spent.Neg(),
		Description: describeCall(snap.AudioSeconds, snap.VideoSeconds),
		Reference:   s.recordID,
		CreatedAt:   now,
	}); err != nil {
		m.log.Warn("calls: transaction log failed", "caller_id", s.callerID, "call_record_id", s.recordID, "err", err)
	}

	m.metrics.CallEnded(reason)
	if settleErr != nil {
		return EndResult{
			Error:           "failed to settle call",
			CoinsSpent:      spent.IntPart(),
			DurationSeconds: snap.TotalDurationSeconds,
			Reason:          reason,
			CallRecordID:    s.recordID,
		}
	}

	m.log.Info("calls: ended", "caller_id", s.callerID, "call_record_id", s.recordID, "reason", reason,
		"coins_spent", spent.String(), "duration_seconds", snap.TotalDurationSeconds)

	return EndResult{
		Success:         true,
		CoinsSpent:      spent.IntPart(),
		DurationSeconds: snap.TotalDurationSeconds,
		Reason:          reason,
		CallRecordID:    s.recordID,
	}
}

// GetBillingSnapshot returns the ledger snapshot as of now, if a call is active.
func (m *Manager) GetBillingSnapshot() (Snapshot, bool) {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return Snapshot{}, false
	}
	return m.s.ledger.Snapshot(now, m.s.pricing), true
}

// GetCoinsRemaining is the validated balance minus the exact cost so far.
func (m *Manager) GetCoinsRemaining() decimal.Decimal {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateActive:
		return m.coinsRemainingLocked(now)
	case StateValidated:
		return m.s.available
	default:
		return decimal.Zero
	}
}

func (m *Manager) coinsRemainingLocked(at time.Time) decimal.Decimal {
	spent := m.s.ledger.Snapshot(at, m.s.pricing).TotalExactCoins
	return decimal.Max(m.s.available.Sub(spent), decimal.Zero)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentType is the type of the open segment, or the validated type before start.
func (m *Manager) CurrentType() CallType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.currentType
}

// Pricing returns the pricing resolved at validation.
func (m *Manager) Pricing() (pricing.PricingConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateValidated && m.state != StateActive {
		return pricing.PricingConfig{}, false
	}
	return m.s.pricing, true
}

func (m *Manager) recordID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.recordID
}

func (m *Manager) reset(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = session{}
	m.state = to
}

func segmentRecords(snap Snapshot) []SegmentRecord {
	out := make([]SegmentRecord, 0, len(snap.Segments))
	for _, c := range snap.Segments {
		out = append(out, SegmentRecord{
			Type:            c.Type,
			StartedAt:       c.Start,
			EndedAt:         c.End,
			DurationSeconds: c.DurationSeconds.Round(0).IntPart(),
			Coins:           c.CoinsRounded,
		})
	}
	return out
}

// describeCall summarizes whole minutes per type, e.g. "Call: 2 min video, 1 min audio".
func describeCall(audioSeconds, videoSeconds decimal.Decimal) string {
	video := videoSeconds.Div(decimal.NewFromInt(60)).Floor().IntPart()
	audio := audioSeconds.Div(decimal.NewFromInt(60)).Floor().IntPart()
	switch {
	case video > 0 && audio > 0:
		return fmt.Sprintf("Call: %d min video, %d min audio", video, audio)
	case video > 0:
		return fmt.Sprintf("Call: %d min video", video)
	case audio > 0:
		return fmt.Sprintf("Call: %d min audio", audio)
	default:
		return "Call: under 1 min"
	}
}
