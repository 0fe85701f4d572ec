// Package session runs active calls: it drives the billing tick, watches the
// caller's connectivity and ends the call when the balance, the connection or
// the wallet gives out.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"paycall/internal/audit"
	"paycall/internal/calls"
	"paycall/internal/connection"
	"paycall/internal/pricing"

	"github.com/shopspring/decimal"
)

// Status is what a client polls while its call is running.
type Status struct {
	CallRecordID     string                     `json:"call_record_id"`
	Type             calls.CallType             `json:"type"`
	Billing          calls.Snapshot             `json:"billing"`
	CoinsRemaining   decimal.Decimal            `json:"coins_remaining"`
	SecondsRemaining int64                      `json:"seconds_remaining"`
	LowBalance       bool                       `json:"low_balance"`
	Connection       connection.ConnectionState `json:"connection"`
}

// Session is one running call. All end paths, forced or not, go through end
// and settle exactly once.
type Session struct {
	reg *Registry
	log *slog.Logger

	callerID  string
	hostID    string
	recordID  string
	startType calls.CallType

	mgr     *calls.Manager
	monitor *connection.Monitor
	ticker  connection.Ticker

	stop     chan struct{}
	done     chan struct{}
	timedOut chan struct{}

	endOnce sync.Once
	result  calls.EndResult

	mu   sync.Mutex
	conn connection.ConnectionState
}

func (s *Session) CallerID() string     { return s.callerID }
func (s *Session) CallRecordID() string { return s.recordID }

// Done is closed once the call has been settled.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result is the settlement outcome. It is only meaningful after Done.
func (s *Session) Result() calls.EndResult {
	<-s.done
	return s.result
}

// onConnection is called by the monitor outside its locks. It must not block.
func (s *Session) onConnection(st connection.ConnectionState) {
	s.mu.Lock()
	s.conn = st
	s.mu.Unlock()

	if !st.IsConnected {
		s.log.Debug("session: client offline", "reconnect_seconds", st.ReconnectTimeRemainingSeconds)
	}
	if st.TimedOut {
		select {
		case s.timedOut <- struct{}{}:
		default:
		}
	}
}

func (s *Session) run(ctx context.Context) {
	defer s.reg.wg.Done()
	defer s.ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.timedOut:
			s.reg.metrics.ConnectionTimedOut()
			s.end(ctx, audit.Actor{}, calls.EndReasonConnectionTimeout, true)
			return
		case <-s.ticker.C():
			if reason, ok := s.tick(ctx); ok {
				s.end(ctx, audit.Actor{}, reason, true)
				return
			}
		}
	}
}

// tick syncs billing and reports whether the call must be ended.
func (s *Session) tick(ctx context.Context) (calls.EndReason, bool) {
	tr := s.mgr.Tick(ctx, s.reg.clock())
	if !tr.Active {
		return "", false
	}

	s.reg.refreshSlot(ctx, s.callerID)

	switch {
	case tr.Expired:
		return calls.EndReasonBalanceExhausted, true
	case !tr.Billing.Success && errors.Is(tr.Billing.Err, calls.ErrInsufficientFundsForSync):
		return calls.EndReasonBillingFailed, true
	}
	if tr.LowBalance {
		s.log.Debug("session: low balance", "seconds_remaining", tr.SecondsRemaining)
	}
	return "", false
}

// end stops the runner and settles the call. Concurrent callers wait for the
// first settlement and all get its result.
func (s *Session) end(ctx context.Context, actor audit.Actor, reason calls.EndReason, forced bool) calls.EndResult {
	s.endOnce.Do(func() {
		close(s.stop)
		if s.monitor != nil {
			s.monitor.Stop()
		}
		s.result = s.mgr.EndCall(ctx, s.callerID, reason)
		if forced {
			s.log.Info("session: call ended by server", "reason", reason, "success", s.result.Success)
		}
		s.reg.finish(ctx, s, actor, forced)
		close(s.done)
	})
	return s.result
}

func (s *Session) switchType(ctx context.Context, actor audit.Actor, isVideo bool) calls.SwitchResult {
	from := s.mgr.CurrentType()
	res := s.mgr.SwitchCallType(ctx, isVideo)
	switch {
	case res.Success && res.Type != from:
		s.reg.auditSwitched(ctx, actor, s, from, res.Type)
	case !res.Success && errors.Is(res.Billing.Err, calls.ErrInsufficientFundsForSync):
		s.end(ctx, audit.Actor{}, calls.EndReasonBillingFailed, true)
	}
	return res
}

func (s *Session) sync(ctx context.Context) calls.SyncResult {
	res := s.mgr.SyncIncrementalBilling(ctx, s.reg.clock())
	if !res.Success && errors.Is(res.Err, calls.ErrInsufficientFundsForSync) {
		s.end(ctx, audit.Actor{}, calls.EndReasonBillingFailed, true)
	}
	return res
}

func (s *Session) status() (Status, bool) {
	snap, ok := s.mgr.GetBillingSnapshot()
	if !ok {
		return Status{}, false
	}
	p, _ := s.mgr.Pricing()
	typ := s.mgr.CurrentType()
	remaining := s.mgr.GetCoinsRemaining()
	secs := pricing.MaxDurationSeconds(remaining, p.RateFor(typ))

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	return Status{
		CallRecordID:     s.recordID,
		Type:             typ,
		Billing:          snap,
		CoinsRemaining:   remaining,
		SecondsRemaining: secs,
		LowBalance:       secs <= int64(p.WarningThresholdSeconds),
		Connection:       conn,
	}, true
}
