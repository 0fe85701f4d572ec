package connection

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrAlreadyStarted = errors.New("connection: monitor already started")

// ConnectionState is emitted on every connectivity change and on every
// countdown tick while disconnected.
type ConnectionState struct {
	IsConnected                   bool `json:"is_connected"`
	ReconnectTimeRemainingSeconds int  `json:"reconnect_time_remaining_seconds"`
	// TimedOut is set on the final emission, when the grace period has run out.
	TimedOut bool `json:"timed_out"`
}

// Reachability reports client connectivity changes for one user.
type Reachability interface {
	Subscribe(onChange func(connected bool)) (unsubscribe func(), err error)
}

// Ticker is the subset of *time.Ticker the monitor needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTicker wraps time.NewTicker.
func NewTicker(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }

type Option func(*Monitor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithTicker overrides the countdown ticker factory.
func WithTicker(f func(time.Duration) Ticker) Option {
	return func(m *Monitor) { m.newTicker = f }
}

const tickInterval = time.Second

// Monitor watches a Reachability source and runs the reconnection countdown.
//
// The monitor never ends calls. When the grace period runs out it emits a
// final state with TimedOut set and stops itself; the owner decides what to do.
type Monitor struct {
	reach     Reachability
	now       func() time.Time
	newTicker func(time.Duration) Ticker

	mu             sync.Mutex
	timeout        time.Duration
	onStatus       func(ConnectionState)
	unsubscribe    func()
	started        bool
	stopped        bool
	disconnectedAt time.Time
	// countdown is non-nil while disconnected; closing it ends the tick loop.
	countdown chan struct{}
}

func NewMonitor(reach Reachability, timeout time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		reach:     reach,
		timeout:   max(timeout, 0),
		now:       time.Now,
		newTicker: NewTicker,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start subscribes to reachability changes. onStatus may be called from any
// goroutine and must not block.
func (m *Monitor) Start(onStatus func(ConnectionState)) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.onStatus = onStatus
	m.mu.Unlock()

	unsub, err := m.reach.Subscribe(m.handle)
	if err != nil {
		m.Stop()
		return fmt.Errorf("connection: subscribe: %w", err)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		unsub()
		return nil
	}
	m.unsubscribe = unsub
	m.mu.Unlock()
	return nil
}

// Stop unsubscribes and cancels any countdown. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.clearCountdownLocked()
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// UpdateTimeout changes the grace period. A running countdown is re-evaluated
// against the new value right away.
func (m *Monitor) UpdateTimeout(seconds int) {
	m.mu.Lock()
	m.timeout = time.Duration(max(seconds, 0)) * time.Second
	cd := m.countdown
	m.mu.Unlock()

	if cd != nil {
		m.evaluate(cd)
	}
}

// Stopped reports whether the monitor has stopped, including after a timeout.
func (m *Monitor) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *Monitor) handle(connected bool) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if connected {
		m.clearCountdownLocked()
		emit := m.onStatus
		m.mu.Unlock()
		emit(ConnectionState{IsConnected: true})
		return
	}
	if m.countdown != nil {
		// Already counting from the first disconnect.
		m.mu.Unlock()
		return
	}
	cd := make(chan struct{})
	m.countdown = cd
	m.disconnectedAt = m.now()
	t := m.newTicker(tickInterval)
	m.mu.Unlock()

	if m.evaluate(cd) {
		t.Stop()
		return
	}
	go m.run(t, cd)
}

func (m *Monitor) run(t Ticker, cd chan struct{}) {
	defer t.Stop()
	for {
		select {
		case <-cd:
			return
		case <-t.C():
			if m.evaluate(cd) {
				return
			}
		}
	}
}

// evaluate emits the countdown state for cd and reports whether the countdown
// is over, either because it timed out or because it was superseded.
func (m *Monitor) evaluate(cd chan struct{}) bool {
	m.mu.Lock()
	if m.stopped || m.countdown != cd {
		m.mu.Unlock()
		return true
	}
	remaining := m.timeout - m.now().Sub(m.disconnectedAt)
	if remaining < 0 {
		remaining = 0
	}
	state := ConnectionState{ReconnectTimeRemainingSeconds: ceilSeconds(remaining)}
	if remaining == 0 {
		state.TimedOut = true
	}
	emit := m.onStatus
	m.mu.Unlock()

	emit(state)
	if state.TimedOut {
		m.Stop()
		return true
	}
	return false
}

func (m *Monitor) clearCountdownLocked() {
	if m.countdown != nil {
		close(m.countdown)
		m.countdown = nil
	}
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
