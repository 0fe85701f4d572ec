package calls

import (
	"errors"
	"time"

	"paycall/internal/pricing"

	"github.com/shopspring/decimal"
)

var ErrSegmentOpen = errors.New("calls: previous segment still open")

// Segment is a contiguous span of call time billed at one call type's rate.
// End is nil while the segment is open.
type Segment struct {
	Type  CallType
	Start time.Time
	End   *time.Time
}

func (s Segment) IsOpen() bool { return s.End == nil }

// Seconds returns the exact elapsed seconds of s, measuring an open segment up to at.
func (s Segment) Seconds(at time.Time) decimal.Decimal {
	end := at
	if s.End != nil {
		end = *s.End
	}
	d := end.Sub(s.Start)
	if d <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(d)).Shift(-9)
}

// SegmentCost is one segment's contribution to a Snapshot.
type SegmentCost struct {
	Type            CallType        `json:"type"`
	Start           time.Time       `json:"start"`
	End             time.Time       `json:"end"`
	DurationSeconds decimal.Decimal `json:"duration_seconds"`
	CoinsExact      decimal.Decimal `json:"coins_exact"`
	CoinsRounded    int64           `json:"coins_rounded"`
}

// Snapshot aggregates the ledger as of a reference instant.
type Snapshot struct {
	At                   time.Time       `json:"at"`
	TotalExactCoins      decimal.Decimal `json:"total_exact_coins"`
	CoinsSpentRounded    int64           `json:"coins_spent_rounded"`
	TotalDurationSeconds int64           `json:"total_duration_seconds"`
	AudioSeconds         decimal.Decimal `json:"audio_seconds"`
	VideoSeconds         decimal.Decimal `json:"video_seconds"`
	Segments             []SegmentCost   `json:"segments"`
}

// Ledger is the ordered, append-only list of billing segments for one call.
// At most one segment is open, and it is always the last one.
//
// Ledger is not safe for concurrent use; Manager guards it.
type Ledger struct {
	segments []Segment
}

// Open appends a new open segment starting at at.
func (l *Ledger) Open(t CallType, at time.Time) error {
	if n := len(l.segments); n > 0 && l.segments[n-1].IsOpen() {
		return ErrSegmentOpen
	}
	l.segments = append(l.segments, Segment{Type: t, Start: at})
	return nil
}

// CloseOpen ends the open segment at at. It reports whether a segment was closed.
func (l *Ledger) CloseOpen(at time.Time) bool {
	n := len(l.segments)
	if n == 0 || !l.segments[n-1].IsOpen() {
		return false
	}
	end := at
	l.segments[n-1].End = &end
	return true
}

// Switch closes the open segment and opens one of type t at the same instant.
// It is a no-op when t is already the open segment's type.
func (l *Ledger) Switch(t CallType, at time.Time) bool {
	cur, ok := l.Current()
	if ok && cur == t {
		return false
	}
	l.CloseOpen(at)
	// Cannot fail: CloseOpen guarantees no segment is open.
	_ = l.Open(t, at)
	return true
}

// Current returns the open segment's type.
func (l *Ledger) Current() (CallType, bool) {
	n := len(l.segments)
	if n == 0 || !l.segments[n-1].IsOpen() {
		return "", false
	}
	return l.segments[n-1].Type, true
}

func (l *Ledger) Len() int { return len(l.segments) }

// Segments returns a deep copy of the ledger.
func (l *Ledger) Segments() []Segment {
	out := make([]Segment, len(l.segments))
	for i, s := range l.segments {
		out[i] = Segment{Type: s.Type, Start: s.Start}
		if s.End != nil {
			end := *s.End
			out[i].End = &end
		}
	}
	return out
}

func (l *Ledger) Reset() { l.segments = nil }

// Snapshot computes per-segment and total cost as of at. Every segment is
// priced at its own type's rate; totals stay exact and are rounded up once.
func (l *Ledger) Snapshot(at time.Time, p pricing.PricingConfig) Snapshot {
	snap := Snapshot{
		At:              at,
		TotalExactCoins: decimal.Zero,
		AudioSeconds:    decimal.Zero,
		VideoSeconds:    decimal.Zero,
		Segments:        make([]SegmentCost, 0, len(l.segments)),
	}
	for _, s := range l.segments {
		secs := s.Seconds(at)
		coins := pricing.CoinsFor(secs, p.RateFor(s.Type))

		end := at
		if s.End != nil {
			end = *s.End
		}
		snap.Segments = append(snap.Segments, SegmentCost{
			Type:            s.Type,
			Start:           s.Start,
			End:             end,
			DurationSeconds: secs,
			CoinsExact:      coins,
			CoinsRounded:    coins.Ceil().IntPart(),
		})

		snap.TotalExactCoins = snap.TotalExactCoins.Add(coins)
		if s.Type == CallTypeVideo {
			snap.VideoSeconds = snap.VideoSeconds.Add(secs)
		} else {
			snap.AudioSeconds = snap.AudioSeconds.Add(secs)
		}
	}
	snap.CoinsSpentRounded = snap.TotalExactCoins.Ceil().IntPart()
	snap.TotalDurationSeconds = snap.AudioSeconds.Add(snap.VideoSeconds).Round(0).IntPart()
	return snap
}

// CoinsDueForStartedMinutes is what incremental billing charges: every
// segment with positive duration owes its rate for each minute started.
func (l *Ledger) CoinsDueForStartedMinutes(at time.Time, p pricing.PricingConfig) decimal.Decimal {
	due := decimal.Zero
	for _, s := range l.segments {
		minutes := pricing.MinutesStarted(s.Seconds(at))
		if minutes == 0 {
			continue
		}
		due = due.Add(decimal.NewFromInt(minutes).Mul(p.RateFor(s.Type)))
	}
	return due
}
