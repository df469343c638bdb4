package mqtt

import (
	"sync"
	"time"
)

// DailyTokens counts model tokens and calls since local midnight. Safe
// for concurrent use.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	calls    int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens creates a counter that rolls over at midnight in loc
// (time.Local when nil).
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Add records one model call.
func (d *DailyTokens) Add(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.calls++
}

// Snapshot returns today's input tokens, output tokens and call count.
func (d *DailyTokens) Snapshot() (input, output, calls int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.input, d.output, d.calls
}

// maybeReset must be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	if today := d.now().In(d.loc).YearDay(); today != d.resetDay {
		d.input, d.output, d.calls = 0, 0, 0
		d.resetDay = today
	}
}
