// Package window splits a requested time range into contiguous query windows.
package window

import (
	"iter"
	"time"
)

// Day is the step used by Daily.
const Day = 24 * time.Hour

// dateLayout is the date-only granularity accepted by the epoch predicate.
const dateLayout = "2006-01-02"

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// QueryRange renders the window as an open-interval epoch predicate value,
// e.g. ">2024-01-01,<2024-01-02". Both bounds are UTC dates.
func (w Window) QueryRange() string {
	return ">" + w.Start.UTC().Format(dateLayout) + ",<" + w.End.UTC().Format(dateLayout)
}

// String returns the window's start date, used as log context.
func (w Window) String() string { return w.Start.UTC().Format(dateLayout) }

// Range resolves the overall [start, end) of a run. A zero end means now.
func Range(end time.Time, lookback time.Duration) (time.Time, time.Time) {
	if end.IsZero() {
		end = time.Now()
	}
	end = end.UTC()
	return end.Add(-lookback), end
}

// Daily yields contiguous one-day windows covering [start, end), the last one
// clipped to end. See Chunk.
func Daily(start, end time.Time) iter.Seq[Window] {
	return Chunk(start, end, Day)
}

// Chunk yields contiguous, non-overlapping windows of length step covering
// [start, end). The final window is clipped to end.
//
// The sequence is lazy and may be ranged over any number of times. It is
// empty when start >= end or step <= 0.
func Chunk(start, end time.Time, step time.Duration) iter.Seq[Window] {
	return func(yield func(Window) bool) {
		if step <= 0 || !start.Before(end) {
			return
		}
		for cur := start; cur.Before(end); {
			next := cur.Add(step)
			if next.After(end) {
				next = end
			}
			if !yield(Window{Start: cur, End: next}) {
				return
			}
			cur = next
		}
	}
}
