// Package fetch retrieves one window of raw records with a bounded retry
// policy, falling back to a secondary source when the primary is exhausted.
package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Elaine-s-Datanauts/blacksky/internal/elements"
	"github.com/Elaine-s-Datanauts/blacksky/internal/metrics"
	"github.com/Elaine-s-Datanauts/blacksky/internal/spacetrack"
	"github.com/Elaine-s-Datanauts/blacksky/internal/window"
)

// SourceNone is Outcome.Source when every source was exhausted.
const SourceNone = "none"

// Source answers window queries.
type Source interface {
	Name() string
	Query(ctx context.Context, w window.Window) (spacetrack.Result, error)
}

// Policy bounds the attempts made against a single source.
type Policy struct {
	MaxAttempts int
	// BackoffBase scales the wait: the delay before attempt n+1 is
	// BackoffBase*n.
	BackoffBase time.Duration
}

// DefaultPolicy is two attempts with a 2s base.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 2, BackoffBase: 2 * time.Second}
}

// Delay returns the wait after failed attempt n (1-based).
func (p Policy) Delay(n int) time.Duration {
	return p.BackoffBase * time.Duration(n)
}

// Outcome is the result of fetching one window.
type Outcome struct {
	Window window.Window
	// Source is the name of the source that served the window, or SourceNone.
	Source string
	// Fallback is true when the fallback source served the window.
	Fallback bool
	// Records excludes elements that carried their own error indicator.
	Records []elements.RawRecord
	// Dropped counts those excluded elements.
	Dropped int
}

// Served reports whether some source answered.
func (o Outcome) Served() bool { return o.Source != SourceNone }

// Fetcher runs the retry/fallback policy. Fallback may be nil.
type Fetcher struct {
	Primary  Source
	Fallback Source
	Policy   Policy
	Logger   *zap.Logger

	// Sleep waits for d unless ctx ends first, in which case it returns
	// false. Defaults to a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) bool
}

// FetchWindow retrieves w.
//
// Exhausting every source is not an error: the Outcome carries SourceNone
// and no records. The only error is ctx ending, which aborts immediately.
func (f *Fetcher) FetchWindow(ctx context.Context, w window.Window) (Outcome, error) {
	out := Outcome{Window: w, Source: SourceNone}

	res, ok, err := f.attempt(ctx, f.Primary, w)
	if err != nil {
		return out, err
	}
	src := f.Primary
	if !ok && f.Fallback != nil {
		res, ok, err = f.attempt(ctx, f.Fallback, w)
		if err != nil {
			return out, err
		}
		src = f.Fallback
		out.Fallback = ok
	}

	if !ok {
		f.logger().Warn("fetch: all sources exhausted; window skipped",
			zap.Stringer("window", w))
		metrics.RecordWindow(SourceNone)
		return out, nil
	}

	out.Source = src.Name()
	for _, rec := range res.Records {
		if msg, isErr := rec.EmbeddedError(); isErr {
			out.Dropped++
			f.logger().Warn("fetch: dropping record with embedded error",
				zap.Stringer("window", w),
				zap.String("source", out.Source),
				zap.String("error", msg))
			continue
		}
		out.Records = append(out.Records, rec)
	}

	metrics.RecordWindow(out.Source)
	metrics.RecordRecords("raw", len(out.Records))
	metrics.RecordRecords("embedded_error", out.Dropped)
	return out, nil
}

// attempt runs the policy against one source. ok is false when every
// attempt failed; err is non-nil only when ctx ended.
func (f *Fetcher) attempt(ctx context.Context, src Source, w window.Window) (spacetrack.Result, bool, error) {
	limit := f.Policy.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	name := src.Name()

	for n := 1; n <= limit; n++ {
		res, err := src.Query(ctx, w)
		if err == nil && !res.Failed() {
			metrics.RecordAttempt(name, nil)
			return res, true, nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return spacetrack.Result{}, false, cerr
		}
		if err == nil {
			err = eris.Errorf("%s reported: %s", name, res.Failure)
		}
		metrics.RecordAttempt(name, err)

		var wait time.Duration
		if n < limit {
			wait = f.nextDelay(err, n)
		}
		f.logger().Warn("fetch: attempt failed",
			zap.Stringer("window", w),
			zap.String("source", name),
			zap.Int("attempt", n),
			zap.Int("max_attempts", limit),
			zap.Duration("wait", wait),
			zap.Error(err))

		if n == limit {
			break
		}
		if !f.sleep(ctx, wait) {
			return spacetrack.Result{}, false, ctx.Err()
		}
	}
	return spacetrack.Result{}, false, nil
}

// nextDelay is the policy delay, stretched to the server's Retry-After hint
// when one was given.
func (f *Fetcher) nextDelay(err error, n int) time.Duration {
	d := f.Policy.Delay(n)
	var he *spacetrack.HTTPError
	if errors.As(err, &he) && he.RetryAfter > d {
		d = he.RetryAfter
	}
	return d
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) bool {
	if f.Sleep != nil {
		return f.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func (f *Fetcher) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
