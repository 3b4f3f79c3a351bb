// Package pipeline runs the extraction: window the range, fetch each window
// with fallback, normalize, enrich once, sort.
package pipeline

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Elaine-s-Datanauts/blacksky/internal/elements"
	"github.com/Elaine-s-Datanauts/blacksky/internal/fetch"
	"github.com/Elaine-s-Datanauts/blacksky/internal/metrics"
	"github.com/Elaine-s-Datanauts/blacksky/internal/normalize"
	"github.com/Elaine-s-Datanauts/blacksky/internal/window"
)

// ErrNoRecords is returned when no window produced a usable record.
var ErrNoRecords = eris.New("pipeline: no rows returned in the selected window")

// WindowFetcher retrieves one window. *fetch.Fetcher implements it.
type WindowFetcher interface {
	FetchWindow(ctx context.Context, w window.Window) (fetch.Outcome, error)
}

// RecordEnricher classifies records. *enrich.Enricher implements it.
type RecordEnricher interface {
	Enrich(ctx context.Context, recs []elements.Record) ([]elements.Record, error)
}

// Pipeline processes windows strictly one after another.
type Pipeline struct {
	Fetcher  WindowFetcher
	Enricher RecordEnricher
	Logger   *zap.Logger
}

// Run extracts every record with an epoch in [start, end).
//
// Windows whose sources are all exhausted contribute nothing and do not fail
// the run. Enrichment failure and an empty result are fatal.
func (p *Pipeline) Run(ctx context.Context, start, end time.Time) (elements.Table, error) {
	log := p.logger()

	var (
		all      []elements.Record
		total    int
		sampled  bool
		skipped  int
		fallback int
		stats    normalize.Stats
	)

	for w := range window.Daily(start, end) {
		began := time.Now()
		out, err := p.Fetcher.FetchWindow(ctx, w)
		metrics.RecordStep("fetch", err, time.Since(began))
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: fetch window %s", w)
		}
		switch {
		case !out.Served():
			skipped++
			continue
		case out.Fallback:
			fallback++
		}

		if !sampled && len(out.Records) > 0 {
			sampled = true
			if ce := log.Check(zap.DebugLevel, "pipeline: raw columns"); ce != nil {
				ce.Write(zap.Stringer("window", w), zap.Strings("columns", columns(out.Records)))
				log.Debug("pipeline: sample row", zap.Any("row", out.Records[0]))
			}
		}

		began = time.Now()
		recs, st := normalize.All(out.Records)
		metrics.RecordStep("normalize", nil, time.Since(began))
		metrics.RecordRecords("rejected", st.Rejected)
		metrics.RecordRecords("normalized", len(recs))
		stats.Input += st.Input
		stats.MissingID += st.MissingID
		stats.MissingEpoch += st.MissingEpoch
		stats.Rejected += st.Rejected

		for i := range recs {
			recs[i].Source = out.Source
		}
		all = append(all, recs...)
		total += len(out.Records)

		log.Info("pipeline: window fetched",
			zap.Stringer("window", w),
			zap.String("source", out.Source),
			zap.Bool("fallback", out.Fallback),
			zap.Int("rows", len(out.Records)),
			zap.Int("total", total))
	}

	log.Debug("pipeline: normalized",
		zap.Int("input", stats.Input),
		zap.Int("missing_norad_cat_id", stats.MissingID),
		zap.Int("missing_epoch", stats.MissingEpoch),
		zap.Int("rejected", stats.Rejected),
		zap.Int("windows_skipped", skipped),
		zap.Int("windows_fallback", fallback))

	if len(all) == 0 {
		return nil, ErrNoRecords
	}

	began := time.Now()
	enriched, err := p.Enricher.Enrich(ctx, all)
	metrics.RecordStep("enrich", err, time.Since(began))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: enrich")
	}

	t := elements.Table(enriched)
	t.Sort()
	return t, nil
}

// columns returns the sorted union of field names in recs.
func columns(recs []elements.RawRecord) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range recs {
		for _, k := range r.Keys() {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	slices.Sort(out)
	return out
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
