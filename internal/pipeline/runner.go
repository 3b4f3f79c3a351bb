package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Elaine-s-Datanauts/blacksky/internal/config"
	"github.com/Elaine-s-Datanauts/blacksky/internal/elements"
	"github.com/Elaine-s-Datanauts/blacksky/internal/enrich"
	"github.com/Elaine-s-Datanauts/blacksky/internal/fetch"
	"github.com/Elaine-s-Datanauts/blacksky/internal/metrics"
	"github.com/Elaine-s-Datanauts/blacksky/internal/output"
	"github.com/Elaine-s-Datanauts/blacksky/internal/spacetrack"
	"github.com/Elaine-s-Datanauts/blacksky/internal/window"
)

// logoutTimeout bounds the best-effort logout after the run.
const logoutTimeout = 10 * time.Second

// Session is an authenticated connection to the element service.
type Session interface {
	Login(ctx context.Context, username, password string) error
	Logout(ctx context.Context) error
	// Sources returns the primary and fallback window sources and the catalog.
	Sources() (primary, fallback fetch.Source, catalog enrich.Catalog)
}

// Summary describes a completed run.
type Summary struct {
	RunID       string
	Rows        int
	Satellites  int
	ObjectTypes []string
	Path        string
	Bytes       int64
	Duration    time.Duration
}

// Runner wires configuration into a Pipeline and writes its output.
type Runner struct {
	Logger *zap.Logger
	// RunID tags every log line of the run. Generated when empty.
	RunID string

	// factory seams
	NewSession func(cfg config.SpaceTrack, log *zap.Logger) (Session, error)
	WriteFile  func(path string, t elements.Table) (int64, error)
	Now        func() time.Time
	// Sleep overrides the retry wait; nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) bool
}

// NewDefaultRunner returns a Runner talking to Space-Track and writing CSV.
func NewDefaultRunner(log *zap.Logger) *Runner {
	return &Runner{
		Logger:     log,
		NewSession: newClientSession,
		WriteFile:  output.WriteFile,
		Now:        time.Now,
	}
}

// Run executes one extraction described by cfg. cfg is expected to have
// passed config.Validate.
func (r *Runner) Run(ctx context.Context, cfg config.Config) (Summary, error) {
	runID := r.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := r.logger().With(zap.String("run_id", runID))
	now := r.now()
	began := now()

	end, err := cfg.Window.EndTime()
	if err != nil {
		return Summary{}, err
	}
	start, end := window.Range(end, cfg.Window.Lookback())

	sess, err := r.NewSession(cfg.SpaceTrack, log)
	if err != nil {
		return Summary{}, err
	}
	if err := sess.Login(ctx, cfg.SpaceTrack.Username, cfg.SpaceTrack.Password); err != nil {
		return Summary{}, err
	}
	defer func() {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
		defer cancel()
		if err := sess.Logout(lctx); err != nil {
			log.Warn("pipeline: logout failed", zap.Error(err))
		}
	}()

	primary, fallback, catalog := sess.Sources()
	p := &Pipeline{
		Fetcher: &fetch.Fetcher{
			Primary:  primary,
			Fallback: fallback,
			Policy:   fetch.Policy{MaxAttempts: cfg.Fetch.MaxAttempts, BackoffBase: cfg.Fetch.BackoffBase},
			Logger:   log.Named("fetch"),
			Sleep:    r.Sleep,
		},
		Enricher: &enrich.Enricher{
			Catalog:   catalog,
			BatchSize: cfg.Catalog.BatchSize,
			Logger:    log.Named("enrich"),
		},
		Logger: log,
	}

	log.Info("pipeline: starting",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.String("primary", primary.Name()),
		zap.String("output", cfg.Output.Path))

	table, err := p.Run(ctx, start, end)
	if err != nil {
		return Summary{}, err
	}

	wrote := now()
	n, err := r.WriteFile(cfg.Output.Path, table)
	metrics.RecordStep("write", err, now().Sub(wrote))
	if err != nil {
		return Summary{}, eris.Wrapf(err, "pipeline: write %s", cfg.Output.Path)
	}
	metrics.RecordRecords("written", len(table))

	sum := Summary{
		RunID:       runID,
		Rows:        len(table),
		Satellites:  table.Satellites(),
		ObjectTypes: table.ObjectTypes(),
		Path:        cfg.Output.Path,
		Bytes:       n,
		Duration:    now().Sub(began),
	}
	log.Info("pipeline: wrote output",
		zap.String("path", sum.Path),
		zap.Int("rows", sum.Rows),
		zap.Int("satellites", sum.Satellites),
		zap.Strings("object_types", sum.ObjectTypes),
		zap.Int64("bytes", sum.Bytes),
		zap.Duration("duration", sum.Duration))
	return sum, nil
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Runner) now() func() time.Time {
	if r.Now == nil {
		return time.Now
	}
	return r.Now
}

// clientSession adapts a spacetrack.Client to Session.
type clientSession struct {
	*spacetrack.Client
}

func newClientSession(cfg config.SpaceTrack, log *zap.Logger) (Session, error) {
	c, err := spacetrack.NewClient(spacetrack.Options{
		BaseURL:       cfg.BaseURL,
		RatePerMinute: cfg.RatePerMinute,
		Timeout:       cfg.Timeout,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}
	return clientSession{c}, nil
}

func (s clientSession) Sources() (fetch.Source, fetch.Source, enrich.Catalog) {
	return spacetrack.NewGPHistory(s.Client), spacetrack.NewTLE(s.Client), spacetrack.NewSatCat(s.Client)
}
