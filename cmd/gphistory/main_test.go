package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Elaine-s-Datanauts/blacksky/internal/config"
	"github.com/Elaine-s-Datanauts/blacksky/internal/logging"
	"github.com/Elaine-s-Datanauts/blacksky/internal/metrics"
	"github.com/Elaine-s-Datanauts/blacksky/internal/metrics/datadog"
	"github.com/Elaine-s-Datanauts/blacksky/internal/pipeline"
)

// fakeRunner records the config it was run with.
type fakeRunner struct {
	err   error
	sum   pipeline.Summary
	calls atomic.Int64

	mu      sync.Mutex
	lastCfg config.Config
}

func (r *fakeRunner) Run(ctx context.Context, cfg config.Config) (pipeline.Summary, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.lastCfg = cfg
	r.mu.Unlock()
	return r.sum, r.err
}

// validConfig passes validation.
func validConfig() config.Config {
	cfg := config.Default()
	cfg.SpaceTrack.Username = "user"
	cfg.SpaceTrack.Password = "pass"
	return cfg
}

// mustNotCall returns deps whose every seam fails the test.
func mustNotCall(t *testing.T) appDeps {
	return appDeps{
		loadConfig: func(string) (config.Config, error) {
			t.Fatalf("loadConfig must not be called")
			return config.Config{}, nil
		},
		newLogger: func(logging.Options) (*zap.Logger, error) {
			t.Fatalf("newLogger must not be called")
			return nil, nil
		},
		initMetrics: func(context.Context, config.Metrics, string, *zap.Logger) (func(), error) {
			t.Fatalf("initMetrics must not be called")
			return func() {}, nil
		},
		newRunner: func(*zap.Logger, string) runner {
			t.Fatalf("newRunner must not be called")
			return &fakeRunner{}
		},
		newRunID: func() string { return "run-1" },
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{"unknown_flag", []string{"--nope"}, "unknown flag: --nope"},
		{"unknown_flag_on_subcommand", []string{"validate", "--nope"}, "unknown flag: --nope"},
		{"bad_int_flag", []string{"--lookback-days", "many"}, "invalid argument"},
		{"stray_argument", []string{"extract"}, `unexpected argument "extract"`},
		{"stray_argument_after_run", []string{"run", "now"}, `unexpected argument "now"`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, mustNotCall(t))

			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

func TestRunMain_Flow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		args             []string
		cfg              config.Config
		loadErr          error
		initMetricsErr   error
		runErr           error
		wantCode         int
		wantStderrSub    string
		wantStdout       string
		wantRunnerCalls  int64
		wantCleanupCalls int64
	}{
		{
			name:          "load_config_error",
			args:          []string{"--config", "cfg.yaml"},
			loadErr:       errors.New("config file cfg.yaml not found"),
			wantCode:      1,
			wantStderrSub: "gphistory: config file cfg.yaml not found",
		},
		{
			name:          "missing_credentials",
			args:          []string{"--config", "cfg.yaml"},
			cfg:           config.Default(),
			wantCode:      1,
			wantStderrSub: "error: spacetrack.username: missing credentials",
		},
		{
			name:          "invalid_flag_override",
			args:          []string{"--config", "cfg.yaml", "--lookback-days", "0"},
			cfg:           validConfig(),
			wantCode:      1,
			wantStderrSub: "configuration is invalid",
		},
		{
			name:           "init_metrics_error",
			args:           []string{"--config", "cfg.yaml"},
			cfg:            validConfig(),
			initMetricsErr: errors.New("metrics unavailable"),
			wantCode:       1,
			wantStderrSub:  "init metrics: metrics unavailable",
		},
		{
			name:             "runner_error_runs_cleanup",
			args:             []string{"--config", "cfg.yaml"},
			cfg:              validConfig(),
			runErr:           pipeline.ErrNoRecords,
			wantCode:         1,
			wantStderrSub:    "run: pipeline: no rows returned",
			wantRunnerCalls:  1,
			wantCleanupCalls: 1,
		},
		{
			name:             "success_default_command",
			args:             []string{"--config", "cfg.yaml"},
			cfg:              validConfig(),
			wantCode:         0,
			wantStdout:       "Wrote out.csv with 5 rows across 3 satellites (types: PAYLOAD, ROCKET BODY)\n",
			wantRunnerCalls:  1,
			wantCleanupCalls: 1,
		},
		{
			name:             "success_run_subcommand",
			args:             []string{"run", "--config", "cfg.yaml"},
			cfg:              validConfig(),
			wantCode:         0,
			wantStdout:       "Wrote out.csv with 5 rows across 3 satellites (types: PAYLOAD, ROCKET BODY)\n",
			wantRunnerCalls:  1,
			wantCleanupCalls: 1,
		},
		{
			name:       "validate_only",
			args:       []string{"validate", "--config", "cfg.yaml"},
			cfg:        validConfig(),
			wantCode:   0,
			wantStdout: "configuration is valid\n",
		},
		{
			name:          "validate_reports_errors",
			args:          []string{"validate", "--config", "cfg.yaml"},
			cfg:           config.Default(),
			wantCode:      1,
			wantStderrSub: "configuration is invalid",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			fr := &fakeRunner{err: tc.runErr, sum: pipeline.Summary{
				Rows: 5, Satellites: 3, ObjectTypes: []string{"PAYLOAD", "ROCKET BODY"}, Path: "out.csv",
			}}
			var cleanupCalls atomic.Int64

			deps := appDeps{
				loadConfig: func(path string) (config.Config, error) {
					if path != "cfg.yaml" {
						t.Fatalf("loadConfig path=%q, want cfg.yaml", path)
					}
					return tc.cfg, tc.loadErr
				},
				newLogger: func(opts logging.Options) (*zap.Logger, error) { return zap.NewNop(), nil },
				initMetrics: func(ctx context.Context, cfg config.Metrics, runID string, log *zap.Logger) (func(), error) {
					if runID != "run-1" {
						t.Fatalf("runID=%q, want run-1", runID)
					}
					if tc.initMetricsErr != nil {
						return func() {}, tc.initMetricsErr
					}
					return func() { cleanupCalls.Add(1) }, nil
				},
				newRunner: func(log *zap.Logger, runID string) runner { return fr },
				newRunID:  func() string { return "run-1" },
			}

			code := runMain(context.Background(), tc.args, &stdout, &stderr, deps)

			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if tc.wantStderrSub != "" && !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if got := stdout.String(); got != tc.wantStdout {
				t.Fatalf("stdout=%q, want %q", got, tc.wantStdout)
			}
			if got := fr.calls.Load(); got != tc.wantRunnerCalls {
				t.Fatalf("runner calls=%d, want %d", got, tc.wantRunnerCalls)
			}
			if got := cleanupCalls.Load(); got != tc.wantCleanupCalls {
				t.Fatalf("cleanup calls=%d, want %d", got, tc.wantCleanupCalls)
			}
		})
	}
}

func TestRunMain_FlagsOverrideConfig(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{}
	var gotMetrics config.Metrics
	var gotLog logging.Options
	deps := appDeps{
		loadConfig: func(string) (config.Config, error) { return validConfig(), nil },
		newLogger: func(opts logging.Options) (*zap.Logger, error) {
			gotLog = opts
			return zap.NewNop(), nil
		},
		initMetrics: func(ctx context.Context, cfg config.Metrics, runID string, log *zap.Logger) (func(), error) {
			gotMetrics = cfg
			return func() {}, nil
		},
		newRunner: func(*zap.Logger, string) runner { return fr },
		newRunID:  func() string { return "run-1" },
	}

	args := []string{
		"--out", "/tmp/x.csv",
		"--end", "2024-02-01",
		"--lookback-days", "7",
		"--metrics-backend", "pushgateway",
		"--pushgateway-url", "http://gw:9091",
		"--metrics-tags", "team:orbits, env:dev",
		"--log-level", "debug",
		"--log-format", "console",
	}
	var stdout, stderr bytes.Buffer
	if code := runMain(context.Background(), args, &stdout, &stderr, deps); code != 0 {
		t.Fatalf("exit code=%d; stderr=%q", code, stderr.String())
	}

	cfg := fr.lastCfg
	if cfg.Output.Path != "/tmp/x.csv" || cfg.Window.End != "2024-02-01" || cfg.Window.LookbackDays != 7 {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Output, cfg.Window)
	}
	if gotMetrics.Backend != "pushgateway" || gotMetrics.PushgatewayURL != "http://gw:9091" {
		t.Fatalf("metrics=%+v", gotMetrics)
	}
	if strings.Join(gotMetrics.Tags, "|") != "team:orbits|env:dev" {
		t.Fatalf("tags=%v", gotMetrics.Tags)
	}
	if gotLog.Level != "debug" || gotLog.Format != "console" || gotLog.Output == nil {
		t.Fatalf("log options=%+v", gotLog)
	}
}

// fakeBackend satisfies both backend shapes.
type fakeBackend struct {
	err     error
	closed  atomic.Int64
	flushed atomic.Int64
}

func (b *fakeBackend) IncCounter(string, float64, metrics.Labels)       {}
func (b *fakeBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *fakeBackend) Close() error {
	b.closed.Add(1)
	return b.err
}
func (b *fakeBackend) Flush() error {
	b.flushed.Add(1)
	return b.err
}

// The tests below swap package-level seams and therefore do not run in
// parallel.

func swapSeams(t *testing.T) {
	oldDD, oldPush, oldSet := newDatadogBackend, newPushBackend, setMetricsBackend
	t.Cleanup(func() {
		newDatadogBackend, newPushBackend, setMetricsBackend = oldDD, oldPush, oldSet
	})
}

func TestInitMetrics_None_DoesNotMutateGlobalState(t *testing.T) {
	swapSeams(t)
	setMetricsBackend = func(metrics.Backend) {
		t.Fatalf("setMetricsBackend must not be called for none")
	}

	for _, name := range []string{"", "none", "NONE"} {
		cleanup, err := initMetrics(context.Background(), config.Metrics{Backend: name}, "run-1", nil)
		if err != nil {
			t.Fatalf("initMetrics(%q) err=%v", name, err)
		}
		if cleanup == nil {
			t.Fatalf("cleanup=nil for %q", name)
		}
		cleanup()
	}
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	swapSeams(t)
	b := &fakeBackend{}
	var gotOpts datadog.Options
	var setCalls atomic.Int64
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (closingBackend, error) {
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(metrics.Backend) { setCalls.Add(1) }

	core, logs := observer.New(zapcore.WarnLevel)
	cleanup, err := initMetrics(context.Background(), config.Metrics{Backend: "datadog", Tags: []string{"team:orbits"}}, "run-1", zap.New(core))
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	if gotOpts.JobName != "gphistory" {
		t.Fatalf("JobName=%q, want gphistory", gotOpts.JobName)
	}
	if strings.Join(gotOpts.Tags, ",") != "team:orbits,run_id:run-1" {
		t.Fatalf("Tags=%v", gotOpts.Tags)
	}
	if setCalls.Load() != 1 {
		t.Fatalf("setMetricsBackend calls=%d, want 1", setCalls.Load())
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("closed=%d, want 1", b.closed.Load())
	}
	if logs.Len() != 0 {
		t.Fatalf("unexpected warnings: %v", logs.All())
	}
}

func TestInitMetrics_Datadog_CloseErrorIsLogged(t *testing.T) {
	swapSeams(t)
	b := &fakeBackend{err: errors.New("flush failed")}
	newDatadogBackend = func(context.Context, datadog.Options) (closingBackend, error) { return b, nil }
	setMetricsBackend = func(metrics.Backend) {}

	core, logs := observer.New(zapcore.WarnLevel)
	cleanup, err := initMetrics(context.Background(), config.Metrics{Backend: "dd"}, "", zap.New(core))
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	cleanup()

	entries := logs.FilterMessage("metrics: datadog close error").All()
	if len(entries) != 1 {
		t.Fatalf("close error entries=%d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["error"]; got != "flush failed" {
		t.Fatalf("error field=%v", got)
	}
}

func TestInitMetrics_Pushgateway_GroupsByRunAndFlushes(t *testing.T) {
	swapSeams(t)
	b := &fakeBackend{}
	var gotJob, gotURL string
	var gotGrouping map[string]string
	newPushBackend = func(job, url string, grouping map[string]string) (flushingBackend, error) {
		gotJob, gotURL, gotGrouping = job, url, grouping
		return b, nil
	}
	setMetricsBackend = metrics.SetBackend
	t.Cleanup(func() { metrics.SetBackend(nil) })

	cleanup, err := initMetrics(context.Background(), config.Metrics{
		Backend: "pushgateway", Job: "nightly", PushgatewayURL: "http://gw:9091",
	}, "run-1", nil)
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	if gotJob != "nightly" || gotURL != "http://gw:9091" || gotGrouping["run_id"] != "run-1" {
		t.Fatalf("job=%q url=%q grouping=%v", gotJob, gotURL, gotGrouping)
	}
	cleanup()
	if b.flushed.Load() != 1 {
		t.Fatalf("flushed=%d, want 1", b.flushed.Load())
	}
}

func TestInitMetrics_ConstructorErrorKeepsNop(t *testing.T) {
	swapSeams(t)
	newPushBackend = func(string, string, map[string]string) (flushingBackend, error) {
		return nil, errors.New("bad url")
	}
	setMetricsBackend = func(metrics.Backend) {
		t.Fatalf("setMetricsBackend must not be called on constructor failure")
	}

	cleanup, err := initMetrics(context.Background(), config.Metrics{Backend: "pushgateway"}, "run-1", nil)
	if err == nil || err.Error() != "bad url" {
		t.Fatalf("err=%v, want bad url", err)
	}
	cleanup()
}

func TestInitMetrics_UnknownBackendErrors(t *testing.T) {
	cleanup, err := initMetrics(context.Background(), config.Metrics{Backend: "statsd"}, "", nil)
	if err == nil {
		t.Fatalf("initMetrics err=nil, want error")
	}
	if cleanup == nil {
		t.Fatalf("cleanup=nil, want non-nil")
	}
	cleanup()
	if !strings.Contains(err.Error(), "unknown metrics backend") || !strings.Contains(err.Error(), "none|datadog|pushgateway") {
		t.Fatalf("err=%q", err.Error())
	}
}
