// Command gphistory extracts a time-windowed history of orbital element sets
// from Space-Track into a single CSV file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Elaine-s-Datanauts/blacksky/internal/config"
	"github.com/Elaine-s-Datanauts/blacksky/internal/logging"
	"github.com/Elaine-s-Datanauts/blacksky/internal/metrics/datadog"
	"github.com/Elaine-s-Datanauts/blacksky/internal/pipeline"
)

// version is set at build time via -ldflags.
var version = "dev"

// runner is the subset of *pipeline.Runner the CLI needs.
type runner interface {
	Run(ctx context.Context, cfg config.Config) (pipeline.Summary, error)
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	loadConfig  func(path string) (config.Config, error)
	newLogger   func(opts logging.Options) (*zap.Logger, error)
	initMetrics func(ctx context.Context, cfg config.Metrics, runID string, log *zap.Logger) (func(), error)
	newRunner   func(log *zap.Logger, runID string) runner
	newRunID    func() string
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig:  func(path string) (config.Config, error) { return config.Load(path, os.Getenv) },
		newLogger:   logging.New,
		initMetrics: initMetrics,
		newRunner: func(log *zap.Logger, runID string) runner {
			r := pipeline.NewDefaultRunner(log)
			r.RunID = runID
			return r
		},
		newRunID: uuid.NewString,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// usageError marks command-line mistakes (exit code 2).
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// errInvalidConfig is returned after validation issues were printed.
var errInvalidConfig = eris.New("configuration is invalid")

// flags holds command-line overrides. Only flags the user set are applied.
type flags struct {
	configPath     string
	out            string
	end            string
	lookbackDays   int
	metricsBackend string
	pushgatewayURL string
	metricsTags    string
	logLevel       string
	logFormat      string
}

// runMain executes the CLI and returns the process exit code: 0 on success,
// 1 on configuration or run failure, 2 on usage errors.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	root := newRootCmd(deps)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(stderr, "usage: %v\n", err)
		fmt.Fprintf(stderr, "run 'gphistory --help' for usage\n")
		return 2
	}
	if !errors.Is(err, errInvalidConfig) {
		fmt.Fprintf(stderr, "gphistory: %v\n", err)
	} else {
		fmt.Fprintf(stderr, "%v\n", err)
	}
	return 1
}

func newRootCmd(deps appDeps) *cobra.Command {
	var f flags

	noArgs := func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return usageError{eris.Errorf("unexpected argument %q for %q", args[0], cmd.CommandPath())}
		}
		return nil
	}
	run := func(cmd *cobra.Command, _ []string) error {
		return runExtract(cmd, f, deps)
	}

	root := &cobra.Command{
		Use:   "gphistory",
		Short: "Extract orbital element history from Space-Track into CSV",
		Long: "gphistory downloads general-perturbations element history for a trailing\n" +
			"window of days, one day at a time, falls back to the TLE class when the\n" +
			"primary class fails, classifies objects from the satellite catalog and\n" +
			"writes one CSV sorted by NORAD id and epoch.",
		Args:          noArgs,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "YAML or JSON config file (optional)")
	pf.StringVar(&f.out, "out", "", "output CSV path (default "+config.DefaultOutputPath+")")
	pf.StringVar(&f.end, "end", "", "window end, RFC 3339 or YYYY-MM-DD (default now)")
	pf.IntVar(&f.lookbackDays, "lookback-days", 0, "number of days before the end to extract (default 180)")
	pf.StringVar(&f.metricsBackend, "metrics-backend", "", "metrics backend: none, datadog or pushgateway")
	pf.StringVar(&f.pushgatewayURL, "pushgateway-url", "", "Pushgateway base URL")
	pf.StringVar(&f.metricsTags, "metrics-tags", "", "extra comma-separated Datadog tags, e.g. team:orbits,env:dev")
	pf.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&f.logFormat, "log-format", "", "log format: json or console")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the extraction (default)",
		Args:  noArgs,
		RunE:  run,
	}
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadValidated(cmd, f, deps); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
	root.AddCommand(runCmd, validateCmd)
	return root
}

// loadValidated loads the configuration, applies flag overrides and prints
// every validation issue to stderr.
func loadValidated(cmd *cobra.Command, f flags, deps appDeps) (config.Config, error) {
	cfg, err := deps.loadConfig(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	applyFlags(cmd, f, &cfg)

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return config.Config{}, errInvalidConfig
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, f flags, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("out") {
		cfg.Output.Path = f.out
	}
	if set("end") {
		cfg.Window.End = f.end
	}
	if set("lookback-days") {
		cfg.Window.LookbackDays = f.lookbackDays
	}
	if set("metrics-backend") {
		cfg.Metrics.Backend = f.metricsBackend
	}
	if set("pushgateway-url") {
		cfg.Metrics.PushgatewayURL = f.pushgatewayURL
	}
	if set("metrics-tags") {
		cfg.Metrics.Tags = append(cfg.Metrics.Tags, datadog.ParseTagsCSV(f.metricsTags)...)
	}
	if set("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if set("log-format") {
		cfg.Log.Format = f.logFormat
	}
}

func runExtract(cmd *cobra.Command, f flags, deps appDeps) error {
	cfg, err := loadValidated(cmd, f, deps)
	if err != nil {
		return err
	}

	log, err := deps.newLogger(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return eris.Wrap(err, "init logger")
	}
	defer func() { _ = log.Sync() }()

	runID := deps.newRunID()
	ctx := cmd.Context()

	cleanup, err := deps.initMetrics(ctx, cfg.Metrics, runID, log.Named("metrics"))
	if err != nil {
		return eris.Wrap(err, "init metrics")
	}
	defer cleanup()

	sum, err := deps.newRunner(log, runID).Run(ctx, cfg)
	if err != nil {
		return eris.Wrap(err, "run")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s with %d rows across %d satellites (types: %s)\n",
		sum.Path, sum.Rows, sum.Satellites, strings.Join(sum.ObjectTypes, ", "))
	return nil
}
