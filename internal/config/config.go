// Package config holds the run configuration: defaults, an optional YAML (or
// JSON) file, and environment overrides, in that order of precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Config is the full run configuration.
type Config struct {
	SpaceTrack SpaceTrack `yaml:"spacetrack" json:"spacetrack"`
	Window     Window     `yaml:"window" json:"window"`
	Fetch      Fetch      `yaml:"fetch" json:"fetch"`
	Catalog    Catalog    `yaml:"catalog" json:"catalog"`
	Output     Output     `yaml:"output" json:"output"`
	Metrics    Metrics    `yaml:"metrics" json:"metrics"`
	Log        Log        `yaml:"log" json:"log"`
}

// SpaceTrack configures the remote service and its credentials.
type SpaceTrack struct {
	BaseURL  string `yaml:"base_url" json:"base_url"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	// RatePerMinute caps outgoing requests (token bucket, burst 1).
	RatePerMinute int           `yaml:"rate_per_minute" json:"rate_per_minute"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
}

// Window selects the extraction range.
type Window struct {
	LookbackDays int `yaml:"lookback_days" json:"lookback_days"`
	// End is an RFC 3339 timestamp or a YYYY-MM-DD date. Empty means now.
	End string `yaml:"end" json:"end"`
}

// Fetch is the per-source retry policy.
type Fetch struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base"`
}

// Catalog configures classification enrichment.
type Catalog struct {
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// Output configures the CSV destination.
type Output struct {
	Path string `yaml:"path" json:"path"`
}

// Metrics selects a metrics backend.
type Metrics struct {
	// Backend is none, datadog or pushgateway.
	Backend        string        `yaml:"backend" json:"backend"`
	Job            string        `yaml:"job" json:"job"`
	PushgatewayURL string        `yaml:"pushgateway_url" json:"pushgateway_url"`
	Tags           []string      `yaml:"tags" json:"tags"`
	FlushEvery     time.Duration `yaml:"flush_every" json:"flush_every"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

const (
	DefaultBaseURL    = "https://www.space-track.org"
	DefaultOutputPath = "data/in/tle_gp_history.csv"
)

// Default returns the built-in configuration. Credentials are always empty.
func Default() Config {
	return Config{
		SpaceTrack: SpaceTrack{
			BaseURL:       DefaultBaseURL,
			RatePerMinute: 30,
			Timeout:       2 * time.Minute,
		},
		Window:  Window{LookbackDays: 180},
		Fetch:   Fetch{MaxAttempts: 2, BackoffBase: 2 * time.Second},
		Catalog: Catalog{BatchSize: 500},
		Output:  Output{Path: DefaultOutputPath},
		Metrics: Metrics{
			Backend:        "none",
			Job:            "gphistory",
			PushgatewayURL: "http://localhost:9091",
			FlushEvery:     60 * time.Second,
		},
		Log: Log{Level: "info", Format: "json"},
	}
}

// Lookback returns the window span as a duration.
func (w Window) Lookback() time.Duration {
	return time.Duration(w.LookbackDays) * 24 * time.Hour
}

// EndTime parses End. A blank End yields the zero time (meaning now).
func (w Window) EndTime() (time.Time, error) {
	s := strings.TrimSpace(w.End)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, eris.Errorf("window end %q: want RFC 3339 or YYYY-MM-DD", w.End)
	}
	return t, nil
}

// Load builds a Config from Default, the file at path (optional; empty path
// skips it) and the environment read through env (os.Getenv when nil).
func Load(path string, env func(string) string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Config{}, eris.Wrapf(err, "config file %s not found", path)
			}
			return Config{}, eris.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, eris.Wrapf(err, "parse config %s", path)
		}
	}

	if env == nil {
		env = os.Getenv
	}
	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, env func(string) string) error {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(env(key)); v != "" {
			*dst = v
		}
	}

	set(&cfg.SpaceTrack.Username, "SPACETRACK_USERNAME")
	// Passwords may legitimately carry surrounding spaces.
	if v := env("SPACETRACK_PASSWORD"); v != "" {
		cfg.SpaceTrack.Password = v
	}
	set(&cfg.SpaceTrack.BaseURL, "SPACETRACK_BASE_URL")
	set(&cfg.Output.Path, "GPHISTORY_OUT")
	set(&cfg.Metrics.Backend, "METRICS_BACKEND")
	set(&cfg.Metrics.PushgatewayURL, "PUSHGATEWAY_URL")
	set(&cfg.Log.Level, "LOG_LEVEL")

	if v := strings.TrimSpace(env("GPHISTORY_LOOKBACK_DAYS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return eris.Wrapf(err, "GPHISTORY_LOOKBACK_DAYS=%q", v)
		}
		cfg.Window.LookbackDays = n
	}

	if v := strings.TrimSpace(env("METRICS_TAGS")); v != "" {
		var tags []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				tags = append(tags, p)
			}
		}
		cfg.Metrics.Tags = tags
	}
	return nil
}
