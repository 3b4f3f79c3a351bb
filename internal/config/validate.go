package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted YAML path of the field.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// publishedRateLimit is Space-Track's documented per-account request limit.
const publishedRateLimit = 30

// Validate checks cfg and returns every issue found, errors and warnings
// interleaved in field order. It never touches the network.
func Validate(cfg Config) []Issue {
	var issues []Issue
	errf := func(path, format string, a ...any) {
		issues = append(issues, Issue{SeverityError, path, fmt.Sprintf(format, a...)})
	}
	warnf := func(path, format string, a ...any) {
		issues = append(issues, Issue{SeverityWarning, path, fmt.Sprintf(format, a...)})
	}

	st := cfg.SpaceTrack
	if strings.TrimSpace(st.Username) == "" {
		errf("spacetrack.username", "missing credentials; set SPACETRACK_USERNAME")
	}
	if st.Password == "" {
		errf("spacetrack.password", "missing credentials; set SPACETRACK_PASSWORD")
	}
	if u, err := url.Parse(st.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errf("spacetrack.base_url", "invalid URL %q", st.BaseURL)
	} else if u.Scheme != "https" {
		warnf("spacetrack.base_url", "credentials will be sent over %s", u.Scheme)
	}
	switch {
	case st.RatePerMinute <= 0:
		errf("spacetrack.rate_per_minute", "must be > 0, got %d", st.RatePerMinute)
	case st.RatePerMinute > publishedRateLimit:
		warnf("spacetrack.rate_per_minute", "%d exceeds the published limit of %d/min", st.RatePerMinute, publishedRateLimit)
	}
	if st.Timeout < 0 {
		errf("spacetrack.timeout", "must be >= 0, got %s", st.Timeout)
	}

	if cfg.Window.LookbackDays <= 0 {
		errf("window.lookback_days", "must be > 0, got %d", cfg.Window.LookbackDays)
	}
	if _, err := cfg.Window.EndTime(); err != nil {
		errf("window.end", "%v", err)
	}

	if cfg.Fetch.MaxAttempts < 1 {
		errf("fetch.max_attempts", "must be >= 1, got %d", cfg.Fetch.MaxAttempts)
	}
	if cfg.Fetch.BackoffBase < 0 {
		errf("fetch.backoff_base", "must be >= 0, got %s", cfg.Fetch.BackoffBase)
	}

	switch {
	case cfg.Catalog.BatchSize < 1:
		errf("catalog.batch_size", "must be >= 1, got %d", cfg.Catalog.BatchSize)
	case cfg.Catalog.BatchSize > 1000:
		warnf("catalog.batch_size", "%d identifiers per request may exceed URL length limits", cfg.Catalog.BatchSize)
	}

	if strings.TrimSpace(cfg.Output.Path) == "" {
		errf("output.path", "must not be empty")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Metrics.Backend)) {
	case "", "none", "datadog":
	case "pushgateway", "prom", "prometheus":
		if u, err := url.Parse(cfg.Metrics.PushgatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
			errf("metrics.pushgateway_url", "invalid URL %q", cfg.Metrics.PushgatewayURL)
		}
	default:
		errf("metrics.backend", "unknown metrics backend %q (want none|datadog|pushgateway)", cfg.Metrics.Backend)
	}

	if lvl := strings.TrimSpace(cfg.Log.Level); lvl != "" {
		if _, err := zapcore.ParseLevel(strings.ToLower(lvl)); err != nil {
			errf("log.level", "unknown level %q (want debug|info|warn|error)", cfg.Log.Level)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Format)) {
	case "", "json", "console":
	default:
		errf("log.format", "unknown format %q (want json|console)", cfg.Log.Format)
	}

	return issues
}
