package main

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Elaine-s-Datanauts/blacksky/internal/config"
	"github.com/Elaine-s-Datanauts/blacksky/internal/metrics"
	"github.com/Elaine-s-Datanauts/blacksky/internal/metrics/datadog"
	"github.com/Elaine-s-Datanauts/blacksky/internal/metrics/prompush"
)

// closingBackend is a backend that owns a background flush loop.
type closingBackend interface {
	metrics.Backend
	Close() error
}

// flushingBackend is a backend that publishes only when flushed.
type flushingBackend interface {
	metrics.Backend
	metrics.Flusher
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (closingBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(job, gatewayURL string, grouping map[string]string) (flushingBackend, error) {
		return prompush.NewBackend(job, gatewayURL, grouping)
	}
	setMetricsBackend = metrics.SetBackend
)

// initMetrics installs the configured backend. The returned cleanup is never
// nil and publishes whatever is still buffered; its errors are logged.
func initMetrics(ctx context.Context, cfg config.Metrics, runID string, log *zap.Logger) (func(), error) {
	noop := func() {}
	if log == nil {
		log = zap.NewNop()
	}

	job := cfg.Job
	if job == "" {
		job = "gphistory"
	}

	switch name := strings.ToLower(strings.TrimSpace(cfg.Backend)); name {
	case "", "none", "noop":
		return noop, nil

	case "datadog", "dd":
		tags := append([]string(nil), cfg.Tags...)
		if runID != "" {
			tags = append(tags, "run_id:"+runID)
		}
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       tags,
			FlushEvery: cfg.FlushEvery,
		})
		if err != nil {
			return noop, err
		}
		setMetricsBackend(b)
		log.Info("metrics: backend ready",
			zap.String("backend", "datadog"),
			zap.String("job", job),
			zap.Strings("tags", tags))
		return func() {
			if err := b.Close(); err != nil {
				log.Warn("metrics: datadog close error", zap.Error(err))
			}
		}, nil

	case "pushgateway", "prom", "prometheus":
		var grouping map[string]string
		if runID != "" {
			grouping = map[string]string{"run_id": runID}
		}
		b, err := newPushBackend(job, cfg.PushgatewayURL, grouping)
		if err != nil {
			return noop, err
		}
		setMetricsBackend(b)
		log.Info("metrics: backend ready",
			zap.String("backend", "pushgateway"),
			zap.String("job", job),
			zap.String("url", cfg.PushgatewayURL))
		return func() {
			if err := metrics.Flush(); err != nil {
				log.Warn("metrics: pushgateway flush error", zap.Error(err))
			}
		}, nil

	default:
		return noop, eris.Errorf("unknown metrics backend %q (want none|datadog|pushgateway)", name)
	}
}
