// Package prompush implements a metrics.Backend that accumulates into a
// private Prometheus registry and pushes it to a Pushgateway on Flush.
//
// A run is a batch job, so there is nothing to scrape: the registry is pushed
// once at shutdown (and whenever Flush is called).
package prompush

import (
	"net/url"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rotisserie/eris"

	"github.com/Elaine-s-Datanauts/blacksky/internal/metrics"
)

// metricSpec describes how one metrics.* name maps onto a Prometheus vector.
type metricSpec struct {
	name    string
	help    string
	labels  []string
	buckets []float64 // nil for counters
}

var specs = []metricSpec{
	{name: metrics.StepTotal, help: "Pipeline steps by step and status.", labels: []string{"step", "status"}},
	{name: metrics.RecordsTotal, help: "Records by processing stage.", labels: []string{"kind"}},
	{name: metrics.WindowsTotal, help: "Query windows by serving source.", labels: []string{"source"}},
	{name: metrics.FetchAttemptsTotal, help: "Query attempts by source and status.", labels: []string{"source", "status"}},
	{name: metrics.CatalogBatchesTotal, help: "Catalog lookup batches."},
	{name: metrics.HTTPRequestsTotal, help: "HTTP round-trips by status.", labels: []string{"status"}},
	{name: metrics.HTTPErrorsTotal, help: "Failed HTTP round-trips by status.", labels: []string{"status"}},
	{
		name: metrics.StepDurationSeconds, help: "Pipeline step duration.", labels: []string{"step", "status"},
		buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	},
	{
		name: metrics.HTTPRequestDurationSeconds, help: "Time to response headers.", labels: []string{"status"},
		buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	},
	{
		name: metrics.HTTPResponseDurationSeconds, help: "Time to fully read the response body.", labels: []string{"status"},
		buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	},
	{
		name: metrics.HTTPDownloadBytes, help: "Response body size.", labels: []string{"status"},
		buckets: prometheus.ExponentialBuckets(256, 4, 10),
	},
}

// Backend implements metrics.Backend and metrics.Flusher.
type Backend struct {
	reg        *prometheus.Registry
	pusher     *push.Pusher
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string

	mu sync.Mutex // serializes pushes
}

// NewBackend builds a backend that pushes to gatewayURL under job.
// Extra groupings (e.g. run_id) are added to the push path.
func NewBackend(job, gatewayURL string, grouping map[string]string) (*Backend, error) {
	if strings.TrimSpace(job) == "" {
		return nil, eris.New("prompush: empty job name")
	}
	u, err := url.Parse(gatewayURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, eris.Errorf("prompush: invalid pushgateway url %q", gatewayURL)
	}

	b := &Backend{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelNames: make(map[string][]string),
	}
	for _, s := range specs {
		b.labelNames[s.name] = s.labels
		if s.buckets == nil {
			cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: s.name, Help: s.help}, s.labels)
			b.reg.MustRegister(cv)
			b.counters[s.name] = cv
			continue
		}
		hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: s.name, Help: s.help, Buckets: s.buckets}, s.labels)
		b.reg.MustRegister(hv)
		b.histograms[s.name] = hv
	}

	p := push.New(gatewayURL, job).Gatherer(b.reg)
	for k, v := range grouping {
		p = p.Grouping(k, v)
	}
	b.pusher = p
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	cv, ok := b.counters[name]
	if !ok || delta <= 0 {
		return
	}
	c, err := cv.GetMetricWith(b.resolve(name, labels))
	if err != nil {
		return
	}
	c.Add(delta)
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	hv, ok := b.histograms[name]
	if !ok || value < 0 {
		return
	}
	h, err := hv.GetMetricWith(b.resolve(name, labels))
	if err != nil {
		return
	}
	h.Observe(value)
}

// Flush pushes the whole registry, replacing the previous push for this
// job and grouping.
func (b *Backend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pusher.Push(); err != nil {
		return eris.Wrap(err, "prompush: push")
	}
	return nil
}

// resolve restricts labels to the vector's label names; missing ones become
// "unknown" so a sloppy caller never panics a vector.
func (b *Backend) resolve(name string, labels metrics.Labels) prometheus.Labels {
	names := b.labelNames[name]
	out := make(prometheus.Labels, len(names))
	for _, n := range names {
		v := labels[n]
		if v == "" {
			v = "unknown"
		}
		out[n] = v
	}
	return out
}

var (
	_ metrics.Backend = (*Backend)(nil)
	_ metrics.Flusher = (*Backend)(nil)
)
