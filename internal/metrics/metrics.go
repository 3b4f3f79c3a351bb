// Package metrics is the backend-agnostic metrics facade used by the
// extraction pipeline.
//
// Core code only calls the package-level helpers. A concrete backend
// (Datadog, Pushgateway) is installed once at startup with SetBackend; until
// then every call is a no-op.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names. Backends switch on these; unknown names are ignored.
const (
	StepTotal           = "gp_step_total"
	StepDurationSeconds = "gp_step_duration_seconds"
	RecordsTotal        = "gp_records_total"
	WindowsTotal        = "gp_windows_total"
	FetchAttemptsTotal  = "gp_fetch_attempts_total"
	CatalogBatchesTotal = "gp_catalog_batches_total"

	HTTPRequestsTotal           = "gp_http_requests_total"
	HTTPErrorsTotal             = "gp_http_errors_total"
	HTTPRequestDurationSeconds  = "gp_http_request_duration_seconds"
	HTTPResponseDurationSeconds = "gp_http_response_duration_seconds"
	HTTPDownloadBytes           = "gp_http_download_bytes"
)

// Labels are metric dimensions (e.g. {"step": "fetch", "status": "ok"}).
type Labels map[string]string

// Backend receives metric events.
//
// Implementations must be safe for concurrent use; the datadog backend, for
// example, flushes from its own goroutine.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer.
type Flusher interface {
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	current Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the
// no-op backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	current = b
	mu.Unlock()
}

func backend() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Flush flushes the installed backend if it buffers. It returns nil for
// backends that do not implement Flusher.
func Flush() error {
	if f, ok := backend().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	backend().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	backend().ObserveHistogram(name, value, labels)
}

// RecordStep counts one pipeline step and observes its duration.
// status is "ok" when err is nil and "error" otherwise.
func RecordStep(step string, err error, d time.Duration) {
	l := Labels{"step": step, "status": statusOf(err)}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords counts n records of the given kind
// (raw, embedded_error, rejected, normalized, enriched, written).
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordWindow counts one processed window by the source that served it
// ("none" when every source was exhausted).
func RecordWindow(source string) {
	IncCounter(WindowsTotal, 1, Labels{"source": source})
}

// RecordAttempt counts one query attempt against a source.
func RecordAttempt(source string, err error) {
	IncCounter(FetchAttemptsTotal, 1, Labels{"source": source, "status": statusOf(err)})
}

// RecordCatalogBatch counts one catalog lookup batch.
func RecordCatalogBatch() {
	IncCounter(CatalogBatchesTotal, 1, nil)
}

// RecordHTTP records one HTTP round-trip.
//
// status is the HTTP status code (0 when no response was received). reqDur
// is time to response headers, respDur is time until the body was consumed.
// size < 0 means unknown and is not observed.
func RecordHTTP(status int, err error, reqDur, respDur time.Duration, size int64) {
	st := "0"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	l := Labels{"status": st}

	IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status == 0 || status >= 400 {
		IncCounter(HTTPErrorsTotal, 1, l)
	}
	if reqDur >= 0 {
		ObserveHistogram(HTTPRequestDurationSeconds, reqDur.Seconds(), l)
	}
	if respDur >= 0 {
		ObserveHistogram(HTTPResponseDurationSeconds, respDur.Seconds(), l)
	}
	if size >= 0 {
		ObserveHistogram(HTTPDownloadBytes, float64(size), l)
	}
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
