package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, relay sessions, chunk throughput, pipeline stage outcomes, and
// external adapter calls. It coordinates concurrent writers via a RWMutex
// while exposing thread-safe gauges for live session tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	activeSessions  atomic.Int64
	chunkCount      atomic.Uint64
	chunkBytes      atomic.Uint64
	pipelineEvents  map[PipelineLabel]uint64
	activePipelines atomic.Int64
	adapterAttempts map[string]uint64
	adapterFailures map[string]uint64
	relayEvents     map[string]uint64
}

// PipelineLabel identifies a pipeline stage outcome.
type PipelineLabel struct {
	Stage  string
	Status string
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		pipelineEvents:  make(map[PipelineLabel]uint64),
		adapterAttempts: make(map[string]uint64),
		adapterFailures: make(map[string]uint64),
		relayEvents:     make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   path,
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionConnected records a connection event and increments the active
// session gauge atomically so concurrent connections remain consistent.
func (r *Recorder) SessionConnected() {
	r.incrementSessionEvent("connect")
	r.activeSessions.Add(1)
}

// SessionDisconnected records a disconnect event and decrements the active
// session gauge, guarding against negative counts when concurrent updates
// race.
func (r *Recorder) SessionDisconnected() {
	r.incrementSessionEvent("disconnect")
	r.decrementGauge(&r.activeSessions)
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// ObserveChunk accumulates received chunk count and byte totals.
func (r *Recorder) ObserveChunk(size int) {
	r.chunkCount.Add(1)
	if size > 0 {
		r.chunkBytes.Add(uint64(size))
	}
}

// PipelineStarted increments the active pipeline gauge.
func (r *Recorder) PipelineStarted() {
	r.activePipelines.Add(1)
}

// PipelineFinished decrements the active pipeline gauge.
func (r *Recorder) PipelineFinished() {
	r.decrementGauge(&r.activePipelines)
}

// ObservePipelineStage records one stage outcome, keyed by stage name and
// status (e.g. "upload"/"ok", "notify_complete"/"fail", "enhance"/"skipped").
func (r *Recorder) ObservePipelineStage(stage, status string) {
	label := PipelineLabel{Stage: normalizeName(stage), Status: normalizeName(status)}
	r.mu.Lock()
	r.pipelineEvents[label]++
	r.mu.Unlock()
}

// ObserveAdapterAttempt records an external adapter call attempt keyed by
// operation name (e.g. "begin_processing", "upload", "transcribe").
func (r *Recorder) ObserveAdapterAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.adapterAttempts[op]++
	r.mu.Unlock()
}

// ObserveAdapterFailure records a failed external adapter call keyed by
// operation name. The caller should also record the attempt separately.
func (r *Recorder) ObserveAdapterFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.adapterFailures[op]++
	r.mu.Unlock()
}

// ObserveRelayEvent records an outbound relay event type for throughput
// monitoring.
func (r *Recorder) ObserveRelayEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.relayEvents[normalized]++
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of connected sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ActivePipelines exposes the current number of in-flight pipeline runs.
func (r *Recorder) ActivePipelines() int64 {
	return r.activePipelines.Load()
}

// ChunkCounts returns the total chunk count and byte totals observed so far.
func (r *Recorder) ChunkCounts() (count uint64, bytes uint64) {
	return r.chunkCount.Load(), r.chunkBytes.Load()
}

// AdapterCounts returns copies of adapter attempt and failure counters for
// testing and reporting purposes.
func (r *Recorder) AdapterCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.adapterAttempts))
	for k, v := range r.adapterAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.adapterFailures))
	for k, v := range r.adapterFailures {
		failures[k] = v
	}
	return attempts, failures
}

// PipelineCounts returns copies of pipeline stage counters and the current
// active pipeline gauge value.
func (r *Recorder) PipelineCounts() (events map[PipelineLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[PipelineLabel]uint64, len(r.pipelineEvents))
	for k, v := range r.pipelineEvents {
		events[k] = v
	}
	return events, r.activePipelines.Load()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.pipelineEvents = make(map[PipelineLabel]uint64)
	r.adapterAttempts = make(map[string]uint64)
	r.adapterFailures = make(map[string]uint64)
	r.relayEvents = make(map[string]uint64)
	r.activeSessions.Store(0)
	r.activePipelines.Store(0)
	r.chunkCount.Store(0)
	r.chunkBytes.Store(0)
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	pipelineLabels := r.sortedPipelineLabels()
	adapterOps := r.sortedAdapterOperations()
	relayEvents := sortedKeys(r.relayEvents)

	fmt.Fprintln(w, "# HELP opalrelay_http_requests_total Total number of HTTP requests processed by the relay")
	fmt.Fprintln(w, "# TYPE opalrelay_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "opalrelay_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP opalrelay_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE opalrelay_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "opalrelay_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP opalrelay_session_events_total Connection lifecycle events by type")
	fmt.Fprintln(w, "# TYPE opalrelay_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "opalrelay_session_events_total{event=%q} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP opalrelay_active_sessions Current number of connected sessions")
	fmt.Fprintln(w, "# TYPE opalrelay_active_sessions gauge")
	fmt.Fprintf(w, "opalrelay_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP opalrelay_chunks_received_total Total media chunks buffered across all sessions")
	fmt.Fprintln(w, "# TYPE opalrelay_chunks_received_total counter")
	fmt.Fprintf(w, "opalrelay_chunks_received_total %d\n", r.chunkCount.Load())

	fmt.Fprintln(w, "# HELP opalrelay_chunk_bytes_total Total media bytes buffered across all sessions")
	fmt.Fprintln(w, "# TYPE opalrelay_chunk_bytes_total counter")
	fmt.Fprintf(w, "opalrelay_chunk_bytes_total %d\n", r.chunkBytes.Load())

	fmt.Fprintln(w, "# HELP opalrelay_pipeline_stage_events_total Pipeline stage outcomes by stage and status")
	fmt.Fprintln(w, "# TYPE opalrelay_pipeline_stage_events_total counter")
	for _, label := range pipelineLabels {
		count := r.pipelineEvents[label]
		fmt.Fprintf(w, "opalrelay_pipeline_stage_events_total{stage=%q,status=%q} %d\n", label.Stage, label.Status, count)
	}

	fmt.Fprintln(w, "# HELP opalrelay_active_pipelines Current number of in-flight pipeline runs")
	fmt.Fprintln(w, "# TYPE opalrelay_active_pipelines gauge")
	fmt.Fprintf(w, "opalrelay_active_pipelines %d\n", r.activePipelines.Load())

	fmt.Fprintln(w, "# HELP opalrelay_adapter_attempts_total External adapter calls attempted by operation")
	fmt.Fprintln(w, "# TYPE opalrelay_adapter_attempts_total counter")
	for _, op := range adapterOps {
		fmt.Fprintf(w, "opalrelay_adapter_attempts_total{operation=%q} %d\n", op, r.adapterAttempts[op])
	}

	fmt.Fprintln(w, "# HELP opalrelay_adapter_failures_total External adapter call failures by operation")
	fmt.Fprintln(w, "# TYPE opalrelay_adapter_failures_total counter")
	for _, op := range adapterOps {
		fmt.Fprintf(w, "opalrelay_adapter_failures_total{operation=%q} %d\n", op, r.adapterFailures[op])
	}

	fmt.Fprintln(w, "# HELP opalrelay_events_total Outbound relay events by type")
	fmt.Fprintln(w, "# TYPE opalrelay_events_total counter")
	for _, event := range relayEvents {
		fmt.Fprintf(w, "opalrelay_events_total{event=%q} %d\n", event, r.relayEvents[event])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedPipelineLabels() []PipelineLabel {
	labels := make([]PipelineLabel, 0, len(r.pipelineEvents))
	for label := range r.pipelineEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Stage != labels[j].Stage {
			return labels[i].Stage < labels[j].Stage
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func (r *Recorder) sortedAdapterOperations() []string {
	ops := make(map[string]struct{}, len(r.adapterAttempts)+len(r.adapterFailures))
	for op := range r.adapterAttempts {
		ops[op] = struct{}{}
	}
	for op := range r.adapterFailures {
		ops[op] = struct{}{}
	}
	out := make([]string, 0, len(ops))
	for op := range ops {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
