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

// Recorder aggregates in-memory counters and gauges for HTTP requests, relay
// session lifecycle, handover outcomes, listener population, and rate limiter
// rejections. Counter maps are guarded by a RWMutex; hot gauges use atomics.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	relayEvents      map[string]uint64
	handoverOutcomes map[string]uint64
	limiterRejects   map[string]uint64
	egressAttempts   map[string]uint64
	egressFailures   map[string]uint64
	statusEmits      atomic.Uint64
	activeRelays     atomic.Int64
	connectedCount   atomic.Int64
	peakListeners    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder ready for immediate use.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		relayEvents:      make(map[string]uint64),
		handoverOutcomes: make(map[string]uint64),
		limiterRejects:   make(map[string]uint64),
		egressAttempts:   make(map[string]uint64),
		egressFailures:   make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder shared by the package helpers.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// RelayStarted records a relay session start and bumps the active gauge.
func (r *Recorder) RelayStarted() {
	r.incrementRelayEvent("start")
	r.activeRelays.Add(1)
}

// RelayStopped records an orderly relay close and decrements the gauge.
func (r *Recorder) RelayStopped() {
	r.incrementRelayEvent("stop")
	r.decrementGauge(&r.activeRelays)
}

// RelayAborted records an abnormal relay teardown and decrements the gauge.
func (r *Recorder) RelayAborted() {
	r.incrementRelayEvent("abort")
	r.decrementGauge(&r.activeRelays)
}

// RelayStartFailed records a session that never reached streaming.
func (r *Recorder) RelayStartFailed() {
	r.incrementRelayEvent("start_failed")
}

func (r *Recorder) incrementRelayEvent(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	r.relayEvents[name]++
	r.mu.Unlock()
}

// ObserveHandover records a handover attempt outcome: "accepted", or the
// rejection category for refused attempts.
func (r *Recorder) ObserveHandover(outcome string) {
	name := normalizeName(outcome)
	r.mu.Lock()
	r.handoverOutcomes[name]++
	r.mu.Unlock()
}

// ObserveRateLimited records a request rejected by the limiter, keyed by
// bucket category.
func (r *Recorder) ObserveRateLimited(category string) {
	name := normalizeName(category)
	r.mu.Lock()
	r.limiterRejects[name]++
	r.mu.Unlock()
}

// ObserveEgressAttempt records an Icecast egress operation attempt keyed by
// operation name (e.g. "launch", "status_probe").
func (r *Recorder) ObserveEgressAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.egressAttempts[op]++
	r.mu.Unlock()
}

// ObserveEgressFailure records a failed egress operation. Callers record the
// attempt separately.
func (r *Recorder) ObserveEgressFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.egressFailures[op]++
	r.mu.Unlock()
}

// StatusEmitted counts listener status snapshots pushed to subscribers.
func (r *Recorder) StatusEmitted() {
	r.statusEmits.Add(1)
}

// StatusEmits exposes the snapshot counter.
func (r *Recorder) StatusEmits() uint64 {
	return r.statusEmits.Load()
}

// SetConnectedListeners updates the listener gauge and raises the peak
// watermark when exceeded.
func (r *Recorder) SetConnectedListeners(count int64) {
	if count < 0 {
		count = 0
	}
	r.connectedCount.Store(count)
	for {
		peak := r.peakListeners.Load()
		if count <= peak {
			return
		}
		if r.peakListeners.CompareAndSwap(peak, count) {
			return
		}
	}
}

// ActiveRelays exposes the current gauge of live relay sessions.
func (r *Recorder) ActiveRelays() int64 {
	return r.activeRelays.Load()
}

// ConnectedListeners exposes the current listener gauge.
func (r *Recorder) ConnectedListeners() int64 {
	return r.connectedCount.Load()
}

// PeakListeners exposes the high watermark of the listener gauge.
func (r *Recorder) PeakListeners() int64 {
	return r.peakListeners.Load()
}

// RelayEventCounts returns a copy of the relay lifecycle counters.
func (r *Recorder) RelayEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.relayEvents))
	for k, v := range r.relayEvents {
		events[k] = v
	}
	return events
}

// HandoverCounts returns a copy of the handover outcome counters.
func (r *Recorder) HandoverCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	outcomes := make(map[string]uint64, len(r.handoverOutcomes))
	for k, v := range r.handoverOutcomes {
		outcomes[k] = v
	}
	return outcomes
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.relayEvents = make(map[string]uint64)
	r.handoverOutcomes = make(map[string]uint64)
	r.limiterRejects = make(map[string]uint64)
	r.egressAttempts = make(map[string]uint64)
	r.egressFailures = make(map[string]uint64)
	r.statusEmits.Store(0)
	r.activeRelays.Store(0)
	r.connectedCount.Store(0)
	r.peakListeners.Store(0)
}

// Handler exposes the Recorder in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics with sorted label sets so scrapes and tests see
// stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	relayEvents := sortedKeys(r.relayEvents)
	handoverOutcomes := sortedKeys(r.handoverOutcomes)
	limiterCategories := sortedKeys(r.limiterRejects)
	egressOperations := r.sortedEgressOperations()

	fmt.Fprintln(w, "# HELP airwave_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE airwave_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "airwave_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP airwave_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE airwave_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "airwave_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP airwave_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE airwave_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "airwave_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP airwave_relay_events_total Relay session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE airwave_relay_events_total counter")
	for _, event := range relayEvents {
		fmt.Fprintf(w, "airwave_relay_events_total{event=\"%s\"} %d\n", event, r.relayEvents[event])
	}

	fmt.Fprintln(w, "# HELP airwave_relay_active_sessions Current number of live relay sessions")
	fmt.Fprintln(w, "# TYPE airwave_relay_active_sessions gauge")
	fmt.Fprintf(w, "airwave_relay_active_sessions %d\n", r.activeRelays.Load())

	fmt.Fprintln(w, "# HELP airwave_handover_outcomes_total DJ handover attempts by outcome")
	fmt.Fprintln(w, "# TYPE airwave_handover_outcomes_total counter")
	for _, outcome := range handoverOutcomes {
		fmt.Fprintf(w, "airwave_handover_outcomes_total{outcome=\"%s\"} %d\n", outcome, r.handoverOutcomes[outcome])
	}

	fmt.Fprintln(w, "# HELP airwave_rate_limited_total Requests rejected by the rate limiter by category")
	fmt.Fprintln(w, "# TYPE airwave_rate_limited_total counter")
	for _, category := range limiterCategories {
		fmt.Fprintf(w, "airwave_rate_limited_total{category=\"%s\"} %d\n", category, r.limiterRejects[category])
	}

	fmt.Fprintln(w, "# HELP airwave_egress_attempts_total Icecast egress operations attempted by action")
	fmt.Fprintln(w, "# TYPE airwave_egress_attempts_total counter")
	for _, op := range egressOperations {
		fmt.Fprintf(w, "airwave_egress_attempts_total{operation=\"%s\"} %d\n", op, r.egressAttempts[op])
	}

	fmt.Fprintln(w, "# HELP airwave_egress_failures_total Icecast egress operation failures by action")
	fmt.Fprintln(w, "# TYPE airwave_egress_failures_total counter")
	for _, op := range egressOperations {
		fmt.Fprintf(w, "airwave_egress_failures_total{operation=\"%s\"} %d\n", op, r.egressFailures[op])
	}

	fmt.Fprintln(w, "# HELP airwave_listener_status_emits_total Listener status snapshots pushed to subscribers")
	fmt.Fprintln(w, "# TYPE airwave_listener_status_emits_total counter")
	fmt.Fprintf(w, "airwave_listener_status_emits_total %d\n", r.statusEmits.Load())

	fmt.Fprintln(w, "# HELP airwave_connected_listeners Current number of connected listener sockets")
	fmt.Fprintln(w, "# TYPE airwave_connected_listeners gauge")
	fmt.Fprintf(w, "airwave_connected_listeners %d\n", r.connectedCount.Load())

	fmt.Fprintln(w, "# HELP airwave_peak_listeners High watermark of connected listeners since start")
	fmt.Fprintln(w, "# TYPE airwave_peak_listeners gauge")
	fmt.Fprintf(w, "airwave_peak_listeners %d\n", r.peakListeners.Load())
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

func (r *Recorder) sortedEgressOperations() []string {
	seen := make(map[string]struct{}, len(r.egressAttempts)+len(r.egressFailures))
	for op := range r.egressAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.egressFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
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

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// RelayStarted increments counters on the default recorder.
func RelayStarted() {
	defaultRecorder.RelayStarted()
}

// RelayStopped decrements the active relay gauge on the default recorder.
func RelayStopped() {
	defaultRecorder.RelayStopped()
}

// ObserveHandover records a handover outcome on the default recorder.
func ObserveHandover(outcome string) {
	defaultRecorder.ObserveHandover(outcome)
}

// ObserveRateLimited records a limiter rejection on the default recorder.
func ObserveRateLimited(category string) {
	defaultRecorder.ObserveRateLimited(category)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
