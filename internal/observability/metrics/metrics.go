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

type deliveryLabel struct {
	mode string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// gateway envelope traffic, message routing, notification dispatch, and
// retention purges. Concurrent writers coordinate through a RWMutex; the
// active-connection gauge is atomic.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	gatewayEvents     map[string]uint64
	routedMessages    map[deliveryLabel]uint64
	notifications     map[string]uint64
	queueEvents       map[string]uint64
	purgedTotal       uint64
	activeConnections atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can record immediately.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		gatewayEvents:   make(map[string]uint64),
		routedMessages:  make(map[deliveryLabel]uint64),
		notifications:   make(map[string]uint64),
		queueEvents:     make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not carry
// their own instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by method,
// normalized path, and status.
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

// ObserveGatewayEvent counts a websocket envelope by its type discriminator.
func (r *Recorder) ObserveGatewayEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.gatewayEvents[normalized]++
	r.mu.Unlock()
}

// ObserveRoutedMessage counts a routed chat message by delivery mode
// ("pushed" when the recipient was online, "stored" when offline).
func (r *Recorder) ObserveRoutedMessage(mode string) {
	label := deliveryLabel{mode: normalizeName(mode)}
	r.mu.Lock()
	r.routedMessages[label]++
	r.mu.Unlock()
}

// ObserveNotification counts a dispatched notification by type.
func (r *Recorder) ObserveNotification(notificationType string) {
	normalized := normalizeName(notificationType)
	r.mu.Lock()
	r.notifications[normalized]++
	r.mu.Unlock()
}

// ObserveQueueEvent counts notify-queue activity ("published", "consumed",
// "publish_failed").
func (r *Recorder) ObserveQueueEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.queueEvents[normalized]++
	r.mu.Unlock()
}

// ObservePurgedNotifications adds to the retention purge total.
func (r *Recorder) ObservePurgedNotifications(count int) {
	if count <= 0 {
		return
	}
	r.mu.Lock()
	r.purgedTotal += uint64(count)
	r.mu.Unlock()
}

// ConnectionOpened increments the live-connection gauge.
func (r *Recorder) ConnectionOpened() {
	r.activeConnections.Add(1)
}

// ConnectionClosed decrements the live-connection gauge, never below zero.
func (r *Recorder) ConnectionClosed() {
	for {
		current := r.activeConnections.Load()
		if current <= 0 {
			return
		}
		if r.activeConnections.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// ActiveConnections exposes the current gauge of authenticated connections.
func (r *Recorder) ActiveConnections() int64 {
	return r.activeConnections.Load()
}

// GatewayEventCounts returns a copy of the gateway event counters for tests.
func (r *Recorder) GatewayEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]uint64, len(r.gatewayEvents))
	for event, count := range r.gatewayEvents {
		counts[event] = count
	}
	return counts
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.gatewayEvents = make(map[string]uint64)
	r.routedMessages = make(map[deliveryLabel]uint64)
	r.notifications = make(map[string]uint64)
	r.queueEvents = make(map[string]uint64)
	r.purgedTotal = 0
	r.activeConnections.Store(0)
}

// Handler exposes the Recorder as an http.Handler writing Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with sorted label sets
// for stable scrapes.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	gatewayEvents := sortedKeys(r.gatewayEvents)
	notificationTypes := sortedKeys(r.notifications)
	queueEvents := sortedKeys(r.queueEvents)
	deliveryModes := r.sortedDeliveryModes()

	fmt.Fprintln(w, "# HELP reelsync_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE reelsync_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "reelsync_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP reelsync_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE reelsync_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "reelsync_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP reelsync_gateway_events_total Gateway envelopes by type")
	fmt.Fprintln(w, "# TYPE reelsync_gateway_events_total counter")
	for _, event := range gatewayEvents {
		fmt.Fprintf(w, "reelsync_gateway_events_total{event=%q} %d\n", event, r.gatewayEvents[event])
	}

	fmt.Fprintln(w, "# HELP reelsync_routed_messages_total Routed chat messages by delivery mode")
	fmt.Fprintln(w, "# TYPE reelsync_routed_messages_total counter")
	for _, label := range deliveryModes {
		fmt.Fprintf(w, "reelsync_routed_messages_total{mode=%q} %d\n", label.mode, r.routedMessages[label])
	}

	fmt.Fprintln(w, "# HELP reelsync_notifications_total Dispatched notifications by type")
	fmt.Fprintln(w, "# TYPE reelsync_notifications_total counter")
	for _, notificationType := range notificationTypes {
		fmt.Fprintf(w, "reelsync_notifications_total{type=%q} %d\n", notificationType, r.notifications[notificationType])
	}

	fmt.Fprintln(w, "# HELP reelsync_queue_events_total Notification queue activity by outcome")
	fmt.Fprintln(w, "# TYPE reelsync_queue_events_total counter")
	for _, event := range queueEvents {
		fmt.Fprintf(w, "reelsync_queue_events_total{event=%q} %d\n", event, r.queueEvents[event])
	}

	fmt.Fprintln(w, "# HELP reelsync_purged_notifications_total Notifications deleted by the retention purger")
	fmt.Fprintln(w, "# TYPE reelsync_purged_notifications_total counter")
	fmt.Fprintf(w, "reelsync_purged_notifications_total %d\n", r.purgedTotal)

	fmt.Fprintln(w, "# HELP reelsync_active_connections Current number of authenticated gateway connections")
	fmt.Fprintln(w, "# TYPE reelsync_active_connections gauge")
	fmt.Fprintf(w, "reelsync_active_connections %d\n", r.activeConnections.Load())
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

func (r *Recorder) sortedDeliveryModes() []deliveryLabel {
	labels := make([]deliveryLabel, 0, len(r.routedMessages))
	for label := range r.routedMessages {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].mode < labels[j].mode
	})
	return labels
}

func sortedKeys(counts map[string]uint64) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
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
	if len(segment) >= 16 {
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

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest records on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveGatewayEvent records on the default recorder.
func ObserveGatewayEvent(event string) {
	defaultRecorder.ObserveGatewayEvent(event)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
