// Package telemetry provides structured metrics and tracing for the
// adapter security core: Prometheus-exposition metrics for the engines in
// this module (permission cache, sandbox executions, audit queue health,
// threat findings, middleware decisions, resilience trips) and a small
// span tracer whose trace IDs can be used as audit events' correlation
// IDs (no component in this module sets them automatically).
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ------------------------------------------------------------------
// Metrics
// ------------------------------------------------------------------

// MetricType classifies a metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// MetricsRegistry collects and exposes application metrics.
type MetricsRegistry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewMetricsRegistry creates a metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name  string
	desc  string
	value atomic.Int64
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	name  string
	desc  string
	value atomic.Int64
}

// Histogram tracks value distributions with pre-defined buckets.
type Histogram struct {
	mu      sync.Mutex
	name    string
	desc    string
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

// GetCounter returns (or creates) a counter metric.
func (r *MetricsRegistry) GetCounter(name, description string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = &Counter{name: name, desc: description}
	r.counters[name] = c
	return c
}

// GetGauge returns (or creates) a gauge metric.
func (r *MetricsRegistry) GetGauge(name, description string) *Gauge {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok = r.gauges[name]; ok {
		return g
	}
	g = &Gauge{name: name, desc: description}
	r.gauges[name] = g
	return g
}

// GetHistogram returns (or creates) a histogram metric.
func (r *MetricsRegistry) GetHistogram(name, description string, buckets []float64) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	sort.Float64s(buckets)
	h = &Histogram{name: name, desc: description, buckets: buckets, counts: make([]int64, len(buckets)+1)}
	r.histograms[name] = h
	return h
}

func (c *Counter) Inc()             { c.value.Add(1) }
func (c *Counter) Add(n int64)      { c.value.Add(n) }
func (c *Counter) Value() int64     { return c.value.Load() }
func (g *Gauge) Set(v int64)        { g.value.Store(v) }
func (g *Gauge) Inc()               { g.value.Add(1) }
func (g *Gauge) Dec()               { g.value.Add(-1) }
func (g *Gauge) Value() int64       { return g.value.Load() }

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++
}

// ------------------------------------------------------------------
// Pre-defined security-core metrics
// ------------------------------------------------------------------

// SecurityMetrics holds the standard metric set for this module. The
// audit, permission, sandbox and middleware components update their
// fields once given the set via SetMetrics; the context-manager,
// validator, threat and resilience fields are not updated by any
// component in this module.
type SecurityMetrics struct {
	Registry *MetricsRegistry

	// C1 Context Manager
	ContextsCreated   *Counter
	ContextsExpired   *Counter
	SessionsSuspended *Counter
	ActiveSessions    *Gauge

	// C2 Permission Engine
	PermissionChecks   *Counter
	PermissionDenies   *Counter
	PermissionCacheHit *Counter
	PermissionCacheMiss *Counter
	PermissionEvalLatency *Histogram

	// C3 Security Validator
	ValidationFindings *Counter
	ValidationBlocks   *Counter

	// C4 Threat Detector
	ThreatFindings *Counter
	ThreatAlerts   *Counter

	// C5 Sandbox Engine
	SandboxExecutions *Counter
	SandboxBlocked    *Counter
	SandboxActive     *Gauge
	SandboxLatency    *Histogram

	// C6 Middleware Chain
	MiddlewareBlocks    *Counter
	MiddlewareLockdowns *Counter
	RateLimitRejects    *Counter

	// C7 Audit Log
	AuditEnqueued *Counter
	AuditDropped  *Counter
	AuditFlushed  *Counter
	AuditErrors   *Counter
	AuditQueueDepth *Gauge

	// Resilience
	CircuitBreakerTrips *Counter
	RetryAttempts       *Counter
	BulkheadRejects     *Counter
}

// NewSecurityMetrics creates the standard metrics suite for this module.
func NewSecurityMetrics() *SecurityMetrics {
	r := NewMetricsRegistry()
	latency := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}

	return &SecurityMetrics{
		Registry: r,

		ContextsCreated:   r.GetCounter("secctx_contexts_created_total", "Security contexts created"),
		ContextsExpired:   r.GetCounter("secctx_contexts_expired_total", "Security contexts expired or evicted"),
		SessionsSuspended: r.GetCounter("secctx_sessions_suspended_total", "Sessions suspended"),
		ActiveSessions:    r.GetGauge("secctx_active_sessions", "Currently active sessions"),

		PermissionChecks:      r.GetCounter("permission_checks_total", "Access decisions evaluated"),
		PermissionDenies:      r.GetCounter("permission_denies_total", "Access decisions resulting in deny"),
		PermissionCacheHit:    r.GetCounter("permission_cache_hits_total", "Permission decision cache hits"),
		PermissionCacheMiss:   r.GetCounter("permission_cache_misses_total", "Permission decision cache misses"),
		PermissionEvalLatency: r.GetHistogram("permission_eval_latency_seconds", "Access decision evaluation latency", latency),

		ValidationFindings: r.GetCounter("validator_findings_total", "Validator findings recorded"),
		ValidationBlocks:   r.GetCounter("validator_blocks_total", "Requests blocked by validation"),

		ThreatFindings: r.GetCounter("threat_findings_total", "Threat detector findings"),
		ThreatAlerts:   r.GetCounter("threat_alerts_total", "Aggregated threat alerts raised"),

		SandboxExecutions: r.GetCounter("sandbox_executions_total", "Sandbox code executions"),
		SandboxBlocked:    r.GetCounter("sandbox_blocked_total", "Sandbox executions blocked pre-run"),
		SandboxActive:     r.GetGauge("sandbox_active_environments", "Currently active sandbox environments"),
		SandboxLatency:    r.GetHistogram("sandbox_execution_latency_seconds", "Sandbox execution duration", latency),

		MiddlewareBlocks:    r.GetCounter("middleware_blocks_total", "Requests short-circuited by the middleware chain"),
		MiddlewareLockdowns: r.GetCounter("middleware_lockdowns_total", "Emergency lockdowns triggered"),
		RateLimitRejects:    r.GetCounter("rate_limit_rejects_total", "Requests rejected by rate limiting"),

		AuditEnqueued:   r.GetCounter("audit_events_enqueued_total", "Audit events enqueued"),
		AuditDropped:    r.GetCounter("audit_events_dropped_total", "Audit events dropped (queue full, non-blocking severity)"),
		AuditFlushed:    r.GetCounter("audit_events_flushed_total", "Audit events flushed to the store"),
		AuditErrors:     r.GetCounter("audit_store_errors_total", "Audit store write errors"),
		AuditQueueDepth: r.GetGauge("audit_queue_depth", "Current audit event queue depth"),

		CircuitBreakerTrips: r.GetCounter("resilience_circuit_breaker_trips_total", "Circuit breaker trip events"),
		RetryAttempts:       r.GetCounter("resilience_retry_attempts_total", "Retry attempts"),
		BulkheadRejects:     r.GetCounter("resilience_bulkhead_rejects_total", "Bulkhead rejections"),
	}
}

// ------------------------------------------------------------------
// Prometheus text exposition
// ------------------------------------------------------------------

// WriteProm writes the registry in Prometheus text exposition format.
// Kept independent of net/http so it can be mounted by whatever transport
// the embedding adapter uses.
func (r *MetricsRegistry) WriteProm(w interface{ Write([]byte) (int, error) }) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.counters {
		fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.desc)
		fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
		fmt.Fprintf(w, "%s %d\n", c.name, c.value.Load())
	}
	for _, g := range r.gauges {
		fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.desc)
		fmt.Fprintf(w, "# TYPE %s gauge\n", g.name)
		fmt.Fprintf(w, "%s %d\n", g.name, g.value.Load())
	}
	for _, h := range r.histograms {
		fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.desc)
		fmt.Fprintf(w, "# TYPE %s histogram\n", h.name)
		h.mu.Lock()
		cumulative := int64(0)
		for i, b := range h.buckets {
			cumulative += h.counts[i]
			fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, cumulative)
		}
		cumulative += h.counts[len(h.buckets)]
		fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, cumulative)
		fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
		fmt.Fprintf(w, "%s_count %d\n", h.name, h.count)
		h.mu.Unlock()
	}
}

// ------------------------------------------------------------------
// Structured tracing
// ------------------------------------------------------------------

// Span represents a unit of work in a trace. A Span's TraceID is suitable
// for use as an audit Event's CorrelationID, tying a request's audit
// trail back to its trace.
type Span struct {
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Name       string            `json:"name"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time,omitempty"`
	Duration   time.Duration     `json:"duration,omitempty"`
	Status     string            `json:"status"` // "ok", "error"
	Attributes map[string]string `json:"attributes,omitempty"`
	Events     []SpanEvent       `json:"events,omitempty"`
}

// SpanEvent is a timestamped annotation within a span.
type SpanEvent struct {
	Name       string            `json:"name"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Tracer creates and manages spans, retaining a bounded ring for
// querying.
type Tracer struct {
	mu       sync.Mutex
	spans    []*Span
	maxSpans int
	logger   *slog.Logger
}

// NewTracer creates a tracer.
func NewTracer(maxSpans int, logger *slog.Logger) *Tracer {
	if maxSpans <= 0 {
		maxSpans = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{spans: make([]*Span, 0, maxSpans), maxSpans: maxSpans, logger: logger}
}

type traceContextKey struct{}

// StartSpan begins a new span and attaches it to the context. If ctx
// already carries a span, the new span inherits its TraceID.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, *Span) {
	span := &Span{
		TraceID:    uuid.NewString(),
		SpanID:     uuid.NewString(),
		Name:       name,
		StartTime:  time.Now(),
		Status:     "ok",
		Attributes: attrs,
	}

	if parent, ok := ctx.Value(traceContextKey{}).(*Span); ok {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}

	return context.WithValue(ctx, traceContextKey{}, span), span
}

// SpanFromContext returns the active span, if any.
func SpanFromContext(ctx context.Context) (*Span, bool) {
	s, ok := ctx.Value(traceContextKey{}).(*Span)
	return s, ok
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = "error"
		span.AddEvent("error", map[string]string{"message": err.Error()})
	}

	t.mu.Lock()
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[t.maxSpans/10:]
	}
	t.spans = append(t.spans, span)
	t.mu.Unlock()

	t.logger.Debug("span completed",
		"trace_id", span.TraceID,
		"span_id", span.SpanID,
		"name", span.Name,
		"duration", span.Duration,
		"status", span.Status,
	)
}

// AddEvent adds a timestamped event to a span.
func (s *Span) AddEvent(name string, attrs map[string]string) {
	s.Events = append(s.Events, SpanEvent{Name: name, Timestamp: time.Now(), Attributes: attrs})
}

// QuerySpans returns recent spans matching the filter.
func (t *Tracer) QuerySpans(opts SpanQueryOptions) []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Span
	for _, s := range t.spans {
		if opts.TraceID != "" && s.TraceID != opts.TraceID {
			continue
		}
		if opts.Name != "" && s.Name != opts.Name {
			continue
		}
		if !opts.Since.IsZero() && s.StartTime.Before(opts.Since) {
			continue
		}
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		out = append(out, s)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// SpanQueryOptions filters trace queries.
type SpanQueryOptions struct {
	TraceID string
	Name    string
	Status  string
	Since   time.Time
	Limit   int
}
