package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCounter(t *testing.T) {
	r := NewMetricsRegistry()
	c := r.GetCounter("test_counter", "A test counter")

	if c.Value() != 0 {
		t.Errorf("expected initial value 0, got %d", c.Value())
	}
	c.Inc()
	if c.Value() != 1 {
		t.Errorf("expected 1, got %d", c.Value())
	}
	c.Add(5)
	if c.Value() != 6 {
		t.Errorf("expected 6, got %d", c.Value())
	}
}

func TestCounter_GetExisting(t *testing.T) {
	r := NewMetricsRegistry()
	c1 := r.GetCounter("test", "desc")
	c1.Inc()
	c2 := r.GetCounter("test", "desc")

	if c1 != c2 {
		t.Fatal("expected same counter instance")
	}
	if c2.Value() != 1 {
		t.Errorf("expected 1, got %d", c2.Value())
	}
}

func TestGauge(t *testing.T) {
	r := NewMetricsRegistry()
	g := r.GetGauge("test_gauge", "A test gauge")

	g.Set(42)
	if g.Value() != 42 {
		t.Errorf("expected 42, got %d", g.Value())
	}
	g.Inc()
	if g.Value() != 43 {
		t.Errorf("expected 43, got %d", g.Value())
	}
	g.Dec()
	if g.Value() != 42 {
		t.Errorf("expected 42, got %d", g.Value())
	}
}

func TestHistogram(t *testing.T) {
	r := NewMetricsRegistry()
	h := r.GetHistogram("test_hist", "A test histogram", []float64{1, 5, 10, 50})

	h.Observe(0.5)
	h.Observe(3.0)
	h.Observe(7.5)
	h.Observe(25.0)
	h.Observe(100)

	if h.count != 5 {
		t.Errorf("expected count 5, got %d", h.count)
	}
	expectedSum := 0.5 + 3.0 + 7.5 + 25.0 + 100.0
	if h.sum != expectedSum {
		t.Errorf("expected sum %f, got %f", expectedSum, h.sum)
	}
}

func TestHistogram_BucketsSorted(t *testing.T) {
	r := NewMetricsRegistry()
	h := r.GetHistogram("sorted", "desc", []float64{10, 1, 5})

	if h.buckets[0] != 1 || h.buckets[1] != 5 || h.buckets[2] != 10 {
		t.Errorf("buckets not sorted: %v", h.buckets)
	}
}

func TestMetricsRegistry_ConcurrentAccess(t *testing.T) {
	r := NewMetricsRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.GetCounter("concurrent_counter", "test").Inc()
			r.GetGauge("concurrent_gauge", "test").Inc()
			r.GetHistogram("concurrent_hist", "test", []float64{1, 5, 10}).Observe(float64(i))
		}(i)
	}
	wg.Wait()

	if r.GetCounter("concurrent_counter", "test").Value() != 100 {
		t.Error("expected counter 100")
	}
	if r.GetGauge("concurrent_gauge", "test").Value() != 100 {
		t.Error("expected gauge 100")
	}
}

func TestNewSecurityMetrics(t *testing.T) {
	m := NewSecurityMetrics()
	if m == nil || m.Registry == nil {
		t.Fatal("expected non-nil metrics and registry")
	}

	checks := []struct {
		name   string
		metric interface{ Value() int64 }
	}{
		{"ContextsCreated", m.ContextsCreated},
		{"PermissionChecks", m.PermissionChecks},
		{"PermissionDenies", m.PermissionDenies},
		{"ValidationFindings", m.ValidationFindings},
		{"ThreatFindings", m.ThreatFindings},
		{"SandboxExecutions", m.SandboxExecutions},
		{"MiddlewareBlocks", m.MiddlewareBlocks},
		{"AuditEnqueued", m.AuditEnqueued},
		{"CircuitBreakerTrips", m.CircuitBreakerTrips},
	}
	for _, check := range checks {
		if check.metric == nil {
			t.Errorf("%s is nil", check.name)
		}
	}
	if m.PermissionEvalLatency == nil {
		t.Error("PermissionEvalLatency is nil")
	}
	if m.SandboxLatency == nil {
		t.Error("SandboxLatency is nil")
	}
}

func TestSecurityMetrics_Usage(t *testing.T) {
	m := NewSecurityMetrics()

	m.PermissionChecks.Inc()
	m.PermissionDenies.Inc()
	m.ActiveSessions.Set(5)
	m.PermissionEvalLatency.Observe(0.002)

	if m.PermissionChecks.Value() != 1 {
		t.Errorf("expected 1, got %d", m.PermissionChecks.Value())
	}
	if m.ActiveSessions.Value() != 5 {
		t.Errorf("expected 5, got %d", m.ActiveSessions.Value())
	}
}

func TestWriteProm(t *testing.T) {
	r := NewMetricsRegistry()
	r.GetCounter("test_requests_total", "Total requests").Add(42)
	r.GetGauge("test_active", "Active connections").Set(5)
	h := r.GetHistogram("test_latency_seconds", "Request latency", []float64{0.1, 0.5, 1.0})
	h.Observe(0.3)
	h.Observe(0.8)

	var buf bytes.Buffer
	r.WriteProm(&buf)
	body := buf.String()

	if !strings.Contains(body, "test_requests_total 42") {
		t.Error("expected counter in output")
	}
	if !strings.Contains(body, "test_active 5") {
		t.Error("expected gauge in output")
	}
	if !strings.Contains(body, "test_latency_seconds_count 2") {
		t.Error("expected histogram count in output")
	}
	if !strings.Contains(body, "# TYPE test_requests_total counter") {
		t.Error("expected counter TYPE annotation")
	}
}

func TestTracer_StartAndEndSpan(t *testing.T) {
	tracer := NewTracer(100, testLogger())
	ctx := context.Background()

	ctx, span := tracer.StartSpan(ctx, "test-operation", map[string]string{"key": "value"})
	if span.Name != "test-operation" {
		t.Errorf("expected name 'test-operation', got %s", span.Name)
	}
	if span.TraceID == "" || span.SpanID == "" {
		t.Error("expected non-empty trace/span IDs")
	}
	if span.Attributes["key"] != "value" {
		t.Error("expected attribute key=value")
	}
	if got, ok := SpanFromContext(ctx); !ok || got != span {
		t.Error("expected context to carry the started span")
	}

	tracer.EndSpan(span, nil)
	if span.Status != "ok" {
		t.Errorf("expected status 'ok', got %s", span.Status)
	}
	if span.Duration <= 0 {
		t.Error("expected positive duration")
	}
}

func TestTracer_EndSpanWithError(t *testing.T) {
	tracer := NewTracer(100, testLogger())
	_, span := tracer.StartSpan(context.Background(), "failing-op", nil)

	tracer.EndSpan(span, errors.New("something went wrong"))
	if span.Status != "error" {
		t.Errorf("expected status 'error', got %s", span.Status)
	}
	if len(span.Events) == 0 || span.Events[0].Name != "error" {
		t.Fatal("expected error event")
	}
	if span.Events[0].Attributes["message"] != "something went wrong" {
		t.Error("expected error message in event")
	}
}

func TestTracer_ParentChildSpans(t *testing.T) {
	tracer := NewTracer(100, testLogger())
	ctx := context.Background()

	ctx, parent := tracer.StartSpan(ctx, "parent-op", nil)
	_, child := tracer.StartSpan(ctx, "child-op", nil)

	if child.TraceID != parent.TraceID {
		t.Error("child should inherit parent's trace ID")
	}
	if child.ParentID != parent.SpanID {
		t.Error("child's parent ID should be parent's span ID")
	}
}

func TestTracer_QuerySpans(t *testing.T) {
	tracer := NewTracer(100, testLogger())

	_, s1 := tracer.StartSpan(context.Background(), "op-a", nil)
	tracer.EndSpan(s1, nil)
	_, s2 := tracer.StartSpan(context.Background(), "op-b", nil)
	tracer.EndSpan(s2, errors.New("fail"))
	_, s3 := tracer.StartSpan(context.Background(), "op-a", nil)
	tracer.EndSpan(s3, nil)

	if results := tracer.QuerySpans(SpanQueryOptions{Name: "op-a"}); len(results) != 2 {
		t.Errorf("expected 2 spans named op-a, got %d", len(results))
	}
	if results := tracer.QuerySpans(SpanQueryOptions{Status: "error"}); len(results) != 1 {
		t.Errorf("expected 1 error span, got %d", len(results))
	}
	if results := tracer.QuerySpans(SpanQueryOptions{Limit: 1}); len(results) != 1 {
		t.Errorf("expected 1 span with limit, got %d", len(results))
	}
	if results := tracer.QuerySpans(SpanQueryOptions{TraceID: s1.TraceID}); len(results) != 1 {
		t.Errorf("expected 1 span for trace ID, got %d", len(results))
	}
}

func TestTracer_QuerySpans_Since(t *testing.T) {
	tracer := NewTracer(100, testLogger())

	_, s1 := tracer.StartSpan(context.Background(), "old", nil)
	tracer.EndSpan(s1, nil)

	cutoff := time.Now()
	time.Sleep(10 * time.Millisecond)

	_, s2 := tracer.StartSpan(context.Background(), "new", nil)
	tracer.EndSpan(s2, nil)

	results := tracer.QuerySpans(SpanQueryOptions{Since: cutoff})
	if len(results) != 1 || results[0].Name != "new" {
		t.Errorf("expected 1 span named 'new' since cutoff, got %v", results)
	}
}

func TestTracer_Eviction(t *testing.T) {
	tracer := NewTracer(10, testLogger())

	for i := 0; i < 15; i++ {
		_, span := tracer.StartSpan(context.Background(), "op", nil)
		tracer.EndSpan(span, nil)
	}

	if results := tracer.QuerySpans(SpanQueryOptions{}); len(results) > 10 {
		t.Errorf("expected <= 10 spans after eviction, got %d", len(results))
	}
}

func TestSpan_AddEvent(t *testing.T) {
	span := &Span{Name: "test"}
	span.AddEvent("checkpoint", map[string]string{"step": "1"})
	span.AddEvent("checkpoint", map[string]string{"step": "2"})

	if len(span.Events) != 2 {
		t.Errorf("expected 2 events, got %d", len(span.Events))
	}
	if span.Events[1].Attributes["step"] != "2" {
		t.Error("expected step 2")
	}
}
