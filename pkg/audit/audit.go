// Package audit is the append-only audit log (C7). It sits at the base of
// the dependency graph: every other component emits events through it, but
// it depends on nothing else in this module.
//
// Writes never block the caller for routine events: Log enqueues onto a
// bounded channel drained by a single consumer goroutine that batches
// writes to the backing Store, flushing on whichever comes first of
// BatchSize events or FlushInterval elapsed. HIGH and CRITICAL severity
// events are the exception — losing one is worse than a slow caller, so
// Log blocks (subject to ctx) until there is room on the queue instead of
// dropping it. Everything else is drop-and-count when the queue is full,
// and the drop count is exposed via Stats for alerting.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/freitascorp/adapter-security-core/pkg/resilience"
	"github.com/freitascorp/adapter-security-core/pkg/telemetry"
)

// EventType categorizes an audit event. The taxonomy spans every
// component: context lifecycle, permission decisions, validation findings,
// threat detections, sandbox executions, middleware actions, and the
// generic catch-alls a calling application can use for its own domain
// events.
type EventType string

const (
	// C1 context lifecycle
	EventContextCreate   EventType = "context.create"
	EventContextValidate EventType = "context.validate"
	EventContextRefresh  EventType = "context.refresh"
	EventContextExpire   EventType = "context.expire"
	EventContextRemove   EventType = "context.remove"
	EventAuthSuccess     EventType = "auth.success"
	EventAuthFailure     EventType = "auth.failure"
	EventSessionSuspend  EventType = "session.suspend"

	// C2 permission engine
	EventPermissionGrant  EventType = "permission.grant"
	EventPermissionDeny   EventType = "permission.deny"
	EventRoleAssign       EventType = "role.assign"
	EventRoleRevoke       EventType = "role.revoke"
	EventPolicyRuleAdd    EventType = "policy.add"
	EventPolicyRuleRemove EventType = "policy.remove"

	// C3 validator
	EventValidationInput         EventType = "validation.input"
	EventValidationBusinessLogic EventType = "validation.business_logic"
	EventValidationOutput        EventType = "validation.output"

	// C4 threat detector
	EventThreatCodeAnalysis EventType = "threat.code_analysis"
	EventThreatBehavior     EventType = "threat.behavior"
	EventThreatAlert        EventType = "threat.alert"

	// C5 sandbox engine
	EventSandboxCreate    EventType = "sandbox.create"
	EventSandboxExecute   EventType = "sandbox.execute"
	EventSandboxDestroy   EventType = "sandbox.destroy"
	EventSandboxViolation EventType = "sandbox.violation"

	// C6 middleware chain
	EventMiddlewareBlock     EventType = "middleware.block"
	EventEmergencyLockdown   EventType = "middleware.lockdown"
	EventEmergencyLift       EventType = "middleware.lockdown_lift"
	EventRateLimitReject     EventType = "middleware.rate_limit_reject"

	// generic / host-application events
	EventAdapterLoad  EventType = "adapter.load"
	EventAPIRequest   EventType = "api.request"
	EventConfigChange EventType = "config.change"
	EventSecurity     EventType = "security.event"
)

// Severity ranks an event's importance. HIGH and CRITICAL events are never
// dropped by the queue.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s Severity) blocking() bool { return s >= SeverityHigh }

// Event is a single immutable audit record.
type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"ts"`
	Type          EventType      `json:"type"`
	Severity      Severity       `json:"severity"`
	Component     string         `json:"component,omitempty"`
	User          string         `json:"user"`
	Action        string         `json:"action"`
	Target        *EventTarget   `json:"target,omitempty"`
	Result        *EventResult   `json:"result,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// EventTarget describes what was targeted by the action.
type EventTarget struct {
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Command      string            `json:"command,omitempty"`
}

// EventResult captures the outcome of the action.
type EventResult struct {
	Status   string        `json:"status"` // "success", "failure", "denied", "partial"
	Duration time.Duration `json:"duration_ms,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// QueryOptions filters audit log queries.
type QueryOptions struct {
	User  string
	Type  EventType
	Since time.Time
	Until time.Time
	Limit int
}

// Store is the persistence interface for the audit log.
type Store interface {
	Append(ctx context.Context, event *Event) error
	Query(ctx context.Context, opts QueryOptions) ([]*Event, error)
	Export(ctx context.Context, since time.Time) ([]*Event, error)
	Close() error
}

// Config tunes the queue behind a Logger.
type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	// MinSeverity, keyed by Component, suppresses events below the given
	// severity for that component. An empty key applies as the default.
	MinSeverity map[string]Severity
	// Ignore suppresses specific event types entirely regardless of
	// severity, for components that are deliberately not audited.
	Ignore map[EventType]bool
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	return c
}

// Stats reports queue health.
type Stats struct {
	Enqueued uint64
	Dropped  uint64
	Flushed  uint64
	Errors   uint64
}

// Logger is the audit log entry point. It owns a bounded queue and a
// single consumer goroutine that batches writes to the Store.
type Logger struct {
	store   Store
	cfg     Config
	queue   chan *Event
	done    chan struct{}
	closed  chan struct{}
	metrics *telemetry.SecurityMetrics

	// storeBreaker guards Append against a storage backend that has
	// started failing repeatedly, so the consumer stops hammering a dead
	// store instead of retrying every batch at full cost.
	storeBreaker *resilience.CircuitBreaker

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	flushed  atomic.Uint64
	errs     atomic.Uint64

	mu sync.Mutex
}

// NewLogger starts a Logger backed by store, draining its queue in a
// background goroutine. Call Close to flush and stop it.
func NewLogger(store Store, cfg Config) *Logger {
	cfg = cfg.withDefaults()
	l := &Logger{
		store:  store,
		cfg:    cfg,
		queue:  make(chan *Event, cfg.QueueSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		storeBreaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "audit-store",
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
		}),
	}
	go l.consume()
	return l
}

// SetMetrics attaches a metrics sink. Call once before the logger takes
// traffic; it is not safe to swap concurrently with Log/consume.
func (l *Logger) SetMetrics(m *telemetry.SecurityMetrics) {
	l.metrics = m
}

// Log enqueues an event. HIGH/CRITICAL severity events block (respecting
// ctx cancellation) until there is room; all others are dropped-and-counted
// when the queue is full rather than block the caller.
func (l *Logger) Log(ctx context.Context, ev *Event) error {
	if l.cfg.Ignore[ev.Type] {
		return nil
	}
	if min, ok := l.cfg.MinSeverity[ev.Component]; ok && ev.Severity < min {
		return nil
	} else if !ok {
		if def, ok := l.cfg.MinSeverity[""]; ok && ev.Severity < def {
			return nil
		}
	}
	if ev.ID == "" {
		ev.ID = "evt_" + uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if ev.Severity.blocking() {
		select {
		case l.queue <- ev:
			l.enqueued.Add(1)
			l.recordQueueMetrics()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case l.queue <- ev:
		l.enqueued.Add(1)
		l.recordQueueMetrics()
		return nil
	default:
		l.dropped.Add(1)
		if l.metrics != nil {
			l.metrics.AuditDropped.Inc()
		}
		return nil
	}
}

func (l *Logger) recordQueueMetrics() {
	if l.metrics == nil {
		return
	}
	l.metrics.AuditEnqueued.Inc()
	l.metrics.AuditQueueDepth.Set(int64(len(l.queue)))
}

// Stats reports cumulative queue counters.
func (l *Logger) Stats() Stats {
	return Stats{
		Enqueued: l.enqueued.Load(),
		Dropped:  l.dropped.Load(),
		Flushed:  l.flushed.Load(),
		Errors:   l.errs.Load(),
	}
}

func (l *Logger) consume() {
	defer close(l.closed)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	retryCfg := resilience.RetryConfig{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second}
	batch := make([]*Event, 0, l.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		for _, ev := range batch {
			err := l.storeBreaker.Execute(func() error {
				return resilience.Retry(ctx, retryCfg, func(int) error {
					return l.store.Append(ctx, ev)
				})
			})
			if err != nil {
				l.errs.Add(1)
				if l.metrics != nil {
					l.metrics.AuditErrors.Inc()
				}
			}
		}
		l.flushed.Add(uint64(len(batch)))
		if l.metrics != nil {
			l.metrics.AuditFlushed.Add(int64(len(batch)))
			l.metrics.AuditQueueDepth.Set(int64(len(l.queue)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-l.queue:
			batch = append(batch, ev)
			if len(batch) >= l.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case ev := <-l.queue:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close stops the consumer goroutine after flushing remaining events, then
// closes the underlying store.
func (l *Logger) Close() error {
	l.mu.Lock()
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	l.mu.Unlock()
	<-l.closed
	return l.store.Close()
}

// Query reads events matching the given filters directly from the store,
// bypassing the queue (so very recently logged events may not yet appear
// if they haven't been flushed).
func (l *Logger) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	return l.store.Query(ctx, opts)
}

// Export returns all events since the given time.
func (l *Logger) Export(ctx context.Context, since time.Time) ([]*Event, error) {
	return l.store.Export(ctx, since)
}

// ------------------------------------------------------------------
// Convenience sugar methods
// ------------------------------------------------------------------

// LogPermissionDecision records an authorization outcome from the
// permission engine.
func (l *Logger) LogPermissionDecision(ctx context.Context, user, permission, resource string, granted bool, reason string) {
	typ := EventPermissionGrant
	status := "success"
	sev := SeverityLow
	if !granted {
		typ = EventPermissionDeny
		status = "denied"
		sev = SeverityMedium
	}
	l.Log(ctx, &Event{
		Type:      typ,
		Severity:  sev,
		Component: "permission",
		User:      user,
		Action:    permission,
		Target:    &EventTarget{ResourceType: "resource", ResourceID: resource},
		Result:    &EventResult{Status: status, Error: reason},
	})
}

// LogThreatDetected records a finding from the threat detector.
func (l *Logger) LogThreatDetected(ctx context.Context, user string, sev Severity, kind, detail string) {
	l.Log(ctx, &Event{
		Type:      EventThreatAlert,
		Severity:  sev,
		Component: "threat",
		User:      user,
		Action:    kind,
		Result:    &EventResult{Status: "flagged", Error: detail},
	})
}

// LogSandboxExecution records a sandboxed code execution.
func (l *Logger) LogSandboxExecution(ctx context.Context, user, envID string, success bool, d time.Duration, errMsg string) {
	status := "success"
	sev := SeverityLow
	if !success {
		status = "failure"
		sev = SeverityMedium
	}
	l.Log(ctx, &Event{
		Type:      EventSandboxExecute,
		Severity:  sev,
		Component: "sandbox",
		User:      user,
		Action:    "execute",
		Target:    &EventTarget{ResourceType: "environment", ResourceID: envID},
		Result:    &EventResult{Status: status, Duration: d, Error: errMsg},
	})
}

// LogContextEvent records a C1 security context lifecycle transition.
func (l *Logger) LogContextEvent(ctx context.Context, typ EventType, user, sessionID string) {
	l.Log(ctx, &Event{
		Type:      typ,
		Severity:  SeverityLow,
		Component: "context",
		User:      user,
		Action:    string(typ),
		SessionID: sessionID,
		Result:    &EventResult{Status: "success"},
	})
}

// LogAdapterLoad records a host-application adapter load, preserved from
// the original sugar API for callers outside this module's own
// components.
func (l *Logger) LogAdapterLoad(ctx context.Context, user, adapterID, version string, result *EventResult) {
	l.Log(ctx, &Event{
		Type:      EventAdapterLoad,
		Severity:  SeverityLow,
		Component: "host",
		User:      user,
		Action:    "adapter.load",
		Target:    &EventTarget{ResourceType: "adapter", ResourceID: adapterID},
		Result:    result,
		Metadata:  map[string]any{"version": version},
	})
}

// LogAPIRequest records an inbound API request processed by the
// middleware chain.
func (l *Logger) LogAPIRequest(ctx context.Context, user, method, path string, status int, d time.Duration) {
	resultStatus := "success"
	if status >= 400 {
		resultStatus = "failure"
	}
	l.Log(ctx, &Event{
		Type:      EventAPIRequest,
		Severity:  SeverityLow,
		Component: "middleware",
		User:      user,
		Action:    method + " " + path,
		Result:    &EventResult{Status: resultStatus, Duration: d},
		Metadata:  map[string]any{"http_status": status},
	})
}

// LogSecurityEvent is the generic entry point for components that don't
// have a dedicated sugar method.
func (l *Logger) LogSecurityEvent(ctx context.Context, sev Severity, component, user, action string, metadata map[string]any) {
	l.Log(ctx, &Event{
		Type:      EventSecurity,
		Severity:  sev,
		Component: component,
		User:      user,
		Action:    action,
		Metadata:  metadata,
	})
}

// ------------------------------------------------------------------
// Decorators
// ------------------------------------------------------------------

// Operation wraps fn, logging a single event recording its outcome. It
// no-ops (just calls fn) when l is nil, so components can accept a
// possibly-nil *Logger without a branch at every call site.
func Operation(ctx context.Context, l *Logger, typ EventType, component, user, action string, fn func() error) error {
	if l == nil {
		return fn()
	}
	start := time.Now()
	err := fn()
	status := "success"
	errMsg := ""
	sev := SeverityLow
	if err != nil {
		status = "failure"
		errMsg = err.Error()
		sev = SeverityMedium
	}
	l.Log(ctx, &Event{
		Type:      typ,
		Severity:  sev,
		Component: component,
		User:      user,
		Action:    action,
		Result:    &EventResult{Status: status, Duration: time.Since(start), Error: errMsg},
	})
	return err
}

// AdapterOperation is Operation specialized for EventAdapterLoad-shaped
// host-application calls, kept for parity with the pre-existing sugar API.
func AdapterOperation(ctx context.Context, l *Logger, user, adapterID string, fn func() error) error {
	return Operation(ctx, l, EventAdapterLoad, "host", user, "adapter:"+adapterID, fn)
}
