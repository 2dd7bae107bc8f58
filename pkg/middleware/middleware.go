// Package middleware composes the security core's request path into a
// priority-ordered chain of stages — IP filtering, authentication,
// authorization, threat detection, and rate limiting — each of which can
// block a request outright. Each stage follows the same
// permission-checked wrapper idiom used elsewhere in this module (a
// single Process call returning a typed result or error), generalized
// into a chain of independently registerable stages the way
// resilience.Pipeline composes its own ordered stages.
package middleware

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/freitascorp/adapter-security-core/pkg/audit"
	"github.com/freitascorp/adapter-security-core/pkg/permission"
	"github.com/freitascorp/adapter-security-core/pkg/ratelimit"
	"github.com/freitascorp/adapter-security-core/pkg/secctx"
	"github.com/freitascorp/adapter-security-core/pkg/telemetry"
	"github.com/freitascorp/adapter-security-core/pkg/threat"
)

// Default stage priorities, lowest runs first.
const (
	PriorityIPFilter       = 5
	PriorityAuthentication = 10
	PriorityAuthorization  = 20
	PriorityThreatDetection = 30
	PriorityRateLimit      = 40
)

// Decision is the outcome of a single middleware stage.
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionBlock
	DecisionRestrict // non-blocking: logged, request continues
)

// Request carries everything a stage needs to reach a decision.
type Request struct {
	SessionID string
	UserID    string
	SourceIP  string
	Resource  string
	Action    string
	Code      string // candidate code/command, when relevant to threat detection
	Attributes map[string]string
}

// Result is a stage's verdict.
type Result struct {
	Decision Decision
	Stage    string
	Reason   string
}

func (r Result) blocked() bool { return r.Decision == DecisionBlock }

// Middleware is a single stage in the chain.
type Middleware interface {
	Name() string
	Priority() int
	Enabled() bool
	Process(ctx context.Context, req *Request) (Result, error)
}

// ------------------------------------------------------------------
// IPFilter
// ------------------------------------------------------------------

// IPFilter blocks requests from denylisted CIDRs/IPs and, if an allowlist
// is configured, requires membership in it.
type IPFilter struct {
	mu        sync.RWMutex
	enabled   bool
	denylist  []*net.IPNet
	allowlist []*net.IPNet
}

// NewIPFilter creates an IPFilter stage.
func NewIPFilter() *IPFilter {
	return &IPFilter{enabled: true}
}

func (f *IPFilter) Name() string   { return "ip_filter" }
func (f *IPFilter) Priority() int  { return PriorityIPFilter }
func (f *IPFilter) Enabled() bool  { f.mu.RLock(); defer f.mu.RUnlock(); return f.enabled }
func (f *IPFilter) SetEnabled(v bool) { f.mu.Lock(); f.enabled = v; f.mu.Unlock() }

// Deny adds a CIDR (or bare IP, treated as a /32 or /128) to the denylist.
func (f *IPFilter) Deny(cidr string) error { return f.add(&f.denylist, cidr) }

// Allow adds a CIDR to the allowlist; once any entry exists, only
// matching source IPs pass.
func (f *IPFilter) Allow(cidr string) error { return f.add(&f.allowlist, cidr) }

func (f *IPFilter) add(list *[]*net.IPNet, cidr string) error {
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		if ip := net.ParseIP(cidr); ip != nil {
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			n = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		} else {
			return fmt.Errorf("middleware: invalid CIDR/IP %q: %w", cidr, err)
		}
	}
	f.mu.Lock()
	*list = append(*list, n)
	f.mu.Unlock()
	return nil
}

func (f *IPFilter) Process(_ context.Context, req *Request) (Result, error) {
	ip := net.ParseIP(req.SourceIP)
	f.mu.RLock()
	defer f.mu.RUnlock()

	if ip != nil {
		for _, n := range f.denylist {
			if n.Contains(ip) {
				return Result{Decision: DecisionBlock, Stage: f.Name(), Reason: "source IP is denylisted"}, nil
			}
		}
		if len(f.allowlist) > 0 {
			allowed := false
			for _, n := range f.allowlist {
				if n.Contains(ip) {
					allowed = true
					break
				}
			}
			if !allowed {
				return Result{Decision: DecisionBlock, Stage: f.Name(), Reason: "source IP is not allowlisted"}, nil
			}
		}
	}
	return Result{Decision: DecisionAllow, Stage: f.Name()}, nil
}

// ------------------------------------------------------------------
// Authentication
// ------------------------------------------------------------------

// Authentication validates the request's session via pkg/secctx.
type Authentication struct {
	manager *secctx.Manager
	enabled bool
}

// NewAuthentication creates an Authentication stage backed by manager.
func NewAuthentication(manager *secctx.Manager) *Authentication {
	return &Authentication{manager: manager, enabled: true}
}

func (a *Authentication) Name() string  { return "authentication" }
func (a *Authentication) Priority() int { return PriorityAuthentication }
func (a *Authentication) Enabled() bool { return a.enabled }

func (a *Authentication) Process(ctx context.Context, req *Request) (Result, error) {
	sc, err := a.manager.ValidateContext(ctx, req.SessionID)
	if err != nil {
		return Result{Decision: DecisionBlock, Stage: a.Name(), Reason: err.Error()}, nil
	}
	if req.UserID == "" {
		req.UserID = sc.UserID
	}
	return Result{Decision: DecisionAllow, Stage: a.Name()}, nil
}

// ------------------------------------------------------------------
// Authorization
// ------------------------------------------------------------------

// Authorization checks the request against the permission engine.
type Authorization struct {
	engine  *permission.Engine
	enabled bool
}

// NewAuthorization creates an Authorization stage backed by engine.
func NewAuthorization(engine *permission.Engine) *Authorization {
	return &Authorization{engine: engine, enabled: true}
}

func (a *Authorization) Name() string  { return "authorization" }
func (a *Authorization) Priority() int { return PriorityAuthorization }
func (a *Authorization) Enabled() bool { return a.enabled }

func (a *Authorization) Process(ctx context.Context, req *Request) (Result, error) {
	attrs := make(map[string]string, len(req.Attributes))
	for k, v := range req.Attributes {
		attrs[k] = v
	}
	res := a.engine.Check(ctx, permission.AccessRequest{
		UserID:     permission.UserID(req.UserID),
		Permission: permission.Permission(req.Action),
		Resource:   req.Resource,
		Attributes: attrs,
	})
	if !res.Allowed {
		return Result{Decision: DecisionBlock, Stage: a.Name(), Reason: res.Reason}, nil
	}
	return Result{Decision: DecisionAllow, Stage: a.Name()}, nil
}

// ------------------------------------------------------------------
// ThreatDetection
// ------------------------------------------------------------------

// ThreatDetection runs static code analysis and behavioral checks on the
// request, blocking only on Critical-severity findings.
type ThreatDetection struct {
	behavior *threat.BehaviorAnalyzer
	enabled  bool
}

// NewThreatDetection creates a ThreatDetection stage.
func NewThreatDetection(behavior *threat.BehaviorAnalyzer) *ThreatDetection {
	return &ThreatDetection{behavior: behavior, enabled: true}
}

func (t *ThreatDetection) Name() string  { return "threat_detection" }
func (t *ThreatDetection) Priority() int { return PriorityThreatDetection }
func (t *ThreatDetection) Enabled() bool { return t.enabled }

func (t *ThreatDetection) Process(_ context.Context, req *Request) (Result, error) {
	var findings []threat.Finding
	if req.Code != "" {
		findings = append(findings, threat.AnalyzeCode(req.Code).Findings...)
	}
	if t.behavior != nil {
		subject := req.UserID
		if subject == "" {
			subject = req.SourceIP
		}
		findings = append(findings, t.behavior.Record(subject, threat.ActionEvent{
			At: time.Now(), Action: req.Action, Resource: req.Resource,
		})...)
	}

	for _, f := range findings {
		if f.Severity == threat.SeverityCritical {
			return Result{Decision: DecisionBlock, Stage: t.Name(), Reason: f.Detail}, nil
		}
	}
	if len(findings) > 0 {
		return Result{Decision: DecisionRestrict, Stage: t.Name(), Reason: findings[0].Detail}, nil
	}
	return Result{Decision: DecisionAllow, Stage: t.Name()}, nil
}

// ------------------------------------------------------------------
// RateLimit
// ------------------------------------------------------------------

// RateLimit enforces a per-subject token bucket.
type RateLimit struct {
	registry *ratelimit.Registry
	enabled  bool
	metrics  *telemetry.SecurityMetrics
}

// NewRateLimit creates a RateLimit stage keyed by user ID (falling back
// to source IP for unauthenticated requests).
func NewRateLimit(registry *ratelimit.Registry) *RateLimit {
	return &RateLimit{registry: registry, enabled: true}
}

func (r *RateLimit) Name() string  { return "rate_limit" }
func (r *RateLimit) Priority() int { return PriorityRateLimit }
func (r *RateLimit) Enabled() bool { return r.enabled }

// SetMetrics attaches a metrics sink.
func (r *RateLimit) SetMetrics(m *telemetry.SecurityMetrics) { r.metrics = m }

func (r *RateLimit) Process(_ context.Context, req *Request) (Result, error) {
	key := req.UserID
	if key == "" {
		key = req.SourceIP
	}
	if !r.registry.Get(key).Allow() {
		if r.metrics != nil {
			r.metrics.RateLimitRejects.Inc()
		}
		return Result{Decision: DecisionBlock, Stage: r.Name(), Reason: "rate limit exceeded"}, nil
	}
	return Result{Decision: DecisionAllow, Stage: r.Name()}, nil
}

// ------------------------------------------------------------------
// Chain
// ------------------------------------------------------------------

// Chain runs a set of Middleware stages in ascending priority order.
type Chain struct {
	mu      sync.RWMutex
	stages  []Middleware
	auditor *audit.Logger
	metrics *telemetry.SecurityMetrics
}

// NewChain creates a chain, optionally auditing a single event per
// request through auditor (nil disables auditing).
func NewChain(auditor *audit.Logger, stages ...Middleware) *Chain {
	c := &Chain{auditor: auditor}
	c.mu.Lock()
	c.stages = append(c.stages, stages...)
	sort.SliceStable(c.stages, func(i, j int) bool { return c.stages[i].Priority() < c.stages[j].Priority() })
	c.mu.Unlock()
	return c
}

// SetMetrics attaches a metrics sink. Call once before the chain takes
// traffic; it is not safe to swap concurrently with Intercept.
func (c *Chain) SetMetrics(m *telemetry.SecurityMetrics) {
	c.metrics = m
}

// Register adds a stage and re-sorts by priority.
func (c *Chain) Register(m Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = append(c.stages, m)
	sort.SliceStable(c.stages, func(i, j int) bool { return c.stages[i].Priority() < c.stages[j].Priority() })
}

// InterceptOutcome is the chain's overall verdict for one request.
type InterceptOutcome struct {
	Allowed    bool
	BlockedBy  string
	Reason     string
	Restricted []Result
}

// Intercept runs every enabled stage in priority order. It stops at the
// first blocking result, collects any non-blocking restrictions along
// the way, recovers a panicking stage into a deny, and emits exactly one
// audit event per request regardless of how many stages ran.
func (c *Chain) Intercept(ctx context.Context, req *Request) (outcome InterceptOutcome) {
	c.mu.RLock()
	stages := make([]Middleware, len(c.stages))
	copy(stages, c.stages)
	c.mu.RUnlock()

	outcome.Allowed = true

	defer func() {
		if rec := recover(); rec != nil {
			outcome = InterceptOutcome{Allowed: false, BlockedBy: "chain", Reason: fmt.Sprintf("panic: %v", rec)}
		}
		if !outcome.Allowed && c.metrics != nil {
			c.metrics.MiddlewareBlocks.Inc()
		}
		c.auditOutcome(ctx, req, outcome)
	}()

	for _, m := range stages {
		if !m.Enabled() {
			continue
		}
		res, err := m.Process(ctx, req)
		if err != nil {
			outcome.Allowed = false
			outcome.BlockedBy = m.Name()
			outcome.Reason = err.Error()
			return outcome
		}
		switch res.Decision {
		case DecisionBlock:
			outcome.Allowed = false
			outcome.BlockedBy = res.Stage
			outcome.Reason = res.Reason
			return outcome
		case DecisionRestrict:
			outcome.Restricted = append(outcome.Restricted, res)
		}
	}
	return outcome
}

func (c *Chain) auditOutcome(ctx context.Context, req *Request, outcome InterceptOutcome) {
	if c.auditor == nil {
		return
	}
	ev := &audit.Event{
		Type:      audit.EventAPIRequest,
		Component: "middleware",
		User:      req.UserID,
		Action:    req.Action,
		Target:    &audit.EventTarget{ResourceID: req.Resource},
		SessionID: req.SessionID,
		Severity:  audit.SeverityLow,
	}
	if !outcome.Allowed {
		ev.Type = audit.EventMiddlewareBlock
		ev.Severity = audit.SeverityMedium
		ev.Result = &audit.EventResult{Status: "denied", Error: outcome.Reason}
		ev.Metadata = map[string]any{"stage": outcome.BlockedBy, "reason": outcome.Reason}
	} else {
		ev.Result = &audit.EventResult{Status: "success"}
		if len(outcome.Restricted) > 0 {
			ev.Metadata = map[string]any{"restricted_by": outcome.Restricted[0].Stage}
		}
	}
	_ = c.auditor.Log(ctx, ev)
}

// ------------------------------------------------------------------
// Manager (emergency lockdown)
// ------------------------------------------------------------------

// Manager wraps a Chain with emergency-lockdown controls that terminate
// all active sessions and reject every request until lifted.
type Manager struct {
	chain    *Chain
	secctx   *secctx.Manager
	auditor  *audit.Logger
	metrics  *telemetry.SecurityMetrics
	mu       sync.RWMutex
	lockdown bool
	reason   string
}

// NewManager creates a Manager.
func NewManager(chain *Chain, sessions *secctx.Manager, auditor *audit.Logger) *Manager {
	return &Manager{chain: chain, secctx: sessions, auditor: auditor}
}

// SetMetrics attaches a metrics sink.
func (m *Manager) SetMetrics(metrics *telemetry.SecurityMetrics) {
	m.metrics = metrics
}

// Intercept delegates to the chain unless the manager is in lockdown, in
// which case every request is blocked immediately.
func (m *Manager) Intercept(ctx context.Context, req *Request) InterceptOutcome {
	m.mu.RLock()
	locked, reason := m.lockdown, m.reason
	m.mu.RUnlock()
	if locked {
		return InterceptOutcome{Allowed: false, BlockedBy: "lockdown", Reason: reason}
	}
	return m.chain.Intercept(ctx, req)
}

// EmergencyLockdown terminates every active session and rejects all
// subsequent requests until LiftEmergencyLockdown is called.
func (m *Manager) EmergencyLockdown(ctx context.Context, reason string) {
	m.mu.Lock()
	m.lockdown = true
	m.reason = reason
	m.mu.Unlock()

	if m.secctx != nil {
		for _, uid := range m.secctx.KnownUsers() {
			m.secctx.TerminateUserSessions(ctx, uid)
		}
	}
	if m.metrics != nil {
		m.metrics.MiddlewareLockdowns.Inc()
	}
	if m.auditor != nil {
		_ = m.auditor.Log(ctx, &audit.Event{
			Type: audit.EventEmergencyLockdown, Severity: audit.SeverityCritical,
			Component: "middleware", Action: "lockdown",
			Result:   &audit.EventResult{Status: "success"},
			Metadata: map[string]any{"reason": reason},
		})
	}
}

// LiftEmergencyLockdown resumes normal request processing.
func (m *Manager) LiftEmergencyLockdown(ctx context.Context) {
	m.mu.Lock()
	m.lockdown = false
	m.reason = ""
	m.mu.Unlock()

	if m.auditor != nil {
		_ = m.auditor.Log(ctx, &audit.Event{
			Type: audit.EventEmergencyLift, Severity: audit.SeverityCritical,
			Component: "middleware", Action: "lockdown_lift",
			Result: &audit.EventResult{Status: "success"},
		})
	}
}

// InLockdown reports whether the manager is currently rejecting all
// requests.
func (m *Manager) InLockdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lockdown
}
