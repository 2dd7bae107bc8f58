// Package secctx is the context manager (C1): it creates, validates, and
// tracks the lifecycle of SecurityContext sessions. Every other component
// receives a *SecurityContext (or its SessionID) rather than re-deriving
// identity, so this is the leaf every authenticated request passes through
// first.
//
// The Manager's session bookkeeping follows the same register/heartbeat/gc
// shape used elsewhere in this module for tracking live, expiring
// resources: a mutex-guarded map, an idle background sweep, and
// lifecycle callbacks always dispatched outside the lock so a slow or
// panicking watcher can never wedge a CreateContext/RemoveContext call.
package secctx

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freitascorp/adapter-security-core/pkg/audit"
	"github.com/freitascorp/adapter-security-core/pkg/secerr"
)

// TrustLevel ranks how much a context is trusted by downstream components.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustLow
	TrustStandard
	TrustElevated
	TrustSystem
)

// SecurityContext is the identity and trust envelope threaded through the
// rest of the security core.
type SecurityContext struct {
	SessionID    string
	UserID       string
	Roles        []string
	Attributes   map[string]string
	TrustLevel   TrustLevel
	SourceIP     string
	CreatedAt    time.Time
	LastAccessed time.Time
	ExpiresAt    time.Time
	Suspended    bool
}

// Clone returns a deep-enough copy safe to hand to a caller without
// risking a data race on the Manager's internal map entry.
func (c *SecurityContext) Clone() *SecurityContext {
	cp := *c
	cp.Roles = append([]string(nil), c.Roles...)
	cp.Attributes = make(map[string]string, len(c.Attributes))
	for k, v := range c.Attributes {
		cp.Attributes[k] = v
	}
	return &cp
}

func (c *SecurityContext) expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Validator checks a context beyond simple expiry, e.g. IP pinning or
// attribute presence. Returning a non-nil error rejects the context.
type Validator func(ctx context.Context, sc *SecurityContext) error

// Lifecycle receives context lifecycle notifications. Implementations
// must not block; the Manager invokes them asynchronously, outside its
// own lock, in a separate goroutine per watcher and event, so a slow
// watcher never stalls CreateContext/RemoveContext.
type Lifecycle interface {
	OnCreate(sc *SecurityContext)
	OnExpire(sc *SecurityContext)
	OnSuspend(sc *SecurityContext)
}

// Config tunes the Manager.
type Config struct {
	DefaultTTL         time.Duration
	MaxSessionsPerUser int
	GCInterval         time.Duration
	Validators         []Validator
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 30 * time.Minute
	}
	if c.MaxSessionsPerUser <= 0 {
		c.MaxSessionsPerUser = 5
	}
	if c.GCInterval <= 0 {
		c.GCInterval = time.Minute
	}
	return c
}

// Manager owns the live set of SecurityContexts.
type Manager struct {
	cfg     Config
	auditor *audit.Logger

	mu        sync.Mutex
	sessions  map[string]*SecurityContext // sessionID -> context
	byUser    map[string][]string         // userID -> sessionIDs, ordered oldest-first
	watchers  []Lifecycle
	suspended map[string]bool // userID -> suspended

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager starts the Manager's background expiry sweep.
func NewManager(cfg Config, auditor *audit.Logger) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		auditor:   auditor,
		sessions:  make(map[string]*SecurityContext),
		byUser:    make(map[string][]string),
		suspended: make(map[string]bool),
		stop:      make(chan struct{}),
	}
	go m.gcLoop()
	return m
}

// AddWatcher registers a Lifecycle observer.
func (m *Manager) AddWatcher(w Lifecycle) {
	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()
}

// Close stops the background sweep.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// CreateContext validates and registers a new SecurityContext, evicting
// the user's least-recently-accessed session first if MaxSessionsPerUser
// is already reached.
func (m *Manager) CreateContext(ctx context.Context, userID string, roles []string, attrs map[string]string, sourceIP string, trust TrustLevel) (*SecurityContext, error) {
	now := time.Now()
	sc := &SecurityContext{
		SessionID:    uuid.NewString(),
		UserID:       userID,
		Roles:        append([]string(nil), roles...),
		Attributes:   copyAttrs(attrs),
		TrustLevel:   trust,
		SourceIP:     sourceIP,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(m.cfg.DefaultTTL),
	}

	for _, v := range m.cfg.Validators {
		if err := v(ctx, sc); err != nil {
			m.logEvent(ctx, audit.EventContextValidate, userID, sc.SessionID, audit.SeverityMedium, err.Error())
			return nil, secerr.ContextValidation("context rejected by validator", err)
		}
	}

	var evicted *SecurityContext
	m.mu.Lock()
	if m.suspended[userID] {
		m.mu.Unlock()
		return nil, secerr.ContextValidation("user is suspended", nil)
	}
	m.sessions[sc.SessionID] = sc
	ids := append(m.byUser[userID], sc.SessionID)
	if len(ids) > m.cfg.MaxSessionsPerUser {
		evictIdx, found := 0, false
		var oldest time.Time
		for i, id := range ids {
			if s, ok := m.sessions[id]; ok && (!found || s.LastAccessed.Before(oldest)) {
				evictIdx, oldest, found = i, s.LastAccessed, true
			}
		}
		evictID := ids[evictIdx]
		ids = append(ids[:evictIdx:evictIdx], ids[evictIdx+1:]...)
		if old, ok := m.sessions[evictID]; ok {
			evicted = old
			delete(m.sessions, evictID)
		}
	}
	m.byUser[userID] = ids
	m.mu.Unlock()

	if evicted != nil {
		m.dispatch(func(w Lifecycle) { w.OnExpire(evicted) })
		m.logEvent(ctx, audit.EventContextExpire, userID, evicted.SessionID, audit.SeverityLow, "evicted: session limit reached")
	}

	m.dispatch(func(w Lifecycle) { w.OnCreate(sc) })
	m.logEvent(ctx, audit.EventContextCreate, userID, sc.SessionID, audit.SeverityLow, "")
	return sc.Clone(), nil
}

// GetContext returns the context for sessionID without validating or
// touching its access time.
func (m *Manager) GetContext(sessionID string) (*SecurityContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return sc.Clone(), true
}

// ValidateContext confirms sessionID is live, unexpired, and unsuspended,
// refreshing its last-accessed timestamp on success.
func (m *Manager) ValidateContext(ctx context.Context, sessionID string) (*SecurityContext, error) {
	now := time.Now()
	m.mu.Lock()
	sc, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, secerr.ContextValidation("unknown session", nil)
	}
	if sc.Suspended || m.suspended[sc.UserID] {
		m.mu.Unlock()
		return nil, secerr.ContextValidation("session suspended", nil)
	}
	if sc.expired(now) {
		delete(m.sessions, sessionID)
		m.removeFromIndexLocked(sc.UserID, sessionID)
		m.mu.Unlock()
		m.dispatch(func(w Lifecycle) { w.OnExpire(sc) })
		m.logEvent(ctx, audit.EventContextExpire, sc.UserID, sessionID, audit.SeverityLow, "expired")
		return nil, secerr.ContextValidation("session expired", nil)
	}
	sc.LastAccessed = now
	out := sc.Clone()
	m.mu.Unlock()
	return out, nil
}

// RefreshContext extends a session's expiry by the configured TTL.
func (m *Manager) RefreshContext(ctx context.Context, sessionID string) (*SecurityContext, error) {
	m.mu.Lock()
	sc, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, secerr.ContextValidation("unknown session", nil)
	}
	sc.ExpiresAt = time.Now().Add(m.cfg.DefaultTTL)
	sc.LastAccessed = time.Now()
	out := sc.Clone()
	m.mu.Unlock()
	m.logEvent(ctx, audit.EventContextRefresh, sc.UserID, sessionID, audit.SeverityLow, "")
	return out, nil
}

// RemoveContext ends a session immediately.
func (m *Manager) RemoveContext(ctx context.Context, sessionID string) {
	m.mu.Lock()
	sc, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	m.removeFromIndexLocked(sc.UserID, sessionID)
	m.mu.Unlock()

	m.dispatch(func(w Lifecycle) { w.OnExpire(sc) })
	m.logEvent(ctx, audit.EventContextRemove, sc.UserID, sessionID, audit.SeverityLow, "")
}

// GetUserSessions returns every live session for userID.
func (m *Manager) GetUserSessions(userID string) []*SecurityContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byUser[userID]
	out := make([]*SecurityContext, 0, len(ids))
	for _, id := range ids {
		if sc, ok := m.sessions[id]; ok {
			out = append(out, sc.Clone())
		}
	}
	return out
}

// KnownUsers returns the IDs of every user with at least one live
// session, e.g. for an emergency lockdown that must terminate all of
// them.
func (m *Manager) KnownUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.byUser))
	for uid := range m.byUser {
		out = append(out, uid)
	}
	return out
}

// TerminateUserSessions ends every session for userID, e.g. after a
// password reset or administrative suspension.
func (m *Manager) TerminateUserSessions(ctx context.Context, userID string) {
	m.mu.Lock()
	ids := append([]string(nil), m.byUser[userID]...)
	var removed []*SecurityContext
	for _, id := range ids {
		if sc, ok := m.sessions[id]; ok {
			removed = append(removed, sc)
			delete(m.sessions, id)
		}
	}
	delete(m.byUser, userID)
	m.mu.Unlock()

	for _, sc := range removed {
		m.dispatch(func(w Lifecycle) { w.OnExpire(sc) })
	}
	m.logEvent(ctx, audit.EventContextRemove, userID, "", audit.SeverityMedium, "all sessions terminated")
}

// Authenticate resolves a principal's roles/attributes and opens a new
// session context for them. It is the entry point a host application
// calls once it has independently verified credentials (password, token,
// mTLS certificate, etc.) — this package does not itself speak any
// authentication protocol.
func (m *Manager) Authenticate(ctx context.Context, userID string, roles []string, attrs map[string]string, sourceIP string) (*SecurityContext, error) {
	sc, err := m.CreateContext(ctx, userID, roles, attrs, sourceIP, TrustStandard)
	if err != nil {
		m.logEvent(ctx, audit.EventAuthFailure, userID, "", audit.SeverityMedium, err.Error())
		return nil, err
	}
	m.logEvent(ctx, audit.EventAuthSuccess, userID, sc.SessionID, audit.SeverityLow, "")
	return sc, nil
}

// SuspendUser marks a user suspended: existing sessions are terminated
// immediately and CreateContext/ValidateContext reject the user until
// UnsuspendUser is called.
func (m *Manager) SuspendUser(ctx context.Context, userID string) {
	m.mu.Lock()
	m.suspended[userID] = true
	ids := append([]string(nil), m.byUser[userID]...)
	var removed []*SecurityContext
	for _, id := range ids {
		if sc, ok := m.sessions[id]; ok {
			sc.Suspended = true
			removed = append(removed, sc)
			delete(m.sessions, id)
		}
	}
	delete(m.byUser, userID)
	m.mu.Unlock()

	for _, sc := range removed {
		m.dispatch(func(w Lifecycle) { w.OnSuspend(sc) })
	}
	m.logEvent(ctx, audit.EventSessionSuspend, userID, "", audit.SeverityHigh, "user suspended")
}

// UnsuspendUser lifts a suspension so future CreateContext calls succeed.
func (m *Manager) UnsuspendUser(userID string) {
	m.mu.Lock()
	delete(m.suspended, userID)
	m.mu.Unlock()
}

// CleanupExpiredContexts sweeps and removes every expired session,
// returning how many were removed. Called periodically by gcLoop, but
// also exported for tests and callers that want a deterministic sweep.
func (m *Manager) CleanupExpiredContexts() int {
	now := time.Now()
	m.mu.Lock()
	var expired []*SecurityContext
	for id, sc := range m.sessions {
		if sc.expired(now) {
			expired = append(expired, sc)
			delete(m.sessions, id)
			m.removeFromIndexLocked(sc.UserID, id)
		}
	}
	m.mu.Unlock()

	for _, sc := range expired {
		m.dispatch(func(w Lifecycle) { w.OnExpire(sc) })
		m.logEvent(context.Background(), audit.EventContextExpire, sc.UserID, sc.SessionID, audit.SeverityLow, "expired")
	}
	return len(expired)
}

// Summary reports basic occupancy for metrics/health endpoints.
type Summary struct {
	TotalSessions int
	TotalUsers    int
}

func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Summary{TotalSessions: len(m.sessions), TotalUsers: len(m.byUser)}
}

func (m *Manager) removeFromIndexLocked(userID, sessionID string) {
	ids := m.byUser[userID]
	for i, id := range ids {
		if id == sessionID {
			m.byUser[userID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byUser[userID]) == 0 {
		delete(m.byUser, userID)
	}
}

func (m *Manager) gcLoop() {
	ticker := time.NewTicker(m.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CleanupExpiredContexts()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) dispatch(fn func(Lifecycle)) {
	m.mu.Lock()
	watchers := append([]Lifecycle(nil), m.watchers...)
	m.mu.Unlock()
	for _, w := range watchers {
		go fn(w)
	}
}

func (m *Manager) logEvent(ctx context.Context, typ audit.EventType, userID, sessionID string, sev audit.Severity, detail string) {
	if m.auditor == nil {
		return
	}
	m.auditor.Log(ctx, &audit.Event{
		Type:      typ,
		Severity:  sev,
		Component: "context",
		User:      userID,
		Action:    string(typ),
		SessionID: sessionID,
		Result:    &audit.EventResult{Status: "success", Error: detail},
	})
}

func copyAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

// SortedSessionIDs is a small test/debug helper returning a deterministic
// ordering of a user's live sessions.
func SortedSessionIDs(m *Manager, userID string) []string {
	sessions := m.GetUserSessions(userID)
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.SessionID)
	}
	sort.Strings(ids)
	return ids
}
