// Package permission is the permission engine (C2): it fuses role-based
// access control, attribute-based conditions, and explicit policy rules
// into one Check call, deny-by-default. RBAC supplies the common case
// (a role grants a wildcard-matched permission); policy rules let an
// operator attach a condition expression — evaluated by the tiny
// expression language in condition.go — to allow or deny a request based
// on runtime attributes (time of day, source IP, group membership,
// request rate) that no static role can express.
package permission

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/freitascorp/adapter-security-core/pkg/audit"
	"github.com/freitascorp/adapter-security-core/pkg/telemetry"
)

// ------------------------------------------------------------------
// Core types
// ------------------------------------------------------------------

type UserID string
type RoleName string
type Permission string

// Pre-defined permissions, following a resource:action pattern so
// wildcard matching ("sandbox:*") behaves predictably.
const (
	PermContextManage    Permission = "context:manage"
	PermSessionSuspend   Permission = "session:suspend"
	PermPermissionManage Permission = "permission:manage"
	PermPolicyManage     Permission = "policy:manage"
	PermValidatorBypass  Permission = "validator:bypass"
	PermThreatView       Permission = "threat:view"
	PermThreatManage     Permission = "threat:manage"
	PermSandboxExecute   Permission = "sandbox:execute"
	PermSandboxManage    Permission = "sandbox:manage"
	PermAuditView        Permission = "audit:view"
	PermAuditExport      Permission = "audit:export"
	PermMiddlewareManage Permission = "middleware:manage"
	PermAdmin            Permission = "admin:*"
)

// Pre-defined roles. RoleSecurityAdmin gets everything; RoleOperator can
// drive the sandbox and view audit/threat data; RoleAuditor is read-only
// over audit and threat findings; RoleSandboxUser may only execute code.
var (
	RoleSecurityAdmin = Role{
		Name:        "security_admin",
		Description: "Full control over the security core",
		Permissions: []Permission{PermAdmin},
	}
	RoleOperator = Role{
		Name:        "operator",
		Description: "Operates the sandbox and reviews security findings",
		Permissions: []Permission{
			PermSandboxExecute, PermSandboxManage,
			PermThreatView, PermAuditView,
		},
	}
	RoleAuditor = Role{
		Name:        "auditor",
		Description: "Read-only visibility into audit and threat data",
		Permissions: []Permission{PermAuditView, PermAuditExport, PermThreatView},
	}
	RoleSandboxUser = Role{
		Name:        "sandbox_user",
		Description: "May execute code in the sandbox only",
		Permissions: []Permission{PermSandboxExecute},
	}
)

// Role is a named permission set that may inherit from other roles.
// Inheritance forms a DAG; AddRole rejects anything that would introduce
// a cycle.
type Role struct {
	Name        RoleName     `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
	Inherits    []RoleName   `json:"inherits,omitempty"`
}

// User is a principal with role bindings and free-form attributes for
// ABAC condition evaluation (group membership, department, clearance...).
type User struct {
	ID         UserID            `json:"id"`
	Roles      []RoleName        `json:"roles"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Disabled   bool              `json:"disabled"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Effect is the outcome a PolicyRule applies when it matches.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// PolicyRule layers an explicit, conditional decision over RBAC. Rules
// are evaluated in descending Priority order; the first rule whose
// Resource/Action patterns and Condition all match wins, short-circuiting
// RBAC evaluation entirely. An empty Condition always matches.
type PolicyRule struct {
	ID        string `yaml:"id"`
	Resource  string `yaml:"resource"` // glob pattern, "*" matches anything
	Action    string `yaml:"action"`   // glob pattern over Permission
	Condition string `yaml:"condition,omitempty"` // expression source; empty = always true
	Effect    Effect `yaml:"effect"`
	Priority  int    `yaml:"priority"`
	expr      *Expr
}

// Compile parses Condition once so repeated Check calls don't re-lex it.
func (r *PolicyRule) Compile() error {
	if r.Condition == "" {
		return nil
	}
	expr, err := Parse(r.Condition)
	if err != nil {
		return fmt.Errorf("policy rule %s: %w", r.ID, err)
	}
	r.expr = expr
	return nil
}

// AccessRequest is the input to Check.
type AccessRequest struct {
	UserID     UserID
	Permission Permission
	Resource   string
	Attributes map[string]string // request-scoped attributes, merged over the user's
}

// AccessResult is the output of Check.
type AccessResult struct {
	Allowed     bool
	Reason      string
	MatchedRule string // policy rule ID, or "rbac"/"default-deny"
}

// ------------------------------------------------------------------
// Engine
// ------------------------------------------------------------------

// CacheConfig tunes the decision cache. A zero TTL disables caching.
type CacheConfig struct {
	TTL     time.Duration
	MaxSize int
}

type cacheEntry struct {
	result  AccessResult
	expires time.Time
}

// Engine evaluates access control decisions combining RBAC, ABAC, and
// policy rules.
type Engine struct {
	mu       sync.RWMutex
	roles    map[RoleName]*Role
	users    map[UserID]*User
	policies []*PolicyRule
	auditor  *audit.Logger
	metrics  *telemetry.SecurityMetrics

	cacheCfg CacheConfig
	cacheMu  sync.Mutex
	cache    map[string]cacheEntry
	evalOnce singleflight.Group

	rateMu    sync.Mutex
	rateCount map[string][]time.Time
}

// NewEngine creates a permission engine preloaded with the default roles.
func NewEngine(auditor *audit.Logger, cacheCfg CacheConfig) *Engine {
	e := &Engine{
		roles:     make(map[RoleName]*Role),
		users:     make(map[UserID]*User),
		auditor:   auditor,
		cacheCfg:  cacheCfg,
		cache:     make(map[string]cacheEntry),
		rateCount: make(map[string][]time.Time),
	}
	for _, r := range []Role{RoleSecurityAdmin, RoleOperator, RoleAuditor, RoleSandboxUser} {
		r := r
		e.roles[r.Name] = &r
	}
	return e
}

// SetMetrics attaches a metrics sink. Call once before the engine takes
// traffic; it is not safe to swap concurrently with Check.
func (e *Engine) SetMetrics(m *telemetry.SecurityMetrics) {
	e.metrics = m
}

// AddRole registers or replaces a role, rejecting it if its Inherits
// chain would introduce a cycle.
func (e *Engine) AddRole(role *Role) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	trial := make(map[RoleName]*Role, len(e.roles)+1)
	for k, v := range e.roles {
		trial[k] = v
	}
	trial[role.Name] = role

	if err := detectCycle(trial, role.Name); err != nil {
		return err
	}
	e.roles[role.Name] = role
	e.invalidateCache()
	return nil
}

// detectCycle runs DFS from start looking for a path back to itself
// through Inherits edges.
func detectCycle(roles map[RoleName]*Role, start RoleName) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[RoleName]int)
	var visit func(RoleName) error
	visit = func(name RoleName) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("role inheritance cycle detected at %q", name)
		case black:
			return nil
		}
		color[name] = gray
		if r, ok := roles[name]; ok {
			for _, parent := range r.Inherits {
				if err := visit(parent); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}
	return visit(start)
}

// RemoveRole deletes a role and cascades: any role inheriting it has the
// edge removed, and every user holding it loses that binding (a user left
// with no roles falls back to deny-by-default rather than being left in
// an inconsistent state).
func (e *Engine) RemoveRole(name RoleName) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.roles, name)
	for _, r := range e.roles {
		r.Inherits = removeRoleName(r.Inherits, name)
	}
	for _, u := range e.users {
		u.Roles = removeRoleName(u.Roles, name)
	}
	e.invalidateCache()
}

func removeRoleName(names []RoleName, target RoleName) []RoleName {
	out := names[:0:0]
	for _, n := range names {
		if n != target {
			out = append(out, n)
		}
	}
	return out
}

// RegisterUser adds or replaces a user.
func (e *Engine) RegisterUser(u *User) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	e.users[u.ID] = u
	e.invalidateCache()
}

// AddPolicyRule compiles and registers a policy rule, keeping the policy
// list sorted by descending priority.
func (e *Engine) AddPolicyRule(rule *PolicyRule) error {
	if err := rule.Compile(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = append(e.policies, rule)
	sort.SliceStable(e.policies, func(i, j int) bool { return e.policies[i].Priority > e.policies[j].Priority })
	e.invalidateCache()
	return nil
}

// RemovePolicyRule deletes a policy rule by ID.
func (e *Engine) RemovePolicyRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.policies[:0:0]
	for _, r := range e.policies {
		if r.ID != id {
			out = append(out, r)
		}
	}
	e.policies = out
	e.invalidateCache()
}

// Check evaluates req and returns the access decision, checking the
// cache first and auditing every freshly evaluated decision; a cache hit
// is returned without a new audit event.
func (e *Engine) Check(ctx context.Context, req AccessRequest) AccessResult {
	if e.metrics != nil {
		e.metrics.PermissionChecks.Inc()
	}

	key := cacheKey(req)
	if e.cacheCfg.TTL > 0 {
		if res, ok := e.cacheLookup(key); ok {
			if e.metrics != nil {
				e.metrics.PermissionCacheHit.Inc()
			}
			return res
		}
	}
	if e.metrics != nil {
		e.metrics.PermissionCacheMiss.Inc()
	}

	// Coalesce concurrent cache misses for the same key into one
	// evaluation, so a burst of identical requests doesn't stampede the
	// policy/RBAC walk (and its rate-limit predicate bookkeeping) at once.
	start := time.Now()
	resAny, _, _ := e.evalOnce.Do(key, func() (any, error) {
		return e.evaluate(req), nil
	})
	res := resAny.(AccessResult)
	if e.metrics != nil {
		e.metrics.PermissionEvalLatency.Observe(time.Since(start).Seconds())
		if !res.Allowed {
			e.metrics.PermissionDenies.Inc()
		}
	}

	if e.cacheCfg.TTL > 0 {
		e.cacheStore(key, res)
	}
	if e.auditor != nil {
		e.auditor.LogPermissionDecision(ctx, string(req.UserID), string(req.Permission), req.Resource, res.Allowed, res.Reason)
	}
	return res
}

func (e *Engine) evaluate(req AccessRequest) AccessResult {
	e.mu.RLock()
	user, ok := e.users[req.UserID]
	if !ok || user.Disabled {
		e.mu.RUnlock()
		return AccessResult{Allowed: false, Reason: "user not found or disabled", MatchedRule: "default-deny"}
	}

	attrs := mergeAttrs(user.Attributes, req.Attributes)
	evalCtx := EvalContext{
		UserID:     string(req.UserID),
		Resource:   req.Resource,
		Action:     string(req.Permission),
		Attributes: attrs,
		Now:        time.Now(),
		RateCounter: func(key string, window time.Duration) int {
			return e.recordAndCountRate(key, window)
		},
	}

	// Policy rules take precedence, highest priority first.
	policies := e.policies
	e.mu.RUnlock()

	for _, rule := range policies {
		if !globMatch(rule.Resource, req.Resource) || !globMatch(rule.Action, string(req.Permission)) {
			continue
		}
		matched := true
		if rule.expr != nil {
			ok, err := rule.expr.Eval(evalCtx)
			if err != nil || !ok {
				matched = false
			}
		}
		if !matched {
			continue
		}
		if rule.Effect == EffectAllow {
			return AccessResult{Allowed: true, Reason: "policy rule " + rule.ID, MatchedRule: rule.ID}
		}
		return AccessResult{Allowed: false, Reason: "denied by policy rule " + rule.ID, MatchedRule: rule.ID}
	}

	// RBAC, walking each bound role's inheritance chain.
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[RoleName]bool)
	for _, roleName := range user.Roles {
		if e.roleGrants(roleName, req.Permission, seen) {
			return AccessResult{Allowed: true, Reason: "granted by role " + string(roleName), MatchedRule: "rbac"}
		}
	}

	return AccessResult{Allowed: false, Reason: "no matching role or policy rule", MatchedRule: "default-deny"}
}

func (e *Engine) roleGrants(name RoleName, perm Permission, seen map[RoleName]bool) bool {
	if seen[name] {
		return false
	}
	seen[name] = true
	role, ok := e.roles[name]
	if !ok {
		return false
	}
	for _, p := range role.Permissions {
		if matchPermission(p, perm) {
			return true
		}
	}
	for _, parent := range role.Inherits {
		if e.roleGrants(parent, perm, seen) {
			return true
		}
	}
	return false
}

func (e *Engine) recordAndCountRate(key string, window time.Duration) int {
	now := time.Now()
	e.rateMu.Lock()
	defer e.rateMu.Unlock()
	events := e.rateCount[key]
	cutoff := now.Add(-window)
	kept := events[:0:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	e.rateCount[key] = kept
	return len(kept)
}

func mergeAttrs(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// matchPermission checks if a granted permission covers the requested
// one. Supports wildcards: "admin:*" matches everything, "sandbox:*"
// matches "sandbox:execute".
func matchPermission(granted, requested Permission) bool {
	if granted == requested || granted == PermAdmin {
		return true
	}
	return globMatch(string(granted), string(requested))
}

// globMatch matches pattern against value where pattern segments
// (colon-delimited) may be "*" to match the remainder, and "*" alone
// matches anything.
func globMatch(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	pParts := strings.Split(pattern, ":")
	vParts := strings.Split(value, ":")
	for i, pp := range pParts {
		if pp == "*" {
			return true
		}
		if i >= len(vParts) || pp != vParts[i] {
			return false
		}
	}
	return len(pParts) == len(vParts)
}

func cacheKey(req AccessRequest) string {
	var b strings.Builder
	b.WriteString(string(req.UserID))
	b.WriteByte('|')
	b.WriteString(string(req.Permission))
	b.WriteByte('|')
	b.WriteString(req.Resource)
	keys := make([]string, 0, len(req.Attributes))
	for k := range req.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(req.Attributes[k])
	}
	return b.String()
}

func (e *Engine) cacheLookup(key string) (AccessResult, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	entry, ok := e.cache[key]
	if !ok || time.Now().After(entry.expires) {
		return AccessResult{}, false
	}
	return entry.result, true
}

func (e *Engine) cacheStore(key string, res AccessResult) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if e.cacheCfg.MaxSize > 0 && len(e.cache) >= e.cacheCfg.MaxSize {
		for k := range e.cache {
			delete(e.cache, k)
			break
		}
	}
	e.cache[key] = cacheEntry{result: res, expires: time.Now().Add(e.cacheCfg.TTL)}
}

func (e *Engine) invalidateCache() {
	e.cacheMu.Lock()
	e.cache = make(map[string]cacheEntry)
	e.cacheMu.Unlock()
}
