package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freitascorp/adapter-security-core/pkg/telemetry"
)

func TestEngine_DefaultDenyUnknownUser(t *testing.T) {
	e := NewEngine(nil, CacheConfig{})
	res := e.Check(context.Background(), AccessRequest{UserID: "ghost", Permission: PermSandboxExecute})
	assert.False(t, res.Allowed)
	assert.Equal(t, "default-deny", res.MatchedRule)
}

func TestEngine_RBACWildcardGrant(t *testing.T) {
	e := NewEngine(nil, CacheConfig{})
	e.RegisterUser(&User{ID: "alice", Roles: []RoleName{"security_admin"}})

	res := e.Check(context.Background(), AccessRequest{UserID: "alice", Permission: PermSandboxExecute})
	assert.True(t, res.Allowed)
	assert.Equal(t, "rbac", res.MatchedRule)
}

func TestEngine_RBACScopedWildcard(t *testing.T) {
	e := NewEngine(nil, CacheConfig{})
	e.AddRole(&Role{Name: "sandbox_only", Permissions: []Permission{"sandbox:*"}})
	e.RegisterUser(&User{ID: "bob", Roles: []RoleName{"sandbox_only"}})

	res := e.Check(context.Background(), AccessRequest{UserID: "bob", Permission: PermSandboxExecute})
	assert.True(t, res.Allowed)

	res = e.Check(context.Background(), AccessRequest{UserID: "bob", Permission: PermAuditView})
	assert.False(t, res.Allowed)
}

func TestEngine_RoleInheritance(t *testing.T) {
	e := NewEngine(nil, CacheConfig{})
	require.NoError(t, e.AddRole(&Role{Name: "base", Permissions: []Permission{PermThreatView}}))
	require.NoError(t, e.AddRole(&Role{Name: "derived", Inherits: []RoleName{"base"}}))
	e.RegisterUser(&User{ID: "carol", Roles: []RoleName{"derived"}})

	res := e.Check(context.Background(), AccessRequest{UserID: "carol", Permission: PermThreatView})
	assert.True(t, res.Allowed)
}

func TestEngine_AddRoleRejectsCycle(t *testing.T) {
	e := NewEngine(nil, CacheConfig{})
	require.NoError(t, e.AddRole(&Role{Name: "a", Inherits: []RoleName{"b"}}))
	err := e.AddRole(&Role{Name: "b", Inherits: []RoleName{"a"}})
	assert.Error(t, err)
}

func TestEngine_DisabledUserDenied(t *testing.T) {
	e := NewEngine(nil, CacheConfig{})
	e.RegisterUser(&User{ID: "dave", Roles: []RoleName{"security_admin"}, Disabled: true})

	res := e.Check(context.Background(), AccessRequest{UserID: "dave", Permission: PermSandboxExecute})
	assert.False(t, res.Allowed)
}

func TestEngine_PolicyRuleOverridesRBACDeny(t *testing.T) {
	e := NewEngine(nil, CacheConfig{})
	e.RegisterUser(&User{ID: "erin", Roles: []RoleName{"sandbox_user"}})
	require.NoError(t, e.AddPolicyRule(&PolicyRule{
		ID: "business-hours-only", Resource: "*", Action: "sandbox:execute",
		Condition: `time_between("00:00", "23:59")`, Effect: EffectDeny, Priority: 100,
	}))

	res := e.Check(context.Background(), AccessRequest{UserID: "erin", Permission: PermSandboxExecute})
	assert.False(t, res.Allowed)
	assert.Equal(t, "business-hours-only", res.MatchedRule)
}

func TestEngine_PolicyRuleAllowsViaABACAttribute(t *testing.T) {
	e := NewEngine(nil, CacheConfig{})
	e.RegisterUser(&User{ID: "frank", Attributes: map[string]string{"groups": "security-team"}})
	require.NoError(t, e.AddPolicyRule(&PolicyRule{
		ID: "security-team-override", Resource: "*", Action: "*",
		Condition: `user_in_group("security-team")`, Effect: EffectAllow, Priority: 100,
	}))

	res := e.Check(context.Background(), AccessRequest{UserID: "frank", Permission: PermSandboxExecute})
	assert.True(t, res.Allowed)
	assert.Equal(t, "security-team-override", res.MatchedRule)
}

func TestEngine_HigherPriorityRuleWinsOverLower(t *testing.T) {
	e := NewEngine(nil, CacheConfig{})
	e.RegisterUser(&User{ID: "gina"})
	require.NoError(t, e.AddPolicyRule(&PolicyRule{ID: "low-allow", Resource: "*", Action: "*", Effect: EffectAllow, Priority: 1}))
	require.NoError(t, e.AddPolicyRule(&PolicyRule{ID: "high-deny", Resource: "*", Action: "*", Effect: EffectDeny, Priority: 100}))

	res := e.Check(context.Background(), AccessRequest{UserID: "gina", Permission: PermSandboxExecute})
	assert.False(t, res.Allowed)
	assert.Equal(t, "high-deny", res.MatchedRule)
}

func TestEngine_RemoveRoleCascades(t *testing.T) {
	e := NewEngine(nil, CacheConfig{})
	require.NoError(t, e.AddRole(&Role{Name: "temp", Permissions: []Permission{PermThreatView}}))
	e.RegisterUser(&User{ID: "hank", Roles: []RoleName{"temp"}})

	e.RemoveRole("temp")

	res := e.Check(context.Background(), AccessRequest{UserID: "hank", Permission: PermThreatView})
	assert.False(t, res.Allowed)
}

func TestEngine_CacheReturnsConsistentDecision(t *testing.T) {
	e := NewEngine(nil, CacheConfig{TTL: time.Minute, MaxSize: 100})
	e.RegisterUser(&User{ID: "ivy", Roles: []RoleName{"sandbox_user"}})

	first := e.Check(context.Background(), AccessRequest{UserID: "ivy", Permission: PermSandboxExecute})
	second := e.Check(context.Background(), AccessRequest{UserID: "ivy", Permission: PermSandboxExecute})
	assert.Equal(t, first, second)
}

func TestEngine_CacheInvalidatedOnRoleChange(t *testing.T) {
	e := NewEngine(nil, CacheConfig{TTL: time.Minute, MaxSize: 100})
	e.RegisterUser(&User{ID: "jack", Roles: []RoleName{"sandbox_user"}})

	before := e.Check(context.Background(), AccessRequest{UserID: "jack", Permission: PermAuditView})
	assert.False(t, before.Allowed)

	require.NoError(t, e.AddRole(&Role{Name: "sandbox_user", Permissions: []Permission{PermSandboxExecute, PermAuditView}}))
	e.RegisterUser(&User{ID: "jack", Roles: []RoleName{"sandbox_user"}})

	after := e.Check(context.Background(), AccessRequest{UserID: "jack", Permission: PermAuditView})
	assert.True(t, after.Allowed)
}

func TestEngine_RateLimitPredicate(t *testing.T) {
	e := NewEngine(nil, CacheConfig{})
	e.RegisterUser(&User{ID: "kim"})
	require.NoError(t, e.AddPolicyRule(&PolicyRule{
		ID: "burst-guard", Resource: "*", Action: "sandbox:execute",
		Condition: `rate_limit(3, 60)`, Effect: EffectAllow, Priority: 50,
	}))
	require.NoError(t, e.AddPolicyRule(&PolicyRule{ID: "fallback-deny", Resource: "*", Action: "*", Effect: EffectDeny, Priority: 0}))

	var allowed int
	for i := 0; i < 5; i++ {
		res := e.Check(context.Background(), AccessRequest{UserID: "kim", Permission: PermSandboxExecute})
		if res.Allowed {
			allowed++
		}
	}
	assert.LessOrEqual(t, allowed, 3)
}

func TestLoadPolicyRulesYAML(t *testing.T) {
	doc := []byte(`
rules:
  - id: business-hours-only
    resource: "sandbox:*"
    action: "sandbox:execute"
    condition: 'time_between("09:00", "18:00")'
    effect: allow
    priority: 50
  - id: deny-after-hours
    resource: "*"
    action: "*"
    effect: deny
    priority: 0
`)
	rules, err := LoadPolicyRulesYAML(doc)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "business-hours-only", rules[0].ID)
	assert.Equal(t, EffectAllow, rules[0].Effect)
	assert.Equal(t, 50, rules[0].Priority)

	e := NewEngine(nil, CacheConfig{})
	e.RegisterUser(&User{ID: "lee"})
	for _, r := range rules {
		require.NoError(t, e.AddPolicyRule(r))
	}

	res := e.Check(context.Background(), AccessRequest{UserID: "lee", Permission: PermSandboxExecute, Resource: "sandbox:env-1"})
	if res.Allowed {
		assert.Equal(t, "business-hours-only", res.MatchedRule)
	} else {
		assert.Equal(t, "deny-after-hours", res.MatchedRule)
	}
}

func TestEngine_MetricsRecordChecksAndCacheOutcomes(t *testing.T) {
	e := NewEngine(nil, CacheConfig{TTL: time.Minute, MaxSize: 10})
	m := telemetry.NewSecurityMetrics()
	e.SetMetrics(m)
	e.RegisterUser(&User{ID: "mia", Roles: []RoleName{"sandbox_user"}})

	e.Check(context.Background(), AccessRequest{UserID: "mia", Permission: PermSandboxExecute})
	e.Check(context.Background(), AccessRequest{UserID: "mia", Permission: PermSandboxExecute})
	e.Check(context.Background(), AccessRequest{UserID: "mia", Permission: PermAuditView})

	assert.EqualValues(t, 3, m.PermissionChecks.Value())
	assert.EqualValues(t, 1, m.PermissionCacheHit.Value())
	assert.EqualValues(t, 2, m.PermissionCacheMiss.Value())
	assert.EqualValues(t, 1, m.PermissionDenies.Value())
}

func TestLoadPolicyRulesYAML_InvalidCondition(t *testing.T) {
	doc := []byte(`
rules:
  - id: broken
    resource: "*"
    action: "*"
    condition: "(("
    effect: deny
    priority: 1
`)
	_, err := LoadPolicyRulesYAML(doc)
	assert.Error(t, err)
}
