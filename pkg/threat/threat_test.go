package threat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeCode_FlagsDangerousIdentifier(t *testing.T) {
	res := AnalyzeCode(`result = subprocess.call("ls")`)
	assert.NotEmpty(t, res.Findings)
	assert.Greater(t, res.RiskScore, 0.0)
}

func TestAnalyzeCode_FlagsReverseShellPattern(t *testing.T) {
	res := AnalyzeCode(`os.system("/bin/sh -i")`)
	found := false
	for _, f := range res.Findings {
		if f.Kind == "reverse_shell" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAnalyzeCode_CleanCodeHasNoFindings(t *testing.T) {
	res := AnalyzeCode(`total = sum([1, 2, 3])`)
	assert.Empty(t, res.Findings)
	assert.Equal(t, 0.0, res.RiskScore)
}

func TestAnalyzeCode_TracksLineNumbers(t *testing.T) {
	res := AnalyzeCode("a = 1\nb = 2\nexec(\"danger\")")
	require := assert.New(t)
	require.NotEmpty(res.Findings)
	require.Equal(3, res.Findings[0].Line)
}

func TestBehaviorAnalyzer_DetectsDenialProbing(t *testing.T) {
	b := NewBehaviorAnalyzer(BehaviorConfig{DenialRunLength: 3})
	now := time.Now()
	var findings []Finding
	for i := 0; i < 3; i++ {
		findings = b.Record("alice", ActionEvent{At: now.Add(time.Duration(i) * time.Millisecond), Denied: true})
	}
	found := false
	for _, f := range findings {
		if f.Kind == "denial_probing" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestBehaviorAnalyzer_DetectsBurst(t *testing.T) {
	b := NewBehaviorAnalyzer(BehaviorConfig{BurstThreshold: 3, BurstWindow: time.Second})
	now := time.Now()
	var findings []Finding
	for i := 0; i < 3; i++ {
		findings = b.Record("bob", ActionEvent{At: now})
	}
	found := false
	for _, f := range findings {
		if f.Kind == "request_burst" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestBehaviorAnalyzer_RingBoundedCapacity(t *testing.T) {
	b := NewBehaviorAnalyzer(BehaviorConfig{RingSize: 5})
	for i := 0; i < 20; i++ {
		b.Record("carol", ActionEvent{At: time.Now()})
	}
	b.mu.Lock()
	size := b.ring["carol"].size
	b.mu.Unlock()
	assert.Equal(t, 5, size)
}

func TestAlertAggregator_CountsRepeatedFindings(t *testing.T) {
	agg := NewAlertAggregator(time.Minute)
	f := Finding{Kind: "denial_probing", Severity: SeverityHigh}

	agg.Record("alice", f)
	agg.Record("alice", f)
	alert := agg.Record("alice", f)

	assert.Equal(t, 3, alert.Count)
}

func TestAlertAggregator_SeparatesDifferentSubjects(t *testing.T) {
	agg := NewAlertAggregator(time.Minute)
	f := Finding{Kind: "request_burst", Severity: SeverityMedium}

	agg.Record("alice", f)
	agg.Record("bob", f)

	assert.Len(t, agg.Active(), 2)
}
