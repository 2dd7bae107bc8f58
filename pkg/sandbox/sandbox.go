// Package sandbox is the sandbox engine (C5). It creates isolated
// execution environments and runs code in them under resource limits,
// gated by a pre-execution threat scan. Only the PROCESS tier actually
// runs anything in this module: CONTAINER, VM, and HARDWARE are richer
// isolation tiers a host application can wire in later (they need an
// external runtime — a container daemon, a hypervisor, a provisioning
// API — this module has no business owning), so ExecuteCode on them
// returns a clearly labeled stub result rather than silently running the
// code at a weaker isolation level than requested.
//
// PROCESS-tier execution follows the same shell-invocation shape as the
// rest of this module's command execution: a deny-pattern guard and
// output truncation (the command is not checked for paths that leave its
// working directory), plus a
// ulimit prefix translating the requested ResourceQuota into CPU-time,
// address-space, and process-count limits enforced by the shell itself
// before it execs the user's command, keeping a shell-launched child
// bounded without a wrapper binary.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/freitascorp/adapter-security-core/pkg/audit"
	"github.com/freitascorp/adapter-security-core/pkg/resilience"
	"github.com/freitascorp/adapter-security-core/pkg/secerr"
	"github.com/freitascorp/adapter-security-core/pkg/telemetry"
	"github.com/freitascorp/adapter-security-core/pkg/threat"
)

// Tier is an isolation level for an execution environment.
type Tier int

const (
	TierProcess Tier = iota
	TierContainer
	TierVM
	TierHardware
)

func (t Tier) String() string {
	switch t {
	case TierProcess:
		return "process"
	case TierContainer:
		return "container"
	case TierVM:
		return "vm"
	case TierHardware:
		return "hardware"
	default:
		return "unknown"
	}
}

// denyPatterns blocks destructive or privilege-escalating commands from
// ever reaching the shell, independent of the threat-scan gate.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\b(format|mkfs|diskpart)\b\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\b(curl|wget)\b.*\|\s*(sh|bash)`),
}

func guardCommand(command string) string {
	lower := strings.ToLower(strings.TrimSpace(command))
	for _, p := range denyPatterns {
		if p.MatchString(lower) {
			return "command blocked by sandbox safety guard (dangerous pattern detected)"
		}
	}
	return ""
}

// ResourceQuota bounds a single execution environment.
type ResourceQuota struct {
	MaxCPUSeconds  int
	MaxMemoryKB    int64
	MaxProcesses   int
	MaxOutputBytes int
	Timeout        time.Duration
}

func (q ResourceQuota) withDefaults() ResourceQuota {
	if q.MaxCPUSeconds <= 0 {
		q.MaxCPUSeconds = 10
	}
	if q.MaxMemoryKB <= 0 {
		q.MaxMemoryKB = 256 * 1024
	}
	if q.MaxProcesses <= 0 {
		q.MaxProcesses = 32
	}
	if q.MaxOutputBytes <= 0 {
		q.MaxOutputBytes = 10000
	}
	if q.Timeout <= 0 {
		q.Timeout = 30 * time.Second
	}
	if q.Timeout > 120*time.Second {
		q.Timeout = 120 * time.Second
	}
	return q
}

func (q ResourceQuota) ulimitPrefix() string {
	return fmt.Sprintf("ulimit -t %d -v %d -u %d 2>/dev/null; ", q.MaxCPUSeconds, q.MaxMemoryKB, q.MaxProcesses)
}

// ResourceSample is one point-in-time reading of a running environment's
// resource usage, collected by polling /proc.
type ResourceSample struct {
	At         time.Time
	CPUSeconds float64
	RSSBytes   int64
}

// Environment is a created, possibly still-running, execution sandbox.
type Environment struct {
	ID        string
	Tier      Tier
	WorkDir   string
	Quota     ResourceQuota
	CreatedAt time.Time

	mu        sync.Mutex
	destroyed bool
	running   bool
	pid       int
	samples   []ResourceSample
}

// ExecutionResult is the outcome of ExecuteCode.
type ExecutionResult struct {
	Output    string
	ExitCode  int
	Status    string // "success", "failure", "timeout", "blocked", "stubbed"
	Duration  time.Duration
	Blocked   bool
	Reason    string
	Samples   []ResourceSample
}

// ThreatGate is the pre-execution screen; AnalyzeCode from pkg/threat
// satisfies this by construction.
type ThreatGate func(code string) *threat.CodeAnalysisResult

// Config tunes the Engine.
type Config struct {
	BaseWorkDir   string
	RiskThreshold float64 // AnalyzeCode result at or above this score is blocked
	Gate          ThreatGate
	MonitorPeriod time.Duration // /proc polling interval, default 100ms (~10Hz)
	MaxConcurrent int           // concurrent ExecuteCode runs across the engine, default 16
}

func (c Config) withDefaults() Config {
	if c.BaseWorkDir == "" {
		c.BaseWorkDir = os.TempDir()
	}
	if c.RiskThreshold <= 0 {
		c.RiskThreshold = 10
	}
	if c.Gate == nil {
		c.Gate = func(code string) *threat.CodeAnalysisResult { return threat.AnalyzeCode(code) }
	}
	if c.MonitorPeriod <= 0 {
		c.MonitorPeriod = 100 * time.Millisecond
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	return c
}

// Statistics summarizes engine-wide sandbox activity.
type Statistics struct {
	ActiveEnvironments int
	TotalCreated       uint64
	TotalExecutions    uint64
	TotalBlocked       uint64
}

// Engine creates and runs sandboxed execution environments.
type Engine struct {
	cfg      Config
	auditor  *audit.Logger
	metrics  *telemetry.SecurityMetrics
	bulkhead *resilience.Bulkhead

	mu           sync.Mutex
	environments map[string]*Environment

	totalCreated    uint64
	totalExecutions uint64
	totalBlocked    uint64
}

// NewEngine creates a sandbox Engine. Concurrent ExecuteCode runs are
// capped at cfg.MaxConcurrent by an internal bulkhead, so a burst of
// requests queues rather than exhausting the host running every script at
// once.
func NewEngine(cfg Config, auditor *audit.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:          cfg,
		auditor:      auditor,
		bulkhead:     resilience.NewBulkhead("sandbox-execute", cfg.MaxConcurrent),
		environments: make(map[string]*Environment),
	}
}

// SetMetrics attaches a metrics sink. Call once before the engine takes
// traffic; it is not safe to swap concurrently with ExecuteCode.
func (e *Engine) SetMetrics(m *telemetry.SecurityMetrics) {
	e.metrics = m
}

// CreateEnvironment provisions a new environment. For TierProcess this
// creates an isolated working directory; for the stub tiers it simply
// records the request.
func (e *Engine) CreateEnvironment(ctx context.Context, tier Tier, quota ResourceQuota) (*Environment, error) {
	quota = quota.withDefaults()
	env := &Environment{
		ID:        "env_" + uuid.NewString(),
		Tier:      tier,
		Quota:     quota,
		CreatedAt: time.Now(),
	}

	if tier == TierProcess {
		dir := filepath.Join(e.cfg.BaseWorkDir, env.ID)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, secerr.SandboxFailure("create sandbox work dir", err)
		}
		env.WorkDir = dir
	}

	e.mu.Lock()
	e.environments[env.ID] = env
	e.totalCreated++
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SandboxActive.Inc()
	}
	e.logEvent(ctx, audit.EventSandboxCreate, "", env.ID, audit.SeverityLow, "")
	return env, nil
}

// ExecuteCode runs code inside an existing environment. The threat gate
// runs first regardless of tier, so a stub tier still rejects obviously
// malicious input rather than silently accepting it.
func (e *Engine) ExecuteCode(ctx context.Context, envID, code string) (*ExecutionResult, error) {
	e.mu.Lock()
	env, ok := e.environments[envID]
	e.mu.Unlock()
	if !ok {
		return nil, secerr.SandboxFailure("unknown environment", nil)
	}

	env.mu.Lock()
	if env.destroyed {
		env.mu.Unlock()
		return nil, secerr.SandboxFailure("environment already destroyed", nil)
	}
	env.mu.Unlock()

	analysis := e.cfg.Gate(code)
	e.mu.Lock()
	e.totalExecutions++
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.SandboxExecutions.Inc()
	}

	if analysis.RiskScore >= e.cfg.RiskThreshold {
		e.mu.Lock()
		e.totalBlocked++
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.SandboxBlocked.Inc()
		}
		e.logEvent(ctx, audit.EventSandboxViolation, "", envID, audit.SeverityHigh, "code blocked by threat gate")
		return &ExecutionResult{Status: "blocked", Blocked: true, Reason: "threat gate risk score too high"}, nil
	}

	if env.Tier != TierProcess {
		return &ExecutionResult{Status: "stubbed", Reason: fmt.Sprintf("tier %s is not implemented by this engine", env.Tier)}, nil
	}

	if reason := guardCommand(code); reason != "" {
		e.logEvent(ctx, audit.EventSandboxViolation, "", envID, audit.SeverityHigh, reason)
		return &ExecutionResult{Status: "blocked", Blocked: true, Reason: reason}, nil
	}

	start := time.Now()
	var result *ExecutionResult
	bhErr := e.bulkhead.Execute(ctx, func() error {
		r, rerr := e.runProcess(ctx, env, code)
		result = r
		return rerr
	})
	if e.metrics != nil {
		e.metrics.SandboxLatency.Observe(time.Since(start).Seconds())
	}
	success := bhErr == nil && result != nil && result.Status == "success"
	e.auditExecution(ctx, envID, success, result, bhErr)
	return result, bhErr
}

func (e *Engine) runProcess(ctx context.Context, env *Environment, code string) (*ExecutionResult, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, env.Quota.Timeout)
	defer cancel()

	script := env.Quota.ulimitPrefix() + code
	cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-c", script)
	cmd.Dir = env.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, secerr.SandboxFailure("start sandboxed process", err)
	}

	env.mu.Lock()
	env.running = true
	env.pid = cmd.Process.Pid
	env.mu.Unlock()

	monitorDone := make(chan struct{})
	go e.monitor(env, cmd.Process.Pid, monitorDone)

	waitErr := e.waitWithEscalation(cmdCtx, cmd)
	close(monitorDone)
	duration := time.Since(start)

	env.mu.Lock()
	env.running = false
	samples := append([]ResourceSample(nil), env.samples...)
	env.mu.Unlock()

	result := &ExecutionResult{Duration: duration, Samples: samples}
	result.Output = stdout.String()
	if stderr.Len() > 0 {
		result.Output += "\n" + stderr.String()
	}
	if len(result.Output) > env.Quota.MaxOutputBytes {
		result.Output = result.Output[:env.Quota.MaxOutputBytes] + fmt.Sprintf("\n... (truncated, %d more bytes)", len(result.Output)-env.Quota.MaxOutputBytes)
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		result.Status = "failure"
		if cmdCtx.Err() != nil {
			result.Status = "timeout"
		}
	} else {
		result.Status = "success"
	}
	return result, nil
}

// waitWithEscalation waits for cmd to exit, and on context cancellation
// sends SIGTERM followed by SIGKILL one second later if it hasn't exited.
func (e *Engine) waitWithEscalation(ctx context.Context, cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err := <-done:
			return err
		case <-time.After(time.Second):
			cmd.Process.Kill()
			return <-done
		}
	}
}

// monitor polls /proc/<pid>/stat at ~cfg.MonitorPeriod, recording
// resource samples until the process exits or done is closed.
func (e *Engine) monitor(env *Environment, pid int, done <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.MonitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			sample, ok := readProcSample(pid)
			if !ok {
				return
			}
			env.mu.Lock()
			env.samples = append(env.samples, sample)
			env.mu.Unlock()
		}
	}
}

const clockTicksPerSec = 100 // standard Linux USER_HZ

func readProcSample(pid int) (ResourceSample, bool) {
	statData, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return ResourceSample{}, false
	}
	fields := strings.Fields(string(statData))
	if len(fields) < 24 {
		return ResourceSample{}, false
	}
	utime, _ := strconv.ParseFloat(fields[13], 64)
	stime, _ := strconv.ParseFloat(fields[14], 64)
	cpuSeconds := (utime + stime) / clockTicksPerSec

	var rss int64
	statusData, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err == nil {
		for _, line := range strings.Split(string(statusData), "\n") {
			if strings.HasPrefix(line, "VmRSS:") {
				parts := strings.Fields(line)
				if len(parts) >= 2 {
					kb, _ := strconv.ParseInt(parts[1], 10, 64)
					rss = kb * 1024
				}
			}
		}
	}

	return ResourceSample{At: time.Now(), CPUSeconds: cpuSeconds, RSSBytes: rss}, true
}

// DestroyEnvironment tears down an environment, terminating any running
// process and removing its working directory.
func (e *Engine) DestroyEnvironment(ctx context.Context, envID string) error {
	e.mu.Lock()
	env, ok := e.environments[envID]
	if ok {
		delete(e.environments, envID)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	env.mu.Lock()
	pid := env.pid
	running := env.running
	env.destroyed = true
	workDir := env.WorkDir
	env.mu.Unlock()

	if running && pid > 0 {
		if proc, err := os.FindProcess(pid); err == nil {
			proc.Signal(syscall.SIGTERM)
			time.Sleep(100 * time.Millisecond)
			proc.Kill()
		}
	}
	if workDir != "" {
		os.RemoveAll(workDir)
	}

	if e.metrics != nil {
		e.metrics.SandboxActive.Dec()
	}
	e.logEvent(ctx, audit.EventSandboxDestroy, "", envID, audit.SeverityLow, "")
	return nil
}

// CleanupAll destroys every tracked environment, e.g. on shutdown.
func (e *Engine) CleanupAll(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.environments))
	for id := range e.environments {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_ = e.DestroyEnvironment(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// ListActiveEnvironments returns the IDs of every environment not yet
// destroyed.
func (e *Engine) ListActiveEnvironments() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.environments))
	for id, env := range e.environments {
		env.mu.Lock()
		destroyed := env.destroyed
		env.mu.Unlock()
		if !destroyed {
			ids = append(ids, id)
		}
	}
	return ids
}

// GetStatistics reports engine-wide counters.
func (e *Engine) GetStatistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	active := 0
	for _, env := range e.environments {
		env.mu.Lock()
		if !env.destroyed {
			active++
		}
		env.mu.Unlock()
	}
	return Statistics{
		ActiveEnvironments: active,
		TotalCreated:       e.totalCreated,
		TotalExecutions:    e.totalExecutions,
		TotalBlocked:       e.totalBlocked,
	}
}

func (e *Engine) auditExecution(ctx context.Context, envID string, success bool, result *ExecutionResult, err error) {
	if e.auditor == nil {
		return
	}
	errMsg := ""
	var d time.Duration
	if result != nil {
		d = result.Duration
		if !success {
			errMsg = result.Status
		}
	}
	if err != nil {
		errMsg = err.Error()
	}
	e.auditor.LogSandboxExecution(ctx, "", envID, success, d, errMsg)
}

func (e *Engine) logEvent(ctx context.Context, typ audit.EventType, user, envID string, sev audit.Severity, detail string) {
	if e.auditor == nil {
		return
	}
	e.auditor.Log(ctx, &audit.Event{
		Type:      typ,
		Severity:  sev,
		Component: "sandbox",
		User:      user,
		Action:    string(typ),
		Target:    &audit.EventTarget{ResourceType: "environment", ResourceID: envID},
		Result:    &audit.EventResult{Status: "success", Error: detail},
	})
}
