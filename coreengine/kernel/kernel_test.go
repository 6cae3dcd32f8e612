package kernel

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/flowkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/envelope"
)

// testLogger captures log output for assertions.
type testLogger struct {
	logs []string
	mu   sync.Mutex
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, "DEBUG: "+msg)
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, "INFO: "+msg)
}

func (l *testLogger) Warn(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, "WARN: "+msg)
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, "ERROR: "+msg)
}

func (l *testLogger) contains(fragment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.logs {
		if strings.Contains(entry, fragment) {
			return true
		}
	}
	return false
}

func newTestKernel() *Kernel {
	return NewKernel(nil, &testLogger{})
}

func createTestProcess(t *testing.T, k *Kernel, pid string) *ProcessControlBlock {
	t.Helper()
	pcb, err := k.CreateProcess(pid, "req-"+pid, "user-1", "sess-1", "analyze the repo", PriorityNormal, nil)
	if err != nil {
		t.Fatalf("create process %s: %v", pid, err)
	}
	return pcb
}

// =============================================================================
// Process lifecycle
// =============================================================================

func TestKernel_CreateProcess(t *testing.T) {
	k := newTestKernel()
	pcb := createTestProcess(t, k, "pid-1")

	if pcb.State != ProcessStateNew {
		t.Errorf("expected new, got %s", pcb.State)
	}
	// Defaults flow from the kernel config.
	if pcb.Quota.MaxLLMCalls != 10 {
		t.Errorf("expected default quota, got %d", pcb.Quota.MaxLLMCalls)
	}

	// The envelope is created with the process, sharing the pid.
	env, err := k.GetEnvelope("pid-1")
	if err != nil {
		t.Fatalf("get envelope: %v", err)
	}
	if env.EnvelopeID != "pid-1" || env.RawInput != "analyze the repo" {
		t.Errorf("unexpected envelope: %+v", env)
	}

	if _, err := k.CreateProcess("pid-1", "req-2", "user-1", "", "again", PriorityNormal, nil); !IsKind(err, ErrValidation) {
		t.Errorf("duplicate pid should be rejected, got %v", err)
	}
}

func TestKernel_CreateProcess_ReturnsCopy(t *testing.T) {
	k := newTestKernel()
	pcb := createTestProcess(t, k, "pid-1")

	// Mutating the returned PCB must not leak into the kernel.
	pcb.State = ProcessStateZombie
	stored, _ := k.GetProcess("pid-1")
	if stored.State != ProcessStateNew {
		t.Error("caller mutation leaked into the kernel table")
	}
}

func TestKernel_ScheduleAndRun(t *testing.T) {
	k := newTestKernel()
	createTestProcess(t, k, "pid-1")

	if err := k.ScheduleProcess("pid-1"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	pcb, err := k.GetNextRunnable()
	if err != nil {
		t.Fatal(err)
	}
	if pcb == nil || pcb.PID != "pid-1" || pcb.State != ProcessStateRunning {
		t.Fatalf("unexpected runnable: %+v", pcb)
	}

	// Empty queue is (nil, nil), not an error.
	next, err := k.GetNextRunnable()
	if err != nil || next != nil {
		t.Errorf("empty queue should be nil, nil; got %v, %v", next, err)
	}
}

func TestKernel_TerminateProcess_CrossSubsystem(t *testing.T) {
	k := newTestKernel()
	createTestProcess(t, k, "pid-1")

	err := k.TerminateProcess("pid-1", envelope.TerminalReasonUserCancelled, "changed my mind", false)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}

	pcb, _ := k.GetProcess("pid-1")
	if pcb.State != ProcessStateTerminated {
		t.Errorf("expected terminated pcb, got %s", pcb.State)
	}
	// The envelope terminates in the same operation.
	env, _ := k.GetEnvelope("pid-1")
	if !env.Terminated || env.TerminalReason == nil || *env.TerminalReason != envelope.TerminalReasonUserCancelled {
		t.Errorf("envelope should be terminated with the same reason: %+v", env)
	}

	if err := k.TerminateProcess("pid-1", envelope.TerminalReason("whim"), "", false); !IsKind(err, ErrValidation) {
		t.Errorf("unknown terminal reason should be rejected, got %v", err)
	}
}

// =============================================================================
// Quota integration
// =============================================================================

func TestKernel_QuotaFlow(t *testing.T) {
	k := newTestKernel()
	k.CreateProcess("pid-1", "req-1", "user-1", "", "x", PriorityNormal, &ResourceQuota{MaxLLMCalls: 1})

	violation, err := k.CheckQuota("pid-1")
	if err != nil || violation != "" {
		t.Fatalf("fresh process should be within quota, got %q, %v", violation, err)
	}

	if err := k.RecordUsage("pid-1", ResourceUsage{LLMCalls: 1, TokensIn: 120, TokensOut: 80}); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	violation, err = k.CheckQuota("pid-1")
	if err != nil {
		t.Fatal(err)
	}
	if violation != "max_llm_calls_exceeded" {
		t.Errorf("expected max_llm_calls_exceeded, got %q", violation)
	}

	// The user aggregate mirrors process usage.
	usage, err := k.GetUserUsage("user-1")
	if err != nil {
		t.Fatal(err)
	}
	if usage.LLMCalls != 1 || usage.TokensIn != 120 || usage.Processes != 1 {
		t.Errorf("unexpected user aggregate: %+v", usage)
	}
}

func TestKernel_AdjustQuota(t *testing.T) {
	k := newTestKernel()
	k.CreateProcess("pid-1", "req-1", "user-1", "", "x", PriorityNormal, &ResourceQuota{MaxLLMCalls: 1})
	k.RecordUsage("pid-1", ResourceUsage{LLMCalls: 1})

	// A budget extension lifts the violation.
	if err := k.AdjustQuota("pid-1", &ResourceQuota{MaxLLMCalls: 5}); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if violation, _ := k.CheckQuota("pid-1"); violation != "" {
		t.Errorf("extended quota should clear the violation, got %q", violation)
	}

	budget, err := k.GetRemainingBudget("pid-1")
	if err != nil {
		t.Fatal(err)
	}
	if budget["llm_calls"] != 4 {
		t.Errorf("expected 4 llm_calls left, got %d", budget["llm_calls"])
	}

	if err := k.AdjustQuota("pid-1", nil); !IsKind(err, ErrValidation) {
		t.Errorf("nil quota should be rejected, got %v", err)
	}
}

func TestKernel_RecordUsage_AfterTermination(t *testing.T) {
	k := newTestKernel()
	createTestProcess(t, k, "pid-1")
	k.TerminateProcess("pid-1", envelope.TerminalReasonCompleted, "", false)

	if err := k.RecordUsage("pid-1", ResourceUsage{LLMCalls: 1}); !IsKind(err, ErrStateTransition) {
		t.Errorf("usage after termination should be rejected, got %v", err)
	}
}

// =============================================================================
// Rate limit integration
// =============================================================================

func TestKernel_CheckRateLimit(t *testing.T) {
	k := NewKernel(&config.KernelConfig{BurstSize: 2}, &testLogger{})

	for i := 0; i < 2; i++ {
		if result := k.CheckRateLimit("user-1", true); !result.Allowed {
			t.Fatalf("request %d should be allowed: %+v", i+1, result)
		}
	}
	result := k.CheckRateLimit("user-1", true)
	if result.Allowed || result.LimitType != "burst" {
		t.Fatalf("expected burst rejection, got %+v", result)
	}

	usage := k.GetRateLimitUsage("user-1")
	if usage.BurstCount != 2 {
		t.Errorf("expected 2 recorded, got %d", usage.BurstCount)
	}

	// Per-user override.
	k.SetUserRateLimit("vip", &RateLimitConfig{BurstSize: 100})
	for i := 0; i < 10; i++ {
		if result := k.CheckRateLimit("vip", true); !result.Allowed {
			t.Fatalf("vip request %d should be allowed", i+1)
		}
	}
}

// =============================================================================
// Orchestration integration
// =============================================================================

func TestKernel_SessionFlow(t *testing.T) {
	k := newTestKernel()
	createTestProcess(t, k, "pid-1")

	if _, err := k.InitializeSession("pid-1", reviewPipeline(), false); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := k.InitializeSession("pid-1", reviewPipeline(), false); !IsKind(err, ErrValidation) {
		t.Errorf("re-init without force should be rejected, got %v", err)
	}
	if _, err := k.InitializeSession("pid-missing", reviewPipeline(), false); !IsKind(err, ErrNotFound) {
		t.Errorf("missing envelope should be not_found, got %v", err)
	}

	for _, stage := range []string{"plan", "work", "review"} {
		inst, err := k.GetNextInstruction("pid-1")
		if err != nil {
			t.Fatal(err)
		}
		if inst.Kind != InstructionExecute || inst.AgentName != stage {
			t.Fatalf("expected execute %s, got %+v", stage, inst)
		}
		if _, err := k.ReportAgentResult("pid-1", stage, map[string]any{"verdict": "pass"}, AgentExecutionMetrics{LLMCalls: 1, TokensIn: 100}, true, ""); err != nil {
			t.Fatal(err)
		}
	}

	inst, err := k.GetNextInstruction("pid-1")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Kind != InstructionTerminate || inst.TerminalReason != envelope.TerminalReasonCompleted {
		t.Fatalf("expected completion, got %+v", inst)
	}

	// A terminate verdict also terminates the PCB.
	pcb, _ := k.GetProcess("pid-1")
	if pcb.State != ProcessStateTerminated {
		t.Errorf("terminate instruction should terminate the pcb, got %s", pcb.State)
	}
	// Worker metrics land on the PCB and the user aggregate.
	if pcb.Usage.LLMCalls != 3 || pcb.Usage.AgentHops != 3 {
		t.Errorf("unexpected pcb usage: %+v", pcb.Usage)
	}
	usage, _ := k.GetUserUsage("user-1")
	if usage.TokensIn != 300 {
		t.Errorf("expected 300 tokens in aggregate, got %d", usage.TokensIn)
	}

	state, err := k.GetSessionState("pid-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.Phase != SessionTerminated || !state.Terminated {
		t.Errorf("unexpected final state: %+v", state)
	}
}

func TestKernel_ReportAgentResult_NegativeMetrics(t *testing.T) {
	k := newTestKernel()
	createTestProcess(t, k, "pid-1")
	if _, err := k.InitializeSession("pid-1", reviewPipeline(), false); err != nil {
		t.Fatal(err)
	}
	if _, err := k.GetNextInstruction("pid-1"); err != nil {
		t.Fatal(err)
	}
	if err := k.RecordUsage("pid-1", ResourceUsage{LLMCalls: 5, ToolCalls: 5, TokensIn: 100, TokensOut: 100}); err != nil {
		t.Fatal(err)
	}

	_, err := k.ReportAgentResult("pid-1", "plan", map[string]any{"verdict": "pass"},
		AgentExecutionMetrics{LLMCalls: -5, ToolCalls: -5, TokensIn: -100, TokensOut: -100}, true, "")
	if !IsKind(err, ErrValidation) {
		t.Fatalf("negative metrics should be a validation error, got %v", err)
	}

	// Usage counters never decrease until termination.
	pcb, _ := k.GetProcess("pid-1")
	if pcb.Usage.LLMCalls != 5 || pcb.Usage.ToolCalls != 5 || pcb.Usage.TokensIn != 100 || pcb.Usage.TokensOut != 100 {
		t.Errorf("rejected metrics must not mutate usage: %+v", pcb.Usage)
	}
	if pcb.Usage.AgentHops != 0 {
		t.Errorf("rejected report must not count a hop: %+v", pcb.Usage)
	}

	// The session and envelope are untouched too.
	state, err := k.GetSessionState("pid-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.CurrentStage != "plan" || len(state.CompletedStages) != 0 {
		t.Errorf("rejected report must not advance the session: %+v", state)
	}
	env, _ := k.GetEnvelope("pid-1")
	if env.LLMCallCount != 0 {
		t.Errorf("rejected report must not touch envelope counters: %d", env.LLMCallCount)
	}
}

func TestKernel_CheckBounds(t *testing.T) {
	k := newTestKernel()
	createTestProcess(t, k, "pid-1")
	k.InitializeSession("pid-1", reviewPipeline(), false)

	within, _, err := k.CheckBounds("pid-1")
	if err != nil || !within {
		t.Fatalf("fresh session should be within bounds: %v", err)
	}

	// Push the envelope over its LLM bound through the update path.
	env, _ := k.GetEnvelope("pid-1")
	env.LLMCallCount = 100
	if err := k.UpdateEnvelope(env); err != nil {
		t.Fatalf("update envelope: %v", err)
	}

	within, reason, err := k.CheckBounds("pid-1")
	if err != nil {
		t.Fatal(err)
	}
	if within || reason != envelope.TerminalReasonMaxLLMCallsExceeded {
		t.Errorf("expected llm bound breach, got within=%v reason=%s", within, reason)
	}
}

func TestKernel_UpdateEnvelope_Validation(t *testing.T) {
	k := newTestKernel()
	createTestProcess(t, k, "pid-1")

	if err := k.UpdateEnvelope(nil); !IsKind(err, ErrValidation) {
		t.Errorf("nil envelope should be rejected, got %v", err)
	}
	ghost := envelope.New("pid-ghost", "req", "user-1", "", "x")
	if err := k.UpdateEnvelope(ghost); !IsKind(err, ErrNotFound) {
		t.Errorf("unknown envelope should be not_found, got %v", err)
	}

	k.TerminateProcess("pid-1", envelope.TerminalReasonCompleted, "", false)
	env, _ := k.GetEnvelope("pid-1")
	if err := k.UpdateEnvelope(env); !IsKind(err, ErrStateTransition) {
		t.Errorf("terminated envelope should reject replacement, got %v", err)
	}
}

// =============================================================================
// Interrupt integration
// =============================================================================

func TestKernel_InterruptFlow(t *testing.T) {
	k := newTestKernel()
	createTestProcess(t, k, "pid-1")
	k.ScheduleProcess("pid-1")
	k.GetNextRunnable()

	ki, err := k.CreateInterrupt("pid-1", envelope.InterruptKindClarification, WithQuestion("which env?"))
	if err != nil {
		t.Fatalf("create interrupt: %v", err)
	}

	// A running process moves to WAITING.
	pcb, _ := k.GetProcess("pid-1")
	if pcb.State != ProcessStateWaiting {
		t.Fatalf("expected waiting, got %s", pcb.State)
	}
	env, _ := k.GetEnvelope("pid-1")
	if !env.InterruptPending {
		t.Error("envelope should carry the pending interrupt")
	}

	// Only one pending interrupt per process.
	if _, err := k.CreateInterrupt("pid-1", envelope.InterruptKindConfirmation); !IsKind(err, ErrValidation) {
		t.Errorf("second pending interrupt should be rejected, got %v", err)
	}

	// Resolution returns the process to READY and re-queues it.
	if ok := k.ResolveInterrupt(ki.InterruptID, "prod", nil, nil, "user-1"); !ok {
		t.Fatal("first resolve should succeed")
	}
	pcb, _ = k.GetProcess("pid-1")
	if pcb.State != ProcessStateReady {
		t.Errorf("expected ready after resolution, got %s", pcb.State)
	}
	if next, _ := k.GetNextRunnable(); next == nil || next.PID != "pid-1" {
		t.Error("resolved process should be runnable again")
	}

	// Second resolve is false, in-band.
	if ok := k.ResolveInterrupt(ki.InterruptID, "again", nil, nil, "user-1"); ok {
		t.Error("second resolve should report false")
	}

	env, _ = k.GetEnvelope("pid-1")
	if env.InterruptPending {
		t.Error("envelope interrupt should be settled")
	}
	if env.Interrupt == nil || env.Interrupt.Response == nil {
		t.Error("resolved interrupt should stay on the envelope for audit")
	}
}

func TestKernel_CancelInterrupt(t *testing.T) {
	k := newTestKernel()
	createTestProcess(t, k, "pid-1")

	ki, err := k.CreateInterrupt("pid-1", envelope.InterruptKindToolApproval)
	if err != nil {
		t.Fatal(err)
	}
	if ok := k.CancelInterrupt(ki.InterruptID, "operator abort"); !ok {
		t.Fatal("first cancel should succeed")
	}
	if ok := k.CancelInterrupt(ki.InterruptID, "again"); ok {
		t.Error("second cancel should report false")
	}

	stored, err := k.GetInterrupt(ki.InterruptID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != InterruptStatusCancelled || stored.CancelReason != "operator abort" {
		t.Errorf("unexpected stored interrupt: %+v", stored)
	}
}

func TestKernel_InterruptConstructors(t *testing.T) {
	k := newTestKernel()
	createTestProcess(t, k, "pid-1")
	createTestProcess(t, k, "pid-2")
	createTestProcess(t, k, "pid-3")

	clar, err := k.CreateClarification("pid-1", "which env?", map[string]any{"candidates": []string{"dev", "prod"}}, "planner")
	if err != nil {
		t.Fatal(err)
	}
	if clar.Kind != envelope.InterruptKindClarification || clar.Question != "which env?" || clar.RaisedBy != "planner" {
		t.Errorf("unexpected clarification: %+v", clar)
	}
	if clar.ExpiresAt == nil {
		t.Error("clarification should carry its default expiry")
	}

	conf, err := k.CreateConfirmation("pid-2", "deploy to prod?", []string{"yes", "no"}, "executor")
	if err != nil {
		t.Fatal(err)
	}
	if conf.Kind != envelope.InterruptKindConfirmation || len(conf.Options) != 2 {
		t.Errorf("unexpected confirmation: %+v", conf)
	}

	ext, err := k.CreateBudgetExtension("pid-3", "llm_calls", "scheduler")
	if err != nil {
		t.Fatal(err)
	}
	if ext.Kind != envelope.InterruptKindBudgetExtension {
		t.Errorf("unexpected kind: %s", ext.Kind)
	}
	if ext.Context["dimension"] != "llm_calls" {
		t.Errorf("dimension should be carried in context: %+v", ext.Context)
	}
}

func TestKernel_GetPendingInterrupts(t *testing.T) {
	k := newTestKernel()
	createTestProcess(t, k, "pid-1")
	createTestProcess(t, k, "pid-2")

	k.CreateInterrupt("pid-1", envelope.InterruptKindClarification)
	k.CreateInterrupt("pid-2", envelope.InterruptKindToolApproval)

	all := k.GetPendingInterrupts("sess-1", nil)
	if len(all) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(all))
	}
	approvals := k.GetPendingInterrupts("sess-1", []envelope.InterruptKind{envelope.InterruptKindToolApproval})
	if len(approvals) != 1 || approvals[0].ProcessID != "pid-2" {
		t.Errorf("kind filter failed: %+v", approvals)
	}
}

// =============================================================================
// Cleanup phases
// =============================================================================

func TestKernel_CleanupZombies_TwoPhase(t *testing.T) {
	k := newTestKernel()
	createTestProcess(t, k, "pid-1")
	k.TerminateProcess("pid-1", envelope.TerminalReasonCompleted, "", false)

	// First cycle: nothing to reap yet, the terminated process is buried.
	buried, reaped := k.CleanupZombies(0)
	if buried != 1 || reaped != 0 {
		t.Fatalf("expected 1 buried, 0 reaped; got %d, %d", buried, reaped)
	}
	// The zombie PCB is still readable between cycles.
	if pcb, err := k.GetProcess("pid-1"); err != nil || pcb.State != ProcessStateZombie {
		t.Fatal("zombie should remain readable until reaped")
	}

	// Second cycle: the zombie and its envelope go.
	buried, reaped = k.CleanupZombies(0)
	if buried != 0 || reaped != 1 {
		t.Fatalf("expected 0 buried, 1 reaped; got %d, %d", buried, reaped)
	}
	if _, err := k.GetProcess("pid-1"); !IsKind(err, ErrNotFound) {
		t.Error("reaped process should be gone")
	}
	if _, err := k.GetEnvelope("pid-1"); !IsKind(err, ErrNotFound) {
		t.Error("reaped envelope should be gone")
	}
}

func TestKernel_CleanupInterrupts_ExpiryResumesProcess(t *testing.T) {
	k := newTestKernel()
	createTestProcess(t, k, "pid-1")
	k.ScheduleProcess("pid-1")
	k.GetNextRunnable()

	// Interrupt already past its deadline.
	if _, err := k.CreateInterrupt("pid-1", envelope.InterruptKindConfirmation, WithExpiry(time.Nanosecond)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	expired, _ := k.CleanupInterrupts(time.Hour)
	if expired != 1 {
		t.Fatalf("expected 1 expired, got %d", expired)
	}
	pcb, _ := k.GetProcess("pid-1")
	if pcb.State != ProcessStateReady {
		t.Errorf("expiry should resume the waiting process, got %s", pcb.State)
	}
}

func TestKernel_CleanupUsage(t *testing.T) {
	k := newTestKernel()
	k.CheckRateLimit("user-1", true)
	createTestProcess(t, k, "pid-1")

	windows, users := k.CleanupUsage(time.Hour)
	if windows != 0 || users != 0 {
		t.Errorf("fresh activity should survive cleanup, got %d, %d", windows, users)
	}
	// Zero retention sweeps the user aggregate.
	_, users = k.CleanupUsage(0)
	if users != 1 {
		t.Errorf("expected 1 stale user removed, got %d", users)
	}
}

// =============================================================================
// Status, events, shutdown
// =============================================================================

func TestKernel_GetSystemStatus(t *testing.T) {
	k := newTestKernel()
	createTestProcess(t, k, "pid-1")
	createTestProcess(t, k, "pid-2")
	k.ScheduleProcess("pid-1")
	k.CreateInterrupt("pid-2", envelope.InterruptKindClarification)

	status := k.GetSystemStatus()
	if status["processes_total"] != 2 {
		t.Errorf("expected 2 processes, got %v", status["processes_total"])
	}
	if status["queue_depth"] != 1 {
		t.Errorf("expected queue depth 1, got %v", status["queue_depth"])
	}
	if status["envelopes"] != 2 {
		t.Errorf("expected 2 envelopes, got %v", status["envelopes"])
	}
	if status["pending_interrupts"] != 1 {
		t.Errorf("expected 1 pending interrupt, got %v", status["pending_interrupts"])
	}
	byState := status["processes_by_state"].(map[string]int)
	if byState["ready"] != 1 {
		t.Errorf("expected 1 ready, got %v", byState)
	}
}

func TestKernel_GetRequestStatus(t *testing.T) {
	k := newTestKernel()
	createTestProcess(t, k, "pid-1")
	k.InitializeSession("pid-1", reviewPipeline(), false)

	status, err := k.GetRequestStatus("pid-1")
	if err != nil {
		t.Fatal(err)
	}
	if status["pid"] != "pid-1" || status["state"] != "new" {
		t.Errorf("unexpected status: %+v", status)
	}
	if status["current_stage"] != "plan" || status["session_phase"] != "initialized" {
		t.Errorf("session view missing: %+v", status)
	}

	if _, err := k.GetRequestStatus("ghost"); !IsKind(err, ErrNotFound) {
		t.Errorf("unknown pid should be not_found, got %v", err)
	}
}

func TestKernel_Events(t *testing.T) {
	k := newTestKernel()

	var events []*KernelEvent
	k.OnEvent(func(evt *KernelEvent) { events = append(events, evt) })

	createTestProcess(t, k, "pid-1")
	k.TerminateProcess("pid-1", envelope.TerminalReasonCompleted, "", false)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != KernelEventProcessCreated {
		t.Errorf("expected process.created first, got %s", events[0].EventType)
	}
	if events[1].EventType != KernelEventProcessTerminated {
		t.Errorf("expected process.terminated, got %s", events[1].EventType)
	}
}

func TestKernel_Shutdown(t *testing.T) {
	logger := &testLogger{}
	k := NewKernel(nil, logger)
	for i := 0; i < 3; i++ {
		createTestProcess(t, k, fmt.Sprintf("pid-%d", i))
	}
	k.TerminateProcess("pid-0", envelope.TerminalReasonCompleted, "", false)

	k.Shutdown("server shutting down")

	for i := 0; i < 3; i++ {
		pcb, _ := k.GetProcess(fmt.Sprintf("pid-%d", i))
		if !pcb.IsTerminated() {
			t.Errorf("pid-%d should be terminated after shutdown", i)
		}
	}
	// Already-completed processes keep their original reason.
	env, _ := k.GetEnvelope("pid-0")
	if *env.TerminalReason != envelope.TerminalReasonCompleted {
		t.Errorf("completed process should keep its reason, got %s", *env.TerminalReason)
	}
	env, _ = k.GetEnvelope("pid-1")
	if *env.TerminalReason != envelope.TerminalReasonUserCancelled {
		t.Errorf("live process should be cancelled, got %s", *env.TerminalReason)
	}
	if !logger.contains("kernel_shutdown") {
		t.Error("shutdown should be logged")
	}
}
