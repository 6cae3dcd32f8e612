package kernel

import (
	"testing"
	"time"
)

func newTestPCB(t *testing.T) *ProcessControlBlock {
	t.Helper()
	pcb, err := NewProcessControlBlock("pid-1", "req-1", "user-1", "sess-1")
	if err != nil {
		t.Fatalf("new pcb: %v", err)
	}
	return pcb
}

// =============================================================================
// Quota checks
// =============================================================================

func TestExceedsQuota_FirstViolationWins(t *testing.T) {
	// Both llm_calls and tokens_in are over; llm_calls is checked first.
	usage := &ResourceUsage{LLMCalls: 15, TokensIn: 20000}
	quota := &ResourceQuota{MaxLLMCalls: 10, MaxInputTokens: 10000}

	if got := usage.ExceedsQuota(quota); got != "max_llm_calls_exceeded" {
		t.Errorf("expected max_llm_calls_exceeded, got %q", got)
	}
}

func TestExceedsQuota_Dimensions(t *testing.T) {
	cases := []struct {
		name  string
		usage ResourceUsage
		quota ResourceQuota
		want  string
	}{
		{"within", ResourceUsage{LLMCalls: 5}, ResourceQuota{MaxLLMCalls: 10}, ""},
		{"at limit", ResourceUsage{LLMCalls: 10}, ResourceQuota{MaxLLMCalls: 10}, "max_llm_calls_exceeded"},
		{"tool calls", ResourceUsage{ToolCalls: 3}, ResourceQuota{MaxToolCalls: 3}, "max_tool_calls_exceeded"},
		{"agent hops", ResourceUsage{AgentHops: 8}, ResourceQuota{MaxAgentHops: 8}, "max_agent_hops_exceeded"},
		{"iterations", ResourceUsage{Iterations: 4}, ResourceQuota{MaxIterations: 4}, "max_iterations_exceeded"},
		{"tokens in", ResourceUsage{TokensIn: 100}, ResourceQuota{MaxInputTokens: 100}, "max_input_tokens_exceeded"},
		{"tokens out", ResourceUsage{TokensOut: 100}, ResourceQuota{MaxOutputTokens: 100}, "max_output_tokens_exceeded"},
		{"timeout", ResourceUsage{ElapsedSeconds: 30}, ResourceQuota{TimeoutSeconds: 30}, "timeout_exceeded"},
		{"inference requests", ResourceUsage{InferenceRequests: 2}, ResourceQuota{MaxInferenceRequests: 2}, "max_inference_requests_exceeded"},
		{"inference chars", ResourceUsage{InferenceInputChars: 50}, ResourceQuota{MaxInferenceInputChars: 50}, "max_inference_input_chars_exceeded"},
		{"zero is unbounded", ResourceUsage{LLMCalls: 10000, TokensIn: 1 << 30}, ResourceQuota{}, ""},
	}
	for _, tc := range cases {
		if got := tc.usage.ExceedsQuota(&tc.quota); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestResourceTracker_CheckQuota_LiveElapsed(t *testing.T) {
	rt := NewResourceTracker(&testLogger{})
	pcb := newTestPCB(t)
	pcb.Quota = &ResourceQuota{TimeoutSeconds: 1}

	started := time.Now().UTC().Add(-5 * time.Second)
	pcb.StartedAt = &started
	pcb.State = ProcessStateRunning

	if got := rt.CheckQuota(pcb); got != "timeout_exceeded" {
		t.Errorf("expected timeout_exceeded, got %q", got)
	}
	if pcb.Usage.ElapsedSeconds < 4 {
		t.Errorf("elapsed should be recomputed live, got %f", pcb.Usage.ElapsedSeconds)
	}
}

func TestResourceTracker_CheckQuota_FrozenAfterCompletion(t *testing.T) {
	rt := NewResourceTracker(nil)
	pcb := newTestPCB(t)
	pcb.Quota = &ResourceQuota{TimeoutSeconds: 100}

	started := time.Now().UTC().Add(-time.Hour)
	completed := started.Add(2 * time.Second)
	pcb.StartedAt = &started
	pcb.CompletedAt = &completed
	pcb.Usage.ElapsedSeconds = 2

	rt.CheckQuota(pcb)
	if pcb.Usage.ElapsedSeconds != 2 {
		t.Errorf("elapsed must stay frozen after completion, got %f", pcb.Usage.ElapsedSeconds)
	}
}

// =============================================================================
// Usage recording
// =============================================================================

func TestResourceTracker_RecordProcessUsage(t *testing.T) {
	rt := NewResourceTracker(nil)
	pcb := newTestPCB(t)

	err := rt.RecordProcessUsage(pcb, ResourceUsage{LLMCalls: 2, TokensIn: 300, TokensOut: 150})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	err = rt.RecordProcessUsage(pcb, ResourceUsage{LLMCalls: 1, ToolCalls: 4})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if pcb.Usage.LLMCalls != 3 || pcb.Usage.ToolCalls != 4 || pcb.Usage.TokensIn != 300 || pcb.Usage.TokensOut != 150 {
		t.Errorf("unexpected accumulated usage: %+v", pcb.Usage)
	}
}

func TestResourceTracker_RecordProcessUsage_WarnsNearLLMLimit(t *testing.T) {
	logger := &testLogger{}
	rt := NewResourceTracker(logger)
	pcb := newTestPCB(t)
	pcb.Quota = &ResourceQuota{MaxLLMCalls: 10}

	if err := rt.RecordProcessUsage(pcb, ResourceUsage{LLMCalls: 7}); err != nil {
		t.Fatal(err)
	}
	if logger.contains("approaching_llm_limit") {
		t.Error("no warning expected below 80% of the limit")
	}
	if err := rt.RecordProcessUsage(pcb, ResourceUsage{LLMCalls: 1}); err != nil {
		t.Fatal(err)
	}
	if !logger.contains("approaching_llm_limit") {
		t.Error("expected a warning at 80% of the limit")
	}
}

func TestResourceTracker_RecordProcessUsage_NegativeDelta(t *testing.T) {
	rt := NewResourceTracker(nil)
	pcb := newTestPCB(t)

	err := rt.RecordProcessUsage(pcb, ResourceUsage{LLMCalls: -1})
	if !IsKind(err, ErrValidation) {
		t.Fatalf("negative delta should be a validation error, got %v", err)
	}
	if pcb.Usage.LLMCalls != 0 {
		t.Error("rejected delta must not mutate usage")
	}
}

func TestResourceTracker_UserAggregates(t *testing.T) {
	rt := NewResourceTracker(nil)

	rt.RecordUserProcess("user-1")
	rt.RecordUserProcess("user-1")
	if err := rt.RecordUserUsage("user-1", 3, 1, 500, 200); err != nil {
		t.Fatalf("record user usage: %v", err)
	}

	usage := rt.GetUserUsage("user-1")
	if usage == nil {
		t.Fatal("expected aggregate for user-1")
	}
	if usage.Processes != 2 || usage.LLMCalls != 3 || usage.TokensIn != 500 {
		t.Errorf("unexpected aggregate: %+v", usage)
	}

	// Returned snapshot is a copy.
	usage.LLMCalls = 999
	if rt.GetUserUsage("user-1").LLMCalls != 3 {
		t.Error("snapshot mutation leaked into the tracker")
	}

	if rt.GetUserUsage("ghost") != nil {
		t.Error("unseen user should return nil")
	}

	if err := rt.RecordUserUsage("", 1, 0, 0, 0); !IsKind(err, ErrValidation) {
		t.Errorf("empty user_id should be a validation error, got %v", err)
	}
	if err := rt.RecordUserUsage("user-1", -1, 0, 0, 0); !IsKind(err, ErrValidation) {
		t.Errorf("negative delta should be a validation error, got %v", err)
	}
}

func TestResourceTracker_CleanupStaleUsers(t *testing.T) {
	rt := NewResourceTracker(nil)

	rt.RecordUserProcess("stale")
	rt.users["stale"].LastActivity = time.Now().UTC().Add(-2 * time.Hour)
	rt.RecordUserProcess("live")

	removed := rt.CleanupStaleUsers(time.Now().UTC().Add(-time.Hour))
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if rt.UserCount() != 1 || rt.GetUserUsage("live") == nil {
		t.Error("live user should survive cleanup")
	}
}

// =============================================================================
// Remaining budget
// =============================================================================

func TestRemainingBudget(t *testing.T) {
	pcb := newTestPCB(t)
	pcb.Quota = &ResourceQuota{MaxLLMCalls: 10, MaxToolCalls: 5}
	pcb.Usage = &ResourceUsage{LLMCalls: 4, ToolCalls: 9}

	remaining := RemainingBudget(pcb)
	if remaining["llm_calls"] != 6 {
		t.Errorf("expected 6 llm_calls left, got %d", remaining["llm_calls"])
	}
	// Overconsumption clamps at zero, never negative.
	if remaining["tool_calls"] != 0 {
		t.Errorf("expected 0 tool_calls left, got %d", remaining["tool_calls"])
	}
	// Unbounded dimensions are omitted entirely.
	if _, ok := remaining["agent_hops"]; ok {
		t.Error("unbounded dimension should be omitted")
	}
}
