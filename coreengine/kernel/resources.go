package kernel

import (
	"time"
)

// Logger is the minimal structured logging interface the kernel depends on.
// keysAndValues are alternating key/value pairs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// NopLogger discards all log output.
type NopLogger struct{}

func (NopLogger) Debug(msg string, keysAndValues ...any) {}
func (NopLogger) Info(msg string, keysAndValues ...any)  {}
func (NopLogger) Warn(msg string, keysAndValues ...any)  {}
func (NopLogger) Error(msg string, keysAndValues ...any) {}

// =============================================================================
// Per-User Usage
// =============================================================================

// UserUsage aggregates consumption across all of one user's processes.
// Used for multi-tenant reporting, not for gating a single process.
type UserUsage struct {
	UserID       string    `json:"user_id"`
	LLMCalls     int       `json:"llm_calls"`
	ToolCalls    int       `json:"tool_calls"`
	TokensIn     int       `json:"tokens_in"`
	TokensOut    int       `json:"tokens_out"`
	Processes    int       `json:"processes"`
	LastActivity time.Time `json:"last_activity"`
}

// Clone returns a copy of the usage.
func (u *UserUsage) Clone() *UserUsage {
	cp := *u
	return &cp
}

// =============================================================================
// Resource Tracker
// =============================================================================

// ResourceTracker performs quota-violation checks against PCBs and keeps
// cross-cutting per-user usage aggregates. Not safe for concurrent use on
// its own; the Kernel serializes access.
type ResourceTracker struct {
	logger Logger
	users  map[string]*UserUsage
}

// NewResourceTracker creates a resource tracker.
func NewResourceTracker(logger Logger) *ResourceTracker {
	if logger == nil {
		logger = NopLogger{}
	}
	return &ResourceTracker{
		logger: logger,
		users:  make(map[string]*UserUsage),
	}
}

// CheckQuota recomputes live elapsed time for a started-but-unfinished
// process, then evaluates usage against quota in the fixed dimension order.
// Returns the first violated dimension, or "" when within bounds.
func (rt *ResourceTracker) CheckQuota(pcb *ProcessControlBlock) string {
	now := time.Now().UTC()
	if pcb.StartedAt != nil && pcb.CompletedAt == nil {
		pcb.Usage.ElapsedSeconds = pcb.LiveElapsedSeconds(now)
	}

	if q := pcb.Quota; q.SoftTimeoutSeconds > 0 && pcb.Usage.ElapsedSeconds >= float64(q.SoftTimeoutSeconds) &&
		(q.TimeoutSeconds == 0 || pcb.Usage.ElapsedSeconds < float64(q.TimeoutSeconds)) {
		rt.logger.Warn("soft_timeout_approaching",
			"pid", pcb.PID,
			"elapsed_seconds", pcb.Usage.ElapsedSeconds,
			"timeout_seconds", q.TimeoutSeconds)
	}

	violation := pcb.Usage.ExceedsQuota(pcb.Quota)
	if violation != "" {
		rt.logger.Warn("quota_exceeded",
			"pid", pcb.PID,
			"user_id", pcb.UserID,
			"dimension", violation)
	}
	return violation
}

// RecordProcessUsage applies usage deltas to a PCB. Deltas must be
// non-negative; usage counters never decrease until termination.
func (rt *ResourceTracker) RecordProcessUsage(pcb *ProcessControlBlock, delta ResourceUsage) error {
	const op = "resources.RecordProcessUsage"

	if delta.LLMCalls < 0 || delta.ToolCalls < 0 || delta.AgentHops < 0 ||
		delta.Iterations < 0 || delta.TokensIn < 0 || delta.TokensOut < 0 ||
		delta.InferenceRequests < 0 || delta.InferenceInputChars < 0 {
		return Errorf(ErrValidation, op, "negative usage delta for pid %s", pcb.PID)
	}

	pcb.Usage.LLMCalls += delta.LLMCalls
	pcb.Usage.ToolCalls += delta.ToolCalls
	pcb.Usage.AgentHops += delta.AgentHops
	pcb.Usage.Iterations += delta.Iterations
	pcb.Usage.TokensIn += delta.TokensIn
	pcb.Usage.TokensOut += delta.TokensOut
	pcb.Usage.InferenceRequests += delta.InferenceRequests
	pcb.Usage.InferenceInputChars += delta.InferenceInputChars

	// Warn at 80% of the LLM call limit.
	if pcb.Quota != nil && pcb.Quota.MaxLLMCalls > 0 &&
		pcb.Usage.LLMCalls >= int(float64(pcb.Quota.MaxLLMCalls)*0.8) {
		rt.logger.Warn("approaching_llm_limit",
			"pid", pcb.PID,
			"usage", pcb.Usage.LLMCalls,
			"quota", pcb.Quota.MaxLLMCalls,
		)
	}
	return nil
}

// RecordUserUsage accumulates deltas into the per-user aggregate.
func (rt *ResourceTracker) RecordUserUsage(userID string, llmCalls, toolCalls, tokensIn, tokensOut int) error {
	const op = "resources.RecordUserUsage"

	if userID == "" {
		return Errorf(ErrValidation, op, "user_id must not be empty")
	}
	if llmCalls < 0 || toolCalls < 0 || tokensIn < 0 || tokensOut < 0 {
		return Errorf(ErrValidation, op, "negative usage delta for user %s", userID)
	}

	usage, ok := rt.users[userID]
	if !ok {
		usage = &UserUsage{UserID: userID}
		rt.users[userID] = usage
	}
	usage.LLMCalls += llmCalls
	usage.ToolCalls += toolCalls
	usage.TokensIn += tokensIn
	usage.TokensOut += tokensOut
	usage.LastActivity = time.Now().UTC()
	return nil
}

// RecordUserProcess counts a new process toward the user aggregate.
func (rt *ResourceTracker) RecordUserProcess(userID string) {
	usage, ok := rt.users[userID]
	if !ok {
		usage = &UserUsage{UserID: userID}
		rt.users[userID] = usage
	}
	usage.Processes++
	usage.LastActivity = time.Now().UTC()
}

// GetUserUsage returns a copy of a user's aggregate, or nil if unseen.
func (rt *ResourceTracker) GetUserUsage(userID string) *UserUsage {
	usage, ok := rt.users[userID]
	if !ok {
		return nil
	}
	return usage.Clone()
}

// UserCount returns the number of tracked users.
func (rt *ResourceTracker) UserCount() int {
	return len(rt.users)
}

// CleanupStaleUsers drops aggregates with no activity since the cutoff and
// returns how many were removed.
func (rt *ResourceTracker) CleanupStaleUsers(cutoff time.Time) int {
	removed := 0
	for userID, usage := range rt.users {
		if usage.LastActivity.Before(cutoff) {
			delete(rt.users, userID)
			removed++
		}
	}
	return removed
}

// RemainingBudget reports, per quota dimension, how much headroom a process
// still has. Unbounded dimensions are omitted.
func RemainingBudget(pcb *ProcessControlBlock) map[string]int {
	q, u := pcb.Quota, pcb.Usage
	remaining := make(map[string]int)
	put := func(name string, max, used int) {
		if max <= 0 {
			return
		}
		left := max - used
		if left < 0 {
			left = 0
		}
		remaining[name] = left
	}
	put("llm_calls", q.MaxLLMCalls, u.LLMCalls)
	put("tool_calls", q.MaxToolCalls, u.ToolCalls)
	put("agent_hops", q.MaxAgentHops, u.AgentHops)
	put("iterations", q.MaxIterations, u.Iterations)
	put("tokens_in", q.MaxInputTokens, u.TokensIn)
	put("tokens_out", q.MaxOutputTokens, u.TokensOut)
	put("inference_requests", q.MaxInferenceRequests, u.InferenceRequests)
	put("inference_input_chars", q.MaxInferenceInputChars, u.InferenceInputChars)
	return remaining
}
