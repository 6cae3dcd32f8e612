// Package envelope defines the request envelope that travels through a
// pipeline run: accumulated agent outputs, stage bookkeeping, execution
// bounds, and interrupt state. The envelope is pure data; every scheduling
// and termination decision belongs to the kernel.
package envelope

// TerminalReason explains why a run reached a terminal state.
type TerminalReason string

const (
	TerminalReasonCompleted             TerminalReason = "completed"
	TerminalReasonMaxIterationsExceeded TerminalReason = "max_iterations_exceeded"
	TerminalReasonMaxLLMCallsExceeded   TerminalReason = "max_llm_calls_exceeded"
	TerminalReasonMaxAgentHopsExceeded  TerminalReason = "max_agent_hops_exceeded"
	TerminalReasonUserCancelled         TerminalReason = "user_cancelled"
	TerminalReasonToolFailedFatally     TerminalReason = "tool_failed_fatally"
	TerminalReasonLLMFailedFatally      TerminalReason = "llm_failed_fatally"
	TerminalReasonPolicyViolation       TerminalReason = "policy_violation"
)

// IsValid reports whether tr is one of the defined terminal reasons.
func (tr TerminalReason) IsValid() bool {
	switch tr {
	case TerminalReasonCompleted,
		TerminalReasonMaxIterationsExceeded,
		TerminalReasonMaxLLMCallsExceeded,
		TerminalReasonMaxAgentHopsExceeded,
		TerminalReasonUserCancelled,
		TerminalReasonToolFailedFatally,
		TerminalReasonLLMFailedFatally,
		TerminalReasonPolicyViolation:
		return true
	}
	return false
}

// IsFailure reports whether the reason represents an abnormal outcome.
func (tr TerminalReason) IsFailure() bool {
	return tr.IsValid() && tr != TerminalReasonCompleted
}

// InterruptKind classifies why a run paused for outside input.
type InterruptKind string

const (
	InterruptKindClarification   InterruptKind = "clarification"
	InterruptKindConfirmation    InterruptKind = "confirmation"
	InterruptKindToolApproval    InterruptKind = "tool_approval"
	InterruptKindBudgetExtension InterruptKind = "budget_extension"
	InterruptKindUserInput       InterruptKind = "user_input"
	InterruptKindSystemPause     InterruptKind = "system_pause"
	InterruptKindError           InterruptKind = "error"
)

// IsValid reports whether k is one of the defined interrupt kinds.
func (k InterruptKind) IsValid() bool {
	switch k {
	case InterruptKindClarification,
		InterruptKindConfirmation,
		InterruptKindToolApproval,
		InterruptKindBudgetExtension,
		InterruptKindUserInput,
		InterruptKindSystemPause,
		InterruptKindError:
		return true
	}
	return false
}
