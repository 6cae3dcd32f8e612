// Package api exposes the kernel as a transport-agnostic call surface:
// method name plus typed request/response, dispatched from a JSON payload.
// Both the RPC server and the framed socket transport route through here,
// so every caller sees identical semantics and error categories.
package api

import (
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/envelope"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/kernel"

	"github.com/jeeves-cluster-organization/flowkernel/coreengine/config"
)

// =============================================================================
// Process requests
// =============================================================================

type CreateProcessRequest struct {
	ProcessID string                `json:"process_id"`
	RequestID string                `json:"request_id"`
	UserID    string                `json:"user_id"`
	SessionID string                `json:"session_id,omitempty"`
	RawInput  string                `json:"raw_input,omitempty"`
	Priority  string                `json:"priority,omitempty"`
	Quota     *kernel.ResourceQuota `json:"quota,omitempty"`
}

type ProcessRequest struct {
	ProcessID string `json:"process_id"`
}

type TransitionStateRequest struct {
	ProcessID string `json:"process_id"`
	NewState  string `json:"new_state"`
}

type TerminateProcessRequest struct {
	ProcessID string `json:"process_id"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

type ListProcessesRequest struct {
	State  string `json:"state,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

type ListProcessesResponse struct {
	Processes []*kernel.ProcessControlBlock `json:"processes"`
}

type ProcessCountsResponse struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

// =============================================================================
// Quota / usage requests
// =============================================================================

type CheckQuotaResponse struct {
	ProcessID    string `json:"process_id"`
	WithinBounds bool   `json:"within_bounds"`
	Violation    string `json:"violation,omitempty"`
}

type RecordUsageRequest struct {
	ProcessID string               `json:"process_id"`
	Delta     kernel.ResourceUsage `json:"delta"`
}

type AdjustQuotaRequest struct {
	ProcessID string                `json:"process_id"`
	Quota     *kernel.ResourceQuota `json:"quota"`
}

type RemainingBudgetResponse struct {
	ProcessID string         `json:"process_id"`
	Remaining map[string]int `json:"remaining"`
}

type UserRequest struct {
	UserID string `json:"user_id"`
}

// =============================================================================
// Rate limit requests
// =============================================================================

type CheckRateLimitRequest struct {
	UserID string `json:"user_id"`
	// Record=false answers "would this be allowed" without counting it.
	Record bool `json:"record"`
}

// =============================================================================
// Envelope requests
// =============================================================================

type UpdateEnvelopeRequest struct {
	Envelope *envelope.Envelope `json:"envelope"`
}

type CheckBoundsResponse struct {
	ProcessID    string `json:"process_id"`
	WithinBounds bool   `json:"within_bounds"`
	Reason       string `json:"reason,omitempty"`
}

// =============================================================================
// Orchestration requests
// =============================================================================

type InitializeSessionRequest struct {
	ProcessID string                 `json:"process_id"`
	Pipeline  *config.PipelineConfig `json:"pipeline"`
	Force     bool                   `json:"force,omitempty"`
}

type ReportAgentResultRequest struct {
	ProcessID string                       `json:"process_id"`
	AgentName string                       `json:"agent_name"`
	Output    map[string]any               `json:"output,omitempty"`
	Metrics   kernel.AgentExecutionMetrics `json:"metrics"`
	Success   bool                         `json:"success"`
	Error     string                       `json:"error,omitempty"`
}

// =============================================================================
// Interrupt requests
// =============================================================================

type CreateInterruptRequest struct {
	ProcessID string         `json:"process_id"`
	Kind      string         `json:"kind"`
	Question  string         `json:"question,omitempty"`
	Options   []string       `json:"options,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	RaisedBy  string         `json:"raised_by,omitempty"`
	TTLSec    int            `json:"ttl_seconds,omitempty"`
}

type ResolveInterruptRequest struct {
	InterruptID string         `json:"interrupt_id"`
	Response    string         `json:"response,omitempty"`
	Approved    *bool          `json:"approved,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	RespondedBy string         `json:"responded_by,omitempty"`
}

type CancelInterruptRequest struct {
	InterruptID string `json:"interrupt_id"`
	Reason      string `json:"reason,omitempty"`
}

type InterruptRequest struct {
	InterruptID string `json:"interrupt_id"`
}

type BoolResponse struct {
	Success bool `json:"success"`
}

type PendingInterruptsRequest struct {
	SessionID string   `json:"session_id"`
	Kinds     []string `json:"kinds,omitempty"`
}

type PendingInterruptsResponse struct {
	Interrupts []*kernel.KernelInterrupt `json:"interrupts"`
}
