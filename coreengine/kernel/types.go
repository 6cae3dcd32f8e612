// Package kernel implements the control-plane kernel of the pipeline runtime.
//
// It owns every piece of mutable state that governs how a multi-stage,
// multi-agent request executes: the process lifecycle state machine,
// resource quotas and live usage, per-user rate limiting, the interrupt
// service, and the orchestrator that turns envelope state into the next
// instruction. External workers perform the actual LLM and tool work; the
// kernel only authorizes and bounds it.
//
// Key concepts:
//   - ProcessState: process lifecycle states (NEW -> RUNNING -> TERMINATED)
//   - ResourceQuota: cgroups-style resource limits
//   - ProcessControlBlock: the kernel's view of one in-flight request
//
// All mutation goes through Kernel methods under one exclusive lock; the
// subsystem managers in this package carry no locks of their own.
package kernel

import (
	"time"

	"github.com/jeeves-cluster-organization/flowkernel/coreengine/envelope"
)

// =============================================================================
// Process States (mirrors OS process lifecycle)
// =============================================================================

// ProcessState represents the lifecycle state of a process.
// State transitions:
//
//	NEW -> READY -> RUNNING -> (WAITING | BLOCKED | TERMINATED)
//	WAITING -> READY (on interrupt resolution)
//	BLOCKED -> READY (on resource available)
//	TERMINATED -> ZOMBIE (cleanup, absorbing)
type ProcessState string

const (
	// ProcessStateNew indicates a newly created process, not yet scheduled.
	ProcessStateNew ProcessState = "new"
	// ProcessStateReady indicates the process is ready to run.
	ProcessStateReady ProcessState = "ready"
	// ProcessStateRunning indicates the process is currently executing.
	ProcessStateRunning ProcessState = "running"
	// ProcessStateWaiting indicates the process is waiting on an interrupt.
	ProcessStateWaiting ProcessState = "waiting"
	// ProcessStateBlocked indicates the process is blocked on a resource.
	ProcessStateBlocked ProcessState = "blocked"
	// ProcessStateTerminated indicates the process has finished execution.
	ProcessStateTerminated ProcessState = "terminated"
	// ProcessStateZombie indicates a terminated process awaiting reclamation.
	ProcessStateZombie ProcessState = "zombie"
)

// IsTerminal returns true if this is a terminal state.
func (s ProcessState) IsTerminal() bool {
	return s == ProcessStateTerminated || s == ProcessStateZombie
}

// CanSchedule returns true if the process can be scheduled.
func (s ProcessState) CanSchedule() bool {
	return s == ProcessStateNew || s == ProcessStateReady
}

// IsRunnable returns true if the process is ready to run.
func (s ProcessState) IsRunnable() bool {
	return s == ProcessStateReady
}

// CanTransitionTo reports whether the transition matrix allows s -> to.
func (s ProcessState) CanTransitionTo(to ProcessState) bool {
	return IsValidTransition(s, to)
}

// =============================================================================
// Scheduling Priority
// =============================================================================

// SchedulingPriority represents the scheduling priority level.
type SchedulingPriority string

const (
	// PriorityRealtime is the highest priority (system critical).
	PriorityRealtime SchedulingPriority = "realtime"
	// PriorityHigh is for user-interactive operations.
	PriorityHigh SchedulingPriority = "high"
	// PriorityNormal is the default priority.
	PriorityNormal SchedulingPriority = "normal"
	// PriorityLow is for background tasks.
	PriorityLow SchedulingPriority = "low"
	// PriorityIdle is only scheduled when nothing else wants to run.
	PriorityIdle SchedulingPriority = "idle"
)

// HeapValue returns the ready-queue ordering value (lower = scheduled first).
func (p SchedulingPriority) HeapValue() int {
	switch p {
	case PriorityRealtime:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	case PriorityIdle:
		return 4
	default:
		return 2
	}
}

// IsValid reports whether p is one of the defined priorities.
func (p SchedulingPriority) IsValid() bool {
	switch p {
	case PriorityRealtime, PriorityHigh, PriorityNormal, PriorityLow, PriorityIdle:
		return true
	}
	return false
}

// =============================================================================
// Resource Quotas (mirrors cgroups)
// =============================================================================

// ResourceQuota defines cgroups-style resource limits for one process.
// A zero limit means the dimension is unbounded.
type ResourceQuota struct {
	// Token limits (like memory limits)
	MaxInputTokens   int `json:"max_input_tokens"`
	MaxOutputTokens  int `json:"max_output_tokens"`
	MaxContextTokens int `json:"max_context_tokens"`

	// Call limits (like CPU time)
	MaxLLMCalls   int `json:"max_llm_calls"`
	MaxToolCalls  int `json:"max_tool_calls"`
	MaxAgentHops  int `json:"max_agent_hops"`
	MaxIterations int `json:"max_iterations"`

	// Time limits
	TimeoutSeconds     int `json:"timeout_seconds"`
	SoftTimeoutSeconds int `json:"soft_timeout_seconds"` // Warn before hard timeout

	// Rate limits (per-user)
	RateLimitRPM   int `json:"rate_limit_rpm,omitempty"`
	RateLimitRPH   int `json:"rate_limit_rph,omitempty"`
	RateLimitBurst int `json:"rate_limit_burst,omitempty"`

	// Inference gateway limits
	MaxInferenceRequests   int `json:"max_inference_requests,omitempty"`
	MaxInferenceInputChars int `json:"max_inference_input_chars,omitempty"`
}

// DefaultQuota returns sensible default resource limits.
func DefaultQuota() *ResourceQuota {
	return &ResourceQuota{
		MaxInputTokens:     4096,
		MaxOutputTokens:    2048,
		MaxContextTokens:   16384,
		MaxLLMCalls:        10,
		MaxToolCalls:       50,
		MaxAgentHops:       21,
		MaxIterations:      3,
		TimeoutSeconds:     300,
		SoftTimeoutSeconds: 240,
	}
}

// Clone returns a copy of the quota.
func (q *ResourceQuota) Clone() *ResourceQuota {
	cp := *q
	return &cp
}

// =============================================================================
// Resource Usage
// =============================================================================

// ResourceUsage tracks live resource consumption for a process. Counters are
// monotonically non-decreasing until termination.
type ResourceUsage struct {
	LLMCalls            int     `json:"llm_calls"`
	ToolCalls           int     `json:"tool_calls"`
	AgentHops           int     `json:"agent_hops"`
	Iterations          int     `json:"iterations"`
	TokensIn            int     `json:"tokens_in"`
	TokensOut           int     `json:"tokens_out"`
	ElapsedSeconds      float64 `json:"elapsed_seconds"`
	InferenceRequests   int     `json:"inference_requests"`
	InferenceInputChars int     `json:"inference_input_chars"`
}

// ExceedsQuota evaluates usage against quota dimension by dimension in a
// fixed priority order and returns the first violated dimension, or "".
// A dimension with a zero limit never violates.
func (u *ResourceUsage) ExceedsQuota(q *ResourceQuota) string {
	if q.MaxLLMCalls > 0 && u.LLMCalls >= q.MaxLLMCalls {
		return "max_llm_calls_exceeded"
	}
	if q.MaxToolCalls > 0 && u.ToolCalls >= q.MaxToolCalls {
		return "max_tool_calls_exceeded"
	}
	if q.MaxAgentHops > 0 && u.AgentHops >= q.MaxAgentHops {
		return "max_agent_hops_exceeded"
	}
	if q.MaxIterations > 0 && u.Iterations >= q.MaxIterations {
		return "max_iterations_exceeded"
	}
	if q.MaxInputTokens > 0 && u.TokensIn >= q.MaxInputTokens {
		return "max_input_tokens_exceeded"
	}
	if q.MaxOutputTokens > 0 && u.TokensOut >= q.MaxOutputTokens {
		return "max_output_tokens_exceeded"
	}
	if q.TimeoutSeconds > 0 && u.ElapsedSeconds >= float64(q.TimeoutSeconds) {
		return "timeout_exceeded"
	}
	if q.MaxInferenceRequests > 0 && u.InferenceRequests >= q.MaxInferenceRequests {
		return "max_inference_requests_exceeded"
	}
	if q.MaxInferenceInputChars > 0 && u.InferenceInputChars >= q.MaxInferenceInputChars {
		return "max_inference_input_chars_exceeded"
	}
	return ""
}

// Clone returns a copy of the usage.
func (u *ResourceUsage) Clone() *ResourceUsage {
	cp := *u
	return &cp
}

// =============================================================================
// Process Control Block (PCB)
// =============================================================================

// ProcessControlBlock is the kernel's scheduling and resource metadata for
// one in-flight request. The request's pipeline state lives in its Envelope;
// the PCB tracks scheduling state, resource accounting, and interrupt status.
//
// The PID is the canonical identity: the process's envelope shares the same
// id, and the request id is carried alongside for audit linkage only.
type ProcessControlBlock struct {
	// Identity
	PID       string `json:"pid"`
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`

	// State
	State    ProcessState       `json:"state"`
	Priority SchedulingPriority `json:"priority"`

	// Resource tracking
	Quota *ResourceQuota `json:"quota"`
	Usage *ResourceUsage `json:"usage"`

	// Scheduling timestamps
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastScheduledAt *time.Time `json:"last_scheduled_at,omitempty"`

	// Current execution
	CurrentStage string `json:"current_stage,omitempty"`

	// Interrupt handling
	PendingInterrupt *envelope.InterruptKind `json:"pending_interrupt,omitempty"`
	InterruptData    map[string]any          `json:"interrupt_data,omitempty"`

	// Parent/child relationships (for sub-requests)
	ParentPID string   `json:"parent_pid,omitempty"`
	ChildPIDs []string `json:"child_pids,omitempty"`
}

// NewProcessControlBlock creates a PCB in the NEW state. All identity fields
// except session id must be non-empty.
func NewProcessControlBlock(pid, requestID, userID, sessionID string) (*ProcessControlBlock, error) {
	const op = "kernel.NewProcessControlBlock"
	if pid == "" {
		return nil, Errorf(ErrValidation, op, "pid must not be empty")
	}
	if requestID == "" {
		return nil, Errorf(ErrValidation, op, "request_id must not be empty")
	}
	if userID == "" {
		return nil, Errorf(ErrValidation, op, "user_id must not be empty")
	}
	return &ProcessControlBlock{
		PID:       pid,
		RequestID: requestID,
		UserID:    userID,
		SessionID: sessionID,
		State:     ProcessStateNew,
		Priority:  PriorityNormal,
		Quota:     DefaultQuota(),
		Usage:     &ResourceUsage{},
		CreatedAt: time.Now().UTC(),
		ChildPIDs: []string{},
	}, nil
}

// CanSchedule checks if the process can be scheduled.
func (pcb *ProcessControlBlock) CanSchedule() bool {
	return pcb.State.CanSchedule()
}

// IsRunnable checks if the process is runnable.
func (pcb *ProcessControlBlock) IsRunnable() bool {
	return pcb.State.IsRunnable()
}

// IsTerminated checks if the process has terminated.
func (pcb *ProcessControlBlock) IsTerminated() bool {
	return pcb.State.IsTerminal()
}

// Start transitions the process to RUNNING and stamps scheduling times.
func (pcb *ProcessControlBlock) Start() {
	now := time.Now().UTC()
	pcb.State = ProcessStateRunning
	if pcb.StartedAt == nil {
		pcb.StartedAt = &now
	}
	pcb.LastScheduledAt = &now
}

// Complete transitions the process to TERMINATED and freezes elapsed time.
func (pcb *ProcessControlBlock) Complete() {
	now := time.Now().UTC()
	pcb.State = ProcessStateTerminated
	pcb.CompletedAt = &now
	if pcb.StartedAt != nil {
		pcb.Usage.ElapsedSeconds = now.Sub(*pcb.StartedAt).Seconds()
	}
}

// Block transitions the process to BLOCKED, recording the reason.
func (pcb *ProcessControlBlock) Block(reason string) {
	pcb.State = ProcessStateBlocked
	if pcb.InterruptData == nil {
		pcb.InterruptData = make(map[string]any)
	}
	pcb.InterruptData["block_reason"] = reason
}

// Wait transitions the process to WAITING on the given interrupt kind.
func (pcb *ProcessControlBlock) Wait(interruptKind envelope.InterruptKind) {
	pcb.State = ProcessStateWaiting
	pcb.PendingInterrupt = &interruptKind
}

// Resume moves the process from WAITING/BLOCKED back to READY and clears
// interrupt metadata.
func (pcb *ProcessControlBlock) Resume() {
	pcb.State = ProcessStateReady
	pcb.PendingInterrupt = nil
	delete(pcb.InterruptData, "block_reason")
}

// LiveElapsedSeconds recomputes elapsed wall-clock time while the process is
// running; once completed the frozen value is returned.
func (pcb *ProcessControlBlock) LiveElapsedSeconds(now time.Time) float64 {
	if pcb.StartedAt != nil && pcb.CompletedAt == nil {
		return now.Sub(*pcb.StartedAt).Seconds()
	}
	return pcb.Usage.ElapsedSeconds
}

// RecordLLMCall records an LLM call with its token counts.
func (pcb *ProcessControlBlock) RecordLLMCall(tokensIn, tokensOut int) {
	pcb.Usage.LLMCalls++
	pcb.Usage.TokensIn += tokensIn
	pcb.Usage.TokensOut += tokensOut
}

// RecordToolCall records a tool call.
func (pcb *ProcessControlBlock) RecordToolCall() {
	pcb.Usage.ToolCalls++
}

// RecordAgentHop records an agent hop.
func (pcb *ProcessControlBlock) RecordAgentHop() {
	pcb.Usage.AgentHops++
}

// RecordInference records an inference-gateway request.
func (pcb *ProcessControlBlock) RecordInference(inputChars int) {
	pcb.Usage.InferenceRequests++
	pcb.Usage.InferenceInputChars += inputChars
}

// Clone returns a deep copy of the PCB.
func (pcb *ProcessControlBlock) Clone() *ProcessControlBlock {
	cp := *pcb
	cp.Quota = pcb.Quota.Clone()
	cp.Usage = pcb.Usage.Clone()
	if pcb.StartedAt != nil {
		t := *pcb.StartedAt
		cp.StartedAt = &t
	}
	if pcb.CompletedAt != nil {
		t := *pcb.CompletedAt
		cp.CompletedAt = &t
	}
	if pcb.LastScheduledAt != nil {
		t := *pcb.LastScheduledAt
		cp.LastScheduledAt = &t
	}
	if pcb.PendingInterrupt != nil {
		kind := *pcb.PendingInterrupt
		cp.PendingInterrupt = &kind
	}
	if pcb.InterruptData != nil {
		cp.InterruptData = make(map[string]any, len(pcb.InterruptData))
		for k, v := range pcb.InterruptData {
			cp.InterruptData[k] = v
		}
	}
	cp.ChildPIDs = append([]string(nil), pcb.ChildPIDs...)
	return &cp
}

// =============================================================================
// Kernel Events
// =============================================================================

// KernelEventType represents types of kernel events.
type KernelEventType string

const (
	KernelEventProcessCreated      KernelEventType = "process.created"
	KernelEventProcessStateChanged KernelEventType = "process.state_changed"
	KernelEventProcessTerminated   KernelEventType = "process.terminated"
	KernelEventInterruptRaised     KernelEventType = "interrupt.raised"
	KernelEventResourceExhausted   KernelEventType = "resource.exhausted"
)

// KernelEvent represents an event emitted by the kernel. These are
// control-plane events, not application events.
type KernelEvent struct {
	EventType KernelEventType `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	PID       string          `json:"pid,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
}

// NewKernelEvent creates a new kernel event.
func NewKernelEvent(eventType KernelEventType, pid, requestID, userID, sessionID string) *KernelEvent {
	return &KernelEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
		UserID:    userID,
		SessionID: sessionID,
		PID:       pid,
	}
}

// ProcessCreatedEvent creates a process.created event.
func ProcessCreatedEvent(pcb *ProcessControlBlock) *KernelEvent {
	evt := NewKernelEvent(KernelEventProcessCreated, pcb.PID, pcb.RequestID, pcb.UserID, pcb.SessionID)
	evt.Data = map[string]any{
		"priority": string(pcb.Priority),
	}
	return evt
}

// ProcessStateChangedEvent creates a process.state_changed event.
func ProcessStateChangedEvent(pcb *ProcessControlBlock, oldState ProcessState) *KernelEvent {
	evt := NewKernelEvent(KernelEventProcessStateChanged, pcb.PID, pcb.RequestID, pcb.UserID, pcb.SessionID)
	evt.Data = map[string]any{
		"old_state": string(oldState),
		"new_state": string(pcb.State),
	}
	return evt
}

// ProcessTerminatedEvent creates a process.terminated event.
func ProcessTerminatedEvent(pcb *ProcessControlBlock, reason string) *KernelEvent {
	evt := NewKernelEvent(KernelEventProcessTerminated, pcb.PID, pcb.RequestID, pcb.UserID, pcb.SessionID)
	evt.Data = map[string]any{
		"reason": reason,
	}
	return evt
}

// InterruptRaisedEvent creates an interrupt.raised event.
func InterruptRaisedEvent(pcb *ProcessControlBlock, interruptKind envelope.InterruptKind, data map[string]any) *KernelEvent {
	evt := NewKernelEvent(KernelEventInterruptRaised, pcb.PID, pcb.RequestID, pcb.UserID, pcb.SessionID)
	evt.Data = map[string]any{
		"interrupt_kind": string(interruptKind),
	}
	for k, v := range data {
		evt.Data[k] = v
	}
	return evt
}

// ResourceExhaustedEvent creates a resource.exhausted event.
func ResourceExhaustedEvent(pcb *ProcessControlBlock, dimension string) *KernelEvent {
	evt := NewKernelEvent(KernelEventResourceExhausted, pcb.PID, pcb.RequestID, pcb.UserID, pcb.SessionID)
	evt.Data = map[string]any{
		"dimension": dimension,
	}
	return evt
}
