package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Interrupts
// =============================================================================

// InterruptResponse carries the answer supplied when an interrupt is resolved.
type InterruptResponse struct {
	InterruptID string         `json:"interrupt_id"`
	Response    string         `json:"response"`
	Approved    *bool          `json:"approved,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	RespondedBy string         `json:"responded_by,omitempty"`
	RespondedAt time.Time      `json:"responded_at"`
}

// FlowInterrupt is the envelope-side view of a pending interrupt. The kernel
// interrupt service owns lifecycle state; the envelope only records that the
// run is paused and what it is paused on.
type FlowInterrupt struct {
	InterruptID string             `json:"interrupt_id"`
	Kind        InterruptKind      `json:"kind"`
	Question    string             `json:"question,omitempty"`
	Options     []string           `json:"options,omitempty"`
	Context     map[string]any     `json:"context,omitempty"`
	RaisedBy    string             `json:"raised_by,omitempty"`
	RaisedAt    time.Time          `json:"raised_at"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
	Response    *InterruptResponse `json:"response,omitempty"`
}

// NewFlowInterrupt builds an interrupt of the given kind raised by an agent.
func NewFlowInterrupt(kind InterruptKind, raisedBy string) *FlowInterrupt {
	return &FlowInterrupt{
		InterruptID: "int_" + uuid.NewString()[:16],
		Kind:        kind,
		RaisedBy:    raisedBy,
		RaisedAt:    time.Now().UTC(),
	}
}

// IsResolved reports whether a response has been recorded.
func (fi *FlowInterrupt) IsResolved() bool {
	return fi.Response != nil
}

// IsExpired reports whether the interrupt deadline has passed.
func (fi *FlowInterrupt) IsExpired(now time.Time) bool {
	return fi.ExpiresAt != nil && now.After(*fi.ExpiresAt)
}

// Clone returns a deep copy of the interrupt.
func (fi *FlowInterrupt) Clone() *FlowInterrupt {
	if fi == nil {
		return nil
	}
	cp := *fi
	cp.Options = append([]string(nil), fi.Options...)
	cp.Context = cloneAnyMap(fi.Context)
	if fi.ExpiresAt != nil {
		t := *fi.ExpiresAt
		cp.ExpiresAt = &t
	}
	if fi.Response != nil {
		r := *fi.Response
		r.Payload = cloneAnyMap(fi.Response.Payload)
		if fi.Response.Approved != nil {
			b := *fi.Response.Approved
			r.Approved = &b
		}
		cp.Response = &r
	}
	return &cp
}

// =============================================================================
// Processing history
// =============================================================================

// ProcessingRecord is one audit entry for an agent execution.
type ProcessingRecord struct {
	Agent       string         `json:"agent"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
	LLMCalls    int            `json:"llm_calls"`
	ToolCalls   int            `json:"tool_calls"`
	TokensIn    int64          `json:"tokens_in"`
	TokensOut   int64          `json:"tokens_out"`
	Error       string         `json:"error,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// =============================================================================
// Envelope
// =============================================================================

// Envelope accumulates the state of one pipeline run. It is keyed by the
// process ID of the owning PCB; there is exactly one envelope per process.
//
// The envelope never decides anything. Bounds accessors such as CanContinue
// only report state; the orchestrator turns those reports into instructions.
type Envelope struct {
	EnvelopeID string `json:"envelope_id"`
	RequestID  string `json:"request_id"`
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id,omitempty"`

	RawInput   string    `json:"raw_input"`
	ReceivedAt time.Time `json:"received_at"`

	// Outputs maps agent name to that agent's result payload. Re-running an
	// agent overwrites its previous entry.
	Outputs map[string]map[string]any `json:"outputs"`

	CurrentStage    string          `json:"current_stage"`
	StageOrder      []string        `json:"stage_order,omitempty"`
	ActiveStages    map[string]bool `json:"active_stages,omitempty"`
	CompletedStages map[string]bool `json:"completed_stages,omitempty"`
	FailedStages    map[string]bool `json:"failed_stages,omitempty"`

	Iteration     int `json:"iteration"`
	MaxIterations int `json:"max_iterations"`
	LLMCallCount  int `json:"llm_call_count"`
	MaxLLMCalls   int `json:"max_llm_calls"`
	AgentHopCount int `json:"agent_hop_count"`
	MaxAgentHops  int `json:"max_agent_hops"`

	Terminated     bool            `json:"terminated"`
	TerminalReason *TerminalReason `json:"terminal_reason,omitempty"`
	TerminalDetail string          `json:"terminal_detail,omitempty"`

	InterruptPending bool           `json:"interrupt_pending"`
	Interrupt        *FlowInterrupt `json:"interrupt,omitempty"`

	ProcessingHistory []ProcessingRecord `json:"processing_history,omitempty"`
	ErrorLog          []map[string]any   `json:"error_log,omitempty"`

	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// New creates an envelope bound to the given process identity.
func New(envelopeID, requestID, userID, sessionID, rawInput string) *Envelope {
	now := time.Now().UTC()
	return &Envelope{
		EnvelopeID:      envelopeID,
		RequestID:       requestID,
		UserID:          userID,
		SessionID:       sessionID,
		RawInput:        rawInput,
		ReceivedAt:      now,
		Outputs:         make(map[string]map[string]any),
		ActiveStages:    make(map[string]bool),
		CompletedStages: make(map[string]bool),
		FailedStages:    make(map[string]bool),
		Metadata:        make(map[string]any),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (e *Envelope) touch() {
	e.UpdatedAt = time.Now().UTC()
}

// =============================================================================
// Outputs
// =============================================================================

// SetOutput stores (or replaces) the result payload for an agent.
func (e *Envelope) SetOutput(agent string, output map[string]any) {
	if e.Terminated {
		return
	}
	if e.Outputs == nil {
		e.Outputs = make(map[string]map[string]any)
	}
	e.Outputs[agent] = output
	e.touch()
}

// GetOutput returns the stored payload for an agent, if any.
func (e *Envelope) GetOutput(agent string) (map[string]any, bool) {
	out, ok := e.Outputs[agent]
	return out, ok
}

// HasOutput reports whether an agent has produced a result.
func (e *Envelope) HasOutput(agent string) bool {
	_, ok := e.Outputs[agent]
	return ok
}

// GetOutputField returns a single field from an agent's payload.
func (e *Envelope) GetOutputField(agent, field string) (any, bool) {
	out, ok := e.Outputs[agent]
	if !ok {
		return nil, false
	}
	v, ok := out[field]
	return v, ok
}

// =============================================================================
// Stage tracking
// =============================================================================

// StartStage marks a stage active and makes it the current stage.
func (e *Envelope) StartStage(stage string) {
	if e.Terminated {
		return
	}
	if e.ActiveStages == nil {
		e.ActiveStages = make(map[string]bool)
	}
	e.ActiveStages[stage] = true
	e.CurrentStage = stage
	e.touch()
}

// CompleteStage moves a stage from active to completed.
func (e *Envelope) CompleteStage(stage string) {
	if e.Terminated {
		return
	}
	delete(e.ActiveStages, stage)
	if e.CompletedStages == nil {
		e.CompletedStages = make(map[string]bool)
	}
	e.CompletedStages[stage] = true
	delete(e.FailedStages, stage)
	e.touch()
}

// FailStage moves a stage from active to failed.
func (e *Envelope) FailStage(stage string) {
	if e.Terminated {
		return
	}
	delete(e.ActiveStages, stage)
	if e.FailedStages == nil {
		e.FailedStages = make(map[string]bool)
	}
	e.FailedStages[stage] = true
	e.touch()
}

// ReopenStage clears a stage's completion and failure marks so a loop-back
// can run it again.
func (e *Envelope) ReopenStage(stage string) {
	if e.Terminated {
		return
	}
	delete(e.CompletedStages, stage)
	delete(e.FailedStages, stage)
	e.touch()
}

// IsStageCompleted reports whether a stage finished successfully.
func (e *Envelope) IsStageCompleted(stage string) bool {
	return e.CompletedStages[stage]
}

// IsStageActive reports whether a stage is currently executing.
func (e *Envelope) IsStageActive(stage string) bool {
	return e.ActiveStages[stage]
}

// AllStagesComplete reports whether every stage in the bound order has
// completed. An envelope with no stage order never reports complete.
func (e *Envelope) AllStagesComplete() bool {
	if len(e.StageOrder) == 0 {
		return false
	}
	for _, stage := range e.StageOrder {
		if !e.CompletedStages[stage] {
			return false
		}
	}
	return true
}

// HasFailures reports whether any stage failed.
func (e *Envelope) HasFailures() bool {
	return len(e.FailedStages) > 0
}

// =============================================================================
// Bounds
// =============================================================================

// BindBounds sets the execution bounds and stage order for this run.
func (e *Envelope) BindBounds(maxIterations, maxLLMCalls, maxAgentHops int, stageOrder []string) {
	e.MaxIterations = maxIterations
	e.MaxLLMCalls = maxLLMCalls
	e.MaxAgentHops = maxAgentHops
	e.StageOrder = append([]string(nil), stageOrder...)
	e.touch()
}

// IncrementIteration bumps the loop counter.
func (e *Envelope) IncrementIteration() {
	if e.Terminated {
		return
	}
	e.Iteration++
	e.touch()
}

// CanContinue reports whether the run is still within all execution bounds.
// Checks short-circuit in a fixed order: LLM calls, then iterations, then
// agent hops. The returned reason names the first exhausted bound.
func (e *Envelope) CanContinue() (bool, TerminalReason) {
	if e.MaxLLMCalls > 0 && e.LLMCallCount >= e.MaxLLMCalls {
		return false, TerminalReasonMaxLLMCallsExceeded
	}
	if e.MaxIterations > 0 && e.Iteration >= e.MaxIterations {
		return false, TerminalReasonMaxIterationsExceeded
	}
	if e.MaxAgentHops > 0 && e.AgentHopCount >= e.MaxAgentHops {
		return false, TerminalReasonMaxAgentHopsExceeded
	}
	return true, ""
}

// =============================================================================
// Agent execution audit
// =============================================================================

// RecordAgentStart appends a running history entry and counts the hop.
func (e *Envelope) RecordAgentStart(agent string) {
	if e.Terminated {
		return
	}
	e.AgentHopCount++
	e.ProcessingHistory = append(e.ProcessingHistory, ProcessingRecord{
		Agent:     agent,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	})
	e.touch()
}

// RecordAgentComplete closes the most recent running entry for the agent and
// accumulates its metric deltas into the envelope counters.
func (e *Envelope) RecordAgentComplete(agent string, llmCalls, toolCalls int, tokensIn, tokensOut int64, errMsg string) {
	now := time.Now().UTC()
	for i := len(e.ProcessingHistory) - 1; i >= 0; i-- {
		rec := &e.ProcessingHistory[i]
		if rec.Agent != agent || rec.Status != "running" {
			continue
		}
		rec.CompletedAt = &now
		rec.DurationMS = now.Sub(rec.StartedAt).Milliseconds()
		rec.LLMCalls = llmCalls
		rec.ToolCalls = toolCalls
		rec.TokensIn = tokensIn
		rec.TokensOut = tokensOut
		if errMsg != "" {
			rec.Status = "error"
			rec.Error = errMsg
		} else {
			rec.Status = "completed"
		}
		break
	}
	e.LLMCallCount += llmCalls
	e.touch()
}

// RecordError appends a structured entry to the error log. Error entries are
// audit data and are accepted even after termination.
func (e *Envelope) RecordError(agent, message string, detail map[string]any) {
	entry := map[string]any{
		"agent":     agent,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range detail {
		entry[k] = v
	}
	e.ErrorLog = append(e.ErrorLog, entry)
	e.UpdatedAt = time.Now().UTC()
}

// =============================================================================
// Interrupt slot
// =============================================================================

// SetInterrupt stamps a pending interrupt onto the envelope. The slot holds
// at most one interrupt; stamping while one is pending is an error.
func (e *Envelope) SetInterrupt(fi *FlowInterrupt) error {
	if e.Terminated {
		return fmt.Errorf("envelope %s is terminated", e.EnvelopeID)
	}
	if e.InterruptPending {
		return fmt.Errorf("envelope %s already has a pending interrupt", e.EnvelopeID)
	}
	e.Interrupt = fi
	e.InterruptPending = true
	e.touch()
	return nil
}

// ResolveInterrupt records the response and clears the pending flag. The
// resolved interrupt stays attached for audit until the next SetInterrupt.
func (e *Envelope) ResolveInterrupt(resp *InterruptResponse) bool {
	if !e.InterruptPending || e.Interrupt == nil {
		return false
	}
	e.Interrupt.Response = resp
	e.InterruptPending = false
	e.touch()
	return true
}

// ClearInterrupt drops the interrupt slot without recording a response.
func (e *Envelope) ClearInterrupt() {
	e.Interrupt = nil
	e.InterruptPending = false
	e.touch()
}

// PendingInterruptKind returns the kind of the pending interrupt, if any.
func (e *Envelope) PendingInterruptKind() (InterruptKind, bool) {
	if !e.InterruptPending || e.Interrupt == nil {
		return "", false
	}
	return e.Interrupt.Kind, true
}

// =============================================================================
// Termination
// =============================================================================

// Terminate marks the run terminal with the given reason. The terminal reason
// is set at most once; later calls are ignored.
func (e *Envelope) Terminate(reason TerminalReason, detail string) {
	if e.Terminated {
		return
	}
	now := time.Now().UTC()
	e.Terminated = true
	e.TerminalReason = &reason
	e.TerminalDetail = detail
	e.CompletedAt = &now
	e.InterruptPending = false
	e.UpdatedAt = now
}

// IsTerminal reports whether the run has ended.
func (e *Envelope) IsTerminal() bool {
	return e.Terminated
}

// =============================================================================
// Copy and projection
// =============================================================================

// Clone returns a deep copy. Mutating the clone never affects the original.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	cp.Outputs = make(map[string]map[string]any, len(e.Outputs))
	for agent, out := range e.Outputs {
		cp.Outputs[agent] = cloneAnyMap(out)
	}
	cp.StageOrder = append([]string(nil), e.StageOrder...)
	cp.ActiveStages = cloneBoolMap(e.ActiveStages)
	cp.CompletedStages = cloneBoolMap(e.CompletedStages)
	cp.FailedStages = cloneBoolMap(e.FailedStages)
	if e.TerminalReason != nil {
		r := *e.TerminalReason
		cp.TerminalReason = &r
	}
	cp.Interrupt = e.Interrupt.Clone()
	cp.ProcessingHistory = make([]ProcessingRecord, len(e.ProcessingHistory))
	for i, rec := range e.ProcessingHistory {
		rc := rec
		rc.Detail = cloneAnyMap(rec.Detail)
		if rec.CompletedAt != nil {
			t := *rec.CompletedAt
			rc.CompletedAt = &t
		}
		cp.ProcessingHistory[i] = rc
	}
	cp.ErrorLog = make([]map[string]any, len(e.ErrorLog))
	for i, entry := range e.ErrorLog {
		cp.ErrorLog[i] = cloneAnyMap(entry)
	}
	cp.Metadata = cloneAnyMap(e.Metadata)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// FinalResponse extracts the user-facing response text. A pending interrupt
// question takes precedence; otherwise the last stage's "final_response"
// output field is used. Returns nil when neither exists.
func (e *Envelope) FinalResponse() *string {
	if e.InterruptPending && e.Interrupt != nil && e.Interrupt.Question != "" {
		q := e.Interrupt.Question
		return &q
	}
	if len(e.StageOrder) == 0 {
		return nil
	}
	last := e.StageOrder[len(e.StageOrder)-1]
	if out, ok := e.Outputs[last]; ok {
		if response, ok := out["final_response"].(string); ok {
			return &response
		}
	}
	return nil
}

// ResultDict projects the envelope into the flat result shape handed back to
// callers when a run ends.
func (e *Envelope) ResultDict() map[string]any {
	result := map[string]any{
		"envelope_id":    e.EnvelopeID,
		"request_id":     e.RequestID,
		"user_id":        e.UserID,
		"terminated":     e.Terminated,
		"iteration":      e.Iteration,
		"llm_call_count": e.LLMCallCount,
		"agent_hops":     e.AgentHopCount,
		"outputs":        e.Outputs,
	}
	if e.SessionID != "" {
		result["session_id"] = e.SessionID
	}
	if e.TerminalReason != nil {
		result["terminal_reason"] = string(*e.TerminalReason)
	}
	if e.TerminalDetail != "" {
		result["terminal_detail"] = e.TerminalDetail
	}
	if resp := e.FinalResponse(); resp != nil {
		result["response"] = *resp
	}
	if e.InterruptPending && e.Interrupt != nil {
		result["interrupt_pending"] = true
		result["interrupt"] = map[string]any{
			"id":       e.Interrupt.InterruptID,
			"kind":     string(e.Interrupt.Kind),
			"question": e.Interrupt.Question,
		}
	}
	if len(e.ErrorLog) > 0 {
		result["errors"] = e.ErrorLog
	}
	if e.CompletedAt != nil {
		result["completed_at"] = e.CompletedAt.Format(time.RFC3339Nano)
	}
	return result
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			cp[k] = cloneAnyMap(vv)
		case []any:
			sl := make([]any, len(vv))
			copy(sl, vv)
			cp[k] = sl
		default:
			cp[k] = v
		}
	}
	return cp
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	cp := make(map[string]bool, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
