package kernel

import (
	"sort"
	"time"

	"github.com/jeeves-cluster-organization/flowkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/envelope"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/typeutil"
)

// =============================================================================
// Instructions
// =============================================================================

// InstructionKind is the orchestrator's verdict on what happens next.
type InstructionKind string

const (
	// InstructionExecute tells a worker to run the named agent.
	InstructionExecute InstructionKind = "execute"
	// InstructionWait tells the caller a pending interrupt must be resolved.
	InstructionWait InstructionKind = "wait_interrupt"
	// InstructionTerminate ends the run with a terminal reason.
	InstructionTerminate InstructionKind = "terminate"
)

// Instruction is what the kernel hands an external worker.
type Instruction struct {
	Kind      InstructionKind     `json:"kind"`
	ProcessID string              `json:"process_id"`
	AgentName string              `json:"agent_name,omitempty"`
	Agent     *config.AgentConfig `json:"agent,omitempty"`

	InterruptID   string                 `json:"interrupt_id,omitempty"`
	InterruptKind envelope.InterruptKind `json:"interrupt_kind,omitempty"`

	TerminalReason envelope.TerminalReason `json:"terminal_reason,omitempty"`
	Message        string                  `json:"message,omitempty"`
}

// AgentExecutionMetrics is what a worker reports after running an agent.
type AgentExecutionMetrics struct {
	LLMCalls   int   `json:"llm_calls"`
	ToolCalls  int   `json:"tool_calls"`
	TokensIn   int64 `json:"tokens_in"`
	TokensOut  int64 `json:"tokens_out"`
	DurationMS int64 `json:"duration_ms"`
}

// =============================================================================
// Orchestration Sessions
// =============================================================================

// SessionPhase is the orchestration session state machine:
// initialized -> running -> {waiting | terminated}; waiting returns to
// running only after the associated interrupt is resolved.
type SessionPhase string

const (
	SessionInitialized SessionPhase = "initialized"
	SessionRunning     SessionPhase = "running"
	SessionWaiting     SessionPhase = "waiting"
	SessionTerminated  SessionPhase = "terminated"
)

// stageFailure is a failure recorded by ReportAgentResult whose terminal
// verdict is deferred to the next GetNextInstruction call.
type stageFailure struct {
	agent   string
	message string
	reason  envelope.TerminalReason
}

// OrchestrationSession binds a pipeline configuration to one process.
type OrchestrationSession struct {
	ProcessID      string
	Pipeline       *config.PipelineConfig
	Env            *envelope.Envelope
	Phase          SessionPhase
	EdgeTraversals map[string]int
	CreatedAt      time.Time
	LastActivityAt time.Time

	pendingFailure *stageFailure
}

// SessionState is a read-only snapshot of a session handed to callers.
type SessionState struct {
	ProcessID       string       `json:"process_id"`
	PipelineName    string       `json:"pipeline_name"`
	Phase           SessionPhase `json:"phase"`
	CurrentStage    string       `json:"current_stage"`
	Iteration       int          `json:"iteration"`
	LLMCallCount    int          `json:"llm_call_count"`
	AgentHopCount   int          `json:"agent_hop_count"`
	Terminated      bool         `json:"terminated"`
	TerminalReason  string       `json:"terminal_reason,omitempty"`
	CompletedStages []string     `json:"completed_stages"`
	FailedStages    []string     `json:"failed_stages"`
	CreatedAt       time.Time    `json:"created_at"`
	LastActivityAt  time.Time    `json:"last_activity_at"`
}

func snapshotSession(s *OrchestrationSession) *SessionState {
	state := &SessionState{
		ProcessID:       s.ProcessID,
		PipelineName:    s.Pipeline.Name,
		Phase:           s.Phase,
		CurrentStage:    s.Env.CurrentStage,
		Iteration:       s.Env.Iteration,
		LLMCallCount:    s.Env.LLMCallCount,
		AgentHopCount:   s.Env.AgentHopCount,
		Terminated:      s.Env.Terminated,
		CompletedStages: sortedKeys(s.Env.CompletedStages),
		FailedStages:    sortedKeys(s.Env.FailedStages),
		CreatedAt:       s.CreatedAt,
		LastActivityAt:  s.LastActivityAt,
	}
	if s.Env.TerminalReason != nil {
		state.TerminalReason = string(*s.Env.TerminalReason)
	}
	return state
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator turns envelope state into the next instruction for a process.
// It is the only component that touches multiple subsystem objects per call:
// it reads and writes the envelope and advances pipeline position. All
// advance and terminate decisions happen in GetNextInstruction;
// ReportAgentResult only records state. Not safe for concurrent use on its
// own; the Kernel serializes access.
type Orchestrator struct {
	logger   Logger
	sessions map[string]*OrchestrationSession
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(logger Logger) *Orchestrator {
	if logger == nil {
		logger = NopLogger{}
	}
	return &Orchestrator{
		logger:   logger,
		sessions: make(map[string]*OrchestrationSession),
	}
}

// InitializeSession binds a pipeline configuration to a process. With
// force=false a second initialization for the same pid fails; force=true
// overwrites and resets session state.
func (o *Orchestrator) InitializeSession(pid string, cfg *config.PipelineConfig, env *envelope.Envelope, force bool) (*SessionState, error) {
	const op = "orchestrator.InitializeSession"

	if _, exists := o.sessions[pid]; exists && !force {
		return nil, Errorf(ErrValidation, op, "session already initialized for pid %s", pid)
	}
	if cfg == nil {
		return nil, Errorf(ErrValidation, op, "pipeline config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, Errorf(ErrValidation, op, "invalid pipeline: %v", err)
	}

	stageOrder := cfg.GetStageOrder()
	env.BindBounds(cfg.MaxIterations, cfg.MaxLLMCalls, cfg.MaxAgentHops, stageOrder)
	env.CurrentStage = stageOrder[0]

	now := time.Now().UTC()
	session := &OrchestrationSession{
		ProcessID:      pid,
		Pipeline:       cfg,
		Env:            env,
		Phase:          SessionInitialized,
		EdgeTraversals: make(map[string]int),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	o.sessions[pid] = session

	o.logger.Info("session_initialized",
		"pid", pid,
		"pipeline", cfg.Name,
		"stages", len(stageOrder),
		"force", force)
	return snapshotSession(session), nil
}

// GetNextInstruction computes the next step for a process. Decision order:
// already terminated, deferred stage failure, pending interrupt, execution
// bounds (LLM calls, then iterations, then agent hops), pipeline completion,
// then execute the current stage's agent.
func (o *Orchestrator) GetNextInstruction(pid string) (*Instruction, error) {
	const op = "orchestrator.GetNextInstruction"

	session, ok := o.sessions[pid]
	if !ok {
		return nil, Errorf(ErrNotFound, op, "no session for pid %s", pid)
	}
	session.LastActivityAt = time.Now().UTC()
	env := session.Env

	if env.Terminated {
		session.Phase = SessionTerminated
		reason := envelope.TerminalReasonCompleted
		if env.TerminalReason != nil {
			reason = *env.TerminalReason
		}
		return o.terminateInstruction(session, reason, env.TerminalDetail), nil
	}

	if f := session.pendingFailure; f != nil {
		session.pendingFailure = nil
		env.Terminate(f.reason, f.message)
		session.Phase = SessionTerminated
		o.logger.Warn("session_terminated_on_failure",
			"pid", pid,
			"agent", f.agent,
			"reason", string(f.reason))
		return o.terminateInstruction(session, f.reason, f.message), nil
	}

	if kind, pending := env.PendingInterruptKind(); pending {
		session.Phase = SessionWaiting
		return &Instruction{
			Kind:          InstructionWait,
			ProcessID:     pid,
			InterruptID:   env.Interrupt.InterruptID,
			InterruptKind: kind,
		}, nil
	}

	if ok, reason := env.CanContinue(); !ok {
		env.Terminate(reason, "execution bound reached")
		session.Phase = SessionTerminated
		return o.terminateInstruction(session, reason, "execution bound reached"), nil
	}

	if env.CurrentStage == config.StageEnd || env.AllStagesComplete() {
		env.Terminate(envelope.TerminalReasonCompleted, "")
		session.Phase = SessionTerminated
		return o.terminateInstruction(session, envelope.TerminalReasonCompleted, ""), nil
	}

	stage := o.selectStage(session)
	agent := session.Pipeline.GetAgent(stage)
	if agent == nil {
		reason := envelope.TerminalReasonToolFailedFatally
		env.Terminate(reason, "unknown stage "+stage)
		session.Phase = SessionTerminated
		return o.terminateInstruction(session, reason, "unknown stage "+stage), nil
	}

	// Re-issuing the instruction for an already-active stage must not count
	// a second hop.
	if !env.IsStageActive(agent.Name) {
		env.StartStage(agent.Name)
		env.RecordAgentStart(agent.Name)
	}
	session.Phase = SessionRunning

	return &Instruction{
		Kind:      InstructionExecute,
		ProcessID: pid,
		AgentName: agent.Name,
		Agent:     agent,
	}, nil
}

// selectStage picks the stage to execute next. The cursor stage wins while
// it is ready and idle. When the cursor stage is in flight, a ready stage
// declared concurrent with every active stage is dispatched alongside it.
// When the cursor stage is blocked on outstanding prerequisites, the first
// runnable stage in topological order takes its place, falling back to
// re-issuing an in-flight prerequisite.
func (o *Orchestrator) selectStage(session *OrchestrationSession) string {
	env := session.Env
	cursor := env.CurrentStage

	// A cursor pointing at no known agent is a bad routing target; hand it
	// back so the caller terminates the run.
	if session.Pipeline.GetAgent(cursor) == nil {
		return cursor
	}

	ready := make(map[string]bool)
	for _, s := range session.Pipeline.GetReadyStages(env.CompletedStages) {
		if !env.FailedStages[s] {
			ready[s] = true
		}
	}

	if ready[cursor] && !env.IsStageActive(cursor) {
		return cursor
	}

	if env.IsStageActive(cursor) {
		for _, s := range session.Pipeline.TopologicalOrder() {
			if ready[s] && s != cursor && !env.IsStageActive(s) && o.runsWithActive(session, s) {
				return s
			}
		}
		return cursor
	}

	for _, s := range session.Pipeline.TopologicalOrder() {
		if ready[s] && !env.IsStageActive(s) && o.runsWithActive(session, s) {
			return s
		}
	}
	for _, s := range session.Pipeline.TopologicalOrder() {
		if ready[s] {
			return s
		}
	}
	return cursor
}

// runsWithActive reports whether a stage is declared concurrent with every
// stage currently in flight. A stage with nothing in flight always passes.
func (o *Orchestrator) runsWithActive(session *OrchestrationSession, stage string) bool {
	for active, on := range session.Env.ActiveStages {
		if !on {
			continue
		}
		if !session.Pipeline.MayRunWith(stage, active) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) terminateInstruction(session *OrchestrationSession, reason envelope.TerminalReason, message string) *Instruction {
	return &Instruction{
		Kind:           InstructionTerminate,
		ProcessID:      session.ProcessID,
		TerminalReason: reason,
		Message:        message,
	}
}

// ReportAgentResult merges a worker's result into the envelope, records the
// audit entry and metrics, and advances pipeline position per the routing
// rules. It never decides termination: failures without an error route are
// parked and turned into a verdict by the next GetNextInstruction.
func (o *Orchestrator) ReportAgentResult(pid, agentName string, output map[string]any, metrics AgentExecutionMetrics, success bool, errMsg string) (*SessionState, error) {
	const op = "orchestrator.ReportAgentResult"

	session, ok := o.sessions[pid]
	if !ok {
		return nil, Errorf(ErrNotFound, op, "no session for pid %s", pid)
	}
	env := session.Env
	if env.Terminated {
		return nil, Errorf(ErrStateTransition, op, "pid %s already terminated", pid)
	}

	agent := session.Pipeline.GetAgent(agentName)
	if agent == nil {
		return nil, Errorf(ErrValidation, op, "agent %q not in pipeline %s", agentName, session.Pipeline.Name)
	}

	session.LastActivityAt = time.Now().UTC()
	env.RecordAgentComplete(agentName, metrics.LLMCalls, metrics.ToolCalls, metrics.TokensIn, metrics.TokensOut, errMsg)

	if !success {
		if output == nil {
			output = make(map[string]any)
		}
		output["error"] = errMsg
		env.SetOutput(agent.OutputKey, output)
		env.FailStage(agentName)
		env.RecordError(agentName, errMsg, nil)

		if agent.ErrorNext != "" {
			o.traverse(session, agentName, agent.ErrorNext)
		} else {
			reason := envelope.TerminalReasonToolFailedFatally
			if agent.HasLLM {
				reason = envelope.TerminalReasonLLMFailedFatally
			}
			session.pendingFailure = &stageFailure{agent: agentName, message: errMsg, reason: reason}
		}
		o.logger.Warn("agent_failed",
			"pid", pid,
			"agent", agentName,
			"error", errMsg)
		return snapshotSession(session), nil
	}

	env.SetOutput(agent.OutputKey, output)
	env.CompleteStage(agentName)

	next := o.evaluateRouting(agent, output)
	if next == "" {
		next = o.nextInOrder(session.Pipeline, agentName)
	}
	o.traverse(session, agentName, next)

	o.logger.Debug("agent_completed",
		"pid", pid,
		"agent", agentName,
		"next_stage", next)
	return snapshotSession(session), nil
}

// traverse advances the pipeline cursor across the from->to edge, counting
// the traversal, bumping the iteration counter on loop-backs, and parking an
// edge-limit breach for the next instruction call.
func (o *Orchestrator) traverse(session *OrchestrationSession, from, to string) {
	env := session.Env

	if to != config.StageEnd {
		edge := from + "->" + to
		session.EdgeTraversals[edge]++
		if session.Pipeline.IsLoopBack(from, to) {
			env.IncrementIteration()
			// The target and everything after it run again.
			reopen := false
			for _, stage := range session.Pipeline.GetStageOrder() {
				if stage == to {
					reopen = true
				}
				if reopen {
					env.ReopenStage(stage)
				}
			}
		}
		if limit := session.Pipeline.GetEdgeLimit(from, to); limit > 0 && session.EdgeTraversals[edge] > limit {
			session.pendingFailure = &stageFailure{
				agent:   from,
				message: "edge limit reached for " + edge,
				reason:  envelope.TerminalReasonMaxIterationsExceeded,
			}
			return
		}
	}
	env.CurrentStage = to
}

// evaluateRouting applies the agent's conditional routing rules against its
// output, falling back to DefaultNext. Returns "" when nothing matches.
// Conditions are dot-separated paths into the output map.
func (o *Orchestrator) evaluateRouting(agent *config.AgentConfig, output map[string]any) string {
	for _, rule := range agent.RoutingRules {
		actual, ok := typeutil.GetNestedValue(output, rule.Condition)
		if !ok {
			continue
		}
		if valuesMatch(actual, rule.Value) {
			return rule.Target
		}
	}
	return agent.DefaultNext
}

// nextInOrder returns the stage after the given one in pipeline order, or
// StageEnd past the last stage.
func (o *Orchestrator) nextInOrder(cfg *config.PipelineConfig, stage string) string {
	order := cfg.GetStageOrder()
	for i, name := range order {
		if name == stage {
			if i+1 < len(order) {
				return order[i+1]
			}
			return config.StageEnd
		}
	}
	return config.StageEnd
}

// valuesMatch compares a routing rule value against agent output, treating
// numeric types as equal when their float values match.
func valuesMatch(actual, expected any) bool {
	if actual == expected {
		return true
	}
	af, aok := typeutil.SafeFloat64(actual)
	ef, eok := typeutil.SafeFloat64(expected)
	return aok && eok && af == ef
}

// GetSessionState returns a snapshot of the session for a process.
func (o *Orchestrator) GetSessionState(pid string) (*SessionState, error) {
	session, ok := o.sessions[pid]
	if !ok {
		return nil, Errorf(ErrNotFound, "orchestrator.GetSessionState", "no session for pid %s", pid)
	}
	return snapshotSession(session), nil
}

// ResumeSession moves a waiting session back to running after its interrupt
// has been resolved.
func (o *Orchestrator) ResumeSession(pid string) {
	if session, ok := o.sessions[pid]; ok && session.Phase == SessionWaiting {
		session.Phase = SessionRunning
		session.LastActivityAt = time.Now().UTC()
	}
}

// RemoveSession drops the session for a process.
func (o *Orchestrator) RemoveSession(pid string) {
	delete(o.sessions, pid)
}

// CleanupStaleSessions removes sessions inactive since the cutoff and
// returns the affected pids so the kernel can drop their envelopes.
func (o *Orchestrator) CleanupStaleSessions(cutoff time.Time) []string {
	var removed []string
	for pid, session := range o.sessions {
		if session.LastActivityAt.Before(cutoff) {
			delete(o.sessions, pid)
			removed = append(removed, pid)
		}
	}
	return removed
}

// SessionCount returns the number of live sessions.
func (o *Orchestrator) SessionCount() int {
	return len(o.sessions)
}
