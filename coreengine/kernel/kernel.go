package kernel

import (
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/flowkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/envelope"
)

// Kernel is the single composition root. It exclusively owns the PCB table,
// the envelope table, the rate-limiter windows, and the interrupt table.
// Every mutating call acquires one exclusive lock around the whole kernel,
// so calls are strictly serialized: no partial interleaving of two
// mutations is observable, and cross-subsystem invariants (terminating a
// process also terminates its envelope) hold atomically.
//
// Calls never block on external I/O while holding the lock; the kernel
// performs no blocking waits of its own.
type Kernel struct {
	mu sync.Mutex

	config       *config.KernelConfig
	logger       Logger
	lifecycle    *LifecycleManager
	resources    *ResourceTracker
	rateLimiter  *RateLimiter
	interrupts   *InterruptService
	orchestrator *Orchestrator
	envelopes    map[string]*envelope.Envelope

	eventMu       sync.RWMutex
	eventHandlers []func(*KernelEvent)

	startedAt time.Time
}

// NewKernel creates a kernel with the given runtime configuration.
func NewKernel(cfg *config.KernelConfig, logger Logger) *Kernel {
	if cfg == nil {
		cfg = config.DefaultKernelConfig()
	}
	if logger == nil {
		logger = NopLogger{}
	}

	defaultQuota := DefaultQuota()
	defaultQuota.MaxLLMCalls = cfg.DefaultMaxLLMCalls
	defaultQuota.MaxToolCalls = cfg.DefaultMaxToolCalls
	defaultQuota.MaxAgentHops = cfg.DefaultMaxAgentHops
	defaultQuota.MaxIterations = cfg.DefaultMaxIterations
	defaultQuota.TimeoutSeconds = cfg.DefaultTimeoutSec

	return &Kernel{
		config:    cfg,
		logger:    logger,
		lifecycle: NewLifecycleManager(defaultQuota),
		resources: NewResourceTracker(logger),
		rateLimiter: NewRateLimiter(&RateLimitConfig{
			RequestsPerMinute: cfg.RequestsPerMinute,
			RequestsPerHour:   cfg.RequestsPerHour,
			BurstSize:         cfg.BurstSize,
		}),
		interrupts:   NewInterruptService(logger),
		orchestrator: NewOrchestrator(logger),
		envelopes:    make(map[string]*envelope.Envelope),
		startedAt:    time.Now().UTC(),
	}
}

// =============================================================================
// Events
// =============================================================================

// OnEvent registers a handler for kernel events. Handlers run synchronously
// on the emitting call and must not call back into the kernel.
func (k *Kernel) OnEvent(handler func(*KernelEvent)) {
	k.eventMu.Lock()
	defer k.eventMu.Unlock()
	k.eventHandlers = append(k.eventHandlers, handler)
}

func (k *Kernel) emitEvent(evt *KernelEvent) {
	k.eventMu.RLock()
	handlers := k.eventHandlers
	k.eventMu.RUnlock()
	for _, handler := range handlers {
		handler(evt)
	}
}

// =============================================================================
// Process Lifecycle
// =============================================================================

// CreateProcess submits a new process and creates its envelope. The process
// id is the canonical identity; the envelope shares it.
func (k *Kernel) CreateProcess(pid, requestID, userID, sessionID, rawInput string, priority SchedulingPriority, quota *ResourceQuota) (*ProcessControlBlock, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecuteWithResult(k.logger, "create_process", func() (*ProcessControlBlock, error) {
		pcb, err := k.lifecycle.Submit(pid, requestID, userID, sessionID, priority, quota)
		if err != nil {
			return nil, err
		}
		k.envelopes[pid] = envelope.New(pid, requestID, userID, sessionID, rawInput)
		k.resources.RecordUserProcess(userID)

		k.logger.Info("process_created",
			"pid", pid,
			"user_id", userID,
			"priority", string(pcb.Priority))
		k.emitEvent(ProcessCreatedEvent(pcb))
		return pcb.Clone(), nil
	})
}

// GetProcess returns a copy of the PCB for a process.
func (k *Kernel) GetProcess(pid string) (*ProcessControlBlock, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	pcb, err := k.lifecycle.GetProcess(pid)
	if err != nil {
		return nil, err
	}
	return pcb.Clone(), nil
}

// ScheduleProcess moves a process into the ready queue.
func (k *Kernel) ScheduleProcess(pid string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecute(k.logger, "schedule_process", func() error {
		return k.lifecycle.Schedule(pid)
	})
}

// GetNextRunnable pops the highest-priority ready process and marks it
// running. Returns nil when nothing is runnable.
func (k *Kernel) GetNextRunnable() (*ProcessControlBlock, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecuteWithResult(k.logger, "get_next_runnable", func() (*ProcessControlBlock, error) {
		pcb := k.lifecycle.GetNextRunnable()
		if pcb == nil {
			return nil, nil
		}
		k.logger.Debug("process_scheduled", "pid", pcb.PID, "priority", string(pcb.Priority))
		return pcb.Clone(), nil
	})
}

// TransitionState moves a process to a new lifecycle state.
func (k *Kernel) TransitionState(pid string, newState ProcessState) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecute(k.logger, "transition_state", func() error {
		pcb, err := k.lifecycle.GetProcess(pid)
		if err != nil {
			return err
		}
		oldState := pcb.State
		if err := k.lifecycle.TransitionState(pid, newState); err != nil {
			return err
		}
		k.emitEvent(ProcessStateChangedEvent(pcb, oldState))
		return nil
	})
}

// BlockProcess moves a running process to BLOCKED with a reason.
func (k *Kernel) BlockProcess(pid, reason string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecute(k.logger, "block_process", func() error {
		pcb, err := k.lifecycle.GetProcess(pid)
		if err != nil {
			return err
		}
		if !IsValidTransition(pcb.State, ProcessStateBlocked) {
			return Errorf(ErrStateTransition, "kernel.BlockProcess", "invalid transition %s -> blocked for pid %s", pcb.State, pid)
		}
		oldState := pcb.State
		pcb.Block(reason)
		k.emitEvent(ProcessStateChangedEvent(pcb, oldState))
		return nil
	})
}

// TerminateProcess ends a process. Cross-subsystem: the PCB moves to
// TERMINATED and the envelope is terminated with the given reason in the
// same locked operation.
func (k *Kernel) TerminateProcess(pid string, reason envelope.TerminalReason, detail string, force bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecute(k.logger, "terminate_process", func() error {
		if !reason.IsValid() {
			return Errorf(ErrValidation, "kernel.TerminateProcess", "unknown terminal reason %q", reason)
		}
		pcb, err := k.lifecycle.GetProcess(pid)
		if err != nil {
			return err
		}
		if err := k.lifecycle.Terminate(pid, force); err != nil {
			return err
		}
		if env, ok := k.envelopes[pid]; ok {
			env.Terminate(reason, detail)
		}

		k.logger.Info("process_terminated",
			"pid", pid,
			"reason", string(reason),
			"force", force)
		k.emitEvent(ProcessTerminatedEvent(pcb, string(reason)))
		return nil
	})
}

// ListProcesses returns PCB copies matching the optional filters.
func (k *Kernel) ListProcesses(state *ProcessState, userID string) []*ProcessControlBlock {
	k.mu.Lock()
	defer k.mu.Unlock()
	pcbs := k.lifecycle.ListProcesses(state, userID)
	out := make([]*ProcessControlBlock, len(pcbs))
	for i, pcb := range pcbs {
		out[i] = pcb.Clone()
	}
	return out
}

// GetProcessCounts returns the count of processes by state.
func (k *Kernel) GetProcessCounts() map[ProcessState]int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lifecycle.ProcessCounts()
}

// =============================================================================
// Quota and Usage
// =============================================================================

// CheckQuota evaluates a process's usage against its quota. Returns the
// first violated dimension, or "" when within bounds. Elapsed time is
// recomputed live for a started-but-unfinished process.
func (k *Kernel) CheckQuota(pid string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecuteWithResult(k.logger, "check_quota", func() (string, error) {
		pcb, err := k.lifecycle.GetProcess(pid)
		if err != nil {
			return "", err
		}
		violation := k.resources.CheckQuota(pcb)
		if violation != "" {
			k.emitEvent(ResourceExhaustedEvent(pcb, violation))
		}
		return violation, nil
	})
}

// RecordUsage applies usage deltas to a process and mirrors the LLM/tool
// portions into the per-user aggregate. Negative deltas are rejected.
func (k *Kernel) RecordUsage(pid string, delta ResourceUsage) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecute(k.logger, "record_usage", func() error {
		pcb, err := k.lifecycle.GetProcess(pid)
		if err != nil {
			return err
		}
		if pcb.IsTerminated() {
			return Errorf(ErrStateTransition, "kernel.RecordUsage", "pid %s already terminated", pid)
		}
		if err := k.resources.RecordProcessUsage(pcb, delta); err != nil {
			return err
		}
		return k.resources.RecordUserUsage(pcb.UserID, delta.LLMCalls, delta.ToolCalls, delta.TokensIn, delta.TokensOut)
	})
}

// RecordLLMCall records one LLM call with token counts for a process.
func (k *Kernel) RecordLLMCall(pid string, tokensIn, tokensOut int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecute(k.logger, "record_llm_call", func() error {
		if tokensIn < 0 || tokensOut < 0 {
			return Errorf(ErrValidation, "kernel.RecordLLMCall", "negative token delta for pid %s", pid)
		}
		pcb, err := k.lifecycle.GetProcess(pid)
		if err != nil {
			return err
		}
		pcb.RecordLLMCall(tokensIn, tokensOut)
		return k.resources.RecordUserUsage(pcb.UserID, 1, 0, tokensIn, tokensOut)
	})
}

// RecordToolCall records one tool call for a process.
func (k *Kernel) RecordToolCall(pid string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecute(k.logger, "record_tool_call", func() error {
		pcb, err := k.lifecycle.GetProcess(pid)
		if err != nil {
			return err
		}
		pcb.RecordToolCall()
		return k.resources.RecordUserUsage(pcb.UserID, 0, 1, 0, 0)
	})
}

// GetRemainingBudget reports per-dimension headroom for a process.
func (k *Kernel) GetRemainingBudget(pid string) (map[string]int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	pcb, err := k.lifecycle.GetProcess(pid)
	if err != nil {
		return nil, err
	}
	return RemainingBudget(pcb), nil
}

// AdjustQuota replaces the quota of a live process, e.g. after an approved
// budget-extension interrupt.
func (k *Kernel) AdjustQuota(pid string, quota *ResourceQuota) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecute(k.logger, "adjust_quota", func() error {
		if quota == nil {
			return Errorf(ErrValidation, "kernel.AdjustQuota", "quota is required")
		}
		pcb, err := k.lifecycle.GetProcess(pid)
		if err != nil {
			return err
		}
		if pcb.IsTerminated() {
			return Errorf(ErrStateTransition, "kernel.AdjustQuota", "pid %s already terminated", pid)
		}
		pcb.Quota = quota.Clone()
		k.logger.Info("quota_adjusted", "pid", pid)
		return nil
	})
}

// GetUserUsage returns the cross-process aggregate for a user.
func (k *Kernel) GetUserUsage(userID string) (*UserUsage, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	usage := k.resources.GetUserUsage(userID)
	if usage == nil {
		return nil, Errorf(ErrNotFound, "kernel.GetUserUsage", "no usage for user %s", userID)
	}
	return usage, nil
}

// =============================================================================
// Rate Limiting
// =============================================================================

// CheckRateLimit runs sliding-window admission for a user. With record=true
// an allowed request is counted; record=false is a dry run.
func (k *Kernel) CheckRateLimit(userID string, record bool) *RateLimitResult {
	k.mu.Lock()
	defer k.mu.Unlock()
	result := k.rateLimiter.Check(userID, record)
	if !result.Allowed {
		k.logger.Warn("rate_limit_exceeded",
			"user_id", userID,
			"limit_type", result.LimitType,
			"current", result.Current,
			"limit", result.Limit)
	}
	return result
}

// GetRateLimitUsage returns a snapshot of a user's window counts.
func (k *Kernel) GetRateLimitUsage(userID string) *RateLimitUsage {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rateLimiter.Usage(userID)
}

// SetUserRateLimit installs per-user ceilings overriding the defaults.
func (k *Kernel) SetUserRateLimit(userID string, cfg *RateLimitConfig) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rateLimiter.SetUserConfig(userID, cfg)
}

// =============================================================================
// Envelopes
// =============================================================================

// GetEnvelope returns a deep copy of a process's envelope.
func (k *Kernel) GetEnvelope(pid string) (*envelope.Envelope, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	env, ok := k.envelopes[pid]
	if !ok {
		return nil, Errorf(ErrNotFound, "kernel.GetEnvelope", "no envelope for pid %s", pid)
	}
	return env.Clone(), nil
}

// CloneEnvelope is an alias of GetEnvelope kept for API symmetry.
func (k *Kernel) CloneEnvelope(pid string) (*envelope.Envelope, error) {
	return k.GetEnvelope(pid)
}

// UpdateEnvelope replaces a stored envelope with a caller-modified copy.
// The envelope id must match an existing process; a terminated envelope
// cannot be replaced.
func (k *Kernel) UpdateEnvelope(env *envelope.Envelope) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecute(k.logger, "update_envelope", func() error {
		if env == nil || env.EnvelopeID == "" {
			return Errorf(ErrValidation, "kernel.UpdateEnvelope", "envelope with id is required")
		}
		stored, ok := k.envelopes[env.EnvelopeID]
		if !ok {
			return Errorf(ErrNotFound, "kernel.UpdateEnvelope", "no envelope for pid %s", env.EnvelopeID)
		}
		if stored.Terminated {
			return Errorf(ErrStateTransition, "kernel.UpdateEnvelope", "envelope %s already terminated", env.EnvelopeID)
		}
		k.envelopes[env.EnvelopeID] = env.Clone()
		return nil
	})
}

// CheckBounds reports whether a process's envelope is within its execution
// bounds; when not, the first breached bound's terminal reason is returned.
func (k *Kernel) CheckBounds(pid string) (bool, envelope.TerminalReason, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	env, ok := k.envelopes[pid]
	if !ok {
		return false, "", Errorf(ErrNotFound, "kernel.CheckBounds", "no envelope for pid %s", pid)
	}
	within, reason := env.CanContinue()
	return within, reason, nil
}

// =============================================================================
// Orchestration
// =============================================================================

// InitializeSession binds a pipeline to a process's envelope.
func (k *Kernel) InitializeSession(pid string, cfg *config.PipelineConfig, force bool) (*SessionState, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecuteWithResult(k.logger, "initialize_session", func() (*SessionState, error) {
		env, ok := k.envelopes[pid]
		if !ok {
			return nil, Errorf(ErrNotFound, "kernel.InitializeSession", "no envelope for pid %s", pid)
		}
		return k.orchestrator.InitializeSession(pid, cfg, env, force)
	})
}

// GetNextInstruction computes the next step for a process. When the verdict
// is Terminate, the PCB is terminated in the same locked operation.
func (k *Kernel) GetNextInstruction(pid string) (*Instruction, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecuteWithResult(k.logger, "get_next_instruction", func() (*Instruction, error) {
		instruction, err := k.orchestrator.GetNextInstruction(pid)
		if err != nil {
			return nil, err
		}
		if instruction.Kind == InstructionTerminate {
			if pcb, perr := k.lifecycle.GetProcess(pid); perr == nil && !pcb.IsTerminated() {
				if terr := k.lifecycle.Terminate(pid, true); terr == nil {
					k.emitEvent(ProcessTerminatedEvent(pcb, string(instruction.TerminalReason)))
				}
			}
		}
		return instruction, nil
	})
}

// ReportAgentResult records a worker's result against a process.
func (k *Kernel) ReportAgentResult(pid, agentName string, output map[string]any, metrics AgentExecutionMetrics, success bool, errMsg string) (*SessionState, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecuteWithResult(k.logger, "report_agent_result", func() (*SessionState, error) {
		if metrics.LLMCalls < 0 || metrics.ToolCalls < 0 || metrics.TokensIn < 0 ||
			metrics.TokensOut < 0 || metrics.DurationMS < 0 {
			return nil, Errorf(ErrValidation, "kernel.ReportAgentResult", "negative metrics for pid %s", pid)
		}
		state, err := k.orchestrator.ReportAgentResult(pid, agentName, output, metrics, success, errMsg)
		if err != nil {
			return nil, err
		}
		if pcb, perr := k.lifecycle.GetProcess(pid); perr == nil {
			pcb.Usage.LLMCalls += metrics.LLMCalls
			pcb.Usage.ToolCalls += metrics.ToolCalls
			pcb.Usage.AgentHops++
			pcb.Usage.TokensIn += int(metrics.TokensIn)
			pcb.Usage.TokensOut += int(metrics.TokensOut)
			if uerr := k.resources.RecordUserUsage(pcb.UserID, metrics.LLMCalls, metrics.ToolCalls, int(metrics.TokensIn), int(metrics.TokensOut)); uerr != nil {
				return nil, uerr
			}
		}
		return state, nil
	})
}

// GetSessionState returns a snapshot of a process's orchestration session.
func (k *Kernel) GetSessionState(pid string) (*SessionState, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.orchestrator.GetSessionState(pid)
}

// =============================================================================
// Interrupts
// =============================================================================

// CreateInterrupt raises a human-in-the-loop interrupt for a process.
// Cross-subsystem: the interrupt is stamped onto the envelope and a running
// process moves to WAITING, all in one locked operation.
func (k *Kernel) CreateInterrupt(pid string, kind envelope.InterruptKind, opts ...InterruptOption) (*KernelInterrupt, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SafeExecuteWithResult(k.logger, "create_interrupt", func() (*KernelInterrupt, error) {
		pcb, err := k.lifecycle.GetProcess(pid)
		if err != nil {
			return nil, err
		}
		env, ok := k.envelopes[pid]
		if !ok {
			return nil, Errorf(ErrNotFound, "kernel.CreateInterrupt", "no envelope for pid %s", pid)
		}
		if env.InterruptPending {
			return nil, Errorf(ErrValidation, "kernel.CreateInterrupt", "pid %s already has a pending interrupt", pid)
		}

		ki, err := k.interrupts.Create(kind, pid, pcb.RequestID, pcb.UserID, pcb.SessionID, opts...)
		if err != nil {
			return nil, err
		}
		if err := env.SetInterrupt(ki.FlowInterrupt); err != nil {
			return nil, Errorf(ErrValidation, "kernel.CreateInterrupt", "%v", err)
		}
		if pcb.State == ProcessStateRunning {
			pcb.Wait(kind)
		}

		k.emitEvent(InterruptRaisedEvent(pcb, kind, map[string]any{"interrupt_id": ki.InterruptID}))
		return ki, nil
	})
}

// CreateClarification raises a clarification interrupt asking the human a
// free-form question.
func (k *Kernel) CreateClarification(pid, question string, context map[string]any, raisedBy string) (*KernelInterrupt, error) {
	opts := []InterruptOption{WithQuestion(question), WithRaisedBy(raisedBy)}
	if context != nil {
		opts = append(opts, WithContext(context))
	}
	return k.CreateInterrupt(pid, envelope.InterruptKindClarification, opts...)
}

// CreateConfirmation raises a confirmation interrupt presenting a fixed set
// of choices.
func (k *Kernel) CreateConfirmation(pid, question string, options []string, raisedBy string) (*KernelInterrupt, error) {
	opts := []InterruptOption{WithQuestion(question), WithRaisedBy(raisedBy)}
	if len(options) > 0 {
		opts = append(opts, WithOptions(options))
	}
	return k.CreateInterrupt(pid, envelope.InterruptKindConfirmation, opts...)
}

// CreateBudgetExtension raises a budget-extension interrupt after a quota
// dimension runs out, carrying the dimension name for the approver.
func (k *Kernel) CreateBudgetExtension(pid, dimension string, raisedBy string) (*KernelInterrupt, error) {
	return k.CreateInterrupt(pid, envelope.InterruptKindBudgetExtension,
		WithQuestion(fmt.Sprintf("Resource budget exhausted: %s. Extend?", dimension)),
		WithContext(map[string]any{"dimension": dimension}),
		WithRaisedBy(raisedBy),
	)
}

// ResolveInterrupt attaches a response and resumes the owning process.
// Returns true only on the first resolution of a pending id; never errors.
func (k *Kernel) ResolveInterrupt(interruptID, response string, approved *bool, payload map[string]any, respondedBy string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	ki, ok := k.interrupts.Resolve(interruptID, response, approved, payload, respondedBy)
	if !ok {
		return false
	}
	k.settleInterrupt(ki, func(env *envelope.Envelope) {
		env.ResolveInterrupt(ki.Response)
	})
	return true
}

// CancelInterrupt cancels a pending interrupt with a reason and resumes the
// owning process. Same success semantics as ResolveInterrupt.
func (k *Kernel) CancelInterrupt(interruptID, reason string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	ki, ok := k.interrupts.Cancel(interruptID, reason)
	if !ok {
		return false
	}
	k.settleInterrupt(ki, func(env *envelope.Envelope) {
		env.ClearInterrupt()
	})
	return true
}

// settleInterrupt applies the envelope-side effect of a resolved or
// cancelled interrupt and moves the waiting process back to READY.
func (k *Kernel) settleInterrupt(ki *KernelInterrupt, applyEnv func(*envelope.Envelope)) {
	if env, ok := k.envelopes[ki.ProcessID]; ok {
		applyEnv(env)
	}
	if pcb, err := k.lifecycle.GetProcess(ki.ProcessID); err == nil && pcb.State == ProcessStateWaiting {
		if err := k.lifecycle.TransitionState(ki.ProcessID, ProcessStateReady); err == nil {
			pcb.PendingInterrupt = nil
		}
	}
	k.orchestrator.ResumeSession(ki.ProcessID)
}

// GetInterrupt returns an interrupt by id.
func (k *Kernel) GetInterrupt(interruptID string) (*KernelInterrupt, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interrupts.Get(interruptID)
}

// GetPendingInterrupts returns pending interrupts for a session in creation
// order, optionally filtered by kind.
func (k *Kernel) GetPendingInterrupts(sessionID string, kinds []envelope.InterruptKind) []*KernelInterrupt {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interrupts.GetPendingForSession(sessionID, kinds)
}

// =============================================================================
// Cleanup Phases
// =============================================================================

// CleanupZombies runs two-phase process reclamation: terminated processes
// past the retention window become zombies, and existing zombies are reaped
// together with their envelopes. Returns (buried, reaped).
func (k *Kernel) CleanupZombies(retention time.Duration) (int, int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now().UTC()
	reaped := k.lifecycle.ReapZombies()
	for _, pid := range reaped {
		delete(k.envelopes, pid)
		k.orchestrator.RemoveSession(pid)
	}
	buried := k.lifecycle.MarkZombies(now.Add(-retention))

	if len(buried) > 0 || len(reaped) > 0 {
		k.logger.Debug("zombies_cleaned", "buried", len(buried), "reaped", len(reaped))
	}
	return len(buried), len(reaped)
}

// CleanupSessions removes orchestration sessions inactive past the
// retention window, dropping their envelopes as well.
func (k *Kernel) CleanupSessions(retention time.Duration) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	removed := k.orchestrator.CleanupStaleSessions(time.Now().UTC().Add(-retention))
	for _, pid := range removed {
		if pcb, err := k.lifecycle.GetProcess(pid); err == nil && pcb.IsTerminated() {
			delete(k.envelopes, pid)
		}
	}
	if len(removed) > 0 {
		k.logger.Debug("stale_sessions_cleaned", "count", len(removed))
	}
	return len(removed)
}

// CleanupInterrupts expires overdue pending interrupts (resuming their
// processes) and purges settled interrupts past the retention window.
func (k *Kernel) CleanupInterrupts(retention time.Duration) (int, int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now().UTC()
	expired := k.interrupts.ExpirePending(now)
	for _, ki := range expired {
		k.settleInterrupt(ki, func(env *envelope.Envelope) {
			env.ClearInterrupt()
		})
	}
	purged := k.interrupts.CleanupResolved(now.Add(-retention))
	return len(expired), purged
}

// CleanupUsage drops fully-expired rate-limit windows and stale per-user
// usage aggregates.
func (k *Kernel) CleanupUsage(retention time.Duration) (int, int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now().UTC()
	windows := k.rateLimiter.CleanupExpired(now)
	users := k.resources.CleanupStaleUsers(now.Add(-retention))
	return windows, users
}

// =============================================================================
// Status and Shutdown
// =============================================================================

// GetSystemStatus returns a point-in-time view of kernel health.
func (k *Kernel) GetSystemStatus() map[string]any {
	k.mu.Lock()
	defer k.mu.Unlock()

	counts := k.lifecycle.ProcessCounts()
	stateCounts := make(map[string]int, len(counts))
	for state, n := range counts {
		stateCounts[string(state)] = n
	}
	return map[string]any{
		"uptime_seconds":     time.Since(k.startedAt).Seconds(),
		"processes_total":    k.lifecycle.TotalProcesses(),
		"processes_by_state": stateCounts,
		"queue_depth":        k.lifecycle.QueueDepth(),
		"envelopes":          len(k.envelopes),
		"sessions":           k.orchestrator.SessionCount(),
		"pending_interrupts": k.interrupts.PendingCount(),
		"tracked_users":      k.resources.UserCount(),
		"rate_limit_windows": k.rateLimiter.WindowCount(),
	}
}

// GetRequestStatus returns a combined PCB/envelope/session view for one
// process.
func (k *Kernel) GetRequestStatus(pid string) (map[string]any, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	pcb, err := k.lifecycle.GetProcess(pid)
	if err != nil {
		return nil, err
	}
	status := map[string]any{
		"pid":        pcb.PID,
		"request_id": pcb.RequestID,
		"user_id":    pcb.UserID,
		"state":      string(pcb.State),
		"priority":   string(pcb.Priority),
		"usage":      pcb.Usage.Clone(),
		"created_at": pcb.CreatedAt,
	}
	if env, ok := k.envelopes[pid]; ok {
		status["current_stage"] = env.CurrentStage
		status["iteration"] = env.Iteration
		status["terminated"] = env.Terminated
		status["interrupt_pending"] = env.InterruptPending
		if env.Terminated {
			status["result"] = env.ResultDict()
		}
	}
	if state, serr := k.orchestrator.GetSessionState(pid); serr == nil {
		status["session_phase"] = string(state.Phase)
	}
	return status, nil
}

// Shutdown terminates every non-terminal process with the given reason.
// Called once by the entrypoint during graceful shutdown.
func (k *Kernel) Shutdown(detail string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, pcb := range k.lifecycle.ListProcesses(nil, "") {
		if pcb.IsTerminated() {
			continue
		}
		if err := k.lifecycle.Terminate(pcb.PID, true); err != nil {
			k.logger.Error("shutdown_terminate_failed", "pid", pcb.PID, "error", err)
			continue
		}
		if env, ok := k.envelopes[pcb.PID]; ok {
			env.Terminate(envelope.TerminalReasonUserCancelled, detail)
		}
	}
	k.logger.Info("kernel_shutdown", "detail", detail)
}
