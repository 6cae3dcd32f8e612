package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jeeves-cluster-organization/flowkernel/coreengine/envelope"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/observability"
)

// HandlerFunc handles one decoded method call.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Service routes method names to kernel operations. Register once, then
// Dispatch from any transport.
type Service struct {
	kernel  *kernel.Kernel
	logger  kernel.Logger
	methods map[string]HandlerFunc
}

// NewService creates the call surface over a kernel.
func NewService(k *kernel.Kernel, logger kernel.Logger) *Service {
	if logger == nil {
		logger = kernel.NopLogger{}
	}
	s := &Service{
		kernel:  k,
		logger:  logger,
		methods: make(map[string]HandlerFunc),
	}
	s.registerMethods()
	return s
}

// Methods returns the registered method names.
func (s *Service) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	return names
}

// Dispatch decodes and executes one method call. Context cancellation is
// observed before the kernel is touched; the kernel itself never blocks.
func (s *Service) Dispatch(ctx context.Context, method string, payload json.RawMessage) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, kernel.Errorf(kernel.ErrCancelled, "api.Dispatch", "call cancelled: %v", err)
	}
	handler, ok := s.methods[method]
	if !ok {
		return nil, kernel.Errorf(kernel.ErrNotFound, "api.Dispatch", "unknown method %q", method)
	}

	ctx, span := observability.StartSpan(ctx, "kernel."+method)
	defer span.End()

	started := time.Now()
	result, err := handler(ctx, payload)
	status := "ok"
	if err != nil {
		status = string(kernel.KindOf(err))
		span.RecordError(err)
	}
	observability.RecordRPCRequest(method, status, time.Since(started).Milliseconds())
	return result, err
}

func decode[T any](payload json.RawMessage, op string) (*T, error) {
	var req T
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, kernel.Errorf(kernel.ErrValidation, op, "malformed request: %v", err)
		}
	}
	return &req, nil
}

func (s *Service) registerMethods() {
	m := s.methods

	// Process lifecycle
	m["CreateProcess"] = s.handleCreateProcess
	m["CreateEnvelope"] = s.handleCreateProcess // pid is canonical; the envelope is created with its process
	m["GetProcess"] = s.handleGetProcess
	m["ScheduleProcess"] = s.handleScheduleProcess
	m["GetNextRunnable"] = s.handleGetNextRunnable
	m["TransitionState"] = s.handleTransitionState
	m["TerminateProcess"] = s.handleTerminateProcess
	m["ListProcesses"] = s.handleListProcesses
	m["GetProcessCounts"] = s.handleGetProcessCounts

	// Quota / usage
	m["CheckQuota"] = s.handleCheckQuota
	m["RecordUsage"] = s.handleRecordUsage
	m["AdjustQuota"] = s.handleAdjustQuota
	m["GetRemainingBudget"] = s.handleGetRemainingBudget
	m["GetUserUsage"] = s.handleGetUserUsage

	// Rate limiting
	m["CheckRateLimit"] = s.handleCheckRateLimit
	m["GetRateLimitUsage"] = s.handleGetRateLimitUsage

	// Envelopes
	m["GetEnvelope"] = s.handleGetEnvelope
	m["CloneEnvelope"] = s.handleGetEnvelope
	m["UpdateEnvelope"] = s.handleUpdateEnvelope
	m["CheckBounds"] = s.handleCheckBounds

	// Orchestration
	m["InitializeSession"] = s.handleInitializeSession
	m["ExecutePipeline"] = s.handleInitializeSession
	m["GetNextInstruction"] = s.handleGetNextInstruction
	m["ReportAgentResult"] = s.handleReportAgentResult
	m["GetSessionState"] = s.handleGetSessionState

	// Interrupts
	m["CreateInterrupt"] = s.handleCreateInterrupt
	m["ResolveInterrupt"] = s.handleResolveInterrupt
	m["CancelInterrupt"] = s.handleCancelInterrupt
	m["GetInterrupt"] = s.handleGetInterrupt
	m["GetPendingForSession"] = s.handleGetPendingForSession

	// Status
	m["GetSystemStatus"] = s.handleGetSystemStatus
	m["GetRequestStatus"] = s.handleGetRequestStatus
}

// =============================================================================
// Process handlers
// =============================================================================

func (s *Service) handleCreateProcess(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[CreateProcessRequest](payload, "api.CreateProcess")
	if err != nil {
		return nil, err
	}
	priority := kernel.SchedulingPriority(req.Priority)
	return s.kernel.CreateProcess(req.ProcessID, req.RequestID, req.UserID, req.SessionID, req.RawInput, priority, req.Quota)
}

func (s *Service) handleGetProcess(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[ProcessRequest](payload, "api.GetProcess")
	if err != nil {
		return nil, err
	}
	return s.kernel.GetProcess(req.ProcessID)
}

func (s *Service) handleScheduleProcess(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[ProcessRequest](payload, "api.ScheduleProcess")
	if err != nil {
		return nil, err
	}
	if err := s.kernel.ScheduleProcess(req.ProcessID); err != nil {
		return nil, err
	}
	return s.kernel.GetProcess(req.ProcessID)
}

func (s *Service) handleGetNextRunnable(ctx context.Context, payload json.RawMessage) (any, error) {
	pcb, err := s.kernel.GetNextRunnable()
	if err != nil {
		return nil, err
	}
	if pcb == nil {
		return map[string]any{"process": nil}, nil
	}
	return pcb, nil
}

func (s *Service) handleTransitionState(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[TransitionStateRequest](payload, "api.TransitionState")
	if err != nil {
		return nil, err
	}
	if err := s.kernel.TransitionState(req.ProcessID, kernel.ProcessState(req.NewState)); err != nil {
		return nil, err
	}
	return s.kernel.GetProcess(req.ProcessID)
}

func (s *Service) handleTerminateProcess(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[TerminateProcessRequest](payload, "api.TerminateProcess")
	if err != nil {
		return nil, err
	}
	reason := envelope.TerminalReason(req.Reason)
	if req.Reason == "" {
		reason = envelope.TerminalReasonUserCancelled
	}
	if err := s.kernel.TerminateProcess(req.ProcessID, reason, req.Detail, req.Force); err != nil {
		return nil, err
	}
	return s.kernel.GetProcess(req.ProcessID)
}

func (s *Service) handleListProcesses(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[ListProcessesRequest](payload, "api.ListProcesses")
	if err != nil {
		return nil, err
	}
	var state *kernel.ProcessState
	if req.State != "" {
		st := kernel.ProcessState(req.State)
		state = &st
	}
	return &ListProcessesResponse{Processes: s.kernel.ListProcesses(state, req.UserID)}, nil
}

func (s *Service) handleGetProcessCounts(ctx context.Context, payload json.RawMessage) (any, error) {
	counts := s.kernel.GetProcessCounts()
	out := make(map[string]int, len(counts))
	total := 0
	for state, n := range counts {
		out[string(state)] = n
		total += n
	}
	return &ProcessCountsResponse{Counts: out, Total: total}, nil
}

// =============================================================================
// Quota / usage handlers
// =============================================================================

func (s *Service) handleCheckQuota(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[ProcessRequest](payload, "api.CheckQuota")
	if err != nil {
		return nil, err
	}
	violation, err := s.kernel.CheckQuota(req.ProcessID)
	if err != nil {
		return nil, err
	}
	return &CheckQuotaResponse{
		ProcessID:    req.ProcessID,
		WithinBounds: violation == "",
		Violation:    violation,
	}, nil
}

func (s *Service) handleRecordUsage(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[RecordUsageRequest](payload, "api.RecordUsage")
	if err != nil {
		return nil, err
	}
	if err := s.kernel.RecordUsage(req.ProcessID, req.Delta); err != nil {
		return nil, err
	}
	return s.kernel.GetProcess(req.ProcessID)
}

func (s *Service) handleAdjustQuota(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[AdjustQuotaRequest](payload, "api.AdjustQuota")
	if err != nil {
		return nil, err
	}
	if err := s.kernel.AdjustQuota(req.ProcessID, req.Quota); err != nil {
		return nil, err
	}
	return s.kernel.GetProcess(req.ProcessID)
}

func (s *Service) handleGetRemainingBudget(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[ProcessRequest](payload, "api.GetRemainingBudget")
	if err != nil {
		return nil, err
	}
	remaining, err := s.kernel.GetRemainingBudget(req.ProcessID)
	if err != nil {
		return nil, err
	}
	return &RemainingBudgetResponse{ProcessID: req.ProcessID, Remaining: remaining}, nil
}

func (s *Service) handleGetUserUsage(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[UserRequest](payload, "api.GetUserUsage")
	if err != nil {
		return nil, err
	}
	return s.kernel.GetUserUsage(req.UserID)
}

// =============================================================================
// Rate limit handlers
// =============================================================================

func (s *Service) handleCheckRateLimit(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[CheckRateLimitRequest](payload, "api.CheckRateLimit")
	if err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, kernel.Errorf(kernel.ErrValidation, "api.CheckRateLimit", "user_id is required")
	}
	result := s.kernel.CheckRateLimit(req.UserID, req.Record)
	if !result.Allowed {
		observability.RecordRateLimitRejection(result.LimitType)
	}
	return result, nil
}

func (s *Service) handleGetRateLimitUsage(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[UserRequest](payload, "api.GetRateLimitUsage")
	if err != nil {
		return nil, err
	}
	return s.kernel.GetRateLimitUsage(req.UserID), nil
}

// =============================================================================
// Envelope handlers
// =============================================================================

func (s *Service) handleGetEnvelope(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[ProcessRequest](payload, "api.GetEnvelope")
	if err != nil {
		return nil, err
	}
	return s.kernel.GetEnvelope(req.ProcessID)
}

func (s *Service) handleUpdateEnvelope(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[UpdateEnvelopeRequest](payload, "api.UpdateEnvelope")
	if err != nil {
		return nil, err
	}
	if err := s.kernel.UpdateEnvelope(req.Envelope); err != nil {
		return nil, err
	}
	return &BoolResponse{Success: true}, nil
}

func (s *Service) handleCheckBounds(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[ProcessRequest](payload, "api.CheckBounds")
	if err != nil {
		return nil, err
	}
	within, reason, err := s.kernel.CheckBounds(req.ProcessID)
	if err != nil {
		return nil, err
	}
	return &CheckBoundsResponse{
		ProcessID:    req.ProcessID,
		WithinBounds: within,
		Reason:       string(reason),
	}, nil
}

// =============================================================================
// Orchestration handlers
// =============================================================================

func (s *Service) handleInitializeSession(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[InitializeSessionRequest](payload, "api.InitializeSession")
	if err != nil {
		return nil, err
	}
	return s.kernel.InitializeSession(req.ProcessID, req.Pipeline, req.Force)
}

func (s *Service) handleGetNextInstruction(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[ProcessRequest](payload, "api.GetNextInstruction")
	if err != nil {
		return nil, err
	}
	instruction, err := s.kernel.GetNextInstruction(req.ProcessID)
	if err != nil {
		return nil, err
	}
	observability.RecordInstruction(string(instruction.Kind))
	return instruction, nil
}

func (s *Service) handleReportAgentResult(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[ReportAgentResultRequest](payload, "api.ReportAgentResult")
	if err != nil {
		return nil, err
	}
	return s.kernel.ReportAgentResult(req.ProcessID, req.AgentName, req.Output, req.Metrics, req.Success, req.Error)
}

func (s *Service) handleGetSessionState(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[ProcessRequest](payload, "api.GetSessionState")
	if err != nil {
		return nil, err
	}
	return s.kernel.GetSessionState(req.ProcessID)
}

// =============================================================================
// Interrupt handlers
// =============================================================================

func (s *Service) handleCreateInterrupt(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[CreateInterruptRequest](payload, "api.CreateInterrupt")
	if err != nil {
		return nil, err
	}
	var opts []kernel.InterruptOption
	if req.Question != "" {
		opts = append(opts, kernel.WithQuestion(req.Question))
	}
	if len(req.Options) > 0 {
		opts = append(opts, kernel.WithOptions(req.Options))
	}
	if req.Context != nil {
		opts = append(opts, kernel.WithContext(req.Context))
	}
	if req.RaisedBy != "" {
		opts = append(opts, kernel.WithRaisedBy(req.RaisedBy))
	}
	if req.TTLSec > 0 {
		opts = append(opts, kernel.WithExpiry(time.Duration(req.TTLSec)*time.Second))
	}
	ki, err := s.kernel.CreateInterrupt(req.ProcessID, envelope.InterruptKind(req.Kind), opts...)
	if err != nil {
		return nil, err
	}
	observability.RecordInterrupt(req.Kind, "created")
	return ki, nil
}

func (s *Service) handleResolveInterrupt(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[ResolveInterruptRequest](payload, "api.ResolveInterrupt")
	if err != nil {
		return nil, err
	}
	// Success is reported in-band; a second resolve is false, never an error.
	ok := s.kernel.ResolveInterrupt(req.InterruptID, req.Response, req.Approved, req.Payload, req.RespondedBy)
	return &BoolResponse{Success: ok}, nil
}

func (s *Service) handleCancelInterrupt(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[CancelInterruptRequest](payload, "api.CancelInterrupt")
	if err != nil {
		return nil, err
	}
	ok := s.kernel.CancelInterrupt(req.InterruptID, req.Reason)
	return &BoolResponse{Success: ok}, nil
}

func (s *Service) handleGetInterrupt(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[InterruptRequest](payload, "api.GetInterrupt")
	if err != nil {
		return nil, err
	}
	return s.kernel.GetInterrupt(req.InterruptID)
}

func (s *Service) handleGetPendingForSession(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[PendingInterruptsRequest](payload, "api.GetPendingForSession")
	if err != nil {
		return nil, err
	}
	kinds := make([]envelope.InterruptKind, 0, len(req.Kinds))
	for _, k := range req.Kinds {
		kinds = append(kinds, envelope.InterruptKind(k))
	}
	return &PendingInterruptsResponse{Interrupts: s.kernel.GetPendingInterrupts(req.SessionID, kinds)}, nil
}

// =============================================================================
// Status handlers
// =============================================================================

func (s *Service) handleGetSystemStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	return s.kernel.GetSystemStatus(), nil
}

func (s *Service) handleGetRequestStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[ProcessRequest](payload, "api.GetRequestStatus")
	if err != nil {
		return nil, err
	}
	return s.kernel.GetRequestStatus(req.ProcessID)
}
