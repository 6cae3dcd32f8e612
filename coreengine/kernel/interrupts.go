package kernel

import (
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/flowkernel/coreengine/envelope"
)

// =============================================================================
// Interrupt Status
// =============================================================================

// InterruptStatus is the lifecycle state of a kernel interrupt.
type InterruptStatus string

const (
	InterruptStatusPending   InterruptStatus = "pending"
	InterruptStatusResolved  InterruptStatus = "resolved"
	InterruptStatusCancelled InterruptStatus = "cancelled"
	InterruptStatusExpired   InterruptStatus = "expired"
)

// defaultInterruptTTLs holds the default expiry per interrupt kind.
var defaultInterruptTTLs = map[envelope.InterruptKind]time.Duration{
	envelope.InterruptKindClarification:   10 * time.Minute,
	envelope.InterruptKindConfirmation:    5 * time.Minute,
	envelope.InterruptKindToolApproval:    5 * time.Minute,
	envelope.InterruptKindBudgetExtension: 15 * time.Minute,
	envelope.InterruptKindUserInput:       30 * time.Minute,
	envelope.InterruptKindSystemPause:     0, // No expiry
	envelope.InterruptKindError:           0, // No expiry
}

// =============================================================================
// Kernel Interrupt
// =============================================================================

// KernelInterrupt is the service-side record of one human-in-the-loop pause:
// the envelope-level interrupt plus lifecycle status and process linkage.
type KernelInterrupt struct {
	*envelope.FlowInterrupt

	Status       InterruptStatus `json:"status"`
	ProcessID    string          `json:"process_id"`
	RequestID    string          `json:"request_id"`
	UserID       string          `json:"user_id"`
	SessionID    string          `json:"session_id,omitempty"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
	CancelReason string          `json:"cancel_reason,omitempty"`
}

// IsPending reports whether the interrupt still awaits input.
func (ki *KernelInterrupt) IsPending() bool {
	return ki.Status == InterruptStatusPending
}

// InterruptOption customizes a new interrupt.
type InterruptOption func(*KernelInterrupt)

// WithQuestion sets the question presented to the human.
func WithQuestion(question string) InterruptOption {
	return func(ki *KernelInterrupt) { ki.Question = question }
}

// WithOptions sets the choices presented to the human.
func WithOptions(options []string) InterruptOption {
	return func(ki *KernelInterrupt) { ki.Options = options }
}

// WithContext attaches structured side data.
func WithContext(context map[string]any) InterruptOption {
	return func(ki *KernelInterrupt) { ki.Context = context }
}

// WithExpiry overrides the kind's default TTL.
func WithExpiry(ttl time.Duration) InterruptOption {
	return func(ki *KernelInterrupt) {
		if ttl <= 0 {
			ki.ExpiresAt = nil
			return
		}
		expires := ki.RaisedAt.Add(ttl)
		ki.ExpiresAt = &expires
	}
}

// WithRaisedBy names the agent that raised the interrupt.
func WithRaisedBy(agent string) InterruptOption {
	return func(ki *KernelInterrupt) { ki.RaisedBy = agent }
}

// =============================================================================
// Interrupt Service
// =============================================================================

// InterruptService owns the interrupt table and the per-session pending
// index. Not safe for concurrent use on its own; the Kernel serializes
// access.
type InterruptService struct {
	logger     Logger
	interrupts map[string]*KernelInterrupt
	bySession  map[string][]string // session id -> interrupt ids in creation order
}

// NewInterruptService creates an interrupt service.
func NewInterruptService(logger Logger) *InterruptService {
	if logger == nil {
		logger = NopLogger{}
	}
	return &InterruptService{
		logger:     logger,
		interrupts: make(map[string]*KernelInterrupt),
		bySession:  make(map[string][]string),
	}
}

// Create allocates and stores a pending interrupt linked to a process.
func (is *InterruptService) Create(kind envelope.InterruptKind, pid, requestID, userID, sessionID string, opts ...InterruptOption) (*KernelInterrupt, error) {
	const op = "interrupts.Create"

	if !kind.IsValid() {
		return nil, Errorf(ErrValidation, op, "unknown interrupt kind %q", kind)
	}

	now := time.Now().UTC()
	ki := &KernelInterrupt{
		FlowInterrupt: &envelope.FlowInterrupt{
			InterruptID: "int_" + uuid.NewString()[:16],
			Kind:        kind,
			RaisedAt:    now,
		},
		Status:    InterruptStatusPending,
		ProcessID: pid,
		RequestID: requestID,
		UserID:    userID,
		SessionID: sessionID,
	}
	if ttl := defaultInterruptTTLs[kind]; ttl > 0 {
		expires := now.Add(ttl)
		ki.ExpiresAt = &expires
	}
	for _, opt := range opts {
		opt(ki)
	}

	is.interrupts[ki.InterruptID] = ki
	if sessionID != "" {
		is.bySession[sessionID] = append(is.bySession[sessionID], ki.InterruptID)
	}

	is.logger.Info("interrupt_created",
		"interrupt_id", ki.InterruptID,
		"kind", string(kind),
		"pid", pid)
	return ki, nil
}

// Resolve attaches a response and marks the interrupt resolved. Returns the
// interrupt and true only if it exists and is still pending; a second
// resolve of the same id returns false. Never errors.
func (is *InterruptService) Resolve(interruptID, response string, approved *bool, payload map[string]any, respondedBy string) (*KernelInterrupt, bool) {
	ki, ok := is.interrupts[interruptID]
	if !ok || !ki.IsPending() {
		return nil, false
	}

	now := time.Now().UTC()
	ki.Response = &envelope.InterruptResponse{
		InterruptID: interruptID,
		Response:    response,
		Approved:    approved,
		Payload:     payload,
		RespondedBy: respondedBy,
		RespondedAt: now,
	}
	ki.Status = InterruptStatusResolved
	ki.ResolvedAt = &now

	is.logger.Info("interrupt_resolved",
		"interrupt_id", interruptID,
		"pid", ki.ProcessID)
	return ki, true
}

// Cancel marks a pending interrupt cancelled with a reason. Same success
// semantics as Resolve: true only on the first cancellation of a pending id.
func (is *InterruptService) Cancel(interruptID, reason string) (*KernelInterrupt, bool) {
	ki, ok := is.interrupts[interruptID]
	if !ok || !ki.IsPending() {
		return nil, false
	}

	now := time.Now().UTC()
	ki.Status = InterruptStatusCancelled
	ki.CancelReason = reason
	ki.ResolvedAt = &now

	is.logger.Info("interrupt_cancelled",
		"interrupt_id", interruptID,
		"reason", reason)
	return ki, true
}

// Get returns an interrupt by id.
func (is *InterruptService) Get(interruptID string) (*KernelInterrupt, error) {
	ki, ok := is.interrupts[interruptID]
	if !ok {
		return nil, Errorf(ErrNotFound, "interrupts.Get", "unknown interrupt %s", interruptID)
	}
	return ki, nil
}

// GetPendingForSession returns pending interrupts for a session in creation
// order, optionally filtered to a kind subset.
func (is *InterruptService) GetPendingForSession(sessionID string, kinds []envelope.InterruptKind) []*KernelInterrupt {
	var kindSet map[envelope.InterruptKind]bool
	if len(kinds) > 0 {
		kindSet = make(map[envelope.InterruptKind]bool, len(kinds))
		for _, k := range kinds {
			kindSet[k] = true
		}
	}

	var pending []*KernelInterrupt
	for _, id := range is.bySession[sessionID] {
		ki, ok := is.interrupts[id]
		if !ok || !ki.IsPending() {
			continue
		}
		if kindSet != nil && !kindSet[ki.Kind] {
			continue
		}
		pending = append(pending, ki)
	}
	return pending
}

// GetPendingForProcess returns the pending interrupt for a process, if any.
func (is *InterruptService) GetPendingForProcess(pid string) *KernelInterrupt {
	for _, ki := range is.interrupts {
		if ki.ProcessID == pid && ki.IsPending() {
			return ki
		}
	}
	return nil
}

// ExpirePending marks pending interrupts past their deadline as expired and
// returns them so the kernel can resume or terminate the owning processes.
func (is *InterruptService) ExpirePending(now time.Time) []*KernelInterrupt {
	var expired []*KernelInterrupt
	for _, ki := range is.interrupts {
		if !ki.IsPending() || !ki.IsExpired(now) {
			continue
		}
		ki.Status = InterruptStatusExpired
		t := now
		ki.ResolvedAt = &t
		expired = append(expired, ki)
	}
	if len(expired) > 0 {
		is.logger.Info("interrupts_expired", "count", len(expired))
	}
	return expired
}

// CleanupResolved purges resolved/cancelled/expired interrupts settled
// before the cutoff. Pending interrupts are never purged by time alone.
func (is *InterruptService) CleanupResolved(cutoff time.Time) int {
	removed := 0
	for id, ki := range is.interrupts {
		if ki.IsPending() {
			continue
		}
		if ki.ResolvedAt != nil && ki.ResolvedAt.After(cutoff) {
			continue
		}
		delete(is.interrupts, id)
		is.dropFromSession(ki.SessionID, id)
		removed++
	}
	return removed
}

func (is *InterruptService) dropFromSession(sessionID, interruptID string) {
	if sessionID == "" {
		return
	}
	ids := is.bySession[sessionID]
	for i, id := range ids {
		if id == interruptID {
			is.bySession[sessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(is.bySession[sessionID]) == 0 {
		delete(is.bySession, sessionID)
	}
}

// Stats returns interrupt counts by status.
func (is *InterruptService) Stats() map[InterruptStatus]int {
	stats := make(map[InterruptStatus]int)
	for _, ki := range is.interrupts {
		stats[ki.Status]++
	}
	return stats
}

// PendingCount returns the number of pending interrupts.
func (is *InterruptService) PendingCount() int {
	count := 0
	for _, ki := range is.interrupts {
		if ki.IsPending() {
			count++
		}
	}
	return count
}
