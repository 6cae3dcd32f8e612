// Message definitions for the kernel bus.
//
// Categories:
//   - EVENT: fire-and-forget, fan-out to subscribers
//   - QUERY: request-response, single handler
//   - COMMAND: fire-and-forget, single handler
package commbus

import (
	"time"

	"github.com/jeeves-cluster-organization/flowkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/typeutil"
)

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	MessageCategoryEvent   MessageCategory = "event"
	MessageCategoryQuery   MessageCategory = "query"
	MessageCategoryCommand MessageCategory = "command"
)

// HealthStatus represents canonical health status values.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// =============================================================================
// PROCESS LIFECYCLE EVENTS
// =============================================================================

// ProcessCreated is emitted when the kernel admits a new process.
// Subscribers: telemetry, audit logging.
type ProcessCreated struct {
	PID       string    `json:"pid"`
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	Priority  string    `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *ProcessCreated) Category() string { return string(MessageCategoryEvent) }

// ProcessStateChanged is emitted on every process state transition.
type ProcessStateChanged struct {
	PID       string    `json:"pid"`
	RequestID string    `json:"request_id"`
	SessionID string    `json:"session_id,omitempty"`
	OldState  string    `json:"old_state"`
	NewState  string    `json:"new_state"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *ProcessStateChanged) Category() string { return string(MessageCategoryEvent) }

// ProcessTerminated is emitted when a process reaches its terminal state.
type ProcessTerminated struct {
	PID       string    `json:"pid"`
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *ProcessTerminated) Category() string { return string(MessageCategoryEvent) }

// InterruptRaised is emitted when a session parks on a pending interrupt.
type InterruptRaised struct {
	PID           string    `json:"pid"`
	RequestID     string    `json:"request_id"`
	SessionID     string    `json:"session_id,omitempty"`
	InterruptKind string    `json:"interrupt_kind"`
	Timestamp     time.Time `json:"timestamp"`
}

func (m *InterruptRaised) Category() string { return string(MessageCategoryEvent) }

// ResourceExhausted is emitted when a process breaches a quota dimension.
type ResourceExhausted struct {
	PID       string    `json:"pid"`
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	Dimension string    `json:"dimension"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *ResourceExhausted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// HEALTH QUERIES
// =============================================================================

// HealthCheckRequest requests health state from a component.
type HealthCheckRequest struct {
	Component string `json:"component"` // "kernel", "transport", "cleanup"
}

func (m *HealthCheckRequest) Category() string { return string(MessageCategoryQuery) }

func (m *HealthCheckRequest) IsQuery() {}

// HealthCheckResponse is the response for HealthCheckRequest.
type HealthCheckResponse struct {
	Component string         `json:"component"`
	Status    HealthStatus   `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
}

// GetKernelStatus queries the kernel's system status snapshot.
type GetKernelStatus struct{}

func (m *GetKernelStatus) Category() string { return string(MessageCategoryQuery) }

func (m *GetKernelStatus) IsQuery() {}

// =============================================================================
// MAINTENANCE COMMANDS
// =============================================================================

// TriggerCleanup is a command to run one reclamation cycle immediately.
type TriggerCleanup struct {
	Reason string `json:"reason,omitempty"`
}

func (m *TriggerCleanup) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// TypedMessage is an optional interface for messages that provide their own
// type name, such as messages decoded from a transport.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *ProcessCreated:
		return "ProcessCreated"
	case *ProcessStateChanged:
		return "ProcessStateChanged"
	case *ProcessTerminated:
		return "ProcessTerminated"
	case *InterruptRaised:
		return "InterruptRaised"
	case *ResourceExhausted:
		return "ResourceExhausted"
	case *HealthCheckRequest:
		return "HealthCheckRequest"
	case *GetKernelStatus:
		return "GetKernelStatus"
	case *TriggerCleanup:
		return "TriggerCleanup"
	default:
		return "Unknown"
	}
}

func dataString(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	return typeutil.SafeStringDefault(data[key], "")
}

// FromKernelEvent converts a kernel event into its bus message. Returns nil
// for event types the bus does not carry.
func FromKernelEvent(evt *kernel.KernelEvent) Message {
	if evt == nil {
		return nil
	}
	switch evt.EventType {
	case kernel.KernelEventProcessCreated:
		return &ProcessCreated{
			PID:       evt.PID,
			RequestID: evt.RequestID,
			UserID:    evt.UserID,
			SessionID: evt.SessionID,
			Priority:  dataString(evt.Data, "priority"),
			Timestamp: evt.Timestamp,
		}
	case kernel.KernelEventProcessStateChanged:
		return &ProcessStateChanged{
			PID:       evt.PID,
			RequestID: evt.RequestID,
			SessionID: evt.SessionID,
			OldState:  dataString(evt.Data, "old_state"),
			NewState:  dataString(evt.Data, "new_state"),
			Timestamp: evt.Timestamp,
		}
	case kernel.KernelEventProcessTerminated:
		return &ProcessTerminated{
			PID:       evt.PID,
			RequestID: evt.RequestID,
			UserID:    evt.UserID,
			SessionID: evt.SessionID,
			Reason:    dataString(evt.Data, "reason"),
			Timestamp: evt.Timestamp,
		}
	case kernel.KernelEventInterruptRaised:
		return &InterruptRaised{
			PID:           evt.PID,
			RequestID:     evt.RequestID,
			SessionID:     evt.SessionID,
			InterruptKind: dataString(evt.Data, "interrupt_kind"),
			Timestamp:     evt.Timestamp,
		}
	case kernel.KernelEventResourceExhausted:
		return &ResourceExhausted{
			PID:       evt.PID,
			RequestID: evt.RequestID,
			UserID:    evt.UserID,
			Dimension: dataString(evt.Data, "dimension"),
			Timestamp: evt.Timestamp,
		}
	default:
		return nil
	}
}
