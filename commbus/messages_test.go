package commbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/flowkernel/coreengine/kernel"
)

// =============================================================================
// MESSAGE ROUTING
// =============================================================================

func TestGetMessageType(t *testing.T) {
	cases := []struct {
		msg      Message
		wantType string
		category string
	}{
		{&ProcessCreated{}, "ProcessCreated", "event"},
		{&ProcessStateChanged{}, "ProcessStateChanged", "event"},
		{&ProcessTerminated{}, "ProcessTerminated", "event"},
		{&InterruptRaised{}, "InterruptRaised", "event"},
		{&ResourceExhausted{}, "ResourceExhausted", "event"},
		{&HealthCheckRequest{}, "HealthCheckRequest", "query"},
		{&GetKernelStatus{}, "GetKernelStatus", "query"},
		{&TriggerCleanup{}, "TriggerCleanup", "command"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.wantType, GetMessageType(tc.msg))
		assert.Equal(t, tc.category, tc.msg.Category())
	}
}

type customMessage struct{}

func (customMessage) Category() string    { return "event" }
func (customMessage) MessageType() string { return "CustomMessage" }

func TestGetMessageType_TypedMessage(t *testing.T) {
	assert.Equal(t, "CustomMessage", GetMessageType(customMessage{}))
}

// =============================================================================
// KERNEL EVENT CONVERSION
// =============================================================================

func TestFromKernelEvent_ProcessCreated(t *testing.T) {
	evt := kernel.NewKernelEvent(kernel.KernelEventProcessCreated, "pid-1", "req-1", "user-1", "sess-1")
	evt.Data = map[string]any{"priority": "high"}

	msg := FromKernelEvent(evt)
	created, ok := msg.(*ProcessCreated)
	require.True(t, ok)
	assert.Equal(t, "pid-1", created.PID)
	assert.Equal(t, "user-1", created.UserID)
	assert.Equal(t, "high", created.Priority)
	assert.False(t, created.Timestamp.IsZero())
}

func TestFromKernelEvent_StateChanged(t *testing.T) {
	evt := kernel.NewKernelEvent(kernel.KernelEventProcessStateChanged, "pid-1", "req-1", "user-1", "sess-1")
	evt.Data = map[string]any{"old_state": "ready", "new_state": "running"}

	changed, ok := FromKernelEvent(evt).(*ProcessStateChanged)
	require.True(t, ok)
	assert.Equal(t, "ready", changed.OldState)
	assert.Equal(t, "running", changed.NewState)
}

func TestFromKernelEvent_Terminated(t *testing.T) {
	evt := kernel.NewKernelEvent(kernel.KernelEventProcessTerminated, "pid-1", "req-1", "user-1", "sess-1")
	evt.Data = map[string]any{"reason": "completed"}

	terminated, ok := FromKernelEvent(evt).(*ProcessTerminated)
	require.True(t, ok)
	assert.Equal(t, "completed", terminated.Reason)
}

func TestFromKernelEvent_InterruptAndExhaustion(t *testing.T) {
	interrupt := kernel.NewKernelEvent(kernel.KernelEventInterruptRaised, "pid-1", "req-1", "user-1", "sess-1")
	interrupt.Data = map[string]any{"interrupt_kind": "clarification"}
	raised, ok := FromKernelEvent(interrupt).(*InterruptRaised)
	require.True(t, ok)
	assert.Equal(t, "clarification", raised.InterruptKind)

	exhausted := kernel.NewKernelEvent(kernel.KernelEventResourceExhausted, "pid-1", "req-1", "user-1", "sess-1")
	exhausted.Data = map[string]any{"dimension": "max_llm_calls_exceeded"}
	res, ok := FromKernelEvent(exhausted).(*ResourceExhausted)
	require.True(t, ok)
	assert.Equal(t, "max_llm_calls_exceeded", res.Dimension)
}

func TestFromKernelEvent_UnknownOrNil(t *testing.T) {
	assert.Nil(t, FromKernelEvent(nil))

	evt := &kernel.KernelEvent{EventType: "something.else", Timestamp: time.Now()}
	assert.Nil(t, FromKernelEvent(evt))
}
