// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the kernel.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// PROCESS METRICS
// =============================================================================

var (
	processesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowkernel_processes_created_total",
			Help: "Total number of processes submitted to the kernel",
		},
		[]string{"priority"},
	)

	stateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowkernel_state_transitions_total",
			Help: "Total process state transitions",
		},
		[]string{"from", "to"},
	)

	processesTerminatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowkernel_processes_terminated_total",
			Help: "Total terminated processes by terminal reason",
		},
		[]string{"reason"},
	)
)

// =============================================================================
// QUOTA / RATE-LIMIT METRICS
// =============================================================================

var (
	quotaViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowkernel_quota_violations_total",
			Help: "Total quota violations by dimension",
		},
		[]string{"dimension"},
	)

	rateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowkernel_rate_limit_rejections_total",
			Help: "Total rate-limit rejections by window",
		},
		[]string{"window"}, // hour, minute, burst
	)
)

// =============================================================================
// ORCHESTRATION METRICS
// =============================================================================

var (
	instructionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowkernel_instructions_total",
			Help: "Total instructions issued by the orchestrator",
		},
		[]string{"kind"}, // execute, wait_interrupt, terminate
	)

	interruptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowkernel_interrupts_total",
			Help: "Total interrupt lifecycle events",
		},
		[]string{"kind", "status"}, // status: created, resolved, cancelled, expired
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowkernel_active_sessions",
			Help: "Currently live orchestration sessions",
		},
	)
)

// =============================================================================
// RPC / CLEANUP METRICS
// =============================================================================

var (
	rpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowkernel_rpc_requests_total",
			Help: "Total RPC requests",
		},
		[]string{"method", "status"},
	)

	rpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowkernel_rpc_request_duration_seconds",
			Help:    "RPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)

	cleanupReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowkernel_cleanup_reclaimed_total",
			Help: "Total entries reclaimed by the cleanup service",
		},
		[]string{"phase"}, // zombies, sessions, interrupts, usage
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordProcessCreated counts a new process submission.
func RecordProcessCreated(priority string) {
	processesCreatedTotal.WithLabelValues(priority).Inc()
}

// RecordStateTransition counts a process state transition.
func RecordStateTransition(from, to string) {
	stateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordProcessTerminated counts a termination by reason.
func RecordProcessTerminated(reason string) {
	processesTerminatedTotal.WithLabelValues(reason).Inc()
}

// RecordQuotaViolation counts a quota breach by dimension.
func RecordQuotaViolation(dimension string) {
	quotaViolationsTotal.WithLabelValues(dimension).Inc()
}

// RecordRateLimitRejection counts an admission rejection by window.
func RecordRateLimitRejection(window string) {
	rateLimitRejectionsTotal.WithLabelValues(window).Inc()
}

// RecordInstruction counts an orchestrator verdict.
func RecordInstruction(kind string) {
	instructionsTotal.WithLabelValues(kind).Inc()
}

// RecordInterrupt counts an interrupt lifecycle event.
func RecordInterrupt(kind, status string) {
	interruptsTotal.WithLabelValues(kind, status).Inc()
}

// SetActiveSessions updates the live session gauge.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// RecordRPCRequest records one RPC call. Called from server interceptors.
func RecordRPCRequest(method, status string, durationMS int64) {
	rpcRequestsTotal.WithLabelValues(method, status).Inc()
	rpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}

// RecordCleanup counts reclaimed entries for one cleanup phase.
func RecordCleanup(phase string, count int) {
	if count > 0 {
		cleanupReclaimedTotal.WithLabelValues(phase).Add(float64(count))
	}
}
