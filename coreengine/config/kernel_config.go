package config

import "time"

// KernelConfig holds the runtime knobs for one kernel instance: default
// execution bounds, rate-limit ceilings, and reclamation windows. It carries
// no infrastructure addresses; those belong to the process entrypoint.
type KernelConfig struct {
	// Default per-process bounds applied when a caller submits no quota.
	DefaultMaxLLMCalls   int `json:"default_max_llm_calls" mapstructure:"default_max_llm_calls"`
	DefaultMaxToolCalls  int `json:"default_max_tool_calls" mapstructure:"default_max_tool_calls"`
	DefaultMaxAgentHops  int `json:"default_max_agent_hops" mapstructure:"default_max_agent_hops"`
	DefaultMaxIterations int `json:"default_max_iterations" mapstructure:"default_max_iterations"`
	DefaultTimeoutSec    int `json:"default_timeout_seconds" mapstructure:"default_timeout_seconds"`

	// Rate limiting (per user).
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour" mapstructure:"requests_per_hour"`
	BurstSize         int `json:"burst_size" mapstructure:"burst_size"`

	// Reclamation.
	CleanupInterval    time.Duration `json:"cleanup_interval" mapstructure:"cleanup_interval"`
	ZombieRetention    time.Duration `json:"zombie_retention" mapstructure:"zombie_retention"`
	SessionRetention   time.Duration `json:"session_retention" mapstructure:"session_retention"`
	InterruptRetention time.Duration `json:"interrupt_retention" mapstructure:"interrupt_retention"`
	UserUsageRetention time.Duration `json:"user_usage_retention" mapstructure:"user_usage_retention"`
}

// DefaultKernelConfig returns a KernelConfig with production defaults.
func DefaultKernelConfig() *KernelConfig {
	return &KernelConfig{
		DefaultMaxLLMCalls:   10,
		DefaultMaxToolCalls:  30,
		DefaultMaxAgentHops:  21,
		DefaultMaxIterations: 3,
		DefaultTimeoutSec:    300,

		RequestsPerMinute: 20,
		RequestsPerHour:   200,
		BurstSize:         10,

		CleanupInterval:    60 * time.Second,
		ZombieRetention:    5 * time.Minute,
		SessionRetention:   30 * time.Minute,
		InterruptRetention: 1 * time.Hour,
		UserUsageRetention: 24 * time.Hour,
	}
}
