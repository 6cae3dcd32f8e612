package kernel

import (
	"context"
	"time"

	"github.com/jeeves-cluster-organization/flowkernel/coreengine/config"
)

// CleanupService runs periodic background reclamation: zombie processes,
// stale sessions, settled interrupts, and expired rate-limit/user-usage
// entries. Each phase re-acquires the kernel lock separately, so cleanup
// never starves live request handling for more than one subsystem-sized
// unit of work.
type CleanupService struct {
	kernel *Kernel
	logger Logger
	config *config.KernelConfig
}

// NewCleanupService creates a cleanup service bound to a kernel.
func NewCleanupService(k *Kernel, cfg *config.KernelConfig, logger Logger) *CleanupService {
	if cfg == nil {
		cfg = config.DefaultKernelConfig()
	}
	if logger == nil {
		logger = NopLogger{}
	}
	return &CleanupService{kernel: k, logger: logger, config: cfg}
}

// Run executes cleanup cycles until the context is cancelled. Blocks; run
// it in its own goroutine.
func (cs *CleanupService) Run(ctx context.Context) error {
	interval := cs.config.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cs.logger.Info("cleanup_loop_started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			cs.logger.Info("cleanup_loop_stopped")
			return ctx.Err()
		case <-ticker.C:
			cs.RunCycle()
		}
	}
}

// RunCycle executes one full cleanup pass. A panic in one phase is
// contained and the remaining phases still run.
func (cs *CleanupService) RunCycle() {
	started := time.Now()

	var buried, reaped, sessions, expired, interrupts, windows, users int
	_ = SafeExecute(cs.logger, "cleanup_zombies", func() error {
		buried, reaped = cs.kernel.CleanupZombies(cs.config.ZombieRetention)
		return nil
	})
	_ = SafeExecute(cs.logger, "cleanup_sessions", func() error {
		sessions = cs.kernel.CleanupSessions(cs.config.SessionRetention)
		return nil
	})
	_ = SafeExecute(cs.logger, "cleanup_interrupts", func() error {
		expired, interrupts = cs.kernel.CleanupInterrupts(cs.config.InterruptRetention)
		return nil
	})
	_ = SafeExecute(cs.logger, "cleanup_usage", func() error {
		windows, users = cs.kernel.CleanupUsage(cs.config.UserUsageRetention)
		return nil
	})

	if buried+reaped+sessions+expired+interrupts+windows+users > 0 {
		cs.logger.Info("cleanup_cycle_completed",
			"buried", buried,
			"reaped", reaped,
			"sessions", sessions,
			"interrupts_expired", expired,
			"interrupts_purged", interrupts,
			"windows", windows,
			"users", users,
			"duration_ms", time.Since(started).Milliseconds())
	}
}
