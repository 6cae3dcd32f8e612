package kernel

import (
	"fmt"
	"time"
)

// =============================================================================
// Rate Limiter
// =============================================================================

const (
	hourWindow   = time.Hour
	minuteWindow = time.Minute
	burstWindow  = 10 * time.Second
)

// RateLimitConfig holds the per-user admission ceilings.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour"`
	BurstSize         int `json:"burst_size"` // Max requests in a 10s window
}

// DefaultRateLimitConfig returns the default ceilings.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerMinute: 20,
		RequestsPerHour:   200,
		BurstSize:         10,
	}
}

// RateLimitResult reports the outcome of an admission check.
type RateLimitResult struct {
	Allowed    bool    `json:"allowed"`
	LimitType  string  `json:"limit_type,omitempty"` // "hour", "minute", or "burst"
	Current    int     `json:"current"`
	Limit      int     `json:"limit"`
	RetryAfter float64 `json:"retry_after_seconds,omitempty"`
	Message    string  `json:"message,omitempty"`
}

func exceededResult(limitType string, current, limit int, retryAfter float64) *RateLimitResult {
	return &RateLimitResult{
		Allowed:    false,
		LimitType:  limitType,
		Current:    current,
		Limit:      limit,
		RetryAfter: retryAfter,
		Message:    fmt.Sprintf("%s limit exceeded: %d/%d requests", limitType, current, limit),
	}
}

// RateLimitUsage is a read-only snapshot of one user's window.
type RateLimitUsage struct {
	UserID     string `json:"user_id"`
	HourCount  int    `json:"hour_count"`
	MinCount   int    `json:"minute_count"`
	BurstCount int    `json:"burst_count"`
}

// RateLimiter performs per-user sliding-window admission control. Each user
// carries an ordered sequence of request timestamps; entries older than one
// hour are evicted lazily on each check. Not safe for concurrent use on its
// own; the Kernel serializes access.
type RateLimiter struct {
	defaultConfig *RateLimitConfig
	userConfigs   map[string]*RateLimitConfig
	windows       map[string][]time.Time
}

// NewRateLimiter creates a rate limiter with the given default ceilings.
func NewRateLimiter(defaultConfig *RateLimitConfig) *RateLimiter {
	if defaultConfig == nil {
		defaultConfig = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		defaultConfig: defaultConfig,
		userConfigs:   make(map[string]*RateLimitConfig),
		windows:       make(map[string][]time.Time),
	}
}

// SetUserConfig installs per-user ceilings overriding the defaults.
func (rl *RateLimiter) SetUserConfig(userID string, config *RateLimitConfig) {
	rl.userConfigs[userID] = config
}

func (rl *RateLimiter) configFor(userID string) *RateLimitConfig {
	if config, ok := rl.userConfigs[userID]; ok {
		return config
	}
	return rl.defaultConfig
}

// countSince counts timestamps at or after the cutoff. Timestamps are kept
// in append order, so scan from the tail.
func countSince(stamps []time.Time, cutoff time.Time) int {
	count := 0
	for i := len(stamps) - 1; i >= 0; i-- {
		if stamps[i].Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// CheckAt runs the admission check against the given clock reading. Checks
// short-circuit in hour -> minute -> burst order; the first exceeded ceiling
// is reported. When record is true and the request is allowed, the timestamp
// is appended exactly once. record=false answers "would this be allowed"
// without mutating the window.
func (rl *RateLimiter) CheckAt(userID string, now time.Time, record bool) *RateLimitResult {
	config := rl.configFor(userID)
	stamps := rl.windows[userID]

	// Lazy eviction of entries older than one hour.
	hourCutoff := now.Add(-hourWindow)
	start := 0
	for start < len(stamps) && stamps[start].Before(hourCutoff) {
		start++
	}
	if start > 0 {
		stamps = append([]time.Time(nil), stamps[start:]...)
		rl.windows[userID] = stamps
	}

	if config.RequestsPerHour > 0 && len(stamps) >= config.RequestsPerHour {
		retry := stamps[0].Add(hourWindow).Sub(now).Seconds()
		return exceededResult("hour", len(stamps), config.RequestsPerHour, retry)
	}

	minCount := countSince(stamps, now.Add(-minuteWindow))
	if config.RequestsPerMinute > 0 && minCount >= config.RequestsPerMinute {
		oldest := stamps[len(stamps)-minCount]
		retry := oldest.Add(minuteWindow).Sub(now).Seconds()
		return exceededResult("minute", minCount, config.RequestsPerMinute, retry)
	}

	burstCount := countSince(stamps, now.Add(-burstWindow))
	if config.BurstSize > 0 && burstCount >= config.BurstSize {
		oldest := stamps[len(stamps)-burstCount]
		retry := oldest.Add(burstWindow).Sub(now).Seconds()
		return exceededResult("burst", burstCount, config.BurstSize, retry)
	}

	if record {
		rl.windows[userID] = append(stamps, now)
	}

	return &RateLimitResult{
		Allowed: true,
		Current: len(stamps),
		Limit:   config.RequestsPerHour,
	}
}

// Check runs the admission check against the wall clock.
func (rl *RateLimiter) Check(userID string, record bool) *RateLimitResult {
	return rl.CheckAt(userID, time.Now().UTC(), record)
}

// Usage returns a snapshot of a user's current window counts.
func (rl *RateLimiter) Usage(userID string) *RateLimitUsage {
	now := time.Now().UTC()
	stamps := rl.windows[userID]
	return &RateLimitUsage{
		UserID:     userID,
		HourCount:  countSince(stamps, now.Add(-hourWindow)),
		MinCount:   countSince(stamps, now.Add(-minuteWindow)),
		BurstCount: countSince(stamps, now.Add(-burstWindow)),
	}
}

// ResetUser drops a user's window entirely.
func (rl *RateLimiter) ResetUser(userID string) {
	delete(rl.windows, userID)
}

// CleanupExpired drops users whose windows hold no timestamp within the last
// hour and returns how many were removed. Bounds memory between checks.
func (rl *RateLimiter) CleanupExpired(now time.Time) int {
	hourCutoff := now.Add(-hourWindow)
	removed := 0
	for userID, stamps := range rl.windows {
		if len(stamps) == 0 || stamps[len(stamps)-1].Before(hourCutoff) {
			delete(rl.windows, userID)
			removed++
		}
	}
	return removed
}

// WindowCount returns the number of live per-user windows.
func (rl *RateLimiter) WindowCount() int {
	return len(rl.windows)
}
