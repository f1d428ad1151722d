// Package reliability holds the three delivery gates: the per-sender
// rate limiter, the per-endpoint circuit breaker, and the per-endpoint
// backpressure check. The rate limit and backpressure checks are pure
// functions; only the breaker carries state.
package reliability

import (
	"fmt"
	"strings"
)

// RateLimitConfig governs the sliding-window sender rate limiter.
// Overrides map a sender prefix to a limit; the longest matching prefix
// wins. Disabled by default: a single trusted host rarely needs it.
type RateLimitConfig struct {
	Enabled            bool           `mapstructure:"enabled" yaml:"enabled"`
	WindowSecs         int            `mapstructure:"window_secs" yaml:"window_secs"`
	MaxPerWindow       int            `mapstructure:"max_per_window" yaml:"max_per_window"`
	PerSenderOverrides map[string]int `mapstructure:"per_sender_overrides" yaml:"per_sender_overrides"`
}

// DefaultRateLimit returns the rate limiter defaults.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{
		Enabled:      false,
		WindowSecs:   60,
		MaxPerWindow: 100,
	}
}

// RateLimitResult is the outcome of one rate limit check.
type RateLimitResult struct {
	Allowed      bool
	CurrentCount int
	Limit        int
	Reason       string
}

// CheckRateLimit decides whether a sender may publish given its message
// count inside the current window. Pure: the caller derives the count
// from the index. Overrides resolve by longest matching prefix.
func CheckRateLimit(sender string, countInWindow int, cfg RateLimitConfig) RateLimitResult {
	if !cfg.Enabled {
		return RateLimitResult{Allowed: true}
	}

	limit := cfg.MaxPerWindow
	bestLen := -1
	for prefix, l := range cfg.PerSenderOverrides {
		if strings.HasPrefix(sender, prefix) && len(prefix) > bestLen {
			limit = l
			bestLen = len(prefix)
		}
	}

	if countInWindow >= limit {
		return RateLimitResult{
			Allowed:      false,
			CurrentCount: countInWindow,
			Limit:        limit,
			Reason:       fmt.Sprintf("rate limit exceeded: %d/%d in %ds window", countInWindow, limit, cfg.WindowSecs),
		}
	}
	return RateLimitResult{Allowed: true, CurrentCount: countInWindow, Limit: limit}
}
