package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRateLimitDisabled(t *testing.T) {
	cfg := DefaultRateLimit()
	res := CheckRateLimit("relay.human.cli", 1_000_000, cfg)
	assert.True(t, res.Allowed)
}

func TestCheckRateLimit(t *testing.T) {
	cfg := RateLimitConfig{Enabled: true, WindowSecs: 60, MaxPerWindow: 10}

	res := CheckRateLimit("relay.human.cli", 9, cfg)
	assert.True(t, res.Allowed)
	assert.Equal(t, 9, res.CurrentCount)
	assert.Equal(t, 10, res.Limit)

	res = CheckRateLimit("relay.human.cli", 10, cfg)
	assert.False(t, res.Allowed)
	assert.Equal(t, "rate limit exceeded: 10/10 in 60s window", res.Reason)
}

func TestCheckRateLimitLongestPrefixOverride(t *testing.T) {
	cfg := RateLimitConfig{
		Enabled:      true,
		WindowSecs:   60,
		MaxPerWindow: 10,
		PerSenderOverrides: map[string]int{
			"relay.":           50,
			"relay.agent.":     5,
			"relay.agent.bulk": 200,
		},
	}

	assert.Equal(t, 50, CheckRateLimit("relay.human.cli", 0, cfg).Limit)
	assert.Equal(t, 5, CheckRateLimit("relay.agent.s1", 0, cfg).Limit)
	assert.Equal(t, 200, CheckRateLimit("relay.agent.bulk-01", 0, cfg).Limit)
	assert.Equal(t, 10, CheckRateLimit("other.sender", 0, cfg).Limit)

	assert.False(t, CheckRateLimit("relay.agent.s1", 5, cfg).Allowed)
	assert.True(t, CheckRateLimit("relay.agent.bulk-01", 5, cfg).Allowed)
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newBreaker(t *testing.T) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewCircuitBreaker(DefaultBreaker(), clk.Now), clk
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newBreaker(t)
	const hash = "aaa111aaa111"

	for i := 0; i < 4; i++ {
		b.RecordFailure(hash)
		assert.True(t, b.Check(hash), "still closed after %d failures", i+1)
	}
	b.RecordFailure(hash)
	assert.Equal(t, StateOpen, b.State(hash))
	assert.False(t, b.Check(hash))
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b, _ := newBreaker(t)
	const hash = "aaa111aaa111"

	for i := 0; i < 4; i++ {
		b.RecordFailure(hash)
	}
	b.RecordSuccess(hash)
	b.RecordFailure(hash)
	assert.Equal(t, StateClosed, b.State(hash), "streak was broken by the success")
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, clk := newBreaker(t)
	const hash = "aaa111aaa111"

	for i := 0; i < 5; i++ {
		b.RecordFailure(hash)
	}
	require.False(t, b.Check(hash))

	clk.Advance(30 * time.Second)
	assert.True(t, b.Check(hash), "cooldown elapsed, probe allowed")
	assert.Equal(t, StateHalfOpen, b.State(hash))

	b.RecordSuccess(hash)
	assert.Equal(t, StateHalfOpen, b.State(hash), "one success is not enough")
	b.RecordSuccess(hash)
	assert.Equal(t, StateClosed, b.State(hash))
	assert.True(t, b.Check(hash))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clk := newBreaker(t)
	const hash = "aaa111aaa111"

	for i := 0; i < 5; i++ {
		b.RecordFailure(hash)
	}
	clk.Advance(30 * time.Second)
	require.True(t, b.Check(hash))

	b.RecordFailure(hash)
	assert.Equal(t, StateOpen, b.State(hash))
	assert.False(t, b.Check(hash))

	// A fresh cooldown starts from the reopen.
	clk.Advance(29 * time.Second)
	assert.False(t, b.Check(hash))
	clk.Advance(time.Second)
	assert.True(t, b.Check(hash))
}

func TestBreakerReset(t *testing.T) {
	b, _ := newBreaker(t)
	const hash = "aaa111aaa111"

	for i := 0; i < 5; i++ {
		b.RecordFailure(hash)
	}
	require.False(t, b.Check(hash))

	b.Reset(hash)
	assert.Equal(t, StateClosed, b.State(hash))
	assert.True(t, b.Check(hash))
}

func TestBreakerEndpointsAreIndependent(t *testing.T) {
	b, _ := newBreaker(t)
	for i := 0; i < 5; i++ {
		b.RecordFailure("aaa")
	}
	assert.False(t, b.Check("aaa"))
	assert.True(t, b.Check("bbb"))
}

func TestBreakerDisabled(t *testing.T) {
	cfg := DefaultBreaker()
	cfg.Enabled = false
	b := NewCircuitBreaker(cfg, nil)
	for i := 0; i < 100; i++ {
		b.RecordFailure("aaa")
	}
	assert.True(t, b.Check("aaa"))
}

func TestCheckBackpressure(t *testing.T) {
	cfg := DefaultBackpressure()

	res := CheckBackpressure(0, cfg)
	assert.True(t, res.Allowed)
	assert.Zero(t, res.Pressure)
	assert.False(t, res.Warn)

	res = CheckBackpressure(800, cfg)
	assert.True(t, res.Allowed)
	assert.InDelta(t, 0.8, res.Pressure, 1e-9)
	assert.True(t, res.Warn, "warn band starts at 0.8")

	res = CheckBackpressure(1000, cfg)
	assert.False(t, res.Allowed)
	assert.InDelta(t, 1.0, res.Pressure, 1e-9)
	assert.Equal(t, "mailbox full (1000/1000)", res.Reason)

	res = CheckBackpressure(5000, cfg)
	assert.False(t, res.Allowed)
	assert.InDelta(t, 1.0, res.Pressure, 1e-9, "pressure is clamped")
}

func TestCheckBackpressureSmallMailbox(t *testing.T) {
	cfg := BackpressureConfig{Enabled: true, MaxMailboxSize: 3, PressureWarningAt: 0.8}
	res := CheckBackpressure(3, cfg)
	assert.False(t, res.Allowed)
	assert.Equal(t, "mailbox full (3/3)", res.Reason)
}

func TestCheckBackpressureZeroMax(t *testing.T) {
	cfg := BackpressureConfig{Enabled: true, MaxMailboxSize: 0, PressureWarningAt: 0.8}
	res := CheckBackpressure(10, cfg)
	assert.True(t, res.Allowed)
	assert.Zero(t, res.Pressure)
}

func TestCheckBackpressureDisabled(t *testing.T) {
	cfg := DefaultBackpressure()
	cfg.Enabled = false
	assert.True(t, CheckBackpressure(10_000, cfg).Allowed)
}
