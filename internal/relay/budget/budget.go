// Package budget enforces the shrinking resource allowances carried in
// every envelope: hop count, ancestor chain, TTL, and call budget.
package budget

import (
	"errors"
	"slices"
	"time"
)

// Defaults applied when a publisher does not supply a budget.
const (
	DefaultMaxHops    = 5
	DefaultTTL        = time.Hour
	DefaultCallBudget = 10
)

// Rejection reasons, in enforcement order. The first failing check wins.
var (
	ErrMaxHops         = errors.New("max hops exceeded")
	ErrCycle           = errors.New("cycle detected")
	ErrExpired         = errors.New("message expired")
	ErrBudgetExhausted = errors.New("call budget exhausted")
)

// Budget is the shrinking allowance set carried in an envelope.
// TTL is epoch milliseconds.
type Budget struct {
	HopCount            int      `json:"hopCount"`
	MaxHops             int      `json:"maxHops"`
	AncestorChain       []string `json:"ancestorChain"`
	TTL                 int64    `json:"ttl"`
	CallBudgetRemaining int      `json:"callBudgetRemaining"`
}

// Default constructs a fresh budget relative to now.
func Default(now time.Time) Budget {
	return New(now, DefaultMaxHops, DefaultTTL, DefaultCallBudget)
}

// New constructs a budget with explicit limits.
func New(now time.Time, maxHops int, ttl time.Duration, callBudget int) Budget {
	return Budget{
		HopCount:            0,
		MaxHops:             maxHops,
		AncestorChain:       []string{},
		TTL:                 now.Add(ttl).UnixMilli(),
		CallBudgetRemaining: callBudget,
	}
}

// Clone returns a deep copy so propagated envelopes never share chains.
func (b Budget) Clone() Budget {
	out := b
	out.AncestorChain = slices.Clone(b.AncestorChain)
	return out
}

// Expired reports whether the TTL has passed.
func (b Budget) Expired(now time.Time) bool {
	return now.UnixMilli() > b.TTL
}

// Enforce checks a budget against delivery to endpoint, in order:
// hops, cycle, TTL, call budget. On success it returns the shrunk budget
// for the delivered envelope: hop count +1, endpoint appended to the
// ancestor chain, call budget -1. Budgets only ever shrink.
func Enforce(b Budget, endpoint string, now time.Time) (Budget, error) {
	if b.HopCount >= b.MaxHops {
		return Budget{}, ErrMaxHops
	}
	if slices.Contains(b.AncestorChain, endpoint) {
		return Budget{}, ErrCycle
	}
	if b.Expired(now) {
		return Budget{}, ErrExpired
	}
	if b.CallBudgetRemaining <= 0 {
		return Budget{}, ErrBudgetExhausted
	}

	next := b.Clone()
	next.HopCount++
	next.AncestorChain = append(next.AncestorChain, endpoint)
	next.CallBudgetRemaining--
	return next, nil
}
