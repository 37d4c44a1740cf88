// Package ratelimit throttles high-frequency actions with per-action sliding
// windows.
//
// A SlidingWindow is local to the process that owns it: two devices acting
// under the same identifier get independent windows. RedisLimiter runs the
// same window logic against shared Redis keys, keyed identically, for
// deployments that need one authoritative window.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Well-known actions.
const (
	ActionOTPSend       = "otp_send"
	ActionOTPVerify     = "otp_verify"
	ActionLoginAttempt  = "login_attempt"
	ActionStudentLookup = "student_lookup"
	ActionAPICall       = "api_call"
)

// DefaultIdentifier is used when a caller does not supply one.
const DefaultIdentifier = "default"

// Unlimited is reported as Remaining for actions without a rule.
const Unlimited = -1

// Rule bounds the number of events in any trailing Window.
type Rule struct {
	MaxRequests int           `mapstructure:"max_requests" json:"max_requests"`
	Window      time.Duration `mapstructure:"window" json:"window"`
}

// Result is the outcome of a check.
type Result struct {
	Allowed   bool
	Remaining int
	WaitTime  time.Duration
}

// Limiter is implemented by every rate limiter backend.
type Limiter interface {
	// Check reports whether action may run now without recording it.
	Check(ctx context.Context, action, identifier string) (Result, error)
	// Record stores one occurrence of action.
	Record(ctx context.Context, action, identifier string) error
	// Reset forgets every recorded occurrence of action for identifier.
	Reset(ctx context.Context, action, identifier string) error
	// Allow is Check followed by Record when allowed, atomically.
	Allow(ctx context.Context, action, identifier string) (Result, error)
}

// DefaultRules returns the built-in per-action configuration.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ActionOTPSend:       {MaxRequests: 3, Window: 10 * time.Minute},
		ActionOTPVerify:     {MaxRequests: 10, Window: 15 * time.Minute},
		ActionLoginAttempt:  {MaxRequests: 10, Window: 15 * time.Minute},
		ActionStudentLookup: {MaxRequests: 30, Window: time.Minute},
		ActionAPICall:       {MaxRequests: 100, Window: time.Minute},
	}
}

func normalizeIdentifier(identifier string) string {
	if identifier == "" {
		return DefaultIdentifier
	}
	return identifier
}

func key(action, identifier string) string {
	return action + ":" + normalizeIdentifier(identifier)
}

// HumanizeWait renders a wait time the way it is shown to operators.
func HumanizeWait(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	if d < time.Minute {
		secs := int(math.Ceil(d.Seconds()))
		return plural(secs, "second")
	}
	if d < time.Hour {
		mins := int(math.Ceil(d.Minutes()))
		return plural(mins, "minute")
	}
	hours := int(math.Ceil(d.Hours()))
	return plural(hours, "hour")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
