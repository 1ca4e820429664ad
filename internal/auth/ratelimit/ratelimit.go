// Package ratelimit implements fixed-window request counters per endpoint
// class and subject (client IP or username).
//
// Counters live behind the Store interface so a single process can keep
// them in memory while a fleet shares them through Redis. A window opens
// on the first hit for a key and the key expires when it closes, which
// bounds memory for both backends.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Class names an endpoint family that shares one policy.
type Class string

const (
	ClassLogin    Class = "login"
	ClassRegister Class = "register"
	ClassRefresh  Class = "refresh"
)

// Policy allows Limit requests per Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicies returns the stock limits. MFA code submissions are
// counted against ClassLogin.
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassLogin:    {Limit: 10, Window: time.Minute},
		ClassRegister: {Limit: 5, Window: time.Hour},
		ClassRefresh:  {Limit: 30, Window: time.Minute},
	}
}

// ErrUnavailable wraps store failures. Callers should treat it as
// retryable rather than as a rejection.
var ErrUnavailable = errors.New("ratelimit: store unavailable")

// LimitedError is returned when a subject exceeded its class budget.
type LimitedError struct {
	Class      Class
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("ratelimit: %s limit exceeded, retry after %s", e.Class, e.RetryAfter)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least 1.
func (e *LimitedError) RetryAfterSeconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// Store is the counter backend. Incr adds one hit to key, opening a window
// of the given length if none is open, and returns the hit count and the
// moment the window closes. It must be atomic per key.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

type Limiter struct {
	store    Store
	policies map[Class]Policy
	clock    func() time.Time
}

// New builds a limiter. Classes missing from policies are not limited.
func New(store Store, policies map[Class]Policy) *Limiter {
	return &Limiter{store: store, policies: policies, clock: time.Now}
}

// WithClock replaces the time source, for tests.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

// Policy returns the policy for class and whether one is configured.
func (l *Limiter) Policy(class Class) (Policy, bool) {
	p, ok := l.policies[class]
	return p, ok && p.Limit > 0 && p.Window > 0
}

// Check counts one request for (class, subject). It returns nil when the
// request is allowed and a *LimitedError when it is over budget.
func (l *Limiter) Check(ctx context.Context, class Class, subject string) error {
	p, ok := l.Policy(class)
	if !ok || subject == "" {
		return nil
	}

	count, resetAt, err := l.store.Incr(ctx, Key(class, subject), p.Window)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count > int64(p.Limit) {
		retry := resetAt.Sub(l.clock())
		if retry < 0 {
			retry = 0
		}
		return &LimitedError{Class: class, RetryAfter: retry}
	}
	return nil
}

// Key is the counter key for a class and subject.
func Key(class Class, subject string) string {
	return "rl:" + string(class) + ":" + subject
}

// IsLimited reports whether err is a *LimitedError and returns it.
func IsLimited(err error) (*LimitedError, bool) {
	var le *LimitedError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}
