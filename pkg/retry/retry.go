// Package retry wraps read paths with bounded exponential backoff for transient store failures.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. Attempts counts retries after the first call.
type Policy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy retries three times starting at one second and doubling.
var DefaultPolicy = Policy{Attempts: 3, InitialInterval: time.Second, MaxInterval: 8 * time.Second}

var transientMarkers = []string{
	"network",
	"timeout",
	"unavailable",
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"eof",
}

// IsTransient reports whether err looks like a recoverable network or availability failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// OnRetry is invoked before each retry sleep.
type OnRetry func(err error, wait time.Duration)

// Do runs fn until it succeeds, returns a non-transient error, or the policy is exhausted.
func Do(ctx context.Context, policy Policy, fn func(context.Context) error, notify ...OnRetry) error {
	if policy.Attempts < 0 {
		policy.Attempts = 0
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultPolicy.InitialInterval
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialInterval
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	if policy.MaxInterval > 0 {
		exp.MaxInterval = policy.MaxInterval
	}

	operation := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var onRetry backoff.Notify
	if len(notify) > 0 && notify[0] != nil {
		onRetry = backoff.Notify(notify[0])
	}

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(policy.Attempts)), ctx)
	err := backoff.RetryNotify(operation, b, onRetry)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

// Value is Do for functions producing a result.
func Value[T any](ctx context.Context, policy Policy, fn func(context.Context) (T, error), notify ...OnRetry) (T, error) {
	var result T
	err := Do(ctx, policy, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, notify...)
	return result, err
}
