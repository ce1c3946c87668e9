// Package retry runs exponential backoff loops whose sleeps are driven by a
// clock.Clock, so that tests can control them with a testclock.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"
)

// Policy returns an exponential backoff starting at interval that gives up
// after maxRetries retries or once ctx is done.
func Policy(ctx context.Context, clk clock.Clock, interval time.Duration, maxRetries int) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = interval
	policy.MaxElapsedTime = 0
	policy.Clock = clk
	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx)
}

// Notify calls fn until it succeeds, returns a backoff.Permanent error or
// the Policy gives up. notify is invoked before each retry.
func Notify(ctx context.Context, clk clock.Clock, interval time.Duration, maxRetries int, fn backoff.Operation, notify backoff.Notify) error {
	return backoff.RetryNotifyWithTimer(fn, Policy(ctx, clk, interval, maxRetries), notify, NewTimer(clk))
}

// NewTimer returns a backoff.Timer backed by clk.
func NewTimer(clk clock.Clock) backoff.Timer {
	return &clockTimer{clk: clk}
}

type clockTimer struct {
	clk   clock.Clock
	timer clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clk.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time { return t.timer.Chan() }
