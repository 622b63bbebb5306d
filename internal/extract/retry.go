package extract

import (
	"context"
	"time"
)

// RetryPolicy bounds how often a failed extraction call is retried and how
// long to wait between attempts. The delay doubles after every failure.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy matches the service defaults: three attempts, starting
// at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: time.Second}
}

// Do runs fn up to MaxAttempts times, sleeping with exponential backoff
// between attempts. It stops early when the context is cancelled and returns
// the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	delay := p.Backoff
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
