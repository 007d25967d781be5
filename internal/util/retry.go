package util

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy describes exponential backoff: BaseDelay * 2^attempt, capped at
// MaxDelay, then passed through Jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration // nil means no jitter
}

// DefaultPolicy is 3 attempts: 1s, 2s between them, with equal jitter.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 4 * time.Second, Jitter: EqualJitter}
}

// EqualJitter picks a delay uniformly in [d/2, d]: half the backoff is
// kept, the other half is random.
func EqualJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter != nil {
		d = p.Jitter(d)
	}
	return d
}

// WithRetry runs op until it succeeds, returns an error retryable rejects,
// or MaxAttempts is reached. op receives the 0-based attempt number. The
// last error is returned unchanged.
func WithRetry(ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			t := time.NewTimer(p.Delay(i - 1))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
		err = op(ctx, i)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
