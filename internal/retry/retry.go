package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/thom899g/autonomous-self-supervised-trading-network/internal/store"
	"github.com/thom899g/autonomous-self-supervised-trading-network/pkg/exception"
)

const (
	defaultBaseDelay      = 200 * time.Millisecond
	defaultMaxDelay       = 10 * time.Second
	defaultMaxAttempts    = 6
	defaultJitterFraction = 0.2
)

// Policy computes backoff delays and drives retries of transient failures.
// The zero value falls back to the defaults.
type Policy struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	JitterFraction float64
}

// DefaultPolicy returns the baseline retry policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      defaultBaseDelay,
		MaxDelay:       defaultMaxDelay,
		MaxAttempts:    defaultMaxAttempts,
		JitterFraction: defaultJitterFraction,
	}
}

// Normalized returns the policy with defaults applied to unset fields.
func (p Policy) Normalized() Policy { return p.withDefaults() }

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.JitterFraction > 1 {
		p.JitterFraction = 1
	}
	return p
}

// Validate checks the policy values are usable.
func (p Policy) Validate() error {
	if p.BaseDelay < 0 {
		return fmt.Errorf("invalid retry policy: BaseDelay must be >= 0")
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("invalid retry policy: MaxDelay must be >= 0")
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		return fmt.Errorf("invalid retry policy: BaseDelay exceeds MaxDelay")
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("invalid retry policy: MaxAttempts must be >= 0")
	}
	if p.JitterFraction < 0 || p.JitterFraction > 1 {
		return fmt.Errorf("invalid retry policy: JitterFraction must be in [0, 1]")
	}
	return nil
}

// Delay returns the backoff before retry number attempt (0-based):
// min(base*2^attempt, max) plus uniform jitter in [0, delay*jitterFraction],
// never exceeding MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	wait := p.BaseDelay
	for i := 0; i < attempt; i++ {
		next := wait * 2
		if next > p.MaxDelay || next < wait {
			wait = p.MaxDelay
			break
		}
		wait = next
	}
	if wait > p.MaxDelay {
		wait = p.MaxDelay
	}

	if p.JitterFraction <= 0 {
		return wait
	}
	wait += time.Duration(rand.Float64() * p.JitterFraction * float64(wait))
	if wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	return wait
}

// ExhaustedError is returned when every attempt failed transiently.
// It wraps the last attempt's error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts, err: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == exception.ErrRetriesExhausted }

// Do runs op until it succeeds, fails fatally, or attempts run out.
// Transient failures are absorbed here and never reach the caller
// directly; exhaustion surfaces as *ExhaustedError.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	p = p.withDefaults()

	var last error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if store.KindOf(err) != store.KindTransient {
			return err
		}
		last = err

		if attempt == p.MaxAttempts-1 {
			break
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
	return &ExhaustedError{Attempts: p.MaxAttempts, Last: last}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
