// Package retry runs remote calls under bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/mat-shur/picpool/internal/observability"
)

// Default policy values, matching the discovery loop.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
)

// ErrExhaustedRetries tags failures that used up every attempt.
var ErrExhaustedRetries = errors.New("retries exhausted")

// ExhaustedError carries the last failure after all attempts failed.
type ExhaustedError struct {
	Attempts int
	Cause    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Cause)
}

// Unwrap exposes both the sentinel and the cause to errors.Is.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhaustedRetries, e.Cause}
}

// Policy configures Do. The zero value uses the defaults.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // 0 means uncapped
	Jitter      float64       // randomization factor in [0, 1); 0 keeps delays exact

	// Retryable reports whether an error is worth another attempt.
	// Nil retries everything.
	Retryable func(error) bool

	// OnRetry is called before each wait with the failed attempt number (1-based).
	OnRetry func(attempt int, err error, delay time.Duration)

	// Name labels retry metrics and log lines. Empty disables both.
	Name   string
	Logger *logrus.Entry

	Clock clockwork.Clock
}

// Named returns a copy of p labelled with name.
func (p Policy) Named(name string) Policy {
	p.Name = name
	return p
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}
	return p
}

// Delay returns the wait after the failed attempt with 0-based index i,
// ignoring jitter.
func (p Policy) Delay(i int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay << uint(i)
	if d <= 0 || d>>uint(i) != p.BaseDelay {
		d = time.Duration(math.MaxInt64)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	eb.MaxInterval = p.Delay(p.MaxAttempts)
	eb.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
}

// Do runs op until it succeeds or the policy gives up. After the failed
// attempt with index i it waits BaseDelay * 2^i. Exhaustion returns an
// *ExhaustedError; non-retryable errors and context errors are returned as is.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	attempts := 0
	stopped := false

	operation := func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			stopped = true
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, d time.Duration) {
		if p.Name != "" {
			observability.RecordRetry(p.Name)
			if p.Logger != nil {
				p.Logger.WithError(err).WithFields(logrus.Fields{
					"operation": p.Name,
					"attempt":   attempts,
					"delay":     d,
				}).Debug("retrying")
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempts, err, d)
		}
	}

	v, err := backoff.RetryNotifyWithTimerAndData(operation, p.backOff(ctx), notify, &clockTimer{clock: p.Clock})
	if err == nil {
		return v, nil
	}
	if stopped {
		return v, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return v, ctxErr
	}
	if p.Name != "" {
		observability.RecordRetriesExhausted(p.Name)
	}
	return v, &ExhaustedError{Attempts: attempts, Cause: err}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// IsExhausted reports whether err came from a policy giving up.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhaustedRetries)
}

// clockTimer adapts a clockwork clock to backoff.Timer.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
