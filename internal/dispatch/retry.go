package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 8 * time.Second
)

// Policy bounds the retries of a transient failure.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the policy shared by channel sends and queue assignment.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

// Delay returns the wait before the given retry (1-based).
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	d := p.BaseDelay << (retry - 1)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Retry calls fn until it succeeds, returns an error wrapping models.ErrPermanent, the
// attempts are exhausted, or ctx ends. It returns the number of attempts made.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(p.Delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt - 1, errors.Join(err, ctx.Err())
			case <-timer.C:
			}
		}
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if errors.Is(err, models.ErrPermanent) {
			return attempt, err
		}
		slog.Debug("dispatch.Retry: attempt failed", "attempt", attempt, "max", p.MaxAttempts, "error", err)
	}
	return p.MaxAttempts, err
}
