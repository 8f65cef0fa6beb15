package augment

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/ehr/intake-bridge/internal/platform/mapping"
)

// RetryPolicy controls retries around the mapping call. Each failure class
// has its own backoff; authentication failures are never retried.
type RetryPolicy struct {
	MaxAttempts int
	// RateLimitSchedule is used when the provider sends no wait hint. The
	// last step repeats.
	RateLimitSchedule []time.Duration
	MaxJitter         time.Duration
	MinWait           time.Duration
	TimeoutBackoff    time.Duration
	MalformedBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		RateLimitSchedule: []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second},
		MaxJitter:         time.Second,
		MinWait:           time.Second,
		TimeoutBackoff:    2 * time.Second,
		MalformedBackoff:  time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if len(p.RateLimitSchedule) == 0 {
		p.RateLimitSchedule = d.RateLimitSchedule
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	if p.MinWait < 0 {
		p.MinWait = 0
	}
	if p.TimeoutBackoff <= 0 {
		p.TimeoutBackoff = d.TimeoutBackoff
	}
	if p.MalformedBackoff <= 0 {
		p.MalformedBackoff = d.MalformedBackoff
	}
	return p
}

// Backoff returns the wait before the attempt after the given one. attempt
// is 1-based. jitter must return a value in [0, max).
func (p RetryPolicy) Backoff(e *mapping.Error, attempt int, jitter func(max time.Duration) time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch e.Class {
	case mapping.ClassRateLimited:
		wait := e.RetryAfter
		if wait <= 0 {
			i := attempt - 1
			if i >= len(p.RateLimitSchedule) {
				i = len(p.RateLimitSchedule) - 1
			}
			wait = p.RateLimitSchedule[i]
		}
		if p.MaxJitter > 0 && jitter != nil {
			wait += jitter(p.MaxJitter)
		}
		if wait < p.MinWait {
			wait = p.MinWait
		}
		return wait
	case mapping.ClassTimeout:
		return p.TimeoutBackoff * time.Duration(attempt)
	case mapping.ClassMalformed:
		return p.MalformedBackoff * time.Duration(attempt)
	default:
		return 0
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
