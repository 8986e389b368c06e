package retry

import (
	"context"
	"math/rand"
	"time"
)

type config struct {
	maxRetries  int
	baseWait    time.Duration
	maxWait     time.Duration
	backoffRate float64
	jitter      bool
	classify    func(error) bool
}

// Option configures Do.
type Option func(*config)

// WithMaxRetries sets how many retries follow the first attempt.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithBaseWait sets the delay before the first retry.
func WithBaseWait(d time.Duration) Option {
	return func(c *config) { c.baseWait = d }
}

// WithMaxWait caps the delay between retries.
func WithMaxWait(d time.Duration) Option {
	return func(c *config) { c.maxWait = d }
}

// WithBackoffRate sets the multiplicative backoff factor.
func WithBackoffRate(rate float64) Option {
	return func(c *config) { c.backoffRate = rate }
}

// WithJitter randomizes each delay over [0, delay).
func WithJitter() Option {
	return func(c *config) { c.jitter = true }
}

// WithClassifier replaces the default transient/fatal classification.
func WithClassifier(classify func(error) bool) Option {
	return func(c *config) { c.classify = classify }
}

// Do runs fn, retrying transient failures with exponential backoff until it
// succeeds, the retries are exhausted, a fatal error occurs, or the context
// ends. The returned error is the last error fn produced.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	c := &config{
		maxRetries:  3,
		baseWait:    time.Second,
		maxWait:     30 * time.Second,
		backoffRate: 2.0,
		classify:    IsTransient,
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= c.maxRetries || !c.classify(err) {
			return err
		}
		wait := Delay(attempt, c.baseWait, c.maxWait, c.backoffRate, c.jitter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Delay computes the backoff delay before retry number attempt (0-based):
// base * rate^attempt, capped at max, optionally jittered over [0, delay).
func Delay(attempt int, base, max time.Duration, rate float64, jitter bool) time.Duration {
	if base <= 0 {
		return 0
	}
	if rate < 1 {
		rate = 1
	}
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= rate
		if max > 0 && d >= float64(max) {
			d = float64(max)
			break
		}
	}
	if max > 0 && d > float64(max) {
		d = float64(max)
	}
	delay := time.Duration(d)
	if jitter && delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay)))
	}
	return delay
}
