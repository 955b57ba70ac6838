package llm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/resilience"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter adds up to this fraction of the delay at random.
	Jitter      float64
	IsRetryable func(error) bool
	Sleep       func(time.Duration)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.IsRetryable == nil {
		c.IsRetryable = DefaultIsRetryable
	}
	return c
}

// DefaultIsRetryable gives up on cancellation and on an open breaker. A
// per-call deadline is retried; the caller's own deadline is checked by the
// loop before every attempt.
func DefaultIsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !errors.Is(err, resilience.ErrCircuitOpen)
}

// RetryAdapter re-issues failed Generate calls with exponential backoff.
type RetryAdapter struct {
	inner Adapter
	cfg   RetryConfig
	rng   *rand.Rand
}

func NewRetryAdapter(inner Adapter, cfg RetryConfig) *RetryAdapter {
	return &RetryAdapter{
		inner: inner,
		cfg:   cfg.withDefaults(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (a *RetryAdapter) Name() string { return a.inner.Name() }

func (a *RetryAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Response{}, errorsx.Wrap(err, errorsx.ReasonLLMTimeout)
		}
		resp, err := a.inner.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !a.cfg.IsRetryable(err) || attempt == a.cfg.MaxAttempts-1 {
			break
		}
		if err := a.wait(ctx, a.delay(attempt)); err != nil {
			return Response{}, errorsx.Wrapf(lastErr, errorsx.ReasonLLMGenerate, "%s: retry interrupted", a.inner.Name())
		}
	}
	// An existing reason such as llm_circuit_open survives the wrap.
	return Response{}, errorsx.Wrapf(lastErr, errorsx.ReasonLLMGenerate, "%s: retries exhausted", a.inner.Name())
}

func (a *RetryAdapter) delay(attempt int) time.Duration {
	d := time.Duration(float64(a.cfg.BaseDelay) * math.Pow(2, float64(attempt)))
	if d > a.cfg.MaxDelay {
		d = a.cfg.MaxDelay
	}
	if a.cfg.Jitter > 0 {
		d += time.Duration(float64(d) * a.cfg.Jitter * a.rng.Float64())
	}
	return d
}

func (a *RetryAdapter) wait(ctx context.Context, d time.Duration) error {
	if a.cfg.Sleep != nil {
		a.cfg.Sleep(d)
		return ctx.Err()
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
