package llm

import (
	"context"
	"errors"
	"time"

	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/metrics"
)

// TimeoutAdapter bounds every call with a deadline and reports latency.
type TimeoutAdapter struct {
	inner   Adapter
	timeout time.Duration
	obs     metrics.Observer
}

func NewTimeoutAdapter(inner Adapter, timeout time.Duration, obs metrics.Observer) *TimeoutAdapter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TimeoutAdapter{inner: inner, timeout: timeout, obs: obs}
}

func (a *TimeoutAdapter) Name() string { return a.inner.Name() }

func (a *TimeoutAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	start := time.Now()
	resp, err := a.inner.Generate(ctx, req)
	purpose := req.Purpose
	if purpose == "" {
		purpose = "unknown"
	}
	metrics.Record(a.obs, metrics.EventLLMLatency, float64(time.Since(start).Milliseconds()), map[string]string{
		"provider":  a.inner.Name(),
		"purpose":   purpose,
		"component": "llm",
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{}, errorsx.Wrap(err, errorsx.ReasonLLMTimeout)
		}
		return Response{}, errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
	}
	return resp, nil
}
