package mock

import (
	"context"
	"sync"

	"github.com/jurisflow/intake/pkg/llm"
)

// LLMAdapter is a scripted text-generation collaborator for tests and local runs.
type LLMAdapter struct {
	mu    sync.Mutex
	cfg   LLMConfig
	next  int
	calls []llm.Request
}

type LLMConfig struct {
	// ResponseText is returned once Responses is exhausted.
	ResponseText string
	Responses    []string
	// ExtractionText answers requests that carry a JSON schema.
	ExtractionText string
	Err            error
	Func           func(ctx context.Context, req llm.Request) (llm.Response, error)
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	cfg := a.cfg
	a.mu.Unlock()

	if cfg.Func != nil {
		return cfg.Func(ctx, req)
	}
	if cfg.Err != nil {
		return llm.Response{}, cfg.Err
	}
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	if req.Schema != nil && cfg.ExtractionText != "" {
		return llm.Response{Text: cfg.ExtractionText, FinishReason: "stop"}, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if req.Schema == nil && a.next < len(cfg.Responses) {
		text := cfg.Responses[a.next]
		a.next++
		return llm.Response{Text: text, FinishReason: "stop"}, nil
	}
	return llm.Response{Text: cfg.ResponseText, FinishReason: "stop"}, nil
}

// Calls returns a copy of every request received so far.
func (a *LLMAdapter) Calls() []llm.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]llm.Request, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallsFor counts requests with the given purpose.
func (a *LLMAdapter) CallsFor(purpose string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c.Purpose == purpose {
			n++
		}
	}
	return n
}
