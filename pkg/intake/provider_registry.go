package intake

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/jurisflow/intake/pkg/adapters/stt"
	"github.com/jurisflow/intake/pkg/llm"
	"github.com/jurisflow/intake/pkg/metrics"
	"github.com/jurisflow/intake/pkg/transports"
)

// LLMFactory receives the engine observer so resilience wrappers can report
// latency and breaker transitions.
type LLMFactory func(cfg Config, obs metrics.Observer) (llm.Adapter, error)

// TranscriberFactory may return a nil Transcriber to disable transcription.
type TranscriberFactory func(cfg Config) (stt.Transcriber, error)
type TransportFactory func(cfg Config, logger *slog.Logger) (transports.Transport, error)

type ProviderRegistry struct {
	llm         map[string]LLMFactory
	transcriber map[string]TranscriberFactory
	transport   map[string]TransportFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		llm:         make(map[string]LLMFactory),
		transcriber: make(map[string]TranscriberFactory),
		transport:   make(map[string]TransportFactory),
	}
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.transcriber[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTransport(name string, factory TransportFactory) {
	r.transport[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildLLM(provider string, cfg Config, obs metrics.Observer) (llm.Adapter, error) {
	fn := r.llm[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(cfg, obs)
}

func (r *ProviderRegistry) BuildTranscriber(provider string, cfg Config) (stt.Transcriber, error) {
	key := providerKey(provider)
	if key == "" || key == "none" {
		return nil, nil
	}
	fn := r.transcriber[key]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTransport(provider string, cfg Config, logger *slog.Logger) (transports.Transport, error) {
	fn := r.transport[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("unsupported transport provider: %s", provider)
	}
	return fn(cfg, logger)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
