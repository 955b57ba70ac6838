package intake

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jurisflow/intake/pkg/adapters/stt"
	"github.com/jurisflow/intake/pkg/configutil"
	"github.com/jurisflow/intake/pkg/llm"
	"github.com/jurisflow/intake/pkg/metrics"
	"github.com/jurisflow/intake/pkg/providers/deepgram"
	"github.com/jurisflow/intake/pkg/providers/mock"
	"github.com/jurisflow/intake/pkg/providers/openai"
	"github.com/jurisflow/intake/pkg/resilience"
	"github.com/jurisflow/intake/pkg/transports"
	mocktransport "github.com/jurisflow/intake/pkg/transports/mock"
	twiliotransport "github.com/jurisflow/intake/pkg/transports/twilio"
	zapitransport "github.com/jurisflow/intake/pkg/transports/zapi"
)

type openAISettings struct {
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	BaseURL           string `mapstructure:"base_url"`
	TimeoutMS         int    `mapstructure:"timeout_ms"`
	MaxAttempts       *int   `mapstructure:"max_attempts"`
	UseCircuitBreaker *bool  `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMs int    `mapstructure:"circuit_cooldown_ms"`
}

type mockLLMSettings struct {
	ResponseText   string   `mapstructure:"response_text"`
	Responses      []string `mapstructure:"responses"`
	ExtractionText string   `mapstructure:"extraction_text"`
}

type deepgramSettings struct {
	APIKey      string `mapstructure:"api_key"`
	Model       string `mapstructure:"model"`
	Language    string `mapstructure:"language"`
	SmartFormat *bool  `mapstructure:"smart_format"`
}

type twilioSettings struct {
	AccountSID     string `mapstructure:"account_sid"`
	AuthToken      string `mapstructure:"auth_token"`
	From           string `mapstructure:"from"`
	PublicURL      string `mapstructure:"public_url"`
	ServerAddr     string `mapstructure:"server_addr"`
	WebhookPath    string `mapstructure:"webhook_path"`
	SkipSignature  bool   `mapstructure:"skip_signature"`
	MediaTimeoutMS int    `mapstructure:"media_timeout_ms"`
}

type zapiSettings struct {
	BaseURL       string `mapstructure:"base_url"`
	InstanceID    string `mapstructure:"instance_id"`
	Token         string `mapstructure:"token"`
	ClientToken   string `mapstructure:"client_token"`
	WebhookPath   string `mapstructure:"webhook_path"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	TimeoutMS     int    `mapstructure:"timeout_ms"`
}

// DefaultProviders registers every built-in vendor: openai and mock for text
// generation, deepgram for voice notes, twilio, zapi and mock transports.
func DefaultProviders() *ProviderRegistry {
	reg := NewProviderRegistry()
	registerLLMs(reg)
	registerTranscribers(reg)
	registerTransports(reg)
	return reg
}

func registerLLMs(reg *ProviderRegistry) {
	reg.RegisterLLM("openai", func(cfg Config, obs metrics.Observer) (llm.Adapter, error) {
		if err := validateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"base_url", "timeout_ms", "max_attempts", "use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms"},
		}); err != nil {
			return nil, err
		}
		var settings openAISettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.llm.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "vendors.llm.settings.model"); err != nil {
			return nil, err
		}
		adapter := openai.NewAdapter(settings.APIKey, settings.Model)
		if settings.BaseURL != "" {
			adapter.BaseURL = settings.BaseURL
		}

		var out llm.Adapter = llm.NewTimeoutAdapter(adapter, configutil.DurationMS(settings.TimeoutMS, 30*time.Second), obs)
		if configutil.BoolValue(settings.UseCircuitBreaker, true) {
			threshold := settings.CircuitThreshold
			if threshold == 0 {
				threshold = 3
			}
			cooldown := configutil.DurationMS(settings.CircuitCooldownMs, 30*time.Second)
			breaker := llm.NewCircuitBreakerAdapter(out, resilience.NewCircuitBreaker(threshold, cooldown))
			breaker.SetObserver(obs)
			out = breaker
		}
		return llm.NewRetryAdapter(out, llm.RetryConfig{
			MaxAttempts: configutil.IntValue(settings.MaxAttempts, 2),
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    4 * time.Second,
			Jitter:      0.2,
		}), nil
	})

	reg.RegisterLLM("mock", func(cfg Config, _ metrics.Observer) (llm.Adapter, error) {
		if err := validateSettings("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Optional: []string{"response_text", "responses", "extraction_text"},
		}); err != nil {
			return nil, err
		}
		var settings mockLLMSettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewLLMAdapter(mock.LLMConfig{
			ResponseText:   settings.ResponseText,
			Responses:      settings.Responses,
			ExtractionText: settings.ExtractionText,
		}), nil
	})
}

func registerTranscribers(reg *ProviderRegistry) {
	reg.RegisterTranscriber("deepgram", func(cfg Config) (stt.Transcriber, error) {
		if err := validateSettings("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "smart_format"},
		}); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		return deepgram.New(deepgram.Config{
			APIKey:      settings.APIKey,
			Model:       settings.Model,
			Language:    settings.Language,
			SmartFormat: configutil.BoolValue(settings.SmartFormat, true),
		}), nil
	})
}

func registerTransports(reg *ProviderRegistry) {
	reg.RegisterTransport("twilio", func(cfg Config, logger *slog.Logger) (transports.Transport, error) {
		if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
			Required: []string{"account_sid", "auth_token", "from"},
			Optional: []string{"public_url", "server_addr", "webhook_path", "skip_signature", "media_timeout_ms"},
		}); err != nil {
			return nil, err
		}
		var settings twilioSettings
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.AccountSID, "transports.settings.account_sid"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.AuthToken, "transports.settings.auth_token"); err != nil {
			return nil, err
		}
		serverAddr := settings.ServerAddr
		if serverAddr == "" {
			serverAddr = cfg.Server.Addr
		}
		return twiliotransport.New(twiliotransport.Config{
			AccountSID:    settings.AccountSID,
			AuthToken:     settings.AuthToken,
			From:          settings.From,
			PublicURL:     settings.PublicURL,
			ServerAddr:    serverAddr,
			WebhookPath:   settings.WebhookPath,
			SkipSignature: settings.SkipSignature,
			MediaTimeout:  configutil.DurationMS(settings.MediaTimeoutMS, 0),
		}, logger), nil
	})

	reg.RegisterTransport("zapi", func(cfg Config, logger *slog.Logger) (transports.Transport, error) {
		if err := validateSettings("transports.settings", cfg.Transports.Settings, configutil.Schema{
			Required: []string{"instance_id", "token"},
			Optional: []string{"base_url", "client_token", "webhook_path", "webhook_secret", "timeout_ms"},
		}); err != nil {
			return nil, err
		}
		var settings zapiSettings
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.InstanceID, "transports.settings.instance_id"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Token, "transports.settings.token"); err != nil {
			return nil, err
		}
		return zapitransport.New(zapitransport.Config{
			BaseURL:       settings.BaseURL,
			InstanceID:    settings.InstanceID,
			Token:         settings.Token,
			ClientToken:   settings.ClientToken,
			WebhookPath:   settings.WebhookPath,
			WebhookSecret: settings.WebhookSecret,
			Timeout:       configutil.DurationMS(settings.TimeoutMS, 0),
		}, logger), nil
	})

	reg.RegisterTransport("mock", func(cfg Config, logger *slog.Logger) (transports.Transport, error) {
		return mocktransport.New(), nil
	})
}

func validateSettings(path string, input map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(input, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
