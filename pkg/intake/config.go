package intake

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"
	_ "time/tzdata" // default timezone must resolve in minimal images

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jurisflow/intake/pkg/conversation"
	"github.com/jurisflow/intake/pkg/processors"
)

type Config struct {
	Environment  string                           `mapstructure:"environment"`
	LogLevel     string                           `mapstructure:"log_level"`
	LogFormat    string                           `mapstructure:"log_format"`
	Privacy      PrivacyConfig                    `mapstructure:"privacy"`
	Server       ServerConfig                     `mapstructure:"server"`
	Store        StoreConfig                      `mapstructure:"store"`
	Vendors      VendorsConfig                    `mapstructure:"vendors"`
	Transports   TransportsConfig                 `mapstructure:"transports"`
	Conversation conversation.Config              `mapstructure:"conversation"`
	Dedup        DedupConfig                      `mapstructure:"dedup"`
	Knowledge    KnowledgeConfig                  `mapstructure:"knowledge"`
	Safety       SafetyConfig                     `mapstructure:"safety"`
	Handoff      HandoffConfig                    `mapstructure:"handoff"`
	Audio        AudioConfig                      `mapstructure:"audio"`
	Limiter      processors.ResponseLimiterConfig `mapstructure:"limiter"`
	Normalizer   processors.TextNormalizerConfig  `mapstructure:"normalizer"`
	Persist      PersistConfig                    `mapstructure:"persist"`
	Metrics      MetricsConfig                    `mapstructure:"metrics"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ServerConfig struct {
	Addr              string   `mapstructure:"addr"`
	ReadTimeoutMS     int      `mapstructure:"read_timeout_ms"`
	WriteTimeoutMS    int      `mapstructure:"write_timeout_ms"`
	ShutdownTimeoutMS int      `mapstructure:"shutdown_timeout_ms"`
	TurnTimeoutMS     int      `mapstructure:"turn_timeout_ms"`
	APIToken          string   `mapstructure:"api_token"`
	FeedPath          string   `mapstructure:"feed_path"`
	AllowAnyOrigin    bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
}

type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	LLM VendorConfig `mapstructure:"llm"`
	STT VendorConfig `mapstructure:"stt"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type DedupConfig struct {
	Backend         string      `mapstructure:"backend"`
	WindowMS        int         `mapstructure:"window_ms"`
	SweepIntervalMS int         `mapstructure:"sweep_interval_ms"`
	Redis           RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KnowledgeConfig struct {
	RemoteURL string `mapstructure:"remote_url"`
	APIKey    string `mapstructure:"api_key"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
	SeedFile  string `mapstructure:"seed_file"`
	Disabled  bool   `mapstructure:"disabled"`
}

type SafetyConfig struct {
	PolicyFile string `mapstructure:"policy_file"`
}

type HandoffConfig struct {
	OperatorNumber string              `mapstructure:"operator_number"`
	FallbackNumber string              `mapstructure:"fallback_number"`
	Keywords       map[string][]string `mapstructure:"keywords"`
	ReplyPhrases   []string            `mapstructure:"reply_phrases"`
	QueueSize      int                 `mapstructure:"queue_size"`
	FarewellNotice bool                `mapstructure:"farewell_summary"`
}

type AudioConfig struct {
	AutoReply string `mapstructure:"auto_reply"`
}

type PersistConfig struct {
	Retries   int `mapstructure:"retries"`
	BackoffMS int `mapstructure:"backoff_ms"`
}

type MetricsConfig struct {
	Prometheus  bool   `mapstructure:"prometheus"`
	EventsFile  string `mapstructure:"events_file"`
	AsyncBuffer int    `mapstructure:"async_buffer"`
	LogEvents   bool   `mapstructure:"log_events"`
	// LogSampleRate thins logged events. Handoff and safety events always pass.
	LogSampleRate float64 `mapstructure:"log_sample_rate"`
}

// LoadConfig reads an optional .env next to the process, then the YAML file at path.
// ${VAR} references in string values are expanded after unmarshalling.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("privacy.redact_pii", true)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout_ms", 10000)
	v.SetDefault("server.write_timeout_ms", 60000)
	v.SetDefault("server.shutdown_timeout_ms", 10000)
	v.SetDefault("server.turn_timeout_ms", 45000)
	v.SetDefault("server.feed_path", "/ws")

	v.SetDefault("store.db_path", "data/intake.db")

	v.SetDefault("vendors.llm.provider", "openai")
	v.SetDefault("vendors.stt.provider", "none")
	v.SetDefault("transports.provider", "twilio")

	v.SetDefault("conversation.history_window", conversation.DefaultHistoryWindow)
	v.SetDefault("conversation.extraction_every", conversation.DefaultExtractionEvery)
	v.SetDefault("conversation.resume_after", "5m")
	v.SetDefault("conversation.timezone", "America/Sao_Paulo")

	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("dedup.window_ms", 60000)
	v.SetDefault("dedup.sweep_interval_ms", 30000)
	v.SetDefault("dedup.redis.prefix", "intake:dedup:")

	v.SetDefault("knowledge.timeout_ms", 5000)

	v.SetDefault("handoff.queue_size", 64)
	v.SetDefault("handoff.farewell_summary", true)

	v.SetDefault("audio.auto_reply", DefaultAudioAutoReply)

	v.SetDefault("limiter.max_chars", 1200)

	v.SetDefault("persist.retries", 2)
	v.SetDefault("persist.backoff_ms", 100)

	v.SetDefault("metrics.prometheus", true)
	v.SetDefault("metrics.async_buffer", 2048)
	v.SetDefault("metrics.log_sample_rate", 1.0)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Dedup.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Dedup.Redis.Addr) == "" {
			return fmt.Errorf("dedup.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("dedup.backend must be one of [memory, redis], got %s", c.Dedup.Backend)
	}
	if c.Conversation.Timezone != "" {
		if _, err := time.LoadLocation(c.Conversation.Timezone); err != nil {
			return fmt.Errorf("conversation.timezone: %w", err)
		}
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				v.SetMapIndex(key, reflect.ValueOf(os.ExpandEnv(val.String())))
			}
		}
	}
}
