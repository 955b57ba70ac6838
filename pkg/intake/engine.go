// Package intake assembles the WhatsApp intake service: configuration, vendor
// registry, the conversation core and the HTTP surface.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jurisflow/intake/pkg/adapters/stt"
	"github.com/jurisflow/intake/pkg/configutil"
	"github.com/jurisflow/intake/pkg/conversation"
	"github.com/jurisflow/intake/pkg/dedup"
	"github.com/jurisflow/intake/pkg/handoff"
	"github.com/jurisflow/intake/pkg/knowledge"
	"github.com/jurisflow/intake/pkg/llm"
	"github.com/jurisflow/intake/pkg/logging"
	"github.com/jurisflow/intake/pkg/metrics"
	"github.com/jurisflow/intake/pkg/observers"
	"github.com/jurisflow/intake/pkg/processors"
	"github.com/jurisflow/intake/pkg/redact"
	"github.com/jurisflow/intake/pkg/resilience"
	"github.com/jurisflow/intake/pkg/safety"
	"github.com/jurisflow/intake/pkg/store"
	"github.com/jurisflow/intake/pkg/transports"
	"github.com/jurisflow/intake/pkg/turn"
)

// DefaultAudioAutoReply answers voice notes when no transcriber is configured.
const DefaultAudioAutoReply = "Sorry, I can't listen to audio messages here. 🙏 Could you type your message? " +
	"If you prefer, I'll let the attorney know you tried to reach us."

type Engine struct {
	cfg         Config
	logger      *slog.Logger
	store       *store.SQLiteStore
	ownsStore   bool
	transport   transports.Transport
	transcriber stt.Transcriber
	normalizer  *processors.TextNormalizer
	filter      *safety.Filter
	detector    *handoff.Detector
	gate        *dedup.Gate
	seed        knowledge.Seed
	service     *conversation.Service
	notifier    *handoff.Notifier
	hub         *handoff.Hub
	prom        *metrics.PrometheusObserver
	asyncObs    *metrics.AsyncObserver
	events      *metrics.JSONLObserver
	latency     *observers.LatencyObserver
	loc         *time.Location
	now         func() time.Time
	server      *http.Server
	drainOnce   sync.Once
	drainErr    error
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Optional overrides; when nil they are built from Config through Providers.
	Transport   transports.Transport
	LLM         llm.Adapter
	Transcriber stt.Transcriber
	Store       *store.SQLiteStore
	// Observer receives every metrics event in addition to the configured sinks.
	Observer metrics.Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(logging.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	logger.Info("intake_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"transport", cfg.Transports.Provider,
		"dedup_backend", cfg.Dedup.Backend,
	)

	e := &Engine{cfg: cfg, logger: logging.NewComponentLogger(logger, "engine"), now: now}
	ok := false
	defer func() {
		if !ok {
			_ = e.Drain()
		}
	}()

	if err := e.buildObservers(logger, opts.Observer); err != nil {
		return nil, err
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Conversation.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("conversation.timezone: %w", err)
		}
		loc = l
	}
	e.loc = loc

	e.store = opts.Store
	if e.store == nil {
		st, err := store.New(store.Config{DBPath: cfg.Store.DBPath})
		if err != nil {
			return nil, err
		}
		e.store = st
		e.ownsStore = true
	}

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}

	e.transport = opts.Transport
	if e.transport == nil {
		tr, err := providers.BuildTransport(cfg.Transports.Provider, cfg, logger)
		if err != nil {
			return nil, err
		}
		e.transport = tr
	}

	adapter := opts.LLM
	if adapter == nil {
		built, err := providers.BuildLLM(cfg.Vendors.LLM.Provider, cfg, e.asyncObs)
		if err != nil {
			return nil, err
		}
		adapter = built
	}

	e.transcriber = opts.Transcriber
	if e.transcriber == nil {
		tr, err := providers.BuildTranscriber(cfg.Vendors.STT.Provider, cfg)
		if err != nil {
			return nil, err
		}
		e.transcriber = tr
	}
	e.normalizer = processors.NewTextNormalizer(cfg.Normalizer)

	policy, err := safety.LoadPolicy(cfg.Safety.PolicyFile)
	if err != nil {
		return nil, err
	}
	e.filter, err = safety.NewFilter(safety.FilterOptions{
		Policy:   &policy,
		Sink:     e.store,
		Logger:   logger,
		Observer: e.asyncObs,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	validator, err := safety.NewValidator(&policy, logger, e.asyncObs)
	if err != nil {
		return nil, err
	}

	var source knowledge.Source
	var restrictions *knowledge.Restrictions
	if path := strings.TrimSpace(cfg.Knowledge.SeedFile); path != "" {
		seed, err := knowledge.LoadSeed(path)
		if err != nil {
			return nil, err
		}
		e.seed = seed
		restrictions = knowledge.NewRestrictions(seed.Restrictions)
	}
	if !cfg.Knowledge.Disabled {
		source = e.buildKnowledge(logger)
	}

	e.gate = dedup.NewGate(e.buildDedupCache(), dedup.Options{
		Window:        time.Duration(cfg.Dedup.WindowMS) * time.Millisecond,
		SweepInterval: time.Duration(cfg.Dedup.SweepIntervalMS) * time.Millisecond,
		Now:           now,
		Logger:        logger,
		Observer:      e.asyncObs,
	})

	e.detector = handoff.NewDetector(keywordOverrides(cfg.Handoff.Keywords), cfg.Handoff.ReplyPhrases)

	retries := cfg.Persist.Retries
	if retries < 0 {
		retries = 0
	}
	e.service, err = conversation.New(cfg.Conversation, conversation.Deps{
		Store:        e.store,
		LLM:          adapter,
		Knowledge:    source,
		Restrictions: restrictions,
		Filter:       e.filter,
		Validator:    validator,
		Dedup:        e.gate,
		Machine:      turn.NewMachine(turn.Options{ResumeAfter: cfg.Conversation.ResumeAfter, Now: now}),
		Detector:     e.detector,
		Limiter:      processors.NewResponseLimiter(cfg.Limiter),
		Persist:      resilience.NewRetryPolicy(retries, time.Duration(cfg.Persist.BackoffMS)*time.Millisecond),
		Logger:       logger,
		Observer:     e.asyncObs,
		Now:          now,
	})
	if err != nil {
		return nil, err
	}

	e.hub = handoff.NewHub(handoff.HubConfig{
		AllowAnyOrigin: cfg.Server.AllowAnyOrigin,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)
	e.notifier = handoff.NewNotifier(e.transport, handoff.NotifierConfig{
		OperatorNumber: cfg.Handoff.OperatorNumber,
		FallbackNumber: cfg.Handoff.FallbackNumber,
		Location:       loc,
		Buffer:         cfg.Handoff.QueueSize,
	}, e.hub, logger, e.asyncObs)

	e.service.Machine().AddListener(turn.ListenerFunc(func(ev turn.StateChange) {
		e.hub.Publish(handoff.FeedEvent{
			Type:       "state",
			Identifier: ev.Identifier,
			Reason:     ev.Reason,
			State:      string(ev.ToState),
			At:         ev.Timestamp,
		})
	}))

	e.server = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e.routes(),
		ReadTimeout:  configutil.DurationMS(cfg.Server.ReadTimeoutMS, 10*time.Second),
		WriteTimeout: configutil.DurationMS(cfg.Server.WriteTimeoutMS, 60*time.Second),
	}

	ok = true
	return e, nil
}

func (e *Engine) buildObservers(logger *slog.Logger, extra metrics.Observer) error {
	var list []metrics.Observer
	if e.cfg.Metrics.LogEvents {
		var logObs metrics.Observer = observers.NewLoggerObserver(logger)
		if rate := e.cfg.Metrics.LogSampleRate; rate > 0 && rate < 1 {
			logObs = metrics.NewSamplingObserver(logObs, rate,
				metrics.EventHandoff, metrics.EventAutoResume, metrics.EventSafetyRejected,
				metrics.EventHallucinationBlocked, metrics.EventPersistFailed, metrics.EventBreakerOpen)
		}
		list = append(list, logObs)
	}
	e.latency = observers.NewLatencyObserver()
	list = append(list, e.latency)
	if e.cfg.Metrics.Prometheus {
		e.prom = metrics.NewPrometheusObserver()
		list = append(list, e.prom)
	}
	if path := strings.TrimSpace(e.cfg.Metrics.EventsFile); path != "" {
		jsonl, err := metrics.OpenJSONLObserver(path)
		if err != nil {
			return fmt.Errorf("metrics.events_file: %w", err)
		}
		e.events = jsonl
		list = append(list, jsonl)
	}
	if extra != nil {
		list = append(list, extra)
	}
	buffer := e.cfg.Metrics.AsyncBuffer
	if buffer <= 0 {
		buffer = 2048
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), buffer)
	return nil
}

// buildKnowledge chains the remote service (when configured) ahead of the local store.
func (e *Engine) buildKnowledge(logger *slog.Logger) knowledge.Source {
	var sources []knowledge.Source
	if url := strings.TrimSpace(e.cfg.Knowledge.RemoteURL); url != "" {
		sources = append(sources, knowledge.NewRemoteClient(knowledge.RemoteConfig{
			BaseURL: url,
			APIKey:  e.cfg.Knowledge.APIKey,
			Timeout: configutil.DurationMS(e.cfg.Knowledge.TimeoutMS, 5*time.Second),
		}))
	}
	sources = append(sources, knowledge.LocalSource{Store: e.store})
	return knowledge.NewChain(logger, e.asyncObs, sources...)
}

func (e *Engine) buildDedupCache() dedup.Cache {
	if strings.EqualFold(strings.TrimSpace(e.cfg.Dedup.Backend), "redis") {
		return dedup.NewRedisCache(dedup.RedisOptions{
			Addr:     e.cfg.Dedup.Redis.Addr,
			Password: e.cfg.Dedup.Redis.Password,
			DB:       e.cfg.Dedup.Redis.DB,
			Prefix:   e.cfg.Dedup.Redis.Prefix,
		})
	}
	return dedup.NewMemoryCache()
}

func keywordOverrides(in map[string][]string) map[handoff.Kind][]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[handoff.Kind][]string, len(in))
	for k, v := range in {
		out[handoff.Kind(strings.ToLower(strings.TrimSpace(k)))] = v
	}
	return out
}

// Start seeds the knowledge base, starts the dedup sweep and serves HTTP in the background.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(e.seed.Snippets) > 0 {
		n, err := e.seed.Apply(ctx, e.store)
		if err != nil {
			return err
		}
		e.logger.Info("knowledge_seeded", "snippets", n)
	}
	e.gate.Start(ctx)

	go func() {
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("http_server_failed", "error", err)
		}
	}()

	fields := []any{"addr", e.cfg.Server.Addr, "transport", e.transport.Name(), "webhook_path", e.webhookPath()}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, k, v)
		}
	}
	e.logger.Info("intake_ready", fields...)
	return nil
}

// Stop stops accepting HTTP requests and waits for in-flight turns.
func (e *Engine) Stop() error {
	if e.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), configutil.DurationMS(e.cfg.Server.ShutdownTimeoutMS, 10*time.Second))
	defer cancel()
	return e.server.Shutdown(ctx)
}

// Drain releases background workers and storage. It runs after Stop.
func (e *Engine) Drain() error {
	e.drainOnce.Do(func() { e.drainErr = e.drain() })
	return e.drainErr
}

func (e *Engine) drain() error {
	var errs []error
	if e.gate != nil {
		errs = append(errs, e.gate.Close())
	}
	if e.notifier != nil {
		e.notifier.Close()
	}
	if e.hub != nil {
		e.hub.Close()
	}
	if e.asyncObs != nil {
		e.asyncObs.Close()
	}
	if e.events != nil {
		errs = append(errs, e.events.Close())
	}
	if e.ownsStore && e.store != nil {
		errs = append(errs, e.store.Close())
	}
	return errors.Join(errs...)
}

func (e *Engine) Handler() http.Handler {
	return e.server.Handler
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Transport() transports.Transport {
	return e.transport
}

func (e *Engine) Service() *conversation.Service {
	return e.service
}

func (e *Engine) Health(ctx context.Context) error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return e.store.Ping(ctx)
}
