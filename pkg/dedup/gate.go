// Package dedup drops webhook re-deliveries inside a short time window.
package dedup

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/logging"
	"github.com/jurisflow/intake/pkg/metrics"
	"github.com/jurisflow/intake/pkg/redact"
)

const (
	DefaultWindow        = 60 * time.Second
	DefaultSweepInterval = 30 * time.Second
	contentPrefixRunes   = 50
)

type Options struct {
	Window        time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
	Observer      metrics.Observer
}

// Gate admits the first delivery of each inbound event and drops repeats.
type Gate struct {
	cache    Cache
	window   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	obs      metrics.Observer

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

func NewGate(cache Cache, opts Options) *Gate {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gate{
		cache:    cache,
		window:   opts.Window,
		interval: opts.SweepInterval,
		now:      opts.Now,
		logger:   logging.NewComponentLogger(opts.Logger, "dedup"),
		obs:      opts.Observer,
	}
}

// Key builds identifier-content[:50]-providerID.
func Key(identifier, content, providerID string) string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) > contentPrefixRunes {
		runes = runes[:contentPrefixRunes]
	}
	return identifier + "-" + string(runes) + "-" + providerID
}

// Admit reports whether the event should be processed. Cache failures admit the
// event; a lost dedup is cheaper than a lost message.
func (g *Gate) Admit(ctx context.Context, identifier, content, providerID string) bool {
	dup, err := g.cache.CheckAndSet(ctx, Key(identifier, content, providerID), g.now(), g.window)
	if err != nil {
		g.logger.Warn("dedup_cache_failed", "reason_code", errorsx.Reason(err), "error", err)
		return true
	}
	if dup {
		g.logger.Info("dedup_dropped", "identifier", redact.Identifier(identifier), "provider_message_id", providerID)
		metrics.Record(g.obs, metrics.EventDedupDropped, 1, map[string]string{"component": "dedup"})
		return false
	}
	return true
}

// Sweep evicts entries older than the window.
func (g *Gate) Sweep(ctx context.Context) int {
	removed, err := g.cache.Sweep(ctx, g.now().Add(-g.window))
	if err != nil {
		g.logger.Warn("dedup_sweep_failed", "error", err)
		return 0
	}
	if removed > 0 {
		g.logger.Debug("dedup_swept", "removed", removed)
		metrics.Record(g.obs, metrics.EventDedupSwept, float64(removed), map[string]string{"component": "dedup"})
	}
	return removed
}

// Start runs the periodic sweep until Stop or ctx cancellation.
func (g *Gate) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stop != nil {
		return
	}
	g.stop = make(chan struct{})
	g.stopped = make(chan struct{})
	go g.loop(ctx, g.stop, g.stopped)
}

func (g *Gate) loop(ctx context.Context, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Stop halts the sweep and waits for it to exit. It is safe to call more than once.
func (g *Gate) Stop() {
	g.mu.Lock()
	stop, stopped := g.stop, g.stopped
	g.stop, g.stopped = nil, nil
	g.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

// Close stops the sweep and releases the cache.
func (g *Gate) Close() error {
	g.Stop()
	return g.cache.Close()
}
