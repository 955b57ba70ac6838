package knowledge

import (
	"context"
	"log/slog"

	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/logging"
	"github.com/jurisflow/intake/pkg/metrics"
)

const DefaultLimit = 5

// Chain queries sources in order and returns the first non-empty answer.
// Errors and empty answers fall through to the next source.
type Chain struct {
	sources []Source
	logger  *slog.Logger
	obs     metrics.Observer
}

func NewChain(logger *slog.Logger, obs metrics.Observer, sources ...Source) *Chain {
	filtered := make([]Source, 0, len(sources))
	for _, s := range sources {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &Chain{sources: filtered, logger: logging.NewComponentLogger(logger, "knowledge"), obs: obs}
}

func (c *Chain) Name() string { return "chain" }

// Search never fails; when every source errors the result is empty.
func (c *Chain) Search(ctx context.Context, query string, limit int) ([]Snippet, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	for i, src := range c.sources {
		snippets, err := src.Search(ctx, query, limit)
		if err != nil {
			c.logger.Warn("knowledge_source_failed", "source", src.Name(), "reason_code", errorsx.Reason(err), "error", err)
		}
		if err == nil && len(snippets) > 0 {
			if i > 0 {
				metrics.Record(c.obs, metrics.EventKnowledgeFallback, 1, map[string]string{"component": "knowledge", "source": src.Name()})
			}
			if len(snippets) > limit {
				snippets = snippets[:limit]
			}
			return snippets, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	metrics.Record(c.obs, metrics.EventKnowledgeEmpty, 1, map[string]string{"component": "knowledge"})
	return nil, nil
}
