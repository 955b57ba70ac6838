// Package knowledge retrieves grounding snippets for reply generation.
package knowledge

import (
	"context"
	"fmt"
	"strings"
)

// Snippet is one knowledge entry.
type Snippet struct {
	ID       int64    `json:"id" yaml:"-"`
	Topic    string   `json:"topic" yaml:"topic"`
	Content  string   `json:"content" yaml:"content"`
	Category string   `json:"category" yaml:"category"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Priority int      `json:"priority" yaml:"priority"`
	Active   bool     `json:"active" yaml:"-"`
}

// Source is a knowledge backend. An empty slice means no knowledge, not an error.
type Source interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]Snippet, error)
}

// Searcher is implemented by the local store.
type Searcher interface {
	SearchKnowledge(ctx context.Context, query string, limit int) ([]Snippet, error)
}

// LocalSource adapts a Searcher to Source.
type LocalSource struct {
	Store Searcher
}

func (LocalSource) Name() string { return "local" }

func (l LocalSource) Search(ctx context.Context, query string, limit int) ([]Snippet, error) {
	if l.Store == nil {
		return nil, nil
	}
	return l.Store.SearchKnowledge(ctx, query, limit)
}

// FormatContext renders snippets for a system prompt.
func FormatContext(snippets []Snippet) string {
	parts := make([]string, 0, len(snippets))
	for _, s := range snippets {
		parts = append(parts, fmt.Sprintf("[%s] %s: %s", s.Category, s.Topic, strings.TrimSpace(s.Content)))
	}
	return strings.Join(parts, "\n\n")
}
