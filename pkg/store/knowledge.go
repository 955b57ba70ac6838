package store

import (
	"context"
	"strings"
	"unicode"

	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/knowledge"
)

// UpsertKnowledge inserts or replaces a snippet keyed by topic.
func (s *SQLiteStore) UpsertKnowledge(ctx context.Context, sn knowledge.Snippet) (int64, error) {
	active := 0
	if sn.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge (topic, category, content, keywords, priority, active, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(topic) DO UPDATE SET
			category = excluded.category,
			content = excluded.content,
			keywords = excluded.keywords,
			priority = excluded.priority,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		sn.Topic, sn.Category, sn.Content, strings.Join(sn.Keywords, ", "), sn.Priority, active, formatTime(s.now()))
	if err != nil {
		return 0, errorsx.Wrapf(err, errorsx.ReasonKnowledgeLocal, "upsert knowledge %q", sn.Topic)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM knowledge WHERE topic = ?`, sn.Topic).Scan(&id); err != nil {
		return 0, errorsx.Wrap(err, errorsx.ReasonKnowledgeLocal)
	}
	return id, nil
}

// SearchKnowledge runs a full-text query over active snippets, best match first,
// ties broken by priority.
func (s *SQLiteStore) SearchKnowledge(ctx context.Context, query string, limit int) ([]knowledge.Snippet, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = knowledge.DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT k.id, k.topic, k.category, k.content, k.keywords, k.priority
		 FROM knowledge_fts
		 JOIN knowledge k ON k.id = knowledge_fts.rowid
		 WHERE knowledge_fts MATCH ? AND k.active = 1
		 ORDER BY bm25(knowledge_fts), k.priority DESC
		 LIMIT ?`, match, limit)
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonKnowledgeLocal, "search knowledge")
	}
	defer rows.Close()
	var out []knowledge.Snippet
	for rows.Next() {
		var (
			sn       knowledge.Snippet
			keywords string
		)
		if err := rows.Scan(&sn.ID, &sn.Topic, &sn.Category, &sn.Content, &keywords, &sn.Priority); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonKnowledgeLocal)
		}
		sn.Active = true
		if keywords != "" {
			sn.Keywords = strings.Split(keywords, ", ")
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

// ftsQuery turns free text into an OR of quoted tokens of three or more runes.
func ftsQuery(text string) string {
	seen := map[string]bool{}
	var terms []string
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(tok)) < 3 || seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, `"`+tok+`"`)
	}
	return strings.Join(terms, " OR ")
}
