package store

import (
	"context"
	"database/sql"

	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/leads"
)

// AppendMessage inserts m and returns its id. CreatedAt defaults to now.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m *leads.Message) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	if m.Type == "" {
		m.Type = leads.TypeText
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (lead_id, direction, type, content, provider_message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.LeadID, string(m.Direction), string(m.Type), m.Content, nullString(m.ProviderMessageID), formatTime(m.CreatedAt))
	if err != nil {
		return 0, errorsx.Wrapf(err, errorsx.ReasonStoreWrite, "append message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errorsx.Wrap(err, errorsx.ReasonStoreWrite)
	}
	m.ID = id
	return id, nil
}

// RecentMessages returns the last limit messages of a lead, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, leadID int64, limit int) ([]leads.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lead_id, direction, type, content, provider_message_id, created_at FROM (
			SELECT * FROM messages WHERE lead_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		 ) ORDER BY created_at ASC, id ASC`, leadID, limit)
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonStoreRead, "recent messages")
	}
	defer rows.Close()
	var out []leads.Message
	for rows.Next() {
		var (
			m                  leads.Message
			direction, typ, at string
			providerID         sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.LeadID, &direction, &typ, &m.Content, &providerID, &at); err != nil {
			return nil, errorsx.Wrapf(err, errorsx.ReasonStoreRead, "scan message")
		}
		m.Direction = leads.Direction(direction)
		m.Type = leads.ParseMessageType(typ)
		m.ProviderMessageID = providerID.String
		m.CreatedAt = parseTime(at)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonStoreRead)
	}
	return out, nil
}

// CountMessages counts inbound and outbound turns of a lead. Operator messages are
// not exchanges with the assistant and are excluded.
func (s *SQLiteStore) CountMessages(ctx context.Context, leadID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE lead_id = ? AND direction IN ('inbound', 'outbound')`, leadID).Scan(&n)
	if err != nil {
		return 0, errorsx.Wrapf(err, errorsx.ReasonStoreRead, "count messages")
	}
	return n, nil
}
