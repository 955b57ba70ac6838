package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/safety"
)

func (s *SQLiteStore) AppendSecurityLog(ctx context.Context, e safety.SecurityLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	var leadID sql.NullInt64
	if e.LeadID > 0 {
		leadID = sql.NullInt64{Int64: e.LeadID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_logs (original_reply, filtered_reply, category, reason, risk_tier,
			matched_terms, lead_id, identifier, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OriginalReply, e.FilteredReply, string(e.Category), nullString(e.Reason), string(e.Tier),
		nullString(strings.Join(e.MatchedTerms, ", ")), leadID, nullString(e.Identifier), formatTime(e.CreatedAt))
	if err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonStoreWrite, "append security log")
	}
	return nil
}

// ListSecurityLogs returns the newest entries first.
func (s *SQLiteStore) ListSecurityLogs(ctx context.Context, limit int) ([]safety.SecurityLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, original_reply, filtered_reply, category, reason, risk_tier, matched_terms,
			lead_id, identifier, created_at
		 FROM security_logs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonStoreRead, "list security logs")
	}
	defer rows.Close()
	var out []safety.SecurityLogEntry
	for rows.Next() {
		var (
			e                           safety.SecurityLogEntry
			category, tier, at          string
			reason, matched, identifier sql.NullString
			leadID                      sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.OriginalReply, &e.FilteredReply, &category, &reason, &tier,
			&matched, &leadID, &identifier, &at); err != nil {
			return nil, errorsx.Wrapf(err, errorsx.ReasonStoreRead, "scan security log")
		}
		e.Category = safety.Category(category)
		e.Tier = safety.RiskTier(tier)
		e.Reason = reason.String
		if matched.String != "" {
			e.MatchedTerms = strings.Split(matched.String, ", ")
		}
		e.LeadID = leadID.Int64
		e.Identifier = identifier.String
		e.CreatedAt = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}
