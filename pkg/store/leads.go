package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jurisflow/intake/pkg/errorsx"
	"github.com/jurisflow/intake/pkg/leads"
	"github.com/jurisflow/intake/pkg/turn"
)

const leadColumns = `id, identifier, display_name, institution, loan_type, installment_amount,
	installment_count, contract_period, national_id, email, birth_date, qualified,
	disqualification_reason, state, last_human_message_at, created_at, updated_at`

// ListOpts controls pagination and filtering for ListLeads.
type ListOpts struct {
	Limit  int
	Offset int
	State  turn.State
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (*leads.Lead, error) {
	var (
		l                                               leads.Lead
		displayName, institution, loanType, period      sql.NullString
		nationalID, email, birthDate, reason, lastHuman sql.NullString
		amount                                          sql.NullFloat64
		count, qualified                                sql.NullInt64
		state, createdAt, updatedAt                     string
	)
	err := row.Scan(&l.ID, &l.Identifier, &displayName, &institution, &loanType, &amount,
		&count, &period, &nationalID, &email, &birthDate, &qualified,
		&reason, &state, &lastHuman, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	l.DisplayName = displayName.String
	l.Fields = leads.Fields{
		Institution:    institution.String,
		LoanType:       loanType.String,
		ContractPeriod: period.String,
		NationalID:     nationalID.String,
		Email:          email.String,
		BirthDate:      birthDate.String,
	}
	if amount.Valid {
		v := amount.Float64
		l.Fields.InstallmentAmount = &v
	}
	if count.Valid {
		v := int(count.Int64)
		l.Fields.InstallmentCount = &v
	}
	if qualified.Valid {
		v := qualified.Int64 == 1
		l.Qualification.Qualified = &v
	}
	l.Qualification.Reason = reason.String
	l.State, _ = turn.ParseState(state)
	if lastHuman.Valid {
		t := parseTime(lastHuman.String)
		l.LastHumanMessageAt = &t
	}
	l.CreatedAt = parseTime(createdAt)
	l.UpdatedAt = parseTime(updatedAt)
	return &l, nil
}

// GetLeadByIdentifier returns nil, nil when no lead exists.
func (s *SQLiteStore) GetLeadByIdentifier(ctx context.Context, identifier string) (*leads.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE identifier = ?`, identifier)
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonStoreRead, "get lead")
	}
	return l, nil
}

// GetLead returns nil, nil when no lead exists.
func (s *SQLiteStore) GetLead(ctx context.Context, id int64) (*leads.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id)
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonStoreRead, "get lead %d", id)
	}
	return l, nil
}

// EnsureLead returns the lead for identifier, creating it in INITIAL state when
// absent. Placeholder display names are never stored.
func (s *SQLiteStore) EnsureLead(ctx context.Context, identifier, displayName string) (*leads.Lead, bool, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, false, errorsx.New(errorsx.ReasonStoreWrite, "empty identifier")
	}
	name := strings.TrimSpace(displayName)
	if leads.IsPlaceholderName(name) {
		name = ""
	}
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (identifier, display_name, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(identifier) DO NOTHING`,
		identifier, nullString(name), string(turn.StateInitial), now, now)
	if err != nil {
		return nil, false, errorsx.Wrapf(err, errorsx.ReasonStoreWrite, "create lead")
	}
	created := false
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		created = true
	}
	l, err := s.GetLeadByIdentifier(ctx, identifier)
	if err != nil {
		return nil, false, err
	}
	if l == nil {
		return nil, false, errorsx.New(errorsx.ReasonStoreRead, "lead vanished after insert")
	}
	return l, created, nil
}

// UpdateLead writes every mutable column of l.
func (s *SQLiteStore) UpdateLead(ctx context.Context, l *leads.Lead) error {
	if l == nil || l.ID == 0 {
		return errorsx.New(errorsx.ReasonStoreWrite, "update lead: missing id")
	}
	var (
		amount    sql.NullFloat64
		count     sql.NullInt64
		qualified sql.NullInt64
	)
	if v := l.Fields.InstallmentAmount; v != nil {
		amount = sql.NullFloat64{Float64: *v, Valid: true}
	}
	if v := l.Fields.InstallmentCount; v != nil {
		count = sql.NullInt64{Int64: int64(*v), Valid: true}
	}
	if v := l.Qualification.Qualified; v != nil {
		qualified.Valid = true
		if *v {
			qualified.Int64 = 1
		}
	}
	name := l.DisplayName
	if leads.IsPlaceholderName(name) {
		name = ""
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE leads SET
			display_name = ?, institution = ?, loan_type = ?, installment_amount = ?,
			installment_count = ?, contract_period = ?, national_id = ?, email = ?,
			birth_date = ?, qualified = ?, disqualification_reason = ?, state = ?,
			last_human_message_at = ?, updated_at = ?
		 WHERE id = ?`,
		nullString(name), nullString(l.Fields.Institution), nullString(l.Fields.LoanType), amount,
		count, nullString(l.Fields.ContractPeriod), nullString(l.Fields.NationalID), nullString(l.Fields.Email),
		nullString(l.Fields.BirthDate), qualified, nullString(l.Qualification.Reason), string(l.State),
		nullTime(l.LastHumanMessageAt), formatTime(now), l.ID)
	if err != nil {
		return errorsx.Wrapf(err, errorsx.ReasonStoreWrite, "update lead %d", l.ID)
	}
	l.UpdatedAt = now.UTC()
	return nil
}

// ListLeads returns leads ordered by most recent update.
func (s *SQLiteStore) ListLeads(ctx context.Context, opts ListOpts) ([]*leads.Lead, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	query := `SELECT ` + leadColumns + ` FROM leads`
	args := []any{}
	if opts.State != "" {
		query += ` WHERE state = ?`
		args = append(args, string(opts.State))
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errorsx.Wrapf(err, errorsx.ReasonStoreRead, "list leads")
	}
	defer rows.Close()
	var out []*leads.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, errorsx.Wrapf(err, errorsx.ReasonStoreRead, "scan lead")
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("iterate leads: %w", err), errorsx.ReasonStoreRead)
	}
	return out, nil
}
