package store

import "fmt"

// migrate creates all tables if they don't exist.
func (s *SQLiteStore) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS leads (
			id                      INTEGER PRIMARY KEY AUTOINCREMENT,
			identifier              TEXT NOT NULL UNIQUE,
			display_name            TEXT,
			institution             TEXT,
			loan_type               TEXT,
			installment_amount      REAL,
			installment_count       INTEGER,
			contract_period         TEXT,
			national_id             TEXT,
			email                   TEXT,
			birth_date              TEXT,
			qualified               INTEGER,
			disqualification_reason TEXT,
			state                   TEXT NOT NULL DEFAULT 'INITIAL',
			last_human_message_at   TEXT,
			created_at              TEXT NOT NULL,
			updated_at              TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			lead_id             INTEGER NOT NULL REFERENCES leads(id),
			direction           TEXT NOT NULL,
			type                TEXT NOT NULL DEFAULT 'text',
			content             TEXT NOT NULL,
			provider_message_id TEXT,
			created_at          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_lead ON messages(lead_id, created_at, id)`,

		`CREATE TABLE IF NOT EXISTS security_logs (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			original_reply TEXT NOT NULL,
			filtered_reply TEXT NOT NULL,
			category       TEXT NOT NULL,
			reason         TEXT,
			risk_tier      TEXT NOT NULL,
			matched_terms  TEXT,
			lead_id        INTEGER,
			identifier     TEXT,
			created_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_logs_created ON security_logs(created_at)`,

		`CREATE TABLE IF NOT EXISTS knowledge (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			topic      TEXT NOT NULL UNIQUE,
			category   TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			keywords   TEXT NOT NULL DEFAULT '',
			priority   INTEGER NOT NULL DEFAULT 0,
			active     INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL
		)`,

		`CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(
			topic,
			content,
			keywords,
			content=knowledge,
			content_rowid=id,
			tokenize='unicode61 remove_diacritics 2'
		)`,

		`CREATE TRIGGER IF NOT EXISTS knowledge_ai AFTER INSERT ON knowledge BEGIN
			INSERT INTO knowledge_fts(rowid, topic, content, keywords)
			VALUES (new.id, new.topic, new.content, new.keywords);
		END`,

		`CREATE TRIGGER IF NOT EXISTS knowledge_ad AFTER DELETE ON knowledge BEGIN
			INSERT INTO knowledge_fts(knowledge_fts, rowid, topic, content, keywords)
			VALUES ('delete', old.id, old.topic, old.content, old.keywords);
		END`,

		`CREATE TRIGGER IF NOT EXISTS knowledge_au AFTER UPDATE ON knowledge BEGIN
			INSERT INTO knowledge_fts(knowledge_fts, rowid, topic, content, keywords)
			VALUES ('delete', old.id, old.topic, old.content, old.keywords);
			INSERT INTO knowledge_fts(rowid, topic, content, keywords)
			VALUES (new.id, new.topic, new.content, new.keywords);
		END`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration: %w\nSQL: %s", err, stmt)
		}
	}
	return tx.Commit()
}
