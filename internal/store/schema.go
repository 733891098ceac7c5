package store

import (
	"context"
	"database/sql"
)

// migrateV1 creates the base schema: documents keyed by integer id, code
// occurrences, per-page text, and the single-row meta table.
func migrateV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			schema_version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			path         TEXT NOT NULL UNIQUE,
			filename     TEXT NOT NULL,
			title        TEXT NOT NULL DEFAULT '',
			date         TEXT,
			year         INTEGER,
			month        INTEGER,
			drafter      TEXT,
			department   TEXT NOT NULL DEFAULT '',
			text_preview TEXT NOT NULL DEFAULT '',
			page_count   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS model_codes (
			doc_id   INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			raw_code TEXT NOT NULL,
			norm_code TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS doc_pages (
			doc_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			page   INTEGER NOT NULL,
			text   TEXT NOT NULL,
			PRIMARY KEY (doc_id, page)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_year ON documents(year)`,
		`CREATE INDEX IF NOT EXISTS idx_date ON documents(date)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateV2 adds the classification and code-boundary columns plus the
// lookup indexes. Forward-only; columns default to NULL for old rows.
func migrateV2(ctx context.Context, tx *sql.Tx) error {
	type col struct {
		name string
		ddl  string
	}
	cols := []col{
		{"doctype", `ALTER TABLE documents ADD COLUMN doctype TEXT DEFAULT 'unknown'`},
		{"display_date", `ALTER TABLE documents ADD COLUMN display_date TEXT`},
		{"claimed_total", `ALTER TABLE documents ADD COLUMN claimed_total INTEGER`},
		{"sum_match", `ALTER TABLE documents ADD COLUMN sum_match BOOLEAN`},
		{"content_hash", `ALTER TABLE documents ADD COLUMN content_hash TEXT DEFAULT ''`},
	}
	for _, c := range cols {
		has, err := tableHasColumn(ctx, tx, "documents", c.name)
		if err != nil {
			return err
		}
		if !has {
			if _, err := tx.ExecContext(ctx, c.ddl); err != nil {
				return err
			}
		}
	}

	has, err := tableHasColumn(ctx, tx, "model_codes", "padded_norm")
	if err != nil {
		return err
	}
	if !has {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE model_codes ADD COLUMN padded_norm TEXT DEFAULT ''`); err != nil {
			return err
		}
	}

	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_category ON documents(doctype)`,
		`CREATE INDEX IF NOT EXISTS idx_filename ON documents(filename COLLATE NOCASE)`,
		`CREATE INDEX IF NOT EXISTS idx_content_hash ON documents(content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_model_codes_norm ON model_codes(norm_code)`,
		`CREATE INDEX IF NOT EXISTS idx_model_codes_padded ON model_codes(padded_norm)`,
		`CREATE INDEX IF NOT EXISTS idx_model_codes_doc ON model_codes(doc_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// tableHasColumn checks column presence via pragma.
func tableHasColumn(ctx context.Context, tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
