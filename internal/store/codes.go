package store

import (
	"context"
	"strings"

	dferrors "github.com/namjunsu/docfind/internal/errors"
)

// ReplaceCodes replaces all code occurrences for a document. Called from
// ingest after the code-extraction pass over the body.
func (s *Store) ReplaceCodes(ctx context.Context, docID int64, occurrences []CodeOccurrence) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM model_codes WHERE doc_id = ?`, docID); err != nil {
		return dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}

	for _, occ := range occurrences {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO model_codes (doc_id, raw_code, norm_code, padded_norm) VALUES (?, ?, ?, ?)`,
			docID, occ.RawCode, occ.NormCode, occ.PaddedNorm); err != nil {
			return dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	return nil
}

// ListCodes resolves normalized codes to document ids in two batched passes:
// an exact IN match on norm_code, then a boundary-safe LIKE on padded_norm
// for codes embedded in longer strings. Each pass is one round trip.
func (s *Store) ListCodes(ctx context.Context, normCodes []string) ([]CodeMatch, error) {
	if len(normCodes) == 0 {
		return nil, nil
	}

	found := make(map[int64]struct{}, len(normCodes))

	// Pass 1: exact IN match.
	placeholders := strings.Repeat("?,", len(normCodes))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(normCodes))
	for i, c := range normCodes {
		args[i] = c
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT doc_id FROM model_codes WHERE norm_code IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
		}
		found[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	rows.Close()

	// Pass 2: boundary-safe LIKE over padded_norm, batched with UNION ALL.
	clauses := make([]string, len(normCodes))
	likeArgs := make([]any, len(normCodes))
	for i, c := range normCodes {
		clauses[i] = `SELECT DISTINCT doc_id FROM model_codes WHERE padded_norm LIKE ?`
		likeArgs[i] = "% " + c + " %"
	}
	rows, err = s.db.QueryContext(ctx,
		`SELECT DISTINCT doc_id FROM (`+strings.Join(clauses, " UNION ALL ")+`)`, likeArgs...)
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
		}
		found[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}

	out := make([]CodeMatch, 0, len(found))
	for id := range found {
		out = append(out, CodeMatch{DocID: id, Kind: MatchExactCode})
	}
	return out, nil
}

// escapeLike escapes LIKE wildcards so code variants cannot inject patterns.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// FilenameMatches scans documents.filename (case-insensitive) for any of
// the code variants, batched into one query. The caller splits the rows
// into exact-token and partial matches.
func (s *Store) FilenameMatches(ctx context.Context, variants []string) ([]FilenameRow, error) {
	if len(variants) == 0 {
		return nil, nil
	}

	clauses := make([]string, len(variants))
	args := make([]any, len(variants))
	for i, v := range variants {
		clauses[i] = `SELECT DISTINCT id, filename FROM documents WHERE filename LIKE ? ESCAPE '\' COLLATE NOCASE`
		args[i] = "%" + escapeLike(v) + "%"
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT id, filename FROM (`+strings.Join(clauses, " UNION ALL ")+`)`, args...)
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	defer rows.Close()

	var out []FilenameRow
	for rows.Next() {
		var row FilenameRow
		if err := rows.Scan(&row.DocID, &row.Filename); err != nil {
			return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// CodesForDoc lists the normalized codes recorded for one document.
func (s *Store) CodesForDoc(ctx context.Context, docID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT norm_code FROM model_codes WHERE doc_id = ? ORDER BY norm_code`, docID)
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}
