package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	dferrors "github.com/namjunsu/docfind/internal/errors"
	"github.com/namjunsu/docfind/internal/textproc"
)

const documentColumns = `id, path, filename, title, COALESCE(date,''), COALESCE(display_date,''),
	COALESCE(year,0), COALESCE(month,0), COALESCE(doctype,'unknown'), COALESCE(drafter,''),
	department, claimed_total, sum_match, text_preview, page_count, COALESCE(content_hash,'')`

// Upsert inserts or updates a document keyed by path. The id is assigned on
// first insert and never changed. A second insert carrying an already-known
// content hash under a different path is recorded as a duplicate and the
// existing id is returned with duplicate=true so the caller skips indexing.
func (s *Store) Upsert(ctx context.Context, doc *Document) (id int64, duplicate bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var existingID int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM documents WHERE path = ?`, doc.Path).Scan(&existingID)
	switch {
	case err == sql.ErrNoRows:
		// New path. Duplicate body under another path?
		if doc.ContentHash != "" {
			var dupID int64
			dupErr := s.db.QueryRowContext(ctx,
				`SELECT id FROM documents WHERE content_hash = ? ORDER BY id LIMIT 1`,
				doc.ContentHash).Scan(&dupID)
			if dupErr == nil {
				s.duplicateCount++
				return dupID, true, nil
			}
			if dupErr != sql.ErrNoRows {
				return 0, false, dferrors.Wrap(dferrors.ErrCodeStoreQuery, dupErr)
			}
		}

		res, insErr := s.db.ExecContext(ctx, `
			INSERT INTO documents
				(path, filename, title, date, display_date, year, month, doctype,
				 drafter, department, claimed_total, sum_match, text_preview, page_count, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.Path, doc.Filename, doc.Title, nullStr(doc.Date), nullStr(doc.DisplayDate),
			doc.Year, doc.Month, string(doc.Doctype), nullStr(doc.Drafter), doc.Department,
			doc.ClaimedTotal, doc.SumMatch, doc.TextPreview, doc.PageCount, doc.ContentHash)
		if insErr != nil {
			return 0, false, dferrors.Wrap(dferrors.ErrCodeStoreQuery, insErr)
		}
		id, insErr = res.LastInsertId()
		if insErr != nil {
			return 0, false, dferrors.Wrap(dferrors.ErrCodeStoreQuery, insErr)
		}
		return id, false, nil

	case err != nil:
		return 0, false, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}

	// Existing path: update in place, id untouched.
	_, err = s.db.ExecContext(ctx, `
		UPDATE documents SET
			filename = ?, title = ?, date = ?, display_date = ?, year = ?, month = ?,
			doctype = ?, drafter = ?, department = ?, claimed_total = ?, sum_match = ?,
			text_preview = ?, page_count = ?, content_hash = ?
		WHERE id = ?`,
		doc.Filename, doc.Title, nullStr(doc.Date), nullStr(doc.DisplayDate), doc.Year, doc.Month,
		string(doc.Doctype), nullStr(doc.Drafter), doc.Department, doc.ClaimedTotal, doc.SumMatch,
		doc.TextPreview, doc.PageCount, doc.ContentHash, existingID)
	if err != nil {
		return 0, false, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	return existingID, false, nil
}

// Get returns the document with the given id, or nil when absent.
func (s *Store) Get(ctx context.Context, id int64) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	return scanDocument(row)
}

// GetByDocID resolves the external "doc_{N}" identifier.
func (s *Store) GetByDocID(ctx context.Context, docID string) (*Document, error) {
	id, err := ParseDocID(docID)
	if err != nil {
		return nil, dferrors.ValidationError(dferrors.ErrCodeInvalidInput, err.Error())
	}
	return s.Get(ctx, id)
}

// GetByFilename returns the document with the exact filename (case-insensitive).
func (s *Store) GetByFilename(ctx context.Context, name string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE filename = ? COLLATE NOCASE LIMIT 1`, name)
	return scanDocument(row)
}

// GetByFilenameFuzzy matches a filename loosely: both sides are lowercased
// and stripped of separators and the .pdf extension, then compared by
// substring containment. Ties break toward the closest length.
func (s *Store) GetByFilenameFuzzy(ctx context.Context, name string) (*Document, error) {
	key := textproc.FuzzyKey(name)
	if key == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents`)
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	defer rows.Close()

	var best *Document
	bestDiff := -1
	for rows.Next() {
		doc, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		candidate := textproc.FuzzyKey(doc.Filename)
		if candidate == "" {
			continue
		}
		if !strings.Contains(candidate, key) && !strings.Contains(key, candidate) {
			continue
		}
		diff := len(candidate) - len(key)
		if diff < 0 {
			diff = -diff
		}
		if best == nil || diff < bestDiff {
			best = doc
			bestDiff = diff
		}
	}
	if err := rows.Err(); err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	return best, nil
}

// List returns documents in ascending id order, skipping rows whose
// text_preview is shorter than minTextLength. Pagination is deterministic.
func (s *Store) List(ctx context.Context, offset, limit, minTextLength int) ([]*Document, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+` FROM documents
		WHERE LENGTH(text_preview) >= ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?`, minTextLength, limit, offset)
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// GetMany batch-fetches documents by id, preserving no particular order.
func (s *Store) GetMany(ctx context.Context, ids []int64) (map[int64]*Document, error) {
	if len(ids) == 0 {
		return map[int64]*Document{}, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	defer rows.Close()

	out := make(map[int64]*Document, len(ids))
	for rows.Next() {
		doc, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		out[doc.ID] = doc
	}
	return out, rows.Err()
}

// UpdateTextPreview replaces the canonical body for the document at path.
func (s *Store) UpdateTextPreview(ctx context.Context, path, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET text_preview = ? WHERE path = ?`, text, path)
	if err != nil {
		return dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dferrors.Newf(dferrors.ErrCodeInvalidInput, "no document at path %s", path)
	}
	return nil
}

// allowedUpdateFields guards UpdateDocument against arbitrary column writes.
var allowedUpdateFields = map[string]struct{}{
	"title": {}, "date": {}, "display_date": {}, "year": {}, "month": {},
	"doctype": {}, "drafter": {}, "department": {}, "claimed_total": {},
	"sum_match": {}, "page_count": {},
}

// UpdateDocument updates named fields of the document with the given filename.
func (s *Store) UpdateDocument(ctx context.Context, filename string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	names := make([]string, 0, len(fields))
	for k := range fields {
		if _, ok := allowedUpdateFields[k]; !ok {
			return dferrors.Newf(dferrors.ErrCodeInvalidInput, "field %q is not updatable", k)
		}
		names = append(names, k)
	}
	sort.Strings(names)

	sets := make([]string, len(names))
	args := make([]any, 0, len(names)+1)
	for i, k := range names {
		sets[i] = fmt.Sprintf("%s = ?", k)
		args = append(args, fields[k])
	}
	args = append(args, filename)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET `+strings.Join(sets, ", ")+` WHERE filename = ? COLLATE NOCASE`, args...)
	if err != nil {
		return dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	return nil
}

// Delete removes a document; code occurrences and pages cascade.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	return nil
}

// Stats returns aggregate counts for the metrics endpoint.
func (s *Store) Stats(ctx context.Context, minTextLength int) (*Stats, error) {
	st := &Stats{Duplicates: s.duplicateCount}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&st.TotalDocuments); err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE LENGTH(text_preview) >= ?`, minTextLength).Scan(&st.IndexableCount); err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM documents`).Scan(&st.MaxID); err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	return st, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row *sql.Row) (*Document, error) {
	doc, err := scanDocumentFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return doc, err
}

func scanDocumentRows(rows *sql.Rows) (*Document, error) {
	doc, err := scanDocumentFrom(rows)
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	return doc, nil
}

func scanDocumentFrom(r rowScanner) (*Document, error) {
	var doc Document
	var doctype string
	var claimed sql.NullInt64
	var sumMatch sql.NullBool

	err := r.Scan(&doc.ID, &doc.Path, &doc.Filename, &doc.Title, &doc.Date, &doc.DisplayDate,
		&doc.Year, &doc.Month, &doctype, &doc.Drafter, &doc.Department,
		&claimed, &sumMatch, &doc.TextPreview, &doc.PageCount, &doc.ContentHash)
	if err != nil {
		return nil, err
	}

	doc.Doctype = Doctype(doctype)
	if claimed.Valid {
		doc.ClaimedTotal = &claimed.Int64
	}
	if sumMatch.Valid {
		doc.SumMatch = &sumMatch.Bool
	}
	return &doc, nil
}
