package store

import (
	"context"
	"database/sql"
	"fmt"

	dferrors "github.com/namjunsu/docfind/internal/errors"
)

// SavePages stores per-page text for a document, replacing any previous set.
func (s *Store) SavePages(ctx context.Context, docID int64, pages []string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_pages WHERE doc_id = ?`, docID); err != nil {
		return dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	for i, text := range pages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO doc_pages (doc_id, page, text) VALUES (?, ?, ?)`,
			docID, i+1, text); err != nil {
			return dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}

	// Stale entries for this doc are simply replaced on next read.
	for i := range pages {
		s.pageCache.Remove(pageCacheKey(docID, i+1))
	}
	return nil
}

// PageText returns the text of a single page (1-indexed), caching reads in
// process. Returns empty string when the page is unknown.
func (s *Store) PageText(ctx context.Context, docID int64, page int) (string, error) {
	key := pageCacheKey(docID, page)
	if text, ok := s.pageCache.Get(key); ok {
		return text, nil
	}

	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT text FROM doc_pages WHERE doc_id = ? AND page = ?`, docID, page).Scan(&text)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}

	s.pageCache.Add(key, text)
	return text, nil
}

func pageCacheKey(docID int64, page int) string {
	return fmt.Sprintf("%d:%d", docID, page)
}
