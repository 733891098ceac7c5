package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	dferrors "github.com/namjunsu/docfind/internal/errors"
)

// CurrentSchemaVersion is the current database schema version.
const CurrentSchemaVersion = 2

// pageTextCacheSize bounds the in-process page text cache.
const pageTextCacheSize = 256

// Store is the SQLite-backed metadata store. Reads never block each other
// (WAL); writes serialize through a single mutex plus, when they change the
// indexed document set, the reindex coordinator lock.
type Store struct {
	db   *sql.DB
	path string

	writeMu sync.Mutex

	pageCache *lru.Cache[string, string]

	duplicateCount int
}

// Open opens (creating if needed) the store at path and applies pending
// forward-only migrations. A physical backup of the database file is taken
// before any migration runs.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, dferrors.Wrap(dferrors.ErrCodeStoreOpen, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=temp_store(MEMORY)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeStoreOpen, err)
	}

	pageCache, _ := lru.New[string, string](pageTextCacheSize)
	s := &Store{db: db, path: path, pageCache: pageCache}

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// schemaVersion reads the recorded schema version (0 when the meta table is
// absent, i.e. a fresh database).
func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists)
	if err != nil {
		return 0, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err = s.db.QueryRowContext(ctx, `SELECT schema_version FROM meta LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, dferrors.Wrap(dferrors.ErrCodeStoreQuery, err)
	}
	return version, nil
}

// migrate applies forward-only migrations from the recorded version.
func (s *Store) migrate(ctx context.Context) error {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if version >= CurrentSchemaVersion {
		return nil
	}

	if version > 0 {
		// Existing database about to change shape: snapshot it first.
		if err := s.backupFile(); err != nil {
			return dferrors.New(dferrors.ErrCodeMigration, "pre-migration backup failed", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dferrors.Wrap(dferrors.ErrCodeMigration, err)
	}
	defer func() { _ = tx.Rollback() }()

	if version < 1 {
		if err := migrateV1(ctx, tx); err != nil {
			return dferrors.New(dferrors.ErrCodeMigration, "migration to v1 failed", err)
		}
	}
	if version < 2 {
		if err := migrateV2(ctx, tx); err != nil {
			return dferrors.New(dferrors.ErrCodeMigration, "migration to v2 failed", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM meta`); err != nil {
		return dferrors.Wrap(dferrors.ErrCodeMigration, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO meta (schema_version) VALUES (?)`, CurrentSchemaVersion); err != nil {
		return dferrors.Wrap(dferrors.ErrCodeMigration, err)
	}

	if err := tx.Commit(); err != nil {
		return dferrors.Wrap(dferrors.ErrCodeMigration, err)
	}

	slog.Info("schema migrated",
		slog.Int("from", version),
		slog.Int("to", CurrentSchemaVersion))
	return nil
}

// backupFile copies the database file to <path>.bak before a migration.
func (s *Store) backupFile() error {
	src, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer src.Close()

	dst, err := os.Create(s.path + ".bak")
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Sync()
}
