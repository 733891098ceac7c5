package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/namjunsu/docfind/internal/embed"
	dferrors "github.com/namjunsu/docfind/internal/errors"
	"github.com/namjunsu/docfind/internal/store"
)

// Artifact file names under the data directory.
const (
	LexicalArtifact     = "bm25.bleve"
	VectorArtifact      = "vectors.hnsw"
	VersionFile         = "index_version.txt"
	LastFullReindexFile = "last_full_reindex.txt"
	LockFile            = "reindexing.lock"
)

// Lock is the mutually-exclusive reindex critical section: a presence file
// created with O_CREAT|O_EXCL, PID written inside. Any component can consult
// the same file to ask whether a reindex is in progress.
type Lock struct {
	path string
}

// NewLock creates a lock handle for the given data directory.
func NewLock(dataDir string) *Lock {
	return &Lock{path: filepath.Join(dataDir, LockFile)}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// IsHeld reports whether a reindex is in progress.
func (l *Lock) IsHeld() bool {
	_, err := os.Stat(l.path)
	return err == nil
}

// Acquire polls until the lock file can be created exclusively or the
// timeout expires. The returned release func removes the file and is safe
// to call once on every exit path.
func (l *Lock) Acquire(timeout, poll time.Duration) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeReindexBusy, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			_ = f.Close()
			return func() { _ = os.Remove(l.path) }, nil
		}
		if !os.IsExist(err) {
			return nil, dferrors.Wrap(dferrors.ErrCodeReindexBusy, err)
		}
		if time.Now().After(deadline) {
			return nil, dferrors.IndexError(dferrors.ErrCodeReindexBusy,
				"reindex already in progress, try again later")
		}
		time.Sleep(poll)
	}
}

// HolderPID reads the PID recorded in the lock file, 0 when absent.
func (l *Lock) HolderPID() int {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return pid
}

// Invalidator flushes cached answers for a namespace prefix after a
// successful rebuild. The cache never calls back into the index layer.
type Invalidator interface {
	InvalidatePrefix(prefix string)
}

// CoordinatorConfig wires the reindex coordinator.
type CoordinatorConfig struct {
	Store         *store.Store
	Embedder      embed.Embedder
	DataDir       string
	ConfigHash    string
	MinTextLength int
	Lexical       LexicalConfig
	LockTimeout   time.Duration
	PollInterval  time.Duration
	Invalidator   Invalidator

	// Now is injectable for deterministic version stamps in tests.
	Now func() time.Time
}

// Coordinator rebuilds the index artifacts atomically under the lock.
type Coordinator struct {
	cfg  CoordinatorConfig
	lock *Lock
}

// NewCoordinator creates a reindex coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 1500 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &Coordinator{cfg: cfg, lock: NewLock(cfg.DataDir)}
}

// Lock exposes the shared lock handle.
func (c *Coordinator) Lock() *Lock { return c.lock }

// LexicalPath returns the live lexical artifact path.
func (c *Coordinator) LexicalPath() string {
	return filepath.Join(c.cfg.DataDir, LexicalArtifact)
}

// VectorPath returns the live vector artifact path.
func (c *Coordinator) VectorPath() string {
	return filepath.Join(c.cfg.DataDir, VectorArtifact)
}

// VersionPath returns the index version file path.
func (c *Coordinator) VersionPath() string {
	return filepath.Join(c.cfg.DataDir, VersionFile)
}

// LastReindexPath returns the last-full-reindex stamp path.
func (c *Coordinator) LastReindexPath() string {
	return filepath.Join(c.cfg.DataDir, LastFullReindexFile)
}

// FullReindex rebuilds both indexes from the metadata store, swaps the
// artifacts atomically, bumps the index version and invalidates the cache
// namespace of the previous version. Concurrent attempts serialize on the
// lock; the second either waits within the timeout or fails fast.
func (c *Coordinator) FullReindex(ctx context.Context) (Version, error) {
	release, err := c.lock.Acquire(c.cfg.LockTimeout, c.cfg.PollInterval)
	if err != nil {
		return "", err
	}
	defer release()

	start := c.cfg.Now()

	prevVersion, err := ReadVersion(c.VersionPath())
	if err != nil {
		return "", dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}

	docs, err := c.cfg.Store.List(ctx, 0, -1, c.cfg.MinTextLength)
	if err != nil {
		return "", err
	}

	// Both indexes build from the same augmented text in ascending id order
	// so counts and id sets stay in lockstep.
	lexDocs := make(map[string]string, len(docs))
	docIDs := make([]string, 0, len(docs))
	texts := make([]string, 0, len(docs))
	for _, doc := range docs {
		text := BuildIndexText(doc)
		lexDocs[doc.DocID()] = text
		docIDs = append(docIDs, doc.DocID())
		texts = append(texts, text)
	}

	if err := BuildLexicalIndex(ctx, c.LexicalPath(), lexDocs, c.cfg.Lexical); err != nil {
		return "", err
	}

	vec := NewVectorIndex(c.cfg.Embedder.Dimensions())
	const embedBatch = 64
	for i := 0; i < len(docIDs); i += embedBatch {
		end := i + embedBatch
		if end > len(docIDs) {
			end = len(docIDs)
		}
		embeddings, err := c.cfg.Embedder.EmbedBatch(ctx, texts[i:end])
		if err != nil {
			return "", dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
		}
		if err := vec.Add(ctx, docIDs[i:end], embeddings); err != nil {
			return "", err
		}
	}
	if err := vec.Save(c.VectorPath()); err != nil {
		return "", err
	}

	newVersion := NewVersion(c.cfg.Now(), c.cfg.ConfigHash)
	if err := WriteVersion(c.VersionPath(), newVersion); err != nil {
		return "", dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}
	if err := WriteTimestamp(c.LastReindexPath(), c.cfg.Now()); err != nil {
		return "", dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}

	if c.cfg.Invalidator != nil && prevVersion != "" {
		c.cfg.Invalidator.InvalidatePrefix(prevVersion.Namespace(c.cfg.ConfigHash))
	}

	slog.Info("full reindex complete",
		slog.Int("documents", len(docs)),
		slog.String("version", string(newVersion)),
		slog.Duration("duration", c.cfg.Now().Sub(start)))

	return newVersion, nil
}

// UpsertDocument incrementally indexes a single document into the live
// handles. Skips the hard-rebuild and namespace-flush steps of the full
// protocol but still serializes under the lock.
func (c *Coordinator) UpsertDocument(ctx context.Context, doc *store.Document, lex *LexicalIndex, vec *VectorIndex) error {
	release, err := c.lock.Acquire(c.cfg.LockTimeout, c.cfg.PollInterval)
	if err != nil {
		return err
	}
	defer release()

	text := BuildIndexText(doc)

	if err := lex.Index(doc.DocID(), text); err != nil {
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}

	embedding, err := c.cfg.Embedder.Embed(ctx, text)
	if err != nil {
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}
	if err := vec.Add(ctx, []string{doc.DocID()}, [][]float32{embedding}); err != nil {
		return err
	}
	if err := vec.Save(c.VectorPath()); err != nil {
		return err
	}

	slog.Debug("incremental index upsert", slog.String("doc_id", doc.DocID()))
	return nil
}

// VerifyParity checks the index parity invariant: after a successful
// reindex both indexes and the indexable store count must agree. A mismatch
// blocks queries until resolved.
func VerifyParity(ctx context.Context, s *store.Store, lex *LexicalIndex, vec *VectorIndex, minTextLength int) error {
	stats, err := s.Stats(ctx, minTextLength)
	if err != nil {
		return err
	}
	lexCount := lex.Count()
	vecCount := vec.Count()

	if lexCount == 0 || vecCount == 0 {
		return dferrors.IndexError(dferrors.ErrCodeIndexEmpty,
			fmt.Sprintf("empty index (lexical=%d, vector=%d); run a full reindex", lexCount, vecCount))
	}
	if lexCount != vecCount || lexCount != stats.IndexableCount {
		return dferrors.IndexError(dferrors.ErrCodeIndexParity,
			fmt.Sprintf("index parity violation: lexical=%d vector=%d store=%d",
				lexCount, vecCount, stats.IndexableCount)).
			WithDetail("lexical", strconv.Itoa(lexCount)).
			WithDetail("vector", strconv.Itoa(vecCount)).
			WithDetail("store", strconv.Itoa(stats.IndexableCount))
	}
	return nil
}
