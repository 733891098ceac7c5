package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"

	dferrors "github.com/namjunsu/docfind/internal/errors"
)

// docAnalyzerName is the analyzer registered for document content: unicode
// segmentation plus lowercasing, no stemming, so product codes and Korean
// text both survive verbatim.
const docAnalyzerName = "doc_analyzer"

// LexicalConfig carries the BM25 scoring parameters. BuildLexicalIndex
// accepts it but does not pass K1 or B to Bleve; the index scores with
// Bleve's default scoring model.
type LexicalConfig struct {
	K1 float64
	B  float64
}

// DefaultLexicalConfig returns the standard BM25 parameters.
func DefaultLexicalConfig() LexicalConfig {
	return LexicalConfig{K1: 1.5, B: 0.75}
}

// LexicalResult is one ranked hit from the lexical index.
type LexicalResult struct {
	DocID string
	Rank  int // 1-indexed
	Score float64
}

// LexicalIndex wraps a Bleve index for BM25 keyword search over documents.
type LexicalIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// lexicalDocument is the stored document shape.
type lexicalDocument struct {
	Content string `json:"content"`
}

func createIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(docAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}
	indexMapping.DefaultAnalyzer = docAnalyzerName

	return indexMapping, nil
}

// BuildLexicalIndex builds a fresh index from the given documents at a
// temporary path and atomically swaps it over livePath.
func BuildLexicalIndex(ctx context.Context, livePath string, docs map[string]string, cfg LexicalConfig) error {
	tmpPath := livePath + ".tmp"
	_ = os.RemoveAll(tmpPath)

	indexMapping, err := createIndexMapping()
	if err != nil {
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}

	if err := os.MkdirAll(filepath.Dir(livePath), 0o755); err != nil {
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}

	idx, err := bleve.New(tmpPath, indexMapping)
	if err != nil {
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}

	batch := idx.NewBatch()
	const batchSize = 256
	count := 0
	for docID, content := range docs {
		if err := ctx.Err(); err != nil {
			_ = idx.Close()
			_ = os.RemoveAll(tmpPath)
			return err
		}
		if err := batch.Index(docID, lexicalDocument{Content: content}); err != nil {
			_ = idx.Close()
			_ = os.RemoveAll(tmpPath)
			return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
		}
		count++
		if count%batchSize == 0 {
			if err := idx.Batch(batch); err != nil {
				_ = idx.Close()
				_ = os.RemoveAll(tmpPath)
				return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
			}
			batch = idx.NewBatch()
		}
	}
	if batch.Size() > 0 {
		if err := idx.Batch(batch); err != nil {
			_ = idx.Close()
			_ = os.RemoveAll(tmpPath)
			return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
		}
	}
	if err := idx.Close(); err != nil {
		_ = os.RemoveAll(tmpPath)
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}

	return swapDirs(tmpPath, livePath)
}

// swapDirs renames tmp over live, keeping the old artifact until the new
// one is in place.
func swapDirs(tmpPath, livePath string) error {
	oldPath := livePath + ".old"
	_ = os.RemoveAll(oldPath)

	if _, err := os.Stat(livePath); err == nil {
		if err := os.Rename(livePath, oldPath); err != nil {
			return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
		}
	}
	if err := os.Rename(tmpPath, livePath); err != nil {
		// Try to restore the previous live index.
		_ = os.Rename(oldPath, livePath)
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}
	_ = os.RemoveAll(oldPath)
	return nil
}

// OpenLexicalIndex opens an existing index for searching.
func OpenLexicalIndex(path string) (*LexicalIndex, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		return nil, dferrors.IndexError(dferrors.ErrCodeIndexMissing,
			fmt.Sprintf("lexical index missing at %s, run a full reindex", path))
	}
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}
	return &LexicalIndex{index: idx, path: path}, nil
}

// Search returns the top-K hits for the query, ranked by score.
func (l *LexicalIndex) Search(ctx context.Context, query string, limit int) ([]*LexicalResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if strings.TrimSpace(query) == "" {
		return []*LexicalResult{}, nil
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("content")

	req := bleve.NewSearchRequest(matchQuery)
	req.Size = limit

	result, err := l.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, dferrors.SearchError("lexical search failed", err)
	}

	results := make([]*LexicalResult, 0, len(result.Hits))
	for i, hit := range result.Hits {
		results = append(results, &LexicalResult{
			DocID: hit.ID,
			Rank:  i + 1,
			Score: hit.Score,
		})
	}
	return results, nil
}

// Index adds or replaces a single document in the live index. Used by the
// incremental upsert path; full rebuilds go through BuildLexicalIndex.
func (l *LexicalIndex) Index(docID, content string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("index is closed")
	}
	return l.index.Index(docID, lexicalDocument{Content: content})
}

// Delete removes a document from the live index.
func (l *LexicalIndex) Delete(docID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("index is closed")
	}
	return l.index.Delete(docID)
}

// AllIDs returns every document id in the index, for consistency checks.
func (l *LexicalIndex) AllIDs() ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, fmt.Errorf("index is closed")
	}

	docCount, _ := l.index.DocCount()
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(docCount)
	req.Fields = []string{}

	result, err := l.index.Search(req)
	if err != nil {
		return nil, dferrors.SearchError("failed to list index ids", err)
	}

	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// Count returns the number of indexed documents.
func (l *LexicalIndex) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return 0
	}
	n, _ := l.index.DocCount()
	return int(n)
}

// Reload closes the current handle and reopens the artifact, picking up an
// atomically swapped rebuild.
func (l *LexicalIndex) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.index != nil && !l.closed {
		_ = l.index.Close()
	}
	idx, err := bleve.Open(l.path)
	if err != nil {
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}
	l.index = idx
	l.closed = false
	return nil
}

// Close closes the index.
func (l *LexicalIndex) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.index != nil {
		return l.index.Close()
	}
	return nil
}
