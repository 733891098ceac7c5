package index

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	dferrors "github.com/namjunsu/docfind/internal/errors"
)

// VectorResult is one ranked hit from the vector index.
type VectorResult struct {
	DocID string
	Rank  int // 1-indexed
	Score float32
}

// VectorIndex stores L2-normalized document embeddings in an HNSW graph and
// searches by inner product (cosine over unit vectors). A gob sidecar holds
// the id mappings and the insertion-ordered doc id list.
type VectorIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]
	dims  int

	idMap   map[string]uint64
	keyMap  map[uint64]string
	docIDs  []string // insertion order, mirrors the lexical build order
	nextKey uint64

	closed bool
}

// vectorMetadata is the persisted sidecar shape.
type vectorMetadata struct {
	IDMap      map[string]uint64
	DocIDs     []string
	NextKey    uint64
	Dimensions int
}

// NewVectorIndex creates an empty vector index with the given dimension.
func NewVectorIndex(dims int) *VectorIndex {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 64
	graph.Ml = 0.25

	return &VectorIndex{
		graph:  graph,
		dims:   dims,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}
}

// Add inserts vectors with their doc ids. Existing ids are replaced via lazy
// deletion (the old node stays in the graph but is unreachable by id).
func (v *VectorIndex) Add(ctx context.Context, docIDs []string, vectors [][]float32) error {
	if len(docIDs) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch: %d vs %d", len(docIDs), len(vectors))
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return fmt.Errorf("index is closed")
	}

	for _, vec := range vectors {
		if len(vec) != v.dims {
			return dferrors.IndexError(dferrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("vector dimension %d does not match index dimension %d", len(vec), v.dims))
		}
	}

	for i, docID := range docIDs {
		if err := ctx.Err(); err != nil {
			return err
		}

		if existingKey, exists := v.idMap[docID]; exists {
			delete(v.keyMap, existingKey)
			delete(v.idMap, docID)
		} else {
			v.docIDs = append(v.docIDs, docID)
		}

		key := v.nextKey
		v.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		v.graph.Add(hnsw.MakeNode(key, vec))
		v.idMap[docID] = key
		v.keyMap[key] = docID
	}
	return nil
}

// Search finds the k nearest neighbors of the query vector.
func (v *VectorIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if len(query) != v.dims {
		return nil, dferrors.IndexError(dferrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query dimension %d does not match index dimension %d", len(query), v.dims))
	}
	if v.graph.Len() == 0 {
		return []*VectorResult{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	nodes := v.graph.Search(normalized, k)

	results := make([]*VectorResult, 0, len(nodes))
	for _, node := range nodes {
		docID, ok := v.keyMap[node.Key]
		if !ok {
			continue // lazily deleted
		}
		distance := v.graph.Distance(normalized, node.Value)
		results = append(results, &VectorResult{
			DocID: docID,
			Rank:  len(results) + 1,
			Score: 1.0 - distance/2.0,
		})
	}
	return results, nil
}

// Count returns the number of live vectors.
func (v *VectorIndex) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return 0
	}
	return len(v.idMap)
}

// DocIDs returns the insertion-ordered doc id list.
func (v *VectorIndex) DocIDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]string, 0, len(v.docIDs))
	for _, id := range v.docIDs {
		if _, live := v.idMap[id]; live {
			out = append(out, id)
		}
	}
	return out
}

// Dimensions returns the embedding dimension fixed at build time.
func (v *VectorIndex) Dimensions() int {
	return v.dims
}

// Contains checks id presence.
func (v *VectorIndex) Contains(docID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.idMap[docID]
	return ok
}

// Save persists the graph and the sidecar atomically (temp + rename).
func (v *VectorIndex) Save(path string) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return fmt.Errorf("index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}
	if err := v.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}

	return v.saveMetadata(path + ".meta")
}

func (v *VectorIndex) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}

	meta := vectorMetadata{
		IDMap:      v.idMap,
		DocIDs:     v.docIDs,
		NextKey:    v.nextKey,
		Dimensions: v.dims,
	}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}
	return os.Rename(tmpPath, path)
}

// LoadVectorIndex loads the index from disk and verifies its dimension
// against expectedDims. A mismatch aborts startup.
func LoadVectorIndex(path string, expectedDims int) (*VectorIndex, error) {
	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dferrors.IndexError(dferrors.ErrCodeIndexMissing,
				fmt.Sprintf("vector index missing at %s, run a full reindex", path))
		}
		return nil, dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}

	var meta vectorMetadata
	err = gob.NewDecoder(metaFile).Decode(&meta)
	_ = metaFile.Close()
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}

	if expectedDims > 0 && meta.Dimensions != expectedDims {
		return nil, dferrors.IndexError(dferrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("index has %d dimensions but the embedder produces %d; run a full reindex",
				meta.Dimensions, expectedDims))
	}

	v := NewVectorIndex(meta.Dimensions)
	v.idMap = meta.IDMap
	v.docIDs = meta.DocIDs
	v.nextKey = meta.NextKey
	for id, key := range meta.IDMap {
		v.keyMap[key] = id
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}
	defer file.Close()

	// coder/hnsw Import needs an io.ByteReader.
	if err := v.graph.Import(bufio.NewReader(file)); err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeIndexMissing, err)
	}
	return v, nil
}

// Close releases resources.
func (v *VectorIndex) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true
	v.graph = nil
	return nil
}

// normalizeInPlace scales a vector to unit length in place.
func normalizeInPlace(vec []float32) {
	var sumSquares float64
	for _, val := range vec {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range vec {
		vec[i] *= inv
	}
}
