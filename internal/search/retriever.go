package search

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/namjunsu/docfind/internal/embed"
	dferrors "github.com/namjunsu/docfind/internal/errors"
	"github.com/namjunsu/docfind/internal/index"
	"github.com/namjunsu/docfind/internal/store"
)

// authorBoost multiplies the fused score of documents whose drafter matches
// the extracted author name. A soft filter: nothing is removed, matching
// documents just re-sort to the top.
const authorBoost = 2.0

// authorPatterns detect author intent ("X가 작성한 문서"). The capture is
// deliberately loose (it can pick up non-name tokens); drafter matching
// downstream tolerates that, and validation against a closed drafter set is
// left off to keep recall.
var authorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`([가-힣]{2,4})\s*(?:이|가)\s*(?:작성|기안|제안)`),
	regexp.MustCompile(`([가-힣]{2,4})\s*(?:작성|기안|제안)(?:한|하신)\s*(?:문서|자료|기안서)`),
	regexp.MustCompile(`(?:작성자|기안자|제안자)[\s:]*([가-힣]{2,4})`),
	regexp.MustCompile(`([가-힣]{2,4})\s+(?:기안서|작성문서)`),
}

// RetrieverConfig configures the hybrid retriever.
type RetrieverConfig struct {
	BM25TopK  int
	VecTopK   int
	RRFK      int
	FinalTopK int
}

// Retriever runs lexical and vector searches in parallel, fuses them with
// RRF, applies the author soft boost, and enriches the winners from the
// metadata store.
type Retriever struct {
	lexical  *index.LexicalIndex
	vector   *index.VectorIndex
	embedder embed.Embedder
	store    *store.Store
	fusion   *RRFFusion
	cfg      RetrieverConfig
}

// NewRetriever validates index consistency and constructs the retriever.
// Empty or count-mismatched indexes are fatal and block queries.
func NewRetriever(
	lexical *index.LexicalIndex,
	vector *index.VectorIndex,
	embedder embed.Embedder,
	s *store.Store,
	cfg RetrieverConfig,
) (*Retriever, error) {
	if lexical == nil || vector == nil || embedder == nil || s == nil {
		return nil, fmt.Errorf("retriever: nil dependency")
	}

	lexCount := lexical.Count()
	vecCount := vector.Count()
	if lexCount == 0 || vecCount == 0 {
		return nil, dferrors.IndexError(dferrors.ErrCodeIndexEmpty,
			fmt.Sprintf("empty index at startup (lexical=%d, vector=%d)", lexCount, vecCount))
	}
	if lexCount != vecCount {
		return nil, dferrors.IndexError(dferrors.ErrCodeIndexParity,
			fmt.Sprintf("index count mismatch at startup: lexical=%d vector=%d", lexCount, vecCount))
	}

	if cfg.BM25TopK <= 0 {
		cfg.BM25TopK = 20
	}
	if cfg.VecTopK <= 0 {
		cfg.VecTopK = 20
	}
	if cfg.FinalTopK <= 0 {
		cfg.FinalTopK = 5
	}

	slog.Info("retriever initialized",
		slog.Int("lexical", lexCount),
		slog.Int("vector", vecCount),
		slog.Int("bm25_top_k", cfg.BM25TopK),
		slog.Int("vec_top_k", cfg.VecTopK))

	return &Retriever{
		lexical:  lexical,
		vector:   vector,
		embedder: embedder,
		store:    s,
		fusion:   NewRRFFusion(cfg.RRFK),
		cfg:      cfg,
	}, nil
}

// extractAuthor detects author intent and expands the query into variants
// that reach both the metadata lines and the body text.
func extractAuthor(query string) (author string, expanded []string) {
	for _, pattern := range authorPatterns {
		if m := pattern.FindStringSubmatch(query); m != nil {
			author = strings.TrimSpace(m[1])
			expanded = []string{
				author,
				"기안자 " + author,
				"작성자 " + author,
				author + " 기안서",
				author + " 문서",
			}
			return author, expanded
		}
	}
	return "", []string{query}
}

// Search runs the hybrid retrieval. topK, kBM25 and kVec override the
// configured defaults when positive. Backend failures degrade to the
// surviving backend; both failing surfaces a SearchError.
func (r *Retriever) Search(ctx context.Context, query string, topK, kBM25, kVec int) (*Retrieval, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return &Retrieval{}, nil
	}
	if topK <= 0 {
		topK = r.cfg.FinalTopK
	}
	if kBM25 <= 0 {
		kBM25 = r.cfg.BM25TopK
	}
	if kVec <= 0 {
		kVec = r.cfg.VecTopK
	}

	author, queries := extractAuthor(query)
	if author != "" {
		slog.Info("author intent detected",
			slog.String("author", author),
			slog.Int("variants", len(queries)))
	}

	lexHits, vecHits, err := r.parallelSearch(ctx, queries, kBM25, kVec)
	if err != nil {
		return nil, err
	}

	fused := r.fusion.Fuse(lexHits, vecHits)

	// Enrich the head of the fused list. When an author boost may reorder,
	// enrich a wider window first so boosted tail documents can surface.
	window := topK
	if author != "" && len(fused) > topK {
		window = topK * 2
		if window > len(fused) {
			window = len(fused)
		}
	}
	if window > len(fused) {
		window = len(fused)
	}

	chunks, err := r.enrich(ctx, fused[:window])
	if err != nil {
		return nil, err
	}

	if author != "" {
		boosted := 0
		for _, chunk := range chunks {
			if chunk.Drafter != "" &&
				(strings.Contains(chunk.Drafter, author) || strings.Contains(author, chunk.Drafter)) {
				chunk.Score *= authorBoost
				chunk.AuthorMatch = true
				boosted++
			}
		}
		sort.SliceStable(chunks, func(i, j int) bool {
			return chunks[i].Score > chunks[j].Score
		})
		slog.Info("author boost applied",
			slog.String("author", author),
			slog.Int("matched", boosted),
			slog.Int("total", len(chunks)))
	}

	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	for i, chunk := range chunks {
		chunk.Rank = i + 1
	}

	return &Retrieval{
		Chunks:     chunks,
		ScoreStats: computeScoreStats(chunks),
		AuthorName: author,
	}, nil
}

// parallelSearch runs both backends concurrently. With author variants each
// backend searches every variant and keeps the best rank per document.
func (r *Retriever) parallelSearch(ctx context.Context, queries []string, kBM25, kVec int) ([]RankedHit, []RankedHit, error) {
	var lexHits, vecHits []RankedHit
	var lexErr, vecErr error

	perQueryBM25 := kBM25
	perQueryVec := kVec
	if len(queries) > 1 {
		perQueryBM25 = max(5, kBM25/len(queries))
		perQueryVec = max(5, kVec/len(queries))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lists := make([][]RankedHit, 0, len(queries))
		for _, q := range queries {
			results, err := r.lexical.Search(gctx, q, perQueryBM25)
			if err != nil {
				lexErr = err
				return nil // degrade, let the vector side continue
			}
			hits := make([]RankedHit, len(results))
			for i, res := range results {
				hits[i] = RankedHit{DocID: res.DocID, Rank: res.Rank, Score: res.Score}
			}
			lists = append(lists, hits)
		}
		lexHits = dedupeBestRank(lists...)
		return nil
	})

	g.Go(func() error {
		lists := make([][]RankedHit, 0, len(queries))
		for _, q := range queries {
			embedding, err := r.embedder.Embed(gctx, q)
			if err != nil {
				vecErr = err
				return nil
			}
			results, err := r.vector.Search(gctx, embedding, perQueryVec)
			if err != nil {
				vecErr = err
				return nil
			}
			hits := make([]RankedHit, len(results))
			for i, res := range results {
				hits[i] = RankedHit{DocID: res.DocID, Rank: res.Rank, Score: float64(res.Score)}
			}
			lists = append(lists, hits)
		}
		vecHits = dedupeBestRank(lists...)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err // context cancelled
	}

	if lexErr != nil && vecErr != nil {
		return nil, nil, dferrors.SearchError("both retrieval backends failed",
			fmt.Errorf("lexical: %v; vector: %v", lexErr, vecErr))
	}
	if lexErr != nil {
		slog.Warn("lexical search failed, continuing with vector only",
			slog.String("error", lexErr.Error()))
	}
	if vecErr != nil {
		slog.Warn("vector search failed, continuing with lexical only",
			slog.String("error", vecErr.Error()))
	}

	return lexHits, vecHits, nil
}

// enrich attaches store metadata to fused hits and enforces the non-empty
// chunk text contract: empty previews back-fill from the store row, and a
// still-empty chunk is dropped.
func (r *Retriever) enrich(ctx context.Context, fused []*FusedHit) ([]*Chunk, error) {
	if len(fused) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(fused))
	for _, hit := range fused {
		id, err := store.ParseDocID(hit.DocID)
		if err != nil {
			slog.Warn("skipping malformed doc id from index", slog.String("doc_id", hit.DocID))
			continue
		}
		ids = append(ids, id)
	}

	docs, err := r.store.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	chunks := make([]*Chunk, 0, len(fused))
	for _, hit := range fused {
		id, err := store.ParseDocID(hit.DocID)
		if err != nil {
			continue
		}
		doc, ok := docs[id]
		if !ok {
			// Orphan in the index; metadata is the source of truth.
			slog.Warn("fused doc missing from store", slog.String("doc_id", hit.DocID))
			continue
		}
		chunk := chunkFromDocument(doc, hit.RRFScore, hit.Rank)
		if chunk.Text == "" {
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// computeScoreStats derives the top-score deltas used for low-confidence
// detection.
func computeScoreStats(chunks []*Chunk) ScoreStats {
	stats := ScoreStats{Hits: len(chunks)}
	if len(chunks) > 0 {
		stats.Top1 = chunks[0].Score
	}
	if len(chunks) > 1 {
		stats.Top2 = chunks[1].Score
		stats.Delta12 = stats.Top1 - stats.Top2
		if stats.Top2 > 1e-9 {
			stats.Ratio12 = stats.Top1 / stats.Top2
		}
	}
	if len(chunks) > 2 {
		stats.Top3 = chunks[2].Score
		stats.Delta13 = stats.Top1 - stats.Top3
	}
	return stats
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
