// Package service wires the core subsystems behind the query/ingest/metrics
// boundary: router → cache → retriever (exact ∪ hybrid) → composer → cache.
// The cache is a pass-through service; recomputation is orchestrated here,
// never from inside the cache.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/namjunsu/docfind/internal/answer"
	"github.com/namjunsu/docfind/internal/cache"
	"github.com/namjunsu/docfind/internal/config"
	"github.com/namjunsu/docfind/internal/embed"
	"github.com/namjunsu/docfind/internal/index"
	"github.com/namjunsu/docfind/internal/logging"
	"github.com/namjunsu/docfind/internal/search"
	"github.com/namjunsu/docfind/internal/store"
	"github.com/namjunsu/docfind/internal/validation"
)

// inflightWaitTimeout bounds how long a follower waits for the leader
// before re-attempting the lookup itself.
const inflightWaitTimeout = 10 * time.Second

// QueryMetrics is the per-request measurement block.
type QueryMetrics struct {
	CacheHit      bool   `json:"cache_hit"`
	CacheTier     string `json:"cache_tier,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
	Hits          int    `json:"hits"`
	LowConfidence bool   `json:"low_confidence"`
}

// QueryResponse is the typed response of the query boundary.
type QueryResponse struct {
	Answer            string          `json:"answer"`
	Mode              search.Mode     `json:"mode"`
	SourcesCited      []string        `json:"sources_cited"`
	Confidence        float64         `json:"confidence"`
	HasProperCitation bool            `json:"has_proper_citation"`
	SourceDocs        []*search.Chunk `json:"source_docs"`
	Evidence          []*search.Chunk `json:"evidence"`
	Metrics           QueryMetrics    `json:"metrics"`
}

// Metrics is the aggregate health snapshot for the metrics endpoint.
type Metrics struct {
	DocstoreSize  int                   `json:"docstore_size"`
	LexicalSize   int                   `json:"lexical_size"`
	VectorSize    int                   `json:"vector_size"`
	StaleCount    int64                 `json:"stale_count"`
	LastReindexAt string                `json:"last_reindex_at"`
	IngestStatus  string                `json:"ingest_status"`
	Reindexing    bool                  `json:"reindexing"`
	CacheStats    cache.MemoryStats     `json:"cache_stats"`
	DiskCache     cache.PersistentStats `json:"disk_cache_stats"`
}

// Deps carries the assembled subsystems.
type Deps struct {
	Config      *config.Config
	Store       *store.Store
	Retriever   *search.Retriever
	Exact       *search.ExactMatcher
	Router      *search.Router
	MemCache    *cache.MemoryCache
	DiskCache   *cache.PersistentCache
	Composer    *answer.Composer
	Coordinator *index.Coordinator
	Lexical     *index.LexicalIndex
	Vector      *index.VectorIndex
	Embedder    embed.Embedder

	// Now is injectable for deterministic cache keys in tests.
	Now func() time.Time
}

// Service is the retrieval-and-answer core behind the CLI/API boundary.
type Service struct {
	deps Deps

	// mu guards the fields swapped by Reindex.
	mu        sync.RWMutex
	retriever *search.Retriever
	vector    *index.VectorIndex
	namespace string
}

// New assembles the service and derives the initial cache namespace from
// the current index version and config hash.
func New(deps Deps) (*Service, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	version, err := index.ReadVersion(deps.Coordinator.VersionPath())
	if err != nil {
		return nil, err
	}

	s := &Service{
		deps:      deps,
		retriever: deps.Retriever,
		vector:    deps.Vector,
	}
	s.namespace = version.Namespace(deps.Config.Hash())
	return s, nil
}

// Namespace returns the current cache namespace.
func (s *Service) Namespace() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namespace
}

func (s *Service) currentRetriever() *search.Retriever {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retriever
}

func (s *Service) currentVector() *index.VectorIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vector
}

// validateInput rejects malformed query inputs before any work happens.
func validateInput(text string, topK int) error {
	if err := validation.ValidateQuery(text); err != nil {
		return err
	}
	return validation.ValidateTopK(topK)
}

// Query answers a user query. Cache layers are consulted first (memory,
// then the authoritative persistent tier); concurrent identical misses are
// de-duplicated through the single-flight protocol.
func (s *Service) Query(ctx context.Context, text string, topK int) (*QueryResponse, error) {
	start := s.deps.Now()
	reqID := logging.NewRequestID()
	ctx, logger := logging.WithRequest(ctx, reqID, reqID)

	if err := validateInput(text, topK); err != nil {
		logger.Warn("query rejected", slog.String("error", err.Error()))
		return nil, err
	}

	mode := s.deps.Router.Classify(text)
	logger = logger.With(slog.String("mode", string(mode)))

	key := cache.FullKey(s.Namespace(), text, string(mode), start)

	for {
		if resp, tier := s.cacheLookup(ctx, key); resp != nil {
			resp.Metrics.CacheHit = true
			resp.Metrics.CacheTier = tier
			resp.Metrics.DurationMS = s.deps.Now().Sub(start).Milliseconds()
			logger.Info("query served from cache", slog.String("tier", tier))
			return resp, nil
		}

		if s.deps.MemCache.BeginInflight(key) {
			break // leader computes below
		}
		// Follower: wait for the leader, then re-check the cache. On a
		// timeout the loop makes this worker its own leader.
		s.deps.MemCache.WaitInflight(key, inflightWaitTimeout)
	}
	defer s.deps.MemCache.EndInflight(key)

	resp, err := s.compute(ctx, logger, text, mode, topK)
	if err != nil {
		return nil, err
	}
	resp.Metrics.DurationMS = s.deps.Now().Sub(start).Milliseconds()

	s.cacheStore(ctx, key, text, resp)
	return resp, nil
}

// cacheLookup consults memory first, then the persistent tier; a disk hit
// refills the fast path.
func (s *Service) cacheLookup(ctx context.Context, key string) (*QueryResponse, string) {
	if blob, ok := s.deps.MemCache.Get(key); ok {
		if resp := decodeResponse(blob); resp != nil {
			return resp, "memory"
		}
	}
	if s.deps.DiskCache != nil {
		blob, ok, err := s.deps.DiskCache.Get(ctx, key)
		if err != nil {
			slog.Warn("persistent cache read failed", slog.String("error", err.Error()))
			return nil, ""
		}
		if ok {
			if resp := decodeResponse(blob); resp != nil {
				s.deps.MemCache.Set(key, blob)
				return resp, "disk"
			}
		}
	}
	return nil, ""
}

func (s *Service) cacheStore(ctx context.Context, key, query string, resp *QueryResponse) {
	blob, err := json.Marshal(resp)
	if err != nil {
		slog.Warn("response marshal failed", slog.String("error", err.Error()))
		return
	}
	s.deps.MemCache.Set(key, blob)
	if s.deps.DiskCache != nil {
		if err := s.deps.DiskCache.Set(ctx, key, query, blob); err != nil {
			slog.Warn("persistent cache write failed", slog.String("error", err.Error()))
		}
	}
}

func decodeResponse(blob json.RawMessage) *QueryResponse {
	var resp QueryResponse
	if err := json.Unmarshal(blob, &resp); err != nil {
		return nil
	}
	return &resp
}

// compute runs the retrieval and composition for a cache miss.
func (s *Service) compute(ctx context.Context, logger *slog.Logger, text string, mode search.Mode, topK int) (*QueryResponse, error) {
	if topK <= 0 {
		topK = s.deps.Config.Search.FinalTopK
	}

	retrieval, err := s.retrieve(ctx, logger, text, topK)
	if err != nil {
		return nil, err
	}

	lowConf := s.deps.Router.LogLowConfidence(retrieval.ScoreStats)

	// Content-intent queries may collapse to a single confirmed document.
	if !retrieval.Empty() {
		var narrowed []*search.Chunk
		mode, narrowed = s.deps.Router.ClassifyWithHits(text, retrieval.Chunks)
		retrieval.Chunks = narrowed
	}

	var resp *QueryResponse
	switch mode {
	case search.ModeSearch:
		resp = s.searchModeResponse(retrieval)
	default:
		composed, err := s.deps.Composer.Compose(ctx, text, mode, retrieval)
		if err != nil {
			return nil, err
		}
		resp = &QueryResponse{
			Answer:            composed.Answer,
			SourcesCited:      composed.SourcesCited,
			Confidence:        composed.Confidence,
			HasProperCitation: composed.HasProperCitation,
			SourceDocs:        retrieval.Chunks,
			Evidence:          composed.Evidence,
		}
		if mode == search.ModeCost {
			s.ensureCostTotal(resp, retrieval)
		}
	}

	resp.Mode = mode
	resp.Metrics.Hits = len(retrieval.Chunks)
	resp.Metrics.LowConfidence = lowConf

	logger.Info("query complete",
		slog.Int("hits", len(retrieval.Chunks)),
		slog.Float64("confidence", resp.Confidence),
		slog.Bool("cited", resp.HasProperCitation))

	return resp, nil
}

// retrieve unions the exact-code layer with hybrid retrieval. The exact
// layer is additive: its matches outrank fused hits, nothing is removed.
func (s *Service) retrieve(ctx context.Context, logger *slog.Logger, text string, topK int) (*search.Retrieval, error) {
	exactMatches, err := s.deps.Exact.SearchCodes(ctx, text)
	if err != nil {
		logger.Warn("exact-code layer failed, continuing",
			slog.String("error", err.Error()))
		exactMatches = nil
	}
	exactChunks, err := s.deps.Exact.Chunks(ctx, exactMatches, topK)
	if err != nil {
		logger.Warn("exact-code enrichment failed, continuing",
			slog.String("error", err.Error()))
		exactChunks = nil
	}

	hybrid, err := s.currentRetriever().Search(ctx, text, topK, 0, 0)
	if err != nil {
		// Retriever-level failures surface empty results, not exceptions.
		logger.Error("hybrid retrieval failed",
			slog.String("error", err.Error()))
		hybrid = &search.Retrieval{}
	}

	if len(exactChunks) == 0 {
		return hybrid, nil
	}

	merged := make([]*search.Chunk, 0, len(exactChunks)+len(hybrid.Chunks))
	seen := make(map[string]struct{})
	for _, chunk := range exactChunks {
		merged = append(merged, chunk)
		seen[chunk.DocID] = struct{}{}
	}
	for _, chunk := range hybrid.Chunks {
		if _, dup := seen[chunk.DocID]; !dup {
			merged = append(merged, chunk)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}
	for i, chunk := range merged {
		chunk.Rank = i + 1
	}

	return &search.Retrieval{
		Chunks:     merged,
		ScoreStats: hybrid.ScoreStats,
		AuthorName: hybrid.AuthorName,
	}, nil
}

// searchModeResponse renders the list-style answer without an LLM call.
func (s *Service) searchModeResponse(retrieval *search.Retrieval) *QueryResponse {
	if retrieval.Empty() {
		return &QueryResponse{
			Answer:     answer.NoResultsMessage,
			Confidence: 0,
		}
	}

	var b strings.Builder
	b.WriteString("검색 결과:\n")
	var cited []string
	for i, chunk := range retrieval.Chunks {
		line := chunk.Filename
		if chunk.Date != "" {
			line += " | " + chunk.Date
		}
		if chunk.Drafter != "" {
			line += " | 기안자 " + chunk.Drafter
		}
		fmt.Fprintf(&b, "%d. [%s]\n", i+1, line)
		cited = append(cited, chunk.Filename)
	}

	return &QueryResponse{
		Answer:            b.String(),
		SourcesCited:      cited,
		Confidence:        retrieval.ScoreStats.Top1,
		HasProperCitation: true,
		SourceDocs:        retrieval.Chunks,
		Evidence:          retrieval.Chunks,
	}
}

// ensureCostTotal guarantees a COST answer carries the extracted total when
// the store knows it, even if the model paraphrased it away.
func (s *Service) ensureCostTotal(resp *QueryResponse, retrieval *search.Retrieval) {
	if retrieval.Empty() {
		return
	}
	top := retrieval.Chunks[0]
	if top.ClaimedTotal == nil {
		return
	}
	formatted := answer.FormatKRW(top.ClaimedTotal)
	if strings.Contains(resp.Answer, formatted) {
		return
	}
	resp.Answer = resp.Answer + "\n\n합계 금액: " + formatted + " [" + top.Filename + "]"
}

// IndexDocument incrementally indexes an already-ingested document into
// the live handles, serialized under the reindex lock.
func (s *Service) IndexDocument(ctx context.Context, doc *store.Document) error {
	return s.deps.Coordinator.UpsertDocument(ctx, doc, s.deps.Lexical, s.currentVector())
}

// Reindex runs a full rebuild, reloads the live handles, rebuilds the
// retriever over them, and moves the cache namespace to the new version.
// Readers keep serving the pre-reindex state until the swap completes.
func (s *Service) Reindex(ctx context.Context) error {
	version, err := s.deps.Coordinator.FullReindex(ctx)
	if err != nil {
		return err
	}

	if err := s.deps.Lexical.Reload(); err != nil {
		return err
	}
	vector, err := index.LoadVectorIndex(s.deps.Coordinator.VectorPath(), s.deps.Embedder.Dimensions())
	if err != nil {
		return err
	}

	retriever, err := search.NewRetriever(s.deps.Lexical, vector, s.deps.Embedder, s.deps.Store, search.RetrieverConfig{
		BM25TopK:  s.deps.Config.Search.BM25TopK,
		VecTopK:   s.deps.Config.Search.VecTopK,
		RRFK:      s.deps.Config.Search.RRFK,
		FinalTopK: s.deps.Config.Search.FinalTopK,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	oldVector := s.vector
	s.vector = vector
	s.retriever = retriever
	s.namespace = version.Namespace(s.deps.Config.Hash())
	s.mu.Unlock()

	if oldVector != nil && oldVector != vector {
		_ = oldVector.Close()
	}

	slog.Info("service switched to new index namespace",
		slog.String("namespace", s.Namespace()))
	return nil
}

// Metrics returns the aggregate counts for the metrics endpoint.
func (s *Service) Metrics(ctx context.Context) (*Metrics, error) {
	stats, err := s.deps.Store.Stats(ctx, s.deps.Config.Search.MinTextLength)
	if err != nil {
		return nil, err
	}

	lexSize := s.deps.Lexical.Count()
	m := &Metrics{
		DocstoreSize: stats.TotalDocuments,
		LexicalSize:  lexSize,
		VectorSize:   s.currentVector().Count(),
		StaleCount:   stats.MaxID - int64(lexSize),
		Reindexing:   s.deps.Coordinator.Lock().IsHeld(),
		CacheStats:   s.deps.MemCache.Stats(),
	}
	m.IngestStatus = "idle"
	if m.Reindexing {
		m.IngestStatus = "reindexing"
	}

	if ts, err := index.ReadTimestamp(s.deps.Coordinator.LastReindexPath()); err == nil && !ts.IsZero() {
		m.LastReindexAt = ts.UTC().Format(time.RFC3339)
	}
	if s.deps.DiskCache != nil {
		if ds, err := s.deps.DiskCache.Stats(); err == nil {
			m.DiskCache = ds
		}
	}
	return m, nil
}

// Close releases every owned resource.
func (s *Service) Close() error {
	if s.deps.DiskCache != nil {
		_ = s.deps.DiskCache.Close()
	}
	if v := s.currentVector(); v != nil {
		_ = v.Close()
	}
	if s.deps.Lexical != nil {
		_ = s.deps.Lexical.Close()
	}
	return s.deps.Store.Close()
}
