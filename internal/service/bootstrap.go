package service

import (
	"path/filepath"
	"time"

	"github.com/namjunsu/docfind/internal/answer"
	"github.com/namjunsu/docfind/internal/cache"
	"github.com/namjunsu/docfind/internal/config"
	"github.com/namjunsu/docfind/internal/embed"
	"github.com/namjunsu/docfind/internal/index"
	"github.com/namjunsu/docfind/internal/llm"
	"github.com/namjunsu/docfind/internal/search"
	"github.com/namjunsu/docfind/internal/store"
)

// CacheInvalidator fans namespace invalidation across both cache tiers.
// It never calls back into the retriever: recomputation stays with the
// service layer.
type CacheInvalidator struct {
	Mem  *cache.MemoryCache
	Disk *cache.PersistentCache
}

// InvalidatePrefix drops the prefix from both tiers.
func (ci CacheInvalidator) InvalidatePrefix(prefix string) {
	if ci.Mem != nil {
		ci.Mem.InvalidatePrefix(prefix)
	}
	if ci.Disk != nil {
		ci.Disk.InvalidatePrefix(prefix)
	}
}

// Open assembles the full service from configuration: store, caches,
// coordinator, loaded indexes, retriever, router, composer. Fails fast on
// index consistency violations (missing, empty, parity, dimensions).
func Open(cfg *config.Config, client llm.Client) (*Service, error) {
	s, err := store.Open(filepath.Join(cfg.Paths.DataDir, "metadata.db"))
	if err != nil {
		return nil, err
	}

	memCache := cache.NewMemoryCache(cfg.Cache.MaxSize,
		time.Duration(cfg.Cache.TTLSeconds)*time.Second, cache.TTLMode(cfg.Cache.TTLMode))

	diskCache, err := cache.OpenPersistent(cache.PersistentConfig{
		Path:        filepath.Join(cfg.Paths.DataDir, "cache", "query_cache.db"),
		TTL:         time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		Mode:        cache.TTLMode(cfg.Cache.TTLMode),
		MaxDBMB:     cfg.Cache.MaxDBMB,
		CleanupProb: cfg.Cache.CleanupProb,
		Compress:    true,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	embedder := embed.NewCachedEmbedder(embed.NewStaticEmbedder(cfg.Ingest.EmbedDimensions), 0)

	coordinator := index.NewCoordinator(index.CoordinatorConfig{
		Store:         s,
		Embedder:      embedder,
		DataDir:       cfg.Paths.DataDir,
		ConfigHash:    cfg.Hash(),
		MinTextLength: cfg.Search.MinTextLength,
		Lexical:       index.LexicalConfig{K1: cfg.Search.BM25K1, B: cfg.Search.BM25B},
		LockTimeout:   cfg.LockTimeout(),
		PollInterval:  cfg.PollInterval(),
		Invalidator:   CacheInvalidator{Mem: memCache, Disk: diskCache},
	})

	lexical, err := index.OpenLexicalIndex(coordinator.LexicalPath())
	if err != nil {
		_ = diskCache.Close()
		_ = s.Close()
		return nil, err
	}
	vector, err := index.LoadVectorIndex(coordinator.VectorPath(), embedder.Dimensions())
	if err != nil {
		_ = lexical.Close()
		_ = diskCache.Close()
		_ = s.Close()
		return nil, err
	}

	retriever, err := search.NewRetriever(lexical, vector, embedder, s, search.RetrieverConfig{
		BM25TopK:  cfg.Search.BM25TopK,
		VecTopK:   cfg.Search.VecTopK,
		RRFK:      cfg.Search.RRFK,
		FinalTopK: cfg.Search.FinalTopK,
	})
	if err != nil {
		_ = vector.Close()
		_ = lexical.Close()
		_ = diskCache.Close()
		_ = s.Close()
		return nil, err
	}

	composer := answer.NewComposer(client, answer.ComposerConfig{
		MaxRetry:            cfg.LLM.MaxRetry,
		AllowUngroundedChat: cfg.Cache.AllowUngroundedChat,
	})

	return New(Deps{
		Config:      cfg,
		Store:       s,
		Retriever:   retriever,
		Exact:       search.NewExactMatcher(s),
		Router:      search.NewRouter(cfg.Search.LowConfDelta, cfg.Search.LowConfMinHits),
		MemCache:    memCache,
		DiskCache:   diskCache,
		Composer:    composer,
		Coordinator: coordinator,
		Lexical:     lexical,
		Vector:      vector,
		Embedder:    embedder,
	})
}
