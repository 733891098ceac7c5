package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namjunsu/docfind/internal/answer"
	"github.com/namjunsu/docfind/internal/cache"
	"github.com/namjunsu/docfind/internal/config"
	"github.com/namjunsu/docfind/internal/embed"
	dferrors "github.com/namjunsu/docfind/internal/errors"
	"github.com/namjunsu/docfind/internal/index"
	"github.com/namjunsu/docfind/internal/search"
	"github.com/namjunsu/docfind/internal/store"
	"github.com/namjunsu/docfind/internal/textproc"
)

// stubClient is a thread-safe scripted LLM.
type stubClient struct {
	mu      sync.Mutex
	reply   func(prompt string) (string, error)
	calls   int
	latency time.Duration
}

func (c *stubClient) Complete(_ context.Context, prompt string) (string, error) {
	c.mu.Lock()
	c.calls++
	reply := c.reply
	latency := c.latency
	c.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}
	if reply == nil {
		return "답변 없음", nil
	}
	return reply(prompt)
}

func (c *stubClient) MaxContextTokens() int { return 2000 }
func (c *stubClient) Close() error          { return nil }

func (c *stubClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type serviceFixture struct {
	svc    *Service
	store  *store.Store
	client *stubClient
	cfg    *config.Config
}

func seedServiceCorpus(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()

	total := int64(34340000)
	sumMatch := true
	docs := []*store.Document{
		{
			Filename: "2024-10-24_채널에이_중계차_노후_보수건.pdf", Path: "docs/1.pdf",
			Title: "채널에이 중계차 노후 보수건", Date: "2024-10-24", Year: 2024, Month: 10,
			Doctype: store.DoctypeRepair, Drafter: "남준수",
			ClaimedTotal: &total, SumMatch: &sumMatch,
			TextPreview: "채널에이 중계차 노후 장비 보수. 업체 선정 후 수리 진행. 합계 34,340,000원 승인.",
			ContentHash: "s1",
		},
		{
			Filename: "2024-03-11_남준수_스튜디오_장비_구매.pdf", Path: "docs/2.pdf",
			Title: "스튜디오 장비 구매", Date: "2024-03-11", Year: 2024, Month: 3,
			Doctype: store.DoctypeConsumables, Drafter: "남준수",
			TextPreview: "스튜디오 소모품 장비 구매의 건. 케이블과 커넥터 품목 다수.",
			ContentHash: "s2",
		},
		{
			Filename: "2023-07-01_조명_교체_검토서.pdf", Path: "docs/3.pdf",
			Title: "조명 교체 검토서", Date: "2023-07-01", Year: 2023, Month: 7,
			Doctype: store.DoctypeReview, Drafter: "김철수",
			TextPreview: "스튜디오 LED 조명 교체 검토. 견적 비교 및 선정.",
			ContentHash: "s3",
		},
		{
			Filename: "2024-06-15_XRN-1620B2_녹화기_설치.pdf", Path: "docs/4.pdf",
			Title: "XRN-1620B2 녹화기 설치", Date: "2024-06-15", Year: 2024, Month: 6,
			Doctype: store.DoctypeGeneric, Drafter: "박영희",
			TextPreview: "XRN-1620B2 녹화기 신규 설치 작업 내역.",
			ContentHash: "s4",
		},
	}

	for _, doc := range docs {
		id, _, err := s.Upsert(ctx, doc)
		require.NoError(t, err)
		doc.ID = id

		codes := textproc.ExtractCodes(doc.TextPreview+" "+doc.Filename, false)
		if len(codes) > 0 {
			occs := make([]store.CodeOccurrence, 0, len(codes))
			seen := map[string]struct{}{}
			for _, c := range codes {
				norm := textproc.NormalizeCode(c)
				if _, dup := seen[norm]; dup {
					continue
				}
				seen[norm] = struct{}{}
				occs = append(occs, store.CodeOccurrence{
					DocID: id, RawCode: c, NormCode: norm, PaddedNorm: textproc.PadCode(norm),
				})
			}
			require.NoError(t, s.ReplaceCodes(ctx, id, occs))
		}
	}
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	dataDir := t.TempDir()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Paths.DataDir = dataDir
	cfg.Paths.DocumentsRoot = filepath.Join(dataDir, "docs")
	cfg.Search.MinTextLength = 10

	s, err := store.Open(filepath.Join(dataDir, "metadata.db"))
	require.NoError(t, err)

	seedServiceCorpus(t, s)

	memCache := cache.NewMemoryCache(cfg.Cache.MaxSize,
		time.Duration(cfg.Cache.TTLSeconds)*time.Second, cache.TTLSliding)
	diskCache, err := cache.OpenPersistent(cache.PersistentConfig{
		Path:     filepath.Join(dataDir, "cache", "query_cache.db"),
		TTL:      time.Hour,
		Compress: true,
	})
	require.NoError(t, err)

	embedder := embed.NewStaticEmbedder(32)

	coordinator := index.NewCoordinator(index.CoordinatorConfig{
		Store:         s,
		Embedder:      embedder,
		DataDir:       dataDir,
		ConfigHash:    cfg.Hash(),
		MinTextLength: cfg.Search.MinTextLength,
		Lexical:       index.DefaultLexicalConfig(),
		LockTimeout:   2 * time.Second,
		PollInterval:  20 * time.Millisecond,
		Invalidator:   CacheInvalidator{Mem: memCache, Disk: diskCache},
	})

	_, err = coordinator.FullReindex(ctx)
	require.NoError(t, err)

	lexical, err := index.OpenLexicalIndex(coordinator.LexicalPath())
	require.NoError(t, err)
	vector, err := index.LoadVectorIndex(coordinator.VectorPath(), 32)
	require.NoError(t, err)

	retriever, err := search.NewRetriever(lexical, vector, embedder, s, search.RetrieverConfig{
		BM25TopK: 20, VecTopK: 20, RRFK: 60, FinalTopK: 5,
	})
	require.NoError(t, err)

	client := &stubClient{
		reply: func(prompt string) (string, error) {
			return "문서 기반 답변입니다. [2024-10-24_채널에이_중계차_노후_보수건.pdf]", nil
		},
	}

	svc, err := New(Deps{
		Config:      cfg,
		Store:       s,
		Retriever:   retriever,
		Exact:       search.NewExactMatcher(s),
		Router:      search.NewRouter(0.05, 1),
		MemCache:    memCache,
		DiskCache:   diskCache,
		Composer:    answer.NewComposer(client, answer.ComposerConfig{MaxRetry: 1}),
		Coordinator: coordinator,
		Lexical:     lexical,
		Vector:      vector,
		Embedder:    embedder,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return &serviceFixture{svc: svc, store: s, client: client, cfg: cfg}
}

func TestQuery_Validation(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Query(context.Background(), "  ", 5)
	require.Error(t, err)
	assert.Equal(t, dferrors.ErrCodeQueryEmpty, dferrors.CodeOf(err))

	_, err = f.svc.Query(context.Background(), "질문", 5000)
	require.Error(t, err)
	assert.Equal(t, dferrors.ErrCodeInvalidTopK, dferrors.CodeOf(err))
}

func TestQuery_CostScenario(t *testing.T) {
	f := newServiceFixture(t)

	resp, err := f.svc.Query(context.Background(), "채널에이 중계차 보수 합계 얼마였지?", 5)
	require.NoError(t, err)

	assert.Equal(t, search.ModeCost, resp.Mode)
	assert.Contains(t, resp.Answer, "₩34,340,000")
	assert.Contains(t, resp.Answer, "2024-10-24_채널에이_중계차_노후_보수건.pdf")

	// claimed_total and sum_match surface from the store on the evidence.
	require.NotEmpty(t, resp.SourceDocs)
	top := resp.SourceDocs[0]
	require.NotNil(t, top.ClaimedTotal)
	assert.Equal(t, int64(34340000), *top.ClaimedTotal)
	require.NotNil(t, top.SumMatch)
	assert.True(t, *top.SumMatch)
}

func TestQuery_SearchScenario(t *testing.T) {
	f := newServiceFixture(t)

	resp, err := f.svc.Query(context.Background(), "2024년 남준수 문서 찾아줘", 5)
	require.NoError(t, err)

	assert.Equal(t, search.ModeSearch, resp.Mode)
	assert.Contains(t, resp.Answer, "2024")
	assert.Contains(t, resp.Answer, "남준수")
	require.NotEmpty(t, resp.SourceDocs)

	// Soft author filter: rank 1 is author-matched, each entry carries
	// date and drafter.
	assert.Equal(t, "남준수", resp.SourceDocs[0].Drafter)
	for _, doc := range resp.SourceDocs {
		assert.NotEmpty(t, doc.Date)
		assert.NotEmpty(t, doc.Filename)
	}
	// No LLM call for list answers.
	assert.Zero(t, f.client.callCount())
}

func TestQuery_DocumentSummaryScenario(t *testing.T) {
	f := newServiceFixture(t)
	f.client.reply = func(prompt string) (string, error) {
		return "```json\n{\"제목\": \"채널에이 중계차 노후 보수건\", \"목적배경\": \"노후화\", \"주요내용\": \"보수 수행\", \"결론조치\": \"승인\"}\n```\n[2024-10-24_채널에이_중계차_노후_보수건.pdf]", nil
	}

	resp, err := f.svc.Query(context.Background(), "채널에이 중계차 노후 보수건 요약해줘", 5)
	require.NoError(t, err)

	assert.Equal(t, search.ModeDocument, resp.Mode)
	assert.True(t, resp.HasProperCitation)
	assert.Contains(t, resp.SourcesCited, "2024-10-24_채널에이_중계차_노후_보수건.pdf")
	// Single-candidate confirmation narrowed the hits to one.
	assert.Len(t, resp.SourceDocs, 1)
}

func TestQuery_ExactCodeScenario(t *testing.T) {
	f := newServiceFixture(t)

	resp, err := f.svc.Query(context.Background(), "XRN-1620B2 매뉴얼 내용이 궁금해", 5)
	require.NoError(t, err)

	require.NotEmpty(t, resp.SourceDocs)
	found := false
	for _, doc := range resp.SourceDocs {
		if doc.Filename == "2024-06-15_XRN-1620B2_녹화기_설치.pdf" {
			found = true
			assert.GreaterOrEqual(t, doc.Score, 3.0, "exact code weight")
			assert.Equal(t, string(store.MatchExactCode), doc.MatchKind)
		}
	}
	assert.True(t, found, "exact-code doc appears in final top_k")
}

func TestQuery_CacheHitSecondTime(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Query(ctx, "중계차 보수 내역이 뭐야", 5)
	require.NoError(t, err)
	assert.False(t, first.Metrics.CacheHit)
	callsAfterFirst := f.client.callCount()

	second, err := f.svc.Query(ctx, "중계차 보수 내역이 뭐야", 5)
	require.NoError(t, err)
	assert.True(t, second.Metrics.CacheHit)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, callsAfterFirst, f.client.callCount(), "no recompute on hit")
}

func TestQuery_PersistentTierAuthoritativeOnMemoryMiss(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Query(ctx, "중계차 보수 내역이 뭐야", 5)
	require.NoError(t, err)

	// Simulate a process restart of the fast path only.
	f.svc.deps.MemCache.Clear()

	resp, err := f.svc.Query(ctx, "중계차 보수 내역이 뭐야", 5)
	require.NoError(t, err)
	assert.True(t, resp.Metrics.CacheHit)
	assert.Equal(t, "disk", resp.Metrics.CacheTier)
}

func TestQuery_SingleFlight(t *testing.T) {
	f := newServiceFixture(t)
	f.client.latency = 50 * time.Millisecond

	const workers = 6
	var wg sync.WaitGroup
	answers := make([]string, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.svc.Query(context.Background(), "중계차 수리 업체가 어디야", 5)
			if err != nil {
				errs[i] = err
				return
			}
			answers[i] = resp.Answer
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, answers[0], answers[i])
	}
	assert.Equal(t, 1, f.client.callCount(), "N concurrent identical queries, one computation")
}

func TestReindex_ChangesNamespaceAndInvalidates(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	nsBefore := f.svc.Namespace()

	warm, err := f.svc.Query(ctx, "중계차 보수 내역이 뭐야", 5)
	require.NoError(t, err)
	assert.False(t, warm.Metrics.CacheHit)

	require.NoError(t, f.svc.Reindex(ctx))
	assert.NotEqual(t, nsBefore, f.svc.Namespace())

	// Same inputs after invalidation: a miss, then a matching hit.
	miss, err := f.svc.Query(ctx, "중계차 보수 내역이 뭐야", 5)
	require.NoError(t, err)
	assert.False(t, miss.Metrics.CacheHit, "previous namespace entries do not serve")

	hit, err := f.svc.Query(ctx, "중계차 보수 내역이 뭐야", 5)
	require.NoError(t, err)
	assert.True(t, hit.Metrics.CacheHit)
}

func TestReindex_UnderLoad(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	const queries = 20
	var wg sync.WaitGroup
	errs := make([]error, queries)
	responses := make([]*QueryResponse, queries)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = f.svc.Reindex(ctx)
	}()

	for i := 0; i < queries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = f.svc.Query(ctx, fmt.Sprintf("중계차 보수 문의 %d", i), 5)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i := 0; i < queries; i++ {
		if errs[i] == nil {
			succeeded++
			require.NotNil(t, responses[i])
			for _, doc := range responses[i].SourceDocs {
				assert.False(t, doc.Score != doc.Score, "no NaN scores")
			}
		}
	}
	assert.GreaterOrEqual(t, succeeded, queries-1, "at least 19 of 20 succeed during reindex")
}

func TestMetrics_Snapshot(t *testing.T) {
	f := newServiceFixture(t)

	m, err := f.svc.Metrics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, m.DocstoreSize)
	assert.Equal(t, 4, m.LexicalSize)
	assert.Equal(t, 4, m.VectorSize)
	assert.Zero(t, m.StaleCount)
	assert.NotEmpty(t, m.LastReindexAt)
	assert.False(t, m.Reindexing)
}

func TestIndexDocument_Incremental(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	id, _, err := f.store.Upsert(ctx, &store.Document{
		Filename: "2024-12-01_신규_장비_도입.pdf", Path: "docs/new.pdf",
		Title: "신규 장비 도입", TextPreview: "신규 스위처 장비 도입 검토 본문입니다.",
		ContentHash: "s-new",
	})
	require.NoError(t, err)
	doc, err := f.store.Get(ctx, id)
	require.NoError(t, err)

	require.NoError(t, f.svc.IndexDocument(ctx, doc))

	m, err := f.svc.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, m.LexicalSize)
	assert.Equal(t, 5, m.VectorSize)
}
