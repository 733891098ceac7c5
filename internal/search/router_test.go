package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Cost(t *testing.T) {
	router := NewRouter(0.05, 1)
	queries := []string{
		"채널에이 중계차 보수 합계 얼마였지?",
		"비용 합계는?",
		"소모품 구매 총액",
		"합계 금액 알려줘",
		"총액은?",
	}
	for _, q := range queries {
		assert.Equal(t, ModeCost, router.Classify(q), q)
	}
}

func TestClassify_Document(t *testing.T) {
	router := NewRouter(0.05, 1)
	queries := []string{
		"이 문서 요약해줘",
		"미러클랩 카메라 삼각대 기술검토서 내용 알려줘",
		"2024-10-24_채널에이_중계차_노후_보수건.pdf 미리보기",
		"해당 문서 정리해줘",
	}
	for _, q := range queries {
		assert.Equal(t, ModeDocument, router.Classify(q), q)
	}
}

func TestClassify_DetailedIntentForcesQA(t *testing.T) {
	router := NewRouter(0.05, 1)
	assert.Equal(t, ModeQA, router.Classify("이 문서 내용 자세히 알려줘"))
	assert.Equal(t, ModeQA, router.Classify("기술검토서 구체적으로 설명해줘"))
}

func TestClassify_Search(t *testing.T) {
	router := NewRouter(0.05, 1)
	queries := []string{
		"2024년 남준수 문서 찾아줘",
		"중계차 렌즈 문서 찾아줘",
		"카메라 관련 문서",
		"삼각대 기안서 있어?",
	}
	for _, q := range queries {
		assert.Equal(t, ModeSearch, router.Classify(q), q)
	}
}

func TestClassify_QADefault(t *testing.T) {
	router := NewRouter(0.05, 1)
	assert.Equal(t, ModeQA, router.Classify("중계차 렌즈 교체 주기가 어떻게 되나"))
}

func TestClassify_PriorityCostOverSearch(t *testing.T) {
	router := NewRouter(0.05, 1)
	// Contains a find verb but the cost intent wins.
	assert.Equal(t, ModeCost, router.Classify("남준수 기안 문서 총액 알려줘"))
}

func TestClassifyWithHits_SingleCandidate(t *testing.T) {
	router := NewRouter(0.05, 1)

	hits := []*Chunk{
		{DocID: "doc_1", Filename: "2024-10-24_채널에이_중계차_노후_보수건.pdf", Title: "채널에이 중계차 노후 보수건"},
	}

	mode, narrowed := router.ClassifyWithHits("채널에이 중계차 노후 보수건 내용 알려줘", hits)
	assert.Equal(t, ModeDocument, mode)
	require.Len(t, narrowed, 1)
	assert.Equal(t, "doc_1", narrowed[0].DocID)
}

func TestClassifyWithHits_HighSimilarityWins(t *testing.T) {
	router := NewRouter(0.05, 1)

	hits := []*Chunk{
		{DocID: "doc_1", Filename: "2024-10-24_채널에이_중계차_노후_보수건.pdf", Title: "채널에이 중계차 노후 보수건"},
		{DocID: "doc_2", Filename: "2023-01-01_완전히_다른_주제의_장비_구매.pdf", Title: "완전히 다른 주제의 장비 구매 기안서류"},
	}

	mode, narrowed := router.ClassifyWithHits("채널에이 중계차 노후 보수건 요약해줘", hits)
	assert.Equal(t, ModeDocument, mode)
	require.Len(t, narrowed, 1)
	assert.Equal(t, "doc_1", narrowed[0].DocID)
}

func TestClassifyWithHits_NoContentIntentFallsBack(t *testing.T) {
	router := NewRouter(0.05, 1)
	hits := []*Chunk{{DocID: "doc_1", Filename: "a.pdf"}}

	mode, narrowed := router.ClassifyWithHits("2024년 남준수 문서 찾아줘", hits)
	assert.Equal(t, ModeSearch, mode)
	assert.Len(t, narrowed, 1)
}

func TestNameSimilarity(t *testing.T) {
	assert.GreaterOrEqual(t, nameSimilarity("abc", "abc"), 0.66)
	assert.Less(t, nameSimilarity("abc", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"), 0.66)
}

func TestLogLowConfidence(t *testing.T) {
	router := NewRouter(0.05, 1)

	assert.True(t, router.LogLowConfidence(ScoreStats{Hits: 3, Delta12: 0.01}))
	assert.False(t, router.LogLowConfidence(ScoreStats{Hits: 3, Delta12: 0.2}))
	assert.False(t, router.LogLowConfidence(ScoreStats{Hits: 0, Delta12: 0.0}))

	// The signal never changes the routed mode.
	assert.Equal(t, ModeQA, router.Classify("중계차 렌즈 교체 주기가 어떻게 되나"))
}
