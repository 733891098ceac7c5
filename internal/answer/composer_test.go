package answer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namjunsu/docfind/internal/search"
)

// scriptedClient replays canned completions, one per call.
type scriptedClient struct {
	replies []string
	errs    []error
	calls   int
	prompts []string
}

func (c *scriptedClient) Complete(_ context.Context, prompt string) (string, error) {
	i := c.calls
	c.calls++
	c.prompts = append(c.prompts, prompt)
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	if i < len(c.replies) {
		return c.replies[i], nil
	}
	return "", errors.New("no scripted reply")
}

func (c *scriptedClient) MaxContextTokens() int { return 2000 }
func (c *scriptedClient) Close() error          { return nil }

func repairChunks() []*search.Chunk {
	total := int64(34340000)
	match := true
	return []*search.Chunk{
		{
			DocID: "doc_1", Page: 1, Rank: 1, Score: 0.9,
			Filename: "2024-10-24_채널에이_중계차_노후_보수건.pdf",
			Title:    "채널에이 중계차 노후 보수건",
			Date:     "2024-10-24", Drafter: "남준수", Category: "repair",
			Text:         "중계차 노후 장비 보수. 업체 ㈜삼아 GVC. 합계 34,340,000원 승인.",
			ClaimedTotal: &total, SumMatch: &match,
		},
		{
			DocID: "doc_2", Page: 1, Rank: 2, Score: 0.4,
			Filename: "2024-05-02_스튜디오_조명_교체_검토서.pdf",
			Text:     "조명 교체 검토 본문. 견적 비교 2,000,000원.",
		},
	}
}

func retrievalOf(chunks []*search.Chunk) *search.Retrieval {
	return &search.Retrieval{Chunks: chunks, ScoreStats: search.ScoreStats{Hits: len(chunks)}}
}

func TestCompose_CitedAnswerPassesThrough(t *testing.T) {
	client := &scriptedClient{replies: []string{
		"보수 합계는 ₩34,340,000입니다. [2024-10-24_채널에이_중계차_노후_보수건.pdf]",
	}}
	composer := NewComposer(client, ComposerConfig{MaxRetry: 1})

	resp, err := composer.Compose(context.Background(), "중계차 보수 합계 얼마였지?", search.ModeCost, retrievalOf(repairChunks()))
	require.NoError(t, err)

	assert.True(t, resp.HasProperCitation)
	assert.Contains(t, resp.Answer, "₩34,340,000")
	assert.Contains(t, resp.SourcesCited, "2024-10-24_채널에이_중계차_노후_보수건.pdf")
	assert.Greater(t, resp.Confidence, 0.5)
	assert.Equal(t, 1, client.calls)
}

func TestCompose_RetriesThenForcesSources(t *testing.T) {
	client := &scriptedClient{replies: []string{
		"보수 비용은 약 3천만원 규모입니다.", // no citation
		"최종 합계는 34,340,000원입니다.",  // still no citation
	}}
	composer := NewComposer(client, ComposerConfig{MaxRetry: 1})

	resp, err := composer.Compose(context.Background(), "중계차 보수 합계?", search.ModeCost, retrievalOf(repairChunks()))
	require.NoError(t, err)

	assert.Equal(t, 2, client.calls, "one retry within budget")
	assert.False(t, resp.HasProperCitation)
	assert.Contains(t, resp.Answer, "출처: [2024-10-24_채널에이_중계차_노후_보수건.pdf]")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(resp.Answer),
		"[2024-05-02_스튜디오_조명_교체_검토서.pdf]"), "synthesized source line at the end")
}

func TestCompose_LLMFailureYieldsBasicSummary(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("down"), errors.New("down")}}
	composer := NewComposer(client, ComposerConfig{MaxRetry: 1})

	chunks := repairChunks()
	resp, err := composer.Compose(context.Background(), "중계차 보수?", search.ModeQA, retrievalOf(chunks))
	require.NoError(t, err)

	// Never the fixed no-documents string when chunks exist.
	assert.NotEqual(t, NoResultsMessage, resp.Answer)
	assert.Contains(t, resp.Answer, chunks[0].Filename)
	assert.Contains(t, resp.Answer, "출처:")
	assert.InDelta(t, 0.3, resp.Confidence, 1e-9)
}

func TestCompose_EmptyRetrievalFixedReply(t *testing.T) {
	client := &scriptedClient{}
	composer := NewComposer(client, ComposerConfig{MaxRetry: 1, AllowUngroundedChat: false})

	resp, err := composer.Compose(context.Background(), "APEX 중계 동시통역 라우팅?", search.ModeQA, &search.Retrieval{})
	require.NoError(t, err)

	assert.Equal(t, NoResultsMessage, resp.Answer)
	assert.Zero(t, resp.Confidence)
	assert.Zero(t, client.calls, "no LLM call when ungrounded chat is off")
}

func TestCompose_EmptyRetrievalUngroundedChat(t *testing.T) {
	client := &scriptedClient{replies: []string{"일반 지식으로 답변드립니다."}}
	composer := NewComposer(client, ComposerConfig{MaxRetry: 0, AllowUngroundedChat: true})

	resp, err := composer.Compose(context.Background(), "라우팅이 뭐야?", search.ModeQA, &search.Retrieval{})
	require.NoError(t, err)

	assert.Equal(t, "일반 지식으로 답변드립니다.", resp.Answer)
	assert.False(t, resp.HasProperCitation)
	assert.Equal(t, 1, client.calls)
}

func TestCompose_DocumentModeUsesTemplate(t *testing.T) {
	client := &scriptedClient{replies: []string{
		"```json\n{\"제목\": \"채널에이 중계차 노후 보수건\", \"요약\": \"노후 장비 보수\", \"목적배경\": \"노후화\", \"주요내용\": \"보수 진행\", \"결론조치\": \"승인\", \"예산\": \"₩34,340,000\"}\n```\n[2024-10-24_채널에이_중계차_노후_보수건.pdf]",
	}}
	composer := NewComposer(client, ComposerConfig{MaxRetry: 1})

	resp, err := composer.Compose(context.Background(), "이 문서 요약해줘", search.ModeDocument, retrievalOf(repairChunks()[:1]))
	require.NoError(t, err)

	require.NotNil(t, resp.Summary)
	assert.Equal(t, "승인", resp.Summary["결론조치"])
	assert.True(t, resp.HasProperCitation)

	// The prompt named the document and its extracted total.
	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "2024-10-24_채널에이_중계차_노후_보수건.pdf")
	assert.Contains(t, client.prompts[0], "₩34,340,000")
}

func TestCompose_BulkyContextKeepsItemLines(t *testing.T) {
	client := &scriptedClient{replies: []string{"답변 [2024-10-24_채널에이_중계차_노후_보수건.pdf]"}}
	composer := NewComposer(client, ComposerConfig{MaxRetry: 0})

	chunks := repairChunks()
	chunks[0].Text = "일반 설명 줄\n품목: 케이블 3식 1,200,000원\n잡담 줄"

	_, err := composer.Compose(context.Background(), "품목 내역 알려줘", search.ModeQA, retrievalOf(chunks))
	require.NoError(t, err)

	// Bulky keyword in query: the untrimmed chunk text went into the prompt.
	assert.Contains(t, client.prompts[0], "일반 설명 줄")
	assert.Contains(t, client.prompts[0], "품목: 케이블")
}

func TestCompose_LineFilterDropsNoise(t *testing.T) {
	client := &scriptedClient{replies: []string{"답변 [2024-10-24_채널에이_중계차_노후_보수건.pdf]"}}
	composer := NewComposer(client, ComposerConfig{MaxRetry: 0})

	chunks := repairChunks()
	chunks[0].Text = "아무 관련 없는 서론 문단\n합계 34,340,000원 승인\n맺음말 인사"

	_, err := composer.Compose(context.Background(), "이 건 결재 상태는?", search.ModeQA, retrievalOf(chunks))
	require.NoError(t, err)

	assert.Contains(t, client.prompts[0], "합계 34,340,000원")
	assert.NotContains(t, client.prompts[0], "맺음말 인사")
}

func TestConfidence_NegativePhrasePenalty(t *testing.T) {
	composer := NewComposer(&scriptedClient{}, ComposerConfig{})
	chunks := repairChunks()

	confident := composer.confidence("합계는 ₩34,340,000입니다. 관련 상세 내역을 확인했습니다.", chunks,
		CitationCheck{CitedFiles: []string{"a.pdf"}})
	hedging := composer.confidence("문서에서 해당 금액을 찾을 수 없습니다. 추가 자료가 필요해 보입니다.", chunks, CitationCheck{})

	assert.Greater(t, confident, hedging)
}
