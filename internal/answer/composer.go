package answer

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/namjunsu/docfind/internal/llm"
	"github.com/namjunsu/docfind/internal/search"
)

// NoResultsMessage is the fixed reply for an empty retrieval when
// ungrounded chat is disabled. It is never returned when at least one
// chunk was retrieved.
const NoResultsMessage = "검색된 관련 문서가 없습니다."

// Context packing limits.
const (
	bulkyChunkLimit   = 3000 // runes per chunk for bulky-context queries
	basicSummaryLimit = 200  // runes per chunk in the degraded summary
	basicSummaryDocs  = 3
)

// bulkyKeywords widen per-chunk context instead of line-filtering.
var bulkyKeywords = []string{"품목", "구매", "금액"}

// contextLineRe keeps lines carrying amounts, dates or procurement intent
// when the composer filters chunk text line by line.
var contextLineRe = regexp.MustCompile(
	`\d{1,3}(,\d{3})+|\d+원|\d+만|\d+억|\d{4}-\d{2}-\d{2}|\d{4}년|합계|총액|금액|비용|견적|구매|납품|발주|수리|교체|검토|기안|선정|결정`)

// negativePhrases reduce confidence when the answer hedges.
var negativePhrases = []string{"찾을 수 없", "확인할 수 없", "명시되지 않", "불분명"}

// Response is the composed, citation-validated answer.
type Response struct {
	Answer            string          `json:"answer"`
	SourcesCited      []string        `json:"sources_cited"`
	Confidence        float64         `json:"confidence"`
	HasProperCitation bool            `json:"has_proper_citation"`
	Kind              Kind            `json:"kind,omitempty"`
	Summary           map[string]any  `json:"summary,omitempty"`
	Evidence          []*search.Chunk `json:"evidence,omitempty"`
}

// ComposerConfig configures the composer.
type ComposerConfig struct {
	MaxRetry            int
	AllowUngroundedChat bool
}

// Composer orchestrates template selection, context packing, the LLM call,
// and citation enforcement. Recovery for LLM and citation failures is
// local: the composer degrades rather than surfacing model errors.
type Composer struct {
	client llm.Client
	cfg    ComposerConfig
}

// NewComposer creates a composer over the completion client.
func NewComposer(client llm.Client, cfg ComposerConfig) *Composer {
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = 0
	}
	return &Composer{client: client, cfg: cfg}
}

// Compose produces the final answer for a query and its retrieval.
func (c *Composer) Compose(ctx context.Context, query string, mode search.Mode, retrieval *search.Retrieval) (*Response, error) {
	logger := slog.Default().With(slog.String("mode", string(mode)))

	if retrieval.Empty() {
		return c.composeEmpty(ctx, query, logger)
	}

	chunks := retrieval.Chunks
	top := chunks[0]
	kind := DetectKind(top.Filename, top.Text)

	contextText := c.packContext(query, chunks)

	var prompt string
	if mode == search.ModeDocument {
		prompt = BuildPrompt(kind, top.Filename, top.Drafter, displayDate(top), contextText, top.ClaimedTotal)
	} else {
		prompt = BuildQAPrompt(query, contextText)
	}

	var lastAnswer string
	attempts := c.cfg.MaxRetry + 1
	for attempt := 0; attempt < attempts; attempt++ {
		answerText, err := c.client.Complete(ctx, prompt)
		if err != nil {
			logger.Warn("llm call failed",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
			continue
		}
		lastAnswer = strings.TrimSpace(answerText)
		if lastAnswer == "" {
			continue
		}

		check := ValidateCitations(lastAnswer, chunks)
		if check.HasCitations {
			return c.successResponse(lastAnswer, kind, chunks, check), nil
		}
		logger.Info("answer missing citations, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("invalid_citations", len(check.InvalidCited)))
	}

	// Retries exhausted with an answer in hand: force-append sources.
	if lastAnswer != "" {
		sourceLine := SynthesizeSourceLine(chunks, 2)
		forced := lastAnswer
		if sourceLine != "" {
			forced = lastAnswer + "\n\n" + sourceLine
		}
		logger.Info("citations force-appended")
		resp := c.successResponse(forced, kind, chunks, ValidateCitations(forced, chunks))
		resp.HasProperCitation = false
		resp.Confidence *= 0.8
		return resp, nil
	}

	// The model failed outright but chunks exist: never answer "no
	// documents found" — degrade to a basic extractive summary.
	logger.Warn("llm failed, returning basic summary",
		slog.Int("chunks", len(chunks)))
	return c.basicSummary(chunks, kind), nil
}

// composeEmpty handles the no-chunk path: a fixed reply, or free-form chat
// when configuration permits ungrounded answers.
func (c *Composer) composeEmpty(ctx context.Context, query string, logger *slog.Logger) (*Response, error) {
	if !c.cfg.AllowUngroundedChat {
		return &Response{
			Answer:            NoResultsMessage,
			Confidence:        0,
			HasProperCitation: false,
		}, nil
	}

	answerText, err := c.client.Complete(ctx, "다음 질문에 한국어로 간결하게 답하세요.\n\n"+query)
	if err != nil {
		logger.Warn("ungrounded chat failed", slog.String("error", err.Error()))
		return &Response{
			Answer:            NoResultsMessage,
			Confidence:        0,
			HasProperCitation: false,
		}, nil
	}
	return &Response{
		Answer:            strings.TrimSpace(answerText),
		Confidence:        0.1,
		HasProperCitation: false,
	}, nil
}

// successResponse assembles the response for a cited answer.
func (c *Composer) successResponse(answerText string, kind Kind, chunks []*search.Chunk, check CitationCheck) *Response {
	return &Response{
		Answer:            answerText,
		SourcesCited:      check.CitedFiles,
		Confidence:        c.confidence(answerText, chunks, check),
		HasProperCitation: check.HasCitations,
		Kind:              kind,
		Summary:           ParseSummaryJSON(answerText),
		Evidence:          chunks,
	}
}

// basicSummary builds the degraded extractive answer from the top chunks.
func (c *Composer) basicSummary(chunks []*search.Chunk, kind Kind) *Response {
	var b strings.Builder
	b.WriteString("검색된 문서 요약:\n\n")

	limit := basicSummaryDocs
	if len(chunks) < limit {
		limit = len(chunks)
	}
	for i := 0; i < limit; i++ {
		chunk := chunks[i]
		preview := chunk.Text
		if runes := []rune(preview); len(runes) > basicSummaryLimit {
			preview = string(runes[:basicSummaryLimit])
		}
		if preview == "" {
			preview = "(내용 없음)"
		}
		b.WriteString("- " + chunk.Filename + ": " + preview + "\n")
	}

	sourceLine := SynthesizeSourceLine(chunks, 2)
	if sourceLine != "" {
		b.WriteString("\n" + sourceLine)
	}

	return &Response{
		Answer:            b.String(),
		SourcesCited:      nil,
		Confidence:        0.3,
		HasProperCitation: sourceLine != "",
		Kind:              kind,
		Evidence:          chunks,
	}
}

// packContext assembles the context window from the chunks. Bulky-context
// queries (품목/구매/금액) keep up to bulkyChunkLimit runes per chunk;
// otherwise each chunk is filtered line-by-line to amount/date/procurement
// lines. The total stays within the model's declared context budget.
func (c *Composer) packContext(query string, chunks []*search.Chunk) string {
	bulky := false
	for _, kw := range bulkyKeywords {
		if strings.Contains(query, kw) {
			bulky = true
			break
		}
	}

	// Rough Korean budget: ~2 runes per token of the declared window.
	budget := c.client.MaxContextTokens() * 2

	var b strings.Builder
	for _, chunk := range chunks {
		var body string
		if bulky {
			body = chunk.Text
			if runes := []rune(body); len(runes) > bulkyChunkLimit {
				body = string(runes[:bulkyChunkLimit])
			}
		} else {
			body = filterContextLines(chunk.Text)
			if body == "" {
				// Nothing matched the filter; keep a head of the chunk so
				// the model still sees the document at all.
				runes := []rune(chunk.Text)
				if len(runes) > 500 {
					runes = runes[:500]
				}
				body = string(runes)
			}
		}

		section := "[" + chunk.Filename + "] (관련도 " + rankLabel(chunk.Rank) + ")\n" + body + "\n\n"
		if len([]rune(b.String()))+len([]rune(section)) > budget {
			break
		}
		b.WriteString(section)
	}
	return strings.TrimSpace(b.String())
}

// filterContextLines keeps lines with amounts, dates or procurement words.
func filterContextLines(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if contextLineRe.MatchString(line) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func rankLabel(rank int) string {
	switch rank {
	case 1:
		return "상"
	case 2:
		return "중"
	default:
		return "하"
	}
}

// confidence scores the answer from the top chunk score, citation count,
// length penalties and hedging phrases, clamped to [0, 1].
func (c *Composer) confidence(answerText string, chunks []*search.Chunk, check CitationCheck) float64 {
	if len(chunks) == 0 {
		return 0
	}

	base := 0.0
	for _, chunk := range chunks {
		if chunk.Score > base {
			base = chunk.Score
		}
	}
	if base > 1.0 {
		base = 1.0
	}

	citationBonus := float64(len(check.CitedFiles)) * 0.1
	if citationBonus > 0.2 {
		citationBonus = 0.2
	}

	lengthPenalty := 0.0
	switch n := len([]rune(answerText)); {
	case n < 50:
		lengthPenalty = 0.1
	case n > 1000:
		lengthPenalty = 0.05
	}

	negativePenalty := 0.0
	for _, phrase := range negativePhrases {
		if strings.Contains(answerText, phrase) {
			negativePenalty = 0.2
			break
		}
	}

	score := base + citationBonus - lengthPenalty - negativePenalty
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

func displayDate(chunk *search.Chunk) string {
	return chunk.Date
}
