package search

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/namjunsu/docfind/internal/textproc"
)

// Router classifies each query into exactly one of {COST, DOCUMENT, SEARCH,
// QA}, in that priority order, and can narrow a content request down to a
// single candidate document when the hits support it.
type Router struct {
	// LowConfDelta / LowConfMinHits configure the low-confidence signal.
	// The signal is logged only; it never changes the routed mode.
	LowConfDelta   float64
	LowConfMinHits int
}

// NewRouter creates a router with the given low-confidence thresholds.
func NewRouter(lowConfDelta float64, lowConfMinHits int) *Router {
	if lowConfDelta <= 0 {
		lowConfDelta = 0.05
	}
	if lowConfMinHits <= 0 {
		lowConfMinHits = 1
	}
	return &Router{LowConfDelta: lowConfDelta, LowConfMinHits: lowConfMinHits}
}

var (
	// Cost intent: cost nouns near interrogatives, bare "얼마였지" forms,
	// "총액은?", context word + cost noun, and compound cost phrases.
	costIntentRe = regexp.MustCompile(
		`(합계|총액|총계|금액|비용).*(얼마|알려줘|확인|인지)` +
			`|얼마였지|얼마였나요|얼마야` +
			`|(총액|금액|비용|합계|총계)(은|는)?\s*\?` +
			`|(기안|작성|문서|구매|소모품|발주|납품).*(총액|금액|비용|합계|총계)` +
			`|(비용|구매)\s*(합계|총액)` +
			`|(합계|총액)\s*(금액|비용)`)

	// List search: year or short Korean token followed by a find verb.
	listIntentRe = regexp.MustCompile(`(\d{4}년?|[가-힣]{2,4}(가|이)?).*(찾아|검색|리스트|목록|보여|알려)`)

	// Summary / content intent.
	summaryIntentRe = regexp.MustCompile(`(요약|정리|개요|내용.*요약|요약해|정리해|개요.*알려)`)

	// Explicit search phrasing.
	searchIntentRe = regexp.MustCompile(
		`(관련\s*(문서|파일|기안서)|문서\s*(찾|검색)|파일\s*(찾|검색|있)|기안서\s*(찾|검색|있)|(있어\??|있나요|있는지))`)

	// Document deictics: 이 문서, 해당 문서, 이 파일, 그 문서.
	docReferenceRe = regexp.MustCompile(`(이\s?문서|해당\s?문서|이\s?파일|그\s?문서)`)

	// Document-type keywords.
	docTypeKeywordRe = regexp.MustCompile(`(검토서|기안서|견적서|제안서|보고서|계획서|공문|발주서|납품서|영수증)`)

	filenameRe = regexp.MustCompile(`\S+\.pdf`)
)

// detailedKeywords force QA: the user wants depth, not a document summary.
var detailedKeywords = []string{"자세히", "상세히", "자세하게", "구체적으로"}

// contentKeywords signal a content/preview request.
var contentKeywords = []string{"미리보기", "내용"}

// Classify routes a query to its mode. Priority: COST > DOCUMENT > SEARCH >
// QA, with detailed-intent keywords overriding DOCUMENT in favor of QA.
func (r *Router) Classify(query string) Mode {
	lower := strings.ToLower(query)

	if costIntentRe.MatchString(query) {
		slog.Info("mode decided", slog.String("mode", string(ModeCost)), slog.String("reason", "cost_intent"))
		return ModeCost
	}

	hasFilename := filenameRe.MatchString(lower)
	hasDocReference := docReferenceRe.MatchString(query)
	hasDocTypeKeyword := docTypeKeywordRe.MatchString(query)

	hasContentIntent := summaryIntentRe.MatchString(query)
	for _, kw := range contentKeywords {
		if strings.Contains(lower, kw) {
			hasContentIntent = true
		}
	}

	for _, kw := range detailedKeywords {
		if strings.Contains(lower, kw) {
			slog.Info("mode decided", slog.String("mode", string(ModeQA)), slog.String("reason", "detailed_intent:"+kw))
			return ModeQA
		}
	}

	if (hasFilename || hasDocReference || hasDocTypeKeyword) && hasContentIntent {
		slog.Info("mode decided", slog.String("mode", string(ModeDocument)), slog.String("reason", "doc_reference+content_intent"))
		return ModeDocument
	}

	if listIntentRe.MatchString(query) || searchIntentRe.MatchString(query) {
		slog.Info("mode decided", slog.String("mode", string(ModeSearch)), slog.String("reason", "list_or_search_intent"))
		return ModeSearch
	}

	// A bare document reference with unclear intent still resolves to the
	// document's content.
	if hasFilename || hasDocReference {
		slog.Info("mode decided", slog.String("mode", string(ModeDocument)), slog.String("reason", "doc_reference_only"))
		return ModeDocument
	}

	slog.Info("mode decided", slog.String("mode", string(ModeQA)), slog.String("reason", "default"))
	return ModeQA
}

// nameSimilarity scores a normalized query against a normalized title or
// filename: 0.8 for containment either way plus a length-proximity bonus
// capped at 0.4 and decaying 0.01 per character of difference.
func nameSimilarity(queryNorm, targetNorm string) float64 {
	base := 0.0
	if queryNorm != "" && targetNorm != "" &&
		(strings.Contains(targetNorm, queryNorm) || strings.Contains(queryNorm, targetNorm)) {
		base = 0.8
	}
	diff := len([]rune(queryNorm)) - len([]rune(targetNorm))
	if diff < 0 {
		diff = -diff
	}
	bonus := 0.4 - float64(diff)*0.01
	if bonus < 0 {
		bonus = 0
	}
	score := base + bonus
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// singleCandidateThreshold confirms DOCUMENT mode from hits.
const singleCandidateThreshold = 0.66

// ClassifyWithHits combines mode classification with single-candidate
// confirmation: when the query wants content and exactly one hit matches,
// or the best hit's name similarity reaches the threshold, the router
// forces DOCUMENT mode and narrows the hits to that one candidate.
func (r *Router) ClassifyWithHits(query string, hits []*Chunk) (Mode, []*Chunk) {
	trimmed := strings.TrimSpace(query)
	wantsContent := summaryIntentRe.MatchString(trimmed) || strings.Contains(strings.ToLower(trimmed), "내용")

	if wantsContent && len(hits) > 0 {
		queryNorm := textproc.FuzzyKey(trimmed)

		ranked := make([]*Chunk, len(hits))
		copy(ranked, hits)
		sort.SliceStable(ranked, func(i, j int) bool {
			return r.hitSimilarity(queryNorm, ranked[i]) > r.hitSimilarity(queryNorm, ranked[j])
		})
		if len(ranked) > 2 {
			ranked = ranked[:2]
		}

		top := ranked[0]
		topScore := r.hitSimilarity(queryNorm, top)
		if len(ranked) == 1 || topScore >= singleCandidateThreshold {
			slog.Info("single candidate confirmed",
				slog.String("filename", top.Filename),
				slog.Float64("score", topScore))
			return ModeDocument, []*Chunk{top}
		}
	}

	return r.Classify(query), hits
}

func (r *Router) hitSimilarity(queryNorm string, hit *Chunk) float64 {
	name := hit.Title
	if name == "" {
		name = hit.Filename
	}
	return nameSimilarity(queryNorm, textproc.FuzzyKey(name))
}

// LogLowConfidence emits the low-confidence signal when the hit count is
// sufficient but the top-1 vs top-2 score delta is below the threshold.
// Deliberately log-only: the routed mode never changes on this signal.
func (r *Router) LogLowConfidence(stats ScoreStats) bool {
	if stats.Hits >= r.LowConfMinHits && stats.Delta12 < r.LowConfDelta {
		slog.Warn("low-confidence retrieval",
			slog.Float64("delta12", stats.Delta12),
			slog.Float64("threshold", r.LowConfDelta),
			slog.Int("hits", stats.Hits))
		return true
	}
	return false
}
