// Package search provides hybrid retrieval over the lexical and vector
// indexes, fused with Reciprocal Rank Fusion, plus the exact-code layer and
// the query mode router.
package search

import "github.com/namjunsu/docfind/internal/store"

// Mode is the routed query mode.
type Mode string

const (
	// ModeCost answers cost-aggregation questions (합계/총액 얼마).
	ModeCost Mode = "cost"
	// ModeDocument answers content/summary requests grounded in one document.
	ModeDocument Mode = "document"
	// ModeSearch renders a list-style search result.
	ModeSearch Mode = "search"
	// ModeQA is the RAG fallback for everything else.
	ModeQA Mode = "qa"
)

// Chunk is the retriever-produced unit handed to the answer composer.
// Text is never empty on return: it is back-filled from the document's
// text_preview or the chunk is dropped.
type Chunk struct {
	DocID string  `json:"doc_id"`
	Page  int     `json:"page"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`

	// Meta carries at minimum filename, date, drafter and category.
	Filename    string `json:"filename"`
	Title       string `json:"title"`
	Date        string `json:"date"`
	Year        int    `json:"year"`
	Month       int    `json:"month"`
	Category    string `json:"category"`
	Drafter     string `json:"drafter"`
	PageCount   int    `json:"page_count"`
	Path        string `json:"path"`
	AuthorMatch bool   `json:"author_match"`
	MatchKind   string `json:"match_kind,omitempty"`

	ClaimedTotal *int64 `json:"claimed_total,omitempty"`
	SumMatch     *bool  `json:"sum_match,omitempty"`
}

// ScoreStats summarizes the fused score distribution for the router's
// low-confidence signal.
type ScoreStats struct {
	Top1    float64 `json:"top1"`
	Top2    float64 `json:"top2"`
	Top3    float64 `json:"top3"`
	Delta12 float64 `json:"delta12"`
	Delta13 float64 `json:"delta13"`
	Ratio12 float64 `json:"ratio12"`
	Hits    int     `json:"hits"`
}

// Retrieval is the explicit result variant handed to the composer: either
// a non-empty chunk list or Empty. No exceptions-as-control-flow.
type Retrieval struct {
	Chunks     []*Chunk   `json:"chunks"`
	ScoreStats ScoreStats `json:"score_stats"`
	AuthorName string     `json:"author_name,omitempty"`
}

// Empty reports whether the retrieval produced no chunks.
func (r *Retrieval) Empty() bool {
	return r == nil || len(r.Chunks) == 0
}

// chunkFromDocument builds the enriched chunk for a fused document.
func chunkFromDocument(doc *store.Document, score float64, rank int) *Chunk {
	return &Chunk{
		DocID:        doc.DocID(),
		Page:         1,
		Text:         doc.TextPreview,
		Score:        score,
		Rank:         rank,
		Filename:     doc.Filename,
		Title:        doc.Title,
		Date:         doc.Date,
		Year:         doc.Year,
		Month:        doc.Month,
		Category:     string(doc.Doctype),
		Drafter:      doc.Drafter,
		PageCount:    doc.PageCount,
		Path:         doc.Path,
		ClaimedTotal: doc.ClaimedTotal,
		SumMatch:     doc.SumMatch,
	}
}
