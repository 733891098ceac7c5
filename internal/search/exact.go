package search

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/namjunsu/docfind/internal/store"
	"github.com/namjunsu/docfind/internal/textproc"
)

// Match weights for the exact-code layer. An exact model-code hit outranks
// filename matches; a whole-token filename hit outranks a substring one.
const (
	exactCodeWeight       = 3.0
	filenameExactWeight   = 1.5
	filenamePartialWeight = 1.0
)

// ExactMatch is one scored hit from the exact-code layer.
type ExactMatch struct {
	DocID int64
	Score float64
	Kind  store.MatchKind
}

// ExactMatcher resolves alphanumeric product/model codes to documents where
// lexical similarity is inadequate. The layer is additive only: a query
// without code patterns returns nothing.
type ExactMatcher struct {
	store *store.Store
}

// NewExactMatcher creates the exact-code layer over the metadata store.
func NewExactMatcher(s *store.Store) *ExactMatcher {
	return &ExactMatcher{store: s}
}

var filenameTokenRe = regexp.MustCompile(`[-_\s.]+`)

// SearchCodes extracts code candidates from the query, expands separator
// variants, and resolves them in two batched passes against the store plus
// a filename scan. Per document only the highest-scoring match survives.
func (m *ExactMatcher) SearchCodes(ctx context.Context, query string) ([]ExactMatch, error) {
	codes := textproc.ExtractCodes(query, false)
	if len(codes) == 0 {
		return nil, nil
	}

	normSet := make(map[string]struct{})
	variantSet := make(map[string]struct{})
	for _, code := range codes {
		normSet[textproc.NormalizeCode(code)] = struct{}{}
		for _, v := range textproc.GenerateVariants(code) {
			variantSet[v] = struct{}{}
		}
	}

	normCodes := make([]string, 0, len(normSet))
	for c := range normSet {
		if c != "" {
			normCodes = append(normCodes, c)
		}
	}
	sort.Strings(normCodes)

	variants := make([]string, 0, len(variantSet))
	for v := range variantSet {
		variants = append(variants, v)
	}
	sort.Strings(variants)

	codeMatches, err := m.store.ListCodes(ctx, normCodes)
	if err != nil {
		return nil, err
	}

	filenameRows, err := m.store.FilenameMatches(ctx, variants)
	if err != nil {
		return nil, err
	}

	merged := make(map[int64]ExactMatch)

	for _, cm := range codeMatches {
		merged[cm.DocID] = ExactMatch{DocID: cm.DocID, Score: exactCodeWeight, Kind: store.MatchExactCode}
	}

	for _, row := range filenameRows {
		kind := store.MatchFilenamePartial
		score := filenamePartialWeight
		if filenameHasExactToken(row.Filename, normCodes) {
			kind = store.MatchFilenameExact
			score = filenameExactWeight
		}
		prev, seen := merged[row.DocID]
		if seen && (prev.Kind == store.MatchExactCode || prev.Score >= score) {
			continue // exact code hits always win; otherwise keep the best
		}
		merged[row.DocID] = ExactMatch{DocID: row.DocID, Score: score, Kind: kind}
	}

	results := make([]ExactMatch, 0, len(merged))
	for _, em := range merged {
		results = append(results, em)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})

	slog.Debug("exact code search",
		slog.Int("codes", len(codes)),
		slog.Int("variants", len(variants)),
		slog.Int("matches", len(results)))

	return results, nil
}

// filenameHasExactToken reports whether any normalized code equals a whole
// dash/underscore/dot-delimited token of the filename. The token must hold
// the code's characters and nothing else, so "XRN1620B2_manual.pdf" matches
// the query XRN-1620B2 while "장비목록XRN1620B2추가.pdf" does not.
func filenameHasExactToken(filename string, normCodes []string) bool {
	tokens := filenameTokenRe.Split(strings.ToUpper(filename), -1)
	for _, code := range normCodes {
		for _, tok := range tokens {
			if strings.ToUpper(textproc.NormalizeText(tok)) == code {
				return true
			}
		}
	}
	return false
}

// Chunks converts matches into composer chunks, enriched from the store.
// Empty-preview documents fall back to a bracketed filename snippet.
func (m *ExactMatcher) Chunks(ctx context.Context, matches []ExactMatch, topK int) ([]*Chunk, error) {
	if len(matches) == 0 {
		return nil, nil
	}
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}

	ids := make([]int64, len(matches))
	for i, em := range matches {
		ids[i] = em.DocID
	}
	docs, err := m.store.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	chunks := make([]*Chunk, 0, len(matches))
	for i, em := range matches {
		doc, ok := docs[em.DocID]
		if !ok {
			continue
		}
		chunk := chunkFromDocument(doc, em.Score, i+1)
		chunk.MatchKind = string(em.Kind)
		if chunk.Text == "" {
			chunk.Text = "[" + doc.Filename + "]"
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
