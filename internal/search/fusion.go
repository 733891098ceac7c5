package search

import (
	"sort"

	"github.com/namjunsu/docfind/internal/store"
)

// DefaultRRFConstant is the standard RRF smoothing parameter, empirically
// validated across domains.
const DefaultRRFConstant = 60

// RankedHit is a backend-agnostic ranked result feeding the fusion.
type RankedHit struct {
	DocID string
	Rank  int // 1-indexed
	Score float64
}

// FusedHit is one document after RRF fusion.
type FusedHit struct {
	DocID    string
	RRFScore float64
	Rank     int // 1-indexed position in the fused list
	LexRank  int // 0 if absent from the lexical list
	VecRank  int // 0 if absent from the vector list
}

// RRFFusion combines lexical and vector result lists:
//
//	score(d) = Σ_r 1 / (k + rank_r(d))
//
// Fusion is deterministic for fixed inputs: ties break by ascending doc id.
type RRFFusion struct {
	K int
}

// NewRRFFusion creates a fusion instance; k <= 0 falls back to the default.
func NewRRFFusion(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse merges the two ranked lists into one list ordered by RRF score.
func (f *RRFFusion) Fuse(lexical, vector []RankedHit) []*FusedHit {
	if len(lexical) == 0 && len(vector) == 0 {
		return []*FusedHit{}
	}

	fused := make(map[string]*FusedHit, len(lexical)+len(vector))
	get := func(docID string) *FusedHit {
		if h, ok := fused[docID]; ok {
			return h
		}
		h := &FusedHit{DocID: docID}
		fused[docID] = h
		return h
	}

	for _, hit := range lexical {
		h := get(hit.DocID)
		h.LexRank = hit.Rank
		h.RRFScore += 1.0 / float64(f.K+hit.Rank)
	}
	for _, hit := range vector {
		h := get(hit.DocID)
		h.VecRank = hit.Rank
		h.RRFScore += 1.0 / float64(f.K+hit.Rank)
	}

	results := make([]*FusedHit, 0, len(fused))
	for _, h := range fused {
		results = append(results, h)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].RRFScore != results[j].RRFScore {
			return results[i].RRFScore > results[j].RRFScore
		}
		return lessDocID(results[i].DocID, results[j].DocID)
	})

	for i, h := range results {
		h.Rank = i + 1
	}
	return results
}

// lessDocID orders "doc_{N}" ids numerically for deterministic tie-breaks.
func lessDocID(a, b string) bool {
	na, errA := store.ParseDocID(a)
	nb, errB := store.ParseDocID(b)
	if errA != nil || errB != nil {
		return a < b
	}
	return na < nb
}

// dedupeBestRank keeps the best (lowest) rank per doc id across several
// result lists from the same backend, then re-ranks the survivors.
func dedupeBestRank(lists ...[]RankedHit) []RankedHit {
	best := make(map[string]RankedHit)
	for _, list := range lists {
		for _, hit := range list {
			if prev, ok := best[hit.DocID]; !ok || hit.Rank < prev.Rank {
				best[hit.DocID] = hit
			}
		}
	}

	out := make([]RankedHit, 0, len(best))
	for _, hit := range best {
		out = append(out, hit)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return lessDocID(out[i].DocID, out[j].DocID)
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
