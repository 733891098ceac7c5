package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namjunsu/docfind/internal/store"
	"github.com/namjunsu/docfind/internal/textproc"
)

func newExactFixture(t *testing.T) (*ExactMatcher, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewExactMatcher(s), s
}

func addCodeDoc(t *testing.T, s *store.Store, path, body string, codes ...string) int64 {
	t.Helper()
	ctx := context.Background()

	id, _, err := s.Upsert(ctx, &store.Document{
		Filename:    filepath.Base(path),
		Path:        path,
		TextPreview: body,
		ContentHash: "hash-" + path,
	})
	require.NoError(t, err)

	occs := make([]store.CodeOccurrence, len(codes))
	for i, c := range codes {
		norm := textproc.NormalizeCode(c)
		occs[i] = store.CodeOccurrence{
			DocID: id, RawCode: c, NormCode: norm, PaddedNorm: textproc.PadCode(norm),
		}
	}
	require.NoError(t, s.ReplaceCodes(ctx, id, occs))
	return id
}

func TestExact_NoCodesInQuery(t *testing.T) {
	m, _ := newExactFixture(t)
	matches, err := m.SearchCodes(context.Background(), "중계차 보수 문서 찾아줘")
	require.NoError(t, err)
	assert.Empty(t, matches, "additive layer returns nothing without codes")
}

func TestExact_CodeHitScoresThree(t *testing.T) {
	m, s := newExactFixture(t)
	id := addCodeDoc(t, s, "docs/rec.pdf", "XRN-1620B2 녹화기 설치", "XRN-1620B2")

	matches, err := m.SearchCodes(context.Background(), "XRN-1620B2 매뉴얼")
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, id, matches[0].DocID)
	assert.Equal(t, 3.0, matches[0].Score)
	assert.Equal(t, store.MatchExactCode, matches[0].Kind)
}

func TestExact_VariantSpellingMatches(t *testing.T) {
	m, s := newExactFixture(t)
	id := addCodeDoc(t, s, "docs/rec.pdf", "녹화기", "XRN-1620B2")

	// Space-separated and no-separator spellings resolve to the same doc.
	for _, q := range []string{"XRN 1620B2 사양", "xrn1620b2 어떤 장비야"} {
		matches, err := m.SearchCodes(context.Background(), q)
		require.NoError(t, err, q)
		require.NotEmpty(t, matches, q)
		assert.Equal(t, id, matches[0].DocID, q)
	}
}

func TestExact_FilenameExactVsPartial(t *testing.T) {
	m, s := newExactFixture(t)
	ctx := context.Background()

	// Filename contains the code as a whole token: weight 1.5.
	exactID, _, err := s.Upsert(ctx, &store.Document{
		Filename: "XRN1620B2_설치안내.pdf", Path: "docs/exact.pdf",
		TextPreview: "본문", ContentHash: "h1",
	})
	require.NoError(t, err)

	// Code embedded inside a longer token: weight 1.0.
	partialID, _, err := s.Upsert(ctx, &store.Document{
		Filename: "장비목록XRN1620B2추가.pdf", Path: "docs/partial.pdf",
		TextPreview: "본문", ContentHash: "h2",
	})
	require.NoError(t, err)

	matches, err := m.SearchCodes(ctx, "XRN-1620B2 안내")
	require.NoError(t, err)
	require.Len(t, matches, 2)

	byID := map[int64]ExactMatch{}
	for _, em := range matches {
		byID[em.DocID] = em
	}
	assert.Equal(t, store.MatchFilenameExact, byID[exactID].Kind)
	assert.Equal(t, 1.5, byID[exactID].Score)
	assert.Equal(t, store.MatchFilenamePartial, byID[partialID].Kind)
	assert.Equal(t, 1.0, byID[partialID].Score)

	// Sorted by score descending.
	assert.Equal(t, exactID, matches[0].DocID)
}

func TestExact_ExactCodeBeatsFilename(t *testing.T) {
	m, s := newExactFixture(t)
	// Same doc hits both the code table and its filename; exact_code wins.
	id := addCodeDoc(t, s, "docs/XRN-1620B2_manual.pdf", "XRN-1620B2 본문", "XRN-1620B2")

	matches, err := m.SearchCodes(context.Background(), "XRN-1620B2")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].DocID)
	assert.Equal(t, store.MatchExactCode, matches[0].Kind)
	assert.Equal(t, 3.0, matches[0].Score)
}

func TestExact_CodeRoundTrip(t *testing.T) {
	m, s := newExactFixture(t)
	ctx := context.Background()

	body := "LVM-180A 모니터와 XRN-1620B2 녹화기를 설치"
	codes := textproc.ExtractCodes(body, false)
	require.NotEmpty(t, codes)
	id := addCodeDoc(t, s, "docs/install.pdf", body, codes...)

	// Every code extracted from the body finds the document again.
	for _, c := range codes {
		matches, err := m.SearchCodes(ctx, c)
		require.NoError(t, err, c)
		found := false
		for _, em := range matches {
			if em.DocID == id {
				found = true
				assert.Contains(t, []store.MatchKind{
					store.MatchExactCode, store.MatchFilenameExact, store.MatchFilenamePartial,
				}, em.Kind)
			}
		}
		assert.True(t, found, "code %q did not round-trip", c)
	}
}

func TestExact_ChunksEnriched(t *testing.T) {
	m, s := newExactFixture(t)
	addCodeDoc(t, s, "docs/rec.pdf", "XRN-1620B2 녹화기 설치 본문", "XRN-1620B2")

	matches, err := m.SearchCodes(context.Background(), "XRN-1620B2")
	require.NoError(t, err)

	chunks, err := m.Chunks(context.Background(), matches, 5)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "rec.pdf", chunks[0].Filename)
	assert.NotEmpty(t, chunks[0].Text)
	assert.Equal(t, string(store.MatchExactCode), chunks[0].MatchKind)
}
