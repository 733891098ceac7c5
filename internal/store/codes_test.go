package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namjunsu/docfind/internal/textproc"
)

func addDocWithCodes(t *testing.T, s *Store, path string, codes ...string) int64 {
	t.Helper()
	ctx := context.Background()

	id, _, err := s.Upsert(ctx, sampleDoc(path))
	require.NoError(t, err)

	occs := make([]CodeOccurrence, len(codes))
	for i, c := range codes {
		norm := textproc.NormalizeCode(c)
		occs[i] = CodeOccurrence{
			DocID:      id,
			RawCode:    c,
			NormCode:   norm,
			PaddedNorm: textproc.PadCode(norm),
		}
	}
	require.NoError(t, s.ReplaceCodes(ctx, id, occs))
	return id
}

func TestListCodes_ExactMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := addDocWithCodes(t, s, "docs/xrn.pdf", "XRN-1620B2")
	addDocWithCodes(t, s, "docs/other.pdf", "LVM-180A")

	matches, err := s.ListCodes(ctx, []string{"XRN1620B2"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].DocID)
	assert.Equal(t, MatchExactCode, matches[0].Kind)
}

func TestListCodes_BoundaryLike(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// padded_norm carries surrounding context so codes inside longer strings
	// are reachable with boundary-safe LIKE.
	id, _, err := s.Upsert(ctx, sampleDoc("docs/composite.pdf"))
	require.NoError(t, err)
	require.NoError(t, s.ReplaceCodes(ctx, id, []CodeOccurrence{{
		DocID:      id,
		RawCode:    "SET XRN1620B2 REV3",
		NormCode:   "SETXRN1620B2REV3",
		PaddedNorm: " SET XRN1620B2 REV3 ",
	}}))

	matches, err := s.ListCodes(ctx, []string{"XRN1620B2"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].DocID)
}

func TestListCodes_Empty(t *testing.T) {
	s := newTestStore(t)
	matches, err := s.ListCodes(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFilenameMatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := sampleDoc("docs/XRN-1620B2_manual.pdf")
	id, _, err := s.Upsert(ctx, doc)
	require.NoError(t, err)

	rows, err := s.FilenameMatches(ctx, []string{"XRN-1620B2"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].DocID)

	// Case-insensitive.
	rows, err = s.FilenameMatches(ctx, []string{"xrn-1620b2"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	// LIKE wildcards in variants must not widen the match.
	rows, err = s.FilenameMatches(ctx, []string{"%"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReplaceCodes_DeleteCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := addDocWithCodes(t, s, "docs/xrn.pdf", "XRN-1620B2", "LVM-180A")

	codes, err := s.CodesForDoc(ctx, id)
	require.NoError(t, err)
	assert.Len(t, codes, 2)

	// Replacing with a single code drops the other occurrence.
	norm := textproc.NormalizeCode("FX3")
	require.NoError(t, s.ReplaceCodes(ctx, id, []CodeOccurrence{{
		DocID: id, RawCode: "FX3", NormCode: norm, PaddedNorm: textproc.PadCode(norm),
	}}))
	codes, err = s.CodesForDoc(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"FX3"}, codes)
}
