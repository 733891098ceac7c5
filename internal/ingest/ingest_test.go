package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dferrors "github.com/namjunsu/docfind/internal/errors"
	"github.com/namjunsu/docfind/internal/store"
)

type fixture struct {
	ingester *Ingester
	store    *store.Store
	docsRoot string
	extDir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	docsRoot := t.TempDir()
	extDir := filepath.Join(docsRoot, "extracted")
	require.NoError(t, os.MkdirAll(extDir, 0o755))

	s, err := store.Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return &fixture{
		ingester: New(s, docsRoot, extDir),
		store:    s,
		docsRoot: docsRoot,
		extDir:   extDir,
	}
}

func (f *fixture) writeExtracted(t *testing.T, pdfName, body string) {
	t.Helper()
	base := pdfName[:len(pdfName)-len(filepath.Ext(pdfName))]
	require.NoError(t, os.WriteFile(filepath.Join(f.extDir, base+".txt"), []byte(body), 0o644))
}

func TestParseFilenameMeta(t *testing.T) {
	meta := ParseFilenameMeta("2024-10-24_채널에이_중계차_노후_보수건.pdf")
	assert.Equal(t, "2024-10-24", meta.Date)
	assert.Equal(t, 2024, meta.Year)
	assert.Equal(t, 10, meta.Month)
	assert.Equal(t, "채널에이 중계차 노후 보수건", meta.Title)

	plain := ParseFilenameMeta("장비목록.pdf")
	assert.Empty(t, plain.Date)
	assert.Zero(t, plain.Year)
	assert.Equal(t, "장비목록", plain.Title)
}

func TestCleanText(t *testing.T) {
	dirty := "첫 줄   내용\r\n\n\n\n둘째\x00 줄\t\t끝"
	cleaned := CleanText(dirty)
	assert.NotContains(t, cleaned, "\r")
	assert.NotContains(t, cleaned, "\x00")
	assert.NotContains(t, cleaned, "\n\n\n")
	assert.Contains(t, cleaned, "첫 줄 내용")
}

func TestIngestFile_FullRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := "기안자: 남준수\n중계차 노후 장비 보수의 건\nXRN-1620B2 녹화기 교체\n합계 34,340,000원"
	f.writeExtracted(t, "2024-10-24_채널에이_중계차_노후_보수건.pdf", body)

	result, err := f.ingester.IngestFile(ctx, "2024-10-24_채널에이_중계차_노후_보수건.pdf")
	require.NoError(t, err)
	assert.False(t, result.Duplicate)

	doc, err := f.store.Get(ctx, result.DocID)
	require.NoError(t, err)
	require.NotNil(t, doc)

	assert.Equal(t, "2024-10-24", doc.Date)
	assert.Equal(t, 2024, doc.Year)
	assert.Equal(t, "남준수", doc.Drafter)
	require.NotNil(t, doc.ClaimedTotal)
	assert.Equal(t, int64(34340000), *doc.ClaimedTotal)
	assert.NotEmpty(t, doc.ContentHash)

	codes, err := f.store.CodesForDoc(ctx, result.DocID)
	require.NoError(t, err)
	assert.Contains(t, codes, "XRN1620B2")
}

func TestIngestFile_StableIDOnReingest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeExtracted(t, "a.pdf", "본문 첫 버전")
	first, err := f.ingester.IngestFile(ctx, "a.pdf")
	require.NoError(t, err)

	f.writeExtracted(t, "a.pdf", "본문 개정판 (OCR 재처리)")
	second, err := f.ingester.IngestFile(ctx, "a.pdf")
	require.NoError(t, err)

	assert.Equal(t, first.DocID, second.DocID, "doc id never re-keyed")

	doc, err := f.store.Get(ctx, first.DocID)
	require.NoError(t, err)
	assert.Contains(t, doc.TextPreview, "개정판")
}

func TestIngestFile_DuplicateBody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeExtracted(t, "orig.pdf", "동일한 본문 내용")
	f.writeExtracted(t, "copy.pdf", "동일한 본문 내용")

	first, err := f.ingester.IngestFile(ctx, "orig.pdf")
	require.NoError(t, err)
	second, err := f.ingester.IngestFile(ctx, "copy.pdf")
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DocID, second.DocID)
}

func TestIngestFile_PathEscapeRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.ingester.IngestFile(context.Background(), "../../etc/passwd.pdf")
	require.Error(t, err)
	assert.Equal(t, dferrors.ErrCodePathEscape, dferrors.CodeOf(err))
}

func TestIngestFile_MissingExtractedText(t *testing.T) {
	f := newFixture(t)
	_, err := f.ingester.IngestFile(context.Background(), "ghost.pdf")
	assert.Error(t, err)
}

func TestIngestFile_PagesSaved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeExtracted(t, "multi.pdf", "1페이지 본문\f2페이지 본문\f3페이지 본문")
	result, err := f.ingester.IngestFile(ctx, "multi.pdf")
	require.NoError(t, err)

	doc, err := f.store.Get(ctx, result.DocID)
	require.NoError(t, err)
	assert.Equal(t, 3, doc.PageCount)

	page2, err := f.store.PageText(ctx, result.DocID, 2)
	require.NoError(t, err)
	assert.Equal(t, "2페이지 본문", page2)
}

func TestIngestDir_IgnoresNonTextFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeExtracted(t, "good1.pdf", "첫 번째 정상 문서 본문")
	f.writeExtracted(t, "good2.pdf", "두 번째 정상 문서 본문")
	// A stray non-txt file is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(f.extDir, "notes.md"), []byte("x"), 0o644))

	results, err := f.ingester.IngestDir(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestDoctypeMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.writeExtracted(t, "소모품_구매의_건.pdf", "소모품 케이블 구매 품목: BNC 케이블 10개 납품")
	result, err := f.ingester.IngestFile(ctx, "소모품_구매의_건.pdf")
	require.NoError(t, err)

	doc, err := f.store.Get(ctx, result.DocID)
	require.NoError(t, err)
	assert.Equal(t, store.DoctypeConsumables, doc.Doctype)
}
