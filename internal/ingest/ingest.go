// Package ingest turns extracted document texts into metadata store rows
// and keeps the indexes current. The PDF itself is never read here: the
// authoritative body is the sibling extracted .txt file.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/namjunsu/docfind/internal/answer"
	dferrors "github.com/namjunsu/docfind/internal/errors"
	"github.com/namjunsu/docfind/internal/store"
	"github.com/namjunsu/docfind/internal/textproc"
	"github.com/namjunsu/docfind/internal/validation"
)

// FilenameMeta is what a conventional "YYYY-MM-DD_title.pdf" name carries.
type FilenameMeta struct {
	Date  string
	Year  int
	Month int
	Title string
}

var filenameDateRe = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})[_\s]*`)

// ParseFilenameMeta extracts the date and title from a document filename.
func ParseFilenameMeta(filename string) FilenameMeta {
	name := filename
	if idx := strings.LastIndex(name, "."); idx > 0 {
		name = name[:idx]
	}

	var meta FilenameMeta
	if m := filenameDateRe.FindStringSubmatch(name); m != nil {
		meta.Date = m[1] + "-" + m[2] + "-" + m[3]
		meta.Year, _ = strconv.Atoi(m[1])
		meta.Month, _ = strconv.Atoi(strings.TrimPrefix(m[2], "0"))
		if meta.Month == 0 {
			meta.Month, _ = strconv.Atoi(m[2])
		}
		name = name[len(m[0]):]
	}
	meta.Title = strings.TrimSpace(strings.ReplaceAll(name, "_", " "))
	return meta
}

var (
	controlCharRe = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
	spaceRunRe    = regexp.MustCompile(`[ \t]{2,}`)
)

// CleanText canonicalizes an extracted body: control characters stripped,
// horizontal whitespace squeezed, blank-line runs collapsed.
func CleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = controlCharRe.ReplaceAllString(text, "")
	text = spaceRunRe.ReplaceAllString(text, " ")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// doctypeFor maps the template-family detection onto the stored doctype.
func doctypeFor(kind answer.Kind) store.Doctype {
	switch kind {
	case answer.KindConsumables:
		return store.DoctypeConsumables
	case answer.KindRepair:
		return store.DoctypeRepair
	case answer.KindProcEval:
		return store.DoctypeReview
	case answer.KindDisposal:
		return store.DoctypeDisposal
	case answer.KindMinutes:
		return store.DoctypeMinutes
	default:
		return store.DoctypeGeneric
	}
}

// Result reports one ingested document.
type Result struct {
	DocID     int64
	Duplicate bool
	Filename  string
}

// Ingester builds store rows from extracted texts.
type Ingester struct {
	store         *store.Store
	documentsRoot string
	extractedDir  string
}

// New creates an ingester.
func New(s *store.Store, documentsRoot, extractedDir string) *Ingester {
	return &Ingester{store: s, documentsRoot: documentsRoot, extractedDir: extractedDir}
}

// IngestFile ingests a single PDF path: resolves it under the documents
// root (escapes rejected), reads the extracted sibling text, parses
// metadata, records code occurrences and pages, and upserts. The id is
// stable across repeated ingests of the same path, and an identical body
// at a new path is recorded as a duplicate and not re-indexed.
func (ing *Ingester) IngestFile(ctx context.Context, pdfPath string) (*Result, error) {
	resolved, err := validation.SafeResolve(ing.documentsRoot, pdfPath)
	if err != nil {
		return nil, err
	}

	filename := filepath.Base(resolved)
	body, err := ing.readExtracted(filename)
	if err != nil {
		return nil, err
	}

	cleaned := CleanText(body)
	meta := ParseFilenameMeta(filename)

	// The detection sample and the drafter line both come from the body.
	kind := answer.DetectKind(filename, cleaned)
	claimed, _ := answer.RecheckMoney(cleaned, nil)

	pages := strings.Split(body, "\f")

	relPath, err := filepath.Rel(ing.documentsRoot, resolved)
	if err != nil {
		relPath = filename
	}

	doc := &store.Document{
		Filename:     filename,
		Path:         relPath,
		Title:        meta.Title,
		Date:         meta.Date,
		DisplayDate:  meta.Date,
		Year:         meta.Year,
		Month:        meta.Month,
		Doctype:      doctypeFor(kind),
		Drafter:      extractDrafter(cleaned),
		TextPreview:  cleaned,
		PageCount:    len(pages),
		ContentHash:  hashContent(cleaned),
		ClaimedTotal: claimed,
	}

	id, duplicate, err := ing.store.Upsert(ctx, doc)
	if err != nil {
		return nil, err
	}
	if duplicate {
		slog.Info("duplicate document skipped",
			slog.String("filename", filename),
			slog.Int64("existing_id", id))
		return &Result{DocID: id, Duplicate: true, Filename: filename}, nil
	}

	if err := ing.store.ReplaceCodes(ctx, id, extractOccurrences(id, cleaned)); err != nil {
		return nil, err
	}
	if len(pages) > 1 {
		cleanedPages := make([]string, len(pages))
		for i, p := range pages {
			cleanedPages[i] = CleanText(p)
		}
		if err := ing.store.SavePages(ctx, id, cleanedPages); err != nil {
			return nil, err
		}
	}

	slog.Info("document ingested",
		slog.String("doc_id", store.FormatDocID(id)),
		slog.String("filename", filename),
		slog.String("doctype", string(doc.Doctype)))

	return &Result{DocID: id, Filename: filename}, nil
}

// IngestDir ingests every .txt file in the extracted directory as the PDF of
// the same basename under the documents root; it does not check that the PDF
// exists. Files that fail are logged and skipped; the walk continues.
func (ing *Ingester) IngestDir(ctx context.Context) ([]*Result, error) {
	entries, err := os.ReadDir(ing.extractedDir)
	if err != nil {
		return nil, dferrors.Wrap(dferrors.ErrCodeInvalidInput, err)
	}

	var results []*Result
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}

		pdfName := strings.TrimSuffix(entry.Name(), ".txt")
		if !strings.HasSuffix(strings.ToLower(pdfName), ".pdf") {
			pdfName += ".pdf"
		}

		result, err := ing.IngestFile(ctx, pdfName)
		if err != nil {
			slog.Warn("ingest failed, skipping",
				slog.String("file", entry.Name()),
				slog.String("error", err.Error()))
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// readExtracted loads the authoritative body: extracted/<basename>.txt.
func (ing *Ingester) readExtracted(pdfFilename string) (string, error) {
	base := strings.TrimSuffix(pdfFilename, filepath.Ext(pdfFilename))
	candidates := []string{
		filepath.Join(ing.extractedDir, base+".txt"),
		filepath.Join(ing.extractedDir, pdfFilename+".txt"),
	}
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", dferrors.Wrap(dferrors.ErrCodeInvalidInput, err)
		}
	}
	return "", dferrors.Newf(dferrors.ErrCodeInvalidInput,
		"no extracted text for %s", pdfFilename)
}

var drafterRe = regexp.MustCompile(`(?:기안자|작성자)\s*[:：]?\s*([가-힣]{2,4})`)

// extractDrafter pulls the drafter name from the body's metadata lines.
func extractDrafter(text string) string {
	if m := drafterRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// extractOccurrences runs the code-extraction pass over the body.
func extractOccurrences(docID int64, text string) []store.CodeOccurrence {
	raws := textproc.ExtractCodes(text, false)
	occs := make([]store.CodeOccurrence, 0, len(raws))
	seen := map[string]struct{}{}
	for _, raw := range raws {
		norm := textproc.NormalizeCode(raw)
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		occs = append(occs, store.CodeOccurrence{
			DocID:      docID,
			RawCode:    raw,
			NormCode:   norm,
			PaddedNorm: textproc.PadCode(norm),
		})
	}
	return occs
}

func hashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
