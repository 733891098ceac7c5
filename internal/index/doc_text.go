// Package index maintains the lexical (BM25) and vector index artifacts and
// coordinates atomic rebuilds. Both indexes are keyed by the store's
// "doc_{N}" identifiers and must stay id-consistent.
package index

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/namjunsu/docfind/internal/store"
)

var (
	datePrefixRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[_\s]*`)
	separatorRe  = regexp.MustCompile(`[_\-.]+`)
)

// BuildIndexText produces the augmented text both indexes are built from:
// structured metadata lines prepended to the cleaned body so filter-like
// intents (drafter, year, category) are lexically recoverable.
func BuildIndexText(doc *store.Document) string {
	var b strings.Builder

	keywords := filenameKeywords(doc.Filename)
	if keywords != "" {
		fmt.Fprintf(&b, "파일명: %s\n", keywords)
	}
	if doc.Drafter != "" {
		fmt.Fprintf(&b, "기안자: %s\n", doc.Drafter)
	}
	if doc.Doctype != "" && doc.Doctype != store.DoctypeUnknown {
		fmt.Fprintf(&b, "분류: %s\n", doc.Doctype)
	}
	if doc.Date != "" {
		fmt.Fprintf(&b, "날짜: %s\n", doc.Date)
	}
	if doc.Title != "" {
		fmt.Fprintf(&b, "제목: %s\n", doc.Title)
	}

	b.WriteString(doc.TextPreview)
	return b.String()
}

// filenameKeywords strips the leading date and the extension from a filename
// and splits the separators so the parts tokenize individually.
func filenameKeywords(filename string) string {
	name := filename
	if idx := strings.LastIndex(name, "."); idx > 0 {
		name = name[:idx]
	}
	name = datePrefixRe.ReplaceAllString(name, "")
	name = separatorRe.ReplaceAllString(name, " ")
	return strings.TrimSpace(name)
}
