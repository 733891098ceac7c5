package answer

import (
	"regexp"
	"strings"

	"github.com/namjunsu/docfind/internal/search"
)

// citationPatterns cover the citation shapes the model emits: bracketed
// filenames, corner-bracketed filenames, 출처/근거 lines, dated filenames.
var citationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\[([^\]]+\.pdf[^\]]*)\]`),
	regexp.MustCompile(`「([^」]+\.pdf[^」]*)」`),
	regexp.MustCompile(`출처:\s*([^\n]+\.pdf[^\n]*)`),
	regexp.MustCompile(`근거:\s*([^\n]+\.pdf[^\n]*)`),
	regexp.MustCompile(`\[([^\]]*\d{4}-\d{2}-\d{2}[^\]]*\.pdf[^\]]*)\]`),
	regexp.MustCompile(`(\d{4}-\d{2}-\d{2}_[^\s\]]+\.pdf)`),
	regexp.MustCompile(`([A-Za-z0-9가-힣_\-]+\.pdf)`),
}

// CitationCheck is the result of validating an answer's citations against
// the retrieved chunk set.
type CitationCheck struct {
	HasCitations  bool
	CitedFiles    []string
	InvalidCited  []string
	CitationCount int
}

// ValidateCitations extracts citations from the answer and keeps only those
// matching a retrieved chunk's filename (exact or containment either way).
func ValidateCitations(answerText string, chunks []*search.Chunk) CitationCheck {
	available := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk.Filename != "" {
			available = append(available, chunk.Filename)
		}
	}

	var cited []string
	seen := map[string]struct{}{}
	for _, pattern := range citationPatterns {
		for _, m := range pattern.FindAllStringSubmatch(answerText, -1) {
			filename := strings.TrimSpace(m[1])
			if !strings.HasSuffix(filename, ".pdf") {
				continue
			}
			if _, dup := seen[filename]; dup {
				continue
			}
			seen[filename] = struct{}{}
			cited = append(cited, filename)
		}
	}

	check := CitationCheck{CitationCount: len(cited)}
	for _, c := range cited {
		valid := false
		for _, avail := range available {
			if c == avail || strings.Contains(avail, c) || strings.Contains(c, avail) {
				valid = true
				break
			}
		}
		if valid {
			check.CitedFiles = append(check.CitedFiles, c)
		} else {
			check.InvalidCited = append(check.InvalidCited, c)
		}
	}
	check.HasCitations = len(check.CitedFiles) > 0
	return check
}

// SynthesizeSourceLine builds the forced "출처: [a] [b]" suffix from the
// top chunks when the model refused to cite.
func SynthesizeSourceLine(chunks []*search.Chunk, limit int) string {
	if limit <= 0 {
		limit = 2
	}
	var names []string
	seen := map[string]struct{}{}
	for _, chunk := range chunks {
		if chunk.Filename == "" {
			continue
		}
		if _, dup := seen[chunk.Filename]; dup {
			continue
		}
		seen[chunk.Filename] = struct{}{}
		names = append(names, "["+chunk.Filename+"]")
		if len(names) >= limit {
			break
		}
	}
	if len(names) == 0 {
		return ""
	}
	return "출처: " + strings.Join(names, " ")
}
