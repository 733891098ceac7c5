// Package textproc provides text and product-code normalization shared by
// ingestion and query time. Both sides must apply identical rules or exact
// code lookup loses reproducibility.
package textproc

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// hyphenVariants folds en-dash, em-dash, figure dash, non-breaking hyphen
// and the minus sign to a plain ASCII hyphen.
var hyphenVariants = regexp.MustCompile("[‐‑‒–—−]")

var whitespaceRun = regexp.MustCompile(`\s+`)

// codeDenylist rejects common words the code patterns would otherwise match.
var codeDenylist = map[string]struct{}{
	"ONAIR": {}, "OFFAIR": {},
	"EMAIL": {}, "TSHIRT": {}, "THIS": {}, "THAT": {}, "HAVE": {}, "BEEN": {},
	"WERE": {}, "WILL": {}, "FROM": {}, "WITH": {}, "WHEN": {}, "WHAT": {},
	"WHERE": {}, "WHICH": {}, "ABOUT": {}, "COULD": {}, "WOULD": {},
	"SHOULD": {}, "THEIR": {}, "THERE": {}, "THESE": {}, "THOSE": {},
}

// codePatterns match product/model codes, most specific first.
// Go's regexp has no lookaround, so candidates are matched loosely and then
// checked for the at-least-one-digit requirement and trimmed of separators.
var codePatterns = []*regexp.Regexp{
	// Multi-segment codes: XRN-1620B2, BE-68, COM/GROUPWARE/APPROVAL
	regexp.MustCompile(`(?i)[A-Z][A-Z0-9]{0,11}(?:[-/ ][A-Z0-9]{1,12}){1,3}`),
	// Mixed product names with spaces: DeckLink 4K Extreme 12G
	regexp.MustCompile(`[A-Z][a-z]+(?:\s+[A-Z0-9][A-Za-z0-9]*)+`),
	// Tight alphanumeric codes: LVM180A, GS724Tv6, FX3
	regexp.MustCompile(`(?i)[A-Z]{2,}\d+[A-Za-z0-9]*`),
	// Brand-prefix whitelist
	regexp.MustCompile(`(?i)\b(?:LVM|XRN|NR|RM|KONA|DECKLINK|FS|FX|BM|SDI|HDR|LAG|ODIN|ATEYAA|EX|BE|COM)[A-Z0-9]{1,12}\b`),
}

var digitRe = regexp.MustCompile(`\d`)

var nonAlnumRe = regexp.MustCompile(`[^A-Z0-9]`)

var (
	hyphenRunRe     = regexp.MustCompile(`-{2,}`)
	underscoreRunRe = regexp.MustCompile(`_{2,}`)
	unsafeStemRe    = regexp.MustCompile(`[^A-Z0-9_\-가-힣]`)
	fuzzySepRe      = regexp.MustCompile(`[\s_·,:()\[\]\-]+`)
)

// NormalizeText applies NFKC, hyphen folding and whitespace collapsing.
func NormalizeText(text string) string {
	if text == "" {
		return ""
	}
	text = norm.NFKC.String(text)
	text = hyphenVariants.ReplaceAllString(text, "-")
	text = whitespaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// NormalizeCode reduces a code to uppercase alphanumerics only.
//
//	"xrn-1620b2"  -> "XRN1620B2"
//	"LVM 180A"    -> "LVM180A"
func NormalizeCode(code string) string {
	if code == "" {
		return ""
	}
	code = strings.ToUpper(NormalizeText(code))
	return nonAlnumRe.ReplaceAllString(code, "")
}

// PadCode returns the boundary-padded form stored alongside norm_code for
// boundary-safe LIKE queries.
func PadCode(normCode string) string {
	return " " + normCode + " "
}

// GenerateVariants produces separator variants of a code for exact lookup:
// the normalized original, a hyphen-to-space swap, slash expansion, and the
// separator-free form. Result is deduplicated and sorted.
func GenerateVariants(code string) []string {
	if code == "" {
		return nil
	}
	base := strings.ToUpper(NormalizeText(code))

	variants := map[string]struct{}{base: {}}
	if strings.Contains(base, "-") {
		variants[strings.ReplaceAll(base, "-", " ")] = struct{}{}
	}
	if strings.Contains(base, "/") {
		variants[strings.ReplaceAll(base, "/", " ")] = struct{}{}
		variants[strings.ReplaceAll(base, "/", "-")] = struct{}{}
	}
	variants[nonAlnumRe.ReplaceAllString(base, "")] = struct{}{}

	out := make([]string, 0, len(variants))
	for v := range variants {
		if v != "" {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// ExtractCodes finds product/model codes in text. When normalize is true the
// results are reduced to uppercase alphanumerics. Deny-listed words are
// dropped. Results are sorted longest first for deterministic downstream use.
func ExtractCodes(text string, normalize bool) []string {
	if text == "" {
		return nil
	}

	normalized := NormalizeText(text)
	seen := map[string]struct{}{}

	for _, pattern := range codePatterns {
		for _, m := range pattern.FindAllString(normalized, -1) {
			m = strings.Trim(m, "-/ ")
			if m == "" || !digitRe.MatchString(m) {
				continue
			}
			if _, denied := codeDenylist[NormalizeCode(m)]; denied {
				continue
			}
			key := m
			if normalize {
				key = NormalizeCode(m)
			}
			if key != "" {
				seen[key] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

// IsCodeQuery reports whether the query contains at least one code pattern.
func IsCodeQuery(query string) bool {
	return len(ExtractCodes(query, false)) > 0
}

// NormalizeFilename canonicalizes a filename while keeping it readable:
// hyphen variants folded, spaces to underscores, duplicate separators
// squeezed, stem uppercased, extension lowercased.
func NormalizeFilename(filename string) string {
	if filename == "" {
		return ""
	}

	stem := filename
	ext := ""
	if idx := strings.LastIndex(filename, "."); idx > 0 {
		stem = filename[:idx]
		ext = filename[idx+1:]
	}

	stem = strings.ToUpper(NormalizeText(stem))
	stem = strings.ReplaceAll(stem, " ", "_")
	stem = hyphenRunRe.ReplaceAllString(stem, "-")
	stem = underscoreRunRe.ReplaceAllString(stem, "_")
	stem = unsafeStemRe.ReplaceAllString(stem, "")

	if ext != "" {
		return stem + "." + strings.ToLower(ext)
	}
	return stem
}

// FuzzyKey lowercases a name and strips separators and the .pdf extension,
// used for fuzzy filename matching and single-candidate confirmation.
func FuzzyKey(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "&", "and")
	s = strings.TrimSuffix(s, ".pdf")
	return fuzzySepRe.ReplaceAllString(s, "")
}
