// Package answer composes grounded answers: it selects a document-type
// specific prompt template, packs retrieved chunks into the model's context
// budget, calls the LLM, and enforces citation presence on the way out.
package answer

import (
	"regexp"
	"strings"

	"github.com/namjunsu/docfind/internal/textproc"
)

// Kind is the template family for a document.
type Kind string

const (
	KindConsumables Kind = "consumables"
	KindRepair      Kind = "repair"
	KindProcEval    Kind = "proc_eval"
	KindDisposal    Kind = "disposal"
	KindMinutes     Kind = "minutes"
	KindGeneric     Kind = "generic"
)

// detectSampleLen bounds how much body text doctype detection reads.
const detectSampleLen = 2000

var kindPatterns = map[Kind]*regexp.Regexp{
	KindMinutes:     regexp.MustCompile(`(?i)(회의록|회의\s*결과|회의\s*일시|회의\s*장소|참석자|안건|결정\s*사항)`),
	KindProcEval:    regexp.MustCompile(`(?i)(기술\s*검토서|구매\s*검토서|검토의\s*건|견적\s*비교|도입\s*검토|교체\s*검토|선정|권고|proposal)`),
	KindConsumables: regexp.MustCompile(`(?i)(소모품|consumable|구매\s*의\s*건|구매의\s*건|납품|발주)`),
	KindRepair:      regexp.MustCompile(`(?i)(수리(\s*내역)?|불량|고장|장애|\bAS\b|A/S)`),
	KindDisposal:    regexp.MustCompile(`(?i)(폐기|불용|SCRAP|disposal|폐기의\s*건)`),
}

// minutesSignals confirm the minutes kind: two or more of these appearing
// together override every other classification.
var minutesSignals = []string{"안건", "참석자", "결정"}

// DetectKind classifies a document from its filename and the first part of
// its body. Minutes get priority when at least two strong signals co-occur;
// proc_eval is checked before consumables because both mention 구매.
func DetectKind(filename, text string) Kind {
	sample := text
	if len([]rune(sample)) > detectSampleLen {
		sample = string([]rune(sample)[:detectSampleLen])
	}
	s := strings.ToLower(textproc.NormalizeText(filename + "\n" + sample))

	if kindPatterns[KindMinutes].MatchString(s) {
		signals := 0
		for _, kw := range minutesSignals {
			if strings.Contains(s, kw) {
				signals++
			}
		}
		if signals >= 2 {
			return KindMinutes
		}
	}

	if kindPatterns[KindProcEval].MatchString(s) {
		return KindProcEval
	}
	if kindPatterns[KindConsumables].MatchString(s) {
		return KindConsumables
	}
	if kindPatterns[KindRepair].MatchString(s) {
		return KindRepair
	}
	if kindPatterns[KindDisposal].MatchString(s) {
		return KindDisposal
	}
	return KindGeneric
}
