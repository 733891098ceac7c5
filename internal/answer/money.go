package answer

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/namjunsu/docfind/internal/textproc"
)

var (
	moneyNumRe  = regexp.MustCompile(`(\d{1,3}(?:,\d{3})+|\d+)\s*원?`)
	moneyUnitRe = regexp.MustCompile(`(?:(\d+(?:\.\d+)?)\s*억)|(?:(\d+(?:\.\d+)?)\s*만)`)
	decisionRe  = regexp.MustCompile(`(선정|결정|조치|확정|권고|채택|승인)`)
	moneyCtxRe  = regexp.MustCompile(`(합계|총액|견적|금액)`)
)

// ParseMoneyAny extracts a KRW amount from text: 억/만 units first, then
// comma-grouped or plain digit runs. Returns 0, false when nothing parses.
func ParseMoneyAny(s string) (int64, bool) {
	s = textproc.NormalizeText(s)

	if m := moneyUnitRe.FindStringSubmatch(s); m != nil {
		if m[1] != "" {
			eok, err := strconv.ParseFloat(m[1], 64)
			if err == nil {
				return int64(math.Round(eok * 100_000_000)), true
			}
		}
		if m[2] != "" {
			man, err := strconv.ParseFloat(m[2], 64)
			if err == nil {
				return int64(math.Round(man * 10_000)), true
			}
		}
	}

	if m := moneyNumRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
		if err == nil {
			return n, true
		}
	}

	return 0, false
}

// windowedMoneyCandidates scans amounts near 합계/총액/견적/금액 keywords
// first, then falls back to any numeric amounts in the text.
func windowedMoneyCandidates(text string, window int) []int64 {
	var candidates []int64

	runes := []rune(text)
	for _, loc := range moneyCtxRe.FindAllStringIndex(text, -1) {
		// Byte offsets from the regexp; widen to a rune-safe window.
		start := len([]rune(text[:loc[0]]))
		end := start + window
		if end > len(runes) {
			end = len(runes)
		}
		if v, ok := ParseMoneyAny(string(runes[start:end])); ok {
			candidates = append(candidates, v)
		}
	}

	for _, m := range moneyNumRe.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64); err == nil {
			candidates = append(candidates, n)
		}
	}

	return candidates
}

// RecheckMoney re-scans the body when the pipeline extracted no total, and
// reports whether a decision keyword is present. Keeps templates from
// emitting "없음" for amounts that are plainly in the text.
func RecheckMoney(text string, claimedTotal *int64) (money *int64, hasDecision bool) {
	money = claimedTotal
	if money == nil {
		candidates := windowedMoneyCandidates(text, 80)
		if len(candidates) > 0 {
			best := candidates[0]
			for _, c := range candidates[1:] {
				if c > best {
					best = c
				}
			}
			money = &best
		}
	}
	return money, decisionRe.MatchString(text)
}

// FormatKRW renders an amount as ₩34,340,000, or 없음 for nil.
func FormatKRW(v *int64) string {
	if v == nil {
		return "없음"
	}
	s := strconv.FormatInt(*v, 10)
	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	}

	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)

	out := "₩" + strings.Join(parts, ",")
	if negative {
		out = "-" + out
	}
	return out
}
