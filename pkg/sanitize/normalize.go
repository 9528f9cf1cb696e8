package sanitize

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizationReport describes what normalization changed, so the
// obfuscation detector can turn the delta into findings.
type NormalizationReport struct {
	ZeroWidthRemoved int
	BidiRemoved      int
	HomoglyphsFolded int
	CompatFolded     bool // NFKC changed the string (fullwidth forms, ligatures)
}

// Changed reports whether normalization altered the input at all.
func (r NormalizationReport) Changed() bool {
	return r.ZeroWidthRemoved > 0 || r.BidiRemoved > 0 || r.HomoglyphsFolded > 0 || r.CompatFolded
}

// homoglyphs maps visually confusable codepoints to their ASCII targets.
// Covers the Cyrillic and Greek lookalikes seen in obfuscated command text.
var homoglyphs = map[rune]rune{
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'х': 'x', 'у': 'y',
	'і': 'i', 'ѕ': 's', 'ԁ': 'd', 'ɡ': 'g', 'ո': 'n', 'ⅼ': 'l',
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Η': 'H', 'Ι': 'I', 'Κ': 'K', 'Μ': 'M',
	'Ν': 'N', 'Ο': 'O', 'Ρ': 'P', 'Τ': 'T', 'Χ': 'X', 'ο': 'o', 'ν': 'v',
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff', '\u00ad':
		return true
	}
	return false
}

func isBidiControl(r rune) bool {
	return (r >= '\u202a' && r <= '\u202e') || (r >= '\u2066' && r <= '\u2069')
}

// Normalize produces the canonical detection form of request text: NFKC
// compatibility folding, zero-width and bidi control removal, homoglyph
// folding. Detectors run against the normalized text so character
// substitution cannot hide a pattern; the report records what was stripped.
func Normalize(input string) (string, NormalizationReport) {
	var report NormalizationReport

	folded := norm.NFKC.String(input)
	if folded != input {
		report.CompatFolded = true
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case isZeroWidth(r):
			report.ZeroWidthRemoved++
		case isBidiControl(r):
			report.BidiRemoved++
		default:
			if target, ok := homoglyphs[r]; ok {
				report.HomoglyphsFolded++
				b.WriteRune(target)
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String(), report
}
