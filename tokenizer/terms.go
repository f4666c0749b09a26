package tokenizer

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var stop = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "of": {}, "to": {}, "in": {},
	"on": {}, "and": {}, "or": {}, "for": {}, "what": {}, "which": {}, "who": {}, "how": {},
	"do": {}, "does": {}, "it": {}, "this": {}, "that": {}, "with": {}, "by": {}, "be": {},
	"的": {}, "是": {}, "了": {},
}

// Normalize folds case, applies NFKC and collapses whitespace runs to one space.
func Normalize(text string) string {
	return strings.Join(strings.Fields(cases.Fold().String(norm.NFKC.String(text))), " ")
}

// Terms splits text into normalized lexical terms. Letters and digits form
// words; Han, Kana and Hangul runes are emitted individually. Stopwords are
// dropped.
func Terms(text string) []string {
	text = cases.Fold().String(norm.NFKC.String(text))
	var out []string
	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		w := b.String()
		b.Reset()
		if _, ok := stop[w]; !ok {
			out = append(out, w)
		}
	}
	for _, r := range text {
		switch {
		case isCJK(r):
			flush()
			if _, ok := stop[string(r)]; !ok {
				out = append(out, string(r))
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return out
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r)
}
