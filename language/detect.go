package language

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/language"
)

// Normalize turns a BCP 47 tag into its lowercase base language ("en-US" -> "en").
func Normalize(tag string) (string, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "", fmt.Errorf("empty language tag")
	}
	t, err := language.Parse(tag)
	if err != nil {
		return "", fmt.Errorf("invalid language tag %q: %w", tag, err)
	}
	base, _ := t.Base()
	return base.String(), nil
}

var stopwords = map[string][]string{
	"en": {"the", "is", "what", "of", "and", "to", "in", "how", "who", "where", "a", "are", "please"},
	"fr": {"le", "la", "les", "est", "de", "et", "quel", "quelle", "des", "un", "une", "comment", "pourquoi"},
	"de": {"der", "die", "das", "ist", "und", "was", "wie", "ein", "eine", "nicht", "wer", "warum"},
	"es": {"el", "la", "los", "es", "de", "y", "qué", "que", "cuál", "cómo", "un", "una", "por"},
}

// Detect guesses the base language of text, returning fallback when unsure.
// Non-Latin scripts decide by majority rune script; Latin text is scored on stopwords.
func Detect(text, fallback string) string {
	var han, kana, hangul, cyrillic, arabic, latin int
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r):
			kana++
		case unicode.Is(unicode.Han, r):
			han++
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic++
		case unicode.Is(unicode.Arabic, r):
			arabic++
		case unicode.Is(unicode.Latin, r):
			latin++
		}
	}
	switch {
	case kana > 0 && kana+han >= latin:
		return "ja"
	case han > 0 && han >= latin:
		return "zh"
	case hangul > 0 && hangul >= latin:
		return "ko"
	case cyrillic > latin:
		return "ru"
	case arabic > latin:
		return "ar"
	case latin == 0:
		return fallback
	}

	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	best, bestScore := fallback, 0
	for _, lang := range []string{"en", "fr", "de", "es"} {
		score := 0
		for _, w := range words {
			for _, sw := range stopwords[lang] {
				if w == sw {
					score++
					break
				}
			}
		}
		if score > bestScore {
			best, bestScore = lang, score
		}
	}
	return best
}
