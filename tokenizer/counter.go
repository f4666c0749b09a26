package tokenizer

import (
	"strings"
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
)

const defaultEncoding = "cl100k_base"

// Counter counts model tokens in text.
type Counter interface {
	Count(text string) int
}

// New returns the counter named by kind: "tiktoken" (default) or "words".
func New(kind string) Counter {
	if strings.EqualFold(kind, "words") {
		return Words{}
	}
	return NewTiktoken(defaultEncoding)
}

// Tiktoken counts BPE tokens. The encoding is loaded on first use; if it
// cannot be loaded the counter degrades to Words.
type Tiktoken struct {
	encoding string
	once     sync.Once
	tke      *tiktoken.Tiktoken
}

// NewTiktoken creates a lazily initialised tiktoken counter.
func NewTiktoken(encoding string) *Tiktoken {
	if encoding == "" {
		encoding = defaultEncoding
	}
	return &Tiktoken{encoding: encoding}
}

func (t *Tiktoken) load() {
	tke, err := tiktoken.GetEncoding(t.encoding)
	if err != nil {
		logger.Warnf("tokenizer: load %s failed, counting words instead: %v", t.encoding, err)
		return
	}
	t.tke = tke
}

// Count implements Counter.
func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	t.once.Do(t.load)
	if t.tke == nil {
		return Words{}.Count(text)
	}
	return len(t.tke.Encode(text, nil, nil))
}

// Words approximates tokens: one per whitespace separated word and one per
// CJK rune, since those scripts are not space delimited.
type Words struct{}

// Count implements Counter.
func (Words) Count(text string) int {
	n := 0
	inWord := false
	for _, r := range text {
		switch {
		case isCJK(r):
			n++
			inWord = false
		case unicode.IsSpace(r):
			inWord = false
		default:
			if !inWord {
				n++
				inWord = true
			}
		}
	}
	return n
}
