package router

import (
	"strings"
	"unicode"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/language"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/tokenizer"
)

// Signal names recorded on every RouteDecision.
const (
	SignalHint        = "hint"
	SignalMedia       = "media"
	SignalTokens      = "tokens"
	SignalLongContext = "long_context"
	SignalTranslation = "translation"
	SignalTaskVerbs   = "task_verbs"
)

var defaultMediaKeywords = []string{
	"image", "images", "photo", "photos", "picture", "pictures", "screenshot", "diagram", "chart",
	"video", "audio", "recording", "scan", "scanned",
	"图片", "照片", "图像", "截图", "视频", "音频", "图表",
	"写真", "画像", "動画",
}

// Verbs that ask for something other than a translation. A target language
// alongside any of these keeps the query off the translation route.
var defaultTaskVerbs = []string{
	"summarize", "summarise", "summary", "explain", "compare", "analyze", "analyse", "describe",
	"list", "write", "answer", "calculate", "classify", "extract",
	"总结", "解释", "比较", "分析", "描述", "列出", "回答",
	"résumer", "expliquer", "comparer", "zusammenfassen", "erklären", "vergleichen",
	"resumir", "explicar", "comparar",
}

var nonTextMedia = []string{"image/", "audio/", "video/"}

var mediaExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".mp3", ".wav", ".mp4", ".mov"}

// Classifier selects one backend route per query. Priority is fixed:
// explicit hint, multimodal, long-context, translation, factual.
// It reads the session window but never mutates it.
type Classifier struct {
	longContextTokens int
	historyWindow     int
	mediaKeywords     []string
	taskVerbs         []string
	counter           tokenizer.Counter
	seq               atomic.Uint64
}

// NewClassifier builds a Classifier. A nil counter counts words.
func NewClassifier(cfg config.RouterConfig, counter tokenizer.Counter) *Classifier {
	if counter == nil {
		counter = tokenizer.Words{}
	}
	c := &Classifier{
		longContextTokens: cfg.LongContextTokens,
		historyWindow:     cfg.HistoryWindow,
		mediaKeywords:     cfg.MediaKeywords,
		taskVerbs:         cfg.TaskVerbs,
		counter:           counter,
	}
	if c.longContextTokens <= 0 {
		c.longContextTokens = 3000
	}
	if len(c.mediaKeywords) == 0 {
		c.mediaKeywords = defaultMediaKeywords
	}
	if len(c.taskVerbs) == 0 {
		c.taskVerbs = defaultTaskVerbs
	}
	return c
}

// HistoryWindow is how many recent turns the classifier wants to see.
func (c *Classifier) HistoryWindow() int { return c.historyWindow }

// Classify returns the route for q given the recent turns. allowed restricts
// the candidate routes (nil allows all); a disallowed candidate falls through
// to the next one and factual is always permitted.
func (c *Classifier) Classify(q schema.Query, recent []schema.Turn, allowed []schema.Route) schema.RouteDecision {
	text := tokenizer.Normalize(q.Text)
	if c.historyWindow > 0 && len(recent) > c.historyWindow {
		recent = recent[len(recent)-c.historyWindow:]
	}
	signals := map[string]float64{}

	permitted := func(r schema.Route) bool {
		if r == schema.RouteFactual || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == r {
				return true
			}
		}
		return false
	}

	route, reason := schema.RouteFactual, "default factual route"
	var skipped []string
	pick := func(r schema.Route, why string) bool {
		if !permitted(r) {
			skipped = append(skipped, string(r))
			return false
		}
		route, reason = r, why
		return true
	}

	hint := q.Filters.RouteHint
	if hint.Valid() {
		signals[SignalHint] = 1
	}

	media := c.mediaScore(text, q.Attachments)
	signals[SignalMedia] = media

	tokens := c.counter.Count(q.Text)
	for _, t := range recent {
		if t.Tokens > 0 {
			tokens += t.Tokens
		} else {
			tokens += c.counter.Count(t.Content)
		}
	}
	signals[SignalTokens] = float64(tokens)
	signals[SignalLongContext] = float64(tokens) / float64(c.longContextTokens)

	verbs := c.countTaskVerbs(text)
	signals[SignalTaskVerbs] = float64(verbs)
	translate := c.isTranslation(q, verbs)
	if translate {
		signals[SignalTranslation] = 1
	}

	switch {
	case hint.Valid() && pick(hint, "explicit route hint"):
	case media > 0 && pick(schema.RouteMultimodal, "query implies non-text media"):
	case tokens > c.longContextTokens && pick(schema.RouteLongContext, "query and history exceed long-context threshold"):
	case translate && pick(schema.RouteTranslation, "target language differs from source"):
	}
	if len(skipped) > 0 {
		reason += "; not permitted: " + strings.Join(skipped, ",")
	}

	d := schema.RouteDecision{
		Route:    route,
		Signals:  signals,
		Reason:   reason,
		Sequence: c.seq.Inc(),
	}
	metrics.IncRoute(string(route))
	logger.L().Info("route decision",
		zap.Uint64("sequence", d.Sequence),
		zap.String("route", string(route)),
		zap.String("reason", reason),
		zap.Any("signals", signals),
		zap.String("request_id", q.RequestID),
	)
	return d
}

// mediaScore is 1 for non-text attachments, otherwise the number of media
// keywords in text.
func (c *Classifier) mediaScore(text string, atts []schema.Attachment) float64 {
	for _, a := range atts {
		if isMedia(a) {
			return 1
		}
	}
	terms := termSet(text)
	n := 0
	for _, kw := range c.mediaKeywords {
		if hasKeyword(text, terms, kw) {
			n++
		}
	}
	return float64(n)
}

func isMedia(a schema.Attachment) bool {
	mt := strings.ToLower(a.MediaType)
	for _, p := range nonTextMedia {
		if strings.HasPrefix(mt, p) {
			return true
		}
	}
	u := strings.ToLower(a.URL)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	for _, ext := range mediaExtensions {
		if strings.HasSuffix(u, ext) {
			return true
		}
	}
	return strings.HasPrefix(u, "data:image/")
}

func (c *Classifier) countTaskVerbs(text string) int {
	terms := termSet(text)
	n := 0
	for _, v := range c.taskVerbs {
		if hasKeyword(text, terms, v) {
			n++
		}
	}
	return n
}

// isTranslation requires an explicit target language that differs from the
// source language and no competing task verb.
func (c *Classifier) isTranslation(q schema.Query, verbs int) bool {
	if q.Filters.TargetLanguage == "" || verbs > 0 {
		return false
	}
	target, err := language.Normalize(q.Filters.TargetLanguage)
	if err != nil {
		return false
	}
	source := q.Language
	if source == "" || source == schema.LanguageAuto {
		source = language.Detect(q.Text, "")
	} else if s, err := language.Normalize(source); err == nil {
		source = s
	}
	return source != "" && source != target
}

func termSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// hasKeyword matches whole words for alphabetic keywords and substrings for
// CJK keywords, which are not space delimited.
func hasKeyword(text string, terms map[string]struct{}, kw string) bool {
	kw = tokenizer.Normalize(kw)
	for _, r := range kw {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			return strings.Contains(text, kw)
		}
	}
	_, ok := terms[kw]
	return ok
}
