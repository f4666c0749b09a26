package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/tokenizer"
)

func newClassifier(longContext int) *Classifier {
	return NewClassifier(config.RouterConfig{LongContextTokens: longContext, HistoryWindow: 4}, tokenizer.Words{})
}

func TestClassify_DefaultFactual(t *testing.T) {
	d := newClassifier(100).Classify(schema.Query{Text: "What is the capital of France?", Language: "en"}, nil, nil)
	assert.Equal(t, schema.RouteFactual, d.Route)
	assert.NotZero(t, d.Sequence)
	assert.Contains(t, d.Signals, SignalTokens)
}

func TestClassify_SameLanguageTranslationFallsThrough(t *testing.T) {
	q := schema.Query{
		Text:     "Good morning, how are you?",
		Language: "en",
		Filters:  schema.Filters{TargetLanguage: "en-US"},
	}
	d := newClassifier(100).Classify(q, nil, nil)
	assert.Equal(t, schema.RouteFactual, d.Route)
	assert.Equal(t, 0.0, d.Signals[SignalTranslation])
}

func TestClassify_Translation(t *testing.T) {
	q := schema.Query{
		Text:     "Good morning, how are you?",
		Language: "en",
		Filters:  schema.Filters{TargetLanguage: "fr"},
	}
	d := newClassifier(100).Classify(q, nil, nil)
	assert.Equal(t, schema.RouteTranslation, d.Route)
	assert.Equal(t, 1.0, d.Signals[SignalTranslation])
}

func TestClassify_TranslationDetectsAutoSource(t *testing.T) {
	q := schema.Query{
		Text:     "今天天气很好",
		Language: schema.LanguageAuto,
		Filters:  schema.Filters{TargetLanguage: "en"},
	}
	d := newClassifier(100).Classify(q, nil, nil)
	assert.Equal(t, schema.RouteTranslation, d.Route)
}

func TestClassify_OtherTaskVerbBlocksTranslation(t *testing.T) {
	q := schema.Query{
		Text:     "Summarize this report about renewable energy",
		Language: "en",
		Filters:  schema.Filters{TargetLanguage: "de"},
	}
	d := newClassifier(100).Classify(q, nil, nil)
	assert.Equal(t, schema.RouteFactual, d.Route)
	assert.Equal(t, 1.0, d.Signals[SignalTaskVerbs])
}

func TestClassify_Multimodal(t *testing.T) {
	c := newClassifier(100)

	d := c.Classify(schema.Query{Text: "what is shown here", Attachments: []schema.Attachment{{URL: "https://x.test/a.PNG?sig=1"}}}, nil, nil)
	assert.Equal(t, schema.RouteMultimodal, d.Route)

	d = c.Classify(schema.Query{Text: "describe the chart in this screenshot"}, nil, nil)
	assert.Equal(t, schema.RouteMultimodal, d.Route)

	d = c.Classify(schema.Query{Text: "这张图片里有什么"}, nil, nil)
	assert.Equal(t, schema.RouteMultimodal, d.Route)

	d = c.Classify(schema.Query{Text: "read this", Attachments: []schema.Attachment{{URL: "https://x.test/doc", MediaType: "text/plain"}}}, nil, nil)
	assert.Equal(t, schema.RouteFactual, d.Route)
}

func TestClassify_LongContextFromHistory(t *testing.T) {
	c := newClassifier(20)
	recent := []schema.Turn{
		{Role: schema.RoleUser, Content: strings.Repeat("word ", 5)},
		{Role: schema.RoleAssistant, Tokens: 18},
	}
	d := c.Classify(schema.Query{Text: "and then?"}, recent, nil)
	assert.Equal(t, schema.RouteLongContext, d.Route)
	assert.Equal(t, 25.0, d.Signals[SignalTokens])
}

func TestClassify_HistoryWindowBounded(t *testing.T) {
	c := newClassifier(20)
	recent := []schema.Turn{{Tokens: 100}, {Tokens: 1}, {Tokens: 1}, {Tokens: 1}, {Tokens: 1}}
	d := c.Classify(schema.Query{Text: "ok"}, recent, nil)
	assert.Equal(t, schema.RouteFactual, d.Route)
}

func TestClassify_PriorityOrder(t *testing.T) {
	c := newClassifier(5)
	q := schema.Query{
		Text:        "please look at this photo and tell me everything you can about it",
		Language:    "en",
		Attachments: []schema.Attachment{{URL: "https://x.test/a.jpg", MediaType: "image/jpeg"}},
		Filters:     schema.Filters{TargetLanguage: "fr"},
	}
	assert.Equal(t, schema.RouteMultimodal, c.Classify(q, nil, nil).Route)

	q.Filters.RouteHint = schema.RouteLongContext
	d := c.Classify(q, nil, nil)
	assert.Equal(t, schema.RouteLongContext, d.Route)
	assert.Equal(t, 1.0, d.Signals[SignalHint])
}

func TestClassify_DisallowedRouteFallsThrough(t *testing.T) {
	c := newClassifier(5)
	q := schema.Query{
		Text:        "look at this photo and tell me what it says in English please",
		Attachments: []schema.Attachment{{URL: "https://x.test/a.jpg"}},
	}
	d := c.Classify(q, nil, []schema.Route{schema.RouteLongContext})
	assert.Equal(t, schema.RouteLongContext, d.Route)
	assert.Contains(t, d.Reason, "multimodal")

	d = c.Classify(q, nil, []schema.Route{schema.RouteTranslation})
	assert.Equal(t, schema.RouteFactual, d.Route)
}

func TestClassify_SequenceIncreases(t *testing.T) {
	c := newClassifier(100)
	var last uint64
	for i := 0; i < 5; i++ {
		d := c.Classify(schema.Query{Text: "hello"}, nil, nil)
		require.Greater(t, d.Sequence, last)
		last = d.Sequence
	}
}
