package backend

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// OpenAI is a backend served by an OpenAI-compatible chat completions API.
// Confidence is the geometric mean token probability, exp(mean logprob).
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
	cfg         config.BackendConfig
}

// NewOpenAI builds a chat backend from cfg. Retries are left to the caller.
func NewOpenAI(cfg config.BackendConfig) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		cfg:         cfg,
	}
}

func (o *OpenAI) params(req Request) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt(req)),
			o.userMessage(req),
		},
		Logprobs:    openai.Bool(true),
		Temperature: openai.Float(o.temperature),
	}
	if o.maxTokens > 0 {
		p.MaxTokens = openai.Int(int64(o.maxTokens))
	}
	return p
}

// userMessage attaches images as content parts on the multimodal route.
func (o *OpenAI) userMessage(req Request) openai.ChatCompletionMessageParamUnion {
	text := UserPrompt(req)
	if req.Route != schema.RouteMultimodal || len(req.Attachments) == 0 {
		return openai.UserMessage(text)
	}
	parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(text)}
	for _, a := range req.Attachments {
		if a.MediaType != "" && !strings.HasPrefix(a.MediaType, "image/") {
			continue
		}
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: a.URL}))
	}
	return openai.UserMessage(parts)
}

func (o *OpenAI) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := o.cfg.Timeout(); t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

// Generate implements Backend.
func (o *OpenAI) Generate(ctx context.Context, req Request) (Generation, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	resp, err := o.client.Chat.Completions.New(ctx, o.params(req))
	if err != nil {
		return Generation{}, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return Generation{}, errs.E(errs.KindUnavailable, "backend.openai", errEmptyChoices)
	}
	choice := resp.Choices[0]
	lps := make([]float64, 0, len(choice.Logprobs.Content))
	for _, lp := range choice.Logprobs.Content {
		lps = append(lps, lp.Logprob)
	}
	return o.finish(req, choice.Message.Content, string(choice.FinishReason), lps), nil
}

// Stream implements Streamer.
func (o *OpenAI) Stream(ctx context.Context, req Request, onToken func(string) error) (Generation, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	stream := o.client.Chat.Completions.NewStreaming(ctx, o.params(req))
	defer stream.Close()

	var (
		text   strings.Builder
		lps    []float64
		finish string
	)
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		c := chunk.Choices[0]
		for _, lp := range c.Logprobs.Content {
			lps = append(lps, lp.Logprob)
		}
		if c.FinishReason != "" {
			finish = string(c.FinishReason)
		}
		if c.Delta.Content == "" {
			continue
		}
		text.WriteString(c.Delta.Content)
		if err := onToken(c.Delta.Content); err != nil {
			return Generation{}, err
		}
	}
	if err := stream.Err(); err != nil {
		return Generation{}, classifyOpenAI(err)
	}
	return o.finish(req, text.String(), finish, lps), nil
}

func (o *OpenAI) finish(req Request, text, finishReason string, logprobs []float64) Generation {
	g := Generation{
		Text:       strings.TrimSpace(text),
		Confidence: confidenceFromLogprobs(logprobs),
		Flags:      flagsFromText(text),
	}
	if finishReason == "content_filter" {
		g.Flags = append(g.Flags, schema.FlagUnsafe)
	}
	if len(logprobs) == 0 {
		logger.Warnf("backend: %s returned no logprobs for request %s, confidence is 0", o.model, req.RequestID)
	}
	return g
}

var errEmptyChoices = errors.New("response has no choices")

// confidenceFromLogprobs returns exp(mean logprob), 0 for no tokens.
func confidenceFromLogprobs(lps []float64) float64 {
	if len(lps) == 0 {
		return 0
	}
	sum := 0.0
	for _, lp := range lps {
		sum += lp
	}
	c := math.Exp(sum / float64(len(lps)))
	if c > 1 {
		return 1
	}
	return c
}

// classifyOpenAI maps API errors to the error taxonomy: 4xx other than
// 408/429 are invalid input, the rest are retryable.
func classifyOpenAI(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 408 || apiErr.StatusCode == 429 || apiErr.StatusCode >= 500:
			return errs.E(errs.KindUnavailable, "backend.openai", err)
		case apiErr.StatusCode >= 400:
			return errs.E(errs.KindInvalidInput, "backend.openai", err)
		}
	}
	return errs.Classify("backend.openai", err)
}
