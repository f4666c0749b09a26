package embedding

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/tokenizer"
)

// OpenAIEncoder takes dense vectors from an OpenAI-compatible embeddings
// endpoint and keeps the local sparse signature.
type OpenAIEncoder struct {
	client openai.Client
	model  string
	dims   int
}

// NewOpenAIEncoder builds an encoder from cfg.
func NewOpenAIEncoder(cfg config.EmbeddingConfig) *OpenAIEncoder {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIEncoder{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		dims:   cfg.Dimensions,
	}
}

func (e *OpenAIEncoder) Dimensions() int { return e.dims }

// Encode implements Encoder.
func (e *OpenAIEncoder) Encode(ctx context.Context, text string) (Encoding, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: openai.Int(int64(e.dims)),
	})
	if err != nil {
		return Encoding{}, errs.Classify("embedding", err)
	}
	if len(resp.Data) == 0 {
		return Encoding{}, errs.E(errs.KindUnavailable, "embedding", fmt.Errorf("empty embedding response"))
	}
	raw := resp.Data[0].Embedding
	dense := make([]float32, len(raw))
	for i, v := range raw {
		dense[i] = float32(v)
	}
	return Encoding{Dense: dense, Sparse: SparseOf(tokenizer.Terms(text))}, nil
}

// New returns the encoder configured by cfg.
func New(cfg config.EmbeddingConfig) Encoder {
	if cfg.Provider == "openai" {
		return NewOpenAIEncoder(cfg)
	}
	return NewHashEncoder(cfg.Dimensions)
}
