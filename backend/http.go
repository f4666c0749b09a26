package backend

import (
	"context"
	"time"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// HTTP is a backend reached through a plain JSON endpoint:
//
//	POST {endpoint}
//	{"request_id", "route", "query", "language", "target_language", "system", "prompt", "evidence", "attachments"}
//	-> {"text", "confidence", "flags"}
type HTTP struct {
	hc       *httpx.Client
	endpoint string
	headers  map[string]string
	model    string
	timeout  time.Duration
}

func NewHTTP(cfg config.BackendConfig, hc *httpx.Client) *HTTP {
	return &HTTP{
		hc:       hc,
		endpoint: cfg.Endpoint,
		headers:  cfg.Headers,
		model:    cfg.Model,
		timeout:  cfg.Timeout(),
	}
}

type httpEvidence struct {
	SourceID string  `json:"source_id"`
	Snippet  string  `json:"snippet"`
	Score    float64 `json:"score"`
}

type httpRequest struct {
	RequestID      string              `json:"request_id"`
	Model          string              `json:"model,omitempty"`
	Route          string              `json:"route"`
	Query          string              `json:"query"`
	Language       string              `json:"language,omitempty"`
	TargetLanguage string              `json:"target_language,omitempty"`
	System         string              `json:"system"`
	Prompt         string              `json:"prompt"`
	Evidence       []httpEvidence      `json:"evidence,omitempty"`
	Attachments    []schema.Attachment `json:"attachments,omitempty"`
}

type httpResponse struct {
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Flags      []string `json:"flags"`
}

// Generate implements Backend.
func (h *HTTP) Generate(ctx context.Context, req Request) (Generation, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	in := httpRequest{
		RequestID:      req.RequestID,
		Model:          h.model,
		Route:          string(req.Route),
		Query:          req.Query,
		Language:       req.Language,
		TargetLanguage: req.TargetLanguage,
		System:         SystemPrompt(req),
		Prompt:         UserPrompt(req),
		Attachments:    req.Attachments,
	}
	for _, e := range req.Evidence {
		in.Evidence = append(in.Evidence, httpEvidence{SourceID: e.SourceID, Snippet: e.Snippet, Score: e.RerankScore})
	}
	var out httpResponse
	if err := h.hc.PostJSON(ctx, h.endpoint, h.headers, in, &out); err != nil {
		return Generation{}, errs.Classify("backend.http", err)
	}
	g := Generation{Text: out.Text, Confidence: out.Confidence, Flags: flagsFromText(out.Text)}
	for _, f := range out.Flags {
		g.Flags = append(g.Flags, schema.GuardrailFlag(f))
	}
	return g, nil
}
