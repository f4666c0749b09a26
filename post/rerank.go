package post

import (
	"context"
	"fmt"
	"sort"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/tokenizer"
)

// Reranker reorders candidates by pairwise relevance to the raw query text,
// setting RerankScore on every returned item. Output is sorted by
// RerankScore descending and holds at most topN items (topN <= 0 keeps all).
type Reranker interface {
	Rerank(ctx context.Context, query string, in []schema.EvidenceItem, topN int) ([]schema.EvidenceItem, error)
}

// New returns the reranker configured by cfg. The model reranker falls back
// to lexical scoring when its endpoint fails.
func New(cfg config.RerankConfig, hc *httpx.Client) Reranker {
	lex := &LexicalReranker{}
	if cfg.Provider == "model" {
		return &ModelReranker{Endpoint: cfg.Endpoint, Model: cfg.Model, APIKey: cfg.APIKey, Client: hc, Fallback: lex}
	}
	return lex
}

// ================================================================================
// Lexical Reranker
// ================================================================================

// LexicalReranker scores a query/snippet pair from term overlap. Scores are
// within [0,1]: coverage of distinct query terms dominates, with bonuses for
// query terms that appear early in the snippet and for repeated matches.
type LexicalReranker struct{}

func (LexicalReranker) Rerank(ctx context.Context, query string, in []schema.EvidenceItem, topN int) ([]schema.EvidenceItem, error) {
	qTerms := distinct(tokenizer.Terms(query))
	out := make([]schema.EvidenceItem, len(in))
	for i, item := range in {
		item.RerankScore = lexicalScore(qTerms, tokenizer.Terms(item.Snippet))
		out[i] = item
	}
	return sortByRerank(out, topN), nil
}

func lexicalScore(qTerms, dTerms []string) float64 {
	if len(qTerms) == 0 || len(dTerms) == 0 {
		return 0
	}
	first := make(map[string]int, len(dTerms))
	freq := make(map[string]int, len(dTerms))
	for i, t := range dTerms {
		if _, ok := first[t]; !ok {
			first[t] = i
		}
		freq[t]++
	}
	early := len(dTerms) / 4
	if early < 1 {
		early = 1
	}
	var matched, earlyHits int
	var freqBonus float64
	for _, q := range qTerms {
		pos, ok := first[q]
		if !ok {
			continue
		}
		matched++
		if pos < early {
			earlyHits++
		}
		freqBonus += min(0.05*float64(freq[q]), 0.2)
	}
	n := float64(len(qTerms))
	score := 0.75*float64(matched)/n +
		0.15*float64(earlyHits)/n +
		0.10*freqBonus/(0.2*n)
	return clamp01(score)
}

func distinct(terms []string) []string {
	seen := make(map[string]struct{}, len(terms))
	out := terms[:0:0]
	for _, t := range terms {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// ================================================================================
// Model-based Reranker (Cross-encoder)
// ================================================================================

// ModelReranker uses a dedicated reranking model (e.g., BGE-reranker, Cohere rerank).
// It calls an external service that provides cross-encoder based reranking.
type ModelReranker struct {
	Endpoint string
	Model    string // e.g., "bge-reranker-large", "rerank-multilingual-v2.0"
	APIKey   string
	Client   *httpx.Client
	Fallback Reranker
}

type modelRerankReq struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
	TopN      int      `json:"top_n,omitempty"`
}

type modelRerankResp struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (m *ModelReranker) Rerank(ctx context.Context, query string, in []schema.EvidenceItem, topN int) ([]schema.EvidenceItem, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out, err := m.call(ctx, query, in, topN)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil || m.Fallback == nil {
		return nil, err
	}
	logger.Warnf("ModelReranker: %v, falling back to lexical scoring", err)
	return m.Fallback.Rerank(ctx, query, in, topN)
}

func (m *ModelReranker) call(ctx context.Context, query string, in []schema.EvidenceItem, topN int) ([]schema.EvidenceItem, error) {
	if m.Endpoint == "" || m.Client == nil {
		return nil, fmt.Errorf("model reranker not configured")
	}
	documents := make([]string, len(in))
	for i, item := range in {
		documents[i] = item.Snippet
	}
	var headers map[string]string
	if m.APIKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + m.APIKey}
	}
	var resp modelRerankResp
	err := m.Client.PostJSON(ctx, m.Endpoint, headers, modelRerankReq{
		Query:     query,
		Documents: documents,
		Model:     m.Model,
		TopN:      topN,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("model reranker returned no results")
	}
	out := make([]schema.EvidenceItem, 0, len(resp.Results))
	seen := make(map[int]struct{}, len(resp.Results))
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(in) {
			continue
		}
		if _, dup := seen[r.Index]; dup {
			continue
		}
		seen[r.Index] = struct{}{}
		item := in[r.Index]
		item.RerankScore = r.RelevanceScore
		out = append(out, item)
	}
	return sortByRerank(out, topN), nil
}

func sortByRerank(items []schema.EvidenceItem, topN int) []schema.EvidenceItem {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].RerankScore > items[j].RerankScore
	})
	if topN > 0 && len(items) > topN {
		items = items[:topN]
	}
	return items
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
