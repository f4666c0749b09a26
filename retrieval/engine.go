package retrieval

import (
	"context"
	"strings"
	"time"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/retry"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/embedding"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/fusion"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/index"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/post"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// Retriever produces ranked evidence and a retrieval confidence for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, filters schema.Filters, topK int) ([]schema.EvidenceItem, float64, error)
}

// Engine runs hybrid search, reciprocal-rank fusion and reranking.
type Engine struct {
	enc    embedding.Encoder
	idx    index.Index
	rr     post.Reranker
	cfg    config.RetrievalConfig
	policy retry.Policy
}

// NewEngine builds an Engine. A nil reranker means lexical reranking.
func NewEngine(enc embedding.Encoder, idx index.Index, rr post.Reranker, cfg config.RetrievalConfig, policy retry.Policy) *Engine {
	if rr == nil {
		rr = &post.LexicalReranker{}
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = fusion.DefaultK
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 50
	}
	if cfg.RerankCandidates <= 0 {
		cfg.RerankCandidates = 20
	}
	return &Engine{enc: enc, idx: idx, rr: rr, cfg: cfg, policy: policy}
}

// Retrieve returns at most topK items ordered by rerank score, and the
// top-1 rerank score clamped to [0,1] as confidence. No hits yields empty
// evidence and zero confidence without error; an index failure is an error.
func (e *Engine) Retrieve(ctx context.Context, query string, filters schema.Filters, topK int) ([]schema.EvidenceItem, float64, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, 0, errs.Invalidf("retrieval", "empty query")
	}
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	if e.cfg.MaxTopK > 0 && topK > e.cfg.MaxTopK {
		topK = e.cfg.MaxTopK
	}

	var enc embedding.Encoding
	err := e.policy.Do(ctx, "embedding", func(ctx context.Context) error {
		var err error
		enc, err = e.enc.Encode(ctx, query)
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	limit := e.cfg.CandidateLimit
	if limit < topK {
		limit = topK
	}
	var res index.Result
	start := time.Now()
	err = e.policy.Do(ctx, "index.search", func(ctx context.Context) error {
		var err error
		res, err = e.idx.Search(ctx, index.Request{
			Dense:   enc.Dense,
			Sparse:  enc.Sparse,
			Filters: filters,
			Limit:   limit,
		})
		return err
	})
	metrics.ObserveIndex(start, err, len(res.Dense), len(res.Sparse))
	if err != nil {
		logger.Warnf("retrieval: index search failed: %v", err)
		return nil, 0, err
	}
	if res.Empty() {
		logger.Debugf("retrieval: no hits for query")
		metrics.ObserveRetrievalTop1(0)
		return []schema.EvidenceItem{}, 0, nil
	}

	fused := fusion.RRF(res, e.cfg.RRFK)
	if len(fused) > e.cfg.RerankCandidates {
		fused = fused[:e.cfg.RerankCandidates]
	}

	ranked, err := e.rr.Rerank(ctx, query, fused, topK)
	if err != nil {
		logger.Warnf("retrieval: rerank failed, using lexical scores: %v", err)
		ranked, _ = post.LexicalReranker{}.Rerank(ctx, query, fused, topK)
	}
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	conf := 0.0
	if len(ranked) > 0 {
		conf = clamp01(ranked[0].RerankScore)
	}
	metrics.ObserveRetrievalTop1(conf)
	logger.Debugf("retrieval: dense=%d sparse=%d fused=%d returned=%d confidence=%.3f",
		len(res.Dense), len(res.Sparse), len(fused), len(ranked), conf)
	return ranked, conf, nil
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
