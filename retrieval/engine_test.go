package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/retry"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/embedding"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/index"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

type stubIndex struct {
	calls atomic.Int32
	res   index.Result
	err   error
}

func (s *stubIndex) Search(ctx context.Context, req index.Request) (index.Result, error) {
	s.calls.Inc()
	return s.res, s.err
}
func (s *stubIndex) Upsert(ctx context.Context, docs []index.Document) error { return nil }
func (s *stubIndex) Delete(ctx context.Context, sourceID string) error       { return nil }

type fixedReranker struct{ scores map[string]float64 }

func (f fixedReranker) Rerank(ctx context.Context, q string, in []schema.EvidenceItem, topN int) ([]schema.EvidenceItem, error) {
	out := make([]schema.EvidenceItem, 0, len(in))
	for _, it := range in {
		it.RerankScore = f.scores[it.ID]
		out = append(out, it)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].RerankScore > out[j-1].RerankScore; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

type failingReranker struct{}

func (failingReranker) Rerank(context.Context, string, []schema.EvidenceItem, int) ([]schema.EvidenceItem, error) {
	return nil, errors.New("model down")
}

func fastPolicy() retry.Policy {
	return retry.Policy{Retries: 2, BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond}
}

func TestEngine_MemoryIndexEndToEnd(t *testing.T) {
	ctx := context.Background()
	enc := embedding.NewHashEncoder(128)
	mem := index.NewMemory()
	texts := map[string]string{
		"c1": "Paris is the capital of France",
		"c2": "Berlin is the capital of Germany",
		"c3": "Madrid is the capital of Spain",
	}
	var docs []index.Document
	for id, text := range texts {
		e, err := enc.Encode(ctx, text)
		require.NoError(t, err)
		docs = append(docs, index.Document{ID: id, SourceID: "src-" + id, Text: text, Dense: e.Dense, Sparse: e.Sparse})
	}
	require.NoError(t, mem.Upsert(ctx, docs))

	eng := NewEngine(enc, &index.Split{Dense: mem, Sparse: mem, Writers: []index.Writer{mem}}, nil, config.Default().Retrieval, fastPolicy())
	got, conf, err := eng.Retrieve(ctx, "capital of France Paris", schema.Filters{}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ID)
	assert.Greater(t, got[0].FusedScore, 0.0)
	assert.Equal(t, got[0].RerankScore, conf)
	assert.GreaterOrEqual(t, got[0].RerankScore, got[1].RerankScore)
	assert.LessOrEqual(t, conf, 1.0)
}

func TestEngine_EmptyResultIsNotAnError(t *testing.T) {
	idx := &stubIndex{}
	eng := NewEngine(embedding.NewHashEncoder(32), idx, nil, config.RetrievalConfig{}, fastPolicy())
	got, conf, err := eng.Retrieve(context.Background(), "anything", schema.Filters{}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0.0, conf)
}

func TestEngine_IndexFailureRetriedThenReported(t *testing.T) {
	idx := &stubIndex{err: context.DeadlineExceeded}
	eng := NewEngine(embedding.NewHashEncoder(32), idx, nil, config.RetrievalConfig{}, fastPolicy())
	_, _, err := eng.Retrieve(context.Background(), "anything", schema.Filters{}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.Timeout)
	assert.Equal(t, int32(3), idx.calls.Load())
}

func TestEngine_InvalidIndexErrorNotRetried(t *testing.T) {
	idx := &stubIndex{err: errs.Invalidf("index", "bad filter")}
	eng := NewEngine(embedding.NewHashEncoder(32), idx, nil, config.RetrievalConfig{}, fastPolicy())
	_, _, err := eng.Retrieve(context.Background(), "anything", schema.Filters{}, 0)
	assert.ErrorIs(t, err, errs.InvalidInput)
	assert.Equal(t, int32(1), idx.calls.Load())
}

func TestEngine_TopKAndConfidenceClamp(t *testing.T) {
	idx := &stubIndex{res: index.Result{
		Dense:  []index.Hit{{ID: "a", Snippet: "x"}, {ID: "b", Snippet: "y"}, {ID: "c", Snippet: "z"}},
		Sparse: []index.Hit{{ID: "c", Snippet: "z"}},
	}}
	rr := fixedReranker{scores: map[string]float64{"a": 0.2, "b": 1.7, "c": 0.4}}
	eng := NewEngine(embedding.NewHashEncoder(32), idx, rr, config.RetrievalConfig{}, fastPolicy())
	got, conf, err := eng.Retrieve(context.Background(), "q", schema.Filters{}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
	assert.Equal(t, 1.0, conf)
}

func TestEngine_RerankFailureFallsBackToLexical(t *testing.T) {
	idx := &stubIndex{res: index.Result{
		Dense: []index.Hit{{ID: "a", Snippet: "tokyo tower height"}, {ID: "b", Snippet: "unrelated text"}},
	}}
	eng := NewEngine(embedding.NewHashEncoder(32), idx, failingReranker{}, config.RetrievalConfig{}, fastPolicy())
	got, conf, err := eng.Retrieve(context.Background(), "tokyo tower height", schema.Filters{}, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Greater(t, conf, 0.5)
}

func TestEngine_EmptyQueryRejected(t *testing.T) {
	eng := NewEngine(embedding.NewHashEncoder(32), &stubIndex{}, nil, config.RetrievalConfig{}, fastPolicy())
	_, _, err := eng.Retrieve(context.Background(), "   ", schema.Filters{}, 0)
	assert.ErrorIs(t, err, errs.InvalidInput)
}
