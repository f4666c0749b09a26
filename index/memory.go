package index

import (
	"context"
	"sync"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/embedding"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// Memory is a brute-force in-process index for development and tests.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]Document)}
}

// SearchDense ranks by cosine similarity; non-positive scores are not matches.
func (m *Memory) SearchDense(ctx context.Context, vec []float32, f schema.Filters, limit int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hits []Hit
	for _, d := range m.docs {
		if !Matches(f, d.SourceID, d.Provenance) {
			continue
		}
		if s := embedding.Cosine(vec, d.Dense); s > 0 {
			hits = append(hits, hitOf(d, s))
		}
	}
	return sortHits(hits, limit), nil
}

// SearchSparse ranks by sparse inner product.
func (m *Memory) SearchSparse(ctx context.Context, sig embedding.Sparse, f schema.Filters, limit int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hits []Hit
	for _, d := range m.docs {
		if !Matches(f, d.SourceID, d.Provenance) {
			continue
		}
		if s := sig.Dot(d.Sparse); s > 0 {
			hits = append(hits, hitOf(d, s))
		}
	}
	return sortHits(hits, limit), nil
}

func (m *Memory) Upsert(ctx context.Context, docs []Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		m.docs[d.ID] = d
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, sourceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.docs {
		if d.SourceID == sourceID {
			delete(m.docs, id)
		}
	}
	return nil
}

// Len returns the number of stored chunks.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func hitOf(d Document, score float64) Hit {
	return Hit{ID: d.ID, SourceID: d.SourceID, Snippet: d.Text, Score: score, Provenance: d.Provenance}
}
