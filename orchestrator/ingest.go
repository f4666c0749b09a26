package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/cache"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/retry"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/embedding"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/index"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// Ingestor applies corpus changes reported by the ingestion side: it writes
// the Evidence Index and evicts every cache entry referencing the changed
// sources.
type Ingestor struct {
	idx    index.Index
	enc    embedding.Encoder
	cache  *cache.Layer
	policy retry.Policy
}

// NewIngestor builds an Ingestor. layer may be nil.
func NewIngestor(idx index.Index, enc embedding.Encoder, layer *cache.Layer, policy retry.Policy) *Ingestor {
	return &Ingestor{idx: idx, enc: enc, cache: layer, policy: policy}
}

// Upsert encodes documents missing vectors, writes them and invalidates their
// sources. It returns the number of cache entries evicted.
func (in *Ingestor) Upsert(ctx context.Context, docs []index.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	sources := make([]string, 0, len(docs))
	seen := map[string]struct{}{}
	for i := range docs {
		d := &docs[i]
		if strings.TrimSpace(d.ID) == "" || strings.TrimSpace(d.SourceID) == "" {
			return 0, errs.Invalidf("ingest.upsert", "document %d needs id and source_id", i)
		}
		d.Provenance.ContentType = schema.NormalizeContentType(d.Provenance.ContentType)
		if len(d.Dense) == 0 || d.Sparse.Len() == 0 {
			e, err := in.enc.Encode(ctx, d.Text)
			if err != nil {
				return 0, errs.Classify("ingest.encode", err)
			}
			if len(d.Dense) == 0 {
				d.Dense = e.Dense
			}
			if d.Sparse.Len() == 0 {
				d.Sparse = e.Sparse
			}
		}
		if _, ok := seen[d.SourceID]; !ok {
			seen[d.SourceID] = struct{}{}
			sources = append(sources, d.SourceID)
		}
	}
	if err := in.policy.Do(ctx, "index.upsert", func(ctx context.Context) error {
		return in.idx.Upsert(ctx, docs)
	}); err != nil {
		return 0, err
	}
	logger.Infof("ingest: upserted %d chunks across %d sources", len(docs), len(sources))
	return in.Invalidate(ctx, sources...)
}

// Delete removes every chunk of the given sources and invalidates them.
func (in *Ingestor) Delete(ctx context.Context, sourceIDs ...string) (int, error) {
	var result *multierror.Error
	for _, id := range sourceIDs {
		err := in.policy.Do(ctx, "index.delete", func(ctx context.Context) error {
			return in.idx.Delete(ctx, id)
		})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("delete %s: %w", id, err))
		}
	}
	n, err := in.Invalidate(ctx, sourceIDs...)
	if err != nil {
		result = multierror.Append(result, err)
	}
	return n, result.ErrorOrNil()
}

// Invalidate evicts cached evidence and answers referencing sourceIDs.
func (in *Ingestor) Invalidate(ctx context.Context, sourceIDs ...string) (int, error) {
	if in.cache == nil || len(sourceIDs) == 0 {
		return 0, nil
	}
	n, err := in.cache.Invalidate(ctx, sourceIDs...)
	if err != nil {
		logger.Warnf("ingest: cache invalidation incomplete for %v: %v", sourceIDs, err)
		return n, errs.Classify("ingest.invalidate", err)
	}
	return n, nil
}
