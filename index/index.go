package index

import (
	"context"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/embedding"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// Hit is one ranked result from a single retrieval mode.
type Hit struct {
	ID         string
	SourceID   string
	Snippet    string
	Score      float64
	Provenance schema.Provenance
}

// Document is an indexed chunk. ID is unique; SourceID groups chunks of one source document.
type Document struct {
	ID         string
	SourceID   string
	Text       string
	Dense      []float32
	Sparse     embedding.Sparse
	Provenance schema.Provenance
}

// Request is a hybrid search: both signals are evaluated independently.
type Request struct {
	Dense   []float32
	Sparse  embedding.Sparse
	Filters schema.Filters
	Limit   int
}

// Result holds the two ranked lists of a hybrid search, best first.
type Result struct {
	Dense  []Hit
	Sparse []Hit
}

// Empty reports whether both lists are empty.
func (r Result) Empty() bool { return len(r.Dense) == 0 && len(r.Sparse) == 0 }

// Index is the Evidence Index contract consumed by retrieval and ingestion.
// Writes are idempotent: upserting the same document ID twice leaves one copy.
type Index interface {
	Search(ctx context.Context, req Request) (Result, error)
	Upsert(ctx context.Context, docs []Document) error
	Delete(ctx context.Context, sourceID string) error
}

// DenseSearcher ranks documents by dense vector similarity.
type DenseSearcher interface {
	SearchDense(ctx context.Context, vec []float32, filters schema.Filters, limit int) ([]Hit, error)
}

// SparseSearcher ranks documents by lexical signature.
type SparseSearcher interface {
	SearchSparse(ctx context.Context, sig embedding.Sparse, filters schema.Filters, limit int) ([]Hit, error)
}

// Writer accepts ingestion writes.
type Writer interface {
	Upsert(ctx context.Context, docs []Document) error
	Delete(ctx context.Context, sourceID string) error
}

// Split composes an Index from independent dense and sparse backends.
// Both searches run concurrently; every writer receives every write.
type Split struct {
	Dense   DenseSearcher
	Sparse  SparseSearcher
	Writers []Writer
	Timeout time.Duration
}

// Search implements Index. A failure of either side fails the call.
func (s *Split) Search(ctx context.Context, req Request) (Result, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	var res Result
	g, gctx := errgroup.WithContext(ctx)
	if s.Dense != nil && len(req.Dense) > 0 {
		g.Go(func() error {
			hits, err := s.Dense.SearchDense(gctx, req.Dense, req.Filters, req.Limit)
			if err != nil {
				return errs.Classify("index.dense", err)
			}
			res.Dense = hits
			return nil
		})
	}
	if s.Sparse != nil && req.Sparse.Len() > 0 {
		g.Go(func() error {
			hits, err := s.Sparse.SearchSparse(gctx, req.Sparse, req.Filters, req.Limit)
			if err != nil {
				return errs.Classify("index.sparse", err)
			}
			res.Sparse = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// Upsert implements Index.
func (s *Split) Upsert(ctx context.Context, docs []Document) error {
	var result *multierror.Error
	for _, w := range s.Writers {
		if err := w.Upsert(ctx, docs); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Delete implements Index.
func (s *Split) Delete(ctx context.Context, sourceID string) error {
	var result *multierror.Error
	for _, w := range s.Writers {
		if err := w.Delete(ctx, sourceID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// sortHits orders by score descending, ties by ID ascending, and truncates to limit.
func sortHits(hits []Hit, limit int) []Hit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// Matches reports whether a document's source and provenance satisfy filters.
func Matches(f schema.Filters, sourceID string, p schema.Provenance) bool {
	if len(f.Sources) > 0 && !contains(f.Sources, sourceID) {
		return false
	}
	if len(f.ContentTypes) > 0 && !contains(f.ContentTypes, p.ContentType) {
		return false
	}
	if !f.DateRange.IsZero() {
		if p.PublishedAt.IsZero() || !f.DateRange.Contains(p.PublishedAt) {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
