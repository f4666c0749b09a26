package index

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/embedding"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// Milvus collection field names besides the configured vector fields.
const (
	fieldID          = "id"
	fieldSourceID    = "source_id"
	fieldContent     = "content"
	fieldSite        = "site"
	fieldContentType = "content_type"
	fieldPublishedAt = "published_at"
)

var outputFields = []string{fieldSourceID, fieldContent, fieldSite, fieldContentType, fieldPublishedAt}

// MilvusIndex serves dense and sparse search from one Milvus collection.
type MilvusIndex struct {
	cli  client.Client
	cfg  config.MilvusConfig
	dims int
}

// NewMilvusIndex connects to Milvus and loads the collection.
func NewMilvusIndex(ctx context.Context, cfg config.MilvusConfig, dims int) (*MilvusIndex, error) {
	cli, err := client.NewClient(ctx, client.Config{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DBName:   cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus %s: %w", cfg.Address, err)
	}
	if err := cli.LoadCollection(ctx, cfg.Collection, false); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("load collection %s: %w", cfg.Collection, err)
	}
	return &MilvusIndex{cli: cli, cfg: cfg, dims: dims}, nil
}

// Close releases the client connection.
func (m *MilvusIndex) Close() error { return m.cli.Close() }

func (m *MilvusIndex) SearchDense(ctx context.Context, vec []float32, f schema.Filters, limit int) ([]Hit, error) {
	sp, err := entity.NewIndexHNSWSearchParam(m.cfg.EF)
	if err != nil {
		return nil, errs.E(errs.KindInvalidInput, "milvus.dense", err)
	}
	res, err := m.cli.Search(ctx, m.cfg.Collection, nil, FilterExpr(f), outputFields,
		[]entity.Vector{entity.FloatVector(vec)}, m.cfg.DenseField, entity.COSINE, limit, sp)
	if err != nil {
		return nil, errs.Classify("milvus.dense", err)
	}
	return hitsFromMilvus(res)
}

func (m *MilvusIndex) SearchSparse(ctx context.Context, sig embedding.Sparse, f schema.Filters, limit int) ([]Hit, error) {
	emb, err := entity.NewSliceSparseEmbedding(sig.Indices, sig.Values)
	if err != nil {
		return nil, errs.E(errs.KindInvalidInput, "milvus.sparse", err)
	}
	sp, err := entity.NewIndexSparseInvertedSearchParam(0)
	if err != nil {
		return nil, errs.E(errs.KindInvalidInput, "milvus.sparse", err)
	}
	res, err := m.cli.Search(ctx, m.cfg.Collection, nil, FilterExpr(f), outputFields,
		[]entity.Vector{emb}, m.cfg.SparseField, entity.IP, limit, sp)
	if err != nil {
		return nil, errs.Classify("milvus.sparse", err)
	}
	return hitsFromMilvus(res)
}

func hitsFromMilvus(res []client.SearchResult) ([]Hit, error) {
	if len(res) == 0 {
		return nil, nil
	}
	r := res[0]
	if r.Err != nil {
		return nil, errs.Classify("milvus", r.Err)
	}
	hits := make([]Hit, 0, r.ResultCount)
	for i := 0; i < r.ResultCount; i++ {
		id, err := r.IDs.GetAsString(i)
		if err != nil {
			return nil, errs.E(errs.KindUnavailable, "milvus", fmt.Errorf("read id %d: %w", i, err))
		}
		h := Hit{ID: id, Score: float64(r.Scores[i])}
		h.SourceID = columnString(r.Fields, fieldSourceID, i)
		h.Snippet = columnString(r.Fields, fieldContent, i)
		h.Provenance.Site = columnString(r.Fields, fieldSite, i)
		h.Provenance.ContentType = columnString(r.Fields, fieldContentType, i)
		if col := r.Fields.GetColumn(fieldPublishedAt); col != nil {
			if ts, err := col.GetAsInt64(i); err == nil && ts > 0 {
				h.Provenance.PublishedAt = time.Unix(ts, 0).UTC()
			}
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func columnString(rs client.ResultSet, name string, i int) string {
	col := rs.GetColumn(name)
	if col == nil {
		return ""
	}
	v, err := col.GetAsString(i)
	if err != nil {
		return ""
	}
	return v
}

// Upsert writes chunks keyed by primary key, so replays overwrite.
func (m *MilvusIndex) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	n := len(docs)
	ids := make([]string, n)
	sources := make([]string, n)
	contents := make([]string, n)
	sites := make([]string, n)
	types := make([]string, n)
	published := make([]int64, n)
	dense := make([][]float32, n)
	sparse := make([]entity.SparseEmbedding, n)
	for i, d := range docs {
		if len(d.Dense) != m.dims {
			return errs.Invalidf("milvus.upsert", "document %s has %d dims, collection expects %d", d.ID, len(d.Dense), m.dims)
		}
		emb, err := entity.NewSliceSparseEmbedding(d.Sparse.Indices, d.Sparse.Values)
		if err != nil {
			return errs.E(errs.KindInvalidInput, "milvus.upsert", err)
		}
		ids[i], sources[i], contents[i] = d.ID, d.SourceID, d.Text
		sites[i], types[i] = d.Provenance.Site, d.Provenance.ContentType
		if !d.Provenance.PublishedAt.IsZero() {
			published[i] = d.Provenance.PublishedAt.Unix()
		}
		dense[i] = d.Dense
		sparse[i] = emb
	}
	_, err := m.cli.Upsert(ctx, m.cfg.Collection, "",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnVarChar(fieldSourceID, sources),
		entity.NewColumnVarChar(fieldContent, contents),
		entity.NewColumnVarChar(fieldSite, sites),
		entity.NewColumnVarChar(fieldContentType, types),
		entity.NewColumnInt64(fieldPublishedAt, published),
		entity.NewColumnFloatVector(m.cfg.DenseField, m.dims, dense),
		entity.NewColumnSparseVectors(m.cfg.SparseField, sparse),
	)
	return errs.Classify("milvus.upsert", err)
}

// Delete removes every chunk of a source.
func (m *MilvusIndex) Delete(ctx context.Context, sourceID string) error {
	expr := fmt.Sprintf("%s == %s", fieldSourceID, strconv.Quote(sourceID))
	return errs.Classify("milvus.delete", m.cli.Delete(ctx, m.cfg.Collection, "", expr))
}

// FilterExpr renders filters as a Milvus boolean expression; empty means no filter.
func FilterExpr(f schema.Filters) string {
	var parts []string
	if len(f.Sources) > 0 {
		parts = append(parts, fmt.Sprintf("%s in %s", fieldSourceID, quoteList(f.Sources)))
	}
	if len(f.ContentTypes) > 0 {
		parts = append(parts, fmt.Sprintf("%s in %s", fieldContentType, quoteList(f.ContentTypes)))
	}
	if !f.DateRange.IsZero() {
		parts = append(parts, fmt.Sprintf("%s > 0", fieldPublishedAt))
	}
	if !f.DateRange.From.IsZero() {
		parts = append(parts, fmt.Sprintf("%s >= %d", fieldPublishedAt, f.DateRange.From.Unix()))
	}
	if !f.DateRange.To.IsZero() {
		parts = append(parts, fmt.Sprintf("%s <= %d", fieldPublishedAt, f.DateRange.To.Unix()))
	}
	return strings.Join(parts, " && ")
}

func quoteList(vals []string) string {
	q := make([]string, len(vals))
	for i, v := range vals {
		q[i] = strconv.Quote(v)
	}
	return "[" + strings.Join(q, ", ") + "]"
}
