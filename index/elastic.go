package index

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/embedding"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// ElasticIndex serves the sparse side of a hybrid index from an
// Elasticsearch-compatible endpoint. The sparse signature becomes a bool
// query of boosted term clauses over the content field.
// Endpoint example: http://es:9200
type ElasticIndex struct {
	Endpoint string
	Index    string
	Field    string
	APIKey   string
	Client   *httpx.Client
}

// NewElasticIndex builds an adapter from cfg.
func NewElasticIndex(cfg config.ElasticConfig, client *httpx.Client) *ElasticIndex {
	field := cfg.Field
	if field == "" {
		field = fieldContent
	}
	return &ElasticIndex{Endpoint: cfg.Endpoint, Index: cfg.Index, Field: field, APIKey: cfg.APIKey, Client: client}
}

type esHit struct {
	ID     string  `json:"_id"`
	Score  float64 `json:"_score"`
	Source esDoc   `json:"_source"`
}

type esSearchResponse struct {
	Hits struct {
		Hits []esHit `json:"hits"`
	} `json:"hits"`
}

type esDoc struct {
	SourceID    string `json:"source_id"`
	Content     string `json:"content"`
	Site        string `json:"site,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	PublishedAt int64  `json:"published_at,omitempty"`
}

func (e *ElasticIndex) url(parts ...string) (string, error) {
	u, err := url.Parse(e.Endpoint)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(append([]string{u.Path, e.Index}, parts...)...)
	return u.String(), nil
}

func (e *ElasticIndex) headers() map[string]string {
	if e.APIKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "ApiKey " + e.APIKey}
}

func (e *ElasticIndex) SearchSparse(ctx context.Context, sig embedding.Sparse, f schema.Filters, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	should := make([]map[string]any, 0, len(sig.Terms))
	for i, term := range sig.Terms {
		should = append(should, map[string]any{
			"match": map[string]any{e.Field: map[string]any{"query": term, "boost": sig.Values[i]}},
		})
	}
	query := map[string]any{
		"size": limit,
		"query": map[string]any{
			"bool": map[string]any{
				"should":               should,
				"minimum_should_match": 1,
				"filter":               esFilters(f),
			},
		},
	}
	endpoint, err := e.url("_search")
	if err != nil {
		return nil, err
	}
	var resp esSearchResponse
	if err := e.Client.PostJSON(ctx, endpoint, e.headers(), query, &resp); err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		hit := Hit{
			ID:       h.ID,
			SourceID: h.Source.SourceID,
			Snippet:  h.Source.Content,
			Score:    h.Score,
			Provenance: schema.Provenance{
				Site:        h.Source.Site,
				ContentType: h.Source.ContentType,
			},
		}
		if h.Source.PublishedAt > 0 {
			hit.Provenance.PublishedAt = time.Unix(h.Source.PublishedAt, 0).UTC()
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func esFilters(f schema.Filters) []map[string]any {
	var out []map[string]any
	if len(f.Sources) > 0 {
		out = append(out, map[string]any{"terms": map[string]any{"source_id": f.Sources}})
	}
	if len(f.ContentTypes) > 0 {
		out = append(out, map[string]any{"terms": map[string]any{"content_type": f.ContentTypes}})
	}
	if !f.DateRange.IsZero() {
		r := map[string]any{"gt": 0}
		if !f.DateRange.From.IsZero() {
			r["gte"] = f.DateRange.From.Unix()
		}
		if !f.DateRange.To.IsZero() {
			r["lte"] = f.DateRange.To.Unix()
		}
		out = append(out, map[string]any{"range": map[string]any{"published_at": r}})
	}
	return out
}

// Upsert indexes each chunk under its ID, so replays overwrite.
func (e *ElasticIndex) Upsert(ctx context.Context, docs []Document) error {
	for _, d := range docs {
		endpoint, err := e.url("_doc", url.PathEscape(d.ID))
		if err != nil {
			return err
		}
		doc := esDoc{
			SourceID:    d.SourceID,
			Content:     d.Text,
			Site:        d.Provenance.Site,
			ContentType: d.Provenance.ContentType,
		}
		if !d.Provenance.PublishedAt.IsZero() {
			doc.PublishedAt = d.Provenance.PublishedAt.Unix()
		}
		if err := e.Client.PostJSON(ctx, endpoint, e.headers(), doc, nil); err != nil {
			return fmt.Errorf("elastic upsert %s: %w", d.ID, err)
		}
	}
	return nil
}

// Delete removes every chunk of a source with a delete-by-query.
func (e *ElasticIndex) Delete(ctx context.Context, sourceID string) error {
	endpoint, err := e.url("_delete_by_query")
	if err != nil {
		return err
	}
	body := map[string]any{"query": map[string]any{"term": map[string]any{"source_id": sourceID}}}
	return e.Client.PostJSON(ctx, endpoint, e.headers(), body, nil)
}
