package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
)

// New builds the configured Evidence Index. The returned close func releases
// connections and is never nil.
func New(ctx context.Context, cfg config.IndexConfig, dims int, hc *httpx.Client) (Index, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.Provider) {
	case "memory", "":
		mem := NewMemory()
		return &Split{Dense: mem, Sparse: mem, Writers: []Writer{mem}, Timeout: cfg.Timeout()}, noop, nil
	case "milvus":
		mv, err := NewMilvusIndex(ctx, cfg.Milvus, dims)
		if err != nil {
			return nil, noop, err
		}
		return &Split{Dense: mv, Sparse: mv, Writers: []Writer{mv}, Timeout: cfg.Timeout()}, mv.Close, nil
	case "hybrid":
		mv, err := NewMilvusIndex(ctx, cfg.Milvus, dims)
		if err != nil {
			return nil, noop, err
		}
		es := NewElasticIndex(cfg.Elastic, hc)
		return &Split{Dense: mv, Sparse: es, Writers: []Writer{mv, es}, Timeout: cfg.Timeout()}, mv.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported index provider %q", cfg.Provider)
	}
}
