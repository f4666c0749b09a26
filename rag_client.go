package ragorch

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/backend"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/cache"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/redisx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/retry"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/embedding"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/index"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/orchestrator"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/post"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/ratelimit"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/retrieval"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/router"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/session"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/tokenizer"
)

// RAGClient owns every component built from one Config and exposes the
// operations the MCP tools and the CLI call.
type RAGClient struct {
	config   *config.Config
	orch     *orchestrator.Orchestrator
	ingestor *orchestrator.Ingestor
	sessions *session.Manager
	audit    *metrics.AsyncSink
	closers  []func() error
}

// NewRAGClient creates a new RAG client instance
func NewRAGClient(ctx context.Context, cfg *config.Config) (*RAGClient, error) {
	cfg.Normalize()
	logger.Init(logger.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
	c := &RAGClient{config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	hc := httpx.NewFromConfig(cfg.HTTP)

	var rc redis.UniversalClient
	if needsRedis(cfg) {
		cli, err := redisx.New(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("create redis client failed, err: %w", err)
		}
		rc = cli
		c.closers = append(c.closers, cli.Close)
	}

	counter := tokenizer.New(cfg.Session.Tokenizer)
	store, err := newSessionStore(cfg, rc)
	if err != nil {
		return nil, fmt.Errorf("create session store failed, err: %w", err)
	}
	c.sessions = session.NewManager(store, cfg.Session, counter)
	c.closers = append(c.closers, c.sessions.Close)

	var layer *cache.Layer
	if cfg.Cache.Enable {
		var cs cache.Store
		switch cfg.Cache.Store {
		case "", "memory":
			cs = cache.NewLRU(cfg.Cache.MaxEntries)
		case "redis":
			cs = cache.NewRedisStore(rc, cfg.Cache.KeyPrefix)
		default:
			return nil, fmt.Errorf("unsupported cache store %q", cfg.Cache.Store)
		}
		layer = cache.NewLayer(cs, cfg.Cache)
	}

	enc := embedding.New(cfg.Embedding)
	idx, closeIdx, err := index.New(ctx, cfg.Index, cfg.Embedding.Dimensions, hc)
	if err != nil {
		return nil, fmt.Errorf("create evidence index failed, err: %w", err)
	}
	c.closers = append(c.closers, closeIdx)

	policy := retry.FromConfig(cfg.Retry)
	policy.OnRetry = func(op string, _ uint, err error) {
		metrics.IncRetry(op, errs.KindOf(err).String())
	}

	backends, err := backend.FromConfig(cfg.Backends, hc)
	if err != nil {
		return nil, fmt.Errorf("create backends failed, err: %w", err)
	}
	lim, err := ratelimit.New(cfg, rc)
	if err != nil {
		return nil, fmt.Errorf("create rate limiter failed, err: %w", err)
	}

	writers := []metrics.Writer{metrics.LogWriter()}
	if cfg.Audit.SQLitePath != "" {
		w, err := metrics.OpenSQLiteWriter(cfg.Audit.SQLitePath)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
		c.closers = append(c.closers, w.Close)
	}
	c.audit = metrics.NewAsyncSink(cfg.Audit.QueueSize, writers...)

	c.orch = orchestrator.New(cfg, orchestrator.Deps{
		Sessions:  c.sessions,
		Cache:     layer,
		Router:    router.NewClassifier(cfg.Router, counter),
		Retriever: retrieval.NewEngine(enc, idx, post.New(cfg.Retrieval.Rerank, hc), cfg.Retrieval, policy),
		Backends:  backends,
		Limiter:   lim,
		Audit:     c.audit,
		Retry:     policy,
	})
	c.ingestor = orchestrator.NewIngestor(idx, enc, layer, policy)
	c.sessions.Start(ctx)

	logger.Infof("rag client ready: index=%s embedding=%s session=%s cache=%v backends=%v",
		cfg.Index.Provider, cfg.Embedding.Provider, cfg.Session.Store, cfg.Cache.Enable, backends.Routes())
	ok = true
	return c, nil
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Session.Store == "redis" ||
		(cfg.Cache.Enable && cfg.Cache.Store == "redis") ||
		(cfg.RateLimit.Enable && cfg.RateLimit.Store == "redis")
}

func newSessionStore(cfg *config.Config, rc redis.UniversalClient) (session.Store, error) {
	switch cfg.Session.Store {
	case "", "sqlite":
		path := cfg.Session.SQLitePath
		if path == "" {
			path = config.DefaultSessionPath
		}
		return session.OpenSQLiteStore(path)
	case "redis":
		// Keys outlive the idle timeout so the sweeper, not Redis, decides eviction.
		return session.NewRedisStore(rc, cfg.Cache.KeyPrefix+"sess:", 2*cfg.Session.IdleTimeout()), nil
	case "inmemory":
		logger.Warnf("session store is inmemory: conversations will not survive a restart")
		return session.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unsupported session store %q", cfg.Session.Store)
	}
}

// Config returns the configuration the client was built from.
func (c *RAGClient) Config() *config.Config { return c.config }

// Query answers q synchronously.
func (c *RAGClient) Query(ctx context.Context, q schema.Query) (schema.ResponseEnvelope, error) {
	return c.orch.Answer(ctx, q)
}

// Stream answers q incrementally.
func (c *RAGClient) Stream(ctx context.Context, q schema.Query) (<-chan orchestrator.StreamEvent, error) {
	return c.orch.Stream(ctx, q)
}

// Session returns a snapshot of a live session.
func (c *RAGClient) Session(ctx context.Context, id string) (*schema.Session, bool, error) {
	return c.orch.Session(ctx, id)
}

// Upsert writes evidence chunks and invalidates their sources.
func (c *RAGClient) Upsert(ctx context.Context, docs []index.Document) (int, error) {
	return c.ingestor.Upsert(ctx, docs)
}

// DeleteSources removes every chunk of the given sources.
func (c *RAGClient) DeleteSources(ctx context.Context, sourceIDs ...string) (int, error) {
	return c.ingestor.Delete(ctx, sourceIDs...)
}

// InvalidateSources evicts cached entries referencing the given sources.
func (c *RAGClient) InvalidateSources(ctx context.Context, sourceIDs ...string) (int, error) {
	return c.ingestor.Invalidate(ctx, sourceIDs...)
}

// Close releases every component in reverse construction order.
func (c *RAGClient) Close() error {
	if c.audit != nil {
		c.audit.Close()
		c.audit = nil
	}
	var result *multierror.Error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.closers = nil
	logger.Sync()
	return result.ErrorOrNil()
}
