package config

import (
	"fmt"
	"strings"

	"github.com/ulule/limiter/v3"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("found %d configuration error(s):\n", len(errs)))
	for i, err := range errs {
		b.WriteString(fmt.Sprintf("  %d. [%s] %s\n", i+1, err.Field, err.Message))
	}
	return b.String()
}

func (errs *ValidationErrors) add(field, format string, args ...any) {
	*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate validates the complete configuration
func (c *Config) Validate() error {
	var errs ValidationErrors

	errs = append(errs, c.validateEmbedding()...)
	errs = append(errs, c.validateIndex()...)
	errs = append(errs, c.validateRetrieval()...)
	errs = append(errs, c.validateSession()...)
	errs = append(errs, c.validateCache()...)
	errs = append(errs, c.validateGate()...)
	errs = append(errs, c.validateBackends()...)
	errs = append(errs, c.validateRoles()...)

	if c.Retry.Retries < 0 {
		errs.add("retry.retries", "retries must be >= 0, got %d", c.Retry.Retries)
	}
	if c.Retry.BackoffMaxMs > 0 && c.Retry.BackoffMaxMs < c.Retry.BackoffMinMs {
		errs.add("retry.backoff_max_ms", "backoff_max_ms (%d) must be >= backoff_min_ms (%d)", c.Retry.BackoffMaxMs, c.Retry.BackoffMinMs)
	}
	if c.Orchestrator.RequestTimeoutMs <= 0 {
		errs.add("orchestrator.request_timeout_ms", "request timeout must be positive")
	}
	if c.Router.LongContextTokens <= 0 {
		errs.add("router.long_context_tokens", "long context threshold must be positive")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (c *Config) validateEmbedding() ValidationErrors {
	var errs ValidationErrors
	switch strings.ToLower(c.Embedding.Provider) {
	case "hash":
	case "openai":
		if c.Embedding.Model == "" {
			errs.add("embedding.model", "embedding model is required for openai provider")
		}
	default:
		errs.add("embedding.provider", "unsupported embedding provider %q (valid: hash, openai)", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions <= 0 {
		errs.add("embedding.dimensions", "embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	return errs
}

func (c *Config) validateIndex() ValidationErrors {
	var errs ValidationErrors
	switch strings.ToLower(c.Index.Provider) {
	case "memory":
	case "milvus", "hybrid":
		if c.Index.Milvus.Address == "" {
			errs.add("index.milvus.address", "milvus address is required for %s provider", c.Index.Provider)
		}
		if c.Index.Milvus.Collection == "" {
			errs.add("index.milvus.collection", "milvus collection is required")
		}
		if strings.EqualFold(c.Index.Provider, "hybrid") && c.Index.Elastic.Endpoint == "" {
			errs.add("index.elastic.endpoint", "elastic endpoint is required for hybrid provider")
		}
	default:
		errs.add("index.provider", "unsupported index provider %q (valid: memory, milvus, hybrid)", c.Index.Provider)
	}
	if c.Index.TimeoutMs <= 0 {
		errs.add("index.timeout_ms", "index timeout must be positive")
	}
	return errs
}

func (c *Config) validateRetrieval() ValidationErrors {
	var errs ValidationErrors
	r := c.Retrieval
	if r.RRFK <= 0 {
		errs.add("retrieval.rrf_k", "rrf_k must be positive, got %d", r.RRFK)
	}
	if r.TopK <= 0 {
		errs.add("retrieval.top_k", "top_k must be positive, got %d", r.TopK)
	}
	if r.MaxTopK < r.TopK {
		errs.add("retrieval.max_top_k", "max_top_k (%d) must be >= top_k (%d)", r.MaxTopK, r.TopK)
	}
	if r.RerankCandidates < r.TopK {
		errs.add("retrieval.rerank_candidates", "rerank_candidates (%d) must be >= top_k (%d)", r.RerankCandidates, r.TopK)
	}
	if r.CandidateLimit < r.RerankCandidates {
		errs.add("retrieval.candidate_limit", "candidate_limit (%d) must be >= rerank_candidates (%d)", r.CandidateLimit, r.RerankCandidates)
	}
	switch strings.ToLower(r.Rerank.Provider) {
	case "lexical":
	case "model":
		if r.Rerank.Endpoint == "" {
			errs.add("retrieval.rerank.endpoint", "endpoint is required for model reranker")
		}
	default:
		errs.add("retrieval.rerank.provider", "unsupported reranker %q (valid: lexical, model)", r.Rerank.Provider)
	}
	return errs
}

func (c *Config) validateSession() ValidationErrors {
	var errs ValidationErrors
	s := c.Session
	switch strings.ToLower(s.Store) {
	case "inmemory", "redis":
	case "sqlite":
		if s.SQLitePath == "" {
			errs.add("session.sqlite_path", "sqlite_path is required for sqlite store")
		}
	default:
		errs.add("session.store", "unsupported session store %q (valid: inmemory, redis, sqlite)", s.Store)
	}
	if s.MaxTurns <= 0 {
		errs.add("session.max_turns", "max_turns must be positive")
	}
	if s.MaxTokens <= 0 {
		errs.add("session.max_tokens", "max_tokens must be positive")
	}
	if s.KeepRecent < 1 || s.KeepRecent > s.MaxTurns {
		errs.add("session.keep_recent", "keep_recent must be within [1, max_turns], got %d", s.KeepRecent)
	}
	if s.IdleTimeoutSeconds <= 0 {
		errs.add("session.idle_timeout_seconds", "idle timeout must be positive")
	}
	if s.KeepRecent >= 1 && c.Router.LongContextTokens >= s.MaxTokens/s.KeepRecent {
		errs.add("router.long_context_tokens", "long context threshold (%d) must be below the per-turn limit max_tokens/keep_recent (%d)",
			c.Router.LongContextTokens, s.MaxTokens/s.KeepRecent)
	}
	return errs
}

func (c *Config) validateCache() ValidationErrors {
	var errs ValidationErrors
	if !c.Cache.Enable {
		return errs
	}
	switch strings.ToLower(c.Cache.Store) {
	case "memory", "redis":
	default:
		errs.add("cache.store", "unsupported cache store %q (valid: memory, redis)", c.Cache.Store)
	}
	if c.Cache.RetrievalTTLSeconds <= 0 || c.Cache.TranslationTTLSeconds <= 0 {
		errs.add("cache.ttl", "cache TTLs must be positive")
	}
	if c.Cache.LeaseMs <= 0 || c.Cache.LeasePollMs <= 0 {
		errs.add("cache.lease_ms", "lease and poll intervals must be positive")
	}
	return errs
}

func (c *Config) validateGate() ValidationErrors {
	var errs ValidationErrors
	if c.Gate.Threshold < 0 || c.Gate.Threshold > 1 {
		errs.add("gate.threshold", "threshold must be within [0,1], got %.4f", c.Gate.Threshold)
	}
	return errs
}

func (c *Config) validateBackends() ValidationErrors {
	var errs ValidationErrors
	if _, ok := c.Backends[string(schema.RouteFactual)]; !ok {
		errs.add("backends.factual", "a factual backend is required; other routes fall back to it")
	}
	for name, b := range c.Backends {
		field := "backends." + name
		if !schema.Route(name).Valid() {
			errs.add(field, "unknown route %q", name)
		}
		switch strings.ToLower(b.Provider) {
		case "openai":
			if b.Model == "" {
				errs.add(field+".model", "model is required for openai backend")
			}
		case "http":
			if b.Endpoint == "" {
				errs.add(field+".endpoint", "endpoint is required for http backend")
			}
		default:
			errs.add(field+".provider", "unsupported backend provider %q (valid: openai, http)", b.Provider)
		}
	}
	return errs
}

func (c *Config) validateRoles() ValidationErrors {
	var errs ValidationErrors
	for name, rc := range c.Roles {
		field := "roles." + name
		if rc.Rate != "" {
			if _, err := limiter.NewRateFromFormatted(rc.Rate); err != nil {
				errs.add(field+".rate", "invalid rate %q: %v", rc.Rate, err)
			}
		}
		for _, r := range rc.AllowedRoutes {
			if !schema.Route(r).Valid() {
				errs.add(field+".allowed_routes", "unknown route %q", r)
			}
		}
	}
	return errs
}
