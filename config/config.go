package config

import "time"

// Config is the explicit configuration object handed to every component at construction.
type Config struct {
	Log          LogConfig                `json:"log" yaml:"log"`
	Embedding    EmbeddingConfig          `json:"embedding" yaml:"embedding"`
	Index        IndexConfig              `json:"index" yaml:"index"`
	Retrieval    RetrievalConfig          `json:"retrieval" yaml:"retrieval"`
	Router       RouterConfig             `json:"router" yaml:"router"`
	Session      SessionConfig            `json:"session" yaml:"session"`
	Cache        CacheConfig              `json:"cache" yaml:"cache"`
	Gate         GateConfig               `json:"gate" yaml:"gate"`
	Backends     map[string]BackendConfig `json:"backends,omitempty" yaml:"backends,omitempty"`
	Roles        map[string]RoleConfig    `json:"roles,omitempty" yaml:"roles,omitempty"`
	RateLimit    RateLimitConfig          `json:"rate_limit" yaml:"rate_limit"`
	Orchestrator OrchestratorConfig       `json:"orchestrator" yaml:"orchestrator"`
	Retry        RetryConfig              `json:"retry" yaml:"retry"`
	HTTP         HTTPClientConfig         `json:"http" yaml:"http"`
	Redis        RedisConfig              `json:"redis" yaml:"redis"`
	Audit        AuditConfig              `json:"audit" yaml:"audit"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level       string `json:"level,omitempty" yaml:"level,omitempty"`             // Available options: debug, info, warn, error
	Development bool   `json:"development,omitempty" yaml:"development,omitempty"` // console encoder when true
}

// EmbeddingConfig defines how query text is encoded.
type EmbeddingConfig struct {
	Provider   string `json:"provider" yaml:"provider"` // Available options: hash, openai
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	Dimensions int    `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
}

// IndexConfig selects the Evidence Index adapter.
type IndexConfig struct {
	Provider  string        `json:"provider" yaml:"provider"` // Available options: memory, milvus, hybrid
	TimeoutMs int           `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Milvus    MilvusConfig  `json:"milvus,omitempty" yaml:"milvus,omitempty"`
	Elastic   ElasticConfig `json:"elastic,omitempty" yaml:"elastic,omitempty"`
}

// Timeout returns the per-call index timeout.
func (c IndexConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// MilvusConfig describes the Milvus collection layout.
type MilvusConfig struct {
	Address     string `json:"address,omitempty" yaml:"address,omitempty"`
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	Password    string `json:"password,omitempty" yaml:"password,omitempty"`
	Database    string `json:"database,omitempty" yaml:"database,omitempty"`
	Collection  string `json:"collection,omitempty" yaml:"collection,omitempty"`
	DenseField  string `json:"dense_field,omitempty" yaml:"dense_field,omitempty"`
	SparseField string `json:"sparse_field,omitempty" yaml:"sparse_field,omitempty"`
	EF          int    `json:"ef,omitempty" yaml:"ef,omitempty"`
}

// ElasticConfig points the sparse side of a hybrid index at Elasticsearch.
type ElasticConfig struct {
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Index    string `json:"index,omitempty" yaml:"index,omitempty"`
	Field    string `json:"field,omitempty" yaml:"field,omitempty"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// RetrievalConfig holds fusion and rerank parameters.
type RetrievalConfig struct {
	RRFK             int          `json:"rrf_k,omitempty" yaml:"rrf_k,omitempty"`
	CandidateLimit   int          `json:"candidate_limit,omitempty" yaml:"candidate_limit,omitempty"`     // per-list index limit
	RerankCandidates int          `json:"rerank_candidates,omitempty" yaml:"rerank_candidates,omitempty"` // fused top N handed to the reranker
	TopK             int          `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	MaxTopK          int          `json:"max_top_k,omitempty" yaml:"max_top_k,omitempty"`
	Rerank           RerankConfig `json:"rerank" yaml:"rerank"`
}

// RerankConfig selects the reranker.
type RerankConfig struct {
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"` // Available options: lexical, model
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// RouterConfig tunes the route classifier.
type RouterConfig struct {
	LongContextTokens int      `json:"long_context_tokens,omitempty" yaml:"long_context_tokens,omitempty"`
	HistoryWindow     int      `json:"history_window,omitempty" yaml:"history_window,omitempty"`
	MediaKeywords     []string `json:"media_keywords,omitempty" yaml:"media_keywords,omitempty"`
	TaskVerbs         []string `json:"task_verbs,omitempty" yaml:"task_verbs,omitempty"`
}

// SessionConfig controls conversation state.
type SessionConfig struct {
	Store              string `json:"store,omitempty" yaml:"store,omitempty"` // Available options: sqlite (default), redis, inmemory (not durable)
	SQLitePath         string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	IdleTimeoutSeconds int    `json:"idle_timeout_seconds,omitempty" yaml:"idle_timeout_seconds,omitempty"`
	SweepSeconds       int    `json:"sweep_seconds,omitempty" yaml:"sweep_seconds,omitempty"`
	MaxTurns           int    `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	MaxTokens          int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	// KeepRecent turns are never truncated. Each turn is limited to
	// MaxTokens/KeepRecent tokens so they always fit the budget.
	KeepRecent         int    `json:"keep_recent,omitempty" yaml:"keep_recent,omitempty"`
	Tokenizer          string `json:"tokenizer,omitempty" yaml:"tokenizer,omitempty"` // Available options: tiktoken, words
}

// IdleTimeout returns the idle eviction timeout.
func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// SweepInterval returns how often idle sessions are swept.
func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}

// CacheConfig controls the fingerprint cache.
type CacheConfig struct {
	Enable                bool   `json:"enable" yaml:"enable"`
	Store                 string `json:"store,omitempty" yaml:"store,omitempty"` // Available options: memory, redis
	MaxEntries            int    `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
	RetrievalTTLSeconds   int    `json:"retrieval_ttl_seconds,omitempty" yaml:"retrieval_ttl_seconds,omitempty"`
	TranslationTTLSeconds int    `json:"translation_ttl_seconds,omitempty" yaml:"translation_ttl_seconds,omitempty"`
	LeaseMs               int    `json:"lease_ms,omitempty" yaml:"lease_ms,omitempty"`
	LeasePollMs           int    `json:"lease_poll_ms,omitempty" yaml:"lease_poll_ms,omitempty"`
	KeyPrefix             string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}

// RetrievalTTL is the lifetime of evidence and non-translation answers.
func (c CacheConfig) RetrievalTTL() time.Duration {
	return time.Duration(c.RetrievalTTLSeconds) * time.Second
}

// TranslationTTL is the lifetime of translation answers.
func (c CacheConfig) TranslationTTL() time.Duration {
	return time.Duration(c.TranslationTTLSeconds) * time.Second
}

// Lease is how long a cross-instance computation lease is held.
func (c CacheConfig) Lease() time.Duration {
	return time.Duration(c.LeaseMs) * time.Millisecond
}

// LeasePoll is the wait between result checks while another instance holds the lease.
func (c CacheConfig) LeasePoll() time.Duration {
	return time.Duration(c.LeasePollMs) * time.Millisecond
}

// GateConfig configures the confidence gate.
type GateConfig struct {
	Threshold        float64           `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	FallbackMessages map[string]string `json:"fallback_messages,omitempty" yaml:"fallback_messages,omitempty"`
	DefaultLanguage  string            `json:"default_language,omitempty" yaml:"default_language,omitempty"`
}

// BackendConfig describes one backend model service, keyed by route name.
type BackendConfig struct {
	Provider    string            `json:"provider" yaml:"provider"` // Available options: openai, http
	APIKey      string            `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL     string            `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Model       string            `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature float64           `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	TimeoutMs   int               `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Timeout returns the per-call backend timeout.
func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RoleConfig is the per-role budget and route policy.
type RoleConfig struct {
	Rate          string   `json:"rate,omitempty" yaml:"rate,omitempty"` // ulule formatted rate, e.g. "100-M"
	AllowedRoutes []string `json:"allowed_routes,omitempty" yaml:"allowed_routes,omitempty"`
}

// RateLimitConfig selects where per-role counters live.
type RateLimitConfig struct {
	Enable bool   `json:"enable" yaml:"enable"`
	Store  string `json:"store,omitempty" yaml:"store,omitempty"` // Available options: memory, redis
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// OrchestratorConfig bounds a single request.
type OrchestratorConfig struct {
	RequestTimeoutMs int `json:"request_timeout_ms,omitempty" yaml:"request_timeout_ms,omitempty"`
	MaxQueryChars    int `json:"max_query_chars,omitempty" yaml:"max_query_chars,omitempty"`
	StreamBuffer     int `json:"stream_buffer,omitempty" yaml:"stream_buffer,omitempty"`
}

// RequestTimeout is the overall deadline of one query.
func (c OrchestratorConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// RetryConfig is the bounded exponential backoff policy for collaborator calls.
type RetryConfig struct {
	Retries      int `json:"retries" yaml:"retries"`
	BackoffMinMs int `json:"backoff_min_ms,omitempty" yaml:"backoff_min_ms,omitempty"`
	BackoffMaxMs int `json:"backoff_max_ms,omitempty" yaml:"backoff_max_ms,omitempty"`
}

// HTTPClientConfig defines common options for outbound HTTP calls.
type HTTPClientConfig struct {
	TimeoutMs              int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	HostAllowlist          []string `json:"host_allowlist,omitempty" yaml:"host_allowlist,omitempty"`
	MaxConsecutiveFailures int      `json:"max_consecutive_failures,omitempty" yaml:"max_consecutive_failures,omitempty"`
	CircuitOpenSeconds     int      `json:"circuit_open_seconds,omitempty" yaml:"circuit_open_seconds,omitempty"`
}

// RedisConfig is shared by every Redis-backed store.
type RedisConfig struct {
	Address  string `json:"address,omitempty" yaml:"address,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
}

// AuditConfig controls the fire-and-forget event sink.
type AuditConfig struct {
	QueueSize  int    `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	SQLitePath string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"` // empty disables the audit table
}
