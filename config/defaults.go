package config

// Default returns a configuration that runs on one host: hashed embeddings,
// in-memory index and cache, and sessions in a local SQLite file so
// conversations survive a restart.
func Default() *Config {
	return &Config{
		Log:       LogConfig{Level: "info"},
		Embedding: EmbeddingConfig{Provider: "hash", Dimensions: 256},
		Index: IndexConfig{
			Provider:  "memory",
			TimeoutMs: 2000,
			Milvus: MilvusConfig{
				Collection:  "evidence",
				DenseField:  "dense",
				SparseField: "sparse",
				EF:          64,
			},
			Elastic: ElasticConfig{Field: "content"},
		},
		Retrieval: RetrievalConfig{
			RRFK:             60,
			CandidateLimit:   50,
			RerankCandidates: 20,
			TopK:             5,
			MaxTopK:          50,
			Rerank:           RerankConfig{Provider: "lexical"},
		},
		Router: RouterConfig{
			LongContextTokens: 3000,
			HistoryWindow:     6,
		},
		Session: SessionConfig{
			Store:              "sqlite",
			SQLitePath:         DefaultSessionPath,
			IdleTimeoutSeconds: 30 * 60,
			SweepSeconds:       60,
			MaxTurns:           50,
			MaxTokens:          16000,
			KeepRecent:         2,
			Tokenizer:          "tiktoken",
		},
		Cache: CacheConfig{
			Enable:                true,
			Store:                 "memory",
			MaxEntries:            4096,
			RetrievalTTLSeconds:   60 * 60,
			TranslationTTLSeconds: 24 * 60 * 60,
			LeaseMs:               5000,
			LeasePollMs:           50,
			KeyPrefix:             "ragorch:",
		},
		Gate: GateConfig{
			Threshold:       0.65,
			DefaultLanguage: "en",
		},
		Roles: map[string]RoleConfig{
			DefaultRole: {Rate: "600-M"},
		},
		RateLimit: RateLimitConfig{Enable: true, Store: "memory", Prefix: "ragorch:rl"},
		Orchestrator: OrchestratorConfig{
			RequestTimeoutMs: 30000,
			MaxQueryChars:    32000,
			StreamBuffer:     64,
		},
		Retry: RetryConfig{Retries: 2, BackoffMinMs: 100, BackoffMaxMs: 2000},
		HTTP: HTTPClientConfig{
			TimeoutMs:              10000,
			MaxConsecutiveFailures: 5,
			CircuitOpenSeconds:     30,
		},
		Audit: AuditConfig{QueueSize: 1024},
	}
}

// DefaultSessionPath is the session database used when none is configured.
const DefaultSessionPath = "data/sessions.db"

// DefaultRole is the role applied when a request names none or an unknown one.
const DefaultRole = "default"

// Role returns the policy for name, falling back to DefaultRole.
func (c *Config) Role(name string) (string, RoleConfig) {
	if rc, ok := c.Roles[name]; ok && name != "" {
		return name, rc
	}
	return DefaultRole, c.Roles[DefaultRole]
}
