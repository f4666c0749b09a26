package config

import "strings"

// Normalize folds the enumerated options (stores, providers, tokenizer and
// backend routes) to the lowercase form the components switch on. Parse
// calls it before Validate; callers building a Config in code should too.
func (c *Config) Normalize() {
	fold := func(v *string) { *v = strings.ToLower(strings.TrimSpace(*v)) }

	fold(&c.Embedding.Provider)
	fold(&c.Index.Provider)
	fold(&c.Retrieval.Rerank.Provider)
	fold(&c.Session.Store)
	fold(&c.Session.Tokenizer)
	fold(&c.Cache.Store)
	fold(&c.RateLimit.Store)

	if len(c.Backends) > 0 {
		backends := make(map[string]BackendConfig, len(c.Backends))
		for name, b := range c.Backends {
			fold(&b.Provider)
			backends[strings.ToLower(strings.TrimSpace(name))] = b
		}
		c.Backends = backends
	}
}
