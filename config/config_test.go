package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
backends:
  factual:
    provider: http
    endpoint: http://localhost:9000/generate
`

func TestParse_DefaultsApplied(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.Retrieval.RRFK)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.InDelta(t, 0.65, cfg.Gate.Threshold, 1e-9)
	assert.Equal(t, 30*60, cfg.Session.IdleTimeoutSeconds)
	assert.Equal(t, 3600, cfg.Cache.RetrievalTTLSeconds)
	assert.Equal(t, 86400, cfg.Cache.TranslationTTLSeconds)
	assert.Equal(t, 2, cfg.Retry.Retries)
	assert.Equal(t, "sqlite", cfg.Session.Store, "sessions are durable by default")
	assert.Equal(t, DefaultSessionPath, cfg.Session.SQLitePath)

	name, role := cfg.Role("nobody")
	assert.Equal(t, DefaultRole, name)
	assert.Equal(t, "600-M", role.Rate)
}

func TestParse_RolesKeepDefault(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
roles:
  guest:
    rate: 10-M
    allowed_routes: [factual]
`))
	require.NoError(t, err)
	name, role := cfg.Role("guest")
	assert.Equal(t, "guest", name)
	assert.Equal(t, "10-M", role.Rate)
	_, ok := cfg.Roles[DefaultRole]
	assert.True(t, ok)
}

func TestValidate_CollectsErrors(t *testing.T) {
	_, err := Parse([]byte(`
gate:
  threshold: 1.5
session:
  store: etcd
retrieval:
  rerank:
    provider: magic
roles:
  bad:
    rate: lots
    allowed_routes: [chitchat]
`))
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, f := range []string{
		"gate.threshold", "session.store", "retrieval.rerank.provider",
		"roles.bad.rate", "roles.bad.allowed_routes", "backends.factual",
	} {
		assert.True(t, fields[f], "missing error for %s", f)
	}
}

func TestParse_NormalizesEnumeratedOptions(t *testing.T) {
	cfg, err := Parse([]byte(`
session:
  store: SQLite
  tokenizer: Words
cache:
  store: " Memory "
backends:
  Factual:
    provider: HTTP
    endpoint: http://localhost:9000/generate
`))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Session.Store)
	assert.Equal(t, "words", cfg.Session.Tokenizer)
	assert.Equal(t, "memory", cfg.Cache.Store)
	require.Contains(t, cfg.Backends, "factual")
	assert.Equal(t, "http", cfg.Backends["factual"].Provider)
}

func TestValidate_TurnShareMustHoldLongContextQuestion(t *testing.T) {
	_, err := Parse([]byte(minimal + `
session:
  max_tokens: 4000
  keep_recent: 2
router:
  long_context_tokens: 3000
`))
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	require.Len(t, verrs, 1)
	assert.Equal(t, "router.long_context_tokens", verrs[0].Field)

	_, err = Parse([]byte(minimal + `
session:
  max_tokens: 8000
  keep_recent: 2
router:
  long_context_tokens: 3000
`))
	assert.NoError(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragorch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal+"cache:\n  enable: false\n"), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Cache.Enable)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDurations(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "30m0s", cfg.Session.IdleTimeout().String())
	assert.Equal(t, "1h0m0s", cfg.Cache.RetrievalTTL().String())
	assert.Equal(t, "24h0m0s", cfg.Cache.TranslationTTL().String())
	assert.Equal(t, "30s", cfg.Orchestrator.RequestTimeout().String())
}
