package ragorch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *atomic.Int32) {
	t.Helper()
	calls := atomic.NewInt32(0)
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"Paris is the capital of France [1].","confidence":0.9}`))
	}))
	t.Cleanup(backendSrv.Close)

	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Session.Store = "inmemory"
	cfg.Session.Tokenizer = "words"
	cfg.Backends = map[string]config.BackendConfig{
		"factual": {Provider: "http", Endpoint: backendSrv.URL},
	}
	if mutate != nil {
		mutate(cfg)
	}
	s, err := FromConfig(cfg).NewServer(context.Background(), "ragorch-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, calls
}

func call(t *testing.T, h ToolHandler, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func seed(t *testing.T, s *Server) {
	t.Helper()
	res := call(t, HandleUpsertEvidence(s.client), map[string]any{
		"documents": []any{
			map[string]any{"id": "fr-1", "source_id": "wiki-france", "text": "Paris is the capital of France.", "published_at": "2024-03-01"},
			map[string]any{"id": "de-1", "source_id": "wiki-germany", "text": "Berlin is the capital of Germany."},
		},
	})
	require.False(t, res.IsError, textOf(t, res))
}

func TestQueryTool(t *testing.T) {
	s, calls := newTestServer(t, nil)
	seed(t, s)

	res := call(t, HandleQuery(s.client), map[string]any{
		"text": "What is the capital of France?", "language": "en", "session_id": "s-1",
	})
	require.False(t, res.IsError, textOf(t, res))

	var env schema.ResponseEnvelope
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &env))
	assert.Equal(t, schema.OutcomeAccept, env.Outcome)
	assert.Equal(t, "Paris is the capital of France [1].", env.Answer)
	assert.Equal(t, "wiki-france", env.Evidence[0].SourceID)
	assert.Equal(t, int32(1), calls.Load())

	res = call(t, HandleGetSession(s.client), map[string]any{"session_id": "s-1"})
	require.False(t, res.IsError)
	var sess schema.Session
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &sess))
	assert.Len(t, sess.Turns, 2)
}

func TestQueryTool_Stream(t *testing.T) {
	s, _ := newTestServer(t, nil)
	seed(t, s)

	res := call(t, HandleQuery(s.client), map[string]any{
		"text": "What is the capital of France?", "language": "en", "stream": true,
	})
	require.False(t, res.IsError, textOf(t, res))
	var env schema.ResponseEnvelope
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &env))
	assert.Equal(t, schema.OutcomeAccept, env.Outcome)
}

func TestQueryTool_InvalidInput(t *testing.T) {
	s, calls := newTestServer(t, nil)

	res := call(t, HandleQuery(s.client), map[string]any{"text": "  "})
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "invalid_input")

	res = call(t, HandleQuery(s.client), map[string]any{"text": "hi", "date_from": "yesterday"})
	assert.True(t, res.IsError)
	assert.Zero(t, calls.Load())
}

func TestInvalidateAndDeleteSourceTools(t *testing.T) {
	s, calls := newTestServer(t, nil)
	seed(t, s)
	q := map[string]any{"text": "What is the capital of France?", "language": "en"}

	call(t, HandleQuery(s.client), q)
	call(t, HandleQuery(s.client), q)
	assert.Equal(t, int32(1), calls.Load(), "second query served from cache")

	res := call(t, HandleInvalidateSource(s.client), map[string]any{"source_ids": []any{"wiki-france"}})
	require.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), `"evicted": 2`)

	call(t, HandleQuery(s.client), q)
	assert.Equal(t, int32(2), calls.Load())

	res = call(t, HandleDeleteSource(s.client), map[string]any{"source_ids": []any{"wiki-france"}})
	require.False(t, res.IsError)

	res = call(t, HandleDeleteSource(s.client), map[string]any{})
	assert.True(t, res.IsError)
}

func TestGetSessionTool_NotFound(t *testing.T) {
	s, _ := newTestServer(t, nil)
	res := call(t, HandleGetSession(s.client), map[string]any{"session_id": "missing"})
	assert.True(t, res.IsError)
}

func TestParseConfig(t *testing.T) {
	c := NewRAGConfig()
	err := c.ParseConfig(map[string]any{
		"gate":     map[string]any{"threshold": 0.7},
		"backends": map[string]any{"factual": map[string]any{"provider": "http", "endpoint": "http://localhost:9000/generate"}},
		"session":  map[string]any{"store": "sqlite", "sqlite_path": filepath.Join(t.TempDir(), "s.db")},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, c.Config().Gate.Threshold, 1e-9)
	assert.Equal(t, 5, c.Config().Retrieval.TopK)
	assert.Equal(t, "sqlite", c.Config().Session.Store)

	err = NewRAGConfig().ParseConfig(map[string]any{"session": map[string]any{"store": "etcd"}})
	assert.Error(t, err)
}

func TestNewRAGClient_SQLiteAndAudit(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Session.Store = "sqlite"
		c.Session.SQLitePath = filepath.Join(dir, "sessions.db")
		c.Audit.SQLitePath = filepath.Join(dir, "audit.db")
	})
	seed(t, s)
	res := call(t, HandleQuery(s.client), map[string]any{"text": "What is the capital of France?", "language": "en", "session_id": "s-sql"})
	require.False(t, res.IsError, textOf(t, res))

	_, ok, err := s.Client().Session(context.Background(), "s-sql")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewRAGClient_MissingFactualBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Session.Store = "inmemory"
	_, err := NewRAGClient(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNewRAGClient_StoreNamesAreCaseInsensitive(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Session.Store = "SQLite"
		c.Session.SQLitePath = filepath.Join(t.TempDir(), "sessions.db")
		c.Cache.Store = "Memory"
	})
	assert.Equal(t, "sqlite", s.Client().Config().Session.Store)
}

func TestNewRAGClient_DefaultSessionsSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "sessions.db")
	open := func() *Server {
		s, _ := newTestServer(t, func(c *config.Config) {
			c.Session.Store = config.Default().Session.Store
			c.Session.SQLitePath = path
		})
		return s
	}

	first := open()
	seed(t, first)
	res := call(t, HandleQuery(first.client), map[string]any{"text": "What is the capital of France?", "language": "en", "session_id": "s-restart"})
	require.False(t, res.IsError, textOf(t, res))
	require.NoError(t, first.Close())

	second := open()
	sess, ok, err := second.Client().Session(context.Background(), "s-restart")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, sess.Turns, 2)
}
