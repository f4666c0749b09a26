package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/backend"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/cache"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/retry"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/embedding"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/gating"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/index"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/post"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/ratelimit"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/retrieval"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/router"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/session"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/tokenizer"
)

// countingIndex counts searches and can fail or return nothing.
type countingIndex struct {
	index.Index
	calls      atomic.Int32
	failFirst  int32
	emptyAfter bool
	delay      time.Duration
}

func (c *countingIndex) Search(ctx context.Context, req index.Request) (index.Result, error) {
	n := c.calls.Inc()
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if n <= c.failFirst {
		return index.Result{}, context.DeadlineExceeded
	}
	if c.emptyAfter {
		return index.Result{}, nil
	}
	return c.Index.Search(ctx, req)
}

// scoreReranker gives the best lexical candidate a fixed score.
type scoreReranker struct{ top float64 }

func (s scoreReranker) Rerank(ctx context.Context, q string, in []schema.EvidenceItem, topN int) ([]schema.EvidenceItem, error) {
	out, err := post.LexicalReranker{}.Rerank(ctx, q, in, topN)
	for i := range out {
		out[i].RerankScore = s.top / float64(i+1)
	}
	return out, err
}

type fakeBackend struct {
	calls    atomic.Int32
	gen      backend.Generation
	err      error
	tokens   []string
	blocking bool
	delay    time.Duration
}

func (f *fakeBackend) Generate(ctx context.Context, req backend.Request) (backend.Generation, error) {
	f.calls.Inc()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.blocking {
		<-ctx.Done()
		return backend.Generation{}, ctx.Err()
	}
	if f.err != nil {
		return backend.Generation{}, f.err
	}
	return f.gen, nil
}

type streamingBackend struct{ fakeBackend }

func (s *streamingBackend) Stream(ctx context.Context, req backend.Request, onToken func(string) error) (backend.Generation, error) {
	s.calls.Inc()
	for _, tok := range s.tokens {
		if err := onToken(tok); err != nil {
			return backend.Generation{}, err
		}
	}
	return s.gen, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []metrics.Event
}

func (r *recordingSink) Emit(e metrics.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	o        *Orchestrator
	cfg      *config.Config
	idx      *countingIndex
	mem      *index.Memory
	enc      embedding.Encoder
	factual  *fakeBackend
	sessions *session.Manager
	layer    *cache.Layer
	gate     *gating.Gate
	audit    *recordingSink
	ingest   *Ingestor
}

type harnessOption struct {
	retrievalTop float64
	factual      backend.Backend
	translation  backend.Backend
	cacheStore   cache.Store
	sessionStore session.Store
	noCache      bool
	limiter      bool
	mutate       func(*config.Config)
}

func newHarness(t *testing.T, opt harnessOption) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Retry = config.RetryConfig{Retries: 2, BackoffMinMs: 1, BackoffMaxMs: 2}
	cfg.Cache.LeasePollMs = 5
	if opt.mutate != nil {
		opt.mutate(cfg)
	}
	policy := retry.FromConfig(cfg.Retry)

	ctx := context.Background()
	enc := embedding.NewHashEncoder(128)
	mem := index.NewMemory()
	split := &index.Split{Dense: mem, Sparse: mem, Writers: []index.Writer{mem}}
	idx := &countingIndex{Index: split}

	if opt.retrievalTop == 0 {
		opt.retrievalTop = 0.9
	}
	eng := retrieval.NewEngine(enc, idx, scoreReranker{top: opt.retrievalTop}, cfg.Retrieval, policy)

	factual := &fakeBackend{gen: backend.Generation{Text: "Paris is the capital of France [1].", Confidence: 0.9}}
	bindings := map[schema.Route]backend.Backend{schema.RouteFactual: factual}
	if opt.factual != nil {
		bindings[schema.RouteFactual] = opt.factual
	}
	if opt.translation != nil {
		bindings[schema.RouteTranslation] = opt.translation
	}

	sstore := opt.sessionStore
	if sstore == nil {
		sstore = session.NewMemStore()
	}
	sessions := session.NewManager(sstore, cfg.Session, tokenizer.Words{})

	var layer *cache.Layer
	if !opt.noCache {
		cstore := opt.cacheStore
		if cstore == nil {
			cstore = cache.NewLRU(128)
		}
		layer = cache.NewLayer(cstore, cfg.Cache)
	}

	var lim *ratelimit.Limiter
	if opt.limiter {
		var err error
		lim, err = ratelimit.New(cfg, nil)
		require.NoError(t, err)
	}

	gate := gating.New(cfg.Gate)
	audit := &recordingSink{}
	o := New(cfg, Deps{
		Sessions:  sessions,
		Cache:     layer,
		Router:    router.NewClassifier(cfg.Router, tokenizer.Words{}),
		Retriever: eng,
		Backends:  backend.NewRegistry(bindings),
		Gate:      gate,
		Limiter:   lim,
		Audit:     audit,
		Retry:     policy,
	})
	h := &harness{
		o: o, cfg: cfg, idx: idx, mem: mem, enc: enc, factual: factual,
		sessions: sessions, layer: layer, gate: gate, audit: audit,
		ingest: NewIngestor(split, enc, layer, policy),
	}
	_, err := h.ingest.Upsert(ctx, []index.Document{
		{ID: "fr-1", SourceID: "wiki-france", Text: "Paris is the capital of France."},
		{ID: "de-1", SourceID: "wiki-germany", Text: "Berlin is the capital of Germany."},
		{ID: "es-1", SourceID: "wiki-spain", Text: "Madrid is the capital of Spain."},
	})
	require.NoError(t, err)
	return h
}

func capitalQuery(sid string) schema.Query {
	return schema.Query{Text: "What is the capital of France?", Language: "en", SessionID: sid}
}

func TestScenarioA_ConfidentAnswerAccepted(t *testing.T) {
	h := newHarness(t, harnessOption{})
	env, err := h.o.Answer(context.Background(), capitalQuery("s-a"))
	require.NoError(t, err)

	assert.Equal(t, schema.OutcomeAccept, env.Outcome)
	assert.InDelta(t, 0.9, env.Confidence, 1e-9)
	assert.Equal(t, schema.RouteFactual, env.Route)
	assert.Equal(t, "Paris is the capital of France [1].", env.Answer)
	require.NotEmpty(t, env.Evidence)
	assert.Equal(t, "wiki-france", env.Evidence[0].SourceID)
	assert.False(t, env.CacheHit)
	assert.Equal(t, "s-a", env.SessionID)
	assert.NotEmpty(t, env.RequestID)

	s, ok, err := h.sessions.Get(context.Background(), "s-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, s.Turns, 2)
	assert.Equal(t, schema.RoleUser, s.Turns[0].Role)
	assert.Equal(t, schema.RouteFactual, s.Turns[1].Route)

	assert.Subset(t, h.audit.types(), []string{metrics.EventRoute, metrics.EventCache, metrics.EventGate})
}

func TestScenarioB_LowRetrievalConfidenceFallsBack(t *testing.T) {
	backendHigh := &fakeBackend{gen: backend.Generation{Text: "Paris, definitely.", Confidence: 0.99}}
	h := newHarness(t, harnessOption{retrievalTop: 0.3, factual: backendHigh})

	env, err := h.o.Answer(context.Background(), capitalQuery(""))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFallback, env.Outcome)
	assert.Equal(t, h.gate.FallbackMessage("en"), env.Answer)
	assert.NotContains(t, env.Answer, "Paris")
	assert.InDelta(t, 0.3, env.Confidence, 1e-9)
	assert.Equal(t, gating.ReasonLowConfidence, env.Reason)
}

func TestScenarioC_IdenticalQueriesHitIndexOnce(t *testing.T) {
	h := newHarness(t, harnessOption{})
	h.factual.delay = 30 * time.Millisecond

	var wg sync.WaitGroup
	envs := make([]schema.ResponseEnvelope, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Different sessions and request ids share one fingerprint.
			env, err := h.o.Answer(context.Background(), schema.Query{Text: "What is the capital of France?", Language: "en", SessionID: []string{"s1", "s2"}[i]})
			assert.NoError(t, err)
			envs[i] = env
		}(i)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, int32(1), h.idx.calls.Load())
	assert.Equal(t, int32(1), h.factual.calls.Load())
	assert.Equal(t, envs[0].Answer, envs[1].Answer)
	assert.Equal(t, "s2", envs[1].SessionID)
}

func TestScenarioD_SessionTruncatedThroughOrchestrator(t *testing.T) {
	h := newHarness(t, harnessOption{noCache: true, mutate: func(c *config.Config) {
		c.Session.MaxTurns = 4
	}})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.o.Answer(ctx, capitalQuery("s-d"))
		require.NoError(t, err)
	}
	s, ok, err := h.o.Session(ctx, "s-d")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, s.Turns, 4)
}

func TestScenarioE_SameLanguageTranslationFallsThroughToFactual(t *testing.T) {
	translator := &fakeBackend{gen: backend.Generation{Text: "hello", Confidence: 0.99}}
	h := newHarness(t, harnessOption{translation: translator})

	q := capitalQuery("")
	q.Filters.TargetLanguage = "en-US"
	env, err := h.o.Answer(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, schema.RouteFactual, env.Route)
	assert.Zero(t, translator.calls.Load())
}

func TestScenarioF_IndexTimeoutsThenConfidentBackendStillFallsBack(t *testing.T) {
	confident := &fakeBackend{gen: backend.Generation{Text: "I am sure.", Confidence: 0.95}}
	h := newHarness(t, harnessOption{factual: confident})
	h.idx.failFirst = 2
	h.idx.emptyAfter = true

	env, err := h.o.Answer(context.Background(), capitalQuery(""))
	require.NoError(t, err)
	assert.Equal(t, int32(3), h.idx.calls.Load())
	assert.Equal(t, int32(1), confident.calls.Load())
	assert.Empty(t, env.Evidence)
	assert.Zero(t, env.Confidence)
	assert.Equal(t, schema.OutcomeFallback, env.Outcome)
	assert.Equal(t, h.gate.FallbackMessage("en"), env.Answer)
}

func TestIndexExhaustedRetriesDegradesToFallback(t *testing.T) {
	h := newHarness(t, harnessOption{})
	h.idx.failFirst = 100

	env, err := h.o.Answer(context.Background(), capitalQuery(""))
	require.NoError(t, err)
	assert.Equal(t, int32(3), h.idx.calls.Load())
	assert.Equal(t, schema.OutcomeFallback, env.Outcome)

	// Degraded answers are not cached.
	h.idx.failFirst = 0
	env, err = h.o.Answer(context.Background(), capitalQuery(""))
	require.NoError(t, err)
	assert.False(t, env.CacheHit)
	assert.Equal(t, schema.OutcomeAccept, env.Outcome)
}

func TestBackendFailureRetriedThenFallback(t *testing.T) {
	down := &fakeBackend{err: errs.E(errs.KindUnavailable, "backend", errors.New("503"))}
	h := newHarness(t, harnessOption{factual: down})

	env, err := h.o.Answer(context.Background(), capitalQuery(""))
	require.NoError(t, err)
	assert.Equal(t, int32(3), down.calls.Load())
	assert.Equal(t, schema.OutcomeFallback, env.Outcome)
	assert.Equal(t, h.gate.FallbackMessage("en"), env.Answer)
}

func TestGuardrailForcesFallback(t *testing.T) {
	flagged := &fakeBackend{gen: backend.Generation{Text: "off topic", Confidence: 0.99, Flags: []schema.GuardrailFlag{schema.FlagOutOfDomain}}}
	h := newHarness(t, harnessOption{factual: flagged})

	env, err := h.o.Answer(context.Background(), capitalQuery(""))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFallback, env.Outcome)
	assert.Equal(t, "guardrail:out_of_domain", env.Reason)
	assert.Equal(t, int32(1), flagged.calls.Load(), "guardrail outcomes are not retried")
}

func TestFallbackMessageFollowsQueryLanguage(t *testing.T) {
	h := newHarness(t, harnessOption{retrievalTop: 0.1})
	env, err := h.o.Answer(context.Background(), schema.Query{Text: "Quelle est la capitale de la France ?", Language: "fr-FR"})
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeFallback, env.Outcome)
	assert.Equal(t, "fr", env.Language)
	assert.Equal(t, h.gate.FallbackMessage("fr"), env.Answer)
}

func TestTranslationBypassesRetrieval(t *testing.T) {
	translator := &fakeBackend{gen: backend.Generation{Text: "Hello everyone", Confidence: 0.8}}
	h := newHarness(t, harnessOption{translation: translator})

	env, err := h.o.Answer(context.Background(), schema.Query{
		Text:     "Bonjour tout le monde",
		Language: "fr",
		Filters:  schema.Filters{TargetLanguage: "en"},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.RouteTranslation, env.Route)
	assert.Equal(t, schema.OutcomeAccept, env.Outcome)
	assert.Equal(t, "Hello everyone", env.Answer)
	assert.Equal(t, "en", env.Language)
	assert.Empty(t, env.Evidence)
	assert.Zero(t, h.idx.calls.Load())
	assert.Zero(t, h.factual.calls.Load())
}

func TestSecondRequestServedFromAnswerCache(t *testing.T) {
	h := newHarness(t, harnessOption{})
	ctx := context.Background()
	_, err := h.o.Answer(ctx, capitalQuery("s1"))
	require.NoError(t, err)

	env, err := h.o.Answer(ctx, capitalQuery("s2"))
	require.NoError(t, err)
	assert.True(t, env.CacheHit)
	assert.Equal(t, "s2", env.SessionID)
	assert.Equal(t, int32(1), h.idx.calls.Load())
	assert.Equal(t, int32(1), h.factual.calls.Load())

	s, ok, _ := h.sessions.Get(ctx, "s2")
	require.True(t, ok)
	assert.Len(t, s.Turns, 2, "cache hits still record the exchange")
}

func TestInvalidateSourceThenRecompute(t *testing.T) {
	h := newHarness(t, harnessOption{})
	ctx := context.Background()
	env, err := h.o.Answer(ctx, capitalQuery(""))
	require.NoError(t, err)
	require.Equal(t, "Paris is the capital of France.", env.Evidence[0].Snippet)

	n, err := h.ingest.Upsert(ctx, []index.Document{
		{ID: "fr-1", SourceID: "wiki-france", Text: "Paris is the capital and largest city of France."},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "evidence and answer entries evicted")

	env, err = h.o.Answer(ctx, capitalQuery(""))
	require.NoError(t, err)
	assert.False(t, env.CacheHit)
	assert.Equal(t, int32(2), h.idx.calls.Load())
	assert.Equal(t, "Paris is the capital and largest city of France.", env.Evidence[0].Snippet)
}

func TestInvalidInputRejectedWithoutCollaborators(t *testing.T) {
	h := newHarness(t, harnessOption{mutate: func(c *config.Config) {
		c.Roles["guest"] = config.RoleConfig{AllowedRoutes: []string{"factual"}}
	}})
	cases := map[string]schema.Query{
		"empty":          {Text: "   "},
		"language":       {Text: "hi", Language: "not a tag!!"},
		"date range":     {Text: "hi", Filters: schema.Filters{DateRange: schema.DateRange{From: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), To: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}}},
		"top k":          {Text: "hi", TopK: 1000},
		"negative top k": {Text: "hi", TopK: -1},
		"route hint":     {Text: "hi", Filters: schema.Filters{RouteHint: "chitchat"}},
		"attachment":     {Text: "hi", Attachments: []schema.Attachment{{MediaType: "image/png"}}},
		"role route":     {Text: "hi", Role: "guest", Filters: schema.Filters{RouteHint: schema.RouteTranslation}},
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.o.Answer(context.Background(), q)
			assert.ErrorIs(t, err, errs.InvalidInput)
		})
	}
	assert.Zero(t, h.idx.calls.Load())
	assert.Zero(t, h.factual.calls.Load())
}

func TestRateLimitedBeforeClassification(t *testing.T) {
	h := newHarness(t, harnessOption{limiter: true, mutate: func(c *config.Config) {
		c.Roles[config.DefaultRole] = config.RoleConfig{Rate: "1-M"}
	}})
	_, err := h.o.Answer(context.Background(), capitalQuery(""))
	require.NoError(t, err)

	_, err = h.o.Answer(context.Background(), schema.Query{Text: "What is the capital of Spain?", Language: "en"})
	assert.ErrorIs(t, err, errs.RateLimited)
	assert.Equal(t, int32(1), h.idx.calls.Load())
	assert.Equal(t, 1, countType(h.audit.types(), metrics.EventRoute))
}

func countType(types []string, typ string) int {
	n := 0
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}

func TestCancellationWritesNothing(t *testing.T) {
	blocked := &fakeBackend{blocking: true}
	h := newHarness(t, harnessOption{factual: blocked})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := h.o.Answer(ctx, capitalQuery("s-cancel"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	s, ok, err := h.sessions.Get(context.Background(), "s-cancel")
	require.NoError(t, err)
	if ok {
		assert.Empty(t, s.Turns)
	}
	fp := cache.Key{Text: "What is the capital of France?", Language: "en", Route: string(schema.RouteFactual), TopK: 5}.Fingerprint()
	_, hit, _ := h.layer.Get(context.Background(), fp)
	assert.False(t, hit)
}

func TestRequestDeadlineBoundsBackend(t *testing.T) {
	blocked := &fakeBackend{blocking: true}
	h := newHarness(t, harnessOption{factual: blocked, mutate: func(c *config.Config) {
		c.Orchestrator.RequestTimeoutMs = 30
	}})
	start := time.Now()
	_, err := h.o.Answer(context.Background(), capitalQuery(""))
	assert.ErrorIs(t, err, errs.Timeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

type brokenCache struct{ *cache.LRU }

func (brokenCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}

func (brokenCache) Set(context.Context, string, []byte, time.Duration, []string) error {
	return errors.New("cache down")
}

func (brokenCache) SetIfCurrent(context.Context, string, []byte, time.Duration, []string, uint64) (bool, error) {
	return false, errors.New("cache down")
}

func (brokenCache) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errors.New("cache down")
}

type brokenSessions struct{}

func (brokenSessions) Get(context.Context, string) (*schema.Session, bool, error) {
	return nil, false, errors.New("session store down")
}
func (brokenSessions) Save(context.Context, *schema.Session) error {
	return errors.New("session store down")
}
func (brokenSessions) Delete(context.Context, string, int64) (bool, error) {
	return false, errors.New("session store down")
}
func (brokenSessions) Idle(context.Context, time.Time, int) ([]string, error) {
	return nil, errors.New("session store down")
}
func (brokenSessions) Close() error { return nil }

func TestCacheAndSessionFailuresBypassed(t *testing.T) {
	h := newHarness(t, harnessOption{cacheStore: brokenCache{cache.NewLRU(8)}, sessionStore: brokenSessions{}})
	env, err := h.o.Answer(context.Background(), capitalQuery("s-x"))
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeAccept, env.Outcome)
	assert.Equal(t, "s-x", env.SessionID)
	assert.False(t, env.CacheHit)
}

func TestWithoutCache(t *testing.T) {
	h := newHarness(t, harnessOption{noCache: true})
	for i := 0; i < 2; i++ {
		env, err := h.o.Answer(context.Background(), capitalQuery(""))
		require.NoError(t, err)
		assert.Equal(t, schema.OutcomeAccept, env.Outcome)
	}
	assert.Equal(t, int32(2), h.idx.calls.Load())
}

func TestLanguageAutoDetected(t *testing.T) {
	h := newHarness(t, harnessOption{retrievalTop: 0.1})
	env, err := h.o.Answer(context.Background(), schema.Query{Text: "法国的首都是哪里？", Language: "auto"})
	require.NoError(t, err)
	assert.Equal(t, "zh", env.Language)
	assert.Equal(t, h.gate.FallbackMessage("zh"), env.Answer)
}

func TestAnswerCacheKeyedByAttachments(t *testing.T) {
	h := newHarness(t, harnessOption{})
	ctx := context.Background()
	photo := func(url string) schema.Query {
		return schema.Query{
			Text:        "What is the capital of France in this photo?",
			Language:    "en",
			Attachments: []schema.Attachment{{URL: url, MediaType: "image/png"}},
		}
	}

	first, err := h.o.Answer(ctx, photo("https://img.example/a.png"))
	require.NoError(t, err)
	assert.Equal(t, schema.RouteMultimodal, first.Route)
	assert.Equal(t, schema.OutcomeAccept, first.Outcome)

	second, err := h.o.Answer(ctx, photo("https://img.example/b.png"))
	require.NoError(t, err)
	assert.False(t, second.CacheHit, "a different image must not reuse the cached answer")
	assert.Equal(t, int32(2), h.factual.calls.Load())

	again, err := h.o.Answer(ctx, photo("https://img.example/a.png"))
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	assert.Equal(t, int32(2), h.factual.calls.Load())
}

func TestContentTypeFilterIsCaseInsensitive(t *testing.T) {
	h := newHarness(t, harnessOption{})
	ctx := context.Background()
	_, err := h.ingest.Upsert(ctx, []index.Document{
		{ID: "gov-1", SourceID: "gov-france", Text: "Paris is the capital of France.", Provenance: schema.Provenance{ContentType: "PDF"}},
	})
	require.NoError(t, err)

	q := capitalQuery("")
	q.Filters.ContentTypes = []string{"pdf"}
	first, err := h.o.Answer(ctx, q)
	require.NoError(t, err)
	require.NotEmpty(t, first.Evidence)
	for _, ev := range first.Evidence {
		assert.Equal(t, "gov-france", ev.SourceID)
	}

	q.Filters.ContentTypes = []string{" PDF "}
	second, err := h.o.Answer(ctx, q)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	require.Len(t, second.Evidence, len(first.Evidence))
	assert.Equal(t, first.Evidence[0].ID, second.Evidence[0].ID)
	assert.Equal(t, int32(1), h.idx.calls.Load())
}
