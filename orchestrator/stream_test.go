package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/backend"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/index"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

func collect(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not finish")
			return out
		}
	}
}

func tokensOf(events []StreamEvent) []string {
	var toks []string
	for _, ev := range events {
		if ev.Type == EventToken {
			toks = append(toks, ev.Token)
		}
	}
	return toks
}

func TestStream_EvidenceThenTokensThenDone(t *testing.T) {
	sb := &streamingBackend{fakeBackend{
		gen:    backend.Generation{Text: "Paris", Confidence: 0.9},
		tokens: []string{"Par", "is"},
	}}
	h := newHarness(t, harnessOption{factual: sb})

	ch, err := h.o.Stream(context.Background(), capitalQuery("s-stream"))
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 4)
	assert.Equal(t, EventEvidence, events[0].Type)
	require.NotEmpty(t, events[0].Evidence)
	assert.Equal(t, "wiki-france", events[0].Evidence[0].SourceID)
	assert.Equal(t, []string{"Par", "is"}, tokensOf(events))

	done := events[3]
	assert.Equal(t, EventDone, done.Type)
	assert.False(t, done.Retracted)
	require.NotNil(t, done.Envelope)
	assert.Equal(t, schema.OutcomeAccept, done.Envelope.Outcome)
	assert.Equal(t, "Paris", done.Envelope.Answer)
	assert.Equal(t, "s-stream", done.Envelope.SessionID)

	s, ok, err := h.sessions.Get(context.Background(), "s-stream")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, s.Turns, 2)
}

func TestStream_LowBackendConfidenceRetractsTokens(t *testing.T) {
	sb := &streamingBackend{fakeBackend{
		gen:    backend.Generation{Text: "Maybe Lyon", Confidence: 0.2},
		tokens: []string{"Maybe", " Lyon"},
	}}
	h := newHarness(t, harnessOption{factual: sb})

	ch, err := h.o.Stream(context.Background(), capitalQuery(""))
	require.NoError(t, err)
	events := collect(t, ch)

	require.NotEmpty(t, events)
	done := events[len(events)-1]
	assert.Equal(t, EventDone, done.Type)
	assert.True(t, done.Retracted)
	assert.Equal(t, schema.OutcomeFallback, done.Envelope.Outcome)
	assert.Equal(t, h.gate.FallbackMessage("en"), done.Envelope.Answer)
	assert.Len(t, tokensOf(events), 2)
}

func TestStream_LowRetrievalConfidenceSkipsBackend(t *testing.T) {
	sb := &streamingBackend{fakeBackend{
		gen:    backend.Generation{Text: "Paris", Confidence: 0.99},
		tokens: []string{"Paris"},
	}}
	h := newHarness(t, harnessOption{retrievalTop: 0.3, factual: sb})

	ch, err := h.o.Stream(context.Background(), capitalQuery(""))
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Empty(t, tokensOf(events))
	assert.Zero(t, sb.calls.Load())
	require.Len(t, events, 2)
	assert.Equal(t, EventEvidence, events[0].Type)
	done := events[1]
	assert.False(t, done.Retracted)
	assert.Equal(t, schema.OutcomeFallback, done.Envelope.Outcome)
	assert.InDelta(t, 0.3, done.Envelope.Confidence, 1e-9)
}

func TestStream_AnswerCacheHit(t *testing.T) {
	h := newHarness(t, harnessOption{})
	ctx := context.Background()
	_, err := h.o.Answer(ctx, capitalQuery("s1"))
	require.NoError(t, err)

	ch, err := h.o.Stream(ctx, capitalQuery("s2"))
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 3)
	assert.Equal(t, EventEvidence, events[0].Type)
	assert.Equal(t, []string{"Paris is the capital of France [1]."}, tokensOf(events))
	require.NotNil(t, events[2].Envelope)
	assert.True(t, events[2].Envelope.CacheHit)
	assert.Equal(t, "s2", events[2].Envelope.SessionID)
	assert.Equal(t, int32(1), h.factual.calls.Load())
}

func TestStream_InvalidInputRejectedSynchronously(t *testing.T) {
	h := newHarness(t, harnessOption{})
	ch, err := h.o.Stream(context.Background(), schema.Query{Text: ""})
	assert.Nil(t, ch)
	assert.ErrorIs(t, err, errs.InvalidInput)
}

func TestStream_NonStreamingBackendSendsOneToken(t *testing.T) {
	h := newHarness(t, harnessOption{noCache: true})
	ch, err := h.o.Stream(context.Background(), capitalQuery(""))
	require.NoError(t, err)
	events := collect(t, ch)
	assert.Equal(t, []string{"Paris is the capital of France [1]."}, tokensOf(events))
}

func TestIngestor_DeleteInvalidatesSource(t *testing.T) {
	h := newHarness(t, harnessOption{})
	ctx := context.Background()
	_, err := h.o.Answer(ctx, capitalQuery(""))
	require.NoError(t, err)

	n, err := h.ingest.Delete(ctx, "wiki-france")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	env, err := h.o.Answer(ctx, capitalQuery(""))
	require.NoError(t, err)
	assert.False(t, env.CacheHit)
	for _, ev := range env.Evidence {
		assert.NotEqual(t, "wiki-france", ev.SourceID)
	}
}

func TestIngestor_RejectsDocumentsWithoutIDs(t *testing.T) {
	h := newHarness(t, harnessOption{})
	_, err := h.ingest.Upsert(context.Background(), []index.Document{{Text: "orphan"}})
	assert.ErrorIs(t, err, errs.InvalidInput)

	n, err := h.ingest.Upsert(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// gatedStreamer holds generation until released.
type gatedStreamer struct {
	fakeBackend
	started chan struct{}
	release chan struct{}
}

func (g *gatedStreamer) Stream(ctx context.Context, req backend.Request, onToken func(string) error) (backend.Generation, error) {
	if g.calls.Inc() == 1 {
		close(g.started)
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return backend.Generation{}, ctx.Err()
	}
	for _, tok := range g.tokens {
		if err := onToken(tok); err != nil {
			return backend.Generation{}, err
		}
	}
	return g.gen, nil
}

func TestStream_InvalidationDuringGenerationKeepsAnswerUncached(t *testing.T) {
	sb := &gatedStreamer{
		fakeBackend: fakeBackend{
			gen:    backend.Generation{Text: "Paris is the capital of France [1].", Confidence: 0.9},
			tokens: []string{"Paris"},
		},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, harnessOption{factual: sb})
	ctx := context.Background()

	ch, err := h.o.Stream(ctx, capitalQuery("s-race"))
	require.NoError(t, err)
	select {
	case <-sb.started:
	case <-time.After(5 * time.Second):
		t.Fatal("backend was not called")
	}
	_, err = h.ingest.Invalidate(ctx, "wiki-france")
	require.NoError(t, err)
	close(sb.release)

	events := collect(t, ch)
	require.NotEmpty(t, events)
	done := events[len(events)-1]
	require.Equal(t, EventDone, done.Type)
	assert.Equal(t, schema.OutcomeAccept, done.Envelope.Outcome)

	env, err := h.o.Answer(ctx, capitalQuery(""))
	require.NoError(t, err)
	assert.False(t, env.CacheHit, "answer built before the invalidation was cached")
	assert.Equal(t, int32(2), sb.calls.Load())
	assert.Equal(t, int32(2), h.idx.calls.Load())

	env, err = h.o.Answer(ctx, capitalQuery(""))
	require.NoError(t, err)
	assert.True(t, env.CacheHit)
}
