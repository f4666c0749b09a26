package orchestrator

import (
	"context"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/cache"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// EventType tags a streamed event.
type EventType string

const (
	EventEvidence EventType = "evidence"
	EventToken    EventType = "token"
	EventDone     EventType = "done"
)

// StreamEvent is one element of a streamed answer: a single evidence event,
// then zero or more tokens, then done.
type StreamEvent struct {
	Type     EventType                `json:"type"`
	Evidence []schema.EvidenceItem    `json:"evidence,omitempty"`
	Token    string                   `json:"token,omitempty"`
	Envelope *schema.ResponseEnvelope `json:"envelope,omitempty"`
	// Retracted is set on done when tokens were streamed but the gate fell
	// back; the envelope answer replaces everything streamed before.
	Retracted bool `json:"retracted,omitempty"`
}

// Stream answers q incrementally. Validation and rate limiting happen before
// it returns. The channel is closed after the done event, or early without
// one when ctx is cancelled.
func (o *Orchestrator) Stream(ctx context.Context, q schema.Query) (<-chan StreamEvent, error) {
	ctx, cancel, r, err := o.admit(ctx, q)
	if err != nil {
		return nil, err
	}
	size := o.cfg.Orchestrator.StreamBuffer
	if size <= 0 {
		size = 64
	}
	out := make(chan StreamEvent, size)
	go func() {
		defer close(out)
		defer cancel()
		if err := o.stream(ctx, r, out); err != nil {
			_ = o.fail(r, err)
		}
	}()
	return out, nil
}

func (o *Orchestrator) stream(ctx context.Context, r *request, out chan<- StreamEvent) error {
	send := func(ev StreamEvent) error {
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return errs.Classify("orchestrator.stream", ctx.Err())
		}
	}

	if err := o.loadSession(ctx, r); err != nil {
		return err
	}
	if r.persist && len(r.session.Turns) > 0 {
		// Keep the session alive while a long answer streams.
		if err := o.sessions.Touch(ctx, r.session.ID); err != nil {
			logger.Warnf("orchestrator: touch session %s: %v", r.session.ID, err)
		}
	}
	o.classify(r)

	fp := r.answerKey().Fingerprint()
	var gen cache.Generation
	if o.cache != nil {
		// Taken before any evidence is read so an invalidation racing the
		// stream keeps its answer out of the cache.
		gen = o.cache.Snapshot(ctx)
		if e, ok, err := o.cache.Get(ctx, fp); err == nil && ok && e.Payload.Answer != nil {
			o.emitCache(r, cache.TierAnswer, cache.Result{Payload: e.Payload, Hit: true}, nil)
			env := *e.Payload.Answer
			env.RequestID, env.SessionID, env.CacheHit = r.query.RequestID, r.session.ID, true
			env.Evidence = schema.CloneEvidence(env.Evidence)
			if err := send(StreamEvent{Type: EventEvidence, Evidence: env.Evidence}); err != nil {
				return err
			}
			if err := send(StreamEvent{Type: EventToken, Token: env.Answer}); err != nil {
				return err
			}
			if err := send(StreamEvent{Type: EventDone, Envelope: &env}); err != nil {
				return err
			}
			o.remember(ctx, r, env)
			metrics.ObserveRequest(string(env.Route), string(env.Outcome), r.start)
			return nil
		}
		o.emitCache(r, cache.TierAnswer, cache.Result{}, nil)
	}

	h := &hooks{
		evidence: func(ev []schema.EvidenceItem) error {
			return send(StreamEvent{Type: EventEvidence, Evidence: schema.CloneEvidence(ev)})
		},
		token: func(tok string) error {
			return send(StreamEvent{Type: EventToken, Token: tok})
		},
	}
	if err := o.pipeline(ctx, r, h); err != nil {
		return err
	}

	env := r.envelope
	done := StreamEvent{Type: EventDone, Envelope: &env, Retracted: !r.verdict.Accepted() && r.streamed > 0}
	if err := send(done); err != nil {
		return err
	}
	if o.cache != nil && r.cacheable() && ctx.Err() == nil {
		p := schema.CachePayload{Evidence: env.Evidence, RetrievalConfidence: r.retrievalConf, Answer: &env}
		stored, err := o.cache.PutIfCurrent(ctx, gen, fp, p, o.cache.TTLFor(r.decision.Route))
		switch {
		case err != nil:
			logger.Warnf("orchestrator: answer cache write failed for request %s: %v", r.query.RequestID, err)
		case !stored:
			logger.Debugf("orchestrator: sources invalidated while request %s streamed, answer not cached", r.query.RequestID)
		}
	}
	o.remember(ctx, r, env)
	metrics.ObserveRequest(string(env.Route), string(env.Outcome), r.start)
	return nil
}
