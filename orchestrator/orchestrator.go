package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/backend"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/cache"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/retry"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/gating"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/language"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/ratelimit"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/retrieval"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/router"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/session"
)

// State is a stage of the per-request pipeline.
type State string

const (
	StateClassifying State = "classifying"
	StateRetrieving  State = "retrieving"
	StateGenerating  State = "generating"
	StateGating      State = "gating"
	StateDone        State = "done"
	StateFallback    State = "fallback"
)

// Deps are the collaborators of an Orchestrator. Sessions, Cache, Limiter and
// Audit may be nil.
type Deps struct {
	Sessions  *session.Manager
	Cache     *cache.Layer
	Router    *router.Classifier
	Retriever retrieval.Retriever
	Backends  *backend.Registry
	Gate      *gating.Gate
	Limiter   *ratelimit.Limiter
	Audit     metrics.Sink
	Retry     retry.Policy
}

// Orchestrator runs every inbound query through
// session -> classify -> retrieve -> generate -> gate -> cache -> session.
type Orchestrator struct {
	cfg       *config.Config
	sessions  *session.Manager
	cache     *cache.Layer
	router    *router.Classifier
	retriever retrieval.Retriever
	backends  *backend.Registry
	gate      *gating.Gate
	limiter   *ratelimit.Limiter
	audit     metrics.Sink
	policy    retry.Policy
}

// New wires an Orchestrator.
func New(cfg *config.Config, d Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		sessions:  d.Sessions,
		cache:     d.Cache,
		router:    d.Router,
		retriever: d.Retriever,
		backends:  d.Backends,
		gate:      d.Gate,
		limiter:   d.Limiter,
		audit:     d.Audit,
		policy:    d.Retry,
	}
	if o.audit == nil {
		o.audit = metrics.NopSink{}
	}
	if o.gate == nil {
		o.gate = gating.New(cfg.Gate)
	}
	return o
}

// request carries one query through the pipeline.
type request struct {
	query   schema.Query
	role    string
	allowed []schema.Route
	topK    int
	start   time.Time
	state   State

	session *schema.Session
	persist bool

	decision      schema.RouteDecision
	evidence      []schema.EvidenceItem
	retrievalConf float64
	generation    backend.Generation
	// degraded marks a collaborator failure absorbed into a fallback.
	degraded       bool
	skipGeneration bool
	streamed       int

	verdict  gating.Decision
	envelope schema.ResponseEnvelope
}

func (r *request) to(s State) {
	logger.Debugf("orchestrator: request %s %s -> %s", r.query.RequestID, r.state, s)
	r.state = s
}

func (r *request) answerKey() cache.Key {
	return cache.Key{
		Text:        r.query.Text,
		Language:    r.query.Language,
		Filters:     r.query.Filters,
		Route:       string(r.decision.Route),
		TopK:        r.topK,
		Attachments: r.query.Attachments,
	}
}

func (r *request) evidenceKey() cache.Key {
	return cache.Key{Text: r.query.Text, Language: r.query.Language, Filters: r.query.Filters, Route: cache.RouteRetrieval, TopK: r.topK}
}

func (r *request) cacheable() bool {
	return r.verdict.Accepted() && !r.degraded
}

// hooks receive incremental output in streaming mode.
type hooks struct {
	evidence func([]schema.EvidenceItem) error
	token    func(string) error
}

// Answer runs q to completion. Only malformed input, an exhausted rate
// budget and cancellation are returned as errors; every collaborator
// failure degrades into a fallback envelope.
func (o *Orchestrator) Answer(ctx context.Context, q schema.Query) (schema.ResponseEnvelope, error) {
	ctx, cancel, r, err := o.admit(ctx, q)
	if err != nil {
		return schema.ResponseEnvelope{}, err
	}
	defer cancel()

	if err := o.loadSession(ctx, r); err != nil {
		return schema.ResponseEnvelope{}, o.fail(r, err)
	}
	o.classify(r)

	var res cache.Result
	if o.cache != nil {
		res, err = o.cache.Do(ctx, cache.TierAnswer, r.answerKey().Fingerprint(), o.cache.TTLFor(r.decision.Route), func(ctx context.Context) (schema.CachePayload, bool, error) {
			if err := o.pipeline(ctx, r, nil); err != nil {
				return schema.CachePayload{}, false, err
			}
			env := r.envelope
			return schema.CachePayload{Evidence: env.Evidence, RetrievalConfidence: r.retrievalConf, Answer: &env}, r.cacheable(), nil
		})
		o.emitCache(r, cache.TierAnswer, res, err)
	} else if err = o.pipeline(ctx, r, nil); err == nil {
		res.Payload.Answer = &r.envelope
	}
	if err != nil {
		return schema.ResponseEnvelope{}, o.fail(r, err)
	}
	if res.Payload.Answer == nil {
		return schema.ResponseEnvelope{}, o.fail(r, errs.E(errs.KindUnavailable, "orchestrator", errors.New("cached entry carries no answer")))
	}

	env := *res.Payload.Answer
	env.RequestID = r.query.RequestID
	env.SessionID = r.session.ID
	env.CacheHit = res.Hit
	env.Evidence = schema.CloneEvidence(env.Evidence)
	if err := ctx.Err(); err != nil {
		return schema.ResponseEnvelope{}, o.fail(r, errs.Classify("orchestrator", err))
	}
	o.remember(ctx, r, env)
	metrics.ObserveRequest(string(env.Route), string(env.Outcome), r.start)
	return env, nil
}

// Session returns the stored conversation for id.
func (o *Orchestrator) Session(ctx context.Context, id string) (*schema.Session, bool, error) {
	if o.sessions == nil {
		return nil, false, nil
	}
	return o.sessions.Get(ctx, id)
}

// admit validates q and consumes rate budget before any collaborator is
// touched, then applies the overall request deadline.
func (o *Orchestrator) admit(ctx context.Context, q schema.Query) (context.Context, context.CancelFunc, *request, error) {
	if q.RequestID == "" {
		q.RequestID = uuid.NewString()
	}
	role, rc := o.cfg.Role(q.Role)
	allowed := make([]schema.Route, 0, len(rc.AllowedRoutes))
	for _, name := range rc.AllowedRoutes {
		allowed = append(allowed, schema.Route(name))
	}
	if err := o.validate(q, allowed); err != nil {
		logger.Infof("orchestrator: rejected request %s: %v", q.RequestID, err)
		return nil, nil, nil, err
	}
	q.Filters = q.Filters.Normalized()
	if o.limiter != nil {
		if err := o.limiter.Allow(ctx, role); err != nil {
			logger.Infof("orchestrator: request %s rate limited: %v", q.RequestID, err)
			return nil, nil, nil, err
		}
	}

	var cancel context.CancelFunc
	if t := o.cfg.Orchestrator.RequestTimeout(); t > 0 {
		ctx, cancel = context.WithTimeout(ctx, t)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	r := &request{query: q, role: role, allowed: allowed, topK: q.TopK, start: time.Now(), state: StateClassifying}
	if r.topK == 0 {
		r.topK = o.cfg.Retrieval.TopK
	}
	return ctx, cancel, r, nil
}

// loadSession attaches the conversation and resolves the query language. A
// failing session store is bypassed: the request runs on a throwaway session
// and nothing is persisted.
func (o *Orchestrator) loadSession(ctx context.Context, r *request) error {
	var s *schema.Session
	if o.sessions != nil {
		var err error
		s, err = o.sessions.LoadOrCreate(ctx, r.query.SessionID)
		switch {
		case err == nil:
			r.persist = true
		case ctx.Err() != nil:
			return errs.Classify("orchestrator.session", ctx.Err())
		default:
			logger.Warnf("orchestrator: session store unavailable for request %s, continuing without persistence: %v", r.query.RequestID, err)
		}
	}
	if s == nil {
		id := r.query.SessionID
		if id == "" {
			id = uuid.NewString()
		}
		s = &schema.Session{ID: id}
	}
	r.session = s
	r.query.SessionID = s.ID

	lang := r.query.Language
	if lang == "" || strings.EqualFold(lang, schema.LanguageAuto) {
		fallback := s.Language
		if fallback == "" {
			fallback = o.cfg.Gate.DefaultLanguage
		}
		lang = language.Detect(r.query.Text, fallback)
	} else if norm, err := language.Normalize(lang); err == nil {
		lang = norm
	}
	r.query.Language = lang
	return nil
}

func (o *Orchestrator) classify(r *request) {
	r.decision = o.router.Classify(r.query, r.session.Recent(o.router.HistoryWindow()), r.allowed)
	o.emit(metrics.EventRoute, r, map[string]any{
		"route":    string(r.decision.Route),
		"sequence": r.decision.Sequence,
		"reason":   r.decision.Reason,
		"signals":  r.decision.Signals,
	})
	r.to(StateRetrieving)
}

// pipeline drives a classified request to Done or Fallback.
func (o *Orchestrator) pipeline(ctx context.Context, r *request, h *hooks) error {
	for {
		switch r.state {
		case StateRetrieving:
			if err := o.retrieve(ctx, r); err != nil {
				return err
			}
			if h != nil && h.evidence != nil {
				if err := h.evidence(r.evidence); err != nil {
					return err
				}
			}
			if h != nil && !r.decision.Route.BypassesRetrieval() && o.gate.Below(r.retrievalConf) {
				// Nothing streamed can survive the gate; answer with the fallback directly.
				r.skipGeneration = true
				r.to(StateGating)
				continue
			}
			r.to(StateGenerating)
		case StateGenerating:
			if err := o.generate(ctx, r, h); err != nil {
				return err
			}
			r.to(StateGating)
		case StateGating:
			o.decide(r)
		case StateDone, StateFallback:
			return nil
		default:
			return errs.E(errs.KindUnknown, "orchestrator", errors.New("request not classified"))
		}
	}
}

func (o *Orchestrator) retrieve(ctx context.Context, r *request) error {
	if r.decision.Route.BypassesRetrieval() {
		r.evidence, r.retrievalConf = nil, 0
		return nil
	}
	compute := func(ctx context.Context) (schema.CachePayload, bool, error) {
		ev, conf, err := o.retriever.Retrieve(ctx, r.query.Text, r.query.Filters, r.topK)
		if err != nil {
			return schema.CachePayload{}, false, err
		}
		// An empty set references no source, so no ingestion event could evict it.
		return schema.CachePayload{Evidence: ev, RetrievalConfidence: conf}, len(ev) > 0, nil
	}

	var (
		res cache.Result
		err error
	)
	if o.cache != nil {
		res, err = o.cache.Do(ctx, cache.TierEvidence, r.evidenceKey().Fingerprint(), o.cache.RetrievalTTL(), compute)
		o.emitCache(r, cache.TierEvidence, res, err)
	} else {
		res.Payload, _, err = compute(ctx)
	}
	switch {
	case err == nil:
		r.evidence = schema.CloneEvidence(res.Payload.Evidence)
		r.retrievalConf = res.Payload.RetrievalConfidence
	case ctx.Err() != nil:
		return errs.Classify("orchestrator.retrieve", ctx.Err())
	case errs.KindOf(err) == errs.KindInvalidInput:
		return err
	default:
		r.degraded = true
		r.evidence, r.retrievalConf = nil, 0
		logger.Warnf("orchestrator: retrieval failed for request %s, continuing without evidence: %v", r.query.RequestID, err)
	}
	return nil
}

func (o *Orchestrator) generate(ctx context.Context, r *request, h *hooks) error {
	b, err := o.backends.For(r.decision.Route)
	if err != nil {
		r.degraded = true
		logger.Errorf("orchestrator: %v", err)
		return nil
	}
	target := r.query.Filters.TargetLanguage
	if norm, err := language.Normalize(target); err == nil {
		target = norm
	}
	req := backend.Request{
		RequestID:      r.query.RequestID,
		Route:          r.decision.Route,
		Query:          r.query.Text,
		Language:       r.query.Language,
		TargetLanguage: target,
		Evidence:       r.evidence,
		History:        r.session.Recent(o.router.HistoryWindow()),
		Attachments:    r.query.Attachments,
	}

	op := "backend." + string(r.decision.Route)
	var gen backend.Generation
	err = o.policy.Do(ctx, op, func(ctx context.Context) error {
		var err error
		st, canStream := b.(backend.Streamer)
		switch {
		case h != nil && h.token != nil && canStream:
			gen, err = st.Stream(ctx, req, func(tok string) error {
				r.streamed++
				return h.token(tok)
			})
		default:
			gen, err = b.Generate(ctx, req)
			if err == nil && h != nil && h.token != nil && gen.Text != "" {
				r.streamed++
				err = h.token(gen.Text)
			}
		}
		if err != nil && r.streamed > 0 {
			// Tokens already reached the caller; a retry would repeat them.
			return errs.E(errs.KindUnknown, op, err)
		}
		return err
	})
	switch {
	case err == nil:
		r.generation = gen
	case ctx.Err() != nil:
		return errs.Classify("orchestrator.generate", ctx.Err())
	default:
		r.degraded = true
		r.generation = backend.Generation{}
		logger.Warnf("orchestrator: %s failed for request %s, falling back: %v", op, r.query.RequestID, err)
	}
	return nil
}

func (o *Orchestrator) decide(r *request) {
	route := r.decision.Route
	d := o.gate.Evaluate(gating.Input{
		RetrievalConfidence: r.retrievalConf,
		BackendConfidence:   r.generation.Confidence,
		Flags:               r.generation.Flags,
		BypassRetrieval:     route.BypassesRetrieval(),
		EvidenceCount:       len(r.evidence),
		RequestID:           r.query.RequestID,
		Route:               route,
	})
	r.verdict = d

	env := schema.ResponseEnvelope{
		RequestID:  r.query.RequestID,
		SessionID:  r.session.ID,
		Language:   r.query.Language,
		Confidence: d.Combined,
		Evidence:   schema.CloneEvidence(r.evidence),
		Route:      route,
		Outcome:    d.Outcome,
		Reason:     d.Reason,
	}
	if d.Accepted() {
		env.Answer = r.generation.Text
		if route == schema.RouteTranslation && r.query.Filters.TargetLanguage != "" {
			if norm, err := language.Normalize(r.query.Filters.TargetLanguage); err == nil {
				env.Language = norm
			}
		}
	} else {
		env.Answer = o.gate.FallbackMessage(r.query.Language)
		env.Language = o.gate.FallbackLanguage(r.query.Language)
	}
	r.envelope = env

	o.emit(metrics.EventGate, r, map[string]any{
		"route":                string(route),
		"outcome":              string(d.Outcome),
		"reason":               d.Reason,
		"combined":             d.Combined,
		"threshold":            d.Threshold,
		"retrieval_confidence": r.retrievalConf,
		"backend_confidence":   r.generation.Confidence,
		"evidence":             len(r.evidence),
		"degraded":             r.degraded,
	})
	if d.Accepted() {
		r.to(StateDone)
	} else {
		r.to(StateFallback)
	}
}

// remember appends the exchange to the session. Cancelled requests and
// unreachable stores leave the session untouched.
func (o *Orchestrator) remember(ctx context.Context, r *request, env schema.ResponseEnvelope) {
	if o.sessions == nil || !r.persist || ctx.Err() != nil {
		return
	}
	now := time.Now()
	turns := []schema.Turn{
		{Role: schema.RoleUser, Content: r.query.Text, Language: r.query.Language, Timestamp: now},
		{Role: schema.RoleAssistant, Content: env.Answer, Language: env.Language, Timestamp: now, Route: env.Route},
	}
	if _, err := o.sessions.AppendTurn(ctx, r.session.ID, turns...); err != nil {
		logger.Warnf("orchestrator: session %s not updated for request %s: %v", r.session.ID, r.query.RequestID, err)
	}
}

func (o *Orchestrator) fail(r *request, err error) error {
	route := string(r.decision.Route)
	if route == "" {
		route = "none"
	}
	metrics.ObserveRequest(route, errs.KindOf(err).String(), r.start)
	logger.Infof("orchestrator: request %s ended in %s: %v", r.query.RequestID, r.state, err)
	return err
}

func (o *Orchestrator) emit(typ string, r *request, fields map[string]any) {
	o.audit.Emit(metrics.Event{Type: typ, RequestID: r.query.RequestID, Time: time.Now(), Fields: fields})
}

func (o *Orchestrator) emitCache(r *request, tier string, res cache.Result, err error) {
	outcome := "miss"
	switch {
	case res.Hit:
		outcome = "hit"
	case res.Shared:
		outcome = "shared"
	}
	fields := map[string]any{"tier": tier, "outcome": outcome, "route": string(r.decision.Route)}
	if err != nil {
		fields["error"] = err.Error()
	}
	o.emit(metrics.EventCache, r, fields)
}
