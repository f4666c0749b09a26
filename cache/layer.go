package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// Tiers.
const (
	TierEvidence = "evidence"
	TierAnswer   = "answer"
)

// Compute produces a payload on a miss. cacheable=false returns the payload
// to every waiter without storing it.
type Compute func(ctx context.Context) (payload schema.CachePayload, cacheable bool, err error)

// Result is the outcome of Do.
type Result struct {
	Payload schema.CachePayload
	Hit     bool // served from the store
	Shared  bool // produced by another caller's in-flight computation
}

// Layer is a content-addressed cache in front of retrieval and answers.
// Concurrent misses for one fingerprint coalesce into a single computation
// in-process, and across instances through a short store-side lease.
type Layer struct {
	store          Store
	group          singleflight.Group
	retrievalTTL   time.Duration
	translationTTL time.Duration
	lease          time.Duration
	leasePoll      time.Duration
	owner          string
	now            func() time.Time
}

// NewLayer builds a Layer over store.
func NewLayer(store Store, cfg config.CacheConfig) *Layer {
	l := &Layer{
		store:          store,
		retrievalTTL:   cfg.RetrievalTTL(),
		translationTTL: cfg.TranslationTTL(),
		lease:          cfg.Lease(),
		leasePoll:      cfg.LeasePoll(),
		owner:          uuid.NewString(),
		now:            time.Now,
	}
	if l.retrievalTTL <= 0 {
		l.retrievalTTL = time.Hour
	}
	if l.translationTTL <= 0 {
		l.translationTTL = 24 * time.Hour
	}
	if l.leasePoll <= 0 {
		l.leasePoll = 50 * time.Millisecond
	}
	return l
}

// SetClock replaces time.Now for entry expiry checks.
func (l *Layer) SetClock(now func() time.Time) { l.now = now }

// TTLFor returns the lifetime of answers produced by route.
func (l *Layer) TTLFor(route schema.Route) time.Duration {
	if route == schema.RouteTranslation {
		return l.translationTTL
	}
	return l.retrievalTTL
}

// RetrievalTTL is the lifetime of evidence entries.
func (l *Layer) RetrievalTTL() time.Duration { return l.retrievalTTL }

// Get returns the live entry for fingerprint. Entries past their TTL are
// never returned.
func (l *Layer) Get(ctx context.Context, fingerprint string) (*schema.CacheEntry, bool, error) {
	b, ok, err := l.store.Get(ctx, fingerprint)
	if err != nil || !ok {
		return nil, false, err
	}
	var e schema.CacheEntry
	if err := json.Unmarshal(b, &e); err != nil {
		_ = l.store.Delete(ctx, fingerprint)
		return nil, false, fmt.Errorf("decode cache entry: %w", err)
	}
	if !e.Valid || e.Expired(l.now()) {
		_ = l.store.Delete(ctx, fingerprint)
		return nil, false, nil
	}
	return &e, true, nil
}

// Put stores payload under fingerprint for ttl and indexes it by every
// source id the payload references.
func (l *Layer) Put(ctx context.Context, fingerprint string, payload schema.CachePayload, ttl time.Duration) error {
	b, err := l.encode(fingerprint, payload, ttl)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, fingerprint, b, ttl, payload.SourceIDs())
}

func (l *Layer) encode(fingerprint string, payload schema.CachePayload, ttl time.Duration) ([]byte, error) {
	e := schema.CacheEntry{
		Fingerprint: fingerprint,
		Payload:     payload,
		CreatedAt:   l.now(),
		TTL:         ttl,
		Valid:       true,
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return b, nil
}

// Generation is a snapshot of the store's invalidation generation. Take it
// before computing a payload and store the payload with PutIfCurrent.
type Generation struct {
	value uint64
	ok    bool
}

// Snapshot returns the current generation. A store failure yields a
// snapshot that never permits a write.
func (l *Layer) Snapshot(ctx context.Context) Generation {
	g, err := l.store.Generation(ctx)
	if err != nil {
		logger.Warnf("cache: read generation, results will not be stored: %v", err)
		return Generation{}
	}
	return Generation{value: g, ok: true}
}

// PutIfCurrent is Put for a payload computed since gen. It stores nothing
// when a source the payload references was invalidated in the meantime, on
// this instance or any other sharing the store, and reports whether it stored.
func (l *Layer) PutIfCurrent(ctx context.Context, gen Generation, fingerprint string, payload schema.CachePayload, ttl time.Duration) (bool, error) {
	if !gen.ok {
		return false, nil
	}
	b, err := l.encode(fingerprint, payload, ttl)
	if err != nil {
		return false, err
	}
	return l.store.SetIfCurrent(ctx, fingerprint, b, ttl, payload.SourceIDs(), gen.value)
}

// Invalidate evicts every entry referencing any of sourceIDs and returns
// how many were removed.
func (l *Layer) Invalidate(ctx context.Context, sourceIDs ...string) (int, error) {
	var result *multierror.Error
	total := 0
	for _, id := range sourceIDs {
		n, err := l.store.Invalidate(ctx, id)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		total += n
	}
	if total > 0 {
		logger.Infof("cache: invalidated %d entries for %d sources", total, len(sourceIDs))
	}
	return total, result.ErrorOrNil()
}

// Purge drops every entry.
func (l *Layer) Purge(ctx context.Context) error {
	return l.store.Purge(ctx)
}

// Do returns the cached payload for fingerprint or computes it exactly once
// among concurrent callers. Store failures are logged and bypassed. When a
// shared computation fails, each waiter retries once on its own.
func (l *Layer) Do(ctx context.Context, tier, fingerprint string, ttl time.Duration, compute Compute) (Result, error) {
	if e, ok := l.lookup(ctx, tier, fingerprint); ok {
		return Result{Payload: e.Payload, Hit: true}, nil
	}

	leader := false
	ch := l.group.DoChan(tier+":"+fingerprint, func() (interface{}, error) {
		leader = true
		return l.fill(ctx, tier, fingerprint, ttl, compute)
	})
	select {
	case <-ctx.Done():
		return Result{}, errs.Classify("cache."+tier, ctx.Err())
	case r := <-ch:
		if r.Err == nil {
			res := r.Val.(Result)
			if !leader {
				res.Shared = true
				metrics.IncCache(tier, "shared")
			}
			return res, nil
		}
		if leader || ctx.Err() != nil || errs.KindOf(r.Err) == errs.KindInvalidInput {
			return Result{}, r.Err
		}
		logger.Debugf("cache: shared %s computation failed, retrying alone: %v", tier, r.Err)
		p, _, err := compute(ctx)
		if err != nil {
			return Result{}, err
		}
		return Result{Payload: p}, nil
	}
}

func (l *Layer) lookup(ctx context.Context, tier, fingerprint string) (*schema.CacheEntry, bool) {
	e, ok, err := l.Get(ctx, fingerprint)
	switch {
	case err != nil:
		metrics.IncCache(tier, "error")
		logger.Warnf("cache: %s lookup failed, bypassing: %v", tier, err)
		return nil, false
	case ok:
		metrics.IncCache(tier, "hit")
		return e, true
	default:
		metrics.IncCache(tier, "miss")
		return nil, false
	}
}

func (l *Layer) fill(ctx context.Context, tier, fingerprint string, ttl time.Duration, compute Compute) (Result, error) {
	gen := l.Snapshot(ctx)

	if l.lease > 0 {
		leaseKey := "lease:" + fingerprint
		token := []byte(l.owner)
		acquired, err := l.store.SetNX(ctx, leaseKey, token, l.lease)
		switch {
		case err != nil:
			logger.Warnf("cache: lease for %s unavailable, computing anyway: %v", tier, err)
		case acquired:
			defer func() {
				// The lease must go even if the request was cancelled.
				rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
				defer cancel()
				if _, err := l.store.CompareAndDelete(rctx, leaseKey, token); err != nil {
					logger.Warnf("cache: release lease: %v", err)
				}
			}()
		default:
			if e, ok := l.await(ctx, fingerprint); ok {
				metrics.IncCache(tier, "hit")
				return Result{Payload: e.Payload, Hit: true}, nil
			}
		}
	}

	payload, cacheable, err := compute(ctx)
	if err != nil {
		return Result{}, err
	}
	if !cacheable || ctx.Err() != nil {
		return Result{Payload: payload}, nil
	}
	stored, err := l.PutIfCurrent(ctx, gen, fingerprint, payload, ttl)
	switch {
	case err != nil:
		metrics.IncCache(tier, "error")
		logger.Warnf("cache: %s write failed, continuing uncached: %v", tier, err)
	case !stored:
		logger.Debugf("cache: source invalidated during %s computation, not storing", tier)
	}
	return Result{Payload: payload}, nil
}

// await polls for another instance's result until the lease would expire.
func (l *Layer) await(ctx context.Context, fingerprint string) (*schema.CacheEntry, bool) {
	deadline := time.NewTimer(l.lease)
	defer deadline.Stop()
	tick := time.NewTicker(l.leasePoll)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		case <-tick.C:
			if e, ok, err := l.Get(ctx, fingerprint); err == nil && ok {
				return e, true
			}
		}
	}
}
