package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/tokenizer"
)

// ErrTurnTooLarge is returned when a single turn exceeds its share of the
// token budget, max_tokens / keep_recent.
var ErrTurnTooLarge = errs.E(errs.KindInvalidInput, "session.append", errors.New("turn exceeds session token budget"))

// maxSaveAttempts bounds the reload-and-reapply rounds of one mutation when
// other instances keep writing the same session.
const maxSaveAttempts = 16

// Manager owns per-conversation state. Mutations of one session are
// serialized in-process and compare-and-set against the store, so managers
// on different instances sharing a store never lose each other's writes.
type Manager struct {
	store      Store
	counter    tokenizer.Counter
	idle       time.Duration
	sweepEvery time.Duration
	maxTurns   int
	maxTokens  int
	keepRecent int
	turnLimit  int
	locks      *keyedMutex
	now        func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager over store. A nil counter counts words.
func NewManager(store Store, cfg config.SessionConfig, counter tokenizer.Counter, opts ...Option) *Manager {
	if counter == nil {
		counter = tokenizer.Words{}
	}
	m := &Manager{
		store:      store,
		counter:    counter,
		idle:       cfg.IdleTimeout(),
		sweepEvery: cfg.SweepInterval(),
		maxTurns:   cfg.MaxTurns,
		maxTokens:  cfg.MaxTokens,
		keepRecent: cfg.KeepRecent,
		locks:      newKeyedMutex(),
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if m.idle <= 0 {
		m.idle = 30 * time.Minute
	}
	if m.sweepEvery <= 0 {
		m.sweepEvery = time.Minute
	}
	if m.keepRecent < 1 {
		m.keepRecent = 1
	}
	if m.maxTurns > 0 && m.keepRecent > m.maxTurns {
		m.keepRecent = m.maxTurns
	}
	// Capping every turn at its share of the budget lets the newest
	// keepRecent turns always fit, so truncation never goes below them.
	if m.maxTokens > 0 {
		m.turnLimit = m.maxTokens / m.keepRecent
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// LoadOrCreate returns the session for id, creating it on first reference.
// An empty id creates a session with a fresh id. A stored session already
// idle past the timeout is treated as evicted and replaced.
func (m *Manager) LoadOrCreate(ctx context.Context, id string) (*schema.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	created := false
	s, err := m.mutate(ctx, id, func(cur *schema.Session) *schema.Session {
		created = cur == nil
		if !created {
			return nil
		}
		now := m.now()
		return &schema.Session{ID: id, Turns: []schema.Turn{}, CreatedAt: now, LastActivity: now}
	})
	if err != nil {
		return nil, err
	}
	if created {
		logger.Debugf("session: created %s", id)
	}
	return s, nil
}

// Get returns the stored session without creating one.
func (m *Manager) Get(ctx context.Context, id string) (*schema.Session, bool, error) {
	s, err := m.load(ctx, id)
	if err != nil || s == nil {
		return nil, false, err
	}
	return s, true, nil
}

func (m *Manager) load(ctx context.Context, id string) (*schema.Session, error) {
	for {
		s, ok, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, errs.Classify("session.get", err)
		}
		if !ok {
			return nil, nil
		}
		idle := m.now().Sub(s.LastActivity)
		if idle <= m.idle {
			return s, nil
		}
		deleted, err := m.store.Delete(ctx, id, s.Version)
		if err != nil {
			return nil, errs.Classify("session.delete", err)
		}
		if !deleted {
			// Refreshed or removed by another instance; look again.
			continue
		}
		metrics.AddSessionEvictions("idle", 1)
		logger.Infof("session: %s expired on load after %v idle", id, idle.Truncate(time.Second))
		return nil, nil
	}
}

// mutate applies fn to the current session, nil when absent, and stores
// what fn returns; a nil result stores nothing and returns the current
// session. When another writer saved in between, fn is reapplied to a fresh
// copy.
func (m *Manager) mutate(ctx context.Context, id string, fn func(cur *schema.Session) *schema.Session) (*schema.Session, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	for attempt := 1; ; attempt++ {
		cur, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}
		next := fn(cur)
		if next == nil {
			return cur, nil
		}
		err = m.store.Save(ctx, next)
		if err == nil {
			return next.Clone(), nil
		}
		if !errors.Is(err, ErrConflict) || attempt == maxSaveAttempts {
			return nil, errs.Classify("session.save", err)
		}
		logger.Debugf("session: %s changed concurrently, reapplying (attempt %d)", id, attempt)
	}
}

// AppendTurn appends turns in order and persists the result in one write.
// The oldest turns are dropped until the session fits both the turn and the
// token budget; the newest keep_recent turns are always kept.
func (m *Manager) AppendTurn(ctx context.Context, id string, turns ...schema.Turn) (*schema.Session, error) {
	if id == "" {
		return nil, errs.Invalidf("session.append", "session id is required")
	}
	for i := range turns {
		if turns[i].Tokens <= 0 {
			turns[i].Tokens = m.counter.Count(turns[i].Content)
		}
		if m.turnLimit > 0 && turns[i].Tokens > m.turnLimit {
			return nil, fmt.Errorf("%w: %d > %d tokens", ErrTurnTooLarge, turns[i].Tokens, m.turnLimit)
		}
	}

	dropped := 0
	s, err := m.mutate(ctx, id, func(s *schema.Session) *schema.Session {
		now := m.now()
		if s == nil {
			s = &schema.Session{ID: id, CreatedAt: now}
		}
		for _, t := range turns {
			if t.Timestamp.IsZero() {
				t.Timestamp = now
			}
			if s.Language == "" && t.Role == schema.RoleUser && t.Language != "" {
				s.Language = t.Language
			}
			s.Turns = append(s.Turns, t)
		}
		dropped = m.truncate(s)
		s.LastActivity = now
		return s
	})
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		metrics.AddSessionEvictions("truncated_turn", dropped)
		logger.Debugf("session: %s dropped %d oldest turns (turns=%d tokens=%d)", id, dropped, len(s.Turns), s.TokenCount)
	}
	return s, nil
}

// truncate drops turns from the front and recomputes TokenCount. It never
// drops into the newest keepRecent turns, which fit the token budget by
// the per-turn limit.
func (m *Manager) truncate(s *schema.Session) int {
	total := 0
	for _, t := range s.Turns {
		total += t.Tokens
	}
	over := func() bool {
		return (m.maxTurns > 0 && len(s.Turns) > m.maxTurns) || (m.maxTokens > 0 && total > m.maxTokens)
	}
	drop := 0
	for over() && len(s.Turns)-drop > m.keepRecent {
		total -= s.Turns[drop].Tokens
		drop++
	}
	if drop > 0 {
		s.Turns = append([]schema.Turn(nil), s.Turns[drop:]...)
	}
	s.TokenCount = total
	return drop
}

// Touch refreshes the last-activity time. Unknown ids are ignored.
func (m *Manager) Touch(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	_, err := m.mutate(ctx, id, func(s *schema.Session) *schema.Session {
		if s == nil {
			return nil
		}
		s.LastActivity = m.now()
		return s
	})
	return err
}

// Sweep evicts every session idle beyond the timeout regardless of its turn
// count, and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.idle)
	ids, err := m.store.Idle(ctx, cutoff, 0)
	if err != nil {
		return 0, errs.Classify("session.sweep", err)
	}
	n := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		evicted, err := m.evictIfIdle(ctx, id, cutoff)
		if err != nil {
			logger.Warnf("session: sweep %s failed: %v", id, err)
			continue
		}
		if evicted {
			n++
		}
	}
	if n > 0 {
		metrics.AddSessionEvictions("idle", n)
		logger.Infof("session: swept %d idle sessions", n)
	}
	return n, nil
}

func (m *Manager) evictIfIdle(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()
	s, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if ok && !s.LastActivity.Before(cutoff) {
		return false, nil
	}
	// Missing sessions may still have an index entry (expired Redis key).
	// A present one is only removed at the version judged idle, so a
	// refresh from another instance in between wins.
	version := AnyVersion
	if ok {
		version = s.Version
	}
	deleted, err := m.store.Delete(ctx, id, version)
	return ok && deleted, err
}

// Start runs Sweep periodically until Stop is called or ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go func() {
			defer close(m.done)
			ticker := time.NewTicker(m.sweepEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.stop:
					return
				case <-ticker.C:
					if _, err := m.Sweep(ctx); err != nil {
						logger.Warnf("session: sweep failed: %v", err)
					}
				}
			}
		}()
	})
}

// Stop ends the background sweep and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	started := true
	m.startOnce.Do(func() { started = false })
	if started {
		<-m.done
	}
}

// Close stops the sweeper and closes the store.
func (m *Manager) Close() error {
	m.Stop()
	return m.store.Close()
}
