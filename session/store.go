package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/schema"
)

// ErrConflict reports that the stored session changed since it was read.
var ErrConflict = errors.New("session modified concurrently")

// AnyVersion makes Delete unconditional.
const AnyVersion int64 = -1

// Store is durable session persistence keyed by session id. Writes are
// compare-and-set on Session.Version so instances sharing a store never
// overwrite each other; implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, id string) (*schema.Session, bool, error)
	// Save replaces the session only while the stored version equals
	// s.Version, zero meaning absent, and then advances s.Version.
	// Otherwise it returns ErrConflict and leaves s untouched.
	Save(ctx context.Context, s *schema.Session) error
	// Delete removes id while its stored version equals version, or
	// unconditionally for AnyVersion, and reports whether it did.
	Delete(ctx context.Context, id string, version int64) (bool, error)
	// Idle lists ids whose last activity is before cutoff, oldest first.
	// limit <= 0 means no limit.
	Idle(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	Close() error
}

// MemStore keeps sessions in memory. It does not survive a restart and is
// meant for tests and single-process development.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]*schema.Session
}

func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]*schema.Session)}
}

func (m *MemStore) Get(_ context.Context, id string) (*schema.Session, bool, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (m *MemStore) Save(_ context.Context, s *schema.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur int64
	if stored, ok := m.sessions[s.ID]; ok {
		cur = stored.Version
	}
	if cur != s.Version {
		return ErrConflict
	}
	next := s.Clone()
	next.Version++
	m.sessions[s.ID] = next
	s.Version = next.Version
	return nil
}

func (m *MemStore) Delete(_ context.Context, id string, version int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || (version != AnyVersion && s.Version != version) {
		return false, nil
	}
	delete(m.sessions, id)
	return true, nil
}

func (m *MemStore) Idle(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	idle := make([]*schema.Session, 0)
	for _, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()
	sort.Slice(idle, func(i, j int) bool { return idle[i].LastActivity.Before(idle[j].LastActivity) })
	if limit > 0 && len(idle) > limit {
		idle = idle[:limit]
	}
	out := make([]string, len(idle))
	for i, s := range idle {
		out[i] = s.ID
	}
	return out, nil
}

// Len returns the number of stored sessions.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemStore) Close() error { return nil }
