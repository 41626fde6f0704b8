package call

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned for lookups of unknown or absent sessions.
var ErrNotFound = errors.New("call: session not found")

// Store persists call sessions. Everything returned is a copy; Update
// is the only mutation path so concurrent readers stay consistent.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)

	// Active returns the one non-terminal session, or ErrNotFound.
	Active(ctx context.Context) (*Session, error)

	// List returns sessions sorted by start time, newest first.
	List(ctx context.Context, limit, offset int) ([]*Session, error)

	// Update applies fn to the stored session under the store's lock
	// and returns the resulting copy. An error from fn aborts the
	// update.
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
}

// MemoryStore keeps sessions in a map. Call history does not survive a
// restart; durable persistence is out of scope.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return errors.New("call: session already exists")
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Active(ctx context.Context) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Active() {
			return s.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Session, error) {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].StartedAt.After(all[j].StartedAt)
	})

	if offset >= len(all) {
		return []*Session{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}
