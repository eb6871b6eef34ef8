package upload

import (
	"context"
	"sync"
	"time"

	"alcyxob/fitness-media/internal/domain"
)

// SessionStore holds in-progress upload sessions. Implementations serialize access per
// session and must not block operations on one session behind another.
type SessionStore interface {
	Create(ctx context.Context, s domain.UploadSession) error

	// Mutate runs fn on a copy of the session under the session's lock. The copy replaces
	// the stored session only when fn returns nil.
	Mutate(ctx context.Context, id string, fn func(s *domain.UploadSession) error) error

	// Remove deletes the session under its lock if fn (when non-nil) returns nil, and
	// returns the removed session.
	Remove(ctx context.Context, id string, fn func(s *domain.UploadSession) error) (domain.UploadSession, error)

	// RemoveExpired deletes every session expired at now and returns them.
	RemoveExpired(ctx context.Context, now time.Time) ([]domain.UploadSession, error)
}

type sessionEntry struct {
	mu      sync.Mutex
	session domain.UploadSession
	removed bool
}

// MemorySessionStore keeps sessions in process memory. The map lock is held only to find an
// entry; work on a session happens under that entry's own lock.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*sessionEntry)}
}

func (m *MemorySessionStore) Create(ctx context.Context, s domain.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrSessionExists
	}
	m.sessions[s.ID] = &sessionEntry{session: s}
	return nil
}

func (m *MemorySessionStore) entry(id string) (*sessionEntry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

func (m *MemorySessionStore) Mutate(ctx context.Context, id string, fn func(s *domain.UploadSession) error) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrSessionNotFound
	}
	s := e.session
	if err := fn(&s); err != nil {
		return err
	}
	e.session = s
	return nil
}

func (m *MemorySessionStore) Remove(ctx context.Context, id string, fn func(s *domain.UploadSession) error) (domain.UploadSession, error) {
	e, err := m.entry(id)
	if err != nil {
		return domain.UploadSession{}, err
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return domain.UploadSession{}, ErrSessionNotFound
	}
	s := e.session
	if fn != nil {
		if err := fn(&s); err != nil {
			e.mu.Unlock()
			return domain.UploadSession{}, err
		}
	}
	e.removed = true
	e.mu.Unlock()

	m.drop(id, e)
	return s, nil
}

func (m *MemorySessionStore) RemoveExpired(ctx context.Context, now time.Time) ([]domain.UploadSession, error) {
	m.mu.RLock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var expired []domain.UploadSession
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		// Expiry is re-checked under the entry lock; a concurrent append that got there first
		// has already pushed ExpiresAt forward.
		e.mu.Lock()
		if e.removed || !e.session.Expired(now) {
			e.mu.Unlock()
			continue
		}
		e.removed = true
		s := e.session
		e.mu.Unlock()

		m.drop(s.ID, e)
		expired = append(expired, s)
	}
	return expired, nil
}

func (m *MemorySessionStore) drop(id string, e *sessionEntry) {
	m.mu.Lock()
	if m.sessions[id] == e {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
}

// Len reports how many sessions are held.
func (m *MemorySessionStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
