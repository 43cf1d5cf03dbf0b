package session

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Manager is the table of live sessions across all transports.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   zerolog.Logger
}

func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// Open returns the session with id, creating it if needed.
func (m *Manager) Open(id, transport string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := New(id, transport)
	m.sessions[id] = s
	m.logger.Debug().Str("session", id).Str("transport", transport).Msg("session opened")
	return s
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close removes the session and cancels its open requests.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	open := s.Open()
	s.Close()
	m.logger.Debug().Str("session", id).Int("cancelled_requests", open).Msg("session closed")
}

// CloseAll closes every session and returns them so callers can wait for
// their requests to finish.
func (m *Manager) CloseAll() []*Session {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
	return all
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns the live sessions ordered by creation time.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
