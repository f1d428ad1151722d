// Package mock provides a scripted agent runtime for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/zjrosen/strand/internal/agent"
)

// DefaultMaxSessions mirrors the cap a real runtime enforces.
const DefaultMaxSessions = 50

// Session is a scripted agent session. Every Send records the message
// and replays the configured script.
type Session struct {
	id  string
	cwd string

	mu     sync.Mutex
	script []agent.StreamEvent
	sent   []string
	closed bool
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Cwd returns the working directory the session was created with.
func (s *Session) Cwd() string { return s.cwd }

// Send records the message and streams the scripted events.
func (s *Session) Send(ctx context.Context, text string) (<-chan agent.StreamEvent, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s is closed", s.id)
	}
	s.sent = append(s.sent, text)
	script := make([]agent.StreamEvent, len(s.script))
	copy(script, s.script)
	s.mu.Unlock()

	out := make(chan agent.StreamEvent, len(script))
	go func() {
		defer close(out)
		for _, ev := range script {
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
	}()
	return out, nil
}

// Close marks the session closed. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Sent returns the messages received so far.
func (s *Session) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// Manager is a scripted runtime implementing agent.Manager and
// agent.Creator. New sessions replay Script on every Send.
type Manager struct {
	// Script is copied into each new session.
	Script []agent.StreamEvent
	// MaxSessions caps concurrent sessions. Zero means DefaultMaxSessions.
	MaxSessions int
	// CreateErr, when set, fails every creation. Simulates a runtime
	// that is down or at capacity.
	CreateErr error

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty scripted runtime.
func NewManager(script ...agent.StreamEvent) *Manager {
	return &Manager{
		Script:   script,
		sessions: make(map[string]*Session),
	}
}

// Ensure returns the named session, creating it if absent.
func (m *Manager) Ensure(_ context.Context, sessionID, cwd string) (agent.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s, nil
	}
	return m.addLocked(sessionID, cwd)
}

// Get returns a live session without creating one.
func (m *Manager) Get(sessionID string) (agent.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// CreateSession mints a session with a fresh id.
func (m *Manager) CreateSession(_ context.Context, cwd string) (agent.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked("sess-"+ulid.Make().String(), cwd)
}

func (m *Manager) addLocked(id, cwd string) (*Session, error) {
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	max := m.MaxSessions
	if max <= 0 {
		max = DefaultMaxSessions
	}
	if len(m.sessions) >= max {
		return nil, fmt.Errorf("session cap reached (%d)", max)
	}
	s := &Session{id: id, cwd: cwd, script: m.Script}
	m.sessions[id] = s
	return s, nil
}

// Shutdown closes every session.
func (m *Manager) Shutdown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		_ = s.Close()
	}
	return nil
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

var (
	_ agent.Manager = (*Manager)(nil)
	_ agent.Creator = (*Manager)(nil)
	_ agent.Session = (*Session)(nil)
)
