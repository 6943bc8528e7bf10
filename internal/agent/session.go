package agent

import (
	"sync"
	"time"

	"github.com/mtzanidakis/crew/internal/fleet"
)

type Session struct {
	AgentID    fleet.AgentID `json:"agent_id"`
	SessionID  string        `json:"session_id"`
	Turns      int           `json:"turns"`
	Pending    int           `json:"pending"`
	StartedAt  time.Time     `json:"started_at"`
	LastActive time.Time     `json:"last_active"`
}

// SessionTracker records backend session activity per agent.
type SessionTracker struct {
	sessions map[fleet.AgentID]*Session
	mu       sync.RWMutex
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		sessions: make(map[fleet.AgentID]*Session),
	}
}

func (t *SessionTracker) Start(id fleet.AgentID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.sessions[id] = &Session{AgentID: id, SessionID: sessionID, StartedAt: now, LastActive: now}
}

func (t *SessionTracker) Get(id fleet.AgentID) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

func (t *SessionTracker) Remove(id fleet.AgentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// Touch records activity. A non-empty sessionID replaces the recorded one,
// since backends may assign their own.
func (t *SessionTracker) Touch(id fleet.AgentID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		s.LastActive = time.Now()
		if sessionID != "" {
			s.SessionID = sessionID
		}
	}
}

// EndTurn counts a completed turn and records the queue depth behind it.
func (t *SessionTracker) EndTurn(id fleet.AgentID, pending int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		s.Turns++
		s.Pending = pending
		s.LastActive = time.Now()
	}
}
