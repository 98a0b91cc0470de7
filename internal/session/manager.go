package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// EndReason records why a session ended.
type EndReason string

const (
	EndReasonClient       EndReason = "client"
	EndReasonIdleTimeout  EndReason = "idle_timeout"
	EndReasonMaxDuration  EndReason = "max_duration"
	EndReasonExpired      EndReason = "expired"
	EndReasonDisconnected EndReason = "disconnected"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrEnded           = errors.New("session already ended")
	ErrAlreadyAttached = errors.New("session already has a live connection")
)

const (
	defaultEndedRetention = 15 * time.Minute
	maxEndedRetained      = 4096
)

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	PersonaID      string    `json:"persona_id"`
	VoiceID        string    `json:"voice_id"`
	Attached       bool      `json:"attached"`
	IdleWarnings   int       `json:"idle_warnings"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitzero"`
	EndReason      EndReason `json:"end_reason,omitempty"`
}

// Manager is the registry of live sessions. Ended sessions stay readable for
// a retention window so clients can learn why a session closed.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByUser     map[string]string
	done              map[string]chan struct{}
	ended             *expirable.LRU[string, *Session]
	unattachedTimeout time.Duration
	onExpire          func(*Session)
}

// NewManager creates a registry. unattachedTimeout bounds how long a created
// session may wait for its first connection.
func NewManager(unattachedTimeout time.Duration) *Manager {
	if unattachedTimeout <= 0 {
		unattachedTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByUser:     make(map[string]string),
		done:              make(map[string]chan struct{}),
		ended:             expirable.NewLRU[string, *Session](maxEndedRetained, nil, defaultEndedRetention),
		unattachedTimeout: unattachedTimeout,
	}
}

// SetEndedRetention replaces the ended-session window. Previously retained
// sessions are dropped.
func (m *Manager) SetEndedRetention(d time.Duration) {
	if d <= 0 {
		d = defaultEndedRetention
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = expirable.NewLRU[string, *Session](maxEndedRetained, nil, d)
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(userID, personaID, voiceID string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		PersonaID:      personaID,
		VoiceID:        voiceID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	m.done[s.ID] = make(chan struct{})
	if userID != "" {
		m.sessionByUser[userID] = s.ID
	}
	return clone(s)
}

// Get returns a live session or a retained ended one.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[sessionID]; ok {
		return clone(s), nil
	}
	if s, ok := m.ended.Get(sessionID); ok {
		return clone(s), nil
	}
	return nil, ErrNotFound
}

// Done returns a channel that is closed when the live session ends, however
// it ends.
func (m *Manager) Done(sessionID string) (<-chan struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ch, ok := m.done[sessionID]; ok {
		return ch, nil
	}
	if _, ok := m.ended.Get(sessionID); ok {
		return nil, ErrEnded
	}
	return nil, ErrNotFound
}

// ActiveForUser returns the user's live session, if any.
func (m *Manager) ActiveForUser(userID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionByUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(s *Session) error {
		s.LastActivityAt = time.Now().UTC()
		return nil
	})
}

// Attach marks the session as served by a live connection. Attached sessions
// are governed by their activity monitor instead of the janitor.
func (m *Manager) Attach(sessionID string) error {
	return m.update(sessionID, func(s *Session) error {
		if s.Attached {
			return ErrAlreadyAttached
		}
		s.Attached = true
		s.LastActivityAt = time.Now().UTC()
		return nil
	})
}

func (m *Manager) Detach(sessionID string) error {
	return m.update(sessionID, func(s *Session) error {
		s.Attached = false
		s.LastActivityAt = time.Now().UTC()
		return nil
	})
}

func (m *Manager) RecordWarning(sessionID string) error {
	return m.update(sessionID, func(s *Session) error {
		s.IdleWarnings++
		return nil
	})
}

// End closes a live session. Ending an already ended session returns ErrEnded
// together with the retained record.
func (m *Manager) End(sessionID string, reason EndReason) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		if old, ok := m.ended.Get(sessionID); ok {
			return clone(old), ErrEnded
		}
		return nil, ErrNotFound
	}
	m.endLocked(s, reason, time.Now().UTC())
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireUnattached()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) update(sessionID string, fn func(*Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		if _, ended := m.ended.Get(sessionID); ended {
			return ErrEnded
		}
		return ErrNotFound
	}
	return fn(s)
}

func (m *Manager) expireUnattached() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Attached || now.Sub(s.LastActivityAt) < m.unattachedTimeout {
			continue
		}
		m.endLocked(s, EndReasonExpired, now)
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) endLocked(s *Session, reason EndReason, now time.Time) {
	s.Status = StatusEnded
	s.Attached = false
	s.EndReason = reason
	s.EndedAt = now
	s.LastActivityAt = now
	delete(m.sessions, s.ID)
	if ch, ok := m.done[s.ID]; ok {
		close(ch)
		delete(m.done, s.ID)
	}
	if s.UserID != "" && m.sessionByUser[s.UserID] == s.ID {
		delete(m.sessionByUser, s.UserID)
	}
	m.ended.Add(s.ID, s)
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
