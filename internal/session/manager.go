package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Info is the registry view of a live chat session.
type Info struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	Actions        int       `json:"actions"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Builder assembles the chat session for a new registry entry.
type Builder func(ctx context.Context, id, userID string) (*ChatSession, error)

type entry struct {
	info Info
	chat *ChatSession
}

type Manager struct {
	build Builder

	mu                sync.RWMutex
	sessions          map[string]*entry
	sessionByUser     map[string]string
	inactivityTimeout time.Duration
	onExpire          func(Info)
}

func NewManager(inactivityTimeout time.Duration, build Builder) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	if build == nil {
		build = func(ctx context.Context, id, userID string) (*ChatSession, error) {
			return New(ctx, Config{ID: id, UserID: userID})
		}
	}
	return &Manager{
		build:             build,
		sessions:          make(map[string]*entry),
		sessionByUser:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create returns the user's active session, building one when none is live.
func (m *Manager) Create(ctx context.Context, userID string) (Info, error) {
	if userID != "" {
		m.mu.Lock()
		if id, ok := m.sessionByUser[userID]; ok {
			if e, ok := m.sessions[id]; ok && e.info.Status == StatusActive {
				e.info.LastActivityAt = time.Now().UTC()
				info := e.info
				m.mu.Unlock()
				return info, nil
			}
		}
		m.mu.Unlock()
	}

	id := uuid.NewString()
	cs, err := m.build(ctx, id, userID)
	if err != nil {
		return Info{}, fmt.Errorf("build session: %w", err)
	}
	now := time.Now().UTC()
	e := &entry{
		info: Info{
			ID:             id,
			UserID:         userID,
			Status:         StatusActive,
			StartedAt:      now,
			LastActivityAt: now,
		},
		chat: cs,
	}

	m.mu.Lock()
	if userID != "" {
		if prev, ok := m.sessionByUser[userID]; ok {
			if pe, ok := m.sessions[prev]; ok && pe.info.Status == StatusActive {
				pe.info.LastActivityAt = now
				info := pe.info
				m.mu.Unlock()
				cs.Close()
				return info, nil
			}
		}
		m.sessionByUser[userID] = id
	}
	m.sessions[id] = e
	m.mu.Unlock()
	return e.info, nil
}

func (m *Manager) Get(sessionID string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return Info{}, ErrNotFound
	}
	return e.info, nil
}

// Chat returns the live chat session and records activity on it.
func (m *Manager) Chat(sessionID string) (*ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.info.Status != StatusActive {
		return nil, ErrNotFound
	}
	e.info.Actions++
	e.info.LastActivityAt = time.Now().UTC()
	return e.chat, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.info.LastActivityAt = time.Now().UTC()
	return nil
}

// End closes the session and keeps its record as ended.
func (m *Manager) End(sessionID string) (Info, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Info{}, ErrNotFound
	}
	wasActive := e.info.Status == StatusActive
	m.endLocked(e, time.Now().UTC())
	info := e.info
	m.mu.Unlock()

	if wasActive {
		e.chat.Close()
	}
	return info, nil
}

func (m *Manager) endLocked(e *entry, now time.Time) {
	e.info.Status = StatusEnded
	e.info.LastActivityAt = now
	if e.info.UserID != "" && m.sessionByUser[e.info.UserID] == e.info.ID {
		delete(m.sessionByUser, e.info.UserID)
	}
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
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.info.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*entry

	m.mu.Lock()
	for id, e := range m.sessions {
		if e.info.Status != StatusActive {
			if now.Sub(e.info.LastActivityAt) >= m.inactivityTimeout {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(e.info.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		m.endLocked(e, now)
		expired = append(expired, e)
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, e := range expired {
		e.chat.Close()
		if hook != nil {
			hook(e.info)
		}
	}
}

// CloseAll ends every active session, saving its state.
func (m *Manager) CloseAll() {
	now := time.Now().UTC()
	var active []*entry
	m.mu.Lock()
	for _, e := range m.sessions {
		if e.info.Status == StatusActive {
			m.endLocked(e, now)
			active = append(active, e)
		}
	}
	m.mu.Unlock()

	for _, e := range active {
		e.chat.Close()
	}
}
