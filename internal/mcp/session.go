// ABOUTME: In-memory MCP session registry for the Streamable HTTP transport
// ABOUTME: Only the credential that initialized a session may terminate it

package mcp

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionHeader carries the session id on Streamable HTTP requests.
const SessionHeader = "Mcp-Session-Id"

// ProtocolVersionHeader carries the negotiated protocol version.
const ProtocolVersionHeader = "Mcp-Protocol-Version"

// Session tracks an active MCP client session.
type Session struct {
	ID           string
	TenantID     string
	CredentialID string
	CreatedAt    time.Time
	LastSeen     time.Time
}

// SessionStore manages active MCP sessions.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	idle     time.Duration
	now      func() time.Time
}

// NewSessionStore creates a store whose sessions expire after idle without
// use. A zero idle keeps sessions until deleted.
func NewSessionStore(idle time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		idle:     idle,
		now:      time.Now,
	}
}

// Create starts a session owned by the given tenant and credential.
func (s *SessionStore) Create(tenantID, credentialID string) *Session {
	now := s.now()
	sess := &Session{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		CredentialID: credentialID,
		CreatedAt:    now,
		LastSeen:     now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Touch returns the session if it exists and has not expired, refreshing its
// idle timer. Requests authenticate on their own, so the session only
// correlates them.
func (s *SessionStore) Touch(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	now := s.now()
	if s.idle > 0 && now.Sub(sess.LastSeen) > s.idle {
		delete(s.sessions, id)
		return nil, false
	}
	sess.LastSeen = now
	return sess, true
}

// ErrSessionNotFound and ErrSessionNotOwned are returned by Delete.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionNotOwned = errors.New("session owned by another credential")
)

// Delete removes a session owned by credentialID.
func (s *SessionStore) Delete(id, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.CredentialID != credentialID {
		return ErrSessionNotOwned
	}
	delete(s.sessions, id)
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (s *SessionStore) Sweep() int {
	if s.idle <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastSeen) > s.idle {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
