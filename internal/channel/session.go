// ABOUTME: Resumable session table so reconnecting observers keep their principal and rooms
// ABOUTME: Backed by an expirable LRU; unknown or expired tokens mean a fresh handshake

package channel

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/2389/counsel-coordinator/internal/auth"
)

const (
	defaultSessionTTL  = 10 * time.Minute
	defaultMaxSessions = 1024
)

// Session is the logical identity a connection can resume.
type Session struct {
	Token       string
	PrincipalID string
	Roles       []string
	Rooms       []string
}

// Auth returns the session's principal as an auth context.
func (s Session) Auth() *auth.AuthContext {
	return &auth.AuthContext{PrincipalID: s.PrincipalID, Roles: slices.Clone(s.Roles)}
}

// Sessions maps session tokens to sessions.
type Sessions struct {
	cache *expirable.LRU[string, Session]
}

// NewSessions creates a table holding at most size sessions for ttl after
// their last update.
func NewSessions(size int, ttl time.Duration) *Sessions {
	if size <= 0 {
		size = defaultMaxSessions
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Sessions{cache: expirable.NewLRU[string, Session](size, nil, ttl)}
}

// Create starts a session for the authenticated principal.
func (s *Sessions) Create(ac *auth.AuthContext) Session {
	sess := Session{
		Token:       uuid.New().String(),
		PrincipalID: ac.PrincipalID,
		Roles:       slices.Clone(ac.Roles),
	}
	s.cache.Add(sess.Token, sess)
	return sess
}

// Resume looks up a session by token.
func (s *Sessions) Resume(token string) (Session, bool) {
	if token == "" {
		return Session{}, false
	}
	sess, ok := s.cache.Get(token)
	if !ok {
		return Session{}, false
	}
	sess.Rooms = slices.Clone(sess.Rooms)
	return sess, true
}

// SetRooms records the rooms a session has joined and refreshes its TTL.
func (s *Sessions) SetRooms(token string, rooms []string) {
	sess, ok := s.cache.Peek(token)
	if !ok {
		return
	}
	sess.Rooms = slices.Clone(rooms)
	s.cache.Add(token, sess)
}

// Remove forgets a session.
func (s *Sessions) Remove(token string) {
	s.cache.Remove(token)
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	return s.cache.Len()
}
