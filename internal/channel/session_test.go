// ABOUTME: Tests for the resumable session table
// ABOUTME: Covers create, resume, room updates, removal and expiry

package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/counsel-coordinator/internal/auth"
)

func TestSessions_CreateAndResume(t *testing.T) {
	s := NewSessions(10, time.Minute)
	sess := s.Create(&auth.AuthContext{PrincipalID: "ops-1", Roles: []string{"admin"}})
	require.NotEmpty(t, sess.Token)

	got, ok := s.Resume(sess.Token)
	require.True(t, ok)
	assert.Equal(t, "ops-1", got.PrincipalID)
	assert.True(t, got.Auth().IsAdmin())
	assert.Empty(t, got.Rooms)
}

func TestSessions_SetRooms(t *testing.T) {
	s := NewSessions(10, time.Minute)
	sess := s.Create(&auth.AuthContext{PrincipalID: "viewer"})

	s.SetRooms(sess.Token, []string{"agent-updates", "metrics"})
	got, ok := s.Resume(sess.Token)
	require.True(t, ok)
	assert.Equal(t, []string{"agent-updates", "metrics"}, got.Rooms)

	s.SetRooms("unknown", []string{"metrics"})
	assert.Equal(t, 1, s.Len())
}

func TestSessions_UnknownAndRemoved(t *testing.T) {
	s := NewSessions(10, time.Minute)
	_, ok := s.Resume("")
	assert.False(t, ok)
	_, ok = s.Resume("never-issued")
	assert.False(t, ok)

	sess := s.Create(&auth.AuthContext{PrincipalID: "viewer"})
	s.Remove(sess.Token)
	_, ok = s.Resume(sess.Token)
	assert.False(t, ok)
}

func TestSessions_Expire(t *testing.T) {
	s := NewSessions(10, 20*time.Millisecond)
	sess := s.Create(&auth.AuthContext{PrincipalID: "viewer"})

	assert.Eventually(t, func() bool {
		_, ok := s.Resume(sess.Token)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestSessions_BoundedSize(t *testing.T) {
	s := NewSessions(2, time.Minute)
	first := s.Create(&auth.AuthContext{PrincipalID: "a"})
	s.Create(&auth.AuthContext{PrincipalID: "b"})
	s.Create(&auth.AuthContext{PrincipalID: "c"})

	assert.Equal(t, 2, s.Len())
	_, ok := s.Resume(first.Token)
	assert.False(t, ok, "oldest session is evicted")
}
