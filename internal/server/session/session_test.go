package session

import (
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConn(t *testing.T) net.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a
}

func TestRegistry_CreateGetRemove(t *testing.T) {
	r := NewRegistry()
	id := uuid.NewString()

	s := r.Create(id, newConn(t))
	require.NotNil(t, s)
	assert.Same(t, s, r.Get(id))
	assert.Equal(t, 1, r.Len())

	assert.Same(t, s, r.Remove(id))
	assert.Nil(t, r.Get(id))
	assert.Zero(t, r.Len())
}

func TestRegistry_DuplicateStream(t *testing.T) {
	r := NewRegistry()
	id := uuid.NewString()

	require.NotNil(t, r.Create(id, newConn(t)))
	assert.Nil(t, r.Create(id, newConn(t)), "second handshake on one stream must fail")
}

func TestRegistry_FindByUUID(t *testing.T) {
	r := NewRegistry()
	user := uuid.NewString()

	s := r.Create(uuid.NewString(), newConn(t))
	require.NotNil(t, s)
	assert.Nil(t, r.FindByUUID(user), "unauthenticated session is not routable")

	s.UserUUID = user
	assert.Same(t, s, r.FindByUUID(user))
}

func TestSession_AuthenticatedAndSubscribed(t *testing.T) {
	s := &Session{Subscriptions: map[string]struct{}{}}
	assert.False(t, s.Authenticated())

	s.UserUUID = uuid.NewString()
	assert.True(t, s.Authenticated())

	ch := uuid.NewString()
	assert.False(t, s.Subscribed(ch))
	s.Subscriptions[ch] = struct{}{}
	assert.True(t, s.Subscribed(ch))
}
