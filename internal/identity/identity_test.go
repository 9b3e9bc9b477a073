package identity

import (
	"bytes"
	"context"
	"testing"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/felixgeelhaar/murmur/internal/kv"
	"github.com/felixgeelhaar/murmur/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternal(t *testing.T) {
	ext := External("5b0e8a4c-3f5e-4a8e-9a55-7e2b1c0d9f11")
	assert.Len(t, ext, ExternalLen)
	assert.Equal(t, ext, External("5b0e8a4c-3f5e-4a8e-9a55-7e2b1c0d9f11"))
	assert.NotEqual(t, ext, External("5b0e8a4c-3f5e-4a8e-9a55-7e2b1c0d9f12"))

	// md5("abc") = 900150983cd24fb0d6963f7d28e17f72
	assert.Equal(t, "900150983cd24fb0d6963f7d", External("abc"))
}

func TestBridge_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := store.New(kv.NewMemory(nil), nil, store.DefaultLimits())

	sess, err := s.Sessions.Create(ctx)
	require.NoError(t, err)
	var rooms []store.Room
	for i := 0; i < 3; i++ {
		r, err := s.Rooms.CreateRoom(ctx, sess.Token, "")
		require.NoError(t, err)
		rooms = append(rooms, r)
	}

	b := NewBridge(s.Rooms, nil)
	for _, r := range rooms {
		got, err := b.Internal(ctx, External(r.ID), sess.Token)
		require.NoError(t, err)
		assert.Equal(t, r.ID, got)
	}

	_, err = b.Internal(ctx, External("not-a-room"), sess.Token)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = b.Internal(ctx, "short", sess.Token)
	assert.ErrorIs(t, err, store.ErrNotFound)

	other, err := s.Sessions.Create(ctx)
	require.NoError(t, err)
	_, err = b.Internal(ctx, External(rooms[0].ID), other.Token)
	assert.ErrorIs(t, err, store.ErrNotFound, "rooms of another session do not resolve")

	_, err = b.Internal(ctx, External(rooms[0].ID), "demo-session-expired")
	assert.ErrorIs(t, err, store.ErrSessionExpired)
}

type fixedRooms []store.Room

func (f fixedRooms) ListRooms(context.Context, string) ([]store.Room, error) {
	return f, nil
}

func TestBridge_CollisionIsLogged(t *testing.T) {
	buf := &bytes.Buffer{}
	log := bolt.New(bolt.NewJSONHandler(buf))

	// Identical ids stand in for a digest collision.
	b := NewBridge(fixedRooms{{ID: "first"}, {ID: "first"}}, log)
	got, err := b.Internal(context.Background(), External("first"), "tok")
	require.NoError(t, err)
	assert.Equal(t, "first", got)
	assert.Contains(t, buf.String(), "external id collision")
}
