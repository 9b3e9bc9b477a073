// Package identity maps internal room ids to the compact external ids
// clients address rooms by, and back.
package identity

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/felixgeelhaar/murmur/internal/store"
)

// ExternalLen is the length in hex characters of an external id.
const ExternalLen = 24

// External derives the external id of an internal id: the first twelve
// bytes of its MD5 digest, hex encoded. It is deterministic; there is no
// stored mapping.
func External(internal string) string {
	sum := md5.Sum([]byte(internal))
	return hex.EncodeToString(sum[:12])
}

// Rooms lists the rooms of a session.
type Rooms interface {
	ListRooms(ctx context.Context, token string) ([]store.Room, error)
}

// Bridge resolves external ids by scanning the session's rooms.
type Bridge struct {
	rooms Rooms
	log   *bolt.Logger
}

// NewBridge creates a Bridge over rooms. log may be nil.
func NewBridge(rooms Rooms, log *bolt.Logger) *Bridge {
	return &Bridge{rooms: rooms, log: log}
}

// Internal returns the internal id of the session's room whose external id
// is external. Unknown ids yield store.ErrNotFound. If two rooms collide on
// the same external id the first is returned and the collision is logged.
func (b *Bridge) Internal(ctx context.Context, external, token string) (string, error) {
	if len(external) != ExternalLen {
		return "", store.ErrNotFound
	}
	rooms, err := b.rooms.ListRooms(ctx, token)
	if err != nil {
		return "", err
	}

	var match string
	for _, r := range rooms {
		if External(r.ID) != external {
			continue
		}
		if match == "" {
			match = r.ID
			continue
		}
		if b.log != nil {
			b.log.Warn().
				Str("external_id", external).
				Str("room", match).
				Str("other", r.ID).
				Msg("external id collision")
		}
	}
	if match == "" {
		return "", fmt.Errorf("room %s: %w", external, store.ErrNotFound)
	}
	return match, nil
}
