package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/murmur/internal/provider"
	"github.com/felixgeelhaar/murmur/internal/runtime"
	"github.com/felixgeelhaar/murmur/internal/store"
)

const (
	maxTitleRunes   = 50
	titleContextLen = 4
	titlePrompt     = "Write a short title of at most six words for this conversation. " +
		"Reply with the title only."
)

// Titler names rooms that still carry their default name once they hold a
// user question and an agent answer.
type Titler struct {
	provider provider.Provider
	store    *store.Store
	streamer *runtime.Streamer
	bus      *runtime.EventBus
}

// NewTitler creates a Titler. bus may be nil.
func NewTitler(p provider.Provider, st *store.Store, streamer *runtime.Streamer, bus *runtime.EventBus) *Titler {
	return &Titler{provider: p, store: st, streamer: streamer, bus: bus}
}

// Maybe generates, stores and broadcasts a title for ref. It reports
// whether a title was set.
func (t *Titler) Maybe(ctx context.Context, ref runtime.RoomRef) (string, bool, error) {
	room, err := t.store.Rooms.GetRoom(ctx, ref.Token, ref.Internal)
	if err != nil {
		return "", false, err
	}
	if room.Named {
		return "", false, nil
	}

	events, err := t.store.Events.List(ctx, ref.Token, ref.Internal, 0, 0)
	if err != nil {
		return "", false, err
	}
	conversation, ok := titleContext(events)
	if !ok {
		return "", false, nil
	}

	resp, err := t.provider.Chat(ctx, []provider.Message{
		{Role: provider.RoleSystem, Content: titlePrompt},
		{Role: provider.RoleUser, Content: conversation},
	}, nil)
	if err != nil {
		return "", false, fmt.Errorf("generate title: %w", err)
	}
	title := CleanTitle(resp.Content)
	if title == "" {
		return "", false, nil
	}

	room, err = t.store.Rooms.RenameRoom(ctx, ref.Token, ref.Internal, title)
	if err != nil {
		return "", false, err
	}
	if _, err := t.streamer.BroadcastNotice(ctx, ref.External, runtime.Notice{
		Type: "chat_title_updated",
		Data: map[string]any{
			"room_id":    ref.External,
			"title":      room.Name,
			"updated_at": room.UpdatedAt.UTC().Format(time.RFC3339Nano),
		},
	}); err != nil {
		return "", false, err
	}
	t.bus.Emit(runtime.EventTitleGenerated, ref.External, runtime.Fields{"title": room.Name})
	return room.Name, true, nil
}

// titleContext renders the first few messages, oldest first. It needs at
// least one from each author.
func titleContext(events []store.Event) (string, bool) {
	var lines []string
	var user, agent bool
	for i := len(events) - 1; i >= 0 && len(lines) < titleContextLen; i-- {
		ev := events[i]
		if ev.Kind != store.KindMessage {
			continue
		}
		role := "User"
		if ev.Author == store.AuthorAgent {
			role = "Assistant"
			agent = true
		} else {
			user = true
		}
		lines = append(lines, role+": "+ev.Content)
	}
	return strings.Join(lines, "\n"), user && agent
}

// CleanTitle strips quotes and whitespace from a generated title, keeps the
// first line and caps it at 50 characters.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.NewReplacer(`"`, "", "'", "").Replace(s)
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxTitleRunes {
		s = string(r[:maxTitleRunes-3]) + "..."
	}
	return s
}
