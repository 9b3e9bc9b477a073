package runtime

import (
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/murmur/internal/clock"
)

func TestNewStateManager(t *testing.T) {
	sm := NewStateManager(nil)
	if sm == nil {
		t.Fatal("expected non-nil StateManager")
	}
	if sm.turns == nil {
		t.Fatal("expected non-nil turns map")
	}
}

func TestStateManager_InitTurn(t *testing.T) {
	sm := NewStateManager(nil)
	state := sm.InitTurn("turn-1", "room-1")

	if state.TurnID != "turn-1" {
		t.Errorf("expected turn ID 'turn-1', got %q", state.TurnID)
	}
	if state.RoomID != "room-1" {
		t.Errorf("expected room 'room-1', got %q", state.RoomID)
	}
	if state.Status != TurnRunning {
		t.Errorf("expected status %q, got %q", TurnRunning, state.Status)
	}
}

func TestStateManager_GetState(t *testing.T) {
	sm := NewStateManager(nil)
	sm.InitTurn("turn-1", "room-1")

	if _, ok := sm.GetState("turn-1"); !ok {
		t.Fatal("expected state to exist")
	}
	if _, ok := sm.GetState("missing"); ok {
		t.Error("expected no state for unknown turn")
	}
}

func TestStateManager_IncrementOperations(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sm := NewStateManager(clk)
	sm.InitTurn("turn-1", "room-1")

	clk.Advance(time.Second)
	if n := sm.IncrementOperations("turn-1"); n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
	if n := sm.IncrementOperations("turn-1"); n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
	if n := sm.IncrementOperations("missing"); n != 0 {
		t.Errorf("expected 0 for unknown turn, got %d", n)
	}

	state, _ := sm.GetState("turn-1")
	if !state.LastUpdatedAt.Equal(clk.Now()) {
		t.Errorf("expected LastUpdatedAt to follow the clock, got %v", state.LastUpdatedAt)
	}
}

func TestStateManager_TokenUsage(t *testing.T) {
	sm := NewStateManager(nil)
	sm.InitTurn("turn-1", "room-1")

	sm.AddTokenUsage("turn-1", 100, 50)
	sm.AddTokenUsage("turn-1", 20, 5)

	prompt, output := sm.GetTokenUsage("turn-1")
	if prompt != 120 || output != 55 {
		t.Errorf("expected 120/55, got %d/%d", prompt, output)
	}
}

func TestStateManager_Status(t *testing.T) {
	sm := NewStateManager(nil)
	sm.InitTurn("turn-1", "room-1")

	sm.SetStatus("turn-1", TurnDraining)
	if got := sm.GetStatus("turn-1"); got != TurnDraining {
		t.Errorf("expected %q, got %q", TurnDraining, got)
	}
	if got := sm.GetStatus("missing"); got != "" {
		t.Errorf("expected empty status, got %q", got)
	}
}

func TestStateManager_CleanupTurn(t *testing.T) {
	sm := NewStateManager(nil)
	sm.InitTurn("turn-1", "room-1")
	sm.CleanupTurn("turn-1")

	if _, ok := sm.GetState("turn-1"); ok {
		t.Error("expected turn to be removed")
	}
}

func TestStateManager_Active(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sm := NewStateManager(clk)
	sm.InitTurn("a", "room-1")
	clk.Advance(time.Second)
	sm.InitTurn("b", "room-2")
	clk.Advance(time.Second)
	sm.InitTurn("c", "room-1")

	active := sm.Active()
	if len(active) != 3 || active[0].TurnID != "a" || active[2].TurnID != "c" {
		t.Errorf("expected turns oldest first, got %+v", active)
	}
	if n := sm.ActiveInRoom("room-1"); n != 2 {
		t.Errorf("expected 2 turns in room-1, got %d", n)
	}
}

func TestStateManager_ConcurrentAccess(t *testing.T) {
	sm := NewStateManager(nil)
	sm.InitTurn("turn-1", "room-1")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sm.IncrementOperations("turn-1")
		}()
		go func() {
			defer wg.Done()
			sm.AddTokenUsage("turn-1", 1, 1)
		}()
	}
	wg.Wait()

	state, _ := sm.GetState("turn-1")
	if state.Operations != 100 {
		t.Errorf("expected 100 operations, got %d", state.Operations)
	}
	if state.PromptTokens != 100 {
		t.Errorf("expected 100 prompt tokens, got %d", state.PromptTokens)
	}
}
