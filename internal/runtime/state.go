package runtime

import (
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/murmur/internal/clock"
)

// Turn statuses.
const (
	TurnRunning  = "running"
	TurnDraining = "draining"
	TurnDone     = "done"
	TurnFailed   = "failed"
)

// TurnState is a snapshot of one in-flight turn.
type TurnState struct {
	TurnID        string
	RoomID        string
	Status        string
	Operations    int
	PromptTokens  int
	OutputTokens  int
	StartedAt     time.Time
	LastUpdatedAt time.Time
}

// StateManager tracks the turns currently running in this process.
type StateManager struct {
	mu    sync.RWMutex
	clock clock.Clock
	turns map[string]*TurnState
}

// NewStateManager creates a new state manager.
func NewStateManager(clk clock.Clock) *StateManager {
	if clk == nil {
		clk = clock.Real()
	}
	return &StateManager{
		clock: clk,
		turns: make(map[string]*TurnState),
	}
}

// InitTurn registers a new running turn for room.
func (sm *StateManager) InitTurn(turnID, roomID string) TurnState {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.clock.Now()
	state := &TurnState{
		TurnID:        turnID,
		RoomID:        roomID,
		Status:        TurnRunning,
		StartedAt:     now,
		LastUpdatedAt: now,
	}
	sm.turns[turnID] = state
	return *state
}

// GetState returns a copy of the turn's state.
func (sm *StateManager) GetState(turnID string) (TurnState, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	state, ok := sm.turns[turnID]
	if !ok {
		return TurnState{}, false
	}
	return *state, true
}

// IncrementOperations counts an enqueued operation and returns the new total.
func (sm *StateManager) IncrementOperations(turnID string) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if state, ok := sm.turns[turnID]; ok {
		state.Operations++
		state.LastUpdatedAt = sm.clock.Now()
		return state.Operations
	}
	return 0
}

// AddTokenUsage adds provider token usage to the turn totals.
func (sm *StateManager) AddTokenUsage(turnID string, promptTokens, outputTokens int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if state, ok := sm.turns[turnID]; ok {
		state.PromptTokens += promptTokens
		state.OutputTokens += outputTokens
		state.LastUpdatedAt = sm.clock.Now()
	}
}

// GetTokenUsage returns the current token usage for a turn.
func (sm *StateManager) GetTokenUsage(turnID string) (promptTokens, outputTokens int) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if state, ok := sm.turns[turnID]; ok {
		return state.PromptTokens, state.OutputTokens
	}
	return 0, 0
}

// SetStatus updates the turn status.
func (sm *StateManager) SetStatus(turnID, status string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if state, ok := sm.turns[turnID]; ok {
		state.Status = status
		state.LastUpdatedAt = sm.clock.Now()
	}
}

// GetStatus returns the current turn status.
func (sm *StateManager) GetStatus(turnID string) string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if state, ok := sm.turns[turnID]; ok {
		return state.Status
	}
	return ""
}

// CleanupTurn forgets the turn.
func (sm *StateManager) CleanupTurn(turnID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.turns, turnID)
}

// Active returns every tracked turn, oldest first.
func (sm *StateManager) Active() []TurnState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]TurnState, 0, len(sm.turns))
	for _, state := range sm.turns {
		out = append(out, *state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveInRoom returns how many tracked turns belong to room.
func (sm *StateManager) ActiveInRoom(roomID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	n := 0
	for _, state := range sm.turns {
		if state.RoomID == roomID {
			n++
		}
	}
	return n
}
