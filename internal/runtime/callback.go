package runtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/murmur/internal/clock"
	"github.com/felixgeelhaar/murmur/internal/store"
)

// Callback adapts the hook points of a reason-act agent loop onto a Turn.
// Hooks may fire from any goroutine; ordering is the order of the calls.
type Callback struct {
	turn  *Turn
	clock clock.Clock

	mu          sync.Mutex
	reasoningID string
	startedAt   time.Time
	calls       map[string]string // call id -> tool name
}

// NewCallback binds a Callback to turn.
func NewCallback(turn *Turn, clk clock.Clock) *Callback {
	if clk == nil {
		clk = clock.Real()
	}
	return &Callback{
		turn:  turn,
		clock: clk,
		calls: make(map[string]string),
	}
}

// OnModuleStart opens the reasoning event for a reasoning step if none is
// open yet.
func (c *Callback) OnModuleStart(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureReasoning()
}

// ensureReasoning requires c.mu.
func (c *Callback) ensureReasoning() string {
	if c.reasoningID == "" {
		c.reasoningID = c.turn.BeginReasoning()
		c.startedAt = c.clock.Now()
	}
	return c.reasoningID
}

// OnThought reports the agent's next thought.
func (c *Callback) OnThought(text string) {
	c.progress(text)
}

// OnReasoning reports free-form reasoning text.
func (c *Callback) OnReasoning(text string) {
	c.progress(text)
}

func (c *Callback) progress(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	id := c.ensureReasoning()
	c.mu.Unlock()
	c.turn.UpdateReasoning(id, text, store.ReasoningInProgress)
}

// OnToolStart reports a tool invocation. The agent's finish tool is
// ignored.
func (c *Callback) OnToolStart(callID, toolName string, input any) {
	if toolName == FinishTool {
		return
	}
	c.mu.Lock()
	c.calls[callID] = toolName
	c.mu.Unlock()
	c.turn.StartTool(toolName, NormalizeInput(input))
}

// OnToolEnd reports the outcome of the invocation callID.
func (c *Callback) OnToolEnd(callID string, output any, err error) {
	c.mu.Lock()
	toolName, ok := c.calls[callID]
	delete(c.calls, callID)
	c.mu.Unlock()
	if !ok {
		return
	}
	id, ok := c.turn.ToolEvent(toolName)
	if !ok {
		return
	}

	status := store.ToolCompleted
	out := NormalizeOutput(output)
	if err != nil {
		status = store.ToolError
		out["error"] = err.Error()
	}
	c.turn.UpdateTool(id, toolName, status, out)
}

// OnResponse reports the agent's answer to the user.
func (c *Callback) OnResponse(text string) {
	c.turn.SendText(store.AuthorAgent, text)
}

// OnModuleEnd closes the open reasoning event with its elapsed time and
// reports err, if any, as an error message.
func (c *Callback) OnModuleEnd(callID string, err error) {
	c.mu.Lock()
	id := c.reasoningID
	elapsed := c.clock.Now().Sub(c.startedAt)
	c.reasoningID = ""
	c.mu.Unlock()

	if id != "" {
		c.turn.UpdateReasoning(id, FormatThinking(elapsed), store.ReasoningComplete)
	}
	if err != nil {
		c.turn.SendError(err.Error())
	}
}

// FormatThinking renders a reasoning duration: "Thought for 850ms",
// "Thought for 1.5s", "Thought for 2m 5s".
func FormatThinking(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("Thought for %dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("Thought for %.1fs", d.Seconds())
	default:
		m := int(d / time.Minute)
		s := int((d % time.Minute) / time.Second)
		return fmt.Sprintf("Thought for %dm %ds", m, s)
	}
}

// NormalizeInput turns arbitrary tool input into an object.
func NormalizeInput(v any) map[string]any {
	return normalize(v, "args")
}

// NormalizeOutput turns arbitrary tool output into an object.
func NormalizeOutput(v any) map[string]any {
	return normalize(v, "result")
}

func normalize(v any, key string) map[string]any {
	switch x := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = val
		}
		return out
	case string:
		var obj map[string]any
		if json.Unmarshal([]byte(x), &obj) == nil && obj != nil {
			return obj
		}
		return map[string]any{key: x}
	default:
		return map[string]any{key: fmt.Sprint(x)}
	}
}
