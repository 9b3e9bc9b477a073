package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReasoningPayload_Advance(t *testing.T) {
	p := NewReasoning()
	content := "Thinking..."

	for _, next := range []string{"A", "B", "C"} {
		content = p.Advance(content, next, ReasoningInProgress)
	}

	assert.Equal(t, "C", content)
	assert.Equal(t, []string{"A", "B"}, p.Trajectory)
	assert.Equal(t, ReasoningInProgress, p.Status)
}

func TestReasoningPayload_CompleteIsSticky(t *testing.T) {
	p := NewReasoning()
	content := p.Advance("Thinking...", "thinking...", ReasoningInProgress)
	content = p.Advance(content, "done", ReasoningComplete)

	assert.Equal(t, "done", content)
	assert.Equal(t, []string{"thinking..."}, p.Trajectory)
	assert.Equal(t, ReasoningComplete, p.Status)

	content = p.Advance(content, "", ReasoningInProgress)
	assert.Equal(t, "done", content, "empty text leaves the headline alone")
	assert.Equal(t, ReasoningComplete, p.Status)
	assert.Len(t, p.Trajectory, 1)
}

func TestToolPayload_Lifecycle(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := &ToolPayload{}

	p.Start("search_web", map[string]any{"args": "q1"}, at)
	p.Start("search_web", map[string]any{"args": "q2"}, at.Add(time.Second))
	assert.Equal(t, ToolStarted, p.Status)
	assert.True(t, p.Open("search_web"))

	require.True(t, p.Finish("search_web", ToolCompleted, map[string]any{"result": "r2"}, "", at.Add(2*time.Second)))
	assert.Equal(t, ToolCompleted, p.ToolCalls[1].Status, "latest open invocation finishes first")
	assert.Equal(t, ToolStarted, p.ToolCalls[0].Status)

	require.True(t, p.Finish("search_web", ToolError, nil, "timeout", at.Add(3*time.Second)))
	assert.Equal(t, ToolError, p.Status)
	assert.False(t, p.Open("search_web"))

	assert.False(t, p.Finish("search_web", ToolCompleted, nil, "", at), "terminal invocations are never rewritten")
	assert.Equal(t, "timeout", p.ToolCalls[0].Error)

	assert.False(t, p.Finish("search_web", ToolStarted, nil, "", at))
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(PayloadReasoning, []byte(`{"trajectory":null,"status":"complete"}`))
	require.NoError(t, err)
	rp := p.(*ReasoningPayload)
	assert.NotNil(t, rp.Trajectory)
	assert.Equal(t, ReasoningComplete, rp.Status)

	p, err = DecodePayload(PayloadNone, nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = DecodePayload("video", []byte(`{}`))
	assert.Error(t, err)
}
