package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// PayloadType tags the structured metadata carried by an event.
type PayloadType string

const (
	PayloadNone      PayloadType = ""
	PayloadTool      PayloadType = "tool"
	PayloadReasoning PayloadType = "reasoning"
)

// Payload is the type-tagged metadata of an event. The concrete types are
// *ToolPayload and *ReasoningPayload; a nil Payload means none.
type Payload interface {
	PayloadType() PayloadType
	sealed()
}

// ReasoningStatus is the lifecycle of a reasoning event.
type ReasoningStatus string

const (
	ReasoningInProgress ReasoningStatus = "in_progress"
	ReasoningComplete   ReasoningStatus = "complete"
)

// ReasoningPayload carries the superseded headlines of a reasoning event.
type ReasoningPayload struct {
	Trajectory []string        `json:"trajectory"`
	Status     ReasoningStatus `json:"status"`
	// Placeholder marks the current headline as the initial filler text,
	// which is replaced rather than pushed onto the trajectory.
	Placeholder bool `json:"placeholder,omitempty"`
}

func (*ReasoningPayload) PayloadType() PayloadType { return PayloadReasoning }
func (*ReasoningPayload) sealed()                  {}

// NewReasoning returns the payload of a freshly begun reasoning event.
func NewReasoning() *ReasoningPayload {
	return &ReasoningPayload{Trajectory: []string{}, Status: ReasoningInProgress, Placeholder: true}
}

// Advance replaces the headline current with next and returns the new
// headline. A non-empty next pushes current onto the trajectory unless
// current is the placeholder; an empty next keeps the headline and only
// applies status. Once complete, the status never goes back.
func (p *ReasoningPayload) Advance(current, next string, status ReasoningStatus) string {
	headline := current
	if next != "" {
		if !p.Placeholder && current != "" {
			p.Trajectory = append(p.Trajectory, current)
		}
		p.Placeholder = false
		headline = next
	}
	if p.Status != ReasoningComplete && status != "" {
		p.Status = status
	}
	return headline
}

// ToolStatus is the lifecycle of a single tool execution.
type ToolStatus string

const (
	ToolStarted   ToolStatus = "started"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// Terminal reports whether s is a final state.
func (s ToolStatus) Terminal() bool {
	return s == ToolCompleted || s == ToolError
}

// ToolExecution is one invocation of a tool.
type ToolExecution struct {
	ToolName    string         `json:"tool_name"`
	Input       map[string]any `json:"input_payload"`
	Output      map[string]any `json:"output_payload,omitempty"`
	Error       string         `json:"error,omitempty"`
	Status      ToolStatus     `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// ToolPayload groups the invocations of one tool within a turn.
type ToolPayload struct {
	Status    ToolStatus      `json:"status"`
	ToolCalls []ToolExecution `json:"tool_calls"`
}

func (*ToolPayload) PayloadType() PayloadType { return PayloadTool }
func (*ToolPayload) sealed()                  {}

// Start appends a new started invocation of name.
func (p *ToolPayload) Start(name string, input map[string]any, at time.Time) {
	p.ToolCalls = append(p.ToolCalls, ToolExecution{
		ToolName:  name,
		Input:     input,
		Status:    ToolStarted,
		StartedAt: at,
	})
	p.recompute()
}

// Finish moves the most recent still-started invocation of name to status.
// It reports false when there is no open invocation; terminal invocations
// are never rewritten.
func (p *ToolPayload) Finish(name string, status ToolStatus, output map[string]any, errText string, at time.Time) bool {
	if !status.Terminal() {
		return false
	}
	for i := len(p.ToolCalls) - 1; i >= 0; i-- {
		call := &p.ToolCalls[i]
		if call.ToolName != name || call.Status != ToolStarted {
			continue
		}
		call.Status = status
		call.Output = output
		call.Error = errText
		done := at
		call.CompletedAt = &done
		p.recompute()
		return true
	}
	return false
}

// Open reports whether name has an invocation that has not finished.
func (p *ToolPayload) Open(name string) bool {
	for _, call := range p.ToolCalls {
		if call.ToolName == name && call.Status == ToolStarted {
			return true
		}
	}
	return false
}

// recompute derives the aggregate status: started while anything runs,
// otherwise error if any invocation failed.
func (p *ToolPayload) recompute() {
	agg := ToolCompleted
	for _, call := range p.ToolCalls {
		switch call.Status {
		case ToolStarted:
			p.Status = ToolStarted
			return
		case ToolError:
			agg = ToolError
		}
	}
	if len(p.ToolCalls) == 0 {
		agg = ToolStarted
	}
	p.Status = agg
}

// encodePayload renders p for storage.
func encodePayload(p Payload) (PayloadType, string, error) {
	switch v := p.(type) {
	case nil:
		return PayloadNone, "", nil
	case *ToolPayload:
		if v == nil {
			return PayloadNone, "", nil
		}
		b, err := json.Marshal(v)
		return PayloadTool, string(b), err
	case *ReasoningPayload:
		if v == nil {
			return PayloadNone, "", nil
		}
		b, err := json.Marshal(v)
		return PayloadReasoning, string(b), err
	default:
		return PayloadNone, "", fmt.Errorf("unsupported payload %T", p)
	}
}

// DecodePayload parses stored or wire metadata of the given type.
func DecodePayload(typ PayloadType, data []byte) (Payload, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	switch typ {
	case PayloadNone:
		return nil, nil
	case PayloadTool:
		var p ToolPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode tool payload: %w", err)
		}
		return &p, nil
	case PayloadReasoning:
		var p ReasoningPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode reasoning payload: %w", err)
		}
		if p.Trajectory == nil {
			p.Trajectory = []string{}
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown payload type %q", typ)
	}
}

// PayloadTypeFor maps an event kind to the payload type it carries.
func PayloadTypeFor(k Kind) PayloadType {
	switch k {
	case KindTool:
		return PayloadTool
	case KindReasoning:
		return PayloadReasoning
	default:
		return PayloadNone
	}
}
