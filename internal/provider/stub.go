package provider

import (
	"context"
	"sync"
	"time"
)

// StubProvider replays a script of responses, then answers every further
// request by echoing the last user message. It needs no network and backs
// the default configuration.
type StubProvider struct {
	// Delay is waited before every response.
	Delay time.Duration

	mu     sync.Mutex
	script []Response
	calls  int
}

// NewStubProvider returns a stub that looks up the time, echoes the
// request and then answers.
func NewStubProvider() *StubProvider {
	return NewScriptedProvider(
		Response{
			Content:   "Checking the clock before answering.",
			ToolCalls: []ToolCall{{ID: "call_1", Name: "current_time", Args: `{}`}},
			Usage:     Usage{PromptTokens: 120, CompletionTokens: 18, TotalTokens: 138},
		},
		Response{
			Content:   "Repeating the request back to confirm it.",
			ToolCalls: []ToolCall{{ID: "call_2", Name: "echo", Args: `{"text": "request received"}`}},
			Usage:     Usage{PromptTokens: 160, CompletionTokens: 22, TotalTokens: 182},
		},
	)
}

// NewScriptedProvider returns a stub that replays responses in order.
func NewScriptedProvider(responses ...Response) *StubProvider {
	return &StubProvider{script: responses}
}

func (p *StubProvider) Name() string {
	return "stub"
}

// Calls reports how many requests have been answered.
func (p *StubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *StubProvider) Chat(ctx context.Context, messages []Message, _ []ToolSpec) (*Response, error) {
	if p.Delay > 0 {
		t := time.NewTimer(p.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.script) > 0 {
		next := p.script[0]
		p.script = p.script[1:]
		return &next, nil
	}
	return &Response{
		Content: "You said: " + lastUserContent(messages),
		Usage:   Usage{PromptTokens: 80, CompletionTokens: 12, TotalTokens: 92},
	}, nil
}

func lastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
