package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	anthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion  = "2023-06-01"
	anthropicModel    = "claude-3-5-haiku-latest"
	anthropicMaxOut   = 4096
	maxReplyBytes     = 4 << 20
)

// AnthropicProvider talks to the Messages API over plain HTTP.
type AnthropicProvider struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewAnthropicProvider returns a provider for model. An empty endpoint
// uses the public API.
func NewAnthropicProvider(apiKey, endpoint, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if endpoint == "" {
		endpoint = anthropicEndpoint
	}
	if model == "" {
		model = anthropicModel
	}
	return &AnthropicProvider{
		apiKey:   apiKey,
		model:    model,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
	MaxTokens int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock is one content block; which fields are set depends on
// Type (text, tool_use or tool_result).
type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicReply struct {
	Content []anthropicBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	StopReason string `json:"stop_reason"`
}

type anthropicErrorReply struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, specs []ToolSpec) (*Response, error) {
	system, msgs := anthropicMessages(messages)
	body, err := json.Marshal(anthropicRequest{
		Model:     p.model,
		System:    system,
		Messages:  msgs,
		Tools:     anthropicTools(specs),
		MaxTokens: anthropicMaxOut,
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("anthropic: read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Provider: "anthropic", Status: resp.StatusCode}
		var e anthropicErrorReply
		if json.Unmarshal(raw, &e) == nil {
			apiErr.Type = e.Error.Type
			apiErr.Message = e.Error.Message
		}
		return nil, apiErr
	}

	var reply anthropicReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("anthropic: decode reply: %w", err)
	}

	out := &Response{
		Usage: Usage{
			PromptTokens:     reply.Usage.InputTokens,
			CompletionTokens: reply.Usage.OutputTokens,
			TotalTokens:      reply.Usage.InputTokens + reply.Usage.OutputTokens,
		},
	}
	for _, b := range reply.Content {
		switch b.Type {
		case "text":
			out.Content += b.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: b.ID, Name: b.Name, Args: string(b.Input)})
		}
	}
	return out, nil
}

// anthropicMessages lifts system messages into the system prompt and folds
// consecutive tool results into one user turn, as the API expects.
func anthropicMessages(messages []Message) (string, []anthropicMessage) {
	var (
		system string
		out    []anthropicMessage
	)
	for _, m := range messages {
		switch {
		case m.Role == RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content

		case m.Role == RoleTool || m.ToolCallID != "":
			block := anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}
			if n := len(out); n > 0 && out[n-1].Role == RoleUser && out[n-1].Content[0].Type == "tool_result" {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, anthropicMessage{Role: RoleUser, Content: []anthropicBlock{block}})

		default:
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Args)
				if !json.Valid(input) {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropicMessage{Role: m.Role, Content: blocks})
		}
	}
	return system, out
}

func anthropicTools(specs []ToolSpec) []anthropicTool {
	tools := make([]anthropicTool, 0, len(specs))
	for _, s := range specs {
		schema := s.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, anthropicTool{Name: s.Name, Description: s.Description, InputSchema: schema})
	}
	return tools
}
