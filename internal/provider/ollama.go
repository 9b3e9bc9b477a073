package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/ollama/ollama/api"
)

const (
	ollamaHost  = "http://localhost:11434"
	ollamaModel = "llama3.2"
)

// OllamaProvider runs turns against a local or remote ollama server.
type OllamaProvider struct {
	client *api.Client
	model  string
}

// NewOllamaProvider connects to host. An empty host falls back to
// OLLAMA_HOST, then to the local default.
func NewOllamaProvider(host, model string) (*OllamaProvider, error) {
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = ollamaHost
	}
	if model == "" {
		model = ollamaModel
	}
	uri, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("ollama: parse host %q: %w", host, err)
	}
	return &OllamaProvider{client: api.NewClient(uri, http.DefaultClient), model: model}, nil
}

func (p *OllamaProvider) Name() string {
	return "ollama"
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message, specs []ToolSpec) (*Response, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    p.model,
		Messages: ollamaMessages(messages),
		Tools:    ollamaTools(specs),
		Stream:   &stream,
	}

	out := &Response{}
	err := p.client.Chat(ctx, req, func(r api.ChatResponse) error {
		out.Content += r.Message.Content
		for _, tc := range r.Message.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				return fmt.Errorf("encode %s arguments: %w", tc.Function.Name, err)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   fmt.Sprintf("call_%d_%s", len(out.ToolCalls), tc.Function.Name),
				Name: tc.Function.Name,
				Args: string(args),
			})
		}
		if r.Done {
			out.Usage = Usage{
				PromptTokens:     r.PromptEvalCount,
				CompletionTokens: r.EvalCount,
				TotalTokens:      r.PromptEvalCount + r.EvalCount,
			}
		}
		return nil
	})
	if err != nil {
		var status api.StatusError
		if errors.As(err, &status) {
			return nil, &APIError{Provider: "ollama", Status: status.StatusCode, Message: status.ErrorMessage}
		}
		return nil, fmt.Errorf("ollama: %w", err)
	}
	return out, nil
}

// ollamaMessages keeps role and text only; ollama matches tool results to
// calls by position.
func ollamaMessages(messages []Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, api.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func ollamaTools(specs []ToolSpec) []api.Tool {
	var tools []api.Tool
	for _, s := range specs {
		fn := api.ToolFunction{Name: s.Name, Description: s.Description}
		fn.Parameters.Type = "object"
		fn.Parameters.Properties = api.NewToolPropertiesMap()
		if props, ok := s.Parameters["properties"].(map[string]any); ok {
			for name, v := range props {
				prop, _ := v.(map[string]any)
				typ, _ := prop["type"].(string)
				desc, _ := prop["description"].(string)
				fn.Parameters.Properties.Set(name, api.ToolProperty{Type: api.PropertyType{typ}, Description: desc})
			}
		}
		switch req := s.Parameters["required"].(type) {
		case []string:
			fn.Parameters.Required = req
		case []any:
			for _, r := range req {
				if name, ok := r.(string); ok {
					fn.Parameters.Required = append(fn.Parameters.Required, name)
				}
			}
		}
		tools = append(tools, api.Tool{Type: "function", Function: fn})
	}
	return tools
}
