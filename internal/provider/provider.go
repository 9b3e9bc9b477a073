// Package provider adapts model backends (OpenAI, Anthropic, Gemini,
// Ollama and an offline stub) to one chat-with-tools interface.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation sent to a model. Tool results
// carry the ToolCallID of the call they answer.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Response is a model reply: text, requested tool calls, or both.
type Response struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolSpec describes a callable tool to the model. Parameters is a JSON
// schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type Provider interface {
	// Chat sends the conversation, offering tools, and returns one reply.
	// Non-success replies from hosted backends are *APIError.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (*Response, error)
	Name() string
}

// Config selects and configures a provider.
type Config struct {
	Name    string
	Model   string
	APIKey  string
	BaseURL string
}

// New builds the provider named by cfg.Name. An empty name selects the
// stub.
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "stub":
		return NewStubProvider(), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case "gemini":
		return NewGeminiProvider(cfg.APIKey, cfg.Model)
	case "ollama":
		return NewOllamaProvider(cfg.BaseURL, cfg.Model)
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL, cfg.Model)
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Name)
}
