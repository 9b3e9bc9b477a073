package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var echoSpec = ToolSpec{
	Name:        "echo",
	Description: "Repeat the given text",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string", "description": "Text to repeat"},
		},
		"required": []string{"text"},
	},
}

// replyWith serves body with status to every request and records the last
// decoded request body.
func replyWith(t *testing.T, status int, body string, got any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hi() []Message {
	return []Message{{Role: RoleUser, Content: "hi"}}
}

func TestOpenAI_Chat(t *testing.T) {
	var got map[string]any
	srv := replyWith(t, http.StatusOK, `{
		"choices": [{"message": {"role": "assistant", "content": "hello",
			"tool_calls": [{"id": "c1", "type": "function", "function": {"name": "echo", "arguments": "{\"text\":\"x\"}"}}]}}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`, &got)

	p, err := NewOpenAIProvider("test-key", srv.URL, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.Chat(context.Background(), hi(), []ToolSpec{echoSpec})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello" || resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Args != `{"text":"x"}` {
		t.Errorf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if got["model"] != "gpt-4o" {
		t.Errorf("model = %v", got["model"])
	}
	if tools, _ := got["tools"].([]any); len(tools) != 1 {
		t.Errorf("expected one tool in request, got %v", got["tools"])
	}
}

func TestOpenAI_NoChoices(t *testing.T) {
	srv := replyWith(t, http.StatusOK, `{"choices": [], "usage": {}}`, nil)
	p, _ := NewOpenAIProvider("test-key", srv.URL, "")
	if _, err := p.Chat(context.Background(), hi(), nil); err == nil {
		t.Error("expected error for empty choices")
	}
}

func TestOpenAI_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"structured", http.StatusTooManyRequests, `{"error": {"message": "slow down", "type": "rate_limit"}}`},
		{"bare", http.StatusInternalServerError, ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := replyWith(t, tt.status, tt.body, nil)
			p, _ := NewOpenAIProvider("key", srv.URL, "")
			_, err := p.Chat(context.Background(), hi(), nil)
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.Status != tt.status || apiErr.Provider != "openai" {
				t.Errorf("unexpected error %+v", apiErr)
			}
		})
	}
}

func TestAnthropic_Chat(t *testing.T) {
	var got anthropicRequest
	srv := replyWith(t, http.StatusOK, `{
		"content": [
			{"type": "text", "text": "Let me repeat that"},
			{"type": "tool_use", "id": "tc_1", "name": "echo", "input": {"text":"hello"}}
		],
		"usage": {"input_tokens": 5, "output_tokens": 10}
	}`, &got)

	p, err := NewAnthropicProvider("test-key", srv.URL, "claude-test")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q", p.Name())
	}
	resp, err := p.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "say hello"},
	}, []ToolSpec{echoSpec})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got.Model != "claude-test" || got.System != "be brief" || got.MaxTokens != anthropicMaxOut {
		t.Errorf("unexpected request %+v", got)
	}
	if len(got.Messages) != 1 || len(got.Tools) != 1 || got.Tools[0].Name != "echo" {
		t.Errorf("unexpected request body %+v", got)
	}
	if resp.Content != "Let me repeat that" || resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "tc_1" || resp.ToolCalls[0].Args != `{"text":"hello"}` {
		t.Errorf("unexpected tool calls %+v", resp.ToolCalls)
	}
}

func TestAnthropic_Error(t *testing.T) {
	srv := replyWith(t, http.StatusUnauthorized,
		`{"type": "error", "error": {"type": "authentication_error", "message": "invalid x-api-key"}}`, nil)
	p, _ := NewAnthropicProvider("key", srv.URL, "")

	_, err := p.Chat(context.Background(), hi(), nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !apiErr.Unauthorized() || apiErr.Type != "authentication_error" || apiErr.Message != "invalid x-api-key" {
		t.Errorf("unexpected error %+v", apiErr)
	}
	if apiErr.Error() != "anthropic: 401 authentication_error: invalid x-api-key" {
		t.Errorf("Error() = %q", apiErr.Error())
	}
}

func TestAnthropicMessages(t *testing.T) {
	system, msgs := anthropicMessages([]Message{
		{Role: RoleSystem, Content: "one"},
		{Role: RoleSystem, Content: "two"},
		{Role: RoleUser, Content: "what time is it and say hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "a", Name: "current_time", Args: ""},
			{ID: "b", Name: "echo", Args: `{"text":"hi"}`},
		}},
		{Role: RoleTool, ToolCallID: "a", Content: "noon"},
		{Role: RoleTool, ToolCallID: "b", Content: "hi"},
		{Role: RoleAssistant, Content: ""},
		{Role: RoleAssistant, Content: "It is noon. hi"},
	})

	if system != "one\n\ntwo" {
		t.Errorf("system = %q", system)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(msgs), msgs)
	}
	calls := msgs[1].Content
	if len(calls) != 2 || string(calls[0].Input) != `{}` || calls[1].Name != "echo" {
		t.Errorf("unexpected tool_use blocks %+v", calls)
	}
	results := msgs[2]
	if results.Role != RoleUser || len(results.Content) != 2 || results.Content[1].ToolUseID != "b" {
		t.Errorf("tool results not grouped: %+v", results)
	}
	if msgs[3].Content[0].Text != "It is noon. hi" {
		t.Errorf("unexpected final message %+v", msgs[3])
	}
}

func TestOllama_Chat(t *testing.T) {
	var got map[string]any
	// The client reads one JSON object per line.
	srv := replyWith(t, http.StatusOK, `{"message": {"role": "assistant", "content": "hi from ollama", `+
		`"tool_calls": [{"function": {"name": "echo", "arguments": {"text": "hi"}}}]}, `+
		`"done": true, "eval_count": 10, "prompt_eval_count": 5}`+"\n", &got)

	p, err := NewOllamaProvider(srv.URL, "llama3")
	if err != nil {
		t.Fatalf("NewOllamaProvider: %v", err)
	}
	resp, err := p.Chat(context.Background(), hi(), []ToolSpec{echoSpec})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hi from ollama" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.PromptTokens != 5 || resp.Usage.CompletionTokens != 10 || resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "echo" || resp.ToolCalls[0].Args != `{"text":"hi"}` {
		t.Errorf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if got["stream"] != false {
		t.Errorf("expected non-streaming request, got stream=%v", got["stream"])
	}
}

func TestOllama_Error(t *testing.T) {
	srv := replyWith(t, http.StatusInternalServerError, "model exploded\n", nil)
	p, _ := NewOllamaProvider(srv.URL, "")
	_, err := p.Chat(context.Background(), hi(), nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Unavailable() {
		t.Fatalf("expected unavailable APIError, got %v", err)
	}
}

func TestOllamaTools(t *testing.T) {
	spec := echoSpec
	spec.Parameters = map[string]any{
		"type":       "object",
		"properties": echoSpec.Parameters["properties"],
		"required":   []any{"text"},
	}
	tools := ollamaTools([]ToolSpec{spec, {Name: "current_time"}})
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	if r := tools[0].Function.Parameters.Required; len(r) != 1 || r[0] != "text" {
		t.Errorf("required = %v", r)
	}
	if tools[1].Function.Parameters.Type != "object" {
		t.Errorf("parameterless tool type = %q", tools[1].Function.Parameters.Type)
	}
}

func TestGemini(t *testing.T) {
	if _, err := NewGeminiProvider("", ""); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
	// genai.NewClient does not connect eagerly.
	p, err := NewGeminiProvider("fake-key", "gemini-pro")
	if err != nil {
		t.Skipf("client init: %v", err)
	}
	if p.Name() != "gemini" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestGeminiContent_ToolRoundTrip(t *testing.T) {
	id := geminiCallID("current_time", 3)
	if geminiCallName(id) != "current_time" {
		t.Fatalf("geminiCallName(%q) = %q", id, geminiCallName(id))
	}

	c := geminiContent(Message{Role: RoleTool, ToolCallID: id, Content: "noon"})
	fr, ok := c.Parts[0].(genai.FunctionResponse)
	if c.Role != "user" || !ok || fr.Name != "current_time" || fr.Response["result"] != "noon" {
		t.Errorf("unexpected tool result content %+v", c)
	}

	c = geminiContent(Message{Role: RoleAssistant, Content: "checking", ToolCalls: []ToolCall{{ID: id, Name: "current_time", Args: `{"timezone":"UTC"}`}}})
	if c.Role != "model" || len(c.Parts) != 2 {
		t.Fatalf("unexpected assistant content %+v", c)
	}
	if fc, ok := c.Parts[1].(genai.FunctionCall); !ok || fc.Args["timezone"] != "UTC" {
		t.Errorf("unexpected function call %+v", c.Parts[1])
	}
}

func TestGeminiError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{status.Error(codes.ResourceExhausted, "quota"), http.StatusTooManyRequests},
		{status.Error(codes.Unauthenticated, "bad key"), http.StatusUnauthorized},
		{status.Error(codes.Unavailable, "down"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		var apiErr *APIError
		if !errors.As(geminiError(tt.err), &apiErr) || apiErr.Status != tt.status {
			t.Errorf("geminiError(%v) = %v, want status %d", tt.err, apiErr, tt.status)
		}
	}

	plain := errors.New("boom")
	if err := geminiError(plain); !errors.Is(err, plain) {
		t.Errorf("plain errors should be wrapped, got %v", err)
	}
}

func TestGeminiSchema(t *testing.T) {
	s := geminiSchema(echoSpec.Parameters)
	if s == nil || s.Properties["text"] == nil {
		t.Fatalf("expected text property, got %+v", s)
	}
	if s.Properties["text"].Description != "Text to repeat" {
		t.Errorf("description = %q", s.Properties["text"].Description)
	}
	if len(s.Required) != 1 || s.Required[0] != "text" {
		t.Errorf("required = %v", s.Required)
	}
	if geminiSchema(nil) != nil {
		t.Error("expected nil schema for nil parameters")
	}
}

func TestStub(t *testing.T) {
	p := NewStubProvider()
	var names []string
	for i := 0; i < 3; i++ {
		resp, err := p.Chat(context.Background(), hi(), nil)
		if err != nil {
			t.Fatalf("Chat: %v", err)
		}
		for _, tc := range resp.ToolCalls {
			names = append(names, tc.Name)
		}
		if i == 2 && resp.Content != "You said: hi" {
			t.Errorf("expected echo answer once the script is done, got %q", resp.Content)
		}
	}
	if len(names) != 2 || names[0] != "current_time" || names[1] != "echo" {
		t.Errorf("unexpected scripted tool calls %v", names)
	}
	if p.Calls() != 3 {
		t.Errorf("Calls() = %d, want 3", p.Calls())
	}
}

func TestStub_Canceled(t *testing.T) {
	p := NewStubProvider()
	p.Delay = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Chat(ctx, hi(), nil); err == nil {
		t.Error("expected error on canceled context")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		cfg     Config
		want    string
		wantErr error
	}{
		{Config{}, "stub", nil},
		{Config{Name: "STUB"}, "stub", nil},
		{Config{Name: "ollama", BaseURL: "http://127.0.0.1:11434"}, "ollama", nil},
		{Config{Name: "anthropic", APIKey: "k", BaseURL: "http://127.0.0.1:1"}, "anthropic", nil},
		{Config{Name: "openai", APIKey: "k"}, "openai", nil},
		{Config{Name: "openai"}, "", ErrMissingAPIKey},
		{Config{Name: "anthropic"}, "", ErrMissingAPIKey},
	}
	for _, tt := range tests {
		p, err := New(tt.cfg)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New(%+v): err = %v, want %v", tt.cfg, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("New(%+v): %v", tt.cfg, err)
			continue
		}
		if p.Name() != tt.want {
			t.Errorf("New(%+v).Name() = %q, want %q", tt.cfg, p.Name(), tt.want)
		}
	}
	if _, err := New(Config{Name: "mystery"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
