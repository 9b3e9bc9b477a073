package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
)

const geminiModel = "gemini-1.5-flash"

type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if model == "" {
		model = geminiModel
	}
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) Chat(ctx context.Context, messages []Message, specs []ToolSpec) (*Response, error) {
	if len(messages) == 0 {
		return nil, errors.New("gemini: no messages to send")
	}

	model := p.client.GenerativeModel(p.model)
	if tools := geminiTools(specs); tools != nil {
		model.Tools = tools
	}

	var history []*genai.Content
	for _, m := range messages[:len(messages)-1] {
		if m.Role == RoleSystem {
			model.SystemInstruction = genai.NewUserContent(genai.Text(m.Content))
			continue
		}
		history = append(history, geminiContent(m))
	}
	chat := model.StartChat()
	chat.History = history

	resp, err := chat.SendMessage(ctx, geminiContent(messages[len(messages)-1]).Parts...)
	if err != nil {
		return nil, geminiError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("gemini: reply has no candidates")
	}

	out := &Response{}
	for i, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			out.Content += string(v)
		case genai.FunctionCall:
			args, err := json.Marshal(v.Args)
			if err != nil {
				return nil, fmt.Errorf("gemini: encode %s arguments: %w", v.Name, err)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: geminiCallID(v.Name, i), Name: v.Name, Args: string(args)})
		}
	}
	if md := resp.UsageMetadata; md != nil {
		out.Usage = Usage{
			PromptTokens:     int(md.PromptTokenCount),
			CompletionTokens: int(md.CandidatesTokenCount),
			TotalTokens:      int(md.TotalTokenCount),
		}
	}
	return out, nil
}

// Gemini has no call ids; results are matched by function name. The id
// keeps the name recoverable and unique within a reply.
func geminiCallID(name string, i int) string {
	return name + "#" + strconv.Itoa(i)
}

func geminiCallName(id string) string {
	name, _, _ := strings.Cut(id, "#")
	return name
}

func geminiContent(m Message) *genai.Content {
	if m.Role == RoleTool || m.ToolCallID != "" {
		return &genai.Content{Role: "user", Parts: []genai.Part{genai.FunctionResponse{
			Name:     geminiCallName(m.ToolCallID),
			Response: map[string]any{"result": m.Content},
		}}}
	}

	c := &genai.Content{Role: "user"}
	if m.Role == RoleAssistant {
		c.Role = "model"
	}
	if m.Content != "" {
		c.Parts = append(c.Parts, genai.Text(m.Content))
	}
	for _, tc := range m.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Args), &args)
		c.Parts = append(c.Parts, genai.FunctionCall{Name: tc.Name, Args: args})
	}
	return c
}

func geminiTools(specs []ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, len(specs))
	for i, s := range specs {
		decls[i] = &genai.FunctionDeclaration{Name: s.Name, Description: s.Description, Parameters: geminiSchema(s.Parameters)}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

var geminiTypes = map[string]genai.Type{
	"object":  genai.TypeObject,
	"string":  genai.TypeString,
	"integer": genai.TypeInteger,
	"number":  genai.TypeNumber,
	"boolean": genai.TypeBoolean,
	"array":   genai.TypeArray,
}

// geminiSchema converts a JSON schema object into genai's schema type.
func geminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	typ, _ := m["type"].(string)
	desc, _ := m["description"].(string)
	s := &genai.Schema{Type: geminiTypes[typ], Description: desc}

	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if sub, ok := raw.(map[string]any); ok {
				s.Properties[name] = geminiSchema(sub)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = geminiSchema(items)
	}
	switch req := m["required"].(type) {
	case []string:
		s.Required = req
	case []any:
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	return s
}

var grpcHTTPStatus = map[codes.Code]int{
	codes.ResourceExhausted: http.StatusTooManyRequests,
	codes.Unauthenticated:   http.StatusUnauthorized,
	codes.PermissionDenied:  http.StatusForbidden,
	codes.InvalidArgument:   http.StatusBadRequest,
	codes.NotFound:          http.StatusNotFound,
	codes.Unavailable:       http.StatusServiceUnavailable,
	codes.Internal:          http.StatusInternalServerError,
}

// geminiError lifts Google API errors into APIError so callers can tell
// throttling from bad credentials.
func geminiError(err error) error {
	ae, ok := apierror.FromError(err)
	if !ok {
		return fmt.Errorf("gemini: %w", err)
	}
	status := ae.HTTPCode()
	if status <= 0 {
		code := ae.GRPCStatus().Code()
		if status, ok = grpcHTTPStatus[code]; !ok {
			return fmt.Errorf("gemini: %w", err)
		}
	}
	msg := ae.GRPCStatus().Message()
	if msg == "" {
		msg = err.Error()
	}
	return &APIError{Provider: "gemini", Status: status, Type: ae.Reason(), Message: msg}
}
