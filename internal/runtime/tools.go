package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/felixgeelhaar/murmur/internal/provider"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FinishTool is the agent's internal "I am done" tool. It never gets an
// event of its own.
const FinishTool = "finish"

// ErrUnknownTool is returned by Execute for names nobody registered.
var ErrUnknownTool = errors.New("unknown tool")

// Labels shown for tools that are referenced by name before, or without,
// being registered.
var builtinDisplayNames = map[string]string{
	"scrape_website": "Super Web Search",
	"search_web":     "Web Search",
	"query_sql_db":   "SQL Query",
	"query_mongo_db": "Debug Log Query",
	FinishTool:       "Complete",
}

// ToolDefinition describes a tool. Parameters is a JSON schema for the
// call arguments; nil accepts anything.
type ToolDefinition struct {
	Name        string
	DisplayName string
	Description string
	Parameters  map[string]any
}

// ToolExecutor runs one call on behalf of room.
type ToolExecutor func(ctx context.Context, room string, call provider.ToolCall) (string, error)

type registeredTool struct {
	def    ToolDefinition
	run    ToolExecutor
	schema *jsonschema.Schema
}

// ToolRegistry holds the tools offered to the model. Safe for concurrent
// use; a nil registry has no tools.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]registeredTool)}
}

// Register adds def. The name must be unused and the parameter schema
// must compile.
func (r *ToolRegistry) Register(def ToolDefinition, run ToolExecutor) error {
	if strings.TrimSpace(def.Name) == "" {
		return errors.New("tool name is required")
	}
	if run == nil {
		return fmt.Errorf("tool %q: executor is required", def.Name)
	}
	schema, err := compileParameters(def)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[def.Name]; dup {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.tools[def.Name] = registeredTool{def: def, run: run, schema: schema}
	return nil
}

func compileParameters(def ToolDefinition) (*jsonschema.Schema, error) {
	if def.Parameters == nil {
		return nil, nil
	}
	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return nil, fmt.Errorf("tool %q: encode parameters: %w", def.Name, err)
	}
	url := "mem://tools/" + def.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tool %q: %w", def.Name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %q: invalid parameters schema: %w", def.Name, err)
	}
	return schema, nil
}

func (r *ToolRegistry) lookup(name string) (registeredTool, bool) {
	if r == nil {
		return registeredTool{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Get returns the definition registered under name.
func (r *ToolRegistry) Get(name string) (ToolDefinition, bool) {
	t, ok := r.lookup(name)
	return t.def, ok
}

// List returns every definition, sorted by name.
func (r *ToolRegistry) List() []ToolDefinition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute validates call.Args against the tool's schema and runs it.
// Empty arguments are treated as an empty object.
func (r *ToolRegistry) Execute(ctx context.Context, room string, call provider.ToolCall) (string, error) {
	t, ok := r.lookup(call.Name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	if t.schema != nil {
		args := strings.TrimSpace(call.Args)
		if args == "" {
			args = "{}"
		}
		var v any
		if err := json.Unmarshal([]byte(args), &v); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
		if err := t.schema.Validate(v); err != nil {
			return "", fmt.Errorf("invalid tool arguments: %w", err)
		}
	}
	return t.run(ctx, room, call)
}

// DisplayName returns the label clients show for a tool: the registered
// display name, then the built-in label, then the raw name.
func (r *ToolRegistry) DisplayName(name string) string {
	if t, ok := r.lookup(name); ok && t.def.DisplayName != "" {
		return t.def.DisplayName
	}
	if label, ok := builtinDisplayNames[name]; ok {
		return label
	}
	return name
}

// Specs returns the definitions in the shape providers accept.
func (r *ToolRegistry) Specs() []provider.ToolSpec {
	defs := r.List()
	specs := make([]provider.ToolSpec, len(defs))
	for i, d := range defs {
		specs[i] = provider.ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return specs
}
