package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolKind partitions tools by execution model.
type ToolKind string

const (
	// KindSPT runs in-process; its result reaches the model next turn.
	KindSPT ToolKind = "spt"
	// KindLPT dispatches to a worker and returns a queued receipt; the
	// real result arrives later as a workflow callback.
	KindLPT ToolKind = "lpt"
	// KindMeta steers the workflow itself (terminate, context update,
	// task and checklist management).
	KindMeta ToolKind = "meta"
)

// Invocation is what a tool handler receives: the decoded, schema-valid
// input plus the brain whose workflow is executing the call.
type Invocation struct {
	Brain *Brain
	Call  ToolCall
	Input map[string]any
}

// Handler executes a tool. The returned value is JSON-encoded into the
// tool_result; a returned error produces an error tool_result and the
// loop continues.
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// Tool is a typed registry record: name, schema, kind, and handler.
type Tool struct {
	Name        string
	Description string
	Kind        ToolKind
	Schema      json.RawMessage
	Handler     Handler

	compiled *jsonschema.Schema
}

// Registry holds the tool set resolved for one chat mode.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]*Tool{}}
}

// Register adds a tool, compiling its input schema. A tool with the same
// name is replaced. Registration order is preserved for Definitions.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", t.Name)
	}
	if len(t.Schema) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(t.Name+".json", bytes.NewReader(t.Schema)); err != nil {
			return fmt.Errorf("tool %s: add schema: %w", t.Name, err)
		}
		compiled, err := compiler.Compile(t.Name + ".json")
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
		}
		t.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = &t
	return nil
}

// MustRegister is Register that panics; used for static tool tables built
// at startup.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Kind reports the registered kind for a tool name.
func (r *Registry) Kind(name string) (ToolKind, bool) {
	t, ok := r.Get(name)
	if !ok {
		return "", false
	}
	return t.Kind, true
}

// Definitions lists the registry as provider tool definitions, in
// registration order.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		schema := t.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		defs = append(defs, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return defs
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Execute validates the call input against the tool schema and runs the
// handler. Unknown tools and invalid inputs return (result, false) where
// result is the error text for the tool_result; the workflow keeps going.
func (r *Registry) Execute(ctx context.Context, brain *Brain, call ToolCall) (result string, ok bool) {
	t, found := r.Get(call.Name)
	if !found {
		return fmt.Sprintf("tool not found: %s", call.Name), false
	}

	input := map[string]any{}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &input); err != nil {
			return fmt.Sprintf("tool %s: invalid input JSON: %v", call.Name, err), false
		}
	}
	if t.compiled != nil {
		if err := t.compiled.Validate(input); err != nil {
			return fmt.Sprintf("tool %s: input rejected by schema: %v", call.Name, err), false
		}
	}

	out, err := t.Handler(ctx, &Invocation{Brain: brain, Call: call, Input: input})
	if err != nil {
		return fmt.Sprintf("tool %s failed: %v", call.Name, err), false
	}
	return encodeResult(out), true
}

func encodeResult(out any) string {
	switch v := out.(type) {
	case nil:
		return "{}"
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
