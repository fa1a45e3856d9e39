package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

type registeredTool struct {
	def     Definition
	handler Handler
}

// Registry is the in-memory tool catalog consulted by the batch executor.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

func (r *Registry) Register(def Definition, handler Handler) error {
	if r == nil {
		return errors.New("nil tool registry")
	}
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %s missing handler", name)
	}
	def.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool_registry_conflict: duplicate tool %q", name)
	}
	r.tools[name] = registeredTool{def: def, handler: handler}
	return nil
}

func (r *Registry) Unregister(name string) error {
	if r == nil {
		return errors.New("nil tool registry")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	return nil
}

// Snapshot returns all definitions sorted by name.
func (r *Registry) Snapshot() []Definition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, item := range r.tools {
		out = append(out, item.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Lookup(name string) (Definition, Handler, bool) {
	if r == nil {
		return Definition{}, nil, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Definition{}, nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.tools[name]
	if !ok {
		return Definition{}, nil, false
	}
	return item.def, item.handler, true
}

// IsThreadSafe reports the static thread-safety attribute. Unknown tools are not thread-safe.
func (r *Registry) IsThreadSafe(name string) bool {
	def, _, ok := r.Lookup(name)
	return ok && def.ThreadSafe
}

func (r *Registry) IsMutating(name string) bool {
	def, _, ok := r.Lookup(name)
	return ok && def.Mutating
}

// Execute validates and runs one call. Failures are returned as unsuccessful results.
func (r *Registry) Execute(ctx context.Context, call Call) (res Result) {
	def, handler, ok := r.Lookup(call.Name)
	if !ok {
		return Failure(call.ID, ErrorCodeUnknownTool, fmt.Sprintf("Unknown tool: %s", strings.TrimSpace(call.Name)))
	}
	if err := validateArgs(def, call.Args); err != nil {
		return Failure(call.ID, ErrorCodeInvalidArguments, err.Error())
	}

	defer func() {
		if p := recover(); p != nil {
			res = Failure(call.ID, ErrorCodeExecution, fmt.Sprintf("tool %s panicked: %v", def.Name, p))
		}
	}()

	out, err := handler.Execute(ctx, call)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Interrupted(call.ID)
		}
		return Failure(call.ID, ErrorCodeExecution, err.Error())
	}
	out.CallID = call.ID
	return out
}

// argSchema is the part of a tool's JSON schema that is checked before dispatch.
type argSchema struct {
	Required   []string `json:"required"`
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
}

func validateArgs(def Definition, args map[string]any) error {
	if len(def.InputSchema) == 0 {
		return nil
	}
	var schema argSchema
	if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
		return nil
	}
	for _, name := range schema.Required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required field: %s", name)
		}
	}
	for key, val := range args {
		want := strings.ToLower(strings.TrimSpace(schema.Properties[key].Type))
		if want == "integer" {
			want = "number"
		}
		switch want {
		case "string", "boolean", "number", "object", "array":
			if jsonKind(val) != want {
				return fmt.Errorf("invalid type for %s: expected %s", key, schema.Properties[key].Type)
			}
		}
	}
	return nil
}

// jsonKind names the JSON type a decoded argument value would have.
func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return "number"
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Slice, reflect.Array:
		return "array"
	}
	return ""
}

// ObjectSchema builds a JSON schema object for tool definitions.
func ObjectSchema(properties map[string]any, required ...string) json.RawMessage {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	b, _ := json.Marshal(schema)
	return b
}
