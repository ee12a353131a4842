// Package toolregistry implements the declarative tool catalog: typed
// parameter schemas, uniform invocation and error envelope, default-location
// injection, and handler-panic trapping.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"
	jsonschemavalidate "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/zubot/internal/observability"
)

// Handler executes one tool call given already-validated, JSON-decoded args.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Spec declares one tool: its name, category, description, and the Go type
// whose JSON-schema-tagged fields define its parameters.
type Spec struct {
	Name        string
	Category    string
	Description string
	// ParamsType is a zero value of the tool's parameter struct, used only to
	// derive the JSON schema; the actual call args still arrive as a map.
	ParamsType any
	Handler     Handler
}

type compiledTool struct {
	spec    Spec
	schema  *jsonschemavalidate.Schema
	rawJSON json.RawMessage
}

// Registry is the thread-safe catalog of registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*compiledTool

	// defaultLocation is injected into args["location"] for the tools named
	// in locationAwareTools when the caller omits it.
	defaultLocation string
	metrics         *observability.Metrics
}

// NewRegistry returns an empty registry. defaultLocation is the process's
// resolved location, used for default-location injection.
func NewRegistry(defaultLocation string) *Registry {
	return &Registry{
		tools:           make(map[string]*compiledTool),
		defaultLocation: defaultLocation,
	}
}

// WithMetrics attaches per-invocation outcome instrumentation.
func (r *Registry) WithMetrics(m *observability.Metrics) *Registry {
	r.metrics = m
	return r
}

// locationAwareTools is the well-known subset that gets the process's
// resolved location injected when the caller omits one.
var locationAwareTools = map[string]bool{
	"get_current_time": true,
	"get_weather":       true,
	"get_weather_forecast": true,
}

// Register compiles the tool's JSON schema (via invopop/jsonschema generation
// then santhosh-tekuri/jsonschema/v5 compilation) and adds it to the catalog.
// A tool registered under a name already present replaces the prior entry.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec requires a name")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %q requires a handler", spec.Name)
	}

	schemaJSON, err := generateSchema(spec.ParamsType)
	if err != nil {
		return fmt.Errorf("tool %q: generate schema: %w", spec.Name, err)
	}
	compiler := jsonschemavalidate.NewCompiler()
	resourceName := spec.Name + ".schema.json"
	if err := compiler.AddResource(resourceName, byteReader(schemaJSON)); err != nil {
		return fmt.Errorf("tool %q: add schema resource: %w", spec.Name, err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("tool %q: compile schema: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = &compiledTool{spec: spec, schema: schema, rawJSON: schemaJSON}
	return nil
}

func generateSchema(paramsType any) (json.RawMessage, error) {
	if paramsType == nil {
		return json.Marshal(map[string]any{"type": "object", "properties": map[string]any{}})
	}
	reflector := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	schema := reflector.ReflectFromType(reflect.TypeOf(paramsType))
	return json.Marshal(schema)
}

func byteReader(b []byte) *sliceReader { return &sliceReader{data: b} }

// sliceReader adapts a byte slice to io.Reader for AddResource.
type sliceReader struct {
	data []byte
	pos  int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, fmt.Errorf("EOF")
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}

// Unregister removes a tool from the catalog.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Schema returns a tool's compiled JSON schema document, or false if unknown.
func (r *Registry) Schema(name string) (json.RawMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return t.rawJSON, true
}

// Category returns a registered tool's category, or false if unknown.
func (r *Registry) Category(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return "", false
	}
	return t.spec.Category, true
}

// Schemas returns the {name, description, parameters} tuples for every name
// in names, skipping unknown names, for handing to an LLM provider's
// tool-calling API.
func (r *Registry) Schemas(names []string) []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSchema, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, ToolSchema{Name: name, Description: t.spec.Description, Parameters: t.rawJSON})
	}
	return out
}

// ToolSchema is one tool's JSON-schema description handed to an LLM provider.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Names returns every registered tool name filtered to those in allowed, in
// no particular order. An empty allowed list returns every tool.
func (r *Registry) Names(allowed []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var allowSet map[string]bool
	if len(allowed) > 0 {
		allowSet = make(map[string]bool, len(allowed))
		for _, a := range allowed {
			allowSet[a] = true
		}
	}
	var out []string
	for name := range r.tools {
		if allowSet != nil && !allowSet[name] {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Result is the uniform {ok, error?, source, ...extra} envelope returned by
// Invoke regardless of success, failure, or trapped panic.
type Result struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Source string         `json:"source"`
	Extra  map[string]any `json:"-"`
}

// MarshalJSON flattens Extra alongside the envelope fields.
func (r Result) MarshalJSON() ([]byte, error) {
	out := map[string]any{"ok": r.OK, "source": r.Source}
	if r.Error != "" {
		out["error"] = r.Error
	}
	for k, v := range r.Extra {
		out[k] = v
	}
	return json.Marshal(out)
}

// Invoke validates argsJSON against the tool's schema, injects the default
// location when applicable, runs the handler under panic recovery, and
// returns the uniform envelope. Handlers that return a nil map are treated as
// a bare-ok result.
func (r *Registry) Invoke(ctx context.Context, name string, argsJSON json.RawMessage) (res Result) {
	defer func() { r.metrics.RecordToolExecution(name, res.OK) }()

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Result{OK: false, Error: fmt.Sprintf("unknown tool %q", name), Source: name}
	}

	var args map[string]any
	if len(argsJSON) == 0 {
		args = map[string]any{}
	} else if err := json.Unmarshal(argsJSON, &args); err != nil {
		return Result{OK: false, Error: fmt.Sprintf("tool %s: invalid arguments JSON: %v", name, err), Source: name}
	}

	if locationAwareTools[name] {
		if _, present := args["location"]; !present && r.defaultLocation != "" {
			args["location"] = r.defaultLocation
		}
	}

	var asAny any = args
	if err := tool.schema.Validate(asAny); err != nil {
		return Result{OK: false, Error: fmt.Sprintf("tool %s: parameters failed validation: %v", name, err), Source: name}
	}

	defer func() {
		if rec := recover(); rec != nil {
			res = Result{OK: false, Error: fmt.Sprintf("Tool %s failed: panic: %v", name, rec), Source: name}
		}
	}()

	out, err := tool.spec.Handler(ctx, args)
	if err != nil {
		return Result{OK: false, Error: fmt.Sprintf("Tool %s failed: %v", name, err), Source: name}
	}
	if out == nil {
		return Result{OK: true, Source: name}
	}
	return Result{OK: true, Source: name, Extra: out}
}
