package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"

	jsonschemavalidate "github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/haasonsaas/zubot/pkg/models"
)

// Tool is the self-describing interface implemented by the kernel tool
// packages (internal/tools/*): the tool carries its own name, description,
// and JSON schema, and executes against raw JSON params.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error)
}

// RegisterTool adds a self-describing Tool to the catalog under the given
// category, wrapping its Execute into the registry's uniform handler and
// validating args against the tool's own schema.
func (r *Registry) RegisterTool(category string, t Tool) error {
	if t == nil {
		return fmt.Errorf("nil tool")
	}
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	schemaJSON := t.Schema()
	if len(schemaJSON) == 0 {
		schemaJSON = json.RawMessage(`{"type":"object"}`)
	}

	compiler := jsonschemavalidate.NewCompiler()
	resourceName := name + ".schema.json"
	if err := compiler.AddResource(resourceName, byteReader(schemaJSON)); err != nil {
		return fmt.Errorf("tool %q: add schema resource: %w", name, err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("tool %q: compile schema: %w", name, err)
	}

	handler := func(ctx context.Context, args map[string]any) (map[string]any, error) {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		result, err := t.Execute(ctx, raw)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		if result.IsError {
			return nil, fmt.Errorf("%s", result.Content)
		}
		return map[string]any{"content": result.Content}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = &compiledTool{
		spec:    Spec{Name: name, Category: category, Description: t.Description(), Handler: handler},
		schema:  schema,
		rawJSON: schemaJSON,
	}
	return nil
}
