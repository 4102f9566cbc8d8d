// Package tool holds the catalog of functions the model may invoke.
package tool

import (
	"context"
	"log/slog"
	"sync"

	"relaybot/internal/domain"
)

// Registry maps tool names to executors and schemas. It implements
// domain.ToolCatalog.
type Registry struct {
	mu      sync.RWMutex
	funcs   map[string]domain.ToolFunc
	schemas map[string]domain.ToolSchema
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		funcs:   make(map[string]domain.ToolFunc),
		schemas: make(map[string]domain.ToolSchema),
		logger:  logger,
	}
}

// Register binds an executor and its schema under the schema's name.
func (r *Registry) Register(schema domain.ToolSchema, fn domain.ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[schema.Name] = fn
	r.schemas[schema.Name] = schema
	r.logger.Debug("registered tool", "name", schema.Name)
}

// Declare records a schema without an executor, typically from a manifest
// file. An executor registered later under the same name completes the pair.
func (r *Registry) Declare(schema domain.ToolSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.Name] = schema
}

// Bind attaches an executor to an already-declared schema.
func (r *Registry) Bind(name string, fn domain.ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

func (r *Registry) Lookup(name string) (domain.ToolFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Schemas returns the declarations passed to the completion provider.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ToolSchema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Execute(ctx context.Context, name, appID, userID, channel string, args map[string]any) (string, error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return "", &UnknownToolError{Name: name}
	}
	return fn(ctx, appID, userID, channel, args)
}

// UnknownToolError marks an invocation of a tool that was never registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return "unknown tool: " + e.Name
}

// Param describes a single tool parameter.
type Param struct {
	Type        string
	Description string
}

// Parameters builds a JSON Schema "parameters" object for a tool.
func Parameters(properties map[string]Param, required []string) map[string]any {
	props := make(map[string]any)
	for name, p := range properties {
		props[name] = map[string]any{"type": p.Type, "description": p.Description}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
