package domain

import "context"

// ToolFunc is the execution contract for a tool: it receives the session
// identity plus the parsed arguments and returns the tool's response text.
type ToolFunc func(ctx context.Context, appID, userID, channel string, args map[string]any) (string, error)

// ToolCatalog is the narrow lookup contract the orchestrator needs: resolve a
// name to an executor and enumerate the schemas declared to the provider.
type ToolCatalog interface {
	Lookup(name string) (ToolFunc, bool)
	Schemas() []ToolSchema
}
