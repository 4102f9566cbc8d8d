package tool

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"relaybot/internal/domain"
)

// manifest is the YAML shape of a tool declaration file.
type manifest struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// LoadManifests reads tool schema declarations from YAML files in a directory.
// Files must have a .yaml or .yml extension. The schemas only declare tools to
// the completion provider; executors are bound separately in code.
func LoadManifests(dir string, logger *slog.Logger) ([]domain.ToolSchema, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("tool manifest directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}

	var schemas []domain.ToolSchema
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read tool manifest", "file", path, "err", err)
			continue
		}

		var m manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			logger.Warn("invalid tool manifest", "file", path, "err", err)
			continue
		}
		if m.Name == "" {
			logger.Warn("tool manifest missing name, skipping", "file", path)
			continue
		}

		schemas = append(schemas, domain.ToolSchema{
			Name:        m.Name,
			Description: m.Description,
			Parameters:  normalizeYAMLMap(m.Parameters),
		})
		logger.Debug("loaded tool manifest", "name", m.Name, "file", path)
	}

	return schemas, nil
}

// normalizeYAMLMap converts nested map[any]any values produced by the YAML
// decoder into map[string]any so the schema marshals cleanly as JSON.
func normalizeYAMLMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeYAMLMap(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAMLValue(val)
		}
		return out
	default:
		return v
	}
}
