package tool

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifests_ReadsValidFiles(t *testing.T) {
	dir := t.TempDir()
	manifest := `name: get_weather
description: Look up the weather for a city
parameters:
  type: object
  properties:
    city:
      type: string
      description: City name
  required:
    - city
`
	if err := os.WriteFile(filepath.Join(dir, "weather.yaml"), []byte(manifest), 0o600); err != nil {
		t.Fatal(err)
	}
	// Non-YAML files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore"), 0o600); err != nil {
		t.Fatal(err)
	}

	schemas, err := LoadManifests(dir, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(schemas) != 1 {
		t.Fatalf("expected 1 schema, got %d", len(schemas))
	}
	if schemas[0].Name != "get_weather" {
		t.Errorf("expected get_weather, got %q", schemas[0].Name)
	}

	props, ok := schemas[0].Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatal("properties not normalized to map[string]any")
	}
	if _, ok := props["city"].(map[string]any); !ok {
		t.Error("nested property not normalized")
	}
}

func TestLoadManifests_SkipsBroken(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("{{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "anon.yaml"), []byte("description: no name"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ok.yaml"), []byte("name: fine"), 0o600); err != nil {
		t.Fatal(err)
	}

	schemas, err := LoadManifests(dir, testLogger())
	if err != nil {
		t.Fatalf("broken manifests must be skipped, not fatal: %v", err)
	}
	if len(schemas) != 1 || schemas[0].Name != "fine" {
		t.Errorf("expected only the valid manifest, got %+v", schemas)
	}
}

func TestLoadManifests_MissingDir(t *testing.T) {
	schemas, err := LoadManifests(filepath.Join(t.TempDir(), "absent"), testLogger())
	if err != nil {
		t.Fatalf("missing directory is not an error: %v", err)
	}
	if schemas != nil {
		t.Errorf("expected nil schemas, got %v", schemas)
	}
}
