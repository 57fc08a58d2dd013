package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestLoader_LoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "timeouts.rego"), "# Bounded timeouts.\npackage t\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n")
	writeFile(t, filepath.Join(dir, "nested", "owners.json"), `{"name": "owners", "rego": "package o\n", "severity": "info"}`)
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}

	byName := map[string]Policy{}
	for _, p := range policies {
		byName[p.Name] = p
	}

	timeouts := byName["timeouts"]
	if timeouts.Severity != SeverityWarning || timeouts.Description != "Bounded timeouts." || !timeouts.Enabled {
		t.Errorf("Unexpected rego policy: %+v", timeouts)
	}
	if timeouts.Source != filepath.Join(dir, "timeouts.rego") {
		t.Errorf("Unexpected source %s", timeouts.Source)
	}

	owners := byName["owners"]
	if owners.Severity != SeverityInfo || !owners.Enabled {
		t.Errorf("Unexpected JSON policy: %+v", owners)
	}
}

func TestLoader_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad severity", "p.rego", "# severity: fatal\npackage p\n"},
		{"empty rego", "p.json", `{"name": "p"}`},
		{"no name", "p.json", `{"rego": "package p"}`},
		{"malformed json", "p.json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			writeFile(t, path, tt.content)

			if _, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{path}); err == nil {
				t.Error("Expected load error")
			}
		})
	}

	if _, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{"/does/not/exist"}); err == nil {
		t.Error("Expected error for missing path")
	}
}
