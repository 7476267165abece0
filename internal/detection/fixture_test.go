package detection

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFixture(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}
	return path
}

func TestLoadFixture(t *testing.T) {
	path := writeFixture(t, `
- title: person
  confidence: 0.92
  location: {left: 10, top: 20, right: 110, bottom: 220}
- id: "7"
  title: dog
  confidence: 0.4
`)

	fixture, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("LoadFixture failed: %v", err)
	}
	if len(fixture) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(fixture))
	}
	if fixture[0].Location == nil || fixture[0].Location.Bottom != 220 {
		t.Errorf("Unexpected location %+v", fixture[0].Location)
	}
	if fixture[1].ID != "7" || fixture[1].Location != nil {
		t.Errorf("Unexpected second entry %+v", fixture[1])
	}
}

func TestLoadFixture_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not yaml", "- [unterminated"},
		{"missing title", "- confidence: 0.5\n"},
		{"bad confidence", "- title: cat\n  confidence: 1.5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFixture(writeFixture(t, tt.content)); err == nil {
				t.Error("Expected error")
			}
		})
	}

	if _, err := LoadFixture(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
