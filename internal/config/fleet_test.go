package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFleetManifestDefaultsGroupID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	content := `
backends:
  - name: primary
    priority: 0
    api_base_url: https://api.example.com/v1
    api_token: secret
    default_model: gpt-test
    default_available: true
  - name: secondary
    priority: 50
    group_id: burst
    api_base_url: https://api2.example.com/v1
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	manifest, err := LoadFleetManifest(path)
	if err != nil {
		t.Fatalf("LoadFleetManifest: %v", err)
	}
	if len(manifest.Backends) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(manifest.Backends))
	}
	if manifest.Backends[0].GroupID != "default" {
		t.Errorf("expected default group_id, got %q", manifest.Backends[0].GroupID)
	}
	if manifest.Backends[1].GroupID != "burst" {
		t.Errorf("expected explicit group_id to survive, got %q", manifest.Backends[1].GroupID)
	}
	if !manifest.Backends[0].DefaultAvailable {
		t.Error("expected default_available true for primary")
	}
}

func TestLoadFleetManifestMissingFile(t *testing.T) {
	if _, err := LoadFleetManifest("/nonexistent/fleet.yaml"); err == nil {
		t.Fatal("expected an error for a missing manifest file")
	}
}
