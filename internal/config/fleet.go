package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BackendRecord is one entry of the fleet.yaml manifest, matching spec §6's
// Backend Client configuration block.
type BackendRecord struct {
	Name             string `yaml:"name"`
	Priority         int    `yaml:"priority"`
	GroupID          string `yaml:"group_id"`
	APIBaseURL       string `yaml:"api_base_url"`
	APIToken         string `yaml:"api_token"`
	DefaultModel     string `yaml:"default_model"`
	DefaultAvailable bool   `yaml:"default_available"`
}

// FleetManifest is the parsed fleet.yaml document.
type FleetManifest struct {
	Backends []BackendRecord `yaml:"backends"`
}

// LoadFleetManifest reads and parses the YAML fleet manifest at path,
// defaulting each record's group_id to "default" when omitted.
func LoadFleetManifest(path string) (FleetManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FleetManifest{}, fmt.Errorf("read fleet manifest: %w", err)
	}

	var manifest FleetManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return FleetManifest{}, fmt.Errorf("parse fleet manifest: %w", err)
	}

	for i := range manifest.Backends {
		if manifest.Backends[i].GroupID == "" {
			manifest.Backends[i].GroupID = "default"
		}
	}
	return manifest, nil
}
