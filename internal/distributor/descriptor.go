package distributor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ExecutorDescriptor is one delivery target, loaded from the executor
// descriptor file.
type ExecutorDescriptor struct {
	ID                  string   `yaml:"id"`
	Endpoint            string   `yaml:"endpoint"`
	SharedSecret        string   `yaml:"shared_secret"`
	Enabled             bool     `yaml:"enabled"`
	MinConfidence       float64  `yaml:"min_confidence"`
	SymbolAllowlist     []string `yaml:"symbol_allowlist"`
	ActionAllowlist     []string `yaml:"action_allowlist"`
	MaxSignalsPerWindow int      `yaml:"max_signals_per_window"`
}

// LoadDescriptors parses the executors YAML file and validates each
// entry.
func LoadDescriptors(path string) ([]ExecutorDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read executor descriptors: %w", err)
	}

	var doc struct {
		Executors []ExecutorDescriptor `yaml:"executors"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse executor descriptors: %w", err)
	}

	seen := make(map[string]bool)
	for i, d := range doc.Executors {
		if d.ID == "" {
			return nil, fmt.Errorf("executor %d: id is required", i)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("duplicate executor id %q", d.ID)
		}
		seen[d.ID] = true
		if d.Enabled && d.Endpoint == "" {
			return nil, fmt.Errorf("executor %s: endpoint is required", d.ID)
		}
		if d.Enabled && d.SharedSecret == "" {
			return nil, fmt.Errorf("executor %s: shared_secret is required", d.ID)
		}
	}
	return doc.Executors, nil
}
