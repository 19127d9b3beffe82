package migration

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan is a migration batch described in YAML:
//
//	concurrency: 8
//	epsilon: 1e-9
//	datasets:
//	  - 0190f2a4-0000-7000-8000-000000000001
//
// An empty dataset list means every dataset still on legacy storage.
type Plan struct {
	Datasets    []string `yaml:"datasets"`
	Concurrency int      `yaml:"concurrency"`
	Epsilon     float64  `yaml:"epsilon"`
}

// LoadPlan reads a plan from path.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes and validates a plan.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if p.Concurrency < 0 {
		return nil, fmt.Errorf("plan concurrency must not be negative")
	}
	if p.Epsilon < 0 {
		return nil, fmt.Errorf("plan epsilon must not be negative")
	}
	seen := make(map[string]struct{}, len(p.Datasets))
	for _, id := range p.Datasets {
		if id == "" {
			return nil, fmt.Errorf("plan lists an empty dataset id")
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("plan lists dataset %s twice", id)
		}
		seen[id] = struct{}{}
	}
	return &p, nil
}
