package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario bundles a named source universe with an optional strategy
// override. Scenario files let one binary drive several pre-canned runs
// (smoke, replay, venue-history) without editing the main configuration.
type Scenario struct {
	Name     string          `yaml:"name"`
	Sources  []SourceSpec    `yaml:"sources"`
	Strategy *StrategyConfig `yaml:"strategy"`
}

// ScenarioSet represents the full scenario file.
type ScenarioSet struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// LoadScenarios loads scenario definitions from the given path.
func LoadScenarios(path string) (*ScenarioSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenarios file: %w", err)
	}
	var set ScenarioSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse scenarios file: %w", err)
	}
	for i, sc := range set.Scenarios {
		if sc.Name == "" {
			return nil, fmt.Errorf("scenarios[%d].name is required", i)
		}
	}
	return &set, nil
}

// Find returns the scenario with the given name.
func (s *ScenarioSet) Find(name string) (*Scenario, bool) {
	for i := range s.Scenarios {
		if s.Scenarios[i].Name == name {
			return &s.Scenarios[i], true
		}
	}
	return nil, false
}

// ApplyScenario swaps the configured source universe for the scenario's and,
// when the scenario carries one, its strategy. The merged configuration is
// re-validated so a scenario cannot smuggle in an invalid source set.
func (c *Config) ApplyScenario(sc *Scenario) error {
	if len(sc.Sources) > 0 {
		c.Sources = sc.Sources
	}
	if sc.Strategy != nil {
		c.Strategy = *sc.Strategy
	}
	if err := validateConfig(c); err != nil {
		return fmt.Errorf("scenario '%s' produced an invalid configuration: %w", sc.Name, err)
	}
	return nil
}
