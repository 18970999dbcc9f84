package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk YAML layout of a policy source.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadFile reads and validates a YAML rule file.
func LoadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file '%s': %w", path, err)
	}

	var f ruleFile

	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy file '%s': %w", path, err)
	}

	if _, err := validateAndSort(f.Rules); err != nil {
		return nil, fmt.Errorf("policy file '%s': %w", path, err)
	}

	return f.Rules, nil
}

// ReloadFromFile hot-swaps the engine's rule set from a YAML file. The new
// set is fully validated before the swap; on any error the previous set
// stays active.
func (e *Engine) ReloadFromFile(path string) error {
	rules, err := LoadFile(path)
	if err != nil {
		e.logger.Error().Err(err).Str("path", path).Msg("policy reload failed, keeping previous rule set")
		return err
	}

	if err := e.Replace(rules); err != nil {
		return err
	}

	e.logger.Info().Str("path", path).Int("rules", len(rules)).Msg("policy rules reloaded")

	return nil
}
