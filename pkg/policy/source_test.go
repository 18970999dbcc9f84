package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/pkg/logger"
	"github.com/fleetgate/fleetgate/pkg/models"
)

const sampleRules = `
rules:
  - name: no-flash-on-low-battery
    description: flashing below 20% battery risks a bricked device
    priority: 10
    action: deny
    match:
      kinds: [flash-partition]
      battery_below: 20
  - name: warn-destructive
    priority: 50
    action: warn
    match:
      destructive: true
`

func writeRuleFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadFile(t *testing.T) {
	rules, err := LoadFile(writeRuleFile(t, sampleRules))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, "no-flash-on-low-battery", rules[0].Name)
	assert.Equal(t, ActionDeny, rules[0].Action)
	require.NotNil(t, rules[0].Match.BatteryBelow)
	assert.Equal(t, 20, *rules[0].Match.BatteryBelow)
	assert.Equal(t, []models.CommandKind{models.KindFlashPartition}, rules[0].Match.Kinds)
}

func TestLoadFileRejectsInvalidRules(t *testing.T) {
	_, err := LoadFile(writeRuleFile(t, `
rules:
  - name: bad-rule
    action: block
`))
	require.Error(t, err)
}

func TestLoadFileMissingPath(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestReloadFromFileKeepsOldSetOnError(t *testing.T) {
	engine, err := NewEngine([]Rule{{
		Name:   "original",
		Action: ActionWarn,
	}}, logger.NewTestLogger())
	require.NoError(t, err)

	err = engine.ReloadFromFile(writeRuleFile(t, `
rules:
  - name: broken
    action: nope
`))
	require.Error(t, err)

	rules := engine.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "original", rules[0].Name)
}

func TestReloadFromFileSwapsRules(t *testing.T) {
	engine, err := NewEngine(nil, logger.NewTestLogger())
	require.NoError(t, err)

	require.NoError(t, engine.ReloadFromFile(writeRuleFile(t, sampleRules)))

	rules := engine.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "no-flash-on-low-battery", rules[0].Name)
}
