package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "logging": {"level": "debug"},
  "registry": {
    "heartbeat_timeout": "15s",
    "expiry_timeout": "1m",
    "tombstone_limit": 256
  },
  "router": {
    "max_attempts": 5,
    "initial_backoff": "250ms",
    "attempt_timeout": "45s"
  },
  "ledger": {
    "path": "/var/lib/fleetgate/ledger.jsonl",
    "checkpoint_interval": 100,
    "signing_seed": "4242424242424242424242424242424242424242424242424242424242424242"
  },
  "policy_path": "/etc/fleetgate/rules.yaml",
  "expire_interval": "10s"
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fleetgated.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadAndValidate(t *testing.T) {
	var cfg GatewayConfig

	err := LoadAndValidate(context.Background(), writeConfig(t, sampleConfig), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/etc/fleetgate/rules.yaml", cfg.PolicyPath)
	assert.Equal(t, 10*time.Second, cfg.ExpireInterval.AsDuration())

	reg := cfg.Registry.Config()
	assert.Equal(t, 15*time.Second, reg.HeartbeatTimeout)
	assert.Equal(t, time.Minute, reg.ExpiryTimeout)
	assert.Equal(t, 256, reg.TombstoneLimit)

	rtr := cfg.Router.Config()
	assert.Equal(t, 5, rtr.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, rtr.InitialBackoff)
	assert.Equal(t, 45*time.Second, rtr.AttemptTimeout)

	seed, err := cfg.Ledger.Seed()
	require.NoError(t, err)
	assert.Len(t, seed, 32)
}

func TestValidateFillsDefaults(t *testing.T) {
	var cfg GatewayConfig

	require.NoError(t, cfg.Validate())

	assert.NotNil(t, cfg.Logging)
	assert.Equal(t, 5*time.Second, cfg.ExpireInterval.AsDuration())
}

func TestValidateRejectsBadSigningSeed(t *testing.T) {
	cfg := GatewayConfig{Ledger: LedgerSettings{SigningSeed: "not-hex"}}
	require.Error(t, cfg.Validate())

	cfg = GatewayConfig{Ledger: LedgerSettings{SigningSeed: "abcd"}}
	require.Error(t, cfg.Validate())
}

func TestValidateVaultSettings(t *testing.T) {
	key := "1111111111111111111111111111111111111111111111111111111111111111"

	t.Run("valid vault section", func(t *testing.T) {
		cfg := GatewayConfig{Vault: &VaultSettings{Path: "/var/lib/fleetgate/vault.json", MasterKey: key}}
		require.NoError(t, cfg.Validate())

		decoded, err := cfg.Vault.Key()
		require.NoError(t, err)
		assert.Len(t, decoded, 32)
	})

	t.Run("bad master key", func(t *testing.T) {
		cfg := GatewayConfig{Vault: &VaultSettings{Path: "/v.json", MasterKey: "not-hex"}}
		require.Error(t, cfg.Validate())
	})

	t.Run("missing path", func(t *testing.T) {
		cfg := GatewayConfig{Vault: &VaultSettings{MasterKey: key}}
		require.Error(t, cfg.Validate())
	})

	t.Run("seed secret without vault", func(t *testing.T) {
		cfg := GatewayConfig{Ledger: LedgerSettings{SigningSeedSecret: "ledger.signing_seed"}}
		require.Error(t, cfg.Validate())
	})

	t.Run("both seed sources", func(t *testing.T) {
		cfg := GatewayConfig{
			Ledger: LedgerSettings{
				SigningSeed:       key,
				SigningSeedSecret: "ledger.signing_seed",
			},
			Vault: &VaultSettings{Path: "/v.json", MasterKey: key},
		}
		require.Error(t, cfg.Validate())
	})
}

func TestValidateRejectsNATSWithoutURL(t *testing.T) {
	var cfg GatewayConfig
	cfg.NATS.Enabled = true

	require.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	var cfg GatewayConfig

	err := LoadAndValidate(context.Background(), filepath.Join(t.TempDir(), "nope.json"), &cfg)
	require.Error(t, err)
}

func TestLoadMalformedJSON(t *testing.T) {
	var cfg GatewayConfig

	err := LoadAndValidate(context.Background(), writeConfig(t, "{not json"), &cfg)
	require.Error(t, err)
}
