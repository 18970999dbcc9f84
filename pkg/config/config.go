// Package config loads and validates fleetgate service configuration
// from JSON files.
package config

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fleetgate/fleetgate/pkg/events"
	"github.com/fleetgate/fleetgate/pkg/ledger"
	"github.com/fleetgate/fleetgate/pkg/logger"
	"github.com/fleetgate/fleetgate/pkg/models"
	"github.com/fleetgate/fleetgate/pkg/registry"
	"github.com/fleetgate/fleetgate/pkg/router"
)

var (
	errInvalidSigningSeed = errors.New("ledger.signing_seed must be 32 hex-encoded bytes")
	errExpireInterval     = errors.New("expire_interval must be positive")
	errInvalidMasterKey   = errors.New("vault.master_key must be 32 hex-encoded bytes")
	errVaultPath          = errors.New("vault.path is required")
	errVaultRequired      = errors.New("ledger.signing_seed_secret requires a vault section")
	errSeedSources        = errors.New("ledger.signing_seed and ledger.signing_seed_secret are mutually exclusive")
)

// Validator is implemented by configurations that validate themselves
// after loading.
type Validator interface {
	Validate() error
}

// Loader loads configuration from a source path into dst.
type Loader interface {
	Load(ctx context.Context, path string, dst interface{}) error
}

// RegistrySettings is the session-registry config section. Zero values
// take the registry's defaults.
type RegistrySettings struct {
	HeartbeatTimeout models.Duration `json:"heartbeat_timeout,omitempty"`
	ExpiryTimeout    models.Duration `json:"expiry_timeout,omitempty"`
	ReplaceGrace     models.Duration `json:"replace_grace,omitempty"`
	TombstoneLimit   int             `json:"tombstone_limit,omitempty"`
}

func (s RegistrySettings) Config() registry.Config {
	return registry.Config{
		HeartbeatTimeout: s.HeartbeatTimeout.AsDuration(),
		ExpiryTimeout:    s.ExpiryTimeout.AsDuration(),
		ReplaceGrace:     s.ReplaceGrace.AsDuration(),
		TombstoneLimit:   s.TombstoneLimit,
	}
}

// RouterSettings is the command-router config section. Zero values take
// the router's defaults.
type RouterSettings struct {
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	InitialBackoff models.Duration `json:"initial_backoff,omitempty"`
	MaxBackoff     models.Duration `json:"max_backoff,omitempty"`
	AttemptTimeout models.Duration `json:"attempt_timeout,omitempty"`
	PolicyTimeout  models.Duration `json:"policy_timeout,omitempty"`
}

func (s RouterSettings) Config() router.Config {
	return router.Config{
		MaxAttempts:    s.MaxAttempts,
		InitialBackoff: s.InitialBackoff.AsDuration(),
		MaxBackoff:     s.MaxBackoff.AsDuration(),
		AttemptTimeout: s.AttemptTimeout.AsDuration(),
		PolicyTimeout:  s.PolicyTimeout.AsDuration(),
	}
}

// LedgerSettings is the audit-ledger config section.
type LedgerSettings struct {
	Path               string `json:"path"`
	CheckpointInterval uint64 `json:"checkpoint_interval,omitempty"`
	// SigningSeed is a hex-encoded 32-byte ed25519 seed enabling signed
	// checkpoints. Empty disables signing.
	SigningSeed string `json:"signing_seed,omitempty"`
	// SigningSeedSecret names a vault secret holding the hex-encoded
	// seed, keeping it out of the config file. Mutually exclusive with
	// SigningSeed and requires the vault section.
	SigningSeedSecret string `json:"signing_seed_secret,omitempty"`
}

func (s LedgerSettings) Config() ledger.Config {
	return ledger.Config{
		Path:               s.Path,
		CheckpointInterval: s.CheckpointInterval,
	}
}

// Seed decodes the signing seed. Returns nil when signing is disabled.
func (s LedgerSettings) Seed() ([]byte, error) {
	if s.SigningSeed == "" {
		return nil, nil
	}

	seed, err := hex.DecodeString(s.SigningSeed)
	if err != nil || len(seed) != 32 {
		return nil, errInvalidSigningSeed
	}

	return seed, nil
}

// VaultSettings is the secret-vault config section.
type VaultSettings struct {
	Path string `json:"path"`
	// MasterKey is a hex-encoded 32-byte key sealing vault entries.
	MasterKey string `json:"master_key"`
}

// Key decodes the master key.
func (s VaultSettings) Key() ([]byte, error) {
	key, err := hex.DecodeString(s.MasterKey)
	if err != nil || len(key) != 32 {
		return nil, errInvalidMasterKey
	}

	return key, nil
}

// GatewayConfig is the full configuration of the fleetgated daemon.
type GatewayConfig struct {
	Logging  *logger.Config    `json:"logging,omitempty"`
	Registry RegistrySettings  `json:"registry,omitempty"`
	Router   RouterSettings    `json:"router,omitempty"`
	Ledger   LedgerSettings    `json:"ledger"`
	NATS     events.NATSConfig `json:"nats,omitempty"`
	Vault    *VaultSettings    `json:"vault,omitempty"`

	// PolicyPath points at the YAML rule file. Empty means an empty rule
	// set, which allows everything.
	PolicyPath string `json:"policy_path,omitempty"`

	// ExpireInterval is how often stale sessions are swept.
	ExpireInterval models.Duration `json:"expire_interval,omitempty"`
}

// Validate implements Validator, filling defaults for omitted fields.
func (c *GatewayConfig) Validate() error {
	if c.Logging == nil {
		c.Logging = logger.DefaultConfig()
	}

	if c.ExpireInterval == 0 {
		c.ExpireInterval = models.Duration(5 * time.Second)
	}

	if c.ExpireInterval < 0 {
		return errExpireInterval
	}

	if _, err := c.Ledger.Seed(); err != nil {
		return err
	}

	if c.Ledger.SigningSeedSecret != "" {
		if c.Ledger.SigningSeed != "" {
			return errSeedSources
		}

		if c.Vault == nil {
			return errVaultRequired
		}
	}

	if c.Vault != nil {
		if c.Vault.Path == "" {
			return errVaultPath
		}

		if _, err := c.Vault.Key(); err != nil {
			return err
		}
	}

	if c.NATS.Enabled {
		if err := c.NATS.Validate(); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
	}

	return nil
}
