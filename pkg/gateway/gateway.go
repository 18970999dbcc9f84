// Package gateway assembles the fleetgate core: session registry, policy
// engine, audit ledger, event bus, and command router, run as one
// service.
package gateway

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fleetgate/fleetgate/pkg/config"
	"github.com/fleetgate/fleetgate/pkg/events"
	"github.com/fleetgate/fleetgate/pkg/ledger"
	"github.com/fleetgate/fleetgate/pkg/logger"
	"github.com/fleetgate/fleetgate/pkg/models"
	"github.com/fleetgate/fleetgate/pkg/policy"
	"github.com/fleetgate/fleetgate/pkg/registry"
	"github.com/fleetgate/fleetgate/pkg/router"
	"github.com/fleetgate/fleetgate/pkg/vault"
)

// Gateway owns the wired core components and their background loops.
type Gateway struct {
	config *config.GatewayConfig
	logger logger.Logger

	registry *registry.SessionRegistry
	policy   *policy.Engine
	ledger   *ledger.Ledger
	bus      *events.Bus
	router   *router.Router
	vault    *vault.Vault

	forwarder *events.Forwarder
	natsConn  *nats.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the full component graph from configuration. Nothing runs
// until Start.
func New(cfg *config.GatewayConfig, log logger.Logger) (*Gateway, error) {
	var rules []policy.Rule

	if cfg.PolicyPath != "" {
		loaded, err := policy.LoadFile(cfg.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy rules: %w", err)
		}

		rules = loaded
	}

	engine, err := policy.NewEngine(rules, log.WithComponent("policy"))
	if err != nil {
		return nil, fmt.Errorf("failed to build policy engine: %w", err)
	}

	var vlt *vault.Vault

	if cfg.Vault != nil {
		key, err := cfg.Vault.Key()
		if err != nil {
			return nil, err
		}

		vlt, err = vault.Open(cfg.Vault.Path, key, log.WithComponent("vault"))
		if err != nil {
			return nil, fmt.Errorf("failed to open vault: %w", err)
		}
	}

	var ledgerOpts []ledger.Option

	seed, err := cfg.Ledger.Seed()
	if err != nil {
		return nil, err
	}

	if cfg.Ledger.SigningSeedSecret != "" {
		if vlt == nil {
			return nil, fmt.Errorf("signing seed secret %q requires a vault", cfg.Ledger.SigningSeedSecret)
		}

		stored, err := vlt.Retrieve(cfg.Ledger.SigningSeedSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing seed from vault: %w", err)
		}

		seed, err = hex.DecodeString(strings.TrimSpace(stored))
		if err != nil || len(seed) != 32 {
			return nil, fmt.Errorf("vault secret %q is not a 32-byte hex seed", cfg.Ledger.SigningSeedSecret)
		}
	}

	if seed != nil {
		signer, err := ledger.NewCheckpointSigner(seed)
		if err != nil {
			return nil, fmt.Errorf("failed to build checkpoint signer: %w", err)
		}

		ledgerOpts = append(ledgerOpts, ledger.WithSigner(signer))
	}

	led, err := ledger.New(cfg.Ledger.Config(), log.WithComponent("ledger"), ledgerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit ledger: %w", err)
	}

	reg := registry.New(cfg.Registry.Config(), log.WithComponent("registry"))
	bus := events.NewBus()
	rtr := router.New(cfg.Router.Config(), reg, engine, led, bus, log.WithComponent("router"))

	// Vault operations from here on share the audit trail. The bootstrap
	// seed read above precedes the ledger and is not recorded.
	if vlt != nil {
		vlt.SetEventHook(func(kind models.EventKind, name string) {
			detail := map[string]string{"secret": name}

			if _, err := led.Append(ledger.Entry{
				Actor:     "vault",
				EventKind: kind,
				Payload:   detail,
			}); err != nil {
				log.Error().Err(err).Str("secret", name).Msg("audit append failed for vault event")
			}

			bus.Publish(models.LifecycleEvent{
				Kind:   kind,
				Actor:  "vault",
				Detail: detail,
			})
		})
	}

	return &Gateway{
		config:   cfg,
		logger:   log,
		registry: reg,
		policy:   engine,
		ledger:   led,
		bus:      bus,
		router:   rtr,
		vault:    vlt,
	}, nil
}

// Registry exposes the session registry for transport adapters.
func (g *Gateway) Registry() *registry.SessionRegistry { return g.registry }

// Router exposes the command router.
func (g *Gateway) Router() *router.Router { return g.router }

// Ledger exposes the audit ledger for queries and verification.
func (g *Gateway) Ledger() *ledger.Ledger { return g.ledger }

// Bus exposes the lifecycle event bus.
func (g *Gateway) Bus() *events.Bus { return g.bus }

// Vault exposes the secret vault, nil when not configured.
func (g *Gateway) Vault() *vault.Vault { return g.vault }

// Start launches the stale-session sweeper and, when configured, the
// NATS event forwarder.
func (g *Gateway) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	if g.config.NATS.Enabled {
		forwarder, nc, err := events.ConnectForwarder(ctx, g.config.NATS, g.logger.WithComponent("forwarder"))
		if err != nil {
			cancel()
			return err
		}

		g.forwarder = forwarder
		g.natsConn = nc

		g.wg.Add(1)

		go func() {
			defer g.wg.Done()
			forwarder.Run(runCtx, g.bus, 0)
		}()
	}

	g.wg.Add(1)

	go g.sweepLoop(runCtx)

	return nil
}

func (g *Gateway) sweepLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.config.ExpireInterval.AsDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := g.registry.ExpireStale(time.Now())
			if len(expired) > 0 {
				g.logger.Info().Strs("device_ids", expired).Msg("expired stale sessions")
			}
		}
	}
}

// ReloadPolicy re-reads the rule file, keeping the previous rule set on
// any load or validation error. A successful swap is audited.
func (g *Gateway) ReloadPolicy() error {
	if g.config.PolicyPath == "" {
		return nil
	}

	if err := g.policy.ReloadFromFile(g.config.PolicyPath); err != nil {
		return err
	}

	detail := map[string]string{
		"path":  g.config.PolicyPath,
		"rules": strconv.Itoa(len(g.policy.Rules())),
	}

	if _, err := g.ledger.Append(ledger.Entry{
		Actor:     "operator",
		EventKind: models.EventPolicyReloaded,
		Payload:   detail,
	}); err != nil {
		g.logger.Error().Err(err).Msg("audit append failed for policy reload")
	}

	g.bus.Publish(models.LifecycleEvent{
		Kind:   models.EventPolicyReloaded,
		Actor:  "operator",
		Detail: detail,
	})

	return nil
}

// Stop shuts the component graph down in dependency order.
func (g *Gateway) Stop(_ context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}

	g.router.Close()
	g.bus.Close()
	g.wg.Wait()

	if g.natsConn != nil {
		g.natsConn.Close()
	}

	return g.ledger.Close()
}
