// Package lifecycle runs a fleetgate service with signal-aware startup,
// reload, and shutdown handling.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetgate/fleetgate/pkg/logger"
)

const defaultShutdownTimeout = 10 * time.Second

// Service is a long-running component managed by Run.
type Service interface {
	// Start brings the service up. It must return promptly; long-running
	// work belongs in goroutines owned by the service.
	Start(ctx context.Context) error
	// Stop shuts the service down, bounded by the context deadline.
	Stop(ctx context.Context) error
}

// Options configures Run.
type Options struct {
	ServiceName string
	Service     Service
	Logger      logger.Logger

	// Reload is invoked on SIGHUP. Optional.
	Reload func() error

	// ShutdownTimeout bounds Stop. Zero uses the default.
	ShutdownTimeout time.Duration
}

// Run starts the service and blocks until SIGINT/SIGTERM or context
// cancellation, then stops it. SIGHUP triggers the reload callback
// without restarting.
func Run(ctx context.Context, opts *Options) error {
	log := opts.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	if err := opts.Service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s: %w", opts.ServiceName, err)
	}

	log.Info().Str("service", opts.ServiceName).Msg("service started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if opts.Reload == nil {
					continue
				}

				if err := opts.Reload(); err != nil {
					log.Error().Err(err).Msg("reload failed, keeping previous configuration")
				} else {
					log.Info().Msg("configuration reloaded")
				}

				continue
			}

			log.Info().Str("signal", sig.String()).Msg("shutting down")

			return stop(opts, log)
		case <-ctx.Done():
			log.Info().Msg("context cancelled, shutting down")

			return stop(opts, log)
		}
	}
}

func stop(opts *Options, log logger.Logger) error {
	timeout := opts.ShutdownTimeout
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := opts.Service.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop %s: %w", opts.ServiceName, err)
	}

	log.Info().Str("service", opts.ServiceName).Msg("service stopped")

	return nil
}
