package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetgate/fleetgate/pkg/models"
)

// Handler scripts a virtual device's response to a command.
type Handler func(command Command) (*models.CommandResult, error)

// VirtualDevice is an in-memory transport used by tests and the demo
// wiring. Its behavior is scriptable: a custom handler, added latency,
// and a number of injected transport failures before success.
type VirtualDevice struct {
	mu          sync.Mutex
	connected   bool
	handler     Handler
	latency     time.Duration
	failures    int
	failStarted bool
	interrupted map[string]bool
}

// VirtualOption configures a VirtualDevice.
type VirtualOption func(*VirtualDevice)

// WithHandler scripts command responses.
func WithHandler(handler Handler) VirtualOption {
	return func(v *VirtualDevice) { v.handler = handler }
}

// WithLatency adds fixed latency to every send, letting tests exercise
// attempt timeouts.
func WithLatency(latency time.Duration) VirtualOption {
	return func(v *VirtualDevice) { v.latency = latency }
}

// WithFailures makes the first n sends fail with a transport error.
// started controls whether those failures claim on-device execution had
// begun.
func WithFailures(n int, started bool) VirtualOption {
	return func(v *VirtualDevice) {
		v.failures = n
		v.failStarted = started
	}
}

// NewVirtualDevice creates a virtual device transport. Without options it
// echoes every command back, loopback style.
func NewVirtualDevice(opts ...VirtualOption) *VirtualDevice {
	v := &VirtualDevice{interrupted: make(map[string]bool)}

	for _, opt := range opts {
		opt(v)
	}

	if v.handler == nil {
		v.handler = echoHandler
	}

	return v
}

func echoHandler(command Command) (*models.CommandResult, error) {
	return &models.CommandResult{
		Output:   fmt.Sprintf("virtual:%s:%s", command.JobID, command.Kind),
		ExitCode: 0,
	}, nil
}

// Connect implements Transport.
func (v *VirtualDevice) Connect(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.connected = true

	return nil
}

// Send implements Transport.
func (v *VirtualDevice) Send(ctx context.Context, command Command) (*models.CommandResult, error) {
	v.mu.Lock()

	if !v.connected {
		v.mu.Unlock()
		return nil, fmt.Errorf("%w: virtual device not connected: %w", models.ErrTransport, ErrNotStarted)
	}

	if v.failures > 0 {
		v.failures--
		started := v.failStarted
		v.mu.Unlock()

		if started {
			return nil, fmt.Errorf("%w: injected failure mid-execution", models.ErrTransport)
		}

		return nil, fmt.Errorf("%w: injected failure before execution: %w", models.ErrTransport, ErrNotStarted)
	}

	handler := v.handler
	latency := v.latency
	v.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", models.ErrAttemptTimeout, ctx.Err())
		}
	}

	if v.wasInterrupted(command.JobID) {
		return nil, fmt.Errorf("%w: command interrupted", models.ErrTransport)
	}

	return handler(command)
}

// Heartbeat implements Transport.
func (v *VirtualDevice) Heartbeat(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.connected {
		return fmt.Errorf("%w: virtual device not connected", models.ErrTransport)
	}

	return nil
}

// Interrupt implements Transport.
func (v *VirtualDevice) Interrupt(jobID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.interrupted[jobID] = true
}

// Disconnect implements Transport.
func (v *VirtualDevice) Disconnect(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.connected = false

	return nil
}

func (v *VirtualDevice) wasInterrupted(jobID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.interrupted[jobID]
}
