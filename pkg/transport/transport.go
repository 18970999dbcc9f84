// Package transport defines the session transport contract the router
// and registry depend on. Concrete transports (local bus daemons, network
// bridges) implement it; the core never touches wire details.
package transport

import (
	"context"
	"errors"

	"github.com/fleetgate/fleetgate/pkg/models"
)

// ErrNotStarted wraps transport failures that provably occurred before
// the command began executing on the device: connection refused, write
// never acknowledged. The router only retries destructive commands when
// the prior failure carries this guarantee.
var ErrNotStarted = errors.New("command not started on device")

// Command is the unit handed to a transport for one dispatch attempt.
type Command struct {
	JobID   string             `json:"job_id"`
	Attempt int                `json:"attempt"`
	Kind    models.CommandKind `json:"kind"`
	Params  map[string]any     `json:"params,omitempty"`
}

// Transport is a live channel to one device.
type Transport interface {
	// Connect performs the handshake. The registry marks the session
	// Ready only after Connect returns nil.
	Connect(ctx context.Context) error

	// Send executes one command attempt, honoring ctx for the per-attempt
	// timeout. Recoverable failures are wrapped with models.ErrTransport;
	// failures preceding on-device execution additionally wrap
	// ErrNotStarted.
	Send(ctx context.Context, command Command) (*models.CommandResult, error)

	// Heartbeat probes device liveness.
	Heartbeat(ctx context.Context) error

	// Interrupt requests best-effort cancellation of an in-flight
	// command. Delivery is not guaranteed; the dispatch resolves to
	// whatever terminal outcome the attempt reaches.
	Interrupt(jobID string)

	// Disconnect tears the channel down.
	Disconnect(ctx context.Context) error
}
