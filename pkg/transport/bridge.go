package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetgate/fleetgate/pkg/logger"
	"github.com/fleetgate/fleetgate/pkg/models"
)

const (
	bridgeWriteTimeout = 10 * time.Second
	bridgePingTimeout  = 5 * time.Second
)

// bridgeFrame is the JSON frame exchanged with a device bridge endpoint.
type bridgeFrame struct {
	Type    string                `json:"type"` // "command", "interrupt", "result", "error"
	ID      string                `json:"id,omitempty"`
	Kind    models.CommandKind    `json:"kind,omitempty"`
	Params  map[string]any        `json:"params,omitempty"`
	Result  *models.CommandResult `json:"result,omitempty"`
	Error   string                `json:"error,omitempty"`
	Started bool                  `json:"started,omitempty"`
}

// Bridge is the network-bridge transport: a WebSocket client speaking
// JSON frames to a remote device bridge.
type Bridge struct {
	url    string
	logger logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan bridgeFrame
}

// NewBridge creates a network-bridge transport for the given endpoint.
func NewBridge(url string, log logger.Logger) *Bridge {
	return &Bridge{
		url:     url,
		logger:  log,
		pending: make(map[string]chan bridgeFrame),
	}
}

// Connect dials the bridge endpoint and starts the read loop.
func (b *Bridge) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to dial bridge %s: %w", models.ErrTransport, b.url, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	go b.readLoop(conn)

	return nil
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		var frame bridgeFrame

		if err := conn.ReadJSON(&frame); err != nil {
			b.failPending(fmt.Errorf("%w: bridge connection lost: %w", models.ErrTransport, err))
			return
		}

		b.mu.Lock()
		waiter, ok := b.pending[frame.ID]
		if ok {
			delete(b.pending, frame.ID)
		}
		b.mu.Unlock()

		if ok {
			waiter <- frame
		}
	}
}

// failPending unblocks all in-flight sends after a connection loss.
func (b *Bridge) failPending(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, waiter := range b.pending {
		waiter <- bridgeFrame{Type: "error", ID: id, Error: err.Error(), Started: true}
		delete(b.pending, id)
	}

	b.conn = nil
}

// Send implements Transport. A write failure means the command never
// reached the bridge and is reported as not started; once the frame is
// on the wire, failures no longer carry that guarantee.
func (b *Bridge) Send(ctx context.Context, command Command) (*models.CommandResult, error) {
	frameID := fmt.Sprintf("%s-%d", command.JobID, command.Attempt)
	waiter := make(chan bridgeFrame, 1)

	b.mu.Lock()

	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: bridge not connected: %w", models.ErrTransport, ErrNotStarted)
	}

	b.pending[frameID] = waiter

	_ = conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
	err := conn.WriteJSON(bridgeFrame{
		Type:   "command",
		ID:     frameID,
		Kind:   command.Kind,
		Params: command.Params,
	})
	b.mu.Unlock()

	if err != nil {
		b.dropPending(frameID)
		return nil, fmt.Errorf("%w: failed to write command frame: %w: %w", models.ErrTransport, err, ErrNotStarted)
	}

	select {
	case <-ctx.Done():
		b.dropPending(frameID)
		return nil, fmt.Errorf("%w: %w", models.ErrAttemptTimeout, ctx.Err())
	case frame := <-waiter:
		if frame.Error != "" {
			if frame.Started {
				return nil, fmt.Errorf("%w: %s", models.ErrTransport, frame.Error)
			}

			return nil, fmt.Errorf("%w: %s: %w", models.ErrTransport, frame.Error, ErrNotStarted)
		}

		if frame.Result == nil {
			return nil, fmt.Errorf("%w: bridge returned no result", models.ErrTransport)
		}

		return frame.Result, nil
	}
}

func (b *Bridge) dropPending(frameID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.pending, frameID)
}

// Heartbeat implements Transport via a WebSocket ping.
func (b *Bridge) Heartbeat(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return fmt.Errorf("%w: bridge not connected", models.ErrTransport)
	}

	deadline := time.Now().Add(bridgePingTimeout)
	if err := b.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("%w: bridge ping failed: %w", models.ErrTransport, err)
	}

	return nil
}

// Interrupt implements Transport. Best-effort: a write failure is logged
// and dropped, the in-flight attempt resolves on its own.
func (b *Bridge) Interrupt(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return
	}

	_ = b.conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))

	if err := b.conn.WriteJSON(bridgeFrame{Type: "interrupt", ID: jobID}); err != nil {
		b.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to send interrupt frame")
	}
}

// Disconnect implements Transport.
func (b *Bridge) Disconnect(_ context.Context) error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()

	if conn == nil {
		return nil
	}

	return conn.Close()
}
