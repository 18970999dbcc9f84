package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/pkg/logger"
	"github.com/fleetgate/fleetgate/pkg/models"
)

var testUpgrader = websocket.Upgrader{}

// fakeBridgeServer runs a device bridge endpoint whose per-frame behavior
// is scripted by respond.
func fakeBridgeServer(t *testing.T, respond func(frame bridgeFrame) *bridgeFrame) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		defer conn.Close()

		for {
			var frame bridgeFrame

			if err := conn.ReadJSON(&frame); err != nil {
				return
			}

			if reply := respond(frame); reply != nil {
				if err := conn.WriteJSON(reply); err != nil {
					return
				}
			}
		}
	}))

	t.Cleanup(server.Close)

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestBridgeSendRoundTrip(t *testing.T) {
	server := fakeBridgeServer(t, func(frame bridgeFrame) *bridgeFrame {
		return &bridgeFrame{
			Type:   "result",
			ID:     frame.ID,
			Result: &models.CommandResult{Output: "ok", ExitCode: 0},
		}
	})

	bridge := NewBridge(wsURL(server), logger.NewTestLogger())
	require.NoError(t, bridge.Connect(context.Background()))

	defer bridge.Disconnect(context.Background())

	result, err := bridge.Send(context.Background(), Command{
		JobID:   "job-1",
		Attempt: 1,
		Kind:    models.KindRunShell,
		Params:  map[string]any{"command": "id"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Output)
	assert.Equal(t, 0, result.ExitCode)
}

func TestBridgeSendNotConnected(t *testing.T) {
	bridge := NewBridge("ws://127.0.0.1:0", logger.NewTestLogger())

	_, err := bridge.Send(context.Background(), Command{JobID: "job-1", Attempt: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransport)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestBridgeErrorFrames(t *testing.T) {
	tests := []struct {
		name       string
		started    bool
		notStarted bool
	}{
		{name: "failure before execution", started: false, notStarted: true},
		{name: "failure mid-execution", started: true, notStarted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := fakeBridgeServer(t, func(frame bridgeFrame) *bridgeFrame {
				return &bridgeFrame{
					Type:    "error",
					ID:      frame.ID,
					Error:   "flash failed",
					Started: tt.started,
				}
			})

			bridge := NewBridge(wsURL(server), logger.NewTestLogger())
			require.NoError(t, bridge.Connect(context.Background()))

			defer bridge.Disconnect(context.Background())

			_, err := bridge.Send(context.Background(), Command{JobID: "job-1", Attempt: 1})
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrTransport)

			if tt.notStarted {
				assert.ErrorIs(t, err, ErrNotStarted)
			} else {
				assert.NotErrorIs(t, err, ErrNotStarted)
			}
		})
	}
}

func TestBridgeSendContextTimeout(t *testing.T) {
	server := fakeBridgeServer(t, func(bridgeFrame) *bridgeFrame {
		return nil // never answer
	})

	bridge := NewBridge(wsURL(server), logger.NewTestLogger())
	require.NoError(t, bridge.Connect(context.Background()))

	defer bridge.Disconnect(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := bridge.Send(ctx, Command{JobID: "job-1", Attempt: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrAttemptTimeout)
}

func TestBridgeHeartbeat(t *testing.T) {
	server := fakeBridgeServer(t, func(bridgeFrame) *bridgeFrame { return nil })

	bridge := NewBridge(wsURL(server), logger.NewTestLogger())
	require.NoError(t, bridge.Connect(context.Background()))

	assert.NoError(t, bridge.Heartbeat(context.Background()))

	require.NoError(t, bridge.Disconnect(context.Background()))
	assert.Error(t, bridge.Heartbeat(context.Background()))
}
