package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/fleetgate/fleetgate/pkg/logger"
	"github.com/fleetgate/fleetgate/pkg/models"
)

const (
	defaultStreamName = "FLEET_EVENTS"
	subjectPrefix     = "fleet.events."
	eventSource       = "fleetgate/router"
)

// NATSConfig configures the optional JetStream event forwarder.
type NATSConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url"`
	StreamName string `json:"stream_name"`
}

// Validate applies defaults and checks required fields.
func (c *NATSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.URL == "" {
		return fmt.Errorf("nats url is required")
	}

	if c.StreamName == "" {
		c.StreamName = defaultStreamName
	}

	return nil
}

// CloudEvent is a CloudEvents v1.0 envelope, the wire format for
// forwarded lifecycle events.
type CloudEvent struct {
	SpecVersion     string     `json:"specversion"`
	ID              string     `json:"id"`
	Source          string     `json:"source"`
	Type            string     `json:"type"`
	DataContentType string     `json:"datacontenttype"`
	Subject         string     `json:"subject,omitempty"`
	Time            *time.Time `json:"time,omitempty"`
	Data            any        `json:"data,omitempty"`
}

// Forwarder publishes lifecycle events to a NATS JetStream stream so
// external observers (dashboards, notifiers, pipelines) consume them
// without touching the router.
type Forwarder struct {
	js     jetstream.JetStream
	stream string
	logger logger.Logger
}

// ConnectForwarder connects to NATS, ensures the stream exists, and
// returns a Forwarder plus the connection for the caller to close.
func ConnectForwarder(ctx context.Context, config NATSConfig, log logger.Logger, opts ...nats.Option) (*Forwarder, *nats.Conn, error) {
	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	streamName := config.StreamName
	if streamName == "" {
		streamName = defaultStreamName
	}

	_, err = js.Stream(ctx, streamName)
	if err != nil {
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     streamName,
			Subjects: []string{subjectPrefix + ">"},
		})
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("failed to create or get stream %s: %w", streamName, err)
		}
	}

	return &Forwarder{js: js, stream: streamName, logger: log}, nc, nil
}

// Publish wraps one lifecycle event in a CloudEvents envelope and
// publishes it on fleet.events.<kind>.
func (f *Forwarder) Publish(ctx context.Context, event models.LifecycleEvent) error {
	timestamp := event.Timestamp

	envelope := CloudEvent{
		SpecVersion:     "1.0",
		ID:              event.ID,
		Source:          eventSource,
		Type:            "com.fleetgate." + string(event.Kind),
		DataContentType: "application/json",
		Subject:         subjectPrefix + string(event.Kind),
		Time:            &timestamp,
		Data:            event,
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}

	ack, err := f.js.Publish(ctx, envelope.Subject, payload)
	if err != nil {
		return fmt.Errorf("failed to publish lifecycle event: %w", err)
	}

	f.logger.Debug().
		Str("event_id", event.ID).
		Str("subject", envelope.Subject).
		Uint64("stream_seq", ack.Sequence).
		Msg("forwarded lifecycle event")

	return nil
}

// Run consumes a bus subscription from the given offset and forwards
// every event until the context ends or the bus closes. Publish failures
// are logged and skipped; the ledger, not NATS, is the durable record.
func (f *Forwarder) Run(ctx context.Context, bus *Bus, fromSeq uint64) {
	sub := bus.Subscribe(fromSeq)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}

			if err := f.Publish(ctx, event); err != nil {
				f.logger.Warn().Err(err).Uint64("seq", event.Seq).Msg("failed to forward lifecycle event")
			}
		}
	}
}
