package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/pkg/models"
)

func collect(t *testing.T, sub *Subscription, n int) []models.LifecycleEvent {
	t.Helper()

	out := make([]models.LifecycleEvent, 0, n)
	deadline := time.After(2 * time.Second)

	for len(out) < n {
		select {
		case event, ok := <-sub.C:
			require.True(t, ok, "subscription closed early")
			out = append(out, event)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}

	return out
}

func TestPublishAssignsSequence(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	first := bus.Publish(models.LifecycleEvent{Kind: models.EventJobQueued})
	second := bus.Publish(models.LifecycleEvent{Kind: models.EventJobApproved})

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, uint64(2), bus.LastSeq())
}

func TestSubscribeReplaysHistory(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(models.LifecycleEvent{Kind: models.EventJobQueued, JobID: "job-1"})
	}

	sub := bus.Subscribe(0)
	defer sub.Cancel()

	got := collect(t, sub, 5)
	for i, event := range got {
		assert.Equal(t, uint64(i+1), event.Seq)
	}
}

func TestSubscribeFromOffsetSeesNoGap(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	for i := 0; i < 3; i++ {
		bus.Publish(models.LifecycleEvent{Kind: models.EventJobQueued})
	}

	// Start from seq 2: replay 3, then live events with no gap.
	sub := bus.Subscribe(2)
	defer sub.Cancel()

	bus.Publish(models.LifecycleEvent{Kind: models.EventJobApproved})
	bus.Publish(models.LifecycleEvent{Kind: models.EventJobSucceeded})

	got := collect(t, sub, 3)
	assert.Equal(t, uint64(3), got[0].Seq)
	assert.Equal(t, uint64(4), got[1].Seq)
	assert.Equal(t, uint64(5), got[2].Seq)
}

func TestSubscribeLiveOnly(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Publish(models.LifecycleEvent{Kind: models.EventJobQueued})

	sub := bus.Subscribe(bus.LastSeq())
	defer sub.Cancel()

	published := bus.Publish(models.LifecycleEvent{Kind: models.EventJobSucceeded})

	got := collect(t, sub, 1)
	assert.Equal(t, published.Seq, got[0].Seq)
	assert.Equal(t, models.EventJobSucceeded, got[0].Kind)
}

func TestCloseDrainsSubscribers(t *testing.T) {
	bus := NewBus()

	bus.Publish(models.LifecycleEvent{Kind: models.EventJobQueued})

	sub := bus.Subscribe(0)

	got := collect(t, sub, 1)
	require.Len(t, got, 1)

	bus.Close()

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok, "channel should close after bus close")
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(0)
	sub.Cancel()

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close after cancel")
	}
}
