// Package events carries the lifecycle event stream: an in-process,
// replayable sequence of everything the router and registry do, consumed
// by dashboards, notifiers, and the optional NATS forwarder.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgate/fleetgate/pkg/models"
)

// Bus is a replayable publish/subscribe stream. Events get strictly
// increasing sequence numbers; a subscriber restarts from any offset and
// sees the retained suffix followed by live events with no gap.
type Bus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	history []models.LifecycleEvent
	closed  bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	b := &Bus{}
	b.cond = sync.NewCond(&b.mu)

	return b
}

// Publish assigns the next sequence number and appends the event to the
// stream. The filled-in event is returned.
func (b *Bus) Publish(event models.LifecycleEvent) models.LifecycleEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return event
	}

	event.Seq = uint64(len(b.history)) + 1

	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.history = append(b.history, event)
	b.cond.Broadcast()

	return event
}

// LastSeq returns the sequence of the most recent event.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return uint64(len(b.history))
}

// Close ends the stream; active subscriptions drain and their channels
// close.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Subscription is one consumer's view of the stream.
type Subscription struct {
	// C delivers events in sequence order.
	C      <-chan models.LifecycleEvent
	cancel func()
}

// Cancel stops delivery and releases the subscription's goroutine.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Subscribe starts a subscription delivering every event with sequence
// greater than fromSeq. Pass 0 for the full stream, or LastSeq() for live
// events only. Delivery is decoupled from publishers: a slow consumer
// delays only itself.
func (b *Bus) Subscribe(fromSeq uint64) *Subscription {
	ch := make(chan models.LifecycleEvent, 64)
	done := make(chan struct{})

	var once sync.Once

	sub := &Subscription{
		C: ch,
		cancel: func() {
			once.Do(func() {
				close(done)
				// Wake the delivery goroutine if it is waiting for events.
				b.mu.Lock()
				b.cond.Broadcast()
				b.mu.Unlock()
			})
		},
	}

	go b.deliver(ch, done, fromSeq)

	return sub
}

func (b *Bus) deliver(ch chan<- models.LifecycleEvent, done <-chan struct{}, fromSeq uint64) {
	defer close(ch)

	cursor := fromSeq

	for {
		b.mu.Lock()

		for uint64(len(b.history)) <= cursor && !b.closed && !isDone(done) {
			b.cond.Wait()
		}

		if isDone(done) || (b.closed && uint64(len(b.history)) <= cursor) {
			b.mu.Unlock()
			return
		}

		batch := append([]models.LifecycleEvent(nil), b.history[cursor:]...)
		cursor = uint64(len(b.history))
		b.mu.Unlock()

		for _, event := range batch {
			select {
			case ch <- event:
			case <-done:
				return
			}
		}
	}
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
