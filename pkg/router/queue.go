package router

import (
	"sync"
	"time"
)

// task is one (job, target) unit waiting for a session's dispatch worker.
type task struct {
	jobID      string
	deviceID   string
	priority   int
	enqueuedAt time.Time
}

// sessionQueue is the FIFO queue of one device session. Each session has
// its own queue and its own serialization, so commands to one device
// never block commands to another, while commands to the same device stay
// strictly ordered. Higher-priority tasks are inserted ahead of lower
// ones; equal priorities keep arrival order.
type sessionQueue struct {
	mu    sync.Mutex
	items []task
	// wake signals the worker that items arrived. Buffered so enqueue
	// never blocks on a busy worker.
	wake chan struct{}
}

func newSessionQueue() *sessionQueue {
	return &sessionQueue{wake: make(chan struct{}, 1)}
}

func (q *sessionQueue) push(t task) {
	q.mu.Lock()

	// Insert before the first strictly lower-priority task.
	pos := len(q.items)

	for i := range q.items {
		if q.items[i].priority < t.priority {
			pos = i
			break
		}
	}

	q.items = append(q.items, task{})
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = t

	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *sessionQueue) pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return task{}, false
	}

	t := q.items[0]
	q.items = q.items[1:]

	return t, true
}

func (q *sessionQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
