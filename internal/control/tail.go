package control

import (
	"sync"

	"github.com/google/uuid"
)

// tail fans decoded telemetry out to live subscribers such as the admin
// event stream. Slow subscribers miss samples rather than stall the
// receiver.
type tail struct {
	mu          sync.Mutex
	subscribers map[string]chan Telemetry
}

func newTail() *tail {
	return &tail{subscribers: make(map[string]chan Telemetry)}
}

// Subscribe registers a new telemetry channel. The ID is passed to
// Unsubscribe when done.
func (c *Controller) Subscribe() (string, <-chan Telemetry) {
	id := uuid.NewString()
	ch := make(chan Telemetry, 16)

	c.tail.mu.Lock()
	defer c.tail.mu.Unlock()
	c.tail.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (c *Controller) Unsubscribe(id string) {
	c.tail.mu.Lock()
	defer c.tail.mu.Unlock()
	if ch, ok := c.tail.subscribers[id]; ok {
		close(ch)
		delete(c.tail.subscribers, id)
	}
}

func (t *tail) publish(v Telemetry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- v:
		default:
		}
	}
}
