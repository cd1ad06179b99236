package server

import (
	"sync"

	"github.com/fathom-run/fathom/internal/backend"
)

// subscriberBufferSize is the channel buffer for each output subscriber.
// Chunks are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// OutputEvent is one output chunk delivered to a subscriber.
type OutputEvent struct {
	Stream backend.Stream
	Data   []byte
}

// OutputBroker fans execution output out to admin-surface subscribers (the
// SSE endpoint). It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after an execution finishes) receive a closed channel instead
// of blocking forever.
type OutputBroker struct {
	mu     sync.Mutex
	topics map[string]*outputTopic
}

type outputTopic struct {
	subs   map[int]chan OutputEvent
	nextID int
	closed bool
}

// NewOutputBroker creates a new broker.
func NewOutputBroker() *OutputBroker {
	return &OutputBroker{topics: make(map[string]*outputTopic)}
}

// Subscribe returns a channel receiving output chunks for the given execution
// and an unsubscribe function. If the execution has already finished, the
// returned channel is immediately closed.
func (b *OutputBroker) Subscribe(executionID string) (<-chan OutputEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		t = &outputTopic{subs: make(map[int]chan OutputEvent)}
		b.topics[executionID] = t
	}

	ch := make(chan OutputEvent, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an output chunk to all subscribers of the given execution.
// Chunks are dropped for subscribers whose buffers are full.
func (b *OutputBroker) Publish(executionID string, stream backend.Stream, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok || t.closed {
		return
	}

	ev := OutputEvent{Stream: stream, Data: data}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop for slow subscribers to avoid blocking execution.
		}
	}
}

// Close signals that no more output will be published for the given
// execution. All subscriber channels are closed and future Subscribe calls
// return a closed channel.
func (b *OutputBroker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		b.topics[executionID] = &outputTopic{subs: make(map[int]chan OutputEvent), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
