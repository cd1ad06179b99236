package client

import (
	"context"
	"sync"

	"github.com/fathom-run/fathom/internal/model"
	"github.com/fathom-run/fathom/internal/protocol"
)

// EventKind identifies what an Event carries.
type EventKind string

const (
	EventAck    EventKind = "ack"
	EventStatus EventKind = "status"
	EventStdout EventKind = "stdout"
	EventStderr EventKind = "stderr"
	EventResult EventKind = "result"
	EventError  EventKind = "error"
)

// Event is one observation in an execution's lifecycle, delivered to the
// caller in the order the responder emitted it.
type Event struct {
	Kind   EventKind
	Status model.ExecStatus
	Data   []byte
	Result *protocol.ResultPayload
	Err    *protocol.Error
}

// Outcome is the terminal summary of an execution.
type Outcome struct {
	Status model.ExecStatus
	Result *protocol.ResultPayload
	Err    *protocol.Error
}

// Execution is the initiator-side view of one sandboxed run. Events are
// buffered in an unbounded queue so that a slow consumer never blocks the
// connection read loop; a dedicated goroutine drains the queue to Events.
type Execution struct {
	ID string

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Event
	acked    bool
	status   model.ExecStatus
	lastErr  *protocol.Error
	finished bool
	outcome  Outcome

	pumpOnce sync.Once
	events   chan Event
	done     chan struct{}
}

func newExecution(id string) *Execution {
	e := &Execution{
		ID:     id,
		status: model.StatusPending,
		events: make(chan Event),
		done:   make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Events streams lifecycle events in order. The channel is closed after the
// terminal event has been delivered. Callers that only Wait never start the
// pump; events then just accumulate until the execution finishes.
func (e *Execution) Events() <-chan Event {
	e.pumpOnce.Do(func() { go e.pump() })
	return e.events
}

// Done is closed once the execution reaches a terminal outcome.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Status returns the most recently observed status.
func (e *Execution) Status() model.ExecStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Wait blocks until the execution finishes or ctx expires.
func (e *Execution) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// pump drains the event queue to the consumer channel, closing it once the
// execution has finished and the queue is empty.
func (e *Execution) pump() {
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.finished {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			close(e.events)
			return
		}
		ev := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		e.events <- ev
	}
}

func (e *Execution) deliver(ev Event) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	e.cond.Signal()
	e.mu.Unlock()
}

func (e *Execution) handleAck() {
	e.mu.Lock()
	e.acked = true
	e.mu.Unlock()
	e.deliver(Event{Kind: EventAck})
}

func (e *Execution) handleStatus(status model.ExecStatus) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
	e.deliver(Event{Kind: EventStatus, Status: status})
}

func (e *Execution) handleOutput(kind EventKind, data string) {
	e.deliver(Event{Kind: kind, Data: []byte(data)})
}

// handleError records an execution-scoped error. An error arriving before the
// ack is a rejection and terminates the execution immediately; after the ack
// it precedes the terminal status and result, which carry the outcome.
func (e *Execution) handleError(perr *protocol.Error) (terminal bool) {
	e.mu.Lock()
	e.lastErr = perr
	preAck := !e.acked
	e.mu.Unlock()

	e.deliver(Event{Kind: EventError, Err: perr})
	if preAck {
		e.finish(model.StatusFailed, nil, perr)
		return true
	}
	return false
}

// handleResult completes the execution with the terminal status observed from
// the preceding status envelope.
func (e *Execution) handleResult(res *protocol.ResultPayload) {
	e.deliver(Event{Kind: EventResult, Result: res})

	e.mu.Lock()
	status := e.status
	lastErr := e.lastErr
	e.mu.Unlock()
	if !status.Terminal() {
		status = model.StatusCompleted
	}
	e.finish(status, res, lastErr)
}

// fail terminates the execution locally with the given error, used for
// connection loss and deadline expiry.
func (e *Execution) fail(perr *protocol.Error) {
	e.deliver(Event{Kind: EventError, Err: perr})
	e.finish(model.StatusFailed, nil, perr)
}

func (e *Execution) finish(status model.ExecStatus, res *protocol.ResultPayload, perr *protocol.Error) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	e.status = status
	e.outcome = Outcome{Status: status, Result: res, Err: perr}
	e.cond.Signal()
	e.mu.Unlock()
	close(e.done)
}
