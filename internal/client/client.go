// Package client implements the initiator side of the Fathom sandbox
// protocol: it multiplexes executions over one persistent connection, routes
// responder messages to per-execution event streams, and reconnects with
// exponential backoff when the connection drops. In-flight executions are
// never resumed across a reconnect; they fail with NETWORK_ERROR and the
// caller decides whether to resubmit.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fathom-run/fathom/internal/engine"
	"github.com/fathom-run/fathom/internal/model"
	"github.com/fathom-run/fathom/internal/protocol"
)

// deadlineGrace is how long past an execution's requested timeout the
// initiator waits for a terminal status before giving up locally. It covers
// the responder's own timeout handling plus transit.
const deadlineGrace = 2 * time.Second

// ErrNotConnected is returned when an operation needs a live connection and
// there is none.
var ErrNotConnected = errors.New("not connected")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("client closed")

// DialFunc establishes one connection attempt.
type DialFunc func(ctx context.Context) (protocol.Framer, error)

// Dial returns a DialFunc for a TCP responder address.
func Dial(addr string) DialFunc {
	return func(ctx context.Context) (protocol.Framer, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return protocol.NewStreamFramer(conn), nil
	}
}

// Request describes one execution to submit.
type Request struct {
	// ID is optional; a ULID is generated when empty.
	ID       string
	Language string
	Code     string
	Stdin    []byte
	Env      map[string]string
	Limits   protocol.LimitsPayload
}

// Client is the initiator connection manager. Run drives the connection; the
// remaining methods are safe to call from any goroutine.
type Client struct {
	dial     DialFunc
	logger   *slog.Logger
	backoff  *Backoff
	watchdog *engine.Watchdog

	mu          sync.Mutex
	framer      protocol.Framer
	pending     map[string]*Execution
	pongWaiters []chan *protocol.PongPayload
	connCh      chan struct{}
	closed      bool

	writeMu sync.Mutex
}

// New creates a client that connects through dial.
func New(dial DialFunc, logger *slog.Logger) *Client {
	c := &Client{
		dial:    dial,
		logger:  logger,
		backoff: NewBackoff(),
		pending: make(map[string]*Execution),
		connCh:  make(chan struct{}),
	}
	c.watchdog = engine.NewWatchdog(c.expire)
	return c
}

// Run connects and serves the connection until ctx is cancelled or Close is
// called, reconnecting with backoff after each failure. It returns ctx.Err()
// on cancellation and nil after Close.
func (c *Client) Run(ctx context.Context) error {
	defer c.watchdog.Close()

	for {
		if c.isClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		framer, err := c.dial(ctx)
		if err != nil {
			if err := c.sleep(ctx, "dial failed", err); err != nil {
				return err
			}
			continue
		}

		c.backoff.Reset()
		c.setFramer(framer)
		c.logger.Info("connected to responder")

		err = c.readLoop(framer)
		c.clearFramer()
		framer.Close()
		c.failAll()

		if c.isClosed() {
			return nil
		}
		if err := c.sleep(ctx, "connection lost", err); err != nil {
			return err
		}
	}
}

// Close stops the client. The current connection is torn down and Run
// returns.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	framer := c.framer
	c.mu.Unlock()
	if framer != nil {
		framer.Close()
	}
}

// WaitConnected blocks until the client has a live connection or ctx expires.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if c.framer != nil {
			c.mu.Unlock()
			return nil
		}
		ch := c.connCh
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Execute submits one execution over the current connection. The returned
// Execution streams lifecycle events and resolves through Wait. Submissions
// while disconnected fail with ErrNotConnected; nothing is queued.
func (c *Client) Execute(ctx context.Context, req Request) (*Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = model.NewID()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	framer := c.framer
	if framer == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if _, ok := c.pending[id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("execution %q already in flight", id)
	}
	exec := newExecution(id)
	c.pending[id] = exec
	c.mu.Unlock()

	env := protocol.NewEnvelope(protocol.TypeExecute, id)
	env.Execute = &protocol.ExecutePayload{
		Language: req.Language,
		Code:     req.Code,
		Stdin:    req.Stdin,
		Env:      req.Env,
		Limits:   req.Limits,
	}
	if err := c.write(framer, env); err != nil {
		c.forget(id)
		exec.fail(protocol.NewError(protocol.CodeNetworkError, "submit execution: "+err.Error()))
		return nil, err
	}

	timeout := time.Duration(req.Limits.TimeoutMS) * time.Millisecond
	c.watchdog.Arm(id, time.Now().Add(timeout+deadlineGrace))
	return exec, nil
}

// Cancel requests cancellation of a live execution. The outcome arrives
// through the execution's event stream.
func (c *Client) Cancel(id string) error {
	framer := c.currentFramer()
	if framer == nil {
		return ErrNotConnected
	}
	return c.write(framer, protocol.NewEnvelope(protocol.TypeCancel, id))
}

// Ping round-trips a ping and returns the responder's pong payload. Pongs are
// matched to pings in FIFO order.
func (c *Client) Ping(ctx context.Context) (*protocol.PongPayload, error) {
	ch := make(chan *protocol.PongPayload, 1)

	c.mu.Lock()
	framer := c.framer
	if framer == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pongWaiters = append(c.pongWaiters, ch)
	c.mu.Unlock()

	if err := c.write(framer, protocol.NewEnvelope(protocol.TypePing, "")); err != nil {
		c.dropPongWaiter(ch)
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return pong, nil
	case <-ctx.Done():
		c.dropPongWaiter(ch)
		return nil, ctx.Err()
	}
}

// readLoop decodes and routes envelopes until the connection fails. Invalid
// envelopes are dropped unless the peer speaks a different protocol version,
// which closes the connection.
func (c *Client) readLoop(framer protocol.Framer) error {
	for {
		env, err := framer.Read()
		if err != nil {
			var derr *protocol.DecodeError
			if errors.As(err, &derr) {
				if derr.VersionMismatch {
					c.logger.Warn("closing connection on version mismatch", "reason", derr.Reason)
					return derr
				}
				c.logger.Warn("dropping undecodable envelope", "reason", derr.Reason)
				continue
			}
			return err
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypePong:
		c.deliverPong(env.Pong)
		return
	case protocol.TypeError:
		if env.ID == "" {
			c.logger.Warn("responder reported connection error",
				"code", env.Err.Code, "message", env.Err.Message)
			return
		}
	case protocol.TypeAck, protocol.TypeStatus, protocol.TypeStdout,
		protocol.TypeStderr, protocol.TypeResult:
	default:
		c.logger.Warn("unexpected message type from responder", "type", env.Type)
		return
	}

	c.mu.Lock()
	exec := c.pending[env.ID]
	c.mu.Unlock()
	if exec == nil {
		c.logger.Debug("message for unknown execution", "type", env.Type, "execution_id", env.ID)
		return
	}

	switch env.Type {
	case protocol.TypeAck:
		exec.handleAck()
	case protocol.TypeStatus:
		exec.handleStatus(model.ExecStatus(env.Status.Status))
	case protocol.TypeStdout:
		exec.handleOutput(EventStdout, env.Stdout.Data)
	case protocol.TypeStderr:
		exec.handleOutput(EventStderr, env.Stderr.Data)
	case protocol.TypeResult:
		exec.handleResult(env.Result)
		c.forget(env.ID)
	case protocol.TypeError:
		if exec.handleError(env.Err) {
			c.forget(env.ID)
		}
	}
}

// expire is the watchdog callback: the responder never delivered a terminal
// status within the execution's deadline plus grace.
func (c *Client) expire(id string) {
	c.mu.Lock()
	exec := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if exec == nil {
		return
	}
	exec.fail(protocol.NewError(protocol.CodeTimeout,
		"no terminal status before deadline"))
}

// failAll terminates every in-flight execution after a disconnect.
func (c *Client) failAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*Execution)
	waiters := c.pongWaiters
	c.pongWaiters = nil
	c.mu.Unlock()

	for id, exec := range pending {
		c.watchdog.Disarm(id)
		exec.fail(protocol.NewError(protocol.CodeNetworkError, "connection lost"))
	}
	for _, ch := range waiters {
		close(ch)
	}
}

func (c *Client) deliverPong(pong *protocol.PongPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pongWaiters) == 0 {
		return
	}
	ch := c.pongWaiters[0]
	c.pongWaiters = c.pongWaiters[1:]
	ch <- pong
}

func (c *Client) dropPongWaiter(ch chan *protocol.PongPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.pongWaiters {
		if w == ch {
			c.pongWaiters = append(c.pongWaiters[:i], c.pongWaiters[i+1:]...)
			return
		}
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	c.watchdog.Disarm(id)
}

func (c *Client) setFramer(framer protocol.Framer) {
	c.mu.Lock()
	c.framer = framer
	close(c.connCh)
	c.mu.Unlock()
}

func (c *Client) clearFramer() {
	c.mu.Lock()
	c.framer = nil
	c.connCh = make(chan struct{})
	c.mu.Unlock()
}

func (c *Client) currentFramer() protocol.Framer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framer
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) write(framer protocol.Framer, env *protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return framer.Write(env)
}

func (c *Client) sleep(ctx context.Context, msg string, cause error) error {
	delay := c.backoff.Next()
	c.logger.Warn(msg, "error", cause, "retry_in", delay)
	if delay == 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
