package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fathom-run/fathom/internal/backend"
	"github.com/fathom-run/fathom/internal/engine"
	"github.com/fathom-run/fathom/internal/model"
	"github.com/fathom-run/fathom/internal/protocol"
)

// backendTeardownGrace is how far past an execution's deadline the backend
// context stretches. The watchdog owns the timeout transition; the context
// deadline is only the enforcement backstop that tears the process down.
const backendTeardownGrace = 500 * time.Millisecond

// connSession owns one physical connection on the responder side. The read
// loop only decodes and dispatches; every accepted execution is driven by its
// own goroutine.
type connSession struct {
	srv      *Server
	framer   protocol.Framer
	registry *engine.Registry
	watchdog *engine.Watchdog
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func newConnSession(srv *Server, framer protocol.Framer, parent context.Context) *connSession {
	ctx, cancel := context.WithCancel(parent)
	cs := &connSession{
		srv:      srv,
		framer:   framer,
		registry: engine.NewRegistry(),
		logger:   srv.logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	cs.watchdog = engine.NewWatchdog(cs.expireExecution)
	return cs
}

// run processes incoming envelopes until the connection ends, then tears down
// every in-flight execution. Abandoned executions are never resumed; their
// backends are killed and their sessions evicted.
func (cs *connSession) run() {
	defer func() {
		cs.cancel()
		cs.watchdog.Close()
		cs.wg.Wait()
		cs.framer.Close()
	}()

	for {
		env, err := cs.framer.Read()
		if err != nil {
			var derr *protocol.DecodeError
			if errors.As(err, &derr) {
				// Decode failures are connection-level: no registry lookup is
				// attempted even when the message would have carried an id.
				cs.sendError("", derr.AsProtocolError())
				if derr.VersionMismatch {
					cs.logger.Warn("closing connection on version mismatch", "reason", derr.Reason)
					return
				}
				continue
			}
			return
		}

		select {
		case <-cs.ctx.Done():
			return
		default:
		}

		switch env.Type {
		case protocol.TypeExecute:
			cs.handleExecute(env)
		case protocol.TypeCancel:
			cs.handleCancel(env)
		case protocol.TypePing:
			cs.handlePing()
		default:
			// Responder-to-initiator types arriving here are a protocol
			// violation by the peer.
			cs.sendError("", protocol.NewError(protocol.CodeInvalidRequest,
				fmt.Sprintf("unexpected message type %q from initiator", env.Type)))
		}
	}
}

// handleExecute validates the request and either rejects it (error, no ack,
// no registry entry) or acks it and launches the execution goroutine.
func (cs *connSession) handleExecute(env *protocol.Envelope) {
	p := env.Execute
	id := env.ID

	reject := func(code protocol.ErrorCode, msg string) {
		rejectionsTotal.WithLabelValues(string(code)).Inc()
		cs.sendError(id, protocol.NewError(code, msg))
	}

	if !cs.srv.languages[p.Language] {
		reject(protocol.CodeLanguageNotSupported, fmt.Sprintf("language %q is not supported", p.Language))
		return
	}

	limits, err := cs.srv.limitsFromPayload(p.Limits)
	if err != nil {
		reject(protocol.CodeInvalidRequest, err.Error())
		return
	}

	if cs.registry.Len() >= cs.srv.cfg.MaxConcurrent {
		reject(protocol.CodeSandboxOverloaded,
			fmt.Sprintf("at capacity (%d executions in flight)", cs.srv.cfg.MaxConcurrent))
		return
	}

	// The id must be unique across the whole server, not just this
	// connection: the output broker and the audit store both key by it.
	if !cs.srv.reserveID(id) {
		reject(protocol.CodeInvalidRequest, fmt.Sprintf("duplicate execution id %q", id))
		return
	}

	sess := engine.NewSession(id, p.Language, limits, time.Now().UTC())
	if err := cs.registry.Register(sess); err != nil {
		cs.srv.releaseID(id)
		reject(protocol.CodeInvalidRequest, fmt.Sprintf("duplicate execution id %q", id))
		return
	}
	executionsActive.Inc()

	// The ack is sent before the execution goroutine starts so it is ordered
	// strictly before any status or result for this id.
	cs.send(protocol.NewEnvelope(protocol.TypeAck, id))
	cs.watchdog.Arm(id, sess.Deadline)

	cs.wg.Add(1)
	go cs.runExecution(sess, p)
}

// handleCancel forwards a cancel request to the live session. Cancelling an
// unknown id is answered with UNKNOWN_EXECUTION and creates no entry.
func (cs *connSession) handleCancel(env *protocol.Envelope) {
	sess, err := cs.registry.Lookup(env.ID)
	if err != nil {
		cs.sendError(env.ID, protocol.NewError(protocol.CodeUnknownExecution,
			fmt.Sprintf("no live execution %q", env.ID)))
		return
	}
	sess.RequestCancel()
}

// handlePing answers with a pong carrying a load snapshot from the registry.
func (cs *connSession) handlePing() {
	active, pending := cs.registry.Load()
	env := protocol.NewEnvelope(protocol.TypePong, "")
	env.Pong = &protocol.PongPayload{
		Load: &protocol.LoadInfo{ActiveExecutions: active, QueueDepth: pending},
	}
	cs.send(env)
}

// limitsFromPayload validates the requested bounds against the responder's
// ceilings and applies the default output cap.
func (s *Server) limitsFromPayload(p protocol.LimitsPayload) (model.ResourceLimits, error) {
	var limits model.ResourceLimits

	if p.TimeoutMS <= 0 {
		return limits, fmt.Errorf("timeout_ms must be positive")
	}
	if p.MemoryMB <= 0 {
		return limits, fmt.Errorf("memory_mb must be positive")
	}
	if p.CPUShares < 0 {
		return limits, fmt.Errorf("cpu_shares must be positive when set")
	}
	if p.MaxOutputBytes < 0 {
		return limits, fmt.Errorf("max_output_bytes must be positive when set")
	}

	limits.Timeout = time.Duration(p.TimeoutMS) * time.Millisecond
	limits.MemoryMB = p.MemoryMB
	limits.CPUShares = p.CPUShares
	limits.MaxOutputBytes = p.MaxOutputBytes
	if limits.MaxOutputBytes == 0 {
		limits.MaxOutputBytes = model.DefaultMaxOutputBytes
	}

	if limits.Timeout > s.cfg.MaxTimeout {
		return limits, fmt.Errorf("timeout_ms %d exceeds maximum %d", p.TimeoutMS, s.cfg.MaxTimeout.Milliseconds())
	}
	if limits.MemoryMB > s.cfg.MaxMemoryMB {
		return limits, fmt.Errorf("memory_mb %d exceeds maximum %d", p.MemoryMB, s.cfg.MaxMemoryMB)
	}
	if limits.MaxOutputBytes > s.cfg.MaxOutputBytes {
		return limits, fmt.Errorf("max_output_bytes %d exceeds maximum %d", p.MaxOutputBytes, s.cfg.MaxOutputBytes)
	}

	return limits, nil
}

// runExecution drives one execution end to end: start the backend, stream
// output, wait for the exit report, and emit the terminal status and result.
// All session mutation happens here or through the idempotent transitions
// shared with the watchdog.
func (cs *connSession) runExecution(sess *engine.Session, p *protocol.ExecutePayload) {
	defer cs.wg.Done()
	defer func() {
		cs.watchdog.Disarm(sess.ID)
		cs.registry.Evict(sess.ID)
		cs.srv.releaseID(sess.ID)
		executionsActive.Dec()
		cs.srv.broker.Close(sess.ID)
		cs.record(sess)
	}()

	execCtx, cancelExec := context.WithDeadline(cs.ctx, sess.Deadline.Add(backendTeardownGrace))
	defer cancelExec()
	sess.SetCanceller(cancelExec)

	handle, err := cs.srv.backend.Start(execCtx, backend.Spec{
		ID:       sess.ID,
		Language: p.Language,
		Code:     p.Code,
		Stdin:    p.Stdin,
		Env:      p.Env,
		Limits:   sess.Limits,
	})
	if err != nil {
		cs.logger.Error("backend start failed", "execution_id", sess.ID, "error", err)
		cs.finishWithError(sess, model.StatusFailed,
			protocol.NewError(protocol.CodeInternalError, "execution backend failed to start"))
		return
	}

	if sess.MarkRunning() {
		cs.sendStatus(sess.ID, model.StatusRunning)
	}

	cs.pumpOutput(sess, handle)

	exit, waitErr := handle.Wait(cs.ctx)
	result := &model.Result{
		ExitCode: exit.Code,
		Duration: time.Since(sess.CreatedAt),
		Usage:    exit.Usage,
	}

	switch {
	case waitErr != nil:
		cs.logger.Error("backend wait failed", "execution_id", sess.ID, "error", waitErr)
		cs.finishWithError(sess, model.StatusFailed,
			protocol.NewError(protocol.CodeInternalError, "execution backend failed"))

	case exit.OOM:
		if sess.Finish(model.StatusOOM, result) {
			cs.sendStatus(sess.ID, model.StatusOOM)
			cs.sendResult(sess.ID, result)
		}

	case exit.Code == nil && sess.CancelRequested():
		if sess.Finish(model.StatusCancelled, result) {
			cs.sendStatus(sess.ID, model.StatusCancelled)
			cs.sendResult(sess.ID, result)
		}

	case exit.Code == nil:
		// Torn down without a cancel request: the watchdog timeout or the
		// connection closing got here first, and that path already emitted
		// the terminal messages if the connection is still alive.
		cs.finishWithError(sess, model.StatusFailed,
			protocol.NewError(protocol.CodeInternalError, "execution terminated unexpectedly"))

	default:
		// The process exited on its own; a non-zero exit code is still a
		// completed execution, reported through the result.
		if sess.Finish(model.StatusCompleted, result) {
			cs.sendStatus(sess.ID, model.StatusCompleted)
			cs.sendResult(sess.ID, result)
		}
	}
}

// pumpOutput forwards backend chunks to the initiator while enforcing the
// cumulative output cap. Once the cap trips, the execution fails with
// OUTPUT_LIMIT and remaining chunks are drained without being forwarded.
func (cs *connSession) pumpOutput(sess *engine.Session, handle backend.Handle) {
	for chunk := range handle.Output() {
		if sess.Terminal() {
			continue
		}

		if _, exceeded := sess.Accumulate(len(chunk.Data)); exceeded {
			result := &model.Result{Duration: time.Since(sess.CreatedAt)}
			failure := protocol.NewError(protocol.CodeOutputLimit,
				fmt.Sprintf("output exceeded %d bytes", sess.Limits.MaxOutputBytes))
			if sess.Fail(model.StatusFailed, result, failureInfo(failure)) {
				cs.sendError(sess.ID, failure)
				cs.sendStatus(sess.ID, model.StatusFailed)
				cs.sendResult(sess.ID, result)
			}
			handle.Cancel()
			continue
		}

		outputBytesTotal.WithLabelValues(string(chunk.Stream)).Add(float64(len(chunk.Data)))
		cs.sendChunk(sess.ID, chunk)
		cs.srv.broker.Publish(sess.ID, chunk.Stream, chunk.Data)
	}
}

// expireExecution is the watchdog callback. It attempts the Timeout
// transition; if the execution already reached a terminal state the attempt
// is a no-op. The winning transition tears the backend down immediately via
// Interrupt rather than waiting for the context-deadline backstop.
func (cs *connSession) expireExecution(id string) {
	sess, err := cs.registry.Lookup(id)
	if err != nil {
		return
	}
	result := &model.Result{Duration: time.Since(sess.CreatedAt)}
	if sess.Fail(model.StatusTimeout, result, &engine.FailureInfo{
		Code:    string(protocol.CodeTimeout),
		Message: fmt.Sprintf("execution exceeded %s timeout", sess.Limits.Timeout),
	}) {
		sess.Interrupt()
		cs.sendStatus(id, model.StatusTimeout)
		cs.sendResult(id, result)
	}
}

// finishWithError enters a failure-class terminal status and, when this
// transition wins, emits the error envelope followed by the terminal status
// and result.
func (cs *connSession) finishWithError(sess *engine.Session, status model.ExecStatus, perr *protocol.Error) {
	result := &model.Result{Duration: time.Since(sess.CreatedAt)}
	if sess.Fail(status, result, failureInfo(perr)) {
		cs.sendError(sess.ID, perr)
		cs.sendStatus(sess.ID, status)
		cs.sendResult(sess.ID, result)
	}
}

func failureInfo(perr *protocol.Error) *engine.FailureInfo {
	return &engine.FailureInfo{
		Code:      string(perr.Code),
		Message:   perr.Message,
		Retryable: perr.Retryable,
	}
}

// record persists the audit row and updates terminal metrics.
func (cs *connSession) record(sess *engine.Session) {
	status := sess.Status()
	if !status.Terminal() {
		// Abandoned on connection loss before any terminal transition.
		status = model.StatusFailed
		sess.Fail(status, &model.Result{Duration: time.Since(sess.CreatedAt)}, &engine.FailureInfo{
			Code:      string(protocol.CodeNetworkError),
			Message:   "connection lost",
			Retryable: true,
		})
	}

	result := sess.Result()
	executionsTotal.WithLabelValues(sess.Language, string(status)).Inc()
	if result != nil {
		executionDuration.Observe(result.Duration.Seconds())
	}

	if cs.srv.store == nil {
		return
	}

	now := time.Now().UTC()
	rec := &model.ExecutionRecord{
		ID:          sess.ID,
		Language:    sess.Language,
		Status:      status,
		OutputBytes: sess.OutputBytes(),
		CreatedAt:   sess.CreatedAt,
		FinishedAt:  &now,
	}
	if result != nil {
		rec.ExitCode = result.ExitCode
		rec.DurationMS = result.Duration.Milliseconds()
		if result.Usage != nil {
			rec.PeakMemory = result.Usage.PeakMemoryBytes
			rec.CPUTimeMS = result.Usage.CPUTime.Milliseconds()
		}
	}
	if failure := sess.Failure(); failure != nil {
		rec.ErrorCode = failure.Code
		rec.Error = failure.Message
	}

	if err := cs.srv.store.RecordExecution(context.Background(), rec); err != nil {
		cs.logger.Error("record execution", "execution_id", sess.ID, "error", err)
	}
}

// send serializes one envelope to the connection. Write failures after the
// peer is gone are logged at debug and otherwise ignored; the read loop
// observes the disconnect and tears the session down.
func (cs *connSession) send(env *protocol.Envelope) {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	if err := cs.framer.Write(env); err != nil {
		cs.logger.Debug("write envelope", "type", env.Type, "execution_id", env.ID, "error", err)
	}
}

func (cs *connSession) sendStatus(id string, status model.ExecStatus) {
	env := protocol.NewEnvelope(protocol.TypeStatus, id)
	env.Status = &protocol.StatusPayload{Status: string(status)}
	cs.send(env)
}

func (cs *connSession) sendResult(id string, result *model.Result) {
	env := protocol.NewEnvelope(protocol.TypeResult, id)
	payload := &protocol.ResultPayload{
		ExitCode:   result.ExitCode,
		DurationMS: result.Duration.Milliseconds(),
	}
	if result.Usage != nil {
		payload.ResourceUsage = &protocol.UsagePayload{
			PeakMemoryBytes: result.Usage.PeakMemoryBytes,
			CPUTimeMS:       result.Usage.CPUTime.Milliseconds(),
		}
	}
	env.Result = payload
	cs.send(env)
}

func (cs *connSession) sendChunk(id string, chunk backend.Chunk) {
	var env *protocol.Envelope
	if chunk.Stream == backend.StreamStderr {
		env = protocol.NewEnvelope(protocol.TypeStderr, id)
		env.Stderr = &protocol.DataPayload{Data: string(chunk.Data)}
	} else {
		env = protocol.NewEnvelope(protocol.TypeStdout, id)
		env.Stdout = &protocol.DataPayload{Data: string(chunk.Data)}
	}
	cs.send(env)
}

func (cs *connSession) sendError(id string, perr *protocol.Error) {
	env := protocol.NewEnvelope(protocol.TypeError, id)
	env.Err = perr
	cs.send(env)
}
