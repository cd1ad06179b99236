package engine

import (
	"sync"
	"time"

	"github.com/fathom-run/fathom/internal/model"
)

// Session is the per-execution state machine instance. One logical task owns
// a session and drives its lifecycle; the watchdog may additionally attempt
// the timeout transition. All transitions funnel through Finish, which is
// first-transition-wins: once a terminal status is entered, later attempts
// are silently dropped.
type Session struct {
	ID        string
	Language  string
	Limits    model.ResourceLimits
	CreatedAt time.Time
	Deadline  time.Time

	mu              sync.Mutex
	status          model.ExecStatus
	outputBytes     int64
	cancelRequested bool
	canceller       func()
	result          *model.Result
	failure         *FailureInfo

	done chan struct{}
}

// FailureInfo records why a session entered a failure-class terminal status,
// for audit and for the error envelope emitted alongside it.
type FailureInfo struct {
	Code      string
	Message   string
	Retryable bool
}

// NewSession creates a session in Pending with its deadline derived from the
// timeout limit.
func NewSession(id, language string, limits model.ResourceLimits, now time.Time) *Session {
	return &Session{
		ID:        id,
		Language:  language,
		Limits:    limits,
		CreatedAt: now,
		Deadline:  now.Add(limits.Timeout),
		status:    model.StatusPending,
		done:      make(chan struct{}),
	}
}

// Status returns the current status.
func (s *Session) Status() model.ExecStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Terminal reports whether the session has reached a terminal status.
func (s *Session) Terminal() bool {
	return s.Status().Terminal()
}

// Done is closed when the session enters a terminal status.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// MarkRunning transitions Pending→Running. Returns false if the session is
// not Pending (already running, or a terminal transition won first).
func (s *Session) MarkRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != model.StatusPending {
		return false
	}
	s.status = model.StatusRunning
	return true
}

// Finish attempts the transition to the given terminal status with the given
// result. The first caller to reach a terminal status wins and gets true;
// every later attempt is a no-op returning false. Non-terminal targets are
// rejected.
func (s *Session) Finish(status model.ExecStatus, result *model.Result) bool {
	if !status.Terminal() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = status
	s.result = result
	close(s.done)
	return true
}

// Fail is Finish for failure-class outcomes, recording the error that caused
// them.
func (s *Session) Fail(status model.ExecStatus, result *model.Result, failure *FailureInfo) bool {
	if !status.Terminal() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = status
	s.result = result
	s.failure = failure
	close(s.done)
	return true
}

// Result returns the terminal result, or nil while the session is live.
func (s *Session) Result() *model.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Failure returns the recorded failure cause, if any.
func (s *Session) Failure() *FailureInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Accumulate adds n output bytes and reports the running total together with
// whether the configured output cap is now exceeded. Accounting stops
// mattering once a terminal status is entered; callers check the Finish
// return value for the actual transition.
func (s *Session) Accumulate(n int) (total int64, exceeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputBytes += int64(n)
	return s.outputBytes, s.Limits.MaxOutputBytes > 0 && s.outputBytes > s.Limits.MaxOutputBytes
}

// OutputBytes returns the cumulative stdout+stderr byte count.
func (s *Session) OutputBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputBytes
}

// SetCanceller installs the function that requests prompt termination of the
// underlying execution. If a cancel was already requested before the
// canceller was installed, it fires immediately.
func (s *Session) SetCanceller(fn func()) {
	s.mu.Lock()
	pending := s.cancelRequested && !s.status.Terminal()
	s.canceller = fn
	s.mu.Unlock()
	if pending && fn != nil {
		fn()
	}
}

// RequestCancel records a cancel request and invokes the canceller. Cancel is
// advisory: the session stays in its current status until a terminal
// transition confirms the outcome. Requests against a terminal session are
// no-ops.
func (s *Session) RequestCancel() {
	s.mu.Lock()
	if s.status.Terminal() || s.cancelRequested {
		s.mu.Unlock()
		return
	}
	s.cancelRequested = true
	fn := s.canceller
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Interrupt invokes the canceller regardless of status. Unlike RequestCancel
// it does not drive the cancelled outcome; it exists for teardown after a
// terminal transition already won, where RequestCancel would refuse.
func (s *Session) Interrupt() {
	s.mu.Lock()
	fn := s.canceller
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// CancelRequested reports whether a cancel has been requested.
func (s *Session) CancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}
