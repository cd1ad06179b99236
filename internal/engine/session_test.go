package engine_test

import (
	"testing"
	"time"

	"github.com/fathom-run/fathom/internal/engine"
	"github.com/fathom-run/fathom/internal/model"
)

func newSession(t *testing.T) *engine.Session {
	t.Helper()
	limits := model.ResourceLimits{
		Timeout:        5 * time.Second,
		MemoryMB:       64,
		MaxOutputBytes: 100,
	}
	return engine.NewSession(model.NewID(), model.LanguagePython, limits, time.Now().UTC())
}

func TestSessionLifecycle(t *testing.T) {
	s := newSession(t)
	if s.Status() != model.StatusPending {
		t.Fatalf("initial status = %s, want pending", s.Status())
	}
	if !s.MarkRunning() {
		t.Fatal("MarkRunning failed on pending session")
	}
	if s.Status() != model.StatusRunning {
		t.Fatalf("status = %s, want running", s.Status())
	}

	exit := 0
	if !s.Finish(model.StatusCompleted, &model.Result{ExitCode: &exit}) {
		t.Fatal("Finish failed on running session")
	}
	if s.Status() != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", s.Status())
	}
	if s.Result() == nil || *s.Result().ExitCode != 0 {
		t.Errorf("result = %+v, want exit code 0", s.Result())
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done channel not closed after terminal transition")
	}
}

func TestSessionFirstTerminalTransitionWins(t *testing.T) {
	s := newSession(t)
	s.MarkRunning()

	if !s.Finish(model.StatusTimeout, &model.Result{}) {
		t.Fatal("first terminal transition rejected")
	}
	// A racing completion must be absorbed as a no-op.
	exit := 0
	if s.Finish(model.StatusCompleted, &model.Result{ExitCode: &exit}) {
		t.Error("second terminal transition succeeded, want no-op")
	}
	if s.Status() != model.StatusTimeout {
		t.Errorf("status = %s, want timeout", s.Status())
	}
	if s.Result().ExitCode != nil {
		t.Error("losing transition overwrote the result")
	}
}

func TestSessionFinishRejectsNonTerminal(t *testing.T) {
	s := newSession(t)
	if s.Finish(model.StatusRunning, nil) {
		t.Error("Finish accepted a non-terminal status")
	}
}

func TestSessionMarkRunningAfterTerminal(t *testing.T) {
	s := newSession(t)
	s.Finish(model.StatusCancelled, &model.Result{})
	if s.MarkRunning() {
		t.Error("MarkRunning succeeded after terminal transition")
	}
}

func TestSessionAccumulate(t *testing.T) {
	s := newSession(t) // MaxOutputBytes = 100

	total, exceeded := s.Accumulate(60)
	if total != 60 || exceeded {
		t.Fatalf("Accumulate(60) = (%d, %v), want (60, false)", total, exceeded)
	}
	total, exceeded = s.Accumulate(60)
	if total != 120 || !exceeded {
		t.Fatalf("Accumulate(60) = (%d, %v), want (120, true)", total, exceeded)
	}
	if s.OutputBytes() != 120 {
		t.Errorf("OutputBytes = %d, want 120", s.OutputBytes())
	}
}

func TestSessionAccumulateUnlimited(t *testing.T) {
	limits := model.ResourceLimits{Timeout: time.Second, MemoryMB: 64}
	s := engine.NewSession(model.NewID(), model.LanguageGo, limits, time.Now().UTC())
	if _, exceeded := s.Accumulate(1 << 22); exceeded {
		t.Error("zero MaxOutputBytes should not cap output")
	}
}

func TestSessionCancel(t *testing.T) {
	s := newSession(t)
	s.MarkRunning()

	fired := 0
	s.SetCanceller(func() { fired++ })

	s.RequestCancel()
	if fired != 1 {
		t.Fatalf("canceller fired %d times, want 1", fired)
	}
	if !s.CancelRequested() {
		t.Error("CancelRequested = false after RequestCancel")
	}

	// Cancel is idempotent.
	s.RequestCancel()
	if fired != 1 {
		t.Errorf("canceller fired %d times after repeat cancel, want 1", fired)
	}
}

func TestSessionCancelBeforeCancellerInstalled(t *testing.T) {
	s := newSession(t)
	s.RequestCancel()

	fired := 0
	s.SetCanceller(func() { fired++ })
	if fired != 1 {
		t.Errorf("pending cancel did not fire on SetCanceller, fired=%d", fired)
	}
}

func TestSessionCancelAfterTerminalIsNoop(t *testing.T) {
	s := newSession(t)
	s.MarkRunning()
	s.Finish(model.StatusCompleted, &model.Result{})

	fired := 0
	s.SetCanceller(func() { fired++ })
	s.RequestCancel()
	if fired != 0 {
		t.Error("cancel after terminal status invoked the canceller")
	}
	if s.Status() != model.StatusCompleted {
		t.Errorf("status = %s, want completed", s.Status())
	}
}

func TestSessionInterruptFiresAfterTerminal(t *testing.T) {
	s := newSession(t)
	s.MarkRunning()

	fired := 0
	s.SetCanceller(func() { fired++ })
	s.Fail(model.StatusTimeout, &model.Result{}, &engine.FailureInfo{Code: "TIMEOUT"})

	// RequestCancel refuses on a terminal session; Interrupt still tears the
	// backend down.
	s.RequestCancel()
	if fired != 0 {
		t.Fatalf("RequestCancel fired the canceller on a terminal session")
	}
	s.Interrupt()
	if fired != 1 {
		t.Errorf("canceller fired %d times after Interrupt, want 1", fired)
	}
	if s.CancelRequested() {
		t.Error("Interrupt recorded a cancel request")
	}
}

func TestSessionFailRecordsCause(t *testing.T) {
	s := newSession(t)
	s.MarkRunning()

	ok := s.Fail(model.StatusFailed, &model.Result{}, &engine.FailureInfo{
		Code:    "OUTPUT_LIMIT",
		Message: "output limit exceeded",
	})
	if !ok {
		t.Fatal("Fail rejected on running session")
	}
	f := s.Failure()
	if f == nil || f.Code != "OUTPUT_LIMIT" {
		t.Errorf("failure = %+v, want OUTPUT_LIMIT", f)
	}
}
