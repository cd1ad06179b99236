package local_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/fathom-run/fathom/internal/backend"
	"github.com/fathom-run/fathom/internal/backend/local"
	"github.com/fathom-run/fathom/internal/model"
)

// shCommands routes every test language through /bin/sh so the tests do not
// depend on python/node/go being installed.
var shCommands = map[string]local.Command{
	model.LanguagePython: {Bin: "sh", Args: func(ep string) []string { return []string{ep} }},
}

func newTestBackend(t *testing.T) *local.Backend {
	t.Helper()
	return local.New(t.TempDir(), local.WithCommands(shCommands))
}

func collect(t *testing.T, h backend.Handle) (stdout, stderr []byte) {
	t.Helper()
	for chunk := range h.Output() {
		switch chunk.Stream {
		case backend.StreamStdout:
			stdout = append(stdout, chunk.Data...)
		case backend.StreamStderr:
			stderr = append(stderr, chunk.Data...)
		}
	}
	return stdout, stderr
}

func TestStartEcho(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.Start(context.Background(), backend.Spec{
		ID:       model.NewID(),
		Language: model.LanguagePython,
		Code:     "echo hello\necho oops >&2\n",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	stdout, stderr := collect(t, h)
	exit, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if exit.Code == nil || *exit.Code != 0 {
		t.Errorf("exit code = %v, want 0", exit.Code)
	}
	if !bytes.Equal(stdout, []byte("hello\n")) {
		t.Errorf("stdout = %q, want %q", stdout, "hello\n")
	}
	if !bytes.Equal(stderr, []byte("oops\n")) {
		t.Errorf("stderr = %q, want %q", stderr, "oops\n")
	}
}

func TestStartNonZeroExit(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.Start(context.Background(), backend.Spec{
		ID:       model.NewID(),
		Language: model.LanguagePython,
		Code:     "exit 3\n",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	collect(t, h)
	exit, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if exit.Code == nil || *exit.Code != 3 {
		t.Errorf("exit code = %v, want 3", exit.Code)
	}
}

func TestStartStdin(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.Start(context.Background(), backend.Spec{
		ID:       model.NewID(),
		Language: model.LanguagePython,
		Code:     "cat\n",
		Stdin:    []byte("piped input"),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	stdout, _ := collect(t, h)
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !bytes.Equal(stdout, []byte("piped input")) {
		t.Errorf("stdout = %q, want %q", stdout, "piped input")
	}
}

func TestStartEnv(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.Start(context.Background(), backend.Spec{
		ID:       model.NewID(),
		Language: model.LanguagePython,
		Code:     "printf '%s' \"$FATHOM_TEST_VALUE\"\n",
		Env:      map[string]string{"FATHOM_TEST_VALUE": "from-env"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	stdout, _ := collect(t, h)
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !bytes.Equal(stdout, []byte("from-env")) {
		t.Errorf("stdout = %q, want %q", stdout, "from-env")
	}
}

func TestCancelTerminatesProcess(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.Start(context.Background(), backend.Spec{
		ID:       model.NewID(),
		Language: model.LanguagePython,
		Code:     "sleep 30\n",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan backend.Exit, 1)
	go func() {
		collect(t, h)
		exit, _ := h.Wait(context.Background())
		done <- exit
	}()

	h.Cancel()

	select {
	case exit := <-done:
		if exit.Code != nil {
			t.Errorf("cancelled process reported exit code %d, want nil", *exit.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled process did not terminate")
	}
}

func TestContextDeadlineTerminatesProcess(t *testing.T) {
	b := newTestBackend(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	h, err := b.Start(ctx, backend.Spec{
		ID:       model.NewID(),
		Language: model.LanguagePython,
		Code:     "sleep 30\n",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	collect(t, h)
	exit, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if exit.Code != nil {
		t.Errorf("timed-out process reported exit code %d, want nil", *exit.Code)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	b := newTestBackend(t)

	h, err := b.Start(context.Background(), backend.Spec{
		ID:       model.NewID(),
		Language: model.LanguagePython,
		Code:     "sleep 30\n",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); err == nil {
		t.Fatal("Wait returned before the process exited")
	}

	// The exit report is not lost: cancel the process and wait again.
	h.Cancel()
	collect(t, h)
	exit, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait after cancel: %v", err)
	}
	if exit.Code != nil {
		t.Errorf("cancelled process reported exit code %d, want nil", *exit.Code)
	}
}

func TestUnsupportedLanguage(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.Start(context.Background(), backend.Spec{
		ID:       model.NewID(),
		Language: "fortran",
		Code:     "x",
	})
	if err == nil {
		t.Fatal("Start accepted unsupported language")
	}
}

func TestLanguages(t *testing.T) {
	b := newTestBackend(t)
	langs := b.Languages()
	if len(langs) != 1 || langs[0] != model.LanguagePython {
		t.Errorf("Languages = %v, want [python]", langs)
	}
}
