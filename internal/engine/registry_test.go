package engine_test

import (
	"errors"
	"testing"
	"time"

	"github.com/fathom-run/fathom/internal/engine"
	"github.com/fathom-run/fathom/internal/model"
)

func registrySession(id string) *engine.Session {
	limits := model.ResourceLimits{Timeout: time.Second, MemoryMB: 64}
	return engine.NewSession(id, model.LanguagePython, limits, time.Now().UTC())
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := engine.NewRegistry()
	s := registrySession("exec-1")

	if err := r.Register(s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := r.Lookup("exec-1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != s {
		t.Error("Lookup returned a different session")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryDuplicateID(t *testing.T) {
	r := engine.NewRegistry()
	if err := r.Register(registrySession("exec-1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(registrySession("exec-1"))
	if !errors.Is(err, engine.ErrAlreadyExists) {
		t.Errorf("duplicate Register error = %v, want ErrAlreadyExists", err)
	}
}

func TestRegistryUnknownExecution(t *testing.T) {
	r := engine.NewRegistry()
	_, err := r.Lookup("missing")
	if !errors.Is(err, engine.ErrUnknownExecution) {
		t.Errorf("Lookup error = %v, want ErrUnknownExecution", err)
	}
}

func TestRegistryEvict(t *testing.T) {
	r := engine.NewRegistry()
	r.Register(registrySession("exec-1"))
	r.Evict("exec-1")

	if _, err := r.Lookup("exec-1"); !errors.Is(err, engine.ErrUnknownExecution) {
		t.Error("session still resolvable after Evict")
	}
	// Evicting an absent id is a no-op.
	r.Evict("exec-1")
}

func TestRegistryLoad(t *testing.T) {
	r := engine.NewRegistry()
	running := registrySession("exec-run")
	running.MarkRunning()
	r.Register(running)
	r.Register(registrySession("exec-pend"))

	active, pending := r.Load()
	if active != 1 || pending != 1 {
		t.Errorf("Load = (%d, %d), want (1, 1)", active, pending)
	}
}

func TestRegistryDrain(t *testing.T) {
	r := engine.NewRegistry()
	r.Register(registrySession("a"))
	r.Register(registrySession("b"))

	drained := r.Drain()
	if len(drained) != 2 {
		t.Fatalf("Drain returned %d sessions, want 2", len(drained))
	}
	if r.Len() != 0 {
		t.Errorf("Len after Drain = %d, want 0", r.Len())
	}
}
