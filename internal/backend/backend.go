// Package backend defines the execution backend boundary: the isolation
// mechanism (process, container, microVM) that actually runs untrusted code.
// The protocol engine only starts executions, signals cancellation, consumes
// output chunks, and waits for the exit report; enforcement of memory and CPU
// bounds lives behind this interface.
package backend

import (
	"context"

	"github.com/fathom-run/fathom/internal/model"
)

// Spec describes one execution handed to a backend.
type Spec struct {
	ID       string
	Language string
	Code     string
	Stdin    []byte
	Env      map[string]string
	Limits   model.ResourceLimits
}

// Stream identifies which output stream a chunk belongs to.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Chunk is one piece of streamed output. Chunks within a single stream
// direction are delivered in order; stdout and stderr may interleave.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Exit is the backend's final report for an execution. Code is nil when the
// process was torn down before exiting on its own. OOM is set when the
// backend attributes the exit to the memory bound.
type Exit struct {
	Code  *int
	OOM   bool
	Usage *model.ResourceUsage
}

// Handle tracks one running execution.
type Handle interface {
	// Output returns the chunk stream. The channel is closed once both
	// stream directions reach EOF.
	Output() <-chan Chunk

	// Wait blocks until the execution finishes and returns its exit report.
	// It must only be called once.
	Wait(ctx context.Context) (Exit, error)

	// Cancel requests prompt termination. It is advisory; callers observe
	// completion through Wait.
	Cancel()
}

// Backend starts executions.
type Backend interface {
	// Start launches the execution described by spec. The context bounds the
	// whole execution: when it is cancelled or its deadline passes, the
	// backend tears the execution down.
	Start(ctx context.Context, spec Spec) (Handle, error)

	// Languages lists the language identifiers this backend accepts.
	Languages() []string
}
