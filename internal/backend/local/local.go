// Package local implements the execution backend as a plain subprocess on
// the responder host. It provides no isolation beyond the process boundary
// and is intended for development and trusted deployments; hardened
// deployments put a microVM or container backend behind the same interface.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/fathom-run/fathom/internal/backend"
	"github.com/fathom-run/fathom/internal/model"
)

// chunkSize is the read buffer for output streaming.
const chunkSize = 4096

// entrypoints maps each language to the filename the code is written as.
var entrypoints = map[string]string{
	model.LanguagePython: "main.py",
	model.LanguageNode:   "index.js",
	model.LanguageGo:     "main.go",
}

// Command describes how to run one language.
type Command struct {
	Bin  string
	Args func(entrypoint string) []string
}

// DefaultCommands maps each supported language to its interpreter invocation.
var DefaultCommands = map[string]Command{
	model.LanguagePython: {Bin: "python3", Args: func(ep string) []string { return []string{ep} }},
	model.LanguageNode:   {Bin: "node", Args: func(ep string) []string { return []string{ep} }},
	model.LanguageGo:     {Bin: "go", Args: func(ep string) []string { return []string{"run", ep} }},
}

// Backend runs executions as local subprocesses.
type Backend struct {
	workDir  string
	commands map[string]Command
}

// Option configures the backend.
type Option func(*Backend)

// WithCommands replaces the language command table. Used by tests to
// substitute stub interpreters.
func WithCommands(commands map[string]Command) Option {
	return func(b *Backend) { b.commands = commands }
}

// New creates a local backend writing execution entrypoints under workDir.
func New(workDir string, opts ...Option) *Backend {
	b := &Backend{
		workDir:  workDir,
		commands: DefaultCommands,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Languages lists the languages present in the command table, sorted for a
// stable order.
func (b *Backend) Languages() []string {
	langs := make([]string, 0, len(b.commands))
	for lang := range b.commands {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// Start writes the code to a per-execution directory and launches the
// language's interpreter. The returned handle streams stdout/stderr chunks
// and reports the exit code.
func (b *Backend) Start(ctx context.Context, spec backend.Spec) (backend.Handle, error) {
	cmdSpec, ok := b.commands[spec.Language]
	if !ok {
		return nil, fmt.Errorf("language %q not supported by local backend", spec.Language)
	}
	entrypoint, ok := entrypoints[spec.Language]
	if !ok {
		entrypoint = "main.txt"
	}

	dir := filepath.Join(b.workDir, spec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create execution dir: %w", err)
	}
	entrypointPath := filepath.Join(dir, entrypoint)
	if err := os.WriteFile(entrypointPath, []byte(spec.Code), 0o644); err != nil {
		return nil, fmt.Errorf("write entrypoint: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, cmdSpec.Bin, cmdSpec.Args(entrypointPath)...)
	cmd.Dir = dir
	cmd.Env = execEnv(spec.Env)
	if len(spec.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}

	// Run the execution in its own process group and kill the whole group on
	// cancellation, so children spawned by the sandboxed code cannot outlive
	// it and hold the output pipes open. WaitDelay backstops pipe teardown.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start command: %w", err)
	}

	h := &handle{
		cmd:      cmd,
		cancel:   cancel,
		dir:      dir,
		start:    start,
		chunks:   make(chan backend.Chunk, 16),
		waitDone: make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamChunks(h.chunks, backend.StreamStdout, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		streamChunks(h.chunks, backend.StreamStderr, stderrPipe)
	}()
	go func() {
		wg.Wait()
		close(h.chunks)
	}()

	return h, nil
}

// execEnv builds the child environment from the request env applied over the
// host environment. Keys are applied in sorted order so that repeated runs
// see an identical environment.
func execEnv(env map[string]string) []string {
	out := os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// streamChunks reads r in fixed-size chunks and forwards them on out.
func streamChunks(out chan<- backend.Chunk, stream backend.Stream, r io.Reader) {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out <- backend.Chunk{Stream: stream, Data: data}
		}
		if err != nil {
			return
		}
	}
}

type handle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	dir    string
	start  time.Time
	chunks chan backend.Chunk

	waitOnce sync.Once
	waitDone chan struct{}
	exit     backend.Exit
	waitErr  error
}

func (h *handle) Output() <-chan backend.Chunk {
	return h.chunks
}

func (h *handle) Cancel() {
	h.cancel()
}

// Wait reports the process exit. The reaping itself runs in a goroutine
// started on the first call, so an expired ctx returns early without losing
// the exit report; a later Wait call picks it up.
func (h *handle) Wait(ctx context.Context) (backend.Exit, error) {
	h.waitOnce.Do(func() {
		go func() {
			h.exit, h.waitErr = h.reap()
			close(h.waitDone)
		}()
	})

	select {
	case <-ctx.Done():
		return backend.Exit{}, ctx.Err()
	case <-h.waitDone:
		return h.exit, h.waitErr
	}
}

// reap blocks on cmd.Wait, derives the exit report, and removes the
// execution directory.
func (h *handle) reap() (backend.Exit, error) {
	defer os.RemoveAll(h.dir)

	waitErr := h.cmd.Wait()

	usage := &model.ResourceUsage{}
	if ps := h.cmd.ProcessState; ps != nil {
		usage.CPUTime = ps.UserTime() + ps.SystemTime()
	}

	if waitErr == nil {
		code := 0
		return backend.Exit{Code: &code, Usage: usage}, nil
	}

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// Process exited but a child kept a pipe open past WaitDelay.
		code := 0
		if ps := h.cmd.ProcessState; ps != nil && ps.ExitCode() >= 0 {
			code = ps.ExitCode()
		}
		return backend.Exit{Code: &code, Usage: usage}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		if code >= 0 {
			return backend.Exit{Code: &code, Usage: usage}, nil
		}
		// Killed by signal: no exit code of its own. Context cancellation
		// (timeout or cancel request) lands here.
		return backend.Exit{Usage: usage}, nil
	}

	return backend.Exit{}, fmt.Errorf("wait for process: %w", waitErr)
}
