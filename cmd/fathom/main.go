// Command fathom is the initiator CLI. It submits a source file to a fathomd
// responder, streams the execution's output to the terminal, and exits with
// the sandboxed process's exit code.
//
//	fathom [flags] run <file>
//	fathom [flags] ping
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fathom-run/fathom/internal/client"
	"github.com/fathom-run/fathom/internal/config"
	"github.com/fathom-run/fathom/internal/model"
	"github.com/fathom-run/fathom/internal/protocol"
)

const connectTimeout = 10 * time.Second

type envList []string

func (e *envList) String() string { return strings.Join(*e, ",") }

func (e *envList) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("environment entries take the form KEY=VALUE")
	}
	*e = append(*e, v)
	return nil
}

func main() {
	log.SetFlags(0)

	var env envList
	addr := flag.String("addr", "localhost:9750", "responder address")
	lang := flag.String("lang", "", "execution language (inferred from the file extension when empty)")
	timeout := flag.Duration("timeout", 30*time.Second, "execution timeout")
	memoryMB := flag.Int("memory", 128, "memory limit in MiB")
	maxOutput := flag.Int64("max-output", 0, "cumulative output cap in bytes (0 uses the responder default)")
	readStdin := flag.Bool("stdin", false, "forward this process's stdin to the execution")
	verbose := flag.Bool("v", false, "log protocol lifecycle to stderr")
	flag.Var(&env, "env", "environment entry KEY=VALUE (repeatable)")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := config.NewLogger(os.Stderr, level)

	switch flag.Arg(0) {
	case "run":
		if flag.Arg(1) == "" {
			log.Fatal("usage: fathom [flags] run <file>")
		}
		os.Exit(runExecute(logger, *addr, flag.Arg(1), *lang, *timeout, *memoryMB, *maxOutput, *readStdin, env))
	case "ping":
		os.Exit(runPing(logger, *addr))
	default:
		log.Fatal("usage: fathom [flags] run <file> | fathom [flags] ping")
	}
}

// connect starts the client and waits for the first connection.
func connect(ctx context.Context, logger *slog.Logger, addr string) (*client.Client, func()) {
	c := client.New(client.Dial(addr), logger)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		c.Run(runCtx)
		close(done)
	}()
	stop := func() {
		c.Close()
		cancel()
		<-done
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, connectTimeout)
	defer waitCancel()
	if err := c.WaitConnected(waitCtx); err != nil {
		stop()
		log.Fatalf("connect to %s: %v", addr, err)
	}
	return c, stop
}

func runExecute(logger *slog.Logger, addr, path, lang string, timeout time.Duration, memoryMB int, maxOutput int64, readStdin bool, env envList) int {
	code, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s: %v", path, err)
	}

	if lang == "" {
		lang = inferLanguage(path)
		if lang == "" {
			log.Fatalf("cannot infer language from %s, pass -lang", path)
		}
	}

	var stdin []byte
	if readStdin {
		stdin, err = io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatalf("read stdin: %v", err)
		}
	}

	envMap := make(map[string]string, len(env))
	for _, entry := range env {
		k, v, _ := strings.Cut(entry, "=")
		envMap[k] = v
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	c, stop := connect(ctx, logger, addr)
	defer stop()

	exec, err := c.Execute(ctx, client.Request{
		Language: lang,
		Code:     string(code),
		Stdin:    stdin,
		Env:      envMap,
		Limits: protocol.LimitsPayload{
			TimeoutMS:      timeout.Milliseconds(),
			MemoryMB:       memoryMB,
			MaxOutputBytes: maxOutput,
		},
	})
	if err != nil {
		log.Fatalf("execute: %v", err)
	}

	// Ctrl-C cancels the remote execution; a second signal kills the CLI.
	go func() {
		<-ctx.Done()
		c.Cancel(exec.ID)
	}()

	for ev := range exec.Events() {
		switch ev.Kind {
		case client.EventStdout:
			os.Stdout.Write(ev.Data)
		case client.EventStderr:
			os.Stderr.Write(ev.Data)
		case client.EventStatus:
			logger.Debug("status", "execution_id", exec.ID, "status", ev.Status)
		case client.EventError:
			fmt.Fprintf(os.Stderr, "fathom: %s: %s\n", ev.Err.Code, ev.Err.Message)
		}
	}

	outcome, err := exec.Wait(context.Background())
	if err != nil {
		log.Fatalf("wait: %v", err)
	}

	switch outcome.Status {
	case model.StatusCompleted:
		if outcome.Result != nil && outcome.Result.ExitCode != nil {
			return *outcome.Result.ExitCode
		}
		return 0
	case model.StatusTimeout:
		fmt.Fprintln(os.Stderr, "fathom: execution timed out")
	case model.StatusCancelled:
		fmt.Fprintln(os.Stderr, "fathom: execution cancelled")
	case model.StatusOOM:
		fmt.Fprintln(os.Stderr, "fathom: execution exceeded its memory limit")
	}
	return 1
}

func runPing(logger *slog.Logger, addr string) int {
	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	c, stop := connect(ctx, logger, addr)
	defer stop()

	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pong, err := c.Ping(pingCtx)
	if err != nil {
		log.Fatalf("ping: %v", err)
	}

	fmt.Printf("pong in %s", time.Since(start).Round(time.Millisecond))
	if pong != nil && pong.Load != nil {
		fmt.Printf(" (active %d, pending %d)", pong.Load.ActiveExecutions, pong.Load.QueueDepth)
	}
	fmt.Println()
	return 0
}

func inferLanguage(path string) string {
	switch filepath.Ext(path) {
	case ".py":
		return model.LanguagePython
	case ".js", ".mjs":
		return model.LanguageNode
	case ".go":
		return model.LanguageGo
	}
	return ""
}
