// Package server implements the responder side of the Fathom sandbox
// protocol: it owns one connection session per accepted connection,
// demultiplexes incoming envelopes to per-execution state machines, and
// drives the execution backend while streaming output back to the initiator.
package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fathom-run/fathom/internal/backend"
	"github.com/fathom-run/fathom/internal/protocol"
	"github.com/fathom-run/fathom/internal/store"
)

// Config bounds what this responder accepts. Requests outside these ceilings
// are rejected with INVALID_REQUEST before any ack.
type Config struct {
	// MaxConcurrent caps live executions per connection; excess requests are
	// rejected with SANDBOX_OVERLOADED.
	MaxConcurrent int
	// MaxTimeout is the largest accepted execution timeout.
	MaxTimeout time.Duration
	// MaxMemoryMB is the largest accepted memory bound.
	MaxMemoryMB int
	// MaxOutputBytes is the largest accepted output cap.
	MaxOutputBytes int64
}

// DefaultConfig returns the responder ceilings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  64,
		MaxTimeout:     5 * time.Minute,
		MaxMemoryMB:    2048,
		MaxOutputBytes: 16 << 20,
	}
}

// Server is the responder engine. It is safe to serve multiple listeners and
// framers concurrently.
type Server struct {
	cfg       Config
	backend   backend.Backend
	store     store.Store // may be nil: auditing disabled
	broker    *OutputBroker
	logger    *slog.Logger
	languages map[string]bool

	// Execution ids must be unique across every live connection: the broker
	// keys output topics by id and the audit store keys rows by id.
	liveMu  sync.Mutex
	liveIDs map[string]struct{}
}

// New creates a responder over the given execution backend. store may be nil
// to disable execution auditing.
func New(cfg Config, b backend.Backend, st store.Store, logger *slog.Logger) *Server {
	languages := make(map[string]bool)
	for _, lang := range b.Languages() {
		languages[lang] = true
	}
	return &Server{
		cfg:       cfg,
		backend:   b,
		store:     st,
		broker:    NewOutputBroker(),
		logger:    logger,
		languages: languages,
		liveIDs:   make(map[string]struct{}),
	}
}

// reserveID claims an execution id server-wide. It returns false when the id
// is already in flight on any connection.
func (s *Server) reserveID(id string) bool {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	if _, ok := s.liveIDs[id]; ok {
		return false
	}
	s.liveIDs[id] = struct{}{}
	return true
}

// releaseID frees an id once its execution leaves the live set.
func (s *Server) releaseID(id string) {
	s.liveMu.Lock()
	delete(s.liveIDs, id)
	s.liveMu.Unlock()
}

// Broker returns the output broker for SSE subscription.
func (s *Server) Broker() *OutputBroker {
	return s.broker
}

// Serve accepts connections from l until the listener is closed. Each
// connection gets its own session with length-prefixed stream framing.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go s.HandleConn(ctx, conn)
	}
}

// HandleConn runs one connection session over a raw byte stream.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	s.HandleFramer(ctx, protocol.NewStreamFramer(conn))
}

// HandleFramer runs one connection session over any envelope framer (stream
// or websocket). It blocks until the peer disconnects, the context is
// cancelled, or a handshake-level failure closes the connection.
func (s *Server) HandleFramer(ctx context.Context, framer protocol.Framer) {
	connectionsActive.Inc()
	defer connectionsActive.Dec()

	cs := newConnSession(s, framer, ctx)
	cs.run()
}
