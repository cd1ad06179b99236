// Command fathomd is the sandbox responder daemon. It accepts protocol
// connections over TCP (and optionally vsock, for initiators on the other
// side of a VM boundary), runs sandboxed executions through the local process
// backend, and serves an admin HTTP surface with health, metrics, audit
// queries, and a websocket protocol endpoint.
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdlayher/vsock"

	"github.com/fathom-run/fathom/internal/api"
	"github.com/fathom-run/fathom/internal/backend/local"
	"github.com/fathom-run/fathom/internal/config"
	"github.com/fathom-run/fathom/internal/server"
	"github.com/fathom-run/fathom/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("fathomd: starting",
		"listen_addr", cfg.ListenAddr,
		"http_addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
	)

	var st store.Store
	if cfg.DBPath != "" {
		db, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()
		st = db
	}

	be := local.New(cfg.WorkDir)

	eng := server.New(server.Config{
		MaxConcurrent:  cfg.MaxConcurrent,
		MaxTimeout:     cfg.MaxTimeout,
		MaxMemoryMB:    cfg.MaxMemoryMB,
		MaxOutputBytes: cfg.MaxOutputBytes,
	}, be, st, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)

	tcpLn, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddr, err)
	}
	defer tcpLn.Close()
	logger.Info("protocol listener ready", "addr", tcpLn.Addr().String())
	go func() { errCh <- eng.Serve(ctx, tcpLn) }()

	if cfg.VsockPort > 0 {
		vsockLn, err := vsock.Listen(cfg.VsockPort, nil)
		if err != nil {
			log.Fatalf("vsock listen on port %d: %v", cfg.VsockPort, err)
		}
		defer vsockLn.Close()
		logger.Info("vsock protocol listener ready", "port", cfg.VsockPort)
		go func() { errCh <- eng.Serve(ctx, vsockLn) }()
	}

	admin := api.NewServer(cfg.HTTPAddr, st, eng, logger)
	go func() { errCh <- admin.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down on signal")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}
	stop()
}
