// Command mockserver is a stand-in analysis server that answers runnables
// requests from a fixture file. It speaks the same framed JSON-RPC protocol as
// rust-analyzer over stdio.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iambrandonn/rarun/internal/jsonrpc"
	"github.com/iambrandonn/rarun/pkg/testharness"
)

func main() {
	fixturePath := flag.String("fixture", "", "Path to runnables fixture file (JSON)")
	flag.Parse()

	// stderr for diagnostics, stdout for protocol
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := testharness.NewFakeServer(os.Stdin, os.Stdout, logger)
	srv.ServerName = "mockserver"

	if *fixturePath != "" {
		fixture, err := testharness.LoadFixture(*fixturePath)
		if err != nil {
			logger.Error("failed to load fixture", "path", *fixturePath, "error", err)
			os.Exit(1)
		}
		srv.Runnables = fixture.Runnables
		srv.RunnablesDelay = time.Duration(fixture.DelayMs) * time.Millisecond
		if fixture.Fail != "" {
			srv.RunnablesError = &jsonrpc.RPCError{Code: jsonrpc.CodeInternalError, Message: fixture.Fail}
		}
		logger.Info("fixture loaded", "path", *fixturePath, "documents", len(fixture.Runnables))
	}

	logger.Info("mock server starting", "pid", os.Getpid())

	if err := srv.Run(ctx); err != nil {
		logger.Error("mock server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("mock server exiting")
}
