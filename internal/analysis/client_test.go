package analysis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/iambrandonn/rarun/internal/jsonrpc"
	"github.com/iambrandonn/rarun/internal/protocol"
	"github.com/iambrandonn/rarun/pkg/testharness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func checkRunnable(label string) protocol.Runnable {
	return protocol.Runnable{
		Kind:  protocol.RunnableKindCargo,
		Label: label,
		Cargo: &protocol.CargoArgs{
			CargoArgs:      []string{"check", "--workspace"},
			ExecutableArgs: []string{},
			WorkspaceRoot:  "/ws",
		},
	}
}

// connect starts a fake server and returns an initialized client
func connect(t *testing.T, ctx context.Context, configure func(*testharness.FakeServer)) (*Client, *testharness.FakeServer, func()) {
	t.Helper()
	logger := discardLogger()

	pipe := testharness.NewPipe()
	srv, done := pipe.Serve(ctx, logger, configure)

	conn := jsonrpc.NewConn(pipe.ClientReader, pipe.ClientWriter, pipe, logger)
	conn.Start(ctx)

	client := NewClient(conn, logger, WithRequestTimeout(2*time.Second))
	require.NoError(t, client.Initialize(ctx, "/ws", nil))

	var once sync.Once
	stop := func() {
		once.Do(func() {
			conn.Close()
			<-done
			<-conn.Done()
		})
	}
	return client, srv, stop
}

func TestClientInitializeAndRunnables(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	uri := protocol.FileURI("/ws/src/lib.rs")
	client, srv, stop := connect(t, ctx, func(s *testharness.FakeServer) {
		s.Runnables[uri] = []protocol.Runnable{checkRunnable("cargo check --workspace")}
	})
	defer stop()

	require.NotNil(t, client.ServerInfo())
	assert.Equal(t, "fake-analyzer", client.ServerInfo().Name)

	pos := protocol.Position{Line: 4, Character: 2}
	runnables, err := client.Runnables(ctx, protocol.RunnablesParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
		Position:     &pos,
	})
	require.NoError(t, err)
	require.Len(t, runnables, 1)
	assert.Equal(t, "cargo check --workspace", runnables[0].Label)
	require.NotNil(t, runnables[0].Cargo)
	assert.Equal(t, "/ws", runnables[0].Cargo.WorkspaceRoot)

	requests := srv.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, uri, requests[0].TextDocument.URI)
	require.NotNil(t, requests[0].Position)
	assert.Equal(t, pos, *requests[0].Position)

	require.NoError(t, client.Shutdown(ctx))
	stop()
	assert.Equal(t, []string{
		protocol.MethodInitialize,
		protocol.MethodInitialized,
		protocol.MethodRunnables,
		protocol.MethodShutdown,
		protocol.MethodExit,
	}, srv.Methods())
}

func TestClientRunnablesEmptyIsNotAnError(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, _, stop := connect(t, ctx, nil)
	defer stop()

	runnables, err := client.Runnables(ctx, protocol.RunnablesParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///ws/src/empty.rs"},
	})
	require.NoError(t, err)
	assert.Empty(t, runnables)

	stop()
}

func TestClientRunnablesServerFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, srv, stop := connect(t, ctx, func(s *testharness.FakeServer) {
		s.RunnablesError = &jsonrpc.RPCError{Code: jsonrpc.CodeInternalError, Message: "boom"}
	})
	defer stop()

	_, err := client.Runnables(ctx, protocol.RunnablesParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///ws/src/lib.rs"},
	})
	require.Error(t, err)

	var svcErr *ServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, protocol.MethodRunnables, svcErr.Method)

	var rpcErr *jsonrpc.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, "boom", rpcErr.Message)

	// a single attempt, no retry
	assert.Len(t, srv.Requests(), 1)

	stop()
}

func TestClientRunnablesTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, _, stop := connect(t, ctx, func(s *testharness.FakeServer) {
		s.RunnablesDelay = time.Second
	})
	defer stop()

	short, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer shortCancel()

	_, err := client.Runnables(short, protocol.RunnablesParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: "file:///ws/src/lib.rs"},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	stop()
}

func TestClientRequiresInitialize(t *testing.T) {
	client := NewClient(nil, discardLogger())
	_, err := client.Runnables(context.Background(), protocol.RunnablesParams{})
	require.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, client.Shutdown(context.Background()))
}
