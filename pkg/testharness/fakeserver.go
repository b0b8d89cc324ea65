package testharness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/iambrandonn/rarun/internal/jsonrpc"
	"github.com/iambrandonn/rarun/internal/protocol"
)

// FakeServer is an in-process analysis server for testing. It answers
// initialize, experimental/runnables and shutdown, and stops on exit or EOF.
type FakeServer struct {
	// Runnables maps document URIs to the runnables reported for them.
	// The key "*" answers for any document without its own entry.
	Runnables map[protocol.DocumentURI][]protocol.Runnable

	// Behavior controls
	RunnablesDelay time.Duration
	RunnablesError *jsonrpc.RPCError
	ServerName     string

	stdin  io.Reader
	stdout io.Writer
	logger *slog.Logger

	mu       sync.Mutex
	requests []protocol.RunnablesParams
	methods  []string
}

// NewFakeServer creates a fake server reading requests from stdin and writing responses to stdout
func NewFakeServer(stdin io.Reader, stdout io.Writer, logger *slog.Logger) *FakeServer {
	return &FakeServer{
		Runnables:  make(map[protocol.DocumentURI][]protocol.Runnable),
		ServerName: "fake-analyzer",
		stdin:      stdin,
		stdout:     stdout,
		logger:     logger,
	}
}

// Run serves requests until exit, EOF or ctx cancellation
func (s *FakeServer) Run(ctx context.Context) error {
	encoder := jsonrpc.NewEncoder(s.stdout, s.logger)
	decoder := jsonrpc.NewDecoder(s.stdin, s.logger)

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return encoder.Encode(v)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var msg jsonrpc.Message
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("fake server: %w", err)
		}

		s.mu.Lock()
		s.methods = append(s.methods, msg.Method)
		s.mu.Unlock()

		switch msg.Method {
		case protocol.MethodInitialize:
			if err := write(result(msg.ID, protocol.InitializeResult{
				Capabilities: map[string]any{},
				ServerInfo:   &protocol.ClientInfo{Name: s.ServerName, Version: "0.0.0"},
			})); err != nil {
				return err
			}

		case protocol.MethodRunnables:
			var params protocol.RunnablesParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				if err := write(failure(msg.ID, &jsonrpc.RPCError{Code: jsonrpc.CodeInvalidParams, Message: err.Error()})); err != nil {
					return err
				}
				continue
			}
			s.mu.Lock()
			s.requests = append(s.requests, params)
			s.mu.Unlock()

			wg.Add(1)
			go func(id json.RawMessage) {
				defer wg.Done()
				if s.RunnablesDelay > 0 {
					select {
					case <-time.After(s.RunnablesDelay):
					case <-ctx.Done():
						return
					}
				}
				var reply any
				if s.RunnablesError != nil {
					reply = failure(id, s.RunnablesError)
				} else {
					reply = result(id, s.runnablesFor(params.TextDocument.URI))
				}
				if err := write(reply); err != nil {
					s.logger.Debug("fake server write failed", "error", err)
				}
			}(msg.ID)

		case protocol.MethodShutdown:
			if err := write(result(msg.ID, nil)); err != nil {
				return err
			}

		case protocol.MethodExit:
			return nil

		case protocol.MethodInitialized:
			// notification, nothing to answer

		default:
			if len(msg.ID) > 0 {
				if err := write(failure(msg.ID, &jsonrpc.RPCError{Code: jsonrpc.CodeMethodNotFound, Message: msg.Method})); err != nil {
					return err
				}
			}
		}
	}
}

// Requests returns the runnables requests received so far
func (s *FakeServer) Requests() []protocol.RunnablesParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.RunnablesParams(nil), s.requests...)
}

// Methods returns every method received, in order
func (s *FakeServer) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

func (s *FakeServer) runnablesFor(uri protocol.DocumentURI) []protocol.Runnable {
	if rs, ok := s.Runnables[uri]; ok {
		return rs
	}
	if rs, ok := s.Runnables["*"]; ok {
		return rs
	}
	return []protocol.Runnable{}
}

type response struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Result  any               `json:"result"`
	Error   *jsonrpc.RPCError `json:"error,omitempty"`
}

func result(id json.RawMessage, v any) *response {
	return &response{JSONRPC: jsonrpc.Version, ID: id, Result: v}
}

func failure(id json.RawMessage, err *jsonrpc.RPCError) *response {
	return &response{JSONRPC: jsonrpc.Version, ID: id, Error: err}
}

// Pipe connects a client to a fake server over in-memory pipes. The returned
// reader and writer are the client's ends; closing the writer stops the server.
type Pipe struct {
	ClientReader *io.PipeReader
	ClientWriter *io.PipeWriter
	serverReader *io.PipeReader
	serverWriter *io.PipeWriter
}

// NewPipe allocates both directions of an in-memory connection
func NewPipe() *Pipe {
	serverR, clientW := io.Pipe()
	clientR, serverW := io.Pipe()
	return &Pipe{
		ClientReader: clientR,
		ClientWriter: clientW,
		serverReader: serverR,
		serverWriter: serverW,
	}
}

// Serve runs srv on the server ends of the pipe in a goroutine. The returned
// channel yields the server's exit error.
func (p *Pipe) Serve(ctx context.Context, logger *slog.Logger, configure func(*FakeServer)) (*FakeServer, <-chan error) {
	srv := NewFakeServer(p.serverReader, p.serverWriter, logger)
	if configure != nil {
		configure(srv)
	}
	done := make(chan error, 1)
	go func() {
		err := srv.Run(ctx)
		p.serverWriter.Close()
		p.serverReader.Close()
		done <- err
	}()
	return srv, done
}

// Close closes the client's ends
func (p *Pipe) Close() error {
	p.ClientWriter.Close()
	return p.ClientReader.Close()
}
