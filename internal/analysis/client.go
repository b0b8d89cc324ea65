// Package analysis is the client side of the analysis server protocol: the
// initialize handshake, runnables queries and orderly shutdown.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/iambrandonn/rarun/internal/jsonrpc"
	"github.com/iambrandonn/rarun/internal/protocol"
)

var (
	// ErrNotInitialized indicates a query was made before Initialize succeeded.
	ErrNotInitialized = errors.New("analysis server not initialized")
)

// ServiceError wraps a failed round trip to the analysis server. It is
// distinct from an empty result, which is not an error.
type ServiceError struct {
	Method string
	Err    error
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	return fmt.Sprintf("analysis server %s: %v", e.Method, e.Err)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Caller is the part of a JSON-RPC connection the client needs
type Caller interface {
	Call(ctx context.Context, method string, params any, result any) error
	Notify(ctx context.Context, method string, params any) error
}

// Client issues analysis requests over a connection
type Client struct {
	conn    Caller
	logger  *slog.Logger
	timeout time.Duration

	mu          sync.Mutex
	initialized bool
	serverInfo  *protocol.ClientInfo
}

// Option configures a Client
type Option func(*Client)

// WithRequestTimeout bounds each request. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// NewClient creates a client over conn
func NewClient(conn Caller, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		conn:    conn,
		logger:  logger,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize performs the initialize/initialized handshake for one workspace root
func (c *Client) Initialize(ctx context.Context, root string, options map[string]any) error {
	uri := protocol.FileURI(root)
	params := protocol.InitializeParams{
		ProcessID:  os.Getpid(),
		ClientInfo: protocol.ClientInfo{Name: "rarun"},
		RootURI:    uri,
		WorkspaceFolders: []protocol.WorkspaceFolder{
			{URI: uri, Name: "workspace"},
		},
		InitializationOptions: options,
		Capabilities: map[string]any{
			"experimental": map[string]any{
				"serverStatusNotification": false,
			},
		},
	}

	var result protocol.InitializeResult
	if err := c.call(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return err
	}
	if err := c.conn.Notify(ctx, protocol.MethodInitialized, struct{}{}); err != nil {
		return &ServiceError{Method: protocol.MethodInitialized, Err: err}
	}

	c.mu.Lock()
	c.initialized = true
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	if result.ServerInfo != nil {
		c.logger.Info("analysis server initialized",
			"name", result.ServerInfo.Name,
			"version", result.ServerInfo.Version)
	} else {
		c.logger.Info("analysis server initialized")
	}
	return nil
}

// ServerInfo returns what the server reported about itself, if anything
func (c *Client) ServerInfo() *protocol.ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Runnables asks the server for the runnables at a position. A nil position
// requests every runnable in the document. One request is made; there is no retry.
func (c *Client) Runnables(ctx context.Context, params protocol.RunnablesParams) ([]protocol.Runnable, error) {
	c.mu.Lock()
	ready := c.initialized
	c.mu.Unlock()
	if !ready {
		return nil, &ServiceError{Method: protocol.MethodRunnables, Err: ErrNotInitialized}
	}

	var runnables []protocol.Runnable
	if err := c.call(ctx, protocol.MethodRunnables, params, &runnables); err != nil {
		return nil, err
	}

	c.logger.Debug("received runnables",
		"uri", params.TextDocument.URI,
		"count", len(runnables))
	return runnables, nil
}

// Shutdown sends shutdown followed by exit
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	ready := c.initialized
	c.initialized = false
	c.mu.Unlock()
	if !ready {
		return nil
	}

	if err := c.call(ctx, protocol.MethodShutdown, nil, nil); err != nil {
		return err
	}
	if err := c.conn.Notify(ctx, protocol.MethodExit, nil); err != nil {
		return &ServiceError{Method: protocol.MethodExit, Err: err}
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := c.conn.Call(ctx, method, params, result); err != nil {
		return &ServiceError{Method: method, Err: err}
	}
	return nil
}

// ensure *jsonrpc.Conn satisfies Caller
var _ Caller = (*jsonrpc.Conn)(nil)
