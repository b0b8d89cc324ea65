package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// NotificationHandler handles a server notification
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler answers a server-to-client request
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Conn is a JSON-RPC connection over a framed byte stream
type Conn struct {
	encoder *Encoder
	decoder *Decoder
	closer  io.Closer
	logger  *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   atomic.Int64
	pending  map[int64]chan *Message
	notify   map[string]NotificationHandler
	requests map[string]RequestHandler

	closed  atomic.Bool
	done    chan struct{}
	readErr error
}

// reply is the response we send to server requests, whose IDs may be strings
type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewConn creates a connection reading from r and writing to w.
// Closing the connection closes c when it is non-nil.
func NewConn(r io.Reader, w io.Writer, c io.Closer, logger *slog.Logger) *Conn {
	return &Conn{
		encoder:  NewEncoder(w, logger),
		decoder:  NewDecoder(r, logger),
		closer:   c,
		logger:   logger,
		pending:  make(map[int64]chan *Message),
		notify:   make(map[string]NotificationHandler),
		requests: make(map[string]RequestHandler),
		done:     make(chan struct{}),
	}
}

// Start begins reading messages in a background goroutine
func (c *Conn) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Done is closed once the read loop has stopped
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped the read loop, if any
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Close shuts the connection down. Pending calls fail with ErrClosed.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	var err error
	if c.closer != nil {
		err = c.closer.Close()
	}
	return err
}

// OnNotification registers a handler for a notification method. The method
// "*" receives notifications that have no dedicated handler.
func (c *Conn) OnNotification(method string, handler NotificationHandler) {
	c.mu.Lock()
	c.notify[method] = handler
	c.mu.Unlock()
}

// OnRequest registers a handler for a server-to-client request method
func (c *Conn) OnRequest(method string, handler RequestHandler) {
	c.mu.Lock()
	c.requests[method] = handler
	c.mu.Unlock()
}

// Call sends a request and waits for its response. The result is decoded
// into result when it is non-nil.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	if c.closed.Load() {
		return ErrClosed
	}

	id := c.nextID.Add(1)
	ch := make(chan *Message, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.logger.Debug("sending request", "method", method, "id", id)

	if err := c.write(&Request{JSONRPC: Version, ID: &id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		if err := c.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return ErrClosed
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a notification
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.write(&Request{JSONRPC: Version, Method: method, Params: params})
}

func (c *Conn) write(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.encoder.Encode(msg)
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.done)

	for {
		var msg Message
		err := c.decoder.Decode(&msg)
		if err != nil {
			if c.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				c.logger.Debug("connection closed", "error", err)
				if !errors.Is(err, io.EOF) && !c.closed.Load() {
					c.setErr(err)
				}
				return
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				// a malformed body does not desynchronize framing
				continue
			}
			c.logger.Error("failed to read message", "error", err)
			c.setErr(err)
			return
		}

		c.dispatch(ctx, &msg)
	}
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
}

func (c *Conn) dispatch(ctx context.Context, msg *Message) {
	switch {
	case msg.IsResponse():
		var id int64
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			c.logger.Warn("response with non-numeric id", "id", string(msg.ID))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("response for unknown request", "id", id)
			return
		}
		ch <- msg

	case msg.IsNotification():
		c.mu.Lock()
		handler, ok := c.notify[msg.Method]
		if !ok {
			handler, ok = c.notify["*"]
		}
		c.mu.Unlock()
		if ok && handler != nil {
			handler(msg.Method, msg.Params)
		}

	case msg.IsRequest():
		c.mu.Lock()
		handler, ok := c.requests[msg.Method]
		c.mu.Unlock()
		go c.answer(ctx, msg, handler, ok)

	default:
		c.logger.Warn("unexpected message", "method", msg.Method, "id", string(msg.ID))
	}
}

func (c *Conn) answer(ctx context.Context, msg *Message, handler RequestHandler, ok bool) {
	resp := reply{JSONRPC: Version, ID: msg.ID}
	if !ok {
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not supported: " + msg.Method}
	} else {
		result, err := handler(ctx, msg.Method, msg.Params)
		if err != nil {
			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) {
				rpcErr = &RPCError{Code: CodeInternalError, Message: err.Error()}
			}
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	}

	if err := c.write(&resp); err != nil {
		c.logger.Warn("failed to answer server request", "method", msg.Method, "error", err)
	}
}
