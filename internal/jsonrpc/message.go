// Package jsonrpc implements the JSON-RPC 2.0 base protocol spoken by language
// analysis servers: Content-Length framed messages over a byte stream, request
// correlation, and notification dispatch.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version stamped on every message
const Version = "2.0"

var (
	// ErrClosed indicates the connection has been closed.
	ErrClosed = errors.New("jsonrpc: connection closed")
)

// Request is an outgoing call or notification. Notifications have a nil ID.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is the reply to a call
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Message is any incoming frame; which fields are set tells its type
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsResponse reports whether the message answers one of our calls
func (m *Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}

// IsNotification reports whether the message is a server notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// IsRequest reports whether the message is a server-to-client request
func (m *Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

// RPCError is a JSON-RPC error object returned by the server
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard error codes
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)
