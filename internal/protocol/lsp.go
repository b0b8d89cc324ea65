package protocol

import (
	"net/url"
	"path/filepath"
	"strings"
)

// Analysis server methods used by rarun
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized"
	MethodShutdown    = "shutdown"
	MethodExit        = "exit"
	MethodRunnables   = "experimental/runnables"
)

// DocumentURI is a file URI as used by the analysis server
type DocumentURI string

// Position is a zero-based line/character offset in a document
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a span between two positions
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextDocumentIdentifier names a document
type TextDocumentIdentifier struct {
	URI DocumentURI `json:"uri"`
}

// LocationLink points at the source of a runnable
type LocationLink struct {
	TargetURI            DocumentURI `json:"targetUri"`
	TargetRange          Range       `json:"targetRange"`
	TargetSelectionRange Range       `json:"targetSelectionRange"`
}

// RunnablesParams is the request body of experimental/runnables
type RunnablesParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     *Position              `json:"position,omitempty"`
}

// WorkspaceFolder is a root announced during initialize
type WorkspaceFolder struct {
	URI  DocumentURI `json:"uri"`
	Name string      `json:"name"`
}

// ClientInfo identifies rarun to the server
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeParams is the request body of initialize
type InitializeParams struct {
	ProcessID             int               `json:"processId"`
	ClientInfo            ClientInfo        `json:"clientInfo"`
	RootURI               DocumentURI       `json:"rootUri"`
	WorkspaceFolders      []WorkspaceFolder `json:"workspaceFolders,omitempty"`
	InitializationOptions map[string]any    `json:"initializationOptions,omitempty"`
	Capabilities          map[string]any    `json:"capabilities"`
}

// InitializeResult is the subset of the initialize response rarun inspects
type InitializeResult struct {
	Capabilities map[string]any `json:"capabilities"`
	ServerInfo   *ClientInfo    `json:"serverInfo,omitempty"`
}

// FileURI converts a file path to a file:// URI
func FileURI(path string) DocumentURI {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return DocumentURI(u.String())
}

// Path returns the file system path of a file URI, or the raw string otherwise
func (u DocumentURI) Path() string {
	parsed, err := url.Parse(string(u))
	if err != nil || parsed.Scheme != "file" {
		return string(u)
	}
	p := parsed.Path
	// file:///C:/x on Windows
	if len(p) > 2 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(strings.TrimSpace(p))
}
