// Package catalog turns the analysis server's runnables for a cursor position
// into an ordered list of candidates for the picker.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/iambrandonn/rarun/internal/protocol"
)

// ErrServiceUnavailable classifies every failure to obtain runnables from the service.
var ErrServiceUnavailable = errors.New("runnables service unavailable")

// Service answers runnables requests
type Service interface {
	Runnables(ctx context.Context, params protocol.RunnablesParams) ([]protocol.Runnable, error)
}

// Position identifies a document and an optional cursor within it
type Position struct {
	URI    protocol.DocumentURI
	Cursor *protocol.Position
}

// Candidate is one entry offered for selection
type Candidate struct {
	Label    string
	Runnable protocol.Runnable
}

// NewCandidate wraps a runnable, labelled as the server labelled it
func NewCandidate(r protocol.Runnable) Candidate {
	return Candidate{Label: r.Label, Runnable: r}
}

// Detail is a short "file:line" hint for runnables that carry a location
func (c Candidate) Detail() string {
	loc := c.Runnable.Location
	if loc == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(loc.TargetURI.Path()), loc.TargetRange.Start.Line+1)
}

// Same reports whether both candidates wrap structurally equal runnables
func (c Candidate) Same(other Candidate) bool {
	return cmp.Equal(c.Runnable, other.Runnable, cmpopts.EquateEmpty())
}

type fetchError struct {
	err error
}

func (e *fetchError) Error() string {
	return fmt.Sprintf("fetch runnables: %v", e.err)
}

func (e *fetchError) Unwrap() []error {
	return []error{ErrServiceUnavailable, e.err}
}

// Catalog fetches candidates from a Service
type Catalog struct {
	svc    Service
	logger *slog.Logger
}

// NewCatalog creates a catalog backed by svc
func NewCatalog(svc Service, logger *slog.Logger) *Catalog {
	return &Catalog{svc: svc, logger: logger}
}

// Fetch issues exactly one runnables request for pos. The previous selection,
// when given, leads the result and its duplicates are dropped from the fetched
// list. With debuggeeOnly, cargo and doctest runnables are removed, the
// previous selection included; rust-analyzer's own picker keeps the previous
// entry unfiltered. An empty result with a nil error means nothing is
// runnable at pos.
func (c *Catalog) Fetch(ctx context.Context, pos Position, previous *Candidate, debuggeeOnly bool) ([]Candidate, error) {
	params := protocol.RunnablesParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: pos.URI},
		Position:     pos.Cursor,
	}

	fetched, err := c.svc.Runnables(ctx, params)
	if err != nil {
		c.logger.Warn("runnables request failed", "uri", pos.URI, "error", err)
		return nil, &fetchError{err: err}
	}

	items := make([]Candidate, 0, len(fetched)+1)
	if previous != nil {
		items = append(items, *previous)
	}
	for _, r := range fetched {
		cand := NewCandidate(r)
		if previous != nil && cand.Same(*previous) {
			continue
		}
		items = append(items, cand)
	}

	if debuggeeOnly {
		kept := items[:0]
		for _, cand := range items {
			if cand.Runnable.Category().Debuggable() {
				kept = append(kept, cand)
			}
		}
		items = kept
	}

	c.logger.Debug("catalog fetched",
		"uri", pos.URI,
		"fetched", len(fetched),
		"candidates", len(items),
		"debuggee_only", debuggeeOnly)

	return items, nil
}
