// Package session drives one interactive selection over a Surface: a loading
// placeholder, the fetched candidates, then exactly one terminal outcome.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/iambrandonn/rarun/internal/catalog"
	"github.com/iambrandonn/rarun/internal/protocol"
)

// NoTargetNotice is shown when nothing at the position can be run
const NoTargetNotice = "no debug target"

// OutcomeKind is the terminal state of a session
type OutcomeKind int

const (
	// Cancelled means the surface was dismissed or the context ended
	Cancelled OutcomeKind = iota
	// Selected means a candidate was accepted
	Selected
	// SaveRequested means the side action ran on the active candidate
	SaveRequested
	// NoTarget means the fetch returned nothing and the session never populated
	NoTarget
)

// String returns a lowercase name for logs
func (k OutcomeKind) String() string {
	switch k {
	case Selected:
		return "selected"
	case SaveRequested:
		return "save_requested"
	case NoTarget:
		return "no_target"
	default:
		return "cancelled"
	}
}

// Outcome is how a session ended
type Outcome struct {
	Kind      OutcomeKind
	SessionID string
	// Runnable is set for Selected and SaveRequested
	Runnable *protocol.Runnable
}

// FetchFunc loads the candidates for the session
type FetchFunc func(ctx context.Context) ([]catalog.Candidate, error)

// Saver persists a runnable as a launch configuration
type Saver interface {
	SaveConfig(ctx context.Context, r protocol.Runnable) error
}

// Recorder observes session progress, for audit logs
type Recorder interface {
	SessionStarted(sessionID string)
	CandidatesLoaded(sessionID string, candidates []catalog.Candidate)
	SessionEnded(sessionID string, outcome Outcome)
}

// Options configures a Controller
type Options struct {
	// ShowButtons enables the save side action
	ShowButtons bool
	// PlaceholderLabel is the loading row text
	PlaceholderLabel string
	// Notify receives user-facing notices
	Notify func(msg string)
	// Recorder, if set, is told about each session
	Recorder Recorder
}

// Controller runs selection sessions on one surface
type Controller struct {
	surface Surface
	saver   Saver
	opts    Options
	logger  *slog.Logger
}

// NewController creates a controller. A nil saver disables the side action.
func NewController(surface Surface, saver Saver, opts Options, logger *slog.Logger) *Controller {
	if opts.PlaceholderLabel == "" {
		opts.PlaceholderLabel = "Loading..."
	}
	if opts.Notify == nil {
		opts.Notify = func(string) {}
	}
	return &Controller{
		surface: surface,
		saver:   saver,
		opts:    opts,
		logger:  logger,
	}
}

type fetchResult struct {
	candidates []catalog.Candidate
	err        error
}

type resolution struct {
	kind OutcomeKind
	item Item
}

// Run shows the surface, loads candidates with fetch and blocks until the
// session resolves. A dismissal while loading discards the fetch result.
// Errors from fetch and from the saver are returned unmodified.
func (c *Controller) Run(ctx context.Context, fetch FetchFunc) (outcome Outcome, err error) {
	id := uuid.NewString()
	logger := c.logger.With("session_id", id)
	outcome = Outcome{Kind: Cancelled, SessionID: id}

	if c.opts.Recorder != nil {
		c.opts.Recorder.SessionStarted(id)
		defer func() {
			c.opts.Recorder.SessionEnded(id, outcome)
		}()
	}

	logger.Debug("session loading")

	c.surface.SetItems([]Item{Placeholder(c.opts.PlaceholderLabel)})
	c.surface.SetActive(nil)
	c.surface.SetButtons(nil)
	c.surface.SetBusy(true)
	c.surface.Show()

	hidden := make(chan struct{})
	var hideOnce sync.Once
	releaseHide := c.surface.OnHide(func() {
		hideOnce.Do(func() { close(hidden) })
	})

	// buffered so a late result never blocks the fetching goroutine
	results := make(chan fetchResult, 1)
	go func() {
		candidates, err := fetch(ctx)
		results <- fetchResult{candidates: candidates, err: err}
	}()

	var res fetchResult
	select {
	case <-hidden:
		releaseHide()
		c.surface.Dispose()
		logger.Info("session dismissed while loading")
		return outcome, nil
	case <-ctx.Done():
		releaseHide()
		c.surface.Dispose()
		logger.Info("session cancelled while loading", "reason", ctx.Err())
		return outcome, nil
	case res = <-results:
		releaseHide()
	}

	if res.err != nil {
		c.surface.Dispose()
		logger.Warn("session fetch failed", "error", res.err)
		return outcome, res.err
	}

	if c.opts.Recorder != nil {
		c.opts.Recorder.CandidatesLoaded(id, res.candidates)
	}

	if len(res.candidates) == 0 {
		c.surface.Dispose()
		c.opts.Notify(NoTargetNotice)
		logger.Info("session has no target")
		outcome.Kind = NoTarget
		return outcome, nil
	}

	r := c.populate(ctx, res.candidates, logger)
	c.surface.Dispose()

	outcome.Kind = r.kind
	if r.item.Candidate != nil {
		runnable := r.item.Candidate.Runnable
		outcome.Runnable = &runnable
	}
	logger.Info("session resolved", "outcome", outcome.Kind, "label", r.item.Label)

	if r.kind == SaveRequested {
		if err := c.saver.SaveConfig(ctx, *outcome.Runnable); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// populate replaces the placeholder, registers every listener in one batch
// and waits for the first terminal event
func (c *Controller) populate(ctx context.Context, candidates []catalog.Candidate, logger *slog.Logger) resolution {
	items := ItemsFor(candidates)
	c.surface.SetItems(items)
	c.surface.SetActive(&items[0])
	c.surface.SetBusy(false)

	resolved := make(chan resolution, 1)
	var (
		mu      sync.Mutex
		done    bool
		release func()
	)
	resolve := func(r resolution) {
		mu.Lock()
		if done {
			mu.Unlock()
			return
		}
		done = true
		rel := release
		mu.Unlock()

		if rel != nil {
			rel()
		}
		resolved <- r
	}

	showButtons := c.opts.ShowButtons && c.saver != nil
	updateButtons := func(item Item) {
		if showButtons && item.Candidate != nil && item.Candidate.Runnable.Category() != protocol.CategoryCargo {
			c.surface.SetButtons([]Button{SaveButton})
		} else {
			c.surface.SetButtons(nil)
		}
	}

	updateButtons(items[0])

	rel := c.surface.Listen(Listeners{
		Hide: func() {
			resolve(resolution{kind: Cancelled})
		},
		Accept: func(item Item) {
			if item.Candidate == nil {
				return
			}
			resolve(resolution{kind: Selected, item: item})
		},
		Button: func(b Button, item Item) {
			if b.ID != SaveButton.ID || item.Candidate == nil || !showButtons {
				return
			}
			resolve(resolution{kind: SaveRequested, item: item})
		},
		ActiveChanged: func(item Item) {
			mu.Lock()
			finished := done
			mu.Unlock()
			if !finished {
				updateButtons(item)
			}
		},
	})

	mu.Lock()
	release = rel
	already := done
	mu.Unlock()
	if already {
		// resolved from inside Listen
		rel()
	}

	logger.Debug("session populated", "candidates", len(items))

	select {
	case r := <-resolved:
		return r
	case <-ctx.Done():
		resolve(resolution{kind: Cancelled})
		return <-resolved
	}
}

// String renders an outcome for logs and the transcript
func (o Outcome) String() string {
	if o.Runnable == nil {
		return o.Kind.String()
	}
	return fmt.Sprintf("%s %q", o.Kind, o.Runnable.Label)
}

type recorders []Recorder

// Recorders fans session progress out to every non-nil recorder
func Recorders(rs ...Recorder) Recorder {
	out := make(recorders, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (rs recorders) SessionStarted(id string) {
	for _, r := range rs {
		r.SessionStarted(id)
	}
}

func (rs recorders) CandidatesLoaded(id string, candidates []catalog.Candidate) {
	for _, r := range rs {
		r.CandidatesLoaded(id, candidates)
	}
}

func (rs recorders) SessionEnded(id string, outcome Outcome) {
	for _, r := range rs {
		r.SessionEnded(id, outcome)
	}
}
