package picker

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/iambrandonn/rarun/internal/catalog"
	"github.com/iambrandonn/rarun/internal/protocol"
	"github.com/iambrandonn/rarun/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSender captures the messages a picker sends to its program
type recordingSender struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (s *recordingSender) Send(msg tea.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *recordingSender) all() []tea.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tea.Msg(nil), s.msgs...)
}

func (p *Picker) listenerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

func items(labels ...string) []session.Item {
	cs := make([]catalog.Candidate, len(labels))
	for i, label := range labels {
		cs[i] = catalog.NewCandidate(protocol.Runnable{
			Kind:  protocol.RunnableKindCargo,
			Label: label,
			Cargo: &protocol.CargoArgs{CargoArgs: []string{"run"}},
		})
	}
	return session.ItemsFor(cs)
}

// populated returns a picker whose model already shows the given rows
func populated(t *testing.T, labels ...string) (*Picker, []session.Item) {
	t.Helper()
	p := New("Select runnable", discardLogger())
	t.Cleanup(p.Dispose)

	rows := items(labels...)
	p.model.Update(setItemsMsg{items: rows})
	p.model.Update(setActiveMsg{item: &rows[0]})
	p.model.Update(showMsg{})
	return p, rows
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for listener")
		var zero T
		return zero
	}
}

func TestSurfaceCallsBecomeMessages(t *testing.T) {
	p := New("Select runnable", discardLogger())
	defer p.Dispose()

	sender := &recordingSender{}
	p.Attach(sender)

	rows := items("run demo")
	p.SetItems(rows)
	p.SetActive(&rows[0])
	p.SetButtons([]session.Button{session.SaveButton})
	p.SetBusy(true)
	p.Show()

	msgs := sender.all()
	require.Len(t, msgs, 5)
	assert.IsType(t, setItemsMsg{}, msgs[0])
	assert.IsType(t, setActiveMsg{}, msgs[1])
	assert.Equal(t, setButtonsMsg{buttons: []session.Button{session.SaveButton}}, msgs[2])
	assert.Equal(t, setBusyMsg{busy: true}, msgs[3])
	assert.Equal(t, showMsg{}, msgs[4])
}

func TestUnattachedPickerDropsUpdates(t *testing.T) {
	p := New("Select runnable", discardLogger())
	defer p.Dispose()

	// must not panic or block
	p.SetItems(items("a"))
	p.Show()
}

func TestEnterAcceptsSelectedRow(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, rows := populated(t, "run demo", "test it")
	accepted := make(chan session.Item, 1)
	release := p.Listen(session.Listeners{Accept: func(item session.Item) { accepted <- item }})
	defer release()

	p.model.Update(tea.KeyMsg{Type: tea.KeyEnter})

	got := receive(t, accepted)
	assert.Equal(t, rows[0].Label, got.Label)
	assert.Same(t, rows[0].Candidate, got.Candidate)
	p.Dispose()
}

func TestCursorMoveReportsActiveChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, rows := populated(t, "run demo", "test it")
	active := make(chan session.Item, 4)
	release := p.Listen(session.Listeners{ActiveChanged: func(item session.Item) { active <- item }})
	defer release()

	p.model.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, rows[1].Label, receive(t, active).Label)

	// moving past the end keeps the cursor on the last row, no new event
	p.model.Update(tea.KeyMsg{Type: tea.KeyDown})
	p.model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	select {
	case item := <-active:
		t.Fatalf("unexpected active change to %q", item.Label)
	case <-time.After(50 * time.Millisecond):
	}
	p.Dispose()
}

func TestEscapeNotifiesHideListeners(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, _ := populated(t, "run demo")
	hidden := make(chan string, 2)
	releaseHide := p.OnHide(func() { hidden <- "loading" })
	release := p.Listen(session.Listeners{Hide: func() { hidden <- "populated" }})
	defer release()

	p.model.Update(tea.KeyMsg{Type: tea.KeyEsc})

	got := []string{receive(t, hidden), receive(t, hidden)}
	assert.ElementsMatch(t, []string{"loading", "populated"}, got)

	releaseHide()
	p.model.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Equal(t, "populated", receive(t, hidden))
	p.Dispose()
}

func TestSaveKeyNeedsButton(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, rows := populated(t, "run demo")
	pressed := make(chan session.Button, 1)
	release := p.Listen(session.Listeners{Button: func(b session.Button, item session.Item) {
		assert.Equal(t, rows[0].Label, item.Label)
		pressed <- b
	}})
	defer release()

	p.model.Update(tea.KeyMsg{Type: tea.KeyCtrlS})
	select {
	case <-pressed:
		t.Fatal("save pressed without a button")
	case <-time.After(50 * time.Millisecond):
	}

	p.model.Update(setButtonsMsg{buttons: []session.Button{session.SaveButton}})
	p.model.Update(tea.KeyMsg{Type: tea.KeyCtrlS})
	assert.Equal(t, session.SaveButton, receive(t, pressed))
	p.Dispose()
}

func TestReleasedListenersAreNotCalled(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, _ := populated(t, "run demo")
	accepted := make(chan session.Item, 1)
	release := p.Listen(session.Listeners{Accept: func(item session.Item) { accepted <- item }})
	release()

	p.model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	select {
	case <-accepted:
		t.Fatal("released listener was called")
	case <-time.After(50 * time.Millisecond):
	}
	p.Dispose()
}

func TestListenerMayCallBackIntoSurface(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, _ := populated(t, "run demo")
	sender := &recordingSender{}
	p.Attach(sender)

	done := make(chan struct{})
	release := p.Listen(session.Listeners{Accept: func(session.Item) {
		p.SetButtons(nil)
		close(done)
	}})
	defer release()

	p.model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	receive(t, done)
	require.Len(t, sender.all(), 1)
	p.Dispose()
}

func TestDisposeQuitsProgram(t *testing.T) {
	p, _ := populated(t, "run demo")

	_, cmd := p.model.Update(disposeMsg{})
	require.NotNil(t, cmd)
	_, ok := cmd().(tea.QuitMsg)
	assert.True(t, ok)
	assert.Empty(t, p.model.View())

	// input after dispose is ignored
	_, cmd = p.model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
}

func TestView(t *testing.T) {
	p := New("Select runnable", discardLogger())
	defer p.Dispose()

	assert.Empty(t, p.model.View(), "hidden until shown")

	p.model.Update(setItemsMsg{items: []session.Item{session.Placeholder("Loading...")}})
	p.model.Update(setBusyMsg{busy: true})
	p.model.Update(showMsg{})
	view := p.model.View()
	assert.Contains(t, view, "Select runnable")
	assert.Contains(t, view, "Loading...")
	assert.NotContains(t, view, "ctrl+s")

	rows := items("run demo")
	p.model.Update(setItemsMsg{items: rows})
	p.model.Update(setBusyMsg{busy: false})
	p.model.Update(setButtonsMsg{buttons: []session.Button{session.SaveButton}})
	view = p.model.View()
	assert.Contains(t, view, "run demo")
	assert.Contains(t, view, "ctrl+s "+session.SaveButton.Tooltip)
	assert.False(t, strings.Contains(view, "Loading..."))
}

// loop stands in for tea.Program: it applies sent messages to the model in
// order and drops the commands they return
type loop struct {
	msgs chan tea.Msg
	done chan struct{}
}

func runLoop(p *Picker) *loop {
	l := &loop{msgs: make(chan tea.Msg), done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for msg := range l.msgs {
			p.model.Update(msg)
			if _, ok := msg.(disposeMsg); ok {
				return
			}
		}
	}()
	return l
}

func (l *loop) Send(msg tea.Msg) {
	select {
	case l.msgs <- msg:
	case <-l.done:
	}
}

func TestControllerDrivesPicker(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := New("Select runnable", discardLogger())
	l := runLoop(p)
	p.Attach(l)

	ctrl := session.NewController(p, nil, session.Options{}, discardLogger())
	fetch := func(ctx context.Context) ([]catalog.Candidate, error) {
		return []catalog.Candidate{
			catalog.NewCandidate(protocol.Runnable{Kind: protocol.RunnableKindCargo, Label: "run demo", Cargo: &protocol.CargoArgs{}}),
			catalog.NewCandidate(protocol.Runnable{Kind: protocol.RunnableKindCargo, Label: "test it", Cargo: &protocol.CargoArgs{}}),
		}, nil
	}

	type result struct {
		outcome session.Outcome
		err     error
	}
	results := make(chan result, 1)
	go func() {
		o, err := ctrl.Run(ctx, fetch)
		results <- result{o, err}
	}()

	require.Eventually(t, func() bool { return p.listenerCount() > 0 }, 2*time.Second, 5*time.Millisecond)

	l.Send(tea.KeyMsg{Type: tea.KeyDown})
	l.Send(tea.KeyMsg{Type: tea.KeyEnter})

	res := receive(t, results)
	require.NoError(t, res.err)
	assert.Equal(t, session.Selected, res.outcome.Kind)
	require.NotNil(t, res.outcome.Runnable)
	assert.Equal(t, "test it", res.outcome.Runnable.Label)

	<-l.done
}
