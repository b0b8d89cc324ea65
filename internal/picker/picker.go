// Package picker is the terminal selection surface for sessions, built on
// bubbletea. Surface calls are forwarded to the running program as messages
// and user input is delivered to session listeners from a dispatcher
// goroutine, never from inside the program's update loop.
package picker

import (
	"log/slog"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/iambrandonn/rarun/internal/session"
)

// Sender delivers messages to a running program. *tea.Program satisfies it.
type Sender interface {
	Send(msg tea.Msg)
}

type (
	setItemsMsg   struct{ items []session.Item }
	setActiveMsg  struct{ item *session.Item }
	setButtonsMsg struct{ buttons []session.Button }
	setBusyMsg    struct{ busy bool }
	showMsg       struct{}
	disposeMsg    struct{}
)

// Picker implements session.Surface
type Picker struct {
	logger *slog.Logger
	model  *model
	queue  *dispatcher

	mu        sync.Mutex
	sender    Sender
	nextID    int
	hide      map[int]func()
	listeners map[int]session.Listeners
}

// New creates a picker titled title. Attach a program before the first session runs.
func New(title string, logger *slog.Logger) *Picker {
	p := &Picker{
		logger:    logger,
		queue:     newDispatcher(),
		hide:      make(map[int]func()),
		listeners: make(map[int]session.Listeners),
	}
	p.model = newModel(p, title)
	return p
}

// Model returns the bubbletea model to run
func (p *Picker) Model() tea.Model {
	return p.model
}

// Attach sets the program that receives surface updates
func (p *Picker) Attach(s Sender) {
	p.mu.Lock()
	p.sender = s
	p.mu.Unlock()
}

// SetItems replaces the rows
func (p *Picker) SetItems(items []session.Item) {
	p.send(setItemsMsg{items: append([]session.Item(nil), items...)})
}

// SetActive moves the cursor to item. Nil leaves the cursor where it is.
func (p *Picker) SetActive(item *session.Item) {
	if item != nil {
		copied := *item
		item = &copied
	}
	p.send(setActiveMsg{item: item})
}

// SetButtons replaces the side actions offered on the active row
func (p *Picker) SetButtons(buttons []session.Button) {
	p.send(setButtonsMsg{buttons: append([]session.Button(nil), buttons...)})
}

// SetBusy toggles the loading indicator
func (p *Picker) SetBusy(busy bool) {
	p.send(setBusyMsg{busy: busy})
}

// Show makes the picker visible
func (p *Picker) Show() {
	p.send(showMsg{})
}

// Dispose stops listener delivery and quits the program
func (p *Picker) Dispose() {
	p.queue.close()
	p.send(disposeMsg{})
}

// OnHide registers a dismissal listener
func (p *Picker) OnHide(fn func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.hide[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.hide, id)
		p.mu.Unlock()
	}
}

// Listen registers populated-state listeners
func (p *Picker) Listen(l session.Listeners) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = l
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Picker) send(msg tea.Msg) {
	p.mu.Lock()
	s := p.sender
	p.mu.Unlock()
	if s == nil {
		p.logger.Debug("picker not attached, dropping update", "msg", msg)
		return
	}
	s.Send(msg)
}

// snapshot copies the current listeners so they can be called unlocked
func (p *Picker) snapshot() ([]func(), []session.Listeners) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hide := make([]func(), 0, len(p.hide))
	for _, fn := range p.hide {
		hide = append(hide, fn)
	}
	ls := make([]session.Listeners, 0, len(p.listeners))
	for _, l := range p.listeners {
		ls = append(ls, l)
	}
	return hide, ls
}

func (p *Picker) emitHide() {
	p.queue.post(func() {
		hide, ls := p.snapshot()
		for _, fn := range hide {
			fn()
		}
		for _, l := range ls {
			if l.Hide != nil {
				l.Hide()
			}
		}
	})
}

func (p *Picker) emitAccept(item session.Item) {
	p.queue.post(func() {
		_, ls := p.snapshot()
		for _, l := range ls {
			if l.Accept != nil {
				l.Accept(item)
			}
		}
	})
}

func (p *Picker) emitButton(b session.Button, item session.Item) {
	p.queue.post(func() {
		_, ls := p.snapshot()
		for _, l := range ls {
			if l.Button != nil {
				l.Button(b, item)
			}
		}
	})
}

func (p *Picker) emitActive(item session.Item) {
	p.queue.post(func() {
		_, ls := p.snapshot()
		for _, l := range ls {
			if l.ActiveChanged != nil {
				l.ActiveChanged(item)
			}
		}
	})
}

// dispatcher runs posted callbacks in order on its own goroutine. post never
// blocks, so the update loop can hand off events while a listener is busy
// sending back into the program.
type dispatcher struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	stop  chan struct{}
	once  sync.Once
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.wake:
		case <-d.stop:
			return
		}

		for {
			d.mu.Lock()
			batch := d.queue
			d.queue = nil
			d.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				select {
				case <-d.stop:
					return
				default:
				}
				fn()
			}
		}
	}
}

func (d *dispatcher) close() {
	d.once.Do(func() { close(d.stop) })
}

var _ session.Surface = (*Picker)(nil)
