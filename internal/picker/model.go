package picker

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/iambrandonn/rarun/internal/session"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF8700"))
	helpStyle   = lipgloss.NewStyle().Faint(true)
	buttonStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFFF"))
)

// chrome is the number of lines around the list: header, blank, help
const chrome = 3

type keyMap struct {
	Accept key.Binding
	Cancel key.Binding
	Save   key.Binding
}

var keys = keyMap{
	Accept: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "run")),
	Cancel: key.NewBinding(key.WithKeys("esc", "ctrl+c"), key.WithHelp("esc", "cancel")),
	Save:   key.NewBinding(key.WithKeys("ctrl+s"), key.WithHelp("ctrl+s", "save")),
}

// row adapts a session item to the list
type row struct {
	item session.Item
}

func (r row) Title() string { return r.item.Label }

func (r row) Description() string {
	if r.item.Candidate == nil {
		return ""
	}
	desc := r.item.Candidate.Runnable.Category().String()
	if r.item.Detail != "" {
		desc += " · " + r.item.Detail
	}
	return desc
}

func (r row) FilterValue() string { return r.item.Label }

type model struct {
	picker  *Picker
	title   string
	list    list.Model
	spinner spinner.Model

	items   []session.Item
	active  *session.Item
	buttons []session.Button

	busy     bool
	visible  bool
	disposed bool
}

func newModel(p *Picker, title string) *model {
	l := list.New(nil, list.NewDefaultDelegate(), 80, 16)
	l.SetShowTitle(false)
	l.SetShowHelp(false)
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)
	// quitting is the session's decision, not the list's
	l.KeyMap.Quit.SetEnabled(false)
	l.KeyMap.ForceQuit.SetEnabled(false)

	return &model{
		picker:  p,
		title:   title,
		list:    l,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
}

func (m *model) Init() tea.Cmd {
	return nil
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case setItemsMsg:
		m.items = msg.items
		m.active = nil
		m.list.ResetFilter()
		rows := make([]list.Item, len(msg.items))
		for i, item := range msg.items {
			rows[i] = row{item: item}
		}
		return m, m.list.SetItems(rows)

	case setActiveMsg:
		m.active = msg.item
		if msg.item != nil {
			if i := m.indexOf(*msg.item); i >= 0 {
				m.list.Select(i)
			}
		}

	case setButtonsMsg:
		m.buttons = msg.buttons

	case setBusyMsg:
		m.busy = msg.busy
		if m.busy {
			return m, m.spinner.Tick
		}

	case showMsg:
		m.visible = true

	case disposeMsg:
		m.disposed = true
		return m, tea.Quit

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, max(msg.Height-chrome, 1))

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.disposed {
		return m, nil
	}
	if m.list.FilterState() == list.Filtering {
		return m.updateList(msg)
	}

	switch {
	case key.Matches(msg, keys.Cancel):
		if msg.String() == "esc" && m.list.FilterState() == list.FilterApplied {
			return m.updateList(msg)
		}
		m.picker.emitHide()
		return m, nil

	case key.Matches(msg, keys.Accept):
		if item, ok := m.selected(); ok {
			m.picker.emitAccept(item)
		}
		return m, nil

	case key.Matches(msg, keys.Save):
		if len(m.buttons) > 0 {
			if item, ok := m.selected(); ok {
				m.picker.emitButton(m.buttons[0], item)
			}
		}
		return m, nil
	}

	return m.updateList(msg)
}

// updateList forwards msg to the list and reports a cursor move
func (m *model) updateList(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)

	if item, ok := m.selected(); ok && !sameItem(item, m.active) {
		m.active = &item
		m.picker.emitActive(item)
	}
	return m, cmd
}

func (m *model) selected() (session.Item, bool) {
	r, ok := m.list.SelectedItem().(row)
	if !ok {
		return session.Item{}, false
	}
	return r.item, true
}

func (m *model) indexOf(item session.Item) int {
	for i, it := range m.items {
		if sameItem(it, &item) {
			return i
		}
	}
	return -1
}

func sameItem(a session.Item, b *session.Item) bool {
	if b == nil {
		return false
	}
	return a.Candidate == b.Candidate && a.Label == b.Label
}

func (m *model) View() string {
	if !m.visible || m.disposed {
		return ""
	}

	var b strings.Builder
	header := titleStyle.Render(m.title)
	if m.busy {
		header += " " + m.spinner.View()
	}
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(m.list.View())
	b.WriteString("\n")
	b.WriteString(m.helpLine())
	return b.String()
}

func (m *model) helpLine() string {
	parts := []string{
		keys.Accept.Help().Key + " " + keys.Accept.Help().Desc,
		keys.Cancel.Help().Key + " " + keys.Cancel.Help().Desc,
		"/ filter",
	}
	help := helpStyle.Render(strings.Join(parts, " • "))
	for _, b := range m.buttons {
		help += helpStyle.Render(" • ") + buttonStyle.Render(keys.Save.Help().Key+" "+b.Tooltip)
	}
	return help
}
