package session

import (
	"github.com/iambrandonn/rarun/internal/catalog"
)

// Item is one row of the selection surface. The loading placeholder is the
// only item without a candidate.
type Item struct {
	Label     string
	Detail    string
	Candidate *catalog.Candidate
}

// Placeholder is the single row shown while candidates load
func Placeholder(label string) Item {
	return Item{Label: label}
}

// ItemsFor converts candidates into surface rows
func ItemsFor(candidates []catalog.Candidate) []Item {
	items := make([]Item, len(candidates))
	for i := range candidates {
		c := candidates[i]
		items[i] = Item{Label: c.Label, Detail: c.Detail(), Candidate: &c}
	}
	return items
}

// Button is a side action offered on the active item
type Button struct {
	ID      string
	Tooltip string
}

// SaveButton persists the active runnable as a launch configuration
var SaveButton = Button{ID: "save", Tooltip: "Save as a launch configuration"}

// Listeners are the four event sources of a populated session. They are
// registered together by one Listen call.
type Listeners struct {
	Hide          func()
	Accept        func(Item)
	Button        func(Button, Item)
	ActiveChanged func(Item)
}

// Surface is the picker a session drives. Implementations may invoke
// listeners from any goroutine but must not hold internal locks while doing
// so, since a listener can call back into the surface.
type Surface interface {
	SetItems(items []Item)
	SetActive(item *Item)
	SetButtons(buttons []Button)
	SetBusy(busy bool)
	Show()
	Dispose()

	// OnHide registers a dismissal listener used while loading
	OnHide(fn func()) (release func())
	// Listen registers all populated-state listeners at once
	Listen(l Listeners) (release func())
}
