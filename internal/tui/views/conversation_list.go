package views

import (
	"fmt"
	"time"

	"github.com/pvilela/chirp/internal/bridge"
	"github.com/pvilela/chirp/internal/presence"
	"github.com/rivo/tview"
)

// ConversationList is the left-hand conversation table.
type ConversationList struct {
	*tview.Table
	items      []bridge.ConversationSummary
	onSelect   func(conversationID string)
	selectedFn func() (int, int)
}

// NewConversationList creates the conversation list table.
func NewConversationList() *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	table.SetBorder(true).SetTitle(" Conversations ")

	cl := &ConversationList{Table: table}
	cl.selectedFn = table.GetSelection
	table.SetSelectedFunc(func(row, _ int) {
		if cl.onSelect == nil {
			return
		}
		if id := cl.selectedID(row); id != "" {
			cl.onSelect(id)
		}
	})
	return cl
}

// SetOnSelect sets the callback for opening a conversation.
func (cl *ConversationList) SetOnSelect(fn func(conversationID string)) {
	cl.onSelect = fn
}

// Update refreshes the list with new data.
func (cl *ConversationList) Update(items []bridge.ConversationSummary) {
	cl.items = items
	cl.Clear()

	cl.SetCell(0, 0, tview.NewTableCell(" Name").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 1, tview.NewTableCell(" Last Message").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 2, tview.NewTableCell(" Time").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))

	for i, item := range items {
		row := i + 1
		name := item.DisplayName
		if name == "" {
			name = item.Peer
		}
		name = presenceDot(item.Presence.Status) + name
		if item.UnreadCount > 0 {
			name = fmt.Sprintf("%s (%d)", name, item.UnreadCount)
		}

		cl.SetCell(row, 0, tview.NewTableCell(" "+name).SetMaxWidth(30).SetExpansion(1))
		cl.SetCell(row, 1, tview.NewTableCell(" "+item.LastMessageSummary).SetMaxWidth(40).SetExpansion(2))
		cl.SetCell(row, 2, tview.NewTableCell(" "+formatClock(item.LastActivityAt)).SetMaxWidth(12))
	}
}

// Selected returns the id of the currently selected conversation.
func (cl *ConversationList) Selected() string {
	row, _ := cl.selectedFn()
	return cl.selectedID(row)
}

func (cl *ConversationList) selectedID(row int) string {
	idx := row - 1 // header row
	if idx >= 0 && idx < len(cl.items) {
		return cl.items[idx].ID
	}
	return ""
}

func presenceDot(s presence.Status) string {
	switch s {
	case presence.StatusOnline:
		return "[green]●[-] "
	case presence.StatusAway:
		return "[yellow]●[-] "
	default:
		return "  "
	}
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
