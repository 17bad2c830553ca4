package views

import (
	"fmt"
	"time"

	"github.com/rivo/tview"

	"github.com/kosuchat/kosu/internal/store"
)

// ConversationList is the main conversation table.
type ConversationList struct {
	*tview.Table
	convs      []store.Conversation
	selectedFn func() (int, int)
}

// NewConversationList creates a new conversation list table.
func NewConversationList() *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	table.SetBorder(true).SetTitle(" Conversations ")

	cl := &ConversationList{Table: table}
	cl.selectedFn = table.GetSelection
	return cl
}

// Update refreshes the list. Conversations arrive already sorted by most
// recent activity.
func (cl *ConversationList) Update(convs []store.Conversation) {
	cl.convs = convs
	cl.Clear()

	// Header row.
	cl.SetCell(0, 0, tview.NewTableCell(" Renter").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 1, tview.NewTableCell(" Last Message").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 2, tview.NewTableCell(" Time").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))

	for i, conv := range convs {
		row := i + 1
		name := conv.CounterpartName
		if name == "" {
			name = conv.CounterpartID
		}
		if conv.UnreadCount > 0 {
			name = fmt.Sprintf("* %s (%d)", name, conv.UnreadCount)
		}

		cl.SetCell(row, 0, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(name))).SetMaxWidth(30).SetExpansion(1))
		cl.SetCell(row, 1, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(conv.LastMessagePreview))).SetMaxWidth(40).SetExpansion(2))
		cl.SetCell(row, 2, tview.NewTableCell(" "+formatTimestamp(conv.LastActivityAt)).SetMaxWidth(12))
	}
}

// SelectedConversation returns the id of the currently selected conversation.
func (cl *ConversationList) SelectedConversation() string {
	row, _ := cl.selectedFn()
	idx := row - 1 // account for header
	if idx >= 0 && idx < len(cl.convs) {
		return cl.convs[idx].ID
	}
	return ""
}

func formatTimestamp(ms int64) string {
	if ms == 0 {
		return ""
	}
	t := time.UnixMilli(ms)
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
