package views

import (
	"fmt"

	"github.com/rivo/tview"

	"github.com/kosuchat/kosu/internal/store"
)

// MessageView displays the message history for a single conversation.
type MessageView struct {
	*tview.TextView
	convName string
}

// NewMessageView creates a new message view.
func NewMessageView() *MessageView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true).SetTitle(" Messages ")

	return &MessageView{TextView: tv}
}

// SetConversationName updates the title with the counterpart's name.
func (mv *MessageView) SetConversationName(name string) {
	mv.convName = name
	mv.SetTitle(fmt.Sprintf(" %s ", name))
}

// Update refreshes the view. Messages arrive oldest first.
func (mv *MessageView) Update(msgs []store.Message) {
	mv.Clear()

	for _, m := range msgs {
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		if m.FromMe {
			sender = "You"
		}

		ts := formatTimestamp(m.Timestamp)
		line := fmt.Sprintf("[::b]%s[-:-:-] [::d]%s[-:-:-] %s\n%s\n\n",
			tview.Escape(sanitizeForTerminal(sender)), ts, deliveryMarker(m),
			tview.Escape(sanitizeForTerminal(m.Body)))
		_, _ = fmt.Fprint(mv, line)
	}

	mv.ScrollToEnd()
}

// deliveryMarker renders the send-state glyph for own messages.
func deliveryMarker(m store.Message) string {
	if !m.FromMe {
		return ""
	}
	if m.IsProvisional() {
		return "[gray]…[-]"
	}
	switch m.Status {
	case store.StatusFailed:
		return "[red]✗ failed[-]"
	case store.StatusRead:
		return "[blue]✓✓[-]"
	case store.StatusDelivered:
		return "✓✓"
	default:
		return "✓"
	}
}
