package views

import (
	"fmt"

	"github.com/rivo/tview"
)

// TypingLine is the one-row indicator under the message view.
type TypingLine struct {
	*tview.TextView
}

// NewTypingLine creates the typing indicator line.
func NewTypingLine() *TypingLine {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	return &TypingLine{TextView: tv}
}

// Show displays "<name> is typing…"; an empty name clears the line.
func (tl *TypingLine) Show(name string) {
	tl.Clear()
	if name == "" {
		return
	}
	_, _ = fmt.Fprintf(tl, " [::d]%s is typing…[-:-:-]", tview.Escape(sanitizeForTerminal(name)))
}
