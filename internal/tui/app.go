package tui

import (
	"context"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/kosuchat/kosu/internal/bus"
	"github.com/kosuchat/kosu/internal/status"
	"github.com/kosuchat/kosu/internal/store"
	"github.com/kosuchat/kosu/internal/sync"
	"github.com/kosuchat/kosu/internal/tui/views"
)

// App is the main TUI application shell. All store reads happen here; all
// writes go through the engine.
type App struct {
	app        *tview.Application
	pages      *tview.Pages
	engine     *sync.Engine
	msgs       *store.MessageStore
	dir        *store.Directory
	machine    *status.Machine
	bus        *bus.Bus
	statusBar  *views.StatusBar
	convList   *views.ConversationList
	msgView    *views.MessageView
	typingLine *views.TypingLine
	composer   *views.Composer
	flashUntil time.Time
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(
	engine *sync.Engine,
	msgs *store.MessageStore,
	dir *store.Directory,
	machine *status.Machine,
	b *bus.Bus,
	sessionName string,
) *App {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:        tview.NewApplication(),
		pages:      tview.NewPages(),
		engine:     engine,
		msgs:       msgs,
		dir:        dir,
		machine:    machine,
		bus:        b,
		statusBar:  views.NewStatusBar(),
		convList:   views.NewConversationList(),
		msgView:    views.NewMessageView(),
		typingLine: views.NewTypingLine(),
		composer:   views.NewComposer(),
		ctx:        ctx,
		cancel:     cancel,
	}

	a.statusBar.SetSession(sessionName)
	a.statusBar.SetStatus(string(machine.Current()))
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupCallbacks() {
	a.convList.SetSelectedFunc(func(row, col int) {
		id := a.convList.SelectedConversation()
		if id != "" {
			a.openConversation(id)
		}
	})

	a.composer.SetOnSend(func(text string) {
		conversationID := a.dir.Active()
		if conversationID == "" {
			return
		}
		// The optimistic entry lands synchronously; the network round trip
		// stays off the UI goroutine. Refreshes arrive over the bus.
		go a.engine.SendMessage(a.ctx, conversationID, text)
	})

	a.composer.SetOnChange(func(text string) {
		conversationID := a.dir.Active()
		if conversationID == "" {
			return
		}
		a.engine.SetTyping(conversationID, text != "")
	})
}

func (a *App) setupLayout() {
	chatFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.msgView, 0, 1, false).
		AddItem(a.typingLine, 1, 0, false).
		AddItem(a.composer, 1, 0, false)

	a.pages.AddPage("conversations", a.convList, true, true)
	a.pages.AddPage("chat", chatFlex, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		currentPage, _ := a.pages.GetFrontPage()

		if event.Key() == tcell.KeyEscape && currentPage == "chat" {
			a.closeConversation()
			return nil
		}

		// Let text input widgets handle all keys normally.
		focused := a.app.GetFocus()
		if _, ok := focused.(*tview.InputField); ok {
			return event
		}

		// 'i' focuses the composer (only when not already in an input field).
		if currentPage == "chat" && event.Key() == tcell.KeyRune && event.Rune() == 'i' {
			a.app.SetFocus(a.composer.InputField)
			return nil
		}

		if event.Key() == tcell.KeyRune && event.Rune() == 'q' {
			a.app.Stop()
			return nil
		}

		return event
	})
}

func (a *App) openConversation(id string) {
	go func() {
		a.engine.SelectConversation(a.ctx, id)
		name := id
		if conv, ok := a.dir.Get(id); ok && conv.CounterpartName != "" {
			name = conv.CounterpartName
		}
		a.app.QueueUpdateDraw(func() {
			a.msgView.SetConversationName(name)
			a.msgView.Update(a.msgs.Messages(id))
			a.typingLine.Show("")
			a.pages.SwitchToPage("chat")
			a.app.SetFocus(a.composer.InputField)
		})
	}()
}

// closeConversation leaves the thread view, dropping any pending typing
// timers so no stale stop-typing event fires later.
func (a *App) closeConversation() {
	if id := a.dir.Active(); id != "" {
		a.engine.TeardownConversation(id)
	}
	a.composer.SetText("")
	a.pages.SwitchToPage("conversations")
	a.app.SetFocus(a.convList)
}

// Run starts the TUI application.
func (a *App) Run() error {
	go func() {
		a.engine.Seed(a.ctx)
		a.app.QueueUpdateDraw(func() {
			a.convList.Update(a.dir.List())
		})
	}()

	a.startEventLoop()
	a.startRefreshLoop()

	return a.app.Run()
}

// startEventLoop repaints on engine and presence bus events.
func (a *App) startEventLoop() {
	chatCh, unsubChat := a.bus.Subscribe("chat.", 256)
	presCh, unsubPres := a.bus.Subscribe("presence.", 16)

	go func() {
		defer unsubChat()
		defer unsubPres()
		for {
			select {
			case evt := <-chatCh:
				a.handleChatEvent(evt)
			case evt := <-presCh:
				if change, ok := evt.Payload.(status.StatusChange); ok {
					a.app.QueueUpdateDraw(func() {
						a.statusBar.SetStatus(string(change.To))
					})
				}
			case <-a.ctx.Done():
				return
			}
		}
	}()
}

func (a *App) handleChatEvent(evt bus.Event) {
	switch evt.Kind {
	case "chat.directory_updated":
		a.app.QueueUpdateDraw(func() {
			a.convList.Update(a.dir.List())
		})
	case "chat.message_updated":
		conversationID, _ := evt.Payload.(string)
		if conversationID == "" || conversationID != a.dir.Active() {
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.msgView.Update(a.msgs.Messages(conversationID))
		})
	case "chat.typing_updated":
		conversationID, _ := evt.Payload.(string)
		if conversationID != a.dir.Active() {
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.refreshTypingLine(conversationID)
		})
	case "chat.send_failed":
		a.app.QueueUpdateDraw(func() {
			a.flashUntil = time.Now().Add(5 * time.Second)
			a.statusBar.SetFlash("Send failed")
		})
	}
}

// startRefreshLoop ticks once a second: clock, flash expiry, and the typing
// line, whose remote state can expire without a bus event.
func (a *App) startRefreshLoop() {
	ticker := time.NewTicker(time.Second)
	go func() {
		for {
			select {
			case <-ticker.C:
				a.app.QueueUpdateDraw(func() {
					if !a.flashUntil.IsZero() && time.Now().After(a.flashUntil) {
						a.flashUntil = time.Time{}
						a.statusBar.SetFlash("")
					}
					a.statusBar.SetStatus(string(a.machine.Current()))
					if id := a.dir.Active(); id != "" {
						a.refreshTypingLine(id)
					}
				})
			case <-a.ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}

func (a *App) refreshTypingLine(conversationID string) {
	if st, ok := a.engine.TypingState(conversationID); ok && st.IsTyping {
		name := st.DisplayName
		if name == "" {
			name = st.UserID
		}
		a.typingLine.Show(name)
		return
	}
	a.typingLine.Show("")
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
