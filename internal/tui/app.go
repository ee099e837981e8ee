// Package tui is a thin terminal front end over the bridge. It owns no
// domain state: every render pulls fresh snapshots, and bus events only
// decide when to re-pull.
package tui

import (
	"context"

	"github.com/gdamore/tcell/v2"
	"github.com/pvilela/chirp/internal/bridge"
	"github.com/pvilela/chirp/internal/bus"
	"github.com/pvilela/chirp/internal/status"
	"github.com/pvilela/chirp/internal/sync"
	"github.com/pvilela/chirp/internal/tui/views"
	"github.com/rivo/tview"
)

// App is the TUI application shell.
type App struct {
	app      *tview.Application
	bridge   *bridge.Bridge
	engine   *sync.Engine
	machine  *status.Machine
	list     *views.ConversationList
	thread   *views.Thread
	composer *views.Composer
	bar      *views.StatusBar

	active string
	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates the TUI application over the given bridge and engine.
func NewApp(br *bridge.Bridge, engine *sync.Engine, machine *status.Machine, profile string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		app:      tview.NewApplication(),
		bridge:   br,
		engine:   engine,
		machine:  machine,
		list:     views.NewConversationList(),
		thread:   views.NewThread(),
		composer: views.NewComposer(),
		bar:      views.NewStatusBar(),
		ctx:      ctx,
		cancel:   cancel,
	}

	a.bar.SetProfile(profile)
	a.bar.SetState(string(machine.Current()))
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupCallbacks() {
	a.list.SetOnSelect(a.openConversation)

	a.composer.SetOnSend(func(text string) {
		if a.active == "" {
			return
		}
		recipient := ""
		if h, ok := a.bridge.Header(a.active); ok {
			recipient = h.Peer
		}
		if _, err := a.engine.SendText(a.active, recipient, text, ""); err != nil {
			a.bar.SetFlash("Send failed: " + err.Error())
			return
		}
		a.renderThread()
	})

	a.composer.SetOnTyping(func() {
		if a.active != "" {
			a.engine.UserTyping(a.active)
		}
	})

	a.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		switch {
		case ev.Key() == tcell.KeyTab:
			a.cycleFocus()
			return nil
		case ev.Key() == tcell.KeyEscape:
			a.app.SetFocus(a.list)
			return nil
		case ev.Key() == tcell.KeyRune && ev.Rune() == 'q' && a.app.GetFocus() == a.list:
			a.app.Stop()
			return nil
		}
		return ev
	})
}

func (a *App) setupLayout() {
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.thread, 0, 1, false).
		AddItem(a.composer, 1, 0, false)

	body := tview.NewFlex().
		AddItem(a.list, 0, 1, true).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(a.bar, 1, 0, false)

	a.app.SetRoot(root, true)
}

func (a *App) cycleFocus() {
	if a.app.GetFocus() == a.list {
		a.app.SetFocus(a.composer)
	} else {
		a.app.SetFocus(a.list)
	}
}

func (a *App) openConversation(id string) {
	a.active = id
	a.engine.SetActive(a.ctx, id)
	a.renderThread()
	a.app.SetFocus(a.composer)
}

func (a *App) renderList() {
	a.list.Update(a.bridge.Conversations())
}

func (a *App) renderThread() {
	if a.active == "" {
		return
	}
	if h, ok := a.bridge.Header(a.active); ok {
		a.thread.SetHeader(h)
	}
	page, err := a.bridge.Thread(a.active, "")
	if err != nil {
		a.bar.SetFlash("Load failed: " + err.Error())
		return
	}
	a.thread.Update(page)
}

// watch re-renders on bus events. One subscription covers everything; the
// event kind picks which panes refresh.
func (a *App) watch() {
	ch, unsub := a.bridge.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			a.app.QueueUpdateDraw(func() { a.apply(evt) })
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) apply(evt bus.Event) {
	switch evt.Kind {
	case bus.KindSessionStatus:
		a.bar.SetState(string(a.machine.Current()))
	case bus.KindConversationChanged, bus.KindConversationRead, bus.KindSyncRefreshed:
		a.renderList()
		a.renderThread()
	case bus.KindMessageUpserted, bus.KindMessageStatus, bus.KindMessageDeleted, bus.KindMessageSendFailed:
		a.renderThread()
		a.renderList()
	case bus.KindPresenceChanged, bus.KindTypingChanged:
		a.renderList()
		a.renderThread()
	}
}

// Run starts the TUI event loops and blocks until quit.
func (a *App) Run() error {
	go a.watch()
	a.renderList()
	defer a.cancel()
	return a.app.Run()
}
