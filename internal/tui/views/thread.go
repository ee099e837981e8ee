package views

import (
	"fmt"
	"time"

	"github.com/pvilela/chirp/internal/bridge"
	"github.com/pvilela/chirp/internal/presence"
	"github.com/rivo/tview"
)

// Thread displays the messages of the focused conversation.
type Thread struct {
	*tview.TextView
}

// NewThread creates the message thread view.
func NewThread() *Thread {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true).SetTitle(" Messages ")

	return &Thread{TextView: tv}
}

// SetHeader updates the title with the conversation name and its presence
// line ("online", "last seen 5m", "typing...").
func (th *Thread) SetHeader(h bridge.ConversationSummary) {
	name := h.DisplayName
	if name == "" {
		name = h.Peer
	}
	line := ""
	switch {
	case h.Presence.Typing:
		line = "typing..."
	case h.Presence.Status == presence.StatusOnline:
		line = "online"
	case h.Presence.Label != "":
		line = "last seen " + h.Presence.Label
	}
	if line != "" {
		th.SetTitle(fmt.Sprintf(" %s — %s ", name, line))
	} else {
		th.SetTitle(fmt.Sprintf(" %s ", name))
	}
}

// Update re-renders the thread, oldest message first.
func (th *Thread) Update(page bridge.MessagePage) {
	th.Clear()

	for _, m := range page.Messages {
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		marker := ""
		if m.IsOwn {
			sender = "You"
			marker = " " + statusMarker(m.Status)
		}

		ts := formatClock(time.UnixMilli(m.Timestamp))
		_, _ = fmt.Fprintf(th, "[::b]%s[-:-:-] [::d]%s[-:-:-]%s\n%s\n\n", sender, ts, marker, m.Body)
	}

	th.ScrollToEnd()
}

// statusMarker renders the delivery state of an own message.
func statusMarker(status string) string {
	switch status {
	case "pending":
		return "[::d]…[-:-:-]"
	case "sent":
		return "✓"
	case "delivered":
		return "✓✓"
	case "read":
		return "[blue]✓✓[-]"
	case "error":
		return "[red]![-]"
	default:
		return ""
	}
}
