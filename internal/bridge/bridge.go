// Package bridge exposes read-only projections of the client's state for
// presentation layers. It owns nothing and mutates nothing: every value it
// returns is a snapshot assembled from the ledger, the tracker, the presence
// estimator and the store.
package bridge

import (
	"strconv"

	"github.com/pvilela/chirp/internal/bus"
	"github.com/pvilela/chirp/internal/config"
	"github.com/pvilela/chirp/internal/ledger"
	"github.com/pvilela/chirp/internal/presence"
	"github.com/pvilela/chirp/internal/store"
	"github.com/pvilela/chirp/internal/track"
	"github.com/samber/lo"
)

// ConversationSummary is one row of the conversation list, already decorated
// with presence for the display contact.
type ConversationSummary struct {
	ledger.Conversation
	Peer     string
	Presence presence.Classification
}

// MessageView is one rendered message row.
type MessageView struct {
	Key        string
	SenderID   string
	SenderName string
	Body       string
	Type       string
	IsOwn      bool
	Status     string
	Timestamp  int64
}

// MessagePage is one page of a conversation thread, oldest first within the
// page. NextCursor fetches the next older page; empty means the history is
// exhausted.
type MessagePage struct {
	Messages   []MessageView
	NextCursor string
}

// Bridge assembles the projections.
type Bridge struct {
	ledger  *ledger.Ledger
	tracker *track.Tracker
	est     *presence.Estimator
	db      *store.DB
	bus     *bus.Bus
	cfg     *config.Config
	selfID  string
}

// New creates a bridge over the given state holders.
func New(ldg *ledger.Ledger, tracker *track.Tracker, est *presence.Estimator, db *store.DB, b *bus.Bus, cfg *config.Config, selfID string) *Bridge {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Bridge{ledger: ldg, tracker: tracker, est: est, db: db, bus: b, cfg: cfg, selfID: selfID}
}

// Conversations returns the ordered conversation list. Presence uses the
// list threshold, which is looser than the chat header's.
func (br *Bridge) Conversations() []ConversationSummary {
	threshold := br.cfg.Presence.ListOnlineThreshold.Duration
	return lo.Map(br.ledger.Snapshot(), func(c ledger.Conversation, _ int) ConversationSummary {
		s := ConversationSummary{Conversation: c, Peer: peerOf(c.Participants, br.selfID)}
		if c.Type == ledger.TypePrivate && s.Peer != "" {
			s.Presence = br.est.Classify(s.Peer, threshold)
		}
		return s
	})
}

// Header returns the presence line for the chat header of one conversation.
// The header threshold is stricter than the list's: "online" here means
// actively there.
func (br *Bridge) Header(conversationID string) (ConversationSummary, bool) {
	c, ok := br.ledger.Get(conversationID)
	if !ok {
		return ConversationSummary{}, false
	}
	s := ConversationSummary{Conversation: c, Peer: peerOf(c.Participants, br.selfID)}
	if c.Type == ledger.TypePrivate && s.Peer != "" {
		s.Presence = br.est.Classify(s.Peer, br.cfg.Presence.HeaderOnlineThreshold.Duration)
	}
	return s, true
}

// Thread returns one page of a conversation's messages from the store.
// cursor is the value returned by the previous page; empty starts at the
// newest messages.
func (br *Bridge) Thread(conversationID, cursor string) (MessagePage, error) {
	limit := br.cfg.Sync.PageSize
	beforeTs := int64(0)
	if cursor != "" {
		ts, err := strconv.ParseInt(cursor, 10, 64)
		if err == nil {
			beforeTs = ts
		}
	}

	rows, err := br.db.ListMessages(conversationID, beforeTs, limit)
	if err != nil {
		return MessagePage{}, err
	}

	page := MessagePage{Messages: make([]MessageView, 0, len(rows))}
	// Store pages newest-first; the thread renders oldest-first.
	for i := len(rows) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, viewOf(rows[i]))
	}
	if len(rows) == limit {
		page.NextCursor = strconv.FormatInt(rows[len(rows)-1].Timestamp, 10)
	}
	return page, nil
}

// Search runs a full-text search over message bodies. conversationID narrows
// the scope when non-empty.
func (br *Bridge) Search(query, conversationID string) ([]MessageView, error) {
	results, err := br.db.SearchMessages(query, conversationID, 50)
	if err != nil {
		return nil, err
	}
	return lo.Map(results, func(r store.SearchResult, _ int) MessageView {
		v := viewOf(r.Message)
		if r.Snippet != "" {
			v.Body = r.Snippet
		}
		return v
	}), nil
}

// Typing reports whether the given user currently shows the typing overlay.
func (br *Bridge) Typing(userID string) bool {
	return br.est.Classify(userID, br.cfg.Presence.HeaderOnlineThreshold.Duration).Typing
}

// Subscribe passes through a filtered bus subscription so views can refresh
// on changes without holding references to the state owners.
func (br *Bridge) Subscribe(namespace string, buf int) (<-chan bus.Event, func()) {
	return br.bus.Subscribe(namespace, buf)
}

// CanDelete reports whether the delete-for-everyone action should be offered
// for a message, based on the tracker's window check.
func (br *Bridge) CanDelete(key string) bool {
	return br.tracker.CanDeleteForEveryone(key, br.cfg.Policy.DeleteForEveryoneWindow.Duration)
}

func viewOf(m store.Message) MessageView {
	return MessageView{
		Key:        m.MsgID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
		Type:       m.MessageType,
		IsOwn:      m.IsOwn,
		Status:     m.Status,
		Timestamp:  m.Timestamp,
	}
}

func peerOf(participants []string, selfID string) string {
	for _, id := range participants {
		if id != selfID {
			return id
		}
	}
	return ""
}
