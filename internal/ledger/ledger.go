package ledger

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pvilela/chirp/internal/bus"
	"github.com/pvilela/chirp/internal/track"
	"go.uber.org/zap"
)

const summaryMaxLen = 100

// ContactResolver supplies display fields for private conversations from the
// contact cache.
type ContactResolver interface {
	ResolveContact(userID string) (displayName, avatar string, ok bool)
}

// Ledger owns the conversation list: summaries, unread counts, and the
// activity ordering. It consumes events from the tracker and the presence
// estimator and is the only component that mutates conversations.
//
// Ordering is maintained incrementally: a mutated conversation is moved to
// its correct position instead of re-sorting the whole collection.
type Ledger struct {
	mu       sync.Mutex
	bus      *bus.Bus
	logger   *zap.Logger
	contacts ContactResolver
	selfID   string

	ordered  []*Conversation // lastActivityAt descending
	byID     map[string]*Conversation
	byMember map[string]*Conversation // participantKey -> conversation
	activeID string
}

// New creates an empty ledger. selfID is the session user, excluded when
// deriving a private conversation's display contact.
func New(selfID string, contacts ContactResolver, b *bus.Bus, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		bus:      b,
		logger:   logger,
		contacts: contacts,
		selfID:   selfID,
		byID:     make(map[string]*Conversation),
		byMember: make(map[string]*Conversation),
	}
}

// SetActive records which conversation is currently focused. Incoming
// messages for the active conversation take the immediate-read path instead
// of incrementing the unread count.
func (l *Ledger) SetActive(conversationID string) {
	l.mu.Lock()
	l.activeID = conversationID
	l.mu.Unlock()
}

// Active returns the focused conversation id, empty if none.
func (l *Ledger) Active() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activeID
}

// ReconcileFull replaces the known conversation set with a full server
// refresh. The server is the source of truth for unread counts: where it
// disagrees with the local optimistic value, the server value wins. A row
// with no count at all is a data-integrity problem and is logged, keeping
// whatever local count exists rather than masking it with a default.
func (l *Ledger) ReconcileFull(list []Remote) {
	l.mu.Lock()
	prev := l.byID
	l.ordered = nil
	l.byID = make(map[string]*Conversation, len(list))
	l.byMember = make(map[string]*Conversation, len(list))

	for _, in := range list {
		c := &Conversation{
			ID:                 in.ID,
			Participants:       append([]string(nil), in.Participants...),
			Type:               in.Type,
			LastMessageSummary: truncate(in.LastMessageSummary, summaryMaxLen),
			LastActivityAt:     in.LastActivityAt,
		}
		if in.UnreadCount != nil {
			c.UnreadCount = *in.UnreadCount
		} else {
			l.logger.Warn("refresh row missing unread count",
				zap.String("conversation_id", in.ID))
			if old, ok := prev[in.ID]; ok {
				c.UnreadCount = old.UnreadCount
			}
		}
		l.decorateLocked(c)
		l.byID[c.ID] = c
		l.byMember[participantKey(c.Participants)] = c
		l.ordered = append(l.ordered, c)
	}
	// One-time sort on full replace; incremental moves everywhere else.
	sortByActivity(l.ordered)
	l.mu.Unlock()

	l.publish(bus.KindSyncRefreshed, len(list))
}

// ApplyIncoming records a message authored by someone else. The conversation
// is located by its participant set, not its id: a brand-new chat may not
// have a durable conversation id yet. Returns the updated conversation and
// whether the caller should trigger the immediate-read path (the conversation
// is currently focused).
func (l *Ledger) ApplyIncoming(msg track.Message) (Conversation, bool) {
	l.mu.Lock()
	c := l.locateLocked(msg)
	c.LastMessageSummary = truncate(msg.Content, summaryMaxLen)
	l.touchLocked(c, msg.CreatedAt)

	immediateRead := c.ID == l.activeID && l.activeID != ""
	if !immediateRead {
		c.UnreadCount++
	}
	snap := c.snapshot()
	l.mu.Unlock()

	l.publish(bus.KindConversationChanged, snap)
	return snap, immediateRead
}

// ApplyOwnSend records a message the session user just sent. Sending implies
// the user has seen everything, so the unread count resets and the
// conversation is promoted to the front of the ordering.
func (l *Ledger) ApplyOwnSend(msg track.Message) Conversation {
	l.mu.Lock()
	c := l.locateLocked(msg)
	c.LastMessageSummary = truncate(msg.Content, summaryMaxLen)
	c.UnreadCount = 0
	l.touchLocked(c, msg.CreatedAt)
	snap := c.snapshot()
	l.mu.Unlock()

	l.publish(bus.KindConversationChanged, snap)
	return snap
}

// MarkRead resets the unread count. Idempotent: duplicate calls collapse to
// a single effective reset and publish nothing new.
func (l *Ledger) MarkRead(conversationID string) bool {
	l.mu.Lock()
	c, ok := l.byID[conversationID]
	if !ok || c.UnreadCount == 0 {
		l.mu.Unlock()
		return false
	}
	c.UnreadCount = 0
	snap := c.snapshot()
	l.mu.Unlock()

	l.publish(bus.KindConversationRead, snap)
	return true
}

// ApplyServerCount overrides the local optimistic unread count with a durable
// server value. The client is authoritative for display latency, the server
// for the count itself.
func (l *Ledger) ApplyServerCount(conversationID string, count int) {
	l.mu.Lock()
	c, ok := l.byID[conversationID]
	if !ok || c.UnreadCount == count {
		l.mu.Unlock()
		return
	}
	l.logger.Info("unread count divergence, server wins",
		zap.String("conversation_id", conversationID),
		zap.Int("local", c.UnreadCount),
		zap.Int("server", count))
	c.UnreadCount = count
	snap := c.snapshot()
	l.mu.Unlock()

	l.publish(bus.KindConversationChanged, snap)
}

// ClearSummary wipes the preview after a bulk message clear.
func (l *Ledger) ClearSummary(conversationID string) {
	l.mu.Lock()
	c, ok := l.byID[conversationID]
	if ok {
		c.LastMessageSummary = ""
	}
	l.mu.Unlock()
	if ok {
		l.publish(bus.KindConversationChanged, conversationID)
	}
}

// Get returns a snapshot of one conversation.
func (l *Ledger) Get(conversationID string) (Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.byID[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return c.snapshot(), true
}

// Snapshot returns the ordered conversation list, most recent activity first.
func (l *Ledger) Snapshot() []Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Conversation, len(l.ordered))
	for i, c := range l.ordered {
		out[i] = c.snapshot()
	}
	return out
}

// locateLocked finds the conversation for a message. A durable conversation
// id is authoritative; the participant set only routes messages that do not
// carry one yet (brand-new chats). A group message names the same sender as a
// private chat, so the member key alone cannot disambiguate the two.
func (l *Ledger) locateLocked(msg track.Message) *Conversation {
	if msg.ConversationID != "" {
		if c, ok := l.byID[msg.ConversationID]; ok {
			return c
		}
	}
	members := l.membersFor(msg)
	if c, ok := l.byMember[participantKey(members)]; ok {
		if msg.ConversationID == "" {
			return c
		}
		// A placeholder conversation adopts the durable id once one shows up.
		if strings.HasPrefix(c.ID, "local_") {
			delete(l.byID, c.ID)
			c.ID = msg.ConversationID
			l.byID[c.ID] = c
			return c
		}
	}

	id := msg.ConversationID
	if id == "" {
		id = "local_" + uuid.NewString()
	}
	c := &Conversation{
		ID:           id,
		Participants: members,
		Type:         TypePrivate,
	}
	if len(members) > 2 {
		c.Type = TypeGroup
	}
	l.decorateLocked(c)
	l.byID[c.ID] = c
	if _, taken := l.byMember[participantKey(members)]; !taken {
		l.byMember[participantKey(members)] = c
	}
	l.ordered = append(l.ordered, c)
	return c
}

func (l *Ledger) membersFor(msg track.Message) []string {
	members := []string{l.selfID}
	if !msg.Sender.IsUnknown() && msg.Sender.ID != l.selfID {
		members = append(members, msg.Sender.ID)
	}
	if msg.RecipientID != "" && msg.RecipientID != l.selfID {
		members = append(members, msg.RecipientID)
	}
	return members
}

// decorateLocked derives display name and avatar for private conversations
// from the contact cache.
func (l *Ledger) decorateLocked(c *Conversation) {
	if c.Type != TypePrivate || l.contacts == nil {
		return
	}
	for _, id := range c.Participants {
		if id == l.selfID {
			continue
		}
		if name, avatar, ok := l.contacts.ResolveContact(id); ok {
			if c.DisplayName == "" {
				c.DisplayName = name
			}
			if c.Avatar == "" {
				c.Avatar = avatar
			}
		}
		break
	}
	if c.DisplayName == "" {
		c.DisplayName = peerOf(c.Participants, l.selfID)
	}
}

// touchLocked updates the activity clock and moves the conversation to its
// correct position in the ordering.
func (l *Ledger) touchLocked(c *Conversation, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	if at.After(c.LastActivityAt) {
		c.LastActivityAt = at
	}
	l.moveLocked(c)
}

// moveLocked repositions a single conversation: remove it from its slot, then
// walk to the first entry with older activity and insert before it.
func (l *Ledger) moveLocked(c *Conversation) {
	idx := -1
	for i, cur := range l.ordered {
		if cur == c {
			idx = i
			break
		}
	}
	if idx >= 0 {
		l.ordered = append(l.ordered[:idx], l.ordered[idx+1:]...)
	}
	pos := len(l.ordered)
	for i, cur := range l.ordered {
		if c.LastActivityAt.After(cur.LastActivityAt) {
			pos = i
			break
		}
	}
	l.ordered = append(l.ordered, nil)
	copy(l.ordered[pos+1:], l.ordered[pos:])
	l.ordered[pos] = c
}

func (l *Ledger) publish(kind string, payload any) {
	if l.bus != nil {
		l.bus.Publish(bus.Now(kind, payload))
	}
}

func sortByActivity(items []*Conversation) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].LastActivityAt.After(items[j].LastActivityAt)
	})
}

func peerOf(participants []string, selfID string) string {
	for _, id := range participants {
		if id != selfID {
			return id
		}
	}
	return selfID
}

// truncate shortens s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
