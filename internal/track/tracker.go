package track

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pvilela/chirp/internal/identity"
	"go.uber.org/zap"
)

// correlationPrefix marks client-assigned temporary ids.
const correlationPrefix = "temp_"

// NewCorrelationID returns a fresh client-assigned correlation token.
func NewCorrelationID() string {
	return correlationPrefix + uuid.NewString()
}

// Draft is the input to an optimistic send.
type Draft struct {
	ConversationID string
	RecipientID    string
	Content        string
	ReplyToID      string
	Type           string
	Attachments    []Attachment
}

// Confirmation is a server acknowledgment for a message, carrying enough
// payload to synthesize the message if the client never saw the original.
type Confirmation struct {
	DurableID      string
	CorrelationID  string
	ConversationID string
	Status         Status
	Sender         any
	Content        string
	Timestamp      time.Time
}

// StatusEvent is a delivered/read event arriving independently of the send ack.
type StatusEvent struct {
	MessageID     string
	CorrelationID string
	Status        Status
}

// MatchResult describes what Reconcile did with a confirmation.
type MatchResult struct {
	Message     Message
	Matched     bool
	Synthesized bool
	Advanced    bool
}

// Tracker owns the per-message status state machine. It reconciles optimistic
// local entries against asynchronous confirmations and is the only component
// that mutates messages. All returned Messages are by-value snapshots.
type Tracker struct {
	mu      sync.Mutex
	session *identity.Session
	logger  *zap.Logger
	now     func() time.Time

	byID   map[string]*Message // durable server id
	byCorr map[string]*Message // correlation id
}

// NewTracker creates a tracker bound to the session identity.
func NewTracker(session *identity.Session, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		session: session,
		logger:  logger,
		now:     time.Now,
		byID:    make(map[string]*Message),
		byCorr:  make(map[string]*Message),
	}
}

// SetClock overrides the tracker clock. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// CreateOptimistic registers a locally initiated send. The entry is pending,
// owned, and visible immediately; this runs synchronously before any upload or
// network work begins. This is the only path that decides ownership without a
// server round trip: the sender always knows the message is theirs.
func (t *Tracker) CreateOptimistic(d Draft) Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	msgType := d.Type
	if msgType == "" {
		msgType = "text"
	}
	m := &Message{
		CorrelationID:  NewCorrelationID(),
		ConversationID: d.ConversationID,
		RecipientID:    d.RecipientID,
		Content:        d.Content,
		ReplyToID:      d.ReplyToID,
		Type:           msgType,
		Attachments:    append([]Attachment(nil), d.Attachments...),
		CreatedAt:      t.now(),
		Status:         StatusPending,
	}
	m.setOwnership(true)
	t.byCorr[m.CorrelationID] = m
	return m.snapshot()
}

// Ingest registers a server-delivered message (live push or refresh page).
// Idempotent on the durable id: a duplicate only gets its status advanced.
// Ownership is decided exactly once, by comparing the normalized sender to the
// session identity.
func (t *Tracker) Ingest(msg Message) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.lookup(msg.ID, msg.CorrelationID); ok {
		// A lost send ack can leave the local entry without its durable id;
		// the echo carries it, so adopt it and make it addressable.
		if existing.ID == "" && msg.ID != "" {
			existing.ID = msg.ID
			t.byID[existing.ID] = existing
		}
		if existing.Status.CanAdvanceTo(msg.Status) {
			existing.Status = msg.Status
		}
		return existing.snapshot(), false
	}

	m := msg
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.now()
	}
	if !m.Status.Valid() {
		m.Status = StatusSent
	}
	t.determineOwnershipLocked(&m)
	stored := &m
	t.index(stored)
	return stored.snapshot(), true
}

// DetermineOwnership decides whether the message identified by key belongs to
// current. Guarded: the first call computes and caches the decision; later
// calls return the cached value untouched, even if the session identity has
// changed in between. The second return is false when the message is unknown.
func (t *Tracker) DetermineOwnership(key string, current identity.Identity) (bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.lookup(key, key)
	if !ok {
		return false, false
	}
	if m.ownershipDetermined {
		t.logger.Debug("ownership already determined", zap.String("key", key))
		return m.isOwn, true
	}
	m.setOwnership(!current.IsUnknown() && m.Sender.ID == current.ID)
	return m.isOwn, true
}

// Reconcile merges a server confirmation into local state. Lookup order:
// exact durable id, exact correlation id, then a correlation id embedded as a
// prefix of the confirmation's durable id. Status only moves forward; lower or
// equal transitions are dropped, making duplicate acks harmless. A miss
// synthesizes a new already-confirmed message so the same message is not
// rendered twice when it later arrives through another source.
func (t *Tracker) Reconcile(conf Confirmation) MatchResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.lookup(conf.DurableID, conf.CorrelationID)
	if !ok && conf.DurableID != "" {
		for corr, cand := range t.byCorr {
			if strings.HasPrefix(conf.DurableID, corr) {
				m, ok = cand, true
				break
			}
		}
	}

	if !ok {
		return t.synthesizeLocked(conf)
	}

	if m.ID == "" && conf.DurableID != "" {
		m.ID = conf.DurableID
		t.byID[m.ID] = m
	}
	advanced := false
	if conf.Status.Valid() && m.Status.CanAdvanceTo(conf.Status) {
		m.Status = conf.Status
		advanced = true
	}
	return MatchResult{Message: m.snapshot(), Matched: true, Advanced: advanced}
}

func (t *Tracker) synthesizeLocked(conf Confirmation) MatchResult {
	status := conf.Status
	if !status.Valid() {
		status = StatusSent
	}
	created := conf.Timestamp
	if created.IsZero() {
		created = t.now()
	}
	m := &Message{
		ID:             conf.DurableID,
		CorrelationID:  conf.CorrelationID,
		ConversationID: conf.ConversationID,
		Sender:         identity.Normalize(conf.Sender),
		Content:        conf.Content,
		Type:           "text",
		CreatedAt:      created,
		Status:         status,
	}
	t.determineOwnershipLocked(m)
	t.index(m)
	t.logger.Info("reconciliation miss, synthesized message",
		zap.String("durable_id", conf.DurableID),
		zap.String("correlation_id", conf.CorrelationID))
	return MatchResult{Message: m.snapshot(), Synthesized: true, Advanced: true}
}

// ApplyRemoteStatus applies a delivered/read event that arrived independently
// of the original send acknowledgment. Same monotonic-upgrade rule.
func (t *Tracker) ApplyRemoteStatus(ev StatusEvent) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.lookup(ev.MessageID, ev.CorrelationID)
	if !ok {
		return Message{}, false
	}
	if !ev.Status.Valid() || !m.Status.CanAdvanceTo(ev.Status) {
		return m.snapshot(), false
	}
	m.Status = ev.Status
	return m.snapshot(), true
}

// FailUpload forces an optimistic message to the terminal error state after an
// attachment upload failure, before any send was issued. Error is reachable
// directly from pending; no intermediate states are visited.
func (t *Tracker) FailUpload(correlationID string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byCorr[correlationID]
	if !ok || !m.Status.CanAdvanceTo(StatusError) {
		return Message{}, false
	}
	m.Status = StatusError
	return m.snapshot(), true
}

// FailSend moves a message to the terminal error state after the bounded
// retry count was exhausted.
func (t *Tracker) FailSend(key string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.lookup(key, key)
	if !ok || !m.Status.CanAdvanceTo(StatusError) {
		return Message{}, false
	}
	m.Status = StatusError
	return m.snapshot(), true
}

// MarkPeerRead upgrades all own acknowledged messages in a conversation to
// read, in response to the peer's conversation-read event. Returns the
// messages that actually changed.
func (t *Tracker) MarkPeerRead(conversationID string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed []Message
	for _, m := range t.all() {
		if m.ConversationID != conversationID || !m.isOwn {
			continue
		}
		if m.Status.CanAdvanceTo(StatusRead) {
			m.Status = StatusRead
			changed = append(changed, m.snapshot())
		}
	}
	return changed
}

// CanDeleteForEveryone reports whether the message is still inside the
// delete-for-everyone window. Only own messages qualify.
func (t *Tracker) CanDeleteForEveryone(key string, window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.lookup(key, key)
	if !ok || !m.ownershipDetermined || !m.isOwn {
		return false
	}
	return t.now().Sub(m.CreatedAt) <= window
}

// ApplyDelete removes a message deleted for everyone. Returns the removed
// snapshot when it existed.
func (t *Tracker) ApplyDelete(key string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.lookup(key, key)
	if !ok {
		return Message{}, false
	}
	t.unindex(m)
	return m.snapshot(), true
}

// BulkClear drops every tracked message of a conversation. Returns how many
// were removed.
func (t *Tracker) BulkClear(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, m := range t.all() {
		if m.ConversationID == conversationID {
			t.unindex(m)
			n++
		}
	}
	return n
}

// Get returns a snapshot of the message identified by durable or correlation id.
func (t *Tracker) Get(key string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.lookup(key, key)
	if !ok {
		return Message{}, false
	}
	return m.snapshot(), true
}

// Conversation returns snapshots of all tracked messages of a conversation,
// ordered by creation time ascending.
func (t *Tracker) Conversation(conversationID string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Message
	for _, m := range t.all() {
		if m.ConversationID == conversationID {
			out = append(out, m.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (t *Tracker) determineOwnershipLocked(m *Message) {
	if m.ownershipDetermined {
		return
	}
	current, err := t.session.Current()
	if err != nil {
		// Leave undetermined; a later DetermineOwnership call decides.
		return
	}
	m.setOwnership(m.Sender.ID == current.ID)
}

func (t *Tracker) lookup(id, corr string) (*Message, bool) {
	if id != "" {
		if m, ok := t.byID[id]; ok {
			return m, true
		}
	}
	if corr != "" {
		if m, ok := t.byCorr[corr]; ok {
			return m, true
		}
	}
	return nil, false
}

func (t *Tracker) index(m *Message) {
	if m.ID != "" {
		t.byID[m.ID] = m
	}
	if m.CorrelationID != "" {
		t.byCorr[m.CorrelationID] = m
	}
}

func (t *Tracker) unindex(m *Message) {
	if m.ID != "" {
		delete(t.byID, m.ID)
	}
	if m.CorrelationID != "" {
		delete(t.byCorr, m.CorrelationID)
	}
}

// all returns the distinct live messages (a message may be in both indexes).
func (t *Tracker) all() []*Message {
	seen := make(map[*Message]struct{}, len(t.byID)+len(t.byCorr))
	var out []*Message
	for _, m := range t.byID {
		if _, dup := seen[m]; !dup {
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	for _, m := range t.byCorr {
		if _, dup := seen[m]; !dup {
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}
