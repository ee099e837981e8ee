package track

import (
	"fmt"
	"testing"
	"time"

	"github.com/pvilela/chirp/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(t *testing.T) *identity.Session {
	t.Helper()
	s := identity.NewSession()
	require.True(t, s.Set(identity.Identity{ID: "me"}))
	return s
}

func TestCreateOptimistic(t *testing.T) {
	tr := NewTracker(testSession(t), nil)

	m := tr.CreateOptimistic(Draft{ConversationID: "c1", RecipientID: "u2", Content: "hi"})

	assert.Equal(t, StatusPending, m.Status)
	assert.True(t, m.IsOwn())
	assert.True(t, m.OwnershipDetermined())
	assert.NotEmpty(t, m.CorrelationID)
	assert.Empty(t, m.ID, "durable id is server-assigned")
}

// Scenario: optimistic message acked with a durable id and sent status.
func TestReconcileSendAck(t *testing.T) {
	tr := NewTracker(testSession(t), nil)
	m := tr.CreateOptimistic(Draft{ConversationID: "c1", Content: "hi"})

	res := tr.Reconcile(Confirmation{
		DurableID:     "m_42",
		CorrelationID: m.CorrelationID,
		Status:        StatusSent,
	})

	require.True(t, res.Matched)
	assert.True(t, res.Advanced)
	assert.Equal(t, "m_42", res.Message.ID)
	assert.Equal(t, StatusSent, res.Message.Status)
	assert.True(t, res.Message.IsOwn(), "ownership survives reconciliation")

	// The durable id is now a valid lookup key.
	got, ok := tr.Get("m_42")
	require.True(t, ok)
	assert.Equal(t, m.CorrelationID, got.CorrelationID)
}

func TestReconcileByEmbeddedPrefix(t *testing.T) {
	tr := NewTracker(testSession(t), nil)
	m := tr.CreateOptimistic(Draft{ConversationID: "c1", Content: "hi"})

	// Some servers derive the durable id from the correlation token.
	res := tr.Reconcile(Confirmation{
		DurableID: m.CorrelationID + "_srv9",
		Status:    StatusSent,
	})

	require.True(t, res.Matched)
	assert.Equal(t, StatusSent, res.Message.Status)
}

func TestReconcileMonotonic(t *testing.T) {
	tr := NewTracker(testSession(t), nil)
	m := tr.CreateOptimistic(Draft{ConversationID: "c1", Content: "hi"})

	tr.Reconcile(Confirmation{DurableID: "m_1", CorrelationID: m.CorrelationID, Status: StatusRead})

	// Late duplicate with a lower status must be silently dropped.
	res := tr.Reconcile(Confirmation{DurableID: "m_1", Status: StatusDelivered})
	require.True(t, res.Matched)
	assert.False(t, res.Advanced)
	assert.Equal(t, StatusRead, res.Message.Status)
}

func TestReconcileMissSynthesizes(t *testing.T) {
	tr := NewTracker(testSession(t), nil)

	res := tr.Reconcile(Confirmation{
		DurableID:      "m_77",
		ConversationID: "c2",
		Status:         StatusDelivered,
		Sender:         map[string]any{"id": "u9", "name": "Iris"},
		Content:        "restored after reload",
	})

	require.False(t, res.Matched)
	require.True(t, res.Synthesized)
	assert.Equal(t, StatusDelivered, res.Message.Status)
	assert.Equal(t, "u9", res.Message.Sender.ID)
	assert.True(t, res.Message.OwnershipDetermined())
	assert.False(t, res.Message.IsOwn())

	// A later arrival of the same message is a duplicate, not a new entry.
	_, created := tr.Ingest(Message{ID: "m_77", ConversationID: "c2"})
	assert.False(t, created)
}

func TestDetermineOwnershipIdempotent(t *testing.T) {
	tr := NewTracker(testSession(t), nil)
	tr.Ingest(Message{ID: "m_5", Sender: identity.Identity{ID: "me"}})

	own, ok := tr.DetermineOwnership("m_5", identity.Identity{ID: "me"})
	require.True(t, ok)
	assert.True(t, own)

	// Even if the session identity appears to change mid-flight, the cached
	// decision holds.
	own2, ok := tr.DetermineOwnership("m_5", identity.Identity{ID: "somebody-else"})
	require.True(t, ok)
	assert.Equal(t, own, own2)
}

func TestApplyRemoteStatus(t *testing.T) {
	tr := NewTracker(testSession(t), nil)
	m := tr.CreateOptimistic(Draft{ConversationID: "c1", Content: "x"})
	tr.Reconcile(Confirmation{DurableID: "m_3", CorrelationID: m.CorrelationID, Status: StatusSent})

	got, changed := tr.ApplyRemoteStatus(StatusEvent{MessageID: "m_3", Status: StatusDelivered})
	require.True(t, changed)
	assert.Equal(t, StatusDelivered, got.Status)

	// Duplicate delivery event is a no-op.
	_, changed = tr.ApplyRemoteStatus(StatusEvent{MessageID: "m_3", Status: StatusDelivered})
	assert.False(t, changed)
}

func TestFailUploadTerminal(t *testing.T) {
	tr := NewTracker(testSession(t), nil)
	m := tr.CreateOptimistic(Draft{ConversationID: "c1", Content: "x"})

	got, ok := tr.FailUpload(m.CorrelationID)
	require.True(t, ok)
	assert.Equal(t, StatusError, got.Status)

	// Error is terminal: a late ack must not resurrect the message.
	res := tr.Reconcile(Confirmation{DurableID: "m_9", CorrelationID: m.CorrelationID, Status: StatusSent})
	require.True(t, res.Matched)
	assert.False(t, res.Advanced)
	assert.Equal(t, StatusError, res.Message.Status)
}

func TestMonotonicStatusSequence(t *testing.T) {
	tr := NewTracker(testSession(t), nil)
	m := tr.CreateOptimistic(Draft{ConversationID: "c1", Content: "x"})
	tr.Reconcile(Confirmation{DurableID: "m_1", CorrelationID: m.CorrelationID, Status: StatusSent})

	events := []Status{StatusDelivered, StatusSent, StatusRead, StatusDelivered, StatusRead}
	last := StatusSent
	for _, s := range events {
		got, _ := tr.ApplyRemoteStatus(StatusEvent{MessageID: "m_1", Status: s})
		require.GreaterOrEqual(t, got.Status.Rank(), last.Rank(),
			fmt.Sprintf("status went backwards applying %s", s))
		last = got.Status
	}
	assert.Equal(t, StatusRead, last)
}

func TestMarkPeerRead(t *testing.T) {
	tr := NewTracker(testSession(t), nil)
	a := tr.CreateOptimistic(Draft{ConversationID: "c1", Content: "a"})
	tr.Reconcile(Confirmation{DurableID: "m_a", CorrelationID: a.CorrelationID, Status: StatusDelivered})
	// An inbound message from the peer must not be touched.
	tr.Ingest(Message{ID: "m_b", ConversationID: "c1", Sender: identity.Identity{ID: "u2"}, Status: StatusDelivered})

	changed := tr.MarkPeerRead("c1")
	require.Len(t, changed, 1)
	assert.Equal(t, "m_a", changed[0].ID)
	assert.Equal(t, StatusRead, changed[0].Status)

	// Idempotent.
	assert.Empty(t, tr.MarkPeerRead("c1"))
}

func TestDeleteForEveryoneWindow(t *testing.T) {
	tr := NewTracker(testSession(t), nil)
	base := time.Now()
	tr.SetClock(func() time.Time { return base })

	m := tr.CreateOptimistic(Draft{ConversationID: "c1", Content: "oops"})
	window := 68 * time.Minute

	assert.True(t, tr.CanDeleteForEveryone(m.CorrelationID, window))

	tr.SetClock(func() time.Time { return base.Add(window + time.Minute) })
	assert.False(t, tr.CanDeleteForEveryone(m.CorrelationID, window))

	// Not own message: never eligible.
	tr.Ingest(Message{ID: "m_x", ConversationID: "c1", Sender: identity.Identity{ID: "u2"}})
	assert.False(t, tr.CanDeleteForEveryone("m_x", window))
}

func TestApplyDeleteAndBulkClear(t *testing.T) {
	tr := NewTracker(testSession(t), nil)
	tr.Ingest(Message{ID: "m_1", ConversationID: "c1", Sender: identity.Identity{ID: "u2"}})
	tr.Ingest(Message{ID: "m_2", ConversationID: "c1", Sender: identity.Identity{ID: "u2"}})
	tr.Ingest(Message{ID: "m_3", ConversationID: "c2", Sender: identity.Identity{ID: "u3"}})

	_, ok := tr.ApplyDelete("m_1")
	require.True(t, ok)
	_, ok = tr.Get("m_1")
	assert.False(t, ok)

	assert.Equal(t, 1, tr.BulkClear("c1"))
	assert.Empty(t, tr.Conversation("c1"))
	assert.Len(t, tr.Conversation("c2"), 1)
}

// Scenario: the send ack is lost and the durable id first arrives with the
// message echo on the push channel.
func TestIngestDuplicateAdoptsDurableID(t *testing.T) {
	tr := NewTracker(testSession(t), nil)
	m := tr.CreateOptimistic(Draft{ConversationID: "c1", Content: "hi"})

	snap, fresh := tr.Ingest(Message{
		ID:             "m_42",
		CorrelationID:  m.CorrelationID,
		ConversationID: "c1",
		Sender:         identity.Identity{ID: "me"},
		Content:        "hi",
		Status:         StatusSent,
	})
	require.False(t, fresh, "echo of an optimistic send is a duplicate")
	assert.Equal(t, "m_42", snap.ID)
	assert.Equal(t, StatusSent, snap.Status)

	// The durable id is now a valid address for later status events.
	got, ok := tr.Get("m_42")
	require.True(t, ok)
	assert.Equal(t, m.CorrelationID, got.CorrelationID)

	upd, changed := tr.ApplyRemoteStatus(StatusEvent{MessageID: "m_42", Status: StatusRead})
	require.True(t, changed)
	assert.Equal(t, StatusRead, upd.Status)

	// A refresh page carrying only the durable id finds the same entry
	// instead of minting a second one.
	again, fresh := tr.Ingest(Message{
		ID:             "m_42",
		ConversationID: "c1",
		Sender:         identity.Identity{ID: "me"},
		Content:        "hi",
		Status:         StatusSent,
	})
	assert.False(t, fresh)
	assert.Equal(t, StatusRead, again.Status, "stale page status does not regress")
}
