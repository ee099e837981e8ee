package bridge

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/pvilela/chirp/internal/bus"
	"github.com/pvilela/chirp/internal/config"
	"github.com/pvilela/chirp/internal/identity"
	"github.com/pvilela/chirp/internal/ledger"
	"github.com/pvilela/chirp/internal/presence"
	"github.com/pvilela/chirp/internal/store"
	"github.com/pvilela/chirp/internal/track"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testBridge(t *testing.T) (*Bridge, *ledger.Ledger, *presence.Estimator, *track.Tracker, *store.DB) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	sess := identity.NewSession()
	sess.Set(identity.Identity{ID: "me"})
	tracker := track.NewTracker(sess, nil)
	ldg := ledger.New("me", db, b, nil)
	est := presence.NewEstimator(presence.Options{
		DowngradeGrace: 2 * time.Minute,
		TypingExpiry:   6 * time.Second,
	}, b, nil)
	br := New(ldg, tracker, est, db, b, config.Default(), "me")
	return br, ldg, est, tracker, db
}

func seedConversation(ldg *ledger.Ledger, id, peer string, at time.Time) {
	zero := 0
	ldg.ReconcileFull([]ledger.Remote{{
		ID:             id,
		Participants:   []string{"me", peer},
		Type:           ledger.TypePrivate,
		LastActivityAt: at,
		UnreadCount:    &zero,
	}})
}

func TestConversationsCarryListPresence(t *testing.T) {
	br, ldg, est, _, _ := testBridge(t)
	seedConversation(ldg, "c1", "u2", time.Now())

	// Seen 3 minutes ago: online for the 5m list, not for the 2m header.
	est.Observe(presence.Observation{
		UserID: "u2",
		Source: presence.SourcePolled,
		SeenAt: time.Now().Add(-3 * time.Minute),
	})

	list := br.Conversations()
	require.Len(t, list, 1)
	assert.Equal(t, "u2", list[0].Peer)
	assert.Equal(t, presence.StatusOnline, list[0].Presence.Status)

	header, ok := br.Header("c1")
	require.True(t, ok)
	assert.Equal(t, presence.StatusAway, header.Presence.Status)
	assert.Equal(t, "3m", header.Presence.Label)
}

func TestThreadPagination(t *testing.T) {
	br, _, _, _, db := testBridge(t)
	cfg := config.Default()
	for i := 1; i <= cfg.Sync.PageSize+5; i++ {
		require.NoError(t, db.UpsertMessage(&store.Message{
			ConversationID: "c1",
			MsgID:          fmt.Sprintf("m%03d", i),
			Body:           fmt.Sprintf("msg %d", i),
			MessageType:    "text",
			Status:         "delivered",
			Timestamp:      int64(i) * 1000,
		}))
	}

	page1, err := br.Thread("c1", "")
	require.NoError(t, err)
	require.Len(t, page1.Messages, cfg.Sync.PageSize)
	require.NotEmpty(t, page1.NextCursor)

	// Oldest-first within the page, newest page first.
	first := page1.Messages[0]
	last := page1.Messages[len(page1.Messages)-1]
	assert.Less(t, first.Timestamp, last.Timestamp)
	assert.Equal(t, int64(cfg.Sync.PageSize+5)*1000, last.Timestamp)

	page2, err := br.Thread("c1", page1.NextCursor)
	require.NoError(t, err)
	require.Len(t, page2.Messages, 5)
	assert.Empty(t, page2.NextCursor)
	// No overlap across the cursor boundary.
	assert.Less(t, page2.Messages[len(page2.Messages)-1].Timestamp, first.Timestamp)
}

func TestTypingOverlay(t *testing.T) {
	br, _, est, _, _ := testBridge(t)
	assert.False(t, br.Typing("u2"))
	est.SetTyping("u2", true)
	assert.True(t, br.Typing("u2"))
	est.SetTyping("u2", false)
	assert.False(t, br.Typing("u2"))
}

func TestCanDeleteRespectsWindow(t *testing.T) {
	br, _, _, tracker, _ := testBridge(t)

	past := time.Now().Add(-2 * time.Hour)
	tracker.SetClock(func() time.Time { return past })
	old := tracker.CreateOptimistic(track.Draft{ConversationID: "c1", Content: "old"})
	tracker.SetClock(time.Now)
	fresh := tracker.CreateOptimistic(track.Draft{ConversationID: "c1", Content: "fresh"})

	assert.False(t, br.CanDelete(old.CorrelationID))
	assert.True(t, br.CanDelete(fresh.CorrelationID))
}

func TestSearchProjectsSnippets(t *testing.T) {
	br, _, _, _, db := testBridge(t)
	require.NoError(t, db.UpsertMessage(&store.Message{
		ConversationID: "c1", MsgID: "m1", Body: "the quick brown fox",
		MessageType: "text", Status: "delivered", Timestamp: 1000,
	}))

	hits, err := br.Search("quick", "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Body, "quick")
}

func TestSubscribePassesThrough(t *testing.T) {
	br, ldg, _, _, _ := testBridge(t)
	ch, unsub := br.Subscribe("conversation.", 10)
	defer unsub()

	seedConversation(ldg, "c1", "u2", time.Now())
	ldg.ApplyIncoming(track.Message{ConversationID: "c1", Content: "hi", Sender: identity.Identity{ID: "u2"}})

	select {
	case evt := <-ch:
		assert.Equal(t, bus.KindConversationChanged, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("no conversation event observed")
	}
}
