package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/pvilela/chirp/internal/bus"
	"github.com/pvilela/chirp/internal/config"
	"github.com/pvilela/chirp/internal/identity"
	"github.com/pvilela/chirp/internal/store"
	"github.com/pvilela/chirp/internal/track"
	"github.com/pvilela/chirp/internal/transport"
)

// mockTransport records calls and returns configurable results.
type mockTransport struct {
	sends     []transport.OutboundMessage
	uploads   []string
	sendErr   error
	uploadErr error
}

func (m *mockTransport) SendMessage(_ context.Context, msg transport.OutboundMessage) (*transport.SendResult, error) {
	m.sends = append(m.sends, msg)
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &transport.SendResult{
		ID:             "m_" + msg.CorrelationID,
		ConversationID: msg.ConversationID,
		Status:         "sent",
		Timestamp:      time.Now().UnixMilli(),
	}, nil
}

func (m *mockTransport) UploadAttachment(_ context.Context, path string) (*transport.AttachmentDTO, error) {
	m.uploads = append(m.uploads, path)
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}
	return &transport.AttachmentDTO{Name: filepath.Base(path), URL: "https://files/x"}, nil
}

type mockGate struct{ online bool }

func (g *mockGate) Online() bool { return g.online }

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testTracker(t *testing.T) *track.Tracker {
	t.Helper()
	sess := identity.NewSession()
	sess.Set(identity.Identity{ID: "me"})
	return track.NewTracker(sess, nil)
}

// queueDraft registers an optimistic message and its outbox entry, the way
// the sync engine does on a user send.
func queueDraft(t *testing.T, db *store.DB, tracker *track.Tracker, attachment string) track.Message {
	t.Helper()
	msg := tracker.CreateOptimistic(track.Draft{
		ConversationID: "c1",
		RecipientID:    "u2",
		Content:        "hello",
	})
	if err := db.UpsertMessage(&store.Message{
		ConversationID: "c1", MsgID: msg.CorrelationID, CorrelationID: msg.CorrelationID,
		SenderID: "me", Body: "hello", MessageType: "text",
		IsOwn: true, OwnDetermined: true, Status: "pending",
		Timestamp: msg.CreatedAt.UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox(&store.OutboxEntry{
		CorrelationID: msg.CorrelationID, ConversationID: "c1",
		RecipientID: "u2", Body: "hello", MessageType: "text",
		AttachmentPath: attachment,
	}); err != nil {
		t.Fatal(err)
	}
	return msg
}

func testConfig() config.Outbox {
	return config.Outbox{
		PollInterval: config.Duration{Duration: 10 * time.Millisecond},
		MaxAttempts:  3,
	}
}

func TestDrainSendsQueued(t *testing.T) {
	db := testDB(t)
	tracker := testTracker(t)
	b := bus.New()
	mock := &mockTransport{}
	s := NewSender(db, mock, &mockGate{online: true}, tracker, b, testConfig(), nil)

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	msg := queueDraft(t, db, tracker, "")
	s.drain(context.Background())

	if len(mock.sends) != 1 {
		t.Fatalf("got %d send calls, want 1", len(mock.sends))
	}
	if mock.sends[0].Content != "hello" || mock.sends[0].CorrelationID != msg.CorrelationID {
		t.Errorf("sent %+v", mock.sends[0])
	}

	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 after send", len(pending))
	}

	got, ok := tracker.Get("m_" + msg.CorrelationID)
	if !ok {
		t.Fatal("durable id not assigned in tracker")
	}
	if got.Status != track.StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindMessageStatus {
			t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindMessageStatus)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
}

func TestUploadRunsBeforeSend(t *testing.T) {
	db := testDB(t)
	tracker := testTracker(t)
	mock := &mockTransport{}
	s := NewSender(db, mock, &mockGate{online: true}, tracker, bus.New(), testConfig(), nil)

	queueDraft(t, db, tracker, "/tmp/photo.jpg")
	s.drain(context.Background())

	if len(mock.uploads) != 1 || mock.uploads[0] != "/tmp/photo.jpg" {
		t.Fatalf("uploads = %v", mock.uploads)
	}
	if len(mock.sends) != 1 {
		t.Fatalf("got %d sends, want 1", len(mock.sends))
	}
	if len(mock.sends[0].Attachments) != 1 {
		t.Errorf("send carried %d attachments, want 1", len(mock.sends[0].Attachments))
	}
}

func TestUploadFailureIsTerminal(t *testing.T) {
	db := testDB(t)
	tracker := testTracker(t)
	b := bus.New()
	mock := &mockTransport{uploadErr: fmt.Errorf("disk on fire")}
	s := NewSender(db, mock, &mockGate{online: true}, tracker, b, testConfig(), nil)

	ch, unsub := b.Subscribe(bus.KindMessageSendFailed, 10)
	defer unsub()

	msg := queueDraft(t, db, tracker, "/tmp/photo.jpg")
	s.drain(context.Background())

	if len(mock.sends) != 0 {
		t.Error("send must not run after a failed upload")
	}
	got, _ := tracker.Get(msg.CorrelationID)
	if got.Status != track.StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}

	// No automatic retry: another drain does nothing.
	s.drain(context.Background())
	if len(mock.uploads) != 1 {
		t.Errorf("upload retried %d times, want exactly 1 attempt", len(mock.uploads))
	}
}

func TestTransportFailureRetriesThenFails(t *testing.T) {
	db := testDB(t)
	tracker := testTracker(t)
	mock := &mockTransport{sendErr: fmt.Errorf("%w: connection refused", transport.ErrUnavailable)}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	s := NewSender(db, mock, &mockGate{online: true}, tracker, bus.New(), cfg, nil)

	msg := queueDraft(t, db, tracker, "")

	// First attempt fails and requeues.
	s.drain(context.Background())
	if len(mock.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(mock.sends))
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 1 {
		t.Fatalf("entry should be back in the queue, pending = %d", len(pending))
	}
	if got, _ := tracker.Get(msg.CorrelationID); got.Status != track.StatusPending {
		t.Errorf("status after first failure = %s, want pending", got.Status)
	}

	// Second attempt exhausts the bound.
	s.drain(context.Background())
	if len(mock.sends) != 2 {
		t.Fatalf("sends = %d, want 2", len(mock.sends))
	}
	pending, _ = db.PendingOutbox()
	if len(pending) != 0 {
		t.Error("exhausted entry must leave the queue")
	}
	if got, _ := tracker.Get(msg.CorrelationID); got.Status != track.StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
}

func TestNonRetryableRejectionFailsImmediately(t *testing.T) {
	db := testDB(t)
	tracker := testTracker(t)
	mock := &mockTransport{sendErr: errors.New("status 403: banned")}
	s := NewSender(db, mock, &mockGate{online: true}, tracker, bus.New(), testConfig(), nil)

	msg := queueDraft(t, db, tracker, "")
	s.drain(context.Background())

	if len(mock.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(mock.sends))
	}
	if got, _ := tracker.Get(msg.CorrelationID); got.Status != track.StatusError {
		t.Errorf("status = %s, want error", got.Status)
	}
}

func TestOfflineGateHoldsQueue(t *testing.T) {
	db := testDB(t)
	tracker := testTracker(t)
	mock := &mockTransport{}
	gate := &mockGate{online: false}
	s := NewSender(db, mock, gate, tracker, bus.New(), testConfig(), nil)

	queueDraft(t, db, tracker, "")
	s.drain(context.Background())

	if len(mock.sends) != 0 {
		t.Error("offline sends must stay queued")
	}

	gate.online = true
	s.drain(context.Background())
	if len(mock.sends) != 1 {
		t.Errorf("sends after reconnect = %d, want 1", len(mock.sends))
	}
}

func TestReplayRequeuesInFlight(t *testing.T) {
	db := testDB(t)
	tracker := testTracker(t)
	s := NewSender(db, &mockTransport{}, &mockGate{online: true}, tracker, bus.New(), testConfig(), nil)

	msg := queueDraft(t, db, tracker, "")
	if err := db.MarkOutboxSending(msg.CorrelationID); err != nil {
		t.Fatal(err)
	}

	if n := s.Replay(); n != 1 {
		t.Errorf("replayed %d, want 1", n)
	}
	pending, _ := db.PendingOutbox()
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}
}
