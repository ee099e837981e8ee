package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pvilela/chirp/internal/bus"
	"github.com/pvilela/chirp/internal/config"
	"github.com/pvilela/chirp/internal/store"
	"github.com/pvilela/chirp/internal/track"
	"github.com/pvilela/chirp/internal/transport"
	"go.uber.org/zap"
)

// Transporter is the slice of the REST client the sender needs.
type Transporter interface {
	SendMessage(ctx context.Context, msg transport.OutboundMessage) (*transport.SendResult, error)
	UploadAttachment(ctx context.Context, path string) (*transport.AttachmentDTO, error)
}

// Gate reports whether the connection is usable for sends right now.
type Gate interface {
	Online() bool
}

// Sender drains the persistent outbox. The optimistic entry already exists in
// the tracker and the store by the time anything lands here; the sender only
// moves it toward sent or error.
//
// Attachment uploads run strictly before the send, and an upload failure is
// terminal: the message goes to error with no automatic retry, the user
// resends explicitly. Transport failures on the send itself retry with
// backoff, up to the configured attempt bound.
type Sender struct {
	db      *store.DB
	client  Transporter
	gate    Gate
	tracker *track.Tracker
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     config.Outbox
	cancel  context.CancelFunc

	mu      sync.Mutex
	retryAt map[string]time.Time // correlation id -> earliest next attempt
}

// NewSender creates an outbox sender.
func NewSender(db *store.DB, client Transporter, gate Gate, tracker *track.Tracker, b *bus.Bus, cfg config.Outbox, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:      db,
		client:  client,
		gate:    gate,
		tracker: tracker,
		bus:     b,
		logger:  logger,
		cfg:     cfg,
		retryAt: make(map[string]time.Time),
	}
}

// Start begins polling the outbox for queued messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	interval := s.cfg.PollInterval.Duration
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// drain processes every currently-queued entry once.
func (s *Sender) drain(ctx context.Context) {
	if s.gate != nil && !s.gate.Online() {
		// Queued entries wait out the disconnect and replay on reconnect.
		return
	}

	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	now := time.Now()
	for _, entry := range pending {
		s.mu.Lock()
		at, backing := s.retryAt[entry.CorrelationID]
		s.mu.Unlock()
		if backing && now.Before(at) {
			continue
		}
		s.process(ctx, entry)
	}
}

func (s *Sender) process(ctx context.Context, entry store.OutboxEntry) {
	if err := s.db.MarkOutboxSending(entry.CorrelationID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.String("correlation_id", entry.CorrelationID))
		return
	}

	out := transport.OutboundMessage{
		CorrelationID:  entry.CorrelationID,
		ConversationID: entry.ConversationID,
		RecipientID:    entry.RecipientID,
		Content:        entry.Body,
		ReplyToID:      entry.ReplyToID,
		Type:           entry.MessageType,
	}

	if entry.AttachmentPath != "" {
		ref, err := s.client.UploadAttachment(ctx, entry.AttachmentPath)
		if err != nil {
			s.failUpload(entry, err)
			return
		}
		out.Attachments = []transport.AttachmentDTO{*ref}
	}

	res, err := s.client.SendMessage(ctx, out)
	if err != nil {
		s.failSend(entry, err)
		return
	}

	s.mu.Lock()
	delete(s.retryAt, entry.CorrelationID)
	s.mu.Unlock()

	if err := s.db.MarkOutboxSent(entry.CorrelationID, res.ID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("correlation_id", entry.CorrelationID))
	}

	match := s.tracker.Reconcile(track.Confirmation{
		DurableID:      res.ID,
		CorrelationID:  entry.CorrelationID,
		ConversationID: res.ConversationID,
		Status:         track.StatusSent,
		Timestamp:      time.UnixMilli(res.Timestamp),
	})
	_ = s.db.AssignDurableID(entry.CorrelationID, res.ID)
	_ = s.db.UpdateMessageStatus(res.ID, string(track.StatusSent))

	s.logger.Info("message sent",
		zap.String("correlation_id", entry.CorrelationID),
		zap.String("durable_id", res.ID))
	s.bus.Publish(bus.Now(bus.KindMessageStatus, match.Message))
}

// failUpload moves the message to the terminal error state. Uploads never
// auto-retry.
func (s *Sender) failUpload(entry store.OutboxEntry, cause error) {
	s.logger.Error("attachment upload failed",
		zap.Error(cause),
		zap.String("correlation_id", entry.CorrelationID))
	_ = s.db.MarkOutboxFailed(entry.CorrelationID, cause.Error())
	if msg, ok := s.tracker.FailUpload(entry.CorrelationID); ok {
		_ = s.db.UpdateMessageStatus(entry.CorrelationID, string(track.StatusError))
		s.bus.Publish(bus.Now(bus.KindMessageSendFailed, msg))
	}
}

// failSend retries transient transport failures with backoff and gives up
// after the attempt bound. Non-transient rejections fail immediately.
func (s *Sender) failSend(entry store.OutboxEntry, cause error) {
	attempts := entry.Attempts + 1 // MarkOutboxSending already counted this one
	retryable := errors.Is(cause, transport.ErrUnavailable)

	if retryable && attempts < s.cfg.MaxAttempts {
		s.logger.Warn("send failed, will retry",
			zap.Error(cause),
			zap.String("correlation_id", entry.CorrelationID),
			zap.Int("attempts", attempts))
		_ = s.db.MarkOutboxRetry(entry.CorrelationID, cause.Error())
		s.mu.Lock()
		s.retryAt[entry.CorrelationID] = time.Now().Add(s.cfg.RetryBackoff.Duration)
		s.mu.Unlock()
		return
	}

	s.logger.Error("send failed permanently",
		zap.Error(cause),
		zap.String("correlation_id", entry.CorrelationID),
		zap.Int("attempts", attempts))
	_ = s.db.MarkOutboxFailed(entry.CorrelationID, cause.Error())
	if msg, ok := s.tracker.FailSend(entry.CorrelationID); ok {
		_ = s.db.UpdateMessageStatus(entry.CorrelationID, string(track.StatusError))
		s.bus.Publish(bus.Now(bus.KindMessageSendFailed, msg))
	}
	s.mu.Lock()
	delete(s.retryAt, entry.CorrelationID)
	s.mu.Unlock()
}

// Replay returns in-flight entries stuck in sending back to the queue. Called
// on reconnect so a crash or disconnect mid-send is retried rather than lost.
func (s *Sender) Replay() int {
	n, err := s.db.RequeueInFlight()
	if err != nil {
		s.logger.Error("failed to requeue in-flight sends", zap.Error(err))
		return 0
	}
	if n > 0 {
		s.logger.Info("requeued in-flight sends", zap.Int64("count", n))
	}
	return int(n)
}
