package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pvilela/chirp/internal/bus"
	"github.com/pvilela/chirp/internal/config"
	"github.com/pvilela/chirp/internal/identity"
	"github.com/pvilela/chirp/internal/ledger"
	"github.com/pvilela/chirp/internal/presence"
	"github.com/pvilela/chirp/internal/status"
	"github.com/pvilela/chirp/internal/store"
	"github.com/pvilela/chirp/internal/track"
	"github.com/pvilela/chirp/internal/transport"
	"go.uber.org/zap"
)

// Fetcher is the slice of the REST client the engine pulls data through.
type Fetcher interface {
	ListConversations(ctx context.Context) ([]transport.ConversationDTO, error)
	ListMessages(ctx context.Context, conversationID, cursor string, limit int) (*transport.MessagePageDTO, error)
	DeleteMessage(ctx context.Context, messageID string) error
	ClearConversation(ctx context.Context, conversationID string) error
}

// Notifier carries the fire-and-forget outbound signals on the push channel.
type Notifier interface {
	MarkMessageRead(ctx context.Context, messageID string) error
	MarkConversationRead(ctx context.Context, conversationID string) error
	SendTyping(ctx context.Context, conversationID string, typing bool) error
}

// Replayer returns stuck outbox entries to the queue after a reconnect.
type Replayer interface {
	Replay() int
}

// Engine is the coordination point of the client: it consumes push events
// from the bus, routes them through the identity normalizer, the message
// tracker, the conversation ledger and the presence estimator, and writes the
// results through to the store. It is the only writer of the store's
// message/conversation tables at runtime.
type Engine struct {
	db       *store.DB
	bus      *bus.Bus
	tracker  *track.Tracker
	ledger   *ledger.Ledger
	est      *presence.Estimator
	session  *identity.Session
	machine  *status.Machine
	rest     Fetcher
	push     Notifier
	replayer Replayer
	cfg      *config.Config
	logger   *zap.Logger
	cancel   context.CancelFunc

	typing typingState
}

// NewEngine wires the engine. Any of machine, rest, push, replayer may be nil
// in tests; the corresponding behavior degrades to a no-op.
func NewEngine(
	db *store.DB,
	b *bus.Bus,
	tracker *track.Tracker,
	ldg *ledger.Ledger,
	est *presence.Estimator,
	session *identity.Session,
	machine *status.Machine,
	rest Fetcher,
	push Notifier,
	replayer Replayer,
	cfg *config.Config,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Engine{
		db:       db,
		bus:      b,
		tracker:  tracker,
		ledger:   ldg,
		est:      est,
		session:  session,
		machine:  machine,
		rest:     rest,
		push:     push,
		replayer: replayer,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start warms local state from the store and begins consuming bus events and
// running the periodic sweeps.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.warmCache()

	pushCh, unsubPush := e.bus.Subscribe("push.", 256)
	connCh, unsubConn := e.bus.Subscribe("sync.", 16)

	go func() {
		defer unsubPush()
		defer unsubConn()

		refresh := time.NewTicker(e.cfg.Sync.RefreshInterval.Duration)
		sweep := time.NewTicker(e.cfg.Presence.SweepInterval.Duration)
		defer refresh.Stop()
		defer sweep.Stop()

		for {
			select {
			case evt := <-pushCh:
				e.handlePush(evt)
			case evt := <-connCh:
				e.handleConnection(evt)
			case <-refresh.C:
				go e.Refresh(ctx)
			case <-sweep.C:
				e.est.Sweep(e.cfg.Presence.ListOnlineThreshold.Duration)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.typing.stopTimer()
}

func (e *Engine) handlePush(evt bus.Event) {
	switch evt.Kind {
	case bus.KindPushMessage:
		if dto, ok := evt.Payload.(*transport.MessageDTO); ok {
			e.ingestMessage(dto)
		}
	case bus.KindPushSentAck:
		if dto, ok := evt.Payload.(*transport.SentAckDTO); ok {
			e.applyAck(dto)
		}
	case bus.KindPushDelivered:
		if dto, ok := evt.Payload.(*transport.StatusDTO); ok {
			e.applyStatus(dto, track.StatusDelivered)
		}
	case bus.KindPushRead:
		if dto, ok := evt.Payload.(*transport.StatusDTO); ok {
			e.applyStatus(dto, track.StatusRead)
		}
	case bus.KindPushConversationRead:
		if dto, ok := evt.Payload.(*transport.ConversationReadDTO); ok {
			e.applyPeerRead(dto)
		}
	case bus.KindPushPresence:
		if dto, ok := evt.Payload.(*transport.PresenceDTO); ok {
			e.applyPresence(dto)
		}
	case bus.KindPushTyping:
		if te, ok := evt.Payload.(*transport.TypingEvent); ok {
			e.est.SetTyping(te.UserID, te.Typing)
		}
	case bus.KindPushBulkCleared:
		if dto, ok := evt.Payload.(*transport.BulkClearedDTO); ok {
			e.applyBulkClear(dto.ConversationID)
		}
	case bus.KindPushDeleted:
		if dto, ok := evt.Payload.(*transport.DeletedDTO); ok {
			e.applyRemoteDelete(dto)
		}
	}
}

func (e *Engine) handleConnection(evt bus.Event) {
	switch evt.Kind {
	case bus.KindSyncConnected:
		if e.machine != nil && e.machine.Current() == status.Connecting {
			_ = e.machine.Transition(status.Syncing)
		}
		if e.replayer != nil {
			e.replayer.Replay()
		}
		go e.Refresh(context.Background())
	case bus.KindSyncDisconnected:
		// The push client already drove the state machine; nothing to mutate.
		e.logger.Warn("push channel down, serving cached state")
	}
}

// ingestMessage handles a live inbound message.
func (e *Engine) ingestMessage(dto *transport.MessageDTO) {
	msg := e.trackMessage(dto)
	snap, fresh := e.tracker.Ingest(msg)
	if !fresh {
		// Duplicate push; the status may still have advanced, and an echo can
		// carry the durable id a lost ack never delivered.
		if snap.ID != "" && snap.CorrelationID != "" {
			_ = e.db.AssignDurableID(snap.CorrelationID, snap.ID)
		}
		e.persistMessage(snap)
		return
	}

	var conv ledger.Conversation
	if snap.OwnershipDetermined() && snap.IsOwn() {
		conv = e.ledger.ApplyOwnSend(snap)
	} else {
		var focused bool
		conv, focused = e.ledger.ApplyIncoming(snap)
		if focused {
			// Immediate-read path: the user is looking at this conversation.
			e.ledger.MarkRead(conv.ID)
			e.notifyConversationRead(conv.ID)
		}
	}

	e.persistMessage(snap)
	e.persistConversation(conv)
	e.bus.Publish(bus.Now(bus.KindMessageUpserted, snap))
}

// applyAck reconciles a send acknowledgment that arrived on the push channel
// rather than the REST response (it can beat or trail it; both are safe).
func (e *Engine) applyAck(dto *transport.SentAckDTO) {
	st := track.Status(dto.Status)
	if !st.Valid() {
		st = track.StatusSent
	}
	match := e.tracker.Reconcile(track.Confirmation{
		DurableID:      dto.ID,
		CorrelationID:  dto.CorrelationID,
		ConversationID: dto.ConversationID,
		Status:         st,
		Sender:         rawValue(dto.Sender),
		Content:        dto.Content,
		Timestamp:      millis(dto.Timestamp),
	})

	switch {
	case match.Synthesized:
		// Never seen locally; treat like a fresh message.
		snap := match.Message
		e.persistMessage(snap)
		if snap.OwnershipDetermined() && snap.IsOwn() {
			e.persistConversation(e.ledger.ApplyOwnSend(snap))
		} else {
			conv, _ := e.ledger.ApplyIncoming(snap)
			e.persistConversation(conv)
		}
		e.bus.Publish(bus.Now(bus.KindMessageUpserted, snap))
	case match.Matched:
		if dto.CorrelationID != "" && dto.ID != "" {
			_ = e.db.AssignDurableID(dto.CorrelationID, dto.ID)
		}
		if match.Advanced {
			_ = e.db.UpdateMessageStatus(match.Message.Key(), string(match.Message.Status))
		}
		e.bus.Publish(bus.Now(bus.KindMessageStatus, match.Message))
	}
}

func (e *Engine) applyStatus(dto *transport.StatusDTO, st track.Status) {
	msg, changed := e.tracker.ApplyRemoteStatus(track.StatusEvent{
		MessageID:     dto.MessageID,
		CorrelationID: dto.CorrelationID,
		Status:        st,
	})
	if !changed {
		return
	}
	_ = e.db.UpdateMessageStatus(msg.Key(), string(msg.Status))
	e.bus.Publish(bus.Now(bus.KindMessageStatus, msg))
}

// applyPeerRead upgrades every own message in the conversation when the peer
// reads it as a whole.
func (e *Engine) applyPeerRead(dto *transport.ConversationReadDTO) {
	changed := e.tracker.MarkPeerRead(dto.ConversationID)
	for _, msg := range changed {
		_ = e.db.UpdateMessageStatus(msg.Key(), string(msg.Status))
		e.bus.Publish(bus.Now(bus.KindMessageStatus, msg))
	}
}

func (e *Engine) applyPresence(dto *transport.PresenceDTO) {
	source := presence.SourcePolled
	if dto.LastHeartbeatAt > 0 {
		source = presence.SourceHeartbeat
		e.est.Observe(presence.Observation{
			UserID: dto.UserID,
			Source: presence.SourceHeartbeat,
			SeenAt: millis(dto.LastHeartbeatAt),
		})
	}
	if dto.LastSeenAt > 0 {
		e.est.Observe(presence.Observation{
			UserID: dto.UserID,
			Source: presence.SourcePolled,
			SeenAt: millis(dto.LastSeenAt),
		})
	}
	_ = e.db.UpsertPresence(&store.PresenceRow{
		UserID:          dto.UserID,
		Status:          dto.Status,
		LastSeenAt:      dto.LastSeenAt,
		LastHeartbeatAt: dto.LastHeartbeatAt,
		Source:          string(source),
	})
}

func (e *Engine) applyBulkClear(conversationID string) {
	n := e.tracker.BulkClear(conversationID)
	cleared, err := e.db.ClearConversationMessages(conversationID)
	if err != nil {
		e.logger.Error("failed to clear conversation", zap.Error(err), zap.String("conversation_id", conversationID))
	}
	e.ledger.ClearSummary(conversationID)
	e.logger.Info("conversation cleared",
		zap.String("conversation_id", conversationID),
		zap.Int("tracked", n),
		zap.Int64("stored", cleared))
}

func (e *Engine) applyRemoteDelete(dto *transport.DeletedDTO) {
	msg, ok := e.tracker.ApplyDelete(dto.MessageID)
	_ = e.db.DeleteMessage(dto.MessageID)
	if ok {
		e.bus.Publish(bus.Now(bus.KindMessageDeleted, msg))
	}
}

// trackMessage converts a wire message into the tracker's shape.
func (e *Engine) trackMessage(dto *transport.MessageDTO) track.Message {
	msgType := dto.Type
	if msgType == "" {
		msgType = "text"
	}
	st := track.Status(dto.Status)
	if !st.Valid() {
		st = track.StatusSent
	}
	var atts []track.Attachment
	for _, a := range dto.Attachments {
		atts = append(atts, track.Attachment{
			Name:         a.Name,
			ContentType:  a.ContentType,
			Size:         a.Size,
			URL:          a.URL,
			ThumbnailURL: a.ThumbnailURL,
		})
	}
	return track.Message{
		ID:             dto.ID,
		CorrelationID:  dto.CorrelationID,
		ConversationID: dto.ConversationID,
		Sender:         identity.Normalize(rawValue(dto.Sender)),
		RecipientID:    dto.RecipientID,
		Content:        dto.Content,
		ReplyToID:      dto.ReplyToID,
		Type:           msgType,
		Attachments:    atts,
		CreatedAt:      millis(dto.Timestamp),
		Status:         st,
	}
}

func (e *Engine) persistMessage(msg track.Message) {
	atts := ""
	if len(msg.Attachments) > 0 {
		if raw, err := json.Marshal(msg.Attachments); err == nil {
			atts = string(raw)
		}
	}
	row := &store.Message{
		ConversationID: msg.ConversationID,
		MsgID:          msg.Key(),
		CorrelationID:  msg.CorrelationID,
		SenderID:       msg.Sender.ID,
		SenderName:     msg.Sender.DisplayName,
		RecipientID:    msg.RecipientID,
		Body:           msg.Content,
		MessageType:    msg.Type,
		Attachments:    atts,
		IsOwn:          msg.IsOwn(),
		OwnDetermined:  msg.OwnershipDetermined(),
		Status:         string(msg.Status),
		Timestamp:      msg.CreatedAt.UnixMilli(),
	}
	if err := e.db.UpsertMessage(row); err != nil {
		e.logger.Error("failed to persist message", zap.Error(err), zap.String("msg_id", row.MsgID))
	}
}

func (e *Engine) persistConversation(conv ledger.Conversation) {
	if conv.ID == "" {
		return
	}
	row := &store.Conversation{
		ID:                 conv.ID,
		Participants:       conv.Participants,
		DisplayName:        conv.DisplayName,
		Avatar:             conv.Avatar,
		Type:               string(conv.Type),
		UnreadCount:        conv.UnreadCount,
		LastActivityAt:     conv.LastActivityAt.UnixMilli(),
		LastMessageSummary: conv.LastMessageSummary,
	}
	if err := e.db.UpsertConversation(row); err != nil {
		e.logger.Error("failed to persist conversation", zap.Error(err), zap.String("conversation_id", conv.ID))
	}
}

func (e *Engine) notifyConversationRead(conversationID string) {
	if e.push == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.push.MarkConversationRead(ctx, conversationID); err != nil {
			e.logger.Debug("mark conversation read not delivered", zap.Error(err))
		}
	}()
}

// rawValue decodes an untyped JSON fragment for the identity normalizer.
func rawValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func millis(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ts)
}
