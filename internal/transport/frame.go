package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pvilela/chirp/internal/bus"
)

// Frame is the JSON envelope of every push-channel message, both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Wire event names on the push channel.
const (
	evMessageReceived    = "messageReceived"
	evMessageSentAck     = "messageSentAck"
	evMessageDelivered   = "messageDelivered"
	evMessageRead        = "messageRead"
	evConversationRead   = "conversationRead"
	evPresenceChanged    = "presenceChanged"
	evUserTyping         = "userTyping"
	evUserStoppedTyping  = "userStoppedTyping"
	evBulkCleared        = "messagesBulkCleared"
	evDeletedForEveryone = "messageDeletedForEveryone"

	evMarkMessageRead      = "markMessageRead"
	evMarkConversationRead = "markConversationRead"
	evTypingIndicator      = "typingIndicator"
)

// MessageDTO is a message as the server sends it. Sender is raw because the
// server is inconsistent about its shape; the identity normalizer sorts it out.
type MessageDTO struct {
	ID             string          `json:"id"`
	CorrelationID  string          `json:"tempId,omitempty"`
	ConversationID string          `json:"conversationId"`
	Sender         json.RawMessage `json:"sender"`
	RecipientID    string          `json:"recipientId,omitempty"`
	Content        string          `json:"content"`
	ReplyToID      string          `json:"replyTo,omitempty"`
	Type           string          `json:"type,omitempty"`
	Status         string          `json:"status,omitempty"`
	Attachments    []AttachmentDTO `json:"attachments,omitempty"`
	Timestamp      int64           `json:"timestamp"` // unix millis
}

// AttachmentDTO is a stored attachment reference.
type AttachmentDTO struct {
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// SentAckDTO acknowledges a send, echoing the correlation id when the server
// kept it.
type SentAckDTO struct {
	ID             string          `json:"id"`
	CorrelationID  string          `json:"tempId,omitempty"`
	ConversationID string          `json:"conversationId"`
	Sender         json.RawMessage `json:"sender,omitempty"`
	Content        string          `json:"content,omitempty"`
	Status         string          `json:"status,omitempty"`
	Timestamp      int64           `json:"timestamp"`
}

// StatusDTO carries a delivered/read receipt for a single message.
type StatusDTO struct {
	MessageID      string `json:"messageId"`
	CorrelationID  string `json:"tempId,omitempty"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
}

// ConversationReadDTO signals the peer read a whole conversation.
type ConversationReadDTO struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// PresenceDTO is a presence push for one user.
type PresenceDTO struct {
	UserID          string `json:"userId"`
	Status          string `json:"status,omitempty"`
	LastSeenAt      int64  `json:"lastSeen,omitempty"`
	LastHeartbeatAt int64  `json:"lastHeartbeat,omitempty"`
}

// TypingDTO signals a typing start or stop.
type TypingDTO struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// BulkClearedDTO signals all messages of a conversation were cleared.
type BulkClearedDTO struct {
	ConversationID string `json:"conversationId"`
}

// DeletedDTO signals a message was deleted for everyone.
type DeletedDTO struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// decodeFrame maps a wire frame onto a bus event. Unknown event names return
// ok=false and are skipped rather than failing the connection.
func decodeFrame(f Frame) (bus.Event, bool, error) {
	var (
		kind    string
		payload any
	)
	switch f.Event {
	case evMessageReceived:
		kind, payload = bus.KindPushMessage, &MessageDTO{}
	case evMessageSentAck:
		kind, payload = bus.KindPushSentAck, &SentAckDTO{}
	case evMessageDelivered:
		kind, payload = bus.KindPushDelivered, &StatusDTO{}
	case evMessageRead:
		kind, payload = bus.KindPushRead, &StatusDTO{}
	case evConversationRead:
		kind, payload = bus.KindPushConversationRead, &ConversationReadDTO{}
	case evPresenceChanged:
		kind, payload = bus.KindPushPresence, &PresenceDTO{}
	case evUserTyping, evUserStoppedTyping:
		kind = bus.KindPushTyping
		payload = &TypingEvent{Typing: f.Event == evUserTyping}
	case evBulkCleared:
		kind, payload = bus.KindPushBulkCleared, &BulkClearedDTO{}
	case evDeletedForEveryone:
		kind, payload = bus.KindPushDeleted, &DeletedDTO{}
	default:
		return bus.Event{}, false, nil
	}

	var target any = payload
	if te, ok := payload.(*TypingEvent); ok {
		target = &te.TypingDTO
	}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, target); err != nil {
			return bus.Event{}, false, fmt.Errorf("decode %s: %w", f.Event, err)
		}
	}
	return bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload}, true, nil
}

// TypingEvent folds the start/stop pair into one payload.
type TypingEvent struct {
	TypingDTO
	Typing bool
}
