package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the transport layer ("push." namespace).
const (
	KindPushMessage          = "push.message"
	KindPushSentAck          = "push.sent_ack"
	KindPushDelivered        = "push.delivered"
	KindPushRead             = "push.read"
	KindPushConversationRead = "push.conversation_read"
	KindPushPresence         = "push.presence"
	KindPushTyping           = "push.typing"
	KindPushBulkCleared      = "push.bulk_cleared"
	KindPushDeleted          = "push.deleted"
)

// Event kinds published by the core.
const (
	KindMessageUpserted     = "message.upserted"
	KindMessageStatus       = "message.status_changed"
	KindMessageSendFailed   = "message.send_failed"
	KindMessageDeleted      = "message.deleted"
	KindConversationChanged = "conversation.changed"
	KindConversationRead    = "conversation.read"
	KindPresenceChanged     = "presence.changed"
	KindTypingChanged       = "presence.typing"
	KindSessionStatus       = "session.status_changed"
	KindSyncConnected       = "sync.connected"
	KindSyncDisconnected    = "sync.disconnected"
	KindSyncRefreshed       = "sync.refreshed"
)

// Now returns an event of the given kind stamped with the current time.
func Now(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
