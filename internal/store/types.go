package store

// Conversation is a persisted conversation row. Timestamps are unix millis.
type Conversation struct {
	ID                 string
	Participants       []string
	DisplayName        string
	Avatar             string
	Type               string
	UnreadCount        int
	LastActivityAt     int64
	LastMessageSummary string
}

// Contact is a cached contact row.
type Contact struct {
	ID       string
	Name     string
	PushName string
	Avatar   string
}

// Message is a persisted message row. MsgID is the durable server id when
// known, otherwise the correlation id, so the (conversation_id, msg_id)
// uniqueness holds from the optimistic insert onward.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	CorrelationID  string
	SenderID       string
	SenderName     string
	RecipientID    string
	Body           string
	MessageType    string
	Attachments    string // JSON-encoded attachment list
	IsOwn          bool
	OwnDetermined  bool
	Status         string
	Timestamp      int64
}

// PresenceRow is a cached presence observation, reloaded on startup as the
// lowest-ranked presence source.
type PresenceRow struct {
	UserID          string
	Status          string
	LastSeenAt      int64
	LastHeartbeatAt int64
	Source          string
}

// OutboxEntry is a pending outgoing message.
type OutboxEntry struct {
	ID             int64
	CorrelationID  string
	ConversationID string
	RecipientID    string
	Body           string
	MessageType    string
	ReplyToID      string
	AttachmentPath string
	Status         string // queued, sending, sent, failed
	Attempts       int
	ErrorMessage   string
	ServerMsgID    string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
