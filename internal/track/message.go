package track

import (
	"time"

	"github.com/pvilela/chirp/internal/identity"
)

// Attachment is a stored attachment reference on a message.
type Attachment struct {
	Name         string
	ContentType  string
	Size         int64
	URL          string
	ThumbnailURL string
	LocalPath    string
}

// Message is the tracker's view of a single message. ID is the durable
// server-assigned id and stays empty until the send is acknowledged;
// CorrelationID is the client-assigned token that links an optimistic entry to
// its confirmation.
type Message struct {
	ID             string
	CorrelationID  string
	ConversationID string
	Sender         identity.Identity
	RecipientID    string
	Content        string
	ReplyToID      string
	Type           string
	Attachments    []Attachment
	CreatedAt      time.Time
	Status         Status

	isOwn               bool
	ownershipDetermined bool
}

// IsOwn reports whether the message was authored by the session user.
// Meaningful only once OwnershipDetermined is true.
func (m *Message) IsOwn() bool {
	return m.isOwn
}

// OwnershipDetermined reports whether ownership has been decided for this
// message. Once true, IsOwn never changes for the life of the object.
func (m *Message) OwnershipDetermined() bool {
	return m.ownershipDetermined
}

// setOwnership records the ownership decision. Set-once: later calls are
// no-ops regardless of the value they carry.
func (m *Message) setOwnership(own bool) {
	if m.ownershipDetermined {
		return
	}
	m.isOwn = own
	m.ownershipDetermined = true
}

// Key returns the best available lookup key: the durable id when assigned,
// otherwise the correlation id.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.CorrelationID
}

// snapshot returns a by-value copy safe to hand outside the tracker.
func (m *Message) snapshot() Message {
	cp := *m
	if m.Attachments != nil {
		cp.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return cp
}
