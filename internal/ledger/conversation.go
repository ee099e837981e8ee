package ledger

import (
	"sort"
	"time"
)

// Type distinguishes one-on-one chats from group chats.
type Type string

const (
	TypePrivate Type = "private"
	TypeGroup   Type = "group"
)

// Conversation is the ledger's view of one conversation. ID may be a
// temporary local placeholder until the server creates the conversation.
type Conversation struct {
	ID                 string
	Participants       []string
	DisplayName        string
	Avatar             string
	Type               Type
	LastMessageSummary string
	LastActivityAt     time.Time
	UnreadCount        int
}

// participantKey canonicalizes a participant set so two conversations with
// the same members compare equal regardless of ordering or duplicates.
func participantKey(ids []string) string {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	uniq := make([]string, 0, len(set))
	for id := range set {
		uniq = append(uniq, id)
	}
	sort.Strings(uniq)
	key := ""
	for i, id := range uniq {
		if i > 0 {
			key += "\x00"
		}
		key += id
	}
	return key
}

// Remote is one conversation row from a full server refresh. UnreadCount is a
// pointer so an absent count is distinguishable from zero.
type Remote struct {
	ID                 string
	Participants       []string
	Type               Type
	LastMessageSummary string
	LastActivityAt     time.Time
	UnreadCount        *int
}

func (c *Conversation) snapshot() Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	return cp
}
