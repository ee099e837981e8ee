package track

// Status is a message delivery state. Statuses only ever move forward along
// pending → sent → delivered → read; Error is terminal and reachable from
// every non-read state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusError     Status = "error"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the position of s in the forward ordering. Error and unknown
// statuses rank below pending so they never win an upgrade comparison.
func (s Status) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	return s == StatusError || s.Rank() >= 0
}

// CanAdvanceTo reports whether a transition from s to next is allowed.
// Duplicate and backwards transitions are not errors — they are silently
// dropped by callers — but they are never applied.
func (s Status) CanAdvanceTo(next Status) bool {
	if s == StatusError {
		return false
	}
	if next == StatusError {
		return s != StatusRead
	}
	return next.Rank() > s.Rank()
}
