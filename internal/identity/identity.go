package identity

import "strings"

// Identity is the canonical representation of "who sent this". Every
// heterogeneous sender shape coming off the transport is normalized into this
// type before any domain logic inspects it.
type Identity struct {
	ID          string
	DisplayName string
	Avatar      string
}

// UnknownID is the sentinel id used when no identifier could be extracted.
const UnknownID = "unknown"

// Unknown is the sentinel identity. Downstream code renders a placeholder for
// it instead of failing.
var Unknown = Identity{ID: UnknownID}

// IsUnknown reports whether this is the sentinel identity.
func (i Identity) IsUnknown() bool {
	return i.ID == "" || i.ID == UnknownID
}

// Label returns the best human-readable name for the identity.
func (i Identity) Label() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	if i.IsUnknown() {
		return "Unknown"
	}
	return i.ID
}

// idKeys are the identifier field names seen across sender shapes, in lookup
// order. "senderId" and "_id" are legacy shapes still emitted by older servers.
var idKeys = []string{"id", "userId", "user_id", "senderId", "_id"}

var displayKeys = []string{"displayName", "display_name", "name", "username", "pushName"}

var avatarKeys = []string{"avatar", "avatarUrl", "avatar_url", "profilePicture"}

// Normalize canonicalizes a raw sender representation into an Identity.
// Accepted shapes: a plain identifier string, an Identity (or pointer to one),
// or a decoded JSON object carrying an identifier under one of several known
// field names. Fails soft: anything unextractable yields Unknown.
func Normalize(raw any) Identity {
	switch v := raw.(type) {
	case nil:
		return Unknown
	case Identity:
		return clean(v)
	case *Identity:
		if v == nil {
			return Unknown
		}
		return clean(*v)
	case string:
		id := strings.TrimSpace(v)
		if id == "" {
			return Unknown
		}
		return Identity{ID: id}
	case map[string]any:
		return fromMap(v)
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, s := range v {
			m[k] = s
		}
		return fromMap(m)
	default:
		return Unknown
	}
}

func fromMap(m map[string]any) Identity {
	var out Identity
	for _, k := range idKeys {
		if s := stringField(m, k); s != "" {
			out.ID = s
			break
		}
	}
	if out.ID == "" {
		return Unknown
	}
	for _, k := range displayKeys {
		if s := stringField(m, k); s != "" {
			out.DisplayName = s
			break
		}
	}
	for _, k := range avatarKeys {
		if s := stringField(m, k); s != "" {
			out.Avatar = s
			break
		}
	}
	return out
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

func clean(i Identity) Identity {
	i.ID = strings.TrimSpace(i.ID)
	if i.ID == "" {
		return Unknown
	}
	return i
}
