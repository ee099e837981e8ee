package identity

import "testing"

func TestNormalizeString(t *testing.T) {
	id := Normalize("u_7")
	if id.ID != "u_7" {
		t.Errorf("ID = %q, want u_7", id.ID)
	}
	if id.IsUnknown() {
		t.Error("plain id should not be unknown")
	}
}

func TestNormalizeRichObject(t *testing.T) {
	id := Normalize(map[string]any{
		"id":          "u_7",
		"displayName": "Ana",
		"avatarUrl":   "https://cdn/a.png",
	})
	if id.ID != "u_7" || id.DisplayName != "Ana" || id.Avatar != "https://cdn/a.png" {
		t.Errorf("got %+v", id)
	}
}

func TestNormalizeLegacyShape(t *testing.T) {
	id := Normalize(map[string]any{"senderId": "u_9", "name": "Bo"})
	if id.ID != "u_9" {
		t.Errorf("ID = %q, want u_9", id.ID)
	}
	if id.DisplayName != "Bo" {
		t.Errorf("DisplayName = %q, want Bo", id.DisplayName)
	}
}

func TestNormalizeFailsSoft(t *testing.T) {
	for _, raw := range []any{nil, "", "   ", 42, map[string]any{"color": "red"}} {
		id := Normalize(raw)
		if !id.IsUnknown() {
			t.Errorf("Normalize(%v) = %+v, want unknown sentinel", raw, id)
		}
	}
}

func TestNormalizeIdentityPassthrough(t *testing.T) {
	in := Identity{ID: " u_1 ", DisplayName: "Cy"}
	out := Normalize(in)
	if out.ID != "u_1" || out.DisplayName != "Cy" {
		t.Errorf("got %+v", out)
	}
}

func TestSessionSetOnce(t *testing.T) {
	s := NewSession()
	if _, err := s.Current(); err != ErrNoIdentity {
		t.Fatalf("err = %v, want ErrNoIdentity", err)
	}
	if !s.Set(Identity{ID: "me"}) {
		t.Fatal("first Set should succeed")
	}
	if s.Set(Identity{ID: "someone-else"}) {
		t.Fatal("second Set should be ignored")
	}
	cur, err := s.Current()
	if err != nil {
		t.Fatal(err)
	}
	if cur.ID != "me" {
		t.Errorf("Current = %q, want me", cur.ID)
	}
}

func TestSessionRejectsUnknown(t *testing.T) {
	s := NewSession()
	if s.Set(Unknown) {
		t.Fatal("Set(Unknown) should fail")
	}
}
