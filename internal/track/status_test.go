package track

import "testing"

func TestStatusForwardOnly(t *testing.T) {
	order := []Status{StatusPending, StatusSent, StatusDelivered, StatusRead}
	for i, from := range order {
		for j, to := range order {
			got := from.CanAdvanceTo(to)
			want := j > i
			if got != want {
				t.Errorf("%s -> %s = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStatusErrorTerminal(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusSent, StatusDelivered} {
		if !from.CanAdvanceTo(StatusError) {
			t.Errorf("%s -> error should be allowed", from)
		}
	}
	if StatusRead.CanAdvanceTo(StatusError) {
		t.Error("read -> error should be rejected")
	}
	for _, to := range []Status{StatusPending, StatusSent, StatusDelivered, StatusRead, StatusError} {
		if StatusError.CanAdvanceTo(to) {
			t.Errorf("error -> %s should be rejected (terminal)", to)
		}
	}
}

func TestStatusUnknownNeverWins(t *testing.T) {
	if StatusPending.CanAdvanceTo(Status("bogus")) {
		t.Error("unknown status should not advance anything")
	}
}
