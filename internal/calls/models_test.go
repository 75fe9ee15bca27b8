package calls

import "testing"

func TestChannelName(t *testing.T) {
	got := ChannelName("apt_42")
	if got != "appointment_apt_42" {
		t.Fatalf("unexpected channel %q", got)
	}
	if ChannelName("apt_42") != got {
		t.Fatalf("expected deterministic channel name")
	}
	if ChannelName("a b/c") != "appointment_a b/c" {
		t.Fatalf("expected appointment id used verbatim")
	}
}

func TestAppointmentFromChannel(t *testing.T) {
	if id, ok := AppointmentFromChannel("appointment_apt_1"); !ok || id != "apt_1" {
		t.Fatalf("expected apt_1, got %q ok=%v", id, ok)
	}
	for _, ch := range []string{"room_1", "appointment_", ""} {
		if _, ok := AppointmentFromChannel(ch); ok {
			t.Fatalf("expected %q to be rejected", ch)
		}
	}
}

func TestSession_Others(t *testing.T) {
	s := Session{
		InitiatorID: "pat_1",
		CalleeID:    "doc_1",
		Participants: []Participant{
			{UserID: "pat_1", UID: 1},
			{UserID: "nurse_1", UID: 2},
		},
	}
	got := s.Others("pat_1")
	if len(got) != 2 || got[0] != "doc_1" || got[1] != "nurse_1" {
		t.Fatalf("unexpected others: %v", got)
	}
	if len(s.Others("")) != 3 {
		t.Fatalf("expected every party when actor is empty")
	}
}

func TestSession_CloneIsDeep(t *testing.T) {
	s := Session{Participants: []Participant{{UserID: "a", UID: 1}}}
	c := s.clone()
	c.Participants[0].UID = 99
	if s.Participants[0].UID != 1 {
		t.Fatalf("expected clone not to alias participants")
	}
}
