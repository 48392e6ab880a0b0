package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestMessage_WireShape(t *testing.T) {
	msg := Message{
		Type:   MessageOffer,
		RoomID: "consult-42",
		Offer:  &SDPPayload{Type: "offer", SDP: "v=0\r\n"},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := string(data)
	for _, want := range []string{`"type":"offer"`, `"roomId":"consult-42"`, `"offer":{"type":"offer"`} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %s in %s", want, got)
		}
	}
	for _, absent := range []string{`"answer"`, `"candidate"`, `"from"`} {
		if strings.Contains(got, absent) {
			t.Errorf("unexpected %s in %s", absent, got)
		}
	}
}

func TestICECandidatePayload_Key(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	a := ICECandidatePayload{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}
	b := a
	c := ICECandidatePayload{Candidate: a.Candidate}

	if a.Key() != b.Key() {
		t.Errorf("expected equal keys, got %q and %q", a.Key(), b.Key())
	}
	if a.Key() == c.Key() {
		t.Errorf("expected keys to differ when mid/index differ")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   int
		want string
	}{
		{0, "00:00"},
		{59, "00:59"},
		{61, "01:01"},
		{3600, "60:00"},
		{-5, "00:00"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInitialLifecycle(t *testing.T) {
	lc := InitialLifecycle()
	if lc.Active || lc.StartedAt != nil || lc.DurationSeconds != 0 {
		t.Errorf("expected inactive zero record, got %+v", lc)
	}
	if !lc.LocalVideoEnabled || !lc.LocalAudioEnabled {
		t.Errorf("expected both tracks enabled, got %+v", lc)
	}
}

func TestErrorTaxonomy_Unwrap(t *testing.T) {
	cause := errors.New("boom")

	var denied error = &MediaAccessDeniedError{Err: cause}
	if !errors.Is(denied, cause) {
		t.Error("expected MediaAccessDeniedError to unwrap to its cause")
	}

	var neg error = &NegotiationError{Op: "set remote description", Err: cause}
	var target *NegotiationError
	if !errors.As(neg, &target) || target.Op != "set remote description" {
		t.Errorf("expected errors.As to find NegotiationError, got %v", neg)
	}
	if !strings.Contains(neg.Error(), "boom") {
		t.Errorf("expected cause in message, got %q", neg.Error())
	}
}

func TestRole_Valid(t *testing.T) {
	if !RoleDoctor.Valid() || !RolePatient.Valid() {
		t.Error("expected doctor and patient to be valid")
	}
	if Role("nurse").Valid() {
		t.Error("expected unknown role to be invalid")
	}
}
