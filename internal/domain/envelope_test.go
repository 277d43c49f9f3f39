package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewEnvelopeCarriesPayload(t *testing.T) {
	env, err := NewEnvelope(MsgCallInvite, "conv-1", "alice", []UserID{"bob"}, InvitePayload{
		CallType:   CallVideo,
		CallerName: "Alice",
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Sender != "alice" || len(env.Receivers) != 1 || env.Receivers[0] != "bob" {
		t.Errorf("addressing wrong: sender=%q receivers=%v", env.Sender, env.Receivers)
	}
	if env.Timestamp == 0 {
		t.Error("timestamp not stamped")
	}

	decoded, err := env.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	p, ok := decoded.(InvitePayload)
	if !ok {
		t.Fatalf("decoded %T, want InvitePayload", decoded)
	}
	if p.CallType != CallVideo || p.CallerName != "Alice" {
		t.Errorf("payload lost fields: %+v", p)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	env := Envelope{Type: "call_hold", Sender: "alice"}
	if _, err := env.Decode(); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("got %v, want ErrUnknownType", err)
	}
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	env := Envelope{
		Type:   MsgWebRTCICECandidate,
		Sender: "alice",
		Data:   json.RawMessage(`{"candidate": 42}`),
	}
	if _, err := env.Decode(); err == nil {
		t.Fatal("expected decode error for mistyped candidate field")
	}
}

func TestConversationScoped(t *testing.T) {
	scoped := []MsgType{MsgTyping, MsgStopTyping, MsgConversationUpdated}
	for _, mt := range scoped {
		if !(Envelope{Type: mt}).ConversationScoped() {
			t.Errorf("%s should be conversation scoped", mt)
		}
	}
	addressed := []MsgType{MsgCallInvite, MsgCallResponse, MsgCallCancel, MsgCallEnd, MsgWebRTCOffer, MsgWebRTCAnswer, MsgWebRTCICECandidate}
	for _, mt := range addressed {
		if (Envelope{Type: mt}).ConversationScoped() {
			t.Errorf("%s should be receiver addressed", mt)
		}
	}
}

func TestParseUserID(t *testing.T) {
	if _, err := ParseUserID(""); !errors.Is(err, ErrIdentityEmpty) {
		t.Errorf("empty id: got %v", err)
	}
	long := make([]byte, MaxUserIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := ParseUserID(string(long)); !errors.Is(err, ErrIdentityTooLong) {
		t.Errorf("long id: got %v", err)
	}
	id, err := ParseUserID("elder-17")
	if err != nil || id != "elder-17" {
		t.Errorf("valid id: got %q, %v", id, err)
	}
}

func TestRecordTypeFor(t *testing.T) {
	if RecordTypeFor(CallVoice) != RecordVoiceCall {
		t.Error("voice call record type wrong")
	}
	if RecordTypeFor(CallVideo) != RecordVideoCall {
		t.Error("video call record type wrong")
	}
}
