package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MsgType enumerates every envelope kind the relay and clients exchange.
// The set is closed: Decode rejects anything else with ErrUnknownType so the
// ignore path is explicit at every dispatch site.
type MsgType string

const (
	MsgConnected           MsgType = "connected"
	MsgCallInvite          MsgType = "call_invite"
	MsgCallResponse        MsgType = "call_response"
	MsgCallCancel          MsgType = "call_cancel"
	MsgCallEnd             MsgType = "call_end"
	MsgWebRTCOffer         MsgType = "webrtc_offer"
	MsgWebRTCAnswer        MsgType = "webrtc_answer"
	MsgWebRTCICECandidate  MsgType = "webrtc_ice_candidate"
	MsgTyping              MsgType = "typing"
	MsgStopTyping          MsgType = "stop_typing"
	MsgConversationUpdated MsgType = "conversation_updated"
)

var ErrUnknownType = errors.New("unknown envelope type")

// Envelope is the wire unit. Immutable once constructed; never persisted.
type Envelope struct {
	Type           MsgType         `json:"type"`
	ConversationID ConversationID  `json:"conversationId,omitempty"`
	Sender         UserID          `json:"sender,omitempty"`
	Receivers      []UserID        `json:"receivers,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      int64           `json:"timestamp"`
}

// NewEnvelope stamps the envelope with the current wall clock (unix millis).
func NewEnvelope(t MsgType, conv ConversationID, sender UserID, receivers []UserID, payload any) (Envelope, error) {
	env := Envelope{
		Type:           t,
		ConversationID: conv,
		Sender:         sender,
		Receivers:      receivers,
		Timestamp:      time.Now().UnixMilli(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Data = b
	}
	return env, nil
}

type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

type CallResponse string

const (
	ResponseAccept CallResponse = "accept"
	ResponseReject CallResponse = "reject"
)

type ConnectedPayload struct {
	Identity UserID `json:"identity"`
}

type InvitePayload struct {
	CallType   CallType `json:"callType"`
	CallerName string   `json:"callerName,omitempty"`
}

type ResponsePayload struct {
	Response CallResponse `json:"response"`
}

type OfferPayload struct {
	SDP string `json:"sdp"`
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

type CandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// Decode returns the typed payload for the envelope, nil for kinds that carry
// none, or ErrUnknownType for anything outside the enumeration.
func (e Envelope) Decode() (any, error) {
	switch e.Type {
	case MsgConnected:
		return decodeAs[ConnectedPayload](e)
	case MsgCallInvite:
		return decodeAs[InvitePayload](e)
	case MsgCallResponse:
		return decodeAs[ResponsePayload](e)
	case MsgWebRTCOffer:
		return decodeAs[OfferPayload](e)
	case MsgWebRTCAnswer:
		return decodeAs[AnswerPayload](e)
	case MsgWebRTCICECandidate:
		return decodeAs[CandidatePayload](e)
	case MsgCallCancel, MsgCallEnd, MsgTyping, MsgStopTyping, MsgConversationUpdated:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}

// ConversationScoped reports whether the envelope fans out to the sender's
// conversation members instead of explicit receivers.
func (e Envelope) ConversationScoped() bool {
	switch e.Type {
	case MsgTyping, MsgStopTyping, MsgConversationUpdated:
		return true
	default:
		return false
	}
}

func decodeAs[T any](e Envelope) (T, error) {
	var p T
	if len(e.Data) == 0 {
		return p, fmt.Errorf("envelope %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return p, fmt.Errorf("envelope %s: %w", e.Type, err)
	}
	return p, nil
}
