package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/carelink/carecall/internal/core"
	"github.com/carelink/carecall/internal/domain"
)

// negotiator drives one SDP offer/answer exchange and owns the media
// resources for it: the acquired local stream and the peer connection.
// close() releases both and is safe to call from any exit path.
type negotiator struct {
	conv   domain.ConversationID
	self   domain.UserID
	peer   domain.UserID
	conn   core.MediaConnection
	stream core.MediaStream
	send   func(domain.Envelope) error

	once sync.Once
}

func newNegotiator(
	conn core.MediaConnection,
	stream core.MediaStream,
	conv domain.ConversationID,
	self, peer domain.UserID,
	send func(domain.Envelope) error,
) *negotiator {
	n := &negotiator{
		conv:   conv,
		self:   self,
		peer:   peer,
		conn:   conn,
		stream: stream,
		send:   send,
	}
	// Trickle ICE: every locally gathered candidate goes out immediately.
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		n.sendCandidate(ci)
	})
	return n
}

// startAsCaller attaches the local tracks, produces the offer and emits it.
func (n *negotiator) startAsCaller(ctx context.Context) error {
	if err := n.conn.Start(ctx); err != nil {
		return fmt.Errorf("start peer connection: %w", err)
	}
	for _, t := range n.stream.Tracks() {
		if err := n.conn.AddLocalTrack(t); err != nil {
			return fmt.Errorf("add local track: %w", err)
		}
	}
	offer, err := n.conn.CreateAndSetOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	return n.sendEnvelope(domain.MsgWebRTCOffer, domain.OfferPayload{SDP: offer.SDP})
}

// startAsCallee attaches local tracks, applies the remote offer and emits
// the answer. When the offer carries no video m-line the video track is left
// unattached so the call degrades to audio-only instead of failing.
func (n *negotiator) startAsCallee(ctx context.Context, offerSDP string) error {
	if err := n.conn.Start(ctx); err != nil {
		return fmt.Errorf("start peer connection: %w", err)
	}
	withVideo := sdpHasVideo(offerSDP)
	for _, t := range n.stream.Tracks() {
		if t.Kind() == webrtc.RTPCodecTypeVideo && !withVideo {
			continue
		}
		if err := n.conn.AddLocalTrack(t); err != nil {
			return fmt.Errorf("add local track: %w", err)
		}
	}
	answer, err := n.conn.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	})
	if err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	return n.sendEnvelope(domain.MsgWebRTCAnswer, domain.AnswerPayload{SDP: answer.SDP})
}

func (n *negotiator) applyAnswer(answerSDP string) error {
	return n.conn.ApplyAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	})
}

func (n *negotiator) addRemoteCandidate(p domain.CandidatePayload) error {
	ci := webrtc.ICECandidateInit{Candidate: p.Candidate}
	if p.SDPMid != "" {
		mid := p.SDPMid
		ci.SDPMid = &mid
	}
	idx := p.SDPMLineIndex
	ci.SDPMLineIndex = &idx
	return n.conn.AddRemoteCandidate(ci)
}

// close stops all local tracks and releases the peer connection. Idempotent;
// called unconditionally whenever the session leaves Connecting/Connected.
func (n *negotiator) close() {
	n.once.Do(func() {
		n.stream.Close()
		n.conn.Close()
	})
}

func (n *negotiator) sendCandidate(ci webrtc.ICECandidateInit) {
	p := domain.CandidatePayload{Candidate: ci.Candidate}
	if ci.SDPMid != nil {
		p.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		p.SDPMLineIndex = *ci.SDPMLineIndex
	}
	if err := n.sendEnvelope(domain.MsgWebRTCICECandidate, p); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("conv", string(n.conv)).Msg("send candidate")
	}
}

func (n *negotiator) sendEnvelope(t domain.MsgType, payload any) error {
	env, err := domain.NewEnvelope(t, n.conv, n.self, []domain.UserID{n.peer}, payload)
	if err != nil {
		return err
	}
	return n.send(env)
}

// sdpHasVideo parses the SDP and reports whether it describes a video track.
func sdpHasVideo(raw string) bool {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("unparseable offer sdp, assuming audio-only")
		return false
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "video" {
			return true
		}
	}
	return false
}
