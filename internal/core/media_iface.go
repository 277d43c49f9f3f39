package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaConnection wraps one peer connection for a single call session.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close stops the underlying peer connection. Idempotent.
	Close()
	// AddLocalTrack attaches a local capture track before negotiation.
	AddLocalTrack(track webrtc.TrackLocal) error
	// CreateAndSetOffer produces the caller-side SDP.
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// ApplyOfferAndCreateAnswer produces the callee-side SDP.
	ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// ApplyAnswer completes the caller-side exchange.
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddRemoteCandidate applies a remote ICE candidate, buffering it when
	// the remote description has not been set yet.
	AddRemoteCandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a remote media track arrives.
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnClosed sets a callback fired when the connection fails or closes.
	OnClosed(func())
}

// MediaStream is a set of acquired local capture tracks.
// Close must release the devices on every exit path.
type MediaStream interface {
	Tracks() []webrtc.TrackLocal
	Close()
}

// MediaSource acquires mic (and camera, for video calls) exclusively for one
// session at a time. Acquisition is the only blocking step in call setup.
type MediaSource interface {
	Acquire(ctx context.Context, withVideo bool) (MediaStream, error)
}
