//go:build linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/carelink/carecall/internal/core"
)

// Source captures local media through pion/mediadevices.
type Source struct {
	selector *mediadevices.CodecSelector
	api      *webrtc.API
}

// NewSource builds the VP8+Opus codec selector and a webrtc API whose media
// engine knows those codecs; peer connections carrying captured tracks must
// come from this API.
func NewSource() (*Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	engine := &webrtc.MediaEngine{}
	selector.Populate(engine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return &Source{
		selector: selector,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(engine),
			webrtc.WithInterceptorRegistry(registry),
		),
	}, nil
}

// API returns the webrtc API that understands the capture codecs.
func (s *Source) API() *webrtc.API { return s.api }

// Acquire opens mic (and camera for video calls). A missing or busy camera
// degrades a video call to audio-only rather than failing it outright.
func (s *Source) Acquire(ctx context.Context, withVideo bool) (core.MediaStream, error) {
	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{false, "audio-only"}}
	if withVideo {
		attempts = []attempt{{true, "video+audio"}, {false, "audio-only"}}
	}

	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		constraints := mediadevices.MediaStreamConstraints{
			Codec: s.selector,
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: MJPEG camera nodes can emit malformed
				// frames that poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn().Err(err).Str("module", "media").Str("attempt", a.label).Msg("GetUserMedia failed")
			continue
		}
		tracks := stream.GetTracks()
		log.Info().Str("module", "media").Str("attempt", a.label).Int("tracks", len(tracks)).Msg("local media captured")
		return &deviceStream{tracks: tracks}, nil
	}
	return nil, ErrUnavailable
}

type deviceStream struct {
	tracks []mediadevices.Track
}

func (d *deviceStream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(d.tracks))
	for _, t := range d.tracks {
		out = append(out, t)
	}
	return out
}

func (d *deviceStream) Close() {
	for _, t := range d.tracks {
		if err := t.Close(); err != nil {
			log.Warn().Err(err).Str("module", "media").Msg("track close")
		}
	}
}
