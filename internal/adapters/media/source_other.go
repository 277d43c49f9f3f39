//go:build !linux

package media

import (
	"context"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/carelink/carecall/internal/core"
)

// Source has no capture drivers off Linux; Acquire always fails and the
// session reports a media error instead of placing the call.
type Source struct {
	api *webrtc.API
}

func NewSource() (*Source, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return &Source{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(engine),
			webrtc.WithInterceptorRegistry(registry),
		),
	}, nil
}

func (s *Source) API() *webrtc.API { return s.api }

func (s *Source) Acquire(_ context.Context, _ bool) (core.MediaStream, error) {
	return nil, ErrUnavailable
}
