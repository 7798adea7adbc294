//go:build !linux

package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// stubCapturer is the non-linux build. Hardware capture needs the
// platform drivers, so calls on these builds run receive-only.
type stubCapturer struct {
	log *slog.Logger
}

func NewCapturer(log *slog.Logger) (Capturer, error) {
	return &stubCapturer{log: log}, nil
}

func (c *stubCapturer) Devices() []DeviceInfo { return nil }

func (c *stubCapturer) Capture(context.Context, Kind) (*Stream, error) {
	return nil, ErrNoDevice
}

func (c *stubCapturer) CaptureDisplay(context.Context) (Track, error) {
	return nil, ErrScreenShareUnsupported
}

func (c *stubCapturer) API() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("media: codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("media: interceptors: %w", err)
	}
	se := webrtc.SettingEngine{}
	se.LoggerFactory = newPionLoggerFactory(c.log)
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}
