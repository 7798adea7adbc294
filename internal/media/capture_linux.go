//go:build linux

package media

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// deviceCapturer captures via pion/mediadevices: V4L2 cameras, malgo
// microphones, and X11 display capture.
type deviceCapturer struct {
	log      *slog.Logger
	selector *mediadevices.CodecSelector
}

// NewCapturer builds the platform capturer with VP8 video and Opus audio.
func NewCapturer(log *slog.Logger) (Capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}

	return &deviceCapturer{
		log: log,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (c *deviceCapturer) Devices() []DeviceInfo {
	var out []DeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		switch d.Kind {
		case mediadevices.VideoInput:
			out = append(out, DeviceInfo{Kind: KindVideo, Label: d.Label})
		case mediadevices.AudioInput:
			out = append(out, DeviceInfo{Kind: KindAudio, Label: d.Label})
		}
	}
	return out
}

// Capture works down a ladder of constraint sets. GetUserMedia fails as a
// unit when either requested track cannot be opened, so a busy microphone
// must not prevent the camera from working and vice versa. The full set is
// tried twice: audio devices sometimes report an immediately dead track on
// first open and succeed on the retry.
func (c *deviceCapturer) Capture(ctx context.Context, kind Kind) (*Stream, error) {
	wantVideo := kind.WantsVideo() && HasKind(c.Devices(), KindVideo)

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{
		{wantVideo, true, "full"},
		{wantVideo, true, "full-retry"},
	}
	if wantVideo {
		attempts = append(attempts, attempt{true, false, "video-only"})
	}
	attempts = append(attempts, attempt{false, true, "audio-only"})

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
		if a.video {
			constraints.Video = videoConstraints
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			c.log.Warn("capture attempt failed", "attempt", a.label, "err", err)
			continue
		}

		out := &Stream{}
		for _, t := range stream.GetTracks() {
			wrapped := &capturedTrack{t: t, enabled: true}
			switch t.Kind() {
			case webrtc.RTPCodecTypeAudio:
				wrapped.kind = KindAudio
				out.Audio = wrapped
			case webrtc.RTPCodecTypeVideo:
				wrapped.kind = KindVideo
				out.Video = wrapped
			}
		}
		c.log.Info("local media captured", "attempt", a.label,
			"audio", out.Audio != nil, "video", out.Video != nil)
		return out, nil
	}

	return nil, classifyCaptureError(lastErr)
}

// videoConstraints excludes MJPEG; some cameras expose an MJPEG V4L2 node
// that produces malformed frames and poisons the VP8 encoder. Resolution is
// capped to keep encoding latency down.
func videoConstraints(c *mediadevices.MediaTrackConstraints) {
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	c.Width = prop.IntRanged{Max: 640}
	c.Height = prop.IntRanged{Max: 480}
}

func (c *deviceCapturer) CaptureDisplay(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScreenShareDenied, err)
	}
	videos := stream.GetVideoTracks()
	if len(videos) == 0 {
		return nil, ErrScreenShareDenied
	}
	return &capturedTrack{t: videos[0], kind: KindVideo, enabled: true}, nil
}

func (c *deviceCapturer) API() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	c.selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("media: interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not terminate
	// the call. The default disconnected timeout of 5s is too short for
	// relay paths with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.LoggerFactory = newPionLoggerFactory(c.log)
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

func classifyCaptureError(err error) error {
	if err == nil {
		return ErrNoDevice
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission denied") || strings.Contains(msg, "not permitted") {
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	return fmt.Errorf("%w: %v", ErrNoDevice, err)
}

type capturedTrack struct {
	t    mediadevices.Track
	kind Kind

	mu      sync.Mutex
	enabled bool
}

func (c *capturedTrack) ID() string { return c.t.ID() }

func (c *capturedTrack) Kind() Kind { return c.kind }

func (c *capturedTrack) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *capturedTrack) SetEnabled(v bool) {
	c.mu.Lock()
	c.enabled = v
	c.mu.Unlock()
}

func (c *capturedTrack) OnEnded(fn func(error)) { c.t.OnEnded(fn) }

func (c *capturedTrack) Local() webrtc.TrackLocal { return c.t }

func (c *capturedTrack) Close() error { return c.t.Close() }
