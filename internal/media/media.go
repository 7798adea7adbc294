package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// DeviceInfo describes one attached capture device.
type DeviceInfo struct {
	Kind  Kind
	Label string
}

// Track is one local capture track. SetEnabled is a soft mute flag; the
// negotiation layer consults it to decide whether the track's media is
// actually fed to the peer connection.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(bool)
	// OnEnded fires when the device stops producing, for example when the
	// camera is unplugged or display capture is stopped by the OS.
	OnEnded(func(error))
	// Local exposes the track for AddTrack and ReplaceTrack.
	Local() webrtc.TrackLocal
	Close() error
}

// Stream is the result of one capture: at most one audio and one video
// track. A video call on a camera-less machine has Video nil.
type Stream struct {
	Audio Track
	Video Track
}

func (s *Stream) Tracks() []Track {
	var out []Track
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

func (s *Stream) Close() {
	for _, t := range s.Tracks() {
		_ = t.Close()
	}
}

// Capturer owns device access. Implementations are platform-gated; tests
// use Fake.
type Capturer interface {
	// Devices enumerates attached capture hardware.
	Devices() []DeviceInfo
	// Capture acquires microphone and, when kind wants it and a camera
	// exists, camera tracks. A video request degrades to audio-only rather
	// than failing when no camera is attached.
	Capture(ctx context.Context, kind Kind) (*Stream, error)
	// CaptureDisplay acquires a display capture track for screen sharing.
	CaptureDisplay(ctx context.Context) (Track, error)
	// API builds the webrtc API whose media engine matches the codecs this
	// capturer encodes with. Peer connections must come from it or the
	// captured tracks cannot be negotiated.
	API() (*webrtc.API, error)
}

// HasKind reports whether devices contain one of the given kind.
func HasKind(devices []DeviceInfo, kind Kind) bool {
	for _, d := range devices {
		if d.Kind == kind {
			return true
		}
	}
	return false
}
