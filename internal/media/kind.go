// Package media owns local capture: microphone/camera acquisition, track
// enable flags, and display capture for screen sharing. The capture path is
// platform-gated; non-linux builds compile a stub so the rest of the engine
// stays portable.
package media

import "fmt"

// Kind selects what the caller asked for. A video call on a machine without
// a camera degrades to audio-only capture but keeps its Kind.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindAudio:
		return KindAudio, nil
	case KindVideo:
		return KindVideo, nil
	default:
		return "", fmt.Errorf("unknown media kind %q", raw)
	}
}

func (k Kind) WantsVideo() bool { return k == KindVideo }
