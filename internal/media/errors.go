package media

import "errors"

var (
	ErrNoDevice               = errors.New("media: no capture device available")
	ErrPermission             = errors.New("media: capture permission denied")
	ErrScreenShareUnsupported = errors.New("media: screen capture not supported on this platform")
	ErrScreenShareDenied      = errors.New("media: screen capture denied")
)
