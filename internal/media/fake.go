package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// FakeTrack is a test double for Track. End simulates the device dying.
type FakeTrack struct {
	id    string
	kind  Kind
	local webrtc.TrackLocal

	mu      sync.Mutex
	enabled bool
	closed  bool
	onEnded func(error)
}

func NewFakeTrack(id string, kind Kind) *FakeTrack {
	mime := webrtc.MimeTypeOpus
	if kind == KindVideo {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime}, id, "fake")
	if err != nil {
		panic(fmt.Sprintf("media: fake track: %v", err))
	}
	return &FakeTrack{id: id, kind: kind, local: local, enabled: true}
}

func (t *FakeTrack) ID() string { return t.id }
func (t *FakeTrack) Kind() Kind { return t.kind }

func (t *FakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *FakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *FakeTrack) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *FakeTrack) Local() webrtc.TrackLocal { return t.local }

func (t *FakeTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *FakeTrack) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// End fires the registered OnEnded callback, simulating the OS stopping
// the capture.
func (t *FakeTrack) End(err error) {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Fake is an in-memory Capturer for tests.
type Fake struct {
	DeviceList   []DeviceInfo
	CaptureErr   error // returned by the next FailCaptures calls
	FailCaptures int
	DisplayErr   error

	mu       sync.Mutex
	captures int
	streams  []*Stream
	displays []*FakeTrack
}

func NewFake() *Fake {
	return &Fake{DeviceList: []DeviceInfo{
		{Kind: KindAudio, Label: "fake mic"},
		{Kind: KindVideo, Label: "fake cam"},
	}}
}

func (f *Fake) Devices() []DeviceInfo {
	out := make([]DeviceInfo, len(f.DeviceList))
	copy(out, f.DeviceList)
	return out
}

func (f *Fake) Capture(ctx context.Context, kind Kind) (*Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	if f.FailCaptures > 0 {
		f.FailCaptures--
		if f.CaptureErr != nil {
			return nil, f.CaptureErr
		}
		return nil, ErrNoDevice
	}
	if !HasKind(f.DeviceList, KindAudio) && !HasKind(f.DeviceList, KindVideo) {
		return nil, ErrNoDevice
	}

	s := &Stream{}
	if HasKind(f.DeviceList, KindAudio) {
		s.Audio = NewFakeTrack(fmt.Sprintf("audio-%d", f.captures), KindAudio)
	}
	if kind.WantsVideo() && HasKind(f.DeviceList, KindVideo) {
		s.Video = NewFakeTrack(fmt.Sprintf("video-%d", f.captures), KindVideo)
	}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *Fake) CaptureDisplay(ctx context.Context) (Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DisplayErr != nil {
		return nil, f.DisplayErr
	}
	t := NewFakeTrack(fmt.Sprintf("screen-%d", len(f.displays)+1), KindVideo)
	f.displays = append(f.displays, t)
	return t, nil
}

func (f *Fake) API() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

// Captures reports how many Capture calls were made, including failed
// ones.
func (f *Fake) Captures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

// LastStream returns the most recently captured stream.
func (f *Fake) LastStream() *Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

// LastDisplay returns the most recently captured display track.
func (f *Fake) LastDisplay() *FakeTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.displays) == 0 {
		return nil
	}
	return f.displays[len(f.displays)-1]
}
