package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/duocall/duocall/internal/clock"
	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/metrics"
	"github.com/duocall/duocall/internal/negotiation"
	"github.com/duocall/duocall/internal/signaling"
)

type emittedFrame struct {
	kind signaling.Kind
	data any
}

type sessTransport struct {
	mu       sync.Mutex
	clientID string
	frames   []emittedFrame
	handlers map[signaling.Kind][]signaling.Handler

	initiateCallID  string
	initiateErr     error
	initiateStarted chan struct{}
	initiateRelease chan struct{}
}

func newSessTransport() *sessTransport {
	return &sessTransport{
		clientID:       "me",
		handlers:       make(map[signaling.Kind][]signaling.Handler),
		initiateCallID: "call-1",
	}
}

func (t *sessTransport) Emit(kind signaling.Kind, data any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, emittedFrame{kind: kind, data: data})
	return nil
}

func (t *sessTransport) ClientID() string { return t.clientID }

func (t *sessTransport) Initiate(context.Context, string, media.Kind) (string, error) {
	t.mu.Lock()
	started := t.initiateStarted
	t.initiateStarted = nil
	release := t.initiateRelease
	err := t.initiateErr
	callID := t.initiateCallID
	t.mu.Unlock()
	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return "", err
	}
	return callID, nil
}

func (t *sessTransport) Subscribe(kind signaling.Kind, h signaling.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[kind] = append(t.handlers[kind], h)
}

// deliver injects a frame as if it arrived from the relay.
func (t *sessTransport) deliver(tb testing.TB, kind signaling.Kind, data any) {
	tb.Helper()
	frame, err := signaling.NewFrame(kind, data)
	if err != nil {
		tb.Fatalf("NewFrame: %v", err)
	}
	t.mu.Lock()
	hs := append([]signaling.Handler(nil), t.handlers[kind]...)
	t.mu.Unlock()
	for _, h := range hs {
		h(frame)
	}
}

func (t *sessTransport) emitted(kind signaling.Kind) []emittedFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []emittedFrame
	for _, f := range t.frames {
		if f.kind == kind {
			out = append(out, f)
		}
	}
	return out
}

type sessController struct {
	mu      sync.Mutex
	started chan struct{}

	role     negotiation.Role
	callID   string
	cb       negotiation.Callbacks
	startErr error
	ended    bool
	applied  []signaling.NegotiationData

	audio, video, sharing bool
}

func newSessController() *sessController {
	return &sessController{started: make(chan struct{}), audio: true, video: true}
}

func (c *sessController) Start(_ context.Context, role negotiation.Role, callID string, _ media.Kind, cb negotiation.Callbacks) error {
	c.mu.Lock()
	c.role = role
	c.callID = callID
	c.cb = cb
	err := c.startErr
	c.mu.Unlock()
	close(c.started)
	return err
}

func (c *sessController) ApplyRemoteSignal(env signaling.NegotiationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = append(c.applied, env)
}

func (c *sessController) ToggleAudio(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = v
}

func (c *sessController) ToggleVideo(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.video = v
}

func (c *sessController) StartScreenShare(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sharing = true
	return nil
}

func (c *sessController) StopScreenShare() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sharing = false
}

func (c *sessController) Flags() (bool, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio, c.video, c.sharing
}

func (c *sessController) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = true
}

func (c *sessController) isEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *sessController) appliedSignals() []signaling.NegotiationData {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signaling.NegotiationData, len(c.applied))
	copy(out, c.applied)
	return out
}

type sessHarness struct {
	e     *Engine
	clk   *clock.Fake
	tr    *sessTransport
	m     *metrics.Metrics
	mu    sync.Mutex
	ctrls []*sessController
}

func newSessHarness(t *testing.T) *sessHarness {
	t.Helper()
	h := &sessHarness{
		clk: clock.NewFake(time.Unix(1_700_000_000, 0)),
		tr:  newSessTransport(),
		m:   metrics.New(),
	}
	h.e = New(Config{
		Transport: h.tr,
		NewController: func() Controller {
			c := newSessController()
			h.mu.Lock()
			h.ctrls = append(h.ctrls, c)
			h.mu.Unlock()
			return c
		},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: h.m,
		Clock:   h.clk,
	})
	h.e.Run()
	t.Cleanup(h.e.Close)
	return h
}

func (h *sessHarness) settle() {
	_ = h.e.call(func() error { return nil })
}

func (h *sessHarness) advance(d time.Duration) {
	h.clk.Advance(d)
	h.settle()
}

func (h *sessHarness) waitPhase(t *testing.T, want Phase) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := h.e.Snapshot(); snap.Phase == want {
			return snap
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("phase=%q, want %q", h.e.Snapshot().Phase, want)
	return Snapshot{}
}

func (h *sessHarness) waitCallID(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.e.Snapshot().CallID == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("callID=%q, want %q", h.e.Snapshot().CallID, want)
}

func (h *sessHarness) controller(t *testing.T) *sessController {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		n := len(h.ctrls)
		var c *sessController
		if n > 0 {
			c = h.ctrls[n-1]
		}
		h.mu.Unlock()
		if c != nil {
			select {
			case <-c.started:
				return c
			default:
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("controller never started")
	return nil
}

// placeAndAccept drives an outgoing call to Connected.
func (h *sessHarness) placeAndAccept(t *testing.T) *sessController {
	t.Helper()
	if err := h.e.PlaceCall(context.Background(), "peer-1", media.KindVideo); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	h.waitCallID(t, "call-1")
	h.tr.deliver(t, signaling.KindAccepted, signaling.CallRefData{CallID: "call-1", By: "peer-1"})
	h.waitPhase(t, PhaseNegotiating)
	ctrl := h.controller(t)
	ctrl.cb.OnRemoteTrack()
	h.waitPhase(t, PhaseConnected)
	return ctrl
}

func TestOutgoingCallHappyPath(t *testing.T) {
	h := newSessHarness(t)

	if err := h.e.PlaceCall(context.Background(), "peer-1", media.KindVideo); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	snap := h.e.Snapshot()
	if snap.Phase != PhaseRingingOut || !snap.Outgoing {
		t.Fatalf("snapshot=%+v, want outgoing ringing", snap)
	}
	h.waitCallID(t, "call-1")

	h.tr.deliver(t, signaling.KindAccepted, signaling.CallRefData{CallID: "call-1", By: "peer-1"})
	h.waitPhase(t, PhaseNegotiating)

	ctrl := h.controller(t)
	if ctrl.role != negotiation.RoleCaller || ctrl.callID != "call-1" {
		t.Fatalf("controller role=%q callID=%q, want caller/call-1", ctrl.role, ctrl.callID)
	}

	ctrl.cb.OnRemoteTrack()
	h.waitPhase(t, PhaseConnected)
	if h.m.Get(metrics.CallsConnected) != 1 {
		t.Fatalf("CallsConnected=%d, want 1", h.m.Get(metrics.CallsConnected))
	}

	for i := 0; i < 3; i++ {
		h.advance(time.Second)
	}
	if got := h.e.Snapshot().Duration; got != 3*time.Second {
		t.Fatalf("Duration=%v, want 3s", got)
	}
}

func TestPlaceCallWhileBusy(t *testing.T) {
	h := newSessHarness(t)
	h.placeAndAccept(t)

	err := h.e.PlaceCall(context.Background(), "peer-2", media.KindAudio)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err=%v, want ErrBusy", err)
	}
}

func TestOutgoingDeclined(t *testing.T) {
	h := newSessHarness(t)
	if err := h.e.PlaceCall(context.Background(), "peer-1", media.KindAudio); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	h.waitCallID(t, "call-1")

	h.tr.deliver(t, signaling.KindDeclined, signaling.CallRefData{CallID: "call-1", By: "peer-1"})
	snap := h.waitPhase(t, PhaseDeclined)
	if snap.Reason != "declined by peer" {
		t.Fatalf("reason=%q", snap.Reason)
	}
	if h.m.Get(metrics.CallsDeclined) != 1 {
		t.Fatalf("CallsDeclined=%d, want 1", h.m.Get(metrics.CallsDeclined))
	}

	// Display grace holds the Declined state briefly, then resets.
	h.advance(2 * time.Second)
	h.waitPhase(t, PhaseIdle)
}

func TestOutgoingRingTimeout(t *testing.T) {
	h := newSessHarness(t)
	if err := h.e.PlaceCall(context.Background(), "peer-1", media.KindAudio); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	h.waitCallID(t, "call-1")

	h.advance(30 * time.Second)
	snap := h.waitPhase(t, PhaseEnded)
	if snap.Reason != "no answer" {
		t.Fatalf("reason=%q, want no answer", snap.Reason)
	}
	if h.m.Get(metrics.RingTimeouts) != 1 {
		t.Fatalf("RingTimeouts=%d, want 1", h.m.Get(metrics.RingTimeouts))
	}
	if len(h.tr.emitted(signaling.KindEnded)) != 1 {
		t.Fatalf("ended frames=%d, want 1 (callee must stop ringing)", len(h.tr.emitted(signaling.KindEnded)))
	}

	h.advance(2 * time.Second)
	h.waitPhase(t, PhaseIdle)
}

func TestInitiateFailureLeavesIdle(t *testing.T) {
	h := newSessHarness(t)
	h.tr.initiateErr = signaling.ErrInviteTimeout

	err := h.e.PlaceCall(context.Background(), "peer-1", media.KindAudio)
	if !errors.Is(err, signaling.ErrInviteTimeout) {
		t.Fatalf("PlaceCall err=%v, want ErrInviteTimeout", err)
	}

	// No session was created: the phase never left Idle and nothing
	// terminal lingers for the grace timer to clean up.
	h.settle()
	snap := h.e.Snapshot()
	if snap.Phase != PhaseIdle || snap.CallID != "" {
		t.Fatalf("snapshot=%+v, want untouched idle", snap)
	}
	if n := len(h.tr.emitted(signaling.KindEnded)); n != 0 {
		t.Fatalf("ended frames=%d, want 0", n)
	}
	if h.m.Get(metrics.CallsStarted) != 0 || h.m.Get(metrics.CallsEnded) != 0 {
		t.Fatalf("CallsStarted=%d CallsEnded=%d, want 0/0",
			h.m.Get(metrics.CallsStarted), h.m.Get(metrics.CallsEnded))
	}

	// The failed attempt must not leave the session reserved.
	h.tr.mu.Lock()
	h.tr.initiateErr = nil
	h.tr.mu.Unlock()
	if err := h.e.PlaceCall(context.Background(), "peer-1", media.KindAudio); err != nil {
		t.Fatalf("PlaceCall after failure: %v", err)
	}
	h.waitPhase(t, PhaseRingingOut)
}

func TestPlaceCallReservesSessionDuringInitiate(t *testing.T) {
	h := newSessHarness(t)
	h.tr.initiateStarted = make(chan struct{})
	h.tr.initiateRelease = make(chan struct{})

	placed := make(chan error, 1)
	go func() {
		placed <- h.e.PlaceCall(context.Background(), "peer-1", media.KindVideo)
	}()
	<-h.tr.initiateStarted

	// The relay has not acknowledged yet: no ringing state is visible,
	// but the session already counts as busy.
	if got := h.e.Snapshot().Phase; got != PhaseIdle {
		t.Fatalf("phase=%q during placement, want idle", got)
	}
	if err := h.e.PlaceCall(context.Background(), "peer-2", media.KindAudio); !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent PlaceCall err=%v, want ErrBusy", err)
	}
	h.tr.deliver(t, signaling.KindInvite, signaling.InviteData{
		CallID: "call-9", From: &signaling.Contact{ID: "peer-3"}, MediaKind: media.KindAudio,
	})
	h.settle()
	declines := h.tr.emitted(signaling.KindDeclined)
	if len(declines) != 1 || declines[0].data.(signaling.CallRefData).CallID != "call-9" {
		t.Fatalf("declines=%+v, want busy decline for call-9", declines)
	}

	close(h.tr.initiateRelease)
	if err := <-placed; err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	snap := h.waitPhase(t, PhaseRingingOut)
	if snap.CallID != "call-1" {
		t.Fatalf("callID=%q, want call-1", snap.CallID)
	}
}

func TestIncomingAcceptFlow(t *testing.T) {
	h := newSessHarness(t)

	h.tr.deliver(t, signaling.KindInvite, signaling.InviteData{
		CallID:    "call-7",
		From:      &signaling.Contact{ID: "peer-2", FullName: "Ada"},
		MediaKind: media.KindVideo,
	})
	snap := h.waitPhase(t, PhaseRingingIn)
	if snap.Peer.ID != "peer-2" || snap.Outgoing {
		t.Fatalf("snapshot=%+v, want incoming from peer-2", snap)
	}
	if h.m.Get(metrics.CallsIncoming) != 1 {
		t.Fatalf("CallsIncoming=%d, want 1", h.m.Get(metrics.CallsIncoming))
	}

	if err := h.e.AcceptCall(); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	if len(h.tr.emitted(signaling.KindAccepted)) != 1 {
		t.Fatalf("accepted not emitted")
	}
	h.waitPhase(t, PhaseNegotiating)

	ctrl := h.controller(t)
	if ctrl.role != negotiation.RoleCallee || ctrl.callID != "call-7" {
		t.Fatalf("controller role=%q callID=%q, want callee/call-7", ctrl.role, ctrl.callID)
	}

	ctrl.cb.OnRemoteTrack()
	h.waitPhase(t, PhaseConnected)
}

func TestIncomingDecline(t *testing.T) {
	h := newSessHarness(t)
	h.tr.deliver(t, signaling.KindInvite, signaling.InviteData{
		CallID: "call-7", From: &signaling.Contact{ID: "peer-2"}, MediaKind: media.KindAudio,
	})
	h.waitPhase(t, PhaseRingingIn)

	if err := h.e.DeclineCall(); err != nil {
		t.Fatalf("DeclineCall: %v", err)
	}
	h.waitPhase(t, PhaseIdle)

	declines := h.tr.emitted(signaling.KindDeclined)
	if len(declines) != 1 {
		t.Fatalf("declined frames=%d, want 1", len(declines))
	}
	ref := declines[0].data.(signaling.CallRefData)
	if ref.CallID != "call-7" || ref.By != "me" {
		t.Fatalf("declined=%+v", ref)
	}
}

func TestIncomingAutoDismissIsSilent(t *testing.T) {
	h := newSessHarness(t)
	h.tr.deliver(t, signaling.KindInvite, signaling.InviteData{
		CallID: "call-7", From: &signaling.Contact{ID: "peer-2"}, MediaKind: media.KindAudio,
	})
	h.waitPhase(t, PhaseRingingIn)

	h.advance(30 * time.Second)
	h.waitPhase(t, PhaseIdle)

	// The unanswered incoming call dismisses locally without notifying
	// the caller; their own ring timer covers their side.
	if n := len(h.tr.emitted(signaling.KindDeclined)); n != 0 {
		t.Fatalf("declined frames=%d, want 0", n)
	}
	if n := len(h.tr.emitted(signaling.KindEnded)); n != 0 {
		t.Fatalf("ended frames=%d, want 0", n)
	}
	if h.m.Get(metrics.RingTimeouts) != 1 {
		t.Fatalf("RingTimeouts=%d, want 1", h.m.Get(metrics.RingTimeouts))
	}
}

func TestConnectTimeout(t *testing.T) {
	h := newSessHarness(t)
	if err := h.e.PlaceCall(context.Background(), "peer-1", media.KindAudio); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	h.waitCallID(t, "call-1")
	h.tr.deliver(t, signaling.KindAccepted, signaling.CallRefData{CallID: "call-1"})
	h.waitPhase(t, PhaseNegotiating)
	ctrl := h.controller(t)

	h.advance(30 * time.Second)
	snap := h.waitPhase(t, PhaseEnded)
	if snap.Reason != "negotiation timed out" {
		t.Fatalf("reason=%q", snap.Reason)
	}
	if !ctrl.isEnded() {
		t.Fatalf("controller not torn down")
	}
	if h.m.Get(metrics.ConnectTimeouts) != 1 {
		t.Fatalf("ConnectTimeouts=%d, want 1", h.m.Get(metrics.ConnectTimeouts))
	}
}

func TestNegotiationPayloadRouting(t *testing.T) {
	h := newSessHarness(t)
	ctrl := h.placeAndAccept(t)

	h.tr.deliver(t, signaling.KindNegotiation, signaling.NegotiationData{
		CallID: "call-1", SenderID: "peer-1", Signal: []byte(`{"type":"offer","sdp":"v=0"}`),
	})
	h.settle()
	if len(ctrl.appliedSignals()) != 1 {
		t.Fatalf("applied=%d, want 1", len(ctrl.appliedSignals()))
	}

	// Envelope for a different call id never reaches the controller.
	h.tr.deliver(t, signaling.KindNegotiation, signaling.NegotiationData{
		CallID: "call-9", SenderID: "peer-1", Signal: []byte(`{"type":"offer","sdp":"v=0"}`),
	})
	h.settle()
	if len(ctrl.appliedSignals()) != 1 {
		t.Fatalf("stale-call payload was applied")
	}
	if h.m.Get(metrics.DropsStaleCallID) != 1 {
		t.Fatalf("DropsStaleCallID=%d, want 1", h.m.Get(metrics.DropsStaleCallID))
	}
}

func TestRemoteEnded(t *testing.T) {
	h := newSessHarness(t)
	ctrl := h.placeAndAccept(t)

	h.tr.deliver(t, signaling.KindEnded, signaling.CallRefData{CallID: "call-1", By: "peer-1"})
	snap := h.waitPhase(t, PhaseEnded)
	if snap.Reason != "ended by peer" {
		t.Fatalf("reason=%q", snap.Reason)
	}
	if !ctrl.isEnded() {
		t.Fatalf("controller not torn down")
	}

	h.advance(2 * time.Second)
	h.waitPhase(t, PhaseIdle)
}

func TestEndCallIdempotent(t *testing.T) {
	h := newSessHarness(t)
	ctrl := h.placeAndAccept(t)

	h.e.EndCall()
	h.e.EndCall()
	h.settle()

	h.waitPhase(t, PhaseEnded)
	if !ctrl.isEnded() {
		t.Fatalf("controller not torn down")
	}
	if h.m.Get(metrics.CallsEnded) != 1 {
		t.Fatalf("CallsEnded=%d, want 1", h.m.Get(metrics.CallsEnded))
	}
}

func TestConnectionLostForceEndsCall(t *testing.T) {
	h := newSessHarness(t)
	ctrl := h.placeAndAccept(t)

	h.tr.deliver(t, signaling.KindConnectionLost, nil)
	snap := h.waitPhase(t, PhaseEnded)
	if snap.Reason != "connection lost" {
		t.Fatalf("reason=%q", snap.Reason)
	}
	if !ctrl.isEnded() {
		t.Fatalf("local media not released on transport loss")
	}
}

func TestInviteWhileBusyIsDeclined(t *testing.T) {
	h := newSessHarness(t)
	h.placeAndAccept(t)

	h.tr.deliver(t, signaling.KindInvite, signaling.InviteData{
		CallID: "call-9", From: &signaling.Contact{ID: "peer-3"}, MediaKind: media.KindAudio,
	})
	h.settle()

	if h.e.Snapshot().Phase != PhaseConnected {
		t.Fatalf("active call disturbed by busy invite")
	}
	declines := h.tr.emitted(signaling.KindDeclined)
	if len(declines) != 1 || declines[0].data.(signaling.CallRefData).CallID != "call-9" {
		t.Fatalf("declines=%+v, want busy decline for call-9", declines)
	}
}

func TestLateAcceptedAfterResetDropped(t *testing.T) {
	h := newSessHarness(t)
	if err := h.e.PlaceCall(context.Background(), "peer-1", media.KindAudio); err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	h.waitCallID(t, "call-1")
	h.advance(30 * time.Second) // ring timeout → Ended
	h.advance(2 * time.Second)  // grace → Idle
	h.waitPhase(t, PhaseIdle)

	h.tr.deliver(t, signaling.KindAccepted, signaling.CallRefData{CallID: "call-1", By: "peer-1"})
	h.settle()
	if h.e.Snapshot().Phase != PhaseIdle {
		t.Fatalf("late accepted resurrected the call")
	}
	if h.m.Get(metrics.DropsStaleCallID) == 0 {
		t.Fatalf("late accepted not counted as stale")
	}
}

func TestTogglesUpdateSnapshot(t *testing.T) {
	h := newSessHarness(t)
	h.placeAndAccept(t)

	if err := h.e.ToggleAudio(false); err != nil {
		t.Fatalf("ToggleAudio: %v", err)
	}
	snap := h.e.Snapshot()
	if snap.AudioEnabled || !snap.VideoEnabled {
		t.Fatalf("snapshot=%+v, want audio muted, video on", snap)
	}

	if err := h.e.StartScreenShare(context.Background()); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	h.settle()
	if !h.e.Snapshot().ScreenSharing {
		t.Fatalf("screen sharing flag not published")
	}
}

func TestIntentsWithoutActiveCall(t *testing.T) {
	h := newSessHarness(t)
	if err := h.e.AcceptCall(); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("AcceptCall err=%v, want ErrNoActiveCall", err)
	}
	if err := h.e.DeclineCall(); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("DeclineCall err=%v, want ErrNoActiveCall", err)
	}
	if err := h.e.ToggleAudio(false); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("ToggleAudio err=%v, want ErrNoActiveCall", err)
	}
	if err := h.e.StartScreenShare(context.Background()); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("StartScreenShare err=%v, want ErrNoActiveCall", err)
	}
}

func TestDurationResetBetweenCalls(t *testing.T) {
	h := newSessHarness(t)
	h.placeAndAccept(t)
	h.advance(time.Second)
	if h.e.Snapshot().Duration != time.Second {
		t.Fatalf("Duration=%v, want 1s", h.e.Snapshot().Duration)
	}

	h.e.EndCall()
	h.waitPhase(t, PhaseEnded)
	h.advance(2 * time.Second)
	h.waitPhase(t, PhaseIdle)
	if h.e.Snapshot().Duration != 0 {
		t.Fatalf("Duration=%v after reset, want 0", h.e.Snapshot().Duration)
	}
}
