// Package negotiation drives the media handshake for one call: local
// capture, the peer connection lifecycle, offer/answer/candidate exchange
// through the signaling transport, and the screen-share track swap. A
// Controller serves exactly one call and is never reused.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/duocall/duocall/internal/clock"
	"github.com/duocall/duocall/internal/iceservers"
	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/metrics"
	"github.com/duocall/duocall/internal/signaling"
)

// Role is which side of the handshake this controller plays. The caller
// produces the initial offer; the callee answers it.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

var ErrEnded = errors.New("negotiation: controller already ended")

// Transport is the slice of the signaling client the controller needs.
type Transport interface {
	Emit(kind signaling.Kind, data any) error
	ClientID() string
}

// Callbacks deliver negotiation outcomes back to the session. They are
// invoked from peer connection goroutines, not the caller's.
type Callbacks struct {
	// OnRemoteTrack fires once, when the first remote media track arrives.
	OnRemoteTrack func()
	// OnClosed fires when the peer connection closes underneath us.
	OnClosed func()
	// OnError fires when the peer connection fails terminally.
	OnError func(error)
}

type Config struct {
	Capturer  media.Capturer
	ICE       iceservers.Provider
	Transport Transport
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Clock     clock.Clock

	// PeerCreationDelay is a short deliberate pause between credential
	// fetch and peer construction so signaling delivered during setup does
	// not race a half-built peer.
	PeerCreationDelay time.Duration

	// newPeer overrides peer construction in tests.
	newPeer func(ctx context.Context, servers []webrtc.ICEServer) (peerHandle, error)
}

type Controller struct {
	cfg Config
	log *slog.Logger
	clk clock.Clock
	m   *metrics.Metrics

	mu                sync.Mutex
	callID            string
	role              Role
	cb                Callbacks
	pc                peerHandle
	stream            *media.Stream
	videoSender       trackSender
	screenTrack       media.Track
	sharing           bool
	remoteDescSet     bool
	remoteTrackSeen   bool
	ended             bool
	pendingSignals    []signalBlob
	pendingCandidates []webrtc.ICECandidateInit

	endOnce sync.Once
}

func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.PeerCreationDelay <= 0 {
		cfg.PeerCreationDelay = 100 * time.Millisecond
	}
	c := &Controller{cfg: cfg, log: cfg.Logger, clk: cfg.Clock, m: cfg.Metrics}
	if c.cfg.newPeer == nil {
		c.cfg.newPeer = c.defaultNewPeer
	}
	return c
}

// Start acquires local media, resolves ICE servers, constructs the peer
// and, for the caller role, produces the initial offer. Media failure
// aborts before any signaling is sent.
func (c *Controller) Start(ctx context.Context, role Role, callID string, kind media.Kind, cb Callbacks) error {
	if callID == "" {
		return fmt.Errorf("negotiation: start without call id")
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrEnded
	}
	if c.pc != nil {
		c.mu.Unlock()
		return fmt.Errorf("negotiation: controller already started")
	}
	c.callID = callID
	c.role = role
	c.cb = cb
	c.mu.Unlock()

	stream, err := c.cfg.Capturer.Capture(ctx, kind)
	if err != nil {
		return fmt.Errorf("negotiation: acquire media: %w", err)
	}

	servers, err := c.resolveICE(ctx)
	if err != nil {
		stream.Close()
		return err
	}

	if !c.wait(ctx, c.cfg.PeerCreationDelay) {
		stream.Close()
		return ctx.Err()
	}

	pc, err := c.cfg.newPeer(ctx, servers)
	if err != nil {
		stream.Close()
		return fmt.Errorf("negotiation: create peer: %w", err)
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		pc.Close()
		stream.Close()
		return ErrEnded
	}
	c.pc = pc
	c.stream = stream

	for _, t := range stream.Tracks() {
		sender, err := pc.AddTrack(t.Local())
		if err != nil {
			c.log.Warn("add track failed", "track", t.ID(), "err", err)
			continue
		}
		if t.Kind() == media.KindVideo {
			c.videoSender = sender
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.sendSignal(candidateSignal(cand))
	})
	pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
		c.remoteTrackArrived()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.connectionStateChanged(state)
	})

	queued := c.pendingSignals
	c.pendingSignals = nil
	c.mu.Unlock()

	c.log.Info("negotiation started", "call_id", callID, "role", role,
		"audio", stream.Audio != nil, "video", stream.Video != nil)

	for _, blob := range queued {
		c.apply(blob)
	}

	if role == RoleCaller {
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			return fmt.Errorf("negotiation: create offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("negotiation: set local offer: %w", err)
		}
		c.sendSignal(descriptionSignal(offer))
	}
	return nil
}

func (c *Controller) resolveICE(ctx context.Context) ([]webrtc.ICEServer, error) {
	if c.cfg.ICE == nil {
		return nil, nil
	}
	servers, err := c.cfg.ICE.Servers(ctx)
	if err != nil {
		// A call can still connect over host candidates on friendly
		// networks, so continue without servers rather than abort.
		c.log.Warn("ice server resolution failed", "err", err)
		return nil, nil
	}
	return servers, nil
}

func (c *Controller) defaultNewPeer(_ context.Context, servers []webrtc.ICEServer) (peerHandle, error) {
	api, err := c.cfg.Capturer.API()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}
	return realPeer{pc: pc}, nil
}

// ApplyRemoteSignal routes one inbound negotiation payload. Self-echoed
// envelopes and answers received while already stable are discarded.
// Application failures are logged; the peer's own retry/ignore semantics
// govern recovery.
func (c *Controller) ApplyRemoteSignal(env signaling.NegotiationData) {
	if env.SenderID != "" && env.SenderID == c.cfg.Transport.ClientID() {
		c.m.Inc(metrics.DropsSelfEcho)
		c.log.Debug("dropping self-echoed signal", "call_id", env.CallID)
		return
	}

	blob, err := parseSignal(env.Signal)
	if err != nil {
		c.log.Warn("dropping undecodable signal", "call_id", env.CallID, "err", err)
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	if c.pc == nil {
		// Peer construction still in flight; hold the signal until it
		// exists.
		c.pendingSignals = append(c.pendingSignals, blob)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.apply(blob)
}

func (c *Controller) apply(blob signalBlob) {
	if reply := c.applyLocked(blob); reply != nil {
		c.sendSignal(*reply)
	}
}

// applyLocked performs the state mutation and returns the answer to emit,
// if any. Emission happens outside the lock.
func (c *Controller) applyLocked(blob signalBlob) *signalBlob {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended || c.pc == nil {
		return nil
	}

	if blob.Candidate != nil {
		if !c.remoteDescSet {
			c.pendingCandidates = append(c.pendingCandidates, *blob.Candidate)
			return nil
		}
		if err := c.pc.AddICECandidate(*blob.Candidate); err != nil {
			c.log.Warn("add candidate failed", "err", err)
		}
		return nil
	}

	if blob.Type == signalAnswer && c.pc.SignalingState() == webrtc.SignalingStateStable {
		c.m.Inc(metrics.DropsRedundantAnswer)
		c.log.Debug("dropping redundant answer while stable", "call_id", c.callID)
		return nil
	}

	typ, err := sdpType(blob.Type)
	if err != nil {
		c.log.Warn("dropping signal", "err", err)
		return nil
	}
	desc := webrtc.SessionDescription{Type: typ, SDP: blob.SDP}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		c.log.Warn("set remote description failed", "type", blob.Type, "err", err)
		return nil
	}
	c.remoteDescSet = true

	for _, cand := range c.pendingCandidates {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.log.Warn("add buffered candidate failed", "err", err)
		}
	}
	c.pendingCandidates = nil

	if typ == webrtc.SDPTypeOffer {
		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			c.log.Warn("create answer failed", "err", err)
			return nil
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			c.log.Warn("set local answer failed", "err", err)
			return nil
		}
		reply := descriptionSignal(answer)
		return &reply
	}
	return nil
}

func (c *Controller) sendSignal(blob signalBlob) {
	c.mu.Lock()
	callID := c.callID
	ended := c.ended
	c.mu.Unlock()
	if ended {
		return
	}
	if callID == "" {
		c.m.Inc(metrics.DropsUnroutable)
		c.log.Warn("dropping unroutable negotiation payload")
		return
	}

	raw, err := json.Marshal(blob)
	if err != nil {
		c.log.Warn("encode signal failed", "err", err)
		return
	}
	err = c.cfg.Transport.Emit(signaling.KindNegotiation, signaling.NegotiationData{
		CallID:   callID,
		SenderID: c.cfg.Transport.ClientID(),
		Signal:   raw,
	})
	if err != nil {
		c.log.Warn("emit negotiation payload failed", "err", err)
	}
}

func (c *Controller) remoteTrackArrived() {
	c.mu.Lock()
	seen := c.remoteTrackSeen
	c.remoteTrackSeen = true
	cb := c.cb.OnRemoteTrack
	ended := c.ended
	c.mu.Unlock()
	if ended || seen || cb == nil {
		return
	}
	cb()
}

func (c *Controller) connectionStateChanged(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	ended := c.ended
	cb := c.cb
	c.mu.Unlock()
	if ended {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateFailed:
		if cb.OnError != nil {
			cb.OnError(fmt.Errorf("negotiation: peer connection failed"))
		}
	case webrtc.PeerConnectionStateClosed:
		if cb.OnClosed != nil {
			cb.OnClosed()
		}
	}
}

// ToggleAudio flips the local audio track's enabled flag. No
// renegotiation is needed.
func (c *Controller) ToggleAudio(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil && c.stream.Audio != nil {
		c.stream.Audio.SetEnabled(enabled)
	}
}

// ToggleVideo flips the local camera track's enabled flag.
func (c *Controller) ToggleVideo(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil && c.stream.Video != nil {
		c.stream.Video.SetEnabled(enabled)
	}
}

// Flags reports the current audio/video enabled flags and whether screen
// share is active.
func (c *Controller) Flags() (audio, video, sharing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil && c.stream.Audio != nil {
		audio = c.stream.Audio.Enabled()
	}
	if c.stream != nil && c.stream.Video != nil {
		video = c.stream.Video.Enabled()
	}
	return audio, video, c.sharing
}

// StartScreenShare captures the display and swaps it onto the outgoing
// video sender in place. No renegotiation round-trip is needed because
// track replacement reuses the existing transceiver. When the OS stops
// the capture externally the controller reverts to the camera on its own.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return ErrEnded
	}
	if c.sharing {
		c.mu.Unlock()
		return nil
	}
	sender := c.videoSender
	c.mu.Unlock()

	if sender == nil {
		return media.ErrScreenShareUnsupported
	}

	track, err := c.cfg.Capturer.CaptureDisplay(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.ended || c.sharing {
		c.mu.Unlock()
		track.Close()
		if c.sharing {
			return nil
		}
		return ErrEnded
	}
	if err := sender.ReplaceTrack(track.Local()); err != nil {
		c.mu.Unlock()
		track.Close()
		return fmt.Errorf("negotiation: replace with screen track: %w", err)
	}
	c.screenTrack = track
	c.sharing = true
	c.mu.Unlock()

	track.OnEnded(func(err error) {
		if err != nil {
			c.log.Info("screen capture ended by system", "err", err)
		}
		c.StopScreenShare()
	})
	c.log.Info("screen share started", "call_id", c.callID)
	return nil
}

// StopScreenShare reverts the video sender to the camera track. Safe to
// call when not sharing.
func (c *Controller) StopScreenShare() {
	c.mu.Lock()
	if !c.sharing {
		c.mu.Unlock()
		return
	}
	track := c.screenTrack
	c.screenTrack = nil
	c.sharing = false
	sender := c.videoSender
	var camera webrtc.TrackLocal
	if c.stream != nil && c.stream.Video != nil {
		camera = c.stream.Video.Local()
	}
	c.mu.Unlock()

	if sender != nil {
		if err := sender.ReplaceTrack(camera); err != nil {
			c.log.Warn("revert to camera track failed", "err", err)
		}
	}
	if track != nil {
		track.Close()
	}
	c.log.Info("screen share stopped", "call_id", c.callID)
}

// End tears down the peer, releases every local track, and notifies the
// transport. Idempotent.
func (c *Controller) End() {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.ended = true
		pc := c.pc
		stream := c.stream
		screen := c.screenTrack
		callID := c.callID
		c.screenTrack = nil
		c.sharing = false
		c.mu.Unlock()

		if pc != nil {
			if err := pc.Close(); err != nil {
				c.log.Warn("close peer failed", "err", err)
			}
		}
		if screen != nil {
			screen.Close()
		}
		if stream != nil {
			stream.Close()
		}
		if callID != "" {
			err := c.cfg.Transport.Emit(signaling.KindEnded, signaling.CallRefData{
				CallID: callID,
				By:     c.cfg.Transport.ClientID(),
			})
			if err != nil {
				c.log.Warn("emit ended failed", "call_id", callID, "err", err)
			}
		}
		c.log.Info("negotiation ended", "call_id", callID)
	})
}

// wait sleeps on the injected clock; false when ctx is done first.
func (c *Controller) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	fired := make(chan struct{})
	t := c.clk.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}
