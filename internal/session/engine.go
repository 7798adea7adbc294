package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/duocall/duocall/internal/clock"
	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/metrics"
	"github.com/duocall/duocall/internal/negotiation"
	"github.com/duocall/duocall/internal/signaling"
)

// Transport is the slice of the signaling client the engine consumes.
type Transport interface {
	Emit(kind signaling.Kind, data any) error
	ClientID() string
	Initiate(ctx context.Context, peerID string, kind media.Kind) (string, error)
	Subscribe(kind signaling.Kind, h signaling.Handler)
}

// Controller is one call's negotiation controller. A fresh instance is
// created on every entry into Negotiating and never reused.
type Controller interface {
	Start(ctx context.Context, role negotiation.Role, callID string, kind media.Kind, cb negotiation.Callbacks) error
	ApplyRemoteSignal(signaling.NegotiationData)
	ToggleAudio(bool)
	ToggleVideo(bool)
	StartScreenShare(context.Context) error
	StopScreenShare()
	Flags() (audio, video, sharing bool)
	End()
}

type Config struct {
	Transport     Transport
	NewController func() Controller
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	Clock         clock.Clock

	RingTimeout    time.Duration // default 30s
	ConnectTimeout time.Duration // default 30s
	TerminalGrace  time.Duration // default 2s

	// OnSnapshot receives every published state change, on the engine
	// goroutine. Must not block.
	OnSnapshot func(Snapshot)
}

// Engine serializes every transition, timer firing, and transport or
// negotiation callback onto one event queue. All session state below the
// queue is touched only by the run goroutine.
type Engine struct {
	cfg Config
	log *slog.Logger
	clk clock.Clock
	m   *metrics.Metrics

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Run-goroutine state. gen invalidates timer and continuation
	// closures from a previous call after a reset.
	gen      uint64
	placing  bool
	phase    Phase
	callID   string
	peer     signaling.Contact
	kind     media.Kind
	outgoing bool
	reason   string
	duration time.Duration
	ctrl     Controller

	ringTimer    clock.Timer
	connectTimer clock.Timer
	graceTimer   clock.Timer
	tickTimer    clock.Timer

	snapMu sync.Mutex
	snap   Snapshot
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.TerminalGrace <= 0 {
		cfg.TerminalGrace = 2 * time.Second
	}
	e := &Engine{
		cfg:    cfg,
		log:    cfg.Logger,
		clk:    cfg.Clock,
		m:      cfg.Metrics,
		events: make(chan func(), 128),
		done:   make(chan struct{}),
		phase:  PhaseIdle,
	}
	e.snap = Snapshot{Phase: PhaseIdle}
	return e
}

// Run subscribes to transport events and starts the event loop. Call once.
func (e *Engine) Run() {
	t := e.cfg.Transport
	t.Subscribe(signaling.KindInvite, func(f signaling.Frame) {
		inv, err := f.Invite()
		if err != nil {
			return
		}
		e.post(func() { e.onInvite(inv) })
	})
	for _, kind := range []signaling.Kind{signaling.KindAccepted, signaling.KindDeclined, signaling.KindEnded} {
		kind := kind
		t.Subscribe(kind, func(f signaling.Frame) {
			ref, err := f.CallRef()
			if err != nil {
				return
			}
			e.post(func() { e.onCallRef(kind, ref) })
		})
	}
	t.Subscribe(signaling.KindNegotiation, func(f signaling.Frame) {
		env, err := f.Negotiation()
		if err != nil {
			return
		}
		e.post(func() { e.onNegotiation(env) })
	})
	t.Subscribe(signaling.KindConnectionLost, func(signaling.Frame) {
		e.post(e.onConnectionLost)
	})

	go e.loop()
}

func (e *Engine) loop() {
	for {
		select {
		case fn := <-e.events:
			fn()
		case <-e.done:
			return
		}
	}
}

// Close ends any active call and stops the loop. Idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		fin := make(chan struct{})
		e.post(func() {
			e.endCurrent("shutting down")
			close(fin)
		})
		select {
		case <-fin:
		case <-time.After(5 * time.Second):
		}
		close(e.done)
	})
}

func (e *Engine) post(fn func()) {
	select {
	case e.events <- fn:
	case <-e.done:
	}
}

// call runs fn on the engine goroutine and waits for its result.
func (e *Engine) call(fn func() error) error {
	errc := make(chan error, 1)
	e.post(func() { errc <- fn() })
	select {
	case err := <-errc:
		return err
	case <-e.done:
		return ErrClosed
	}
}

// Snapshot returns the last published state.
func (e *Engine) Snapshot() Snapshot {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return e.snap
}

// PlaceCall starts an outgoing call. The relay round-trip that assigns the
// call id completes before the session leaves Idle: when the relay never
// acknowledges the invite, PlaceCall returns the error and no session is
// created. While the round-trip is in flight the session counts as busy, so
// a second PlaceCall fails with ErrBusy and inbound invites are declined.
func (e *Engine) PlaceCall(ctx context.Context, peerID string, kind media.Kind) error {
	if peerID == "" {
		return fmt.Errorf("session: place call without peer id")
	}
	if err := e.call(func() error {
		if e.placing || e.phase != PhaseIdle {
			return ErrBusy
		}
		e.placing = true
		return nil
	}); err != nil {
		return err
	}

	callID, err := e.cfg.Transport.Initiate(ctx, peerID, kind)
	if err != nil {
		e.log.Warn("call initiation failed", "peer", peerID, "err", err)
		release := e.call(func() error {
			e.placing = false
			return nil
		})
		if release != nil && release != ErrClosed {
			return release
		}
		return fmt.Errorf("session: placing call to %s: %w", peerID, err)
	}

	return e.call(func() error {
		e.placing = false
		if e.phase != PhaseIdle {
			return ErrBusy
		}
		e.resetCallState()
		e.phase = PhaseRingingOut
		e.outgoing = true
		e.kind = kind
		e.peer = signaling.Contact{ID: peerID}
		e.callID = callID
		e.m.Inc(metrics.CallsStarted)
		e.startRingTimer()
		e.log.Info("call placed", "call_id", callID, "peer", peerID)
		e.publish()
		return nil
	})
}

// AcceptCall answers the ringing incoming call.
func (e *Engine) AcceptCall() error {
	return e.call(func() error {
		if e.phase != PhaseRingingIn {
			return ErrNoActiveCall
		}
		err := e.cfg.Transport.Emit(signaling.KindAccepted, signaling.CallRefData{
			CallID: e.callID,
			By:     e.cfg.Transport.ClientID(),
		})
		if err != nil {
			e.log.Warn("emit accepted failed", "err", err)
		}
		e.enterNegotiating(negotiation.RoleCallee)
		return nil
	})
}

// DeclineCall rejects the ringing incoming call and returns to Idle.
func (e *Engine) DeclineCall() error {
	return e.call(func() error {
		if e.phase != PhaseRingingIn {
			return ErrNoActiveCall
		}
		err := e.cfg.Transport.Emit(signaling.KindDeclined, signaling.CallRefData{
			CallID: e.callID,
			By:     e.cfg.Transport.ClientID(),
		})
		if err != nil {
			e.log.Warn("emit declined failed", "err", err)
		}
		e.log.Info("call declined locally", "call_id", e.callID)
		e.resetToIdle()
		return nil
	})
}

// EndCall hangs up whatever call is in progress. Idempotent; no-op when
// Idle.
func (e *Engine) EndCall() {
	e.post(func() { e.endCurrent("ended locally") })
}

// ToggleAudio flips the microphone mute flag on the active call.
func (e *Engine) ToggleAudio(enabled bool) error {
	return e.withController(func(c Controller) error {
		c.ToggleAudio(enabled)
		return nil
	})
}

// ToggleVideo flips the camera flag on the active call.
func (e *Engine) ToggleVideo(enabled bool) error {
	return e.withController(func(c Controller) error {
		c.ToggleVideo(enabled)
		return nil
	})
}

// StartScreenShare swaps the outgoing video to a display capture. The
// capture itself happens off the event loop; only the state publication
// re-enters it.
func (e *Engine) StartScreenShare(ctx context.Context) error {
	ctrl, err := e.controller()
	if err != nil {
		return err
	}
	if err := ctrl.StartScreenShare(ctx); err != nil {
		return err
	}
	e.post(e.publish)
	return nil
}

// StopScreenShare reverts the outgoing video to the camera.
func (e *Engine) StopScreenShare() error {
	return e.withController(func(c Controller) error {
		c.StopScreenShare()
		return nil
	})
}

func (e *Engine) controller() (Controller, error) {
	var ctrl Controller
	err := e.call(func() error {
		if e.ctrl == nil {
			return ErrNoActiveCall
		}
		ctrl = e.ctrl
		return nil
	})
	return ctrl, err
}

func (e *Engine) withController(fn func(Controller) error) error {
	return e.call(func() error {
		if e.ctrl == nil {
			return ErrNoActiveCall
		}
		if err := fn(e.ctrl); err != nil {
			return err
		}
		e.publish()
		return nil
	})
}

// --- transport event handlers (run goroutine only) ---

func (e *Engine) onInvite(inv signaling.InviteData) {
	if inv.From != nil && inv.From.ID == e.cfg.Transport.ClientID() {
		e.m.Inc(metrics.DropsSelfEcho)
		return
	}
	if inv.CallID == "" {
		e.log.Warn("invite without call id dropped")
		return
	}
	if e.placing || e.phase != PhaseIdle {
		// Busy: tell the caller immediately instead of ringing into an
		// occupied session.
		e.log.Info("declining invite while busy", "call_id", inv.CallID, "phase", e.phase)
		err := e.cfg.Transport.Emit(signaling.KindDeclined, signaling.CallRefData{
			CallID: inv.CallID,
			By:     e.cfg.Transport.ClientID(),
		})
		if err != nil {
			e.log.Warn("emit busy decline failed", "err", err)
		}
		return
	}

	e.resetCallState()
	e.phase = PhaseRingingIn
	e.callID = inv.CallID
	e.kind = inv.MediaKind
	e.outgoing = false
	if inv.From != nil {
		e.peer = *inv.From
	}
	e.m.Inc(metrics.CallsIncoming)
	e.startRingTimer()
	e.log.Info("incoming call", "call_id", inv.CallID, "from", e.peer.ID, "kind", inv.MediaKind)
	e.publish()
}

func (e *Engine) onCallRef(kind signaling.Kind, ref signaling.CallRefData) {
	if !e.matchesCall(ref.CallID) {
		e.m.Inc(metrics.DropsStaleCallID)
		e.log.Warn("dropping signal for inactive call", "event", kind,
			"call_id", ref.CallID, "active_call_id", e.callID)
		return
	}

	switch kind {
	case signaling.KindAccepted:
		if e.phase != PhaseRingingOut {
			e.log.Warn("accepted in unexpected phase", "phase", e.phase)
			return
		}
		e.log.Info("call accepted by peer", "call_id", e.callID, "by", ref.By)
		e.enterNegotiating(negotiation.RoleCaller)

	case signaling.KindDeclined:
		if e.phase != PhaseRingingOut {
			e.log.Warn("declined in unexpected phase", "phase", e.phase)
			return
		}
		e.stopCallTimers()
		e.phase = PhaseDeclined
		e.reason = "declined by peer"
		e.m.Inc(metrics.CallsDeclined)
		e.startGraceTimer()
		e.publish()

	case signaling.KindEnded:
		if !e.phase.Active() {
			return
		}
		e.endCurrent("ended by peer")
	}
}

func (e *Engine) onNegotiation(env signaling.NegotiationData) {
	if !e.matchesCall(env.CallID) || e.ctrl == nil {
		e.m.Inc(metrics.DropsStaleCallID)
		e.log.Warn("dropping negotiation payload for inactive call",
			"call_id", env.CallID, "active_call_id", e.callID)
		return
	}
	e.ctrl.ApplyRemoteSignal(env)
}

func (e *Engine) onConnectionLost() {
	if !e.phase.Active() {
		return
	}
	e.log.Error("signaling connection lost with active call")
	e.endCurrent("connection lost")
}

// matchesCall validates an inbound envelope against the bound call id.
// The comparison survives a session reset racing in-flight signals: after
// reset callID is empty and nothing matches.
func (e *Engine) matchesCall(callID string) bool {
	return callID != "" && callID == e.callID
}

// --- transitions ---

func (e *Engine) enterNegotiating(role negotiation.Role) {
	e.stopCallTimers()
	e.phase = PhaseNegotiating
	e.startConnectTimer()

	ctrl := e.cfg.NewController()
	e.ctrl = ctrl
	gen := e.gen
	callID := e.callID
	kind := e.kind

	cb := negotiation.Callbacks{
		OnRemoteTrack: func() {
			e.post(func() {
				if e.gen != gen || e.phase != PhaseNegotiating {
					return
				}
				e.enterConnected()
			})
		},
		OnClosed: func() {
			e.post(func() {
				if e.gen != gen {
					return
				}
				e.endCurrent("peer connection closed")
			})
		},
		OnError: func(err error) {
			e.post(func() {
				if e.gen != gen {
					return
				}
				e.endCurrent("peer connection failed: " + err.Error())
			})
		},
	}

	// Media and credential acquisition suspend off the loop; only the
	// failure continuation re-enters it.
	go func() {
		if err := ctrl.Start(context.Background(), role, callID, kind, cb); err != nil {
			e.post(func() {
				if e.gen != gen {
					return
				}
				e.log.Warn("negotiation start failed", "call_id", callID, "err", err)
				e.endCurrent("setup failed: " + err.Error())
			})
		}
	}()

	e.log.Info("negotiating", "call_id", callID, "role", role)
	e.publish()
}

func (e *Engine) enterConnected() {
	e.stopCallTimers()
	e.phase = PhaseConnected
	e.duration = 0
	e.m.Inc(metrics.CallsConnected)
	e.startDurationClock()
	e.log.Info("call connected", "call_id", e.callID)
	e.publish()
}

// endCurrent moves any in-progress call to Ended. Idempotent: Idle and
// already-terminal phases are untouched.
func (e *Engine) endCurrent(reason string) {
	if !e.phase.Active() {
		return
	}
	e.stopCallTimers()

	ctrl := e.ctrl
	e.ctrl = nil
	if ctrl != nil {
		// Controller teardown emits the ended envelope.
		ctrl.End()
	} else if e.callID != "" {
		err := e.cfg.Transport.Emit(signaling.KindEnded, signaling.CallRefData{
			CallID: e.callID,
			By:     e.cfg.Transport.ClientID(),
		})
		if err != nil {
			e.log.Warn("emit ended failed", "err", err)
		}
	}

	e.phase = PhaseEnded
	e.reason = reason
	e.m.Inc(metrics.CallsEnded)
	e.log.Info("call ended", "call_id", e.callID, "reason", reason, "duration", e.duration)
	e.startGraceTimer()
	e.publish()
}

// resetToIdle clears all per-call state immediately.
func (e *Engine) resetToIdle() {
	e.stopCallTimers()
	e.stopTimer(&e.graceTimer)
	if e.ctrl != nil {
		e.ctrl.End()
		e.ctrl = nil
	}
	e.resetCallState()
	e.phase = PhaseIdle
	e.publish()
}

// resetCallState bumps the generation so stale timer and continuation
// closures become no-ops, and clears the per-call fields.
func (e *Engine) resetCallState() {
	e.gen++
	e.callID = ""
	e.peer = signaling.Contact{}
	e.kind = ""
	e.outgoing = false
	e.reason = ""
	e.duration = 0
}

// --- timers ---

func (e *Engine) startRingTimer() {
	e.stopTimer(&e.ringTimer)
	gen := e.gen
	e.ringTimer = e.clk.AfterFunc(e.cfg.RingTimeout, func() {
		e.post(func() {
			if e.gen != gen {
				return
			}
			switch e.phase {
			case PhaseRingingOut:
				e.m.Inc(metrics.RingTimeouts)
				e.log.Info("outgoing call unanswered", "call_id", e.callID)
				e.endCurrent("no answer")
			case PhaseRingingIn:
				// Auto-dismiss without notifying the caller; their own
				// ring timer handles their side.
				e.m.Inc(metrics.RingTimeouts)
				e.log.Info("incoming call dismissed unanswered", "call_id", e.callID)
				e.resetToIdle()
			}
		})
	})
}

func (e *Engine) startConnectTimer() {
	e.stopTimer(&e.connectTimer)
	gen := e.gen
	e.connectTimer = e.clk.AfterFunc(e.cfg.ConnectTimeout, func() {
		e.post(func() {
			if e.gen != gen || e.phase != PhaseNegotiating {
				return
			}
			e.m.Inc(metrics.ConnectTimeouts)
			e.log.Warn("negotiation stalled", "call_id", e.callID)
			e.endCurrent("negotiation timed out")
		})
	})
}

func (e *Engine) startGraceTimer() {
	e.stopTimer(&e.graceTimer)
	gen := e.gen
	e.graceTimer = e.clk.AfterFunc(e.cfg.TerminalGrace, func() {
		e.post(func() {
			if e.gen != gen || !e.phase.Terminal() {
				return
			}
			e.resetToIdle()
		})
	})
}

func (e *Engine) startDurationClock() {
	e.stopTimer(&e.tickTimer)
	gen := e.gen
	var tick func()
	tick = func() {
		e.post(func() {
			if e.gen != gen || e.phase != PhaseConnected {
				return
			}
			e.duration += time.Second
			e.publish()
			e.tickTimer = e.clk.AfterFunc(time.Second, tick)
		})
	}
	e.tickTimer = e.clk.AfterFunc(time.Second, tick)
}

func (e *Engine) stopCallTimers() {
	e.stopTimer(&e.ringTimer)
	e.stopTimer(&e.connectTimer)
	e.stopTimer(&e.tickTimer)
}

func (e *Engine) stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// publish stores and fans out the current snapshot.
func (e *Engine) publish() {
	snap := Snapshot{
		Phase:    e.phase,
		CallID:   e.callID,
		Peer:     e.peer,
		Kind:     e.kind,
		Outgoing: e.outgoing,
		Duration: e.duration,
		Reason:   e.reason,
	}
	if e.ctrl != nil {
		snap.AudioEnabled, snap.VideoEnabled, snap.ScreenSharing = e.ctrl.Flags()
	}

	e.snapMu.Lock()
	e.snap = snap
	e.snapMu.Unlock()

	if e.cfg.OnSnapshot != nil {
		e.cfg.OnSnapshot(snap)
	}
}
