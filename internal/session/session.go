// Package session is the single authority for the call lifecycle. It
// receives user intents and transport events, drives the negotiation
// controller, owns the ring/connect/duration timers, and publishes state
// snapshots to presentation.
package session

import (
	"errors"
	"time"

	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/signaling"
)

// Phase is the call lifecycle state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseRingingOut  Phase = "ringing-out"
	PhaseRingingIn   Phase = "ringing-in"
	PhaseNegotiating Phase = "negotiating"
	PhaseConnected   Phase = "connected"
	PhaseDeclined    Phase = "declined"
	PhaseEnded       Phase = "ended"
)

// Terminal reports whether the phase is a resting display state that the
// grace timer will collapse back to Idle.
func (p Phase) Terminal() bool {
	return p == PhaseDeclined || p == PhaseEnded
}

// Active reports whether a call is in progress in some form.
func (p Phase) Active() bool {
	switch p {
	case PhaseRingingOut, PhaseRingingIn, PhaseNegotiating, PhaseConnected:
		return true
	}
	return false
}

var (
	ErrBusy         = errors.New("session: another call is already in progress")
	ErrNoActiveCall = errors.New("session: no active call")
	ErrClosed       = errors.New("session: engine closed")
)

// Snapshot is one immutable view of the session, published on every
// transition.
type Snapshot struct {
	Phase    Phase
	CallID   string
	Peer     signaling.Contact
	Kind     media.Kind
	Outgoing bool

	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool

	// Duration is the connected time so far, advancing once per second
	// while Connected.
	Duration time.Duration

	// Reason explains how a terminal phase was reached, empty otherwise.
	Reason string
}
