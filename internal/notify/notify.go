// Package notify fans call events out to the platform notification
// surface. The default sink logs; desktop integrations implement Sink.
package notify

import (
	"log/slog"

	"github.com/duocall/duocall/internal/session"
	"github.com/duocall/duocall/internal/signaling"
)

// Sink receives call notifications. Implementations must not block; they
// are invoked from the session event loop.
type Sink interface {
	IncomingCall(from signaling.Contact, callID string)
	CallEnded(callID string, reason string)
}

// LogSink is the default Sink, writing notifications to the process log.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) IncomingCall(from signaling.Contact, callID string) {
	name := from.FullName
	if name == "" {
		name = from.ID
	}
	s.Log.Info("incoming call", "from", name, "call_id", callID)
}

func (s LogSink) CallEnded(callID string, reason string) {
	s.Log.Info("call over", "call_id", callID, "reason", reason)
}

// Watcher converts session snapshots into notifications, emitting one
// notification per phase entry rather than one per snapshot.
type Watcher struct {
	sink Sink

	lastPhase  session.Phase
	lastCallID string
}

func NewWatcher(sink Sink) *Watcher {
	return &Watcher{sink: sink, lastPhase: session.PhaseIdle}
}

// Observe is the session OnSnapshot hook.
func (w *Watcher) Observe(snap session.Snapshot) {
	entered := snap.Phase != w.lastPhase || snap.CallID != w.lastCallID
	w.lastPhase = snap.Phase
	w.lastCallID = snap.CallID
	if !entered {
		return
	}

	switch snap.Phase {
	case session.PhaseRingingIn:
		w.sink.IncomingCall(snap.Peer, snap.CallID)
	case session.PhaseEnded, session.PhaseDeclined:
		w.sink.CallEnded(snap.CallID, snap.Reason)
	}
}
