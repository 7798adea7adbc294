package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/duocall/duocall/internal/directory"
	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/session"
)

const intentHelp = `commands:
  call <peer-id> [audio|video]   place a call (default video)
  accept                         answer the ringing call
  decline                        reject the ringing call
  end                            hang up
  mute | unmute                  microphone flag
  video on|off                   camera flag
  screen on|off                  screen share
  contacts                       refresh and list contacts with presence
  help                           this text
  quit                           exit`

// runIntentLoop reads line commands from r until EOF or quit. The returned
// channel closes when the loop exits.
func runIntentLoop(ctx context.Context, r io.Reader, w io.Writer, engine *session.Engine, contacts *directory.Store, dir directory.Service, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if quit := handleIntent(ctx, w, engine, contacts, dir, line); quit {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("intent input failed", "err", err)
		}
	}()
	return done
}

func handleIntent(ctx context.Context, w io.Writer, engine *session.Engine, contacts *directory.Store, dir directory.Service, line string) (quit bool) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "call":
		if len(args) == 0 {
			fmt.Fprintln(w, "usage: call <peer-id> [audio|video]")
			return false
		}
		kind := media.KindVideo
		if len(args) > 1 {
			if kind, err = media.ParseKind(args[1]); err != nil {
				fmt.Fprintln(w, err)
				return false
			}
		}
		err = engine.PlaceCall(ctx, args[0], kind)
	case "accept":
		err = engine.AcceptCall()
	case "decline":
		err = engine.DeclineCall()
	case "end":
		engine.EndCall()
	case "mute":
		err = engine.ToggleAudio(false)
	case "unmute":
		err = engine.ToggleAudio(true)
	case "video":
		switch onOff(args) {
		case "on":
			err = engine.ToggleVideo(true)
		case "off":
			err = engine.ToggleVideo(false)
		default:
			fmt.Fprintln(w, "usage: video on|off")
		}
	case "screen":
		switch onOff(args) {
		case "on":
			err = engine.StartScreenShare(ctx)
		case "off":
			err = engine.StopScreenShare()
		default:
			fmt.Fprintln(w, "usage: screen on|off")
		}
	case "contacts":
		if dir != nil {
			if list, ferr := dir.Contacts(ctx); ferr != nil {
				fmt.Fprintf(w, "contact refresh failed: %v\n", ferr)
			} else {
				contacts.Replace(list)
			}
		}
		printContacts(w, contacts.Snapshot())
	case "help":
		fmt.Fprintln(w, intentHelp)
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(w, "unknown command %q (try help)\n", cmd)
	}

	if err != nil {
		fmt.Fprintln(w, err)
	}
	return false
}

func onOff(args []string) string {
	if len(args) != 1 {
		return ""
	}
	return strings.ToLower(args[0])
}

func printContacts(w io.Writer, entries []directory.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no contacts")
		return
	}
	for _, e := range entries {
		state := "offline"
		if e.Online {
			state = "online"
		}
		name := e.Contact.FullName
		if name == "" {
			name = e.Contact.Email
		}
		fmt.Fprintf(w, "%-24s %-10s %s\n", e.Contact.ID, state, name)
	}
}

// snapshotPrinter renders phase changes for the terminal. Duration ticks
// repaint only the connected line, not a full transition.
type snapshotPrinter struct {
	w io.Writer

	mu        sync.Mutex
	lastPhase session.Phase
}

func newSnapshotPrinter(w io.Writer) *snapshotPrinter {
	return &snapshotPrinter{w: w, lastPhase: session.PhaseIdle}
}

func (p *snapshotPrinter) Print(snap session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.Phase == session.PhaseConnected && p.lastPhase == session.PhaseConnected {
		fmt.Fprintf(p.w, "\rconnected %s  [audio=%v video=%v screen=%v]",
			snap.Duration, snap.AudioEnabled, snap.VideoEnabled, snap.ScreenSharing)
		return
	}
	if p.lastPhase == session.PhaseConnected {
		fmt.Fprintln(p.w)
	}
	p.lastPhase = snap.Phase

	switch snap.Phase {
	case session.PhaseIdle:
		fmt.Fprintln(p.w, "idle")
	case session.PhaseRingingOut:
		fmt.Fprintf(p.w, "calling %s (%s)...\n", snap.Peer.ID, snap.Kind)
	case session.PhaseRingingIn:
		name := snap.Peer.FullName
		if name == "" {
			name = snap.Peer.ID
		}
		fmt.Fprintf(p.w, "incoming %s call from %s (accept/decline)\n", snap.Kind, name)
	case session.PhaseNegotiating:
		fmt.Fprintln(p.w, "connecting...")
	case session.PhaseConnected:
		fmt.Fprintln(p.w, "connected")
	case session.PhaseDeclined:
		fmt.Fprintln(p.w, "call declined")
	case session.PhaseEnded:
		fmt.Fprintf(p.w, "call ended: %s\n", snap.Reason)
	}
}
