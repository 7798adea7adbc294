// Package signaling implements the relay wire contract: the envelope
// vocabulary exchanged between clients and the websocket transport client
// that carries it.
package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/duocall/duocall/internal/media"
)

// Kind names a signaling event.
type Kind string

const (
	// KindWelcome is the first frame the relay sends after a successful
	// dial; it assigns the transport identity used for self-echo checks.
	KindWelcome Kind = "welcome"

	KindInvite      Kind = "invite"
	KindInviteAck   Kind = "invite-ack"
	KindAccepted    Kind = "accepted"
	KindDeclined    Kind = "declined"
	KindEnded       Kind = "ended"
	KindNegotiation Kind = "negotiation"
	KindPresence    Kind = "presence-update"

	// KindConnectionLost is synthesized locally when reconnection gives up;
	// it never appears on the wire.
	KindConnectionLost Kind = "connection-lost"
)

// Frame is one wire message. Data holds the kind-specific payload.
type Frame struct {
	Event     Kind            `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Contact identifies a directory entry as carried on the wire.
type Contact struct {
	ID       string `json:"id"`
	FullName string `json:"fullName,omitempty"`
	Email    string `json:"email,omitempty"`
}

// InviteData is sent client→relay to start a call (PeerID set) and
// relay→client to announce one (CallID and From set).
type InviteData struct {
	PeerID    string     `json:"peerId,omitempty"`
	CallID    string     `json:"callId,omitempty"`
	From      *Contact   `json:"from,omitempty"`
	MediaKind media.Kind `json:"mediaKind"`
}

// InviteAckData carries the relay-assigned call id back to the initiator.
type InviteAckData struct {
	CallID string `json:"callId"`
}

// CallRefData is the payload of accepted/declined/ended.
type CallRefData struct {
	CallID string `json:"callId"`
	By     string `json:"by,omitempty"`
}

// NegotiationData wraps an opaque offer/answer/candidate blob. SenderID is
// the relay-assigned transport identity of the emitting client; receivers
// drop frames whose SenderID matches their own (relay reflection).
type NegotiationData struct {
	CallID   string          `json:"callId"`
	SenderID string          `json:"senderId"`
	Signal   json.RawMessage `json:"signal"`
}

// WelcomeData assigns the local transport identity.
type WelcomeData struct {
	ClientID string `json:"clientId"`
}

// PresenceEntry is one peer's online state.
type PresenceEntry struct {
	PeerID   string     `json:"peerId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// PresenceData is the payload of presence-update.
type PresenceData struct {
	Contacts []PresenceEntry `json:"contacts"`
}

var (
	errUnknownEvent   = errors.New("signaling: unknown event")
	errMissingData    = errors.New("signaling: missing data")
	errMissingCallID  = errors.New("signaling: missing callId")
	errTrailingData   = errors.New("signaling: unexpected trailing data")
	errMissingPayload = errors.New("signaling: missing signal payload")
)

// ParseFrame decodes and validates one wire message. Unknown top-level
// fields and trailing bytes are rejected; payload validation is per kind.
func ParseFrame(raw []byte) (Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var f Frame
	if err := dec.Decode(&f); err != nil {
		return Frame{}, fmt.Errorf("signaling: decode frame: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Frame{}, errTrailingData
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks the payload against the frame's kind.
func (f Frame) Validate() error {
	switch f.Event {
	case KindWelcome:
		w, err := f.Welcome()
		if err != nil {
			return err
		}
		if w.ClientID == "" {
			return fmt.Errorf("signaling: welcome missing clientId")
		}
	case KindInvite:
		inv, err := f.Invite()
		if err != nil {
			return err
		}
		if _, err := media.ParseKind(string(inv.MediaKind)); err != nil {
			return fmt.Errorf("signaling: invite: %w", err)
		}
		if inv.PeerID == "" && inv.CallID == "" {
			return fmt.Errorf("signaling: invite needs peerId or callId")
		}
	case KindInviteAck:
		ack, err := f.InviteAck()
		if err != nil {
			return err
		}
		if ack.CallID == "" {
			return errMissingCallID
		}
	case KindAccepted, KindDeclined, KindEnded:
		ref, err := f.CallRef()
		if err != nil {
			return err
		}
		if ref.CallID == "" {
			return errMissingCallID
		}
	case KindNegotiation:
		neg, err := f.Negotiation()
		if err != nil {
			return err
		}
		if neg.CallID == "" {
			return errMissingCallID
		}
		if len(neg.Signal) == 0 {
			return errMissingPayload
		}
	case KindPresence:
		if _, err := f.Presence(); err != nil {
			return err
		}
	case KindConnectionLost:
		// Local pseudo-event; no payload.
	default:
		return fmt.Errorf("%w %q", errUnknownEvent, f.Event)
	}
	return nil
}

func (f Frame) Welcome() (WelcomeData, error) {
	var d WelcomeData
	return d, f.decodeData(&d)
}

func (f Frame) Invite() (InviteData, error) {
	var d InviteData
	return d, f.decodeData(&d)
}

func (f Frame) InviteAck() (InviteAckData, error) {
	var d InviteAckData
	return d, f.decodeData(&d)
}

func (f Frame) CallRef() (CallRefData, error) {
	var d CallRefData
	return d, f.decodeData(&d)
}

func (f Frame) Negotiation() (NegotiationData, error) {
	var d NegotiationData
	return d, f.decodeData(&d)
}

func (f Frame) Presence() (PresenceData, error) {
	var d PresenceData
	return d, f.decodeData(&d)
}

func (f Frame) decodeData(dst any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w for %q", errMissingData, f.Event)
	}
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return fmt.Errorf("signaling: decode %q data: %w", f.Event, err)
	}
	return nil
}

// NewFrame marshals a payload into a Frame.
func NewFrame(kind Kind, data any) (Frame, error) {
	f := Frame{Event: kind}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Frame{}, fmt.Errorf("signaling: encode %q data: %w", kind, err)
		}
		f.Data = raw
	}
	return f, nil
}
