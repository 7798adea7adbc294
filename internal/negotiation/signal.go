package negotiation

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

const (
	signalOffer  = "offer"
	signalAnswer = "answer"
)

// signalBlob is the opaque payload carried inside a negotiation envelope:
// either a session description (Type set) or an ICE candidate.
type signalBlob struct {
	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func parseSignal(raw json.RawMessage) (signalBlob, error) {
	var b signalBlob
	if err := json.Unmarshal(raw, &b); err != nil {
		return signalBlob{}, fmt.Errorf("negotiation: decode signal: %w", err)
	}
	if b.Type == "" && b.Candidate == nil {
		return signalBlob{}, fmt.Errorf("negotiation: signal is neither description nor candidate")
	}
	return b, nil
}

func descriptionSignal(d webrtc.SessionDescription) signalBlob {
	return signalBlob{Type: typeString(d.Type), SDP: d.SDP}
}

func candidateSignal(c *webrtc.ICECandidate) signalBlob {
	init := c.ToJSON()
	return signalBlob{Candidate: &init}
}

func typeString(t webrtc.SDPType) string {
	switch t {
	case webrtc.SDPTypeOffer:
		return signalOffer
	case webrtc.SDPTypeAnswer:
		return signalAnswer
	default:
		return t.String()
	}
}

func sdpType(s string) (webrtc.SDPType, error) {
	switch s {
	case signalOffer:
		return webrtc.SDPTypeOffer, nil
	case signalAnswer:
		return webrtc.SDPTypeAnswer, nil
	default:
		return webrtc.SDPType(0), fmt.Errorf("negotiation: unknown description type %q", s)
	}
}
