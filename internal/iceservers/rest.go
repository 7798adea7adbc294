package iceservers

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Minted issues coturn-compatible TURN REST credentials locally from a
// shared secret instead of calling a credential endpoint.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<random_session_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed from the clock in UTC: now_utc_unix + ttl_seconds.
type Minted struct {
	TurnURLs       []string
	StunURLs       []string
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Now            func() time.Time // nil means time.Now

	sessionIDSource func() (string, error)
}

func NewMinted(turnURLs, stunURLs []string, sharedSecret string, ttl time.Duration, usernamePrefix string) (*Minted, error) {
	if len(turnURLs) == 0 {
		return nil, errors.New("iceservers: at least one turn url is required")
	}
	if sharedSecret == "" {
		return nil, errors.New("iceservers: shared secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("iceservers: ttl must be > 0")
	}
	if usernamePrefix == "" || strings.ContainsRune(usernamePrefix, ':') {
		return nil, errors.New("iceservers: username prefix must be non-empty and must not contain ':'")
	}
	return &Minted{
		TurnURLs:       turnURLs,
		StunURLs:       stunURLs,
		SharedSecret:   sharedSecret,
		TTL:            ttl,
		UsernamePrefix: usernamePrefix,
	}, nil
}

func (m *Minted) Servers(context.Context) ([]webrtc.ICEServer, error) {
	username, credential, err := m.mint()
	if err != nil {
		return nil, err
	}
	servers := make([]webrtc.ICEServer, 0, 2)
	if len(m.StunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: m.StunURLs})
	}
	servers = append(servers, webrtc.ICEServer{
		URLs:       m.TurnURLs,
		Username:   username,
		Credential: credential,
	})
	return servers, nil
}

func (m *Minted) mint() (username, credential string, err error) {
	now := m.Now
	if now == nil {
		now = time.Now
	}
	sessionID, err := m.sessionID()
	if err != nil {
		return "", "", fmt.Errorf("iceservers: session id: %w", err)
	}
	expiryUnix := now().UTC().Unix() + int64(m.TTL/time.Second)
	username = fmt.Sprintf("%d:%s:%s", expiryUnix, m.UsernamePrefix, sessionID)
	mac := hmac.New(sha1.New, []byte(m.SharedSecret))
	_, _ = mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, credential, nil
}

func (m *Minted) sessionID() (string, error) {
	if m.sessionIDSource != nil {
		return m.sessionIDSource()
	}
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
