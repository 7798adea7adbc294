// Package auth supplies the bearer credential the signaling transport
// presents to the relay. Verification is the relay's job; this side only
// fails fast on credentials that are visibly absent or already expired.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

var (
	ErrNoCredential      = errors.New("auth: no credential available")
	ErrExpiredCredential = errors.New("auth: credential expired")
)

// Source yields the current bearer credential. Implementations must be safe
// for concurrent use; the transport re-reads the source on every reconnect
// attempt so a refreshed token on disk is picked up without a restart.
type Source interface {
	Token() (string, error)
}

// Static returns a fixed token.
type Static string

func (s Static) Token() (string, error) {
	if s == "" {
		return "", ErrNoCredential
	}
	return string(s), nil
}

// FileSource reads the token from a file on each call.
type FileSource struct {
	Path string
	Now  func() time.Time // nil means time.Now
}

func (f FileSource) Token() (string, error) {
	if f.Path == "" {
		return "", ErrNoCredential
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", ErrNoCredential
	}
	now := f.Now
	if now == nil {
		now = time.Now
	}
	if err := CheckNotExpired(token, now()); err != nil {
		return "", err
	}
	return token, nil
}

// Checked wraps another source with an expiry check at read time.
type Checked struct {
	Source Source
	Now    func() time.Time
}

func (c Checked) Token() (string, error) {
	token, err := c.Source.Token()
	if err != nil {
		return "", err
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}
	if err := CheckNotExpired(token, now()); err != nil {
		return "", err
	}
	return token, nil
}
