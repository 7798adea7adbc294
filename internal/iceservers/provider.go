// Package iceservers resolves the ICE server set handed to the peer
// connection: statically from configuration, fetched from an HTTP endpoint
// before each call, or minted locally with coturn-compatible TURN REST
// credentials.
package iceservers

import (
	"context"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// Provider yields the ICE servers to use for the next peer connection.
// Servers is called once per call setup, not cached across calls, so
// short-lived TURN credentials stay fresh.
type Provider interface {
	Servers(ctx context.Context) ([]webrtc.ICEServer, error)
}

// Static returns a fixed server list.
type Static []webrtc.ICEServer

func (s Static) Servers(context.Context) ([]webrtc.ICEServer, error) {
	out := make([]webrtc.ICEServer, len(s))
	copy(out, s)
	return out, nil
}

// WithFallback tries primary and falls back on error. A call proceeds with
// the static set rather than failing when the credential endpoint is down.
type WithFallback struct {
	Primary  Provider
	Fallback Provider
	Logger   *slog.Logger
}

func (w WithFallback) Servers(ctx context.Context) ([]webrtc.ICEServer, error) {
	servers, err := w.Primary.Servers(ctx)
	if err == nil {
		return servers, nil
	}
	log := w.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Warn("ice server provider failed, using fallback", "err", err)
	return w.Fallback.Servers(ctx)
}
