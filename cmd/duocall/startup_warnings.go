package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/duocall/duocall/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	// The bearer credential rides the websocket URL query string; over ws://
	// it crosses the network in the clear.
	if u, err := url.Parse(cfg.RelayURL); err == nil && u.Scheme == "ws" && !isLoopbackHost(u.Hostname()) {
		logger.Warn("startup security warning: relay URL uses ws:// to a non-loopback host (credential sent unencrypted)",
			"warning_code", "relay_url_plaintext",
			"relay_host", u.Host,
		)
	}

	if cfg.Token != "" && cfg.TokenFile != "" {
		logger.Warn("startup warning: both DUOCALL_TOKEN and DUOCALL_TOKEN_FILE are set; the inline token wins",
			"warning_code", "ambiguous_credential_source",
		)
	}

	if len(cfg.ICEServers) == 0 && cfg.ICEFetchURL == "" {
		logger.Warn("startup warning: no ICE servers configured (calls only connect on directly reachable networks)",
			"warning_code", "no_ice_servers",
		)
	}

	// A very large outbound frame cap weakens the transport's oversized
	// message protection on the read side too, since the same value bounds
	// conn.SetReadLimit.
	if cfg.MaxSignalBytes > 1<<20 {
		logger.Warn("startup security warning: DUOCALL_MAX_SIGNAL_BYTES is very large (weakens oversized frame protection)",
			"warning_code", "max_signal_bytes_large",
			"max_signal_bytes", cfg.MaxSignalBytes,
		)
	}
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
