package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/duocall/duocall/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := &recordingHandler{mu: h.mu, records: h.records}
	cp.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return cp
}

func (h *recordingHandler) WithGroup(string) slog.Handler { return h }

func warned(records []recordedLog, code string) bool {
	for _, r := range records {
		if r.level == slog.LevelWarn && r.attrs["warning_code"] == code {
			return true
		}
	}
	return false
}

func TestStartupWarnings_PlaintextRelayURL(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{RelayURL: "ws://relay.example.com/ws"})
	if !warned(records(), "relay_url_plaintext") {
		t.Fatalf("expected relay_url_plaintext warning, got %#v", records())
	}
}

func TestStartupWarnings_LoopbackPlaintextIsFine(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{RelayURL: "ws://localhost:8080/ws"})
	if warned(records(), "relay_url_plaintext") {
		t.Fatalf("loopback ws:// should not warn, got %#v", records())
	}
}

func TestStartupWarnings_NoICEServers(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{RelayURL: "wss://relay.example.com/ws"})
	if !warned(records(), "no_ice_servers") {
		t.Fatalf("expected no_ice_servers warning, got %#v", records())
	}
}

func TestStartupWarnings_AmbiguousCredentialSource(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		RelayURL:  "wss://relay.example.com/ws",
		Token:     "inline",
		TokenFile: "/run/secrets/token",
	})
	if !warned(records(), "ambiguous_credential_source") {
		t.Fatalf("expected ambiguous_credential_source warning, got %#v", records())
	}
}
