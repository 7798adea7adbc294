// Package config loads the call engine's configuration from environment
// variables with flag overrides. Parsing and validation are separated from
// os access so tests can inject lookup maps.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarRelayURL  = "DUOCALL_RELAY_URL"
	envVarToken     = "DUOCALL_TOKEN"
	envVarTokenFile = "DUOCALL_TOKEN_FILE"
	envVarLogFormat = "DUOCALL_LOG_FORMAT"
	envVarLogLevel  = "DUOCALL_LOG_LEVEL"

	envVarICEServersJSON     = "DUOCALL_ICE_SERVERS_JSON"
	envVarStunURLs           = "DUOCALL_STUN_URLS"
	envVarTurnURLs           = "DUOCALL_TURN_URLS"
	envVarTurnUsername       = "DUOCALL_TURN_USERNAME"
	envVarTurnCredential     = "DUOCALL_TURN_CREDENTIAL"
	envVarTurnSharedSecret   = "DUOCALL_TURN_SHARED_SECRET"
	envVarTurnRestTTL        = "DUOCALL_TURN_REST_TTL"
	envVarTurnUsernamePrefix = "DUOCALL_TURN_USERNAME_PREFIX"
	envVarICEFetchURL        = "DUOCALL_ICE_FETCH_URL"
	envVarDirectoryURL       = "DUOCALL_DIRECTORY_URL"

	envVarInviteAckTimeout     = "DUOCALL_INVITE_ACK_TIMEOUT"
	envVarRingTimeout          = "DUOCALL_RING_TIMEOUT"
	envVarConnectTimeout       = "DUOCALL_CONNECT_TIMEOUT"
	envVarTerminalGrace        = "DUOCALL_TERMINAL_GRACE"
	envVarReconnectBackoffBase = "DUOCALL_RECONNECT_BACKOFF_BASE"
	envVarReconnectMaxAttempts = "DUOCALL_RECONNECT_MAX_ATTEMPTS"
	envVarPingInterval         = "DUOCALL_WS_PING_INTERVAL"
	envVarIdleTimeout          = "DUOCALL_WS_IDLE_TIMEOUT"
	envVarMaxSignalBytes       = "DUOCALL_MAX_SIGNAL_BYTES"
	envVarMaxSignalsPerSecond  = "DUOCALL_MAX_SIGNALS_PER_SECOND"
	envVarPeerCreationDelay    = "DUOCALL_PEER_CREATION_DELAY"
)

const (
	DefaultInviteAckTimeout     = 5 * time.Second
	DefaultRingTimeout          = 30 * time.Second
	DefaultConnectTimeout       = 30 * time.Second
	DefaultTerminalGrace        = 2 * time.Second
	DefaultReconnectBackoffBase = 1 * time.Second
	DefaultReconnectMaxAttempts = 5
	DefaultPingInterval         = 20 * time.Second
	DefaultIdleTimeout          = 60 * time.Second
	DefaultMaxSignalBytes       = 64 * 1024
	DefaultMaxSignalsPerSecond  = 50
	// DefaultPeerCreationDelay defers peer-connection construction briefly
	// after ICE credential fetch so signaling delivered in that window never
	// observes a half-built peer object.
	DefaultPeerCreationDelay = 100 * time.Millisecond

	DefaultTURNRestTTL        = 10 * time.Minute
	DefaultTURNUsernamePrefix = "duocall"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	RelayURL  string
	Token     string
	TokenFile string

	LogFormat LogFormat
	LogLevel  slog.Level

	ICEServers  []webrtc.ICEServer
	ICEFetchURL string

	// TURN REST credential minting. When the shared secret is set the TURN
	// and STUN URL lists feed the minting provider instead of the static
	// server set.
	STUNURLs           []string
	TURNURLs           []string
	TURNSharedSecret   string
	TURNRestTTL        time.Duration
	TURNUsernamePrefix string

	DirectoryURL string

	InviteAckTimeout     time.Duration
	RingTimeout          time.Duration
	ConnectTimeout       time.Duration
	TerminalGrace        time.Duration
	ReconnectBackoffBase time.Duration
	ReconnectMaxAttempts int
	PingInterval         time.Duration
	IdleTimeout          time.Duration
	MaxSignalBytes       int64
	MaxSignalsPerSecond  int
	PeerCreationDelay    time.Duration
}

// Load reads configuration from the process environment plus command-line
// flags. Flags win over environment variables.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{
		LogFormat:            LogFormatText,
		LogLevel:             slog.LevelInfo,
		InviteAckTimeout:     DefaultInviteAckTimeout,
		RingTimeout:          DefaultRingTimeout,
		ConnectTimeout:       DefaultConnectTimeout,
		TerminalGrace:        DefaultTerminalGrace,
		ReconnectBackoffBase: DefaultReconnectBackoffBase,
		ReconnectMaxAttempts: DefaultReconnectMaxAttempts,
		PingInterval:         DefaultPingInterval,
		IdleTimeout:          DefaultIdleTimeout,
		MaxSignalBytes:       DefaultMaxSignalBytes,
		MaxSignalsPerSecond:  DefaultMaxSignalsPerSecond,
		PeerCreationDelay:    DefaultPeerCreationDelay,
		TURNRestTTL:          DefaultTURNRestTTL,
		TURNUsernamePrefix:   DefaultTURNUsernamePrefix,
	}

	cfg.RelayURL = envOrDefault(lookup, envVarRelayURL, "")
	cfg.Token = envOrDefault(lookup, envVarToken, "")
	cfg.TokenFile = envOrDefault(lookup, envVarTokenFile, "")
	cfg.ICEFetchURL = envOrDefault(lookup, envVarICEFetchURL, "")
	cfg.DirectoryURL = envOrDefault(lookup, envVarDirectoryURL, "")
	cfg.TURNSharedSecret = envOrDefault(lookup, envVarTurnSharedSecret, "")
	cfg.TURNUsernamePrefix = envOrDefault(lookup, envVarTurnUsernamePrefix, cfg.TURNUsernamePrefix)

	if raw, ok := lookup(envVarLogFormat); ok && raw != "" {
		switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
		case LogFormatText:
			cfg.LogFormat = LogFormatText
		case LogFormatJSON:
			cfg.LogFormat = LogFormatJSON
		default:
			return Config{}, fmt.Errorf("invalid %s %q", envVarLogFormat, raw)
		}
	}
	if raw, ok := lookup(envVarLogLevel); ok && raw != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarLogLevel, raw, err)
		}
		cfg.LogLevel = level
	}

	stunRaw := envOrDefault(lookup, envVarStunURLs, "")
	turnRaw := envOrDefault(lookup, envVarTurnURLs, "")
	cfg.STUNURLs = splitCommaSeparated(stunRaw)
	cfg.TURNURLs = splitCommaSeparated(turnRaw)

	// With a shared secret the TURN urls get per-call minted credentials,
	// so they never join the static set and need no static username.
	staticTurn := turnRaw
	if cfg.TURNSharedSecret != "" {
		staticTurn = ""
	}
	iceServers, err := parseICEServersFromValues(
		envOrDefault(lookup, envVarICEServersJSON, ""),
		stunRaw,
		staticTurn,
		envOrDefault(lookup, envVarTurnUsername, ""),
		envOrDefault(lookup, envVarTurnCredential, ""),
	)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = iceServers

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{envVarInviteAckTimeout, &cfg.InviteAckTimeout},
		{envVarRingTimeout, &cfg.RingTimeout},
		{envVarConnectTimeout, &cfg.ConnectTimeout},
		{envVarTerminalGrace, &cfg.TerminalGrace},
		{envVarReconnectBackoffBase, &cfg.ReconnectBackoffBase},
		{envVarPingInterval, &cfg.PingInterval},
		{envVarIdleTimeout, &cfg.IdleTimeout},
		{envVarPeerCreationDelay, &cfg.PeerCreationDelay},
		{envVarTurnRestTTL, &cfg.TURNRestTTL},
	}
	for _, d := range durations {
		v, err := envDurationOrDefault(lookup, d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	cfg.ReconnectMaxAttempts, err = envIntOrDefault(lookup, envVarReconnectMaxAttempts, cfg.ReconnectMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSignalsPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalsPerSecond, cfg.MaxSignalsPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxBytes, err := envIntOrDefault(lookup, envVarMaxSignalBytes, int(cfg.MaxSignalBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSignalBytes = int64(maxBytes)

	fs := flag.NewFlagSet("duocall", flag.ContinueOnError)
	fs.StringVar(&cfg.RelayURL, "relay-url", cfg.RelayURL, "relay base URL (ws:// or wss://)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer credential for the relay")
	fs.StringVar(&cfg.TokenFile, "token-file", cfg.TokenFile, "path to a file containing the bearer credential")
	fs.StringVar(&cfg.ICEFetchURL, "ice-fetch-url", cfg.ICEFetchURL, "HTTP endpoint returning dynamic ICE servers")
	fs.StringVar(&cfg.DirectoryURL, "directory-url", cfg.DirectoryURL, "HTTP base URL of the contact directory")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("%s is required", envVarRelayURL)
	}
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", envVarRelayURL, c.RelayURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("invalid %s scheme %q (want ws or wss)", envVarRelayURL, u.Scheme)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("%s must be >= 0", envVarReconnectMaxAttempts)
	}
	if c.MaxSignalBytes <= 0 {
		return fmt.Errorf("%s must be > 0", envVarMaxSignalBytes)
	}
	if c.MaxSignalsPerSecond <= 0 {
		return fmt.Errorf("%s must be > 0", envVarMaxSignalsPerSecond)
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{envVarInviteAckTimeout, c.InviteAckTimeout},
		{envVarRingTimeout, c.RingTimeout},
		{envVarConnectTimeout, c.ConnectTimeout},
		{envVarReconnectBackoffBase, c.ReconnectBackoffBase},
		{envVarPingInterval, c.PingInterval},
		{envVarIdleTimeout, c.IdleTimeout},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%s must be > 0", d.key)
		}
	}
	if c.TerminalGrace < 0 || c.PeerCreationDelay < 0 {
		return fmt.Errorf("grace/delay durations must be >= 0")
	}
	if c.TURNSharedSecret != "" {
		if len(c.TURNURLs) == 0 {
			return fmt.Errorf("%s requires %s", envVarTurnSharedSecret, envVarTurnURLs)
		}
		if c.TURNRestTTL <= 0 {
			return fmt.Errorf("%s must be > 0", envVarTurnRestTTL)
		}
		if c.TURNUsernamePrefix == "" || strings.ContainsRune(c.TURNUsernamePrefix, ':') {
			return fmt.Errorf("%s must be non-empty and must not contain ':'", envVarTurnUsernamePrefix)
		}
	}
	return nil
}

// NewLogger builds the process logger from the configured format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
