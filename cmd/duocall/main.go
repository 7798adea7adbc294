package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/duocall/duocall/internal/auth"
	"github.com/duocall/duocall/internal/config"
	"github.com/duocall/duocall/internal/directory"
	"github.com/duocall/duocall/internal/iceservers"
	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/metrics"
	"github.com/duocall/duocall/internal/negotiation"
	"github.com/duocall/duocall/internal/notify"
	"github.com/duocall/duocall/internal/session"
	"github.com/duocall/duocall/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	logger.Info("starting duocall",
		"relay_url", cfg.RelayURL,
		"ice_fetch_url_set", cfg.ICEFetchURL != "",
		"turn_rest", cfg.TURNSharedSecret != "",
		"directory_url_set", cfg.DirectoryURL != "",
		"static_ice_servers", len(cfg.ICEServers),
		"ring_timeout", cfg.RingTimeout,
		"connect_timeout", cfg.ConnectTimeout,
		"commit", commit,
		"build_time", builtAt,
	)

	credentials := credentialSource(cfg)
	if _, err := credentials.Token(); err != nil {
		logger.Error("credential check failed", "err", err)
		os.Exit(2)
	}

	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()

	transport := signaling.NewClient(signaling.Options{
		RelayURL:             cfg.RelayURL,
		Credentials:          credentials,
		Logger:               logger,
		Metrics:              m,
		InviteAckTimeout:     cfg.InviteAckTimeout,
		ReconnectBackoffBase: cfg.ReconnectBackoffBase,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		PingInterval:         cfg.PingInterval,
		IdleTimeout:          cfg.IdleTimeout,
		MaxSignalBytes:       cfg.MaxSignalBytes,
		MaxSignalsPerSecond:  cfg.MaxSignalsPerSecond,
	})

	capturer, err := media.NewCapturer(logger)
	if err != nil {
		logger.Error("failed to initialize media capture", "err", err)
		os.Exit(2)
	}

	ice, err := iceProvider(cfg, credentials, logger)
	if err != nil {
		logger.Error("invalid ice server configuration", "err", err)
		os.Exit(2)
	}

	contacts := directory.NewStore(logger)
	contacts.Attach(transport)

	var dir directory.Service
	if cfg.DirectoryURL != "" {
		dir = &directory.Client{BaseURL: cfg.DirectoryURL, Credentials: credentials}
		if list, err := dir.Contacts(context.Background()); err != nil {
			// The relay still works without the directory; calls just need
			// peer ids typed by hand until a refresh succeeds.
			logger.Warn("initial contact fetch failed", "err", err)
		} else {
			contacts.Replace(list)
			logger.Info("contact list loaded", "contacts", len(list))
		}
	}

	watcher := notify.NewWatcher(notify.LogSink{Log: logger})
	printer := newSnapshotPrinter(os.Stdout)

	engine := session.New(session.Config{
		Transport: transport,
		NewController: func() session.Controller {
			return negotiation.New(negotiation.Config{
				Capturer:          capturer,
				ICE:               ice,
				Transport:         transport,
				Logger:            logger,
				Metrics:           m,
				PeerCreationDelay: cfg.PeerCreationDelay,
			})
		},
		Logger:         logger,
		Metrics:        m,
		RingTimeout:    cfg.RingTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		TerminalGrace:  cfg.TerminalGrace,
		OnSnapshot: func(snap session.Snapshot) {
			watcher.Observe(snap)
			printer.Print(snap)
		},
	})
	engine.Run()

	if err := transport.Connect(context.Background()); err != nil {
		logger.Error("failed to connect to relay", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	intents := runIntentLoop(ctx, os.Stdin, os.Stdout, engine, contacts, dir, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-intents:
		logger.Info("input closed, shutting down")
	}

	engine.Close()
	transport.Disconnect()

	for name, v := range m.Snapshot() {
		logger.Info("counter", "name", name, "value", v)
	}
}

// credentialSource prefers an inline token over a token file; both are
// wrapped with local expiry checking so stale JWTs fail before any dial.
func credentialSource(cfg config.Config) auth.Source {
	if cfg.Token != "" {
		return auth.Checked{Source: auth.Static(cfg.Token)}
	}
	return auth.FileSource{Path: cfg.TokenFile}
}

// iceProvider layers the dynamic sources over the statically configured
// servers: endpoint fetch first, then locally minted TURN REST credentials,
// then the static set. Without any dynamic source the static set is used
// alone; without even that the provider yields no servers and calls fall
// back to host candidates.
func iceProvider(cfg config.Config, credentials auth.Source, logger *slog.Logger) (iceservers.Provider, error) {
	var provider iceservers.Provider = iceservers.Static(cfg.ICEServers)
	if cfg.TURNSharedSecret != "" {
		minted, err := iceservers.NewMinted(cfg.TURNURLs, cfg.STUNURLs,
			cfg.TURNSharedSecret, cfg.TURNRestTTL, cfg.TURNUsernamePrefix)
		if err != nil {
			return nil, err
		}
		provider = &iceservers.WithFallback{Primary: minted, Fallback: provider, Logger: logger}
	}
	if cfg.ICEFetchURL != "" {
		provider = &iceservers.WithFallback{
			Primary: &iceservers.Fetcher{
				URL:         cfg.ICEFetchURL,
				Credentials: credentials,
			},
			Fallback: provider,
			Logger:   logger,
		}
	}
	return provider, nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
