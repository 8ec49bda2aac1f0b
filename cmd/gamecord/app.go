package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"time"

	rootpkg "tools.zach/dev/gamecord"
	"tools.zach/dev/gamecord/internal/atomicfile"
	"tools.zach/dev/gamecord/internal/auth"
	"tools.zach/dev/gamecord/internal/catalog"
	"tools.zach/dev/gamecord/internal/config"
	"tools.zach/dev/gamecord/internal/credstore"
	"tools.zach/dev/gamecord/internal/httpclient"
	"tools.zach/dev/gamecord/internal/logger"
	"tools.zach/dev/gamecord/internal/metrics"
	"tools.zach/dev/gamecord/internal/paths"
	"tools.zach/dev/gamecord/internal/service"
	"tools.zach/dev/gamecord/internal/service/playstation"
	"tools.zach/dev/gamecord/internal/service/steam"
	"tools.zach/dev/gamecord/internal/service/twitch"
	"tools.zach/dev/gamecord/internal/service/xbox"
	"tools.zach/dev/gamecord/internal/state"
)

// catalogInterval spaces store searches across all services.
const catalogInterval = 500 * time.Millisecond

// app holds everything built from the data directory.
type app struct {
	dir      paths.DataDir
	cfg      *config.Config
	logger   *slog.Logger
	closeLog io.Closer
	state    *state.State
	metrics  metrics.Recorder
	browser  *auth.Browser
	session  *auth.Session
	registry *service.Registry
	twitch   *twitch.Client
}

// newApp loads the config and credentials in dir and builds the service
// clients. A missing config is created from the embedded default.
func newApp(dir paths.DataDir, foreground bool) (*app, error) {
	if err := dir.Ensure(); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := writeDefaultConfig(dir.Config()); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	cfg, err := config.LoadFile(dir.Config())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(logger.Options{
		Path:      dir.Log(),
		Level:     logger.ParseLevel(cfg.Log.Level),
		MaxSizeMB: cfg.Log.MaxSizeMB,
		Stderr:    foreground,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	browser := auth.NewBrowser(auth.BrowserOptions{
		BaseURL: apiBaseURL(cfg.API.Listen),
		Logger:  log.With("component", "auth"),
	})
	session := auth.NewSession(browser.Factory, log.With("component", "auth"))

	st, err := state.New(cfg, state.Options{
		ConfigPath: dir.Config(),
		Store:      credstore.New(dir.Credentials()),
		Logger:     log,
		CancelAuthorization: func(k service.Kind) {
			session.Cancel(k.String())
		},
	})
	if err != nil {
		closeLog.Close()
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	a := &app{
		dir:      dir,
		cfg:      cfg,
		logger:   log,
		closeLog: closeLog,
		state:    st,
		metrics:  metrics.NewRecorder(cfg.API.Metrics),
		browser:  browser,
		session:  session,
	}
	a.registry = service.NewRegistry(a.clients()...)
	return a, nil
}

// close flushes the log file.
func (a *app) close() {
	if err := a.closeLog.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "closing log: %v\n", err)
	}
}

// clients builds one client per platform and the Twitch link. They share
// the catalog limiter and the HTTP clients.
func (a *app) clients() []service.Client {
	session := a.session
	limiter := catalog.NewLimiter(catalogInterval, 2)
	presenceHTTP := httpclient.New(httpclient.Presence(a.logger))
	catalogHTTP := httpclient.New(httpclient.Catalog(a.logger))

	a.twitch = twitch.New(twitch.Options{
		Session: session,
		BaseURL: apiBaseURL(a.cfg.API.Listen),
		HTTP:    catalogHTTP,
		Limiter: limiter,
		Credential: func() *service.Credential {
			return a.state.Credential(service.Twitch)
		},
		Unauthorized: func() { a.state.ClearCredential(service.Twitch) },
		Logger:       a.logger,
	})

	return []service.Client{
		xbox.New(xbox.Options{
			Session:      session,
			BaseURL:      apiBaseURL(a.cfg.API.Listen),
			PresenceHTTP: presenceHTTP,
			HTTP:         catalogHTTP,
			Limiter:      limiter,
			Logger:       a.logger.With("service", service.Xbox.String()),
		}),
		playstation.New(playstation.Options{
			Session:      session,
			PresenceHTTP: presenceHTTP,
			HTTP:         catalogHTTP,
			Limiter:      limiter,
			Logger:       a.logger.With("service", service.PlayStation.String()),
		}),
		steam.New(steam.Options{
			Credentials: func() (string, string) {
				c := a.state.Config()
				return c.Services.Steam.APIKey, c.Services.Steam.SteamID
			},
			PresenceHTTP: presenceHTTP,
			HTTP:         catalogHTTP,
			Limiter:      limiter,
			Logger:       a.logger.With("service", service.Steam.String()),
		}),
	}
}

// writeDefaultConfig writes the embedded default config to path unless a
// file already exists there.
func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := atomicfile.Write(path, rootpkg.DefaultConfigTOML, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

// apiBaseURL is the origin sign-in redirects return to. Loopback and
// wildcard hosts become "localhost", the host registered with Microsoft.
func apiBaseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" {
		return "http://localhost:3000"
	}
	switch host {
	case "", "localhost", "127.0.0.1", "::1", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}
