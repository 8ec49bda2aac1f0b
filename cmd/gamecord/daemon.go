package main

import (
	"context"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"tools.zach/dev/gamecord/internal/api"
	"tools.zach/dev/gamecord/internal/config"
	"tools.zach/dev/gamecord/internal/core"
	"tools.zach/dev/gamecord/internal/discord"
	"tools.zach/dev/gamecord/internal/httpclient"
	"tools.zach/dev/gamecord/internal/logger"
	"tools.zach/dev/gamecord/internal/syncutil"
	"tools.zach/dev/gamecord/internal/update"
)

// ///////////////////////////////////////////////
// Daemon
// ///////////////////////////////////////////////

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the presence daemon (the default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemonCmd(cmd, flags)
		},
	}
}

func runDaemonCmd(cmd *cobra.Command, flags *rootFlags) error {
	a, err := newApp(flags.dir(), flags.foreground)
	if err != nil {
		return err
	}
	defer a.close()
	return a.runDaemon(cmd.Context())
}

// runDaemon holds the PID lock, starts the API, the config watcher, one
// polling loop per service, and the Twitch linker, and blocks until a signal or an API request
// asks it to exit.
func (a *app) runDaemon(ctx context.Context) error {
	lock, err := acquirePID(a.dir)
	if err != nil {
		return err
	}
	defer lock.release()

	ver := resolveVersion()
	a.logger.Info("gamecord starting",
		"version", ver,
		"data_dir", a.dir.Root,
		"deadlock_detector", syncutil.DeadlockEnabled,
	)

	sigCtx, stop := signal.NotifyContext(ctx, shutdownSignals...)
	defer stop()
	go func() {
		select {
		case <-sigCtx.Done():
			a.state.Exit()
		case <-a.state.Done():
		}
	}()

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	var wg sync.WaitGroup

	wg.Go(func() {
		if err := config.Reload(bg, a.dir.Config(), a.state.ReplaceConfig); err != nil {
			a.logger.Warn("config watcher stopped", "error", err)
		}
	})

	wg.Go(func() {
		update.Check(bg, httpclient.New(httpclient.Catalog(nil)), ver, a.logger)
	})

	if listen := a.cfg.API.Listen; listen != "" {
		srv := api.New(api.Options{
			State:   a.state,
			Browser: a.browser,
			Metrics: a.metrics,
			LogPath: a.dir.Log(),
			Logger:  a.logger,
		})
		wg.Go(func() {
			if err := srv.ListenAndServe(bg, listen); err != nil {
				a.logger.Error("api server stopped", "error", err)
			}
		})
	} else {
		a.logger.Warn("api disabled; xbox and playstation sign-in pages are unavailable")
	}

	a.logger.Info("services registered", "services", a.registry.Registered())
	runners := append(a.loops(), a.linker())
	handle := core.NewSupervisor(a.state, a.logger).Start(bg, runners...)

	<-a.state.Done()
	a.browser.Shutdown()
	err = handle.Wait()
	if err != nil {
		logger.Fail(a.logger, "polling loop ended with an error", "error", err)
	}
	cancel()
	wg.Wait()
	a.logger.Info("gamecord stopped")
	return err
}

// loops builds a polling loop and a Discord publisher for every service.
func (a *app) loops() []core.Runner {
	var loops []core.Runner
	for _, c := range a.registry.All() {
		kind := c.Kind()
		snap, err := a.state.Snapshot(kind)
		if err != nil {
			a.logger.Error("skipping service", "service", kind, "error", err)
			continue
		}
		rpc := discord.NewClient(snap.Service.AppID)
		pub := core.NewPublisher(kind, rpc, a.state, a.metrics, a.logger.With("service", kind.String()))
		loops = append(loops, core.NewLoop(core.LoopOptions{
			Client:    c,
			State:     a.state,
			Publisher: pub,
			Twitch:    a.twitch,
			Metrics:   a.metrics,
			Logger:    a.logger,
		}))
	}
	return loops
}

// linker builds the runner that signs in to Twitch on request.
func (a *app) linker() core.Runner {
	return core.NewLinker(core.LinkerOptions{
		Client:  a.twitch,
		State:   a.state,
		Metrics: a.metrics,
		Logger:  a.logger,
	})
}
