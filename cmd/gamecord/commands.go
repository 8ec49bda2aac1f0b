package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"
	"tools.zach/dev/gamecord/internal/api"
	"tools.zach/dev/gamecord/internal/core"
	"tools.zach/dev/gamecord/internal/httpclient"
	"tools.zach/dev/gamecord/internal/service"
	"tools.zach/dev/gamecord/internal/state"
)

// daemonClient talks to a running daemon's API.
func daemonClient() *retryablehttp.Client {
	return httpclient.New(httpclient.Options{RetryMax: 1, Timeout: 5 * time.Second})
}

// ///////////////////////////////////////////////
// authorize
// ///////////////////////////////////////////////

func newAuthorizeCmd(flags *rootFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:       "authorize <xbox|playstation|steam|twitch>",
		Short:     "Sign in to a service",
		Long:      "Sign in to a service and store its credential. When the daemon is running, its next tick opens the sign-in page instead. Signing in to twitch links the account that resolves the Twitch button.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"xbox", "playstation", "steam", "twitch"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := service.ParseKind(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(flags.dir(), flags.foreground)
			if err != nil {
				return err
			}
			defer a.close()

			if _, alive := runningPID(a.dir); alive {
				if err := a.requestAuthorize(cmd.Context(), kind, force); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "asked the running daemon to reauthorize %s\n", kind)
				return err
			}

			cred, err := a.authorize(cmd.Context(), kind, force)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "signed in to %s as %s\n", kind, cred.Account)
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "show the provider's login prompt even when a session exists")
	return cmd
}

// authorize runs one authorization without the daemon. The sign-in pages
// are served on the configured API address while it waits.
func (a *app) authorize(ctx context.Context, kind service.Kind, force bool) (*service.Credential, error) {
	var client core.Authorizer
	if kind == service.Twitch {
		client = a.twitch
	} else if c, ok := a.registry.Get(kind); ok {
		client = c
	} else {
		return nil, fmt.Errorf("%w: %s", state.ErrUnknownService, kind)
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals...)
	defer stop()

	serveCtx, cancel := context.WithCancel(ctx)
	served := make(chan error, 1)
	if listen := a.cfg.API.Listen; listen != "" && kind != service.Steam {
		srv := api.New(api.Options{State: a.state, Browser: a.browser, LogPath: a.dir.Log(), Logger: a.logger})
		go func() {
			err := srv.ListenAndServe(serveCtx, listen)
			if err != nil {
				// Nothing can serve the sign-in page; end the wait.
				a.browser.Shutdown()
			}
			served <- err
		}()
	} else {
		served <- nil
	}
	defer func() {
		cancel()
		if err := <-served; err != nil {
			a.logger.Warn("sign-in server", "error", err)
		}
	}()

	cred, err := client.Authorize(ctx, force)
	a.metrics.Authorization(kind.String(), err == nil)
	if err != nil {
		return nil, fmt.Errorf("authorizing %s: %w", kind, err)
	}
	if kind == service.Twitch {
		if err := a.state.LinkTwitch(cred); err != nil {
			return nil, fmt.Errorf("saving twitch link: %w", err)
		}
		return cred, nil
	}
	a.state.SetCredential(kind, cred)
	return cred, nil
}

// requestAuthorize asks a running daemon to drop kind's credential.
func (a *app) requestAuthorize(ctx context.Context, kind service.Kind, force bool) error {
	if a.cfg.API.Listen == "" {
		return errors.New("the daemon is running with the api disabled; stop it first")
	}
	path := "/api/services/" + kind.String() + "/authorize"
	if kind == service.Twitch {
		path = "/api/twitch/authorize"
	}
	url := "http://" + a.cfg.API.Listen + path + "?force=" + strconv.FormatBool(force)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	return service.DoJSON(daemonClient(), req, nil)
}

// ///////////////////////////////////////////////
// services
// ///////////////////////////////////////////////

func newServicesCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Show each service's status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(flags.dir(), flags.foreground)
			if err != nil {
				return err
			}
			defer a.close()

			statuses := a.state.Services()
			if _, alive := runningPID(a.dir); alive && a.cfg.API.Listen != "" {
				live, err := a.daemonServices(cmd.Context())
				if err != nil {
					a.logger.Warn("reading status from daemon", "error", err)
				} else {
					statuses = live
				}
			}
			return writeServices(cmd, statuses, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) daemonServices(ctx context.Context) ([]state.ServiceStatus, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, "http://"+a.cfg.API.Listen+"/api/services", nil)
	if err != nil {
		return nil, err
	}
	var out []state.ServiceStatus
	if err := service.DoJSON(daemonClient(), req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeServices(cmd *cobra.Command, statuses []state.ServiceStatus, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tENABLED\tSIGNED IN\tACCOUNT\tPLAYING\tLAST ERROR")
	for _, s := range statuses {
		playing := "-"
		if s.Presence != nil {
			playing = s.Presence.Details
		}
		account := s.Account
		if account == "" {
			account = "-"
		}
		lastErr := s.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(tw, "%s\t%t\t%t\t%s\t%s\t%s\n", s.Kind, s.Enabled, s.Authorized, account, playing, lastErr)
	}
	return tw.Flush()
}

// ///////////////////////////////////////////////
// version
// ///////////////////////////////////////////////

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), resolveVersion())
			return err
		},
	}
}
