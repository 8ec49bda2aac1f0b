package core

import (
	"context"
	"log/slog"

	"tools.zach/dev/gamecord/internal/metrics"
	"tools.zach/dev/gamecord/internal/service"
	"tools.zach/dev/gamecord/internal/state"
)

// ///////////////////////////////////////////////
// Linker
// ///////////////////////////////////////////////

// Authorizer obtains a credential interactively.
type Authorizer interface {
	Authorize(ctx context.Context, force bool) (*service.Credential, error)
}

// LinkerOptions configures [NewLinker].
type LinkerOptions struct {
	Client  Authorizer
	State   *state.State
	Metrics metrics.Recorder
	Logger  *slog.Logger
}

// Linker runs the Twitch sign-in whenever the state asks for one. A failed
// or dismissed sign-in is not retried until the next request.
type Linker struct {
	client  Authorizer
	state   *state.State
	metrics metrics.Recorder
	logger  *slog.Logger
}

// NewLinker returns a Linker for opts.Client.
func NewLinker(opts LinkerOptions) *Linker {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Linker{
		client:  opts.Client,
		state:   opts.State,
		metrics: opts.Metrics,
		logger:  opts.Logger.With("service", service.Twitch.String()),
	}
}

// Run serves link requests until the state exits or ctx ends.
func (l *Linker) Run(ctx context.Context) error {
	for {
		select {
		case <-l.state.Done():
			return nil
		case <-ctx.Done():
			return nil
		case <-l.state.LinkRequests():
		}
		if err := l.link(context.WithoutCancel(ctx)); err != nil && IsFatal(err) {
			return err
		}
	}
}

// link signs in when the link is enabled and no valid credential is held.
func (l *Linker) link(ctx context.Context) error {
	st := l.state.Twitch()
	if !st.Enabled || st.Linked {
		return nil
	}

	force := l.state.TakeForce(service.Twitch)
	l.logger.Info("linking twitch account", "force", force)
	l.state.SetAuthorizing(service.Twitch, true)
	cred, err := l.client.Authorize(ctx, force)
	l.state.SetAuthorizing(service.Twitch, false)
	l.metrics.Authorization(service.Twitch.String(), err == nil)
	if err != nil {
		l.state.RecordTick(service.Twitch, err)
		l.logger.Warn("twitch sign-in failed", "error", err)
		return err
	}
	if err := l.state.LinkTwitch(cred); err != nil {
		l.logger.Warn("saving twitch link", "error", err)
	}
	l.logger.Info("twitch account linked", "account", cred.Account)
	return nil
}
