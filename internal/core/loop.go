// Package core runs one polling loop per game service. Each loop waits a
// tick, makes sure it holds a credential, fetches the account's presence,
// turns it into a Discord activity, and publishes it when it changed since
// the last publish.
//
// Loops stop when the shared state's exit channel closes. A tick that has
// started runs to completion first.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"tools.zach/dev/gamecord/internal/auth"
	"tools.zach/dev/gamecord/internal/logger"
	"tools.zach/dev/gamecord/internal/metrics"
	"tools.zach/dev/gamecord/internal/presence"
	"tools.zach/dev/gamecord/internal/service"
	"tools.zach/dev/gamecord/internal/state"
)

// storeLabels labels the store button of each service.
var storeLabels = map[service.Kind]string{
	service.Xbox:        "xbox.com",
	service.PlayStation: "playstation.com",
	service.Steam:       "store.steampowered.com",
}

// ///////////////////////////////////////////////
// Loop
// ///////////////////////////////////////////////

// LoopOptions configures [NewLoop].
type LoopOptions struct {
	Client    service.Client
	State     *state.State
	Publisher *Publisher
	// Twitch resolves Twitch categories while the link is enabled.
	Twitch presence.CategoryResolver
	// Clock drives the tick timer. Defaults to the real clock.
	Clock   clockwork.Clock
	Metrics metrics.Recorder
	Logger  *slog.Logger
}

// Loop polls one service.
type Loop struct {
	kind    service.Kind
	client  service.Client
	state   *state.State
	pub     *Publisher
	twitch  presence.CategoryResolver
	clock   clockwork.Clock
	metrics metrics.Recorder
	logger  *slog.Logger

	// baseline is the last presence handed to the publisher. Only the loop
	// goroutine touches it.
	baseline *presence.Presence
	// displayed is the discord_display_presence value of the last publish.
	displayed bool
}

// NewLoop returns a Loop for opts.Client.
func NewLoop(opts LoopOptions) *Loop {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	kind := opts.Client.Kind()
	return &Loop{
		kind:      kind,
		client:    opts.Client,
		state:     opts.State,
		pub:       opts.Publisher,
		twitch:    opts.Twitch,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("service", kind.String()),
		displayed: true,
	}
}

// Kind returns the service the loop polls.
func (l *Loop) Kind() service.Kind { return l.kind }

// Run ticks until the state's exit channel or ctx closes, returning nil. It
// returns early with an error only when the host cannot support the loop,
// such as a failed authorization surface or a service missing from the
// config.
func (l *Loop) Run(ctx context.Context) error {
	defer l.pub.release()
	l.logger.Info("polling loop started")

	for {
		snap, err := l.state.Snapshot(l.kind)
		if err != nil {
			return fmt.Errorf("reading %s settings: %w", l.kind, err)
		}
		interval := time.Duration(snap.Service.PollIntervalSeconds) * time.Second

		timer := l.clock.NewTimer(interval)
		select {
		case <-l.state.Done():
			timer.Stop()
			l.logger.Info("polling loop stopped")
			return nil
		case <-ctx.Done():
			timer.Stop()
			l.logger.Info("polling loop stopped")
			return nil
		case <-timer.Chan():
		}

		// Exit wins over a timer that fired at the same moment.
		select {
		case <-l.state.Done():
			l.logger.Info("polling loop stopped")
			return nil
		default:
		}

		if err := l.runTick(context.WithoutCancel(ctx)); err != nil {
			logger.Fail(l.logger, "polling loop failed", "error", err)
			return err
		}
	}
}

// runTick runs one tick and records its outcome. Only fatal errors are
// returned.
func (l *Loop) runTick(ctx context.Context) error {
	start := l.clock.Now()
	result, err := l.tick(ctx)
	l.metrics.TickDuration(l.kind.String(), l.clock.Since(start))
	l.metrics.Tick(l.kind.String(), result)

	if result != metrics.TickSkipped {
		l.state.RecordTick(l.kind, err)
	}
	if err == nil {
		logger.Trace(l.logger, "tick", "result", result)
		return nil
	}
	if IsFatal(err) {
		return err
	}
	l.logger.Warn("tick failed", "error", err)
	return nil
}

// tick runs Authorizing, Fetching, Diffing, and Publishing for one interval.
func (l *Loop) tick(ctx context.Context) (string, error) {
	snap, err := l.state.Snapshot(l.kind)
	if err != nil {
		return metrics.TickError, fmt.Errorf("reading %s settings: %w", l.kind, err)
	}
	if !snap.Service.Enabled || !snap.Activity.PollingActive {
		return metrics.TickSkipped, nil
	}

	cred, err := l.credential(ctx)
	if err != nil {
		return metrics.TickError, err
	}

	rec, err := l.client.FetchPresence(ctx, cred)
	if err != nil {
		if errors.Is(err, service.ErrUnauthorized) {
			l.logger.Info("credential rejected, will reauthorize")
			l.state.ClearCredential(l.kind)
		}
		return metrics.TickError, fmt.Errorf("fetching presence: %w", err)
	}

	src := presence.Source{
		SmallImage:   snap.Service.SmallImage,
		SmallText:    snap.Service.SmallText,
		StoreLabel:   storeLabels[l.kind],
		TwitchButton: snap.Activity.TwitchButton,
		Allow:        snap.Games.AllowsTitle,
	}
	if snap.Twitch.Enabled {
		src.Twitch = l.twitch
	}
	next, err := presence.Derive(ctx, rec, src, l.client, l.clock.Now())
	if err != nil {
		return metrics.TickError, fmt.Errorf("deriving presence: %w", err)
	}

	display := snap.Activity.DiscordDisplayPresence
	if !presence.Differs(l.baseline, next) && display == l.displayed {
		return metrics.TickUnchanged, nil
	}
	if err := l.pub.Publish(ctx, next); err != nil {
		return metrics.TickError, err
	}
	l.baseline = next
	l.displayed = display
	return metrics.TickPublished, nil
}

// credential returns a usable credential, refreshing or authorizing when
// the stored one is missing or expired.
func (l *Loop) credential(ctx context.Context) (*service.Credential, error) {
	cred := l.state.Credential(l.kind)
	if cred.Valid(l.clock.Now()) {
		return cred, nil
	}

	if r, ok := l.client.(service.Refresher); ok && cred != nil && cred.RefreshToken != "" {
		fresh, err := r.Refresh(ctx, cred)
		if err == nil {
			l.metrics.Authorization(l.kind.String(), true)
			l.state.SetCredential(l.kind, fresh)
			l.logger.Debug("credential refreshed")
			return fresh, nil
		}
		l.logger.Warn("credential refresh failed", "error", err)
	}

	force := l.state.TakeForce(l.kind)
	l.logger.Info("authorizing", "force", force)
	l.state.SetAuthorizing(l.kind, true)
	fresh, err := l.client.Authorize(ctx, force)
	l.state.SetAuthorizing(l.kind, false)
	l.metrics.Authorization(l.kind.String(), err == nil)
	if err != nil {
		if force {
			l.state.RequestReauthorize(l.kind)
		}
		return nil, fmt.Errorf("authorizing: %w", err)
	}
	l.state.SetCredential(l.kind, fresh)
	l.logger.Info("authorized", "account", fresh.Account)
	return fresh, nil
}

// IsFatal reports whether err means the loop cannot continue: the auth host
// failed, or the service vanished from the shared state.
func IsFatal(err error) bool {
	var host *auth.HostError
	return errors.As(err, &host) || errors.Is(err, state.ErrUnknownService)
}
