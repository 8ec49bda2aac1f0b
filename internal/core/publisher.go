package core

import (
	"context"
	"fmt"
	"log/slog"

	"tools.zach/dev/gamecord/internal/discord"
	"tools.zach/dev/gamecord/internal/logger"
	"tools.zach/dev/gamecord/internal/metrics"
	"tools.zach/dev/gamecord/internal/presence"
	"tools.zach/dev/gamecord/internal/service"
	"tools.zach/dev/gamecord/internal/state"
)

// Discord is the part of [discord.Client] a Publisher drives.
type Discord interface {
	Reconnect() error
	SetActivity(a *discord.Activity) error
	Close() error
}

// PublishError reports which Discord operation failed.
type PublishError struct {
	// Op is "reconnect", "set activity", or "close".
	Op  string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("discord %s: %v", e.Op, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ///////////////////////////////////////////////
// Publisher
// ///////////////////////////////////////////////

// Publisher pushes one service's presence to the UI state and to that
// service's Discord application.
type Publisher struct {
	kind    service.Kind
	rpc     Discord
	state   *state.State
	metrics metrics.Recorder
	logger  *slog.Logger
}

// NewPublisher returns a Publisher for kind writing to rpc.
func NewPublisher(kind service.Kind, rpc Discord, st *state.State, m metrics.Recorder, log *slog.Logger) *Publisher {
	if m == nil {
		m = metrics.Noop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{kind: kind, rpc: rpc, state: st, metrics: m, logger: log}
}

// Publish records p as the UI presence and mirrors it to Discord. A nil p,
// or discord_display_presence turned off, closes the Discord connection
// instead of sending an empty activity.
func (p *Publisher) Publish(_ context.Context, pr *presence.Presence) error {
	snap, err := p.state.Snapshot(p.kind)
	if err != nil {
		return err
	}
	p.state.SetPresence(p.kind, pr)

	if pr == nil || !snap.Activity.DiscordDisplayPresence {
		if err := p.rpc.Close(); err != nil {
			p.metrics.Publish(p.kind.String(), metrics.PublishError)
			return &PublishError{Op: "close", Err: err}
		}
		p.metrics.Publish(p.kind.String(), metrics.PublishClear)
		logger.Trace(p.logger, "presence cleared")
		return nil
	}

	if err := p.rpc.Reconnect(); err != nil {
		p.metrics.Publish(p.kind.String(), metrics.PublishError)
		return &PublishError{Op: "reconnect", Err: err}
	}
	if err := p.rpc.SetActivity(pr.Activity()); err != nil {
		p.metrics.Publish(p.kind.String(), metrics.PublishError)
		return &PublishError{Op: "set activity", Err: err}
	}
	p.metrics.Publish(p.kind.String(), metrics.PublishSet)
	p.logger.Info("presence published", "title", pr.Details)
	return nil
}

// release closes the Discord connection on shutdown.
func (p *Publisher) release() {
	if err := p.rpc.Close(); err != nil {
		p.logger.Debug("closing discord on shutdown", "error", err)
	}
}
