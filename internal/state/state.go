// Package state holds the daemon's shared model: the live configuration,
// each service's credential, and the presence the UI shows. One *State is
// created at startup and passed to every loop and to the API.
//
// Locks are held only for map access, never across network calls.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tools.zach/dev/gamecord/internal/config"
	"tools.zach/dev/gamecord/internal/credstore"
	"tools.zach/dev/gamecord/internal/presence"
	"tools.zach/dev/gamecord/internal/service"
	"tools.zach/dev/gamecord/internal/syncutil"
)

// ErrUnknownService is returned for a service missing from the config.
var ErrUnknownService = errors.New("service not configured")

// subscriberBuffer is each subscriber's queue. Events to a full queue are
// dropped.
const subscriberBuffer = 8

// ///////////////////////////////////////////////
// Events
// ///////////////////////////////////////////////

// EventKind classifies an Event.
type EventKind string

const (
	// EventPresence carries a service's new UI presence (nil clears it).
	EventPresence EventKind = "presence"
	// EventService reports an enable toggle, credential, or error change.
	EventService EventKind = "service"
	// EventConfig reports a configuration reload.
	EventConfig EventKind = "config"
	// EventTwitch reports a change of the Twitch link.
	EventTwitch EventKind = "twitch"
)

// Event is pushed to subscribers on every state change.
type Event struct {
	Kind     EventKind          `json:"kind"`
	Service  service.Kind       `json:"service,omitempty"`
	Presence *presence.Presence `json:"presence,omitempty"`
	Status   *ServiceStatus     `json:"status,omitempty"`
	Twitch   *TwitchStatus      `json:"twitch,omitempty"`
}

// ServiceStatus is the UI view of one service.
type ServiceStatus struct {
	Kind        service.Kind       `json:"kind"`
	Enabled     bool               `json:"enabled"`
	Authorized  bool               `json:"authorized"`
	Authorizing bool               `json:"authorizing"`
	Account     string             `json:"account,omitempty"`
	Presence    *presence.Presence `json:"presence"`
	LastError   string             `json:"last_error,omitempty"`
	LastTick    time.Time          `json:"last_tick,omitzero"`
}

// TwitchStatus is the UI view of the Twitch link.
type TwitchStatus struct {
	Enabled     bool   `json:"enabled"`
	Linked      bool   `json:"linked"`
	Authorizing bool   `json:"authorizing"`
	Username    string `json:"username,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// Snapshot is what a loop reads at the start of a tick.
type Snapshot struct {
	Service  config.ServiceConfig
	Activity config.ActivityConfig
	Games    config.GamesConfig
	Twitch   config.TwitchConfig
}

// ///////////////////////////////////////////////
// State
// ///////////////////////////////////////////////

// Options configures [New].
type Options struct {
	// ConfigPath is where SetEnabled saves the config. Empty skips saving.
	ConfigPath string
	// Store persists credentials. Nil keeps them in memory only.
	Store  *credstore.Store
	Logger *slog.Logger
	// Now stamps LastTick. Defaults to time.Now.
	Now func() time.Time
	// CancelAuthorization dismisses a sign-in in flight for a service. It
	// runs when the service is disabled or its credential is dropped from
	// the API.
	CancelAuthorization func(service.Kind)
}

// State is the shared model.
type State struct {
	opts Options

	// mu guards cfg and the maps below it.
	mu        syncutil.RWMutex
	cfg       *config.Config
	creds     map[service.Kind]*service.Credential
	force     map[service.Kind]bool
	presences map[service.Kind]*presence.Presence
	errs      map[service.Kind]string
	ticks     map[service.Kind]time.Time
	authing   map[service.Kind]bool

	// saveMu orders writes of the config and credential files so the last
	// write carries the newest state.
	saveMu syncutil.Mutex

	// subMu guards subs and nextSub.
	subMu   syncutil.Mutex
	subs    map[int]chan Event
	nextSub int

	// linkReq holds at most one pending Twitch sign-in request.
	linkReq chan struct{}

	exit     chan struct{}
	exitOnce sync.Once
}

// New returns a State over cfg. Saved credentials are loaded from the store.
func New(cfg *config.Config, opts Options) (*State, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &State{
		opts:      opts,
		cfg:       cfg.Clone(),
		creds:     make(map[service.Kind]*service.Credential),
		force:     make(map[service.Kind]bool),
		presences: make(map[service.Kind]*presence.Presence),
		errs:      make(map[service.Kind]string),
		ticks:     make(map[service.Kind]time.Time),
		authing:   make(map[service.Kind]bool),
		subs:      make(map[int]chan Event),
		linkReq:   make(chan struct{}, 1),
		exit:      make(chan struct{}),
	}
	if opts.Store != nil {
		creds, err := opts.Store.Load()
		if err != nil {
			return nil, err
		}
		s.creds = creds
	}
	if cfg.Services.Twitch.Enabled && !s.creds[service.Twitch].Valid(opts.Now()) {
		s.requestLink()
	}
	return s, nil
}

// ///////////////////////////////////////////////
// Configuration
// ///////////////////////////////////////////////

// Config returns a copy of the current configuration.
func (s *State) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Snapshot returns the settings a loop for k needs.
func (s *State) Snapshot(k service.Kind) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.cfg.Service(k.String())
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownService, k)
	}
	games := s.cfg.Games
	games.Whitelist = append([]string(nil), games.Whitelist...)
	games.Ignore = append([]string(nil), games.Ignore...)
	return Snapshot{Service: *sc, Activity: s.cfg.Activity, Games: games, Twitch: s.cfg.Services.Twitch}, nil
}

// ReplaceConfig installs a reloaded configuration.
func (s *State) ReplaceConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg.Clone()
	s.mu.Unlock()
	s.publish(Event{Kind: EventConfig})
}

// SetEnabled toggles service k and saves the config file. Disabling a
// service dismisses its pending sign-in.
func (s *State) SetEnabled(k service.Kind, enabled bool) error {
	err := s.updateConfig(func(c *config.Config) error {
		sc, ok := c.Service(k.String())
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownService, k)
		}
		sc.Enabled = enabled
		return nil
	})
	if err != nil {
		return err
	}
	s.opts.Logger.Info("service toggled", "service", k, "enabled", enabled)
	if !enabled {
		s.CancelAuthorization(k)
	}
	s.publishStatus(k)
	return nil
}

// ///////////////////////////////////////////////
// Credentials
// ///////////////////////////////////////////////

// Credential returns the credential of k, or nil.
func (s *State) Credential(k service.Kind) *service.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds[k]
}

// SetCredential replaces the credential of k and persists all credentials.
func (s *State) SetCredential(k service.Kind, c *service.Credential) {
	s.mu.Lock()
	s.creds[k] = c
	s.errs[k] = ""
	s.mu.Unlock()
	s.persist()
	s.publishStatus(k)
}

// ClearCredential drops the credential of k so the next tick reauthorizes.
func (s *State) ClearCredential(k service.Kind) {
	s.mu.Lock()
	_, had := s.creds[k]
	delete(s.creds, k)
	s.mu.Unlock()
	if had {
		s.persist()
		s.publishStatus(k)
	}
	if k == service.Twitch {
		s.requestLink()
	}
}

// RequestReauthorize clears the credential of k, dismisses a sign-in in
// flight, and makes the next authorization force the provider's login
// prompt.
func (s *State) RequestReauthorize(k service.Kind) {
	s.mu.Lock()
	s.force[k] = true
	s.mu.Unlock()
	s.ClearCredential(k)
	s.CancelAuthorization(k)
	if k == service.Twitch {
		s.requestLink()
	}
}

// CancelAuthorization dismisses a sign-in in flight for k, if any.
func (s *State) CancelAuthorization(k service.Kind) {
	if s.opts.CancelAuthorization != nil {
		s.opts.CancelAuthorization(k)
	}
}

// SetAuthorizing records whether a sign-in for k is waiting on the user.
func (s *State) SetAuthorizing(k service.Kind, on bool) {
	s.mu.Lock()
	changed := s.authing[k] != on
	if on {
		s.authing[k] = true
	} else {
		delete(s.authing, k)
	}
	s.mu.Unlock()
	if changed {
		s.publishStatus(k)
	}
}

// TakeForce reports and resets the pending forced-login flag of k.
func (s *State) TakeForce(k service.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.force[k]
	delete(s.force, k)
	return f
}

func (s *State) persist() {
	if s.opts.Store == nil {
		return
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.mu.RLock()
	creds := make(map[service.Kind]*service.Credential, len(s.creds))
	for k, c := range s.creds {
		creds[k] = c
	}
	s.mu.RUnlock()
	if err := s.opts.Store.Save(creds); err != nil {
		s.opts.Logger.Warn("could not save credentials", "error", err)
	}
}

// ///////////////////////////////////////////////
// Presence and Status
// ///////////////////////////////////////////////

// SetPresence records what the UI shows for k and notifies subscribers.
func (s *State) SetPresence(k service.Kind, p *presence.Presence) {
	s.mu.Lock()
	if p == nil {
		delete(s.presences, k)
	} else {
		s.presences[k] = p
	}
	s.mu.Unlock()
	s.publish(Event{Kind: EventPresence, Service: k, Presence: p})
}

// Presence returns the UI presence of k.
func (s *State) Presence(k service.Kind) *presence.Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presences[k]
}

// Presences returns every non-nil UI presence.
func (s *State) Presences() map[service.Kind]*presence.Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[service.Kind]*presence.Presence, len(s.presences))
	for k, p := range s.presences {
		out[k] = p
	}
	return out
}

// RecordTick stores the outcome of a tick of k. A nil err clears the last
// error.
func (s *State) RecordTick(k service.Kind, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.mu.Lock()
	changed := s.errs[k] != msg
	s.errs[k] = msg
	s.ticks[k] = s.opts.Now()
	s.mu.Unlock()
	if changed {
		s.publishStatus(k)
	}
}

// Status returns the UI view of k.
func (s *State) Status(k service.Kind) (ServiceStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked(k)
}

func (s *State) statusLocked(k service.Kind) (ServiceStatus, error) {
	sc, ok := s.cfg.Service(k.String())
	if !ok {
		return ServiceStatus{}, fmt.Errorf("%w: %s", ErrUnknownService, k)
	}
	st := ServiceStatus{
		Kind:        k,
		Enabled:     sc.Enabled,
		Authorizing: s.authing[k],
		Presence:    s.presences[k],
		LastError:   s.errs[k],
		LastTick:    s.ticks[k],
	}
	if c := s.creds[k]; c != nil {
		st.Authorized = c.Valid(s.opts.Now())
		st.Account = c.Account
	}
	return st, nil
}

// Services returns the status of every service in display order.
func (s *State) Services() []ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServiceStatus, 0, len(service.Kinds))
	for _, k := range service.Kinds {
		if st, err := s.statusLocked(k); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// ///////////////////////////////////////////////
// Twitch
// ///////////////////////////////////////////////

// Twitch returns the UI view of the Twitch link.
func (s *State) Twitch() TwitchStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tc := s.cfg.Services.Twitch
	return TwitchStatus{
		Enabled:     tc.Enabled,
		Linked:      s.creds[service.Twitch].Valid(s.opts.Now()),
		Authorizing: s.authing[service.Twitch],
		Username:    tc.Username,
		LastError:   s.errs[service.Twitch],
	}
}

// SetTwitchEnabled toggles the Twitch link and saves the config file.
// Enabling asks for a sign-in when no account is linked. Disabling unlinks
// the account and dismisses a sign-in in flight.
func (s *State) SetTwitchEnabled(enabled bool) error {
	err := s.updateConfig(func(c *config.Config) error {
		c.Services.Twitch.Enabled = enabled
		if !enabled {
			c.Services.Twitch.Username = ""
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.opts.Logger.Info("twitch link toggled", "enabled", enabled)
	if enabled {
		s.requestLink()
	} else {
		s.CancelAuthorization(service.Twitch)
		s.mu.Lock()
		delete(s.creds, service.Twitch)
		s.mu.Unlock()
		s.persist()
	}
	s.publishStatus(service.Twitch)
	return nil
}

// LinkTwitch stores the credential of a completed Twitch sign-in and
// records its account in the config file.
func (s *State) LinkTwitch(c *service.Credential) error {
	s.mu.Lock()
	s.creds[service.Twitch] = c
	s.errs[service.Twitch] = ""
	s.mu.Unlock()
	s.persist()

	err := s.updateConfig(func(cfg *config.Config) error {
		cfg.Services.Twitch.Enabled = true
		cfg.Services.Twitch.Username = c.Account
		return nil
	})
	s.publishStatus(service.Twitch)
	return err
}

// LinkRequests delivers a value whenever a Twitch sign-in is wanted: at
// startup with no linked account, on enabling, on reauthorize, and when
// the token is rejected.
func (s *State) LinkRequests() <-chan struct{} { return s.linkReq }

func (s *State) requestLink() {
	select {
	case s.linkReq <- struct{}{}:
	default:
	}
}

// updateConfig applies mutate to a copy of the config, validates it,
// installs it, and saves it.
func (s *State) updateConfig(mutate func(*config.Config) error) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	next := s.cfg.Clone()
	if err := mutate(next); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cfg = next
	s.mu.Unlock()

	if s.opts.ConfigPath != "" {
		if err := next.Save(s.opts.ConfigPath); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}
	}
	return nil
}

// ///////////////////////////////////////////////
// Subscriptions
// ///////////////////////////////////////////////

// Subscribe returns a channel of state events and a function that ends the
// subscription and closes the channel. Slow subscribers miss events rather
// than block writers.
func (s *State) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *State) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *State) publishStatus(k service.Kind) {
	if k == service.Twitch {
		tw := s.Twitch()
		s.publish(Event{Kind: EventTwitch, Twitch: &tw})
		return
	}
	st, err := s.Status(k)
	if err != nil {
		return
	}
	s.publish(Event{Kind: EventService, Service: k, Status: &st})
}

// ///////////////////////////////////////////////
// Shutdown
// ///////////////////////////////////////////////

// Exit signals every loop to stop. Safe to call more than once.
func (s *State) Exit() {
	s.exitOnce.Do(func() {
		s.opts.Logger.Info("exit requested")
		close(s.exit)
	})
}

// Done is closed once Exit has been called.
func (s *State) Done() <-chan struct{} { return s.exit }
