// Package auth runs interactive authorization handshakes: it opens a
// navigable surface on a provider's authorize URL, intercepts the redirect
// back to the application, and hands the extracted artifact to the caller.
//
// Surfaces are supplied by a [SurfaceFactory]. [Browser] is the production
// factory; tests inject fakes.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Decision is an interceptor's verdict on a navigation.
type Decision int

const (
	// Continue lets the surface load the URL.
	Continue Decision = iota
	// Cancel stops the navigation.
	Cancel
)

// Interceptor inspects every URL a surface is about to load. It is called
// synchronously by the surface and must not block.
type Interceptor func(rawURL string) Decision

// Surface is an interactive page the user signs in on.
type Surface interface {
	// Ready is closed once the surface can accept Navigate.
	Ready() <-chan struct{}
	// Done is closed when the surface goes away.
	Done() <-chan struct{}
	// Navigate points the surface at rawURL. clearSession asks the surface
	// to forget cached provider logins first, when it can.
	Navigate(rawURL string, clearSession bool) error
	// Close dismisses the surface. A second Close returns ErrSurfaceClosed.
	Close() error
}

// SurfaceFactory creates a surface identified by id whose navigations pass
// through intercept.
type SurfaceFactory func(id string, intercept Interceptor) (Surface, error)

// Variant selects which artifact a redirect carries.
type Variant int

const (
	// VariantCode is the authorization code flow (`code`, `state`).
	VariantCode Variant = iota
	// VariantToken is the implicit flow (`access_token`, `state`).
	VariantToken
)

func (v Variant) field() string {
	if v == VariantToken {
		return "access_token"
	}
	return "code"
}

// Request describes one authorization attempt.
type Request struct {
	// AuthURL is the provider page the surface opens.
	AuthURL string
	// RedirectPrefix selects which navigations are the redirect.
	RedirectPrefix string
	// State is the anti-forgery token embedded in AuthURL.
	State string
	// Variant is the artifact the redirect carries.
	Variant Variant
	// Force asks the surface to drop cached provider sessions.
	Force bool
	// Owner names the service the attempt belongs to. [Session.Cancel]
	// dismisses attempts by owner.
	Owner string
	// Timeout bounds the wait for the redirect. Zero uses DefaultTimeout.
	Timeout time.Duration
}

// Artifact is what a successful redirect yields.
type Artifact struct {
	// Variant tells whether Value is a code or an access token.
	Variant Variant
	// Value is the code or access token.
	Value string
	// Params are all redirect parameters, for flows that need extras.
	Params url.Values
}

// ///////////////////////////////////////////////
// Session
// ///////////////////////////////////////////////

// DefaultTimeout is how long Authorize waits for a redirect when the
// request does not say.
const DefaultTimeout = 5 * time.Minute

// Session runs authorizations on surfaces from one factory.
type Session struct {
	factory SurfaceFactory
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]map[string]context.CancelCauseFunc // owner -> surface id
}

// NewSession returns a Session creating surfaces with factory.
func NewSession(factory SurfaceFactory, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		factory: factory,
		logger:  logger,
		pending: make(map[string]map[string]context.CancelCauseFunc),
	}
}

// Cancel dismisses every in-flight authorization owned by owner. Their
// Authorize calls return ErrDismissed.
func (s *Session) Cancel(owner string) {
	s.mu.Lock()
	cancels := s.pending[owner]
	delete(s.pending, owner)
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel(ErrDismissed)
	}
	if len(cancels) > 0 {
		s.logger.Info("authorization cancelled", "owner", owner, "count", len(cancels))
	}
}

// Pending reports whether owner has an authorization in flight.
func (s *Session) Pending(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[owner]) > 0
}

func (s *Session) track(owner, id string, cancel context.CancelCauseFunc) func() {
	s.mu.Lock()
	if s.pending[owner] == nil {
		s.pending[owner] = make(map[string]context.CancelCauseFunc)
	}
	s.pending[owner][id] = cancel
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.pending[owner], id)
		if len(s.pending[owner]) == 0 {
			delete(s.pending, owner)
		}
		s.mu.Unlock()
	}
}

type result struct {
	artifact *Artifact
	err      error
}

// Authorize opens a surface on req.AuthURL and blocks until the redirect
// arrives, the surface is dismissed, the timeout passes, or ctx ends. The
// surface is closed before returning. Surface failures are *HostError; a
// timeout is ErrTimeout and a [Session.Cancel] is ErrDismissed.
func (s *Session) Authorize(ctx context.Context, req Request) (_ *Artifact, err error) {
	id := uuid.NewString()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	ctx, stop := context.WithTimeoutCause(ctx, timeout, ErrTimeout)
	defer stop()
	defer s.track(req.Owner, id, cancel)()

	results := make(chan result, 1)
	var once sync.Once
	intercept := func(rawURL string) Decision {
		if !hasPrefixFold(rawURL, req.RedirectPrefix) {
			return Continue
		}
		once.Do(func() {
			a, err := ParseRedirect(rawURL, req.Variant, req.State)
			results <- result{artifact: a, err: err}
		})
		return Cancel
	}

	surface, err := s.factory(id, intercept)
	if errors.Is(err, ErrDismissed) {
		return nil, ErrDismissed
	}
	if err != nil {
		return nil, &HostError{Op: "create surface", Err: err}
	}
	defer func() {
		if cerr := surface.Close(); cerr != nil && !errors.Is(cerr, ErrSurfaceClosed) && err == nil {
			err = &HostError{Op: "close surface", Err: cerr}
		}
	}()

	select {
	case <-surface.Ready():
	case <-surface.Done():
		return nil, ErrDismissed
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}

	s.logger.Info("authorization started", "surface", id, "owner", req.Owner, "force", req.Force)
	if err := surface.Navigate(req.AuthURL, req.Force); err != nil {
		return nil, &HostError{Op: "navigate", Err: err}
	}

	select {
	case r := <-results:
		if r.err != nil {
			return nil, fmt.Errorf("authorization redirect: %w", r.err)
		}
		return r.artifact, nil
	case <-surface.Done():
		return nil, ErrDismissed
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// ///////////////////////////////////////////////
// Redirect Parsing
// ///////////////////////////////////////////////

// ParseRedirect extracts the artifact from a redirect URL. The implicit flow
// may carry its parameters in the fragment. A state that is present but
// wrong is rejected before any other field is looked at.
func ParseRedirect(rawURL string, v Variant, wantState string) (*Artifact, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryAbsent, err)
	}
	raw := u.RawQuery
	if raw == "" && v == VariantToken {
		raw = u.Fragment
	}
	if raw == "" {
		return nil, ErrQueryAbsent
	}
	params, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryAbsent, err)
	}

	state := params.Get("state")
	if state != "" && state != wantState {
		return nil, &StateMismatchError{Got: state}
	}
	if code := params.Get("error"); code != "" {
		return nil, &ProviderError{Code: code, Description: params.Get("error_description")}
	}

	var missing []string
	value := params.Get(v.field())
	if value == "" {
		missing = append(missing, v.field())
	}
	if state == "" {
		missing = append(missing, "state")
	}
	if len(missing) > 0 {
		return nil, &MissingFieldsError{Fields: missing}
	}
	return &Artifact{Variant: v, Value: value, Params: params}, nil
}

// hasPrefixFold is a case-insensitive strings.HasPrefix. Browsers lowercase
// custom schemes when a redirect is copied out of the address bar.
func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// NewState returns a random anti-forgery token.
func NewState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
