// Package authtest provides scripted authorization surfaces for tests of
// the service clients.
package authtest

import (
	"net/url"
	"sync"

	"tools.zach/dev/gamecord/internal/auth"
)

// Recorder collects the provider URLs surfaces were pointed at.
type Recorder struct {
	mu      sync.Mutex
	visited []*url.URL
	cleared []bool
}

// Visited returns every navigated URL in order.
func (r *Recorder) Visited() []*url.URL {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*url.URL(nil), r.visited...)
}

// Cleared reports the clearSession flag of each navigation.
func (r *Recorder) Cleared() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.cleared...)
}

// Factory returns a SurfaceFactory whose surfaces answer every navigation
// by feeding redirect(authURL) to the interceptor, as a user completing
// sign-in would.
func Factory(rec *Recorder, redirect func(authURL *url.URL) string) auth.SurfaceFactory {
	return func(_ string, intercept auth.Interceptor) (auth.Surface, error) {
		ready := make(chan struct{})
		close(ready)
		return &surface{rec: rec, redirect: redirect, intercept: intercept, ready: ready, done: make(chan struct{})}, nil
	}
}

// Abandoned returns a SurfaceFactory whose surfaces load the provider page
// and then sit there, as when the user walks away from the sign-in.
func Abandoned(rec *Recorder) auth.SurfaceFactory {
	return Factory(rec, func(u *url.URL) string { return u.String() })
}

// CodeRedirect answers with prefix?code=code&state=<state of the auth URL>.
func CodeRedirect(prefix, code string) func(*url.URL) string {
	return func(u *url.URL) string {
		q := url.Values{}
		q.Set("code", code)
		q.Set("state", u.Query().Get("state"))
		return prefix + "?" + q.Encode()
	}
}

// TokenRedirect answers with prefix?access_token=token&state=<state of the
// auth URL>, the query the redirect page relays from the fragment.
func TokenRedirect(prefix, token string) func(*url.URL) string {
	return func(u *url.URL) string {
		q := url.Values{}
		q.Set("access_token", token)
		q.Set("state", u.Query().Get("state"))
		q.Set("token_type", "bearer")
		return prefix + "?" + q.Encode()
	}
}

type surface struct {
	rec       *Recorder
	redirect  func(*url.URL) string
	intercept auth.Interceptor
	ready     chan struct{}
	done      chan struct{}
	once      sync.Once
}

func (s *surface) Ready() <-chan struct{} { return s.ready }
func (s *surface) Done() <-chan struct{}  { return s.done }

func (s *surface) Navigate(rawURL string, clearSession bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if s.rec != nil {
		s.rec.mu.Lock()
		s.rec.visited = append(s.rec.visited, u)
		s.rec.cleared = append(s.rec.cleared, clearSession)
		s.rec.mu.Unlock()
	}
	s.intercept(s.redirect(u))
	return nil
}

func (s *surface) Close() error {
	closed := auth.ErrSurfaceClosed
	s.once.Do(func() {
		close(s.done)
		closed = nil
	})
	return closed
}
