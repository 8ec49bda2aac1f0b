// Package service defines the per-platform client contract the polling
// loops drive, and the credential those clients hand back.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"tools.zach/dev/gamecord/internal/catalog"
	"tools.zach/dev/gamecord/internal/httpclient"
	"tools.zach/dev/gamecord/internal/presence"
)

// ///////////////////////////////////////////////
// Kind
// ///////////////////////////////////////////////

// Kind identifies a supported platform.
type Kind int

const (
	Xbox Kind = iota + 1
	PlayStation
	Steam
	// Twitch is an account link, not a polled platform.
	Twitch
)

// Kinds lists every polled platform in display order.
var Kinds = []Kind{Xbox, PlayStation, Steam}

// Polled reports whether k has a polling loop.
func (k Kind) Polled() bool { return slices.Contains(Kinds, k) }

// String returns the config and API name of k.
func (k Kind) String() string {
	switch k {
	case Xbox:
		return "xbox"
	case PlayStation:
		return "playstation"
	case Steam:
		return "steam"
	case Twitch:
		return "twitch"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a config or API name back to its Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range append(slices.Clone(Kinds), Twitch) {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown service %q", s)
}

// MarshalText encodes k by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a name written by MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ///////////////////////////////////////////////
// Credential
// ///////////////////////////////////////////////

// Credential is the session artifact a client needs to fetch presence. The
// loop treats it as opaque and replaces it wholesale on reauthorization.
type Credential struct {
	// Kind is the platform that issued the credential.
	Kind Kind `json:"kind"`
	// Token is the bearer or session token.
	Token string `json:"token"`
	// UserHash is Xbox's user hash, paired with Token in the auth header.
	UserHash string `json:"user_hash,omitempty"`
	// Account is the gamertag, online ID, or persona name.
	Account string `json:"account,omitempty"`
	// RefreshToken renews Token where the platform supports it.
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresAt is when Token stops working. Zero means no expiry.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// expirySkew retires credentials slightly early so a fetch does not race
// the provider's own clock.
const expirySkew = time.Minute

// Valid reports whether c can still be used at now.
func (c *Credential) Valid(now time.Time) bool {
	if c == nil || c.Token == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Add(expirySkew).Before(c.ExpiresAt)
}

// ///////////////////////////////////////////////
// Client
// ///////////////////////////////////////////////

// Client is one platform's integration.
type Client interface {
	// Kind identifies the platform.
	Kind() Kind
	// Authorize obtains a fresh credential, interactively if needed. force
	// asks the provider to show its login prompt again.
	Authorize(ctx context.Context, force bool) (*Credential, error)
	// FetchPresence returns what the account is doing now. It does not
	// retry. A rejected credential yields ErrUnauthorized.
	FetchPresence(ctx context.Context, cred *Credential) (*presence.Record, error)
	// SearchCatalog returns the store listing closest to title, or nil
	// when the store has no game candidates.
	SearchCatalog(ctx context.Context, title string) (*catalog.Match, error)
}

// ///////////////////////////////////////////////
// Errors
// ///////////////////////////////////////////////

// ErrUnauthorized means the platform rejected the credential.
var ErrUnauthorized = errors.New("credential rejected")

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && e.Code == http.StatusUnauthorized
}

// DecodeError is a response body that did not match the expected shape.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ///////////////////////////////////////////////
// HTTP
// ///////////////////////////////////////////////

// maxErrorBody truncates response bodies quoted in a StatusError.
const maxErrorBody = 256

// DoJSON sends req and decodes a 2xx JSON body into v. Non-2xx responses
// are *StatusError; malformed bodies are *DecodeError.
func DoJSON(c *retryablehttp.Client, req *retryablehttp.Request, v any) error {
	resp, err := c.Do(req)
	if err != nil {
		// url.Error quotes the full URL, query keys included.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return fmt.Errorf("%s %s: %w", req.Method, endpoint(req), err)
	}
	body, err := httpclient.ReadBody(resp)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, endpoint(req), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return &StatusError{Method: req.Method, URL: endpoint(req), Code: resp.StatusCode, Body: string(body)}
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &DecodeError{URL: endpoint(req), Err: err}
	}
	return nil
}

// endpoint renders req's URL without the query, which may carry keys.
func endpoint(req *retryablehttp.Request) string {
	u := *req.URL
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

// ///////////////////////////////////////////////
// Registry
// ///////////////////////////////////////////////

// Registry holds the client of each configured platform.
type Registry struct {
	clients map[Kind]Client
}

// NewRegistry indexes clients by Kind. A later client replaces an earlier
// one of the same Kind.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[Kind]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Kind()] = c
	}
	return r
}

// Get returns the client for k.
func (r *Registry) Get(k Kind) (Client, bool) {
	c, ok := r.clients[k]
	return c, ok
}

// All returns the registered clients in Kinds order.
func (r *Registry) All() []Client {
	out := make([]Client, 0, len(r.clients))
	for _, k := range Kinds {
		if c, ok := r.clients[k]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Registered lists the registered kinds in Kinds order.
func (r *Registry) Registered() []Kind {
	return slices.DeleteFunc(slices.Clone(Kinds), func(k Kind) bool {
		_, ok := r.clients[k]
		return !ok
	})
}

// Refresher is implemented by clients that can renew a credential without
// user interaction. The loop tries it before Authorize when the expired
// credential carries a refresh token.
type Refresher interface {
	Refresh(ctx context.Context, cred *Credential) (*Credential, error)
}
