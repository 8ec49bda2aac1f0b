// Package twitch links a Twitch account through the implicit grant and
// resolves game titles to Twitch categories with the Helix API. It is not
// a polled service: the link only refines the presence's Twitch button.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jonboulle/clockwork"

	"tools.zach/dev/gamecord/internal/auth"
	"tools.zach/dev/gamecord/internal/catalog"
	"tools.zach/dev/gamecord/internal/httpclient"
	"tools.zach/dev/gamecord/internal/service"
	"tools.zach/dev/gamecord/internal/syncutil"
)

const (
	// ClientID is the Twitch application registered for gamecord.
	ClientID = "0vvuyyk8c79jvwqwc9b4hmbqb3sjdr"
	// RedirectPath is where Twitch sends the browser after sign-in.
	RedirectPath = "/api/twitch/authorize/redirect"
)

// ErrNotLinked means no valid Twitch credential is stored.
var ErrNotLinked = errors.New("twitch account not linked")

// Endpoints are the URLs the client talks to.
type Endpoints struct {
	Authorize string
	Validate  string
	Games     string
}

// DefaultEndpoints are the production Twitch URLs.
var DefaultEndpoints = Endpoints{
	Authorize: "https://id.twitch.tv/oauth2/authorize",
	Validate:  "https://id.twitch.tv/oauth2/validate",
	Games:     "https://api.twitch.tv/helix/games",
}

// Options configures [New].
type Options struct {
	// Session runs the interactive sign-in.
	Session *auth.Session
	// BaseURL is the local API origin the redirect returns to.
	BaseURL string
	// Endpoints overrides DefaultEndpoints, for tests.
	Endpoints *Endpoints
	HTTP      *retryablehttp.Client
	// Limiter spaces category lookups together with catalog searches.
	Limiter *catalog.Limiter
	// Credential returns the stored link, or nil.
	Credential func() *service.Credential
	// Unauthorized is called when Twitch rejects the stored token.
	Unauthorized func()
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

// Client is the Twitch account link.
type Client struct {
	opts   Options
	ep     Endpoints
	clock  clockwork.Clock
	logger *slog.Logger

	// mu guards categories.
	mu         syncutil.Mutex
	categories map[string]category
}

// category is a cached Helix lookup. ok is false when Twitch has no
// category by that name.
type category struct {
	name string
	ok   bool
}

// New returns a Twitch client.
func New(opts Options) *Client {
	ep := DefaultEndpoints
	if opts.Endpoints != nil {
		ep = *opts.Endpoints
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTP == nil {
		opts.HTTP = httpclient.New(httpclient.Catalog(opts.Logger))
	}
	if opts.Credential == nil {
		opts.Credential = func() *service.Credential { return nil }
	}
	return &Client{
		opts:       opts,
		ep:         ep,
		clock:      opts.Clock,
		logger:     opts.Logger.With("service", "twitch"),
		categories: make(map[string]category),
	}
}

// Kind returns service.Twitch.
func (c *Client) Kind() service.Kind { return service.Twitch }

// ///////////////////////////////////////////////
// Authorization
// ///////////////////////////////////////////////

// RedirectURL is the redirect registered with Twitch.
func (c *Client) RedirectURL() string {
	return strings.TrimRight(c.opts.BaseURL, "/") + RedirectPath
}

// Authorize signs the user in through the browser and validates the
// returned token. force makes Twitch ask for the account again.
func (c *Client) Authorize(ctx context.Context, force bool) (*service.Credential, error) {
	state, err := auth.NewState()
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("response_type", "token")
	q.Set("client_id", ClientID)
	q.Set("redirect_uri", c.RedirectURL())
	q.Set("scope", "")
	q.Set("state", state)
	q.Set("force_verify", fmt.Sprint(force))

	art, err := c.opts.Session.Authorize(ctx, auth.Request{
		AuthURL:        c.ep.Authorize + "?" + q.Encode(),
		RedirectPrefix: c.RedirectURL(),
		State:          state,
		Variant:        auth.VariantToken,
		Force:          force,
		Owner:          service.Twitch.String(),
	})
	if err != nil {
		return nil, err
	}
	return c.Validate(ctx, art.Value)
}

type validateResponse struct {
	ClientID  string `json:"client_id"`
	Login     string `json:"login"`
	UserID    string `json:"user_id"`
	ExpiresIn int    `json:"expires_in"`
}

// Validate checks token with Twitch and returns it as a credential naming
// the account.
func (c *Client) Validate(ctx context.Context, token string) (*service.Credential, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.ep.Validate, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+token)

	var resp validateResponse
	if err := service.DoJSON(c.opts.HTTP, req, &resp); err != nil {
		return nil, fmt.Errorf("validating twitch token: %w", err)
	}
	if resp.ClientID != "" && resp.ClientID != ClientID {
		return nil, fmt.Errorf("twitch token issued to client %q", resp.ClientID)
	}
	cred := &service.Credential{Kind: service.Twitch, Token: token, Account: resp.Login}
	if resp.ExpiresIn > 0 {
		cred.ExpiresAt = c.clock.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return cred, nil
}

// ///////////////////////////////////////////////
// Categories
// ///////////////////////////////////////////////

type gamesResponse struct {
	Data []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

// TwitchCategory returns the Twitch category name of title. ok is false
// when Twitch has no such category. Results are cached for the life of the
// client. Without a linked account it returns ErrNotLinked.
func (c *Client) TwitchCategory(ctx context.Context, title string) (string, bool, error) {
	c.mu.Lock()
	cached, hit := c.categories[title]
	c.mu.Unlock()
	if hit {
		return cached.name, cached.ok, nil
	}

	cred := c.opts.Credential()
	if !cred.Valid(c.clock.Now()) {
		return "", false, ErrNotLinked
	}
	if err := c.opts.Limiter.Wait(ctx); err != nil {
		return "", false, err
	}

	q := url.Values{}
	q.Set("name", title)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.ep.Games+"?"+q.Encode(), nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Client-Id", ClientID)
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	var resp gamesResponse
	if err := service.DoJSON(c.opts.HTTP, req, &resp); err != nil {
		if errors.Is(err, service.ErrUnauthorized) && c.opts.Unauthorized != nil {
			c.logger.Info("twitch token rejected")
			c.opts.Unauthorized()
		}
		return "", false, fmt.Errorf("looking up twitch category: %w", err)
	}

	found := category{}
	if len(resp.Data) > 0 && resp.Data[0].Name != "" {
		found = category{name: resp.Data[0].Name, ok: true}
	}
	c.mu.Lock()
	c.categories[title] = found
	c.mu.Unlock()
	c.logger.Debug("twitch category", "title", title, "category", found.name, "found", found.ok)
	return found.name, found.ok, nil
}
