// Package xbox implements the Xbox Live service client: Microsoft account
// sign-in with PKCE, the Xbox Live user and XSTS token exchanges, the
// userpresence API, and the Microsoft Store autosuggest catalog.
package xbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"tools.zach/dev/gamecord/internal/auth"
	"tools.zach/dev/gamecord/internal/catalog"
	"tools.zach/dev/gamecord/internal/httpclient"
	"tools.zach/dev/gamecord/internal/presence"
	"tools.zach/dev/gamecord/internal/service"
)

const (
	// ClientID is the Azure application registered for gamecord sign-in.
	ClientID = "6d97ccd0-5a71-48c5-9bc3-a203a183da22"
	// RedirectPath is where Microsoft sends the browser after sign-in.
	RedirectPath = "/api/xbox/authorize/redirect"
)

// Scopes are the Microsoft account scopes Xbox Live sign-in needs.
var Scopes = []string{"xboxlive.signin", "xboxlive.offline_access"}

// Endpoints are the URLs the client talks to.
type Endpoints struct {
	Authorize   string
	Token       string
	UserAuth    string
	XSTS        string
	Presence    string
	Autosuggest string
}

// DefaultEndpoints are the production Microsoft and Xbox Live URLs.
var DefaultEndpoints = Endpoints{
	Authorize:   "https://login.microsoftonline.com/consumers/oauth2/v2.0/authorize",
	Token:       "https://login.microsoftonline.com/consumers/oauth2/v2.0/token",
	UserAuth:    "https://user.auth.xboxlive.com/user/authenticate",
	XSTS:        "https://xsts.auth.xboxlive.com/xsts/authorize",
	Presence:    "https://userpresence.xboxlive.com/users/me",
	Autosuggest: "https://www.microsoft.com/msstoreapiprod/api/autosuggest",
}

// Options configures [New].
type Options struct {
	// Session runs the interactive sign-in.
	Session *auth.Session
	// BaseURL is the local API origin the redirect returns to.
	BaseURL string
	// Endpoints overrides DefaultEndpoints, for tests.
	Endpoints *Endpoints
	// PresenceHTTP serves the per-tick presence GET. It must not retry.
	PresenceHTTP *retryablehttp.Client
	// HTTP serves token exchanges and catalog searches.
	HTTP *retryablehttp.Client
	// Limiter spaces catalog searches.
	Limiter *catalog.Limiter
	// Clock stamps credential expiry. Defaults to the real clock.
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Client is the Xbox Live service.Client.
type Client struct {
	session  *auth.Session
	oauth    *oauth2.Config
	ep       Endpoints
	presence *retryablehttp.Client
	http     *retryablehttp.Client
	limiter  *catalog.Limiter
	clock    clockwork.Clock
	logger   *slog.Logger
}

// New returns an Xbox client.
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
	if opts.PresenceHTTP == nil {
		opts.PresenceHTTP = httpclient.New(httpclient.Presence(opts.Logger))
	}
	if opts.HTTP == nil {
		opts.HTTP = httpclient.New(httpclient.Catalog(opts.Logger))
	}
	return &Client{
		session: opts.Session,
		oauth: &oauth2.Config{
			ClientID:    ClientID,
			Endpoint:    oauth2.Endpoint{AuthURL: ep.Authorize, TokenURL: ep.Token, AuthStyle: oauth2.AuthStyleInParams},
			RedirectURL: strings.TrimRight(opts.BaseURL, "/") + RedirectPath,
			Scopes:      Scopes,
		},
		ep:       ep,
		presence: opts.PresenceHTTP,
		http:     opts.HTTP,
		limiter:  opts.Limiter,
		clock:    opts.Clock,
		logger:   opts.Logger.With("service", "xbox"),
	}
}

// Kind implements service.Client.
func (c *Client) Kind() service.Kind { return service.Xbox }

// ///////////////////////////////////////////////
// Authorization
// ///////////////////////////////////////////////

// Authorize signs the user in through the browser and exchanges the
// resulting code for an XSTS token.
func (c *Client) Authorize(ctx context.Context, force bool) (*service.Credential, error) {
	state, err := auth.NewState()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if force {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "login"))
	}

	art, err := c.session.Authorize(ctx, auth.Request{
		AuthURL:        c.oauth.AuthCodeURL(state, opts...),
		RedirectPrefix: c.oauth.RedirectURL,
		State:          state,
		Variant:        auth.VariantCode,
		Force:          force,
		Owner:          service.Xbox.String(),
	})
	if err != nil {
		return nil, err
	}

	tok, err := c.oauth.Exchange(c.oauthContext(ctx), art.Value, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return c.xboxLive(ctx, tok)
}

// Refresh renews cred with its Microsoft refresh token, skipping the
// browser.
func (c *Client) Refresh(ctx context.Context, cred *service.Credential) (*service.Credential, error) {
	if cred == nil || cred.RefreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing microsoft token: %w", err)
	}
	return c.xboxLive(ctx, tok)
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http.StandardClient())
}

// defaultXSTSLifetime applies when an XSTS response omits NotAfter.
const defaultXSTSLifetime = 16 * time.Hour

// xblToken is the response of both Xbox Live token endpoints.
type xblToken struct {
	IssueInstant  time.Time `json:"IssueInstant"`
	NotAfter      time.Time `json:"NotAfter"`
	Token         string    `json:"Token"`
	DisplayClaims struct {
		Xui []struct {
			UserHash string `json:"uhs"`
			Gamertag string `json:"gtg"`
			XUID     string `json:"xid"`
		} `json:"xui"`
	} `json:"DisplayClaims"`
}

// xboxLive trades a Microsoft access token for a user token and then an
// XSTS token.
func (c *Client) xboxLive(ctx context.Context, tok *oauth2.Token) (*service.Credential, error) {
	var user xblToken
	if err := c.postJSON(ctx, c.ep.UserAuth, map[string]any{
		"RelyingParty": "http://auth.xboxlive.com",
		"TokenType":    "JWT",
		"Properties": map[string]any{
			"AuthMethod": "RPS",
			"SiteName":   "user.auth.xboxlive.com",
			"RpsTicket":  "d=" + tok.AccessToken,
		},
	}, &user); err != nil {
		return nil, fmt.Errorf("requesting xbox user token: %w", err)
	}

	var xsts xblToken
	if err := c.postJSON(ctx, c.ep.XSTS, map[string]any{
		"RelyingParty": "http://xboxlive.com",
		"TokenType":    "JWT",
		"Properties": map[string]any{
			"SandboxId":  "RETAIL",
			"UserTokens": []string{user.Token},
		},
	}, &xsts); err != nil {
		return nil, fmt.Errorf("requesting xsts token: %w", err)
	}
	if xsts.Token == "" || len(xsts.DisplayClaims.Xui) == 0 {
		return nil, errors.New("xsts response missing token or user claims")
	}

	xui := xsts.DisplayClaims.Xui[0]
	expires := xsts.NotAfter
	if expires.IsZero() {
		expires = c.clock.Now().Add(defaultXSTSLifetime)
	}
	c.logger.Info("signed in", "gamertag", xui.Gamertag, "expires", expires)
	return &service.Credential{
		Kind:         service.Xbox,
		Token:        xsts.Token,
		UserHash:     xui.UserHash,
		Account:      xui.Gamertag,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expires,
	}, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, b)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-xbl-contract-version", "1")
	return service.DoJSON(c.http, req, out)
}

// ///////////////////////////////////////////////
// Presence
// ///////////////////////////////////////////////

type presenceResponse struct {
	XUID    string `json:"xuid"`
	State   string `json:"state"`
	Devices []struct {
		Type   string `json:"type"`
		Titles []struct {
			ID           json.Number `json:"id"`
			Name         string      `json:"name"`
			Placement    string      `json:"placement"`
			State        string      `json:"state"`
			LastModified time.Time   `json:"lastModified"`
		} `json:"titles"`
	} `json:"devices"`
}

// FetchPresence implements service.Client.
func (c *Client) FetchPresence(ctx context.Context, cred *service.Credential) (*presence.Record, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.ep.Presence, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "XBL3.0 x="+cred.UserHash+";"+cred.Token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("x-xbl-contract-version", "3")

	var resp presenceResponse
	if err := service.DoJSON(c.presence, req, &resp); err != nil {
		return nil, fmt.Errorf("fetching xbox presence: %w", err)
	}

	rec := &presence.Record{Status: presence.Status(resp.State)}
	for _, d := range resp.Devices {
		dev := presence.Device{Type: d.Type}
		for _, t := range d.Titles {
			dev.Titles = append(dev.Titles, presence.Title{
				ID:           t.ID.String(),
				Name:         t.Name,
				State:        t.State,
				Placement:    t.Placement,
				LastModified: t.LastModified,
			})
		}
		rec.Devices = append(rec.Devices, dev)
	}
	return rec, nil
}

// ///////////////////////////////////////////////
// Catalog
// ///////////////////////////////////////////////

type autosuggestResponse struct {
	ResultSets []struct {
		Suggests []struct {
			Source   string `json:"Source"`
			Title    string `json:"Title"`
			URL      string `json:"Url"`
			ImageURL string `json:"ImageUrl"`
		} `json:"Suggests"`
	} `json:"ResultSets"`
}

// SearchCatalog implements service.Client using Microsoft Store
// autosuggest. Its links are protocol-relative and images carry resize
// parameters that are dropped.
func (c *Client) SearchCatalog(ctx context.Context, title string) (*catalog.Match, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("market", "en-us")
	q.Set("sources", "DCatAll-Products")
	q.Set("query", title)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.ep.Autosuggest+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	var resp autosuggestResponse
	if err := service.DoJSON(c.http, req, &resp); err != nil {
		return nil, fmt.Errorf("searching microsoft store: %w", err)
	}

	var candidates []catalog.Candidate
	for _, set := range resp.ResultSets {
		for _, s := range set.Suggests {
			if s.Source != "Game" {
				continue
			}
			store, err := catalog.AbsoluteURL(s.URL)
			if err != nil {
				c.logger.Debug("skipping suggestion", "title", s.Title, "error", err)
				continue
			}
			image, err := catalog.AbsoluteURL(catalog.StripQuery(s.ImageURL))
			if err != nil {
				c.logger.Debug("skipping suggestion", "title", s.Title, "error", err)
				continue
			}
			candidates = append(candidates, catalog.Candidate{Title: s.Title, StoreURL: store, ImageURL: image})
		}
	}
	return catalog.Best(title, candidates), nil
}
