// Package playstation implements the PlayStation Network service client.
//
// Sony's sign-in ends on the PlayStation App's custom URL scheme, which a
// desktop browser cannot follow; the user pastes that final address into
// the sign-in page instead. The code it carries is exchanged for a JWT
// access token used against the basicPresences API.
package playstation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/jonboulle/clockwork"

	"tools.zach/dev/gamecord/internal/auth"
	"tools.zach/dev/gamecord/internal/catalog"
	"tools.zach/dev/gamecord/internal/httpclient"
	"tools.zach/dev/gamecord/internal/presence"
	"tools.zach/dev/gamecord/internal/service"
)

const (
	// RedirectURI is the PlayStation App redirect Sony issues codes to.
	RedirectURI = "com.playstation.PlayStationApp://redirect"
	// clientID identifies the PlayStation App.
	clientID = "ac8d161a-d966-4728-b0ea-ffec22f69edc"
	// basicAuth is the PlayStation App's client credentials, base64 encoded.
	basicAuth = "YWM4ZDE2MWEtZDk2Ni00NzI4LWIwZWEtZmZlYzIyZjY5ZWRjOkRFaXhFcVhYQ2RYZHdqMHY="
	// duid is the device id the PlayStation App presents.
	duid = "0000000d0004008088347AA0C79542D3B656EBB51CE3EBE1"
	// scope is the mobile app scope set.
	scope = "psn:mobile.v1 psn:clientapp"
)

// Endpoints are the URLs the client talks to.
type Endpoints struct {
	Authorize string
	Token     string
	Presence  string
	Search    string
	Product   string
}

// DefaultEndpoints are the production Sony URLs.
var DefaultEndpoints = Endpoints{
	Authorize: "https://ca.account.sony.com/api/authz/v3/oauth/authorize",
	Token:     "https://ca.account.sony.com/api/authz/v3/oauth/token",
	Presence:  "https://m.np.playstation.com/api/userProfile/v1/internal/users/me/basicPresences",
	Search:    "https://store.playstation.com/store/api/chihiro/00_09_000/tumbler/US/en/999/",
	Product:   "https://store.playstation.com/en-us/product/",
}

// commonParams are sent on both the authorize and token requests.
func commonParams() url.Values {
	return url.Values{
		"access_type":      {"offline"},
		"app_context":      {"inapp_ios"},
		"device_profile":   {"mobile"},
		"smcid":            {"psapp:settings-entrance"},
		"support_scheme":   {"sneiprls"},
		"token_format":     {"jwt"},
		"ui":               {"pr"},
		"extraQueryParams": {"{ PlatformPrivacyWs1 = minimal; }"},
		"redirect_uri":     {RedirectURI},
	}
}

// Options configures [New].
type Options struct {
	// Session runs the interactive sign-in.
	Session *auth.Session
	// Endpoints overrides DefaultEndpoints, for tests.
	Endpoints *Endpoints
	// PresenceHTTP serves the per-tick presence GET. It must not retry.
	PresenceHTTP *retryablehttp.Client
	// HTTP serves token exchanges and store searches.
	HTTP *retryablehttp.Client
	// Limiter spaces store searches.
	Limiter *catalog.Limiter
	// Clock turns expires_in into an absolute expiry.
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Client is the PlayStation Network service.Client.
type Client struct {
	session  *auth.Session
	ep       Endpoints
	presence *retryablehttp.Client
	http     *retryablehttp.Client
	limiter  *catalog.Limiter
	clock    clockwork.Clock
	logger   *slog.Logger
}

// New returns a PlayStation client.
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
		session:  opts.Session,
		ep:       ep,
		presence: opts.PresenceHTTP,
		http:     opts.HTTP,
		limiter:  opts.Limiter,
		clock:    opts.Clock,
		logger:   opts.Logger.With("service", "playstation"),
	}
}

// Kind implements service.Client.
func (c *Client) Kind() service.Kind { return service.PlayStation }

// ///////////////////////////////////////////////
// Authorization
// ///////////////////////////////////////////////

// AuthURL builds the sign-in URL carrying state.
func (c *Client) AuthURL(state string, force bool) string {
	q := commonParams()
	q.Set("response_type", "code")
	q.Set("scope", scope)
	q.Set("client_id", clientID)
	q.Set("duid", duid)
	q.Set("state", state)
	if force {
		q.Set("prompt", "login")
	}
	return c.ep.Authorize + "?" + q.Encode()
}

// Authorize implements service.Client.
func (c *Client) Authorize(ctx context.Context, force bool) (*service.Credential, error) {
	state, err := auth.NewState()
	if err != nil {
		return nil, err
	}
	art, err := c.session.Authorize(ctx, auth.Request{
		AuthURL:        c.AuthURL(state, force),
		RedirectPrefix: RedirectURI,
		State:          state,
		Variant:        auth.VariantCode,
		Force:          force,
		Owner:          service.PlayStation.String(),
	})
	if err != nil {
		return nil, err
	}

	form := commonParams()
	form.Set("grant_type", "authorization_code")
	form.Set("code", art.Value)
	cred, err := c.token(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return cred, nil
}

// Refresh renews cred with its refresh token.
func (c *Client) Refresh(ctx context.Context, cred *service.Credential) (*service.Credential, error) {
	if cred == nil || cred.RefreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
		"scope":         {scope},
		"token_format":  {"jwt"},
	}
	next, err := c.token(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	return next, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (c *Client) token(ctx context.Context, form url.Values) (*service.Credential, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.ep.Token, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Basic "+basicAuth)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tok tokenResponse
	if err := service.DoJSON(c.http, req, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}

	cred := &service.Credential{
		Kind:         service.PlayStation,
		Token:        tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if tok.ExpiresIn > 0 {
		cred.ExpiresAt = c.clock.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	} else if exp, err := jwtExpiry(tok.AccessToken); err == nil {
		cred.ExpiresAt = exp
	} else {
		c.logger.Debug("access token has no readable expiry", "error", err)
	}
	c.logger.Info("signed in", "expires", cred.ExpiresAt)
	return cred, nil
}

// jwtExpiry reads the exp claim without verifying the signature. The token
// is only ever sent back to its issuer.
func jwtExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parsing access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errors.New("access token has no exp claim")
	}
	return exp.Time, nil
}

// ///////////////////////////////////////////////
// Presence
// ///////////////////////////////////////////////

type presenceResponse struct {
	BasicPresence struct {
		Availability        string `json:"availability"`
		PrimaryPlatformInfo struct {
			OnlineStatus   string    `json:"onlineStatus"`
			Platform       string    `json:"platform"`
			LastOnlineDate time.Time `json:"lastOnlineDate"`
		} `json:"primaryPlatformInfo"`
		GameTitleInfoList []struct {
			NpTitleID      string `json:"npTitleId"`
			TitleName      string `json:"titleName"`
			Format         string `json:"format"`
			LaunchPlatform string `json:"launchPlatform"`
		} `json:"gameTitleInfoList"`
	} `json:"basicPresence"`
}

// FetchPresence implements service.Client.
func (c *Client) FetchPresence(ctx context.Context, cred *service.Credential) (*presence.Record, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.ep.Presence+"?type=primary", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Accept", "application/json")

	var resp presenceResponse
	if err := service.DoJSON(c.presence, req, &resp); err != nil {
		return nil, fmt.Errorf("fetching playstation presence: %w", err)
	}

	bp := resp.BasicPresence
	rec := &presence.Record{Status: status(bp.PrimaryPlatformInfo.OnlineStatus, bp.Availability)}
	dev := presence.Device{Type: bp.PrimaryPlatformInfo.Platform}
	for _, g := range bp.GameTitleInfoList {
		dev.Titles = append(dev.Titles, presence.Title{ID: g.NpTitleID, Name: g.TitleName, State: "Active"})
	}
	rec.Devices = append(rec.Devices, dev)
	return rec, nil
}

func status(online, availability string) presence.Status {
	switch {
	case strings.EqualFold(online, "online") && strings.EqualFold(availability, "unavailable"):
		return presence.StatusAway
	case strings.EqualFold(online, "online"):
		return presence.StatusOnline
	case strings.EqualFold(online, "standby"):
		return presence.StatusAway
	default:
		return presence.StatusOffline
	}
}

// ///////////////////////////////////////////////
// Catalog
// ///////////////////////////////////////////////

type searchResponse struct {
	Links []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		TopCategory string `json:"top_category"`
		Images      []struct {
			Type int    `json:"type"`
			URL  string `json:"url"`
		} `json:"images"`
	} `json:"links"`
}

// SearchCatalog implements service.Client using the PlayStation Store
// search, keeping downloadable games only.
func (c *Client) SearchCatalog(ctx context.Context, title string) (*catalog.Match, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	q := url.Values{"suggested_size": {"10"}, "mode": {"game"}}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.ep.Search+url.PathEscape(title)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	var resp searchResponse
	if err := service.DoJSON(c.http, req, &resp); err != nil {
		return nil, fmt.Errorf("searching playstation store: %w", err)
	}

	var candidates []catalog.Candidate
	for _, l := range resp.Links {
		if l.TopCategory != "downloadable_game" || len(l.Images) == 0 {
			continue
		}
		image, err := catalog.AbsoluteURL(l.Images[0].URL)
		if err != nil {
			continue
		}
		candidates = append(candidates, catalog.Candidate{
			Title:    l.Name,
			StoreURL: c.ep.Product + url.PathEscape(l.ID),
			ImageURL: image,
		})
	}
	return catalog.Best(title, candidates), nil
}
