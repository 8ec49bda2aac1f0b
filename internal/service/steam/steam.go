// Package steam implements the Steam service client. Steam needs no
// interactive sign-in: the user configures a Web API key and their SteamID,
// and authorization only checks that the pair resolves to a profile.
package steam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"

	"tools.zach/dev/gamecord/internal/catalog"
	"tools.zach/dev/gamecord/internal/httpclient"
	"tools.zach/dev/gamecord/internal/presence"
	"tools.zach/dev/gamecord/internal/service"
)

// ErrNotConfigured means the API key or SteamID is missing.
var ErrNotConfigured = errors.New("steam api_key and steam_id must be configured")

// Endpoints are the URLs the client talks to.
type Endpoints struct {
	Summaries   string
	StoreSearch string
	App         string
}

// DefaultEndpoints are the production Steam URLs.
var DefaultEndpoints = Endpoints{
	Summaries:   "https://api.steampowered.com/ISteamUser/GetPlayerSummaries/v2/",
	StoreSearch: "https://store.steampowered.com/api/storesearch/",
	App:         "https://store.steampowered.com/app/",
}

// Options configures [New].
type Options struct {
	// Credentials returns the configured key and SteamID. It is read on
	// every authorization so config edits apply without a restart.
	Credentials func() (apiKey, steamID string)
	// Endpoints overrides DefaultEndpoints, for tests.
	Endpoints *Endpoints
	// PresenceHTTP serves the per-tick summary GET. It must not retry.
	PresenceHTTP *retryablehttp.Client
	// HTTP serves store searches.
	HTTP *retryablehttp.Client
	// Limiter spaces store searches.
	Limiter *catalog.Limiter
	Logger  *slog.Logger
}

// Client is the Steam service.Client.
type Client struct {
	credentials func() (string, string)
	ep          Endpoints
	presence    *retryablehttp.Client
	http        *retryablehttp.Client
	limiter     *catalog.Limiter
	logger      *slog.Logger
}

// New returns a Steam client.
func New(opts Options) *Client {
	ep := DefaultEndpoints
	if opts.Endpoints != nil {
		ep = *opts.Endpoints
	}
	if opts.Credentials == nil {
		opts.Credentials = func() (string, string) { return "", "" }
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
		credentials: opts.Credentials,
		ep:          ep,
		presence:    opts.PresenceHTTP,
		http:        opts.HTTP,
		limiter:     opts.Limiter,
		logger:      opts.Logger.With("service", "steam"),
	}
}

// Kind implements service.Client.
func (c *Client) Kind() service.Kind { return service.Steam }

// ///////////////////////////////////////////////
// Authorization
// ///////////////////////////////////////////////

// Authorize resolves the configured SteamID with the configured key. The
// credential carries both; it has no expiry. force has no effect.
func (c *Client) Authorize(ctx context.Context, _ bool) (*service.Credential, error) {
	key, id := c.credentials()
	if key == "" || id == "" {
		return nil, ErrNotConfigured
	}
	cred := &service.Credential{Kind: service.Steam, Token: key, UserHash: id}
	p, err := c.summary(ctx, c.http, cred)
	if err != nil {
		return nil, fmt.Errorf("checking steam api key: %w", err)
	}
	cred.Account = p.PersonaName
	c.logger.Info("signed in", "persona", p.PersonaName)
	return cred, nil
}

// ///////////////////////////////////////////////
// Presence
// ///////////////////////////////////////////////

type player struct {
	SteamID       string `json:"steamid"`
	PersonaName   string `json:"personaname"`
	PersonaState  int    `json:"personastate"`
	GameID        string `json:"gameid"`
	GameExtraInfo string `json:"gameextrainfo"`
}

type summariesResponse struct {
	Response struct {
		Players []player `json:"players"`
	} `json:"response"`
}

func (c *Client) summary(ctx context.Context, hc *retryablehttp.Client, cred *service.Credential) (*player, error) {
	q := url.Values{"key": {cred.Token}, "steamids": {cred.UserHash}}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.ep.Summaries+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	var resp summariesResponse
	if err := service.DoJSON(hc, req, &resp); err != nil {
		// Steam answers a bad key with 403.
		var se *service.StatusError
		if errors.As(err, &se) && se.Code == http.StatusForbidden {
			return nil, fmt.Errorf("%w: %v", service.ErrUnauthorized, err)
		}
		return nil, err
	}
	if len(resp.Response.Players) == 0 {
		return nil, fmt.Errorf("steam id %s not found", cred.UserHash)
	}
	return &resp.Response.Players[0], nil
}

// personaStatus maps Steam's personastate: 0 offline, 1 online, 2 busy,
// 3 away, 4 snooze, 5 looking to trade, 6 looking to play.
func personaStatus(state int) presence.Status {
	switch state {
	case 0:
		return presence.StatusOffline
	case 3, 4:
		return presence.StatusAway
	default:
		return presence.StatusOnline
	}
}

// FetchPresence implements service.Client.
func (c *Client) FetchPresence(ctx context.Context, cred *service.Credential) (*presence.Record, error) {
	p, err := c.summary(ctx, c.presence, cred)
	if err != nil {
		return nil, fmt.Errorf("fetching steam presence: %w", err)
	}
	status := personaStatus(p.PersonaState)
	// A running game is reported even while the persona is set to away.
	if p.GameExtraInfo != "" && status == presence.StatusAway {
		status = presence.StatusOnline
	}
	rec := &presence.Record{Status: status}
	dev := presence.Device{Type: "PC"}
	if p.GameExtraInfo != "" {
		dev.Titles = append(dev.Titles, presence.Title{ID: p.GameID, Name: p.GameExtraInfo, State: "Active"})
	}
	rec.Devices = append(rec.Devices, dev)
	return rec, nil
}

// ///////////////////////////////////////////////
// Catalog
// ///////////////////////////////////////////////

type storeSearchResponse struct {
	Items []struct {
		Type      string `json:"type"`
		ID        int    `json:"id"`
		Name      string `json:"name"`
		TinyImage string `json:"tiny_image"`
	} `json:"items"`
}

// headerImage is the capsule art every Steam app publishes.
const headerImage = "https://cdn.akamai.steamstatic.com/steam/apps/%d/header.jpg"

// SearchCatalog implements service.Client using the store search API,
// keeping apps only.
func (c *Client) SearchCatalog(ctx context.Context, title string) (*catalog.Match, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	q := url.Values{"term": {title}, "l": {"english"}, "cc": {"US"}}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.ep.StoreSearch+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	var resp storeSearchResponse
	if err := service.DoJSON(c.http, req, &resp); err != nil {
		return nil, fmt.Errorf("searching steam store: %w", err)
	}

	var candidates []catalog.Candidate
	for _, it := range resp.Items {
		if it.Type != "app" {
			continue
		}
		candidates = append(candidates, catalog.Candidate{
			Title:    it.Name,
			StoreURL: c.ep.App + strconv.Itoa(it.ID) + "/",
			ImageURL: fmt.Sprintf(headerImage, it.ID),
		})
	}
	return catalog.Best(title, candidates), nil
}
