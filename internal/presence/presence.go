// Package presence defines the normalized "what is the user playing" value,
// derives it from a platform's raw presence record, and decides whether a new
// value is worth publishing.
package presence

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"tools.zach/dev/gamecord/internal/catalog"
	"tools.zach/dev/gamecord/internal/discord"
)

// ///////////////////////////////////////////////
// Raw Records
// ///////////////////////////////////////////////

// Status is the account-level availability reported by a platform.
type Status string

const (
	StatusOnline  Status = "Online"
	StatusAway    Status = "Away"
	StatusOffline Status = "Offline"
)

// Record is a platform's answer to "what is this account doing". It is
// fetched fresh every tick.
type Record struct {
	// Status is the account-level availability.
	Status Status `json:"status"`
	// Devices lists active devices, most relevant first.
	Devices []Device `json:"devices"`
}

// Device is one console or PC the account is active on.
type Device struct {
	// Type is the platform's device label, e.g. "XboxSeries" or "PS5".
	Type string `json:"type"`
	// Titles are the apps running on the device.
	Titles []Title `json:"titles"`
}

// Title is one app reported on a device.
type Title struct {
	// ID is the platform's title identifier, if any.
	ID string `json:"id,omitempty"`
	// Name is the display name, matched against the store catalog.
	Name string `json:"name"`
	// State is the platform's activity tag, e.g. "Active".
	State string `json:"state,omitempty"`
	// Placement is Xbox's snap state ("Full", "Background").
	Placement string `json:"placement,omitempty"`
	// LastModified is when the platform last saw this title change.
	LastModified time.Time `json:"last_modified,omitzero"`
}

// placeholderTitles are names platforms report for dashboards and menus
// rather than games.
var placeholderTitles = []string{
	"online",
	"home",
	"xbox app",
	"xbox",
	"menu",
	"playstation home",
	"ps home",
}

// IsPlaceholder reports whether name is a dashboard/menu placeholder.
func IsPlaceholder(name string) bool {
	return slices.Contains(placeholderTitles, strings.ToLower(strings.TrimSpace(name)))
}

// RelevantTitle returns the first non-placeholder title across all devices.
// ok is false when the account is not online or every title is a placeholder.
// The returned name may be empty.
func (r *Record) RelevantTitle() (name string, ok bool) {
	if r == nil || r.Status != StatusOnline {
		return "", false
	}
	for _, d := range r.Devices {
		for _, t := range d.Titles {
			if !IsPlaceholder(t.Name) {
				return strings.TrimSpace(t.Name), true
			}
		}
	}
	return "", false
}

// ///////////////////////////////////////////////
// Presence
// ///////////////////////////////////////////////

// Button is a labelled link shown under the activity.
type Button struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Assets are the images and tooltips of the activity.
type Assets struct {
	LargeImage string `json:"large_image"`
	LargeText  string `json:"large_text"`
	SmallImage string `json:"small_image"`
	SmallText  string `json:"small_text"`
}

// Presence is a publishable activity. A nil *Presence means "nothing to
// show" and is itself a publishable value.
type Presence struct {
	Details   string    `json:"details"`
	State     string    `json:"state,omitempty"`
	Assets    Assets    `json:"assets"`
	TimeStart time.Time `json:"time_start"`
	Buttons   []Button  `json:"buttons,omitempty"`
}

// EqualModuloTime reports whether p and q match in every field except
// TimeStart. Two nil values are equal.
func (p *Presence) EqualModuloTime(q *Presence) bool {
	if p == nil || q == nil {
		return p == q
	}
	return p.Details == q.Details &&
		p.State == q.State &&
		p.Assets == q.Assets &&
		slices.Equal(p.Buttons, q.Buttons)
}

// Differs reports whether next should be published over prev: exactly one
// of them is nil, or any field other than TimeStart changed.
func Differs(prev, next *Presence) bool {
	return !prev.EqualModuloTime(next)
}

// Activity converts p to the Discord SET_ACTIVITY payload. Discord accepts
// at most two buttons; extras are dropped.
func (p *Presence) Activity() *discord.Activity {
	if p == nil {
		return nil
	}
	a := &discord.Activity{
		Details: p.Details,
		State:   p.State,
		Assets: &discord.Assets{
			LargeImage: p.Assets.LargeImage,
			LargeText:  p.Assets.LargeText,
			SmallImage: p.Assets.SmallImage,
			SmallText:  p.Assets.SmallText,
		},
	}
	if !p.TimeStart.IsZero() {
		a.Timestamps = &discord.Timestamps{Start: p.TimeStart.Unix()}
	}
	for _, b := range p.Buttons {
		if len(a.Buttons) == 2 {
			break
		}
		a.Buttons = append(a.Buttons, discord.Button{Label: b.Label, URL: b.URL})
	}
	return a
}

// ///////////////////////////////////////////////
// Derivation
// ///////////////////////////////////////////////

// Searcher finds the store listing for a title. A nil match with a nil
// error means the catalog has no game by that name.
type Searcher interface {
	SearchCatalog(ctx context.Context, title string) (*catalog.Match, error)
}

// Source describes the platform a presence is derived for.
type Source struct {
	// SmallImage and SmallText badge the activity with the platform.
	SmallImage string
	SmallText  string
	// StoreLabel labels the store button, e.g. "xbox.com".
	StoreLabel string
	// TwitchButton adds a Twitch directory button.
	TwitchButton bool
	// Twitch resolves the button's category when an account is linked. Nil
	// links the title's directory page as is.
	Twitch CategoryResolver
	// Allow filters titles by name. Nil allows every title.
	Allow func(title string) bool
}

// CategoryResolver maps a title to its Twitch category name. ok is false
// when Twitch has no category for the title.
type CategoryResolver interface {
	TwitchCategory(ctx context.Context, title string) (name string, ok bool, err error)
}

const twitchDirectory = "https://www.twitch.tv/directory/game/"

// TwitchURL returns the Twitch directory page of title.
func TwitchURL(title string) string {
	return twitchDirectory + url.PathEscape(title)
}

// Derive builds the presence for rec. It returns nil without error when the
// account is offline, only menus are showing, the title is empty or
// filtered out, or the catalog has no matching game. Catalog errors are
// returned.
func Derive(ctx context.Context, rec *Record, src Source, s Searcher, now time.Time) (*Presence, error) {
	name, ok := rec.RelevantTitle()
	if !ok || name == "" {
		return nil, nil
	}
	if src.Allow != nil && !src.Allow(name) {
		return nil, nil
	}

	match, err := s.SearchCatalog(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("search catalog for %q: %w", name, err)
	}
	if match == nil || match.StoreURL == "" || match.ImageURL == "" {
		return nil, nil
	}

	p := &Presence{
		Details: name,
		Assets: Assets{
			LargeImage: match.ImageURL,
			LargeText:  name,
			SmallImage: src.SmallImage,
			SmallText:  src.SmallText,
		},
		TimeStart: now,
		Buttons:   []Button{{Label: src.StoreLabel, URL: match.StoreURL}},
	}
	if src.TwitchButton {
		if category, ok := twitchCategory(ctx, src.Twitch, name); ok {
			p.Buttons = append(p.Buttons, Button{Label: "twitch", URL: TwitchURL(category)})
		}
	}
	return p, nil
}

// twitchCategory picks the directory the Twitch button links to. A failed
// lookup falls back to the title; a title Twitch does not know gets no
// button.
func twitchCategory(ctx context.Context, r CategoryResolver, title string) (string, bool) {
	if r == nil {
		return title, true
	}
	name, ok, err := r.TwitchCategory(ctx, title)
	if err != nil {
		return title, true
	}
	return name, ok
}
