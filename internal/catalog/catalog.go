// Package catalog maps the free-text title a platform reports to a store
// listing, so a presence can carry the listing's artwork and link.
//
// Storefront search endpoints return loosely ordered suggestions of mixed
// kinds. Each platform client filters them down to game entries and hands
// the survivors to [Best], which picks the one closest to the query by
// Levenshtein distance.
package catalog

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hbollon/go-edlib"
	"golang.org/x/time/rate"
)

// Match is the store listing chosen for a title.
type Match struct {
	// Title is the listing's canonical name.
	Title string `json:"title"`
	// StoreURL is an absolute link to the listing.
	StoreURL string `json:"store_url"`
	// ImageURL is an absolute link to the listing's artwork.
	ImageURL string `json:"image_url"`
}

// Candidate is one game-tagged search result.
type Candidate struct {
	Title    string
	StoreURL string
	ImageURL string
}

// Best returns the candidate whose title has the smallest edit distance to
// query, or nil when there are no candidates. Ties keep the earlier
// candidate, preserving the storefront's own ranking.
func Best(query string, candidates []Candidate) *Match {
	var best *Candidate
	bestDist := 0
	for i := range candidates {
		d := edlib.LevenshteinDistance(query, candidates[i].Title)
		if best == nil || d < bestDist {
			best, bestDist = &candidates[i], d
		}
	}
	if best == nil {
		return nil
	}
	return &Match{Title: best.Title, StoreURL: best.StoreURL, ImageURL: best.ImageURL}
}

// AbsoluteURL turns the protocol-relative links some storefronts return
// ("//store.example/x") into https URLs. Absolute URLs pass through, and
// empty input is an error.
func AbsoluteURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}
	return u.String(), nil
}

// StripQuery drops the query string, which storefront image URLs use for
// resize parameters.
func StripQuery(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}

// Limiter spaces out catalog searches shared by every polling loop. Each
// online tick searches once, so loops that fire together queue behind it
// instead of hitting the public endpoints at the same moment.
type Limiter struct {
	l *rate.Limiter
}

// NewLimiter allows one search per interval with the given burst.
func NewLimiter(interval time.Duration, burst int) *Limiter {
	return &Limiter{l: rate.NewLimiter(rate.Every(interval), burst)}
}

// Wait blocks until a search may run or ctx ends. A nil Limiter never blocks.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := l.l.Wait(ctx); err != nil {
		return fmt.Errorf("catalog rate limit: %w", err)
	}
	return nil
}
