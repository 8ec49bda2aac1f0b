// Package update checks whether a newer gamecord release is published.
package update

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/mod/semver"
	"tools.zach/dev/gamecord/internal/service"
)

// ReleaseURL is the GitHub latest-release endpoint. Set at build time via:
//
//	-X tools.zach/dev/gamecord/internal/update.ReleaseURL=https://api.github.com/repos/<owner>/<repo>/releases/latest
//
// Empty skips the check.
var ReleaseURL string

type release struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Result describes the latest published release.
type Result struct {
	Latest string
	URL    string
	// Newer reports whether Latest sorts after the running version.
	Newer bool
}

// ///////////////////////////////////////////////
// Public API
// ///////////////////////////////////////////////

// Latest fetches the release at url and compares it with current.
func Latest(ctx context.Context, client *retryablehttp.Client, url, current string) (Result, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("building release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	var rel release
	if err := service.DoJSON(client, req, &rel); err != nil {
		return Result{}, fmt.Errorf("fetching latest release: %w", err)
	}
	if rel.TagName == "" {
		return Result{}, fmt.Errorf("release at %s has no tag", url)
	}
	return Result{Latest: rel.TagName, URL: rel.HTMLURL, Newer: Less(current, rel.TagName)}, nil
}

// Check logs when a newer release than current is available. Failures are
// logged at debug level and otherwise ignored.
func Check(ctx context.Context, client *retryablehttp.Client, current string, log *slog.Logger) {
	if ReleaseURL == "" {
		log.Debug("skipping update check: no release url configured")
		return
	}
	res, err := Latest(ctx, client, ReleaseURL, current)
	if err != nil {
		log.Debug("update check failed", "error", err)
		return
	}
	if res.Newer {
		log.Info("new version available", "current", current, "latest", res.Latest, "url", res.URL)
	}
}

// Less reports whether version a sorts before b. Either may omit the
// leading "v". Strings that are not semantic versions never compare less.
func Less(a, b string) bool {
	va, vb := canonical(a), canonical(b)
	if !semver.IsValid(va) || !semver.IsValid(vb) {
		return false
	}
	return semver.Compare(va, vb) < 0
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
