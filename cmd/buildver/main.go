// Package main prints the linker flags that stamp a gamecord build: the
// SemVer-style version and the GitHub release endpoint the update check
// polls. It replaces a Unix-only git describe pipeline.
//
//	go build -ldflags "$(go run ./cmd/buildver -ldflags)" ./cmd/gamecord
//
// Version format depends on git state:
//
//	No tags, clean:     0.0.0-dev+05ffee5
//	No tags, dirty:     0.0.0-dev+05ffee5.dirty
//	On tag v0.1.0:      0.1.0
//	Dirty tag:          0.1.0-dirty
//	3 past v0.1.0:      0.1.0-dev.3+g1234567
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

const (
	versionVar    = "main.version"
	releaseURLVar = "tools.zach/dev/gamecord/internal/update.ReleaseURL"
)

func main() {
	ldflags := flag.Bool("ldflags", false, "print -X linker flags instead of the bare version")
	flag.Parse()

	ver := buildVersion()
	if !*ldflags {
		fmt.Print(ver)
		return
	}
	fmt.Print(linkerFlags(ver, releaseURL(git("remote", "get-url", "origin"))))
}

// linkerFlags renders the -X flags for ver and url. An empty url is left
// out so the update check stays disabled.
func linkerFlags(ver, url string) string {
	flags := []string{fmt.Sprintf("-X %s=%s", versionVar, ver)}
	if url != "" {
		flags = append(flags, fmt.Sprintf("-X %s=%s", releaseURLVar, url))
	}
	return strings.Join(flags, " ")
}

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

func buildVersion() string {
	if desc := git("describe", "--tags", "--match", "v*", "--dirty"); desc != "" {
		if v := formatTaggedVersion(desc); semver.IsValid("v" + v) {
			return v
		}
	}
	hash := git("rev-parse", "--short=7", "HEAD")
	if hash == "" {
		return "0.0.0-dev"
	}
	if git("status", "--porcelain") != "" {
		return "0.0.0-dev+" + hash + ".dirty"
	}
	return "0.0.0-dev+" + hash
}

// describeRe matches git describe output past a tag: <tag>-<N>-g<hash>.
var describeRe = regexp.MustCompile(`^(.+)-(\d+)-(g[0-9a-f]+)$`)

// formatTaggedVersion converts git describe output such as
// "v0.1.0-3-g1234567-dirty" into "0.1.0-dev.3+g1234567.dirty".
func formatTaggedVersion(desc string) string {
	clean, dirty := strings.CutSuffix(desc, "-dirty")
	clean = strings.TrimPrefix(clean, "v")

	if m := describeRe.FindStringSubmatch(clean); m != nil {
		meta := m[3]
		if dirty {
			meta += ".dirty"
		}
		return fmt.Sprintf("%s-dev.%s+%s", m[1], m[2], meta)
	}
	if dirty {
		return clean + "-dirty"
	}
	return clean
}

// ///////////////////////////////////////////////
// Release URL
// ///////////////////////////////////////////////

// githubRemoteRe extracts owner and repo from HTTPS and SSH GitHub remotes.
var githubRemoteRe = regexp.MustCompile(`github\.com[:/]([^/]+)/([^/]+?)(?:\.git)?/?$`)

// releaseURL returns the latest-release API endpoint of a GitHub remote, or
// "" for any other remote.
func releaseURL(remote string) string {
	m := githubRemoteRe.FindStringSubmatch(strings.TrimSpace(remote))
	if m == nil {
		return ""
	}
	return "https://api.github.com/repos/" + m[1] + "/" + m[2] + "/releases/latest"
}

// git runs a git subcommand and returns its trimmed output, or "" on error.
func git(args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", args...).Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildver: git %s: %v\n", strings.Join(args, " "), err)
		return ""
	}
	return strings.TrimSpace(string(out))
}
