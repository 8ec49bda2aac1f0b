// Command gamecord mirrors what you are playing on Xbox, PlayStation, and
// Steam to Discord Rich Presence.
//
// Running gamecord with no subcommand starts the daemon. The daemon polls
// every enabled service, publishes through the local Discord client, and
// serves a local API for toggles and sign-in pages.
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
	"tools.zach/dev/gamecord/internal/paths"
)

// ///////////////////////////////////////////////
// Version
// ///////////////////////////////////////////////

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// resolveVersion returns version, or "dev+<hash>[.dirty]" from the VCS info
// the toolchain embeds when ldflags were not set.
func resolveVersion() string {
	if version != "dev" {
		return version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return version
	}
	tag := "dev+" + revision[:min(7, len(revision))]
	if dirty {
		tag += ".dirty"
	}
	return tag
}

// ///////////////////////////////////////////////
// Commands
// ///////////////////////////////////////////////

// rootFlags are shared by every subcommand.
type rootFlags struct {
	dataDir    string
	foreground bool
}

func (f *rootFlags) dir() paths.DataDir { return paths.DataDir{Root: f.dataDir} }

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           paths.AppName,
		Short:         "Show your console and Steam games as Discord Rich Presence",
		Long:          "gamecord polls Xbox Live, PlayStation Network, and Steam for the game you are playing and publishes it to the Discord desktop client. Without a subcommand it runs the daemon.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemonCmd(cmd, flags)
		},
	}
	rootCmd.PersistentFlags().StringVar(&flags.dataDir, "data-dir", paths.DefaultDataDir().Root, "data directory for config, credentials, and logs")
	rootCmd.PersistentFlags().BoolVar(&flags.foreground, "foreground", false, "also write logs to stderr")

	rootCmd.AddCommand(
		newRunCmd(flags),
		newAuthorizeCmd(flags),
		newServicesCmd(flags),
		newVersionCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gamecord: %v\n", err)
		os.Exit(1)
	}
}
