// conn_unix.go implements Discord IPC socket discovery for Linux, macOS and
// the BSDs. Candidates cover the runtime and temp directories, the Snap and
// Flatpak sandboxes, and the WSL relay sockets.

//go:build !windows

package discord

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

// ///////////////////////////////////////////////
// Socket Paths
// ///////////////////////////////////////////////

// ipcPrefixes are the socket name prefixes of the stable, Canary and PTB
// Discord builds.
var ipcPrefixes = []string{"discord-ipc", "discordcanary-ipc", "discordptb-ipc"}

// sandboxDirs are the per-user runtime subdirectories used by Snap and
// Flatpak packages.
var sandboxDirs = []string{
	"snap.discord",
	"snap.discord-canary",
	"snap.discord-ptb",
	"app/com.discordapp.Discord",
	"app/com.discordapp.DiscordCanary",
	"app/com.discordapp.DiscordPTB",
}

// socketPaths lists candidate socket paths in the order they are tried.
func socketPaths() []string {
	var roots []string
	for _, env := range []string{"XDG_RUNTIME_DIR", "TMPDIR", "TMP", "TEMP"} {
		if dir := os.Getenv(env); dir != "" {
			roots = append(roots, dir)
		}
	}
	roots = append(roots, "/tmp")

	var out []string
	for _, root := range roots {
		for _, prefix := range ipcPrefixes {
			for i := range maxIPCSlots {
				out = append(out, filepath.Join(root, fmt.Sprintf("%s-%d", prefix, i)))
			}
		}
	}

	runUser := filepath.Join("/run/user", strconv.Itoa(os.Getuid()))
	for _, dir := range sandboxDirs {
		for i := range maxIPCSlots {
			out = append(out, filepath.Join(runUser, dir, fmt.Sprintf("discord-ipc-%d", i)))
		}
	}
	return append(out, wslSocketPaths()...)
}

// ///////////////////////////////////////////////
// Connection
// ///////////////////////////////////////////////

// connectToDiscord dials the first candidate socket that accepts.
func connectToDiscord() (net.Conn, error) {
	for _, path := range socketPaths() {
		if conn, err := net.Dial("unix", path); err == nil {
			return conn, nil
		}
	}
	if isWSL() {
		return nil, fmt.Errorf("%w: under WSL, relay the Windows pipe with socat and npiperelay.exe", ErrIPCNotAvailable)
	}
	return nil, ErrIPCNotAvailable
}
