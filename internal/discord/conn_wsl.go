// conn_wsl.go adds WSL socket discovery. Discord runs on the Windows side, so its named pipe is only
// reachable through a relay such as:
//
//	socat UNIX-LISTEN:/tmp/discord-ipc-0,fork EXEC:"npiperelay.exe -ep -s //./pipe/discord-ipc-0"

//go:build linux

package discord

import (
	"fmt"
	"os"
	"strings"
)

// isWSL reports whether the kernel identifies as a Microsoft WSL kernel.
func isWSL() bool {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), "microsoft")
}

// wslSocketPaths returns the relay socket locations tried under WSL.
func wslSocketPaths() []string {
	if !isWSL() {
		return nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	paths := make([]string, 0, maxIPCSlots)
	for i := range maxIPCSlots {
		paths = append(paths, fmt.Sprintf("%s/.discord-ipc-%d", home, i))
	}
	return paths
}
