// Package paths names the files gamecord keeps in its data directory.
package paths

import (
	"os"
	"path/filepath"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Data directory file names.
const (
	PIDFile         = "daemon.pid"
	ConfigFile      = "config.toml"
	LogFile         = "daemon.log"
	CredentialsFile = "credentials.json"
)

// AppName is the binary name and the data directory name under the user's
// config directory.
const AppName = "gamecord"

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DataDir builds paths rooted at a data directory.
type DataDir struct {
	Root string
}

// DefaultDataDir returns the platform config directory joined with [AppName]
// (for example ~/.config/gamecord). It falls back to ./.gamecord when the
// config directory cannot be determined.
func DefaultDataDir() DataDir {
	base, err := os.UserConfigDir()
	if err != nil {
		return DataDir{Root: filepath.Join(".", "."+AppName)}
	}
	return DataDir{Root: filepath.Join(base, AppName)}
}

// Ensure creates the data directory if it does not exist.
func (d DataDir) Ensure() error { return os.MkdirAll(d.Root, 0o755) }

// PID returns the full path to the PID file.
func (d DataDir) PID() string { return filepath.Join(d.Root, PIDFile) }

// Config returns the full path to the config file.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Log returns the full path to the log file.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }

// Credentials returns the full path to the cached service credentials.
func (d DataDir) Credentials() string { return filepath.Join(d.Root, CredentialsFile) }
