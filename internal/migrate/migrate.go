// Package migrate upgrades on-disk documents from older schema versions.
//
// Each document kind owns a [Registry]. Migrations are registered once at
// init time and applied in version order by [Registry.Run].
package migrate

import (
	"fmt"
	"log/slog"
	"slices"
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Migration upgrades a document to Version from the version before it.
type Migration struct {
	// Version is the schema version this migration produces.
	Version int
	// Description is a short label for log output.
	Description string
	// Upgrade rewrites the raw document.
	Upgrade func(data []byte) ([]byte, error)
}

// Registry holds the current version and migrations of one document kind.
type Registry struct {
	// Name labels log lines and errors.
	Name string
	// CurrentVersion is the schema version written by this build.
	CurrentVersion int
	// Migrations are the registered upgrades, kept sorted by Version.
	Migrations []Migration
}

// ///////////////////////////////////////////////
// Registry
// ///////////////////////////////////////////////

// Register adds m. It panics on a duplicate or out-of-range version since
// both are programming errors.
func (r *Registry) Register(m Migration) {
	if m.Version < 2 || m.Version > r.CurrentVersion {
		panic(fmt.Sprintf("migrate: %s migration v%d outside 2..%d", r.Name, m.Version, r.CurrentVersion))
	}
	for _, existing := range r.Migrations {
		if existing.Version == m.Version {
			panic(fmt.Sprintf("migrate: duplicate %s migration v%d (%q)", r.Name, m.Version, m.Description))
		}
	}
	r.Migrations = append(r.Migrations, m)
	slices.SortFunc(r.Migrations, func(a, b Migration) int { return a.Version - b.Version })
}

// NeedsMigration reports whether a document at fileVersion would change under
// [Registry.Run]. With force set, any registered migration counts.
func (r *Registry) NeedsMigration(fileVersion int, force bool) bool {
	if fileVersion != r.CurrentVersion {
		return true
	}
	return force && len(r.Migrations) > 0
}

// Run applies every migration newer than fromVersion in order and returns the
// upgraded document with the version it reached.
func (r *Registry) Run(data []byte, fromVersion int) ([]byte, int, error) {
	if fromVersion > r.CurrentVersion {
		return nil, fromVersion, fmt.Errorf("%s version %d is newer than supported version %d", r.Name, fromVersion, r.CurrentVersion)
	}
	version := fromVersion
	for _, m := range r.Migrations {
		if m.Version <= version {
			continue
		}
		slog.Info("applying migration", "document", r.Name, "version", m.Version, "description", m.Description)
		out, err := m.Upgrade(data)
		if err != nil {
			return nil, version, fmt.Errorf("%s migration to v%d failed: %w", r.Name, m.Version, err)
		}
		data, version = out, m.Version
	}
	return data, version, nil
}

// ///////////////////////////////////////////////
// Registries
// ///////////////////////////////////////////////

// Config is the registry for config.toml.
var Config = &Registry{Name: "config", CurrentVersion: 2}
