// Package gamecord embeds the default configuration file written on first run.
package gamecord

import _ "embed"

// DefaultConfigTOML is config.default.toml, copied into the data directory
// when no config exists yet.
//
//go:embed config.default.toml
var DefaultConfigTOML []byte
