// Package config loads gamecord's TOML configuration.
//
// The file lives at <data dir>/config.toml. It holds the per-service enable
// toggles and poll intervals, the activity and game filter settings, the local
// API listener, and logging options. Fields missing from the file keep the
// values from [DefaultConfig].
package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"tools.zach/dev/gamecord/internal/atomicfile"
	"tools.zach/dev/gamecord/internal/migrate"
	"tools.zach/dev/gamecord/internal/paths"
)

// Discord application IDs registered for each platform.
const (
	XboxDiscordAppID        = "1056148753528131654"
	PlayStationDiscordAppID = "1053772210713657345"
	SteamDiscordAppID       = "1053777465245437953"
)

// Service names as they appear under [services] in the config file.
const (
	ServiceXbox        = "xbox"
	ServicePlayStation = "playstation"
	ServiceSteam       = "steam"
	ServiceTwitch      = "twitch"
)

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config is the top-level configuration.
type Config struct {
	// Version is the schema version used for migrations.
	Version int `toml:"version"`
	// Services holds the per-platform settings.
	Services ServicesConfig `toml:"services"`
	// Activity holds settings shared by every polling loop.
	Activity ActivityConfig `toml:"activity"`
	// Games holds title filters applied before a presence is published.
	Games GamesConfig `toml:"games"`
	// API holds the local HTTP API settings.
	API APIConfig `toml:"api"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
}

// ServicesConfig groups the settings of every supported platform.
type ServicesConfig struct {
	Xbox        ServiceConfig `toml:"xbox"`
	PlayStation ServiceConfig `toml:"playstation"`
	Steam       ServiceConfig `toml:"steam"`
	Twitch      TwitchConfig  `toml:"twitch"`
}

// TwitchConfig holds the Twitch account link. A linked account resolves
// the Twitch button to the game's category.
type TwitchConfig struct {
	// Enabled asks for a Twitch sign-in when no account is linked.
	Enabled bool `toml:"enabled"`
	// Username is the login of the linked account. Written on sign-in.
	Username string `toml:"username,omitempty"`
}

// ServiceConfig holds the settings of one platform.
type ServiceConfig struct {
	// Enabled turns the platform's polling loop on. Read every tick.
	Enabled bool `toml:"enabled"`
	// PollIntervalSeconds is the time between ticks.
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	// AppID is the Discord application that displays this platform's presence.
	AppID string `toml:"app_id"`
	// SmallImage is the Discord asset key of the platform badge.
	SmallImage string `toml:"small_image"`
	// SmallText is the tooltip shown on the platform badge.
	SmallText string `toml:"small_text"`
	// APIKey is the Steam Web API key. Steam only.
	APIKey string `toml:"api_key,omitempty"`
	// SteamID is the 64-bit Steam account ID. Steam only.
	SteamID string `toml:"steam_id,omitempty"`
}

// ActivityConfig holds switches shared by every platform.
type ActivityConfig struct {
	// PollingActive pauses every loop when false.
	PollingActive bool `toml:"polling_active"`
	// DiscordDisplayPresence publishes to Discord when true. The local API
	// always reflects the current presence.
	DiscordDisplayPresence bool `toml:"discord_display_presence"`
	// TwitchButton adds a Twitch directory button to the presence.
	TwitchButton bool `toml:"twitch_button"`
}

// GamesConfig filters which titles produce a presence.
type GamesConfig struct {
	// RequireWhitelisting only publishes titles matching Whitelist.
	RequireWhitelisting bool `toml:"require_whitelisting"`
	// Whitelist holds case-insensitive glob patterns of allowed titles.
	Whitelist []string `toml:"whitelist"`
	// Ignore holds case-insensitive glob patterns of titles never published.
	Ignore []string `toml:"ignore"`
}

// APIConfig holds the local HTTP API settings.
type APIConfig struct {
	// Listen is the address of the local API. Empty disables it.
	Listen string `toml:"listen"`
	// Metrics exposes Prometheus metrics on /metrics.
	Metrics bool `toml:"metrics"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the log size in megabytes that triggers rotation.
	MaxSizeMB int `toml:"max_size_mb"`
}

// ///////////////////////////////////////////////
// Defaults
// ///////////////////////////////////////////////

// DefaultConfig returns a Config with every platform disabled.
func DefaultConfig() *Config {
	return &Config{
		Version: migrate.Config.CurrentVersion,
		Services: ServicesConfig{
			Xbox: ServiceConfig{
				PollIntervalSeconds: 15,
				AppID:               XboxDiscordAppID,
				SmallImage:          "small-icon",
				SmallText:           "playing on xbox",
			},
			PlayStation: ServiceConfig{
				PollIntervalSeconds: 15,
				AppID:               PlayStationDiscordAppID,
				SmallImage:          "small-icon",
				SmallText:           "playing on playstation",
			},
			Steam: ServiceConfig{
				PollIntervalSeconds: 30,
				AppID:               SteamDiscordAppID,
				SmallImage:          "small-icon",
				SmallText:           "playing on steam",
			},
		},
		Activity: ActivityConfig{
			PollingActive:          true,
			DiscordDisplayPresence: true,
			TwitchButton:           true,
		},
		Games: GamesConfig{
			Whitelist: []string{},
			Ignore:    []string{},
		},
		API: APIConfig{
			Listen:  "127.0.0.1:3000",
			Metrics: true,
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Games.Whitelist = append([]string(nil), c.Games.Whitelist...)
	cp.Games.Ignore = append([]string(nil), c.Games.Ignore...)
	return &cp
}

// ///////////////////////////////////////////////
// Service Lookup
// ///////////////////////////////////////////////

// ServiceNames lists the platforms in display order.
var ServiceNames = []string{ServiceXbox, ServicePlayStation, ServiceSteam}

// Service returns a pointer to the settings of the named platform.
func (c *Config) Service(name string) (*ServiceConfig, bool) {
	switch name {
	case ServiceXbox:
		return &c.Services.Xbox, true
	case ServicePlayStation:
		return &c.Services.PlayStation, true
	case ServiceSteam:
		return &c.Services.Steam, true
	}
	return nil, false
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// PeekVersion reads only the version field from raw TOML. It returns 1 when
// the field is missing or the document does not parse.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if err := toml.Unmarshal(data, &v); err != nil || v.Version == 0 {
		return 1
	}
	return v.Version
}

// Load reads dataDir/config.toml. A missing file yields [DefaultConfig].
// Older schema versions are migrated, backed up to config.toml.bak, and
// saved back in the current format.
func Load(dataDir string) (*Config, error) {
	return LoadFile(filepath.Join(dataDir, paths.ConfigFile))
}

// LoadFile is [Load] for an explicit file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	version := PeekVersion(data)
	migrated := false
	if migrate.Config.NeedsMigration(version, false) {
		if err := os.WriteFile(path+".bak", data, 0o644); err != nil {
			slog.Warn("failed to write config backup", "error", err)
		}
		if data, _, err = migrate.Config.Run(data, version); err != nil {
			return nil, fmt.Errorf("migrate config: %w", err)
		}
		migrated = true
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if migrated {
		if err := cfg.Save(path); err != nil {
			slog.Warn("failed to save migrated config", "error", err)
		}
	}
	return cfg, nil
}

// Parse decodes TOML over [DefaultConfig] and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Version = migrate.Config.CurrentVersion
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Save writes c to path as TOML through an atomic rename.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicfile.Write(path, buf.Bytes(), 0o644)
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks that every value is usable.
func (c *Config) Validate() error {
	for _, name := range ServiceNames {
		s, _ := c.Service(name)
		if s.PollIntervalSeconds < 5 {
			return fmt.Errorf("services.%s.poll_interval_seconds must be >= 5, got %d", name, s.PollIntervalSeconds)
		}
		if s.Enabled && s.AppID == "" {
			return fmt.Errorf("services.%s.app_id is required when enabled", name)
		}
	}
	if c.Services.Steam.Enabled && (c.Services.Steam.APIKey == "" || c.Services.Steam.SteamID == "") {
		return fmt.Errorf("services.steam requires api_key and steam_id when enabled")
	}

	for _, list := range [][]string{c.Games.Whitelist, c.Games.Ignore} {
		for _, p := range list {
			if !doublestar.ValidatePattern(p) {
				return fmt.Errorf("invalid game pattern %q", p)
			}
		}
	}

	if c.API.Listen != "" {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			return fmt.Errorf("invalid api.listen %q: %w", c.API.Listen, err)
		}
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level %q: must be trace, debug, info, warn, or error", c.Log.Level)
	}
	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be > 0, got %d", c.Log.MaxSizeMB)
	}
	return nil
}

// ///////////////////////////////////////////////
// Game Filters
// ///////////////////////////////////////////////

// AllowsTitle reports whether a presence may be published for title.
// Ignore patterns always win; with require_whitelisting set, the title must
// also match a whitelist pattern. Matching is case-insensitive.
func (g GamesConfig) AllowsTitle(title string) bool {
	if matchAny(g.Ignore, title) {
		return false
	}
	if g.RequireWhitelisting {
		return matchAny(g.Whitelist, title)
	}
	return true
}

func matchAny(patterns []string, title string) bool {
	lower := strings.ToLower(title)
	for _, p := range patterns {
		ok, err := doublestar.Match(strings.ToLower(p), lower)
		if err != nil {
			slog.Warn("invalid game pattern", "pattern", p, "error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}
