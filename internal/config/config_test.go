// Tests for the config package covering [Load] (defaults, overrides,
// migration), [Save], [Config.Validate], the game filters, and live reload
// through the [Watcher].
package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"tools.zach/dev/gamecord"
)

// ///////////////////////////////////////////////
// Load
// ///////////////////////////////////////////////

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		noFile  bool
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:   "missing file yields defaults",
			noFile: true,
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg.Services.Xbox.Enabled {
					t.Error("xbox should default to disabled")
				}
				if cfg.Services.Xbox.AppID != XboxDiscordAppID {
					t.Errorf("xbox app_id = %q", cfg.Services.Xbox.AppID)
				}
			},
		},
		{
			name: "overrides keep other defaults",
			config: `
version = 2

[services.xbox]
enabled = true
poll_interval_seconds = 20

[activity]
twitch_button = false
`,
			check: func(t *testing.T, cfg *Config) {
				t.Helper()
				if !cfg.Services.Xbox.Enabled || cfg.Services.Xbox.PollIntervalSeconds != 20 {
					t.Errorf("xbox = %+v", cfg.Services.Xbox)
				}
				if cfg.Services.Xbox.SmallText != "playing on xbox" {
					t.Errorf("small_text default lost: %q", cfg.Services.Xbox.SmallText)
				}
				if cfg.Activity.TwitchButton {
					t.Error("twitch_button override ignored")
				}
				if !cfg.Activity.PollingActive {
					t.Error("polling_active default lost")
				}
			},
		},
		{
			name:    "malformed toml",
			config:  "version = [",
			wantErr: "parse config",
		},
		{
			name:    "interval too short",
			config:  "version = 2\n[services.playstation]\npoll_interval_seconds = 1\n",
			wantErr: "poll_interval_seconds",
		},
		{
			name:    "steam enabled without key",
			config:  "version = 2\n[services.steam]\nenabled = true\n",
			wantErr: "api_key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if !tt.noFile {
				if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(tt.config), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			cfg, err := Load(dir)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadMigratesV1(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	v1 := `
[services.steam]
enabled = true
id = "76561197960287930"
key = "ABCDEF"
`
	if err := os.WriteFile(path, []byte(v1), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Services.Steam.SteamID != "76561197960287930" || cfg.Services.Steam.APIKey != "ABCDEF" {
		t.Errorf("steam = %+v", cfg.Services.Steam)
	}
	if cfg.Version != 2 {
		t.Errorf("Version = %d, want 2", cfg.Version)
	}

	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("backup not written: %v", err)
	}
	saved, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if PeekVersion(saved) != 2 || strings.Contains(string(saved), "\nid =") {
		t.Errorf("migrated file not saved in v2 form:\n%s", saved)
	}
}

func TestPeekVersion(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"version = 2", 2},
		{"", 1},
		{"version = 0", 1},
		{"not toml [", 1},
	}
	for _, tt := range tests {
		if got := PeekVersion([]byte(tt.in)); got != tt.want {
			t.Errorf("PeekVersion(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// ///////////////////////////////////////////////
// Save
// ///////////////////////////////////////////////

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.Services.PlayStation.Enabled = true
	cfg.Games.Ignore = []string{"*demo*"}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !got.Services.PlayStation.Enabled {
		t.Error("playstation enabled lost")
	}
	if len(got.Games.Ignore) != 1 || got.Games.Ignore[0] != "*demo*" {
		t.Errorf("ignore = %v", got.Games.Ignore)
	}
}

func TestDefaultConfigEncodes(t *testing.T) {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	cfg, err := Parse([]byte(sb.String()))
	if err != nil {
		t.Fatalf("default config does not validate after encoding: %v", err)
	}
	if cfg.API.Listen != "127.0.0.1:3000" {
		t.Errorf("listen = %q", cfg.API.Listen)
	}
}

func TestEmbeddedDefaultMatchesDefaultConfig(t *testing.T) {
	cfg, err := Parse(gamecord.DefaultConfigTOML)
	if err != nil {
		t.Fatalf("config.default.toml does not parse: %v", err)
	}
	def := DefaultConfig()
	for _, name := range ServiceNames {
		got, _ := cfg.Service(name)
		want, _ := def.Service(name)
		if *got != *want {
			t.Errorf("services.%s = %+v, want %+v", name, *got, *want)
		}
	}
	if cfg.Activity != def.Activity || cfg.API != def.API || cfg.Log != def.Log {
		t.Error("config.default.toml drifted from DefaultConfig")
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Games.Whitelist = []string{"Halo*"}
	cp := cfg.Clone()
	cp.Games.Whitelist[0] = "changed"
	cp.Services.Xbox.Enabled = true
	if cfg.Games.Whitelist[0] != "Halo*" || cfg.Services.Xbox.Enabled {
		t.Error("Clone shares state with the original")
	}
}

// ///////////////////////////////////////////////
// Validate
// ///////////////////////////////////////////////

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"enabled without app id", func(c *Config) { c.Services.Xbox.Enabled = true; c.Services.Xbox.AppID = "" }, true},
		{"disabled without app id", func(c *Config) { c.Services.Xbox.AppID = "" }, false},
		{"bad glob", func(c *Config) { c.Games.Ignore = []string{"[abc"} }, true},
		{"bad listen", func(c *Config) { c.API.Listen = "localhost" }, true},
		{"api disabled", func(c *Config) { c.API.Listen = "" }, false},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, true},
		{"zero log size", func(c *Config) { c.Log.MaxSizeMB = 0 }, true},
		{"steam complete", func(c *Config) {
			c.Services.Steam.Enabled = true
			c.Services.Steam.APIKey = "k"
			c.Services.Steam.SteamID = "1"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestService(t *testing.T) {
	cfg := DefaultConfig()
	for _, name := range ServiceNames {
		s, ok := cfg.Service(name)
		if !ok {
			t.Fatalf("Service(%q) not found", name)
		}
		s.Enabled = true
	}
	if !cfg.Services.Xbox.Enabled || !cfg.Services.PlayStation.Enabled || !cfg.Services.Steam.Enabled {
		t.Error("Service must return a pointer into the config")
	}
	if _, ok := cfg.Service("nintendo"); ok {
		t.Error("unknown service reported as found")
	}
}

// ///////////////////////////////////////////////
// Game Filters
// ///////////////////////////////////////////////

func TestAllowsTitle(t *testing.T) {
	tests := []struct {
		name  string
		games GamesConfig
		title string
		want  bool
	}{
		{"no filters", GamesConfig{}, "Atomic Heart", true},
		{"ignored", GamesConfig{Ignore: []string{"*demo*"}}, "Forza Demo", false},
		{"ignore is case-insensitive", GamesConfig{Ignore: []string{"atomic heart"}}, "Atomic Heart", false},
		{"whitelist required, missing", GamesConfig{RequireWhitelisting: true}, "Atomic Heart", false},
		{"whitelist required, matched", GamesConfig{RequireWhitelisting: true, Whitelist: []string{"Atomic*"}}, "Atomic Heart", true},
		{"whitelist ignored when not required", GamesConfig{Whitelist: []string{"Halo*"}}, "Atomic Heart", true},
		{"ignore beats whitelist", GamesConfig{RequireWhitelisting: true, Whitelist: []string{"*"}, Ignore: []string{"Halo*"}}, "Halo Infinite", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.games.AllowsTitle(tt.title); got != tt.want {
				t.Errorf("AllowsTitle(%q) = %v, want %v", tt.title, got, tt.want)
			}
		})
	}
}

// ///////////////////////////////////////////////
// Reload
// ///////////////////////////////////////////////

func TestReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := DefaultConfig().Save(path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Reload(ctx, path, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before the write.
	time.Sleep(100 * time.Millisecond)
	cfg := DefaultConfig()
	cfg.Services.Xbox.Enabled = true
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if !c.Services.Xbox.Enabled {
			t.Error("reloaded config missing xbox toggle")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload within 5s")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Reload returned %v", err)
	}
}

func TestWatcherCloseIdempotent(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "config.toml"))
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
