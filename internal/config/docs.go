package config

//go:generate go run ../../cmd/genconfig -o ../../config.default.toml

// ///////////////////////////////////////////////
// Documentation Types
// ///////////////////////////////////////////////

// FieldDoc is the comment written above a key or section in the generated
// config.default.toml.
type FieldDoc struct {
	// Comment is emitted as "# " lines above the key. May span lines.
	Comment string
	// Alternatives are emitted as commented-out lines below the key. Keys the
	// encoder omits (empty omitempty fields) appear only through these.
	Alternatives []string
}

// ///////////////////////////////////////////////
// Field Documentation Map
// ///////////////////////////////////////////////

// Docs maps dotted TOML paths to their documentation.
var Docs = map[string]FieldDoc{
	"version": {Comment: "Schema version. Do not edit."},

	"services.xbox": {
		Comment: "Sign in with `gamecord authorize xbox`. A running daemon opens the\nsign-in page in your browser on its first tick.",
	},
	"services.xbox.enabled":               {Comment: "Poll this platform."},
	"services.xbox.poll_interval_seconds": {Comment: "Seconds between presence checks. Minimum 5."},
	"services.xbox.app_id":                {Comment: "Discord application that shows the presence."},
	"services.xbox.small_image":           {Comment: "Discord asset key and tooltip of the platform badge."},

	"services.playstation": {
		Comment: "Sign in with `gamecord authorize playstation`. The sign-in ends on a\ncom.playstation.PlayStationApp:// link; paste it into the form on the page.",
	},

	"services.steam": {
		Comment: "Steam uses a Web API key (https://steamcommunity.com/dev/apikey) and\nyour 64-bit Steam ID instead of an interactive sign-in.",
	},
	"services.steam.api_key": {
		Comment:      "Steam Web API key.",
		Alternatives: []string{`api_key = ""`},
	},
	"services.steam.steam_id": {
		Comment:      "64-bit Steam ID, e.g. 76561197960287930.",
		Alternatives: []string{`steam_id = ""`},
	},

	"services.twitch": {
		Comment: "Link a Twitch account with `gamecord authorize twitch` to point the\nTwitch button at the game's category. Unlinked, the button uses the title.",
	},
	"services.twitch.enabled": {Comment: "Open the Twitch sign-in when no account is linked."},
	"services.twitch.username": {
		Comment:      "Login of the linked account. Written on sign-in.",
		Alternatives: []string{`username = ""`},
	},

	"activity.polling_active":           {Comment: "Pause every platform without changing the per-service toggles."},
	"activity.discord_display_presence": {Comment: "Show the presence in Discord. The local API is updated either way."},
	"activity.twitch_button":            {Comment: "Add a Twitch directory button next to the store button."},

	"games": {
		Comment: "Glob patterns, matched case-insensitively against the title name.\nIgnore patterns win over the whitelist.",
	},
	"games.require_whitelisting": {Comment: "Only publish titles matching a whitelist pattern."},
	"games.whitelist": {
		Alternatives: []string{`whitelist = ["Halo*", "Forza Horizon ?"]`},
	},

	"api.listen": {
		Comment: "Local API address. Sign-in redirects return here, so keep port 3000\nfor Xbox. Empty disables the API and the sign-in pages.",
	},
	"api.metrics": {Comment: "Serve Prometheus metrics on /metrics."},

	"log.level":       {Comment: "trace, debug, info, warn, or error."},
	"log.max_size_mb": {Comment: "Rotate the log file at this size."},
}
