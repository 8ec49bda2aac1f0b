package config

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
	"tools.zach/dev/gamecord/internal/migrate"
)

func init() {
	migrate.Config.Register(migrate.Migration{
		Version:     2,
		Description: "rename steam id/key to steam_id/api_key",
		Upgrade:     renameSteamKeys,
	})
}

// renameSteamKeys moves the v1 [services.steam] id and key fields to their
// v2 names. Existing v2 names are left alone.
func renameSteamKeys(data []byte) ([]byte, error) {
	doc := map[string]any{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode v1 config: %w", err)
	}
	if services, ok := doc["services"].(map[string]any); ok {
		if steam, ok := services["steam"].(map[string]any); ok {
			for from, to := range map[string]string{"id": "steam_id", "key": "api_key"} {
				v, ok := steam[from]
				if !ok {
					continue
				}
				delete(steam, from)
				if _, exists := steam[to]; !exists {
					steam[to] = v
				}
			}
		}
	}
	doc["version"] = 2

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, fmt.Errorf("encode v2 config: %w", err)
	}
	return buf.Bytes(), nil
}
