// Package config loads fleetd configuration.
//
// # Configuration File
//
// The file location is resolved by Path:
//
//  1. FLEET_CONFIG
//  2. $XDG_CONFIG_HOME/chopsticks-fleet/fleetd.yaml
//  3. ~/.config/chopsticks-fleet/fleetd.yaml
//
// Files ending in .toml are decoded as TOML; anything else as YAML. Both
// formats use the same keys.
//
// # Environment Variable Expansion
//
// Values may reference environment variables, which keeps secrets out of
// the file:
//
//	platform:
//	  bot_token: "${DISCORD_BOT_TOKEN}"
//
// Unset variables expand to an empty string.
//
// # Overrides
//
// After decoding, these variables replace file values when set:
//
//	FLEET_DB_PATH                   database.path
//	FLEET_SCALE_SECRET              auth.scale_secret
//	FLEET_DEFAULT_IDLE_RELEASE_MS   fleet.default_idle_release in ms, 0 disables
//
// # Durations
//
// Durations are Go duration strings such as "30s" or "5m". Unset durations
// take defaults: idle sweep 30s, request timeout 10s, pin TTL 5m, verified
// TTL 15m, contribution window 1h, platform auth timeout 10s. The idle sweep
// interval may not exceed one minute.
package config
