// Package config loads and persists the hierarchical JSON configuration
// of spec §4.2. Grounded on the teacher's config.Load shape (env lookup
// with fallback, a package-level Load entrypoint called once from main)
// generalized from flat env vars to a nested JSON document, since
// FireFrp's schema has too much structure for a flat env-var mapping.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

const (
	insecureToken    = "changeme"
	insecurePassword = "changeme"
)

// ServerIdentity is returned verbatim by the client API's server-info
// endpoint.
type ServerIdentity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PublicAddr  string `json:"publicAddr"`
	Description string `json:"description"`
}

// FrpsConfig holds the subprocess tunables rendered into frps.toml.
type FrpsConfig struct {
	BindAddr      string `json:"bindAddr"`
	BindPort      int    `json:"bindPort"`
	AuthToken     string `json:"authToken"`
	AdminAddr     string `json:"adminAddr"`
	AdminPort     int    `json:"adminPort"`
	AdminUser     string `json:"adminUser"`
	AdminPassword string `json:"adminPassword"`
}

// UpdatesConfig controls the self-update channel and feed credentials.
type UpdatesConfig struct {
	Channel     string `json:"channel"` // "auto" | "dev" | "stable"
	FeedURL     string `json:"feedUrl,omitempty"`
	GithubToken string `json:"githubToken,omitempty"`
}

// BotConfig is the chat transport + ACL configuration.
type BotConfig struct {
	WsURL           string   `json:"wsUrl"`
	Token           string   `json:"token,omitempty"`
	SelfID          string   `json:"selfId,omitempty"`
	BroadcastGroups []string `json:"broadcastGroups"`
	AdminUsers      []string `json:"adminUsers"`
	AllowedGroups   []string `json:"allowedGroups"`
}

// Config is the full schema of spec §4.2.
type Config struct {
	ServerPort     int            `json:"serverPort"`
	FrpVersion     string         `json:"frpVersion"`
	Server         ServerIdentity `json:"server"`
	Frps           FrpsConfig     `json:"frps"`
	PortRangeStart int            `json:"portRangeStart"`
	PortRangeEnd   int            `json:"portRangeEnd"`
	KeyTTLMinutes  int            `json:"keyTtlMinutes"`
	KeyPrefix      string         `json:"keyPrefix"`
	Updates        UpdatesConfig  `json:"updates"`
	Bot            BotConfig      `json:"bot"`

	// Deprecated holds keys found in the user's file that the current
	// schema no longer recognises (spec §4.2: "moved into a deprecated
	// sub-mapping and persisted").
	Deprecated map[string]json.RawMessage `json:"deprecated,omitempty"`

	// DataDir is operational, not part of the persisted schema: it names
	// where this config file and the Store/bin/data directories live.
	DataDir string `json:"-"`
}

func defaults() Config {
	return Config{
		ServerPort: 7400,
		FrpVersion: "0.58.1",
		Server: ServerIdentity{
			ID:          "firefrp-0",
			Name:        "FireFrp",
			PublicAddr:  "127.0.0.1",
			Description: "FireFrp tunnel node",
		},
		Frps: FrpsConfig{
			BindAddr:      "0.0.0.0",
			BindPort:      7000,
			AuthToken:     insecureToken,
			AdminAddr:     "127.0.0.1",
			AdminPort:     7500,
			AdminUser:     "admin",
			AdminPassword: insecurePassword,
		},
		PortRangeStart: 20000,
		PortRangeEnd:   20100,
		KeyTTLMinutes:  60,
		KeyPrefix:      "ff-",
		Updates:        UpdatesConfig{Channel: "auto", FeedURL: "https://updates.firefrp.dev/releases.json"},
		Bot:            BotConfig{BroadcastGroups: []string{}, AdminUsers: []string{}, AllowedGroups: []string{}},
	}
}

// schemaFieldNames is the set of top-level keys the current schema
// recognises; anything else found in a loaded file is demoted to
// Deprecated.
var schemaFieldNames = map[string]bool{
	"serverPort": true, "frpVersion": true, "server": true, "frps": true,
	"portRangeStart": true, "portRangeEnd": true, "keyTtlMinutes": true,
	"keyPrefix": true, "updates": true, "bot": true, "deprecated": true,
}

// Load reads the JSON config at <dataDir>/config.json, merging schema
// defaults for any missing recognised key and demoting unrecognised keys
// into Deprecated (spec §4.2's startup merge). If the file is absent, a
// fresh defaulted Config is returned and persisted. A .env file, if
// present, is also loaded for secrets operators prefer to keep out of
// the JSON file (FIREFRP_BOT_TOKEN, FIREFRP_GITHUB_TOKEN,
// FIREFRP_FRPS_AUTH_TOKEN, FIREFRP_FRPS_ADMIN_PASSWORD); env values
// override whatever the file holds.
func Load(dataDir string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config: no .env file found, relying on system env vars")
	}

	cfg := defaults()
	cfg.DataDir = dataDir
	path := filepath.Join(dataDir, "config.json")

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if saveErr := Save(path, &cfg); saveErr != nil {
			return nil, fmt.Errorf("config: writing default config: %w", saveErr)
		}
		applyEnvOverlay(&cfg)
		warnInsecureDefaults(&cfg)
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var onDisk map[string]json.RawMessage
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	merged, err := mergeOnto(cfg, onDisk)
	if err != nil {
		return nil, err
	}
	merged.DataDir = dataDir

	applyEnvOverlay(&merged)
	warnInsecureDefaults(&merged)

	// Persist the merge so a migrated deprecated bucket survives restart.
	if err := Save(path, &merged); err != nil {
		slog.Warn("config: could not persist merged config", "err", err)
	}
	return &merged, nil
}

func mergeOnto(base Config, onDisk map[string]json.RawMessage) (Config, error) {
	deprecated := map[string]json.RawMessage{}
	for k, v := range base.Deprecated {
		deprecated[k] = v
	}

	for key, raw := range onDisk {
		if !schemaFieldNames[key] {
			deprecated[key] = raw
			continue
		}
		if err := unmarshalField(&base, key, raw); err != nil {
			return base, fmt.Errorf("config: field %q: %w", key, err)
		}
	}
	if len(deprecated) > 0 {
		base.Deprecated = deprecated
	}
	return base, nil
}

func unmarshalField(cfg *Config, key string, raw json.RawMessage) error {
	switch key {
	case "serverPort":
		return json.Unmarshal(raw, &cfg.ServerPort)
	case "frpVersion":
		return json.Unmarshal(raw, &cfg.FrpVersion)
	case "server":
		return json.Unmarshal(raw, &cfg.Server)
	case "frps":
		return json.Unmarshal(raw, &cfg.Frps)
	case "portRangeStart":
		return json.Unmarshal(raw, &cfg.PortRangeStart)
	case "portRangeEnd":
		return json.Unmarshal(raw, &cfg.PortRangeEnd)
	case "keyTtlMinutes":
		return json.Unmarshal(raw, &cfg.KeyTTLMinutes)
	case "keyPrefix":
		return json.Unmarshal(raw, &cfg.KeyPrefix)
	case "updates":
		return json.Unmarshal(raw, &cfg.Updates)
	case "bot":
		return json.Unmarshal(raw, &cfg.Bot)
	case "deprecated":
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		cfg.Deprecated = m
		return nil
	}
	return nil
}

func applyEnvOverlay(cfg *Config) {
	if v, ok := os.LookupEnv("FIREFRP_BOT_TOKEN"); ok && v != "" {
		cfg.Bot.Token = v
	}
	if v, ok := os.LookupEnv("FIREFRP_GITHUB_TOKEN"); ok && v != "" {
		cfg.Updates.GithubToken = v
	}
	if v, ok := os.LookupEnv("FIREFRP_FRPS_AUTH_TOKEN"); ok && v != "" {
		cfg.Frps.AuthToken = v
	}
	if v, ok := os.LookupEnv("FIREFRP_FRPS_ADMIN_PASSWORD"); ok && v != "" {
		cfg.Frps.AdminPassword = v
	}
}

func warnInsecureDefaults(cfg *Config) {
	if cfg.Frps.AuthToken == insecureToken {
		slog.Warn("config: frps.authToken is set to its insecure placeholder value")
	}
	if cfg.Frps.AdminPassword == insecurePassword {
		slog.Warn("config: frps.adminPassword is set to its insecure placeholder value")
	}
}

// Save atomically writes cfg to path, preserving the Deprecated bucket
// (spec §4.2: "saveConfig() rewrites the file preserving the deprecated
// bucket").
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: preparing directory: %w", err)
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("config: writing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: renaming temp file into place: %w", err)
	}
	return nil
}

// EffectiveFrpsAddr returns config.frps.bindAddr unless it is the
// wildcard 0.0.0.0, in which case the caller's request host should be
// used instead (spec §4.9).
func (c *Config) EffectiveFrpsAddr(requestHost string) string {
	if c.Frps.BindAddr != "" && c.Frps.BindAddr != "0.0.0.0" {
		return c.Frps.BindAddr
	}
	return requestHost
}
