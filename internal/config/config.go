package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pelletier/go-toml/v2"
)

// Config holds scrobbled runtime configuration loaded from TOML.
type Config struct {
	ConfigVersion int             `toml:"config_version"`
	StateDir      string          `toml:"state_dir"`
	Scrobbler     ScrobblerConfig `toml:"scrobbler"`
	OAuth         OAuthConfig     `toml:"oauth"`
}

// ScrobblerConfig holds the user-facing scrobbler settings.
type ScrobblerConfig struct {
	Enabled bool `toml:"enabled"`
	// UserToken is the ListenBrainz user token sent with every API request.
	UserToken string `toml:"user_token"`
	// SubmitDelay is the number of seconds to wait before flushing pending
	// listens. Zero submits immediately after a scrobble.
	SubmitDelay       int  `toml:"submit_delay_seconds"`
	PreferAlbumArtist bool `toml:"prefer_albumartist"`
	Offline           bool `toml:"offline"`
	ShowErrorDialog   bool `toml:"show_error_dialog"`
}

// OAuthConfig allows overriding the OAuth2 endpoints and client credentials.
// All fields are optional; empty values fall back to the MusicBrainz defaults.
type OAuthConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	AuthorizeURL string `toml:"authorize_url"`
	TokenURL     string `toml:"token_url"`
	APIURL       string `toml:"api_url"`
}

// Load reads configuration from disk. If path is empty, a default OS-specific
// location is used. A missing file yields the default configuration.
func Load(path string) (*Config, string, error) {
	cfgPath := path
	if cfgPath == "" {
		var err error
		cfgPath, err = defaultPath()
		if err != nil {
			return nil, "", fmt.Errorf("resolve config path: %w", err)
		}
	}

	var cfg Config
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, cfgPath, fmt.Errorf("read config: %w", err)
		}
	} else if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, cfgPath, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(cfg); err != nil {
		return nil, cfgPath, err
	}

	return &cfg, cfgPath, nil
}

// Save writes the configuration back to disk.
func Save(cfg *Config, path string) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func defaultPath() (string, error) {
	var base string
	switch runtime.GOOS {
	case "windows":
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(dir, "Scrobbled")
	default:
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(dir, "scrobbled")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(base, "config.toml"), nil
}

func applyDefaults(cfg *Config) {
	if cfg.ConfigVersion == 0 {
		cfg.ConfigVersion = 1
	}
	if cfg.StateDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			cfg.StateDir = filepath.Join(dir, "scrobbled", "state")
		}
	}
	if cfg.Scrobbler.SubmitDelay < 0 {
		cfg.Scrobbler.SubmitDelay = 0
	}
}

// Validate performs semantic validation of config.
func Validate(cfg Config) error {
	if cfg.StateDir == "" {
		return errors.New("state_dir is required")
	}
	if cfg.Scrobbler.Enabled && cfg.Scrobbler.UserToken == "" {
		return errors.New("scrobbler.user_token is required when scrobbler.enabled is true")
	}
	return nil
}
