// Package config loads and persists the on-disk JSON configuration file:
// token, proxy, custom host, client-properties mode, and game-detection
// settings, stored in the platform's per-app config directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const appName = "endcord-rpc"

// Config is the on-disk shape of config.json.
type Config struct {
	Token                 string   `json:"token"`
	GameDetection         bool     `json:"game_detection"`
	GameListDownloadDelay int      `json:"game_list_download_delay"`
	GamesBlacklist        []string `json:"games_blacklist"`
	Proxy                 *string  `json:"proxy"`
	CustomHost            *string  `json:"custom_host"`
	ClientProperties      string   `json:"client_properties"`
	CustomUserAgent       *string  `json:"custom_user_agent"`
}

// Default returns the configuration written the first time the app runs.
func Default() Config {
	return Config{
		GameDetection:         true,
		GameListDownloadDelay: 7,
		GamesBlacklist:        []string{},
		ClientProperties:      "default",
	}
}

// Dir resolves the platform-specific per-app config directory. This
// mirrors the original app's own path choice exactly, including using
// XDG_DATA_HOME rather than XDG_CONFIG_HOME on Linux.
func Dir() (string, error) {
	var dir string
	switch runtime.GOOS {
	case "linux":
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("resolve home directory: %w", err)
			}
			base = filepath.Join(home, ".config")
		}
		dir = filepath.Join(base, appName)
	case "windows":
		local := os.Getenv("LOCALAPPDATA")
		if local == "" {
			return "", fmt.Errorf("LOCALAPPDATA is not set")
		}
		dir = filepath.Join(local, appName)
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, "Library", "Application Support", appName)
	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return dir, nil
}

// Load reads config.json from dir, writing a default copy first if it does
// not already exist.
func Load(dir string) (Config, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Config{}, "", fmt.Errorf("create config dir: %w", err)
	}

	path := filepath.Join(dir, "config.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		def := Default()
		if err := writeFile(path, def); err != nil {
			return Config{}, "", err
		}
		return def, path, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, "", fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, "", fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, path, nil
}

func writeFile(path string, cfg Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Store wraps a loaded Config with its file path for later read-modify-
// write updates. It is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	cfg  Config
}

// NewStore loads the config file at dir (writing a default one first if
// needed) and returns a Store over it.
func NewStore(dir string) (*Store, error) {
	cfg, path, err := Load(dir)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg}, nil
}

// Get returns a copy of the currently loaded configuration.
func (s *Store) Get() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Path returns the config file's location on disk.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// UpdateToken rewrites the stored token and persists the whole config,
// the same refresh the gateway's token_update event triggers.
func (s *Store) UpdateToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Token = token
	return writeFile(s.path, s.cfg)
}
