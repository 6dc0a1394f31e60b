// Package config handles TOML-based configuration loading and validation.
// TOML is parsed as data only; nothing in the file is executed.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// MaxRetries bounds in-place retries of a transient provider failure.
const MaxRetries = 2

// Duration is a time.Duration written as "30s" or "5m" in the config file.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BrowserConfig controls the headless browser used by browserNavigate steps.
type BrowserConfig struct {
	Path     string   `toml:"path"`     // Chrome/Chromium binary, empty means autodetect
	Endpoint string   `toml:"endpoint"` // ws:// endpoint of an already running browser
	Headless bool     `toml:"headless"`
	Timeout  Duration `toml:"timeout"`
}

// MetadataConfig points the {title} lookup at a catalog page.
type MetadataConfig struct {
	URL      string `toml:"url"`      // Template with {id} and {type}
	Selector string `toml:"selector"` // goquery selector, empty means og:title then <title>
}

// Config holds all application configuration.
type Config struct {
	Registry       string              `toml:"registry"`
	CacheTTL       Duration            `toml:"cache_ttl"`
	Retries        int                 `toml:"retries"`
	RetryBackoff   Duration            `toml:"retry_backoff"`
	RequestTimeout Duration            `toml:"request_timeout"`
	Browser        BrowserConfig       `toml:"browser"`
	Timeouts       map[string]Duration `toml:"timeouts"` // Per-provider walk timeout overrides
	Proxy          string              `toml:"proxy"`
	Probe          bool                `toml:"probe"`
	History        bool                `toml:"history"`
	Player         string              `toml:"player"`
	Metadata       MetadataConfig      `toml:"metadata"`
	Debug          bool                `toml:"debug"`
	LogLevel       string              `toml:"log_level"`
}

// Default returns the default configuration.
func Default() *Config {
	registry := "providers.toml"
	if dir, err := configDir(); err == nil {
		registry = filepath.Join(dir, "providers.toml")
	}
	return &Config{
		Registry:       registry,
		CacheTTL:       Duration(10 * time.Minute),
		Retries:        2,
		RetryBackoff:   Duration(500 * time.Millisecond),
		RequestTimeout: Duration(15 * time.Second),
		Browser: BrowserConfig{
			Headless: true,
			Timeout:  Duration(30 * time.Second),
		},
		Timeouts: map[string]Duration{},
		Probe:    false,
		History:  true,
		Player:   "mpv",
		LogLevel: "info",
	}
}

// configDir returns the XDG-compliant config directory.
func configDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "streamwalk"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".config", "streamwalk"), nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads the default config file and merges it with defaults.
// If the config file doesn't exist, defaults are returned.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		cfg := Default()
		cfg.applyEnv()
		return cfg, nil
	}
	cfg, err := LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}
	return cfg, err
}

// LoadFile reads an explicit config file. Unlike Load, a missing file is an
// error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = map[string]Duration{}
	}
	cfg.Registry = expandHome(cfg.Registry)
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnv layers environment overrides on top of the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("STREAMWALK_REGISTRY"); v != "" {
		c.Registry = expandHome(v)
	}
	if v := os.Getenv("STREAMWALK_BROWSER_ENDPOINT"); v != "" {
		c.Browser.Endpoint = v
	}
	if v := os.Getenv("STREAMWALK_PROXY"); v != "" {
		c.Proxy = v
	}
}

// Validate checks config values are within acceptable bounds.
func (c *Config) Validate() error {
	validPlayers := map[string]bool{
		"mpv": true, "vlc": true, "iina": true, "celluloid": true,
	}
	if c.Player != "" && !validPlayers[strings.ToLower(c.Player)] {
		return fmt.Errorf("unsupported player %q (valid: mpv, vlc, iina, celluloid)", c.Player)
	}

	if c.Registry == "" {
		return fmt.Errorf("registry path cannot be empty")
	}
	if c.Retries < 0 || c.Retries > MaxRetries {
		return fmt.Errorf("retries must be between 0 and %d, got %d", MaxRetries, c.Retries)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff cannot be negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.Browser.Timeout <= 0 {
		return fmt.Errorf("browser.timeout must be positive")
	}
	for id, d := range c.Timeouts {
		if d <= 0 {
			return fmt.Errorf("timeout for provider %q must be positive", id)
		}
	}
	if ep := c.Browser.Endpoint; ep != "" && !strings.HasPrefix(ep, "ws://") && !strings.HasPrefix(ep, "wss://") {
		return fmt.Errorf("browser.endpoint must be a ws:// or wss:// URL, got %q", ep)
	}
	if p := c.Proxy; p != "" {
		valid := false
		for _, scheme := range []string{"http://", "https://", "socks5://", "socks5h://"} {
			if strings.HasPrefix(p, scheme) {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("unsupported proxy %q (valid schemes: http, https, socks5)", p)
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unsupported log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	return nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// HistoryPath returns the path to the event history database.
func HistoryPath() (string, error) {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "streamwalk", "history.db"), nil
}
