package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"
)

// Config holds all runtime options for the archiver.
type Config struct {
	// Links are the share strings or URLs to process.
	Links []string `toml:"links"`

	// Path is the output root directory. Defaults to the working directory.
	Path string `toml:"path"`

	// Media role toggles.
	Music  bool `toml:"music"`
	Cover  bool `toml:"cover"`
	Avatar bool `toml:"avatar"`

	// Sidecar writes a JSON file with the normalized record next to media.
	Sidecar bool `toml:"json"`

	// FolderStyle creates one subdirectory per post.
	FolderStyle bool `toml:"folder_style"`

	// Database enables the sqlite store (required for incremental crawls).
	Database bool `toml:"database"`

	// DatabasePath is the sqlite file location.
	DatabasePath string `toml:"database_path"`

	// Modes selects what to crawl for user links: post, like, mix.
	Modes []string `toml:"mode"`

	// Thread is the worker pool width, clamped to at least 1.
	Thread int `toml:"thread"`

	// StartTime and EndTime bound post creation dates, as "2006-01-02"
	// calendar days. EndTime accepts the alias "now".
	StartTime string `toml:"start_time"`
	EndTime   string `toml:"end_time"`

	// Cookie is a raw Cookie header injected into every API request.
	Cookie string `toml:"cookie"`

	// Number caps result counts per mode (0 = unlimited).
	Number map[string]int `toml:"number"`

	// Increase enables incremental early-stop per mode.
	Increase map[string]bool `toml:"increase"`
}

// Default returns a config with the same defaults the original tool ships.
func Default() *Config {
	return &Config{
		Music:        true,
		Cover:        true,
		Avatar:       true,
		Sidecar:      true,
		FolderStyle:  true,
		Database:     true,
		DatabasePath: "data.db",
		Modes:        []string{"post"},
		Thread:       5,
		Number:       map[string]int{"post": 0, "like": 0, "allmix": 0, "mix": 0, "music": 0},
		Increase:     map[string]bool{"post": false, "like": false},
	}
}

// Load reads a TOML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate normalizes derived fields and rejects unusable configs.
func (c *Config) Validate() error {
	if len(c.Links) == 0 {
		return fmt.Errorf("no links configured")
	}

	if c.Thread < 1 {
		c.Thread = 1
	}

	if len(c.Modes) == 0 {
		c.Modes = []string{"post"}
	}
	for _, m := range c.Modes {
		switch m {
		case "post", "like", "mix":
		default:
			return fmt.Errorf("unknown mode %q", m)
		}
	}

	if c.EndTime == "now" {
		c.EndTime = time.Now().Format("2006-01-02")
	}

	if c.Path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		c.Path = wd
	}
	abs, err := filepath.Abs(c.Path)
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}
	c.Path = abs
	if err := os.MkdirAll(c.Path, 0o755); err != nil {
		return fmt.Errorf("create output path: %w", err)
	}

	return nil
}

// NumberFor returns the per-mode result cap, 0 when unset.
func (c *Config) NumberFor(mode string) int {
	return c.Number[mode]
}

// IncreaseFor returns the per-mode incremental flag.
func (c *Config) IncreaseFor(mode string) bool {
	return c.Increase[mode]
}
