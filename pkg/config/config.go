package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the per-node configuration persisted as config.json in the
// node data directory.
type Config struct {
	SyncRoot       string   `json:"sync_root"`
	Priority       int      `json:"priority"`
	HTTPPort       int      `json:"http_port"`
	IPOverride     string   `json:"ip_override,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	AutoStartAgent bool     `json:"auto_start_agent"`
	UDPEnabled     bool     `json:"udp_enabled"`
	UDPPort        int      `json:"udp_port"`
	NodeStopped    bool     `json:"node_stopped"`

	LogLevel string `json:"log_level,omitempty"`
	LogJSON  bool   `json:"log_json,omitempty"`
}

// Default returns a config with the stock defaults applied.
func Default() *Config {
	return &Config{
		Priority:       100,
		HTTPPort:       8420,
		AutoStartAgent: true,
		UDPEnabled:     true,
		UDPPort:        4243,
	}
}

// Load reads the config file at path, applying defaults for absent
// fields. A missing file yields the defaults without error so first
// run needs no setup step.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Priority == 0 {
		cfg.Priority = 100
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8420
	}
	if cfg.UDPPort == 0 {
		cfg.UDPPort = 4243
	}
	return cfg, nil
}

// Save writes the config atomically (write-temp-then-rename) so a
// crash mid-write never leaves a truncated file behind.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
