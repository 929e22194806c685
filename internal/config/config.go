// Package config loads and persists clipsync settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Settings is everything a user can tune. Fields absent from the file on
// disk keep their defaults.
type Settings struct {
	DeviceName string `json:"device_name"`
	ListenHost string `json:"listen_host"`

	AutoSync            bool     `json:"auto_sync"`
	SyncText            bool     `json:"sync_text"`
	SyncImages          bool     `json:"sync_images"`
	SyncFiles           bool     `json:"sync_files"`
	RequireConfirmation bool     `json:"require_confirmation"`
	MaxSizeMB           int      `json:"max_size_mb"`
	ExcludedApps        []string `json:"excluded_apps"`
	TrustedNetworks     []string `json:"trusted_networks"`

	AutoAcceptDevices bool   `json:"auto_accept_devices"`
	PollIntervalMS    int    `json:"poll_interval_ms"`
	EnableRelay       bool   `json:"enable_relay"`
	RelayServer       string `json:"relay_server"`
	RelayRoom         string `json:"relay_room"`
}

// Default returns the settings a fresh install runs with.
func Default() Settings {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "clipsync-device"
	}
	return Settings{
		DeviceName:        hostname,
		ListenHost:        "0.0.0.0",
		AutoSync:          true,
		SyncText:          true,
		SyncImages:        true,
		SyncFiles:         false,
		MaxSizeMB:         10,
		ExcludedApps:      []string{"password_manager", "banking_app"},
		AutoAcceptDevices: true,
		PollIntervalMS:    500,
		EnableRelay:       false,
		RelayServer:       "wss://relay.clipsync.dev:443",
	}
}

// Dir returns the clipsync config directory, creating it if needed.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".clipsync")
	return dir, os.MkdirAll(dir, 0755)
}

// DefaultPath returns the standard config file location.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads settings from path. A missing file is created with defaults;
// fields missing from an existing file keep their default values.
func Load(path string) (Settings, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		s := Default()
		if err := Save(path, s); err != nil {
			return s, err
		}
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("read config: %w", err)
	}

	s := Default()
	if err := json.Unmarshal(data, &s); err != nil {
		return Default(), fmt.Errorf("parse config: %w", err)
	}
	return s, nil
}

// Save writes settings to path, creating parent directories as needed.
func Save(path string, s Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
