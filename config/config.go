package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "clipberry"
	// DefaultItemPort is the TLS item channel port. Zero selects an
	// ephemeral port at launch.
	DefaultItemPort = 41820
	// DefaultPairingPort is the provisional pairing channel port.
	DefaultPairingPort = 41821
	// DefaultMaxItemSize caps synchronized item payloads in bytes.
	DefaultMaxItemSize = 1 * 1024 * 1024
	// DefaultPollIntervalMillis is the clipboard sampling interval.
	DefaultPollIntervalMillis = 1000
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings. The device
// identity itself lives in the key files, not here.
type DeviceConfig struct {
	DeviceName         string `json:"device_name"`
	ItemPort           int    `json:"item_port"`
	PairingPort        int    `json:"pairing_port"`
	PrivateKeyPath     string `json:"private_key_path"`
	PublicKeyPath      string `json:"public_key_path"`
	CertificatePath    string `json:"certificate_path"`
	SyncText           bool   `json:"sync_text"`
	SyncImages         bool   `json:"sync_images"`
	MaxItemSize        int    `json:"max_item_size"`
	PollIntervalMillis int    `json:"poll_interval_ms"`
}

// PollInterval returns the clipboard sampling interval as a duration.
func (c *DeviceConfig) PollInterval() time.Duration {
	millis := c.PollIntervalMillis
	if millis <= 0 {
		millis = DefaultPollIntervalMillis
	}
	return time.Duration(millis) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CLIPBERRY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("CLIPBERRY_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the
// config and its path.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	deviceName := "Clipberry Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	keysDir := filepath.Join(dataDir, "keys")
	return &DeviceConfig{
		DeviceName:         deviceName,
		ItemPort:           DefaultItemPort,
		PairingPort:        DefaultPairingPort,
		PrivateKeyPath:     filepath.Join(keysDir, "identity_private.pem"),
		PublicKeyPath:      filepath.Join(keysDir, "identity_public.pem"),
		CertificatePath:    filepath.Join(keysDir, "device_cert.der"),
		SyncText:           true,
		SyncImages:         true,
		MaxItemSize:        DefaultMaxItemSize,
		PollIntervalMillis: DefaultPollIntervalMillis,
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.DeviceName == "" {
		deviceName := "Clipberry Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.ItemPort < 0 {
		cfg.ItemPort = DefaultItemPort
		updated = true
	}
	if cfg.PairingPort < 0 {
		cfg.PairingPort = DefaultPairingPort
		updated = true
	}

	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(keysDir, "identity_private.pem")
		updated = true
	}
	if cfg.PublicKeyPath == "" {
		cfg.PublicKeyPath = filepath.Join(keysDir, "identity_public.pem")
		updated = true
	}
	if cfg.CertificatePath == "" {
		cfg.CertificatePath = filepath.Join(keysDir, "device_cert.der")
		updated = true
	}

	if cfg.MaxItemSize <= 0 {
		cfg.MaxItemSize = DefaultMaxItemSize
		updated = true
	}
	if cfg.PollIntervalMillis <= 0 {
		cfg.PollIntervalMillis = DefaultPollIntervalMillis
		updated = true
	}

	return updated
}
