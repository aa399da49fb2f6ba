package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"goldrenard/network"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "goldrenard"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "GOLDRENARD_DATA_DIR"
	// DiscoveryModeMDNS advertises a running relay on the local network.
	DiscoveryModeMDNS = "mdns"
	// DiscoveryModeOff disables advertisement.
	DiscoveryModeOff = "off"
	// DefaultLogLevel is used when the config has no valid level.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"

	spoolDirName     = "spool"
	downloadsDirName = "downloads"
)

// NodeConfig contains persistent settings for both the relay and the client.
type NodeConfig struct {
	NodeID        string `json:"node_id"`
	NodeName      string `json:"node_name"`
	ListenAddress string `json:"listen_address"`
	PacketLength  uint32 `json:"packet_length"`
	SpoolDir      string `json:"spool_dir"`
	DownloadDir   string `json:"download_dir"`
	Discovery     string `json:"discovery"`
	LogLevel      string `json:"log_level"`
}

// Advertise reports whether a relay should announce itself over mDNS.
func (c *NodeConfig) Advertise() bool {
	return c.Discovery == DiscoveryModeMDNS
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If GOLDRENARD_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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
		filepath.Join(dataDir, spoolDirName),
		filepath.Join(dataDir, downloadsDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
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

// LoadOrCreate resolves the data directory, then behaves like LoadOrCreateAt.
func LoadOrCreate() (*NodeConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateAt(dataDir)
}

// LoadOrCreateAt ensures directories and config exist under dataDir, then
// returns the config and its path. Missing or invalid fields are filled in
// and persisted.
func LoadOrCreateAt(dataDir string) (*NodeConfig, string, error) {
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

func defaultConfig(dataDir string) *NodeConfig {
	return &NodeConfig{
		NodeID:        uuid.NewString(),
		NodeName:      defaultNodeName(),
		ListenAddress: fmt.Sprintf(":%d", network.DefaultPort),
		PacketLength:  network.DefaultPacketLength,
		SpoolDir:      filepath.Join(dataDir, spoolDirName),
		DownloadDir:   filepath.Join(dataDir, downloadsDirName),
		Discovery:     DiscoveryModeMDNS,
		LogLevel:      DefaultLogLevel,
	}
}

func defaultNodeName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "goldrenard relay"
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false
	defaults := defaultConfig(dataDir)

	if cfg.NodeID == "" {
		cfg.NodeID = defaults.NodeID
		updated = true
	}

	if cfg.NodeName == "" {
		cfg.NodeName = defaults.NodeName
		updated = true
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaults.ListenAddress
		updated = true
	}

	if cfg.PacketLength == 0 || cfg.PacketLength > network.MaxPacketLength {
		cfg.PacketLength = defaults.PacketLength
		updated = true
	}

	if cfg.SpoolDir == "" {
		cfg.SpoolDir = defaults.SpoolDir
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = defaults.DownloadDir
		updated = true
	}

	mode := normalizeDiscoveryMode(cfg.Discovery)
	if cfg.Discovery != mode {
		cfg.Discovery = mode
		updated = true
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func normalizeDiscoveryMode(mode string) string {
	switch mode {
	case DiscoveryModeOff:
		return DiscoveryModeOff
	default:
		return DiscoveryModeMDNS
	}
}
