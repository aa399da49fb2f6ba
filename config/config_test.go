package config

import (
	"path/filepath"
	"testing"

	"goldrenard/network"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.NodeID == "" {
		t.Fatalf("expected non-empty node ID")
	}
	if firstCfg.ListenAddress != ":5630" {
		t.Fatalf("expected default listen address :5630, got %q", firstCfg.ListenAddress)
	}
	if firstCfg.PacketLength != network.DefaultPacketLength {
		t.Fatalf("expected default packet length, got %d", firstCfg.PacketLength)
	}
	if !firstCfg.Advertise() {
		t.Fatalf("expected mDNS advertisement on by default")
	}
	if firstCfg.SpoolDir != filepath.Join(tempDir, "spool") {
		t.Fatalf("unexpected spool dir %q", firstCfg.SpoolDir)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if *secondCfg != *firstCfg {
		t.Fatalf("expected stable config, got %+v then %+v", firstCfg, secondCfg)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	cfgPath := ConfigPath(tempDir)
	partial := &NodeConfig{
		NodeID:       "relay-1",
		NodeName:     "Attic",
		PacketLength: network.MaxPacketLength + 1,
		Discovery:    "broadcast",
		LogLevel:     "chatty",
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreateAt(tempDir)
	if err != nil {
		t.Fatalf("LoadOrCreateAt failed: %v", err)
	}
	if cfg.NodeID != "relay-1" || cfg.NodeName != "Attic" {
		t.Fatalf("expected identity to be retained, got %+v", cfg)
	}
	if cfg.PacketLength != network.DefaultPacketLength {
		t.Fatalf("expected oversized packet length to reset, got %d", cfg.PacketLength)
	}
	if cfg.Discovery != DiscoveryModeMDNS {
		t.Fatalf("expected unknown discovery mode to normalize, got %q", cfg.Discovery)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected invalid log level to reset, got %q", cfg.LogLevel)
	}
	if cfg.DownloadDir != filepath.Join(tempDir, "downloads") {
		t.Fatalf("unexpected download dir %q", cfg.DownloadDir)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *reloaded != *cfg {
		t.Fatalf("expected normalized config to be persisted")
	}
}

func TestDiscoveryOffIsRetained(t *testing.T) {
	tempDir := t.TempDir()
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	cfg := defaultConfig(tempDir)
	cfg.Discovery = DiscoveryModeOff
	if err := Save(ConfigPath(tempDir), cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, _, err := LoadOrCreateAt(tempDir)
	if err != nil {
		t.Fatalf("LoadOrCreateAt failed: %v", err)
	}
	if loaded.Advertise() {
		t.Fatalf("expected discovery to stay off")
	}
}
