package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8787 {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Agent.ClientVersion != "0.1.0" {
		t.Fatalf("unexpected agent default: %+v", cfg.Agent)
	}
	if cfg.Push.DataDir != "./data" {
		t.Fatalf("unexpected push default: %+v", cfg.Push)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := []byte("server:\n  port: 9999\nagent:\n  binaryPath: /usr/local/bin/codex\n")
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Fatalf("expected overridden port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Agent.BinaryPath != "/usr/local/bin/codex" {
		t.Fatalf("expected overridden binary path, got %q", cfg.Agent.BinaryPath)
	}
	// Defaults not present in the file must survive.
	if cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("expected default host to survive, got %q", cfg.Server.Host)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CODEXMUX_SERVER_PORT", "7000")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Fatalf("expected env override to set port to 7000, got %d", cfg.Server.Port)
	}
}
