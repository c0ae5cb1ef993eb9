package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Defaults.Port != 22 {
		t.Errorf("Defaults.Port = %d, want 22", cfg.Defaults.Port)
	}
	if cfg.Defaults.KeepAliveInterval != 60*time.Second {
		t.Errorf("Defaults.KeepAliveInterval = %v, want 60s", cfg.Defaults.KeepAliveInterval)
	}
	if len(cfg.Hosts) != 0 {
		t.Errorf("Default() should have no hosts, got %d", len(cfg.Hosts))
	}
}

func TestParseValidConfig(t *testing.T) {
	yamlConfig := `
defaults:
  user: alice
  port: 22

hosts:
  build:
    hostname: build.example.com
    user: deploy
    identity_file: ~/.ssh/id_ed25519
  jump:
    hostname: jump.example.com
  inner:
    hostname: 10.0.0.5
    proxy_jump: jump
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Hosts) != 3 {
		t.Fatalf("expected 3 hosts, got %d", len(cfg.Hosts))
	}
	build := cfg.Hosts["build"]
	if build.User != "deploy" {
		t.Errorf("build.User = %q, want deploy", build.User)
	}
	if build.Port != 22 {
		t.Errorf("build.Port = %d, want inherited default 22", build.Port)
	}
	jump := cfg.Hosts["jump"]
	if jump.User != "alice" {
		t.Errorf("jump.User = %q, want inherited default alice", jump.User)
	}
	inner := cfg.Hosts["inner"]
	if inner.ProxyJump != "jump" {
		t.Errorf("inner.ProxyJump = %q, want jump", inner.ProxyJump)
	}
}

func TestParseRejectsMissingHostname(t *testing.T) {
	yamlConfig := `
hosts:
  broken:
    user: alice
`
	if _, err := Parse([]byte(yamlConfig)); err == nil {
		t.Fatal("expected validation error for missing hostname")
	}
}

func TestParseRejectsConflictingProxyFields(t *testing.T) {
	yamlConfig := `
hosts:
  broken:
    hostname: example.com
    proxy_jump: a
    proxy_command: b
`
	if _, err := Parse([]byte(yamlConfig)); err == nil {
		t.Fatal("expected validation error for conflicting proxy fields")
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Hosts) != 0 {
		t.Errorf("expected empty host list for missing file")
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	cfg := Default()
	cfg.Hosts["build"] = HostConfig{Hostname: "build.example.com", Port: 22, User: "ci"}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Hosts["build"].Hostname != "build.example.com" {
		t.Errorf("round trip lost Hostname: got %+v", loaded.Hosts["build"])
	}
}
