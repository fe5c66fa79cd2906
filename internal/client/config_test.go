package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func noEnv(string) string { return "" }

func mapEnv(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig([]string{"--config", filepath.Join(dir, "missing.yaml"), "--env-file", ""}, noEnv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendURL != defaultBackend || cfg.SocketURL != "ws://127.0.0.1:5000/ws" {
		t.Fatalf("unexpected urls %q %q", cfg.BackendURL, cfg.SocketURL)
	}
	if cfg.PendingTimeout != 2*time.Minute || cfg.MaxUpload != 50<<20 || cfg.AssistantName != "Elva Ai" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.UnreadSync != 30*time.Second || cfg.CacheLimit != 500 {
		t.Fatalf("unexpected sync defaults %+v", cfg)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "chatzone.yaml")
	yamlBody := "username: yaml-user\nassistant_name: Helper\npending_timeout: 45s\ncache_limit: 20\nlog_level: warn\n"
	if err := os.WriteFile(yamlPath, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	envPath := filepath.Join(dir, ".env")
	envBody := "CHATZONE_USERNAME=dotenv-user\nCHATZONE_CACHE_LIMIT=30\nCHATZONE_LOG_LEVEL=error\n"
	if err := os.WriteFile(envPath, []byte(envBody), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	getenv := mapEnv(map[string]string{
		"CHATZONE_CONFIG":    yamlPath,
		"CHATZONE_USERNAME":  "env-user",
		"CHATZONE_LOG_LEVEL": "debug",
	})

	cfg, err := LoadConfig([]string{"--env-file", envPath, "--log-level", "trace"}, getenv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigFile != yamlPath {
		t.Fatalf("config path from env not used: %q", cfg.ConfigFile)
	}
	if cfg.AssistantName != "Helper" || cfg.PendingTimeout != 45*time.Second {
		t.Fatalf("yaml layer not applied: %+v", cfg)
	}
	if cfg.CacheLimit != 30 {
		t.Fatalf(".env should override yaml, got %d", cfg.CacheLimit)
	}
	if cfg.Username != "env-user" {
		t.Fatalf("process env should override .env, got %q", cfg.Username)
	}
	if cfg.LogLevel != "trace" {
		t.Fatalf("flags should win, got %q", cfg.LogLevel)
	}
}

func TestLoadConfigDerivesSecureSocket(t *testing.T) {
	cfg, err := LoadConfig([]string{"--config", "", "--env-file", "", "--backend", "https://chat.example.com/api/"}, noEnv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendURL != "https://chat.example.com/api" {
		t.Fatalf("trailing slash not trimmed: %q", cfg.BackendURL)
	}
	if cfg.SocketURL != "wss://chat.example.com/api/ws" {
		t.Fatalf("unexpected socket url %q", cfg.SocketURL)
	}

	cfg, err = LoadConfig([]string{"--config", "", "--env-file", "", "--socket", "ws://other:1/live"}, noEnv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketURL != "ws://other:1/live" {
		t.Fatalf("explicit socket url replaced: %q", cfg.SocketURL)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	if _, err := LoadConfig([]string{"--config", "", "--env-file", "", "--backend", "ftp://host"}, noEnv); err == nil {
		t.Fatalf("expected error for non-http backend")
	}
	if _, err := LoadConfig([]string{"--config", "", "--env-file", "", "--max-upload", "0"}, noEnv); err == nil {
		t.Fatalf("expected error for zero max upload")
	}
	getenv := mapEnv(map[string]string{"CHATZONE_PENDING_TIMEOUT": "soon"})
	if _, err := LoadConfig([]string{"--config", "", "--env-file", ""}, getenv); err == nil {
		t.Fatalf("expected error for bad duration in env")
	}
}

func TestPathsCreatesUserDir(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadConfig([]string{"--config", "", "--env-file", "", "--data-dir", dir}, noEnv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	db, staged, err := cfg.Paths("bob.smith:1")
	if err != nil {
		t.Fatalf("paths: %v", err)
	}
	userDir := filepath.Join(dir, "bob-smith-1")
	if db != filepath.Join(userDir, "cache.db") || staged != filepath.Join(userDir, "staged") {
		t.Fatalf("unexpected paths %q %q", db, staged)
	}
	if info, err := os.Stat(userDir); err != nil || !info.IsDir() {
		t.Fatalf("user dir not created: %v", err)
	}
	if got := cfg.UserDir("../.."); got != filepath.Join(dir, "----") {
		t.Fatalf("path escape not sanitized: %q", got)
	}
}
