package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mxrcochxvez/moltbot-railway/internal/config"
)

func TestLoad_DefaultsApplied(t *testing.T) {
	state := t.TempDir()
	t.Setenv("MOLTBOT_STATE_DIR", state)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenPort != 8080 {
		t.Fatalf("expected default listen_port=8080, got %d", cfg.ListenPort)
	}
	if cfg.Gateway.Addr() != "127.0.0.1:18789" {
		t.Fatalf("expected default gateway addr=127.0.0.1:18789, got %q", cfg.Gateway.Addr())
	}
	if cfg.Gateway.Bin != "moltbot" {
		t.Fatalf("expected default bin=moltbot, got %q", cfg.Gateway.Bin)
	}
	if cfg.Gateway.ReadyTimeoutSeconds != 45 {
		t.Fatalf("expected default ready_timeout_seconds=45, got %d", cfg.Gateway.ReadyTimeoutSeconds)
	}
	if cfg.Gateway.WorkspaceDir != filepath.Join(state, "workspace") {
		t.Fatalf("expected workspace under state dir, got %q", cfg.Gateway.WorkspaceDir)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log_level=info, got %q", cfg.LogLevel)
	}
	if !cfg.RateLimit.Enabled {
		t.Fatal("expected rate limit enabled by default")
	}
}

func TestLoad_CreatesStateDir(t *testing.T) {
	state := filepath.Join(t.TempDir(), "nested", ".moltbot")
	t.Setenv("MOLTBOT_STATE_DIR", state)

	if _, err := config.Load(); err != nil {
		t.Fatalf("load config: %v", err)
	}
	info, err := os.Stat(state)
	if err != nil {
		t.Fatalf("stat state dir: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("state dir is not a directory")
	}
}

func TestLoad_FromYAMLFile(t *testing.T) {
	state := t.TempDir()
	yamlContent := "listen_port: 9090\ngateway:\n  port: 20000\n  ready_timeout_seconds: 5\n"
	if err := os.WriteFile(filepath.Join(state, "molthost.yaml"), []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MOLTBOT_STATE_DIR", state)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenPort != 9090 {
		t.Fatalf("expected listen_port=9090, got %d", cfg.ListenPort)
	}
	if cfg.Gateway.Port != 20000 {
		t.Fatalf("expected gateway port=20000, got %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.ReadyTimeoutSeconds != 5 {
		t.Fatalf("expected ready_timeout_seconds=5, got %d", cfg.Gateway.ReadyTimeoutSeconds)
	}
	// Unset fields keep defaults.
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Fatalf("expected default gateway host, got %q", cfg.Gateway.Host)
	}
}

func TestLoad_ConfigPathOverride(t *testing.T) {
	state := t.TempDir()
	other := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(other, []byte("listen_port: 7070\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MOLTBOT_STATE_DIR", state)
	t.Setenv("MOLTHOST_CONFIG", other)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenPort != 7070 {
		t.Fatalf("expected listen_port=7070 from MOLTHOST_CONFIG, got %d", cfg.ListenPort)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	state := t.TempDir()
	if err := os.WriteFile(filepath.Join(state, "molthost.yaml"), []byte("listen_port: 9090\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MOLTBOT_STATE_DIR", state)
	t.Setenv("PORT", "3000")
	t.Setenv("MOLTBOT_GATEWAY_PORT", "19999")
	t.Setenv("MOLTBOT_BIN", "/opt/moltbot/bin/moltbot")
	t.Setenv("SETUP_PASSWORD", "hunter2")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenPort != 3000 {
		t.Fatalf("expected env override listen_port=3000, got %d", cfg.ListenPort)
	}
	if cfg.Gateway.Port != 19999 {
		t.Fatalf("expected env override gateway port=19999, got %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.Bin != "/opt/moltbot/bin/moltbot" {
		t.Fatalf("expected env override bin, got %q", cfg.Gateway.Bin)
	}
	if cfg.SetupPassword != "hunter2" {
		t.Fatalf("expected setup password from env, got %q", cfg.SetupPassword)
	}
}

func TestLoad_TokenOverrideFromEnvOnly(t *testing.T) {
	state := t.TempDir()
	t.Setenv("MOLTBOT_STATE_DIR", state)
	t.Setenv("MOLTBOT_GATEWAY_TOKEN", "aabbcc")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Gateway.TokenOverride != "aabbcc" {
		t.Fatalf("expected token override from env, got %q", cfg.Gateway.TokenOverride)
	}
}

func TestLoad_RejectsPortCollision(t *testing.T) {
	state := t.TempDir()
	t.Setenv("MOLTBOT_STATE_DIR", state)
	t.Setenv("PORT", "18789")

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error when gateway port collides with listen port")
	}
}

func TestLoad_AllowsSharedPortOnRemoteHost(t *testing.T) {
	state := t.TempDir()
	t.Setenv("MOLTBOT_STATE_DIR", state)
	t.Setenv("PORT", "18789")
	t.Setenv("MOLTBOT_GATEWAY_HOST", "10.0.0.5")

	if _, err := config.Load(); err != nil {
		t.Fatalf("load config: %v", err)
	}
}

func TestCredential_EnvOverridesYAML(t *testing.T) {
	cfg := config.Config{
		Credentials: map[string]string{"brave_search": "yaml-key"},
	}
	if got := cfg.Credential("brave_search"); got != "yaml-key" {
		t.Fatalf("expected yaml-key, got %q", got)
	}

	t.Setenv("BRAVE_API_KEY", "env-key")
	if got := cfg.Credential("brave_search"); got != "env-key" {
		t.Fatalf("expected env-key, got %q", got)
	}
}

func TestCredential_Empty(t *testing.T) {
	cfg := config.Config{}
	if got := cfg.Credential("brave_search"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := cfg.Credential("nonexistent"); got != "" {
		t.Fatalf("expected empty for unknown credential, got %q", got)
	}
}

func TestLoad_CredentialEnvPopulatesMap(t *testing.T) {
	state := t.TempDir()
	t.Setenv("MOLTBOT_STATE_DIR", state)
	t.Setenv("TELEGRAM_BOT_TOKEN", "123456789:tg-from-env")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Credentials["telegram"] != "123456789:tg-from-env" {
		t.Fatalf("expected credentials[telegram] from env, got %q", cfg.Credentials["telegram"])
	}
}

func TestFingerprint_Stable(t *testing.T) {
	state := t.TempDir()
	t.Setenv("MOLTBOT_STATE_DIR", state)

	a, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint not stable: %q vs %q", a.Fingerprint(), b.Fingerprint())
	}

	t.Setenv("PORT", "3000")
	c, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Fingerprint() == a.Fingerprint() {
		t.Fatal("fingerprint unchanged after port override")
	}
}

func TestGatewayConfig_Durations(t *testing.T) {
	g := config.GatewayConfig{ReadyTimeoutSeconds: 45, PollIntervalMS: 500, GraceSeconds: 10}
	if g.ReadyTimeout().Seconds() != 45 {
		t.Fatalf("ready timeout = %v, want 45s", g.ReadyTimeout())
	}
	if g.PollInterval().Milliseconds() != 500 {
		t.Fatalf("poll interval = %v, want 500ms", g.PollInterval())
	}
	if g.Grace().Seconds() != 10 {
		t.Fatalf("grace = %v, want 10s", g.Grace())
	}
}

func TestStateDir_Default(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("MOLTBOT_STATE_DIR", "")

	if got := config.StateDir(); got != filepath.Join(home, ".moltbot") {
		t.Fatalf("state dir = %q, want %q", got, filepath.Join(home, ".moltbot"))
	}
}
