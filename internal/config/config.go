package config

import (
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig describes the managed moltbot gateway child: where it binds,
// which binary to spawn, and how patiently the wrapper waits for it.
type GatewayConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Bin          string `yaml:"bin"`
	WorkspaceDir string `yaml:"workspace_dir"`

	// TokenOverride comes from MOLTBOT_GATEWAY_TOKEN only. Tokens never
	// live in the wrapper config file.
	TokenOverride string `yaml:"-"`

	ReadyTimeoutSeconds int `yaml:"ready_timeout_seconds"`
	PollIntervalMS      int `yaml:"poll_interval_ms"`
	GraceSeconds        int `yaml:"grace_seconds"`
}

// Addr returns the host:port the gateway listens on.
func (g GatewayConfig) Addr() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

// URL returns the base URL used for readiness probes and proxying.
func (g GatewayConfig) URL() string {
	return "http://" + g.Addr()
}

func (g GatewayConfig) ReadyTimeout() time.Duration {
	return time.Duration(g.ReadyTimeoutSeconds) * time.Second
}

func (g GatewayConfig) PollInterval() time.Duration {
	return time.Duration(g.PollIntervalMS) * time.Millisecond
}

func (g GatewayConfig) Grace() time.Duration {
	return time.Duration(g.GraceSeconds) * time.Second
}

// RateLimitConfig bounds request rates on the setup surface.
type RateLimitConfig struct {
	Enabled   bool `yaml:"enabled"`
	PerMinute int  `yaml:"per_minute"`
	Burst     int  `yaml:"burst"`
}

type Config struct {
	// StateDir is resolved from MOLTBOT_STATE_DIR, never from the file.
	StateDir string `yaml:"-"`

	ListenPort    int    `yaml:"listen_port"`
	LogLevel      string `yaml:"log_level"`
	SetupPassword string `yaml:"setup_password"`

	Gateway   GatewayConfig   `yaml:"gateway"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// RestartSchedule is an optional cron expression for scheduled gateway
	// restarts. Empty disables the scheduler.
	RestartSchedule string `yaml:"restart_schedule"`

	// Credentials holds ambient secrets used to prefill the setup payload.
	// Keys: "anthropic", "brave_search", "telegram", "discord". Env vars
	// override: ANTHROPIC_API_KEY → credentials["anthropic"], etc.
	Credentials map[string]string `yaml:"credentials"`
}

// ListenAddr returns the public listen address (all interfaces).
func (c Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.ListenPort)
}

var credentialEnv = map[string]string{
	"anthropic":    "ANTHROPIC_API_KEY",
	"brave_search": "BRAVE_API_KEY",
	"telegram":     "TELEGRAM_BOT_TOKEN",
	"discord":      "DISCORD_BOT_TOKEN",
}

// Credential returns the value for the named ambient credential, checking
// env overrides first. Env mapping: "brave_search" → BRAVE_API_KEY.
func (c Config) Credential(name string) string {
	if envVar, ok := credentialEnv[name]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Credentials != nil {
		return c.Credentials[name]
	}
	return ""
}

// Fingerprint returns a stable hash of the active config for startup logging.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "port=%d|state=%s|gw=%s|bin=%s|log=%s|ready=%d|poll=%d|grace=%d|cron=%s",
		c.ListenPort, c.StateDir, c.Gateway.Addr(), c.Gateway.Bin, c.LogLevel,
		c.Gateway.ReadyTimeoutSeconds, c.Gateway.PollIntervalMS, c.Gateway.GraceSeconds,
		c.RestartSchedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// StateDir returns the moltbot state directory, honoring MOLTBOT_STATE_DIR.
func StateDir() string {
	if override := os.Getenv("MOLTBOT_STATE_DIR"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".moltbot")
}

// Path returns the wrapper config file location: MOLTHOST_CONFIG when set,
// otherwise molthost.yaml inside the state directory.
func Path(stateDir string) string {
	if override := os.Getenv("MOLTHOST_CONFIG"); override != "" {
		return override
	}
	return filepath.Join(stateDir, "molthost.yaml")
}

func defaultConfig() Config {
	return Config{
		ListenPort: 8080,
		LogLevel:   "info",
		Gateway: GatewayConfig{
			Host:                "127.0.0.1",
			Port:                18789,
			Bin:                 "moltbot",
			ReadyTimeoutSeconds: 45,
			PollIntervalMS:      500,
			GraceSeconds:        10,
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			PerMinute: 30,
			Burst:     10,
		},
	}
}

// Load builds the effective configuration: defaults, then the optional
// molthost.yaml, then environment overrides.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.StateDir = StateDir()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create state dir: %w", err)
	}

	configPath := Path(cfg.StateDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read molthost.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse molthost.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ListenPort = v
		}
	}
	if raw := os.Getenv("MOLTHOST_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SETUP_PASSWORD"); raw != "" {
		cfg.SetupPassword = raw
	}
	if raw := os.Getenv("MOLTBOT_GATEWAY_HOST"); raw != "" {
		cfg.Gateway.Host = raw
	}
	if raw := os.Getenv("MOLTBOT_GATEWAY_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Gateway.Port = v
		}
	}
	if raw := os.Getenv("MOLTBOT_GATEWAY_TOKEN"); raw != "" {
		cfg.Gateway.TokenOverride = raw
	}
	if raw := os.Getenv("MOLTBOT_BIN"); raw != "" {
		cfg.Gateway.Bin = raw
	}
	if raw := os.Getenv("MOLTBOT_WORKSPACE_DIR"); raw != "" {
		cfg.Gateway.WorkspaceDir = raw
	}
	if raw := os.Getenv("MOLTHOST_READY_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Gateway.ReadyTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("MOLTHOST_RESTART_SCHEDULE"); raw != "" {
		cfg.RestartSchedule = raw
	}
	for name, envVar := range credentialEnv {
		if raw := os.Getenv(envVar); raw != "" {
			if cfg.Credentials == nil {
				cfg.Credentials = make(map[string]string)
			}
			cfg.Credentials[name] = raw
		}
	}
}

func normalize(cfg *Config) {
	if cfg.ListenPort <= 0 {
		cfg.ListenPort = 8080
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = 18789
	}
	if strings.TrimSpace(cfg.Gateway.Bin) == "" {
		cfg.Gateway.Bin = "moltbot"
	}
	if cfg.Gateway.WorkspaceDir == "" {
		cfg.Gateway.WorkspaceDir = filepath.Join(cfg.StateDir, "workspace")
	}
	if cfg.Gateway.ReadyTimeoutSeconds <= 0 {
		cfg.Gateway.ReadyTimeoutSeconds = 45
	}
	if cfg.Gateway.PollIntervalMS <= 0 {
		cfg.Gateway.PollIntervalMS = 500
	}
	if cfg.Gateway.GraceSeconds <= 0 {
		cfg.Gateway.GraceSeconds = 10
	}
	if cfg.RateLimit.PerMinute <= 0 {
		cfg.RateLimit.PerMinute = 30
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}
	cfg.RestartSchedule = strings.TrimSpace(cfg.RestartSchedule)
}

func validate(cfg *Config) error {
	if cfg.ListenPort < 1 || cfg.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", cfg.ListenPort)
	}
	if cfg.Gateway.Port < 1 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port %d out of range", cfg.Gateway.Port)
	}
	// A loopback gateway on the public port would make the proxy forward
	// to itself.
	if cfg.Gateway.Port == cfg.ListenPort && isLoopback(cfg.Gateway.Host) {
		return fmt.Errorf("gateway port %d collides with listen_port", cfg.Gateway.Port)
	}
	return nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
