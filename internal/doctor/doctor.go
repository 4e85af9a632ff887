// Package doctor runs local diagnostics for the wrapper: state layout,
// agent binary, token, history database, and schedule sanity.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mxrcochxvez/moltbot-railway/internal/config"
	"github.com/mxrcochxvez/moltbot-railway/internal/cron"
	"github.com/mxrcochxvez/moltbot-railway/internal/history"
	"github.com/mxrcochxvez/moltbot-railway/internal/state"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	var dir state.Dir
	if cfg != nil {
		dir = state.New(cfg.StateDir, cfg.Gateway.WorkspaceDir)
	}

	checks := []func(context.Context, *config.Config, state.Dir) CheckResult{
		checkConfig,
		checkStateDir,
		checkAgentConfig,
		checkAgentBinary,
		checkToken,
		checkGatewayPort,
		checkHistoryDB,
		checkCredentials,
		checkRestartSchedule,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg, dir))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config, _ state.Dir) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.SetupPassword == "" {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "SETUP_PASSWORD not set; the setup surface will refuse every request",
			Detail:  fmt.Sprintf("state dir %s, %s", cfg.StateDir, cfg.Fingerprint()),
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded (%s)", cfg.Fingerprint()),
		Detail:  fmt.Sprintf("state dir %s, listening on %s", cfg.StateDir, cfg.ListenAddr()),
	}
}

func checkStateDir(_ context.Context, cfg *config.Config, dir state.Dir) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "State dir", Status: "SKIP", Message: "Config missing"}
	}
	if err := dir.EnsureLayout(); err != nil {
		return CheckResult{Name: "State dir", Status: "FAIL", Message: fmt.Sprintf("Cannot create layout: %v", err)}
	}
	testFile := filepath.Join(dir.Root, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "State dir", Status: "FAIL", Message: fmt.Sprintf("State dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "State dir", Status: "PASS", Message: "State and workspace directories writable"}
}

func checkAgentConfig(_ context.Context, cfg *config.Config, dir state.Dir) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent config", Status: "SKIP", Message: "Config missing"}
	}
	if !dir.IsConfigured() {
		return CheckResult{
			Name:    "Agent config",
			Status:  "WARN",
			Message: "moltbot.json not found; the agent is not onboarded",
			Detail:  "open /setup/ in a browser to run setup",
		}
	}
	return CheckResult{Name: "Agent config", Status: "PASS", Message: fmt.Sprintf("Found %s", dir.ConfigFile())}
}

func checkAgentBinary(_ context.Context, cfg *config.Config, _ state.Dir) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent binary", Status: "SKIP", Message: "Config missing"}
	}
	path, err := exec.LookPath(cfg.Gateway.Bin)
	if err != nil {
		return CheckResult{
			Name:    "Agent binary",
			Status:  "FAIL",
			Message: fmt.Sprintf("%q not found in PATH", cfg.Gateway.Bin),
			Detail:  "install the moltbot CLI or point MOLTBOT_BIN at it",
		}
	}
	return CheckResult{Name: "Agent binary", Status: "PASS", Message: fmt.Sprintf("Found %s", path)}
}

func checkToken(_ context.Context, cfg *config.Config, dir state.Dir) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway token", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Gateway.TokenOverride != "" {
		return CheckResult{Name: "Gateway token", Status: "PASS", Message: "MOLTBOT_GATEWAY_TOKEN override in effect"}
	}
	info, err := os.Stat(dir.TokenFile())
	if err != nil {
		return CheckResult{
			Name:    "Gateway token",
			Status:  "WARN",
			Message: "No persisted token yet; one will be minted on first start",
		}
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		return CheckResult{
			Name:    "Gateway token",
			Status:  "WARN",
			Message: fmt.Sprintf("Token file has loose permissions %04o, expected 0600", perm),
			Detail:  dir.TokenFile(),
		}
	}
	return CheckResult{Name: "Gateway token", Status: "PASS", Message: fmt.Sprintf("Persisted at %s (0600)", dir.TokenFile())}
}

func checkGatewayPort(ctx context.Context, cfg *config.Config, _ state.Dir) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway port", Status: "SKIP", Message: "Config missing"}
	}
	addr := cfg.Gateway.Addr()
	dialer := net.Dialer{Timeout: time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return CheckResult{
			Name:    "Gateway port",
			Status:  "WARN",
			Message: fmt.Sprintf("Nothing listening on %s; the gateway starts on demand", addr),
		}
	}
	conn.Close()
	return CheckResult{Name: "Gateway port", Status: "PASS", Message: fmt.Sprintf("Gateway answering on %s", addr)}
}

func checkHistoryDB(ctx context.Context, cfg *config.Config, dir state.Dir) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "History DB", Status: "SKIP", Message: "Config missing"}
	}
	store, err := history.Open(dir.HistoryFile())
	if err != nil {
		return CheckResult{Name: "History DB", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	events, err := store.Recent(ctx, 1)
	if err != nil {
		return CheckResult{Name: "History DB", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	detail := "no events recorded yet"
	if len(events) > 0 {
		detail = fmt.Sprintf("latest: %s at %s", events[0].Topic, events[0].At.Format(time.RFC3339))
	}
	return CheckResult{Name: "History DB", Status: "PASS", Message: "Connection and schema valid", Detail: detail}
}

func checkCredentials(_ context.Context, cfg *config.Config, _ state.Dir) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Credentials", Status: "SKIP", Message: "Config missing"}
	}

	var details []string
	set := 0
	for _, name := range []string{"anthropic", "brave_search", "telegram", "discord"} {
		if cfg.Credential(name) != "" {
			details = append(details, name+": set")
			set++
		} else {
			details = append(details, name+": unset")
		}
	}

	status := "PASS"
	message := fmt.Sprintf("%d of 4 credential sources set", set)
	if set == 0 {
		status = "WARN"
		message = "No credentials available; setup will need them typed in"
	}
	return CheckResult{
		Name:    "Credentials",
		Status:  status,
		Message: message,
		Detail:  strings.Join(details, ", "),
	}
}

func checkRestartSchedule(_ context.Context, cfg *config.Config, _ state.Dir) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Restart schedule", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.RestartSchedule == "" {
		return CheckResult{Name: "Restart schedule", Status: "SKIP", Message: "Not configured"}
	}
	next, err := cron.NextRunTime(cfg.RestartSchedule, time.Now())
	if err != nil {
		return CheckResult{
			Name:    "Restart schedule",
			Status:  "FAIL",
			Message: fmt.Sprintf("Invalid expression %q: %v", cfg.RestartSchedule, err),
		}
	}
	return CheckResult{
		Name:    "Restart schedule",
		Status:  "PASS",
		Message: fmt.Sprintf("Next restart at %s", next.Format(time.RFC3339)),
	}
}
