// Package onboarding drives the agent CLI's non-interactive setup flow on
// behalf of the web setup page: one onboard run, a deterministic batch of
// config writes, then a gateway start. Tool output is captured verbatim and
// handed back to the operator; nothing is retried or rolled back here.
package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mxrcochxvez/moltbot-railway/internal/bus"
	"github.com/mxrcochxvez/moltbot-railway/internal/proc"
	"github.com/mxrcochxvez/moltbot-railway/internal/shared"
	"github.com/mxrcochxvez/moltbot-railway/internal/state"
)

const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"

	followUpTimeout = 30 * time.Second
	pairingTimeout  = time.Minute
)

// Payload is what the setup page submits. Validation is deliberately thin:
// required fields only, since the CLI is the authority on credential shape.
type Payload struct {
	Provider    string `json:"provider"`
	ProviderKey string `json:"provider_key"`

	// Platform selects the chat channel to configure: telegram, discord,
	// or empty for none.
	Platform string `json:"platform"`
	BotToken string `json:"bot_token"`

	SearchAPIKey string `json:"search_api_key"`

	// GatewayToken overrides the resolved token for this deployment.
	GatewayToken string `json:"gateway_token"`
}

func (p Payload) Validate() error {
	if strings.TrimSpace(p.Provider) == "" {
		return errors.New("provider is required")
	}
	if strings.TrimSpace(p.ProviderKey) == "" {
		return errors.New("provider key is required")
	}
	switch p.Platform {
	case "", PlatformTelegram, PlatformDiscord:
	default:
		return fmt.Errorf("unsupported platform %q", p.Platform)
	}
	if p.Platform != "" && strings.TrimSpace(p.BotToken) == "" {
		return fmt.Errorf("%s bot token is required", p.Platform)
	}
	return nil
}

// Result reports one onboarding or pairing run. Output is the tool's
// combined stdout and stderr, verbatim, plus the runner's own trailing
// diagnostics.
type Result struct {
	OK     bool
	Output string
	RunID  string
}

// GatewayStarter is the one supervisor operation onboarding needs.
type GatewayStarter interface {
	EnsureRunning(ctx context.Context) error
}

// Config locates the agent CLI and the gateway endpoint the onboard run
// should configure.
type Config struct {
	Bin          string
	GatewayHost  string
	GatewayPort  int
	GatewayToken string
	RunTimeout   time.Duration
}

type Runner struct {
	dir     state.Dir
	cfg     Config
	starter GatewayStarter
	bus     *bus.Bus
	logger  *slog.Logger

	// One run at a time; a second browser tab should queue, not race.
	mu sync.Mutex
}

func New(dir state.Dir, cfg Config, starter GatewayStarter, b *bus.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 15 * time.Minute
	}
	return &Runner{
		dir:     dir,
		cfg:     cfg,
		starter: starter,
		bus:     b,
		logger:  logger.With("component", "onboarding"),
	}
}

// Run performs the whole setup flow. Tool failures come back through the
// Result, never as an error; the error is reserved for invalid payloads.
func (r *Runner) Run(ctx context.Context, p Payload) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	runID := uuid.NewString()
	logger := r.logger.With("run_id", runID)

	if r.dir.IsConfigured() {
		logger.Info("already configured; ensuring gateway is up")
		if err := r.starter.EnsureRunning(ctx); err != nil {
			return Result{RunID: runID, Output: fmt.Sprintf("already configured, but the gateway did not start: %v", err)}, nil
		}
		return Result{RunID: runID, OK: true, Output: "already configured; gateway is running"}, nil
	}

	token := strings.TrimSpace(p.GatewayToken)
	if token == "" {
		token = r.cfg.GatewayToken
	}

	r.bus.Publish(bus.TopicOnboardStarted, bus.OnboardEvent{RunID: runID, Provider: p.Provider, Platform: p.Platform})
	logger.Info("running onboard", "provider", p.Provider, "platform", p.Platform)

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()

	res, err := proc.Run(runCtx, proc.Spec{
		Path: r.cfg.Bin,
		Args: []string{
			"onboard", "--non-interactive",
			"--workspace", r.dir.Workspace,
			"--gateway-bind", r.cfg.GatewayHost,
			"--gateway-port", strconv.Itoa(r.cfg.GatewayPort),
			"--gateway-auth", "token",
			"--gateway-token", token,
			"--provider", p.Provider,
			"--provider-key", p.ProviderKey,
		},
		Env: r.cliEnv(),
	})
	if err != nil {
		out := appendLine(res.Output, fmt.Sprintf("onboard did not run: %v", err))
		r.failRun(logger, runID, p, out)
		return Result{RunID: runID, Output: out}, nil
	}
	if res.ExitCode != 0 {
		r.failRun(logger, runID, p, res.Output)
		return Result{RunID: runID, Output: res.Output}, nil
	}
	if !r.dir.IsConfigured() {
		out := appendLine(res.Output, fmt.Sprintf("onboard exited 0 but %s was not written", r.dir.ConfigFile()))
		r.failRun(logger, runID, p, out)
		return Result{RunID: runID, Output: out}, nil
	}

	// Post-onboard config writes, applied in a fixed order. On the first
	// failure everything already applied stays applied; the output names
	// each step so the operator can finish by hand.
	var b strings.Builder
	b.WriteString(res.Output)
	for _, step := range r.followUpSteps(p, token) {
		stepCtx, stepCancel := context.WithTimeout(ctx, followUpTimeout)
		sres, serr := proc.Run(stepCtx, proc.Spec{Path: r.cfg.Bin, Args: step.args, Env: r.cliEnv()})
		stepCancel()
		if serr != nil {
			fmt.Fprintf(&b, "config set %s failed: %v\n", step.key, serr)
			r.failRun(logger, runID, p, b.String())
			return Result{RunID: runID, Output: b.String()}, nil
		}
		if sres.ExitCode != 0 {
			fmt.Fprintf(&b, "config set %s failed (exit %d):\n%s", step.key, sres.ExitCode, sres.Output)
			r.failRun(logger, runID, p, b.String())
			return Result{RunID: runID, Output: b.String()}, nil
		}
		fmt.Fprintf(&b, "applied %s\n", step.key)
	}

	if err := r.starter.EnsureRunning(ctx); err != nil {
		// Configuration is complete; the gateway will be retried on the
		// next request, so this is a warning rather than a failed run.
		fmt.Fprintf(&b, "warning: gateway start failed: %v; it will be retried on the next request\n", err)
		logger.Warn("gateway start after onboarding failed", "error", err)
	}

	r.bus.Publish(bus.TopicOnboardFinished, bus.OnboardEvent{RunID: runID, Provider: p.Provider, Platform: p.Platform})
	logger.Info("onboarding complete", "provider", p.Provider, "platform", p.Platform)
	return Result{RunID: runID, OK: true, Output: b.String()}, nil
}

// ApprovePairing forwards one pairing code to the CLI.
func (r *Runner) ApprovePairing(ctx context.Context, channel, code string) (Result, error) {
	channel = strings.TrimSpace(channel)
	code = strings.TrimSpace(code)
	switch channel {
	case PlatformTelegram, PlatformDiscord:
	default:
		return Result{}, fmt.Errorf("unsupported channel %q", channel)
	}
	if code == "" {
		return Result{}, errors.New("pairing code is required")
	}

	runCtx, cancel := context.WithTimeout(ctx, pairingTimeout)
	defer cancel()

	res, err := proc.Run(runCtx, proc.Spec{
		Path: r.cfg.Bin,
		Args: []string{"pairing", "approve", channel, code},
		Env:  r.cliEnv(),
	})
	if err != nil {
		return Result{Output: appendLine(res.Output, fmt.Sprintf("pairing approve did not run: %v", err))}, nil
	}
	if res.ExitCode != 0 {
		return Result{Output: res.Output}, nil
	}

	r.bus.Publish(bus.TopicPairingApproved, bus.PairingEvent{Channel: channel})
	r.logger.Info("pairing approved", "channel", channel)
	return Result{OK: true, Output: res.Output}, nil
}

type followUp struct {
	key  string
	args []string
}

func (r *Runner) followUpSteps(p Payload, token string) []followUp {
	steps := []followUp{
		{"gateway.auth.mode", []string{"config", "set", "gateway.auth.mode", "token"}},
		{"gateway.auth.token", []string{"config", "set", "gateway.auth.token", token}},
		{"gateway.bind", []string{"config", "set", "gateway.bind", r.cfg.GatewayHost}},
		{"gateway.port", []string{"config", "set", "gateway.port", strconv.Itoa(r.cfg.GatewayPort)}},
	}
	switch p.Platform {
	case PlatformTelegram:
		steps = append(steps, followUp{"channels.telegram", []string{"config", "set", "--json", "channels.telegram", channelJSON(p.BotToken, true)}})
	case PlatformDiscord:
		steps = append(steps, followUp{"channels.discord", []string{"config", "set", "--json", "channels.discord", channelJSON(p.BotToken, false)}})
	}
	if strings.TrimSpace(p.SearchAPIKey) != "" {
		steps = append(steps, followUp{"tools.search", []string{"config", "set", "--json", "tools.search", searchJSON(p.SearchAPIKey)}})
	}
	return steps
}

type channelConfig struct {
	BotToken    string `json:"botToken"`
	DMPolicy    string `json:"dmPolicy"`
	GroupPolicy string `json:"groupPolicy"`
	StreamMode  string `json:"streamMode,omitempty"`
}

func channelJSON(botToken string, streaming bool) string {
	cfg := channelConfig{BotToken: botToken, DMPolicy: "pairing", GroupPolicy: "allowlist"}
	if streaming {
		cfg.StreamMode = "partial"
	}
	data, _ := json.Marshal(cfg)
	return string(data)
}

type searchConfig struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey"`
}

func searchJSON(apiKey string) string {
	data, _ := json.Marshal(searchConfig{Provider: "brave", APIKey: apiKey})
	return string(data)
}

func (r *Runner) cliEnv() []string {
	return []string{
		"MOLTBOT_STATE_DIR=" + r.dir.Root,
		"MOLTBOT_WORKSPACE_DIR=" + r.dir.Workspace,
	}
}

func (r *Runner) failRun(logger *slog.Logger, runID string, p Payload, output string) {
	logger.Error("onboarding failed", "provider", p.Provider, "platform", p.Platform)
	r.bus.Publish(bus.TopicOnboardFailed, bus.OnboardEvent{
		RunID:    runID,
		Provider: p.Provider,
		Platform: p.Platform,
		Detail:   eventDetail(output),
	})
}

// eventDetail condenses tool output into one redacted line for the event
// stream; the full output still reaches the caller through the Result. The
// cut backs up to a rune boundary so the line stays valid UTF-8.
func eventDetail(out string) string {
	out = strings.TrimSpace(shared.Redact(out))
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	if len(out) > 160 {
		cut := 160
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}

func appendLine(out, line string) string {
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out + line + "\n"
}
