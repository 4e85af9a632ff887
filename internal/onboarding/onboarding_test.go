package onboarding_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mxrcochxvez/moltbot-railway/internal/bus"
	"github.com/mxrcochxvez/moltbot-railway/internal/onboarding"
	"github.com/mxrcochxvez/moltbot-railway/internal/state"
)

// The stubs append every invocation to $STUB_CALLS so tests can assert the
// exact command sequence. $MOLTBOT_STATE_DIR is injected by the runner.
const successStub = `#!/bin/sh
echo "$@" >> "$STUB_CALLS"
case "$1" in
  onboard)
    echo '{}' > "$MOLTBOT_STATE_DIR/moltbot.json"
    echo "onboard complete"
    ;;
  config)
    echo "config applied"
    ;;
  pairing)
    echo "pairing approved"
    ;;
esac
exit 0
`

const failingStub = `#!/bin/sh
echo "$@" >> "$STUB_CALLS"
echo "boom: provider rejected the key" 1>&2
exit 2
`

const noConfigStub = `#!/bin/sh
echo "$@" >> "$STUB_CALLS"
echo "looks fine"
exit 0
`

const followUpFailStub = `#!/bin/sh
echo "$@" >> "$STUB_CALLS"
case "$*" in
  onboard*)
    echo '{}' > "$MOLTBOT_STATE_DIR/moltbot.json"
    echo "onboard complete"
    ;;
  "config set gateway.bind"*)
    echo "cannot write gateway.bind"
    exit 1
    ;;
  *)
    echo ok
    ;;
esac
exit 0
`

type fakeStarter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeStarter) EnsureRunning(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func writeStub(t *testing.T, script string) (bin, callsFile string) {
	t.Helper()
	dir := t.TempDir()
	bin = filepath.Join(dir, "moltbot")
	callsFile = filepath.Join(dir, "calls")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	t.Setenv("STUB_CALLS", callsFile)
	return bin, callsFile
}

func readCalls(t *testing.T, callsFile string) []string {
	t.Helper()
	data, err := os.ReadFile(callsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read calls: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func newRunner(t *testing.T, bin string, starter *fakeStarter) (*onboarding.Runner, state.Dir) {
	t.Helper()
	dir := state.New(t.TempDir(), "")
	if err := dir.EnsureLayout(); err != nil {
		t.Fatalf("layout: %v", err)
	}
	r := onboarding.New(dir, onboarding.Config{
		Bin:          bin,
		GatewayHost:  "127.0.0.1",
		GatewayPort:  18789,
		GatewayToken: "resolved-token",
	}, starter, bus.New(), nil)
	return r, dir
}

func TestRun_SuccessAppliesFollowUpsInOrder(t *testing.T) {
	bin, callsFile := writeStub(t, successStub)
	starter := &fakeStarter{}
	r, dir := newRunner(t, bin, starter)

	res, err := r.Run(context.Background(), onboarding.Payload{
		Provider:     "anthropic",
		ProviderKey:  "sk-ant-test",
		Platform:     onboarding.PlatformTelegram,
		BotToken:     "123:abc",
		SearchAPIKey: "brave-key",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected ok, output:\n%s", res.Output)
	}
	if !dir.IsConfigured() {
		t.Fatal("expected configured after onboarding")
	}
	if starter.count() != 1 {
		t.Fatalf("gateway start calls = %d, want 1", starter.count())
	}

	want := []string{
		"onboard --non-interactive --workspace " + dir.Workspace +
			" --gateway-bind 127.0.0.1 --gateway-port 18789 --gateway-auth token" +
			" --gateway-token resolved-token --provider anthropic --provider-key sk-ant-test",
		"config set gateway.auth.mode token",
		"config set gateway.auth.token resolved-token",
		"config set gateway.bind 127.0.0.1",
		"config set gateway.port 18789",
		`config set --json channels.telegram {"botToken":"123:abc","dmPolicy":"pairing","groupPolicy":"allowlist","streamMode":"partial"}`,
		`config set --json tools.search {"provider":"brave","apiKey":"brave-key"}`,
	}
	got := readCalls(t, callsFile)
	if len(got) != len(want) {
		t.Fatalf("call count = %d, want %d:\n%s", len(got), len(want), strings.Join(got, "\n"))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, got[i], want[i])
		}
	}

	for _, applied := range []string{"gateway.auth.mode", "channels.telegram", "tools.search"} {
		if !strings.Contains(res.Output, "applied "+applied) {
			t.Fatalf("output missing applied %s:\n%s", applied, res.Output)
		}
	}
}

func TestRun_DiscordChannelOmitsStreamMode(t *testing.T) {
	bin, callsFile := writeStub(t, successStub)
	r, _ := newRunner(t, bin, &fakeStarter{})

	res, err := r.Run(context.Background(), onboarding.Payload{
		Provider:    "anthropic",
		ProviderKey: "sk-ant-test",
		Platform:    onboarding.PlatformDiscord,
		BotToken:    "d-tok",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected ok, output:\n%s", res.Output)
	}

	calls := readCalls(t, callsFile)
	wantChannel := `config set --json channels.discord {"botToken":"d-tok","dmPolicy":"pairing","groupPolicy":"allowlist"}`
	found := false
	for _, c := range calls {
		if c == wantChannel {
			found = true
		}
		if strings.Contains(c, "tools.search") {
			t.Fatalf("unexpected search config without a search key: %q", c)
		}
		if strings.Contains(c, "streamMode") {
			t.Fatalf("discord channel config must not set streamMode: %q", c)
		}
	}
	if !found {
		t.Fatalf("missing discord channel write, calls:\n%s", strings.Join(calls, "\n"))
	}
}

func TestRun_ToolFailureReturnsVerbatimOutput(t *testing.T) {
	bin, callsFile := writeStub(t, failingStub)
	starter := &fakeStarter{}
	r, dir := newRunner(t, bin, starter)

	res, err := r.Run(context.Background(), onboarding.Payload{
		Provider:    "anthropic",
		ProviderKey: "sk-ant-test",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.OK {
		t.Fatal("expected failure result")
	}
	if !strings.Contains(res.Output, "boom: provider rejected the key") {
		t.Fatalf("output missing tool diagnostics:\n%s", res.Output)
	}
	if dir.IsConfigured() {
		t.Fatal("expected unconfigured after failed onboard")
	}
	if starter.count() != 0 {
		t.Fatal("gateway must not start after failed onboard")
	}
	if calls := readCalls(t, callsFile); len(calls) != 1 {
		t.Fatalf("expected only the onboard call, got:\n%s", strings.Join(calls, "\n"))
	}
}

func TestRun_FailedEventDetailStaysValidUTF8(t *testing.T) {
	// The tool fails with one long multibyte line; the condensed detail on
	// the failure event must cut on a rune boundary.
	script := "#!/bin/sh\necho \"$@\" >> \"$STUB_CALLS\"\necho \"" + strings.Repeat("日", 60) + "\"\nexit 2\n"
	bin, _ := writeStub(t, script)

	dir := state.New(t.TempDir(), "")
	if err := dir.EnsureLayout(); err != nil {
		t.Fatalf("layout: %v", err)
	}
	b := bus.New()
	sub := b.Subscribe(bus.TopicOnboardFailed)
	defer b.Unsubscribe(sub)
	r := onboarding.New(dir, onboarding.Config{
		Bin:          bin,
		GatewayHost:  "127.0.0.1",
		GatewayPort:  18789,
		GatewayToken: "resolved-token",
	}, &fakeStarter{}, b, nil)

	res, err := r.Run(context.Background(), onboarding.Payload{
		Provider:    "anthropic",
		ProviderKey: "sk-ant-test",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.OK {
		t.Fatal("expected failure result")
	}

	select {
	case ev := <-sub.Ch():
		oe, ok := ev.Payload.(bus.OnboardEvent)
		if !ok {
			t.Fatalf("payload type = %T, want OnboardEvent", ev.Payload)
		}
		if oe.Detail == "" {
			t.Fatal("expected a detail line on the failure event")
		}
		if len(oe.Detail) > 160 {
			t.Fatalf("detail length = %d, want at most 160", len(oe.Detail))
		}
		if !utf8.ValidString(oe.Detail) {
			t.Fatalf("detail is not valid UTF-8: %q", oe.Detail)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no onboard.failed event published")
	}
}

func TestRun_ExitZeroWithoutConfigIsFailure(t *testing.T) {
	bin, _ := writeStub(t, noConfigStub)
	starter := &fakeStarter{}
	r, _ := newRunner(t, bin, starter)

	res, err := r.Run(context.Background(), onboarding.Payload{
		Provider:    "anthropic",
		ProviderKey: "sk-ant-test",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.OK {
		t.Fatal("expected failure when no config file was written")
	}
	if !strings.Contains(res.Output, "was not written") {
		t.Fatalf("output missing post-condition diagnostic:\n%s", res.Output)
	}
	if starter.count() != 0 {
		t.Fatal("gateway must not start without config")
	}
}

func TestRun_FollowUpFailureNamesAppliedSteps(t *testing.T) {
	bin, callsFile := writeStub(t, followUpFailStub)
	starter := &fakeStarter{}
	r, _ := newRunner(t, bin, starter)

	res, err := r.Run(context.Background(), onboarding.Payload{
		Provider:    "anthropic",
		ProviderKey: "sk-ant-test",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.OK {
		t.Fatal("expected failure when a follow-up write fails")
	}
	for _, applied := range []string{"applied gateway.auth.mode", "applied gateway.auth.token"} {
		if !strings.Contains(res.Output, applied) {
			t.Fatalf("output missing %q:\n%s", applied, res.Output)
		}
	}
	if !strings.Contains(res.Output, "config set gateway.bind failed") {
		t.Fatalf("output missing failed step:\n%s", res.Output)
	}
	if !strings.Contains(res.Output, "cannot write gateway.bind") {
		t.Fatalf("output missing tool diagnostics:\n%s", res.Output)
	}
	if strings.Contains(res.Output, "applied gateway.port") {
		t.Fatalf("steps after the failure must not run:\n%s", res.Output)
	}
	if starter.count() != 0 {
		t.Fatal("gateway must not start after a failed follow-up")
	}
	// onboard plus three config writes, the last of which failed.
	if calls := readCalls(t, callsFile); len(calls) != 4 {
		t.Fatalf("call count = %d, want 4:\n%s", len(calls), strings.Join(calls, "\n"))
	}
}

func TestRun_AlreadyConfiguredSkipsCLI(t *testing.T) {
	bin, callsFile := writeStub(t, successStub)
	starter := &fakeStarter{}
	r, dir := newRunner(t, bin, starter)

	if err := os.WriteFile(dir.ConfigFile(), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	res, err := r.Run(context.Background(), onboarding.Payload{
		Provider:    "anthropic",
		ProviderKey: "sk-ant-test",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected ok, output:\n%s", res.Output)
	}
	if starter.count() != 1 {
		t.Fatalf("gateway start calls = %d, want 1", starter.count())
	}
	if calls := readCalls(t, callsFile); len(calls) != 0 {
		t.Fatalf("expected no CLI calls, got:\n%s", strings.Join(calls, "\n"))
	}
}

func TestRun_PayloadValidation(t *testing.T) {
	bin, _ := writeStub(t, successStub)
	r, _ := newRunner(t, bin, &fakeStarter{})

	cases := []onboarding.Payload{
		{},
		{Provider: "anthropic"},
		{Provider: "anthropic", ProviderKey: "k", Platform: "slack"},
		{Provider: "anthropic", ProviderKey: "k", Platform: onboarding.PlatformTelegram},
	}
	for i, p := range cases {
		if _, err := r.Run(context.Background(), p); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, p)
		}
	}
}

func TestRun_ExplicitGatewayTokenWins(t *testing.T) {
	bin, callsFile := writeStub(t, successStub)
	r, _ := newRunner(t, bin, &fakeStarter{})

	res, err := r.Run(context.Background(), onboarding.Payload{
		Provider:     "anthropic",
		ProviderKey:  "sk-ant-test",
		GatewayToken: "custom-token",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected ok, output:\n%s", res.Output)
	}

	calls := readCalls(t, callsFile)
	if !strings.Contains(calls[0], "--gateway-token custom-token") {
		t.Fatalf("onboard call missing custom token: %q", calls[0])
	}
	found := false
	for _, c := range calls {
		if c == "config set gateway.auth.token custom-token" {
			found = true
		}
	}
	if !found {
		t.Fatalf("follow-up missing custom token, calls:\n%s", strings.Join(calls, "\n"))
	}
}

func TestRun_GatewayStartFailureIsWarningOnly(t *testing.T) {
	bin, _ := writeStub(t, successStub)
	starter := &fakeStarter{err: errors.New("bind refused")}
	r, _ := newRunner(t, bin, starter)

	res, err := r.Run(context.Background(), onboarding.Payload{
		Provider:    "anthropic",
		ProviderKey: "sk-ant-test",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.OK {
		t.Fatalf("configured deployment should report ok, output:\n%s", res.Output)
	}
	if !strings.Contains(res.Output, "gateway start failed") {
		t.Fatalf("output missing start warning:\n%s", res.Output)
	}
}

func TestApprovePairing(t *testing.T) {
	bin, callsFile := writeStub(t, successStub)
	r, _ := newRunner(t, bin, &fakeStarter{})

	res, err := r.ApprovePairing(context.Background(), "telegram", "ABC123")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected ok, output:\n%s", res.Output)
	}

	calls := readCalls(t, callsFile)
	if len(calls) != 1 || calls[0] != "pairing approve telegram ABC123" {
		t.Fatalf("calls = %v, want pairing approve telegram ABC123", calls)
	}

	if _, err := r.ApprovePairing(context.Background(), "slack", "ABC123"); err == nil {
		t.Fatal("expected error for unsupported channel")
	}
	if _, err := r.ApprovePairing(context.Background(), "telegram", "  "); err == nil {
		t.Fatal("expected error for empty code")
	}
}

func TestApprovePairing_ToolFailure(t *testing.T) {
	bin, _ := writeStub(t, failingStub)
	r, _ := newRunner(t, bin, &fakeStarter{})

	res, err := r.ApprovePairing(context.Background(), "discord", "XYZ")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.OK {
		t.Fatal("expected failure result")
	}
	if !strings.Contains(res.Output, "boom") {
		t.Fatalf("output missing tool diagnostics:\n%s", res.Output)
	}
}

func TestPayloadValidate_Direct(t *testing.T) {
	ok := onboarding.Payload{Provider: "anthropic", ProviderKey: "k"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	okTg := onboarding.Payload{Provider: "a", ProviderKey: "k", Platform: "telegram", BotToken: "t"}
	if err := okTg.Validate(); err != nil {
		t.Fatalf("valid telegram payload rejected: %v", err)
	}
}
