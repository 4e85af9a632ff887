package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/mxrcochxvez/moltbot-railway/internal/bus"
	"github.com/mxrcochxvez/moltbot-railway/internal/config"
	"github.com/mxrcochxvez/moltbot-railway/internal/cron"
	"github.com/mxrcochxvez/moltbot-railway/internal/history"
	"github.com/mxrcochxvez/moltbot-railway/internal/onboarding"
	"github.com/mxrcochxvez/moltbot-railway/internal/server"
	"github.com/mxrcochxvez/moltbot-railway/internal/state"
	"github.com/mxrcochxvez/moltbot-railway/internal/supervisor"
	"github.com/mxrcochxvez/moltbot-railway/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVER MODE (default):
  %s                          Run the wrapper: public HTTP server plus
                              managed moltbot gateway
  %s serve                    Same thing, spelled out

SUBCOMMANDS:
  %s status                   Query a running wrapper's /health endpoint
  %s doctor [-json]           Run local diagnostic checks
  %s token                    Print the resolved gateway token
  %s help                     Show this help

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  PORT                     Public listen port (default: 8080)
  SETUP_PASSWORD           Required before /setup/ accepts any request
  MOLTBOT_STATE_DIR        Agent state directory (default: ~/.moltbot)
  MOLTBOT_BIN              Agent CLI binary (default: moltbot)
  MOLTBOT_GATEWAY_TOKEN    Gateway token override (skips gateway.token)
  MOLTHOST_RESTART_SCHEDULE  Cron expression for scheduled gateway restarts

EXAMPLES:
  Run under Railway:      %s
  Check health:           %s status
  Run diagnostics:        %s doctor -json
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "token":
			os.Exit(runTokenCommand(args[1:]))
		case "serve":
			// The default mode; falls through to the server below.
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	serve(ctx)
}

func serve(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	pretty := isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.StateDir, cfg.LogLevel, pretty)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version, "fingerprint", cfg.Fingerprint())

	dir := state.New(cfg.StateDir, cfg.Gateway.WorkspaceDir)
	if err := dir.EnsureLayout(); err != nil {
		fatalStartup(logger, "E_STATE_DIR", err)
	}

	token, err := state.ResolveToken(dir, cfg.Gateway.TokenOverride, logger)
	if err != nil {
		fatalStartup(logger, "E_TOKEN_RESOLVE", err)
	}
	logger.Info("startup phase", "phase", "token_resolved")

	eventBus := bus.New()

	store, err := history.Open(dir.HistoryFile())
	if err != nil {
		fatalStartup(logger, "E_HISTORY_OPEN", err)
	}
	defer store.Close()
	go store.Follow(ctx, eventBus, logger)
	logger.Info("startup phase", "phase", "history_opened", "path", dir.HistoryFile())

	watcher := state.NewWatcher(dir, eventBus, logger)
	if err := watcher.Start(ctx); err != nil {
		// Not fatal: the setup page falls back to polling.
		logger.Warn("config watcher unavailable", "error", err)
	}

	sup := supervisor.New(supervisor.Config{
		Bin:          cfg.Gateway.Bin,
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		Token:        token,
		StateDir:     dir.Root,
		WorkspaceDir: dir.Workspace,
		ReadyTimeout: cfg.Gateway.ReadyTimeout(),
		PollInterval: cfg.Gateway.PollInterval(),
		Grace:        cfg.Gateway.Grace(),
	}, eventBus, logger)

	onboarder := onboarding.New(dir, onboarding.Config{
		Bin:          cfg.Gateway.Bin,
		GatewayHost:  cfg.Gateway.Host,
		GatewayPort:  cfg.Gateway.Port,
		GatewayToken: token,
	}, sup, eventBus, logger)

	srv, err := server.New(server.Config{
		Dir:           dir,
		Gateway:       sup,
		Onboarding:    onboarder,
		History:       store,
		Bus:           eventBus,
		GatewayURL:    cfg.Gateway.URL(),
		SetupPassword: cfg.SetupPassword,
		RateLimit:     cfg.RateLimit,
		Logger:        logger,
	})
	if err != nil {
		fatalStartup(logger, "E_SERVER_INIT", err)
	}
	srv.StartEviction(ctx)

	if cfg.RestartSchedule != "" {
		sched, err := cron.NewScheduler(cron.Config{
			Expr:    cfg.RestartSchedule,
			Gateway: sup,
			Logger:  logger,
		})
		if err != nil {
			fatalStartup(logger, "E_RESTART_SCHEDULE", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.ListenAddr())
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.ListenAddr())
	go func() {
		logger.Info("molthost listening",
			"addr", cfg.ListenAddr(), "gateway", cfg.Gateway.Addr(), "setup", "/setup/")
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server error", "error", err)
	}

	// Stop intake first, then the gateway child. The child gets SIGTERM and
	// the configured grace before SIGKILL.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.Gateway.Grace()+5*time.Second)
	defer cancelStop()
	sup.Stop(stopCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"time":"%s","level":"ERROR","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change PORT.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change PORT.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
