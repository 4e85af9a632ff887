// Package server is the public HTTP surface: the unauthenticated health
// probe, the password-gated setup area, and the reverse proxy in front of
// the gateway child.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/mxrcochxvez/moltbot-railway/internal/bus"
	"github.com/mxrcochxvez/moltbot-railway/internal/config"
	"github.com/mxrcochxvez/moltbot-railway/internal/history"
	"github.com/mxrcochxvez/moltbot-railway/internal/onboarding"
	"github.com/mxrcochxvez/moltbot-railway/internal/state"
	"github.com/mxrcochxvez/moltbot-railway/internal/supervisor"
)

// GatewayManager is the slice of the supervisor the HTTP surface needs.
type GatewayManager interface {
	EnsureRunning(ctx context.Context) error
	Stop(ctx context.Context)
	Status() supervisor.Status
	Ready() bool
}

// Onboarder runs setup flows against the agent CLI.
type Onboarder interface {
	Run(ctx context.Context, p onboarding.Payload) (onboarding.Result, error)
	ApprovePairing(ctx context.Context, channel, code string) (onboarding.Result, error)
}

// EventSource provides recent lifecycle history for the status endpoint.
type EventSource interface {
	Recent(ctx context.Context, limit int) ([]history.Event, error)
}

type Config struct {
	Dir        state.Dir
	Gateway    GatewayManager
	Onboarding Onboarder
	History    EventSource // optional; status responses omit events without it
	Bus        *bus.Bus    // optional; reset events and the events WS need it

	// GatewayURL is the proxy target, e.g. http://127.0.0.1:18789.
	GatewayURL    string
	SetupPassword string
	RateLimit     config.RateLimitConfig
	Logger        *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	auth   *BasicAuth
	rate   *RateLimiter
	proxy  *httputil.ReverseProxy
}

func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	target, err := url.Parse(cfg.GatewayURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url %q: %w", cfg.GatewayURL, err)
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "server"),
		auth:   NewBasicAuth(cfg.SetupPassword),
		rate:   NewRateLimiter(cfg.RateLimit),
	}
	s.proxy = s.newProxy(target)
	return s, nil
}

// StartEviction launches the rate limiter's bucket eviction loop.
func (s *Server) StartEviction(ctx context.Context) {
	s.rate.StartEviction(ctx, evictionInterval, evictionMaxAge)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)

	setup := http.NewServeMux()
	setup.HandleFunc("/setup/api/status", s.handleSetupStatus)
	setup.HandleFunc("/setup/api/run", s.handleSetupRun)
	setup.HandleFunc("/setup/api/pairing/approve", s.handlePairingApprove)
	setup.HandleFunc("/setup/api/reset", s.handleReset)
	setup.HandleFunc("/setup/api/events", s.handleEvents)
	setup.HandleFunc("/setup/export", s.handleExport)
	setup.HandleFunc("/setup/", s.handleSetupPage)
	mux.Handle("/setup/", s.rate.Wrap(s.auth.Wrap(setup)))

	mux.HandleFunc("/", s.handleRoot)
	return s.logRequests(mux)
}

// handleHealth never blocks on the gateway; the platform's health checker
// must see the wrapper as alive even while the child is down.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	gw := "stopped"
	if s.cfg.Gateway.Ready() {
		gw = "running"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"configured": s.cfg.Dir.IsConfigured(),
		"gateway":    gw,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
