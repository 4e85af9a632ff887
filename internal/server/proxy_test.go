package server_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mxrcochxvez/moltbot-railway/internal/server"
	"github.com/mxrcochxvez/moltbot-railway/internal/supervisor"
)

type captured struct {
	mu      sync.Mutex
	method  string
	path    string
	body    string
	headers http.Header
}

func (c *captured) snapshot() captured {
	c.mu.Lock()
	defer c.mu.Unlock()
	return captured{method: c.method, path: c.path, body: c.body, headers: c.headers}
}

func newBackend(t *testing.T, c *captured) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.method = r.Method
		c.path = r.URL.Path
		c.body = string(body)
		c.headers = r.Header.Clone()
		c.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "from-backend")
	}))
	t.Cleanup(backend.Close)
	return backend
}

func TestRoot_UnconfiguredRedirectsToSetup(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/", "/chat", "/api/v1/messages"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusFound {
			t.Fatalf("expected 302 for %s, got %d", path, rec.Code)
		}
		if loc := rec.Header().Get("Location"); loc != "/setup/" {
			t.Errorf("expected redirect to /setup/, got %q", loc)
		}
	}
	if env.gateway.ensureCount() != 0 {
		t.Errorf("unconfigured requests must not start the gateway, got %d", env.gateway.ensureCount())
	}
}

func TestRoot_ConfiguredProxiesRequest(t *testing.T) {
	var c captured
	backend := newBackend(t, &c)
	env := newTestEnv(t, func(cfg *server.Config) {
		cfg.GatewayURL = backend.URL
	})
	env.configure(t)
	env.gateway.ready = true

	req := httptest.NewRequest("POST", "/api/v1/messages?x=1", strings.NewReader("hello"))
	req.Header.Set("X-Custom", "preserved")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected backend status forwarded, got %d", rec.Code)
	}
	if rec.Body.String() != "from-backend" {
		t.Errorf("expected backend body forwarded, got %q", rec.Body.String())
	}

	got := c.snapshot()
	if got.method != "POST" {
		t.Errorf("expected method preserved, got %s", got.method)
	}
	if got.path != "/api/v1/messages" {
		t.Errorf("expected path preserved, got %s", got.path)
	}
	if got.body != "hello" {
		t.Errorf("expected body preserved, got %q", got.body)
	}
	if got.headers.Get("X-Custom") != "preserved" {
		t.Errorf("expected custom header preserved, got %q", got.headers.Get("X-Custom"))
	}
	if got.headers.Get("X-Forwarded-For") == "" {
		t.Error("expected X-Forwarded-For to be set")
	}
	if got.headers.Get("X-Forwarded-Host") != "example.com" {
		t.Errorf("expected X-Forwarded-Host example.com, got %q", got.headers.Get("X-Forwarded-Host"))
	}
	if got.headers.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("expected X-Forwarded-Proto http, got %q", got.headers.Get("X-Forwarded-Proto"))
	}
	if env.gateway.ensureCount() != 1 {
		t.Errorf("expected one ensure call before proxying, got %d", env.gateway.ensureCount())
	}
}

func TestRoot_PreservesEdgeForwardedProto(t *testing.T) {
	var c captured
	backend := newBackend(t, &c)
	env := newTestEnv(t, func(cfg *server.Config) {
		cfg.GatewayURL = backend.URL
	})
	env.configure(t)
	env.gateway.ready = true

	req := httptest.NewRequest("GET", "/api/ping", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if got := c.snapshot(); got.headers.Get("X-Forwarded-Proto") != "https" {
		t.Errorf("expected edge proto preserved, got %q", got.headers.Get("X-Forwarded-Proto"))
	}
}

func TestRoot_EnsureFailureIs503(t *testing.T) {
	env := newTestEnv(t, nil)
	env.configure(t)
	env.gateway.ensureErr = errors.New("gateway not ready within 45s")
	env.gateway.status = supervisor.Status{State: supervisor.StateFailed, LastExit: "exit 1"}

	req := httptest.NewRequest("GET", "/api/ping", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gateway is not ready") {
		t.Errorf("expected diagnostic body, got %q", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "exit 1") {
		t.Errorf("expected last exit in diagnostic, got %q", rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRoot_BrowserGetsPlaceholderWhileStarting(t *testing.T) {
	env := newTestEnv(t, nil)
	env.configure(t)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 placeholder, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `http-equiv="refresh"`) {
		t.Error("expected self-refreshing placeholder")
	}
	if !strings.Contains(rec.Body.String(), "starting") {
		t.Errorf("expected starting text, got %q", rec.Body.String())
	}

	// The start is kicked in the background rather than blocking the page.
	deadline := time.Now().Add(2 * time.Second)
	for env.gateway.ensureCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected a background EnsureRunning call")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRoot_PlaceholderShowsFailureDiagnostic(t *testing.T) {
	env := newTestEnv(t, nil)
	env.configure(t)
	env.gateway.status = supervisor.Status{
		State:     supervisor.StateFailed,
		LastError: "gateway not ready within 45s",
		LastExit:  "exit status 1",
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 placeholder, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `http-equiv="refresh"`) {
		t.Error("failed state must keep the self-refreshing page")
	}
	if !strings.Contains(body, "last start failed") || !strings.Contains(body, "gateway not ready within 45s") {
		t.Errorf("expected the last error rendered, got %q", body)
	}
	if !strings.Contains(body, "exit status 1") {
		t.Errorf("expected the last exit rendered, got %q", body)
	}
}

func TestRoot_ReadyBrowserRequestSkipsPlaceholder(t *testing.T) {
	var c captured
	backend := newBackend(t, &c)
	env := newTestEnv(t, func(cfg *server.Config) {
		cfg.GatewayURL = backend.URL
	})
	env.configure(t)
	env.gateway.ready = true

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected proxied response, got %d", rec.Code)
	}
}

func TestRoot_ProxyTransportErrorIs502(t *testing.T) {
	// Point the proxy at a port nothing listens on.
	env := newTestEnv(t, func(cfg *server.Config) {
		cfg.GatewayURL = "http://127.0.0.1:1"
	})
	env.configure(t)
	env.gateway.ready = true

	req := httptest.NewRequest("GET", "/api/ping", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gateway proxy error") {
		t.Errorf("expected proxy diagnostic, got %q", rec.Body.String())
	}
}
