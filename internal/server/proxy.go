package server

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/mxrcochxvez/moltbot-railway/internal/shared"
	"github.com/mxrcochxvez/moltbot-railway/internal/supervisor"
)

func (s *Server) newProxy(target *url.URL) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)

	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		host := req.Host
		director(req)
		req.Header.Set("X-Forwarded-Host", host)
		// Keep the proto the edge already asserted; Railway terminates TLS
		// upstream of us.
		if req.Header.Get("X-Forwarded-Proto") == "" {
			proto := "http"
			if req.TLS != nil {
				proto = "https"
			}
			req.Header.Set("X-Forwarded-Proto", proto)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Error("proxy error",
			"method", r.Method, "path", r.URL.Path, "error", err,
			"trace_id", shared.TraceID(r.Context()))
		http.Error(w, fmt.Sprintf("gateway proxy error: %v", err), http.StatusBadGateway)
	}
	return proxy
}

// handleRoot routes everything that is not /health or /setup/*. The probe
// runs fresh on every request.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Dir.IsConfigured() {
		http.Redirect(w, r, "/setup/", http.StatusFound)
		return
	}

	// Browsers get an instant self-refreshing page while the gateway boots;
	// the start is kicked off behind it.
	if !s.cfg.Gateway.Ready() && wantsHTML(r) {
		go func() {
			if err := s.cfg.Gateway.EnsureRunning(context.Background()); err != nil {
				s.logger.Warn("background gateway start failed", "error", err)
			}
		}()
		s.servePlaceholder(w, s.cfg.Gateway.Status())
		return
	}

	if err := s.cfg.Gateway.EnsureRunning(r.Context()); err != nil {
		st := s.cfg.Gateway.Status()
		s.logger.Warn("gateway unavailable",
			"error", err, "state", st.State, "trace_id", shared.TraceID(r.Context()))
		msg := fmt.Sprintf("gateway is not ready: %v", err)
		if st.LastExit != "" {
			msg += "\nlast exit: " + st.LastExit
		}
		w.Header().Set("Retry-After", "3")
		http.Error(w, msg, http.StatusServiceUnavailable)
		return
	}

	s.proxy.ServeHTTP(w, r)
}

func wantsHTML(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

// servePlaceholder writes the self-refreshing starting page. After a failed
// attempt the last error is included so a browser is not stuck on a bare
// spinner with no explanation while the refresh retries.
func (s *Server) servePlaceholder(w http.ResponseWriter, st supervisor.Status) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Retry-After", "3")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, startingPage)
	if st.State == supervisor.StateFailed && st.LastError != "" {
		detail := "last start failed: " + st.LastError
		if st.LastExit != "" {
			detail += " (" + st.LastExit + ")"
		}
		_, _ = io.WriteString(w, `  <p class="err">`+html.EscapeString(detail)+"</p>\n")
	}
	_, _ = io.WriteString(w, startingPageFooter)
}

const startingPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="3">
<title>moltbot is starting</title>
<style>
  body { font-family: system-ui, sans-serif; display: grid; place-items: center; min-height: 90vh; color: #1a1a2e; }
  .card { text-align: center; }
  .spin { width: 2rem; height: 2rem; margin: 0 auto 1rem; border: 3px solid #ccd; border-top-color: #3b4fd8; border-radius: 50%; animation: r 1s linear infinite; }
  .err { color: #b3261e; font-size: 0.9rem; max-width: 36rem; }
  @keyframes r { to { transform: rotate(360deg); } }
</style>
</head>
<body>
<div class="card">
  <div class="spin"></div>
  <p>moltbot gateway is starting, this page reloads automatically…</p>
`

const startingPageFooter = `</div>
</body>
</html>
`
