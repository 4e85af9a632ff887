package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/mxrcochxvez/moltbot-railway/internal/bus"
	"github.com/mxrcochxvez/moltbot-railway/internal/history"
	"github.com/mxrcochxvez/moltbot-railway/internal/onboarding"
)

func (s *Server) handleSetupPage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Path != "/setup/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, setupPage)
}

func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := s.cfg.Gateway.Status()
	gateway := map[string]any{
		"state":          string(st.State),
		"pid":            st.PID,
		"uptime_seconds": int(st.Uptime.Seconds()),
		"last_error":     st.LastError,
	}
	if st.LastExit != "" {
		gateway["last_exit"] = st.LastExit
	}

	events := make([]history.Event, 0)
	if s.cfg.History != nil {
		recent, err := s.cfg.History.Recent(r.Context(), 20)
		if err != nil {
			s.logger.Error("load recent events", "error", err)
		} else {
			events = recent
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"configured": s.cfg.Dir.IsConfigured(),
		"gateway":    gateway,
		"events":     events,
	})
}

func (s *Server) handleSetupRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var p onboarding.Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON body"})
		return
	}

	res, err := s.cfg.Onboarding.Run(r.Context(), p)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     res.OK,
		"output": res.Output,
		"run_id": res.RunID,
	})
}

func (s *Server) handlePairingApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Channel string `json:"channel"`
		Code    string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON body"})
		return
	}

	res, err := s.cfg.Onboarding.ApprovePairing(r.Context(), req.Channel, req.Code)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     res.OK,
		"output": res.Output,
	})
}

// handleReset stops the gateway and removes the agent's configuration file.
// The workspace and token survive; the next onboarding run reuses them.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.cfg.Gateway.Stop(r.Context())
	if err := s.cfg.Dir.Reset(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	s.logger.Info("configuration reset", "path", s.cfg.Dir.ConfigFile())
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicConfigReset, bus.ConfigEvent{
			Path:   s.cfg.Dir.ConfigFile(),
			Detail: "config removed; gateway stopped",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

const setupPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>moltbot setup</title>
<style>
  body { font-family: system-ui, sans-serif; max-width: 680px; margin: 2rem auto; padding: 0 1rem; color: #1a1a2e; }
  h1 { font-size: 1.4rem; }
  fieldset { border: 1px solid #ccd; border-radius: 6px; margin-bottom: 1rem; }
  label { display: block; margin: .6rem 0 .2rem; font-size: .9rem; }
  input, select { width: 100%; padding: .45rem; border: 1px solid #bbc; border-radius: 4px; box-sizing: border-box; }
  button { padding: .5rem 1rem; border: 0; border-radius: 4px; background: #3b4fd8; color: #fff; cursor: pointer; margin-top: .8rem; }
  button.danger { background: #c0392b; }
  pre { background: #f4f4f8; padding: .8rem; border-radius: 4px; white-space: pre-wrap; word-break: break-word; max-height: 20rem; overflow-y: auto; }
  .state { font-weight: 600; }
  .muted { color: #667; font-size: .85rem; }
  ul#events { list-style: none; padding: 0; font-size: .85rem; }
  ul#events li { padding: .15rem 0; border-bottom: 1px dotted #dde; }
</style>
</head>
<body>
<h1>moltbot setup</h1>
<p>Gateway: <span class="state" id="gw-state">…</span> <span class="muted" id="gw-detail"></span></p>

<fieldset>
<legend>Onboard</legend>
<form id="run-form">
  <label for="provider">Model provider</label>
  <select id="provider" name="provider">
    <option value="anthropic">anthropic</option>
    <option value="openai">openai</option>
  </select>
  <label for="provider_key">Provider API key</label>
  <input id="provider_key" name="provider_key" type="password" autocomplete="off" required>
  <label for="platform">Chat platform (optional)</label>
  <select id="platform" name="platform">
    <option value="">none</option>
    <option value="telegram">telegram</option>
    <option value="discord">discord</option>
  </select>
  <label for="bot_token">Bot token (when a platform is selected)</label>
  <input id="bot_token" name="bot_token" type="password" autocomplete="off">
  <label for="search_api_key">Brave search API key (optional)</label>
  <input id="search_api_key" name="search_api_key" type="password" autocomplete="off">
  <button type="submit">Run setup</button>
</form>
<pre id="run-output" hidden></pre>
</fieldset>

<fieldset>
<legend>Pairing</legend>
<form id="pair-form">
  <label for="pair-channel">Channel</label>
  <select id="pair-channel"><option>telegram</option><option>discord</option></select>
  <label for="pair-code">Pairing code</label>
  <input id="pair-code" autocomplete="off" required>
  <button type="submit">Approve</button>
</form>
<pre id="pair-output" hidden></pre>
</fieldset>

<fieldset>
<legend>Maintenance</legend>
<p><a href="/setup/export">Download state export</a></p>
<button class="danger" id="reset-btn">Reset configuration</button>
</fieldset>

<fieldset>
<legend>Recent events</legend>
<ul id="events"></ul>
</fieldset>

<script>
async function api(path, opts) {
  const res = await fetch(path, Object.assign({headers: {'Content-Type': 'application/json'}}, opts));
  return res.json();
}

function show(id, text) {
  const el = document.getElementById(id);
  el.hidden = false;
  el.textContent = text;
}

async function refresh() {
  try {
    const st = await api('/setup/api/status');
    document.getElementById('gw-state').textContent = st.gateway.state;
    document.getElementById('gw-detail').textContent =
      (st.gateway.pid ? 'pid ' + st.gateway.pid + ', up ' + st.gateway.uptime_seconds + 's' : '') +
      (st.gateway.last_error ? ' - ' + st.gateway.last_error : '');
    const list = document.getElementById('events');
    list.innerHTML = '';
    for (const ev of st.events) {
      const li = document.createElement('li');
      li.textContent = ev.at.replace('T', ' ').slice(0, 19) + '  ' + ev.topic + '  ' + ev.detail;
      list.appendChild(li);
    }
  } catch (e) { /* transient; next poll retries */ }
}

document.getElementById('run-form').addEventListener('submit', async (e) => {
  e.preventDefault();
  show('run-output', 'running…');
  const body = {};
  for (const el of e.target.elements) { if (el.name) body[el.name] = el.value; }
  const res = await api('/setup/api/run', {method: 'POST', body: JSON.stringify(body)});
  show('run-output', (res.ok ? 'OK' : 'FAILED') + '\n\n' + (res.output || res.error || ''));
  refresh();
});

document.getElementById('pair-form').addEventListener('submit', async (e) => {
  e.preventDefault();
  const res = await api('/setup/api/pairing/approve', {method: 'POST', body: JSON.stringify({
    channel: document.getElementById('pair-channel').value,
    code: document.getElementById('pair-code').value,
  })});
  show('pair-output', (res.ok ? 'OK' : 'FAILED') + '\n\n' + (res.output || res.error || ''));
});

document.getElementById('reset-btn').addEventListener('click', async () => {
  if (!confirm('Delete the agent configuration and stop the gateway?')) return;
  await api('/setup/api/reset', {method: 'POST'});
  refresh();
});

try {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/setup/api/events');
  ws.onmessage = () => refresh();
} catch (e) { /* fall back to polling */ }

refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`
