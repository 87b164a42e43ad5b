package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>relaygroup</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
    }
    .shell { max-width: 760px; margin: 0 auto; display: grid; gap: 14px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 16px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    dl { display: grid; grid-template-columns: 10rem 1fr; gap: 6px 12px; margin: 0; }
    dt { color: var(--muted); }
    dd { margin: 0; font-family: "IBM Plex Mono", monospace; }
    .ok { color: var(--accent); }
    .bad { color: var(--danger); }
    #qr img { width: 256px; height: 256px; }
    input { padding: 6px 8px; border: 1px solid var(--line); border-radius: 8px; }
    button {
      padding: 6px 12px;
      border: 0;
      border-radius: 8px;
      background: var(--accent);
      color: white;
      cursor: pointer;
    }
    button.danger { background: var(--danger); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card"><h1>relaygroup</h1></div>
    <div class="card">
      <dl>
        <dt>phase</dt><dd id="phase">-</dd>
        <dt>connected</dt><dd id="connected">-</dd>
        <dt>reconnecting</dt><dd id="reconnecting">-</dd>
        <dt>attempts</dt><dd id="attempts">-</dd>
        <dt>destination</dt><dd id="destination">-</dd>
        <dt>database</dt><dd id="database">-</dd>
      </dl>
    </div>
    <div class="card" id="qr" hidden></div>
    <div class="card">
      <input id="secret" type="password" placeholder="secret key" />
      <button id="reconnect">Reconnect</button>
      <button id="disconnect" class="danger">Disconnect</button>
      <span id="result"></span>
    </div>
  </div>
  <script>
    (() => {
      const $ = (id) => document.getElementById(id);
      const flag = (el, value) => {
        el.textContent = String(value);
        el.className = value ? "ok" : "bad";
      };

      async function refresh() {
        try {
          const status = await (await fetch("/api/status")).json();
          $("phase").textContent = status.phase;
          flag($("connected"), status.connected);
          $("reconnecting").textContent = String(status.reconnecting);
          $("attempts").textContent = status.attempts + " / " + status.maxAttempts + (status.exhausted ? " (exhausted)" : "");
          $("destination").textContent = status.destinationId
            ? status.destinationId + (status.destinationName ? " (" + status.destinationName + ")" : "")
            : "unconfigured";
          flag($("database"), status.database && status.database.healthy);

          const qr = $("qr");
          if (status.pairingActive) {
            const resp = await fetch("/api/pairing-credential");
            if (resp.ok) {
              const pairing = await resp.json();
              qr.innerHTML = "<img alt=\"pairing code\" src=\"" + pairing.credential + "\" />";
              qr.hidden = false;
              return;
            }
          }
          qr.hidden = true;
        } catch (err) {
          $("phase").textContent = "unreachable";
        }
      }

      async function post(path) {
        const resp = await fetch(path, {
          method: "POST",
          headers: { "Content-Type": "application/json" },
          body: JSON.stringify({ secretKey: $("secret").value }),
        });
        const body = await resp.json();
        $("result").textContent = resp.ok ? "ok" : (body.error || resp.status);
        refresh();
      }

      $("reconnect").addEventListener("click", () => post("/api/reconnect"));
      $("disconnect").addEventListener("click", () => post("/api/disconnect"));
      refresh();
      setInterval(refresh, 3000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, correlationID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
