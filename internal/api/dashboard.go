package api

import "net/http"

// handleDashboard serves the embedded single-page UI. The page reads the API
// with the key typed into it, so the route itself is unauthenticated.
// GET /dashboard
func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>promptgate</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; margin-bottom: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; font-family: monospace; }
  .block { color: #f85149; font-weight: bold; }
  .allow { color: #3fb950; }
  .sanitize { color: #d29922; }
  input { background: #0d1117; border: 1px solid #30363d; color: #e1e4e8; padding: 4px 8px; border-radius: 4px; }
  #chain.ok { color: #3fb950; } #chain.broken { color: #f85149; }
</style>
</head>
<body>
<h1>promptgate</h1>
<p class="subtitle">Inline content-safety gateway &middot; chain: <span id="chain">checking...</span>
  &middot; API key <input id="key" type="password" size="24"></p>

<div class="card">
  <h2>Decisions</h2>
  <table>
    <thead><tr><th>Seq</th><th>Time</th><th>Correlation</th><th>Status</th><th>Decision</th><th>Reason</th></tr></thead>
    <tbody id="rows"><tr><td colspan="6">Loading...</td></tr></tbody>
  </table>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}
const keyInput = document.getElementById('key');
keyInput.value = localStorage.getItem('promptgate_key') || '';
keyInput.onchange = () => { localStorage.setItem('promptgate_key', keyInput.value); refresh(); connect(); };
function headers() { return keyInput.value ? {'Authorization': 'Bearer ' + keyInput.value} : {}; }

function row(rec) {
  let ev = {};
  try { ev = JSON.parse(rec.payload); } catch (e) {}
  const d = (ev.decision_evidence || {});
  return '<tr><td>' + rec.seq + '</td><td>' + esc(rec.timestamp) + '</td><td>' + esc(rec.correlation_id) +
    '</td><td>' + esc(ev.final_status) + '</td><td class="' + esc(d.final_decision) + '">' + esc(d.final_decision) +
    '</td><td>' + esc(d.final_reason) + '</td></tr>';
}

async function refresh() {
  try {
    const [page, verify] = await Promise.all([
      fetch('/api/v1/audit?limit=50', {headers: headers()}).then(r => r.json()),
      fetch('/api/v1/audit/verify', {headers: headers()}).then(r => r.json()),
    ]);
    const rows = document.getElementById('rows');
    rows.innerHTML = (page.records && page.records.length) ? page.records.map(row).join('') : '<tr><td colspan="6">No decisions yet</td></tr>';
    const chain = document.getElementById('chain');
    chain.className = verify.valid ? 'ok' : 'broken';
    chain.textContent = verify.valid ? 'valid (' + verify.records_checked + ' records)' : 'broken at ' + verify.broken_at_seq;
  } catch (e) { console.error('refresh failed:', e); }
}

let ws;
function connect() {
  if (ws) ws.close();
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const q = keyInput.value ? '?access_token=' + encodeURIComponent(keyInput.value) : '';
  ws = new WebSocket(proto + '//' + location.host + '/api/v1/feed' + q);
  ws.onmessage = (e) => {
    const rows = document.getElementById('rows');
    const tmp = document.createElement('tbody');
    tmp.innerHTML = row(JSON.parse(e.data));
    rows.insertBefore(tmp.firstChild, rows.firstChild);
    while (rows.children.length > 100) rows.removeChild(rows.lastChild);
  };
  ws.onclose = () => setTimeout(connect, 3000);
}

refresh();
setInterval(refresh, 10000);
connect();
</script>
</body>
</html>`
