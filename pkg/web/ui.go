package web

// indexHTML is the embedded single-file web UI served at "/". Flows stream
// over the WebSocket; filtering, script management and alerts go through
// the REST API.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>hookproxy</title>
<style>
  :root {
    --bg: #1a1a2e; --bg2: #16213e; --bg3: #0f3460;
    --fg: #e0e0e0; --fg2: #a0a0b0;
    --green: #4caf50; --yellow: #ffc107; --red: #f44336; --cyan: #00bcd4; --blue: #2196f3; --magenta: #e040fb;
    --selected: #1e3a5f; --border: #2a2a4a;
  }
  * { box-sizing: border-box; margin: 0; padding: 0; }
  body { font-family: 'Menlo','Monaco','Courier New',monospace; background: var(--bg); color: var(--fg); height: 100vh; display: flex; flex-direction: column; font-size: 13px; }
  #header { background: var(--bg3); padding: 8px 16px; display: flex; align-items: center; gap: 16px; border-bottom: 1px solid var(--border); }
  #header h1 { font-size: 15px; color: var(--cyan); }
  #header .stats { color: var(--fg2); font-size: 12px; }
  #header .dot { width: 8px; height: 8px; border-radius: 50%; background: var(--red); }
  #header .dot.live { background: var(--green); }
  .tabs { margin-left: auto; display: flex; gap: 4px; }
  .tab { background: none; border: 1px solid var(--border); color: var(--fg2); padding: 3px 10px; cursor: pointer; font-family: inherit; font-size: 12px; border-radius: 3px; }
  .tab.active { color: var(--cyan); border-color: var(--cyan); }
  #toolbar { background: var(--bg2); padding: 6px 16px; display: flex; gap: 8px; border-bottom: 1px solid var(--border); align-items: center; }
  #filter-input { background: var(--bg); border: 1px solid var(--border); color: var(--fg); padding: 4px 8px; font-family: inherit; font-size: 12px; width: 420px; border-radius: 3px; }
  #filter-input.bad { border-color: var(--red); }
  .btn { background: var(--bg3); border: 1px solid var(--border); color: var(--fg2); padding: 3px 10px; cursor: pointer; font-family: inherit; font-size: 12px; border-radius: 3px; }
  .btn:hover { color: var(--fg); border-color: var(--cyan); }
  .view { display: none; flex: 1; overflow: hidden; }
  .view.active { display: flex; }
  #flow-list { width: 55%; border-right: 1px solid var(--border); overflow-y: auto; }
  table { width: 100%; border-collapse: collapse; }
  thead { position: sticky; top: 0; background: var(--bg2); }
  th { padding: 6px 8px; text-align: left; color: var(--cyan); border-bottom: 1px solid var(--border); font-size: 11px; }
  td { padding: 5px 8px; border-bottom: 1px solid var(--border); white-space: nowrap; overflow: hidden; text-overflow: ellipsis; max-width: 260px; cursor: pointer; }
  tr:hover { background: var(--bg2); }
  tr.selected { background: var(--selected); }
  .method { font-weight: bold; color: var(--cyan); }
  .s2 { color: var(--green); } .s3 { color: var(--cyan); } .s4 { color: var(--yellow); } .s5, .err { color: var(--red); }
  .paused { color: var(--magenta); font-weight: bold; }
  .tag { background: var(--bg3); color: var(--cyan); padding: 1px 5px; border-radius: 2px; font-size: 10px; }
  #detail { width: 45%; overflow-y: auto; padding: 12px; }
  #detail h3 { color: var(--cyan); font-size: 11px; margin: 10px 0 6px; text-transform: uppercase; }
  pre.body { background: var(--bg2); padding: 8px; font-size: 11px; white-space: pre-wrap; word-break: break-all; max-height: 300px; overflow-y: auto; }
  .hdr { font-size: 11px; color: var(--fg2); word-break: break-all; }
  .empty { color: var(--fg2); font-style: italic; padding: 16px; text-align: center; }
  .panel { flex: 1; overflow-y: auto; padding: 12px 16px; }
  .risk-3 { color: var(--red); } .risk-2 { color: var(--yellow); } .risk-1 { color: var(--cyan); } .risk-0 { color: var(--fg2); }
  #notice { position: fixed; bottom: 16px; right: 16px; background: var(--bg3); border: 1px solid var(--cyan); padding: 8px 16px; border-radius: 4px; font-size: 12px; display: none; }
</style>
</head>
<body>
<div id="header">
  <div class="dot" id="ws-dot"></div>
  <h1>hookproxy</h1>
  <span class="stats" id="stats">0 flows</span>
  <div class="tabs">
    <button class="tab active" data-view="flows">Flows</button>
    <button class="tab" data-view="scripts">Scripts</button>
    <button class="tab" data-view="alerts">Alerts</button>
  </div>
</div>
<div id="toolbar">
  <input id="filter-input" type="text" placeholder='~m POST & ~s 5 | ~p /api & !~t seen' />
  <button class="btn" onclick="clearFlows()">Clear</button>
</div>
<div class="view active" id="view-flows">
  <div id="flow-list">
    <table>
      <thead><tr><th>#</th><th>Method</th><th>Status</th><th>Upstream</th><th>Path</th><th>Time</th><th>Tags</th></tr></thead>
      <tbody id="flow-tbody"></tbody>
    </table>
    <div id="empty" class="empty">No traffic yet. Point your client at the proxy.</div>
  </div>
  <div id="detail"><div class="empty">Select a flow to inspect</div></div>
</div>
<div class="view" id="view-scripts"><div class="panel">
  <table>
    <thead><tr><th>Type</th><th>Name</th><th>Runtime</th><th>Enabled</th><th>Calls</th><th>Errors</th><th>Last error</th><th></th></tr></thead>
    <tbody id="script-tbody"></tbody>
  </table>
</div></div>
<div class="view" id="view-alerts"><div class="panel">
  <table>
    <thead><tr><th>Risk</th><th>Name</th><th>URI</th><th>Script</th><th>Evidence</th></tr></thead>
    <tbody id="alert-tbody"></tbody>
  </table>
</div></div>
<div id="notice"></div>

<script>
const flows = new Map();
let visible = null;   // ids matching the server-side filter, null when unfiltered
let selectedId = null;
let filterExpr = '';
const riskNames = ['Info', 'Low', 'Medium', 'High'];

let ws;
function connect() {
  ws = new WebSocket('ws://' + location.host + '/ws');
  ws.onopen = () => { document.getElementById('ws-dot').className = 'dot live'; };
  ws.onclose = () => {
    document.getElementById('ws-dot').className = 'dot';
    setTimeout(connect, 2000);
  };
  ws.onmessage = e => {
    const evt = JSON.parse(e.data);
    if (evt.type === 'alert') { loadAlerts(); notify('Alert: ' + evt.alert.name); return; }
    if (evt.type === 'fuzzResult') return;
    if (!evt.flow) return;
    flows.set(evt.flow.id, evt.flow);
    if (evt.type === 'intercept') notify('Flow paused: ' + (evt.flow.request?.path || '/'));
    if (selectedId === evt.flow.id) renderDetail(evt.flow);
    if (filterExpr) refilter(); else renderTable();
  };
}

document.querySelectorAll('.tab').forEach(t => t.addEventListener('click', () => {
  document.querySelectorAll('.tab').forEach(x => x.classList.toggle('active', x === t));
  document.querySelectorAll('.view').forEach(v => v.classList.toggle('active', v.id === 'view-' + t.dataset.view));
  if (t.dataset.view === 'scripts') loadScripts();
  if (t.dataset.view === 'alerts') loadAlerts();
}));

let filterTimer;
document.getElementById('filter-input').addEventListener('input', function() {
  filterExpr = this.value.trim();
  clearTimeout(filterTimer);
  filterTimer = setTimeout(refilter, 250);
});

async function refilter() {
  const input = document.getElementById('filter-input');
  if (!filterExpr) { visible = null; input.classList.remove('bad'); renderTable(); return; }
  const r = await fetch('/api/flows?filter=' + encodeURIComponent(filterExpr));
  if (!r.ok) { input.classList.add('bad'); return; }
  input.classList.remove('bad');
  const list = await r.json() || [];
  visible = new Set(list.map(f => f.id));
  for (const f of list) flows.set(f.id, f);
  renderTable();
}

function statusCell(f) {
  if (f.state === 'intercepted') return '<span class="paused">PAUSED</span>';
  if (f.state === 'dropped') return '<span class="err">DROP</span>';
  if (!f.response) return f.error ? '<span class="err">ERR</span>' : '…';
  const sc = f.response.statusCode;
  return '<span class="s' + Math.floor(sc / 100) + '">' + sc + '</span>';
}

function renderTable() {
  const ids = [...flows.keys()].filter(id => !visible || visible.has(id)).reverse();
  document.getElementById('empty').style.display = ids.length ? 'none' : 'block';
  document.getElementById('flow-tbody').innerHTML = ids.map(id => {
    const f = flows.get(id);
    const tags = (f.tags || []).map(t => '<span class="tag">' + escHtml(t) + '</span>').join(' ');
    return '<tr class="' + (id === selectedId ? 'selected' : '') + '" onclick="selectFlow(\'' + id + '\')">' +
      '<td>' + (f.historyId || '') + '</td>' +
      '<td class="method">' + escHtml(f.request?.method || '-') + '</td>' +
      '<td>' + statusCell(f) + '</td>' +
      '<td>' + escHtml(f.upstream || '-') + '</td>' +
      '<td title="' + escHtml(f.request?.url || '') + '">' + escHtml(f.request?.path || '/') + '</td>' +
      '<td>' + fmtDur(durationMs(f)) + '</td>' +
      '<td>' + tags + '</td></tr>';
  }).join('');
  document.getElementById('stats').textContent = flows.size + ' flows';
}

function selectFlow(id) {
  selectedId = id;
  renderTable();
  const f = flows.get(id);
  if (f) renderDetail(f);
}

function renderDetail(f) {
  let h = '<div><strong>' + escHtml(f.request?.method || '-') + '</strong> ' + escHtml(f.request?.url || '') + ' ' + statusCell(f) + '</div>';
  h += '<div style="margin:8px 0">';
  if (f.state === 'intercepted') {
    h += '<button class="btn" onclick="flowAction(\'resume\')">Resume</button> ';
    h += '<button class="btn" onclick="flowAction(\'kill\')">Kill</button> ';
  }
  h += '<button class="btn" onclick="flowAction(\'replay\')">Replay</button></div>';
  if (f.error) h += '<div class="err">' + escHtml(f.error) + '</div>';
  if (f.notes && f.notes.length) h += '<h3>Script notes</h3>' + f.notes.map(n => '<div class="hdr">' + escHtml(n) + '</div>').join('');
  h += part('Request', f.request);
  h += part('Response', f.response);
  document.getElementById('detail').innerHTML = h;
}

function part(title, p) {
  if (!p) return '';
  let h = '<h3>' + title + '</h3>';
  for (const [k, vv] of Object.entries(p.headers || {})) {
    for (const v of vv) h += '<div class="hdr">' + escHtml(k) + ': ' + escHtml(v) + '</div>';
  }
  if (p.body) {
    h += '<pre class="body">' + escHtml(atobSafe(p.body).slice(0, 10000)) + '</pre>';
    if (p.bodyTruncated) h += '<span class="err" style="font-size:11px">body truncated</span>';
  }
  return h;
}

async function flowAction(action) {
  if (!selectedId) return;
  const r = await fetch('/api/flows/' + selectedId + '/' + action, {method: 'POST'});
  notify(r.ok ? action + ' ok' : action + ' failed: ' + await r.text());
}

async function clearFlows() {
  await fetch('/api/flows', {method: 'DELETE'});
  flows.clear();
  visible = null;
  selectedId = null;
  renderTable();
  document.getElementById('detail').innerHTML = '<div class="empty">Select a flow to inspect</div>';
}

async function loadScripts() {
  const list = await fetch('/api/scripts').then(r => r.json()) || [];
  document.getElementById('script-tbody').innerHTML = list.map(s =>
    '<tr><td>' + escHtml(s.type) + '</td><td>' + escHtml(s.name) + '</td><td>' + escHtml(s.runtime) + '</td>' +
    '<td><input type="checkbox" ' + (s.enabled ? 'checked' : '') + ' onchange="toggleScript(\'' + s.type + '\',\'' + s.name + '\', this.checked)"></td>' +
    '<td>' + s.invocations + '</td><td>' + s.runErrors + '</td>' +
    '<td class="err" title="' + escHtml(s.lastError?.message || '') + '">' + escHtml(s.lastError?.message || '') + '</td>' +
    '<td><button class="btn" onclick="removeScript(\'' + s.type + '\',\'' + s.name + '\')">Remove</button></td></tr>'
  ).join('');
}

async function toggleScript(type, name, enabled) {
  await fetch('/api/scripts/' + type + '/' + encodeURIComponent(name) + '/enabled', {method: 'PUT', body: JSON.stringify({enabled})});
  loadScripts();
}

async function removeScript(type, name) {
  await fetch('/api/scripts/' + type + '/' + encodeURIComponent(name), {method: 'DELETE'});
  loadScripts();
}

async function loadAlerts() {
  const list = await fetch('/api/alerts?limit=500').then(r => r.json()) || [];
  document.getElementById('alert-tbody').innerHTML = list.map(a =>
    '<tr><td class="risk-' + a.risk + '">' + (riskNames[a.risk] || a.risk) + '</td><td>' + escHtml(a.name) + '</td>' +
    '<td>' + escHtml(a.uri) + '</td><td>' + escHtml(a.script) + '</td><td>' + escHtml(a.evidence || '') + '</td></tr>'
  ).join('');
}

function durationMs(f) {
  if (!f.timestamps) return 0;
  const start = new Date(f.timestamps.created).getTime();
  const done = f.timestamps.responseDone;
  const end = done && !done.startsWith('0001') ? new Date(done).getTime() : Date.now();
  return Math.max(0, end - start);
}

function fmtDur(ms) {
  if (ms < 1) return '<1ms';
  if (ms < 1000) return ms + 'ms';
  return (ms / 1000).toFixed(1) + 's';
}

function atobSafe(b64) {
  try { return atob(b64); } catch (e) { return b64; }
}

function escHtml(s) {
  return String(s).replace(/&/g, '&amp;').replace(/</g, '&lt;').replace(/>/g, '&gt;').replace(/"/g, '&quot;');
}

function notify(msg) {
  const el = document.getElementById('notice');
  el.textContent = msg;
  el.style.display = 'block';
  clearTimeout(el._timer);
  el._timer = setTimeout(() => { el.style.display = 'none'; }, 3000);
}

fetch('/api/flows').then(r => r.json()).then(all => {
  for (const f of all || []) flows.set(f.id, f);
  renderTable();
});
connect();
</script>
</body>
</html>
`
