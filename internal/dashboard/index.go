package dashboard

import (
	"html/template"
	"net/http"
)

// indexTemplate renders a minimal polling page: it fetches /dashboard/state
// every 2s and redraws a table, client-side. The template itself only
// renders the page title. Service names and prefixes come from
// operator-authored manifests and are treated as untrusted strings: the
// script sets every table cell through textContent, so they are never
// parsed as markup.
var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<title>{{.Title}}</title>
<style>
body { font-family: monospace; margin: 2rem; }
table { border-collapse: collapse; width: 100%; }
td, th { border: 1px solid #ccc; padding: 0.3rem 0.6rem; text-align: left; }
.online { color: green; }
.offline { color: #b00; }
.unknown { color: #888; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<table id="services"><thead><tr><th>service</th><th>prefix</th><th>replica</th><th>health</th><th>restarts</th></tr></thead><tbody></tbody></table>

<h2>recent activity</h2>
<ul id="activity"></ul>

<script>
async function refreshState() {
  const res = await fetch('/dashboard/state');
  const data = await res.json();
  const body = document.querySelector('#services tbody');
  body.innerHTML = '';
  for (const svc of data.services) {
    for (const r of svc.replicas) {
      const row = document.createElement('tr');
      const cls = r.HealthState === 'Online' ? 'online' : (r.HealthState === 'Offline' ? 'offline' : 'unknown');
      const cells = [svc.name, svc.prefix, r.Index, r.HealthState, r.RestartCount];
      for (let i = 0; i < cells.length; i++) {
        const td = document.createElement('td');
        td.textContent = cells[i];
        if (i === 3) td.className = cls;
        row.appendChild(td);
      }
      body.appendChild(row);
    }
  }
}

let eventCursor = 0;
async function refreshActivity() {
  const res = await fetch('/dashboard/events?since=' + eventCursor);
  const events = await res.json();
  if (!events || events.length === 0) return;
  const list = document.querySelector('#activity');
  for (const e of events) {
    const item = document.createElement('li');
    item.textContent = e.type + ' ' + (e.service || '') + ' ' + (e.error || '');
    list.appendChild(item);
    eventCursor = e.seq;
  }
  while (list.children.length > 50) {
    list.removeChild(list.firstChild);
  }
}

function refresh() {
  refreshState();
  refreshActivity();
}
refresh();
setInterval(refresh, 2000);
</script>
</body>
</html>
`))

type indexData struct {
	Title string
}

func (d *Dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	indexTemplate.Execute(w, indexData{Title: "wasm fleet runner"})
}
