package httpapi

import (
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>TaskFeed Snapshot Viewer</title>
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
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
      min-height: 100vh;
      padding: 20px;
    }
    .shell { max-width: 900px; margin: 0 auto; display: grid; gap: 14px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 16px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }
    .controls { display: grid; gap: 10px; grid-template-columns: 1fr 1.4fr auto; margin-top: 12px; }
    .controls input, .controls button {
      border-radius: 8px;
      border: 1px solid var(--line);
      padding: 8px 10px;
      font: inherit;
    }
    .controls button { background: var(--accent); color: #fff; cursor: pointer; border: 0; }
    .status { font-size: 0.85rem; color: var(--muted); }
    .status.partial { color: var(--danger); }
    table { width: 100%; border-collapse: collapse; font-size: 0.9rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    tbody tr:last-child td { border-bottom: 0; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>TaskFeed Snapshot Viewer</h1>
      <div class="sub">Live aggregated task snapshots for one owner, via the snapshot stream.</div>
      <div class="controls">
        <input id="owner" placeholder="owner id" />
        <input id="token" placeholder="bearer token" />
        <button id="connect">Connect</button>
      </div>
      <div class="sub status" id="status">disconnected</div>
    </div>
    <div class="card">
      <table>
        <thead>
          <tr><th>Task</th><th>Title</th><th>Assignee</th><th>Team</th><th>Status</th><th>Created</th></tr>
        </thead>
        <tbody id="tasks"><tr><td colspan="6">no snapshot yet</td></tr></tbody>
      </table>
    </div>
  </div>
  <script>
    let socket = null;
    const statusEl = document.getElementById("status");
    const tasksEl = document.getElementById("tasks");

    function render(snapshot) {
      statusEl.textContent = "seq " + snapshot.seq + " · " + snapshot.connection +
        (snapshot.partial ? " · partial" : "") + " · " + snapshot.publishedAt;
      statusEl.className = "sub status" + (snapshot.partial ? " partial" : "");
      if (!snapshot.tasks || snapshot.tasks.length === 0) {
        tasksEl.innerHTML = "<tr><td colspan='6'>no tasks</td></tr>";
        return;
      }
      tasksEl.innerHTML = snapshot.tasks.map(function (t) {
        return "<tr><td>" + t.taskId + "</td><td>" + (t.title || "") + "</td><td>" +
          (t.assignee || "") + "</td><td>" + (t.teamId || "personal") + "</td><td>" +
          (t.status || "") + "</td><td>" + t.createdAt + "</td></tr>";
      }).join("");
    }

    document.getElementById("connect").addEventListener("click", function () {
      if (socket) { socket.close(); socket = null; }
      const owner = document.getElementById("owner").value.trim();
      const token = document.getElementById("token").value.trim();
      if (!owner || !token) { statusEl.textContent = "owner id and token required"; return; }
      const proto = location.protocol === "https:" ? "wss://" : "ws://";
      socket = new WebSocket(proto + location.host + "/v1/owners/" + encodeURIComponent(owner) +
        "/stream?access_token=" + encodeURIComponent(token) +
        "&correlationId=dash-" + Date.now());
      socket.onopen = function () { statusEl.textContent = "connected, waiting for snapshot"; };
      socket.onmessage = function (ev) { render(JSON.parse(ev.data)); };
      socket.onclose = function () { statusEl.textContent = "disconnected"; };
    });
  </script>
</body>
</html>
`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(dashboardHTML))
}
