package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>AtomicSettle</title>
    <meta name="description" content="Settlement coordinator operations dashboard">
    <link rel="icon" href="data:image/svg+xml,<svg xmlns='http://www.w3.org/2000/svg' viewBox='0 0 100 100'><text y='.9em' font-size='90'>&#8859;</text></svg>">
    <link rel="preconnect" href="https://fonts.googleapis.com">
    <link rel="preconnect" href="https://fonts.gstatic.com" crossorigin>
    <link href="https://fonts.googleapis.com/css2?family=JetBrains+Mono:wght@400;500;600&display=swap" rel="stylesheet">
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }

        :root {
            --bg: #09090b;
            --bg-subtle: #18181b;
            --border: #27272a;
            --text: #fafafa;
            --text-secondary: #a1a1aa;
            --text-tertiary: #52525b;
            --accent: #22c55e;
            --red: #ef4444;
            --amber: #f59e0b;
            --blue: #3b82f6;
        }

        body {
            font-family: 'JetBrains Mono', monospace;
            background: var(--bg);
            color: var(--text);
            min-height: 100vh;
            font-size: 13px;
            line-height: 1.5;
        }

        .container { max-width: 1200px; margin: 0 auto; padding: 0 24px; }

        header {
            border-bottom: 1px solid var(--border);
            padding: 16px 0;
            display: flex;
            justify-content: space-between;
            align-items: center;
        }

        .logo { font-weight: 600; font-size: 15px; }
        .logo span { color: var(--accent); }

        .secret-box { display: flex; gap: 8px; align-items: center; }
        .secret-box input {
            background: var(--bg-subtle);
            border: 1px solid var(--border);
            color: var(--text);
            padding: 6px 10px;
            border-radius: 4px;
            font-family: inherit;
            font-size: 12px;
        }

        .cards { display: grid; grid-template-columns: repeat(3, 1fr); gap: 12px; padding: 24px 0; }
        .card { background: var(--bg-subtle); border: 1px solid var(--border); border-radius: 8px; padding: 16px; }
        .card .label { color: var(--text-tertiary); font-size: 11px; text-transform: uppercase; letter-spacing: 0.05em; }
        .card .value { font-size: 24px; font-weight: 600; margin-top: 4px; }

        table { width: 100%; border-collapse: collapse; margin-bottom: 32px; }
        th, td { text-align: left; padding: 8px 12px; border-bottom: 1px solid var(--border); font-size: 12px; }
        th { color: var(--text-tertiary); text-transform: uppercase; font-weight: 500; font-size: 10px; letter-spacing: 0.05em; }

        .status { padding: 2px 8px; border-radius: 4px; font-size: 11px; display: inline-block; }
        .status-pending, .status-validated, .status-locked, .status-committing { background: rgba(245,158,11,0.15); color: var(--amber); }
        .status-settled, .status-netted { background: rgba(34,197,94,0.15); color: var(--accent); }
        .status-failed, .status-rolled_back { background: rgba(239,68,68,0.15); color: var(--red); }

        .empty { color: var(--text-tertiary); padding: 24px; text-align: center; }
        h2 { font-size: 13px; text-transform: uppercase; letter-spacing: 0.05em; color: var(--text-secondary); margin: 24px 0 8px; }
    </style>
</head>
<body>
    <div class="container">
        <header>
            <div class="logo">Atomic<span>Settle</span></div>
            <div class="secret-box">
                <input id="secret" type="password" placeholder="X-Admin-Secret" autocomplete="off">
                <span id="status-dot" class="mono">&#9679;</span>
            </div>
        </header>

        <div class="cards">
            <div class="card"><div class="label">In-flight settlements</div><div class="value" id="inflight-count">&mdash;</div></div>
            <div class="card"><div class="label">Participants</div><div class="value" id="participant-count">&mdash;</div></div>
            <div class="card"><div class="label">Coordinator</div><div class="value" id="health-value">&mdash;</div></div>
        </div>

        <h2>Non-terminal settlements</h2>
        <table id="settlements-table">
            <thead><tr><th>ID</th><th>Status</th><th>Legs</th><th>Priority</th><th>Requested by</th><th>Created</th></tr></thead>
            <tbody id="settlements-body"><tr><td colspan="6" class="empty">loading&hellip;</td></tr></tbody>
        </table>

        <h2>Participants</h2>
        <table id="participants-table">
            <thead><tr><th>ID</th><th>Status</th><th>Allowed currencies</th></tr></thead>
            <tbody id="participants-body"><tr><td colspan="3" class="empty">loading&hellip;</td></tr></tbody>
        </table>
    </div>

    <script>
        function adminHeaders() {
            const secret = document.getElementById('secret').value;
            return secret ? {'X-Admin-Secret': secret} : {};
        }

        async function safeFetch(url) {
            try {
                const res = await fetch(url, {headers: adminHeaders()});
                if (!res.ok) return null;
                return await res.json();
            } catch (e) {
                return null;
            }
        }

        function statusClass(status) {
            return 'status status-' + String(status || '').toLowerCase();
        }

        async function loadData() {
            const health = await safeFetch('/health');
            document.getElementById('health-value').textContent = health ? health.status : 'unreachable';
            document.getElementById('status-dot').style.color = health && health.status === 'healthy' ? '#22c55e' : '#ef4444';

            const settlements = await safeFetch('/v1/admin/settlements');
            const sBody = document.getElementById('settlements-body');
            if (settlements && Array.isArray(settlements.settlements)) {
                document.getElementById('inflight-count').textContent = settlements.settlements.length;
                sBody.innerHTML = settlements.settlements.length ? settlements.settlements.map(s =>
                    '<tr><td>' + s.ID + '</td><td><span class="' + statusClass(s.Status) + '">' + s.Status +
                    '</span></td><td>' + (s.Legs ? s.Legs.length : 0) + '</td><td>' + (s.Priority || '') +
                    '</td><td>' + (s.RequestedBy || '') + '</td><td>' + (s.CreatedAt || '') + '</td></tr>'
                ).join('') : '<tr><td colspan="6" class="empty">no non-terminal settlements</td></tr>';
            } else {
                sBody.innerHTML = '<tr><td colspan="6" class="empty">set X-Admin-Secret to load</td></tr>';
            }

            const participants = await safeFetch('/v1/admin/participants');
            const pBody = document.getElementById('participants-body');
            if (participants && Array.isArray(participants.participants)) {
                document.getElementById('participant-count').textContent = participants.participants.length;
                pBody.innerHTML = participants.participants.length ? participants.participants.map(p =>
                    '<tr><td>' + p.ID + '</td><td><span class="' + statusClass(p.Status) + '">' + p.Status +
                    '</span></td><td>' + ((p.AllowedCurrencies || []).join(', ')) + '</td></tr>'
                ).join('') : '<tr><td colspan="3" class="empty">no participants</td></tr>';
            } else {
                pBody.innerHTML = '<tr><td colspan="3" class="empty">set X-Admin-Secret to load</td></tr>';
            }
        }

        loadData();
        setInterval(loadData, 5000);
    </script>
</body>
</html>`

// dashboardHandler serves the settlement monitoring dashboard.
func dashboardHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, dashboardHTML)
}
