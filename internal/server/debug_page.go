package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// debugPageHandler serves a simple debug page to test API connectivity
func debugPageHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, debugPageHTML)
}

const debugPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>AtomicSettle Debug</title>
    <style>
        body { font-family: monospace; background: #111; color: #0f0; padding: 20px; }
        pre { background: #222; padding: 10px; overflow: auto; }
        .error { color: #f00; }
        .success { color: #0f0; }
        h2 { color: #0ff; margin-top: 20px; }
        input { background: #222; color: #0f0; border: 1px solid #0f0; padding: 4px 8px; font-family: monospace; }
    </style>
</head>
<body>
    <h1>AtomicSettle Debug Page</h1>
    <p>Testing coordinator API connectivity...</p>
    <p>X-Admin-Secret: <input id="secret" type="password" autocomplete="off"></p>

    <h2>1. Health (/health)</h2>
    <pre id="health">Loading...</pre>

    <h2>2. Non-terminal settlements (/v1/admin/settlements)</h2>
    <pre id="settlements">Loading...</pre>

    <h2>3. Participants (/v1/admin/participants)</h2>
    <pre id="participants">Loading...</pre>

    <h2>4. Submit a test settlement (POST /v1/settlements)</h2>
    <pre id="submit">Not run. <button onclick="submitTest()">Run</button></pre>

    <script>
        function adminHeaders() {
            const secret = document.getElementById('secret').value;
            return secret ? {'X-Admin-Secret': secret} : {};
        }

        async function test(endpoint, elementId, opts) {
            const el = document.getElementById(elementId);
            try {
                const res = await fetch(endpoint, opts || {});
                const data = await res.json();
                el.className = res.ok ? 'success' : 'error';
                el.textContent = res.status + '\n' + JSON.stringify(data, null, 2);
            } catch (e) {
                el.className = 'error';
                el.textContent = 'ERROR: ' + e.message;
            }
        }

        async function submitTest() {
            await test('/v1/settlements', 'submit', {
                method: 'POST',
                headers: {'Content-Type': 'application/json'},
                body: JSON.stringify({
                    idempotency_key: 'debug-' + Date.now(),
                    requested_by: 'debug-page',
                    priority: 'normal',
                    legs: [{
                        leg_number: 1,
                        source_participant: 'debug-a',
                        source_account: 'acct-a',
                        source_currency: 'USD',
                        dest_participant: 'debug-b',
                        dest_account: 'acct-b',
                        dest_currency: 'USD',
                        source_amount: '1.00'
                    }]
                })
            });
        }

        test('/health', 'health');
        test('/v1/admin/settlements', 'settlements', {headers: adminHeaders()});
        test('/v1/admin/participants', 'participants', {headers: adminHeaders()});
    </script>
</body>
</html>`
