package gateway

import (
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/openclaw/core/tenancy"
)

func writeFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("ws write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return frame
}

func TestWSRejectsBadToken(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := map[string][]string{"Authorization": {"Bearer not-a-real-token"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatalf("dial succeeded with bad token")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("handshake response: %+v", resp)
	}
}

func TestWSHealthRoundTrip(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	conn := wsDial(t, ts, testControlPlaneToken)
	writeFrame(t, conn, `{"id":"r1","method":"health"}`)
	frame := readFrame(t, conn)
	if frame["id"] != "r1" || frame["ok"] != true {
		t.Fatalf("health frame: %v", frame)
	}
}

func TestWSMalformedFrame(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	conn := wsDial(t, ts, testControlPlaneToken)
	writeFrame(t, conn, `{not json`)
	frame := readFrame(t, conn)
	errObj, ok := frame["error"].(map[string]any)
	if !ok || errObj["code"] != CodeInvalidRequest {
		t.Fatalf("malformed frame response: %v", frame)
	}
}

func TestWSTenantTokenAuth(t *testing.T) {
	env := newTestServer(t)
	token := env.createTenant(t, "tenant-a")
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	conn := wsDial(t, ts, token)
	writeFrame(t, conn, `{"id":"r1","method":"tenants.get"}`)
	frame := readFrame(t, conn)
	if frame["ok"] != true {
		t.Fatalf("tenants.get over tenant WS: %v", frame)
	}
	payload := frame["payload"].(map[string]any)
	if payload["tenantId"] != "tenant-a" {
		t.Fatalf("payload: %v", payload)
	}

	// Admin-only surface stays closed for tenant tokens.
	writeFrame(t, conn, `{"id":"r2","method":"tenants.list"}`)
	frame = readFrame(t, conn)
	if frame["ok"] == true {
		t.Fatalf("tenants.list allowed over tenant WS")
	}
}

func TestWSTerminalOutputRoutedToOwningConn(t *testing.T) {
	env := newTestServer(t)
	tokenA := env.createTenant(t, "tenant-a")
	tokenB := env.createTenant(t, "tenant-b")
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	connA := wsDial(t, ts, tokenA)
	connB := wsDial(t, ts, tokenB)

	writeFrame(t, connA, `{"id":"spawn","method":"terminal.spawn","params":{}}`)
	spawn := readFrame(t, connA)
	if spawn["ok"] != true {
		t.Fatalf("spawn: %v", spawn)
	}
	terminalID := spawn["payload"].(map[string]any)["terminalId"].(string)

	// Simulated PTY output must reach only the spawning connection.
	env.spawner.lastSpec().OnData([]byte("prompt$ "))

	event := readFrame(t, connA)
	if event["event"] != "terminal.output" {
		t.Fatalf("event frame: %v", event)
	}
	payload := event["payload"].(map[string]any)
	if payload["terminalId"] != terminalID {
		t.Fatalf("event terminal id: %v", payload)
	}
	decoded, err := base64.StdEncoding.DecodeString(payload["data"].(string))
	if err != nil || string(decoded) != "prompt$ " {
		t.Fatalf("event data: %q err=%v", decoded, err)
	}

	// The other tenant's connection sees its own traffic only: the next
	// frame it receives is the response to its own request.
	writeFrame(t, connB, `{"id":"probe","method":"health"}`)
	probe := readFrame(t, connB)
	if probe["id"] != "probe" {
		t.Fatalf("foreign frame on tenant-b conn: %v", probe)
	}

	// Cross-tenant access to the terminal itself is denied.
	writeFrame(t, connB, `{"id":"steal","method":"terminal.write","params":{"terminalId":"`+terminalID+`","data":"id\n"}}`)
	steal := readFrame(t, connB)
	if steal["ok"] == true {
		t.Fatalf("cross-tenant terminal write allowed")
	}
	errObj := steal["error"].(map[string]any)
	if errObj["code"] != CodeUnauthorized {
		t.Fatalf("cross-tenant write error: %v", errObj)
	}
}

func TestWSTenantDisableEvictsConnection(t *testing.T) {
	env := newTestServer(t)
	token := env.createTenant(t, "tenant-a")
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	conn := wsDial(t, ts, token)
	writeFrame(t, conn, `{"id":"r1","method":"health"}`)
	if frame := readFrame(t, conn); frame["ok"] != true {
		t.Fatalf("health before disable: %v", frame)
	}

	disabled := true
	if _, err := env.registry.Update("tenant-a", tenancy.UpdateRequest{Disabled: &disabled}); err != nil {
		t.Fatalf("disable: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			t.Fatalf("connection not evicted on tenant disable")
		}
		return
	}
}

func TestWSTenantDisableKillsTerminals(t *testing.T) {
	env := newTestServer(t)
	token := env.createTenant(t, "tenant-a")
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	conn := wsDial(t, ts, token)
	writeFrame(t, conn, `{"id":"spawn","method":"terminal.spawn","params":{}}`)
	if frame := readFrame(t, conn); frame["ok"] != true {
		t.Fatalf("spawn: %v", frame)
	}
	if env.server.terminals.Count() != 1 {
		t.Fatalf("terminal count before disable: %d", env.server.terminals.Count())
	}

	disabled := true
	if _, err := env.registry.Update("tenant-a", tenancy.UpdateRequest{Disabled: &disabled}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if env.server.terminals.Count() != 0 {
		t.Fatalf("terminal survived tenant disable")
	}
	proc := env.spawner.procs[0]
	proc.mu.Lock()
	killed := proc.killed
	proc.mu.Unlock()
	if !killed {
		t.Fatalf("pty process not killed on disable")
	}
}
