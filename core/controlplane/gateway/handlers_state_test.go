package gateway

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func overlayFrom(t *testing.T, resp *Response) map[string]any {
	t.Helper()
	if !resp.OK {
		t.Fatalf("config call failed: %+v", resp.Error)
	}
	payload, ok := resp.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type: %T", resp.Payload)
	}
	doc, ok := payload["config"].(map[string]any)
	if !ok {
		t.Fatalf("config type: %T", payload["config"])
	}
	return doc
}

func TestConfigOverlayRoundTrip(t *testing.T) {
	env := newTestServer(t)
	env.createTenant(t, "tenant-a")
	c := tenantClient("tenant-a")

	set := env.dispatch(t, c, "config.set", `{"config":{"defaultAgent":"beta","theme":"dark"}}`)
	if doc := overlayFrom(t, set); doc["defaultAgent"] != "beta" {
		t.Fatalf("set result: %v", doc)
	}

	patched := env.dispatch(t, c, "config.patch", `{"patch":{"theme":"light"}}`)
	doc := overlayFrom(t, patched)
	if doc["theme"] != "light" || doc["defaultAgent"] != "beta" {
		t.Fatalf("patch did not merge: %v", doc)
	}

	got := env.dispatch(t, c, "config.get", "")
	doc = overlayFrom(t, got)
	if doc["theme"] != "light" || doc["defaultAgent"] != "beta" {
		t.Fatalf("get after patch: %v", doc)
	}
}

func TestSessionTranscriptsLiveUnderAgentDir(t *testing.T) {
	env := newTestServer(t)
	env.createTenant(t, "tenant-a")
	c := tenantClient("tenant-a")

	if resp := env.dispatch(t, c, "chat.send", `{"message":"hi","agentId":"beta"}`); !resp.OK {
		t.Fatalf("chat.send: %+v", resp.Error)
	}

	dir := filepath.Join(env.registry.TenantDir("tenant-a"), "agents", "beta", "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("agent sessions dir: %v", err)
	}
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ".jsonl") {
		t.Fatalf("transcript files: %v", entries)
	}

	list := env.dispatch(t, c, "sessions.list", "")
	if !list.OK {
		t.Fatalf("sessions.list: %+v", list.Error)
	}
	sessions := list.Payload.(map[string]any)["sessions"].([]SessionInfo)
	if len(sessions) != 1 || sessions[0].AgentID != "beta" {
		t.Fatalf("sessions: %+v", sessions)
	}

	preview := env.dispatch(t, c, "sessions.preview", `{"sessionKey":"agent:beta:main"}`)
	if !preview.OK {
		t.Fatalf("sessions.preview: %+v", preview.Error)
	}
	lines := preview.Payload.(map[string]any)["lines"].([]TranscriptLine)
	if len(lines) == 0 {
		t.Fatalf("empty transcript preview")
	}
}

func TestConfigOverlayRejectsOperatorKeys(t *testing.T) {
	env := newTestServer(t)
	env.createTenant(t, "tenant-a")
	c := tenantClient("tenant-a")

	if resp := env.dispatch(t, c, "config.set", `{"config":{"theme":"dark"}}`); !resp.OK {
		t.Fatalf("baseline set: %+v", resp.Error)
	}

	for _, params := range []string{
		`{"config":{"gateway":{"httpAddr":":1"}}}`,
		`{"config":{"controlPlane.token":"stolen"}}`,
		`{"patch":{"objectStore":{"endpoint":"evil"}}}`,
		`{"patch":{"gateway.stateDir":"/tmp/elsewhere"}}`,
	} {
		method := "config.set"
		if strings.Contains(params, "patch") {
			method = "config.patch"
		}
		resp := env.dispatch(t, c, method, params)
		if resp.OK || resp.Error.Code != CodeInvalidRequest {
			t.Fatalf("%s %s: %+v", method, params, resp)
		}
		if !strings.Contains(resp.Error.Message, "managed by the gateway operator") {
			t.Fatalf("error message: %q", resp.Error.Message)
		}
	}

	// Rejected writes must not touch the stored overlay.
	doc := overlayFrom(t, env.dispatch(t, c, "config.get", ""))
	if doc["theme"] != "dark" || len(doc) != 1 {
		t.Fatalf("overlay changed by rejected write: %v", doc)
	}
}
