package gateway

import (
	"context"
	"strings"
	"testing"

	"github.com/openclaw/openclaw/core/backup"
	"github.com/openclaw/openclaw/core/tenancy"
	"github.com/openclaw/openclaw/core/terminal"
	"github.com/openclaw/openclaw/core/usage"
)

func TestDispatchUnknownMethod(t *testing.T) {
	env := newTestServer(t)
	resp := env.dispatch(t, adminClient(), "no.such.method", "")
	if resp.OK || resp.Error.Code != CodeNotFound {
		t.Fatalf("unknown method: %+v", resp)
	}
}

func TestDispatchRequiresIDAndMethod(t *testing.T) {
	env := newTestServer(t)
	resp := env.server.Dispatcher().Dispatch(context.Background(), adminClient(), &Request{})
	if resp.OK || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("empty frame: %+v", resp)
	}
}

func TestDispatchSchemaValidation(t *testing.T) {
	env := newTestServer(t)
	env.createTenant(t, "tenant-a")
	c := tenantClient("tenant-a")

	resp := env.dispatch(t, c, "terminal.write", `{"terminalId": 42, "data": "x"}`)
	if resp.OK || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("bad param type: %+v", resp)
	}
	resp = env.dispatch(t, c, "terminal.write", `{"data": "x"}`)
	if resp.OK || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("missing required: %+v", resp)
	}
}

func TestDispatchTenantGone(t *testing.T) {
	env := newTestServer(t)
	resp := env.dispatch(t, tenantClient("ghost"), "health", "")
	if resp.OK || resp.Error.Code != CodeUnauthorized {
		t.Fatalf("ghost tenant: %+v", resp)
	}
}

func TestDispatchDisabledTenant(t *testing.T) {
	env := newTestServer(t)
	env.createTenant(t, "tenant-a")
	disabled := true
	if _, err := env.registry.Update("tenant-a", tenancy.UpdateRequest{Disabled: &disabled}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	resp := env.dispatch(t, tenantClient("tenant-a"), "health", "")
	if resp.OK || resp.Error.Code != CodeUnauthorized {
		t.Fatalf("disabled tenant: %+v", resp)
	}
}

func TestDispatchRateLimitDenial(t *testing.T) {
	env := newTestServer(t)
	env.createTenant(t, "tenant-a")
	one := 1
	quotas := &tenancy.Quotas{RequestsPerMinute: &one}
	if _, err := env.registry.Update("tenant-a", tenancy.UpdateRequest{Quotas: quotas}); err != nil {
		t.Fatalf("set quotas: %v", err)
	}
	c := tenantClient("tenant-a")

	first := env.dispatch(t, c, "chat.send", `{"message":"hi"}`)
	if !first.OK {
		t.Fatalf("first chargeable call denied: %+v", first.Error)
	}
	second := env.dispatch(t, c, "chat.send", `{"message":"hi again"}`)
	if second.OK {
		t.Fatalf("second call allowed past rate limit")
	}
	if second.Error.Code != CodeInvalidRequest || !second.Error.Retryable {
		t.Fatalf("denial shape: %+v", second.Error)
	}
	if second.Error.RetryAfterMs <= 0 {
		t.Fatalf("rate_limited denial missing retryAfterMs")
	}
	if second.Error.Details["reason"] != "rate_limited" {
		t.Fatalf("reason: %+v", second.Error.Details)
	}
	// Non-chargeable methods still pass.
	if resp := env.dispatch(t, c, "health", ""); !resp.OK {
		t.Fatalf("health blocked by rate limit: %+v", resp.Error)
	}
}

func TestTenantsPruneKeepsNewest(t *testing.T) {
	env := newTestServer(t)
	env.createTenant(t, "tenant-a")
	env.withBackups()
	ctx := context.Background()

	for _, key := range []string{
		"backups/tenant-a/snap-1.tar.gz",
		"backups/tenant-a/snap-2.tar.gz",
		"backups/tenant-a/snap-3.tar.gz",
	} {
		if _, err := env.server.backups.Backup(ctx, "tenant-a", key); err != nil {
			t.Fatalf("seed backup %s: %v", key, err)
		}
	}

	// Pruning is a control-plane method even for the owning tenant: it falls
	// outside the tenant allow-list.
	if resp := env.dispatch(t, tenantClient("tenant-a"), "tenants.prune", `{"keep":1}`); resp.OK || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("tenant token pruned: %+v", resp)
	}
	if resp := env.dispatch(t, adminClient(), "tenants.prune", `{"tenantId":"tenant-a","keep":0}`); resp.OK || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("keep=0 accepted: %+v", resp)
	}

	resp := env.dispatch(t, adminClient(), "tenants.prune", `{"tenantId":"tenant-a","keep":1}`)
	if !resp.OK {
		t.Fatalf("prune: %+v", resp.Error)
	}
	if resp.Payload.(map[string]any)["deleted"] != 2 {
		t.Fatalf("prune result: %+v", resp.Payload)
	}

	list := env.dispatch(t, adminClient(), "tenants.backups.list", `{"tenantId":"tenant-a"}`)
	if !list.OK {
		t.Fatalf("list: %+v", list.Error)
	}
	remaining := list.Payload.(map[string]any)["backups"].([]backup.ObjectInfo)
	if len(remaining) != 1 || remaining[0].Key != "backups/tenant-a/snap-3.tar.gz" {
		t.Fatalf("remaining backups: %+v", remaining)
	}
}

func TestTerminalSpawnSessionQuota(t *testing.T) {
	env := newTestServer(t)
	env.createTenant(t, "tenant-a")
	one := 1
	quotas := &tenancy.Quotas{ConcurrentSessions: &one}
	if _, err := env.registry.Update("tenant-a", tenancy.UpdateRequest{Quotas: quotas}); err != nil {
		t.Fatalf("set quotas: %v", err)
	}
	c := tenantClient("tenant-a")

	first := env.dispatch(t, c, "terminal.spawn", `{}`)
	if !first.OK {
		t.Fatalf("first spawn denied: %+v", first.Error)
	}
	info := first.Payload.(*terminal.Info)

	second := env.dispatch(t, c, "terminal.spawn", `{}`)
	if second.OK {
		t.Fatalf("spawn allowed past session quota")
	}
	if second.Error.Details["reason"] != usage.ReasonSessionsExceeded {
		t.Fatalf("denial reason: %+v", second.Error)
	}

	// Closing the live session frees the slot.
	if resp := env.dispatch(t, c, "terminal.close", `{"terminalId":"`+info.TerminalID+`"}`); !resp.OK {
		t.Fatalf("close: %+v", resp.Error)
	}
	if resp := env.dispatch(t, c, "terminal.spawn", `{}`); !resp.OK {
		t.Fatalf("spawn after close denied: %+v", resp.Error)
	}
}

func TestDispatchPanicBecomesUnavailable(t *testing.T) {
	env := newTestServer(t)
	env.server.Dispatcher().Register("boom", false, func(context.Context, *Call) (any, *Error) {
		panic("kaput")
	})
	resp := env.dispatch(t, adminClient(), "boom", "")
	if resp.OK || resp.Error.Code != CodeUnavailable {
		t.Fatalf("panic: %+v", resp)
	}
	if !strings.Contains(resp.Error.Message, "kaput") {
		t.Fatalf("panic message lost: %q", resp.Error.Message)
	}
}

func TestChatSendRunsAgentAndRecordsUsage(t *testing.T) {
	env := newTestServer(t)
	env.createTenant(t, "tenant-a")
	c := tenantClient("tenant-a")

	resp := env.dispatch(t, c, "chat.send", `{"message":"hello","agentId":"beta"}`)
	if !resp.OK {
		t.Fatalf("chat.send: %+v", resp.Error)
	}
	calls := env.runner.calls()
	if len(calls) != 1 {
		t.Fatalf("runner calls: %d", len(calls))
	}
	if calls[0].SessionKey != "tenant:tenant-a:agent:beta:main" {
		t.Fatalf("session key: %s", calls[0].SessionKey)
	}
	snap, err := env.server.ledger.LoadUsage("tenant-a")
	if err != nil || snap.TotalTokens != 5 {
		t.Fatalf("usage after chat: %+v err=%v", snap, err)
	}
}

func TestChatSendCrossTenantKeyRejected(t *testing.T) {
	env := newTestServer(t)
	env.createTenant(t, "tenant-a")
	c := tenantClient("tenant-a")

	resp := env.dispatch(t, c, "chat.send", `{"message":"hi","sessionKey":"tenant:other:agent:beta:main"}`)
	if resp.OK || resp.Error.Code != CodeUnauthorized {
		t.Fatalf("cross-tenant key: %+v", resp)
	}
	if len(env.runner.calls()) != 0 {
		t.Fatalf("runner invoked despite rejection")
	}
}

func TestTerminalCrossTenantViaDispatch(t *testing.T) {
	env := newTestServer(t)
	env.createTenant(t, "tenant-a")
	env.createTenant(t, "tenant-b")
	a := tenantClient("tenant-a")
	b := tenantClient("tenant-b")

	spawn := env.dispatch(t, a, "terminal.spawn", `{}`)
	if !spawn.OK {
		t.Fatalf("spawn: %+v", spawn.Error)
	}
	info, ok := spawn.Payload.(*terminal.Info)
	if !ok {
		t.Fatalf("spawn payload type %T", spawn.Payload)
	}

	write := env.dispatch(t, b, "terminal.write", `{"terminalId":"`+info.TerminalID+`","data":"whoami\n"}`)
	if write.OK || write.Error.Code != CodeUnauthorized {
		t.Fatalf("cross-tenant write: %+v", write)
	}
	closeResp := env.dispatch(t, b, "terminal.close", `{"terminalId":"`+info.TerminalID+`"}`)
	if closeResp.OK || closeResp.Error.Code != CodeUnauthorized {
		t.Fatalf("cross-tenant close: %+v", closeResp)
	}

	// Owner and admin both still reach the terminal.
	if resp := env.dispatch(t, a, "terminal.write", `{"terminalId":"`+info.TerminalID+`","data":"ls\n"}`); !resp.OK {
		t.Fatalf("owner write: %+v", resp.Error)
	}
	if resp := env.dispatch(t, adminClient(), "terminal.close", `{"terminalId":"`+info.TerminalID+`"}`); !resp.OK {
		t.Fatalf("admin close: %+v", resp.Error)
	}
}
