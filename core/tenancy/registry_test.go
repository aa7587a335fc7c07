package tenancy

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestCreateAndValidate(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	token, entry, err := reg.Create("demo", "Demo Tenant")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if entry.ID != "demo" || entry.TokenHash == "" {
		t.Fatalf("bad entry: %+v", entry)
	}
	if !regexp.MustCompile(`^tenant:demo:[A-Za-z0-9_-]{32,}$`).MatchString(token) {
		t.Fatalf("bad token shape: %s", token)
	}

	ids := reg.List()
	if len(ids) != 1 || ids[0] != "demo" {
		t.Fatalf("unexpected list: %v", ids)
	}

	ctx, ok := reg.ValidateToken(token)
	if !ok {
		t.Fatalf("token should validate")
	}
	if ctx.TenantID != "demo" {
		t.Fatalf("tenant id: %s", ctx.TenantID)
	}
	if !strings.HasSuffix(ctx.StateDir, filepath.Join("tenants", "demo")) {
		t.Fatalf("state dir: %s", ctx.StateDir)
	}

	got, ok := reg.Get("demo")
	if !ok || got.LastSeenAt == nil {
		t.Fatalf("last seen not recorded: %+v", got)
	}
}

func TestCreateSeedsTenantTree(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)
	if _, _, err := reg.Create("demo", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, sub := range []string{"workspace", "agents", "memory", "plugins", "sandboxes", "credentials", "cron", "usage"} {
		if _, err := os.Stat(filepath.Join(dir, "tenants", "demo", sub)); err != nil {
			t.Fatalf("missing %s: %v", sub, err)
		}
	}
}

func TestRegistryFileMode(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)
	if _, _, err := reg.Create("demo", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "tenants.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("registry mode %o, want 0600", perm)
	}
}

func TestCreateRejectsInvalidAndDuplicate(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	for _, bad := range []string{"", "-lead", "_lead", "a b", "a/b", strings.Repeat("x", 40)} {
		if _, _, err := reg.Create(bad, ""); err != ErrInvalidID {
			t.Fatalf("expected ErrInvalidID for %q, got %v", bad, err)
		}
	}
	if _, _, err := reg.Create("demo", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := reg.Create("demo", ""); err != ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestValidateTokenRejectsFlippedSecret(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	token, _, err := reg.Create("demo", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Flip one byte in the secret segment.
	raw := []byte(token)
	last := len(raw) - 1
	if raw[last] == 'A' {
		raw[last] = 'B'
	} else {
		raw[last] = 'A'
	}
	if _, ok := reg.ValidateToken(string(raw)); ok {
		t.Fatalf("tampered token validated")
	}
}

func TestValidateTokenRejectsDisabled(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	token, _, err := reg.Create("demo", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	disabled := true
	if _, err := reg.Update("demo", UpdateRequest{Disabled: &disabled}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := reg.ValidateToken(token); ok {
		t.Fatalf("disabled tenant validated")
	}
}

func TestRotateInvalidatesOldToken(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	oldToken, _, err := reg.Create("demo", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	newToken, err := reg.Rotate("demo")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if oldToken == newToken {
		t.Fatalf("rotate returned same token")
	}
	if _, ok := reg.ValidateToken(oldToken); ok {
		t.Fatalf("old token still valid")
	}
	if _, ok := reg.ValidateToken(newToken); !ok {
		t.Fatalf("new token invalid")
	}
}

func TestRemoveDeletesDataWhenAsked(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)
	if _, _, err := reg.Create("demo", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	var events []Event
	reg.OnChange(func(evt Event) { events = append(events, evt) })

	if err := reg.Remove("demo", true); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "tenants", "demo")); !os.IsNotExist(err) {
		t.Fatalf("tenant data should be gone: %v", err)
	}
	if err := reg.Remove("demo", false); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(events) != 1 || events[0].Type != EventRemoved || events[0].TenantID != "demo" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestCorruptRegistryReadsAsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tenants.json"), []byte("not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg := NewRegistry(dir)
	if got := reg.Count(); got != 0 {
		t.Fatalf("count=%d want 0", got)
	}
	if _, _, err := reg.Create("demo", ""); err != nil {
		t.Fatalf("create after corrupt file: %v", err)
	}
}

func TestParseToken(t *testing.T) {
	id, secret, ok := ParseToken("tenant:demo:s3cr3t")
	if !ok || id != "demo" || secret != "s3cr3t" {
		t.Fatalf("parse: %q %q %v", id, secret, ok)
	}
	for _, bad := range []string{"", "demo:s3cr3t", "tenant:demo:", "tenant:BAD!:x", "tenant::x"} {
		if _, _, ok := ParseToken(bad); ok {
			t.Fatalf("expected parse failure for %q", bad)
		}
	}
}
