package usage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openclaw/openclaw/core/tenancy"
)

func i64(v int64) *int64 { return &v }
func iptr(v int) *int    { return &v }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestLoadUsageFreshSnapshot(t *testing.T) {
	l := NewLedger(t.TempDir())
	l.SetClock(fixedClock(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)))

	snap, err := l.LoadUsage("demo")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Period != "2026-03" {
		t.Fatalf("period: %s", snap.Period)
	}
	if snap.TotalTokens != 0 || snap.ActiveSessions != 0 {
		t.Fatalf("not zeroed: %+v", snap)
	}
}

func TestPeriodRollArchivesOldSnapshot(t *testing.T) {
	dir := t.TempDir()
	l := NewLedger(dir)
	march := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	l.SetClock(fixedClock(march))

	if _, err := l.UpdateTokenUsage("demo", TokenDelta{Input: 100, Output: 50}); err != nil {
		t.Fatalf("update: %v", err)
	}

	l.SetClock(fixedClock(time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC)))
	snap, err := l.LoadUsage("demo")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Period != "2026-04" || snap.TotalTokens != 0 {
		t.Fatalf("expected fresh april snapshot: %+v", snap)
	}

	data, err := os.ReadFile(filepath.Join(dir, "tenants", "demo", "usage", "2026-03.json"))
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	var archived Snapshot
	if err := json.Unmarshal(data, &archived); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if archived.Period != "2026-03" || archived.TotalTokens != 150 {
		t.Fatalf("archive content: %+v", archived)
	}
}

func TestTokenInvariant(t *testing.T) {
	l := NewLedger(t.TempDir())
	snap, err := l.UpdateTokenUsage("demo", TokenDelta{Input: 10, Output: 20, CacheRead: 5, CacheWrite: 2, CostCents: 3})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if snap.TotalTokens != 37 {
		t.Fatalf("total=%d want 37", snap.TotalTokens)
	}
	if snap.CostCents != 3 {
		t.Fatalf("cost=%d", snap.CostCents)
	}
}

func TestSessionCountClampsAtZero(t *testing.T) {
	l := NewLedger(t.TempDir())
	if _, err := l.UpdateSessionCount("demo", 2); err != nil {
		t.Fatalf("inc: %v", err)
	}
	snap, err := l.UpdateSessionCount("demo", -5)
	if err != nil {
		t.Fatalf("dec: %v", err)
	}
	if snap.ActiveSessions != 0 {
		t.Fatalf("active=%d want 0", snap.ActiveSessions)
	}
	if snap.TotalSessions != 2 {
		t.Fatalf("total=%d want 2", snap.TotalSessions)
	}
}

func TestSandboxUsagePeakWatermark(t *testing.T) {
	l := NewLedger(t.TempDir())
	if _, err := l.UpdateSandboxUsage("demo", 1.5, 2048); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap, err := l.UpdateSandboxUsage("demo", 0.5, 1024)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if snap.SandboxCPUSeconds != 2.0 || snap.SandboxPeakMemoryBytes != 2048 {
		t.Fatalf("sandbox usage: %+v", snap)
	}
}

func TestCheckAndRecordRequestDeniesWhenWindowFull(t *testing.T) {
	l := NewLedger(t.TempDir())
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l.SetClock(fixedClock(base))
	quotas := &tenancy.Quotas{RequestsPerMinute: iptr(2)}

	for i := 0; i < 2; i++ {
		dec, err := l.CheckAndRecordRequest("demo", quotas)
		if err != nil || !dec.Allowed {
			t.Fatalf("request %d should pass: %+v err=%v", i, dec, err)
		}
	}
	dec, err := l.CheckAndRecordRequest("demo", quotas)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonRateLimited {
		t.Fatalf("expected rate limit: %+v", dec)
	}
	if dec.RetryAfterMs <= 0 || dec.RetryAfterMs > time.Minute.Milliseconds() {
		t.Fatalf("retry hint out of range: %d", dec.RetryAfterMs)
	}

	// Window slides: a minute later the same quota passes again.
	l.SetClock(fixedClock(base.Add(61 * time.Second)))
	dec, err = l.CheckAndRecordRequest("demo", quotas)
	if err != nil || !dec.Allowed {
		t.Fatalf("post-window request should pass: %+v err=%v", dec, err)
	}
}

func TestCheckQuotaPriorityOrder(t *testing.T) {
	l := NewLedger(t.TempDir())
	if _, err := l.UpdateTokenUsage("demo", TokenDelta{Input: 1000}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := l.UpdateSessionCount("demo", 5); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Tokens exhausted and sessions exhausted: tokens win.
	quotas := &tenancy.Quotas{
		MonthlyTokens:      i64(500),
		ConcurrentSessions: iptr(1),
	}
	dec, err := l.CheckQuotaBeforeRequest("demo", quotas)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonQuotaExceeded {
		t.Fatalf("expected quota_exceeded: %+v", dec)
	}

	// Only sessions exhausted.
	dec, err = l.CheckQuotaBeforeRequest("demo", &tenancy.Quotas{ConcurrentSessions: iptr(1)})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonSessionsExceeded {
		t.Fatalf("expected sessions_exceeded: %+v", dec)
	}
}

func TestCheckQuotaSoftLimitWarns(t *testing.T) {
	l := NewLedger(t.TempDir())
	if _, err := l.UpdateTokenUsage("demo", TokenDelta{Input: 800}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	quotas := &tenancy.Quotas{
		MonthlyTokens:     i64(1000),
		MonthlyTokensSoft: i64(700),
	}
	dec, err := l.CheckQuotaBeforeRequest("demo", quotas)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !dec.Allowed || dec.Warning == "" {
		t.Fatalf("expected allowed with warning: %+v", dec)
	}
}

func TestCheckQuotaUnlimitedWhenNil(t *testing.T) {
	l := NewLedger(t.TempDir())
	dec, err := l.CheckQuotaBeforeRequest("demo", nil)
	if err != nil || !dec.Allowed {
		t.Fatalf("expected allowed: %+v err=%v", dec, err)
	}
}

func TestRefreshDiskUsageWalksAndCaches(t *testing.T) {
	dir := t.TempDir()
	l := NewLedger(dir)
	ws := filepath.Join(dir, "tenants", "demo", "workspace")
	if err := os.MkdirAll(ws, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws, "a.txt"), []byte("hello"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	du, err := l.RefreshDiskUsage("demo")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if du.WorkspaceBytes != 5 || du.TotalBytes < 5 {
		t.Fatalf("disk usage: %+v", du)
	}

	// Within the TTL the cached value is served even after new writes.
	if err := os.WriteFile(filepath.Join(ws, "b.txt"), []byte("world!"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cached, err := l.RefreshDiskUsage("demo")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if cached.WorkspaceBytes != du.WorkspaceBytes {
		t.Fatalf("expected cached value, got %+v", cached)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	l := NewLedger(t.TempDir())
	l.SetClock(fixedClock(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)))
	if _, err := l.UpdateTokenUsage("demo", TokenDelta{Input: 1}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	l.SetClock(fixedClock(time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)))
	if _, err := l.UpdateTokenUsage("demo", TokenDelta{Input: 2}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	l.SetClock(fixedClock(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)))
	if _, err := l.LoadUsage("demo"); err != nil {
		t.Fatalf("load: %v", err)
	}

	hist, err := l.History("demo")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].Period != "2026-02" || hist[1].Period != "2026-01" {
		periods := []string{}
		for _, h := range hist {
			periods = append(periods, h.Period)
		}
		t.Fatalf("unexpected history order: %v", periods)
	}
}
