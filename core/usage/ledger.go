// Package usage tracks per-tenant consumption: monthly usage snapshots,
// sliding-window rate limits, and quota checks. All state lives in JSON files
// under the tenant's usage directory; locks are sharded by tenant so slow
// tenants never serialize unrelated ones.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openclaw/openclaw/core/tenancy"
)

// Snapshot is the per-tenant, per-period usage document.
type Snapshot struct {
	Period string `json:"period"` // YYYY-MM, UTC

	InputTokens      int64 `json:"inputTokens"`
	OutputTokens     int64 `json:"outputTokens"`
	CacheReadTokens  int64 `json:"cacheReadTokens"`
	CacheWriteTokens int64 `json:"cacheWriteTokens"`
	TotalTokens      int64 `json:"totalTokens"`
	CostCents        int64 `json:"costCents"`

	DiskBytes      int64 `json:"diskBytes"`
	WorkspaceBytes int64 `json:"workspaceBytes"`
	AgentDataBytes int64 `json:"agentDataBytes"`
	MemoryBytes    int64 `json:"memoryBytes"`

	ActiveSessions int   `json:"activeSessions"`
	TotalSessions  int64 `json:"totalSessions"`
	Messages       int64 `json:"messages"`

	RequestsTotal      int64 `json:"requestsTotal"`
	RequestsThisMinute int   `json:"requestsThisMinute"`
	RequestsThisHour   int   `json:"requestsThisHour"`

	SandboxCPUSeconds      float64 `json:"sandboxCpuSeconds"`
	SandboxPeakMemoryBytes int64   `json:"sandboxPeakMemoryBytes"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// TokenDelta is a monotonic addition to the token counters.
type TokenDelta struct {
	Input      int64
	Output     int64
	CacheRead  int64
	CacheWrite int64
	CostCents  int64
	Messages   int64
}

// Ledger owns the usage files of all tenants under a state directory.
type Ledger struct {
	stateDir string
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	diskMu    sync.Mutex
	diskCache map[string]diskCacheEntry
}

type diskCacheEntry struct {
	usage DiskUsage
	at    time.Time
}

// NewLedger returns a ledger rooted at the given state directory.
func NewLedger(stateDir string) *Ledger {
	return &Ledger{
		stateDir:  stateDir,
		now:       time.Now,
		locks:     map[string]*sync.Mutex{},
		diskCache: map[string]diskCacheEntry{},
	}
}

// SetClock overrides the ledger clock. Test hook.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Ledger) lock(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tenantID] = m
	}
	return m
}

func (l *Ledger) usageDir(tenantID string) string {
	return filepath.Join(l.stateDir, "tenants", tenantID, "usage")
}

func (l *Ledger) currentPath(tenantID string) string {
	return filepath.Join(l.usageDir(tenantID), "current.json")
}

func (l *Ledger) archivePath(tenantID, period string) string {
	return filepath.Join(l.usageDir(tenantID), period+".json")
}

func periodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// LoadUsage returns the current-period snapshot, archiving and resetting when
// the stored snapshot belongs to an earlier period.
func (l *Ledger) LoadUsage(tenantID string) (*Snapshot, error) {
	m := l.lock(tenantID)
	m.Lock()
	defer m.Unlock()
	return l.loadLocked(tenantID)
}

func (l *Ledger) loadLocked(tenantID string) (*Snapshot, error) {
	period := periodOf(l.now())
	snap := &Snapshot{Period: period}

	data, err := os.ReadFile(l.currentPath(tenantID))
	if err == nil {
		var stored Snapshot
		if json.Unmarshal(data, &stored) == nil && stored.Period != "" {
			if stored.Period == period {
				return &stored, nil
			}
			// Month rolled over: archive under the old period label.
			if err := l.writeFile(l.archivePath(tenantID, stored.Period), &stored); err != nil {
				return nil, fmt.Errorf("archive usage period %s: %w", stored.Period, err)
			}
		}
	}
	if err := l.writeFile(l.currentPath(tenantID), snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (l *Ledger) writeFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create usage dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (l *Ledger) mutate(tenantID string, fn func(*Snapshot)) (*Snapshot, error) {
	m := l.lock(tenantID)
	m.Lock()
	defer m.Unlock()

	snap, err := l.loadLocked(tenantID)
	if err != nil {
		return nil, err
	}
	fn(snap)
	snap.TotalTokens = snap.InputTokens + snap.OutputTokens + snap.CacheReadTokens + snap.CacheWriteTokens
	snap.UpdatedAt = l.now().UTC()
	if err := l.writeFile(l.currentPath(tenantID), snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// UpdateTokenUsage adds token and cost counters.
func (l *Ledger) UpdateTokenUsage(tenantID string, delta TokenDelta) (*Snapshot, error) {
	return l.mutate(tenantID, func(s *Snapshot) {
		s.InputTokens += delta.Input
		s.OutputTokens += delta.Output
		s.CacheReadTokens += delta.CacheRead
		s.CacheWriteTokens += delta.CacheWrite
		s.CostCents += delta.CostCents
		s.Messages += delta.Messages
	})
}

// UpdateSessionCount adjusts the active session gauge. Decrements clamp at
// zero; increments also bump the lifetime session counter.
func (l *Ledger) UpdateSessionCount(tenantID string, delta int) (*Snapshot, error) {
	return l.mutate(tenantID, func(s *Snapshot) {
		s.ActiveSessions += delta
		if s.ActiveSessions < 0 {
			s.ActiveSessions = 0
		}
		if delta > 0 {
			s.TotalSessions += int64(delta)
		}
	})
}

// UpdateSandboxUsage adds sandbox CPU seconds and raises the peak memory
// watermark.
func (l *Ledger) UpdateSandboxUsage(tenantID string, cpuSeconds float64, peakMemoryBytes int64) (*Snapshot, error) {
	return l.mutate(tenantID, func(s *Snapshot) {
		s.SandboxCPUSeconds += cpuSeconds
		if peakMemoryBytes > s.SandboxPeakMemoryBytes {
			s.SandboxPeakMemoryBytes = peakMemoryBytes
		}
	})
}

// History returns archived period snapshots, newest first.
func (l *Ledger) History(tenantID string) ([]*Snapshot, error) {
	entries, err := os.ReadDir(l.usageDir(tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == "current.json" || name == "rate-limits.json" || filepath.Ext(name) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.usageDir(tenantID), name))
		if err != nil {
			continue
		}
		var snap Snapshot
		if json.Unmarshal(data, &snap) == nil && snap.Period != "" {
			out = append(out, &snap)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Percent returns used/limit*100 without clamping; callers distinguish
// "approaching" from "over".
func Percent(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}

// QuotaStatus summarizes a tenant's position against its quotas.
type QuotaStatus struct {
	Period        string   `json:"period"`
	TokensUsed    int64    `json:"tokensUsed"`
	TokensLimit   *int64   `json:"tokensLimit,omitempty"`
	TokensPercent *float64 `json:"tokensPercent,omitempty"`
	CostCents     int64    `json:"costCents"`
	CostLimit     *int64   `json:"costLimit,omitempty"`
	CostPercent   *float64 `json:"costPercent,omitempty"`
	DiskBytes     int64    `json:"diskBytes"`
	DiskLimit     *int64   `json:"diskLimit,omitempty"`
	Sessions      int      `json:"sessions"`
	SessionsLimit *int     `json:"sessionsLimit,omitempty"`
}

// Status computes the quota status report for a tenant.
func (l *Ledger) Status(tenantID string, quotas *tenancy.Quotas) (*QuotaStatus, error) {
	snap, err := l.LoadUsage(tenantID)
	if err != nil {
		return nil, err
	}
	status := &QuotaStatus{
		Period:     snap.Period,
		TokensUsed: snap.TotalTokens,
		CostCents:  snap.CostCents,
		DiskBytes:  snap.DiskBytes,
		Sessions:   snap.ActiveSessions,
	}
	if quotas == nil {
		return status, nil
	}
	if quotas.MonthlyTokens != nil {
		status.TokensLimit = quotas.MonthlyTokens
		pct := Percent(snap.TotalTokens, *quotas.MonthlyTokens)
		status.TokensPercent = &pct
	}
	if quotas.MonthlyCostCents != nil {
		status.CostLimit = quotas.MonthlyCostCents
		pct := Percent(snap.CostCents, *quotas.MonthlyCostCents)
		status.CostPercent = &pct
	}
	status.DiskLimit = quotas.DiskBytes
	status.SessionsLimit = quotas.ConcurrentSessions
	return status, nil
}
