package usage

import (
	"io/fs"
	"path/filepath"
	"time"
)

// diskCacheTTL matches the admin summary refresh interval. The walk is slow
// on large workspaces, so results are cached and never computed on a
// request's hot path.
const diskCacheTTL = 30 * time.Second

// DiskUsage decomposes a tenant's on-disk footprint.
type DiskUsage struct {
	TotalBytes     int64 `json:"totalBytes"`
	WorkspaceBytes int64 `json:"workspaceBytes"`
	AgentDataBytes int64 `json:"agentDataBytes"`
	MemoryBytes    int64 `json:"memoryBytes"`
}

// RefreshDiskUsage recomputes the tenant's disk usage via a native recursive
// walk and stores the result in the usage snapshot. Only explicit admin or
// tenant refresh requests should call this.
func (l *Ledger) RefreshDiskUsage(tenantID string) (DiskUsage, error) {
	l.diskMu.Lock()
	if entry, ok := l.diskCache[tenantID]; ok && l.now().Sub(entry.at) < diskCacheTTL {
		l.diskMu.Unlock()
		return entry.usage, nil
	}
	l.diskMu.Unlock()

	base := filepath.Join(l.stateDir, "tenants", tenantID)
	du := DiskUsage{
		TotalBytes:     dirSize(base),
		WorkspaceBytes: dirSize(filepath.Join(base, "workspace")),
		AgentDataBytes: dirSize(filepath.Join(base, "agents")),
		MemoryBytes:    dirSize(filepath.Join(base, "memory")),
	}

	l.diskMu.Lock()
	l.diskCache[tenantID] = diskCacheEntry{usage: du, at: l.now()}
	l.diskMu.Unlock()

	_, err := l.mutate(tenantID, func(s *Snapshot) {
		s.DiskBytes = du.TotalBytes
		s.WorkspaceBytes = du.WorkspaceBytes
		s.AgentDataBytes = du.AgentDataBytes
		s.MemoryBytes = du.MemoryBytes
	})
	return du, err
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
