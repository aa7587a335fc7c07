package backup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openclaw/openclaw/core/infra/logging"
	"github.com/openclaw/openclaw/core/tenancy"
)

// Version is stamped into backup object metadata.
const Version = "1"

// Orchestrator moves tenant state directories in and out of the object store.
type Orchestrator struct {
	store    ObjectStore
	registry *tenancy.Registry
	prefix   string
	now      func() time.Time
}

// NewOrchestrator builds an orchestrator. An empty prefix defaults to
// "backups".
func NewOrchestrator(store ObjectStore, registry *tenancy.Registry, prefix string) *Orchestrator {
	if prefix == "" {
		prefix = "backups"
	}
	return &Orchestrator{
		store:    store,
		registry: registry,
		prefix:   strings.TrimSuffix(prefix, "/"),
		now:      time.Now,
	}
}

// SetClock overrides the orchestrator clock. Test hook.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

func (o *Orchestrator) tenantPrefix(tenantID string) string {
	return o.prefix + "/" + tenantID + "/"
}

// defaultKey is {prefix}/{tenantId}/{tenantId}-{ISO timestamp}.tar.gz.
func (o *Orchestrator) defaultKey(tenantID string) string {
	stamp := o.now().UTC().Format("2006-01-02T15-04-05Z")
	return fmt.Sprintf("%s/%s/%s-%s.tar.gz", o.prefix, tenantID, tenantID, stamp)
}

// Backup archives the tenant's state directory and uploads it. Returns the
// object key.
func (o *Orchestrator) Backup(ctx context.Context, tenantID, key string) (string, error) {
	if _, ok := o.registry.Get(tenantID); !ok {
		return "", tenancy.ErrNotFound
	}
	dir := o.registry.TenantDir(tenantID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("tenant state dir missing: %s", dir)
	}

	var buf bytes.Buffer
	if err := writeArchive(dir, &buf); err != nil {
		return "", fmt.Errorf("archive tenant %s: %w", tenantID, err)
	}

	if key == "" {
		key = o.defaultKey(tenantID)
	}
	metadata := map[string]string{
		"tenantId":  tenantID,
		"timestamp": o.now().UTC().Format(time.RFC3339),
		"version":   Version,
	}
	if err := o.store.Put(ctx, key, buf.Bytes(), metadata); err != nil {
		return "", fmt.Errorf("upload backup: %w", err)
	}
	logging.Info("backup", "tenant backed up", "tenant", tenantID, "key", key, "bytes", buf.Len())
	return key, nil
}

// RestoreOptions controls Restore behavior.
type RestoreOptions struct {
	// CreateMissing registers the tenant when it does not exist. Admin-only;
	// callers enforce that.
	CreateMissing bool
}

// Restore fetches a backup object and extracts it into the tenant's state
// directory. The directory contents are cleared first; extraction applies
// the path-traversal filter.
func (o *Orchestrator) Restore(ctx context.Context, tenantID, key string, opts RestoreOptions) error {
	if _, ok := o.registry.Get(tenantID); !ok {
		if !opts.CreateMissing {
			return tenancy.ErrNotFound
		}
		if _, _, err := o.registry.Create(tenantID, ""); err != nil {
			return fmt.Errorf("create tenant for restore: %w", err)
		}
	}

	body, err := o.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("fetch backup %s: %w", key, err)
	}

	dir := o.registry.TenantDir(tenantID)
	if err := clearDir(dir); err != nil {
		return fmt.Errorf("clear state dir: %w", err)
	}
	if err := extractArchive(bytes.NewReader(body), dir); err != nil {
		return fmt.Errorf("extract backup: %w", err)
	}
	logging.Info("backup", "tenant restored", "tenant", tenantID, "key", key)
	return nil
}

// ListBackups returns the tenant's snapshots sorted newest first.
func (o *Orchestrator) ListBackups(ctx context.Context, tenantID string) ([]ObjectInfo, error) {
	objects, err := o.store.List(ctx, o.tenantPrefix(tenantID))
	if err != nil {
		return nil, err
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.After(objects[j].LastModified)
	})
	return objects, nil
}

// DeleteBackup removes one snapshot. The key must live under the tenant's
// prefix.
func (o *Orchestrator) DeleteBackup(ctx context.Context, tenantID, key string) error {
	if !strings.HasPrefix(key, o.tenantPrefix(tenantID)) {
		return fmt.Errorf("key %q outside tenant prefix", key)
	}
	return o.store.Delete(ctx, key)
}

// Prune deletes the oldest snapshots beyond keepCount.
func (o *Orchestrator) Prune(ctx context.Context, tenantID string, keepCount int) (int, error) {
	if keepCount < 0 {
		keepCount = 0
	}
	objects, err := o.ListBackups(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, obj := range objects[min(keepCount, len(objects)):] {
		if err := o.store.Delete(ctx, obj.Key); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// clearDir removes the directory's contents without removing the directory.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o700)
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
