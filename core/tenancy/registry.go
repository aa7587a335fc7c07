package tenancy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const registryVersion = 1

// tenantSubdirs is the state tree seeded for every new tenant.
var tenantSubdirs = []string{
	"workspace",
	"agents",
	"memory",
	"plugins",
	"sandboxes",
	"credentials",
	"cron",
	"usage",
}

type registryFile struct {
	Version int                `json:"version"`
	Tenants map[string]*Tenant `json:"tenants"`
}

// Registry persists tenant records in a single JSON document at
// <stateDir>/tenants.json. Every mutation is load-then-mutate-then-save under
// one writer lock; the file is written owner read/write only.
type Registry struct {
	stateDir string
	path     string

	mu       sync.Mutex
	onChange []func(Event)
}

// NewRegistry binds a registry to the given state directory.
func NewRegistry(stateDir string) *Registry {
	return &Registry{
		stateDir: stateDir,
		path:     filepath.Join(stateDir, "tenants.json"),
	}
}

// OnChange registers a hook invoked after disable/remove mutations have been
// persisted. Hooks run outside the registry lock.
func (r *Registry) OnChange(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *Registry) notify(evt Event) {
	r.mu.Lock()
	hooks := make([]func(Event), len(r.onChange))
	copy(hooks, r.onChange)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn(evt)
	}
}

// TenantDir returns the tenant's state directory.
func (r *Registry) TenantDir(tenantID string) string {
	return filepath.Join(r.stateDir, "tenants", tenantID)
}

// StateDir returns the root state directory the registry is bound to.
func (r *Registry) StateDir() string {
	return r.stateDir
}

// load reads the registry file. A missing or unreadable file bootstraps an
// empty registry so first-run installs work without setup.
func (r *Registry) load() *registryFile {
	doc := &registryFile{Version: registryVersion, Tenants: map[string]*Tenant{}}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return doc
	}
	var parsed registryFile
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.Tenants == nil {
		return doc
	}
	parsed.Version = registryVersion
	return &parsed
}

func (r *Registry) save(doc *registryFile) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// Create registers a new tenant, seeds its state tree, and returns the
// plaintext token. The token is not recoverable afterwards.
func (r *Registry) Create(tenantID, displayName string) (string, *Tenant, error) {
	tenantID = strings.ToLower(strings.TrimSpace(tenantID))
	if !IDPattern.MatchString(tenantID) {
		return "", nil, ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.load()
	if _, ok := doc.Tenants[tenantID]; ok {
		return "", nil, ErrExists
	}
	secret, err := mintSecret()
	if err != nil {
		return "", nil, err
	}
	entry := &Tenant{
		ID:          tenantID,
		TokenHash:   HashSecret(secret),
		CreatedAt:   time.Now().UTC(),
		DisplayName: strings.TrimSpace(displayName),
	}
	doc.Tenants[tenantID] = entry
	if err := r.save(doc); err != nil {
		return "", nil, err
	}
	if err := r.seedTenantDir(tenantID); err != nil {
		return "", nil, err
	}
	return TokenString(tenantID, secret), entry, nil
}

func (r *Registry) seedTenantDir(tenantID string) error {
	base := r.TenantDir(tenantID)
	for _, sub := range tenantSubdirs {
		if err := os.MkdirAll(filepath.Join(base, sub), 0o700); err != nil {
			return fmt.Errorf("seed tenant dir: %w", err)
		}
	}
	return nil
}

// Remove deletes a tenant entry and, when deleteData is set, its state tree.
func (r *Registry) Remove(tenantID string, deleteData bool) error {
	r.mu.Lock()
	doc := r.load()
	if _, ok := doc.Tenants[tenantID]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(doc.Tenants, tenantID)
	if err := r.save(doc); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	if deleteData {
		if err := os.RemoveAll(r.TenantDir(tenantID)); err != nil {
			return fmt.Errorf("delete tenant data: %w", err)
		}
	}
	r.notify(Event{Type: EventRemoved, TenantID: tenantID})
	return nil
}

// Rotate replaces the tenant's secret and returns the new plaintext token.
func (r *Registry) Rotate(tenantID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.load()
	entry, ok := doc.Tenants[tenantID]
	if !ok {
		return "", ErrNotFound
	}
	secret, err := mintSecret()
	if err != nil {
		return "", err
	}
	entry.TokenHash = HashSecret(secret)
	if err := r.save(doc); err != nil {
		return "", err
	}
	return TokenString(tenantID, secret), nil
}

// Update overwrites the selected fields of a tenant entry.
func (r *Registry) Update(tenantID string, req UpdateRequest) (*Tenant, error) {
	r.mu.Lock()
	doc := r.load()
	entry, ok := doc.Tenants[tenantID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	disabledNow := false
	if req.DisplayName != nil {
		entry.DisplayName = strings.TrimSpace(*req.DisplayName)
	}
	if req.Disabled != nil {
		disabledNow = *req.Disabled && !entry.Disabled
		entry.Disabled = *req.Disabled
	}
	if req.Quotas != nil {
		entry.Quotas = req.Quotas
	}
	if err := r.save(doc); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	snapshot := *entry
	r.mu.Unlock()

	if disabledNow {
		r.notify(Event{Type: EventDisabled, TenantID: tenantID})
	}
	return &snapshot, nil
}

// Get returns a copy of the tenant entry.
func (r *Registry) Get(tenantID string) (*Tenant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.load().Tenants[tenantID]
	if !ok {
		return nil, false
	}
	snapshot := *entry
	return &snapshot, true
}

// List returns all tenant ids sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc := r.load()
	ids := make([]string, 0, len(doc.Tenants))
	for id := range doc.Tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered tenants.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.load().Tenants)
}

// ValidateToken resolves a wire token to a tenant context. The hash
// comparison is constant time; disabled and unknown tenants fail identically.
func (r *Registry) ValidateToken(token string) (*Context, bool) {
	tenantID, secret, ok := ParseToken(token)
	if !ok {
		return nil, false
	}
	presented := HashSecret(secret)

	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.load()
	entry, ok := doc.Tenants[tenantID]
	if !ok || entry.Disabled {
		return nil, false
	}
	if !hashEqual(entry.TokenHash, presented) {
		return nil, false
	}
	now := time.Now().UTC()
	entry.LastSeenAt = &now
	_ = r.save(doc)

	return &Context{
		TenantID:    tenantID,
		DisplayName: entry.DisplayName,
		StateDir:    r.TenantDir(tenantID),
		Quotas:      entry.Quotas,
	}, true
}
