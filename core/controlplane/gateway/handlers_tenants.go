package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openclaw/openclaw/core/backup"
	"github.com/openclaw/openclaw/core/infra/logging"
	"github.com/openclaw/openclaw/core/tenancy"
)

func (s *Server) registerTenantMethods() {
	d := s.dispatcher

	d.Register("tenants.create", false, s.handleTenantsCreate)
	d.Register("tenants.list", false, s.handleTenantsList)
	d.Register("tenants.update", false, s.handleTenantsUpdate)
	d.Register("tenants.remove", false, s.handleTenantsRemove)

	d.Register("tenants.get", false, s.handleTenantsGet)
	d.Register("tenants.rotate", false, s.handleTenantsRotate)
	d.Register("tenants.delete", false, s.handleTenantsDelete)
	d.Register("tenants.backup", false, s.handleTenantsBackup)
	d.Register("tenants.backups.list", false, s.handleTenantsBackupsList)
	d.Register("tenants.restore", false, s.handleTenantsRestore)
	d.Register("tenants.prune", false, s.handleTenantsPrune)
	d.Register("tenants.usage", false, s.handleTenantsUsage)
	d.Register("tenants.quota.status", false, s.handleTenantsQuotaStatus)
	d.Register("tenants.usage.history", false, s.handleTenantsUsageHistory)
}

func tenancyError(err error) *Error {
	switch {
	case errors.Is(err, tenancy.ErrNotFound):
		return Errf(CodeNotFound, "tenant not found")
	case errors.Is(err, tenancy.ErrExists):
		return Errf(CodeInvalidRequest, "tenant already exists")
	case errors.Is(err, tenancy.ErrInvalidID):
		return Errf(CodeInvalidRequest, "tenant id must match ^[a-z0-9][a-z0-9_-]{0,31}$")
	case errors.Is(err, tenancy.ErrDisabled):
		return Errf(CodeUnauthorized, "tenant is disabled")
	default:
		return Errf(CodeUnavailable, "%v", err)
	}
}

// tenantSummary strips the token hash from wire responses.
func tenantSummary(t *tenancy.Tenant) map[string]any {
	out := map[string]any{
		"tenantId":  t.ID,
		"createdAt": t.CreatedAt,
		"disabled":  t.Disabled,
	}
	if t.DisplayName != "" {
		out["displayName"] = t.DisplayName
	}
	if t.LastSeenAt != nil {
		out["lastSeenAt"] = t.LastSeenAt
	}
	if t.Quotas != nil {
		out["quotas"] = t.Quotas
	}
	return out
}

// targetTenant resolves which tenant a self-or-admin method operates on.
// Tenant callers may only name themselves; control-plane callers must name
// a tenant explicitly.
func targetTenant(call *Call) (string, *Error) {
	var p struct {
		TenantID string `json:"tenantId"`
	}
	if len(call.Params) > 0 {
		if err := json.Unmarshal(call.Params, &p); err != nil {
			return "", Errf(CodeInvalidRequest, "decode params: %v", err)
		}
	}
	if call.Tenant != nil {
		if p.TenantID != "" && p.TenantID != call.Tenant.TenantID {
			return "", Errf(CodeUnauthorized, "cross-tenant access denied")
		}
		return call.Tenant.TenantID, nil
	}
	if p.TenantID == "" {
		return "", Errf(CodeInvalidRequest, "tenantId required")
	}
	return p.TenantID, nil
}

func (s *Server) handleTenantsCreate(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		TenantID    string `json:"tenantId"`
		DisplayName string `json:"displayName"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	token, tenant, err := s.registry.Create(p.TenantID, p.DisplayName)
	if err != nil {
		return nil, tenancyError(err)
	}
	logging.Info("gateway", "tenant created", "tenant", tenant.ID)
	return map[string]any{"tenant": tenantSummary(tenant), "token": token}, nil
}

func (s *Server) handleTenantsList(_ context.Context, _ *Call) (any, *Error) {
	var out []map[string]any
	for _, id := range s.registry.List() {
		if tenant, ok := s.registry.Get(id); ok {
			out = append(out, tenantSummary(tenant))
		}
	}
	if out == nil {
		out = []map[string]any{}
	}
	return map[string]any{"tenants": out}, nil
}

func (s *Server) handleTenantsUpdate(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		TenantID    string          `json:"tenantId"`
		DisplayName *string         `json:"displayName"`
		Disabled    *bool           `json:"disabled"`
		Quotas      *tenancy.Quotas `json:"quotas"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	tenant, err := s.registry.Update(p.TenantID, tenancy.UpdateRequest{
		DisplayName: p.DisplayName,
		Disabled:    p.Disabled,
		Quotas:      p.Quotas,
	})
	if err != nil {
		return nil, tenancyError(err)
	}
	return tenantSummary(tenant), nil
}

func (s *Server) handleTenantsRemove(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		TenantID   string `json:"tenantId"`
		DeleteData bool   `json:"deleteData"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	if err := s.registry.Remove(p.TenantID, p.DeleteData); err != nil {
		return nil, tenancyError(err)
	}
	logging.Info("gateway", "tenant removed", "tenant", p.TenantID, "deleteData", p.DeleteData)
	return map[string]any{"removed": true}, nil
}

func (s *Server) handleTenantsGet(_ context.Context, call *Call) (any, *Error) {
	tenantID, herr := targetTenant(call)
	if herr != nil {
		return nil, herr
	}
	tenant, ok := s.registry.Get(tenantID)
	if !ok {
		return nil, Errf(CodeNotFound, "tenant not found")
	}
	return tenantSummary(tenant), nil
}

func (s *Server) handleTenantsRotate(_ context.Context, call *Call) (any, *Error) {
	tenantID, herr := targetTenant(call)
	if herr != nil {
		return nil, herr
	}
	token, err := s.registry.Rotate(tenantID)
	if err != nil {
		return nil, tenancyError(err)
	}
	logging.Info("gateway", "tenant token rotated", "tenant", tenantID)
	return map[string]any{"tenantId": tenantID, "token": token}, nil
}

// handleTenantsDelete is tenant self-service removal. Data always goes
// with it: a tenant deleting itself cannot leave orphaned state behind.
func (s *Server) handleTenantsDelete(_ context.Context, call *Call) (any, *Error) {
	if call.Tenant == nil {
		return nil, Errf(CodeInvalidRequest, "tenants.delete requires a tenant token; use tenants.remove")
	}
	if err := s.registry.Remove(call.Tenant.TenantID, true); err != nil {
		return nil, tenancyError(err)
	}
	return map[string]any{"removed": true}, nil
}

func (s *Server) requireBackups() *Error {
	if s.backups == nil {
		return Errf(CodeUnavailable, "no object store configured")
	}
	return nil
}

func (s *Server) handleTenantsBackup(ctx context.Context, call *Call) (any, *Error) {
	if herr := s.requireBackups(); herr != nil {
		return nil, herr
	}
	tenantID, herr := targetTenant(call)
	if herr != nil {
		return nil, herr
	}
	key, err := s.backups.Backup(ctx, tenantID, "")
	if err != nil {
		if errors.Is(err, tenancy.ErrNotFound) {
			return nil, Errf(CodeNotFound, "tenant not found")
		}
		return nil, Errf(CodeUnavailable, "backup failed: %v", err)
	}
	return map[string]any{"key": key}, nil
}

func (s *Server) handleTenantsBackupsList(ctx context.Context, call *Call) (any, *Error) {
	if herr := s.requireBackups(); herr != nil {
		return nil, herr
	}
	tenantID, herr := targetTenant(call)
	if herr != nil {
		return nil, herr
	}
	list, err := s.backups.ListBackups(ctx, tenantID)
	if err != nil {
		return nil, Errf(CodeUnavailable, "list backups: %v", err)
	}
	return map[string]any{"backups": list}, nil
}

func (s *Server) handleTenantsRestore(ctx context.Context, call *Call) (any, *Error) {
	if herr := s.requireBackups(); herr != nil {
		return nil, herr
	}
	var p struct {
		TenantID      string `json:"tenantId"`
		Key           string `json:"key"`
		CreateMissing bool   `json:"createMissing"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	tenantID, herr := targetTenant(call)
	if herr != nil {
		return nil, herr
	}
	// Creating tenants on restore is a control-plane privilege.
	if p.CreateMissing && !call.Client.HasScope(ScopeAdmin) {
		return nil, Errf(CodeUnauthorized, "createMissing requires admin scope")
	}
	opts := backup.RestoreOptions{CreateMissing: p.CreateMissing && call.Tenant == nil}
	if err := s.backups.Restore(ctx, tenantID, p.Key, opts); err != nil {
		if errors.Is(err, tenancy.ErrNotFound) {
			return nil, Errf(CodeNotFound, "tenant not found")
		}
		return nil, Errf(CodeUnavailable, "restore failed: %v", err)
	}
	return map[string]any{"restored": true}, nil
}

// handleTenantsPrune trims a tenant's snapshot history to the newest keep.
func (s *Server) handleTenantsPrune(ctx context.Context, call *Call) (any, *Error) {
	if herr := s.requireBackups(); herr != nil {
		return nil, herr
	}
	var p struct {
		TenantID string `json:"tenantId"`
		Keep     int    `json:"keep"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	tenantID, herr := targetTenant(call)
	if herr != nil {
		return nil, herr
	}
	deleted, err := s.backups.Prune(ctx, tenantID, p.Keep)
	if err != nil {
		return nil, Errf(CodeUnavailable, "prune backups: %v", err)
	}
	logging.Info("gateway", "backups pruned", "tenant", tenantID, "kept", p.Keep, "deleted", deleted)
	return map[string]any{"deleted": deleted}, nil
}

func (s *Server) handleTenantsUsage(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		TenantID    string `json:"tenantId"`
		RefreshDisk bool   `json:"refreshDisk"`
	}
	if len(call.Params) > 0 {
		if err := json.Unmarshal(call.Params, &p); err != nil {
			return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
		}
	}
	tenantID, herr := targetTenant(call)
	if herr != nil {
		return nil, herr
	}
	if _, ok := s.registry.Get(tenantID); !ok {
		return nil, Errf(CodeNotFound, "tenant not found")
	}
	if p.RefreshDisk {
		if _, err := s.ledger.RefreshDiskUsage(tenantID); err != nil {
			return nil, Errf(CodeUnavailable, "disk refresh: %v", err)
		}
	}
	snap, err := s.ledger.LoadUsage(tenantID)
	if err != nil {
		return nil, Errf(CodeUnavailable, "load usage: %v", err)
	}
	return snap, nil
}

func (s *Server) handleTenantsQuotaStatus(_ context.Context, call *Call) (any, *Error) {
	tenantID, herr := targetTenant(call)
	if herr != nil {
		return nil, herr
	}
	tenant, ok := s.registry.Get(tenantID)
	if !ok {
		return nil, Errf(CodeNotFound, "tenant not found")
	}
	status, err := s.ledger.Status(tenantID, tenant.Quotas)
	if err != nil {
		return nil, Errf(CodeUnavailable, "quota status: %v", err)
	}
	return status, nil
}

func (s *Server) handleTenantsUsageHistory(_ context.Context, call *Call) (any, *Error) {
	tenantID, herr := targetTenant(call)
	if herr != nil {
		return nil, herr
	}
	if _, ok := s.registry.Get(tenantID); !ok {
		return nil, Errf(CodeNotFound, "tenant not found")
	}
	history, err := s.ledger.History(tenantID)
	if err != nil {
		return nil, Errf(CodeUnavailable, "usage history: %v", err)
	}
	return map[string]any{"history": history}, nil
}
