package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/openclaw/openclaw/core/backup"
	"github.com/openclaw/openclaw/core/infra/buildinfo"
)

// internalBodyLimit caps control-plane request bodies.
const internalBodyLimit = 64 << 10

const internalPrefix = "/internal/v1"

func writeInternalError(w http.ResponseWriter, status int, err *Error) {
	writeJSON(w, status, map[string]any{"error": err})
}

// internalAuth checks X-Control-Plane-Token in constant time. An
// unconfigured token denies everything.
func (s *Server) internalAuth(w http.ResponseWriter, r *http.Request) bool {
	if tokenEqual(s.cfg.ControlPlaneToken, r.Header.Get("X-Control-Plane-Token")) {
		return true
	}
	writeInternalError(w, http.StatusUnauthorized, Errf(CodeUnauthorized, "invalid control-plane token"))
	return false
}

// handleInternal routes the /internal/v1 API.
func (s *Server) handleInternal(w http.ResponseWriter, r *http.Request) {
	if !s.internalAuth(w, r) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, internalBodyLimit)

	rest := strings.TrimPrefix(r.URL.Path, internalPrefix)
	rest = strings.Trim(rest, "/")
	parts := []string{}
	if rest != "" {
		parts = strings.SplitN(rest, "/", 4)
	}

	switch {
	case len(parts) == 1 && parts[0] == "status":
		s.internalStatus(w, r)
	case len(parts) >= 1 && parts[0] == "tenants":
		s.internalTenants(w, r, parts[1:])
	default:
		writeInternalError(w, http.StatusNotFound, Errf(CodeNotFound, "unknown path"))
	}
}

func (s *Server) internalStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeInternalError(w, http.StatusMethodNotAllowed, Errf(CodeInvalidRequest, "GET required"))
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	payload := map[string]any{
		"version":       buildinfo.Version,
		"capabilities":  []string{"terminal", "cron", "backup", "chat", "usage"},
		"tenants":       s.registry.Count(),
		"connections":   s.clients.Count(),
		"terminals":     s.terminals.Count(),
		"goroutines":    runtime.NumGoroutine(),
		"heapBytes":     mem.HeapAlloc,
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
	}
	if s.collector != nil {
		payload["system"] = s.collector.Current()
	}
	writeJSON(w, http.StatusOK, payload)
}

// internalTenants handles /tenants, /tenants/{id} and its subresources.
func (s *Server) internalTenants(w http.ResponseWriter, r *http.Request, parts []string) {
	switch len(parts) {
	case 0:
		if r.Method != http.MethodGet {
			writeInternalError(w, http.StatusMethodNotAllowed, Errf(CodeInvalidRequest, "GET required"))
			return
		}
		var out []map[string]any
		for _, id := range s.registry.List() {
			if tenant, ok := s.registry.Get(id); ok {
				out = append(out, tenantSummary(tenant))
			}
		}
		if out == nil {
			out = []map[string]any{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"tenants": out})
	case 1:
		s.internalTenant(w, r, parts[0])
	default:
		s.internalTenantSub(w, r, parts[0], parts[1:])
	}
}

func (s *Server) internalTenant(w http.ResponseWriter, r *http.Request, tenantID string) {
	switch r.Method {
	case http.MethodGet:
		tenant, ok := s.registry.Get(tenantID)
		if !ok {
			writeInternalError(w, http.StatusNotFound, Errf(CodeNotFound, "tenant not found"))
			return
		}
		writeJSON(w, http.StatusOK, tenantSummary(tenant))
	case http.MethodPost:
		var body struct {
			DisplayName string `json:"displayName"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeInternalError(w, http.StatusBadRequest, Errf(CodeInvalidRequest, "%v", err))
			return
		}
		token, tenant, err := s.registry.Create(tenantID, body.DisplayName)
		if err != nil {
			s.writeTenancyHTTPError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"tenant": tenantSummary(tenant), "token": token})
	case http.MethodDelete:
		deleteData := r.URL.Query().Get("deleteData") == "true"
		if err := s.registry.Remove(tenantID, deleteData); err != nil {
			s.writeTenancyHTTPError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": true})
	default:
		writeInternalError(w, http.StatusMethodNotAllowed, Errf(CodeInvalidRequest, "unsupported method"))
	}
}

func (s *Server) internalTenantSub(w http.ResponseWriter, r *http.Request, tenantID string, parts []string) {
	switch parts[0] {
	case "rotate":
		if r.Method != http.MethodPost {
			writeInternalError(w, http.StatusMethodNotAllowed, Errf(CodeInvalidRequest, "POST required"))
			return
		}
		token, err := s.registry.Rotate(tenantID)
		if err != nil {
			s.writeTenancyHTTPError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tenantId": tenantID, "token": token})
	case "backup":
		if r.Method != http.MethodPost {
			writeInternalError(w, http.StatusMethodNotAllowed, Errf(CodeInvalidRequest, "POST required"))
			return
		}
		if s.backups == nil {
			writeInternalError(w, http.StatusServiceUnavailable, Errf(CodeUnavailable, "no object store configured"))
			return
		}
		key, err := s.backups.Backup(r.Context(), tenantID, "")
		if err != nil {
			s.writeTenancyHTTPError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key})
	case "restore":
		if r.Method != http.MethodPost {
			writeInternalError(w, http.StatusMethodNotAllowed, Errf(CodeInvalidRequest, "POST required"))
			return
		}
		if s.backups == nil {
			writeInternalError(w, http.StatusServiceUnavailable, Errf(CodeUnavailable, "no object store configured"))
			return
		}
		var body struct {
			Key           string `json:"key"`
			CreateMissing bool   `json:"createMissing"`
		}
		if err := decodeBody(r, &body); err != nil || body.Key == "" {
			writeInternalError(w, http.StatusBadRequest, Errf(CodeInvalidRequest, "key required"))
			return
		}
		opts := backup.RestoreOptions{CreateMissing: body.CreateMissing}
		if err := s.backups.Restore(r.Context(), tenantID, body.Key, opts); err != nil {
			s.writeTenancyHTTPError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"restored": true})
	case "backups":
		if s.backups == nil {
			writeInternalError(w, http.StatusServiceUnavailable, Errf(CodeUnavailable, "no object store configured"))
			return
		}
		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				writeInternalError(w, http.StatusMethodNotAllowed, Errf(CodeInvalidRequest, "GET required"))
				return
			}
			list, err := s.backups.ListBackups(r.Context(), tenantID)
			if err != nil {
				writeInternalError(w, http.StatusBadGateway, Errf(CodeUnavailable, "%v", err))
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"backups": list})
			return
		}
		if r.Method != http.MethodDelete {
			writeInternalError(w, http.StatusMethodNotAllowed, Errf(CodeInvalidRequest, "DELETE required"))
			return
		}
		key := strings.Join(parts[1:], "/")
		if err := s.backups.DeleteBackup(r.Context(), tenantID, key); err != nil {
			writeInternalError(w, http.StatusBadRequest, Errf(CodeInvalidRequest, "%v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		writeInternalError(w, http.StatusNotFound, Errf(CodeNotFound, "unknown path"))
	}
}

func (s *Server) writeTenancyHTTPError(w http.ResponseWriter, err error) {
	herr := tenancyError(err)
	status := http.StatusBadGateway
	switch herr.Code {
	case CodeNotFound:
		status = http.StatusNotFound
	case CodeInvalidRequest:
		status = http.StatusBadRequest
	case CodeUnauthorized:
		status = http.StatusForbidden
	}
	writeInternalError(w, status, herr)
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
