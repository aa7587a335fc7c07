// Package sessionkey implements the key namespace that pins every
// tenant-originated logical session under a tenant prefix. All functions are
// pure; callers decide what to do with the resulting keys.
package sessionkey

import (
	"errors"
	"regexp"
	"strings"
)

const (
	tenantPrefix = "tenant:"
	agentPrefix  = "agent:"

	// DefaultMainKey is the trailing segment used when the caller does not
	// name a specific session.
	DefaultMainKey = "main"

	maxAgentIDLen = 64
)

var invalidAgentChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// ErrTenantMismatch is returned when a key already carries a tenant prefix
// for a different tenant than the authenticated one.
var ErrTenantMismatch = errors.New("session key does not match authenticated tenant")

// NormalizeAgentID collapses invalid characters to '-', clips to 64 chars and
// falls back to DefaultMainKey when nothing usable remains.
func NormalizeAgentID(agentID string) string {
	agentID = strings.ToLower(strings.TrimSpace(agentID))
	agentID = invalidAgentChars.ReplaceAllString(agentID, "-")
	agentID = strings.Trim(agentID, "-")
	if len(agentID) > maxAgentIDLen {
		agentID = agentID[:maxAgentIDLen]
		agentID = strings.Trim(agentID, "-")
	}
	if agentID == "" {
		return DefaultMainKey
	}
	return agentID
}

// BuildTenantKey returns tenant:{tenantID}:agent:{agentID}:{mainKey}.
// mainKey defaults to DefaultMainKey when empty.
func BuildTenantKey(tenantID, agentID, mainKey string) string {
	tenantID = strings.ToLower(strings.TrimSpace(tenantID))
	agentID = NormalizeAgentID(agentID)
	if mainKey == "" {
		mainKey = DefaultMainKey
	}
	return tenantPrefix + tenantID + ":" + agentPrefix + agentID + ":" + mainKey
}

// CronKey returns the session key used for cron-initiated runs. Cron runs live
// in a namespace distinct from user sessions so a job can never resume a
// user's conversation.
func CronKey(tenantID, jobID string) string {
	return tenantPrefix + strings.ToLower(strings.TrimSpace(tenantID)) + ":cron:" + jobID
}

// Parsed is the decomposition of a tenant-form session key.
type Parsed struct {
	TenantID string
	AgentID  string
	Rest     string
}

// ParseTenantKey decomposes tenant:{tenantID}:agent:{agentID}:{rest}. The
// second return is false when the key is not in tenant form.
func ParseTenantKey(key string) (Parsed, bool) {
	if !strings.HasPrefix(key, tenantPrefix) {
		return Parsed{}, false
	}
	rest := key[len(tenantPrefix):]
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return Parsed{}, false
	}
	tenantID := rest[:idx]
	rest = rest[idx+1:]
	if !strings.HasPrefix(rest, agentPrefix) {
		return Parsed{}, false
	}
	rest = rest[len(agentPrefix):]
	idx = strings.Index(rest, ":")
	if idx <= 0 {
		return Parsed{}, false
	}
	return Parsed{TenantID: tenantID, AgentID: rest[:idx], Rest: rest[idx+1:]}, true
}

// TenantOf returns the tenant id of a tenant-form key, or "" for non-tenant
// keys.
func TenantOf(key string) string {
	if !strings.HasPrefix(key, tenantPrefix) {
		return ""
	}
	rest := key[len(tenantPrefix):]
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return ""
	}
	return rest[:idx]
}

// ScopeToTenant forces a session key into the authenticated tenant's
// namespace. With an empty tenantID the key passes through unchanged. A key
// already scoped to the same tenant is returned as-is; a key scoped to a
// different tenant fails with ErrTenantMismatch. Any other key gets the
// tenant prefix prepended. The operation is idempotent.
func ScopeToTenant(sessionKey, tenantID string) (string, error) {
	tenantID = strings.ToLower(strings.TrimSpace(tenantID))
	if tenantID == "" {
		return sessionKey, nil
	}
	if owner := TenantOf(sessionKey); owner != "" {
		if owner == tenantID {
			return sessionKey, nil
		}
		return "", ErrTenantMismatch
	}
	return tenantPrefix + tenantID + ":" + sessionKey, nil
}
