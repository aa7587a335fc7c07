package gateway

import "strings"

// Operator scopes.
const (
	ScopeRead      = "operator.read"
	ScopeWrite     = "operator.write"
	ScopeAdmin     = "operator.admin"
	ScopeApprovals = "operator.approvals"
	ScopePairing   = "operator.pairing"
)

// nodeMethods is the only surface a node-role connection may call.
var nodeMethods = map[string]bool{
	"health":            true,
	"node.event":        true,
	"node.pair.request": true,
	"node.pair.list":    true,
}

// tenantMethods is the fixed allow-list for tenant-authenticated
// connections. Anything outside this set is rejected for tenant tokens no
// matter what scopes the connection carries.
var tenantMethods = map[string]bool{
	"health": true,

	"chat.send": true,

	"terminal.spawn":  true,
	"terminal.write":  true,
	"terminal.resize": true,
	"terminal.close":  true,
	"terminal.list":   true,

	"tenants.get":           true,
	"tenants.rotate":        true,
	"tenants.backup":        true,
	"tenants.backups.list":  true,
	"tenants.restore":       true,
	"tenants.delete":        true,
	"tenants.usage":         true,
	"tenants.quota.status":  true,
	"tenants.usage.history": true,

	"config.get":    true,
	"config.set":    true,
	"config.patch":  true,
	"config.schema": true,

	"agents.list":   true,
	"agents.get":    true,
	"agents.create": true,
	"agents.update": true,
	"agents.delete": true,

	"sessions.list":    true,
	"sessions.preview": true,

	"cron.list":   true,
	"cron.get":    true,
	"cron.add":    true,
	"cron.update": true,
	"cron.remove": true,
	"cron.run":    true,

	"skills.list":   true,
	"skills.get":    true,
	"skills.create": true,
	"skills.update": true,
	"skills.delete": true,

	"channels.start":  true,
	"channels.stop":   true,
	"channels.status": true,
	"channels.logout": true,

	"voicewake.get": true,
	"voicewake.set": true,

	"device.pair.request": true,
	"device.pair.approve": true,
	"device.pair.list":    true,

	"node.pair.request": true,
	"node.pair.approve": true,
	"node.pair.list":    true,
}

// approvalMethods require the approvals scope.
var approvalMethods = map[string]bool{
	"device.pair.approve": true,
	"node.pair.approve":   true,
}

// pairingMethods require the pairing scope (approve is covered above).
var pairingMethods = map[string]bool{
	"device.pair.request": true,
	"device.pair.list":    true,
	"node.pair.request":   true,
	"node.pair.list":      true,
}

// adminOnlyPrefixes always require the admin scope, checked last.
var adminOnlyPrefixes = []string{
	"wizard.",
	"tools.",
	"status",
	"tenants.create",
	"tenants.list",
	"tenants.update",
	"tenants.remove",
	"tenants.prune",
}

// readVerbs classify a method as read-only by its last segment.
var readVerbs = map[string]bool{
	"get":     true,
	"list":    true,
	"status":  true,
	"preview": true,
	"schema":  true,
	"usage":   true,
	"history": true,
	"health":  true,
}

func isReadMethod(method string) bool {
	if method == "health" || method == "status" {
		return true
	}
	parts := strings.Split(method, ".")
	return readVerbs[parts[len(parts)-1]]
}

// Authorize decides whether the connection may invoke the method. Checks
// run in a fixed order; the tenant allow-list is the load-bearing rail.
func Authorize(method string, c *Client) *Error {
	if c == nil {
		return Errf(CodeUnauthorized, "no connection identity")
	}

	// 1. Node connections get the node surface only.
	if c.Role == RoleNode {
		if nodeMethods[method] {
			return nil
		}
		return Errf(CodeUnauthorized, "method %s not available for node role", method)
	}

	// 2. Everything else must be an operator. Fail closed on a missing role.
	if c.Role != RoleOperator {
		return Errf(CodeUnauthorized, "connection role required")
	}

	// 3. Tenant tokens are confined to the allow-list regardless of scope.
	if c.TenantID != "" && !tenantMethods[method] {
		return Errf(CodeInvalidRequest, "method not available for tenant token: %s", method)
	}

	// 4. Admin scope clears the remaining checks.
	if c.HasScope(ScopeAdmin) {
		return nil
	}

	// 5. Scoped method families.
	if approvalMethods[method] {
		if c.HasScope(ScopeApprovals) {
			return nil
		}
		return Errf(CodeUnauthorized, "method %s requires approvals scope", method)
	}
	if pairingMethods[method] {
		if c.HasScope(ScopePairing) {
			return nil
		}
		return Errf(CodeUnauthorized, "method %s requires pairing scope", method)
	}

	// 7 (checked before the generic rule so admin-only names never fall
	// through to read/write scopes).
	for _, prefix := range adminOnlyPrefixes {
		if strings.HasPrefix(method, prefix) {
			return Errf(CodeUnauthorized, "method %s requires admin scope", method)
		}
	}

	// 6. Reads need read or write; writes need write.
	if isReadMethod(method) {
		if c.HasScope(ScopeRead) || c.HasScope(ScopeWrite) {
			return nil
		}
		return Errf(CodeUnauthorized, "method %s requires read scope", method)
	}
	if c.HasScope(ScopeWrite) {
		return nil
	}
	return Errf(CodeUnauthorized, "method %s requires write scope", method)
}
