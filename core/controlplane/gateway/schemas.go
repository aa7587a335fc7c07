package gateway

import "github.com/openclaw/openclaw/core/infra/schema"

func obj(required []string, props map[string]any) map[string]any {
	def := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
	}
	if len(required) > 0 {
		def["required"] = required
	}
	return def
}

func str() map[string]any   { return map[string]any{"type": "string"} }
func boolT() map[string]any { return map[string]any{"type": "boolean"} }
func intT() map[string]any  { return map[string]any{"type": "integer"} }

var tenantIDSchema = map[string]any{
	"type":    "string",
	"pattern": "^[a-z0-9][a-z0-9_-]{0,31}$",
}

// methodSchemas validates params before a handler runs. Methods absent
// from the table take a bare object.
var methodSchemas = map[string]*schema.Compiled{
	"chat.send": schema.MustCompile("chat.send", obj(
		[]string{"message"},
		map[string]any{
			"message":    map[string]any{"type": "string", "minLength": 1},
			"sessionKey": str(),
			"agentId":    str(),
		})),

	"terminal.spawn": schema.MustCompile("terminal.spawn", obj(nil, map[string]any{
		"cols":  intT(),
		"rows":  intT(),
		"shell": str(),
		"env":   map[string]any{"type": "object", "additionalProperties": str()},
	})),
	"terminal.write": schema.MustCompile("terminal.write", obj(
		[]string{"terminalId", "data"},
		map[string]any{"terminalId": str(), "data": str()})),
	"terminal.resize": schema.MustCompile("terminal.resize", obj(
		[]string{"terminalId", "cols", "rows"},
		map[string]any{"terminalId": str(), "cols": intT(), "rows": intT()})),
	"terminal.close": schema.MustCompile("terminal.close", obj(
		[]string{"terminalId"},
		map[string]any{"terminalId": str()})),

	"tenants.create": schema.MustCompile("tenants.create", obj(
		[]string{"tenantId"},
		map[string]any{"tenantId": tenantIDSchema, "displayName": str()})),
	"tenants.get": schema.MustCompile("tenants.get", obj(nil,
		map[string]any{"tenantId": tenantIDSchema})),
	"tenants.update": schema.MustCompile("tenants.update", obj(
		[]string{"tenantId"},
		map[string]any{
			"tenantId":    tenantIDSchema,
			"displayName": str(),
			"disabled":    boolT(),
			"quotas":      map[string]any{"type": "object"},
		})),
	"tenants.remove": schema.MustCompile("tenants.remove", obj(
		[]string{"tenantId"},
		map[string]any{"tenantId": tenantIDSchema, "deleteData": boolT()})),
	"tenants.rotate": schema.MustCompile("tenants.rotate", obj(nil,
		map[string]any{"tenantId": tenantIDSchema})),
	"tenants.delete": schema.MustCompile("tenants.delete", obj(nil,
		map[string]any{"deleteData": boolT()})),
	"tenants.backup": schema.MustCompile("tenants.backup", obj(nil,
		map[string]any{"tenantId": tenantIDSchema})),
	"tenants.restore": schema.MustCompile("tenants.restore", obj(
		[]string{"key"},
		map[string]any{
			"tenantId":      tenantIDSchema,
			"key":           str(),
			"createMissing": boolT(),
		})),
	"tenants.backups.list": schema.MustCompile("tenants.backups.list", obj(nil,
		map[string]any{"tenantId": tenantIDSchema})),
	"tenants.prune": schema.MustCompile("tenants.prune", obj(
		[]string{"keep"},
		map[string]any{
			"tenantId": tenantIDSchema,
			"keep":     map[string]any{"type": "integer", "minimum": 1},
		})),
	"tenants.usage": schema.MustCompile("tenants.usage", obj(nil,
		map[string]any{"tenantId": tenantIDSchema, "refreshDisk": boolT()})),
	"tenants.quota.status": schema.MustCompile("tenants.quota.status", obj(nil,
		map[string]any{"tenantId": tenantIDSchema})),
	"tenants.usage.history": schema.MustCompile("tenants.usage.history", obj(nil,
		map[string]any{"tenantId": tenantIDSchema})),

	"config.get": schema.MustCompile("config.get", obj(nil, map[string]any{})),
	"config.set": schema.MustCompile("config.set", obj(
		[]string{"config"},
		map[string]any{"config": map[string]any{"type": "object"}})),
	"config.patch": schema.MustCompile("config.patch", obj(
		[]string{"patch"},
		map[string]any{"patch": map[string]any{"type": "object"}})),

	"agents.get": schema.MustCompile("agents.get", obj(
		[]string{"agentId"}, map[string]any{"agentId": str()})),
	"agents.create": schema.MustCompile("agents.create", obj(
		[]string{"name"},
		map[string]any{"name": str(), "model": str(), "instructions": str()})),
	"agents.update": schema.MustCompile("agents.update", obj(
		[]string{"agentId"},
		map[string]any{"agentId": str(), "name": str(), "model": str(), "instructions": str()})),
	"agents.delete": schema.MustCompile("agents.delete", obj(
		[]string{"agentId"}, map[string]any{"agentId": str()})),

	"sessions.preview": schema.MustCompile("sessions.preview", obj(
		[]string{"sessionKey"},
		map[string]any{"sessionKey": str(), "limit": intT()})),

	"cron.get": schema.MustCompile("cron.get", obj(
		[]string{"jobId"}, map[string]any{"jobId": str()})),
	"cron.add": schema.MustCompile("cron.add", obj(
		[]string{"schedule"},
		map[string]any{
			"name":     str(),
			"schedule": str(),
			"payload":  str(),
			"agentId":  str(),
			"enabled":  boolT(),
		})),
	"cron.update": schema.MustCompile("cron.update", obj(
		[]string{"jobId"},
		map[string]any{
			"jobId":    str(),
			"name":     str(),
			"schedule": str(),
			"payload":  str(),
			"agentId":  str(),
			"enabled":  boolT(),
		})),
	"cron.remove": schema.MustCompile("cron.remove", obj(
		[]string{"jobId"}, map[string]any{"jobId": str()})),
	"cron.run": schema.MustCompile("cron.run", obj(
		[]string{"jobId"}, map[string]any{"jobId": str()})),

	"skills.get": schema.MustCompile("skills.get", obj(
		[]string{"skillId"}, map[string]any{"skillId": str()})),
	"skills.create": schema.MustCompile("skills.create", obj(
		[]string{"name"},
		map[string]any{"name": str(), "description": str(), "source": str()})),
	"skills.update": schema.MustCompile("skills.update", obj(
		[]string{"skillId"},
		map[string]any{"skillId": str(), "name": str(), "description": str(), "source": str()})),
	"skills.delete": schema.MustCompile("skills.delete", obj(
		[]string{"skillId"}, map[string]any{"skillId": str()})),

	"channels.start": schema.MustCompile("channels.start", obj(
		[]string{"channel"}, map[string]any{"channel": str()})),
	"channels.stop": schema.MustCompile("channels.stop", obj(
		[]string{"channel"}, map[string]any{"channel": str()})),
	"channels.logout": schema.MustCompile("channels.logout", obj(
		[]string{"channel"}, map[string]any{"channel": str()})),

	"voicewake.set": schema.MustCompile("voicewake.set", obj(
		[]string{"enabled"},
		map[string]any{"enabled": boolT(), "phrase": str()})),

	"device.pair.request": schema.MustCompile("device.pair.request", obj(
		[]string{"deviceId"},
		map[string]any{"deviceId": str(), "displayName": str()})),
	"device.pair.approve": schema.MustCompile("device.pair.approve", obj(
		[]string{"requestId"}, map[string]any{"requestId": str()})),
	"node.pair.request": schema.MustCompile("node.pair.request", obj(
		[]string{"nodeId"},
		map[string]any{"nodeId": str(), "displayName": str()})),
	"node.pair.approve": schema.MustCompile("node.pair.approve", obj(
		[]string{"requestId"}, map[string]any{"requestId": str()})),

	"tools.invoke": schema.MustCompile("tools.invoke", obj(
		[]string{"tool"},
		map[string]any{"tool": str(), "args": map[string]any{"type": "object"}})),
}
