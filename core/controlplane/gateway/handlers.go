package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"runtime"
	"time"

	"github.com/openclaw/openclaw/core/agent"
	"github.com/openclaw/openclaw/core/controlplane/scheduler"
	"github.com/openclaw/openclaw/core/infra/buildinfo"
	"github.com/openclaw/openclaw/core/infra/logging"
	"github.com/openclaw/openclaw/core/sessionkey"
	"github.com/openclaw/openclaw/core/terminal"
	"github.com/openclaw/openclaw/core/usage"
)

// registerMethods installs the full RPC surface on the dispatcher.
func (s *Server) registerMethods() {
	d := s.dispatcher

	d.Register("health", false, s.handleHealth)
	d.Register("status", false, s.handleStatus)
	d.Register("node.event", false, s.handleNodeEvent)
	d.Register("wizard.start", false, s.handleWizardStart)
	d.Register("tools.invoke", false, s.handleToolsInvokeRPC)
	d.Register("chat.send", true, s.handleChatSend)

	d.Register("terminal.spawn", true, s.handleTerminalSpawn)
	d.Register("terminal.write", false, s.handleTerminalWrite)
	d.Register("terminal.resize", false, s.handleTerminalResize)
	d.Register("terminal.close", false, s.handleTerminalClose)
	d.Register("terminal.list", false, s.handleTerminalList)

	d.Register("cron.list", false, s.handleCronList)
	d.Register("cron.get", false, s.handleCronGet)
	d.Register("cron.add", false, s.handleCronAdd)
	d.Register("cron.update", false, s.handleCronUpdate)
	d.Register("cron.remove", false, s.handleCronRemove)
	d.Register("cron.run", true, s.handleCronRun)

	s.registerTenantMethods()
	s.registerStateMethods()
}

// callerOf maps the connection to a terminal-manager caller identity.
func callerOf(c *Client) terminal.Caller {
	return terminal.Caller{
		TenantID: c.TenantID,
		ConnID:   c.ID,
		Admin:    c.HasScope(ScopeAdmin),
	}
}

func (s *Server) handleHealth(_ context.Context, _ *Call) (any, *Error) {
	return map[string]any{"status": "ok", "version": buildinfo.Version}, nil
}

func (s *Server) handleStatus(_ context.Context, _ *Call) (any, *Error) {
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
	return payload, nil
}

func (s *Server) handleNodeEvent(_ context.Context, call *Call) (any, *Error) {
	// Node telemetry is fanned out to operators and acknowledged.
	s.clients.Broadcast("node.event", json.RawMessage(call.Params), true)
	return map[string]any{"accepted": true}, nil
}

func (s *Server) handleWizardStart(_ context.Context, _ *Call) (any, *Error) {
	return map[string]any{
		"wizard": "setup",
		"steps":  []string{"object-store", "default-agent", "first-tenant"},
	}, nil
}

// handleToolsInvokeRPC is admin-only via the authorizer; tenant tokens are
// already rejected before it runs.
func (s *Server) handleToolsInvokeRPC(_ context.Context, call *Call) (any, *Error) {
	var params struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	}
	if err := json.Unmarshal(call.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	switch params.Tool {
	case "disk.refresh":
		tenantID, _ := params.Args["tenantId"].(string)
		if tenantID == "" {
			return nil, Errf(CodeInvalidRequest, "disk.refresh requires args.tenantId")
		}
		du, err := s.ledger.RefreshDiskUsage(tenantID)
		if err != nil {
			return nil, Errf(CodeUnavailable, "disk refresh: %v", err)
		}
		return du, nil
	default:
		return nil, Errf(CodeNotFound, "unknown tool: %s", params.Tool)
	}
}

type chatParams struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId"`
}

// resolveChat works out the effective session key and agent for a chat
// call. Tenant callers are confined to their own namespace.
func (s *Server) resolveChat(call *Call, p chatParams) (key, agentID string, herr *Error) {
	agentID = p.AgentID
	if agentID == "" {
		agentID = s.cfg.DefaultAgentID
	}
	agentID = sessionkey.NormalizeAgentID(agentID)

	if call.Tenant == nil {
		if p.SessionKey != "" {
			return p.SessionKey, agentID, nil
		}
		return "agent:" + agentID + ":main", agentID, nil
	}

	if p.SessionKey == "" {
		return sessionkey.BuildTenantKey(call.Tenant.TenantID, agentID, ""), agentID, nil
	}
	scoped, err := sessionkey.ScopeToTenant(p.SessionKey, call.Tenant.TenantID)
	if err != nil {
		return "", "", Errf(CodeUnauthorized, "%v", err)
	}
	if parsed, ok := sessionkey.ParseTenantKey(scoped); ok && parsed.AgentID != "" {
		agentID = parsed.AgentID
	}
	return scoped, agentID, nil
}

func (s *Server) handleChatSend(ctx context.Context, call *Call) (any, *Error) {
	var p chatParams
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	key, agentID, herr := s.resolveChat(call, p)
	if herr != nil {
		return nil, herr
	}

	tenantID := ""
	if call.Tenant != nil {
		tenantID = call.Tenant.TenantID
	}
	result, err := s.runner.Run(ctx, agent.RunRequest{
		SessionKey: key,
		AgentID:    agentID,
		TenantID:   tenantID,
		Prompt:     p.Message,
		Source:     "chat",
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, Errf(CodeAgentTimeout, "agent did not answer in time")
		}
		return nil, Errf(CodeUnavailable, "agent run failed: %v", err)
	}

	store := newStateStore(s.stateRoot(call))
	now := time.Now().UTC()
	for _, line := range []TranscriptLine{
		{Timestamp: now, Role: "user", Text: p.Message},
		{Timestamp: now, Role: "assistant", Text: result.Text},
	} {
		if err := store.AppendTranscript(key, line); err != nil {
			logging.Warn("gateway", "transcript append failed", "session", key, "error", err)
			break
		}
	}
	if tenantID != "" {
		if _, err := s.ledger.UpdateTokenUsage(tenantID, usage.TokenDelta{
			Input:    result.InputTokens,
			Output:   result.OutputTokens,
			Messages: 1,
		}); err != nil {
			logging.Warn("gateway", "usage update failed", "tenant", tenantID, "error", err)
		}
	}
	return map[string]any{
		"text":       result.Text,
		"model":      result.Model,
		"sessionKey": key,
		"usage": map[string]int64{
			"inputTokens":  result.InputTokens,
			"outputTokens": result.OutputTokens,
		},
	}, nil
}

// --- terminal ---

func terminalError(err error) *Error {
	switch {
	case errors.Is(err, terminal.ErrNotFound):
		return Errf(CodeNotFound, "terminal not found")
	case errors.Is(err, terminal.ErrUnauthorized):
		return Errf(CodeUnauthorized, "terminal access denied")
	case errors.Is(err, terminal.ErrNoTenant):
		return Errf(CodeUnauthorized, "terminal.spawn requires a tenant context")
	case errors.Is(err, terminal.ErrUnavailable):
		return Errf(CodeUnavailable, "%v", err)
	default:
		return Errf(CodeUnavailable, "%v", err)
	}
}

func (s *Server) handleTerminalSpawn(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		Cols  int               `json:"cols"`
		Rows  int               `json:"rows"`
		Shell string            `json:"shell"`
		Env   map[string]string `json:"env"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil && len(call.Params) > 0 {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	var env []string
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	var dir string
	if call.Tenant != nil {
		dir = call.Tenant.StateDir
	}
	info, err := s.terminals.Spawn(callerOf(call.Client), terminal.SpawnRequest{
		Cols: p.Cols, Rows: p.Rows, Shell: p.Shell, Env: env, Dir: dir,
	})
	if err != nil {
		return nil, terminalError(err)
	}
	return info, nil
}

func (s *Server) handleTerminalWrite(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		TerminalID string `json:"terminalId"`
		Data       string `json:"data"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	if err := s.terminals.Write(callerOf(call.Client), p.TerminalID, []byte(p.Data)); err != nil {
		return nil, terminalError(err)
	}
	return map[string]any{"written": len(p.Data)}, nil
}

func (s *Server) handleTerminalResize(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		TerminalID string `json:"terminalId"`
		Cols       int    `json:"cols"`
		Rows       int    `json:"rows"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	if err := s.terminals.Resize(callerOf(call.Client), p.TerminalID, p.Cols, p.Rows); err != nil {
		return nil, terminalError(err)
	}
	return map[string]any{"resized": true}, nil
}

func (s *Server) handleTerminalClose(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		TerminalID string `json:"terminalId"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	if err := s.terminals.Close(callerOf(call.Client), p.TerminalID); err != nil {
		return nil, terminalError(err)
	}
	return map[string]any{"closed": true}, nil
}

func (s *Server) handleTerminalList(_ context.Context, call *Call) (any, *Error) {
	list := s.terminals.List(callerOf(call.Client))
	if list == nil {
		list = []*terminal.Info{}
	}
	return map[string]any{"terminals": list}, nil
}

// --- cron ---

// schedulerFor picks the caller's scheduler: the tenant's (created on
// first use) or the global one for control-plane connections.
func (s *Server) schedulerFor(call *Call) *scheduler.Scheduler {
	if call.Tenant != nil {
		return s.scheds.EnsureTenant(call.Tenant.TenantID)
	}
	return s.scheds.Global()
}

func cronError(err error) *Error {
	if errors.Is(err, scheduler.ErrJobNotFound) {
		return Errf(CodeNotFound, "scheduled job not found")
	}
	return Errf(CodeInvalidRequest, "%v", err)
}

func (s *Server) handleCronList(_ context.Context, call *Call) (any, *Error) {
	jobs := s.schedulerFor(call).List()
	if jobs == nil {
		jobs = []*scheduler.Job{}
	}
	return map[string]any{"jobs": jobs}, nil
}

func (s *Server) handleCronGet(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	job, ok := s.schedulerFor(call).Get(p.JobID)
	if !ok {
		return nil, Errf(CodeNotFound, "scheduled job not found")
	}
	return job, nil
}

func (s *Server) handleCronAdd(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		Name     string `json:"name"`
		Schedule string `json:"schedule"`
		Payload  string `json:"payload"`
		AgentID  string `json:"agentId"`
		Enabled  *bool  `json:"enabled"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	job, err := s.schedulerFor(call).Add(scheduler.Job{
		Name: p.Name, Schedule: p.Schedule, Payload: p.Payload,
		AgentID: p.AgentID, Enabled: enabled,
	})
	if err != nil {
		return nil, cronError(err)
	}
	return job, nil
}

func (s *Server) handleCronUpdate(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		JobID    string  `json:"jobId"`
		Name     *string `json:"name"`
		Schedule *string `json:"schedule"`
		Payload  *string `json:"payload"`
		AgentID  *string `json:"agentId"`
		Enabled  *bool   `json:"enabled"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	job, err := s.schedulerFor(call).Update(p.JobID, scheduler.UpdateRequest{
		Name: p.Name, Schedule: p.Schedule, Payload: p.Payload,
		AgentID: p.AgentID, Enabled: p.Enabled,
	})
	if err != nil {
		return nil, cronError(err)
	}
	return job, nil
}

func (s *Server) handleCronRemove(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	if err := s.schedulerFor(call).Remove(p.JobID); err != nil {
		return nil, cronError(err)
	}
	return map[string]any{"removed": true}, nil
}

func (s *Server) handleCronRun(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	rec, err := s.schedulerFor(call).Run(p.JobID)
	if err != nil {
		return nil, cronError(err)
	}
	return rec, nil
}

// stateRoot is the directory the caller's JSON stores live under.
func (s *Server) stateRoot(call *Call) string {
	if call.Tenant != nil {
		return call.Tenant.StateDir
	}
	return s.registry.StateDir()
}

// notFoundOr maps os.ErrNotExist to NOT_FOUND and anything else to
// UNAVAILABLE.
func notFoundOr(err error, what string) *Error {
	if errors.Is(err, os.ErrNotExist) {
		return Errf(CodeNotFound, "%s not found", what)
	}
	return Errf(CodeUnavailable, "%v", err)
}
