package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/openclaw/openclaw/core/sessionkey"
)

func (s *Server) registerStateMethods() {
	d := s.dispatcher

	d.Register("config.get", false, s.handleConfigGet)
	d.Register("config.set", false, s.handleConfigSet)
	d.Register("config.patch", false, s.handleConfigPatch)
	d.Register("config.schema", false, s.handleConfigSchema)

	d.Register("agents.list", false, s.handleAgentsList)
	d.Register("agents.get", false, s.handleAgentsGet)
	d.Register("agents.create", false, s.handleAgentsCreate)
	d.Register("agents.update", false, s.handleAgentsUpdate)
	d.Register("agents.delete", false, s.handleAgentsDelete)

	d.Register("sessions.list", false, s.handleSessionsList)
	d.Register("sessions.preview", false, s.handleSessionsPreview)

	d.Register("skills.list", false, s.handleSkillsList)
	d.Register("skills.get", false, s.handleSkillsGet)
	d.Register("skills.create", false, s.handleSkillsCreate)
	d.Register("skills.update", false, s.handleSkillsUpdate)
	d.Register("skills.delete", false, s.handleSkillsDelete)

	d.Register("channels.start", false, s.handleChannelsStart)
	d.Register("channels.stop", false, s.handleChannelsStop)
	d.Register("channels.status", false, s.handleChannelsStatus)
	d.Register("channels.logout", false, s.handleChannelsLogout)

	d.Register("voicewake.get", false, s.handleVoiceWakeGet)
	d.Register("voicewake.set", false, s.handleVoiceWakeSet)

	d.Register("device.pair.request", false, s.pairRequestHandler("device"))
	d.Register("device.pair.approve", false, s.pairApproveHandler("device"))
	d.Register("device.pair.list", false, s.pairListHandler("device"))
	d.Register("node.pair.request", false, s.pairRequestHandler("node"))
	d.Register("node.pair.approve", false, s.pairApproveHandler("node"))
	d.Register("node.pair.list", false, s.pairListHandler("node"))
}

// --- config overlay ---

// reservedOverlayPrefixes are config trees owned by the gateway process
// config file. The per-tenant overlay must not shadow them.
var reservedOverlayPrefixes = []string{"gateway", "controlPlane", "objectStore"}

func reservedOverlayKey(key string) bool {
	for _, prefix := range reservedOverlayPrefixes {
		if key == prefix || strings.HasPrefix(key, prefix+".") {
			return true
		}
	}
	return false
}

func checkOverlayKeys(doc map[string]any) *Error {
	for key := range doc {
		if reservedOverlayKey(key) {
			return Errf(CodeInvalidRequest, "config key %q is managed by the gateway operator", key)
		}
	}
	return nil
}

func (s *Server) handleConfigGet(_ context.Context, call *Call) (any, *Error) {
	doc, err := newStateStore(s.stateRoot(call)).Overlay()
	if err != nil {
		return nil, Errf(CodeUnavailable, "read config: %v", err)
	}
	return map[string]any{"config": doc}, nil
}

func (s *Server) handleConfigSet(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		Config map[string]any `json:"config"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	if herr := checkOverlayKeys(p.Config); herr != nil {
		return nil, herr
	}
	if err := newStateStore(s.stateRoot(call)).SetOverlay(p.Config); err != nil {
		return nil, Errf(CodeUnavailable, "write config: %v", err)
	}
	return map[string]any{"config": p.Config}, nil
}

func (s *Server) handleConfigPatch(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		Patch map[string]any `json:"patch"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	if herr := checkOverlayKeys(p.Patch); herr != nil {
		return nil, herr
	}
	doc, err := newStateStore(s.stateRoot(call)).PatchOverlay(p.Patch)
	if err != nil {
		return nil, Errf(CodeUnavailable, "patch config: %v", err)
	}
	return map[string]any{"config": doc}, nil
}

// handleConfigSchema describes the overlay keys the gateway interprets.
func (s *Server) handleConfigSchema(_ context.Context, _ *Call) (any, *Error) {
	return map[string]any{
		"schema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"defaultAgent": map[string]any{
					"type":        "string",
					"description": "agent id cron jobs and chats fall back to",
				},
				"theme": map[string]any{"type": "string"},
			},
		},
	}, nil
}

// --- agents ---

func (s *Server) handleAgentsList(_ context.Context, call *Call) (any, *Error) {
	agents, err := newStateStore(s.stateRoot(call)).ListAgents()
	if err != nil {
		return nil, Errf(CodeUnavailable, "list agents: %v", err)
	}
	return map[string]any{"agents": agents}, nil
}

func (s *Server) handleAgentsGet(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	a, err := newStateStore(s.stateRoot(call)).GetAgent(p.AgentID)
	if err != nil {
		return nil, notFoundOr(err, "agent")
	}
	return a, nil
}

func (s *Server) handleAgentsCreate(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		Name         string `json:"name"`
		Model        string `json:"model"`
		Instructions string `json:"instructions"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	a, err := newStateStore(s.stateRoot(call)).CreateAgent(p.Name, p.Model, p.Instructions)
	if err != nil {
		return nil, Errf(CodeUnavailable, "create agent: %v", err)
	}
	return a, nil
}

func (s *Server) handleAgentsUpdate(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		AgentID      string  `json:"agentId"`
		Name         *string `json:"name"`
		Model        *string `json:"model"`
		Instructions *string `json:"instructions"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	a, err := newStateStore(s.stateRoot(call)).UpdateAgent(p.AgentID, p.Name, p.Model, p.Instructions)
	if err != nil {
		return nil, notFoundOr(err, "agent")
	}
	return a, nil
}

func (s *Server) handleAgentsDelete(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	if err := newStateStore(s.stateRoot(call)).DeleteAgent(p.AgentID); err != nil {
		return nil, notFoundOr(err, "agent")
	}
	return map[string]any{"deleted": true}, nil
}

// --- sessions ---

func (s *Server) handleSessionsList(_ context.Context, call *Call) (any, *Error) {
	sessions, err := newStateStore(s.stateRoot(call)).ListSessions()
	if err != nil {
		return nil, Errf(CodeUnavailable, "list sessions: %v", err)
	}
	if sessions == nil {
		sessions = []SessionInfo{}
	}
	return map[string]any{"sessions": sessions}, nil
}

func (s *Server) handleSessionsPreview(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	key := p.SessionKey
	if call.Tenant != nil {
		scoped, err := sessionkey.ScopeToTenant(key, call.Tenant.TenantID)
		if err != nil {
			return nil, Errf(CodeUnauthorized, "%v", err)
		}
		key = scoped
	}
	lines, err := newStateStore(s.stateRoot(call)).PreviewSession(key, p.Limit)
	if err != nil {
		return nil, notFoundOr(err, "session")
	}
	return map[string]any{"sessionKey": key, "lines": lines}, nil
}

// --- skills ---

func (s *Server) handleSkillsList(_ context.Context, call *Call) (any, *Error) {
	skills, err := newStateStore(s.stateRoot(call)).ListSkills()
	if err != nil {
		return nil, Errf(CodeUnavailable, "list skills: %v", err)
	}
	return map[string]any{"skills": skills}, nil
}

func (s *Server) handleSkillsGet(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		SkillID string `json:"skillId"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	sk, err := newStateStore(s.stateRoot(call)).GetSkill(p.SkillID)
	if err != nil {
		return nil, notFoundOr(err, "skill")
	}
	return sk, nil
}

func (s *Server) handleSkillsCreate(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Source      string `json:"source"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	sk, err := newStateStore(s.stateRoot(call)).CreateSkill(p.Name, p.Description, p.Source)
	if err != nil {
		return nil, Errf(CodeUnavailable, "create skill: %v", err)
	}
	return sk, nil
}

func (s *Server) handleSkillsUpdate(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		SkillID     string  `json:"skillId"`
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Source      *string `json:"source"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	sk, err := newStateStore(s.stateRoot(call)).UpdateSkill(p.SkillID, p.Name, p.Description, p.Source)
	if err != nil {
		return nil, notFoundOr(err, "skill")
	}
	return sk, nil
}

func (s *Server) handleSkillsDelete(_ context.Context, call *Call) (any, *Error) {
	var p struct {
		SkillID string `json:"skillId"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	if err := newStateStore(s.stateRoot(call)).DeleteSkill(p.SkillID); err != nil {
		return nil, notFoundOr(err, "skill")
	}
	return map[string]any{"deleted": true}, nil
}

// --- channels ---

func channelParams(call *Call) (string, *Error) {
	var p struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return "", Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	return p.Channel, nil
}

func (s *Server) handleChannelsStart(_ context.Context, call *Call) (any, *Error) {
	channel, herr := channelParams(call)
	if herr != nil {
		return nil, herr
	}
	state, err := newStateStore(s.stateRoot(call)).SetChannel(channel, func(cs *ChannelState) {
		now := time.Now().UTC()
		cs.Running = true
		cs.StartedAt = &now
	})
	if err != nil {
		return nil, Errf(CodeUnavailable, "start channel: %v", err)
	}
	return state, nil
}

func (s *Server) handleChannelsStop(_ context.Context, call *Call) (any, *Error) {
	channel, herr := channelParams(call)
	if herr != nil {
		return nil, herr
	}
	state, err := newStateStore(s.stateRoot(call)).SetChannel(channel, func(cs *ChannelState) {
		cs.Running = false
		cs.StartedAt = nil
	})
	if err != nil {
		return nil, Errf(CodeUnavailable, "stop channel: %v", err)
	}
	return state, nil
}

func (s *Server) handleChannelsStatus(_ context.Context, call *Call) (any, *Error) {
	channels, err := newStateStore(s.stateRoot(call)).Channels()
	if err != nil {
		return nil, Errf(CodeUnavailable, "channel status: %v", err)
	}
	return map[string]any{"channels": channels}, nil
}

func (s *Server) handleChannelsLogout(_ context.Context, call *Call) (any, *Error) {
	channel, herr := channelParams(call)
	if herr != nil {
		return nil, herr
	}
	state, err := newStateStore(s.stateRoot(call)).SetChannel(channel, func(cs *ChannelState) {
		cs.Running = false
		cs.LoggedIn = false
		cs.StartedAt = nil
	})
	if err != nil {
		return nil, Errf(CodeUnavailable, "logout channel: %v", err)
	}
	return state, nil
}

// --- voicewake ---

func (s *Server) handleVoiceWakeGet(_ context.Context, call *Call) (any, *Error) {
	vw, err := newStateStore(s.stateRoot(call)).VoiceWake()
	if err != nil {
		return nil, Errf(CodeUnavailable, "read voicewake: %v", err)
	}
	return vw, nil
}

func (s *Server) handleVoiceWakeSet(_ context.Context, call *Call) (any, *Error) {
	var p VoiceWake
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
	}
	if err := newStateStore(s.stateRoot(call)).SetVoiceWake(p); err != nil {
		return nil, Errf(CodeUnavailable, "write voicewake: %v", err)
	}
	return &p, nil
}

// --- pairing ---

func (s *Server) pairRequestHandler(kind string) HandlerFunc {
	return func(_ context.Context, call *Call) (any, *Error) {
		var p struct {
			DeviceID    string `json:"deviceId"`
			NodeID      string `json:"nodeId"`
			DisplayName string `json:"displayName"`
		}
		if err := json.Unmarshal(call.Params, &p); err != nil {
			return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
		}
		subject := p.DeviceID
		if kind == "node" {
			subject = p.NodeID
		}
		req, err := newStateStore(s.stateRoot(call)).AddPairRequest(kind, subject, p.DisplayName)
		if err != nil {
			return nil, Errf(CodeUnavailable, "pair request: %v", err)
		}
		return req, nil
	}
}

func (s *Server) pairApproveHandler(kind string) HandlerFunc {
	return func(_ context.Context, call *Call) (any, *Error) {
		var p struct {
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(call.Params, &p); err != nil {
			return nil, Errf(CodeInvalidRequest, "decode params: %v", err)
		}
		req, err := newStateStore(s.stateRoot(call)).ApprovePairRequest(p.RequestID)
		if err != nil {
			return nil, notFoundOr(err, "pairing request")
		}
		if req.Kind != kind {
			return nil, Errf(CodeNotFound, "pairing request not found")
		}
		return req, nil
	}
}

func (s *Server) pairListHandler(kind string) HandlerFunc {
	return func(_ context.Context, call *Call) (any, *Error) {
		reqs, err := newStateStore(s.stateRoot(call)).PairRequests(kind)
		if err != nil {
			return nil, Errf(CodeUnavailable, "list pairings: %v", err)
		}
		return map[string]any{"requests": reqs}, nil
	}
}
