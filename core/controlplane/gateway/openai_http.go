package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/core/agent"
	"github.com/openclaw/openclaw/core/infra/logging"
	"github.com/openclaw/openclaw/core/sessionkey"
	"github.com/openclaw/openclaw/core/usage"
)

// openaiError is the error envelope OpenAI-compatible clients expect.
type openaiError struct {
	Error openaiErrorBody `json:"error"`
}

type openaiErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeOpenAIError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, openaiError{Error: openaiErrorBody{Type: errType, Message: message}})
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model      string        `json:"model"`
	Messages   []chatMessage `json:"messages"`
	SessionKey string        `json:"session_key"`
	User       string        `json:"user"`
}

type responsesRequest struct {
	Model      string          `json:"model"`
	Input      json.RawMessage `json:"input"`
	SessionKey string          `json:"session_key"`
	User       string          `json:"user"`
}

// httpAuth authenticates a compat-surface request. Tenant disable is
// enforced here too: ValidateToken already refuses disabled tenants.
func (s *Server) httpAuth(w http.ResponseWriter, r *http.Request) (*Client, bool) {
	client, authErr := s.authenticate(r)
	if authErr != nil {
		writeOpenAIError(w, http.StatusUnauthorized, "unauthorized", authErr.Message)
		return nil, false
	}
	return client, true
}

// compatPrecheck runs quota enforcement and session-key scoping shared by
// both chat-style endpoints. A cross-tenant key is a 403.
func (s *Server) compatPrecheck(w http.ResponseWriter, client *Client, requestedKey string) (key string, ok bool) {
	if client.TenantID == "" {
		if requestedKey == "" {
			requestedKey = "agent:" + sessionkey.NormalizeAgentID(s.cfg.DefaultAgentID) + ":main"
		}
		return requestedKey, true
	}

	tenant, found := s.registry.Get(client.TenantID)
	if !found {
		writeOpenAIError(w, http.StatusUnauthorized, "unauthorized", "tenant no longer exists")
		return "", false
	}
	dec, err := s.ledger.CheckQuotaBeforeRequest(client.TenantID, tenant.Quotas)
	if err != nil {
		writeOpenAIError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return "", false
	}
	if !dec.Allowed {
		status := http.StatusTooManyRequests
		if dec.Reason != usage.ReasonRateLimited {
			status = http.StatusForbidden
		}
		if dec.RetryAfterMs > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", (dec.RetryAfterMs+999)/1000))
		}
		writeOpenAIError(w, status, dec.Reason, dec.Message)
		return "", false
	}

	if requestedKey == "" {
		requestedKey = sessionkey.BuildTenantKey(client.TenantID, s.cfg.DefaultAgentID, "")
	}
	scoped, err := sessionkey.ScopeToTenant(requestedKey, client.TenantID)
	if err != nil {
		writeOpenAIError(w, http.StatusForbidden, "forbidden", err.Error())
		return "", false
	}
	return scoped, true
}

// runCompat executes the agent and records transcript plus token usage.
func (s *Server) runCompat(ctx context.Context, client *Client, key, model, prompt string) (*agent.RunResult, *Error) {
	agentID := s.cfg.DefaultAgentID
	if parsed, ok := sessionkey.ParseTenantKey(key); ok && parsed.AgentID != "" {
		agentID = parsed.AgentID
	}
	result, err := s.runner.Run(ctx, agent.RunRequest{
		SessionKey: key,
		AgentID:    sessionkey.NormalizeAgentID(agentID),
		TenantID:   client.TenantID,
		Prompt:     prompt,
		Source:     "openai-http",
	})
	if err != nil {
		return nil, Errf(CodeUnavailable, "agent run failed: %v", err)
	}
	if model != "" && result.Model == "" {
		result.Model = model
	}

	root := s.registry.StateDir()
	if client.TenantID != "" {
		root = s.registry.TenantDir(client.TenantID)
	}
	store := newStateStore(root)
	now := time.Now().UTC()
	for _, line := range []TranscriptLine{
		{Timestamp: now, Role: "user", Text: prompt},
		{Timestamp: now, Role: "assistant", Text: result.Text},
	} {
		if err := store.AppendTranscript(key, line); err != nil {
			logging.Warn("gateway", "transcript append failed", "session", key, "error", err)
			break
		}
	}
	if client.TenantID != "" {
		if _, err := s.ledger.UpdateTokenUsage(client.TenantID, usage.TokenDelta{
			Input:    result.InputTokens,
			Output:   result.OutputTokens,
			Messages: 1,
		}); err != nil {
			logging.Warn("gateway", "usage update failed", "tenant", client.TenantID, "error", err)
		}
	}
	return result, nil
}

// handleChatCompletions is the OpenAI-compatible chat endpoint.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeOpenAIError(w, http.StatusMethodNotAllowed, "invalid_request", "POST required")
		return
	}
	client, ok := s.httpAuth(w, r)
	if !ok {
		return
	}
	var req chatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request", "malformed body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request", "messages required")
		return
	}

	requestedKey := req.SessionKey
	if requestedKey == "" {
		requestedKey = req.User
	}
	key, ok := s.compatPrecheck(w, client, requestedKey)
	if !ok {
		return
	}

	// The agent consumes the final user turn; earlier turns live in the
	// session transcript.
	prompt := req.Messages[len(req.Messages)-1].Content
	result, herr := s.runCompat(r.Context(), client, key, req.Model, prompt)
	if herr != nil {
		writeOpenAIError(w, http.StatusBadGateway, "unavailable", herr.Message)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   result.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       chatMessage{Role: "assistant", Content: result.Text},
			"finish_reason": "stop",
		}},
		"usage": map[string]int64{
			"prompt_tokens":     result.InputTokens,
			"completion_tokens": result.OutputTokens,
			"total_tokens":      result.InputTokens + result.OutputTokens,
		},
	})
}

// handleResponses is the OpenAI Responses-style endpoint.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeOpenAIError(w, http.StatusMethodNotAllowed, "invalid_request", "POST required")
		return
	}
	client, ok := s.httpAuth(w, r)
	if !ok {
		return
	}
	var req responsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request", "malformed body: "+err.Error())
		return
	}
	prompt, err := flattenInput(req.Input)
	if err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	requestedKey := req.SessionKey
	if requestedKey == "" {
		requestedKey = req.User
	}
	key, ok := s.compatPrecheck(w, client, requestedKey)
	if !ok {
		return
	}

	result, herr := s.runCompat(r.Context(), client, key, req.Model, prompt)
	if herr != nil {
		writeOpenAIError(w, http.StatusBadGateway, "unavailable", herr.Message)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":          "resp-" + uuid.NewString(),
		"object":      "response",
		"created_at":  time.Now().Unix(),
		"model":       result.Model,
		"status":      "completed",
		"output_text": result.Text,
		"usage": map[string]int64{
			"input_tokens":  result.InputTokens,
			"output_tokens": result.OutputTokens,
			"total_tokens":  result.InputTokens + result.OutputTokens,
		},
	})
}

// flattenInput accepts the Responses API's string-or-messages input shape.
func flattenInput(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("input required")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var messages []chatMessage
	if err := json.Unmarshal(raw, &messages); err == nil && len(messages) > 0 {
		var parts []string
		for _, m := range messages {
			parts = append(parts, m.Content)
		}
		return strings.Join(parts, "\n"), nil
	}
	return "", fmt.Errorf("input must be a string or a message list")
}

// handleToolsInvoke rejects tenant tokens outright; tools run with the
// gateway's own privileges and are control-plane only.
func (s *Server) handleToolsInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeOpenAIError(w, http.StatusMethodNotAllowed, "invalid_request", "POST required")
		return
	}
	client, ok := s.httpAuth(w, r)
	if !ok {
		return
	}
	if client.TenantID != "" {
		writeOpenAIError(w, http.StatusForbidden, "forbidden", "tool invocation is not available for tenant tokens")
		return
	}

	var params json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid_request", "malformed body: "+err.Error())
		return
	}
	resp := s.dispatcher.Dispatch(r.Context(), client, &Request{
		ID:     uuid.NewString(),
		Method: "tools.invoke",
		Params: params,
	})
	if !resp.OK {
		writeJSON(w, http.StatusBadRequest, resp.Error)
		return
	}
	writeJSON(w, http.StatusOK, resp.Payload)
}
