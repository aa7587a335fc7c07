// Package gateway is the multi-tenant control-plane surface: a WebSocket
// RPC endpoint, an OpenAI-compatible HTTP adapter, and an internal HTTP
// API, all sharing one authorizer and one method dispatcher.
package gateway

import (
	"encoding/json"
	"fmt"
)

// Error codes returned to callers.
const (
	CodeNotLinked      = "NOT_LINKED"
	CodeNotPaired      = "NOT_PAIRED"
	CodeAgentTimeout   = "AGENT_TIMEOUT"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnavailable    = "UNAVAILABLE"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeNotFound       = "NOT_FOUND"
)

// Request is one inbound RPC frame.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request. Exactly one of Payload or Error is set.
type Response struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// EventFrame is a server-initiated broadcast.
type EventFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Error is the structured error shape shared by the RPC and HTTP surfaces.
type Error struct {
	Code         string         `json:"code"`
	Message      string         `json:"message"`
	Retryable    bool           `json:"retryable,omitempty"`
	RetryAfterMs int64          `json:"retryAfterMs,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Errf builds an Error with a formatted message.
func Errf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func errResponse(id string, err *Error) *Response {
	return &Response{ID: id, OK: false, Error: err}
}

func okResponse(id string, payload any) *Response {
	return &Response{ID: id, OK: true, Payload: payload}
}
