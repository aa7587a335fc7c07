// Package agent defines the seam to the chat execution pipeline. The gateway
// never looks inside a run; it only addresses runs by session key.
package agent

import "context"

// RunRequest describes one agent invocation.
type RunRequest struct {
	SessionKey string
	AgentID    string
	TenantID   string
	Prompt     string
	Source     string // "openai", "responses", "cron"
}

// RunResult carries the run output and its token accounting.
type RunResult struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Runner executes an agent run addressed by session key.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
}
