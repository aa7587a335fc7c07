package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OllamaRunner executes runs against an Ollama-compatible generate endpoint.
// One model serves every agent; the agent id selects the session, not the
// weights.
type OllamaRunner struct {
	url    string
	model  string
	client *http.Client
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
}

// NewOllamaRunner builds a runner for the given endpoint and model.
func NewOllamaRunner(url, model string, timeout time.Duration) *OllamaRunner {
	if timeout <= 0 {
		timeout = 150 * time.Second
	}
	return &OllamaRunner{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

func (r *OllamaRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	body, err := json.Marshal(&generateRequest{
		Model:  r.model,
		Prompt: req.Prompt,
		Stream: false,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("model endpoint returned status %d", resp.StatusCode)
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	result := &RunResult{
		Text:         out.Response,
		Model:        out.Model,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
	}
	if result.Model == "" {
		result.Model = r.model
	}
	// Older servers omit the eval counts; fall back to a rough estimate so
	// usage accounting never records zero for real work.
	if result.InputTokens == 0 {
		result.InputTokens = estimateTokens(req.Prompt)
	}
	if result.OutputTokens == 0 {
		result.OutputTokens = estimateTokens(out.Response)
	}
	return result, nil
}

func estimateTokens(text string) int64 {
	n := int64(len(text)+3) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
