package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOllamaRunnerRun(t *testing.T) {
	var gotBody generateRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(generateResponse{
			Model:           "llama3",
			Response:        "hello there",
			PromptEvalCount: 7,
			EvalCount:       3,
		})
	}))
	defer ts.Close()

	r := NewOllamaRunner(ts.URL, "llama3", time.Second)
	result, err := r.Run(context.Background(), RunRequest{
		SessionKey: "tenant:demo:agent:main:main",
		Prompt:     "hi",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotBody.Model != "llama3" || gotBody.Prompt != "hi" || gotBody.Stream {
		t.Fatalf("request body: %+v", gotBody)
	}
	if result.Text != "hello there" || result.InputTokens != 7 || result.OutputTokens != 3 {
		t.Fatalf("result: %+v", result)
	}
}

func TestOllamaRunnerEstimatesMissingCounts(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{Response: "four byte chunks here"})
	}))
	defer ts.Close()

	r := NewOllamaRunner(ts.URL, "llama3", time.Second)
	result, err := r.Run(context.Background(), RunRequest{Prompt: "hello world"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.InputTokens == 0 || result.OutputTokens == 0 {
		t.Fatalf("counts not estimated: %+v", result)
	}
	if result.Model != "llama3" {
		t.Fatalf("model fallback: %s", result.Model)
	}
}

func TestOllamaRunnerErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	r := NewOllamaRunner(ts.URL, "llama3", time.Second)
	if _, err := r.Run(context.Background(), RunRequest{Prompt: "hi"}); err == nil {
		t.Fatalf("status 500 not surfaced")
	}
	if _, err := r.Run(context.Background(), RunRequest{}); err == nil {
		t.Fatalf("empty prompt accepted")
	}
}
