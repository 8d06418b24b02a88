package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/overlord/config"
)

// maxResponseSize limits worker response bodies.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// HTTP talks to an OpenAI-compatible chat completions endpoint
// (Ollama, vLLM, OpenRouter, ...).
type HTTP struct {
	name      string
	cfg       config.WorkerConfig
	client    *http.Client
	logger    *slog.Logger
	available bool
}

// NewHTTP builds an HTTP worker and probes GET /models once to decide
// availability.
func NewHTTP(name string, cfg config.WorkerConfig, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	w := &HTTP{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
	w.available = cfg.Enabled && w.probe()
	return w
}

// Name returns the configured worker name.
func (w *HTTP) Name() string {
	return w.name
}

// Available reports the result of the construction-time health probe.
func (w *HTTP) Available() bool {
	return w.available
}

// probe checks GET <endpoint>/models.
func (w *HTTP) probe() bool {
	url := strings.TrimSuffix(w.cfg.Endpoint, "/") + "/models"
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	w.setAuth(req)

	probeClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := probeClient.Do(req)
	if err != nil {
		w.logger.Debug("HTTP worker probe failed", "worker", w.name, "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (w *HTTP) setAuth(req *http.Request) {
	if key := w.cfg.ResolveAPIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Execute posts one chat completion. The working directory travels in
// the system message; the endpoint has no filesystem access of its own.
func (w *HTTP) Execute(req Request) Result {
	start := time.Now()
	model := resolveModel(w.cfg, req.TaskType, req.Model)

	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: "Working directory: " + req.ProjectPath},
			{Role: "user", Content: req.Prompt},
		},
	})
	if err != nil {
		return failure(TypeHTTP, model, start, fmt.Sprintf("marshal request: %v", err))
	}

	url := strings.TrimSuffix(w.cfg.Endpoint, "/") + "/chat/completions"
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failure(TypeHTTP, model, start, fmt.Sprintf("create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	w.setAuth(httpReq)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return failure(TypeHTTP, model, start, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return failure(TypeHTTP, model, start, fmt.Sprintf("read response: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(respBody)
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		return failure(TypeHTTP, model, start,
			fmt.Sprintf("endpoint returned status %d: %s", resp.StatusCode, snippet))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return failure(TypeHTTP, model, start, fmt.Sprintf("parse response: %v", err))
	}
	if len(parsed.Choices) == 0 {
		return failure(TypeHTTP, model, start, "response contained no choices")
	}

	modelUsed := parsed.Model
	if modelUsed == "" {
		modelUsed = model
	}
	return Result{
		Success:      true,
		Output:       parsed.Choices[0].Message.Content,
		Duration:     time.Since(start),
		ModelUsed:    modelUsed,
		WorkerType:   TypeHTTP,
		TokensInput:  parsed.Usage.PromptTokens,
		TokensOutput: parsed.Usage.CompletionTokens,
		TokensTotal:  parsed.Usage.TotalTokens,
	}
}
