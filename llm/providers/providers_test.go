package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/overlord/llm"
)

func TestProvidersRegistered(t *testing.T) {
	for _, name := range []string{"anthropic", "ollama", "openai"} {
		assert.NotNil(t, llm.GetProvider(name), name)
	}
}

func TestAnthropicBuildURL(t *testing.T) {
	p := &AnthropicProvider{}
	assert.Equal(t, "https://api.anthropic.com/v1/messages", p.BuildURL(""))
	assert.Equal(t, "http://proxy:8080/v1/messages", p.BuildURL("http://proxy:8080/"))
}

func TestAnthropicBuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}
	body, err := p.BuildRequestBody("claude-sonnet-4-5", []llm.Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	}, nil, 0)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "be brief", req["system"])
	assert.Equal(t, float64(4096), req["max_tokens"])
	msgs, ok := req["messages"].([]any)
	require.True(t, ok)
	// The system message moves to the system field, not the message list.
	require.Len(t, msgs, 1)
}

func TestAnthropicParseResponse(t *testing.T) {
	p := &AnthropicProvider{}
	body := `{
		"content": [{"type":"text","text":"part one "},{"type":"text","text":"part two"}],
		"model": "claude-sonnet-4-5",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`

	resp, err := p.ParseResponse([]byte(body), "")
	require.NoError(t, err)
	assert.Equal(t, "part one part two", resp.Content)
	assert.Equal(t, "claude-sonnet-4-5", resp.Model)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 5, resp.Usage.CompletionTokens)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestAnthropicHeaders(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	p := &AnthropicProvider{}
	req, _ := http.NewRequest(http.MethodPost, "http://x", nil)
	p.SetHeaders(req)
	assert.Equal(t, "test-key", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))
}

func TestOllamaBuildURL(t *testing.T) {
	p := &OllamaProvider{}
	assert.Equal(t, "http://localhost:11434/v1/chat/completions", p.BuildURL(""))
	assert.Equal(t, "http://gpu-box:8000/v1/chat/completions", p.BuildURL("http://gpu-box:8000/v1"))
	// Already-complete URLs pass through.
	assert.Equal(t, "http://x/chat/completions", p.BuildURL("http://x/chat/completions"))
}

func TestOllamaBuildRequestBodyOmitsUnsetMaxTokens(t *testing.T) {
	p := &OllamaProvider{}
	body, err := p.BuildRequestBody("qwen", []llm.Message{{Role: "user", Content: "hi"}}, nil, 0)
	require.NoError(t, err)

	var req map[string]any
	require.NoError(t, json.Unmarshal(body, &req))
	_, hasMax := req["max_tokens"]
	assert.False(t, hasMax)
	_, hasTemp := req["temperature"]
	assert.False(t, hasTemp)
}

func TestOllamaParseResponse(t *testing.T) {
	p := &OllamaProvider{}
	body := `{
		"model": "qwen2.5-coder:32b",
		"choices": [{"message": {"role":"assistant","content":"ok"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10}
	}`

	resp, err := p.ParseResponse([]byte(body), "")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 10, resp.Usage.TotalTokens)

	_, err = p.ParseResponse([]byte(`{"choices": []}`), "")
	assert.Error(t, err)
}

func TestOpenAIBuildURL(t *testing.T) {
	p := &OpenAIProvider{}
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", p.BuildURL(""))
	assert.Equal(t, "https://openrouter.ai/api/v1/chat/completions", p.BuildURL("https://openrouter.ai/api/v1"))
}
