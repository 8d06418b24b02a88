package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/c360studio/overlord/config"
)

// sdkMaxTokens bounds one SDK completion.
const sdkMaxTokens = 16384

// SDK calls the Anthropic Messages API through the official SDK and
// surfaces token counts from the response usage block.
type SDK struct {
	name   string
	cfg    config.WorkerConfig
	client anthropic.Client
	apiKey string
	logger *slog.Logger
}

// NewSDK builds an SDK worker from config.
func NewSDK(name string, cfg config.WorkerConfig, logger *slog.Logger) *SDK {
	if logger == nil {
		logger = slog.Default()
	}
	key := cfg.ResolveAPIKey()
	return &SDK{
		name:   name,
		cfg:    cfg,
		client: anthropic.NewClient(option.WithAPIKey(key)),
		apiKey: key,
		logger: logger,
	}
}

// Name returns the configured worker name.
func (w *SDK) Name() string {
	return w.name
}

// Available reports whether a credential is present.
func (w *SDK) Available() bool {
	return w.cfg.Enabled && w.apiKey != ""
}

// Execute sends one message, bounded by the configured timeout.
func (w *SDK) Execute(req Request) Result {
	start := time.Now()
	model := resolveModel(w.cfg, req.TaskType, req.Model)

	timeout := w.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	msg, err := w.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: sdkMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: "Working directory: " + req.ProjectPath},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return failure(TypeSDK, model, start, fmt.Sprintf("messages API: %v", err))
	}

	var output strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			output.WriteString(text.Text)
		}
	}

	input := int(msg.Usage.InputTokens)
	outTokens := int(msg.Usage.OutputTokens)
	return Result{
		Success:      true,
		Output:       output.String(),
		Duration:     time.Since(start),
		ModelUsed:    string(msg.Model),
		WorkerType:   TypeSDK,
		TokensInput:  input,
		TokensOutput: outTokens,
		TokensTotal:  input + outTokens,
	}
}
