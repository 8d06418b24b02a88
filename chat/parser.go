package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/overlord/llm"
)

// DefaultConfidenceThreshold is the minimum parser confidence accepted
// without asking for clarification.
const DefaultConfidenceThreshold = 0.7

// DefaultContextTTL bounds how long parser context entries stay live.
const DefaultContextTTL = 10 * time.Minute

// CommandVocabulary enumerates what the LLM parser may emit.
var CommandVocabulary = []string{
	"status", "scan", "work_issue", "review_pr", "minion_status",
	"merge", "release", "autonomy", "memory", "approve", "deny", "help",
}

// ParsedCommand is the strict JSON contract the LLM must produce.
type ParsedCommand struct {
	Command       string  `json:"command"`
	IssueNumber   int     `json:"issue_number,omitempty"`
	PRNumber      int     `json:"pr_number,omitempty"`
	Repo          string  `json:"repo,omitempty"`
	MinionID      string  `json:"minion_id,omitempty"`
	Confidence    float64 `json:"confidence"`
	Clarification string  `json:"clarification,omitempty"`
}

// ParseResult carries either an accepted command or a clarification
// question to relay back to the user.
type ParseResult struct {
	Command       ParsedCommand
	Clarification string
}

// CommandParser turns free-form chat into structured commands: rolling
// per-channel context feeds an LLM prompt; low-confidence output falls
// back to clarification or a pure regex parse.
type CommandParser struct {
	llm       Completer
	threshold float64
	history   *History
	logger    *slog.Logger
}

// ParserOption configures a CommandParser.
type ParserOption func(*CommandParser)

// WithThreshold sets the confidence cutoff.
func WithThreshold(t float64) ParserOption {
	return func(p *CommandParser) {
		p.threshold = t
	}
}

// WithParserHistory replaces the rolling context window.
func WithParserHistory(h *History) ParserOption {
	return func(p *CommandParser) {
		p.history = h
	}
}

// WithParserLogger sets the logger.
func WithParserLogger(logger *slog.Logger) ParserOption {
	return func(p *CommandParser) {
		p.logger = logger
	}
}

// NewCommandParser builds a parser over an LLM completer. A nil
// completer degrades to the regex path.
func NewCommandParser(completer Completer, opts ...ParserOption) *CommandParser {
	p := &CommandParser{
		llm:       completer,
		threshold: DefaultConfidenceThreshold,
		history:   NewHistory(DefaultHistorySize, DefaultContextTTL),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse classifies one message. LLM failures and malformed output fall
// back to the regex parser rather than erroring.
func (p *CommandParser) Parse(ctx context.Context, channel, text string) ParseResult {
	text = strings.TrimSpace(text)
	p.history.Add(channel, "user", text)

	if p.llm == nil {
		return ParseResult{Command: regexParse(text)}
	}

	messages := append([]llm.Message{{Role: "system", Content: parserSystemPrompt()}},
		p.history.Messages(channel)...)

	temperature := 0.0
	resp, err := p.llm.Complete(ctx, llm.Request{
		Messages:    messages,
		Temperature: &temperature,
		MaxTokens:   300,
	})
	if err != nil {
		p.logger.Warn("LLM parse failed, using regex parser", "error", err)
		return ParseResult{Command: regexParse(text)}
	}

	cmd, err := decodeCommand(resp.Content)
	if err != nil {
		p.logger.Warn("Unparseable LLM command output", "error", err)
		return ParseResult{Command: regexParse(text)}
	}

	if cmd.Confidence >= p.threshold {
		return ParseResult{Command: cmd}
	}
	if cmd.Clarification != "" {
		return ParseResult{Clarification: cmd.Clarification}
	}
	return ParseResult{Command: regexParse(text)}
}

func parserSystemPrompt() string {
	return fmt.Sprintf(`You classify chat messages into orchestrator commands.
Valid commands: %s.
Respond with exactly one JSON object, no prose, no code fences:
{"command": "...", "issue_number": 0, "pr_number": 0, "repo": "", "minion_id": "", "confidence": 0.0, "clarification": ""}
Omit fields that do not apply. confidence is your certainty in [0,1].
If the message is ambiguous, set a low confidence and put a short question in clarification.`,
		strings.Join(CommandVocabulary, ", "))
}

// decodeCommand extracts the JSON object from the model output, which
// may be wrapped in code fences despite instructions.
func decodeCommand(content string) (ParsedCommand, error) {
	var cmd ParsedCommand

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return cmd, fmt.Errorf("no JSON object in output")
	}

	if err := json.Unmarshal([]byte(content[start:end+1]), &cmd); err != nil {
		return cmd, fmt.Errorf("decode command: %w", err)
	}
	if !knownCommand(cmd.Command) {
		return cmd, fmt.Errorf("unknown command %q", cmd.Command)
	}
	return cmd, nil
}

func knownCommand(name string) bool {
	for _, c := range CommandVocabulary {
		if c == name {
			return true
		}
	}
	return false
}

var (
	issueRefPattern = regexp.MustCompile(`(?i)\bissue\s*#?(\d+)`)
	prRefPattern    = regexp.MustCompile(`(?i)\b(?:pr|pull request)\s*#?(\d+)`)
)

// regexParse is the deterministic fallback: a leading vocabulary word,
// or an issue/PR reference anywhere in the text.
func regexParse(text string) ParsedCommand {
	lower := strings.ToLower(text)

	if m := issueRefPattern.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		return ParsedCommand{Command: "work_issue", IssueNumber: n, Confidence: 1}
	}
	if m := prRefPattern.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		return ParsedCommand{Command: "review_pr", PRNumber: n, Confidence: 1}
	}

	first, _, _ := strings.Cut(lower, " ")
	if knownCommand(first) {
		return ParsedCommand{Command: first, Confidence: 1}
	}
	return ParsedCommand{Command: "help", Confidence: 0}
}
