package chat

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAcceptsConfidentCommand(t *testing.T) {
	completer := &fakeCompleter{content: `{"command": "work_issue", "issue_number": 42, "repo": "acme/core", "confidence": 0.95}`}
	p := NewCommandParser(completer)

	res := p.Parse(context.Background(), "#ops", "can you pick up issue 42 in core?")
	assert.Empty(t, res.Clarification)
	assert.Equal(t, "work_issue", res.Command.Command)
	assert.Equal(t, 42, res.Command.IssueNumber)
	assert.Equal(t, "acme/core", res.Command.Repo)

	// The system prompt enumerates the vocabulary.
	require.Len(t, completer.reqs, 1)
	assert.Contains(t, completer.reqs[0].Messages[0].Content, "work_issue")
	require.NotNil(t, completer.reqs[0].Temperature)
	assert.Zero(t, *completer.reqs[0].Temperature)
}

func TestParseLowConfidenceWithClarification(t *testing.T) {
	completer := &fakeCompleter{content: `{"command": "merge", "confidence": 0.3, "clarification": "Which project should I merge in?"}`}
	p := NewCommandParser(completer)

	res := p.Parse(context.Background(), "#ops", "merge it please")
	assert.Equal(t, "Which project should I merge in?", res.Clarification)
	assert.Empty(t, res.Command.Command)
}

func TestParseLowConfidenceFallsBackToRegex(t *testing.T) {
	completer := &fakeCompleter{content: `{"command": "merge", "confidence": 0.2}`}
	p := NewCommandParser(completer)

	res := p.Parse(context.Background(), "#ops", "status")
	assert.Empty(t, res.Clarification)
	assert.Equal(t, "status", res.Command.Command)
}

func TestParseLLMErrorFallsBackToRegex(t *testing.T) {
	completer := &fakeCompleter{err: fmt.Errorf("unreachable")}
	p := NewCommandParser(completer)

	res := p.Parse(context.Background(), "#ops", "scan everything")
	assert.Equal(t, "scan", res.Command.Command)
}

func TestParseMalformedOutputFallsBackToRegex(t *testing.T) {
	tests := []string{
		"Sure! I think you want the status command.",
		`{"command": "reboot_the_moon", "confidence": 0.99}`,
		`{"command": }`,
	}
	for _, output := range tests {
		p := NewCommandParser(&fakeCompleter{content: output})
		res := p.Parse(context.Background(), "#ops", "status")
		assert.Equal(t, "status", res.Command.Command, output)
	}
}

func TestParseWithoutCompleter(t *testing.T) {
	p := NewCommandParser(nil)
	res := p.Parse(context.Background(), "#ops", "approve 1234")
	assert.Equal(t, "approve", res.Command.Command)
}

func TestDecodeCommandStripsFences(t *testing.T) {
	cmd, err := decodeCommand("```json\n{\"command\": \"scan\", \"confidence\": 0.9}\n```")
	require.NoError(t, err)
	assert.Equal(t, "scan", cmd.Command)
	assert.InDelta(t, 0.9, cmd.Confidence, 0.001)
}

func TestRegexParse(t *testing.T) {
	tests := []struct {
		text    string
		command string
		issue   int
		pr      int
	}{
		{"work on issue #17", "work_issue", 17, 0},
		{"have a look at PR 8", "review_pr", 0, 8},
		{"review pull request #21", "review_pr", 0, 21},
		{"status", "status", 0, 0},
		{"memory releases", "memory", 0, 0},
		{"make me a sandwich", "help", 0, 0},
	}
	for _, tt := range tests {
		cmd := regexParse(tt.text)
		assert.Equal(t, tt.command, cmd.Command, tt.text)
		assert.Equal(t, tt.issue, cmd.IssueNumber, tt.text)
		assert.Equal(t, tt.pr, cmd.PRNumber, tt.text)
	}
}

func TestParserKeepsRollingContext(t *testing.T) {
	completer := &fakeCompleter{content: `{"command": "status", "confidence": 0.9}`}
	p := NewCommandParser(completer)
	ctx := context.Background()

	p.Parse(ctx, "#ops", "first message")
	p.Parse(ctx, "#ops", "second message")

	require.Len(t, completer.reqs, 2)
	msgs := completer.reqs[1].Messages
	// system + both user turns.
	require.Len(t, msgs, 3)
	assert.Equal(t, "first message", msgs[1].Content)
	assert.Equal(t, "second message", msgs[2].Content)
}
