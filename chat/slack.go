package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// SlackMedium binds the proposal and notification surfaces to the Slack
// Web API. Only message posting and thread-reply fetching are used; event
// delivery is left to polling callers.
type SlackMedium struct {
	api    *slack.Client
	logger *slog.Logger
}

// SlackOption configures a SlackMedium.
type SlackOption func(*SlackMedium)

// WithSlackLogger sets the logger.
func WithSlackLogger(logger *slog.Logger) SlackOption {
	return func(s *SlackMedium) {
		s.logger = logger
	}
}

// NewSlackMedium builds a medium over a bot token.
func NewSlackMedium(token string, opts ...SlackOption) *SlackMedium {
	s := &SlackMedium{
		api:    slack.New(token),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PostMessage posts to the channel and returns the message timestamp,
// which doubles as the thread id for replies.
func (s *SlackMedium) PostMessage(ctx context.Context, channel, text string) (string, error) {
	_, ts, err := s.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return "", fmt.Errorf("post to %s: %w", channel, err)
	}
	return ts, nil
}

// PostReply posts into an existing thread.
func (s *SlackMedium) PostReply(ctx context.Context, channel, threadTS, text string) error {
	_, _, err := s.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS))
	if err != nil {
		return fmt.Errorf("reply in %s: %w", channel, err)
	}
	return nil
}

// ThreadReplies returns the reply texts of a thread, oldest first. The
// root message is excluded.
func (s *SlackMedium) ThreadReplies(ctx context.Context, channel, threadTS string) ([]string, error) {
	params := &slack.GetConversationRepliesParameters{
		ChannelID: channel,
		Timestamp: threadTS,
	}

	var out []string
	for {
		msgs, hasMore, cursor, err := s.api.GetConversationRepliesContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("fetch thread %s: %w", threadTS, err)
		}
		for _, msg := range msgs {
			if msg.Timestamp == threadTS {
				continue
			}
			out = append(out, msg.Text)
		}
		if !hasMore {
			return out, nil
		}
		params.Cursor = cursor
	}
}
