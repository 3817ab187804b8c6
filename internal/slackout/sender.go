// Package slackout delivers job output to Slack channels.
package slackout

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// PostAPI is the minimal Slack surface the sender needs.
type PostAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Sender posts messages on behalf of job runs.
type Sender struct {
	apiFor func(accountID string) PostAPI
	logger zerolog.Logger
}

// NewSender creates a sender resolving API clients per account.
func NewSender(apiFor func(accountID string) PostAPI, logger zerolog.Logger) *Sender {
	return &Sender{
		apiFor: apiFor,
		logger: logger.With().Str("component", "slackout").Logger(),
	}
}

// NewSingleAccountSender wires every account to one bot token.
func NewSingleAccountSender(botToken string, logger zerolog.Logger) *Sender {
	client := slack.New(botToken)
	return NewSender(func(string) PostAPI { return client }, logger)
}

// Send posts message to the channel, threading when threadTS is set.
func (s *Sender) Send(ctx context.Context, accountID, channelID, threadTS, message string) error {
	api := s.apiFor(accountID)
	if api == nil {
		return fmt.Errorf("no slack client for account %q", accountID)
	}
	opts := []slack.MsgOption{slack.MsgOptionText(message, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, _, err := api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		s.logger.Warn().Err(err).Str("channel_id", channelID).Msg("failed to post slack message")
		return fmt.Errorf("failed to post to %s: %w", channelID, err)
	}
	return nil
}
