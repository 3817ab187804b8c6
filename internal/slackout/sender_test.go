package slackout

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoster struct {
	calls     int
	channelID string
	options   int
}

func (f *fakePoster) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.calls++
	f.channelID = channelID
	f.options = len(options)
	return channelID, "1.2", nil
}

func TestSend_PostsToChannel(t *testing.T) {
	poster := &fakePoster{}
	s := NewSender(func(string) PostAPI { return poster }, zerolog.Nop())

	require.NoError(t, s.Send(context.Background(), "acct", "C123", "", "hello"))
	assert.Equal(t, 1, poster.calls)
	assert.Equal(t, "C123", poster.channelID)
	assert.Equal(t, 1, poster.options)
}

func TestSend_ThreadAddsOption(t *testing.T) {
	poster := &fakePoster{}
	s := NewSender(func(string) PostAPI { return poster }, zerolog.Nop())

	require.NoError(t, s.Send(context.Background(), "acct", "C123", "9.9", "hello"))
	assert.Equal(t, 2, poster.options)
}

func TestSend_MissingClient(t *testing.T) {
	s := NewSender(func(string) PostAPI { return nil }, zerolog.Nop())
	assert.Error(t, s.Send(context.Background(), "ghost", "C123", "", "hello"))
}
