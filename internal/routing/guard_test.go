package routing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokim1/clawtalk-gateway/internal/talk"
)

func TestAssertRoutingHeaders_FullControlAgentHeader(t *testing.T) {
	err := AssertRoutingHeaders(FlowTalkChat, talk.ExecutionFullControl, map[string]string{
		"x-openclaw-agent-id": "a1",
	})
	require.Error(t, err)

	var ge *GuardError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, CodeForbiddenAgentHeader, ge.Code)
	assert.Equal(t, FlowTalkChat, ge.Flow)
	assert.Equal(t, talk.ExecutionFullControl, ge.Mode)
}

func TestAssertRoutingHeaders_FullControlAgentSessionKey(t *testing.T) {
	err := AssertRoutingHeaders(FlowTalkChat, talk.ExecutionFullControl, map[string]string{
		"x-openclaw-session-key": "agent:main:foo",
	})
	require.Error(t, err)

	var ge *GuardError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, CodeForbiddenSessionKey, ge.Code)
}

func TestAssertRoutingHeaders_FullControlAllowedKeys(t *testing.T) {
	for _, key := range []string{
		"talk:clawtalk:talk:abc:slack:channel:C123",
		"job:clawtalk:talk:abc:job:j1",
	} {
		err := AssertRoutingHeaders(FlowJobScheduler, talk.ExecutionFullControl, map[string]string{
			"x-openclaw-session-key": key,
		})
		assert.NoError(t, err, "key=%q", key)
	}
}

func TestAssertRoutingHeaders_HeaderNameCaseInsensitive(t *testing.T) {
	err := AssertRoutingHeaders(FlowSlackIngress, talk.ExecutionFullControl, map[string]string{
		"X-OpenClaw-Agent-ID": "a1",
	})
	require.Error(t, err)
}

func TestAssertRoutingHeaders_OpenClawModeUnrestricted(t *testing.T) {
	err := AssertRoutingHeaders(FlowTalkChat, talk.ExecutionOpenClaw, map[string]string{
		"x-openclaw-agent-id":    "ct-12345678",
		"x-openclaw-session-key": "agent:ct-12345678:main",
	})
	assert.NoError(t, err)
}
