package routing

import (
	"fmt"
	"strings"

	"github.com/jokim1/clawtalk-gateway/internal/talk"
)

// Flow names the request path a header assertion runs on.
type Flow string

const (
	FlowTalkChat     Flow = "talk-chat"
	FlowSlackIngress Flow = "slack-ingress"
	FlowJobScheduler Flow = "job-scheduler"
)

// Guard violation codes.
const (
	CodeForbiddenAgentHeader = "ROUTING_GUARD_FORBIDDEN_AGENT_HEADER"
	CodeForbiddenSessionKey  = "ROUTING_GUARD_FORBIDDEN_SESSION_KEY"
)

// Outbound header names inspected by the guard.
const (
	HeaderAgentID    = "x-openclaw-agent-id"
	HeaderSessionKey = "x-openclaw-session-key"
)

// GuardError reports a forbidden outbound header. Headers are never
// auto-stripped; the originating operation fails instead.
type GuardError struct {
	Code string
	Flow Flow
	Mode talk.ExecutionMode
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s: forbidden routing header (flow=%s mode=%s)", e.Code, e.Flow, e.Mode)
}

// AssertRoutingHeaders enforces the execution-mode invariants on outbound
// request headers. Under full_control no agent-scoped header may be present:
// x-openclaw-agent-id must be unset and x-openclaw-session-key must not start
// with "agent:".
func AssertRoutingHeaders(flow Flow, mode talk.ExecutionMode, headers map[string]string) error {
	if mode != talk.ExecutionFullControl {
		return nil
	}
	for k, v := range headers {
		switch strings.ToLower(k) {
		case HeaderAgentID:
			if v != "" {
				return &GuardError{Code: CodeForbiddenAgentHeader, Flow: flow, Mode: mode}
			}
		case HeaderSessionKey:
			if strings.HasPrefix(v, "agent:") {
				return &GuardError{Code: CodeForbiddenSessionKey, Flow: flow, Mode: mode}
			}
		}
	}
	return nil
}
