// Package hooks implements the host hook surface: context injection for
// managed agents and the message_received fan-out.
package hooks

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jokim1/clawtalk-gateway/internal/routing"
	"github.com/jokim1/clawtalk-gateway/internal/talk"
)

const (
	maxContextChars = 2048
	recentTail      = 5
)

// ContextInjector composes the Talk-context block injected into a managed
// agent before it starts.
type ContextInjector struct {
	store  *talk.Store
	logger zerolog.Logger
}

// NewContextInjector creates the injector.
func NewContextInjector(store *talk.Store, logger zerolog.Logger) *ContextInjector {
	return &ContextInjector{
		store:  store,
		logger: logger.With().Str("component", "hooks.context").Logger(),
	}
}

// talkForAgent resolves a managed agent id back to its owning Talk.
func (ci *ContextInjector) talkForAgent(agentID string) *talk.Talk {
	if !strings.HasPrefix(agentID, routing.ManagedAgentPrefix) {
		return nil
	}
	for _, t := range ci.store.List() {
		if routing.ManagedAgentID(t.ID) == agentID {
			return t
		}
	}
	return nil
}

// BeforeAgentStart returns the context block for a managed agent id, or an
// empty string for unmanaged agents.
func (ci *ContextInjector) BeforeAgentStart(agentID string) string {
	t := ci.talkForAgent(agentID)
	if t == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Talk: %s\n", displayTitle(t))
	if t.Objective != "" {
		fmt.Fprintf(&b, "\nObjective: %s\n", t.Objective)
	}

	var active []talk.Directive
	for _, d := range t.Directives {
		if d.Active {
			active = append(active, d)
		}
	}
	if len(active) > 0 {
		b.WriteString("\nRules:\n")
		for _, d := range active {
			fmt.Fprintf(&b, "- %s\n", d.Text)
		}
	}

	if doc := ci.store.Context(t.ID); doc != "" {
		b.WriteString("\nContext:\n")
		b.WriteString(truncate(doc, maxContextChars/2))
		b.WriteString("\n")
	}

	if len(t.PinnedMessageIDs) > 0 {
		b.WriteString("\nPinned:\n")
		for _, id := range t.PinnedMessageIDs {
			if m, ok := ci.store.Message(t.ID, id); ok {
				fmt.Fprintf(&b, "- %s\n", truncate(m.Content, 200))
			}
		}
	}

	if recent := ci.store.RecentMessages(t.ID, recentTail); len(recent) > 0 {
		b.WriteString("\nRecent:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Role, truncate(m.Content, 200))
		}
	}

	return truncate(b.String(), maxContextChars)
}

func displayTitle(t *talk.Talk) string {
	if t.TopicTitle != "" {
		return t.TopicTitle
	}
	return t.ID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
