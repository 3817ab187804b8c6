package hooks

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/jokim1/clawtalk-gateway/internal/jobs"
)

// API exposes the host hook surface over HTTP.
type API struct {
	dispatcher *jobs.Dispatcher
	injector   *ContextInjector
	logger     zerolog.Logger
}

// NewAPI wires the hook endpoints.
func NewAPI(dispatcher *jobs.Dispatcher, injector *ContextInjector, logger zerolog.Logger) *API {
	return &API{
		dispatcher: dispatcher,
		injector:   injector,
		logger:     logger.With().Str("component", "hooks.api").Logger(),
	}
}

type messageReceivedPayload struct {
	Event struct {
		Scope     string `json:"scope"`
		From      string `json:"from"`
		Content   string `json:"content"`
		AccountID string `json:"accountId,omitempty"`
		Timestamp int64  `json:"timestamp,omitempty"`
	} `json:"event"`
	Ctx struct {
		ChannelID string `json:"channelId"`
	} `json:"ctx"`
}

// HandleMessageReceived terminates the host's message_received hook. The
// host ignores the return value, so dispatch is fire-and-forget and the
// response only acknowledges receipt.
func (a *API) HandleMessageReceived(c *fiber.Ctx) error {
	var p messageReceivedPayload
	if err := json.Unmarshal(c.Body(), &p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "malformed body"})
	}
	ev := jobs.MessageReceivedEvent{
		Scope:     p.Event.Scope,
		From:      p.Event.From,
		Content:   p.Event.Content,
		AccountID: p.Event.AccountID,
	}
	if p.Event.Timestamp > 0 {
		ev.Timestamp = time.UnixMilli(p.Event.Timestamp)
	}
	a.dispatcher.HandleMessageReceived(ev, jobs.HookContext{ChannelID: p.Ctx.ChannelID})
	return c.JSON(fiber.Map{"ok": true})
}

// HandleBeforeAgentStart returns the Talk-context block for a managed agent.
func (a *API) HandleBeforeAgentStart(c *fiber.Ctx) error {
	var p struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(c.Body(), &p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "malformed body"})
	}
	if p.AgentID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "agentId is required"})
	}
	return c.JSON(fiber.Map{"ok": true, "context": a.injector.BeforeAgentStart(p.AgentID)})
}
