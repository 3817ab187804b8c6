package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/jokim1/clawtalk-gateway/internal/metrics"
	"github.com/jokim1/clawtalk-gateway/internal/routing"
)

// MaxEventBody caps the raw Slack payload size.
const MaxEventBody = 512 * 1024

// Secret is one signing-secret candidate bound to an account.
type Secret struct {
	AccountID string
	Value     string
}

// SecretsProvider assembles the ordered candidate secrets: per-account
// secrets first, then the base secret and environment fallbacks bound to the
// "default" account, deduplicated on the secret value.
type SecretsProvider func() []Secret

// AssembleSecrets builds the candidate list from per-account secrets, the
// base config secret, and the environment fallbacks, most-specific first.
func AssembleSecrets(accountSecrets map[string]string, baseSecret string, envFallbacks ...string) []Secret {
	var out []Secret
	seen := make(map[string]bool)
	add := func(account, value string) {
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		out = append(out, Secret{AccountID: account, Value: value})
	}
	for account, secret := range accountSecrets {
		add(account, secret)
	}
	add("default", baseSecret)
	for _, v := range envFallbacks {
		add("default", v)
	}
	return out
}

// Proxy is the signature-verified front door for Slack's Events API.
type Proxy struct {
	ingress   *Ingress
	forwarder *Forwarder
	secrets   SecretsProvider
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewProxy wires the Slack event proxy.
func NewProxy(in *Ingress, fwd *Forwarder, secrets SecretsProvider, m *metrics.Metrics, logger zerolog.Logger) *Proxy {
	return &Proxy{
		ingress:   in,
		forwarder: fwd,
		secrets:   secrets,
		metrics:   m,
		logger:    logger.With().Str("component", "ingress.proxy").Logger(),
	}
}

// verifySignature checks the v0 HMAC against every candidate secret in
// order. First match wins and names the event's account.
func (p *Proxy) verifySignature(signature, timestamp string, body []byte) (string, bool) {
	header := http.Header{}
	header.Set("X-Slack-Signature", signature)
	header.Set("X-Slack-Request-Timestamp", timestamp)

	for _, secret := range p.secrets() {
		verifier, err := slack.NewSecretsVerifier(header, secret.Value)
		if err != nil {
			continue
		}
		if _, err := verifier.Write(body); err != nil {
			continue
		}
		if err := verifier.Ensure(); err != nil {
			continue
		}
		return secret.AccountID, true
	}
	return "", false
}

func (p *Proxy) countEvent(outcome string) {
	if p.metrics != nil {
		p.metrics.SlackEventsTotal.WithLabelValues(outcome).Inc()
	}
}

// forwardAsync relays the payload to the host without blocking the Slack ack.
func (p *Proxy) forwardAsync(accountID, contentType, signature, timestamp string, body []byte) {
	buf := append([]byte(nil), body...)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p.forwarder.Forward(ctx, accountID, contentType, signature, timestamp, buf)
	}()
}

// HandleSlackEvents terminates POST /slack/events. Slack requires an ack
// within three seconds, so neither forwarding nor ingress processing is ever
// awaited before replying.
func (p *Proxy) HandleSlackEvents(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) > MaxEventBody {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "payload too large"})
	}
	if len(p.secrets()) == 0 {
		p.logger.Error().Msg("no slack signing secret configured")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"ok": false, "error": "no signing secret configured"})
	}

	signature := c.Get("x-slack-signature")
	timestamp := c.Get("x-slack-request-timestamp")
	accountID, ok := p.verifySignature(signature, timestamp, body)
	if !ok {
		p.countEvent("rejected")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"ok": false, "error": "signature verification failed"})
	}

	var outer struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &outer); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "malformed body"})
	}

	contentType := c.Get("Content-Type")

	switch outer.Type {
	case "url_verification":
		// Challenge echo: no forward, no state mutation.
		return c.JSON(fiber.Map{"challenge": outer.Challenge})
	case "event_callback":
		// Fall through to inner-event dispatch below.
	default:
		p.countEvent("forwarded")
		p.forwardAsync(accountID, contentType, signature, timestamp, body)
		return c.JSON(fiber.Map{"ok": true, "forwarded": true})
	}

	apiEvent, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "malformed event"})
	}

	ev, kind := p.ingressEvent(accountID, &apiEvent)
	switch kind {
	case eventBot:
		p.countEvent("skipped")
		p.forwardAsync(accountID, contentType, signature, timestamp, body)
		return c.JSON(fiber.Map{"ok": true, "skipped": "bot_message"})
	case eventOther:
		p.countEvent("forwarded")
		p.forwardAsync(accountID, contentType, signature, timestamp, body)
		return c.JSON(fiber.Map{"ok": true, "forwarded": true})
	}

	dec := p.ingress.Process(ev)
	if dec.Reason == routing.ReasonDelegatedToAgent || dec.Decision == routing.DecisionHandled {
		p.countEvent("routed")
		return c.JSON(fiber.Map{"ok": true, "routed": "clawtalk", "talkId": dec.TalkID})
	}
	p.countEvent("forwarded")
	p.forwardAsync(accountID, contentType, signature, timestamp, body)
	return c.JSON(fiber.Map{"ok": true, "routed": "openclaw"})
}

type eventKind int

const (
	eventMessage eventKind = iota
	eventBot
	eventOther
)

// ingressEvent extracts the routable fields from an event_callback payload.
func (p *Proxy) ingressEvent(accountID string, apiEvent *slackevents.EventsAPIEvent) (routing.Event, eventKind) {
	ev := routing.Event{AccountID: accountID}
	if cb := apiEvent.Data; cb != nil {
		if data, ok := cb.(*slackevents.EventsAPICallbackEvent); ok {
			ev.EventID = data.EventID
		}
	}

	switch inner := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if inner.BotID != "" || inner.SubType == "bot_message" {
			return ev, eventBot
		}
		ev.ChannelID = inner.Channel
		ev.UserID = inner.User
		ev.Text = inner.Text
		ev.MessageTS = inner.TimeStamp
		ev.ThreadTS = inner.ThreadTimeStamp
		return ev, eventMessage
	case *slackevents.AppMentionEvent:
		if inner.BotID != "" {
			return ev, eventBot
		}
		ev.ChannelID = inner.Channel
		ev.UserID = inner.User
		ev.Text = inner.Text
		ev.MessageTS = inner.TimeStamp
		ev.ThreadTS = inner.ThreadTimeStamp
		return ev, eventMessage
	default:
		return ev, eventOther
	}
}

// HandleIngressAPI terminates POST /api/events/slack for internal re-enqueue
// and tests: the caller supplies a pre-parsed event and gets the decision.
func (p *Proxy) HandleIngressAPI(c *fiber.Ctx) error {
	var ev routing.Event
	if err := json.Unmarshal(c.Body(), &ev); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "malformed body"})
	}
	if ev.ChannelID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "channelId is required"})
	}
	dec := p.ingress.Process(ev)
	return c.JSON(dec)
}
