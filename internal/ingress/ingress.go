package ingress

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jokim1/clawtalk-gateway/internal/metrics"
	"github.com/jokim1/clawtalk-gateway/internal/routing"
	"github.com/jokim1/clawtalk-gateway/internal/talk"
)

// Ingress runs the in-process pipeline: dedup, resolve, optionally mirror.
// It never invokes the LLM itself; the host's managed agent produces every
// reply, which is what prevents dual responses.
type Ingress struct {
	store   *talk.Store
	dedup   *DedupTable
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewIngress wires the pipeline.
func NewIngress(store *talk.Store, dedup *DedupTable, m *metrics.Metrics, logger zerolog.Logger) *Ingress {
	return &Ingress{
		store:   store,
		dedup:   dedup,
		metrics: m,
		logger:  logger.With().Str("component", "ingress").Logger(),
	}
}

// Process computes and returns the decision for one event. Mirroring runs
// fire-and-forget; a mirror failure never breaks routing.
func (i *Ingress) Process(ev routing.Event) routing.Decision {
	key := ev.EventID
	if key == "" {
		key = ev.DedupKey()
	}
	if dec, ok := i.dedup.Lookup(key); ok {
		if i.metrics != nil {
			i.metrics.DedupHitsTotal.Inc()
		}
		return dec
	}

	dec := routing.Resolve(ev, i.store.List())
	if dec.Decision == routing.DecisionHandled {
		// Ownership established and the behavior gate passed. The host's
		// managed agent replies; we only record and optionally mirror.
		behavior := dec.Behavior
		dec.Decision = routing.DecisionPass
		dec.Reason = routing.ReasonDelegatedToAgent
		if behavior != nil && (behavior.MirrorToTalk == talk.MirrorInbound || behavior.MirrorToTalk == talk.MirrorFull) {
			go i.mirror(dec.TalkID, ev)
		}
	}

	if dec.TalkID != "" && i.metrics != nil {
		i.metrics.TalkPassTotal.WithLabelValues(dec.TalkID).Inc()
	}
	if i.metrics != nil {
		i.metrics.IngressDecisions.WithLabelValues(dec.Decision, dec.Reason).Inc()
	}
	i.dedup.Store(key, dec)
	return dec
}

// mirror appends the inbound message to the Talk history.
func (i *Ingress) mirror(talkID string, ev routing.Event) {
	channel := ev.ChannelName
	if channel == "" {
		channel = ev.ChannelID
	}
	sender := ev.UserName
	if sender == "" {
		sender = ev.UserID
	}
	var prefix strings.Builder
	fmt.Fprintf(&prefix, "[Slack #%s", channel)
	if ev.ThreadTS != "" {
		fmt.Fprintf(&prefix, " (thread %s)", ev.ThreadTS)
	}
	fmt.Fprintf(&prefix, " from %s]", sender)

	_, err := i.store.AppendMessage(talkID, talk.Message{
		Role:    talk.RoleUser,
		Content: prefix.String() + "\n" + ev.Text,
	})
	if err != nil {
		i.logger.Warn().Err(err).Str("talk_id", talkID).Msg("failed to mirror inbound message")
	}
}
