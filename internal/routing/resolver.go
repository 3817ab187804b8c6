package routing

import (
	"regexp"
	"strings"

	"github.com/jokim1/clawtalk-gateway/internal/talk"
)

// Event is the normalized Slack event the resolver scores against bindings.
type Event struct {
	EventID        string `json:"eventId,omitempty"`
	AccountID      string `json:"accountId,omitempty"`
	ChannelID      string `json:"channelId"`
	ChannelName    string `json:"channelName,omitempty"`
	ThreadTS       string `json:"threadTs,omitempty"`
	MessageTS      string `json:"messageTs,omitempty"`
	UserID         string `json:"userId,omitempty"`
	UserName       string `json:"userName,omitempty"`
	OutboundTarget string `json:"outboundTarget,omitempty"`
	Text           string `json:"text"`
}

// DedupKey builds the canonical event id used by the dedup table.
func (e Event) DedupKey() string {
	account := e.AccountID
	if account == "" {
		account = "default"
	}
	ts := e.MessageTS
	if ts == "" {
		ts = e.ThreadTS
	}
	if ts == "" {
		ts = "unknown"
	}
	user := e.UserID
	if user == "" {
		user = "unknown"
	}
	return "slack:" + account + ":" + e.ChannelID + ":" + ts + ":" + user
}

// Decision outcomes.
const (
	DecisionHandled = "handled"
	DecisionPass    = "pass"
)

// Documented pass reasons.
const (
	ReasonNoBinding         = "no-binding"
	ReasonAmbiguousBinding  = "ambiguous-binding"
	ReasonSenderNotAllowed  = "sender-not-allowed"
	ReasonOnMessageDisabled = "on-message-disabled"
	ReasonMentionRequired   = "mention-required"
	ReasonTriggerPolicy     = "trigger-policy"
	ReasonDelegatedToAgent  = "delegated-to-agent"
	ReasonDuplicate         = "duplicate"
)

// Decision is the resolver's verdict for one event.
type Decision struct {
	Decision  string         `json:"decision"`
	TalkID    string         `json:"talkId,omitempty"`
	BindingID string         `json:"bindingId,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Behavior  *talk.Behavior `json:"-"`
	Duplicate bool           `json:"duplicate,omitempty"`
}

var mentionRe = regexp.MustCompile(`<@U[A-Z0-9]+>|(^|\s)@\w+`)

// scoreBinding rates how specifically a binding selects the event's channel.
// -1 excludes the binding entirely.
func scoreBinding(b talk.Binding, ev Event) int {
	if !strings.EqualFold(b.Platform, "slack") {
		return -1
	}
	if !b.Permission.CanWrite() {
		return -1
	}
	if b.AccountID != "" && !strings.EqualFold(b.AccountID, ev.AccountID) {
		return -1
	}

	scope := talk.NormalizeScope(b.Scope)
	channel := strings.ToLower(ev.ChannelID)
	switch scope {
	case channel, "channel:" + channel, "user:" + channel, "slack:" + channel:
		return 100
	}
	if ev.OutboundTarget != "" && scope == talk.NormalizeScope(ev.OutboundTarget) {
		return 95
	}
	if name := strings.ToLower(ev.ChannelName); name != "" {
		if scope == "#"+name || scope == name {
			return 90
		}
		if strings.HasSuffix(scope, " #"+name) {
			return 80
		}
	}
	switch scope {
	case "*", "all", "slack:*":
		return 10
	}
	return -1
}

// Resolve maps an event to its owning Talk and applies the behavior gate.
// Pure: the same talks and event always produce the same decision.
func Resolve(ev Event, talks []*talk.Talk) Decision {
	type candidate struct {
		talk    *talk.Talk
		binding talk.Binding
		score   int
	}

	best := candidate{score: -1}
	bestCount := 0
	for _, t := range talks {
		talkBest := candidate{talk: t, score: -1}
		for _, b := range t.PlatformBindings {
			if sc := scoreBinding(b, ev); sc > talkBest.score {
				talkBest.binding = b
				talkBest.score = sc
			}
		}
		if talkBest.score < 0 {
			continue
		}
		switch {
		case talkBest.score > best.score:
			best = talkBest
			bestCount = 1
		case talkBest.score == best.score:
			bestCount++
		}
	}

	if best.score < 0 {
		return Decision{Decision: DecisionPass, Reason: ReasonNoBinding}
	}
	if bestCount > 1 {
		return Decision{Decision: DecisionPass, Reason: ReasonAmbiguousBinding}
	}

	d := Decision{
		Decision:  DecisionHandled,
		TalkID:    best.talk.ID,
		BindingID: best.binding.ID,
	}
	behavior := best.talk.BehaviorForBinding(best.binding.ID)
	if behavior == nil {
		return d
	}
	d.Behavior = behavior

	if policy := behavior.ResponsePolicy; policy != nil && len(policy.AllowedSenders) > 0 {
		if !senderAllowed(policy.AllowedSenders, ev) {
			d.Decision = DecisionPass
			d.Reason = ReasonSenderNotAllowed
			return d
		}
	}

	switch behavior.ResponseMode {
	case talk.ResponseOff:
		d.Decision = DecisionPass
		d.Reason = ReasonOnMessageDisabled
		return d
	case talk.ResponseMentions:
		if !mentionRe.MatchString(ev.Text) {
			d.Decision = DecisionPass
			d.Reason = ReasonMentionRequired
			return d
		}
	}

	if policy := behavior.ResponsePolicy; policy != nil {
		if !triggerAllows(policy.TriggerPolicy, ev.Text) {
			d.Decision = DecisionPass
			d.Reason = ReasonTriggerPolicy
			return d
		}
	}

	return d
}

func senderAllowed(allowed []string, ev Event) bool {
	for _, a := range allowed {
		if strings.EqualFold(a, ev.UserName) || strings.EqualFold(a, ev.UserID) {
			return true
		}
	}
	return false
}

func triggerAllows(policy talk.TriggerPolicy, text string) bool {
	switch policy {
	case talk.TriggerStudyEntriesOnly:
		return IsStudyEntry(text)
	case talk.TriggerAdviceOrStudy:
		return IsStudyEntry(text) || IsAdviceRequest(text)
	default:
		return true
	}
}
