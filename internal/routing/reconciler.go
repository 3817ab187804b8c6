package routing

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jokim1/clawtalk-gateway/internal/talk"
)

// ManagedAgentPrefix marks agents materialized by the reconciler. Users who
// avoid the prefix can never collide with a managed agent.
const ManagedAgentPrefix = "ct-"

const legacyManagedAgentID = "clawtalk"

// ManagedAgentID derives the stable host agent id for a Talk.
func ManagedAgentID(talkID string) string {
	id := talkID
	if len(id) > 8 {
		id = id[:8]
	}
	return ManagedAgentPrefix + id
}

// IsManagedAgentID reports whether an agent id belongs to the gateway.
func IsManagedAgentID(id string) bool {
	return strings.HasPrefix(id, ManagedAgentPrefix) || id == legacyManagedAgentID
}

// parsePeer extracts a host peer from a binding scope. Supported forms:
// channel:<ID>, user:<ID>, and bare Slack ids (C…/G… channels, U…/D… users).
// The canonical peer id is uppercased.
func parsePeer(scope string) (Peer, bool) {
	s := strings.TrimSpace(scope)
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "channel:"):
		return Peer{Kind: "channel", ID: strings.ToUpper(s[len("channel:"):])}, true
	case strings.HasPrefix(lower, "user:"):
		return Peer{Kind: "user", ID: strings.ToUpper(s[len("user:"):])}, true
	}
	if len(s) > 1 && !strings.ContainsAny(s, " :*#") {
		switch lower[0] {
		case 'c', 'g':
			return Peer{Kind: "channel", ID: strings.ToUpper(s)}, true
		case 'u', 'd':
			return Peer{Kind: "user", ID: strings.ToUpper(s)}, true
		}
	}
	return Peer{}, false
}

// ReconcileOptions parameterizes a reconciliation run.
type ReconcileOptions struct {
	ConfigPath string
	// EnvSigningSecret is propagated to HTTP-mode accounts lacking one.
	EnvSigningSecret string
}

// Reconciler materializes Talks' Slack bindings into the host's config file.
// It runs once at startup and on explicit trigger; binding edits between runs
// do not propagate until the next run.
type Reconciler struct {
	store  *talk.Store
	opts   ReconcileOptions
	logger zerolog.Logger
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(store *talk.Store, opts ReconcileOptions, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "routing.reconciler").Logger(),
	}
}

type desiredRow struct {
	binding        HostBinding
	requireMention bool
	accountID      string
	peer           Peer
}

// Run loads the host config, rewrites the managed sections, and persists the
// file if anything changed.
func (r *Reconciler) Run() error {
	cfg, err := LoadHostConfig(r.opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	talks := r.store.List()
	desired := r.desiredRows(talks)

	// Retain non-Slack rows and Slack rows neither desired nor managed.
	wanted := make(map[string]bool, len(desired))
	for _, d := range desired {
		wanted[rowKey(d.accountID, d.peer)] = true
	}
	kept := make([]HostBinding, 0, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		if !b.IsSlack() {
			kept = append(kept, b)
			continue
		}
		key := rowKey(b.Match.AccountID, *b.Match.Peer)
		if wanted[key] || IsManagedAgentID(b.AgentID) {
			continue
		}
		kept = append(kept, b)
	}
	bindings := make([]HostBinding, 0, len(desired)+len(kept))
	for _, d := range desired {
		bindings = append(bindings, d.binding)
	}
	cfg.Bindings = append(bindings, kept...)

	r.mergeAgents(cfg, talks)
	r.applyChannelSettings(cfg, desired)
	r.propagateSigningSecrets(cfg)

	changed, err := cfg.WriteIfChanged(r.opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if changed {
		r.logger.Info().Int("bindings", len(desired)).Msg("host config reconciled")
	} else {
		r.logger.Debug().Msg("host config unchanged")
	}
	return nil
}

// desiredRows derives the managed binding rows from Talks' write bindings,
// deduplicating on (platform, normalized scope, accountId).
func (r *Reconciler) desiredRows(talks []*talk.Talk) []desiredRow {
	var out []desiredRow
	seen := make(map[string]bool)
	for _, t := range talks {
		agentID := ManagedAgentID(t.ID)
		for _, b := range t.PlatformBindings {
			if !strings.EqualFold(b.Platform, "slack") || !b.Permission.CanWrite() {
				continue
			}
			peer, ok := parsePeer(b.Scope)
			if !ok {
				continue
			}
			key := rowKey(b.AccountID, peer)
			if seen[key] {
				continue
			}
			seen[key] = true

			requireMention := false
			if bh := t.BehaviorForBinding(b.ID); bh != nil && bh.ResponseMode == talk.ResponseMentions {
				requireMention = true
			}
			out = append(out, desiredRow{
				binding: HostBinding{
					AgentID: agentID,
					Match: BindingMatch{
						Channel:   "slack",
						AccountID: b.AccountID,
						Peer:      &peer,
					},
				},
				requireMention: requireMention,
				accountID:      b.AccountID,
				peer:           peer,
			})
		}
	}
	return out
}

// mergeAgents replaces stale managed agent entries and appends missing ones,
// leaving user-created agents untouched.
func (r *Reconciler) mergeAgents(cfg *HostConfig, talks []*talk.Talk) {
	defaultModel := cfg.Agents.Defaults.Model.Primary

	desired := make(map[string]HostAgent)
	for _, t := range talks {
		if !hasReconcilableBinding(t) {
			continue
		}
		agentID := ManagedAgentID(t.ID)
		name := t.TopicTitle
		if name == "" {
			name = "ClawTalk " + agentID
		}
		model := t.Model
		if model == "" {
			model = defaultModel
		}
		desired[agentID] = HostAgent{
			ID:      agentID,
			Name:    name,
			Model:   model,
			Sandbox: &SandboxConfig{Mode: "off"},
		}
	}

	merged := make([]HostAgent, 0, len(cfg.Agents.List)+len(desired))
	for _, a := range cfg.Agents.List {
		if IsManagedAgentID(a.ID) {
			continue
		}
		merged = append(merged, a)
	}
	for _, t := range talks {
		if a, ok := desired[ManagedAgentID(t.ID)]; ok {
			merged = append(merged, a)
			delete(desired, a.ID)
		}
	}
	cfg.Agents.List = merged
}

// applyChannelSettings sets per-channel requireMention flags per behavior.
func (r *Reconciler) applyChannelSettings(cfg *HostConfig, desired []desiredRow) {
	for _, d := range desired {
		if d.peer.Kind != "channel" {
			continue
		}
		account := d.accountID
		if account == "" {
			account = "default"
		}
		if cfg.Channels.Slack.Accounts == nil {
			cfg.Channels.Slack.Accounts = make(map[string]SlackAccountConfig)
		}
		ac := cfg.Channels.Slack.Accounts[account]
		if ac.Channels == nil {
			ac.Channels = make(map[string]SlackChannelConfig)
		}
		ac.Channels[d.peer.ID] = SlackChannelConfig{RequireMention: d.requireMention}
		cfg.Channels.Slack.Accounts[account] = ac
	}
}

// propagateSigningSecrets fills missing signing secrets for HTTP-mode
// accounts from the base config or the environment. Socket-mode accounts
// do not need one.
func (r *Reconciler) propagateSigningSecrets(cfg *HostConfig) {
	fallback := cfg.Channels.Slack.SigningSecret
	if fallback == "" {
		fallback = r.opts.EnvSigningSecret
	}
	if fallback == "" {
		return
	}
	for id, ac := range cfg.Channels.Slack.Accounts {
		if ac.Mode == "socket" || ac.SigningSecret != "" {
			continue
		}
		ac.SigningSecret = fallback
		cfg.Channels.Slack.Accounts[id] = ac
	}
}

func hasReconcilableBinding(t *talk.Talk) bool {
	for _, b := range t.PlatformBindings {
		if !strings.EqualFold(b.Platform, "slack") || !b.Permission.CanWrite() {
			continue
		}
		if _, ok := parsePeer(b.Scope); ok {
			return true
		}
	}
	return false
}

func rowKey(accountID string, peer Peer) string {
	account := strings.ToLower(accountID)
	if account == "" {
		account = "default"
	}
	return account + "|" + strings.ToLower(peer.Kind) + "|" + strings.ToLower(peer.ID)
}
