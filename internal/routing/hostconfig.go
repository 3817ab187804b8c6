package routing

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jokim1/clawtalk-gateway/internal/fsatomic"
)

// Peer identifies a Slack channel or user on the host side.
type Peer struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// BindingMatch selects the traffic a host binding claims.
type BindingMatch struct {
	Channel   string `json:"channel"`
	AccountID string `json:"accountId,omitempty"`
	Peer      *Peer  `json:"peer,omitempty"`
}

// HostBinding is one row of the host config's bindings array. The raw form
// is retained so foreign rows survive a rewrite byte-for-byte.
type HostBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`

	raw json.RawMessage
}

// UnmarshalJSON keeps the raw row alongside the parsed fields.
func (b *HostBinding) UnmarshalJSON(data []byte) error {
	type alias struct {
		AgentID string       `json:"agentId"`
		Match   BindingMatch `json:"match"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	b.AgentID = a.AgentID
	b.Match = a.Match
	b.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON prefers the retained raw row; rows built in-process marshal
// from the typed fields.
func (b HostBinding) MarshalJSON() ([]byte, error) {
	if len(b.raw) > 0 {
		return b.raw, nil
	}
	type alias struct {
		AgentID string       `json:"agentId"`
		Match   BindingMatch `json:"match"`
	}
	return json.Marshal(alias{AgentID: b.AgentID, Match: b.Match})
}

// IsSlack reports whether the row claims Slack traffic with a parseable peer.
func (b *HostBinding) IsSlack() bool {
	return strings.EqualFold(b.Match.Channel, "slack") && b.Match.Peer != nil &&
		b.Match.Peer.Kind != "" && b.Match.Peer.ID != ""
}

// PeerScope returns the normalized "kind:id" scope of the row's peer.
func (b *HostBinding) PeerScope() string {
	if b.Match.Peer == nil {
		return ""
	}
	return strings.ToLower(b.Match.Peer.Kind) + ":" + strings.ToLower(b.Match.Peer.ID)
}

// HostAgent is one managed or user-created agent entry.
type HostAgent struct {
	ID      string         `json:"id"`
	Name    string         `json:"name,omitempty"`
	Model   string         `json:"model,omitempty"`
	Sandbox *SandboxConfig `json:"sandbox,omitempty"`

	raw json.RawMessage
}

// SandboxConfig is the host agent sandbox block.
type SandboxConfig struct {
	Mode string `json:"mode"`
}

// UnmarshalJSON keeps the raw entry for passthrough of unmanaged agents.
func (a *HostAgent) UnmarshalJSON(data []byte) error {
	type alias struct {
		ID      string         `json:"id"`
		Name    string         `json:"name,omitempty"`
		Model   string         `json:"model,omitempty"`
		Sandbox *SandboxConfig `json:"sandbox,omitempty"`
	}
	var v alias
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	a.ID, a.Name, a.Model, a.Sandbox = v.ID, v.Name, v.Model, v.Sandbox
	a.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON prefers the retained raw entry.
func (a HostAgent) MarshalJSON() ([]byte, error) {
	if len(a.raw) > 0 {
		return a.raw, nil
	}
	type alias struct {
		ID      string         `json:"id"`
		Name    string         `json:"name,omitempty"`
		Model   string         `json:"model,omitempty"`
		Sandbox *SandboxConfig `json:"sandbox,omitempty"`
	}
	return json.Marshal(alias{ID: a.ID, Name: a.Name, Model: a.Model, Sandbox: a.Sandbox})
}

// HostAgents is the host config agents section.
type HostAgents struct {
	List     []HostAgent  `json:"list,omitempty"`
	Defaults HostDefaults `json:"defaults,omitempty"`
}

// HostDefaults carries the host's default model selection.
type HostDefaults struct {
	Model HostModelDefaults `json:"model,omitempty"`
}

// HostModelDefaults names the primary model.
type HostModelDefaults struct {
	Primary string `json:"primary,omitempty"`
}

// SlackChannelConfig is a per-channel host setting.
type SlackChannelConfig struct {
	RequireMention bool `json:"requireMention"`
}

// SlackAccountConfig is a per-account host setting.
type SlackAccountConfig struct {
	SigningSecret string                        `json:"signingSecret,omitempty"`
	Mode          string                        `json:"mode,omitempty"`
	WebhookPath   string                        `json:"webhookPath,omitempty"`
	Channels      map[string]SlackChannelConfig `json:"channels,omitempty"`
}

// SlackChannels is the channels.slack section.
type SlackChannels struct {
	SigningSecret string                        `json:"signingSecret,omitempty"`
	Accounts      map[string]SlackAccountConfig `json:"accounts,omitempty"`
}

// HostChannels is the channels section.
type HostChannels struct {
	Slack SlackChannels `json:"slack,omitempty"`
}

// HostConfig is the host's config file as consumed and produced by the
// reconciler. Unknown top-level keys are preserved across rewrites.
type HostConfig struct {
	Bindings []HostBinding `json:"-"`
	Agents   HostAgents    `json:"-"`
	Channels HostChannels  `json:"-"`

	extra map[string]json.RawMessage
}

// ParseHostConfig parses the host config JSON, keeping unknown keys.
func ParseHostConfig(data []byte) (*HostConfig, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("failed to parse host config: %w", err)
	}
	cfg := &HostConfig{extra: all}
	if raw, ok := all["bindings"]; ok {
		if err := json.Unmarshal(raw, &cfg.Bindings); err != nil {
			return nil, fmt.Errorf("failed to parse bindings: %w", err)
		}
	}
	if raw, ok := all["agents"]; ok {
		if err := json.Unmarshal(raw, &cfg.Agents); err != nil {
			return nil, fmt.Errorf("failed to parse agents: %w", err)
		}
	}
	if raw, ok := all["channels"]; ok {
		if err := json.Unmarshal(raw, &cfg.Channels); err != nil {
			return nil, fmt.Errorf("failed to parse channels: %w", err)
		}
	}
	return cfg, nil
}

// LoadHostConfig reads and parses the host config file. A missing file yields
// an empty config.
func LoadHostConfig(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &HostConfig{extra: map[string]json.RawMessage{}}, nil
		}
		return nil, fmt.Errorf("failed to read host config: %w", err)
	}
	return ParseHostConfig(data)
}

// Serialize renders the config back to JSON with managed sections replaced.
func (c *HostConfig) Serialize() ([]byte, error) {
	if c.Bindings == nil {
		c.Bindings = []HostBinding{}
	}
	out := make(map[string]json.RawMessage, len(c.extra)+3)
	for k, v := range c.extra {
		out[k] = v
	}
	for k, v := range map[string]any{
		"bindings": c.Bindings,
		"agents":   c.Agents,
		"channels": c.Channels,
	} {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", k, err)
		}
		out[k] = raw
	}
	return json.MarshalIndent(out, "", "  ")
}

// WriteIfChanged persists the config via temp-then-rename, skipping the write
// when the serialized form is byte-identical to the file on disk.
func (c *HostConfig) WriteIfChanged(path string) (bool, error) {
	data, err := c.Serialize()
	if err != nil {
		return false, err
	}
	existing, err := os.ReadFile(path)
	if err == nil && string(existing) == string(data) {
		return false, nil
	}
	if err := fsatomic.WriteFile(path, data); err != nil {
		return false, err
	}
	return true, nil
}
