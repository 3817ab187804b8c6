package routing

import (
	"strings"

	"github.com/jokim1/clawtalk-gateway/internal/talk"
)

// Conflict reports the same (platform, scope, account) claimed by a Talk
// binding and by a host binding whose agent is outside the managed set.
// All fields except TalkID are lowercased for stable comparison.
type Conflict struct {
	TalkID            string `json:"talkId"`
	TalkScope         string `json:"talkScope"`
	TalkAccountID     string `json:"talkAccountId"`
	OpenClawAgentID   string `json:"openClawAgentId"`
	OpenClawScope     string `json:"openClawScope"`
	OpenClawAccountID string `json:"openClawAccountId"`
}

// DoctorInput is the material the ownership doctor inspects.
type DoctorInput struct {
	Talks            []*talk.Talk
	OpenClawConfig   *HostConfig
	ClawTalkAgentIDs []string
}

// DiagnoseOwnership detects conflicts between Talk bindings and host-owned
// bindings. Detection only; nothing is mutated.
func DiagnoseOwnership(in DoctorInput) []Conflict {
	managed := make(map[string]bool, len(in.ClawTalkAgentIDs))
	for _, id := range in.ClawTalkAgentIDs {
		managed[strings.ToLower(id)] = true
	}

	var conflicts []Conflict
	if in.OpenClawConfig == nil {
		return conflicts
	}
	for _, row := range in.OpenClawConfig.Bindings {
		if !row.IsSlack() || managed[strings.ToLower(row.AgentID)] {
			continue
		}
		rowAccount := normalizeAccount(row.Match.AccountID)
		rowScope := row.PeerScope()

		for _, t := range in.Talks {
			for _, b := range t.PlatformBindings {
				if !strings.EqualFold(b.Platform, "slack") || !b.Permission.CanWrite() {
					continue
				}
				account := normalizeAccount(b.AccountID)
				if account != rowAccount {
					continue
				}
				scope := talk.NormalizeScope(b.Scope)
				if scope != rowScope && scope != "slack:*" {
					continue
				}
				conflicts = append(conflicts, Conflict{
					TalkID:            t.ID,
					TalkScope:         scope,
					TalkAccountID:     account,
					OpenClawAgentID:   strings.ToLower(row.AgentID),
					OpenClawScope:     rowScope,
					OpenClawAccountID: rowAccount,
				})
			}
		}
	}
	return conflicts
}

func normalizeAccount(id string) string {
	if id == "" {
		return "default"
	}
	return strings.ToLower(id)
}
