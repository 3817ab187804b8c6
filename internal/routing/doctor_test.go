package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokim1/clawtalk-gateway/internal/talk"
)

func hostConfigWithBinding(t *testing.T, agentID, accountID, kind, id string) *HostConfig {
	t.Helper()
	cfg, err := ParseHostConfig([]byte(`{
		"bindings": [
			{"agentId": "` + agentID + `", "match": {"channel": "slack", "accountId": "` + accountID + `", "peer": {"kind": "` + kind + `", "id": "` + id + `"}}}
		]
	}`))
	require.NoError(t, err)
	return cfg
}

func TestDiagnoseOwnership_Conflict(t *testing.T) {
	tk := &talk.Talk{
		ID: "talk-1",
		PlatformBindings: []talk.Binding{
			{ID: "b1", Platform: "slack", Scope: "channel:C01CL1PU022", AccountID: "kimfamily", Permission: talk.PermissionWrite},
		},
	}
	cfg := hostConfigWithBinding(t, "silent", "kimfamily", "channel", "C01CL1PU022")

	conflicts := DiagnoseOwnership(DoctorInput{
		Talks:            []*talk.Talk{tk},
		OpenClawConfig:   cfg,
		ClawTalkAgentIDs: []string{"mobileclaw", "clawtalk"},
	})

	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, "talk-1", c.TalkID)
	assert.Equal(t, "channel:c01cl1pu022", c.TalkScope)
	assert.Equal(t, "kimfamily", c.TalkAccountID)
	assert.Equal(t, "silent", c.OpenClawAgentID)
	assert.Equal(t, "channel:c01cl1pu022", c.OpenClawScope)
	assert.Equal(t, "kimfamily", c.OpenClawAccountID)
}

func TestDiagnoseOwnership_ManagedAgentSkipped(t *testing.T) {
	tk := &talk.Talk{
		ID: "talk-1",
		PlatformBindings: []talk.Binding{
			{ID: "b1", Platform: "slack", Scope: "channel:C1", Permission: talk.PermissionWrite},
		},
	}
	cfg := hostConfigWithBinding(t, "clawtalk", "", "channel", "C1")

	conflicts := DiagnoseOwnership(DoctorInput{
		Talks:            []*talk.Talk{tk},
		OpenClawConfig:   cfg,
		ClawTalkAgentIDs: []string{"clawtalk"},
	})
	assert.Empty(t, conflicts)
}

func TestDiagnoseOwnership_WildcardMatchesSameAccount(t *testing.T) {
	tk := &talk.Talk{
		ID: "talk-1",
		PlatformBindings: []talk.Binding{
			{ID: "b1", Platform: "slack", Scope: "slack:*", AccountID: "acct", Permission: talk.PermissionWrite},
		},
	}
	cfg := hostConfigWithBinding(t, "other", "acct", "channel", "C9")

	conflicts := DiagnoseOwnership(DoctorInput{Talks: []*talk.Talk{tk}, OpenClawConfig: cfg})
	require.Len(t, conflicts, 1)

	// Different account: no match.
	cfg = hostConfigWithBinding(t, "other", "elsewhere", "channel", "C9")
	conflicts = DiagnoseOwnership(DoctorInput{Talks: []*talk.Talk{tk}, OpenClawConfig: cfg})
	assert.Empty(t, conflicts)
}

func TestDiagnoseOwnership_ReadBindingIgnored(t *testing.T) {
	tk := &talk.Talk{
		ID: "talk-1",
		PlatformBindings: []talk.Binding{
			{ID: "b1", Platform: "slack", Scope: "channel:C1", Permission: talk.PermissionRead},
		},
	}
	cfg := hostConfigWithBinding(t, "other", "", "channel", "C1")

	conflicts := DiagnoseOwnership(DoctorInput{Talks: []*talk.Talk{tk}, OpenClawConfig: cfg})
	assert.Empty(t, conflicts)
}
