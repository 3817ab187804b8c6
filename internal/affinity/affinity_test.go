package affinity

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jokim1/clawtalk-gateway/internal/fsatomic"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dir := t.TempDir()
	dirFor := func(talkID string) string { return filepath.Join(dir, talkID, "affinity") }
	base := []Option{WithRoll(func() float64 { return 0.99 })} // never explore
	return NewStore(dirFor, DefaultParams(), zerolog.Nop(), append(base, opts...)...)
}

var (
	policyAllowed = []string{"state_append_event", "state_read_summary", "google_docs_append", "web_search"}
	baseline      = []string{"state_append_event", "state_read_summary"}
)

func TestSelectTools_ColdStartBaselineNoData(t *testing.T) {
	s := newTestStore(t)

	sel := s.SelectTools("t1", "study", policyAllowed, baseline)

	require.Equal(t, PhaseLearned, sel.Phase)
	assert.Equal(t, baseline, sel.SelectedTools)
	assert.ElementsMatch(t, []string{"google_docs_append", "web_search"}, sel.PrunedTools)
	assert.Contains(t, sel.Reason, "cold-start")
	assert.Contains(t, sel.Reason, "baseline=2")
}

func TestSelectTools_DeathSpiralRegression(t *testing.T) {
	s := newTestStore(t)

	// One observation with no tools used must not collapse the selection:
	// the baseline wins until the warmup threshold is crossed.
	s.Record("t1", Observation{Intent: "study", UsedTools: []string{}, AvailableTools: policyAllowed})

	sel := s.SelectTools("t1", "study", policyAllowed, baseline)
	require.Equal(t, PhaseLearned, sel.Phase)
	assert.Equal(t, baseline, sel.SelectedTools)
}

func TestSelectTools_AllToolLessObservationsPruneEverything(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < DefaultWarmupThreshold; i++ {
		s.Record("t1", Observation{Intent: "study", UsedTools: []string{}, AvailableTools: policyAllowed})
	}

	sel := s.SelectTools("t1", "study", policyAllowed, baseline)
	require.Equal(t, PhaseLearned, sel.Phase)
	assert.Empty(t, sel.SelectedTools)
	assert.ElementsMatch(t, policyAllowed, sel.PrunedTools)
}

func TestSelectTools_WarmupToLearnedNonColdIntent(t *testing.T) {
	s := newTestStore(t)
	tools := []string{"file_read", "file_write", "file_list", "file_delete"}

	for i := 0; i < 2; i++ {
		s.Record("t1", Observation{Intent: "file_ops", UsedTools: []string{}, AvailableTools: tools})
		sel := s.SelectTools("t1", "file_ops", tools, nil)
		require.Equal(t, PhaseWarmup, sel.Phase, "observation %d", i+1)
		assert.Len(t, sel.SelectedTools, 4)
	}

	s.Record("t1", Observation{Intent: "file_ops", UsedTools: []string{}, AvailableTools: tools})
	sel := s.SelectTools("t1", "file_ops", tools, nil)
	require.Equal(t, PhaseLearned, sel.Phase)
	assert.Empty(t, sel.SelectedTools)
	assert.Len(t, sel.PrunedTools, 4)
}

func TestSelectTools_FrequencyThreshold(t *testing.T) {
	s := newTestStore(t)

	// 10 observations: state_append_event used every time, web_search once.
	for i := 0; i < 10; i++ {
		used := []string{"state_append_event"}
		if i == 0 {
			used = append(used, "web_search")
		}
		s.Record("t1", Observation{Intent: "automation", UsedTools: used, AvailableTools: policyAllowed})
	}

	sel := s.SelectTools("t1", "automation", policyAllowed, nil)
	require.Equal(t, PhaseLearned, sel.Phase)
	assert.Contains(t, sel.SelectedTools, "state_append_event")
	// 1/10 = 0.1 meets the default threshold exactly.
	assert.Contains(t, sel.SelectedTools, "web_search")
	assert.NotContains(t, sel.SelectedTools, "google_docs_append")
}

func TestSelectTools_ExplorationRoll(t *testing.T) {
	s := newTestStore(t, WithRoll(func() float64 { return 0.0 }))

	for i := 0; i < DefaultWarmupThreshold; i++ {
		s.Record("t1", Observation{Intent: "study", UsedTools: []string{}, AvailableTools: policyAllowed})
	}

	sel := s.SelectTools("t1", "study", policyAllowed, nil)
	require.Equal(t, PhaseExploration, sel.Phase)
	assert.Equal(t, policyAllowed, sel.SelectedTools)
}

func TestSelectTools_ColdIntentNoDataNoBaseline(t *testing.T) {
	s := newTestStore(t)

	sel := s.SelectTools("t1", "conversation", policyAllowed, nil)
	require.Equal(t, PhaseLearned, sel.Phase)
	assert.Empty(t, sel.SelectedTools)
}

func TestSelectTools_Disabled(t *testing.T) {
	dir := t.TempDir()
	params := DefaultParams()
	params.Enabled = false
	s := NewStore(func(id string) string { return filepath.Join(dir, id) }, params, zerolog.Nop())

	sel := s.SelectTools("t1", "study", policyAllowed, baseline)
	assert.Equal(t, policyAllowed, sel.SelectedTools)
}

func TestComputeColdStartBaseline(t *testing.T) {
	assert.Equal(t, []string{"state_append_event", "state_read_summary"},
		ComputeColdStartBaseline("stream_store", policyAllowed))
	assert.Equal(t, []string{"state_append_event", "state_read_summary"},
		ComputeColdStartBaseline("", policyAllowed))
	assert.Nil(t, ComputeColdStartBaseline("workspace_files", policyAllowed))
}

func TestComputeTimeout(t *testing.T) {
	base := 240 * time.Second
	min := 120 * time.Second

	assert.Equal(t, base, ComputeTimeout(PhaseWarmup, 10, base, min))
	assert.Equal(t, base, ComputeTimeout(PhaseExploration, 0, base, min))

	// learned: min(base, max(min, 60s + 20s*k))
	assert.Equal(t, 120*time.Second, ComputeTimeout(PhaseLearned, 0, base, min))
	assert.Equal(t, 120*time.Second, ComputeTimeout(PhaseLearned, 2, base, min))
	assert.Equal(t, 160*time.Second, ComputeTimeout(PhaseLearned, 5, base, min))
	assert.Equal(t, base, ComputeTimeout(PhaseLearned, 50, base, min))
}

func TestSnapshotSlidingWindow(t *testing.T) {
	dir := t.TempDir()
	params := DefaultParams()
	params.SlidingWindow = 5
	s := NewStore(func(id string) string { return filepath.Join(dir, id) }, params, zerolog.Nop(),
		WithRoll(func() float64 { return 0.99 }))

	// 10 old observations using web_search, then 5 without tools: only the
	// last 5 stay in the window.
	for i := 0; i < 10; i++ {
		s.Record("t1", Observation{Intent: "automation", UsedTools: []string{"web_search"}})
	}
	for i := 0; i < 5; i++ {
		s.Record("t1", Observation{Intent: "automation", UsedTools: []string{}})
	}

	snap := s.SnapshotFor("t1")
	stats := snap.ByIntent["automation"]
	assert.Equal(t, 5, stats.TotalObservations)
	assert.Equal(t, 5, stats.NoToolCount)
	assert.Zero(t, stats.ToolCounts["web_search"])
}

func TestSnapshotCorruptLineSkipped(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(func(id string) string { return filepath.Join(dir, id) }, DefaultParams(), zerolog.Nop())

	s.Record("t1", Observation{Intent: "study", UsedTools: []string{"state_append_event"}})
	require.NoError(t, fsatomic.AppendLine(s.observationsPath("t1"), []byte("{not json")))
	s.Record("t1", Observation{Intent: "study", UsedTools: []string{"state_append_event"}})

	snap := s.SnapshotFor("t1")
	assert.Equal(t, 2, snap.ByIntent["study"].TotalObservations)
}
