package talk

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir, zerolog.Nop())
	require.NoError(t, err)
	return s, dir
}

func TestCreateGetList(t *testing.T) {
	s, _ := newTestStore(t)

	a, err := s.Create("claude-sonnet", "tester")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.TalkVersion)
	assert.NotEmpty(t, a.ChangeID)
	assert.Equal(t, ExecutionOpenClaw, a.ExecutionMode)

	got, ok := s.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, "claude-sonnet", got.Model)

	_, ok = s.Get("missing")
	assert.False(t, ok)

	b, err := s.Create("", "tester")
	require.NoError(t, err)
	// Touch b so its updatedAt is strictly newest.
	time.Sleep(5 * time.Millisecond)
	title := "newest"
	_, err = s.Update(b.ID, Patch{TopicTitle: &title}, "tester")
	require.NoError(t, err)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
}

func TestUpdateBumpsVersionMonotonically(t *testing.T) {
	s, _ := newTestStore(t)

	var mu sync.Mutex
	var events []ChangeEvent
	s.Subscribe(func(ev ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	tk, err := s.Create("", "tester")
	require.NoError(t, err)

	title := "topic"
	obj := "objective"
	for _, p := range []Patch{{TopicTitle: &title}, {Objective: &obj}} {
		_, err = s.Update(tk.ID, p, "tester")
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(events), 3)
	last := int64(0)
	for _, ev := range events {
		assert.Equal(t, tk.ID, ev.TalkID)
		assert.Greater(t, ev.TalkVersion, last)
		last = ev.TalkVersion
	}
}

func TestUpdateNormalizesEnums(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create("", "tester")
	require.NoError(t, err)

	mode := "unsandboxed"
	tools := []string{"web_search", "WEB_SEARCH", "bad tool"}
	got, err := s.Update(tk.ID, Patch{ExecutionMode: &mode, ToolsAllow: &tools}, "tester")
	require.NoError(t, err)
	assert.Equal(t, ExecutionFullControl, got.ExecutionMode)
	assert.Equal(t, []string{"web_search"}, got.ToolsAllow)
}

func TestSetProcessingDoesNotBumpVersion(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create("", "tester")
	require.NoError(t, err)

	s.SetProcessing(tk.ID, true)
	got, _ := s.Get(tk.ID)
	assert.True(t, got.Processing)
	assert.Equal(t, tk.TalkVersion, got.TalkVersion)
	assert.Equal(t, tk.ChangeID, got.ChangeID)
}

func TestStartupClearsStaleProcessing(t *testing.T) {
	s, dir := newTestStore(t)
	tk, err := s.Create("", "tester")
	require.NoError(t, err)
	s.SetProcessing(tk.ID, true)

	reopened, err := NewStore(dir, zerolog.Nop())
	require.NoError(t, err)
	got, ok := reopened.Get(tk.ID)
	require.True(t, ok)
	assert.False(t, got.Processing)
}

func TestDeleteTalkDoesNotReemerge(t *testing.T) {
	s, dir := newTestStore(t)
	tk, err := s.Create("", "tester")
	require.NoError(t, err)
	require.NoError(t, s.Delete(tk.ID))

	_, ok := s.Get(tk.ID)
	assert.False(t, ok)

	reopened, err := NewStore(dir, zerolog.Nop())
	require.NoError(t, err)
	_, ok = reopened.Get(tk.ID)
	assert.False(t, ok)
}

func TestMessagesAppendAndRead(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create("", "tester")
	require.NoError(t, err)

	m1, err := s.AppendMessage(tk.ID, Message{Role: RoleUser, Content: "first"})
	require.NoError(t, err)
	m2, err := s.AppendMessage(tk.ID, Message{Role: RoleAssistant, Content: "second"})
	require.NoError(t, err)
	assert.NotEmpty(t, m1.ID)

	msgs := s.Messages(tk.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)

	recent := s.RecentMessages(tk.ID, 1)
	require.Len(t, recent, 1)
	assert.Equal(t, m2.ID, recent[0].ID)

	got, ok := s.Message(tk.ID, m1.ID)
	require.True(t, ok)
	assert.Equal(t, "first", got.Content)
}

func TestDeleteMessagesRemovesDanglingPins(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create("", "tester")
	require.NoError(t, err)

	m1, err := s.AppendMessage(tk.ID, Message{Role: RoleUser, Content: "keep"})
	require.NoError(t, err)
	m2, err := s.AppendMessage(tk.ID, Message{Role: RoleUser, Content: "drop"})
	require.NoError(t, err)

	require.NoError(t, s.PinMessage(tk.ID, m1.ID, "tester"))
	require.NoError(t, s.PinMessage(tk.ID, m2.ID, "tester"))

	require.NoError(t, s.DeleteMessages(tk.ID, []string{m2.ID}))

	got, _ := s.Get(tk.ID)
	assert.Equal(t, []string{m1.ID}, got.PinnedMessageIDs)

	msgs := s.Messages(tk.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, m1.ID, msgs[0].ID)
}

func TestPinRequiresExistingMessage(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create("", "tester")
	require.NoError(t, err)

	assert.Error(t, s.PinMessage(tk.ID, "ghost", "tester"))
}

func TestJobsLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create("", "tester")
	require.NoError(t, err)

	job, err := s.AddJob(tk.ID, Job{Type: JobRecurring, Schedule: "0 9 * * *", Prompt: "daily summary", Active: true}, "tester")
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	_, err = s.AddJob(tk.ID, Job{Type: "bogus", Schedule: "x"}, "tester")
	assert.Error(t, err)

	active := s.AllActiveJobs()
	require.Len(t, active, 1)
	assert.Equal(t, tk.ID, active[0].TalkID)

	job.Active = false
	require.NoError(t, s.UpdateJob(tk.ID, job, "tester"))
	assert.Empty(t, s.AllActiveJobs())

	require.NoError(t, s.DeleteJob(tk.ID, job.ID, "tester"))
	got, _ := s.Get(tk.ID)
	assert.Empty(t, got.Jobs)
}

func TestContextRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create("", "tester")
	require.NoError(t, err)

	assert.Empty(t, s.Context(tk.ID))
	require.NoError(t, s.SetContext(tk.ID, "# Notes\nremember this", "tester"))
	assert.Contains(t, s.Context(tk.ID), "remember this")
}

func TestReportsAppendAndFilter(t *testing.T) {
	s, _ := newTestStore(t)
	tk, err := s.Create("", "tester")
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	s.AppendReport(tk.ID, JobReport{JobID: "j1", RunAt: now - 1000, Status: JobSuccess, FullOutput: "ok"})
	s.AppendReport(tk.ID, JobReport{JobID: "j2", RunAt: now, Status: JobFailure, Error: "boom"})

	all := s.Reports(tk.ID)
	require.Len(t, all, 2)

	recent := s.RecentReports(tk.ID, now-500, "")
	require.Len(t, recent, 1)
	assert.Equal(t, "j2", recent[0].JobID)

	byJob := s.RecentReports(tk.ID, 0, "j1")
	require.Len(t, byJob, 1)
	assert.Equal(t, JobSuccess, byJob[0].Status)
}

func TestCorruptHistoryLineSkipped(t *testing.T) {
	s, dir := newTestStore(t)
	tk, err := s.Create("", "tester")
	require.NoError(t, err)

	_, err = s.AppendMessage(tk.ID, Message{Role: RoleUser, Content: "good"})
	require.NoError(t, err)

	histPath := filepath.Join(dir, tk.ID, "history.jsonl")
	f, err := os.OpenFile(histPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{corrupt\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = s.AppendMessage(tk.ID, Message{Role: RoleUser, Content: "also good"})
	require.NoError(t, err)

	msgs := s.Messages(tk.ID)
	assert.Len(t, msgs, 2)
}

func TestListenerPanicIsolated(t *testing.T) {
	s, _ := newTestStore(t)
	s.Subscribe(func(ChangeEvent) { panic("listener bug") })

	called := false
	s.Subscribe(func(ChangeEvent) { called = true })

	_, err := s.Create("", "tester")
	require.NoError(t, err)
	assert.True(t, called)
}
