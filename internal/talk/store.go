package talk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jokim1/clawtalk-gateway/internal/fsatomic"
	"github.com/jokim1/clawtalk-gateway/internal/ttlcache"
)

const contextCacheTTL = 30 * time.Second

// Store is the single writer for all Talk state. The per-Talk directory tree
// is the source of truth; the in-memory map is a cache rebuilt on startup.
type Store struct {
	mu     sync.Mutex
	root   string
	logger zerolog.Logger
	now    func() time.Time

	talks     map[string]*Talk
	listCache []*Talk

	contextCache *ttlcache.Cache[string, string]
	events       *notifier
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore opens the Talk store rooted at dir, loading every Talk directory.
// Stale processing flags left over from a crash are cleared with a warning.
func NewStore(dir string, logger zerolog.Logger, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create talks dir: %w", err)
	}
	s := &Store{
		root:         dir,
		logger:       logger.With().Str("component", "talk.store").Logger(),
		now:          time.Now,
		talks:        make(map[string]*Talk),
		contextCache: ttlcache.New[string, string](256, ttlcache.WithTTL[string, string](contextCacheTTL)),
		events:       &notifier{logger: logger.With().Str("component", "talk.events").Logger()},
	}
	for _, o := range opts {
		o(s)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read talks dir: %w", err)
	}
	staleProcessing := 0
	for _, e := range entries {
		if !e.IsDir() || !ValidTalkID(e.Name()) {
			continue
		}
		t, err := s.loadTalk(e.Name())
		if err != nil {
			s.logger.Warn().Err(err).Str("talk_id", e.Name()).Msg("skipping unreadable talk")
			continue
		}
		if t.Processing {
			t.Processing = false
			staleProcessing++
		}
		s.talks[t.ID] = t
	}
	if staleProcessing > 0 {
		s.logger.Warn().Int("count", staleProcessing).Msg("cleared stale processing flags on startup")
	}
	return s, nil
}

// Subscribe registers a change listener. Listener failures are isolated.
func (s *Store) Subscribe(l ChangeListener) {
	s.events.subscribe(l)
}

func (s *Store) talkDir(id string) string     { return filepath.Join(s.root, id) }
func (s *Store) talkPath(id string) string    { return filepath.Join(s.root, id, "talk.json") }
func (s *Store) historyPath(id string) string { return filepath.Join(s.root, id, "history.jsonl") }
func (s *Store) reportsPath(id string) string { return filepath.Join(s.root, id, "reports.jsonl") }
func (s *Store) contextPath(id string) string { return filepath.Join(s.root, id, "context.md") }

// AffinityDir returns the per-Talk affinity directory.
func (s *Store) AffinityDir(id string) string { return filepath.Join(s.root, id, "affinity") }

func (s *Store) loadTalk(id string) (*Talk, error) {
	data, err := os.ReadFile(s.talkPath(id))
	if err != nil {
		return nil, err
	}
	var t Talk
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("corrupt talk.json: %w", err)
	}
	t.ID = id
	normalizeTalk(&t)
	return &t, nil
}

// saveTalkLocked persists talk.json. Failures are logged and swallowed: the
// in-memory state stays authoritative until the next successful write.
func (s *Store) saveTalkLocked(t *Talk) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Str("talk_id", t.ID).Msg("failed to marshal talk")
		return
	}
	if err := fsatomic.WriteFile(s.talkPath(t.ID), data); err != nil {
		s.logger.Error().Err(err).Str("talk_id", t.ID).Msg("failed to persist talk")
	}
}

// bumpLocked advances the optimistic-concurrency triple, persists, and
// returns the event to publish after the lock is released.
func (s *Store) bumpLocked(t *Talk, changeType, modifiedBy string) ChangeEvent {
	nowMs := s.now().UnixMilli()
	t.TalkVersion++
	t.ChangeID = uuid.New().String()
	t.LastModifiedAt = nowMs
	t.LastModifiedBy = modifiedBy
	t.UpdatedAt = nowMs
	s.listCache = nil
	s.saveTalkLocked(t)
	return ChangeEvent{
		Type:           changeType,
		TalkID:         t.ID,
		TalkVersion:    t.TalkVersion,
		ChangeID:       t.ChangeID,
		Timestamp:      nowMs,
		LastModifiedBy: modifiedBy,
	}
}

func cloneTalk(t *Talk) *Talk {
	c := *t
	c.Agents = append([]AgentSpec(nil), t.Agents...)
	c.PinnedMessageIDs = append([]string(nil), t.PinnedMessageIDs...)
	c.Directives = append([]Directive(nil), t.Directives...)
	c.PlatformBindings = append([]Binding(nil), t.PlatformBindings...)
	c.PlatformBehaviors = append([]Behavior(nil), t.PlatformBehaviors...)
	c.Jobs = append([]Job(nil), t.Jobs...)
	c.ToolsAllow = append([]string(nil), t.ToolsAllow...)
	c.ToolsDeny = append([]string(nil), t.ToolsDeny...)
	return &c
}

// Create makes a new Talk with defaults and persists it.
func (s *Store) Create(model, modifiedBy string) (*Talk, error) {
	s.mu.Lock()
	nowMs := s.now().UnixMilli()
	t := &Talk{
		ID:               uuid.New().String(),
		TalkVersion:      1,
		ChangeID:         uuid.New().String(),
		LastModifiedAt:   nowMs,
		LastModifiedBy:   modifiedBy,
		Model:            model,
		ExecutionMode:    ExecutionOpenClaw,
		FilesystemAccess: FilesystemWorkspaceSandbox,
		NetworkAccess:    NetworkRestricted,
		ToolMode:         ToolModeConfirm,
		CreatedAt:        nowMs,
		UpdatedAt:        nowMs,
	}
	if err := os.MkdirAll(s.talkDir(t.ID), 0o755); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to create talk dir: %w", err)
	}
	s.talks[t.ID] = t
	s.listCache = nil
	s.saveTalkLocked(t)
	out := cloneTalk(t)
	s.mu.Unlock()

	s.events.publish(ChangeEvent{
		Type:        "created",
		TalkID:      t.ID,
		TalkVersion: 1,
		ChangeID:    t.ChangeID,
		Timestamp:   nowMs,
	})
	return out, nil
}

// Get returns a copy of the Talk with the given id.
func (s *Store) Get(id string) (*Talk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.talks[id]
	if !ok {
		return nil, false
	}
	return cloneTalk(t), true
}

// List returns all Talks sorted by updatedAt descending. The sorted slice is
// memoized and invalidated on any mutation.
func (s *Store) List() []*Talk {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listCache == nil {
		s.listCache = make([]*Talk, 0, len(s.talks))
		for _, t := range s.talks {
			s.listCache = append(s.listCache, t)
		}
		sort.Slice(s.listCache, func(i, j int) bool {
			return s.listCache[i].UpdatedAt > s.listCache[j].UpdatedAt
		})
	}
	out := make([]*Talk, len(s.listCache))
	for i, t := range s.listCache {
		out[i] = cloneTalk(t)
	}
	return out
}

// Patch is the whitelist of mutable Talk fields. Nil fields are untouched.
// Enum fields arrive as raw strings and pass through the normalizers.
type Patch struct {
	TopicTitle        *string
	Objective         *string
	Model             *string
	GoogleAuthProfile *string
	Agents            *[]AgentSpec
	Directives        *[]Directive
	PlatformBindings  *[]Binding
	PlatformBehaviors *[]Behavior
	ToolMode          *string
	ExecutionMode     *string
	FilesystemAccess  *string
	NetworkAccess     *string
	ToolsAllow        *[]string
	ToolsDeny         *[]string
}

// Update applies a whitelisted patch and bumps the version triple.
func (s *Store) Update(id string, p Patch, modifiedBy string) (*Talk, error) {
	s.mu.Lock()
	t, ok := s.talks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("talk %s not found", id)
	}
	if p.TopicTitle != nil {
		t.TopicTitle = *p.TopicTitle
	}
	if p.Objective != nil {
		t.Objective = *p.Objective
	}
	if p.Model != nil {
		t.Model = *p.Model
	}
	if p.GoogleAuthProfile != nil {
		t.GoogleAuthProfile = *p.GoogleAuthProfile
	}
	if p.Agents != nil {
		t.Agents = *p.Agents
	}
	if p.Directives != nil {
		t.Directives = *p.Directives
	}
	if p.PlatformBindings != nil {
		t.PlatformBindings = *p.PlatformBindings
	}
	if p.PlatformBehaviors != nil {
		t.PlatformBehaviors = *p.PlatformBehaviors
	}
	if p.ToolMode != nil {
		t.ToolMode = NormalizeToolMode(*p.ToolMode)
	}
	if p.ExecutionMode != nil {
		t.ExecutionMode = NormalizeExecutionMode(*p.ExecutionMode)
	}
	if p.FilesystemAccess != nil {
		t.FilesystemAccess = NormalizeFilesystemAccess(*p.FilesystemAccess)
	}
	if p.NetworkAccess != nil {
		t.NetworkAccess = NormalizeNetworkAccess(*p.NetworkAccess)
	}
	if p.ToolsAllow != nil {
		t.ToolsAllow = FilterToolNames(*p.ToolsAllow)
	}
	if p.ToolsDeny != nil {
		t.ToolsDeny = FilterToolNames(*p.ToolsDeny)
	}
	normalizeTalk(t)
	ev := s.bumpLocked(t, "updated", modifiedBy)
	out := cloneTalk(t)
	s.mu.Unlock()

	s.events.publish(ev)
	return out, nil
}

// Delete removes the Talk and its directory. A deleted Talk never re-emerges
// after restart because the directory is the source of truth.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	t, ok := s.talks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("talk %s not found", id)
	}
	delete(s.talks, id)
	s.listCache = nil
	s.contextCache.Delete(id)
	ver := t.TalkVersion + 1
	if err := os.RemoveAll(s.talkDir(id)); err != nil {
		s.logger.Error().Err(err).Str("talk_id", id).Msg("failed to remove talk dir")
	}
	s.mu.Unlock()

	s.events.publish(ChangeEvent{
		Type:        "deleted",
		TalkID:      id,
		TalkVersion: ver,
		ChangeID:    uuid.New().String(),
		Timestamp:   s.now().UnixMilli(),
	})
	return nil
}

// SetProcessing flips the transient processing hint without bumping the
// version triple. The flag is persisted only as a crash hint.
func (s *Store) SetProcessing(id string, processing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.talks[id]
	if !ok || t.Processing == processing {
		return
	}
	t.Processing = processing
	s.saveTalkLocked(t)
}

// Processing reports the transient processing hint.
func (s *Store) Processing(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.talks[id]
	return ok && t.Processing
}

// AppendMessage appends one message to the Talk's history log. The append is
// awaited; log-write failures surface to the caller.
func (s *Store) AppendMessage(id string, msg Message) (Message, error) {
	s.mu.Lock()
	t, ok := s.talks[id]
	if !ok {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("talk %s not found", id)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = s.now().UnixMilli()
	}
	msg.Role = NormalizeRole(string(msg.Role))
	line, err := json.Marshal(msg)
	if err != nil {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := fsatomic.AppendLine(s.historyPath(id), line); err != nil {
		s.mu.Unlock()
		return Message{}, err
	}
	ev := s.bumpLocked(t, "message_appended", string(msg.Role))
	s.mu.Unlock()

	s.events.publish(ev)
	return msg, nil
}

// Messages returns the full history log.
func (s *Store) Messages(id string) []Message {
	return readAllLines[Message](s.historyPath(id), s.logger)
}

// RecentMessages returns the last n history messages in order.
func (s *Store) RecentMessages(id string, n int) []Message {
	return readRecentLines[Message](s.historyPath(id), n, s.logger)
}

// Message returns a single message by id.
func (s *Store) Message(id, msgID string) (Message, bool) {
	for _, m := range s.Messages(id) {
		if m.ID == msgID {
			return m, true
		}
	}
	return Message{}, false
}

// DeleteMessages removes the given message ids, rewriting the log atomically.
// Any pin left dangling by the delete is removed in the same mutation (I2).
func (s *Store) DeleteMessages(id string, ids []string) error {
	s.mu.Lock()
	t, ok := s.talks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("talk %s not found", id)
	}
	drop := make(map[string]bool, len(ids))
	for _, m := range ids {
		drop[m] = true
	}

	kept := make([]Message, 0)
	remaining := make(map[string]bool)
	for _, m := range readAllLines[Message](s.historyPath(id), s.logger) {
		if drop[m.ID] {
			continue
		}
		kept = append(kept, m)
		remaining[m.ID] = true
	}

	var buf strings.Builder
	for _, m := range kept {
		line, err := json.Marshal(m)
		if err != nil {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := fsatomic.WriteFile(s.historyPath(id), []byte(buf.String())); err != nil {
		s.mu.Unlock()
		return err
	}

	pins := t.PinnedMessageIDs[:0]
	for _, p := range t.PinnedMessageIDs {
		if remaining[p] {
			pins = append(pins, p)
		}
	}
	t.PinnedMessageIDs = pins
	ev := s.bumpLocked(t, "messages_deleted", "")
	s.mu.Unlock()

	s.events.publish(ev)
	return nil
}

// PinMessage adds msgID to the ordered pin set. The message must exist in the
// same Talk's log.
func (s *Store) PinMessage(id, msgID, modifiedBy string) error {
	if _, ok := s.Message(id, msgID); !ok {
		return fmt.Errorf("message %s not found in talk %s", msgID, id)
	}
	s.mu.Lock()
	t, ok := s.talks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("talk %s not found", id)
	}
	for _, p := range t.PinnedMessageIDs {
		if p == msgID {
			s.mu.Unlock()
			return nil
		}
	}
	t.PinnedMessageIDs = append(t.PinnedMessageIDs, msgID)
	ev := s.bumpLocked(t, "pin_added", modifiedBy)
	s.mu.Unlock()

	s.events.publish(ev)
	return nil
}

// UnpinMessage removes msgID from the pin set.
func (s *Store) UnpinMessage(id, msgID, modifiedBy string) error {
	s.mu.Lock()
	t, ok := s.talks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("talk %s not found", id)
	}
	pins := t.PinnedMessageIDs[:0]
	removed := false
	for _, p := range t.PinnedMessageIDs {
		if p == msgID {
			removed = true
			continue
		}
		pins = append(pins, p)
	}
	t.PinnedMessageIDs = pins
	if !removed {
		s.mu.Unlock()
		return nil
	}
	ev := s.bumpLocked(t, "pin_removed", modifiedBy)
	s.mu.Unlock()

	s.events.publish(ev)
	return nil
}

// AddJob appends a job to the Talk.
func (s *Store) AddJob(id string, job Job, modifiedBy string) (Job, error) {
	job.Type = NormalizeJobType(string(job.Type))
	if job.Type == "" || job.Schedule == "" {
		return Job{}, fmt.Errorf("invalid job: type and schedule are required")
	}
	job.Output.Type = NormalizeOutputType(string(job.Output.Type))

	s.mu.Lock()
	t, ok := s.talks[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("talk %s not found", id)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt == 0 {
		job.CreatedAt = s.now().UnixMilli()
	}
	t.Jobs = append(t.Jobs, job)
	ev := s.bumpLocked(t, "job_added", modifiedBy)
	s.mu.Unlock()

	s.events.publish(ev)
	return job, nil
}

// UpdateJob replaces the stored job with the same id.
func (s *Store) UpdateJob(id string, job Job, modifiedBy string) error {
	s.mu.Lock()
	t, ok := s.talks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("talk %s not found", id)
	}
	found := false
	for i := range t.Jobs {
		if t.Jobs[i].ID == job.ID {
			t.Jobs[i] = job
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("job %s not found in talk %s", job.ID, id)
	}
	ev := s.bumpLocked(t, "job_updated", modifiedBy)
	s.mu.Unlock()

	s.events.publish(ev)
	return nil
}

// DeleteJob removes the job with the given id.
func (s *Store) DeleteJob(id, jobID, modifiedBy string) error {
	s.mu.Lock()
	t, ok := s.talks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("talk %s not found", id)
	}
	jobs := t.Jobs[:0]
	removed := false
	for _, j := range t.Jobs {
		if j.ID == jobID {
			removed = true
			continue
		}
		jobs = append(jobs, j)
	}
	t.Jobs = jobs
	if !removed {
		s.mu.Unlock()
		return fmt.Errorf("job %s not found in talk %s", jobID, id)
	}
	ev := s.bumpLocked(t, "job_deleted", modifiedBy)
	s.mu.Unlock()

	s.events.publish(ev)
	return nil
}

// ActiveJob pairs a job with its owning Talk id.
type ActiveJob struct {
	TalkID string
	Job    Job
}

// AllActiveJobs returns every active job across all Talks.
func (s *Store) AllActiveJobs() []ActiveJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ActiveJob
	for _, t := range s.talks {
		for _, j := range t.Jobs {
			if j.Active {
				out = append(out, ActiveJob{TalkID: t.ID, Job: j})
			}
		}
	}
	return out
}

// Context returns the Talk's context document, cached for a short TTL.
func (s *Store) Context(id string) string {
	if v, ok := s.contextCache.Get(id); ok {
		return v
	}
	data, err := os.ReadFile(s.contextPath(id))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("talk_id", id).Msg("failed to read context")
		}
		return ""
	}
	s.contextCache.Put(id, string(data))
	return string(data)
}

// SetContext rewrites the context document whole.
func (s *Store) SetContext(id, content, modifiedBy string) error {
	s.mu.Lock()
	t, ok := s.talks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("talk %s not found", id)
	}
	if err := fsatomic.WriteFile(s.contextPath(id), []byte(content)); err != nil {
		s.mu.Unlock()
		return err
	}
	s.contextCache.Put(id, content)
	ev := s.bumpLocked(t, "context_updated", modifiedBy)
	s.mu.Unlock()

	s.events.publish(ev)
	return nil
}

// AppendReport appends a job report. Fire-and-forget: failures log a warning.
func (s *Store) AppendReport(id string, r JobReport) {
	line, err := json.Marshal(r)
	if err != nil {
		s.logger.Warn().Err(err).Str("talk_id", id).Msg("failed to marshal report")
		return
	}
	if err := fsatomic.AppendLine(s.reportsPath(id), line); err != nil {
		s.logger.Warn().Err(err).Str("talk_id", id).Msg("failed to append report")
	}
}

// Reports returns the full report log for a Talk.
func (s *Store) Reports(id string) []JobReport {
	return readAllLines[JobReport](s.reportsPath(id), s.logger)
}

// RecentReports filters the report log by run time and job id. since is ms
// since epoch; zero means no lower bound. Empty jobID matches all jobs.
func (s *Store) RecentReports(id string, since int64, jobID string) []JobReport {
	var out []JobReport
	for _, r := range s.Reports(id) {
		if since > 0 && r.RunAt < since {
			continue
		}
		if jobID != "" && r.JobID != jobID {
			continue
		}
		out = append(out, r)
	}
	return out
}
