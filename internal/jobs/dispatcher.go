package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jokim1/clawtalk-gateway/internal/talk"
)

// DefaultDebounce is the minimum spacing between event-job runs for one
// (talk, job) pair.
const DefaultDebounce = 30 * time.Second

// MessageReceivedEvent is the host's message_received hook payload.
type MessageReceivedEvent struct {
	Scope     string
	From      string
	Content   string
	AccountID string
	Timestamp time.Time
}

// HookContext mirrors the host hook ctx. ChannelID carries the platform name
// (e.g. "slack"), never a channel id.
type HookContext struct {
	ChannelID string
}

// ReplyFunc delivers an event job's output back to the triggering scope.
type ReplyFunc func(ctx context.Context, ev MessageReceivedEvent, output string)

// Dispatcher fans a single message_received call out to the matching event
// jobs, guarded by debounce and a per-Talk at-most-one rule.
type Dispatcher struct {
	store    *talk.Store
	executor *Executor
	debounce time.Duration
	reply    ReplyFunc
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time // (talkId, jobId) -> last run
	running   map[string]bool      // talkId -> event job in flight
}

// NewDispatcher creates an event dispatcher.
func NewDispatcher(store *talk.Store, executor *Executor, debounce time.Duration, reply ReplyFunc, logger zerolog.Logger) *Dispatcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Dispatcher{
		store:     store,
		executor:  executor,
		debounce:  debounce,
		reply:     reply,
		logger:    logger.With().Str("component", "jobs.dispatcher").Logger(),
		now:       time.Now,
		lastFired: make(map[string]time.Time),
		running:   make(map[string]bool),
	}
}

// ParseEventTrigger extracts the scope from an event-job schedule of the
// form "on <scope>".
func ParseEventTrigger(schedule string) (string, bool) {
	s := strings.TrimSpace(schedule)
	if !strings.HasPrefix(strings.ToLower(s), "on ") {
		return "", false
	}
	scope := strings.TrimSpace(s[3:])
	if scope == "" {
		return "", false
	}
	return scope, true
}

// HandleMessageReceived scans active event jobs and schedules every match.
// The host ignores the hook's return value, so all work is fire-and-forget.
func (d *Dispatcher) HandleMessageReceived(ev MessageReceivedEvent, hctx HookContext) {
	platform := strings.ToLower(strings.TrimSpace(hctx.ChannelID))
	if platform == "" {
		return
	}

	for _, aj := range d.store.AllActiveJobs() {
		if aj.Job.Type != talk.JobEvent {
			continue
		}
		scope, ok := ParseEventTrigger(aj.Job.Schedule)
		if !ok {
			continue
		}
		binding := d.matchBinding(aj.TalkID, platform, scope)
		if binding == nil {
			continue
		}
		if !d.tryAcquire(aj.TalkID, aj.Job.ID) {
			continue
		}
		canReply := binding.Permission.CanWrite()
		go d.run(aj, ev, platform, scope, canReply)
	}
}

// matchBinding finds a Talk binding whose normalized scope and platform match
// the job's trigger scope.
func (d *Dispatcher) matchBinding(talkID, platform, scope string) *talk.Binding {
	t, ok := d.store.Get(talkID)
	if !ok {
		return nil
	}
	want := talk.NormalizeScope(scope)
	for i := range t.PlatformBindings {
		b := &t.PlatformBindings[i]
		if !strings.EqualFold(b.Platform, platform) {
			continue
		}
		if talk.NormalizeScope(b.Scope) == want {
			return b
		}
	}
	return nil
}

// tryAcquire applies the debounce and the per-Talk concurrency cap.
func (d *Dispatcher) tryAcquire(talkID, jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := talkID + "|" + jobID
	now := d.now()
	if last, ok := d.lastFired[key]; ok && now.Sub(last) < d.debounce {
		return false
	}
	if d.running[talkID] {
		return false
	}
	d.lastFired[key] = now
	d.running[talkID] = true
	return true
}

func (d *Dispatcher) release(talkID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, talkID)
}

func (d *Dispatcher) run(aj talk.ActiveJob, ev MessageReceivedEvent, platform, scope string, canReply bool) {
	defer d.release(aj.TalkID)

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = d.now()
	}
	trigger := fmt.Sprintf("Platform: %s\nSource: %s\nFrom: %s\nTime: %s\nContent: %s",
		platform, scope, ev.From, ts.UTC().Format(time.RFC3339), ev.Content)

	ctx, cancel := context.WithTimeout(context.Background(), DefaultBaseTimeout+time.Minute)
	defer cancel()

	output, err := d.executor.Run(ctx, aj.TalkID, aj.Job, trigger, "event")
	if err != nil {
		d.logger.Warn().Err(err).Str("talk_id", aj.TalkID).Str("job_id", aj.Job.ID).Msg("event job failed")
		return
	}
	d.logger.Info().Str("talk_id", aj.TalkID).Str("job_id", aj.Job.ID).Msg("event job completed")

	if canReply && d.reply != nil && output != "" {
		d.reply(ctx, ev, output)
	}
}

// StartCleanup prunes stale debounce entries until ctx is canceled.
func (d *Dispatcher) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(d.debounce * 5)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pruneDebounce()
		}
	}
}

// pruneDebounce drops entries older than ten debounce windows.
func (d *Dispatcher) pruneDebounce() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-10 * d.debounce)
	for key, at := range d.lastFired {
		if at.Before(cutoff) {
			delete(d.lastFired, key)
		}
	}
}
