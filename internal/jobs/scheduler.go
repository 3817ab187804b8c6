package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/jokim1/clawtalk-gateway/internal/talk"
)

// DefaultTickInterval is the scheduler's scan cadence.
const DefaultTickInterval = 60 * time.Second

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler drives recurring and one-shot jobs off a periodic tick. Event
// jobs are dispatched elsewhere and skipped here.
type Scheduler struct {
	store    *talk.Store
	executor *Executor
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastTick time.Time
}

// NewScheduler creates a scheduler ticking at interval (zero means default).
func NewScheduler(store *talk.Store, executor *Executor, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{
		store:    store,
		executor: executor,
		interval: interval,
		logger:   logger.With().Str("component", "jobs.scheduler").Logger(),
		now:      time.Now,
	}
}

// Start runs the tick loop until ctx is canceled. The loop never blocks
// shutdown: it exits as soon as the context is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.lastTick = s.now()
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("job scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("job scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick scans all active jobs and executes the due set, concurrently across
// Talks. The (lastTick, now] window discipline guarantees a boundary fire is
// seen exactly once.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	since := s.lastTick
	s.lastTick = now
	s.mu.Unlock()

	for _, aj := range s.store.AllActiveJobs() {
		if !s.due(aj.Job, since, now) {
			continue
		}
		aj := aj
		go func() {
			if _, err := s.executor.Run(ctx, aj.TalkID, aj.Job, "", "job"); err != nil {
				s.logger.Warn().Err(err).Str("talk_id", aj.TalkID).Str("job_id", aj.Job.ID).Msg("scheduled job failed")
			}
		}()
	}
}

// due decides whether a job fires in the (since, now] window.
func (s *Scheduler) due(job talk.Job, since, now time.Time) bool {
	switch job.Type {
	case talk.JobRecurring:
		sched, err := cronParser.Parse(job.Schedule)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Str("schedule", job.Schedule).Msg("invalid cron expression")
			return false
		}
		next := sched.Next(since)
		return !next.After(now)
	case talk.JobOnce:
		if job.LastRunAt != 0 {
			return false
		}
		if target, err := time.Parse(time.RFC3339, job.Schedule); err == nil {
			return !target.After(now)
		}
		sched, err := cronParser.Parse(job.Schedule)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Str("schedule", job.Schedule).Msg("invalid once schedule")
			return false
		}
		next := sched.Next(since)
		return !next.After(now)
	default:
		// Event jobs fire from the message_received hook, never the tick.
		return false
	}
}
