// Package jobs runs Talk-scoped work: cron and one-shot schedules plus
// message-triggered event jobs, all through one shared execution routine.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jokim1/clawtalk-gateway/internal/affinity"
	"github.com/jokim1/clawtalk-gateway/internal/hostclient"
	"github.com/jokim1/clawtalk-gateway/internal/metrics"
	"github.com/jokim1/clawtalk-gateway/internal/routing"
	"github.com/jokim1/clawtalk-gateway/internal/slackout"
	"github.com/jokim1/clawtalk-gateway/internal/talk"
)

// DefaultBaseTimeout bounds any single model invocation.
const DefaultBaseTimeout = 240 * time.Second

// ExecutorOptions tunes the shared job-execution routine.
type ExecutorOptions struct {
	BaseTimeout time.Duration
	MinTimeout  time.Duration
	// StateBackend selects the cold-start baseline family.
	StateBackend string
}

// Executor performs one job run: policy tools, affinity pruning, header
// assembly through the routing guard, the host invocation, and delivery.
// Runs are serialized per Talk and concurrent across Talks.
type Executor struct {
	store    *talk.Store
	affinity *affinity.Store
	host     *hostclient.Client
	slack    *slackout.Sender
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	opts     ExecutorOptions

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewExecutor wires the executor.
func NewExecutor(store *talk.Store, aff *affinity.Store, host *hostclient.Client, slack *slackout.Sender, m *metrics.Metrics, opts ExecutorOptions, logger zerolog.Logger) *Executor {
	if opts.BaseTimeout <= 0 {
		opts.BaseTimeout = DefaultBaseTimeout
	}
	return &Executor{
		store:    store,
		affinity: aff,
		host:     host,
		slack:    slack,
		metrics:  m,
		logger:   logger.With().Str("component", "jobs.executor").Logger(),
		opts:     opts,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (e *Executor) lockFor(talkID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[talkID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[talkID] = l
	}
	return l
}

// policyAllowedTools derives the tool set a Talk's policy permits.
func policyAllowedTools(t *talk.Talk) []string {
	if t.ToolMode == talk.ToolModeOff {
		return nil
	}
	deny := make(map[string]bool, len(t.ToolsDeny))
	for _, d := range t.ToolsDeny {
		deny[strings.ToLower(d)] = true
	}
	out := make([]string, 0, len(t.ToolsAllow))
	for _, a := range t.ToolsAllow {
		lower := strings.ToLower(a)
		if deny[lower] {
			continue
		}
		if t.NetworkAccess == talk.NetworkRestricted && strings.HasPrefix(lower, "web_") {
			continue
		}
		if t.FilesystemAccess == talk.FilesystemWorkspaceSandbox && strings.HasPrefix(lower, "host_") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// sessionKey builds the job-run session key. Job runs always carry the job:
// prefix; only the agent header differs by execution mode.
func sessionKey(talkID, jobID string) string {
	return fmt.Sprintf("job:clawtalk:talk:%s:job:%s", talkID, jobID)
}

// Run executes one job. trigger carries the event-job trigger context and is
// empty for scheduled runs; source labels the observation origin. The run's
// full output is returned for reply delivery.
func (e *Executor) Run(ctx context.Context, talkID string, job talk.Job, trigger, source string) (string, error) {
	lock := e.lockFor(talkID)
	lock.Lock()
	defer lock.Unlock()

	t, ok := e.store.Get(talkID)
	if !ok {
		return "", fmt.Errorf("talk %s not found", talkID)
	}

	e.store.SetProcessing(talkID, true)
	defer e.store.SetProcessing(talkID, false)

	started := time.Now()
	output, runErr := e.invoke(ctx, t, job, trigger, source)
	e.recordOutcome(t, job, started, output, runErr)
	if runErr != nil {
		return "", runErr
	}
	return output, nil
}

func (e *Executor) invoke(ctx context.Context, t *talk.Talk, job talk.Job, trigger, source string) (string, error) {
	text := trigger
	if text == "" {
		text = job.Prompt
	}
	intent := string(routing.ClassifyIntent(text))

	policyAllowed := policyAllowedTools(t)
	baseline := affinity.ComputeColdStartBaseline(e.opts.StateBackend, policyAllowed)
	sel := e.affinity.SelectTools(t.ID, intent, policyAllowed, baseline)
	if e.metrics != nil {
		e.metrics.AffinityDecisions.WithLabelValues(intent, string(sel.Phase)).Inc()
	}
	timeout := affinity.ComputeTimeout(sel.Phase, len(sel.SelectedTools), e.opts.BaseTimeout, e.opts.MinTimeout)

	headers := map[string]string{
		routing.HeaderSessionKey: sessionKey(t.ID, job.ID),
	}
	if t.ExecutionMode == talk.ExecutionOpenClaw {
		headers[routing.HeaderAgentID] = routing.ManagedAgentID(t.ID)
	}
	if err := routing.AssertRoutingHeaders(routing.FlowJobScheduler, t.ExecutionMode, headers); err != nil {
		return "", err
	}

	prompt := job.Prompt
	if trigger != "" {
		prompt = job.Prompt + "\n\n" + trigger
	}
	resp, err := e.host.Invoke(ctx, hostclient.InvokeRequest{
		Model:   t.Model,
		Prompt:  prompt,
		System:  t.Objective,
		Tools:   sel.SelectedTools,
		Headers: headers,
		Timeout: timeout,
	})

	usedTools := []string{}
	var output string
	if resp != nil {
		usedTools = resp.ToolsUsed
		output = resp.Output
	}
	e.affinity.Record(t.ID, affinity.Observation{
		Intent:         intent,
		AvailableTools: policyAllowed,
		UsedTools:      usedTools,
		ToolsOffered:   len(sel.SelectedTools),
		Model:          t.Model,
		Source:         source,
	})
	if err != nil {
		return "", err
	}
	return output, nil
}

// recordOutcome writes the report, updates the job's last-run fields, and
// delivers successful output to the configured destination.
func (e *Executor) recordOutcome(t *talk.Talk, job talk.Job, started time.Time, output string, runErr error) {
	status := talk.JobSuccess
	errStr := ""
	if runErr != nil {
		status = talk.JobFailure
		errStr = runErr.Error()
	}

	e.store.AppendReport(t.ID, talk.JobReport{
		JobID:      job.ID,
		RunAt:      started.UnixMilli(),
		Status:     status,
		FullOutput: output,
		Error:      errStr,
	})

	job.LastRunAt = started.UnixMilli()
	job.LastStatus = status
	if err := e.store.UpdateJob(t.ID, job, "job-scheduler"); err != nil {
		e.logger.Warn().Err(err).Str("talk_id", t.ID).Str("job_id", job.ID).Msg("failed to record job run")
	}

	if e.metrics != nil {
		e.metrics.JobRunsTotal.WithLabelValues(string(job.Type), string(status)).Inc()
		e.metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(started).Seconds())
	}

	if runErr != nil {
		e.logger.Warn().Err(runErr).Str("talk_id", t.ID).Str("job_id", job.ID).Msg("job run failed")
		return
	}

	switch job.Output.Type {
	case talk.OutputTalk:
		if _, err := e.store.AppendMessage(t.ID, talk.Message{Role: talk.RoleAssistant, Content: output}); err != nil {
			e.logger.Warn().Err(err).Str("talk_id", t.ID).Msg("failed to deliver job output to talk")
		}
	case talk.OutputSlack:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.slack.Send(ctx, job.Output.AccountID, job.Output.ChannelID, job.Output.ThreadTS, output); err != nil {
			e.logger.Warn().Err(err).Str("talk_id", t.ID).Str("job_id", job.ID).Msg("failed to deliver job output to slack")
		}
	}
}
