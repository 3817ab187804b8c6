package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jokim1/clawtalk-gateway/internal/affinity"
	"github.com/jokim1/clawtalk-gateway/internal/config"
	"github.com/jokim1/clawtalk-gateway/internal/health"
	"github.com/jokim1/clawtalk-gateway/internal/hooks"
	"github.com/jokim1/clawtalk-gateway/internal/hostclient"
	"github.com/jokim1/clawtalk-gateway/internal/ingress"
	"github.com/jokim1/clawtalk-gateway/internal/jobs"
	"github.com/jokim1/clawtalk-gateway/internal/metrics"
	"github.com/jokim1/clawtalk-gateway/internal/routing"
	"github.com/jokim1/clawtalk-gateway/internal/slackout"
	"github.com/jokim1/clawtalk-gateway/internal/talk"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("data_dir", cfg.DataDir).
		Msg("starting clawtalk gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Talk store: per-Talk directory tree is the source of truth. Failure to
	// open the data dir is the one unrecoverable startup error.
	store, err := talk.NewStore(cfg.TalksDir(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open talk store")
	}

	resolveHostWebhook := func(accountID string) string {
		if cfg.OpenClawWebhookURL != "" {
			return cfg.OpenClawWebhookURL
		}
		if cfg.OpenClawConfigPath != "" {
			if hostCfg, err := routing.LoadHostConfig(cfg.OpenClawConfigPath); err == nil {
				if ac, ok := hostCfg.Channels.Slack.Accounts[accountID]; ok && ac.WebhookPath != "" {
					return fmt.Sprintf("http://127.0.0.1:%d%s", cfg.OpenClawHTTPPort, ac.WebhookPath)
				}
			}
		}
		return cfg.HostWebhookBase()
	}

	m := metrics.New()
	checker := health.NewChecker(logger)
	checker.Register("data_dir", func(ctx context.Context) health.Status {
		if _, err := os.Stat(cfg.TalksDir()); err != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})
	checker.Register("openclaw_host", health.HTTPReachable(func() string { return resolveHostWebhook("default") }))

	// Materialize Talk bindings into the host config once at startup.
	if cfg.OpenClawConfigPath != "" {
		reconciler := routing.NewReconciler(store, routing.ReconcileOptions{
			ConfigPath:       cfg.OpenClawConfigPath,
			EnvSigningSecret: firstNonEmpty(cfg.GatewaySlackSigningSecret, cfg.SlackSigningSecret),
		}, logger)
		if err := reconciler.Run(); err != nil {
			logger.Warn().Err(err).Msg("routing reconciliation failed")
		}

		if hostCfg, err := routing.LoadHostConfig(cfg.OpenClawConfigPath); err == nil {
			var managedIDs []string
			for _, row := range hostCfg.Bindings {
				if routing.IsManagedAgentID(row.AgentID) {
					managedIDs = append(managedIDs, row.AgentID)
				}
			}
			conflicts := routing.DiagnoseOwnership(routing.DoctorInput{
				Talks:            store.List(),
				OpenClawConfig:   hostCfg,
				ClawTalkAgentIDs: managedIDs,
			})
			for _, c := range conflicts {
				logger.Warn().
					Str("talk_id", c.TalkID).
					Str("talk_scope", c.TalkScope).
					Str("openclaw_agent", c.OpenClawAgentID).
					Msg("ownership conflict detected")
			}
		}
	}

	aff := affinity.ForDataDir(cfg.DataDir, store.AffinityDir, affinity.Params{
		Enabled:         cfg.AffinityEnabled,
		WarmupThreshold: cfg.AffinityWarmup,
		SlidingWindow:   cfg.AffinityWindow,
		ExplorationRate: cfg.AffinityExplorationRate,
		MinThreshold:    cfg.AffinityMinThreshold,
	}, logger)

	host := hostclient.New(cfg.HostWebhookBase(), logger)
	sender := slackout.NewSingleAccountSender(cfg.SlackBotToken, logger)

	executor := jobs.NewExecutor(store, aff, host, sender, m, jobs.ExecutorOptions{
		BaseTimeout: cfg.JobBaseTimeout,
	}, logger)

	scheduler := jobs.NewScheduler(store, executor, cfg.SchedulerInterval, logger)
	go scheduler.Start(ctx)

	reply := func(rctx context.Context, ev jobs.MessageReceivedEvent, output string) {
		if err := sender.Send(rctx, ev.AccountID, replyChannel(ev.Scope), "", output); err != nil {
			logger.Warn().Err(err).Str("scope", ev.Scope).Msg("failed to deliver event-job reply")
		}
	}
	dispatcher := jobs.NewDispatcher(store, executor, cfg.EventJobDebounceDuration(), reply, logger)
	go dispatcher.StartCleanup(ctx)

	dedup := ingress.NewDedupTable(ingress.DefaultDedupTTL)
	in := ingress.NewIngress(store, dedup, m, logger)

	forwarder := ingress.NewForwarder(ingress.ForwarderOptions{
		Resolve: resolveHostWebhook,
		OnRetry: m.ForwardRetries.Inc,
	}, logger)

	secrets := func() []ingress.Secret {
		accountSecrets := make(map[string]string)
		baseSecret := ""
		if cfg.OpenClawConfigPath != "" {
			if hostCfg, err := routing.LoadHostConfig(cfg.OpenClawConfigPath); err == nil {
				baseSecret = hostCfg.Channels.Slack.SigningSecret
				for id, ac := range hostCfg.Channels.Slack.Accounts {
					accountSecrets[id] = ac.SigningSecret
				}
			}
		}
		return ingress.AssembleSecrets(accountSecrets, baseSecret, cfg.GatewaySlackSigningSecret, cfg.SlackSigningSecret)
	}
	proxy := ingress.NewProxy(in, forwarder, secrets, m, logger)
	server := ingress.NewServer(proxy, checker, m, logger)

	hooksAPI := hooks.NewAPI(dispatcher, hooks.NewContextInjector(store, logger), logger)
	server.App().Post("/api/hooks/message-received", hooksAPI.HandleMessageReceived)
	server.App().Post("/api/hooks/before-agent-start", hooksAPI.HandleBeforeAgentStart)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(cfg.HTTPPort)
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	cancel()
	if err := server.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("server shutdown error")
	}
	logger.Info().Msg("gateway stopped")
}

// replyChannel extracts the channel id from a trigger scope like
// "channel:C123"; bare scopes pass through.
func replyChannel(scope string) string {
	if i := strings.LastIndex(scope, ":"); i >= 0 {
		return strings.ToUpper(scope[i+1:])
	}
	return scope
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
