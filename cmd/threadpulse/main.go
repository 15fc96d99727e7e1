// threadpulse is the single binary for all five agent roles. Each role runs
// as its own process: `threadpulse coordinator`, `threadpulse retrieval`,
// and so on. Roles discover each other through the Redis registry and share
// one database schema.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/threadpulse-io/threadpulse/internal/agent"
	"github.com/threadpulse-io/threadpulse/internal/alert"
	"github.com/threadpulse-io/threadpulse/internal/breaker"
	"github.com/threadpulse-io/threadpulse/internal/config"
	"github.com/threadpulse-io/threadpulse/internal/coordinator"
	"github.com/threadpulse-io/threadpulse/internal/db"
	"github.com/threadpulse-io/threadpulse/internal/metrics"
	"github.com/threadpulse-io/threadpulse/internal/protocol"
	"github.com/threadpulse-io/threadpulse/internal/registry"
	"github.com/threadpulse-io/threadpulse/internal/relevance"
	"github.com/threadpulse-io/threadpulse/internal/repositories"
	"github.com/threadpulse-io/threadpulse/internal/retrieval"
	"github.com/threadpulse-io/threadpulse/internal/summarise"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "threadpulse",
		Short: "ThreadPulse — autonomous discussion monitoring pipeline",
		Long: `ThreadPulse monitors discussion platforms for configured topics.
Five agent roles cooperate over a JSON-RPC protocol: the coordinator drives
monitoring cycles, retrieval fetches content, filter scores relevance,
summarise condenses relevant items, and alert delivers digests.`,
		SilenceUsage: true,
	}

	descriptions := map[string]string{
		config.RoleCoordinator: "Run the coordinator: cycle scheduling, orchestration, recovery",
		config.RoleRetrieval:   "Run the retrieval agent: platform content fetching",
		config.RoleFilter:      "Run the filter agent: relevance scoring",
		config.RoleSummarise:   "Run the summarise agent: content summarisation",
		config.RoleAlert:       "Run the alert agent: digest delivery",
	}
	for role, short := range descriptions {
		role := role
		root.AddCommand(&cobra.Command{
			Use:   role,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), role)
			},
		})
	}
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("threadpulse %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, role string) error {
	cfg, err := config.Load(role)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.Named(role)

	logger.Info("starting agent",
		zap.String("version", version),
		zap.String("role", role),
		zap.Int("port", cfg.Port),
		zap.String("db_driver", cfg.DBDriver))

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.SecretKey != "" {
		if err := db.InitEncryption([]byte(cfg.SecretKey)); err != nil {
			return fmt.Errorf("encryption init failed: %w", err)
		}
	}

	database, err := db.New(db.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RegistryURL})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("registry unreachable at %s: %w", cfg.RegistryURL, err)
	}

	clock := clockwork.NewRealClock()
	reg := registry.New(rdb, cfg.RegistryTTL, logger)
	breakers := breaker.NewRegistry(cfg.Breakers, clock)
	m := metrics.New()
	promReg := prometheus.NewRegistry()
	m.Register(promReg)

	tasks := repositories.NewTaskRepository(database)
	states := repositories.NewAgentStateRepository(database)
	content := repositories.NewContentRepository(database)
	communities := repositories.NewCommunityRepository(database)
	filters := repositories.NewFilterRepository(database)
	summaries := repositories.NewSummaryRepository(database)
	alerts := repositories.NewAlertRepository(database)
	workflows := repositories.NewWorkflowRepository(database)
	locks := repositories.NewLockRepository(database)
	settings := repositories.NewSettingsRepository(database)

	base := agent.NewBase(role, version, buildCard(role, cfg), tasks, cfg.Retry, m, logger)
	caller := agent.NewHTTPCaller(reg, breakers, cfg.APIKey, cfg.Retry, clock, logger)

	switch role {
	case config.RoleCoordinator:
		coord := coordinator.New(caller, workflows, content, filters, summaries, alerts, locks,
			coordinator.Config{
				Topics:          cfg.Topics,
				Interval:        intervalOf(cfg),
				BatchMaxItems:   cfg.BatchMaxItems,
				AlertRecipients: cfg.AlertRecipients,
				Threshold:       cfg.RelevanceThreshold,
				KeywordWeight:   cfg.KeywordWeight,
				SemanticWeight:  cfg.SemanticWeight,
			}, clock, m, logger)

		if err := coord.Resume(ctx); err != nil {
			logger.Error("workflow resume failed", zap.Error(err))
		}

		sched, err := coordinator.NewScheduler(coord, intervalOf(cfg), cfg.Cron, logger)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop() //nolint:errcheck

		recovery := coordinator.NewRecovery(tasks, locks, caller, clock, 0, 0, logger)
		go recovery.Run(ctx)

	case config.RoleRetrieval:
		source := retrieval.NewPlatformSource(cfg.PlatformBaseURL, cfg.PlatformToken, cfg.PlatformRateLimit, logger)
		retrieval.New(base, source, content, communities, breakers.Get("reddit-api"), cfg.Retry, clock, logger)

	case config.RoleFilter:
		embedder := relevance.NewHTTPEmbedder(cfg.LLMBaseURL, cfg.LLMToken, cfg.LLMEmbedModel)
		relevance.New(base, embedder, content, filters, breakers.Get("llm-api"), cfg.Retry, clock, logger)

	case config.RoleSummarise:
		summariser := summarise.NewLLMSummariser(cfg.LLMBaseURL, cfg.LLMToken, cfg.LLMModel)
		summarise.New(base, summariser, cfg.LLMModel, cfg.LLMTokenLimit, content, filters, summaries,
			breakers.Get("llm-api"), cfg.Retry, clock, logger)

	case config.RoleAlert:
		seed := map[string]string{
			alert.KeySlackWebhookURL: cfg.SlackWebhookURL,
			alert.KeySMTPHost:        cfg.SMTPHost,
			alert.KeySMTPUsername:    cfg.SMTPUsername,
			alert.KeySMTPPassword:    cfg.SMTPPassword,
			alert.KeySMTPFrom:        cfg.SMTPFrom,
			alert.KeyWebhookURL:      cfg.WebhookURL,
			alert.KeyWebhookSecret:   cfg.WebhookSecret,
		}
		if cfg.SMTPHost != "" {
			seed[alert.KeySMTPPort] = strconv.Itoa(cfg.SMTPPort)
		}
		if err := alert.SeedSettings(ctx, settings, seed); err != nil {
			return fmt.Errorf("alert settings seed failed: %w", err)
		}

		slackSender := alert.NewSlackSender(alert.SlackURLLoader(settings, cfg.SlackWebhookURL))
		emailSender := alert.NewEmailSender(alert.SMTPLoader(settings, alert.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}))
		webhookSender := alert.NewWebhookSender(alert.WebhookLoader(settings))
		alert.New(base, slackSender, emailSender, webhookSender, alerts, filters, cfg.Retry, clock, m, logger)
	}

	server := agent.NewServer(agent.ServerConfig{
		Base:        base,
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Registry:    reg,
		States:      states,
		Breakers:    breakers,
		Database:    database,
		PromReg:     promReg,
		Logger:      logger,
		RegistryTTL: cfg.RegistryTTL,
	})
	return server.Run(ctx)
}

// buildCard assembles the role's protocol self-description. Skills are
// appended as the role package registers them.
func buildCard(role string, cfg *config.Config) protocol.AgentCard {
	return protocol.AgentCard{
		Name:        "threadpulse-" + role,
		Description: "ThreadPulse " + role + " agent",
		Version:     version,
		URL:         cfg.BaseURL + "/a2a",
		Provider:    protocol.Provider{Organization: "ThreadPulse", URL: "https://github.com/threadpulse-io/threadpulse"},
	}
}

func intervalOf(cfg *config.Config) time.Duration {
	return time.Duration(cfg.IntervalHours) * time.Hour
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
