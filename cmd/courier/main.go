package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/courier/internal/api"
	"github.com/lalithlochan/courier/internal/audit"
	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/compliance"
	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/dispatch"
	"github.com/lalithlochan/courier/internal/ingest"
	"github.com/lalithlochan/courier/internal/leads"
	"github.com/lalithlochan/courier/internal/lock"
	"github.com/lalithlochan/courier/internal/maintenance"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/notify"
	"github.com/lalithlochan/courier/internal/observ"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/retry"
	"github.com/lalithlochan/courier/internal/sns"
	"github.com/lalithlochan/courier/internal/sqs"
	"github.com/lalithlochan/courier/internal/transport"
	"github.com/lalithlochan/courier/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("failed to load compliance policy: %w", err)
	}

	logger.Info("starting courier",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("worker_id", cfg.WorkerID),
		zap.String("claim_mode", cfg.DispatchClaimMode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	// Redis holds every cross-worker claim and budget, so it is required.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	complianceRepo := db.NewComplianceRepository(database, logger)
	leadRepo := db.NewLeadRepository(database, logger)
	jobRepo := db.NewJobRepository(database, logger)
	auditRepo := db.NewAuditRepository(database, logger)

	locks := lock.NewManager(redis.NewLocker(redisClient), cfg.WorkerID, observ.Component(logger, "lock"))

	trail := audit.New(auditRepo, audit.Config{BufferSize: cfg.AuditBufferSize}, observ.Component(logger, "audit"))
	// The audit writer outlives everything that appends to it.
	trailCtx, stopTrail := context.WithCancel(context.Background())
	trailDone := make(chan struct{})
	go func() {
		trail.Run(trailCtx)
		close(trailDone)
	}()
	defer func() {
		stopTrail()
		<-trailDone
	}()

	engine := compliance.NewEngine(
		complianceRepo,
		redis.NewWindowCounter(redisClient),
		locks,
		buildNotifier(ctx, cfg, logger),
		trail,
		policy,
		observ.Component(logger, "compliance"),
	)

	registry := buildTransports(cfg, logger)

	var claimer dispatch.Claimer
	switch cfg.DispatchClaimMode {
	case "lock":
		claimer = dispatch.NewLockClaimer(jobRepo, locks, cfg.DispatchLease, observ.Component(logger, "dispatch"))
	default:
		claimer = dispatch.NewNativeClaimer(jobRepo, cfg.DispatchLease)
	}
	queue := dispatch.NewQueue(jobRepo, claimer, redis.NewIdempotencyService(redisClient, logger), observ.Component(logger, "dispatch"))

	leadService := leads.NewService(leadRepo, locks, trail, leads.Config{}, observ.Component(logger, "leads"))
	ingester := ingest.New(complianceRepo, observ.Component(logger, "ingest"))

	var (
		sink     worker.OutcomeSink
		consumer *sqs.Consumer
	)
	if cfg.SQSOutcomeURL != "" || cfg.SQSInboundURL != "" {
		sqsClient, err := sqs.NewClient(ctx, sqs.Config{Region: cfg.AWSRegion, Endpoint: cfg.AWSEndpoint})
		if err != nil {
			return fmt.Errorf("failed to create sqs client: %w", err)
		}
		if cfg.SQSOutcomeURL != "" {
			sink = sqs.NewProducer(sqsClient, cfg.SQSOutcomeURL, logger)
		}
		if cfg.SQSInboundURL != "" {
			consumer = sqs.NewConsumer(sqsClient, cfg.SQSInboundURL, observ.Component(logger, "ingest"))
		}
	}

	w := worker.New(queue, leadRepo, engine, registry, trail, sink, worker.Config{
		WorkerID:     cfg.WorkerID,
		PollInterval: cfg.DispatchPollInterval,
		BatchSize:    cfg.DispatchBatchSize,
		Concurrency:  cfg.DispatchConcurrency,
	}, observ.Component(logger, "worker"))

	scheduler := maintenance.NewScheduler(observ.Component(logger, "maintenance"))
	if cfg.AuditVerifySchedule != "" {
		sweep := maintenance.NewAuditSweep(auditRepo, trail, cfg.AuditVerifyLimit, observ.Component(logger, "maintenance"))
		if err := scheduler.Add(ctx, "audit-verify", cfg.AuditVerifySchedule, func(ctx context.Context) error {
			_, err := sweep.Run(ctx)
			return err
		}); err != nil {
			return err
		}
	}
	if err := scheduler.Add(ctx, "db-stats", "@every 30s", func(context.Context) error {
		metrics.SetDBConnections(database.Stat())
		return nil
	}); err != nil {
		return err
	}

	limiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.APIRateLimit,
		Window: cfg.APIRateWindow,
	})
	handler := api.NewHandler(api.Deps{
		Leads:       leadRepo,
		Gate:        engine,
		Jobs:        queue,
		Assigner:    leadService,
		Inbound:     ingester,
		Sender:      registry,
		Trail:       trail,
		Health:      database,
		VerifyLimit: cfg.AuditVerifyLimit,
	}, observ.Component(logger, "api"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})
	g.Go(func() error {
		w.Start(gctx)
		return nil
	})
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	if consumer != nil {
		g.Go(func() error {
			consumer.Run(gctx, ingester.HandleMessage)
			return nil
		})
	}

	return g.Wait()
}

// buildNotifier always logs downgrades and adds SNS and SES when configured.
func buildNotifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) compliance.Notifier {
	log := observ.Component(logger, "notify")
	notifiers := []compliance.Notifier{notify.NewLog(log)}

	if cfg.SNSTopicARN != "" {
		pub, err := sns.NewPublisher(ctx, sns.Config{Region: cfg.AWSRegion, TopicARN: cfg.SNSTopicARN, Endpoint: cfg.AWSEndpoint})
		if err != nil {
			log.Warn("sns publisher unavailable, tier events will not be published", zap.Error(err))
		} else {
			notifiers = append(notifiers, notify.NewTopic(pub, log))
		}
	}
	if cfg.SESFromEmail != "" && len(cfg.SESAdminEmails) > 0 {
		client, err := notify.NewSESClient(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
		if err != nil {
			log.Warn("ses client unavailable, tier emails disabled", zap.Error(err))
		} else {
			notifiers = append(notifiers, notify.NewEmail(client, cfg.SESFromEmail, cfg.SESAdminEmails, log))
		}
	}
	return notify.NewMulti(notifiers...)
}

// buildTransports registers one resilient transport per channel. Channels
// without Graph credentials log messages instead of sending them.
func buildTransports(cfg *config.Config, logger *zap.Logger) *transport.Registry {
	log := observ.Component(logger, "transport")

	graph := func(senderID string) transport.GraphConfig {
		return transport.GraphConfig{
			BaseURL:     cfg.GraphBaseURL,
			Version:     cfg.GraphVersion,
			AccessToken: cfg.GraphAccessToken,
			SenderID:    senderID,
			Timeout:     cfg.SendTimeout,
		}
	}

	channels := []struct {
		name     string
		senderID string
		build    func(transport.GraphConfig, *zap.Logger) transport.ChannelTransport
	}{
		{db.ChannelWhatsApp, cfg.WhatsAppPhoneID, func(c transport.GraphConfig, l *zap.Logger) transport.ChannelTransport { return transport.NewWhatsApp(c, l) }},
		{db.ChannelInstagram, cfg.InstagramAccountID, func(c transport.GraphConfig, l *zap.Logger) transport.ChannelTransport { return transport.NewInstagram(c, l) }},
		{db.ChannelFacebook, cfg.FacebookPageID, func(c transport.GraphConfig, l *zap.Logger) transport.ChannelTransport { return transport.NewFacebook(c, l) }},
	}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.RetryMaxRetries
	policy.InitialDelay = cfg.RetryInitialDelay
	policy.MaxDelay = cfg.RetryMaxDelay

	registry := transport.NewRegistry(log)
	for _, ch := range channels {
		var t transport.ChannelTransport
		if cfg.GraphAccessToken == "" || ch.senderID == "" {
			log.Warn("no provider credentials, messages will only be logged", zap.String("channel", ch.name))
			t = transport.NewLogTransport(ch.name, log)
		} else {
			t = ch.build(graph(ch.senderID), log)
		}
		if cfg.ProviderRate > 0 {
			t = transport.NewThrottled(t, cfg.ProviderRate, cfg.ProviderBurst)
		}

		breakerCfg := circuitbreaker.DefaultConfig(ch.name)
		breakerCfg.ErrorThresholdPercent = cfg.CircuitErrorThreshold
		breakerCfg.WindowSize = cfg.CircuitWindowSize
		breakerCfg.ResetTimeout = cfg.CircuitResetTimeout
		breakerCfg.IsFailure = transport.ProviderFailure

		registry.Register(transport.NewResilient(t, circuitbreaker.New(breakerCfg, log), policy, cfg.SendTimeout, log))
	}
	return registry
}
