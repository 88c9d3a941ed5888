package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/adapters/cache"
	eventadapter "github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/adapters/events"
	httpadapter "github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/adapters/http"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/adapters/memory"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/adapters/metrics"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/adapters/payments"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/adapters/postgres"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/application"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Runtime struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
	grpcLis    net.Listener
	healthSrv  *health.Server
	outbox     *eventadapter.OutboxWorker
	reconcile  *eventadapter.ReconcileWorker
	cleanupFn  func(context.Context)
}

func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With("service", cfg.ServiceID)
	slog.SetDefault(logger)

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := postgres.RunMigrations(ctx, db); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	var closers []io.Closer

	prom := metrics.NewPrometheus()

	locker := ports.Locker(cache.NewMemoryLocker())
	if cfg.RedisURL != "" {
		redisClient, redisErr := cache.Connect(ctx, cfg.RedisURL)
		if redisErr != nil {
			_ = sqlDB.Close()
			return nil, redisErr
		}
		locker = cache.NewRedisLocker(redisClient)
		closers = append(closers, redisClient)
	} else {
		logger.WarnContext(ctx, "REDIS_URL not set, per-bounty locks are process-local",
			"module", "bootstrap", "layer", "runtime", "operation", "configure_locker", "outcome", "fallback")
	}

	processor := ports.MoneyProcessor(memory.NewProcessor(memory.ProcessorOptions{}))
	if cfg.StripeSecretKey != "" {
		processor = payments.NewStripeProcessor(payments.StripeConfig{
			SecretKey:      cfg.StripeSecretKey,
			BaseURL:        cfg.StripeBaseURL,
			RequestTimeout: cfg.ProcessorTimeout,
			MaxRetries:     uint64(cfg.ProcessorMaxRetries),
			RetryBaseDelay: cfg.ProcessorRetryBaseWait,
		}, prom)
	} else {
		logger.WarnContext(ctx, "STRIPE_SECRET_KEY not set, using the in-process sandbox processor",
			"module", "bootstrap", "layer", "runtime", "operation", "configure_processor", "outcome", "fallback")
	}

	repos := postgres.NewRepositories(db)
	service := application.NewService(application.Dependencies{
		Config: application.Config{
			ServiceName:          cfg.ServiceID,
			Policy:               cfg.Policy,
			PlatformFeeBps:       cfg.PlatformFeeBps,
			Currency:             cfg.Currency,
			OnboardingRefreshURL: cfg.OnboardingRefreshURL,
			OnboardingReturnURL:  cfg.OnboardingReturnURL,
			LockTTL:              cfg.LockTTL,
			LockWait:             cfg.LockWait,
			SagaTimeout:          cfg.SagaTimeout,
			EventDedupTTL:        cfg.EventDedupTTL,
			ReconcileBatchSize:   cfg.ReconcileBatchSize,
		},
		Bounties:   repos.Bounties,
		Profiles:   repos.Profiles,
		Earnings:   repos.Earnings,
		Releases:   repos.Releases,
		Outbox:     repos.Outbox,
		EventDedup: repos.EventDedup,
		Processor:  processor,
		Locker:     locker,
		Metrics:    prom,
	})

	handler := httpadapter.NewHandler(service, payments.NewStripeWebhookVerifier(cfg.StripeWebhookSecret, cfg.WebhookTolerance))
	router := httpadapter.NewRouter(handler, httpadapter.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Metrics:        prom,
		MetricsHandler: prom.Handler(),
		Ready: func(ctx context.Context) error {
			if err := sqlDB.PingContext(ctx); err != nil {
				return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
			}
			return nil
		},
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	publisher := ports.EventPublisher(eventadapter.NewLoggingPublisher(logger))
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, pubErr := eventadapter.NewKafkaPublisher(cfg.KafkaBrokers, escrowTopics(cfg.KafkaTopicEscrowEvents), cfg.ServiceID)
		if pubErr != nil {
			logger.WarnContext(ctx, "kafka publisher disabled, using logging publisher", "error", pubErr)
		} else {
			publisher = kafkaPublisher
			closers = append(closers, kafkaPublisher)
		}
	}
	outbox := eventadapter.NewOutboxWorker(logger, repos.Outbox, publisher, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	reconcile := eventadapter.NewReconcileWorker(logger, service, cfg.ReconcileInterval)

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		httpServer: httpServer,
		grpcServer: grpcServer,
		healthSrv:  healthSrv,
		outbox:     outbox,
		reconcile:  reconcile,
		cleanupFn: func(ctx context.Context) {
			for _, closer := range closers {
				_ = closer.Close()
			}
			_ = sqlDB.Close()
		},
	}, nil
}

// escrowTopics routes every escrow event to one topic; the bounty id
// partition key keeps each bounty's events ordered.
func escrowTopics(topic string) map[string]string {
	out := map[string]string{}
	for _, eventType := range []string{
		domain.EventEscrowHoldCreated,
		domain.EventEscrowHoldConfirmed,
		domain.EventEscrowPaymentCaptured,
		domain.EventEscrowPaymentReleased,
		domain.EventSolverSubAccountLinked,
	} {
		out[eventType] = topic
	}
	return out
}

func Build(ctx context.Context, configPath string) (*Runtime, error) {
	return NewRuntime(ctx, configPath)
}

func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.GRPCPort))
	if err != nil {
		r.cleanupFn(ctx)
		return err
	}
	r.grpcLis = lis
	errCh := make(chan error, 2)

	go func() {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := r.grpcServer.Serve(r.grpcLis); err != nil {
			errCh <- err
		}
	}()
	r.logger.InfoContext(ctx, "api started",
		"module", "bootstrap", "layer", "runtime", "operation", "run_api", "outcome", "success",
		"http_port", r.cfg.HTTPPort, "grpc_port", r.cfg.GRPCPort)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		r.logger.ErrorContext(ctx, "runtime failure", "error", runErr)
	}
	r.healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.grpcServer.GracefulStop()
	r.cleanupFn(shutdownCtx)
	return runErr
}

func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer r.cleanupFn(context.Background())
	errCh := make(chan error, 2)

	go func() {
		if err := r.outbox.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	go func() {
		if err := r.reconcile.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
