package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/kaninstein/invitee-bot-2.0/internal/access"
	"github.com/kaninstein/invitee-bot-2.0/internal/affiliate"
	"github.com/kaninstein/invitee-bot-2.0/internal/bot"
	"github.com/kaninstein/invitee-bot-2.0/internal/config"
	"github.com/kaninstein/invitee-bot-2.0/internal/dedup"
	"github.com/kaninstein/invitee-bot-2.0/internal/event"
	handler "github.com/kaninstein/invitee-bot-2.0/internal/handler/http"
	"github.com/kaninstein/invitee-bot-2.0/internal/lease"
	"github.com/kaninstein/invitee-bot-2.0/internal/ratelimit"
	"github.com/kaninstein/invitee-bot-2.0/internal/repository/postgres"
	"github.com/kaninstein/invitee-bot-2.0/internal/service"
	"github.com/kaninstein/invitee-bot-2.0/internal/session"
	"github.com/kaninstein/invitee-bot-2.0/internal/telegram"
	"github.com/kaninstein/invitee-bot-2.0/pkg/database"
	"github.com/kaninstein/invitee-bot-2.0/pkg/health"
	"github.com/kaninstein/invitee-bot-2.0/pkg/httpclient"
	pkgkafka "github.com/kaninstein/invitee-bot-2.0/pkg/kafka"
	"github.com/kaninstein/invitee-bot-2.0/pkg/tracing"
)

const (
	serviceName    = "invitee-bot"
	serviceVersion = "2.0.0"
)

// App wires together all dependencies and runs the bot.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	producer       *pkgkafka.Producer
	telegram       *telegram.Client
	dispatcher     *bot.Dispatcher
	supervisor     *bot.Supervisor
	httpServer     *http.Server
	tracerShutdown func(context.Context) error

	stopSupervisor context.CancelFunc
	supervisorDone chan struct{}
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, cfg.Tracing(serviceName, serviceVersion))
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize PostgreSQL connection pool.
	pool, err := database.NewPostgresPool(ctx, cfg.Postgres(), logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool, serviceName); err != nil {
		logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
	}

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, postgres.Migrations(), logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	// Initialize Redis.
	redisClient, err := database.NewRedisClient(ctx, cfg.Redis(), logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis", slog.String("addr", cfg.Redis().Addr()))

	// Initialize Kafka producer. Events are skipped when Kafka is disabled.
	var (
		producer  *pkgkafka.Producer
		publisher event.Publisher
	)
	if cfg.KafkaEnabled {
		producer = pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), logger)
		publisher = producer
		logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	} else {
		logger.Info("kafka disabled, domain events will not be published")
	}
	events := event.NewProducer(publisher, logger)

	// Affiliate API client. Calls are never retried; the breaker sheds load
	// while the API is failing.
	affHTTP := httpclient.DefaultConfig()
	affHTTP.Timeout = cfg.AffiliateTimeout
	affClient := affiliate.NewClient(cfg.BlofinBaseURL, affiliate.Credentials{
		APIKey:     cfg.BlofinAPIKey,
		SecretKey:  cfg.BlofinSecretKey,
		Passphrase: cfg.BlofinPassphrase,
	}, httpclient.NewCircuitBreakerClient(
		httpclient.New(affHTTP),
		httpclient.DefaultCircuitBreakerConfig("affiliate-api"),
		logger,
	), logger)

	lookupCfg := affiliate.DefaultLookupConfig()
	lookupCfg.PageSizes = cfg.AffiliatePageSizes
	lookupCfg.RecentWindow = cfg.AffiliateRecentWindow
	lookup := affiliate.NewLookup(affClient, lookupCfg, logger)

	// Telegram Bot API client. Long polls get their own transport whose
	// timeout outlasts the poll.
	pollHTTP := httpclient.DefaultConfig()
	pollHTTP.Timeout = cfg.PollTimeout + 10*time.Second
	tg := telegram.NewClient(cfg.TelegramAPIURL, cfg.TelegramBotToken,
		httpclient.NewCircuitBreakerClient(
			httpclient.New(httpclient.DefaultConfig()),
			httpclient.DefaultCircuitBreakerConfig("telegram-api"),
			logger,
		),
		logger,
		telegram.WithPollDoer(httpclient.New(pollHTTP)),
		telegram.WithSendRate(cfg.TelegramSendRPS),
	)

	// Build the dependency graph.
	repo := postgres.NewUserRepository(pool, database.NewQueryTracer(cfg.DBSlowQueryAfter, logger))
	sessions := session.NewStore(redisClient, cfg.SessionTimeout)
	limiter := ratelimit.New(redisClient, map[string]ratelimit.Rule{
		ratelimit.ActionGeneral:          {Limit: cfg.RateLimitMaxRequests, Window: cfg.RateLimitWindow},
		ratelimit.ActionStart:            {Limit: cfg.StartLimit, Window: cfg.CommandWindow},
		ratelimit.ActionRegister:         {Limit: cfg.RegisterLimit, Window: cfg.CommandWindow},
		ratelimit.ActionSubmitIdentifier: {Limit: cfg.SubmitLimit, Window: cfg.CommandWindow},
	})

	provisioner := access.NewProvisioner(tg, repo, events, access.Config{
		GroupID:       cfg.TelegramGroupID,
		InviteTTL:     cfg.InviteTTL,
		RemovalNotice: bot.RemovalNotice,
	}, logger)

	verification := service.NewVerificationService(
		repo,
		sessions,
		limiter,
		lookup,
		service.NewBindingGuard(repo, logger),
		provisioner,
		events,
		logger,
		cfg.MaxVerificationAttempts,
	)
	admin := service.NewAdminService(repo, affClient, provisioner, events, logger)

	dispatcher := bot.NewDispatcher(
		verification,
		admin,
		provisioner,
		tg,
		limiter,
		dedup.New(redisClient, dedup.DefaultTTL),
		bot.Config{
			GroupID:      cfg.TelegramGroupID,
			ReferralCode: cfg.ReferralCode,
			IsAdmin:      cfg.IsAdmin,
		},
		logger,
	)
	supervisor := bot.NewSupervisor(
		lease.New(redisClient, cfg.LeaseKey, cfg.LeaseTTL),
		tg,
		dispatcher,
		cfg.PollTimeout,
		logger,
	)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterCritical("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	healthHandler.RegisterNonCritical("affiliate_api", affClient.Ping)
	if producer != nil {
		healthHandler.RegisterNonCritical("kafka", producer.Ping)
	}

	// HTTP router.
	router := handler.NewRouter(dispatcher, cfg.TelegramWebhookSecret, healthHandler, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		redis:          redisClient,
		producer:       producer,
		telegram:       tg,
		dispatcher:     dispatcher,
		supervisor:     supervisor,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run starts the HTTP server and the poller supervisor and blocks until
// the context is canceled.
func (a *App) Run(ctx context.Context) error {
	if me, err := a.telegram.GetMe(ctx); err != nil {
		a.logger.Warn("could not identify bot", slog.String("error", err.Error()))
	} else {
		a.logger.Info("bot identified", slog.String("username", me.Username), slog.Int64("bot_id", me.ID))
	}

	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	supCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	a.stopSupervisor = stop
	a.supervisorDone = make(chan struct{})
	go func() {
		defer close(a.supervisorDone)
		if err := a.supervisor.Run(supCtx); err != nil {
			a.logger.Error("poller supervisor stopped", slog.String("error", err.Error()))
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	return errors.Join(runErr, a.Shutdown())
}

// Shutdown gracefully stops all components in the correct order:
// 1. Poller supervisor (stops polling, releases the lease)
// 2. HTTP server (drain in-flight webhook deliveries)
// 3. In-flight updates
// 4. Tracer (flush pending spans)
// 5. Kafka producer
// 6. Redis client
// 7. PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Stop polling so the lease is handed over promptly.
	if a.stopSupervisor != nil {
		a.stopSupervisor()
		<-a.supervisorDone
	}

	// 2. Drain in-flight HTTP requests (5s budget).
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 3. Let dispatched updates finish before their stores go away.
	a.dispatcher.Wait()

	// 4. Flush pending spans.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 5. Close Kafka producer.
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 6. Close Redis.
	if err := a.redis.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 7. Close PostgreSQL pool.
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
