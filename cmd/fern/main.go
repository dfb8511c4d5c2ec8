package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/auth"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/kafka"
	fernmw "github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/routes/tenant"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/xero"
	"github.com/Ramsey-B/stem/pkg/database"
	stemmw "github.com/Ramsey-B/stem/pkg/middleware"
	"github.com/Ramsey-B/stem/pkg/tracing"
	"github.com/Ramsey-B/stem/pkg/tracing/exporters"
)

// version is set at build time via -ldflags
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	// A missing .env file is fine, the environment may carry everything
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		log.Fatalf("failed to bind config: %v", err)
	}

	logger := newLogger(&cfg)

	switch os.Args[1] {
	case "sync":
		os.Exit(runSync(&cfg, logger, os.Args[2:]))
	case "migrate":
		os.Exit(runMigrate(&cfg, logger))
	case "serve":
		os.Exit(runServe(&cfg, logger))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: fern <command> [arguments]

Commands:
  sync <pipeline>   run a sync pipeline (%s)
  serve             start the admin API server
  migrate           apply database migrations and exit
`, strings.Join(pipeline.Pipelines(), ", "))
}

func newLogger(cfg *config.Config) ectologger.Logger {
	var zapLogger *zap.Logger
	var err error

	if cfg.PrettyLogs {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapCfg := zap.NewProductionConfig()
		if level, parseErr := zapcore.ParseLevel(cfg.LogLevel); parseErr == nil {
			zapCfg.Level = zap.NewAtomicLevelAt(level)
		}
		zapLogger, err = zapCfg.Build()
	}
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

// initTracing wires the OTLP exporter into the stem tracer. When disabled,
// stem's StartSpan degrades to a no-op.
func initTracing(ctx context.Context, cfg *config.Config, logger ectologger.Logger) func(context.Context) {
	if !cfg.OTLPEnabled {
		return func(context.Context) {}
	}

	exporter, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
		Endpoint: cfg.OTLPEndpoint,
		Protocol: cfg.OTLPProtocol,
		Insecure: cfg.OTLPInsecure,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to create OTLP exporter, continuing without tracing")
		return func(context.Context) {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.AppName))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracing.SetTracer(tp.Tracer(cfg.AppName))

	return func(ctx context.Context) {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Tracer shutdown failed")
		}
	}
}

func connectDB(cfg *config.Config, logger ectologger.Logger) (*sqlx.DB, database.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword,
		cfg.DatabaseName, cfg.DatabaseSSLMode)

	db, err := sqlx.Connect(cfg.DatabaseDriver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	return db, database.NewDatabaseInstance(db, logger), nil
}

func runMigrate(cfg *config.Config, logger ectologger.Logger) int {
	db, _, err := connectDB(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		return 1
	}
	defer db.Close()

	if err := migrateDB(cfg, logger, db); err != nil {
		logger.WithError(err).Error("Migrations failed")
		return 1
	}

	logger.Info("Migrations completed")
	return 0
}

func migrateDB(cfg *config.Config, logger ectologger.Logger, db *sqlx.DB) error {
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	ms := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})

	return ms.Migrate(cfg.DatabaseName, driver)
}

// app holds the wired service graph shared by the sync and serve commands
type app struct {
	cfg    *config.Config
	logger ectologger.Logger

	db       *sqlx.DB
	redis    *redis.Client
	producer *kafka.Producer

	creds   *repositories.CredentialRepository
	cursors *repositories.SyncCursorRepository
	runs    *repositories.RunLogRepository
	manager *auth.Manager
	orch    *pipeline.Orchestrator
}

func buildApp(cfg *config.Config, logger ectologger.Logger) (*app, error) {
	db, stemDB, err := connectDB(cfg, logger)
	if err != nil {
		return nil, err
	}

	redisClient, err := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	creds := repositories.NewCredentialRepository(stemDB, logger, cfg.TokenEncryptionKey)
	cursors := repositories.NewSyncCursorRepository(stemDB, logger)
	runs := repositories.NewRunLogRepository(stemDB, logger)
	warehouseRepo := repositories.NewWarehouseRepository(stemDB, logger)

	manager := auth.NewManager(cfg, creds, &http.Client{Timeout: 30 * time.Second}, logger)
	limiter := ratelimit.NewLimiter(redisClient, logger, cfg.XeroRateLimitRequests, cfg.XeroRateLimitWindow)
	fetcher := xero.NewClient(cfg, limiter, logger)
	locker := pipeline.NewRedisLocker(redis.NewLocker(redisClient, ""))

	var producer *kafka.Producer
	var emitter pipeline.Emitter
	if cfg.KafkaProducerEnabled {
		producer = kafka.NewProducer(kafka.Config{
			Brokers:  cfg.KafkaBrokers,
			RunTopic: cfg.KafkaRunTopic,
		}, logger)
		emitter = producer
	}

	orch := pipeline.NewOrchestrator(cfg, manager, fetcher, warehouseRepo, cursors, runs, locker, emitter, logger)

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		redis:    redisClient,
		producer: producer,
		creds:    creds,
		cursors:  cursors,
		runs:     runs,
		manager:  manager,
		orch:     orch,
	}, nil
}

func (a *app) Close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close Kafka producer")
		}
	}
	if err := a.redis.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close Redis client")
	}
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Warn("Failed to close database")
	}
}

func runSync(cfg *config.Config, logger ectologger.Logger, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: fern sync <pipeline>")
		return 2
	}

	name := args[0]
	if !pipeline.KnownPipeline(name) {
		fmt.Fprintf(os.Stderr, "unknown pipeline %q (known: %s)\n", name, strings.Join(pipeline.Pipelines(), ", "))
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := initTracing(ctx, cfg, logger)
	defer shutdownTracing(context.Background())

	a, err := buildApp(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize")
		return 1
	}
	defer a.Close()

	result, err := a.orch.Run(ctx, name)
	if err != nil {
		if errors.Is(err, pipeline.ErrLockHeld) {
			logger.Warnf("Pipeline %s is already running elsewhere", name)
		}
		// Failures are already logged and recorded by the orchestrator
		return 1
	}

	logger.Infof("Run %s finished: status=%s rows=%d skipped=%d",
		result.RunID, result.Status, result.RowsProcessed, result.Skipped)
	return 0
}

func runServe(cfg *config.Config, logger ectologger.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := initTracing(ctx, cfg, logger)
	defer shutdownTracing(context.Background())

	a, err := buildApp(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize")
		return 1
	}
	defer a.Close()

	// Container for routes that resolve dependencies from the request context
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		logger.WithError(err).Error("Failed to create DI container")
		return 1
	}
	if err := ectoinject.AddSingletonInstance[repositories.CredentialRepo](container, a.creds); err != nil {
		logger.WithError(err).Error("Failed to register credential repository")
		return 1
	}
	if err := ectoinject.AddSingletonInstance[ectologger.Logger](container, logger); err != nil {
		logger.WithError(err).Error("Failed to register logger")
		return 1
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = stemmw.Error(logger)
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(stemmw.Context())
	e.Use(stemmw.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))

	healthChecker := health.NewChecker(a.db, a.redis.Redis(), version)
	healthChecker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	if cfg.AuthEnabled {
		authmw, err := fernmw.Authentication(ctx, logger, cfg.AuthIssuerURL, cfg.AuthClientID)
		if err != nil {
			logger.WithError(err).Error("Failed to initialize authentication")
			return 1
		}
		api.Use(authmw)
	}

	pipelineHandler := handlers.NewPipelineHandler(a.orch, a.cursors, a.runs, logger)
	pipelineHandler.Register(api.Group("/pipelines"))

	credentialHandler := handlers.NewCredentialHandler(a.creds, a.manager, logger)
	credentialHandler.Register(api.Group("/credentials"))

	tenant.Register(api)

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched = scheduler.NewScheduler(a.orch, a.runs, scheduler.Config{
			PollInterval: cfg.SchedulerPollInterval,
			SyncInterval: cfg.SchedulerSyncInterval,
			Pipelines:    cfg.SchedulerPipelines,
		}, logger)
		if err := sched.Start(ctx); err != nil {
			logger.WithError(err).Error("Failed to start scheduler")
			return 1
		}
	}

	healthChecker.SetReady(true)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		logger.Infof("Fern listening on :%d", cfg.Port)
		if err := e.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Scheduler shutdown failed")
		}
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Server shutdown failed")
	}

	logger.Info("Shutdown complete")
	return 0
}
