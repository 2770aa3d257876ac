package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"feedmedia/internal/config"
	"feedmedia/internal/domain"
	"feedmedia/internal/handler"
	"feedmedia/internal/queues"
	"feedmedia/internal/repository"
	"feedmedia/internal/service"
	"feedmedia/internal/service/memstore"
	"feedmedia/internal/service/minio"
	"feedmedia/internal/service/s3"
)

func connectWithRetry(cfg config.DatabaseConfig, maxAttempts int, delay time.Duration) (*sqlx.DB, error) {
	// the postgres system database always exists, so the target one can be created from it
	sysCfg := cfg
	sysCfg.Name = "postgres"
	pgDB, err := sqlx.Connect("postgres", sysCfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres database: %v", err)
	}
	defer pgDB.Close()

	var exists bool
	err = pgDB.Get(&exists, "SELECT EXISTS(SELECT datname FROM pg_catalog.pg_database WHERE datname = $1)", cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %v", err)
	}

	if !exists {
		log.Printf("Database %s does not exist, creating...", cfg.Name)
		_, err = pgDB.Exec("CREATE DATABASE " + pq.QuoteIdentifier(cfg.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %v", err)
		}
	}

	var db *sqlx.DB
	for i := 0; i < maxAttempts; i++ {
		db, err = sqlx.Connect("postgres", cfg.GetDSN())
		if err == nil {
			return db, nil
		}

		log.Printf("Failed to connect to database (attempt %d/%d): %v", i+1, maxAttempts, err)
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %v", maxAttempts, err)
}

func runMigrations(cfg *config.Config) error {
	var m *migrate.Migrate
	var err error

	for i := 0; i < 5; i++ {
		m, err = migrate.New("file://migrations", cfg.Database.MigrationURL())
		if err == nil {
			break
		}
		log.Printf("Failed to create migrate instance (attempt %d/5): %v", i+1, err)
		time.Sleep(time.Second * 5)
	}

	if err != nil {
		return fmt.Errorf("failed to create migrate instance after retries: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if dirty {
		log.Printf("Found dirty database state at version %d, attempting to force version", version)
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func newBlobStore(ctx context.Context, cfg config.StorageConfig) (domain.BlobStore, error) {
	switch cfg.Driver {
	case config.DriverS3:
		threshold, err := cfg.MultipartThresholdBytes()
		if err != nil {
			return nil, err
		}
		return s3.NewClient(&s3.Config{
			AccessKeyID:        cfg.AccessKeyID,
			SecretAccessKey:    cfg.SecretAccessKey,
			Bucket:             cfg.Bucket,
			Region:             cfg.Region,
			Endpoint:           cfg.Endpoint,
			PathStyle:          cfg.PathStyle,
			PublicBaseURL:      cfg.PublicBaseURL,
			StagingPrefix:      cfg.StagingPrefix,
			MultipartThreshold: threshold,
		})
	case config.DriverMinIO:
		return minio.New(ctx, minio.Config{
			Endpoint:      cfg.Endpoint,
			Region:        cfg.Region,
			Bucket:        cfg.Bucket,
			AccessKey:     cfg.AccessKeyID,
			SecretKey:     cfg.SecretAccessKey,
			UseSSL:        cfg.UseSSL,
			PathStyle:     cfg.PathStyle,
			PublicBaseURL: cfg.PublicBaseURL,
			StagingPrefix: cfg.StagingPrefix,
		})
	case config.DriverMemory:
		log.Println("Using in-memory blob store; uploads are lost on restart")
		return memstore.New(cfg.PublicBaseURL), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func main() {
	appConfig, err := config.NewConfig("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := connectWithRetry(appConfig.Database, 5, time.Second*5)
	if err != nil {
		log.Fatalf("Failed to connect to database after retries: %v", err)
	}
	defer db.Close()

	if err := runMigrations(appConfig); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	store, err := newBlobStore(ctx, appConfig.Storage)
	if err != nil {
		log.Fatalf("Failed to create %s blob store: %v", appConfig.Storage.Driver, err)
	}

	healthChecks := map[string]handler.HealthCheck{
		"database": db.PingContext,
	}

	// Sessions and name counters live in Redis when it is configured so that
	// several instances can serve chunks of the same upload.
	var sessions service.SessionStore = service.NewMemorySessionStore()
	var counter service.NameCounter = service.NewMemoryNameCounter()
	if appConfig.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     appConfig.Redis.Addr,
			Password: appConfig.Redis.Password,
			DB:       appConfig.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		sessions = repository.NewSessionRepository(rdb)
		counter = repository.NewNameCounterRepository(rdb)
		healthChecks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		log.Println("Redis is not configured, upload sessions are kept in memory")
	}

	uploadCfg := appConfig.Upload
	retrier := service.NewRetrier(uploadCfg.StoreAttempts, uploadCfg.StoreBaseDelay, uploadCfg.StoreMaxDelay)
	names := service.NewNameResolver(store, counter, retrier, uploadCfg.NameAttempts)
	uploads := service.NewUploadCoordinator(store, sessions, names, retrier, uploadCfg.SessionTTL)
	streamer := service.NewRangeStreamer(store, retrier)

	var notifier service.FeedNotifier
	if appConfig.Notifications.QueueURL != "" {
		sqsClient := queues.NewSQSClient(queues.Config{
			QueueURL:        appConfig.Notifications.QueueURL,
			Region:          appConfig.Notifications.Region,
			Endpoint:        appConfig.Notifications.Endpoint,
			AccessKeyID:     appConfig.Storage.AccessKeyID,
			SecretAccessKey: appConfig.Storage.SecretAccessKey,
		})
		notifier = queues.NewFeedNotifier(sqsClient, appConfig.Notifications.QueueURL)
	}

	postRepo := repository.NewPostRepository(db)
	feedService := service.NewFeedService(uploads, postRepo, notifier)

	janitor := service.NewSessionJanitor(store, sessions, uploadCfg.JanitorInterval)
	janitor.Start(ctx)

	maxFormMemory, err := uploadCfg.MaxFormMemoryBytes()
	if err != nil {
		log.Fatalf("Invalid upload config: %v", err)
	}

	feedHandler := handler.NewFeedHandler(feedService, maxFormMemory)
	mediaHandler := handler.NewMediaHandler(streamer)
	healthHandler := handler.NewHealthHandler(healthChecks)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(appConfig.Server.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Range"},
		ExposedHeaders:   []string{"Content-Range", "Content-Length", "Accept-Ranges"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/uploadFeed", feedHandler.UploadFeed)
	r.Get("/stream/{objectName}", mediaHandler.Stream)
	r.Get("/health", healthHandler.Health)

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", appConfig.Server.Port),
		Handler: r,
	}

	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", appConfig.Server.GRPCPort))
		if err != nil {
			log.Fatalf("Failed to listen for gRPC: %v", err)
		}
		log.Printf("Starting gRPC health server on port %s", appConfig.Server.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("Failed to serve gRPC: %v", err)
		}
	}()

	go func() {
		log.Printf("Starting HTTP server on port %s (storage driver: %s)", appConfig.Server.Port, appConfig.Storage.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down servers...")
	healthServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server forced to shutdown: %v", err)
	}

	grpcServer.GracefulStop()

	if err := db.Close(); err != nil {
		log.Printf("Error closing database connection: %v", err)
	}

	log.Println("Server exited properly")
}
