package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/maneesh/sourcenet/internal/config"
	"github.com/maneesh/sourcenet/internal/escrow"
	"github.com/maneesh/sourcenet/internal/fulfillment"
	"github.com/maneesh/sourcenet/internal/grant"
	"github.com/maneesh/sourcenet/internal/handlers"
	"github.com/maneesh/sourcenet/internal/logging"
	"github.com/maneesh/sourcenet/internal/notify"
	"github.com/maneesh/sourcenet/internal/payment"
	"github.com/maneesh/sourcenet/internal/purchase"
	"github.com/maneesh/sourcenet/internal/registry"
	"github.com/maneesh/sourcenet/internal/storage"
	"github.com/maneesh/sourcenet/internal/tracing"
	"github.com/maneesh/sourcenet/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.ServiceName)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize logger")
	}
	logger.WithField("port", cfg.ServicePort).Info("Starting SourceNet service...")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Service stopped with error")
	}
	logger.Info("Server exited")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint, cfg.TraceSampleRatio, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.WithError(err).Warn("Error shutting down tracer")
		}
	}()

	// Initialize MinIO client
	minioClient, err := storage.NewMinioClient(ctx,
		cfg.MinIOEndpoint,
		cfg.MinIOAccessKey,
		cfg.MinIOSecretKey,
		cfg.MinIOBucketName,
		cfg.MinIOUseSSL,
		logger,
	)
	if err != nil {
		return err
	}
	logger.Info("MinIO client initialized")

	// Initialize TiDB client and schema
	if err := storage.Migrate(cfg.GetMigrationURL(), logger); err != nil {
		return err
	}
	tidbClient, err := storage.NewTiDBClient(cfg.GetDSN())
	if err != nil {
		return err
	}
	defer tidbClient.Close()
	logger.Info("TiDB client initialized")

	// Initialize Redis client
	redisClient, err := storage.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	logger.Info("Redis client initialized")

	vaultStore := vault.NewStore(minioClient, vault.Options{
		ChunkSize:       cfg.GetChunkSizeBytes(),
		MaxPayloadBytes: cfg.GetMaxPayloadBytes(),
		MaxRetries:      cfg.StoreMaxRetries,
		RetryBaseDelay:  cfg.StoreRetryBaseDelay,
	}, logger)
	wrapper, err := vault.NewKeyWrapper(cfg.KeyEncryptionKey)
	if err != nil {
		return err
	}
	grants, err := grant.NewManager([]byte(cfg.GrantSigningKey), cfg.GrantTTL)
	if err != nil {
		return err
	}

	notifier := notify.New(redisClient, logger)
	reg := registry.New(tidbClient, redisClient, notifier, logger)
	ledger := escrow.NewLedger(tidbClient, logger)
	reconciler := escrow.NewReconciler(ledger, func(ctx context.Context, purchaseID, detail string) {
		notifier.Alert(ctx, notify.Alert{
			Reason:     notify.AlertEscrowConflict,
			PurchaseID: purchaseID,
			Detail:     detail,
		})
	}, logger)
	tasks := storage.NewRedisQueue(redisClient, cfg.QueueVisibilityTimeout)

	purchases := purchase.New(purchase.Deps{
		Store:    tidbClient,
		Catalog:  reg,
		Escrow:   ledger,
		Verifier: payment.NewClient(cfg.PaymentVerifierURL, cfg.PaymentVerifyTimeout, logger),
		Queue:    tasks,
		Notifier: notifier,
		Grants:   grants,
		Replay:   redisClient,
		Blobs:    vaultStore,
		Wrapper:  wrapper,
	}, purchase.Options{VerifyTimeout: cfg.PaymentVerifyTimeout}, logger)

	pool := fulfillment.NewPool(fulfillment.Deps{
		Queue:     tasks,
		Purchases: purchases,
		Pods:      tidbClient,
		Vault:     vaultStore,
		Keys:      wrapper,
		Locker:    redisClient,
		Notifier:  notifier,
	}, fulfillment.Options{
		Concurrency:    cfg.WorkerConcurrency,
		MaxAttempts:    cfg.FulfillmentMaxAttempts,
		RefundAttempts: cfg.RefundMaxAttempts,
		BaseBackoff:    cfg.FulfillmentBaseBackoff,
		MaxBackoff:     cfg.FulfillmentMaxBackoff,
		AttemptTimeout: cfg.FulfillmentAttemptTimeout,
		LockTTL:        cfg.LockTTL,
		LockRetryDelay: cfg.LockRetryDelay,
		PollInterval:   cfg.QueuePollInterval,
	}, logger)
	sweeper := fulfillment.NewSweeper(tidbClient, tasks, cfg.RecoverySweepInterval, cfg.RecoveryStaleAfter, logger)

	router := handlers.NewRouter(handlers.Handlers{
		Write:         handlers.NewWriteHandler(vaultStore, wrapper, reg, logger),
		Read:          handlers.NewReadHandler(purchases, logger),
		DataPods:      handlers.NewDataPodHandler(reg, logger),
		Purchase:      handlers.NewPurchaseHandler(purchases, reg, logger),
		Escrow:        handlers.NewEscrowHandler(reconciler, logger),
		OperatorToken: cfg.OperatorToken,
		Health: map[string]handlers.HealthCheck{
			"tidb":  tidbClient.Ping,
			"redis": redisClient.Ping,
			"minio": minioClient.Ping,
		},
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("port", cfg.ServicePort).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
