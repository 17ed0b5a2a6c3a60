package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/splax/sheetledger/internal/app/migrate"
	"github.com/splax/sheetledger/internal/archive"
	"github.com/splax/sheetledger/internal/backend"
	"github.com/splax/sheetledger/internal/domain"
	httpx "github.com/splax/sheetledger/internal/http"
	"github.com/splax/sheetledger/internal/repository"
	"github.com/splax/sheetledger/internal/repository/memory"
	"github.com/splax/sheetledger/internal/repository/mongo"
	"github.com/splax/sheetledger/internal/repository/postgres"
	"github.com/splax/sheetledger/internal/service/account"
	"github.com/splax/sheetledger/internal/service/auth"
	"github.com/splax/sheetledger/internal/service/events"
	"github.com/splax/sheetledger/internal/service/provision"
	"github.com/splax/sheetledger/internal/service/submission"
	"github.com/splax/sheetledger/internal/sheets"
	"github.com/splax/sheetledger/internal/ws"
	"github.com/splax/sheetledger/pkg/config"
	"github.com/splax/sheetledger/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.LoadConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api exited", "error", err)
		os.Exit(1)
	}
	log.Info("api server stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.Warn("store close failed", "error", err)
		}
	}()

	drive, err := sheets.New(ctx, sheets.Credentials{
		Base64: cfg.SheetsCredentialsBase64,
		File:   cfg.SheetsCredentialsFile,
	}, sheets.Options{
		Endpoint:      cfg.SheetsEndpoint,
		NotifyOnShare: cfg.SheetsNotifyOnShare,
	})
	if err != nil {
		return fmt.Errorf("open sheets client: %w", err)
	}

	hub := ws.NewHub()
	defer hub.Stop()
	eventSvc := events.New(hub, log)

	provisioner := provision.NewProvisioner(store, drive, eventSvc, artifactTemplates(cfg), cfg.ProvisionCallTimeout, log)
	queue := provision.NewQueue(
		func(ctx context.Context, job provision.Job) error {
			return provisioner.Provision(ctx, job)
		},
		func(ctx context.Context, job provision.Job, reason string) {
			if err := provisioner.MarkFailed(ctx, job.UserID, reason); err != nil {
				log.Error("failed to record provisioning failure", "user_id", job.UserID, "error", err)
			}
		},
		cfg.ProvisionWorkers, cfg.ProvisionQueueSize, log,
	)
	provisionSvc := provision.New(store, queue, provisioner, eventSvc, log)
	reconciler := provision.NewReconciler(store, provisioner, queue, cfg.ProvisionReconcileEvery, cfg.ProvisionStaleAfter, log)

	backendClient, err := backend.New(cfg.BackendURL, backend.WithTimeout(cfg.BackendTimeout))
	if err != nil {
		return fmt.Errorf("configure backend client: %w", err)
	}

	var docArchive archive.Archive = archive.Noop{}
	if strings.TrimSpace(cfg.ArchiveBucket) != "" {
		s3Archive, err := archive.NewS3(ctx, archive.Options{
			Bucket:    cfg.ArchiveBucket,
			Region:    cfg.ArchiveRegion,
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
		})
		if err != nil {
			return fmt.Errorf("configure archive: %w", err)
		}
		docArchive = s3Archive
		log.Info("document archive enabled", "bucket", cfg.ArchiveBucket)
	}

	authSvc := auth.New(log, cfg)
	accountSvc := account.New(store, provisionSvc, log, cfg)
	submissionSvc := submission.New(store, store, backendClient, docArchive, cfg.SubmissionFee, cfg.MaxUploadBytes, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(ctx, addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Dependencies{
		Logger:      log,
		Resolver:    authSvc,
		Accounts:    accountSvc,
		Submissions: submissionSvc,
		Poller:      provision.NewPoller(store),
		Hub:         hub,
		Limiter:     limiter,
		HealthChecks: map[string]httpx.HealthCheck{
			"store":   store.Ping,
			"backend": backendClient.Health,
		},
		PollAttempts:   cfg.PollMaxAttempts,
		PollInterval:   cfg.PollInterval,
		MaxUploadBytes: cfg.MaxUploadBytes,
		RateLimits: httpx.RateLimits{
			SubmissionsPerHour: cfg.RateLimitSubmissionsPerHr,
			ConcurrentPolls:    cfg.RateLimitConcurrentPolls,
		},
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	queue.Start(ctx)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		reconciler.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		log.Info("api server starting", "addr", cfg.Addr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		queue.Stop()
		return nil
	})
	return group.Wait()
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (repository.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		log.Warn("using in-memory store; data is lost on restart")
		return memory.New(), nil
	case config.StorePostgres:
		runner, err := migrate.NewSQL(cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			return nil, fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ensure(ctx); err != nil {
			return nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		repo := postgres.New(pool)
		if err := repo.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return repo, nil
	default:
		store, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		runner, err := migrate.NewIndexes(store, log)
		if err != nil {
			return nil, err
		}
		if err := runner.Ensure(ctx); err != nil {
			_ = store.Close(context.Background())
			return nil, err
		}
		return store, nil
	}
}

func artifactTemplates(cfg config.Config) map[domain.ArtifactKind]string {
	out := make(map[domain.ArtifactKind]string)
	for raw, id := range cfg.Templates() {
		kind, err := domain.ParseArtifactKind(raw)
		if err != nil || strings.TrimSpace(id) == "" {
			continue
		}
		out[kind] = id
	}
	return out
}
