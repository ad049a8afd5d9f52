// cmd/scheduler/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"reviewflow/internal/approval"
	"reviewflow/internal/common/audit"
	"reviewflow/internal/common/config"
	"reviewflow/internal/common/database"
	"reviewflow/internal/common/logger"
	"reviewflow/internal/common/observability"
	"reviewflow/internal/common/retry"
	"reviewflow/internal/credentials"
	"reviewflow/internal/engine"
	"reviewflow/internal/genai"
	"reviewflow/internal/platform"
	"reviewflow/internal/publish"
	"reviewflow/internal/store"
	"reviewflow/internal/workflows/reviewreply"
	"reviewflow/pkg/registry"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	zapLog := logger.New("info", "console")
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting workflow scheduler...")

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("config load failed", zap.Error(err))
	}

	// Rebuild with the configured level/format now that config is in.
	zapLog = logger.New(cfg.Logging.Level, cfg.Logging.Format)
	log = logger.NewZapAdapter(zapLog)
	defer zapLog.Sync()

	obs := observability.New("workflow-scheduler")
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init Elasticsearch (audit sink, optional) ---
	var auditSink audit.Sink = audit.NoopSink{}
	if len(cfg.Database.Elasticsearch.Addresses) > 0 {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping()
		}, 10, 2*time.Second, zapLog, "Elasticsearch connection")

		if err != nil {
			// Audit indexing is best effort; the scheduler can run without it.
			zapLog.Warn("elasticsearch unavailable, audit events will be dropped", zap.Error(err))
		} else {
			auditSink = audit.NewElasticsearchSink(esClient, cfg.Database.Elasticsearch.AuditIndex, log)
			zapLog.Info("Elasticsearch connected successfully")
		}
	}

	// --- Stores ---
	workflowStore := store.NewWorkflowStore(pg.DB)
	reviewStore := store.NewReviewStore(pg.DB)
	responseStore := store.NewResponseStore(pg.DB)
	queueStore := store.NewQueueStore(pg.DB)
	credentialStore := store.NewCredentialStore(pg.DB)
	policyStore := store.NewPolicyStore(pg.DB)

	// --- Shared retry executor for outbound calls ---
	retryExec := retry.New(retry.Options{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
	}, log)

	// --- Credential lifecycle ---
	cipher, err := credentials.NewCipher(cfg.OAuth.EncryptionKey)
	if err != nil {
		zapLog.Fatal("credential cipher init failed", zap.Error(err))
	}
	oauthClient := credentials.NewOAuthClient(cfg.OAuth.Providers)
	credentialManager := credentials.NewManager(credentialStore, queueStore, oauthClient, cipher, retryExec, log)

	// --- Publish queue and rate limiter ---
	queueManager := publish.NewQueueManager(queueStore, responseStore, reviewStore, cfg.Publish.MaxAttempts, log)
	rateLimiter := publish.NewRateLimiter(rdb.Client)

	// --- External API clients ---
	genaiClient := genai.NewClient(
		cfg.APIs.GenAI.BaseURL,
		cfg.APIs.GenAI.APIKey,
		time.Duration(cfg.APIs.GenAI.Timeout)*time.Millisecond,
	)
	platformClient := platform.NewClient(
		cfg.APIs.Platform.BaseURL,
		cfg.APIs.Platform.Provider,
		credentialManager,
		time.Duration(cfg.APIs.Platform.Timeout)*time.Millisecond,
	)

	// --- Workflow steps and registry ---
	steps := reviewreply.Steps(reviewreply.Deps{
		Reviews:     reviewStore,
		Responses:   responseStore,
		Policies:    policyStore,
		Generator:   genaiClient,
		Publisher:   platformClient,
		Credentials: credentialManager,
		Queue:       queueManager,
		RateLimiter: rateLimiter,
		Approval:    approval.NewEngine(),
		Retry:       retryExec,
		Audit:       auditSink,
		Publish:     cfg.Publish,
		Provider:    cfg.APIs.Platform.Provider,
		Log:         log,
	})

	definitionFile, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		zapLog.Fatal("workflow definitions load failed", zap.Error(err))
	}
	reg, err := definitionFile.Build(steps)
	if err != nil {
		zapLog.Fatal("workflow registry build failed", zap.Error(err))
	}
	zapLog.Info("Workflow registry built", zap.Int("types", len(reg.Types())))

	// --- Engine ---
	runner := engine.NewRunner(workflowStore, reg, queueManager, cfg.Scheduler.StepTimeout, log)

	hostname, _ := os.Hostname()
	owner := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])

	scheduler := engine.NewScheduler(workflowStore, runner, reg, engine.SchedulerOptions{
		MaxWorkflows:  cfg.Scheduler.MaxWorkflows,
		StaleAfter:    cfg.Scheduler.StaleAfter,
		LeaseDuration: cfg.Scheduler.LeaseDuration,
	}, owner, obs, log)

	service := engine.NewService(workflowStore, reg, runner, scheduler, log)

	// Due queue items become response_publish workflows at the start of each
	// cycle, so queued retries flow through the same claim/lease path.
	scheduler.WithPromoter(func(ctx context.Context) (int, error) {
		return queueManager.EnqueueDue(ctx, service, cfg.Scheduler.MaxWorkflows)
	})

	// --- Cycle loop ---
	runCycle := func() {
		cycleCtx, cancel := context.WithTimeout(ctx, cfg.Scheduler.Interval*2)
		defer cancel()
		if _, err := service.ProcessPending(cycleCtx, cfg.Scheduler.MaxWorkflows); err != nil {
			zapLog.Error("scheduler cycle failed", zap.Error(err))
		}
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", cfg.Scheduler.Interval), runCycle); err != nil {
		zapLog.Fatal("cron schedule failed", zap.Error(err))
	}
	c.Start()
	zapLog.Info("Scheduler started",
		zap.String("owner", owner),
		zap.Duration("interval", cfg.Scheduler.Interval),
		zap.Int("maxWorkflows", cfg.Scheduler.MaxWorkflows),
	)

	// First cycle immediately instead of waiting one interval.
	go runCycle()

	// --- Health & Metrics Server ---
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "healthy",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := pg.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "error": err.Error()})
				return
			}
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "ready",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.Handle("/metrics", promhttp.Handler())
		zapLog.Info("Health/Metrics server listening", zap.String("address", cfg.Scheduler.MetricsAddress))
		if err := http.ListenAndServe(cfg.Scheduler.MetricsAddress, nil); err != nil {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping scheduler...")
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		zapLog.Warn("cycle still running at shutdown deadline")
	}

	zapLog.Info("Scheduler stopped gracefully")
}
