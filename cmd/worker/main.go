package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"server/config"
	"server/db"
	"server/internal/housekeeping"
	"server/internal/imagecache"
	"server/internal/imagecache/store"
	"server/internal/orchestrator"
	"server/internal/scancursor"
)

func init() {
	config.LoadEnvironment()
}

// main starts the durable job queue's worker pool: one goroutine group per
// job kind, each dequeuing, doing the kind's work, then completing/failing
// the lease, plus the periodic lease sweep and temp-file cleanup that run
// alongside it.
func main() {
	log.Println("Starting orchestrator worker service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConfig := config.LoadDBConfig()
	orchCfg := config.LoadOrchestratorConfig()
	retryCfg := config.LoadRetryConfig()
	imageCfg := config.LoadImageCacheConfig()

	pool, err := db.OpenPool(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to open database pool: %v", err)
	}
	defer pool.Close()

	gormDB := db.Connect(dbConfig)
	sqlDB, err := gormDB.DB()
	if err != nil {
		log.Fatalf("Failed to unwrap gorm connection: %v", err)
	}
	defer sqlDB.Close()

	queue, err := orchestrator.NewPostgresQueue(ctx, pool, toOrchestratorRetryConfig(retryCfg), orchCfg.FallbackSchemas...)
	if err != nil {
		log.Fatalf("Failed to initialize job queue: %v", err)
	}

	cursorStore := scancursor.NewPostgresStore(pool)

	zapLogger, err := newZapLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	fetcher := imagecache.NewHTTPFetcher(http.DefaultClient, imageCfg.RemoteBaseURL)
	materializer := imagecache.NewMaterializer(store.New(gormDB), fetcher, imagecache.MaterializerConfig{
		CacheRoot:      imageCfg.CacheRoot,
		MaxConcurrency: imageCfg.MaxConcurrency,
	}, zapLogger)

	housekeepingRunner, err := housekeeping.NewRunner(pool, queue, housekeeping.Config{
		SweepInterval:   time.Duration(orchCfg.LeaseSweepInterval) * time.Second,
		CleanupInterval: 15 * time.Minute,
		CacheRoot:       imageCfg.CacheRoot,
		TmpOlderThan:    time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize housekeeping runner: %v", err)
	}
	if err := housekeepingRunner.Start(ctx); err != nil {
		log.Fatalf("Failed to start housekeeping runner: %v", err)
	}

	h := &handlers{
		queue:        queue,
		cursorStore:  cursorStore,
		materializer: materializer,
		log:          zapLogger,
	}

	leaseTTL := time.Duration(orchCfg.LeaseDuration) * time.Second
	dequeueBackoff := time.Duration(orchCfg.DequeueBackoffMs) * time.Millisecond

	var wg sync.WaitGroup
	for _, kind := range orchestrator.AllJobKinds {
		for i := 0; i < orchCfg.WorkersPerKind; i++ {
			wg.Add(1)
			workerID := fmt.Sprintf("%s-%d", kind, i+1)
			go func(kind orchestrator.JobKind, workerID string) {
				defer wg.Done()
				runDequeueLoop(ctx, queue, h, kind, workerID, leaseTTL, dequeueBackoff)
			}(kind, workerID)
		}
	}
	log.Printf("Started %d worker goroutine(s) across %d job kind(s)",
		len(orchestrator.AllJobKinds)*orchCfg.WorkersPerKind, len(orchestrator.AllJobKinds))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutdown signal received, stopping workers...")

	cancel()
	if err := housekeepingRunner.Stop(context.Background()); err != nil {
		log.Printf("Error stopping housekeeping runner: %v", err)
	}
	wg.Wait()
	log.Println("Worker service stopped")
}

// runDequeueLoop dequeues jobs of one kind, runs the handler, and completes
// or fails the lease before dequeuing the next one. It blocks on an empty
// queue for dequeueBackoff between polls rather than busy-spinning.
func runDequeueLoop(ctx context.Context, queue orchestrator.QueueService, h *handlers, kind orchestrator.JobKind, workerID string, leaseTTL, dequeueBackoff time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		lease, err := queue.Dequeue(ctx, orchestrator.DequeueRequest{
			Kind:     kind,
			LeaseTTL: leaseTTL,
			WorkerID: workerID,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[%s] dequeue failed: %v", workerID, err)
			sleepOrDone(ctx, dequeueBackoff)
			continue
		}
		if lease == nil {
			sleepOrDone(ctx, dequeueBackoff)
			continue
		}

		runLease(ctx, queue, h, *lease, leaseTTL, workerID)
	}
}

// runLease runs one job's handler under a renewal goroutine, reporting the
// outcome back to the queue via Complete/Fail/DeadLetter.
func runLease(ctx context.Context, queue orchestrator.QueueService, h *handlers, lease orchestrator.Lease, leaseTTL time.Duration, workerID string) {
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go keepLeaseAlive(renewCtx, queue, lease.LeaseID, leaseTTL, workerID)

	outcome := h.handle(ctx, lease.Job)
	stopRenew()

	switch {
	case outcome.err == nil:
		if err := queue.Complete(ctx, lease.LeaseID); err != nil {
			log.Printf("[%s][%s] complete failed: %v", workerID, lease.Job.ID, err)
		}
	case outcome.terminal:
		if err := queue.DeadLetter(ctx, lease.LeaseID, outcome.err.Error()); err != nil {
			log.Printf("[%s][%s] dead-letter failed: %v", workerID, lease.Job.ID, err)
		}
	default:
		if err := queue.Fail(ctx, lease.LeaseID, true, outcome.err.Error()); err != nil {
			log.Printf("[%s][%s] fail failed: %v", workerID, lease.Job.ID, err)
		}
	}
}

// keepLeaseAlive renews a lease at half its TTL until renewCtx is canceled,
// covering handlers that run longer than one lease period.
func keepLeaseAlive(renewCtx context.Context, queue orchestrator.QueueService, leaseID uuid.UUID, leaseTTL time.Duration, workerID string) {
	interval := leaseTTL / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-renewCtx.Done():
			return
		case <-ticker.C:
			if _, err := queue.Renew(renewCtx, orchestrator.LeaseRenewal{LeaseID: leaseID, ExtendBy: leaseTTL}); err != nil && renewCtx.Err() == nil {
				log.Printf("[%s] lease renew failed: %v", workerID, err)
				return
			}
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func toOrchestratorRetryConfig(cfg config.RetryConfig) orchestrator.RetryConfig {
	return orchestrator.RetryConfig{
		MaxAttempts:                  cfg.MaxAttempts,
		BackoffBaseMs:                cfg.BackoffBaseMs,
		BackoffMaxMs:                 cfg.BackoffMaxMs,
		FastRetryAttempts:            cfg.FastRetryAttempts,
		FastRetryFactor:              cfg.FastRetryFactor,
		HeavyLibraryAttemptThreshold: cfg.HeavyLibraryAttemptThreshold,
		HeavyLibrarySlowdownFactor:   cfg.HeavyLibrarySlowdownFactor,
		JitterRatio:                  cfg.JitterRatio,
		JitterMinMs:                  cfg.JitterMinMs,
	}
}

func newZapLogger() (*zap.Logger, error) {
	if config.IsDevelopmentMode() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
