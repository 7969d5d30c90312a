package main

import (
	"context"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"server/config"
	"server/db"
	apiresp "server/internal/api"
	"server/internal/orchestrator"
	"server/internal/scancursor"
)

func init() {
	config.LoadEnvironment()
}

// main serves the thin HTTP instrumentation surface that sits alongside the
// worker pool: a health check, a point-in-time queue snapshot, and a
// library's scan cursor listing. The orchestrator's actual API surface
// (enqueue, dequeue, and so on) is a library, not a service — this process
// exists for observability, not for driving work.
func main() {
	dbConfig := config.LoadDBConfig()
	orchCfg := config.LoadOrchestratorConfig()
	retryCfg := config.LoadRetryConfig()

	ctx := context.Background()
	pool, err := db.OpenPool(ctx, dbConfig)
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	queue, err := orchestrator.NewPostgresQueue(ctx, pool, orchestrator.RetryConfig{
		MaxAttempts:                  retryCfg.MaxAttempts,
		BackoffBaseMs:                retryCfg.BackoffBaseMs,
		BackoffMaxMs:                 retryCfg.BackoffMaxMs,
		FastRetryAttempts:            retryCfg.FastRetryAttempts,
		FastRetryFactor:              retryCfg.FastRetryFactor,
		HeavyLibraryAttemptThreshold: retryCfg.HeavyLibraryAttemptThreshold,
		HeavyLibrarySlowdownFactor:   retryCfg.HeavyLibrarySlowdownFactor,
		JitterRatio:                  retryCfg.JitterRatio,
		JitterMinMs:                  retryCfg.JitterMinMs,
	}, orchCfg.FallbackSchemas...)
	if err != nil {
		panic(err)
	}

	cursorStore := scancursor.NewPostgresStore(pool)

	router := newRouter(queue, cursorStore)

	serverCfg := config.LoadServerConfig()
	port := serverCfg.Port
	if v := os.Getenv("PORT"); v != "" {
		port = v
	}

	if err := http.ListenAndServe(":"+port, router); err != nil {
		panic(err)
	}
}

func newRouter(queue *orchestrator.PostgresQueue, cursors scancursor.Store) *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		apiresp.GinSuccess(c, gin.H{"status": "ok"})
	})

	r.GET("/queue/snapshot", func(c *gin.Context) {
		snapshot, err := queue.Snapshot(c.Request.Context())
		if err != nil {
			apiresp.GinInternalError(c, err, "Failed to read queue snapshot")
			return
		}
		apiresp.GinSuccess(c, snapshot)
	})

	r.GET("/cursors/:library", func(c *gin.Context) {
		libraryID, err := uuid.Parse(c.Param("library"))
		if err != nil {
			apiresp.GinBadRequest(c, err, "Invalid library id")
			return
		}
		list, err := cursors.ListByLibrary(c.Request.Context(), libraryID)
		if err != nil {
			apiresp.GinInternalError(c, err, "Failed to list scan cursors")
			return
		}
		apiresp.GinSuccess(c, list)
	})

	return r
}
