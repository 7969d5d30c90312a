package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Queries wraps a pgxpool.Pool with the orchestrator's hand-written SQL. It
// follows the Queries/New(pool) shape of sqlc-generated code, kept
// hand-written because the dedupe
// merge and priority-elevation statements don't fit a mechanical generator.
type Queries struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. Methods that must run inside a transaction
// take the caller's pgx.Tx as an argument.
func New(pool *pgxpool.Pool) *Queries {
	return &Queries{pool: pool}
}

// readyDequeueIndexName is the composite index whose presence the queue
// verifies on construction.
const readyDequeueIndexName = "idx_jobs_ready_dequeue"

// CheckReadyDequeueIndex asserts idx_jobs_ready_dequeue exists under either
// the application schema or a fallback schema, failing startup otherwise.
func CheckReadyDequeueIndex(ctx context.Context, pool *pgxpool.Pool, schemas ...string) error {
	if len(schemas) == 0 {
		schemas = []string{"public"}
	}
	row := pool.QueryRow(ctx, `
		SELECT count(*) FROM pg_indexes
		WHERE indexname = $1 AND schemaname = ANY($2)
	`, readyDequeueIndexName, schemas)

	var count int
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("check ready-dequeue index: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("startup check failed: index %q not found in schemas %v", readyDequeueIndexName, schemas)
	}
	return nil
}
