package repo

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsDedupeViolation(t *testing.T) {
	t.Run("matches the dedupe-active unique violation", func(t *testing.T) {
		err := &pgconn.PgError{Code: "23505", ConstraintName: "uq_jobs_dedupe_active"}
		assert.True(t, IsDedupeViolation(err))
	})

	t.Run("ignores other unique violations", func(t *testing.T) {
		err := &pgconn.PgError{Code: "23505", ConstraintName: "orchestrator_jobs_pkey"}
		assert.False(t, IsDedupeViolation(err))
	})

	t.Run("ignores non-unique-violation codes", func(t *testing.T) {
		err := &pgconn.PgError{Code: "23503", ConstraintName: "uq_jobs_dedupe_active"}
		assert.False(t, IsDedupeViolation(err))
	})

	t.Run("ignores non-pg errors", func(t *testing.T) {
		assert.False(t, IsDedupeViolation(errors.New("boom")))
	})

	t.Run("unwraps through a wrapping error's Unwrap", func(t *testing.T) {
		wrapped := wrapForTest(&pgconn.PgError{Code: "23505", ConstraintName: "uq_jobs_dedupe_active"})
		assert.True(t, IsDedupeViolation(wrapped))
	})
}

func wrapForTest(err error) error {
	return &wrapErr{err}
}

type wrapErr struct{ err error }

func (w *wrapErr) Error() string { return "insert job: " + w.err.Error() }
func (w *wrapErr) Unwrap() error { return w.err }
