package scancursor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable Store backed by scan_cursors.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, id ID) (Cursor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT library_id, path_hash, folder_path_norm, listing_hash, entry_count,
		       last_scan_at, last_modified_at, device_id
		FROM scan_cursors
		WHERE library_id = $1 AND path_hash = $2
	`, id.LibraryID, id.PathHash)

	c, err := scanCursor(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cursor{}, ErrNotFound
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("scancursor get: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListByLibrary(ctx context.Context, libraryID uuid.UUID) ([]Cursor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT library_id, path_hash, folder_path_norm, listing_hash, entry_count,
		       last_scan_at, last_modified_at, device_id
		FROM scan_cursors
		WHERE library_id = $1
		ORDER BY folder_path_norm ASC
	`, libraryID)
	if err != nil {
		return nil, fmt.Errorf("scancursor list by library: %w", err)
	}
	defer rows.Close()
	return scanCursors(rows)
}

func (s *PostgresStore) Upsert(ctx context.Context, cursor Cursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_cursors
			(library_id, path_hash, folder_path_norm, listing_hash, entry_count,
			 last_scan_at, last_modified_at, device_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (library_id, path_hash) DO UPDATE SET
			listing_hash = EXCLUDED.listing_hash,
			entry_count = EXCLUDED.entry_count,
			last_scan_at = EXCLUDED.last_scan_at,
			last_modified_at = EXCLUDED.last_modified_at,
			device_id = EXCLUDED.device_id
	`, cursor.LibraryID, cursor.PathHash, cursor.FolderPathNorm, cursor.ListingHash,
		cursor.EntryCount, cursor.LastScanAt, cursor.LastModifiedAt, cursor.DeviceID)
	if err != nil {
		return fmt.Errorf("scancursor upsert: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteByLibrary(ctx context.Context, libraryID uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scan_cursors WHERE library_id = $1`, libraryID)
	if err != nil {
		return 0, fmt.Errorf("scancursor delete by library: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListStale(ctx context.Context, libraryID uuid.UUID, olderThan time.Time) ([]Cursor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT library_id, path_hash, folder_path_norm, listing_hash, entry_count,
		       last_scan_at, last_modified_at, device_id
		FROM scan_cursors
		WHERE library_id = $1 AND last_scan_at < $2
		ORDER BY last_scan_at ASC
	`, libraryID, olderThan)
	if err != nil {
		return nil, fmt.Errorf("scancursor list stale: %w", err)
	}
	defer rows.Close()
	return scanCursors(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCursor(s rowScanner) (Cursor, error) {
	var c Cursor
	err := s.Scan(
		&c.LibraryID, &c.PathHash, &c.FolderPathNorm, &c.ListingHash, &c.EntryCount,
		&c.LastScanAt, &c.LastModifiedAt, &c.DeviceID,
	)
	if err != nil {
		return Cursor{}, err
	}
	return c, nil
}

func scanCursors(rows pgx.Rows) ([]Cursor, error) {
	var out []Cursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cursor row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
