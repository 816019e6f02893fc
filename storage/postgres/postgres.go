// Package postgres is a Storage backed by PostgreSQL through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yairfalse/sweep/storage"
	"github.com/yairfalse/sweep/types"
)

// Store persists scan records and result items in two tables.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Storage = (*Store)(nil)

// NewStore wraps an existing pool. Call EnsureSchema before using it.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects, ensures the schema and returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := NewDB(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewStore(pool), nil
}

// EnsureSchema creates the scans and results tables if they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := `
CREATE TABLE IF NOT EXISTS scans (
  scan_id TEXT PRIMARY KEY,
  lifecycle_state TEXT NOT NULL,
  start_time TIMESTAMPTZ NOT NULL,
  record JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS scans_start_time_idx ON scans (start_time DESC);
CREATE TABLE IF NOT EXISTS results (
  scan_id TEXT NOT NULL REFERENCES scans (scan_id) ON DELETE CASCADE,
  unit_identifier TEXT NOT NULL,
  service TEXT NOT NULL,
  operation TEXT NOT NULL,
  region TEXT NOT NULL,
  profile TEXT NOT NULL,
  payload JSONB NOT NULL,
  source_file TEXT NOT NULL,
  ingested_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (scan_id, unit_identifier)
);`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// NewDB opens a pgx pool with tuned defaults.
func NewDB(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// PutScan inserts or replaces a scan record.
func (s *Store) PutScan(ctx context.Context, rec *types.ScanRecord) error {
	if rec == nil || rec.ScanID == "" {
		return fmt.Errorf("scan record requires a scan_id")
	}
	return putScan(ctx, s.pool, rec)
}

// UpdateScan locks the row, applies fn and writes the result back.
func (s *Store) UpdateScan(ctx context.Context, scanID string, fn func(*types.ScanRecord) error) (*types.ScanRecord, error) {
	var updated *types.ScanRecord
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rec, err := getScan(ctx, tx, scanID, true)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		rec.ScanID = scanID
		updated = rec
		return putScan(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetScan returns a scan record or types.ErrNotFound.
func (s *Store) GetScan(ctx context.Context, scanID string) (*types.ScanRecord, error) {
	return getScan(ctx, s.pool, scanID, false)
}

// ListScans returns scans newest first.
func (s *Store) ListScans(ctx context.Context, q storage.ScanQuery) ([]*types.ScanRecord, error) {
	var (
		where []string
		args  []any
	)
	if len(q.States) > 0 {
		states := make([]string, len(q.States))
		for i, st := range q.States {
			states[i] = string(st)
		}
		args = append(args, states)
		where = append(where, fmt.Sprintf("lifecycle_state = ANY($%d)", len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UTC())
		where = append(where, fmt.Sprintf("start_time >= $%d", len(args)))
	}
	if !q.Before.IsZero() {
		args = append(args, q.Before.UTC())
		where = append(where, fmt.Sprintf("start_time < $%d", len(args)))
	}

	query := "SELECT record FROM scans"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC, scan_id DESC" + pageClause(q.Limit, q.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var records []*types.ScanRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var rec types.ScanRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode scan record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// UpsertResult inserts or replaces an item and counts it on first insert.
// The scan row is locked so concurrent first inserts never lose an increment.
func (s *Store) UpsertResult(ctx context.Context, item types.ResultItem) (bool, error) {
	if item.ScanID == "" || item.UnitID == "" {
		return false, fmt.Errorf("result item requires scan_id and unit_identifier")
	}

	const upsert = `
INSERT INTO results (scan_id, unit_identifier, service, operation, region, profile, payload, source_file, ingested_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (scan_id, unit_identifier)
DO UPDATE SET
  payload = EXCLUDED.payload,
  source_file = EXCLUDED.source_file,
  ingested_at = EXCLUDED.ingested_at
RETURNING (xmax = 0) AS inserted;
`
	created := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rec, err := getScan(ctx, tx, item.ScanID, true)
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx, upsert,
			item.ScanID,
			item.UnitID,
			item.Service,
			item.Operation,
			item.Region,
			item.Profile,
			string(item.Payload),
			item.SourceFile,
			item.IngestedAt.UTC(),
		).Scan(&created)
		if err != nil {
			return fmt.Errorf("upsert result: %w", err)
		}
		if !created {
			return nil
		}

		rec.ItemsIngested++
		return putScan(ctx, tx, rec)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

// QueryResults returns items of one scan ordered by unit identifier.
func (s *Store) QueryResults(ctx context.Context, scanID string, q storage.ResultQuery) ([]types.ResultItem, error) {
	if _, err := s.GetScan(ctx, scanID); err != nil {
		return nil, err
	}

	args := []any{scanID}
	where := []string{"scan_id = $1"}
	if q.Service != "" {
		args = append(args, strings.ToLower(q.Service))
		where = append(where, fmt.Sprintf("service = $%d", len(args)))
	}
	if q.Region != "" {
		args = append(args, q.Region)
		where = append(where, fmt.Sprintf("region = $%d", len(args)))
	}
	if q.Operation != "" {
		args = append(args, q.Operation)
		where = append(where, fmt.Sprintf("operation = $%d", len(args)))
	}

	query := `SELECT scan_id, unit_identifier, service, operation, region, profile, payload, source_file, ingested_at
FROM results WHERE ` + strings.Join(where, " AND ") + " ORDER BY unit_identifier" + pageClause(q.Limit, q.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var items []types.ResultItem
	for rows.Next() {
		var (
			item    types.ResultItem
			payload []byte
		)
		err := rows.Scan(&item.ScanID, &item.UnitID, &item.Service, &item.Operation,
			&item.Region, &item.Profile, &payload, &item.SourceFile, &item.IngestedAt)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountResults returns the number of items stored under a scan.
func (s *Store) CountResults(ctx context.Context, scanID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM results WHERE scan_id = $1", scanID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}

// DeleteScan removes results first, then the record.
func (s *Store) DeleteScan(ctx context.Context, scanID string) (int, error) {
	deleted := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := getScan(ctx, tx, scanID, true); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, "DELETE FROM results WHERE scan_id = $1", scanID)
		if err != nil {
			return fmt.Errorf("delete results: %w", err)
		}
		deleted = int(tag.RowsAffected())
		if _, err := tx.Exec(ctx, "DELETE FROM scans WHERE scan_id = $1", scanID); err != nil {
			return fmt.Errorf("delete scan: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Stats returns store-wide totals.
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	stats := storage.Stats{ScansByState: make(map[types.State]int)}

	rows, err := s.pool.Query(ctx, "SELECT lifecycle_state, count(*) FROM scans GROUP BY lifecycle_state")
	if err != nil {
		return storage.Stats{}, fmt.Errorf("count scans: %w", err)
	}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return storage.Stats{}, fmt.Errorf("scan row: %w", err)
		}
		stats.ScansByState[types.State(state)] = n
		stats.TotalScans += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return storage.Stats{}, err
	}

	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM results").Scan(&stats.TotalResults); err != nil {
		return storage.Stats{}, fmt.Errorf("count results: %w", err)
	}

	stats.Services, err = s.distinct(ctx, "service")
	if err != nil {
		return storage.Stats{}, err
	}
	stats.Regions, err = s.distinct(ctx, "region")
	if err != nil {
		return storage.Stats{}, err
	}
	return stats, nil
}

func (s *Store) distinct(ctx context.Context, column string) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		"SELECT DISTINCT %[1]s FROM results WHERE %[1]s <> '' ORDER BY %[1]s", column))
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", column, err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", column, err)
	}
	return values, nil
}

// dbtx is satisfied by both the pool and a transaction
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getScan(ctx context.Context, db dbtx, scanID string, forUpdate bool) (*types.ScanRecord, error) {
	query := "SELECT record FROM scans WHERE scan_id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var raw []byte
	if err := db.QueryRow(ctx, query, scanID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("scan %s: %w", scanID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("get scan: %w", err)
	}

	var rec types.ScanRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode scan record %s: %w", scanID, err)
	}
	return &rec, nil
}

func putScan(ctx context.Context, db dbtx, rec *types.ScanRecord) error {
	const query = `
INSERT INTO scans (scan_id, lifecycle_state, start_time, record)
VALUES ($1, $2, $3, $4)
ON CONFLICT (scan_id)
DO UPDATE SET
  lifecycle_state = EXCLUDED.lifecycle_state,
  start_time = EXCLUDED.start_time,
  record = EXCLUDED.record;
`
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal scan record: %w", err)
	}
	if _, err := db.Exec(ctx, query, rec.ScanID, string(rec.State), rec.StartTime.UTC(), string(value)); err != nil {
		return fmt.Errorf("upsert scan: %w", err)
	}
	return nil
}

func pageClause(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}
