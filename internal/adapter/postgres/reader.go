// Package postgres reads the relational source through a pgx connection pool.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/couchcryptid/weather-sync/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Reader pages typed rows out of the source tables in primary-key order.
// It implements pipeline.Source and verify.SourceReader.
type Reader struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect opens a pool against dsn and checks that the server answers.
func Connect(ctx context.Context, dsn string, maxConns int32, logger *slog.Logger) (*Reader, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "weather-sync"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, classify("create pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify("ping", err)
	}
	return NewReader(pool, logger), nil
}

// NewReader wraps an existing pool.
func NewReader(pool *pgxpool.Pool, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{pool: pool, logger: logger}
}

// Close releases every pooled connection.
func (r *Reader) Close() { r.pool.Close() }

// CheckReadiness pings the source.
func (r *Reader) CheckReadiness(ctx context.Context) error {
	return classify("ping", r.pool.Ping(ctx))
}

// CheckSchema confirms every column the reader selects exists.
func (r *Reader) CheckSchema(ctx context.Context) error {
	names := make([]string, 0, len(tables))
	for _, e := range domain.Entities() {
		names = append(names, e.Table())
	}

	rows, err := r.pool.Query(ctx, schemaQuery, names)
	if err != nil {
		return classify("check schema", err)
	}
	present := make(map[string]bool)
	var table, column string
	_, err = pgx.ForEachRow(rows, []any{&table, &column}, func() error {
		present[table+"."+column] = true
		return nil
	})
	if err != nil {
		return classify("check schema", err)
	}

	if missing := missingColumns(present); len(missing) > 0 {
		return fmt.Errorf("%w: missing columns %s", domain.ErrSchemaMismatch, strings.Join(missing, ", "))
	}
	return nil
}

// ReadPage returns up to limit rows with keys greater than cursor. The page
// is Done when fewer than limit rows come back.
func (r *Reader) ReadPage(ctx context.Context, entity domain.Entity, cursor domain.Cursor, limit int) (domain.Page, error) {
	t, err := lookup(entity)
	if err != nil {
		return domain.Page{}, err
	}
	if limit <= 0 {
		return domain.Page{}, fmt.Errorf("read page: limit must be positive, got %d", limit)
	}

	rows, err := r.pool.Query(ctx, t.pageQuery(), int64(cursor), limit)
	if err != nil {
		return domain.Page{}, classify("read "+t.name, err)
	}
	out, err := pgx.CollectRows(rows, t.scan)
	if err != nil {
		return domain.Page{}, classify("read "+t.name, err)
	}

	page := domain.Page{Entity: entity, Rows: out, Next: cursor, Done: len(out) < limit}
	if len(out) > 0 {
		page.Next = domain.Cursor(out[len(out)-1].Key())
	}
	r.logger.Debug("read page", "entity", entity, "cursor", cursor, "rows", len(out), "done", page.Done)
	return page, nil
}

// Count returns the number of rows in the entity's table.
func (r *Reader) Count(ctx context.Context, entity domain.Entity) (int64, error) {
	t, err := lookup(entity)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := r.pool.QueryRow(ctx, t.countQuery()).Scan(&n); err != nil {
		return 0, classify("count "+t.name, err)
	}
	return n, nil
}

// CountPredictedSince counts predictions still inside the retention horizon.
// Rows without predicted_at are included so that they line up with the
// IncompleteRecord skips recorded for them.
func (r *Reader) CountPredictedSince(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM rain_predictions WHERE predicted_at >= $1 OR predicted_at IS NULL`, cutoff,
	).Scan(&n)
	if err != nil {
		return 0, classify("count rain_predictions", err)
	}
	return n, nil
}

// RowsByKeys fetches the rows with the given keys. Absent keys are omitted.
func (r *Reader) RowsByKeys(ctx context.Context, entity domain.Entity, keys []int64) (map[int64]domain.SourceRow, error) {
	t, err := lookup(entity)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]domain.SourceRow, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, t.byKeysQuery(), keys)
	if err != nil {
		return nil, classify("fetch "+t.name, err)
	}
	found, err := pgx.CollectRows(rows, t.scan)
	if err != nil {
		return nil, classify("fetch "+t.name, err)
	}
	for _, row := range found {
		out[row.Key()] = row
	}
	return out, nil
}

// Exists reports which of keys are present in the entity's table.
func (r *Reader) Exists(ctx context.Context, entity domain.Entity, keys []int64) (map[int64]bool, error) {
	t, err := lookup(entity)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]bool, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, t.existsQuery(), keys)
	if err != nil {
		return nil, classify("exists "+t.name, err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, classify("exists "+t.name, err)
	}
	for _, k := range found {
		out[k] = true
	}
	return out, nil
}
