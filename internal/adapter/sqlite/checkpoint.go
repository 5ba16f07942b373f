// Package sqlite persists migration progress to a local SQLite file so an
// interrupted run can resume from its last committed page.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/couchcryptid/weather-sync/internal/domain"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS cursors (
	entity TEXT PRIMARY KEY,
	cursor INTEGER NOT NULL,
	done   INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS id_map (
	entity     TEXT NOT NULL,
	source_key INTEGER NOT NULL,
	target_key TEXT NOT NULL,
	PRIMARY KEY (entity, source_key)
);
CREATE TABLE IF NOT EXISTS skips (
	entity     TEXT NOT NULL,
	source_key INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (entity, source_key)
);`

// Checkpoint stores the progress of a single run. It implements
// pipeline.Checkpointer.
type Checkpoint struct {
	db *sql.DB
}

// Open creates or opens the checkpoint database at path.
func Open(path string) (*Checkpoint, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init checkpoint schema: %w", err)
	}
	return &Checkpoint{db: db}, nil
}

// Close closes the database.
func (c *Checkpoint) Close() error { return c.db.Close() }

// Save commits one page of progress atomically: the page's map entries and
// skips are written in the same transaction as the cursor that follows it.
func (c *Checkpoint) Save(ctx context.Context, p domain.Progress) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, updated_at) VALUES (?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET updated_at = excluded.updated_at`,
		p.RunID, domain.Now()); err != nil {
		return fmt.Errorf("checkpoint run: %w", err)
	}

	if len(p.Entries) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO id_map (entity, source_key, target_key) VALUES (?, ?, ?)
			 ON CONFLICT(entity, source_key) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("checkpoint prepare entries: %w", err)
		}
		defer stmt.Close()
		for _, e := range p.Entries {
			if _, err := stmt.ExecContext(ctx, string(e.Entity), e.SourceKey, string(e.TargetKey)); err != nil {
				return fmt.Errorf("checkpoint entry %s %d: %w", e.Entity, e.SourceKey, err)
			}
		}
	}

	for _, s := range p.Skips {
		if _, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO skips (entity, source_key, reason, detail) VALUES (?, ?, ?, ?)`,
			string(p.Entity), s.SourceKey, string(s.Reason), s.Detail); err != nil {
			return fmt.Errorf("checkpoint skip %s %d: %w", p.Entity, s.SourceKey, err)
		}
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO cursors (entity, cursor, done) VALUES (?, ?, ?)
		 ON CONFLICT(entity) DO UPDATE SET cursor = excluded.cursor, done = excluded.done`,
		string(p.Entity), int64(p.Cursor), p.Done); err != nil {
		return fmt.Errorf("checkpoint cursor: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("checkpoint commit: %w", err)
	}
	return nil
}

// Load returns the stored progress, or nil if nothing has been saved.
func (c *Checkpoint) Load(ctx context.Context) (*domain.Checkpoint, error) {
	cp := &domain.Checkpoint{
		Cursors: make(map[domain.Entity]domain.Cursor),
		Done:    make(map[domain.Entity]bool),
		Skips:   make(map[domain.Entity][]domain.Skip),
	}

	err := c.db.QueryRowContext(ctx,
		`SELECT run_id, updated_at FROM runs ORDER BY updated_at DESC LIMIT 1`,
	).Scan(&cp.RunID, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint run: %w", err)
	}

	if err := c.loadCursors(ctx, cp); err != nil {
		return nil, err
	}
	if err := c.loadEntries(ctx, cp); err != nil {
		return nil, err
	}
	if err := c.loadSkips(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func (c *Checkpoint) loadCursors(ctx context.Context, cp *domain.Checkpoint) error {
	rows, err := c.db.QueryContext(ctx, `SELECT entity, cursor, done FROM cursors`)
	if err != nil {
		return fmt.Errorf("load cursors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entity string
		var cursor int64
		var done bool
		if err := rows.Scan(&entity, &cursor, &done); err != nil {
			return fmt.Errorf("scan cursor: %w", err)
		}
		cp.Cursors[domain.Entity(entity)] = domain.Cursor(cursor)
		cp.Done[domain.Entity(entity)] = done
	}
	return rows.Err()
}

func (c *Checkpoint) loadEntries(ctx context.Context, cp *domain.Checkpoint) error {
	rows, err := c.db.QueryContext(ctx, `SELECT entity, source_key, target_key FROM id_map ORDER BY entity, source_key`)
	if err != nil {
		return fmt.Errorf("load id map: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.MapEntry
		var entity, target string
		if err := rows.Scan(&entity, &e.SourceKey, &target); err != nil {
			return fmt.Errorf("scan id map: %w", err)
		}
		e.Entity, e.TargetKey = domain.Entity(entity), domain.TargetKey(target)
		cp.Entries = append(cp.Entries, e)
	}
	return rows.Err()
}

func (c *Checkpoint) loadSkips(ctx context.Context, cp *domain.Checkpoint) error {
	rows, err := c.db.QueryContext(ctx, `SELECT entity, source_key, reason, detail FROM skips ORDER BY entity, source_key`)
	if err != nil {
		return fmt.Errorf("load skips: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var entity, reason string
		var s domain.Skip
		if err := rows.Scan(&entity, &s.SourceKey, &reason, &s.Detail); err != nil {
			return fmt.Errorf("scan skip: %w", err)
		}
		s.Reason = domain.Reason(reason)
		cp.Skips[domain.Entity(entity)] = append(cp.Skips[domain.Entity(entity)], s)
	}
	return rows.Err()
}

// Reset discards all stored progress.
func (c *Checkpoint) Reset(ctx context.Context) error {
	for _, table := range []string{"runs", "cursors", "id_map", "skips"} {
		if _, err := c.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

