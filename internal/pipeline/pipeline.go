// Package pipeline migrates the relational source into the document target,
// one entity at a time in dependency order.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/weather-sync/internal/domain"
	"github.com/couchcryptid/weather-sync/internal/idmap"
	"github.com/couchcryptid/weather-sync/internal/observability"
	"github.com/couchcryptid/weather-sync/internal/resilience"
	"github.com/google/uuid"
)

// Source reads keyset pages from the relational store.
type Source interface {
	CheckSchema(ctx context.Context) error
	ReadPage(ctx context.Context, entity domain.Entity, cursor domain.Cursor, limit int) (domain.Page, error)
	Exists(ctx context.Context, entity domain.Entity, keys []int64) (map[int64]bool, error)
}

// Target writes documents and answers identity lookups.
type Target interface {
	EnsureIndexes(ctx context.Context, retention time.Duration) error
	LookupSourceKeys(ctx context.Context, entity domain.Entity, keys []int64) (map[int64]domain.TargetKey, error)
	Write(ctx context.Context, entity domain.Entity, docs []domain.Document) (domain.WriteResult, error)
}

// Checkpointer persists per-page progress so that a run can be resumed.
type Checkpointer interface {
	Load(ctx context.Context) (*domain.Checkpoint, error)
	Save(ctx context.Context, p domain.Progress) error
	Reset(ctx context.Context) error
}

// Options tunes a run.
type Options struct {
	PageSize         int
	BatchSize        int
	WriteConcurrency int
	Retention        time.Duration
	// EnsureIndexes creates the target's unique and TTL indexes before the
	// first write.
	EnsureIndexes bool
	// Resume restores map entries, cursors and skips from the checkpoint.
	Resume bool
	Retry  resilience.Policy
}

// Orchestrator runs one migration. It is single use: Run may be called once.
type Orchestrator struct {
	source     Source
	target     Target
	checkpoint Checkpointer
	opts       Options
	logger     *slog.Logger
	metrics    *observability.Metrics

	sourceRetry *resilience.Retrier
	targetRetry *resilience.Retrier

	ids     *idmap.Map
	skipped map[domain.Entity]map[int64]bool

	mu     sync.Mutex
	state  domain.RunState
	entity domain.Entity
	cursor domain.Cursor
}

// New creates an Orchestrator. A nil Checkpointer disables checkpointing.
func New(src Source, tgt Target, cp Checkpointer, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cp == nil {
		cp = nopCheckpointer{}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.WriteConcurrency <= 0 {
		opts.WriteConcurrency = 1
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = resilience.DefaultPolicy()
	}

	o := &Orchestrator{
		source:      src,
		target:      tgt,
		checkpoint:  cp,
		opts:        opts,
		logger:      logger,
		metrics:     metrics,
		sourceRetry: resilience.NewRetrier("source", opts.Retry, logger),
		targetRetry: resilience.NewRetrier("target", opts.Retry, logger),
		ids:         idmap.New(),
		skipped:     make(map[domain.Entity]map[int64]bool),
		state:       domain.StateIdle,
	}
	onRetry := func(op string, _ int, _ error) { metrics.StoreRetries.WithLabelValues(op).Inc() }
	o.sourceRetry.OnRetry = onRetry
	o.targetRetry.OnRetry = onRetry
	for _, e := range domain.Entities() {
		o.skipped[e] = make(map[int64]bool)
	}
	return o
}

// IdentifierMap returns the run's map. Callers must not Record into it while
// Run is in progress.
func (o *Orchestrator) IdentifierMap() *idmap.Map { return o.ids }

// State returns the lifecycle state.
func (o *Orchestrator) State() domain.RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Position returns the entity being migrated and its last committed cursor.
func (o *Orchestrator) Position() (domain.Entity, domain.Cursor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entity, o.cursor
}

func (o *Orchestrator) setState(s domain.RunState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) setPosition(e domain.Entity, c domain.Cursor) {
	o.mu.Lock()
	o.entity, o.cursor = e, c
	o.mu.Unlock()
}

// Run migrates every entity in dependency order. The returned report is
// non-nil whenever the run started; on failure it carries the failing entity
// and the last cursor committed for each entity, and the error is returned
// alongside it.
func (o *Orchestrator) Run(ctx context.Context) (*domain.MigrationReport, error) {
	o.mu.Lock()
	if o.state != domain.StateIdle {
		o.mu.Unlock()
		return nil, fmt.Errorf("run: orchestrator is %s, not %s", o.state, domain.StateIdle)
	}
	o.state = domain.StateRunning
	o.mu.Unlock()

	o.metrics.MigrationRunning.Set(1)
	defer o.metrics.MigrationRunning.Set(0)

	report := &domain.MigrationReport{
		RunID:     uuid.NewString(),
		State:     domain.StateRunning,
		StartedAt: domain.Now(),
	}
	for _, e := range domain.Entities() {
		report.Entities = append(report.Entities, domain.EntitySummary{Entity: e})
	}

	if err := o.prepare(ctx, report); err != nil {
		return o.fail(report, "", err)
	}
	o.logger.Info("migration started", "run_id", report.RunID, "resume", o.opts.Resume,
		"page_size", o.opts.PageSize, "batch_size", o.opts.BatchSize)

	for i := range report.Entities {
		sum := &report.Entities[i]
		if sum.Done {
			o.logger.Info("entity already migrated, skipping", "entity", sum.Entity, "cursor", sum.LastCursor)
			continue
		}
		if err := o.migrateEntity(ctx, report.RunID, sum); err != nil {
			return o.fail(report, sum.Entity, fmt.Errorf("migrate %s at cursor %d: %w", sum.Entity, sum.LastCursor, err))
		}
	}

	report.State = domain.StateCompleted
	report.FinishedAt = domain.Now()
	o.setState(domain.StateCompleted)
	o.logger.Info("migration completed", "run_id", report.RunID,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

func (o *Orchestrator) fail(report *domain.MigrationReport, entity domain.Entity, err error) (*domain.MigrationReport, error) {
	report.State = domain.StateFailed
	report.FailedEntity = entity
	report.Error = err.Error()
	report.FinishedAt = domain.Now()
	o.setState(domain.StateFailed)
	o.logger.Error("migration failed", "run_id", report.RunID, "entity", entity, "error", err)
	return report, err
}

// prepare validates the source schema, creates target indexes and either
// restores or clears the checkpoint.
func (o *Orchestrator) prepare(ctx context.Context, report *domain.MigrationReport) error {
	if err := o.sourceRetry.Do(ctx, "check schema", o.source.CheckSchema); err != nil {
		return err
	}
	if o.opts.EnsureIndexes {
		err := o.targetRetry.Do(ctx, "ensure indexes", func(ctx context.Context) error {
			return o.target.EnsureIndexes(ctx, o.opts.Retention)
		})
		if err != nil {
			return err
		}
	}

	if !o.opts.Resume {
		if err := o.checkpoint.Reset(ctx); err != nil {
			return fmt.Errorf("reset checkpoint: %w", err)
		}
		return nil
	}

	cp, err := o.checkpoint.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil {
		o.logger.Info("no checkpoint found, starting from the beginning")
		return nil
	}
	if err := o.ids.Restore(cp.Entries); err != nil {
		return err
	}
	report.RunID = cp.RunID
	for i := range report.Entities {
		sum := &report.Entities[i]
		sum.LastCursor = cp.Cursors[sum.Entity]
		sum.Done = cp.Done[sum.Entity]
		sum.Skips = append(sum.Skips, cp.Skips[sum.Entity]...)
		sum.Skipped = len(sum.Skips)
		sum.Succeeded = o.ids.Len(sum.Entity)
		sum.Attempted = sum.Succeeded + sum.Skipped
		for _, s := range sum.Skips {
			o.skipped[sum.Entity][s.SourceKey] = true
		}
		o.metrics.IdentifierMap.WithLabelValues(string(sum.Entity)).Set(float64(sum.Succeeded))
	}
	o.logger.Info("resuming from checkpoint", "run_id", cp.RunID, "updated_at", cp.UpdatedAt,
		"entries", len(cp.Entries))
	return nil
}

// migrateEntity pages through one entity until its table is exhausted.
func (o *Orchestrator) migrateEntity(ctx context.Context, runID string, sum *domain.EntitySummary) error {
	entity := sum.Entity
	o.setPosition(entity, sum.LastCursor)
	o.logger.Info("migrating entity", "entity", entity, "cursor", sum.LastCursor)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()

		var page domain.Page
		err := o.sourceRetry.Do(ctx, "read "+string(entity), func(ctx context.Context) error {
			var err error
			page, err = o.source.ReadPage(ctx, entity, sum.LastCursor, o.opts.PageSize)
			return err
		})
		if err != nil {
			return err
		}

		out, err := o.processPage(ctx, page)
		if err != nil {
			return err
		}

		progress := domain.Progress{
			RunID:   runID,
			Entity:  entity,
			Cursor:  page.Next,
			Done:    page.Done,
			Entries: out.entries,
			Skips:   out.skips,
		}
		// The page's writes are confirmed; record them even if the run was
		// cancelled meanwhile. A failed save stops the run at the last durable
		// cursor so a resume re-reads and adopts this page.
		if err := o.checkpoint.Save(context.WithoutCancel(ctx), progress); err != nil {
			return fmt.Errorf("save checkpoint at %s cursor %d: %w", entity, page.Next, err)
		}

		sum.Attempted += len(page.Rows)
		sum.Succeeded += len(out.entries)
		sum.Adopted += out.adopted
		sum.Skipped += len(out.skips)
		sum.Skips = append(sum.Skips, out.skips...)
		sum.LastCursor = page.Next
		sum.Done = page.Done
		o.setPosition(entity, page.Next)
		o.observePage(entity, page, out, time.Since(start))

		if page.Done {
			o.logger.Info("entity migrated", "entity", entity, "attempted", sum.Attempted,
				"succeeded", sum.Succeeded, "adopted", sum.Adopted, "skipped", sum.Skipped)
			return nil
		}
	}
}

func (o *Orchestrator) observePage(entity domain.Entity, page domain.Page, out pageResult, d time.Duration) {
	label := string(entity)
	o.metrics.RowsRead.WithLabelValues(label).Add(float64(len(page.Rows)))
	o.metrics.DocumentsWritten.WithLabelValues(label).Add(float64(len(out.entries) - out.adopted))
	o.metrics.DocumentsAdopted.WithLabelValues(label).Add(float64(out.adopted))
	for _, s := range out.skips {
		o.metrics.RowsSkipped.WithLabelValues(label, string(s.Reason)).Inc()
	}
	o.metrics.IdentifierMap.WithLabelValues(label).Set(float64(o.ids.Len(entity)))
	o.metrics.PageDuration.WithLabelValues(label).Observe(d.Seconds())
	o.logger.Debug("page committed", "entity", entity, "cursor", page.Next, "rows", len(page.Rows),
		"recorded", len(out.entries), "adopted", out.adopted, "skipped", len(out.skips))
}

type nopCheckpointer struct{}

func (nopCheckpointer) Load(context.Context) (*domain.Checkpoint, error) { return nil, nil }
func (nopCheckpointer) Save(context.Context, domain.Progress) error      { return nil }
func (nopCheckpointer) Reset(context.Context) error                      { return nil }

