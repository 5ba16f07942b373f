package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/weather-sync/internal/adapter/memstore"
	"github.com/couchcryptid/weather-sync/internal/domain"
	"github.com/couchcryptid/weather-sync/internal/observability"
	"github.com/couchcryptid/weather-sync/internal/pipeline"
	"github.com/couchcryptid/weather-sync/internal/resilience"
)

func ptr[T any](v T) *T { return &v }

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

// sydney is the canonical three-row dataset: one location, one observation
// of it and one prediction from that observation.
func sydney() []domain.SourceRow {
	return []domain.SourceRow{
		domain.LocationRow{ID: 1, Name: "Sydney"},
		domain.ObservationRow{
			ID:           10,
			LocationID:   ptr[int64](1),
			Date:         ptr(day(2020, time.January, 1)),
			Measurements: domain.Measurements{MinTemp: ptr(10.0)},
		},
		domain.PredictionRow{
			ID:            100,
			ObservationID: ptr[int64](10),
			WillItRain:    ptr(true),
			PredictedAt:   ptr(day(2020, time.January, 2)),
		},
	}
}

func locations(n int) []domain.SourceRow {
	rows := make([]domain.SourceRow, n)
	for i := range n {
		rows[i] = domain.LocationRow{ID: int64(i + 1), Name: fmt.Sprintf("Town %02d", i+1)}
	}
	return rows
}

func fastRetry() resilience.Policy {
	return resilience.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func newOrchestrator(t *testing.T, src pipeline.Source, tgt pipeline.Target, cp pipeline.Checkpointer, opts pipeline.Options) (*pipeline.Orchestrator, *observability.Metrics) {
	t.Helper()
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fastRetry()
	}
	metrics := observability.NewMetricsForTesting()
	return pipeline.New(src, tgt, cp, opts, slog.Default(), metrics), metrics
}

func count(t *testing.T, tgt *memstore.Target, e domain.Entity) int64 {
	t.Helper()
	n, err := tgt.Count(context.Background(), e)
	if err != nil {
		t.Fatalf("count %s: %v", e, err)
	}
	return n
}

// hidingSource pages past selected rows while still reporting them as
// present, as a source mutated mid-run would.
type hidingSource struct {
	*memstore.Source
	hide map[domain.Entity]map[int64]bool
}

func (s hidingSource) ReadPage(ctx context.Context, e domain.Entity, c domain.Cursor, limit int) (domain.Page, error) {
	page, err := s.Source.ReadPage(ctx, e, c, limit)
	if err != nil {
		return page, err
	}
	kept := page.Rows[:0]
	for _, r := range page.Rows {
		if !s.hide[e][r.Key()] {
			kept = append(kept, r)
		}
	}
	page.Rows = kept
	return page, nil
}

// afterWriteTarget calls hook once the wrapped Write returns.
type afterWriteTarget struct {
	*memstore.Target
	once sync.Once
	hook func()
}

func (t *afterWriteTarget) Write(ctx context.Context, e domain.Entity, docs []domain.Document) (domain.WriteResult, error) {
	res, err := t.Target.Write(ctx, e, docs)
	t.once.Do(t.hook)
	return res, err
}

// memCheckpoint keeps progress in memory.
type memCheckpoint struct {
	mu sync.Mutex
	cp *domain.Checkpoint
}

func (m *memCheckpoint) Load(context.Context) (*domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cp, nil
}

func (m *memCheckpoint) Save(_ context.Context, p domain.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cp == nil {
		m.cp = &domain.Checkpoint{
			Cursors: map[domain.Entity]domain.Cursor{},
			Done:    map[domain.Entity]bool{},
			Skips:   map[domain.Entity][]domain.Skip{},
		}
	}
	m.cp.RunID = p.RunID
	m.cp.UpdatedAt = domain.Now()
	m.cp.Cursors[p.Entity] = p.Cursor
	m.cp.Done[p.Entity] = p.Done
	m.cp.Entries = append(m.cp.Entries, p.Entries...)
	m.cp.Skips[p.Entity] = append(m.cp.Skips[p.Entity], p.Skips...)
	return nil
}

func (m *memCheckpoint) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp = nil
	return nil
}

// failingSave fails the nth Save (1-based) and passes every other call
// through.
type failingSave struct {
	*memCheckpoint
	mu    sync.Mutex
	calls int
	nth   int
}

func (f *failingSave) Save(ctx context.Context, p domain.Progress) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls == f.nth
	f.mu.Unlock()
	if fail {
		return errors.New("disk I/O error")
	}
	return f.memCheckpoint.Save(ctx, p)
}

// partialWriteTarget stores only the first document of a batch and fails
// the call, as a bulk write interrupted part-way would. It does so for the
// first left calls.
type partialWriteTarget struct {
	*memstore.Target
	err  error
	mu   sync.Mutex
	left int
}

func (t *partialWriteTarget) Write(ctx context.Context, e domain.Entity, docs []domain.Document) (domain.WriteResult, error) {
	t.mu.Lock()
	partial := t.left > 0 && len(docs) > 1
	if partial {
		t.left--
	}
	t.mu.Unlock()
	if !partial {
		return t.Target.Write(ctx, e, docs)
	}
	res, err := t.Target.Write(ctx, e, docs[:1])
	if err != nil {
		return res, err
	}
	return res, t.err
}
