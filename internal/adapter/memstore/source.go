// Package memstore provides in-memory source and target stores with the same
// contracts as the postgres and mongo adapters. Tests use it to drive the
// migration and verification engines without containers, including outages
// and rejected writes.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/weather-sync/internal/domain"
)

// Source is an in-memory relational source.
type Source struct {
	mu        sync.Mutex
	rows      map[domain.Entity]map[int64]domain.SourceRow
	schemaErr error
	down      bool
	failReads int
	reads     int
}

// NewSource returns a Source holding rows.
func NewSource(rows ...domain.SourceRow) *Source {
	s := &Source{rows: make(map[domain.Entity]map[int64]domain.SourceRow)}
	for _, e := range domain.Entities() {
		s.rows[e] = make(map[int64]domain.SourceRow)
	}
	s.Add(rows...)
	return s
}

// Add inserts or replaces rows.
func (s *Source) Add(rows ...domain.SourceRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.rows[r.Entity()][r.Key()] = r
	}
}

// Delete removes a row.
func (s *Source) Delete(entity domain.Entity, key int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows[entity], key)
}

// SetUnavailable makes every call fail with domain.ErrSourceUnavailable
// until it is cleared.
func (s *Source) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailReads makes the next n ReadPage calls fail with a connectivity error.
func (s *Source) FailReads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads = n
}

// SetSchemaError makes CheckSchema return err.
func (s *Source) SetSchemaError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemaErr = err
}

// Reads returns how many ReadPage calls succeeded.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *Source) check(op string) error {
	if s.down {
		return fmt.Errorf("%w: %s: connection refused", domain.ErrSourceUnavailable, op)
	}
	return nil
}

// CheckSchema returns the configured schema error, if any.
func (s *Source) CheckSchema(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("schema"); err != nil {
		return err
	}
	return s.schemaErr
}

// ReadPage returns up to limit rows with keys greater than cursor.
func (s *Source) ReadPage(ctx context.Context, entity domain.Entity, cursor domain.Cursor, limit int) (domain.Page, error) {
	if err := ctx.Err(); err != nil {
		return domain.Page{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("read " + entity.Table()); err != nil {
		return domain.Page{}, err
	}
	if s.failReads > 0 {
		s.failReads--
		return domain.Page{}, fmt.Errorf("%w: read %s: connection reset", domain.ErrSourceUnavailable, entity.Table())
	}
	if limit <= 0 {
		return domain.Page{}, fmt.Errorf("read page: limit must be positive, got %d", limit)
	}
	s.reads++

	page := domain.Page{Entity: entity, Next: cursor}
	for _, k := range s.sortedKeys(entity) {
		if k <= int64(cursor) {
			continue
		}
		if len(page.Rows) == limit {
			break
		}
		page.Rows = append(page.Rows, s.rows[entity][k])
	}
	page.Done = len(page.Rows) < limit
	if len(page.Rows) > 0 {
		page.Next = domain.Cursor(page.Rows[len(page.Rows)-1].Key())
	}
	return page, nil
}

// Exists reports which of keys are present.
func (s *Source) Exists(_ context.Context, entity domain.Entity, keys []int64) (map[int64]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("exists " + entity.Table()); err != nil {
		return nil, err
	}
	out := make(map[int64]bool, len(keys))
	for _, k := range keys {
		if _, ok := s.rows[entity][k]; ok {
			out[k] = true
		}
	}
	return out, nil
}

// Count returns the number of rows of entity.
func (s *Source) Count(_ context.Context, entity domain.Entity) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("count " + entity.Table()); err != nil {
		return 0, err
	}
	return int64(len(s.rows[entity])), nil
}

// CountPredictedSince counts predictions at or after cutoff, plus those
// without a predicted_at.
func (s *Source) CountPredictedSince(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("count rain_predictions"); err != nil {
		return 0, err
	}
	var n int64
	for _, r := range s.rows[domain.EntityPrediction] {
		p := r.(domain.PredictionRow)
		if p.PredictedAt == nil || !p.PredictedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// RowsByKeys returns the rows with the given keys. Absent keys are omitted.
func (s *Source) RowsByKeys(_ context.Context, entity domain.Entity, keys []int64) (map[int64]domain.SourceRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("fetch " + entity.Table()); err != nil {
		return nil, err
	}
	out := make(map[int64]domain.SourceRow, len(keys))
	for _, k := range keys {
		if r, ok := s.rows[entity][k]; ok {
			out[k] = r
		}
	}
	return out, nil
}

func (s *Source) sortedKeys(entity domain.Entity) []int64 {
	keys := make([]int64, 0, len(s.rows[entity]))
	for k := range s.rows[entity] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
