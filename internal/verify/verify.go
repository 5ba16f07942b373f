// Package verify reconciles the target against the source after a migration.
// It reads both stores and never writes to either.
package verify

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/couchcryptid/weather-sync/internal/domain"
	"github.com/couchcryptid/weather-sync/internal/observability"
	"github.com/couchcryptid/weather-sync/internal/resilience"
)

// SourceReader is the read side of the relational store.
type SourceReader interface {
	Count(ctx context.Context, entity domain.Entity) (int64, error)
	CountPredictedSince(ctx context.Context, cutoff time.Time) (int64, error)
	RowsByKeys(ctx context.Context, entity domain.Entity, keys []int64) (map[int64]domain.SourceRow, error)
}

// TargetReader is the read side of the document store.
type TargetReader interface {
	Count(ctx context.Context, entity domain.Entity) (int64, error)
	SourceKeyIndex(ctx context.Context, entity domain.Entity) (map[int64]domain.TargetKey, error)
	ExistingIDs(ctx context.Context, entity domain.Entity, ids []domain.TargetKey) (map[domain.TargetKey]bool, error)
	Documents(ctx context.Context, entity domain.Entity, limit int) ([]domain.Document, error)
}

// Options tunes field-level reconciliation.
type Options struct {
	// SampleSize is how many documents are compared when the collection is
	// larger than FullScanLimit.
	SampleSize    int
	FullScanLimit int
	// Retention matches the migration's horizon. Source predictions older
	// than it are not expected in the target.
	Retention time.Duration
	Retry     resilience.Policy
}

// Input is what the migration knows about its own outcome.
type Input struct {
	// Skipped holds the source keys per entity that were skipped and so have
	// no document. Keys whose rows have since left the source or aged past
	// the retention horizon are not counted as missing.
	Skipped map[domain.Entity][]int64
	// Entries is the migration's identifier map. Empty skips coverage
	// reconciliation.
	Entries []domain.MapEntry
}

// InputFromCheckpoint rebuilds the migration outcome from durable progress.
// Expired skips are left out; the verifier applies the retention horizon to
// the source count instead.
func InputFromCheckpoint(cp *domain.Checkpoint) Input {
	in := Input{Skipped: make(map[domain.Entity][]int64)}
	if cp == nil {
		return in
	}
	for e, skips := range cp.Skips {
		if keys := domain.SkippedKeys(skips); len(keys) > 0 {
			in.Skipped[e] = keys
		}
	}
	in.Entries = cp.Entries
	return in
}

// Verifier compares the two stores.
type Verifier struct {
	source  SourceReader
	target  TargetReader
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics
	retry   *resilience.Retrier
}

// New creates a Verifier.
func New(src SourceReader, tgt TargetReader, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FullScanLimit <= 0 {
		opts.FullScanLimit = 10000
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = 100
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = resilience.DefaultPolicy()
	}
	return &Verifier{
		source:  src,
		target:  tgt,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		retry:   resilience.NewRetrier("verify", opts.Retry, logger),
	}
}

// run holds the state of one Verify call.
type run struct {
	report *domain.VerificationReport
	// index is the target's own source key -> id binding per entity,
	// derived from source_id fields.
	index map[domain.Entity]map[int64]domain.TargetKey
	ids   map[domain.Entity]map[domain.TargetKey]bool
	// cutoff is the retention horizon for this run; zero without retention.
	cutoff time.Time
}

// live reports whether row is still expected in the target: it exists and,
// for predictions, has not aged past the horizon.
func (r *run) live(row domain.SourceRow) bool {
	if row == nil {
		return false
	}
	p, ok := row.(domain.PredictionRow)
	if !ok || r.cutoff.IsZero() || p.PredictedAt == nil {
		return true
	}
	return !p.PredictedAt.Before(r.cutoff)
}

func (r *run) add(f domain.Finding) { r.report.Findings = append(r.report.Findings, f) }

// Resolve translates parent keys through the derived index rather than the
// migration's map, so drift in either is visible.
func (r *run) Resolve(entity domain.Entity, key int64) (domain.TargetKey, error) {
	if t, ok := r.index[entity][key]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %s %d has no target document", domain.ErrUnresolvedReference, entity, key)
}

// Verify checks every entity in dependency order. Discrepancies are returned
// as findings; an error means a store could not be read.
func (v *Verifier) Verify(ctx context.Context, in Input) (*domain.VerificationReport, error) {
	start := time.Now()
	r := &run{
		report: &domain.VerificationReport{CheckedAt: domain.Now(), Findings: []domain.Finding{}},
		index:  make(map[domain.Entity]map[int64]domain.TargetKey),
		ids:    make(map[domain.Entity]map[domain.TargetKey]bool),
	}
	if v.opts.Retention > 0 {
		r.cutoff = r.report.CheckedAt.Add(-v.opts.Retention)
	}

	for _, e := range domain.Entities() {
		check, err := v.verifyEntity(ctx, r, e, in)
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", e, err)
		}
		r.report.Entities = append(r.report.Entities, check)
	}

	slices.SortStableFunc(r.report.Findings, func(a, b domain.Finding) int {
		if c := cmp.Compare(a.Entity.Order(), b.Entity.Order()); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		return cmp.Compare(a.SourceKey, b.SourceKey)
	})
	v.observe(r.report, time.Since(start))
	return r.report, nil
}

func (v *Verifier) verifyEntity(ctx context.Context, r *run, e domain.Entity, in Input) (domain.EntityCheck, error) {
	check := domain.EntityCheck{Entity: e}

	if err := v.do(ctx, "index "+string(e), func(ctx context.Context) error {
		idx, err := v.target.SourceKeyIndex(ctx, e)
		r.index[e] = idx
		return err
	}); err != nil {
		return check, err
	}
	r.ids[e] = make(map[domain.TargetKey]bool, len(r.index[e]))
	for _, id := range r.index[e] {
		r.ids[e][id] = true
	}

	if err := v.expectedMissing(ctx, r, &check, in.Skipped[e]); err != nil {
		return check, err
	}
	if err := v.reconcileCounts(ctx, r, &check); err != nil {
		return check, err
	}
	if err := v.reconcileCoverage(ctx, r, &check, in.Entries); err != nil {
		return check, err
	}
	if err := v.reconcileFields(ctx, r, &check); err != nil {
		return check, err
	}
	v.logger.Info("entity verified", "entity", e, "source", check.SourceCount, "target", check.TargetCount,
		"compared", check.Compared, "sampled", check.Sampled)
	return check, nil
}

// expectedMissing counts the skipped rows that the source still holds and
// that are still inside the horizon; only those can explain a shortfall.
func (v *Verifier) expectedMissing(ctx context.Context, r *run, check *domain.EntityCheck, skipped []int64) error {
	if len(skipped) == 0 {
		return nil
	}
	rows, err := v.fetch(ctx, check.Entity, skipped)
	if err != nil {
		return err
	}
	for _, k := range skipped {
		if r.live(rows[k]) {
			check.ExpectedMissing++
		}
	}
	return nil
}

// reconcileCounts checks source count - expected skips == target count.
func (v *Verifier) reconcileCounts(ctx context.Context, r *run, check *domain.EntityCheck) error {
	e := check.Entity
	err := v.do(ctx, "count "+string(e), func(ctx context.Context) error {
		var err error
		if e == domain.EntityPrediction && !r.cutoff.IsZero() {
			check.SourceCount, err = v.source.CountPredictedSince(ctx, r.cutoff)
		} else {
			check.SourceCount, err = v.source.Count(ctx, e)
		}
		if err != nil {
			return err
		}
		check.TargetCount, err = v.target.Count(ctx, e)
		return err
	})
	if err != nil {
		return err
	}

	want := check.SourceCount - int64(check.ExpectedMissing)
	if want != check.TargetCount {
		r.add(domain.Finding{
			Entity: e,
			Kind:   domain.FindingCountMismatch,
			Detail: fmt.Sprintf("source has %d rows, %d expected missing, so %d documents expected; target has %d",
				check.SourceCount, check.ExpectedMissing, want, check.TargetCount),
		})
	}
	return nil
}

// reconcileCoverage checks that every map entry still has its document.
func (v *Verifier) reconcileCoverage(ctx context.Context, r *run, check *domain.EntityCheck, entries []domain.MapEntry) error {
	e := check.Entity
	var mine []domain.MapEntry
	for _, entry := range entries {
		if entry.Entity == e {
			mine = append(mine, entry)
		}
	}
	// Documents past the horizon are removed by the TTL index.
	if e == domain.EntityPrediction && !r.cutoff.IsZero() && len(mine) > 0 {
		keys := make([]int64, len(mine))
		for i, entry := range mine {
			keys[i] = entry.SourceKey
		}
		rows, err := v.fetch(ctx, e, keys)
		if err != nil {
			return err
		}
		mine = slices.DeleteFunc(mine, func(entry domain.MapEntry) bool {
			row, ok := rows[entry.SourceKey]
			return ok && !r.live(row)
		})
	}
	check.MappedEntries = len(mine)
	if len(mine) == 0 {
		return nil
	}

	ids := make([]domain.TargetKey, len(mine))
	for i, entry := range mine {
		ids[i] = entry.TargetKey
	}
	var exists map[domain.TargetKey]bool
	if err := v.do(ctx, "exists "+string(e), func(ctx context.Context) error {
		var err error
		exists, err = v.target.ExistingIDs(ctx, e, ids)
		return err
	}); err != nil {
		return err
	}

	for _, entry := range mine {
		if !exists[entry.TargetKey] {
			r.add(domain.Finding{
				Entity:    e,
				Kind:      domain.FindingMissingTarget,
				SourceKey: entry.SourceKey,
				TargetKey: entry.TargetKey,
				Detail:    fmt.Sprintf("mapped document %s for %s %d does not exist", entry.TargetKey, e, entry.SourceKey),
			})
		}
	}
	return nil
}

// reconcileFields re-transforms the source row behind each compared
// document and diffs the two field by field.
func (v *Verifier) reconcileFields(ctx context.Context, r *run, check *domain.EntityCheck) error {
	e := check.Entity
	limit := 0
	if check.TargetCount > int64(v.opts.FullScanLimit) {
		limit = v.opts.SampleSize
		check.Sampled = true
	}

	var docs []domain.Document
	if err := v.do(ctx, "read "+string(e), func(ctx context.Context) error {
		var err error
		docs, err = v.target.Documents(ctx, e, limit)
		return err
	}); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	keys := make([]int64, len(docs))
	for i, d := range docs {
		keys[i] = d.SourceKey()
	}
	rows, err := v.fetch(ctx, e, keys)
	if err != nil {
		return err
	}

	for _, doc := range docs {
		check.Compared++
		v.compare(r, doc, rows[doc.SourceKey()])
	}
	return nil
}

func (v *Verifier) compare(r *run, doc domain.Document, row domain.SourceRow) {
	e := doc.Entity()
	finding := func(kind domain.FindingKind, field, detail string) {
		r.add(domain.Finding{
			Entity: e, Kind: kind, SourceKey: doc.SourceKey(), TargetKey: doc.TargetID(),
			Field: field, Detail: detail,
		})
	}

	dangling := false
	if ref, ok := doc.Reference(); ok {
		parent, _ := e.Parent()
		if !r.ids[parent][ref] {
			dangling = true
			finding(domain.FindingDanglingReference, referenceField(e),
				fmt.Sprintf("references %s %s, which does not exist", parent, ref))
		}
	}

	if row == nil {
		finding(domain.FindingFieldMismatch, "source_id",
			fmt.Sprintf("source %s %d no longer exists", e, doc.SourceKey()))
		return
	}

	want, err := domain.Transform(row, r, domain.TransformOptions{})
	if err != nil {
		if !dangling {
			finding(domain.FindingFieldMismatch, "", fmt.Sprintf("source row no longer transforms: %v", err))
		}
		return
	}

	for _, d := range diffFields(want.Fields(), doc.Fields()) {
		if dangling && d.field == referenceField(e) {
			continue
		}
		finding(domain.FindingFieldMismatch, d.field, d.detail)
	}
}

// referenceField is the target field holding e's parent id.
func referenceField(e domain.Entity) string {
	switch e {
	case domain.EntityObservation:
		return "location"
	case domain.EntityPrediction:
		return "observation"
	}
	return ""
}

func (v *Verifier) fetch(ctx context.Context, e domain.Entity, keys []int64) (map[int64]domain.SourceRow, error) {
	var rows map[int64]domain.SourceRow
	err := v.do(ctx, "fetch "+string(e), func(ctx context.Context) error {
		var err error
		rows, err = v.source.RowsByKeys(ctx, e, keys)
		return err
	})
	return rows, err
}

func (v *Verifier) do(ctx context.Context, op string, fn func(context.Context) error) error {
	return v.retry.Do(ctx, op, fn)
}

func (v *Verifier) observe(report *domain.VerificationReport, d time.Duration) {
	if v.metrics == nil {
		return
	}
	counts := report.CountByKind()
	for _, k := range []domain.FindingKind{
		domain.FindingMissingTarget, domain.FindingCountMismatch,
		domain.FindingFieldMismatch, domain.FindingDanglingReference,
	} {
		v.metrics.VerificationFindings.WithLabelValues(string(k)).Set(float64(counts[k]))
	}
	v.metrics.VerificationDuration.Observe(d.Seconds())
	if report.OK() {
		v.metrics.LastVerificationSuccess.Set(float64(report.CheckedAt.Unix()))
	}
	v.logger.Info("verification finished", "findings", len(report.Findings), "ok", report.OK(), "duration", d)
}
