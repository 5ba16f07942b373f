package verify_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/weather-sync/internal/adapter/memstore"
	"github.com/couchcryptid/weather-sync/internal/domain"
	"github.com/couchcryptid/weather-sync/internal/observability"
	"github.com/couchcryptid/weather-sync/internal/pipeline"
	"github.com/couchcryptid/weather-sync/internal/resilience"
	"github.com/couchcryptid/weather-sync/internal/verify"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func sydney() []domain.SourceRow {
	return []domain.SourceRow{
		domain.LocationRow{ID: 1, Name: "Sydney", State: ptr("NSW")},
		domain.ObservationRow{
			ID:         10,
			LocationID: ptr[int64](1),
			Date:       ptr(day(2020, time.January, 1)),
			Measurements: domain.Measurements{
				MinTemp:    ptr(10.0),
				WindDir9am: ptr("NNE"),
				RainToday:  ptr(false),
			},
		},
		domain.PredictionRow{ID: 100, ObservationID: ptr[int64](10), WillItRain: ptr(true), PredictedAt: ptr(day(2020, time.January, 2))},
	}
}

var fast = resilience.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

// migrate runs a full migration and returns the verifier input it produces.
func migrate(t *testing.T, src *memstore.Source, tgt *memstore.Target, retention time.Duration) verify.Input {
	t.Helper()
	o := pipeline.New(src, tgt, nil, pipeline.Options{Retention: retention, Retry: fast},
		slog.Default(), observability.NewMetricsForTesting())
	report, err := o.Run(context.Background())
	require.NoError(t, err)
	return verify.Input{Skipped: report.SkippedKeys(), Entries: o.IdentifierMap().Entries()}
}

func newVerifier(src *memstore.Source, tgt *memstore.Target, opts verify.Options) (*verify.Verifier, *observability.Metrics) {
	opts.Retry = fast
	m := observability.NewMetricsForTesting()
	return verify.New(src, tgt, opts, slog.Default(), m), m
}

func kinds(r *domain.VerificationReport) []domain.FindingKind {
	out := make([]domain.FindingKind, len(r.Findings))
	for i, f := range r.Findings {
		out[i] = f.Kind
	}
	return out
}

func TestVerify_CleanMigrationIsEmpty(t *testing.T) {
	src, tgt := memstore.NewSource(sydney()...), memstore.NewTarget()
	in := migrate(t, src, tgt, 0)
	writes := tgt.Writes()

	v, metrics := newVerifier(src, tgt, verify.Options{})
	report, err := v.Verify(context.Background(), in)
	require.NoError(t, err)

	assert.True(t, report.OK(), "findings: %+v", report.Findings)
	require.Len(t, report.Entities, 3)
	for _, c := range report.Entities {
		assert.Equal(t, int64(1), c.SourceCount, c.Entity)
		assert.Equal(t, int64(1), c.TargetCount, c.Entity)
		assert.Equal(t, 1, c.MappedEntries, c.Entity)
		assert.Equal(t, 1, c.Compared, c.Entity)
		assert.False(t, c.Sampled, c.Entity)
	}
	assert.Equal(t, writes, tgt.Writes())
	assert.Positive(t, testutil.ToFloat64(metrics.LastVerificationSuccess))
}

func TestVerify_ExpectedSkipsAreNotFindings(t *testing.T) {
	src := memstore.NewSource(sydney()...)
	src.Add(domain.PredictionRow{ID: 101, ObservationID: ptr[int64](999), WillItRain: ptr(true), PredictedAt: ptr(day(2020, time.January, 2))})
	tgt := memstore.NewTarget()
	in := migrate(t, src, tgt, 0)

	v, _ := newVerifier(src, tgt, verify.Options{})
	report, err := v.Verify(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, report.OK(), "findings: %+v", report.Findings)

	v, _ = newVerifier(src, tgt, verify.Options{})
	report, err = v.Verify(context.Background(), verify.Input{})
	require.NoError(t, err)
	assert.Equal(t, []domain.FindingKind{domain.FindingCountMismatch}, kinds(report))
}

func TestVerify_FieldDrift(t *testing.T) {
	src, tgt := memstore.NewSource(sydney()...), memstore.NewTarget()
	in := migrate(t, src, tgt, 0)

	require.True(t, tgt.Mutate(domain.EntityObservation, 10, func(d domain.Document) {
		o := d.(*domain.ObservationDoc)
		o.MinTemp = ptr(12.5)
		o.WindDir9am = nil
		o.MaxTemp = ptr(30.0)
	}))

	v, metrics := newVerifier(src, tgt, verify.Options{})
	report, err := v.Verify(context.Background(), in)
	require.NoError(t, err)
	require.False(t, report.OK())

	fields := map[string]string{}
	for _, f := range report.Findings {
		assert.Equal(t, domain.FindingFieldMismatch, f.Kind)
		assert.Equal(t, domain.EntityObservation, f.Entity)
		assert.Equal(t, int64(10), f.SourceKey)
		assert.NotEmpty(t, f.TargetKey)
		fields[f.Field] = f.Detail
	}
	require.Len(t, fields, 3)
	assert.Contains(t, fields["min_temp"], "source 10, target 12.5")
	assert.Contains(t, fields["wind_dir_9am"], "absent in target")
	assert.Contains(t, fields["max_temp"], "absent in source")
	assert.InDelta(t, 3, testutil.ToFloat64(metrics.VerificationFindings.WithLabelValues("FieldMismatch")), 0)
}

func TestVerify_DeletedDocument(t *testing.T) {
	src, tgt := memstore.NewSource(sydney()...), memstore.NewTarget()
	in := migrate(t, src, tgt, 0)
	require.True(t, tgt.Delete(domain.EntityPrediction, 100))

	v, _ := newVerifier(src, tgt, verify.Options{})
	report, err := v.Verify(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []domain.FindingKind{domain.FindingCountMismatch, domain.FindingMissingTarget}, kinds(report))
	missing := report.Findings[1]
	assert.Equal(t, domain.EntityPrediction, missing.Entity)
	assert.Equal(t, int64(100), missing.SourceKey)
}

func TestVerify_DanglingReference(t *testing.T) {
	src, tgt := memstore.NewSource(sydney()...), memstore.NewTarget()
	in := migrate(t, src, tgt, 0)
	obs, ok := tgt.Get(domain.EntityObservation, 10)
	require.True(t, ok)
	require.True(t, tgt.Delete(domain.EntityObservation, 10))

	v, _ := newVerifier(src, tgt, verify.Options{})
	report, err := v.Verify(context.Background(), in)
	require.NoError(t, err)

	var dangling []domain.Finding
	for _, f := range report.Findings {
		if f.Entity == domain.EntityPrediction {
			dangling = append(dangling, f)
		}
	}
	require.Len(t, dangling, 1)
	assert.Equal(t, domain.FindingDanglingReference, dangling[0].Kind)
	assert.Equal(t, "observation", dangling[0].Field)
	assert.Contains(t, dangling[0].Detail, string(obs.TargetID()))
	assert.Equal(t, map[domain.FindingKind]int{
		domain.FindingCountMismatch:     1,
		domain.FindingMissingTarget:     1,
		domain.FindingDanglingReference: 1,
	}, report.CountByKind())
}

func TestVerify_SourceRowDeleted(t *testing.T) {
	src, tgt := memstore.NewSource(sydney()...), memstore.NewTarget()
	in := migrate(t, src, tgt, 0)
	src.Delete(domain.EntityPrediction, 100)

	v, _ := newVerifier(src, tgt, verify.Options{})
	report, err := v.Verify(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []domain.FindingKind{domain.FindingCountMismatch, domain.FindingFieldMismatch}, kinds(report))
	assert.Contains(t, report.Findings[1].Detail, "no longer exists")
}

func TestVerify_SamplesLargeCollections(t *testing.T) {
	rows := make([]domain.SourceRow, 30)
	for i := range rows {
		rows[i] = domain.LocationRow{ID: int64(i + 1), Name: string(rune('A'+i%26)) + string(rune('a'+i/26))}
	}
	src, tgt := memstore.NewSource(rows...), memstore.NewTarget()
	in := migrate(t, src, tgt, 0)

	v, _ := newVerifier(src, tgt, verify.Options{SampleSize: 5, FullScanLimit: 10})
	report, err := v.Verify(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, report.OK(), "findings: %+v", report.Findings)

	locs := report.Entities[0]
	assert.True(t, locs.Sampled)
	assert.Equal(t, 5, locs.Compared)
	assert.Equal(t, 30, locs.MappedEntries)
}

func TestVerify_RetentionDiscountsExpiredPredictions(t *testing.T) {
	domain.SetClock(clockwork.NewFakeClockAt(day(2020, time.January, 10)))
	t.Cleanup(func() { domain.SetClock(nil) })

	src := memstore.NewSource(sydney()...)
	src.Add(
		domain.PredictionRow{ID: 101, ObservationID: ptr[int64](10), WillItRain: ptr(false), PredictedAt: ptr(day(2020, time.January, 9))},
		domain.PredictionRow{ID: 102, ObservationID: ptr[int64](10), WillItRain: nil, PredictedAt: ptr(day(2020, time.January, 9))},
	)
	tgt := memstore.NewTarget()
	in := migrate(t, src, tgt, 72*time.Hour)

	v, _ := newVerifier(src, tgt, verify.Options{Retention: 72 * time.Hour})
	report, err := v.Verify(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, report.OK(), "findings: %+v", report.Findings)

	preds := report.Entities[2]
	assert.Equal(t, int64(2), preds.SourceCount)
	assert.Equal(t, 1, preds.ExpectedMissing)
	assert.Equal(t, int64(1), preds.TargetCount)
}

func TestVerify_RetentionAppliesAtVerificationTime(t *testing.T) {
	clock := clockwork.NewFakeClockAt(day(2020, time.January, 10))
	domain.SetClock(clock)
	t.Cleanup(func() { domain.SetClock(nil) })

	src := memstore.NewSource(sydney()...)
	src.Add(
		domain.PredictionRow{ID: 101, ObservationID: ptr[int64](10), WillItRain: ptr(false), PredictedAt: ptr(day(2020, time.January, 9))},
		domain.PredictionRow{ID: 102, ObservationID: ptr[int64](10), WillItRain: nil, PredictedAt: ptr(day(2020, time.January, 9))},
	)
	tgt := memstore.NewTarget()
	in := migrate(t, src, tgt, 72*time.Hour)
	require.Equal(t, []int64{102}, in.Skipped[domain.EntityPrediction])

	// Ten days on, both recent predictions are past the horizon and the TTL
	// index has removed 101.
	clock.Advance(10 * 24 * time.Hour)
	require.True(t, tgt.Delete(domain.EntityPrediction, 101))

	v, _ := newVerifier(src, tgt, verify.Options{Retention: 72 * time.Hour})
	report, err := v.Verify(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, report.OK(), "findings: %+v", report.Findings)

	preds := report.Entities[2]
	assert.Zero(t, preds.SourceCount)
	assert.Zero(t, preds.ExpectedMissing)
	assert.Zero(t, preds.TargetCount)
	assert.Zero(t, preds.MappedEntries)
}

func TestVerify_SkippedRowGoneFromSourceIsNotExpected(t *testing.T) {
	src := memstore.NewSource(sydney()...)
	src.Add(domain.PredictionRow{ID: 101, ObservationID: ptr[int64](999), WillItRain: ptr(true), PredictedAt: ptr(day(2020, time.January, 2))})
	tgt := memstore.NewTarget()
	in := migrate(t, src, tgt, 0)
	src.Delete(domain.EntityPrediction, 101)

	v, _ := newVerifier(src, tgt, verify.Options{})
	report, err := v.Verify(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, report.OK(), "findings: %+v", report.Findings)
	assert.Zero(t, report.Entities[2].ExpectedMissing)
}

func TestVerify_TargetUnavailable(t *testing.T) {
	src, tgt := memstore.NewSource(sydney()...), memstore.NewTarget()
	in := migrate(t, src, tgt, 0)
	tgt.SetUnavailable(domain.EntityObservation, true)

	v, _ := newVerifier(src, tgt, verify.Options{})
	report, err := v.Verify(context.Background(), in)
	require.ErrorIs(t, err, domain.ErrTargetUnavailable)
	assert.Nil(t, report)
}
