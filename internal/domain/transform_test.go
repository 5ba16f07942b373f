package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testLocationKey    TargetKey = "L1"
	testObservationKey TargetKey = "O1"
)

type mapResolver map[Entity]map[int64]TargetKey

func (m mapResolver) Resolve(e Entity, k int64) (TargetKey, error) {
	if t, ok := m[e][k]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %s %d", ErrUnresolvedReference, e, k)
}

func testResolver() mapResolver {
	return mapResolver{
		EntityLocation:    {1: testLocationKey},
		EntityObservation: {10: testObservationKey},
	}
}

func ptr[T any](v T) *T { return &v }

func TestTransformLocation(t *testing.T) {
	t.Run("passthrough", func(t *testing.T) {
		doc, err := TransformLocation(LocationRow{ID: 1, Name: "Sydney", State: ptr("NSW")})
		require.NoError(t, err)
		assert.Equal(t, int64(1), doc.SourceID)
		assert.Equal(t, "Sydney", doc.Name)
		assert.Equal(t, "NSW", *doc.State)
		assert.Empty(t, doc.ID)
	})

	t.Run("null state is omitted", func(t *testing.T) {
		doc, err := TransformLocation(LocationRow{ID: 2, Name: "Albury"})
		require.NoError(t, err)
		assert.NotContains(t, doc.Fields(), "state")
	})

	t.Run("empty name is incomplete", func(t *testing.T) {
		_, err := TransformLocation(LocationRow{ID: 3, Name: "  "})
		require.ErrorIs(t, err, ErrIncompleteRecord)

		var rowErr *RowError
		require.ErrorAs(t, err, &rowErr)
		assert.Equal(t, EntityLocation, rowErr.Entity)
		assert.Equal(t, int64(3), rowErr.SourceKey)
	})
}

func TestTransformObservation(t *testing.T) {
	date := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("resolves location and keeps present fields", func(t *testing.T) {
		row := ObservationRow{ID: 10, LocationID: ptr(int64(1)), Date: &date}
		row.MinTemp = ptr(10.0)
		row.Rainfall = ptr(0.0)
		row.RainToday = ptr(false)

		doc, err := TransformObservation(row, testResolver())
		require.NoError(t, err)

		want := map[string]any{
			"source_id":  int64(10),
			"location":   testLocationKey,
			"date":       date,
			"min_temp":   10.0,
			"rainfall":   0.0,
			"rain_today": false,
		}
		if diff := cmp.Diff(want, doc.Fields()); diff != "" {
			t.Errorf("fields mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("all optional fields absent", func(t *testing.T) {
		row := ObservationRow{ID: 11, LocationID: ptr(int64(1)), Date: &date}

		doc, err := TransformObservation(row, testResolver())
		require.NoError(t, err)

		assert.Equal(t, map[string]any{
			"source_id": int64(11),
			"location":  testLocationKey,
			"date":      date,
		}, doc.Fields())
		assert.Equal(t, Measurements{}, doc.Measurements)
	})

	t.Run("date keeps calendar day across zones", func(t *testing.T) {
		sydney := time.FixedZone("AEDT", 11*60*60)
		local := time.Date(2020, 1, 1, 0, 0, 0, 0, sydney)
		row := ObservationRow{ID: 12, LocationID: ptr(int64(1)), Date: &local}

		doc, err := TransformObservation(row, testResolver())
		require.NoError(t, err)
		assert.Equal(t, date, doc.Date)
	})

	t.Run("unmapped location", func(t *testing.T) {
		row := ObservationRow{ID: 13, LocationID: ptr(int64(99)), Date: &date}
		_, err := TransformObservation(row, testResolver())
		require.ErrorIs(t, err, ErrUnresolvedReference)
		assert.Equal(t, ReasonUnresolvedReference, ReasonOf(err))
	})

	t.Run("null date", func(t *testing.T) {
		row := ObservationRow{ID: 14, LocationID: ptr(int64(1))}
		_, err := TransformObservation(row, testResolver())
		require.ErrorIs(t, err, ErrIncompleteRecord)
	})

	t.Run("null location_id", func(t *testing.T) {
		row := ObservationRow{ID: 15, Date: &date}
		_, err := TransformObservation(row, testResolver())
		require.ErrorIs(t, err, ErrIncompleteRecord)
	})
}

func TestTransformPrediction(t *testing.T) {
	predictedAt := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)

	t.Run("scenario", func(t *testing.T) {
		row := PredictionRow{ID: 100, ObservationID: ptr(int64(10)), WillItRain: ptr(true), PredictedAt: &predictedAt}
		doc, err := TransformPrediction(row, testResolver(), TransformOptions{})
		require.NoError(t, err)
		assert.Equal(t, &PredictionDoc{
			SourceID:    100,
			Observation: testObservationKey,
			WillItRain:  true,
			PredictedAt: predictedAt,
		}, doc)
	})

	t.Run("null predicted_at is never defaulted", func(t *testing.T) {
		row := PredictionRow{ID: 101, ObservationID: ptr(int64(10)), WillItRain: ptr(true)}
		_, err := TransformPrediction(row, testResolver(), TransformOptions{})
		require.ErrorIs(t, err, ErrIncompleteRecord)
		assert.Contains(t, err.Error(), "predicted_at")
	})

	t.Run("null will_it_rain", func(t *testing.T) {
		row := PredictionRow{ID: 102, ObservationID: ptr(int64(10)), PredictedAt: &predictedAt}
		_, err := TransformPrediction(row, testResolver(), TransformOptions{})
		require.ErrorIs(t, err, ErrIncompleteRecord)
	})

	t.Run("sub-millisecond precision is truncated", func(t *testing.T) {
		precise := predictedAt.Add(1500 * time.Microsecond)
		row := PredictionRow{ID: 103, ObservationID: ptr(int64(10)), WillItRain: ptr(false), PredictedAt: &precise}
		doc, err := TransformPrediction(row, testResolver(), TransformOptions{})
		require.NoError(t, err)
		assert.Equal(t, predictedAt.Add(time.Millisecond), doc.PredictedAt)
	})

	t.Run("unmapped observation", func(t *testing.T) {
		row := PredictionRow{ID: 104, ObservationID: ptr(int64(999)), WillItRain: ptr(true), PredictedAt: &predictedAt}
		_, err := TransformPrediction(row, testResolver(), TransformOptions{})
		require.ErrorIs(t, err, ErrUnresolvedReference)
	})
}

func TestTransformPrediction_Retention(t *testing.T) {
	SetClock(clockwork.NewFakeClockAt(time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)))
	defer SetClock(nil)

	opts := TransformOptions{Retention: 30 * 24 * time.Hour}

	old := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)
	row := PredictionRow{ID: 100, ObservationID: ptr(int64(10)), WillItRain: ptr(true), PredictedAt: &old}
	_, err := TransformPrediction(row, testResolver(), opts)
	require.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, ReasonExpired, ReasonOf(err))

	row.WillItRain = nil
	_, err = TransformPrediction(row, testResolver(), opts)
	require.ErrorIs(t, err, ErrExpired, "expiry wins over other missing columns")

	row.WillItRain = ptr(true)
	recent := time.Date(2020, 2, 15, 0, 0, 0, 0, time.UTC)
	row.PredictedAt = &recent
	doc, err := TransformPrediction(row, testResolver(), opts)
	require.NoError(t, err)
	assert.Equal(t, recent, doc.PredictedAt, "predicted_at is never re-dated")
}

func TestTransform_Dispatch(t *testing.T) {
	doc, err := Transform(LocationRow{ID: 1, Name: "Sydney"}, testResolver(), TransformOptions{})
	require.NoError(t, err)
	assert.Equal(t, EntityLocation, doc.Entity())
	assert.Equal(t, int64(1), doc.SourceKey())

	_, hasRef := doc.Reference()
	assert.False(t, hasRef)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(&LocationDoc{SourceID: 1, Name: "Sydney"}))

	err := Validate(&ObservationDoc{SourceID: 10, Date: time.Now()})
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "Location")

	err = Validate(&PredictionDoc{SourceID: 100, Observation: testObservationKey})
	require.ErrorIs(t, err, ErrRejected)
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, ReasonRejected, ReasonOf(fmt.Errorf("wrap: %w", ErrRejected)))
	assert.Equal(t, ReasonUnknown, ReasonOf(errors.New("boom")))
	assert.True(t, IsConnectivity(fmt.Errorf("dial: %w", ErrTargetUnavailable)))
	assert.False(t, IsConnectivity(ErrSchemaMismatch))
}

func TestEntityOrder(t *testing.T) {
	assert.Equal(t, []Entity{EntityLocation, EntityObservation, EntityPrediction}, Entities())

	parent, ok := EntityPrediction.Parent()
	assert.True(t, ok)
	assert.Equal(t, EntityObservation, parent)

	_, ok = EntityLocation.Parent()
	assert.False(t, ok)

	_, err := ParseEntity("forecast")
	assert.Error(t, err)
	assert.Equal(t, "rain_predictions", EntityPrediction.Collection())
}
