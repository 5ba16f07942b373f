package mongo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/couchcryptid/weather-sync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
)

func newKey() domain.TargetKey { return targetKey(primitive.NewObjectID()) }

func TestEncode_ObservationOmitsAbsentMeasurements(t *testing.T) {
	minTemp := 10.0
	doc := &domain.ObservationDoc{
		ID:       newKey(),
		SourceID: 10,
		Location: newKey(),
		Date:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	doc.MinTemp = &minTemp

	v, err := encode(doc)
	require.NoError(t, err)
	raw, err := bson.Marshal(v)
	require.NoError(t, err)

	elems, err := bson.Raw(raw).Elements()
	require.NoError(t, err)
	keys := make([]string, len(elems))
	for i, e := range elems {
		keys[i] = e.Key()
	}
	assert.Equal(t, []string{"_id", "source_id", "location", "date", "min_temp"}, keys)

	loc := bson.Raw(raw).Lookup("location")
	assert.Equal(t, bson.TypeObjectID, loc.Type, "references are stored as ObjectIDs")
	assert.Equal(t, bson.TypeDateTime, bson.Raw(raw).Lookup("date").Type)
}

func TestEncode_RejectsNonObjectIDReference(t *testing.T) {
	_, err := encode(&domain.PredictionDoc{ID: newKey(), SourceID: 1, Observation: "O1", PredictedAt: time.Now()})
	require.Error(t, err)

	_, err = encode(&domain.LocationDoc{ID: "not-hex", SourceID: 1, Name: "Sydney"})
	require.Error(t, err)
}

func TestSplitBulkResult(t *testing.T) {
	docs := []domain.Document{
		&domain.LocationDoc{ID: newKey(), SourceID: 1, Name: "Sydney"},
		&domain.LocationDoc{ID: newKey(), SourceID: 2, Name: "Sydney"},
		&domain.LocationDoc{ID: newKey(), SourceID: 3, Name: "Albury"},
		&domain.LocationDoc{ID: newKey(), SourceID: 4, Name: "Perth"},
	}
	errs := []mongodriver.BulkWriteError{
		{WriteError: mongodriver.WriteError{Index: 1, Code: 11000, Message: "E11000 duplicate key error index: name_unique"}},
		{WriteError: mongodriver.WriteError{Index: 2, Code: 121, Message: "Document failed validation"}},
		{WriteError: mongodriver.WriteError{Index: 3, Code: 11000, Message: "E11000 duplicate key error index: _id_"}},
	}
	own := map[domain.TargetKey]bool{docs[3].TargetID(): true}

	res := splitBulkResult(docs, errs, own)

	assert.Equal(t, []domain.Written{
		{SourceKey: 1, TargetKey: docs[0].TargetID()},
		{SourceKey: 4, TargetKey: docs[3].TargetID()},
	}, res.Written)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, int64(2), res.Failures[0].SourceKey)
	assert.Equal(t, domain.ReasonRejected, res.Failures[0].Reason)
	assert.Contains(t, res.Failures[0].Detail, "code 11000")
	assert.Equal(t, int64(3), res.Failures[1].SourceKey)
	assert.Contains(t, res.Failures[1].Detail, "Document failed validation")
}

func TestIndexModels(t *testing.T) {
	names := func(e domain.Entity, retention time.Duration) []string {
		var out []string
		for _, m := range indexModels(e, retention) {
			out = append(out, *m.Options.Name)
		}
		return out
	}

	assert.Equal(t, []string{"source_id_unique", "name_unique"}, names(domain.EntityLocation, 0))
	assert.Equal(t, []string{"source_id_unique", "location_date"}, names(domain.EntityObservation, 0))
	assert.Equal(t, []string{"source_id_unique", "observation"}, names(domain.EntityPrediction, 0))

	models := indexModels(domain.EntityPrediction, 48*time.Hour)
	require.Len(t, models, 3)
	ttl := models[2].Options
	assert.Equal(t, "predicted_at_ttl", *ttl.Name)
	assert.Equal(t, int32(172800), *ttl.ExpireAfterSeconds)
}

func TestClassify(t *testing.T) {
	err := classify("insert locations", mongodriver.ErrClientDisconnected)
	require.ErrorIs(t, err, domain.ErrTargetUnavailable)

	err = classify("insert locations", fmt.Errorf("wrapped: %w", context.DeadlineExceeded))
	require.ErrorIs(t, err, domain.ErrTargetUnavailable)

	err = classify("insert locations", errors.New("bad filter"))
	require.Error(t, err)
	assert.False(t, domain.IsConnectivity(err))

	err = classify("insert locations", context.Canceled)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, domain.IsConnectivity(err))

	assert.NoError(t, classify("ping", nil))
}

func TestIsDuplicateKey(t *testing.T) {
	assert.True(t, isDuplicateKey(11000))
	assert.False(t, isDuplicateKey(121))
}
