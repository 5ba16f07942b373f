// Package mongo is the document target: bulk writes, identity lookups and the
// read paths the verifier uses.
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/weather-sync/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// lookupChunk bounds the size of $in lists sent in one query.
const lookupChunk = 1000

// Store wraps one target database. It implements pipeline.Target and
// verify.TargetReader.
type Store struct {
	db        *mongodriver.Database
	batchSize int
	logger    *slog.Logger
}

// Connect dials uri and pings the primary before returning.
func Connect(ctx context.Context, uri, database string, batchSize int, logger *slog.Logger) (*Store, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetAppName("weather-sync").
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongodriver.Connect(ctx, opts)
	if err != nil {
		return nil, classify("connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping: %v", domain.ErrTargetUnavailable, err)
	}
	return New(client.Database(database), batchSize, logger), nil
}

// New wraps an existing database handle. batchSize bounds each InsertMany.
func New(db *mongodriver.Database, batchSize int, logger *slog.Logger) *Store {
	if batchSize <= 0 {
		batchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, batchSize: batchSize, logger: logger}
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

// CheckReadiness pings the target.
func (s *Store) CheckReadiness(ctx context.Context) error {
	return classify("ping", s.db.Client().Ping(ctx, nil))
}

func (s *Store) coll(e domain.Entity) *mongodriver.Collection {
	return s.db.Collection(e.Collection())
}

// EnsureIndexes creates the unique source_id index on every collection, the
// unique name index on locations, reference indexes, and a TTL index on
// predicted_at when retention is positive.
func (s *Store) EnsureIndexes(ctx context.Context, retention time.Duration) error {
	for _, e := range domain.Entities() {
		for _, model := range indexModels(e, retention) {
			name := ""
			if model.Options != nil && model.Options.Name != nil {
				name = *model.Options.Name
			}
			if _, err := s.coll(e).Indexes().CreateOne(ctx, model); err != nil {
				return classify(fmt.Sprintf("create index %s.%s", e.Collection(), name), err)
			}
		}
	}
	s.logger.Info("target indexes ensured", "retention", retention)
	return nil
}

func indexModels(e domain.Entity, retention time.Duration) []mongodriver.IndexModel {
	models := []mongodriver.IndexModel{{
		Keys:    bson.D{{Key: "source_id", Value: 1}},
		Options: options.Index().SetName("source_id_unique").SetUnique(true),
	}}
	switch e {
	case domain.EntityLocation:
		models = append(models, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetName("name_unique").SetUnique(true),
		})
	case domain.EntityObservation:
		models = append(models, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "location", Value: 1}, {Key: "date", Value: 1}},
			Options: options.Index().SetName("location_date"),
		})
	case domain.EntityPrediction:
		models = append(models, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "observation", Value: 1}},
			Options: options.Index().SetName("observation"),
		})
		if retention > 0 {
			models = append(models, mongodriver.IndexModel{
				Keys:    bson.D{{Key: "predicted_at", Value: 1}},
				Options: options.Index().SetName("predicted_at_ttl").SetExpireAfterSeconds(int32(retention / time.Second)),
			})
		}
	}
	return models
}

// Count returns the number of documents in the entity's collection.
func (s *Store) Count(ctx context.Context, entity domain.Entity) (int64, error) {
	n, err := s.coll(entity).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, classify("count "+entity.Collection(), err)
	}
	return n, nil
}

// LookupSourceKeys returns the document id of every key that already has a
// document, keyed by source key.
func (s *Store) LookupSourceKeys(ctx context.Context, entity domain.Entity, keys []int64) (map[int64]domain.TargetKey, error) {
	out := make(map[int64]domain.TargetKey, len(keys))
	for start := 0; start < len(keys); start += lookupChunk {
		chunk := keys[start:min(start+lookupChunk, len(keys))]
		if err := s.scanKeys(ctx, entity, bson.M{"source_id": bson.M{"$in": chunk}}, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SourceKeyIndex re-derives the full source key -> document id mapping of a
// collection from its source_id fields.
func (s *Store) SourceKeyIndex(ctx context.Context, entity domain.Entity) (map[int64]domain.TargetKey, error) {
	out := make(map[int64]domain.TargetKey)
	if err := s.scanKeys(ctx, entity, bson.D{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) scanKeys(ctx context.Context, entity domain.Entity, filter any, out map[int64]domain.TargetKey) error {
	op := "lookup " + entity.Collection()
	opts := options.Find().SetProjection(bson.M{"_id": 1, "source_id": 1})
	cur, err := s.coll(entity).Find(ctx, filter, opts)
	if err != nil {
		return classify(op, err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var k keyDoc
		if err := cur.Decode(&k); err != nil {
			return fmt.Errorf("%s: decode: %w", op, err)
		}
		out[k.SourceID] = targetKey(k.ID)
	}
	return classify(op, cur.Err())
}

// ExistingIDs reports which of ids exist. Keys that are not ObjectIDs
// cannot exist and are reported absent.
func (s *Store) ExistingIDs(ctx context.Context, entity domain.Entity, ids []domain.TargetKey) (map[domain.TargetKey]bool, error) {
	out := make(map[domain.TargetKey]bool, len(ids))
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, k := range ids {
		if oid, err := objectID(k); err == nil {
			oids = append(oids, oid)
		}
	}

	op := "exists " + entity.Collection()
	for start := 0; start < len(oids); start += lookupChunk {
		chunk := oids[start:min(start+lookupChunk, len(oids))]
		cur, err := s.coll(entity).Find(ctx, bson.M{"_id": bson.M{"$in": chunk}},
			options.Find().SetProjection(bson.M{"_id": 1}))
		if err != nil {
			return nil, classify(op, err)
		}
		for cur.Next(ctx) {
			var k keyDoc
			if err := cur.Decode(&k); err != nil {
				cur.Close(ctx)
				return nil, fmt.Errorf("%s: decode: %w", op, err)
			}
			out[targetKey(k.ID)] = true
		}
		err = cur.Err()
		cur.Close(ctx)
		if err != nil {
			return nil, classify(op, err)
		}
	}
	return out, nil
}

// Documents returns every document of the entity in source key order when
// limit <= 0, otherwise a random sample of at most limit documents.
func (s *Store) Documents(ctx context.Context, entity domain.Entity, limit int) ([]domain.Document, error) {
	op := "read " + entity.Collection()

	var cur *mongodriver.Cursor
	var err error
	if limit <= 0 {
		cur, err = s.coll(entity).Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "source_id", Value: 1}}))
	} else {
		pipeline := mongodriver.Pipeline{{{Key: "$sample", Value: bson.D{{Key: "size", Value: limit}}}}}
		cur, err = s.coll(entity).Aggregate(ctx, pipeline)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	defer cur.Close(ctx)

	var docs []domain.Document
	for cur.Next(ctx) {
		doc, err := decodeCurrent(entity, cur)
		if err != nil {
			return nil, fmt.Errorf("%s: decode: %w", op, err)
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, classify(op, err)
	}
	return docs, nil
}
