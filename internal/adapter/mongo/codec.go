package mongo

import (
	"fmt"
	"time"

	"github.com/couchcryptid/weather-sync/internal/domain"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
)

// BSON shapes of the three collections. Reference fields hold ObjectIDs;
// the domain carries them as hex strings.

type locationDoc struct {
	ID       primitive.ObjectID `bson:"_id"`
	SourceID int64              `bson:"source_id"`
	Name     string             `bson:"name"`
	State    *string            `bson:"state,omitempty"`
}

type observationDoc struct {
	ID                  primitive.ObjectID `bson:"_id"`
	SourceID            int64              `bson:"source_id"`
	Location            primitive.ObjectID `bson:"location"`
	Date                time.Time          `bson:"date"`
	domain.Measurements `bson:",inline"`
}

type predictionDoc struct {
	ID          primitive.ObjectID `bson:"_id"`
	SourceID    int64              `bson:"source_id"`
	Observation primitive.ObjectID `bson:"observation"`
	WillItRain  bool               `bson:"will_it_rain"`
	PredictedAt time.Time          `bson:"predicted_at"`
}

// keyDoc is the projection used for identity lookups.
type keyDoc struct {
	ID       primitive.ObjectID `bson:"_id"`
	SourceID int64              `bson:"source_id"`
}

func objectID(k domain.TargetKey) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(string(k))
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("target key %q is not an ObjectID: %w", k, err)
	}
	return id, nil
}

func targetKey(id primitive.ObjectID) domain.TargetKey { return domain.TargetKey(id.Hex()) }

// encode converts a domain document into its BSON shape.
func encode(doc domain.Document) (any, error) {
	id, err := objectID(doc.TargetID())
	if err != nil {
		return nil, err
	}
	switch d := doc.(type) {
	case *domain.LocationDoc:
		return locationDoc{ID: id, SourceID: d.SourceID, Name: d.Name, State: d.State}, nil
	case *domain.ObservationDoc:
		loc, err := objectID(d.Location)
		if err != nil {
			return nil, err
		}
		return observationDoc{ID: id, SourceID: d.SourceID, Location: loc, Date: d.Date, Measurements: d.Measurements}, nil
	case *domain.PredictionDoc:
		obs, err := objectID(d.Observation)
		if err != nil {
			return nil, err
		}
		return predictionDoc{ID: id, SourceID: d.SourceID, Observation: obs, WillItRain: d.WillItRain, PredictedAt: d.PredictedAt}, nil
	}
	return nil, fmt.Errorf("encode: unsupported document %T", doc)
}

// decodeCurrent decodes the cursor's current document into the domain shape.
func decodeCurrent(entity domain.Entity, cur *mongodriver.Cursor) (domain.Document, error) {
	switch entity {
	case domain.EntityLocation:
		var d locationDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		return &domain.LocationDoc{ID: targetKey(d.ID), SourceID: d.SourceID, Name: d.Name, State: d.State}, nil
	case domain.EntityObservation:
		var d observationDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		return &domain.ObservationDoc{
			ID:           targetKey(d.ID),
			SourceID:     d.SourceID,
			Location:     targetKey(d.Location),
			Date:         d.Date.UTC(),
			Measurements: d.Measurements,
		}, nil
	case domain.EntityPrediction:
		var d predictionDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		return &domain.PredictionDoc{
			ID:          targetKey(d.ID),
			SourceID:    d.SourceID,
			Observation: targetKey(d.Observation),
			WillItRain:  d.WillItRain,
			PredictedAt: d.PredictedAt.UTC(),
		}, nil
	}
	return nil, fmt.Errorf("decode: unknown entity %q", entity)
}
