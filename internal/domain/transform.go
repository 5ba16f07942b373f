package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Resolver translates a parent's source key into its target document id.
type Resolver interface {
	Resolve(entity Entity, sourceKey int64) (TargetKey, error)
}

// TransformOptions carries the settings that influence document shape.
type TransformOptions struct {
	// Retention is the prediction retention horizon. Zero disables expiry.
	Retention time.Duration
}

var validate = validator.New()

// Transform converts one source row into its target document. Failures are
// returned as *RowError wrapping one of the per-row sentinels, or
// ErrUnresolvedReference when the parent has no target identity.
func Transform(row SourceRow, r Resolver, opts TransformOptions) (Document, error) {
	switch v := row.(type) {
	case LocationRow:
		return TransformLocation(v)
	case ObservationRow:
		return TransformObservation(v, r)
	case PredictionRow:
		return TransformPrediction(v, r, opts)
	}
	return nil, fmt.Errorf("transform: unsupported row type %T", row)
}

// TransformLocation passes name and state through. There is no foreign key.
func TransformLocation(row LocationRow) (*LocationDoc, error) {
	name := strings.TrimSpace(row.Name)
	if name == "" {
		return nil, rowErr(row, fmt.Errorf("%w: name is empty", ErrIncompleteRecord))
	}
	return &LocationDoc{
		SourceID: row.ID,
		Name:     row.Name,
		State:    row.State,
	}, nil
}

// TransformObservation substitutes location_id with the location's document
// id and normalizes the date. Unset measurements stay unset.
func TransformObservation(row ObservationRow, r Resolver) (*ObservationDoc, error) {
	if row.LocationID == nil {
		return nil, rowErr(row, fmt.Errorf("%w: location_id is null", ErrIncompleteRecord))
	}
	if row.Date == nil {
		return nil, rowErr(row, fmt.Errorf("%w: date is null", ErrIncompleteRecord))
	}
	loc, err := r.Resolve(EntityLocation, *row.LocationID)
	if err != nil {
		return nil, rowErr(row, err)
	}
	return &ObservationDoc{
		SourceID:     row.ID,
		Location:     loc,
		Date:         CalendarDate(*row.Date),
		Measurements: row.Measurements,
	}, nil
}

// TransformPrediction substitutes observation_id with the observation's
// document id. A missing will_it_rain or predicted_at is never defaulted.
func TransformPrediction(row PredictionRow, r Resolver, opts TransformOptions) (*PredictionDoc, error) {
	if row.PredictedAt == nil {
		return nil, rowErr(row, fmt.Errorf("%w: predicted_at is null", ErrIncompleteRecord))
	}
	// Rows past the horizon are Expired whatever else is missing.
	predictedAt := Timestamp(*row.PredictedAt)
	if opts.Retention > 0 {
		if cutoff := clock.Now().Add(-opts.Retention); predictedAt.Before(cutoff) {
			return nil, rowErr(row, fmt.Errorf("%w: predicted_at %s before %s",
				ErrExpired, predictedAt.Format(time.RFC3339), cutoff.UTC().Format(time.RFC3339)))
		}
	}
	if row.ObservationID == nil {
		return nil, rowErr(row, fmt.Errorf("%w: observation_id is null", ErrIncompleteRecord))
	}
	if row.WillItRain == nil {
		return nil, rowErr(row, fmt.Errorf("%w: will_it_rain is null", ErrIncompleteRecord))
	}
	obs, err := r.Resolve(EntityObservation, *row.ObservationID)
	if err != nil {
		return nil, rowErr(row, err)
	}
	return &PredictionDoc{
		SourceID:    row.ID,
		Observation: obs,
		WillItRain:  *row.WillItRain,
		PredictedAt: predictedAt,
	}, nil
}

// CalendarDate returns midnight UTC of t's calendar day. The wall-clock date
// is kept as-is; no zone conversion is applied first.
func CalendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Timestamp normalizes an instant to UTC at millisecond precision, which is
// what a BSON datetime can hold.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Validate checks a document against the target's required-field rules.
// Violations wrap ErrRejected.
func Validate(doc Document) error {
	if err := validate.Struct(doc); err != nil {
		return fmt.Errorf("%w: %s", ErrRejected, err.Error())
	}
	return nil
}
