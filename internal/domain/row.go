package domain

import "time"

// SourceRow is one typed row read from the relational source.
type SourceRow interface {
	Entity() Entity
	Key() int64
}

// LocationRow mirrors locations(location_id, name, state).
type LocationRow struct {
	ID    int64
	Name  string
	State *string
}

func (LocationRow) Entity() Entity { return EntityLocation }
func (r LocationRow) Key() int64   { return r.ID }

// ObservationRow mirrors weather_observations. Nullable columns are pointers.
type ObservationRow struct {
	ID         int64
	LocationID *int64
	Date       *time.Time
	Measurements
}

func (ObservationRow) Entity() Entity { return EntityObservation }
func (r ObservationRow) Key() int64   { return r.ID }

// PredictionRow mirrors rain_predictions.
type PredictionRow struct {
	ID            int64
	ObservationID *int64
	WillItRain    *bool
	PredictedAt   *time.Time
}

func (PredictionRow) Entity() Entity { return EntityPrediction }
func (r PredictionRow) Key() int64   { return r.ID }

// ParentKey returns the foreign key a row carries, if its entity has a parent
// and the column is non-null.
func ParentKey(row SourceRow) (Entity, int64, bool) {
	switch r := row.(type) {
	case ObservationRow:
		if r.LocationID != nil {
			return EntityLocation, *r.LocationID, true
		}
	case PredictionRow:
		if r.ObservationID != nil {
			return EntityObservation, *r.ObservationID, true
		}
	}
	return "", 0, false
}

// Measurements holds the optional meteorological fields of an observation.
// A nil field is unknown and is omitted from the target document.
type Measurements struct {
	MinTemp      *float64 `bson:"min_temp,omitempty" json:"min_temp,omitempty"`
	MaxTemp      *float64 `bson:"max_temp,omitempty" json:"max_temp,omitempty"`
	Rainfall     *float64 `bson:"rainfall,omitempty" json:"rainfall,omitempty"`
	Humidity9am  *float64 `bson:"humidity_9am,omitempty" json:"humidity_9am,omitempty"`
	Humidity3pm  *float64 `bson:"humidity_3pm,omitempty" json:"humidity_3pm,omitempty"`
	Pressure9am  *float64 `bson:"pressure_9am,omitempty" json:"pressure_9am,omitempty"`
	Pressure3pm  *float64 `bson:"pressure_3pm,omitempty" json:"pressure_3pm,omitempty"`
	WindSpeed9am *float64 `bson:"wind_speed_9am,omitempty" json:"wind_speed_9am,omitempty"`
	WindSpeed3pm *float64 `bson:"wind_speed_3pm,omitempty" json:"wind_speed_3pm,omitempty"`
	WindDir9am   *string  `bson:"wind_dir_9am,omitempty" json:"wind_dir_9am,omitempty"`
	WindDir3pm   *string  `bson:"wind_dir_3pm,omitempty" json:"wind_dir_3pm,omitempty"`
	Cloud9am     *float64 `bson:"cloud_9am,omitempty" json:"cloud_9am,omitempty"`
	Cloud3pm     *float64 `bson:"cloud_3pm,omitempty" json:"cloud_3pm,omitempty"`
	Temp9am      *float64 `bson:"temp_9am,omitempty" json:"temp_9am,omitempty"`
	Temp3pm      *float64 `bson:"temp_3pm,omitempty" json:"temp_3pm,omitempty"`
	RainToday    *bool    `bson:"rain_today,omitempty" json:"rain_today,omitempty"`
	RainTomorrow *bool    `bson:"rain_tomorrow,omitempty" json:"rain_tomorrow,omitempty"`
}

// MeasurementColumns lists the optional observation columns in table order.
// Names are shared by the source columns and the target fields.
var MeasurementColumns = []string{
	"min_temp", "max_temp", "rainfall",
	"humidity_9am", "humidity_3pm",
	"pressure_9am", "pressure_3pm",
	"wind_speed_9am", "wind_speed_3pm",
	"wind_dir_9am", "wind_dir_3pm",
	"cloud_9am", "cloud_3pm",
	"temp_9am", "temp_3pm",
	"rain_today", "rain_tomorrow",
}

// ScanTargets returns pointers to every field in MeasurementColumns order,
// for use with row scanners.
func (m *Measurements) ScanTargets() []any {
	return []any{
		&m.MinTemp, &m.MaxTemp, &m.Rainfall,
		&m.Humidity9am, &m.Humidity3pm,
		&m.Pressure9am, &m.Pressure3pm,
		&m.WindSpeed9am, &m.WindSpeed3pm,
		&m.WindDir9am, &m.WindDir3pm,
		&m.Cloud9am, &m.Cloud3pm,
		&m.Temp9am, &m.Temp3pm,
		&m.RainToday, &m.RainTomorrow,
	}
}

// present adds every non-nil measurement to fields, keyed by column name.
func (m Measurements) present(fields map[string]any) {
	targets := m.ScanTargets()
	for i, col := range MeasurementColumns {
		switch p := targets[i].(type) {
		case **float64:
			if *p != nil {
				fields[col] = **p
			}
		case **string:
			if *p != nil {
				fields[col] = **p
			}
		case **bool:
			if *p != nil {
				fields[col] = **p
			}
		}
	}
}

// Page is one bounded slice of a table in ascending key order.
type Page struct {
	Entity Entity
	Rows   []SourceRow
	// Next is the cursor to resume from after this page is committed.
	Next Cursor
	// Done is set when the table has no rows beyond this page.
	Done bool
}

// Keys returns the source keys of the page's rows.
func (p Page) Keys() []int64 {
	keys := make([]int64, len(p.Rows))
	for i, r := range p.Rows {
		keys[i] = r.Key()
	}
	return keys
}
