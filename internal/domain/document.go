package domain

import "time"

// Document is a transformed row ready for the target store.
type Document interface {
	Entity() Entity
	SourceKey() int64
	TargetID() TargetKey
	SetTargetID(TargetKey)
	// Reference returns the parent document this one points at, if any.
	Reference() (TargetKey, bool)
	// Fields returns the document's comparable content keyed by target field
	// name. Absent optional fields are not present in the map. The document
	// id is excluded.
	Fields() map[string]any
}

// LocationDoc is the target shape of a location.
type LocationDoc struct {
	ID       TargetKey `json:"id,omitempty"`
	SourceID int64     `json:"source_id" validate:"gt=0"`
	Name     string    `json:"name" validate:"required"`
	State    *string   `json:"state,omitempty"`
}

func (*LocationDoc) Entity() Entity               { return EntityLocation }
func (d *LocationDoc) SourceKey() int64           { return d.SourceID }
func (d *LocationDoc) TargetID() TargetKey        { return d.ID }
func (d *LocationDoc) SetTargetID(k TargetKey)    { d.ID = k }
func (*LocationDoc) Reference() (TargetKey, bool) { return "", false }

func (d *LocationDoc) Fields() map[string]any {
	f := map[string]any{"source_id": d.SourceID, "name": d.Name}
	if d.State != nil {
		f["state"] = *d.State
	}
	return f
}

// ObservationDoc is the target shape of a weather observation.
type ObservationDoc struct {
	ID       TargetKey `json:"id,omitempty"`
	SourceID int64     `json:"source_id" validate:"gt=0"`
	Location TargetKey `json:"location" validate:"required"`
	Date     time.Time `json:"date" validate:"required"`
	Measurements
}

func (*ObservationDoc) Entity() Entity            { return EntityObservation }
func (d *ObservationDoc) SourceKey() int64        { return d.SourceID }
func (d *ObservationDoc) TargetID() TargetKey     { return d.ID }
func (d *ObservationDoc) SetTargetID(k TargetKey) { d.ID = k }

func (d *ObservationDoc) Reference() (TargetKey, bool) { return d.Location, d.Location != "" }

func (d *ObservationDoc) Fields() map[string]any {
	f := map[string]any{
		"source_id": d.SourceID,
		"location":  d.Location,
		"date":      d.Date.UTC(),
	}
	d.Measurements.present(f)
	return f
}

// PredictionDoc is the target shape of a rain prediction.
type PredictionDoc struct {
	ID          TargetKey `json:"id,omitempty"`
	SourceID    int64     `json:"source_id" validate:"gt=0"`
	Observation TargetKey `json:"observation" validate:"required"`
	WillItRain  bool      `json:"will_it_rain"`
	PredictedAt time.Time `json:"predicted_at" validate:"required"`
}

func (*PredictionDoc) Entity() Entity            { return EntityPrediction }
func (d *PredictionDoc) SourceKey() int64        { return d.SourceID }
func (d *PredictionDoc) TargetID() TargetKey     { return d.ID }
func (d *PredictionDoc) SetTargetID(k TargetKey) { d.ID = k }

func (d *PredictionDoc) Reference() (TargetKey, bool) { return d.Observation, d.Observation != "" }

func (d *PredictionDoc) Fields() map[string]any {
	return map[string]any{
		"source_id":    d.SourceID,
		"observation":  d.Observation,
		"will_it_rain": d.WillItRain,
		"predicted_at": d.PredictedAt.UTC(),
	}
}
