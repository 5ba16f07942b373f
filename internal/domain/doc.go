// Package domain models the historical weather dataset as it exists in the
// relational source and as it is reshaped for the document target.
//
// # Entities
//
// Three entities are migrated, always in dependency order:
//
//	location     locations(location_id, name, state)
//	observation  weather_observations(observation_id, location_id, date, ...)
//	prediction   rain_predictions(prediction_id, observation_id, will_it_rain, predicted_at)
//
// An observation belongs to exactly one location and a prediction to exactly
// one observation. The source expresses this with integer foreign keys; the
// target expresses it with document references (ObjectIDs), so every foreign
// key is translated through the identifier map before a child is written.
//
// # Source Keys
//
// Every target document keeps the primary key it was created from in a
// source_id field. The target enforces uniqueness on it, which is what lets a
// fresh process re-derive the identifier map from written data (used by both
// the verifier and the re-run adoption policy).
//
// # Conventions
//
// Dates:
//
//	SQL DATE columns carry no zone. They are stored in the target as a BSON
//	datetime at 00:00 UTC of the same calendar day. See [CalendarDate].
//
// Optional measurements:
//
//	An absent column (NULL) is left out of the document entirely. A present
//	zero is written as zero. The two are never conflated, so the target keeps
//	the "unknown" vs "zero rainfall" distinction.
//
// Prediction timestamps:
//
//	predicted_at is required. A NULL is an [ErrIncompleteRecord]; the
//	transformer never substitutes the current time for historical rows. When a
//	retention horizon is configured, rows already older than it are skipped
//	with [ErrExpired] rather than written and immediately reaped by the TTL
//	index.
package domain
