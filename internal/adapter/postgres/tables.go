package postgres

import (
	"fmt"
	"slices"
	"strings"

	"github.com/couchcryptid/weather-sync/internal/domain"
	"github.com/jackc/pgx/v5"
)

const schemaQuery = `SELECT table_name, column_name
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = ANY($1)`

// table describes how one entity is stored in the source.
type table struct {
	name    string
	key     string
	columns []string // key first
	scan    pgx.RowToFunc[domain.SourceRow]
}

var tables = map[domain.Entity]table{
	domain.EntityLocation: {
		name:    "locations",
		key:     "location_id",
		columns: []string{"location_id", "name", "state"},
		scan:    scanLocation,
	},
	domain.EntityObservation: {
		name:    "weather_observations",
		key:     "observation_id",
		columns: append([]string{"observation_id", "location_id", "date"}, domain.MeasurementColumns...),
		scan:    scanObservation,
	},
	domain.EntityPrediction: {
		name:    "rain_predictions",
		key:     "prediction_id",
		columns: []string{"prediction_id", "observation_id", "will_it_rain", "predicted_at"},
		scan:    scanPrediction,
	},
}

func lookup(e domain.Entity) (table, error) {
	t, ok := tables[e]
	if !ok {
		return table{}, fmt.Errorf("no source table for entity %q", e)
	}
	return t, nil
}

func (t table) selectList() string {
	quoted := make([]string, len(t.columns))
	for i, c := range t.columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

func (t table) ident() string    { return pgx.Identifier{t.name}.Sanitize() }
func (t table) keyIdent() string { return pgx.Identifier{t.key}.Sanitize() }

func (t table) pageQuery() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s > $1 ORDER BY %s LIMIT $2",
		t.selectList(), t.ident(), t.keyIdent(), t.keyIdent())
}

func (t table) byKeysQuery() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = ANY($1)", t.selectList(), t.ident(), t.keyIdent())
}

func (t table) existsQuery() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = ANY($1)", t.keyIdent(), t.ident(), t.keyIdent())
}

func (t table) countQuery() string {
	return fmt.Sprintf("SELECT count(*) FROM %s", t.ident())
}

// missingColumns lists expected "table.column" pairs absent from present,
// in a stable order.
func missingColumns(present map[string]bool) []string {
	var missing []string
	for _, t := range tables {
		for _, c := range t.columns {
			if qualified := t.name + "." + c; !present[qualified] {
				missing = append(missing, qualified)
			}
		}
	}
	slices.Sort(missing)
	return missing
}

func scanLocation(row pgx.CollectableRow) (domain.SourceRow, error) {
	var r domain.LocationRow
	if err := row.Scan(&r.ID, &r.Name, &r.State); err != nil {
		return nil, err
	}
	return r, nil
}

func scanObservation(row pgx.CollectableRow) (domain.SourceRow, error) {
	var r domain.ObservationRow
	dest := append([]any{&r.ID, &r.LocationID, &r.Date}, r.Measurements.ScanTargets()...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return r, nil
}

func scanPrediction(row pgx.CollectableRow) (domain.SourceRow, error) {
	var r domain.PredictionRow
	if err := row.Scan(&r.ID, &r.ObservationID, &r.WillItRain, &r.PredictedAt); err != nil {
		return nil, err
	}
	return r, nil
}
