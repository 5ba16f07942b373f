package domain

import "fmt"

// Entity identifies one migrated table/collection pair.
type Entity string

const (
	EntityLocation    Entity = "location"
	EntityObservation Entity = "observation"
	EntityPrediction  Entity = "prediction"
)

// Entities returns every entity in dependency order: parents precede children.
func Entities() []Entity {
	return []Entity{EntityLocation, EntityObservation, EntityPrediction}
}

// ParseEntity converts a name such as "observation" into an Entity.
func ParseEntity(s string) (Entity, error) {
	e := Entity(s)
	if !e.Valid() {
		return "", fmt.Errorf("unknown entity %q", s)
	}
	return e, nil
}

// Valid reports whether e is one of the known entities.
func (e Entity) Valid() bool {
	switch e {
	case EntityLocation, EntityObservation, EntityPrediction:
		return true
	}
	return false
}

// Parent returns the entity e references through its foreign key.
func (e Entity) Parent() (Entity, bool) {
	switch e {
	case EntityObservation:
		return EntityLocation, true
	case EntityPrediction:
		return EntityObservation, true
	}
	return "", false
}

// Table is the source table name.
func (e Entity) Table() string {
	switch e {
	case EntityLocation:
		return "locations"
	case EntityObservation:
		return "weather_observations"
	case EntityPrediction:
		return "rain_predictions"
	}
	return ""
}

// Collection is the target collection name. The original deployment used
// the table names unchanged.
func (e Entity) Collection() string { return e.Table() }

// Order is the position of e in dependency order, or -1 for unknown entities.
func (e Entity) Order() int {
	for i, x := range Entities() {
		if x == e {
			return i
		}
	}
	return -1
}

// TargetKey is the opaque document identifier assigned in the target store.
type TargetKey string

// Cursor is the last source key committed for an entity. The zero value
// starts from the beginning of the table.
type Cursor int64
