package domain

import "time"

// Written confirms that a document now exists in the target.
type Written struct {
	SourceKey int64
	TargetKey TargetKey
}

// WriteFailure is a document the target refused. It is recorded as a skip.
type WriteFailure struct {
	SourceKey int64
	Reason    Reason
	Detail    string
}

// WriteResult is the per-document outcome of a bulk write.
type WriteResult struct {
	Written  []Written
	Failures []WriteFailure
}

// Merge appends other's outcomes to r.
func (r *WriteResult) Merge(other WriteResult) {
	r.Written = append(r.Written, other.Written...)
	r.Failures = append(r.Failures, other.Failures...)
}

// MapEntry is one (entity, source key) -> target key binding.
type MapEntry struct {
	Entity    Entity    `json:"entity" yaml:"entity"`
	SourceKey int64     `json:"source_key" yaml:"source_key"`
	TargetKey TargetKey `json:"target_key" yaml:"target_key"`
}

// Progress is what gets committed durably after each page: the entries and
// skips the page produced and the cursor that follows it.
type Progress struct {
	RunID   string
	Entity  Entity
	Cursor  Cursor
	Done    bool
	Entries []MapEntry
	Skips   []Skip
}

// Checkpoint is the accumulated durable state of an interrupted run.
type Checkpoint struct {
	RunID     string
	UpdatedAt time.Time
	Cursors   map[Entity]Cursor
	Done      map[Entity]bool
	Entries   []MapEntry
	Skips     map[Entity][]Skip
}
