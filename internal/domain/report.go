package domain

import "time"

// RunState is the orchestrator's lifecycle state.
type RunState string

const (
	StateIdle      RunState = "Idle"
	StateRunning   RunState = "Running"
	StateCompleted RunState = "Completed"
	StateFailed    RunState = "Failed"
)

// Skip records a row that was not migrated.
type Skip struct {
	SourceKey int64  `json:"source_key" yaml:"source_key"`
	Reason    Reason `json:"reason" yaml:"reason"`
	Detail    string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// EntitySummary holds per-entity migration counts. Succeeded includes rows
// adopted from a previous run; Attempted = Succeeded + Skipped.
type EntitySummary struct {
	Entity     Entity `json:"entity" yaml:"entity"`
	Attempted  int    `json:"attempted" yaml:"attempted"`
	Succeeded  int    `json:"succeeded" yaml:"succeeded"`
	Adopted    int    `json:"adopted" yaml:"adopted"`
	Skipped    int    `json:"skipped" yaml:"skipped"`
	LastCursor Cursor `json:"last_cursor" yaml:"last_cursor"`
	Done       bool   `json:"done" yaml:"done"`
	Skips      []Skip `json:"skips,omitempty" yaml:"skips,omitempty"`
}

// MigrationReport is the structured result of one migration run.
type MigrationReport struct {
	RunID        string          `json:"run_id" yaml:"run_id"`
	State        RunState        `json:"state" yaml:"state"`
	StartedAt    time.Time       `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time       `json:"finished_at,omitzero" yaml:"finished_at,omitempty"`
	Entities     []EntitySummary `json:"entities" yaml:"entities"`
	FailedEntity Entity          `json:"failed_entity,omitempty" yaml:"failed_entity,omitempty"`
	Error        string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// Summary returns the summary for e, or nil if the run never reached it.
func (r *MigrationReport) Summary(e Entity) *EntitySummary {
	for i := range r.Entities {
		if r.Entities[i].Entity == e {
			return &r.Entities[i]
		}
	}
	return nil
}

// SkippedKeys returns, per entity, the source keys known not to have a target
// document. Expired skips are excluded because the verifier discounts rows
// past the retention horizon on its own.
func (r *MigrationReport) SkippedKeys() map[Entity][]int64 {
	out := make(map[Entity][]int64, len(r.Entities))
	for _, s := range r.Entities {
		out[s.Entity] = SkippedKeys(s.Skips)
	}
	return out
}

// SkippedKeys returns the source keys of every non-expired skip.
func SkippedKeys(skips []Skip) []int64 {
	var keys []int64
	for _, sk := range skips {
		if sk.Reason != ReasonExpired {
			keys = append(keys, sk.SourceKey)
		}
	}
	return keys
}

// FindingKind classifies a verification discrepancy.
type FindingKind string

const (
	FindingMissingTarget     FindingKind = "MissingTarget"
	FindingCountMismatch     FindingKind = "CountMismatch"
	FindingFieldMismatch     FindingKind = "FieldMismatch"
	FindingDanglingReference FindingKind = "DanglingReference"
)

// Finding is one discrepancy between the stores.
type Finding struct {
	Entity    Entity      `json:"entity" yaml:"entity"`
	Kind      FindingKind `json:"kind" yaml:"kind"`
	SourceKey int64       `json:"source_key,omitempty" yaml:"source_key,omitempty"`
	TargetKey TargetKey   `json:"target_key,omitempty" yaml:"target_key,omitempty"`
	Field     string      `json:"field,omitempty" yaml:"field,omitempty"`
	Detail    string      `json:"detail" yaml:"detail"`
}

// EntityCheck records what the verifier looked at for one entity.
type EntityCheck struct {
	Entity          Entity `json:"entity" yaml:"entity"`
	SourceCount     int64  `json:"source_count" yaml:"source_count"`
	TargetCount     int64  `json:"target_count" yaml:"target_count"`
	ExpectedMissing int    `json:"expected_missing" yaml:"expected_missing"`
	MappedEntries   int    `json:"mapped_entries" yaml:"mapped_entries"`
	Compared        int    `json:"compared" yaml:"compared"`
	Sampled         bool   `json:"sampled" yaml:"sampled"`
}

// VerificationReport is the verifier's discrepancy report.
type VerificationReport struct {
	CheckedAt time.Time     `json:"checked_at" yaml:"checked_at"`
	Entities  []EntityCheck `json:"entities" yaml:"entities"`
	Findings  []Finding     `json:"findings" yaml:"findings"`
}

// OK reports whether the stores were found consistent.
func (r *VerificationReport) OK() bool { return len(r.Findings) == 0 }

// CountByKind tallies findings per kind.
func (r *VerificationReport) CountByKind() map[FindingKind]int {
	out := make(map[FindingKind]int)
	for _, f := range r.Findings {
		out[f.Kind]++
	}
	return out
}
