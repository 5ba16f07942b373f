package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/couchcryptid/weather-sync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func migrationReport() *domain.MigrationReport {
	start := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	return &domain.MigrationReport{
		RunID:      "run-1",
		State:      domain.StateCompleted,
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		Entities: []domain.EntitySummary{
			{Entity: domain.EntityLocation, Attempted: 1, Succeeded: 1, LastCursor: 1, Done: true},
			{Entity: domain.EntityPrediction, Attempted: 2, Succeeded: 1, Skipped: 1, LastCursor: 101, Done: true,
				Skips: []domain.Skip{{SourceKey: 101, Reason: domain.ReasonUnresolvedReference, Detail: "observation 999 not found in source"}}},
		},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatText, "TEXT": FormatText, "json": FormatJSON, "yml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("xml")
	require.Error(t, err)
}

func TestMigration_Text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Migration(&buf, migrationReport(), FormatText))

	out := buf.String()
	assert.Contains(t, out, "=== Migration run-1 ===")
	assert.Contains(t, out, "State: Completed")
	assert.Contains(t, out, "--- prediction skips ---")
	assert.Contains(t, out, "[1] 101 UnresolvedReference: observation 999 not found in source")
	assert.Contains(t, out, "FAIL (1)")
	assert.Contains(t, out, "Migration completed.")
}

func TestMigration_TextFailed(t *testing.T) {
	r := migrationReport()
	r.State = domain.StateFailed
	r.FailedEntity = domain.EntityObservation
	r.Error = "target unavailable"

	var buf bytes.Buffer
	require.NoError(t, Migration(&buf, r, FormatText))
	assert.Contains(t, buf.String(), "Migration FAILED in observation: target unavailable")
}

func TestMigration_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Migration(&buf, migrationReport(), FormatJSON))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, "Completed", got["state"])
	assert.NotContains(t, got, "error")
	entities := got["entities"].([]any)
	require.Len(t, entities, 2)
	assert.InDelta(t, 1, entities[1].(map[string]any)["skipped"], 0)
}

func TestVerification_YAML(t *testing.T) {
	r := &domain.VerificationReport{
		CheckedAt: time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
		Entities:  []domain.EntityCheck{{Entity: domain.EntityLocation, SourceCount: 1, TargetCount: 0}},
		Findings: []domain.Finding{{
			Entity: domain.EntityLocation, Kind: domain.FindingCountMismatch, Detail: "target has 0",
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, Verification(&buf, r, FormatYAML))

	var got struct {
		Findings []struct {
			Entity string `yaml:"entity"`
			Kind   string `yaml:"kind"`
		} `yaml:"findings"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got.Findings, 1)
	assert.Equal(t, "CountMismatch", got.Findings[0].Kind)
	assert.NotContains(t, buf.String(), "source_key")
}

func TestVerification_Text(t *testing.T) {
	ok := &domain.VerificationReport{
		Entities: []domain.EntityCheck{{Entity: domain.EntityLocation, SourceCount: 1, TargetCount: 1, Compared: 1}},
		Findings: []domain.Finding{},
	}
	var buf bytes.Buffer
	require.NoError(t, Verification(&buf, ok, FormatText))
	assert.Contains(t, buf.String(), "PASS")
	assert.Contains(t, buf.String(), "All checks passed.")

	bad := &domain.VerificationReport{
		Entities: ok.Entities,
		Findings: []domain.Finding{{
			Entity: domain.EntityLocation, Kind: domain.FindingFieldMismatch, SourceKey: 1,
			TargetKey: "abc", Field: "name", Detail: "source Sydney, target Sidney",
		}},
	}
	buf.Reset()
	require.NoError(t, Verification(&buf, bad, FormatText))
	assert.Contains(t, buf.String(), "[1] location FieldMismatch source_key=1 target_key=abc field=name: source Sydney, target Sidney")
	assert.Contains(t, buf.String(), "Verification FAILED (1 findings).")
}
