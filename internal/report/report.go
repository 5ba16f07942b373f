// Package report renders migration and verification reports as text, JSON
// or YAML.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/couchcryptid/weather-sync/internal/domain"
	"gopkg.in/yaml.v3"
)

// Format selects the rendering.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts text, json, yaml or yml.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown report format %q (want text, json or yaml)", s)
}

// Migration writes a migration report.
func Migration(w io.Writer, r *domain.MigrationReport, f Format) error {
	if f == FormatText {
		return migrationText(w, r)
	}
	return encode(w, r, f)
}

// Verification writes a verification report.
func Verification(w io.Writer, r *domain.VerificationReport, f Format) error {
	if f == FormatText {
		return verificationText(w, r)
	}
	return encode(w, r, f)
}

func encode(w io.Writer, v any, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported report format %q", f)
}

// textWriter remembers the first write error so the text renderers can
// print unconditionally.
type textWriter struct {
	w   io.Writer
	err error
}

func (t *textWriter) printf(format string, args ...any) {
	if t.err == nil {
		_, t.err = fmt.Fprintf(t.w, format, args...)
	}
}

func status(ok bool, failures int) string {
	if ok {
		return "PASS"
	}
	return fmt.Sprintf("FAIL (%d)", failures)
}

func migrationText(w io.Writer, r *domain.MigrationReport) error {
	t := &textWriter{w: w}
	t.printf("=== Migration %s ===\n", r.RunID)
	t.printf("State: %s\n", r.State)
	t.printf("Started: %s\n", r.StartedAt.Format(time.RFC3339))
	if !r.FinishedAt.IsZero() {
		t.printf("Finished: %s (%s)\n", r.FinishedAt.Format(time.RFC3339), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	t.printf("\n")

	for _, s := range r.Entities {
		t.printf("  %-12s attempted %-6d succeeded %-6d adopted %-6d skipped %-6d cursor %-8d %s\n",
			s.Entity, s.Attempted, s.Succeeded, s.Adopted, s.Skipped, s.LastCursor, status(s.Skipped == 0, s.Skipped))
	}

	for _, s := range r.Entities {
		if len(s.Skips) == 0 {
			continue
		}
		t.printf("\n--- %s skips ---\n", s.Entity)
		for i, sk := range s.Skips {
			t.printf("  [%d] %d %s: %s\n", i+1, sk.SourceKey, sk.Reason, sk.Detail)
		}
	}

	switch r.State {
	case domain.StateFailed:
		t.printf("\nMigration FAILED")
		if r.FailedEntity != "" {
			t.printf(" in %s", r.FailedEntity)
		}
		t.printf(": %s\n", r.Error)
	case domain.StateCompleted:
		t.printf("\nMigration completed.\n")
	}
	return t.err
}

func verificationText(w io.Writer, r *domain.VerificationReport) error {
	t := &textWriter{w: w}
	t.printf("=== Verification %s ===\n\n", r.CheckedAt.Format(time.RFC3339))

	perEntity := make(map[domain.Entity]int)
	for _, f := range r.Findings {
		perEntity[f.Entity]++
	}
	for _, c := range r.Entities {
		mode := "full"
		if c.Sampled {
			mode = "sampled"
		}
		n := perEntity[c.Entity]
		t.printf("  %-12s source %-6d expected missing %-6d target %-6d compared %-6d %-8s %s\n",
			c.Entity, c.SourceCount, c.ExpectedMissing, c.TargetCount, c.Compared, mode, status(n == 0, n))
	}

	if len(r.Findings) > 0 {
		t.printf("\n--- Findings ---\n")
		for i, f := range r.Findings {
			t.printf("  [%d] %s %s", i+1, f.Entity, f.Kind)
			if f.SourceKey != 0 {
				t.printf(" source_key=%d", f.SourceKey)
			}
			if f.TargetKey != "" {
				t.printf(" target_key=%s", f.TargetKey)
			}
			if f.Field != "" {
				t.printf(" field=%s", f.Field)
			}
			t.printf(": %s\n", f.Detail)
		}
	}

	if r.OK() {
		t.printf("\nAll checks passed.\n")
	} else {
		t.printf("\nVerification FAILED (%d findings).\n", len(r.Findings))
	}
	return t.err
}
