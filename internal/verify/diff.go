package verify

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fieldDiff struct {
	field  string
	detail string
}

var timeEqual = cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })

// diffFields compares expected (from the source) with actual (from the
// target). A field present on only one side is a difference.
func diffFields(expected, actual map[string]any) []fieldDiff {
	names := make([]string, 0, len(expected)+len(actual))
	for k := range expected {
		names = append(names, k)
	}
	for k := range actual {
		if _, ok := expected[k]; !ok {
			names = append(names, k)
		}
	}
	slices.Sort(names)

	var out []fieldDiff
	for _, name := range names {
		want, inSource := expected[name]
		got, inTarget := actual[name]
		switch {
		case !inTarget:
			out = append(out, fieldDiff{name, fmt.Sprintf("absent in target, source has %v", want)})
		case !inSource:
			out = append(out, fieldDiff{name, fmt.Sprintf("absent in source, target has %v", got)})
		case !cmp.Equal(want, got, timeEqual):
			out = append(out, fieldDiff{name, fmt.Sprintf("source %v, target %v", want, got)})
		}
	}
	return out
}
