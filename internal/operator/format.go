package operator

import (
	"fmt"
	"strings"

	"github.com/basket/oversight/internal/aggregate"
)

// NotesPrefix marks the narrative part of a context block.
const NotesPrefix = "[Operator notes] "

// FormatMechanical renders the deterministic part of a context block:
// successes by count descending, then failures newest first. An empty record
// renders as "".
func FormatMechanical(rec aggregate.Record, successLimit int) string {
	var lines []string

	if successes := rec.RankedSuccesses(successLimit); len(successes) > 0 {
		lines = append(lines, "Prior successes for similar tasks:")
		for _, s := range successes {
			lines = append(lines, fmt.Sprintf("  - %s (solved %d)", clip(s.Approach, 150), s.Count))
		}
	}
	if failures := rec.RecentFailures(); len(failures) > 0 {
		lines = append(lines, "Prior failures (avoid):")
		for _, f := range failures {
			lines = append(lines, "  - "+clip(f, 100))
		}
	}
	return strings.Join(lines, "\n")
}

func joinBlocks(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
