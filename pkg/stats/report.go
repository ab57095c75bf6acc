package stats

import (
	"fmt"
	"sort"
	"strings"
)

// Report renders one day's activity for the terminal: a summary line
// followed by a per-thread breakdown, busiest thread first.
func Report(day string, records []Record) string {
	agg := AggregateRecords(records)

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d sessions (%d completed, %d cancelled, %d errored), %s received\n",
		day, agg.Sessions, agg.Completed, agg.Cancelled, agg.Errored, humanChars(agg.Chars))

	byThread := ThreadBreakdown(records)
	keys := make([]string, 0, len(byThread))
	for key := range byThread {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, c := byThread[keys[i]], byThread[keys[j]]
		if a.Sessions != c.Sessions {
			return a.Sessions > c.Sessions
		}
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		a := byThread[key]
		fmt.Fprintf(&b, "  %-32s %3d sessions  %s\n", key, a.Sessions, humanChars(a.Chars))
	}
	return b.String()
}

// humanChars keeps the report scannable: exact counts while small, one
// decimal of K or M once the number stops being readable at a glance.
func humanChars(n int) string {
	switch {
	case n >= 1_000_000:
		return trimZero(fmt.Sprintf("%.1f", float64(n)/1_000_000)) + "M chars"
	case n >= 10_000:
		return trimZero(fmt.Sprintf("%.1f", float64(n)/1_000)) + "K chars"
	default:
		return fmt.Sprintf("%d chars", n)
	}
}

func trimZero(s string) string {
	return strings.TrimSuffix(s, ".0")
}
