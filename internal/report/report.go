// Package report renders sweep results into the operator-facing text.
package report

import (
	"fmt"
	"strings"

	"rollcall/internal/domain"
)

// AllCompliant is emitted when no topic has a gap.
const AllCompliant = "✅ All topics fully compliant today."

// Format renders one block per topic with missing participants, separated by
// blank lines. Topics without gaps produce no block.
func Format(results []domain.SweepResult) string {
	var blocks []string
	for _, r := range results {
		if len(r.Missing) == 0 {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "📌 *%s* (deadline %s):\n", r.Topic, r.Deadline)
		b.WriteString("❌ Missing: " + strings.Join(r.Missing, ", "))
		blocks = append(blocks, b.String())
	}
	if len(blocks) == 0 {
		return AllCompliant
	}
	return strings.Join(blocks, "\n\n")
}
