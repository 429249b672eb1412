package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Title returns the human-facing run label, e.g. "Clinical" or
// "Bids Participants" for pipeline "bids-participants".
func (r *Report) Title() string {
	label := strings.ReplaceAll(strings.TrimSpace(r.Pipeline), "-", " ")
	if label == "" {
		label = "intake"
	}
	return cases.Title(language.Und).String(label)
}

// RenderText renders the plain-text summary used for log output and email
// bodies. Failed and skipped units appear grouped by reason, so three units
// sharing one failure read as one line instead of three.
func (r *Report) RenderText() string {
	summary := r.Summary()

	var b strings.Builder
	fmt.Fprintf(&b, "%s run %s\n", r.Title(), r.RunID)
	if scope := strings.TrimSpace(r.Scope); scope != "" {
		fmt.Fprintf(&b, "Scope: %s\n", scope)
	}
	fmt.Fprintf(&b, "Duration: %s\n", r.Duration().Round(time.Second))
	fmt.Fprintf(&b, "Units: %d total, %d succeeded, %d failed, %d skipped\n",
		summary.Total, summary.Success, summary.Failed, summary.Skipped)

	writeGroups := func(label string, groups []ReasonGroup) {
		if len(groups) == 0 {
			return
		}
		b.WriteString(label)
		b.WriteString(":\n")
		for _, group := range groups {
			fmt.Fprintf(&b, "  [%s] %s\n", group.Reason, strings.Join(group.Units, ", "))
		}
	}
	writeGroups("Failed", summary.FailedByReason)
	writeGroups("Skipped", summary.SkippedByReason)

	if succeeded := r.UnitsFor(CategorySuccess); len(succeeded) > 0 {
		fmt.Fprintf(&b, "Succeeded:\n  %s\n", strings.Join(succeeded, ", "))
	}
	return b.String()
}

// RenderTable renders the aggregated summary as a terminal table.
func (r *Report) RenderTable() string {
	summary := r.Summary()

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Outcome", "Count", "Units"})

	appendCategory := func(label string, count int, groups []ReasonGroup, successUnits []string) {
		switch {
		case count == 0:
			tw.AppendRow(table.Row{label, 0, ""})
		case groups == nil:
			tw.AppendRow(table.Row{label, count, joinLimited(successUnits)})
		default:
			first := true
			for _, group := range groups {
				cell := fmt.Sprintf("[%s] %s", group.Reason, joinLimited(group.Units))
				if first {
					tw.AppendRow(table.Row{label, count, cell})
					first = false
				} else {
					tw.AppendRow(table.Row{"", "", cell})
				}
			}
		}
	}

	appendCategory("Success", summary.Success, nil, r.UnitsFor(CategorySuccess))
	appendCategory("Failed", summary.Failed, summary.FailedByReason, nil)
	appendCategory("Skipped", summary.Skipped, summary.SkippedByReason, nil)
	tw.AppendFooter(table.Row{"Total", summary.Total, ""})

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft, AlignFooter: text.AlignRight},
		{Number: 3, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

// joinLimited joins unit names, truncating long lists so tables stay
// readable; the full list is always available in RenderText.
func joinLimited(units []string) string {
	const maxListed = 8
	if len(units) <= maxListed {
		return strings.Join(units, ", ")
	}
	shown := strings.Join(units[:maxListed], ", ")
	return shown + ", +" + strconv.Itoa(len(units)-maxListed) + " more"
}
