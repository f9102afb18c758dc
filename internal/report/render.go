package report

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// Render writes a human-readable table for each report.
func Render(out io.Writer, reports []*ExperimentReport) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for i, rep := range reports {
		if i > 0 {
			_, _ = fmt.Fprintln(w)
		}
		leader := rep.Leader
		if leader == "" {
			leader = "-"
		}
		_, _ = fmt.Fprintf(w, "Experiment:\t%s\tleader: %s\n", rep.Experiment, leader)
		_, _ = fmt.Fprintf(w, "VARIANT\tASSIGNED\tSHARE\tIMPRESSIONS\tCLICKS\tCTR\tCONVERSIONS\tCVR\n")
		for _, v := range rep.Variants {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%d\t%d\t%.2f%%\t%d\t%.2f%%\n",
				v.Variant, v.Assignments, rep.Share[v.Variant]*100,
				v.Impressions, v.Clicks, v.ClickRate*100,
				v.Conversions, v.ConversionRate*100)
		}
		t := rep.Totals
		_, _ = fmt.Fprintf(w, "%s\t%d\t\t%d\t%d\t%.2f%%\t%d\t%.2f%%\n",
			t.Variant, t.Assignments, t.Impressions, t.Clicks, t.ClickRate*100,
			t.Conversions, t.ConversionRate*100)
	}
	return w.Flush()
}
