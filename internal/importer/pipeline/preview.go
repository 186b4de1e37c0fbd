package pipeline

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/clinic/importer/internal/importer/store"
)

var previewVerbs = map[string]string{
	"create":    "would create",
	"update":    "would update",
	"unchanged": "already correct",
	ActionSkip:  "would skip",
	ActionError: "would fail",
}

// PrintPreview writes the per-record plan of a run. For live runs the verbs
// are in the past tense. Unchanged records are listed only when verbose.
func PrintPreview(w io.Writer, run *Run, verbose bool) {
	fmt.Fprintf(w, "== %s (%s)\n", run.Phase, run.Source)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, item := range run.Items {
		if item.Action == "unchanged" && !verbose {
			continue
		}
		verb := item.Action
		if run.DryRun {
			verb = previewVerbs[item.Action]
		}
		detail := strings.Join(item.Changes, ", ")
		if item.Err != "" {
			detail = item.Err
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", verb, item.ExternalID, item.Display, detail)
		for _, m := range item.Misses {
			fmt.Fprintf(tw, "  \t\tunresolved\t%s\n", m)
		}
		if verbose {
			for _, g := range item.Gaps {
				fmt.Fprintf(tw, "  \t\tdefaulted\t%s\n", g)
			}
		}
	}
	for _, s := range run.Skipped {
		fmt.Fprintf(tw, "  skipped row\t%d\t\t%s\n", s.Row, s.Reason)
	}
	tw.Flush()
	if et, ok := store.Lookup(run.Phase); ok && run.DryRun {
		if _, blob := et.Column("blob_key"); blob {
			fmt.Fprintln(w, "  note: files are not read in a dry run; content_type and thumbnail_key follow the file extension")
		}
	}
	if run.Report != nil {
		run.Report.Print(w)
	}
}
