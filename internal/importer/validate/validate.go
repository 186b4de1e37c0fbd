// Package validate checks referential health after an import: required
// relationships must be present, expected ones are reported when missing.
package validate

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/go-faster/errors"

	"github.com/clinic/importer/internal/importer/store"
)

// Severity decides whether a nonzero count fails validation.
type Severity int

const (
	// Hard checks fail the run: the relationship must never be null.
	Hard Severity = iota
	// Warning checks only report: legacy data legitimately has gaps.
	Warning
)

func (s Severity) String() string {
	if s == Hard {
		return "hard"
	}
	return "warning"
}

const (
	Pass = "PASS"
	Fail = "FAIL"
)

// Check counts rows of Entity whose Column is NULL.
type Check struct {
	Entity   *store.EntityType
	Column   string
	Severity Severity
	// Label reads as "<n> <Label>", e.g. "appointment without clinic".
	Label string
}

var checks = []Check{
	{store.Appointments, "patient_id", Hard, "appointment without patient"},
	{store.Notes, "patient_id", Hard, "note without patient"},
	{store.ImageBatches, "patient_id", Hard, "image batch without patient"},
	{store.Images, "patient_id", Hard, "image without patient"},
	{store.Images, "batch_id", Hard, "image without batch"},
	{store.Documents, "patient_id", Hard, "document without patient"},

	{store.Patients, "clinic_id", Warning, "patient without clinic"},
	{store.Appointments, "clinic_id", Warning, "appointment without clinic"},
	{store.Appointments, "clinician_id", Warning, "appointment without clinician"},
	{store.Notes, "clinician_id", Warning, "note without clinician"},
	{store.Images, "blob_key", Warning, "image without stored file"},
	{store.Documents, "blob_key", Warning, "document without stored file"},
}

// All returns every check.
func All() []Check {
	out := make([]Check, len(checks))
	copy(out, checks)
	return out
}

// ChecksFor returns the checks on one entity type. Images also cover their
// batches, which the image phase creates.
func ChecksFor(et *store.EntityType) []Check {
	var out []Check
	for _, c := range checks {
		if c.Entity == et || (et == store.Images && c.Entity == store.ImageBatches) {
			out = append(out, c)
		}
	}
	return out
}

// Finding is the result of one check.
type Finding struct {
	Check
	Count int
	Total int
}

// Report is the outcome of one validation pass.
type Report struct {
	Findings []Finding
}

// Verdict is FAIL when any hard check found rows, PASS otherwise.
func (r *Report) Verdict() string {
	if r.Failed() {
		return Fail
	}
	return Pass
}

// Failed reports whether any hard check found rows.
func (r *Report) Failed() bool {
	for _, f := range r.Findings {
		if f.Severity == Hard && f.Count > 0 {
			return true
		}
	}
	return false
}

// Count returns the number of nonzero findings of a severity.
func (r *Report) Count(sev Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == sev && f.Count > 0 {
			n++
		}
	}
	return n
}

// Validate runs checks against st in one synchronous pass.
func Validate(ctx context.Context, st store.Store, checks []Check) (*Report, error) {
	report := &Report{}
	totals := make(map[*store.EntityType]int)
	for _, c := range checks {
		total, ok := totals[c.Entity]
		if !ok {
			n, err := st.Count(ctx, c.Entity)
			if err != nil {
				return nil, errors.Wrapf(err, "validate %s", c.Label)
			}
			total = n
			totals[c.Entity] = n
		}
		missing, err := st.CountMissing(ctx, c.Entity, c.Column)
		if err != nil {
			return nil, errors.Wrapf(err, "validate %s", c.Label)
		}
		report.Findings = append(report.Findings, Finding{Check: c, Count: missing, Total: total})
	}
	return report, nil
}

// Print writes the itemized report followed by the verdict.
func (r *Report) Print(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tSEVERITY\tCOUNT\tOF")
	for _, f := range r.Findings {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", f.Label, f.Severity, f.Count, f.Total)
	}
	tw.Flush()
	fmt.Fprintf(w, "validation: %s (%d hard failures, %d warnings)\n", r.Verdict(), r.Count(Hard), r.Count(Warning))
}
