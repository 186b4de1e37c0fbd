// Package progress reports how an import phase is going: a log line every N
// records, a summary table at the end, and optional Prometheus textfile
// metrics for batch monitoring.
package progress

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
)

// Outcome is what happened to one source record.
type Outcome int

const (
	Created Outcome = iota
	Updated
	Unchanged
	Skipped
	Errored
)

var outcomeNames = [...]string{"created", "updated", "unchanged", "skipped", "errored"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Counts are the per-phase counters.
type Counts struct {
	Created   int
	Updated   int
	Unchanged int
	Skipped   int
	Errored   int
	// Unresolved counts references left null because no target matched.
	Unresolved int
	// Gaps counts values that fell back to a lookup default.
	Gaps int
}

// Processed is the number of source records that reached an outcome.
func (c Counts) Processed() int {
	return c.Created + c.Updated + c.Unchanged + c.Skipped + c.Errored
}

func (c *Counts) add(o Outcome) {
	switch o {
	case Created:
		c.Created++
	case Updated:
		c.Updated++
	case Unchanged:
		c.Unchanged++
	case Skipped:
		c.Skipped++
	case Errored:
		c.Errored++
	}
}

// Tracker counts outcomes for one phase. It is not safe for concurrent use;
// phases process records one at a time.
type Tracker struct {
	log     zerolog.Logger
	phase   string
	total   int
	every   int
	started time.Time
	counts  Counts
}

// NewTracker starts tracking a phase of total records, logging every
// every records.
func NewTracker(log zerolog.Logger, phase string, total, every int) *Tracker {
	if every <= 0 {
		every = 100
	}
	return &Tracker{
		log:     log.With().Str("phase", phase).Logger(),
		phase:   phase,
		total:   total,
		every:   every,
		started: time.Now(),
	}
}

// Add records one outcome and logs a progress marker on every Nth record.
func (t *Tracker) Add(o Outcome) {
	t.counts.add(o)
	n := t.counts.Processed()
	if n%t.every == 0 && n < t.total {
		t.log.Info().
			Int("processed", n).
			Int("total", t.total).
			Int("created", t.counts.Created).
			Int("updated", t.counts.Updated).
			Int("errored", t.counts.Errored).
			Msg("progress")
	}
}

// Unresolved records n references that could not be matched.
func (t *Tracker) Unresolved(n int) { t.counts.Unresolved += n }

// Gaps records n values that fell back to a lookup default.
func (t *Tracker) Gaps(n int) { t.counts.Gaps += n }

// Counts returns a snapshot of the counters.
func (t *Tracker) Counts() Counts { return t.counts }

// Finish logs the final counters and returns the phase summary.
func (t *Tracker) Finish(dryRun bool) Summary {
	s := Summary{
		Phase:    t.phase,
		DryRun:   dryRun,
		Counts:   t.counts,
		Duration: time.Since(t.started),
	}
	t.log.Info().
		Bool("dry_run", dryRun).
		Int("created", s.Created).
		Int("updated", s.Updated).
		Int("unchanged", s.Unchanged).
		Int("skipped", s.Skipped).
		Int("errored", s.Errored).
		Int("unresolved", s.Unresolved).
		Int("gaps", s.Gaps).
		Dur("elapsed", s.Duration).
		Msg("phase finished")
	return s
}

// Summary is the final report of one phase.
type Summary struct {
	Phase  string
	DryRun bool
	Counts
	Duration time.Duration
	// Verdict is the validator result for the phase, empty when not run.
	Verdict string
	// Failed marks a phase aborted by a source error.
	Failed bool
}

// PrintSummary writes the summary table for one or more phases.
func PrintSummary(w io.Writer, summaries []Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "PHASE\tCREATED\tUPDATED\tALREADY CORRECT\tSKIPPED\tERRORED\tUNRESOLVED\tGAPS\tVALIDATION\tTIME\t")
	var total Counts
	for _, s := range summaries {
		phase := s.Phase
		if s.DryRun {
			phase += " (dry run)"
		}
		verdict := s.Verdict
		switch {
		case s.Failed:
			verdict = "ABORTED"
		case verdict == "":
			verdict = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t\n",
			phase, s.Created, s.Updated, s.Unchanged, s.Skipped, s.Errored, s.Unresolved, s.Gaps,
			verdict, s.Duration.Round(time.Millisecond))
		total.Created += s.Created
		total.Updated += s.Updated
		total.Unchanged += s.Unchanged
		total.Skipped += s.Skipped
		total.Errored += s.Errored
		total.Unresolved += s.Unresolved
		total.Gaps += s.Gaps
	}
	if len(summaries) > 1 {
		fmt.Fprintf(tw, "TOTAL\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\t\t\n",
			total.Created, total.Updated, total.Unchanged, total.Skipped, total.Errored, total.Unresolved, total.Gaps)
	}
	tw.Flush()
}
