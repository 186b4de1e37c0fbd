// Package pipeline runs import phases: extract every source record,
// normalize it, upsert it, then validate what the phase touched. A dry run
// drives the same code against a preview overlay of the store.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"

	"github.com/clinic/importer/internal/importer/linker"
	"github.com/clinic/importer/internal/importer/normalize"
	"github.com/clinic/importer/internal/importer/store"
	"github.com/clinic/importer/internal/importer/validate"
	"github.com/clinic/importer/internal/platform/legacy"
	"github.com/clinic/importer/internal/platform/progress"
)

// Env is what a Hook may use while a record is processed.
type Env struct {
	Store    store.Store
	Upserter *linker.Upserter
	DryRun   bool
	Force    bool
}

// Hook runs after a record is normalized and before it is upserted. It may
// add fields to the record. An error counts the record as errored.
type Hook interface {
	Prepare(ctx context.Context, env *Env, et *store.EntityType, rec *normalize.Record) error
}

// Phase imports one entity type.
type Phase struct {
	Entity *store.EntityType
	Source legacy.Source
	Map    normalize.Mapper
	Hook   Hook
	// ProgressEvery overrides the runner's progress interval.
	ProgressEvery int
}

// Name is the phase name used on the command line and in logs.
func (p Phase) Name() string { return p.Entity.Name }

// Options control one invocation.
type Options struct {
	DryRun bool
	// Limit caps the number of source records processed; 0 means all.
	Limit int
	// Force re-uploads attachments that already exist.
	Force          bool
	SkipValidation bool
}

// Item is the per-record line of a run report.
type Item struct {
	Action     string
	ExternalID string
	Display    string
	Changes    []string
	Misses     []string
	Gaps       []string
	Err        string
}

// Item actions besides the linker ones.
const (
	ActionSkip  = "skip"
	ActionError = "error"
)

// Run is the in-memory record of one phase execution. It is not persisted.
type Run struct {
	Phase   string
	DryRun  bool
	Source  string
	Summary progress.Summary
	Items   []Item
	Skipped []legacy.Skip
	Report  *validate.Report
}

// Runner executes phases against a store.
type Runner struct {
	Store         store.Store
	Log           zerolog.Logger
	ProgressEvery int
}

// RunAll runs phases in order and stops at the first phase whose source
// fails. In a dry run all phases share one preview, so later phases see
// what earlier ones would have created.
func (r *Runner) RunAll(ctx context.Context, phases []Phase, opts Options) ([]*Run, error) {
	runner := *r
	if opts.DryRun {
		runner.Store = store.NewOverlay(r.Store)
	}
	var runs []*Run
	for _, p := range phases {
		run, err := runner.Run(ctx, p, opts)
		runs = append(runs, run)
		if err != nil {
			return runs, err
		}
	}
	return runs, nil
}

// Run executes one phase. Only a source failure or a store failure outside
// a single record's write returns an error; record failures are counted.
func (r *Runner) Run(ctx context.Context, phase Phase, opts Options) (*Run, error) {
	st := r.Store
	if opts.DryRun {
		st = store.NewOverlay(st)
	}
	log := r.Log.With().Str("phase", phase.Name()).Bool("dry_run", opts.DryRun).Logger()
	ctx = log.WithContext(ctx)

	run := &Run{Phase: phase.Name(), DryRun: opts.DryRun, Source: phase.Source.Describe()}
	started := time.Now()

	log.Info().Str("source", run.Source).Msg("extracting")
	batch, err := phase.Source.Extract(ctx)
	if err != nil {
		run.Summary = progress.Summary{Phase: phase.Name(), DryRun: opts.DryRun, Failed: true, Duration: time.Since(started)}
		log.Error().Err(err).Str("source", run.Source).Msg("extraction failed, phase aborted")
		return run, errors.Wrapf(err, "extract %s", phase.Name())
	}

	records := batch.Records
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[:opts.Limit]
	}
	every := phase.ProgressEvery
	if every <= 0 {
		every = r.ProgressEvery
	}
	tracker := progress.NewTracker(log, phase.Name(), len(records)+len(batch.Skipped), every)

	for _, skip := range batch.Skipped {
		log.Warn().Int("row", skip.Row).Str("reason", skip.Reason).Msg("source row skipped")
		run.Skipped = append(run.Skipped, skip)
		tracker.Add(progress.Skipped)
	}

	resolver := linker.NewResolver(st)
	targets := make([]*store.EntityType, 0, len(phase.Entity.References))
	for _, ref := range phase.Entity.References {
		targets = append(targets, ref.Target)
	}
	if err := resolver.Preload(ctx, targets...); err != nil {
		run.Summary = progress.Summary{Phase: phase.Name(), DryRun: opts.DryRun, Failed: true, Duration: time.Since(started)}
		return run, errors.Wrapf(err, "preload references for %s", phase.Name())
	}
	env := &Env{Store: st, Upserter: linker.NewUpserter(st, resolver), DryRun: opts.DryRun, Force: opts.Force}

	for i, src := range records {
		item, outcome := r.process(ctx, log, env, phase, src, i)
		tracker.Add(outcome)
		tracker.Unresolved(len(item.Misses))
		tracker.Gaps(len(item.Gaps))
		run.Items = append(run.Items, item)
	}

	run.Summary = tracker.Finish(opts.DryRun)

	if !opts.SkipValidation {
		if checks := validate.ChecksFor(phase.Entity); len(checks) > 0 {
			report, err := validate.Validate(ctx, st, checks)
			if err != nil {
				return run, errors.Wrapf(err, "validate %s", phase.Name())
			}
			run.Report = report
			run.Summary.Verdict = report.Verdict()
			ev := log.Info()
			if report.Failed() {
				ev = log.Error()
			}
			ev.Str("verdict", report.Verdict()).
				Int("hard", report.Count(validate.Hard)).
				Int("warnings", report.Count(validate.Warning)).
				Msg("validation")
		}
	}
	run.Summary.Duration = time.Since(started)
	return run, nil
}

// process handles one record. Every failure is contained here.
func (r *Runner) process(ctx context.Context, log zerolog.Logger, env *Env, phase Phase, src legacy.Record, idx int) (Item, progress.Outcome) {
	et := phase.Entity
	rec, err := phase.Map(src)
	if err != nil {
		item := Item{Action: ActionSkip, Err: err.Error()}
		if errors.Is(err, normalize.ErrMissingKey) {
			log.Warn().Int("record", idx+1).Err(err).Msg("record skipped")
			return item, progress.Skipped
		}
		item.Action = ActionError
		log.Error().Int("record", idx+1).Err(err).Msg("record could not be normalized")
		return item, progress.Errored
	}

	item := Item{
		ExternalID: rec.ExternalID,
		Display:    et.DisplayName(rec.Fields, rec.ExternalID),
		Gaps:       rec.Gaps,
	}
	rlog := log.With().Str("external_id", rec.ExternalID).Str("record", item.Display).Logger()
	for _, gap := range rec.Gaps {
		rlog.Debug().Str("gap", gap).Msg("lookup default used")
	}

	if phase.Hook != nil {
		if err := phase.Hook.Prepare(ctx, env, et, rec); err != nil {
			item.Action = ActionError
			item.Err = err.Error()
			rlog.Error().Err(err).Msg("record failed")
			return item, progress.Errored
		}
	}

	res, err := env.Upserter.Upsert(ctx, et, rec)
	if err != nil {
		item.Action = ActionError
		item.Err = err.Error()
		rlog.Error().Err(err).Msg("record failed")
		return item, progress.Errored
	}

	item.Action = res.Action.String()
	item.Changes = res.Changes
	for _, m := range res.Misses {
		item.Misses = append(item.Misses, m.String())
		ev := rlog.Warn().Str("column", m.Column).Str("ref", m.Ref).Str("reason", m.Reason)
		if m.Hint != "" {
			ev = ev.Str("closest", m.Hint)
		}
		ev.Msg("reference not resolved")
	}
	rlog.Debug().Str("action", item.Action).Str("changes", strings.Join(res.Changes, ",")).Msg("record processed")

	switch res.Action {
	case linker.Create:
		return item, progress.Created
	case linker.Update:
		return item, progress.Updated
	}
	return item, progress.Unchanged
}
