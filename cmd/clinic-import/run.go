package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/clinic/importer/internal/importer/attach"
	"github.com/clinic/importer/internal/importer/phases"
	"github.com/clinic/importer/internal/importer/pipeline"
	"github.com/clinic/importer/internal/importer/store"
	"github.com/clinic/importer/internal/importer/validate"
	"github.com/clinic/importer/internal/platform/blobstore"
	"github.com/clinic/importer/internal/platform/progress"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [phase...|all]",
		Short: "Import one or more phases from the legacy system",
		Long: "Phases run in dependency order: settings, clinics, clinicians, funding-sources,\n" +
			"patients, appointments, notes, images, documents.\n\n" +
			"Re-running a phase is safe: records are matched on their legacy id and only\n" +
			"changed columns are written. --dry-run prints what would happen without writing.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ets, err := phases.Select(args)
			if err != nil {
				return err
			}
			opts := pipeline.Options{}
			opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
			opts.Limit, _ = cmd.Flags().GetInt("limit")
			opts.Force, _ = cmd.Flags().GetBool("force")
			opts.SkipValidation, _ = cmd.Flags().GetBool("skip-validation")
			verbose, _ := cmd.Flags().GetBool("verbose")
			file, _ := cmd.Flags().GetString("file")

			files := map[*store.EntityType]phases.File{}
			if file != "" {
				if len(ets) != 1 {
					return fmt.Errorf("--file needs exactly one phase, got %d", len(ets))
				}
				sheet, _ := cmd.Flags().GetString("sheet")
				key, _ := cmd.Flags().GetString("key-column")
				files[ets[0]] = phases.File{Path: file, Sheet: sheet, KeyColumn: key}
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			blobs := a.blobs
			if blobs == nil && needsBlobs(ets) {
				if !opts.DryRun {
					return fmt.Errorf("images and documents need object storage: set S3_ENDPOINT and S3_BUCKET")
				}
				a.log.Warn().Msg("object storage not configured; previewing attachments against an empty store")
				blobs = blobstore.NewInMemoryBlobStore()
			}

			normalizer, err := phases.NewNormalizer(a.cfg)
			if err != nil {
				return err
			}
			b := &phases.Builder{
				Config:     a.cfg,
				Normalizer: normalizer,
				Files:      files,
				Attachments: &attach.Importer{
					Blobs:        blobs,
					Fetch:        &attach.SourceFetcher{Client: &http.Client{Timeout: a.cfg.LegacyTimeout}, Dir: a.cfg.AttachmentDir},
					ImportSource: a.cfg.ImportSource,
				},
			}
			if b.NeedsClient(ets) {
				client, err := phases.NewClient(a.cfg)
				if err != nil {
					return err
				}
				defer func() {
					if err := client.Close(ctx); err != nil {
						a.log.Warn().Err(err).Msg("legacy session not released")
					}
				}()
				b.Client = client
			}
			ps, err := b.Build(ets)
			if err != nil {
				return err
			}

			runner := &pipeline.Runner{Store: a.store, Log: a.log, ProgressEvery: a.cfg.ProgressEvery}
			runs, runErr := runner.RunAll(ctx, ps, opts)

			summaries := make([]progress.Summary, 0, len(runs))
			for _, run := range runs {
				if opts.DryRun || verbose {
					pipeline.PrintPreview(os.Stdout, run, verbose)
					fmt.Println()
				}
				summaries = append(summaries, run.Summary)
			}
			progress.PrintSummary(os.Stdout, summaries)

			if a.cfg.MetricsTextfile != "" && !opts.DryRun {
				if err := progress.WriteTextfile(a.cfg.MetricsTextfile, summaries); err != nil {
					a.log.Error().Err(err).Msg("metrics not written")
				}
			}

			if runErr != nil {
				return runErr
			}
			for _, s := range summaries {
				if s.Verdict == validate.Fail {
					return fmt.Errorf("phase %s failed validation", s.Phase)
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "Preview changes without writing anything")
	cmd.Flags().Int("limit", 0, "Process at most N records per phase (0 = all)")
	cmd.Flags().Bool("force", false, "Re-upload attachments that are already stored")
	cmd.Flags().Bool("skip-validation", false, "Do not run relationship checks after each phase")
	cmd.Flags().String("file", "", "Read the phase from an exported .xlsx, .csv or .json file instead of the API")
	cmd.Flags().String("sheet", "", "Worksheet to read with --file (default first sheet)")
	cmd.Flags().String("key-column", "", "Column holding the legacy id with --file (default first column)")
	return cmd
}

func needsBlobs(ets []*store.EntityType) bool {
	for _, et := range ets {
		if et == store.Images || et == store.Documents {
			return true
		}
	}
	return false
}

// attachmentTypes resolves the relink argument.
func attachmentTypes(arg string) ([]*store.EntityType, error) {
	switch arg {
	case "", "all":
		return []*store.EntityType{store.Images, store.Documents}, nil
	case store.Images.Name:
		return []*store.EntityType{store.Images}, nil
	case store.Documents.Name:
		return []*store.EntityType{store.Documents}, nil
	}
	return nil, fmt.Errorf("relink works on images, documents or all, got %q", arg)
}

func relinkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relink [images|documents|all]",
		Short: "Point imported records at the blobs already in object storage",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) == 1 {
				arg = args[0]
			}
			ets, err := attachmentTypes(arg)
			if err != nil {
				return err
			}
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.blobs == nil {
				return fmt.Errorf("relink needs object storage: set S3_ENDPOINT and S3_BUCKET")
			}

			r := &attach.Relinker{Store: a.store, Blobs: a.blobs, ImportSource: a.cfg.ImportSource}
			var results []*attach.RelinkResult
			for _, et := range ets {
				res, err := r.Relink(cmd.Context(), et, dryRun)
				if err != nil {
					return err
				}
				results = append(results, res)
			}
			printRelink(os.Stdout, results, dryRun)
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "Report what would be linked without writing")
	return cmd
}

func printRelink(w io.Writer, results []*attach.RelinkResult, dryRun bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	verb := "LINKED"
	if dryRun {
		verb = "WOULD LINK"
	}
	fmt.Fprintf(tw, "ENTITY\tBLOBS\t%s\tALREADY CORRECT\tORPHANS\n", verb)
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", r.Entity.Name, r.Blobs, r.Linked, r.Unchanged, len(r.Orphans))
	}
	tw.Flush()
	for _, r := range results {
		for _, key := range r.Orphans {
			fmt.Fprintf(w, "orphan: %s\n", key)
		}
	}
}

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <phase>",
		Short: "Delete the imported rows of a phase, its dependents and their blobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ets, err := phases.Select(args)
			if err != nil {
				return err
			}
			if len(ets) != 1 {
				return fmt.Errorf("reset works on one phase at a time")
			}
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			yes, _ := cmd.Flags().GetBool("yes")
			if !dryRun && !yes {
				return fmt.Errorf("reset deletes data: preview with --dry-run, then confirm with --yes")
			}

			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			counts, err := pipeline.Reset(cmd.Context(), a.store, a.blobs, a.cfg.ImportSource, ets[0], dryRun)
			if err != nil {
				return err
			}
			printReset(os.Stdout, counts, dryRun)
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "Only count what would be deleted")
	cmd.Flags().Bool("yes", false, "Confirm the deletion")
	return cmd
}

func printReset(w io.Writer, counts []pipeline.ResetCount, dryRun bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	deleted, unlinked := "DELETED", "UNLINKED"
	if dryRun {
		deleted, unlinked = "WOULD DELETE", "WOULD UNLINK"
	}
	fmt.Fprintf(tw, "TABLE\t%s ROWS\tBLOBS\n", deleted)
	for _, c := range counts {
		if !c.Unlinked {
			fmt.Fprintf(tw, "%s\t%d\t%d\n", c.Entity.Table, c.Rows, c.Blobs)
		}
	}
	tw.Flush()

	first := true
	for _, c := range counts {
		if !c.Unlinked {
			continue
		}
		if first {
			fmt.Fprintln(w)
			fmt.Fprintf(tw, "COLUMN\t%s ROWS\n", unlinked)
			first = false
		}
		fmt.Fprintf(tw, "%s.%s\t%d\n", c.Entity.Table, c.Column, c.Rows)
	}
	tw.Flush()
}
