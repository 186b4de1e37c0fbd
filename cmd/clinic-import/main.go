package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/importer/internal/config"
	"github.com/clinic/importer/internal/importer/store"
	"github.com/clinic/importer/internal/importer/validate"
	"github.com/clinic/importer/internal/platform/blobstore"
	"github.com/clinic/importer/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "clinic-import",
		Short:         "Import the legacy FileMaker clinic system into the clinic database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log every record and list unchanged records")
	rootCmd.PersistentFlags().String("schema", "", "Database schema to use (default DB_SCHEMA)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(relinkCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(dbCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// newLogger writes JSON logs, or console logs in development, to stderr so
// reports on stdout stay clean.
func newLogger(cfg *config.Config, verbose bool) zerolog.Logger {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.ConsoleLogs() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return logger.Level(level)
}

// app holds what every command that touches the database needs.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	pool  *pgxpool.Pool
	store store.Store
	// blobs is nil when object storage is not configured.
	blobs blobstore.Store
}

func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if schema, _ := cmd.Flags().GetString("schema"); schema != "" {
		cfg.DBSchema = schema
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	log := newLogger(cfg, verbose)
	ctx := log.WithContext(cmd.Context())
	cmd.SetContext(ctx)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("schema", cfg.DBSchema).Msg("connected to database")

	a := &app{cfg: cfg, log: log, pool: pool, store: store.NewPostgres(pool)}
	if cfg.S3Enabled() {
		s3, err := blobstore.NewS3BlobStore(ctx, blobstore.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.blobs = s3
	}
	return a, nil
}

func (a *app) Close() {
	a.pool.Close()
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			dir := migrationsDir(cmd, a.cfg)

			fmt.Printf("Running migrations on schema: %s\n", a.cfg.DBSchema)
			if err := db.CreateSchema(cmd.Context(), a.pool, a.cfg.DBSchema, ""); err != nil {
				return err
			}
			migrator := db.NewMigrator(a.pool, dir)
			count, err := migrator.Up(cmd.Context(), a.cfg.DBSchema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return reportSchemaDrift(migrator)
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			migrator := db.NewMigrator(a.pool, migrationsDir(cmd, a.cfg))
			statuses, err := migrator.Status(cmd.Context(), a.cfg.DBSchema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", a.cfg.DBSchema)
			printMigrations(os.Stdout, statuses)
			return reportSchemaDrift(migrator)
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrations(w io.Writer, statuses []db.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT\tAPPLIED BY")
	for _, s := range statuses {
		appliedAt := ""
		if s.AppliedAt != nil {
			appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.Version, s.Name, s.State, appliedAt, s.AppliedBy)
	}
	tw.Flush()
}

// reportSchemaDrift fails when the migrations' ON DELETE clauses disagree
// with the entity references reset relies on.
func reportSchemaDrift(migrator *db.Migrator) error {
	fks, err := migrator.ForeignKeys()
	if err != nil {
		return err
	}
	problems := store.CheckForeignKeys(fks)
	for _, p := range problems {
		fmt.Fprintln(os.Stderr, "schema drift:", p)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%d foreign key(s) disagree with the importer's entity references", len(problems))
	}
	return nil
}

func migrationsDir(cmd *cobra.Command, cfg *config.Config) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return cfg.MigrationsDir
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check imported data for missing relationships",
		Long: "Runs every relationship check against the database. Hard failures\n" +
			"(records that would be broken without their parent) make the command exit non-zero;\n" +
			"warnings are reported only.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := validate.Validate(cmd.Context(), a.store, validate.All())
			if err != nil {
				return err
			}
			report.Print(os.Stdout)
			if report.Failed() {
				return fmt.Errorf("validation failed with %d hard failure(s)", report.Count(validate.Hard))
			}
			return nil
		},
	}
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show connection pool health and imported row counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			db.CheckHealth(cmd.Context(), a.pool).Print(os.Stdout)
			fmt.Println()

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TABLE\tROWS")
			for _, et := range store.All {
				n, err := a.store.Count(cmd.Context(), et)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%d\n", et.Table, n)
			}
			return tw.Flush()
		},
	})
	return cmd
}
