package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrMigrationModified means a file was edited after it was applied.
	// Applied migrations are immutable; add a new numbered file instead.
	ErrMigrationModified = errors.New("applied migration has changed on disk")
	ErrDuplicateVersion  = errors.New("duplicate migration version")
)

var migrationFile = regexp.MustCompile(`^(\d+)_([A-Za-z0-9_]+)\.sql$`)

// Migration is one numbered SQL file, e.g. "002_patients.sql".
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationState is where a migration stands in one schema.
type MigrationState string

const (
	StatePending  MigrationState = "pending"
	StateApplied  MigrationState = "applied"
	StateModified MigrationState = "modified"
	// StateMissing is an applied migration whose file no longer exists.
	StateMissing MigrationState = "missing"
)

// MigrationStatus is one row of `migrate status`.
type MigrationStatus struct {
	Version   int
	Name      string
	State     MigrationState
	AppliedAt *time.Time
	AppliedBy string
}

// appliedRow is what _migrations records for a version.
type appliedRow struct {
	name      string
	checksum  string
	appliedAt time.Time
	appliedBy string
}

// Migrator applies the numbered SQL files of the target schema and records
// each one, with its checksum, in the schema's _migrations table.
type Migrator struct {
	pool *pgxpool.Pool
	fsys fs.FS
	// AppliedBy is stored with every migration this migrator applies.
	AppliedBy string
}

// NewMigrator reads migrations from the directory migrationsDir.
func NewMigrator(pool *pgxpool.Pool, migrationsDir string) *Migrator {
	return NewMigratorFS(pool, os.DirFS(migrationsDir))
}

// NewMigratorFS reads migrations from fsys, e.g. an embedded copy.
func NewMigratorFS(pool *pgxpool.Pool, fsys fs.FS) *Migrator {
	return &Migrator{pool: pool, fsys: fsys, AppliedBy: "clinic-import"}
}

// Load returns the migration files in version order. Files not named
// "<number>_<name>.sql" are ignored; two files with one version are an error.
func (m *Migrator) Load() ([]Migration, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	seen := make(map[int]string)
	var out []Migration
	for _, entry := range entries {
		match := migrationFile.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("%w %d: %s and %s", ErrDuplicateVersion, version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(m.fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(content)
		out = append(out, Migration{
			Version:  version,
			Name:     entry.Name(),
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// EnsureTable creates schema and its _migrations table when missing.
func (m *Migrator) EnsureTable(ctx context.Context, schema string) error {
	if err := ValidateSchema(schema); err != nil {
		return err
	}
	q := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s._migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL DEFAULT '',
    applied_by TEXT NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, pgx.Identifier{schema}.Sanitize())
	if _, err := m.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("create _migrations in %s: %w", schema, err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context, schema string) (map[int]appliedRow, error) {
	q := fmt.Sprintf(`SELECT version, name, checksum, applied_by, applied_at FROM %s._migrations`, pgx.Identifier{schema}.Sanitize())
	rows, err := m.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query _migrations in %s: %w", schema, err)
	}
	defer rows.Close()

	out := make(map[int]appliedRow)
	for rows.Next() {
		var v int
		var r appliedRow
		if err := rows.Scan(&v, &r.name, &r.checksum, &r.appliedBy, &r.appliedAt); err != nil {
			return nil, fmt.Errorf("scan _migrations: %w", err)
		}
		out[v] = r
	}
	return out, rows.Err()
}

// pending returns the files not yet applied. An applied file whose checksum
// changed stops the plan.
func pending(files []Migration, applied map[int]appliedRow) ([]Migration, error) {
	var out []Migration
	for _, f := range files {
		row, ok := applied[f.Version]
		if !ok {
			out = append(out, f)
			continue
		}
		if row.checksum != "" && row.checksum != f.Checksum {
			return nil, fmt.Errorf("%w: %s", ErrMigrationModified, f.Name)
		}
	}
	return out, nil
}

// Up applies every pending migration to schema, each in its own
// transaction, and returns how many it applied.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	if err := m.EnsureTable(ctx, schema); err != nil {
		return 0, err
	}
	files, err := m.Load()
	if err != nil {
		return 0, err
	}
	applied, err := m.applied(ctx, schema)
	if err != nil {
		return 0, err
	}
	todo, err := pending(files, applied)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range todo {
		ok, err := m.apply(ctx, schema, mig)
		if err != nil {
			return count, fmt.Errorf("apply %s: %w", mig.Name, err)
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// apply runs one migration under a per-schema advisory lock. It reports
// false when a concurrent run applied the migration first.
func (m *Migrator) apply(ctx context.Context, schema string, mig Migration) (bool, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", "migrate:"+schema); err != nil {
		return false, fmt.Errorf("lock schema: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('search_path', $1, true)", schema+", public"); err != nil {
		return false, fmt.Errorf("set search_path: %w", err)
	}

	var done bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM _migrations WHERE version = $1)", mig.Version).Scan(&done); err != nil {
		return false, fmt.Errorf("check applied: %w", err)
	}
	if done {
		return false, nil
	}

	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return false, fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO _migrations (version, name, checksum, applied_by) VALUES ($1, $2, $3, $4)",
		mig.Version, mig.Name, mig.Checksum, m.AppliedBy,
	); err != nil {
		return false, fmt.Errorf("record migration: %w", err)
	}
	return true, tx.Commit(ctx)
}

// Status lists every migration known to the files or to the schema.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	if err := m.EnsureTable(ctx, schema); err != nil {
		return nil, err
	}
	files, err := m.Load()
	if err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, schema)
	if err != nil {
		return nil, err
	}
	return statuses(files, applied), nil
}

func statuses(files []Migration, applied map[int]appliedRow) []MigrationStatus {
	onDisk := make(map[int]bool, len(files))
	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		onDisk[f.Version] = true
		s := MigrationStatus{Version: f.Version, Name: f.Name, State: StatePending}
		if row, ok := applied[f.Version]; ok {
			at := row.appliedAt
			s.AppliedAt, s.AppliedBy = &at, row.appliedBy
			s.State = StateApplied
			if row.checksum != "" && row.checksum != f.Checksum {
				s.State = StateModified
			}
		}
		out = append(out, s)
	}
	for v, row := range applied {
		if onDisk[v] {
			continue
		}
		at := row.appliedAt
		out = append(out, MigrationStatus{Version: v, Name: row.name, State: StateMissing, AppliedAt: &at, AppliedBy: row.appliedBy})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// ForeignKey is a column reference declared in a migration.
type ForeignKey struct {
	Table    string
	Column   string
	RefTable string
	// OnDelete is "CASCADE", "SET NULL" or "NO ACTION".
	OnDelete string
}

var (
	createTable   = regexp.MustCompile(`(?i)^\s*CREATE TABLE (?:IF NOT EXISTS )?(\w+)`)
	referenceLine = regexp.MustCompile(`(?i)^\s*(\w+)\s+UUID\b.*\bREFERENCES\s+(\w+)\s*\(\s*id\s*\)(?:\s+ON DELETE (CASCADE|SET NULL|RESTRICT|NO ACTION))?`)
)

// ForeignKeys lists the inline column references of every migration file,
// in file order.
func (m *Migrator) ForeignKeys() ([]ForeignKey, error) {
	files, err := m.Load()
	if err != nil {
		return nil, err
	}
	var out []ForeignKey
	for _, f := range files {
		out = append(out, parseForeignKeys(f.SQL)...)
	}
	return out, nil
}

func parseForeignKeys(sql string) []ForeignKey {
	var out []ForeignKey
	table := ""
	for _, line := range strings.Split(sql, "\n") {
		if m := createTable.FindStringSubmatch(line); m != nil {
			table = m[1]
			continue
		}
		m := referenceLine.FindStringSubmatch(line)
		if m == nil || table == "" {
			continue
		}
		onDelete := strings.ToUpper(m[3])
		if onDelete == "" {
			onDelete = "NO ACTION"
		}
		out = append(out, ForeignKey{Table: table, Column: m[1], RefTable: m[2], OnDelete: onDelete})
	}
	return out
}
