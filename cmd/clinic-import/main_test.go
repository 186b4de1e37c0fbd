package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/importer/internal/config"
	"github.com/clinic/importer/internal/importer/attach"
	"github.com/clinic/importer/internal/importer/pipeline"
	"github.com/clinic/importer/internal/importer/store"
	"github.com/clinic/importer/internal/platform/db"
)

// ---------------------------------------------------------------------------
// Command tree
// ---------------------------------------------------------------------------

func TestRunCmd_Flags(t *testing.T) {
	cmd := runCmd()
	for _, name := range []string{"dry-run", "limit", "force", "skip-validation", "file", "sheet", "key-column"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("run is missing --%s", name)
		}
	}
}

func TestRunCmd_RejectsUnknownPhaseBeforeConnecting(t *testing.T) {
	cmd := runCmd()
	cmd.SetArgs([]string{"invoices"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown phase") {
		t.Fatalf("Execute() error = %v, want unknown phase", err)
	}
}

func TestRunCmd_FileNeedsSinglePhase(t *testing.T) {
	cmd := runCmd()
	cmd.SetArgs([]string{"clinics", "patients", "--file", "export.xlsx"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "exactly one phase") {
		t.Fatalf("Execute() error = %v, want exactly one phase", err)
	}
}

func TestResetCmd_RequiresConfirmation(t *testing.T) {
	cmd := resetCmd()
	cmd.SetArgs([]string{"patients"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("Execute() error = %v, want confirmation error", err)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestAttachmentTypes(t *testing.T) {
	tests := []struct {
		arg  string
		want int
		err  bool
	}{
		{"", 2, false},
		{"all", 2, false},
		{"images", 1, false},
		{"documents", 1, false},
		{"patients", 0, true},
	}
	for _, tt := range tests {
		got, err := attachmentTypes(tt.arg)
		if (err != nil) != tt.err {
			t.Errorf("attachmentTypes(%q) error = %v, want error %v", tt.arg, err, tt.err)
		}
		if len(got) != tt.want {
			t.Errorf("attachmentTypes(%q) = %d types, want %d", tt.arg, len(got), tt.want)
		}
	}
}

func TestNeedsBlobs(t *testing.T) {
	if needsBlobs([]*store.EntityType{store.Patients, store.Notes}) {
		t.Error("patients and notes do not need object storage")
	}
	if !needsBlobs([]*store.EntityType{store.Patients, store.Documents}) {
		t.Error("documents need object storage")
	}
}

func TestPrintRelink(t *testing.T) {
	var buf bytes.Buffer
	printRelink(&buf, []*attach.RelinkResult{
		{Entity: store.Images, Blobs: 3, Linked: 1, Unchanged: 1, Orphans: []string{"filemaker_images/other/I-9.jpg"}},
	}, true)
	out := buf.String()
	if !strings.Contains(out, "WOULD LINK") {
		t.Errorf("dry-run header missing:\n%s", out)
	}
	if !strings.Contains(out, "orphan: filemaker_images/other/I-9.jpg") {
		t.Errorf("orphan not listed:\n%s", out)
	}
}

func TestPrintReset_SeparatesUnlinkedRows(t *testing.T) {
	var buf bytes.Buffer
	printReset(&buf, []pipeline.ResetCount{
		{Entity: store.Clinics, Rows: 1},
		{Entity: store.Patients, Rows: 4, Unlinked: true, Column: "clinic_id"},
	}, true)
	out := buf.String()
	if !strings.Contains(out, "WOULD DELETE") || !strings.Contains(out, "WOULD UNLINK") {
		t.Errorf("headers missing:\n%s", out)
	}
	if !strings.Contains(out, "patients.clinic_id") {
		t.Errorf("unlinked column not listed:\n%s", out)
	}
	deleted := out[:strings.Index(out, "WOULD UNLINK")]
	if strings.Contains(deleted, "patients") {
		t.Errorf("patients listed as deleted:\n%s", out)
	}
}

func TestPrintMigrations(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrations(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_reference_data.sql", State: db.StateApplied, AppliedAt: &at, AppliedBy: "clinic-import"},
		{Version: 2, Name: "002_patients.sql", State: db.StateMissing, AppliedAt: &at},
		{Version: 3, Name: "003_attachments.sql", State: db.StatePending},
	})
	out := buf.String()
	for _, want := range []string{"2024-03-01 09:00:00", "clinic-import", "missing", "pending"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestReportSchemaDrift_ShippedMigrations(t *testing.T) {
	if err := reportSchemaDrift(db.NewMigrator(nil, "../../migrations")); err != nil {
		t.Errorf("shipped migrations should match entity references: %v", err)
	}
}

func TestNewLogger_Level(t *testing.T) {
	cfg := &config.Config{Env: "production"}
	if got := newLogger(cfg, false).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("level = %v, want info", got)
	}
	if got := newLogger(cfg, true).GetLevel(); got != zerolog.DebugLevel {
		t.Errorf("verbose level = %v, want debug", got)
	}
}

func TestMigrationsDir(t *testing.T) {
	cfg := &config.Config{MigrationsDir: "./migrations"}
	cmd := &cobra.Command{}
	cmd.Flags().String("dir", "", "")
	if got := migrationsDir(cmd, cfg); got != "./migrations" {
		t.Errorf("migrationsDir() = %q, want config default", got)
	}
	_ = cmd.Flags().Set("dir", "/srv/migrations")
	if got := migrationsDir(cmd, cfg); got != "/srv/migrations" {
		t.Errorf("migrationsDir() = %q, want flag value", got)
	}
}
