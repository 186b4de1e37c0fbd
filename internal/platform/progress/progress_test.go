package progress

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTracker_LogsEveryN(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTracker(zerolog.New(&buf), "patients", 7, 3)

	for _, o := range []Outcome{Created, Created, Updated, Unchanged, Skipped, Errored, Created} {
		tr.Add(o)
	}
	markers := strings.Count(buf.String(), `"message":"progress"`)
	if markers != 2 {
		t.Errorf("expected 2 progress markers for 7 records every 3, got %d\n%s", markers, buf.String())
	}
	if !strings.Contains(buf.String(), `"phase":"patients"`) {
		t.Error("expected phase field on progress lines")
	}

	c := tr.Counts()
	if c.Created != 3 || c.Updated != 1 || c.Unchanged != 1 || c.Skipped != 1 || c.Errored != 1 {
		t.Errorf("unexpected counts %+v", c)
	}
	if c.Processed() != 7 {
		t.Errorf("expected 7 processed, got %d", c.Processed())
	}
}

func TestTracker_Finish(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTracker(zerolog.New(&buf), "appointments", 2, 0)
	tr.Add(Created)
	tr.Add(Created)
	tr.Unresolved(1)
	tr.Gaps(2)

	s := tr.Finish(true)
	if s.Phase != "appointments" || !s.DryRun || s.Created != 2 || s.Unresolved != 1 || s.Gaps != 2 {
		t.Errorf("unexpected summary %+v", s)
	}
	if !strings.Contains(buf.String(), `"message":"phase finished"`) {
		t.Errorf("expected finish line, got %s", buf.String())
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, []Summary{
		{Phase: "patients", Counts: Counts{Created: 1}, Verdict: "PASS", Duration: time.Second},
		{Phase: "appointments", DryRun: true, Counts: Counts{Updated: 2, Unresolved: 1}},
		{Phase: "notes", Failed: true},
	})
	out := buf.String()
	for _, want := range []string{"ALREADY CORRECT", "patients", "PASS", "appointments (dry run)", "ABORTED", "TOTAL"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestWriteTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clinic_import.prom")
	err := WriteTextfile(path, []Summary{
		{Phase: "patients", Counts: Counts{Created: 4, Errored: 1}, Verdict: "FAIL"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(data)
	for _, want := range []string{
		`clinic_import_records{dry_run="false",outcome="created",phase="patients"} 4`,
		`clinic_import_records{dry_run="false",outcome="errored",phase="patients"} 1`,
		`clinic_import_failed{dry_run="false",phase="patients"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q:\n%s", want, out)
		}
	}
}

func TestOutcomeString(t *testing.T) {
	if Unchanged.String() != "unchanged" {
		t.Errorf("got %q", Unchanged.String())
	}
	if Outcome(42).String() != "outcome(42)" {
		t.Errorf("got %q", Outcome(42).String())
	}
}
