package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/importer/internal/importer/normalize"
	"github.com/clinic/importer/internal/importer/pipeline"
	"github.com/clinic/importer/internal/importer/store"
	"github.com/clinic/importer/internal/importer/validate"
	"github.com/clinic/importer/internal/platform/legacy"
)

func importPhases() []pipeline.Phase {
	n := normalize.New(normalize.DefaultTables(), "01/02/2006", time.UTC)
	static := func(name string, recs ...legacy.Record) legacy.Source {
		return &legacy.Static{Name: name, Records: recs}
	}
	return []pipeline.Phase{
		{Entity: store.Clinics, Map: n.Clinic, Source: static("clinics",
			legacy.Record{"id_Clinic": "C-1", "ClinicName": "Northside Podiatry", "Phone": "02 9999 0000"},
		)},
		{Entity: store.Patients, Map: n.Patient, Source: static("patients",
			legacy.Record{"id_Patient": "P-1", "NameFirst": "Ada", "NameLast": "Lovelace", "DOB": "12/10/1985", "ClinicName": "northside podiatry", "PhoneMobile": "0400 000 000"},
			legacy.Record{"id_Patient": "P-2", "NameFirst": "Grace", "NameLast": "Hopper", "Gender": "Female"},
		)},
		{Entity: store.Appointments, Map: n.Appointment, Source: static("appointments",
			legacy.Record{"id_Appointment": "A-1", "id_Patient": "P-1", "id_Clinic": "C-1", "Date": "06/01/2021", "StartTime": "9:30 AM", "Duration": "30", "Status": "Completed"},
			legacy.Record{"id_Appointment": "A-2", "id_Patient": "P-2", "Date": "06/02/2021", "StartTime": "10:00"},
		)},
	}
}

func TestImport_PostgresEndToEnd(t *testing.T) {
	ctx := context.Background()
	st, _ := newSchema(t, ctx)
	runner := &pipeline.Runner{Store: st, Log: zerolog.Nop()}

	t.Run("DryRunWritesNothing", func(t *testing.T) {
		runs, err := runner.RunAll(ctx, importPhases(), pipeline.Options{DryRun: true})
		if err != nil {
			t.Fatalf("dry run: %v", err)
		}
		if runs[1].Summary.Unresolved != 0 {
			t.Errorf("patients unresolved = %d, want 0 (clinic comes from the preview)", runs[1].Summary.Unresolved)
		}
		for _, et := range []*store.EntityType{store.Clinics, store.Patients, store.Appointments} {
			n, err := st.Count(ctx, et)
			if err != nil {
				t.Fatal(err)
			}
			if n != 0 {
				t.Errorf("%s has %d rows after dry run", et.Table, n)
			}
		}
	})

	t.Run("LiveRun", func(t *testing.T) {
		runs, err := runner.RunAll(ctx, importPhases(), pipeline.Options{})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		for _, run := range runs {
			if run.Summary.Created != len(run.Items) {
				t.Errorf("%s created %d of %d", run.Phase, run.Summary.Created, len(run.Items))
			}
		}
		appts := runs[2]
		if appts.Report == nil || appts.Report.Verdict() != validate.Pass {
			t.Fatalf("appointments validation = %+v, want PASS", appts.Report)
		}

		clinic, err := st.FindByExternalID(ctx, store.Clinics, "C-1")
		if err != nil {
			t.Fatal(err)
		}
		p1, err := st.FindByExternalID(ctx, store.Patients, "P-1")
		if err != nil {
			t.Fatal(err)
		}
		if p1.Fields["clinic_id"] != clinic.ID {
			t.Errorf("P-1 clinic_id = %v, want %v", p1.Fields["clinic_id"], clinic.ID)
		}
		a2, err := st.FindByExternalID(ctx, store.Appointments, "A-2")
		if err != nil {
			t.Fatal(err)
		}
		if a2.Fields["clinic_id"] != nil {
			t.Errorf("A-2 clinic_id = %v, want NULL", a2.Fields["clinic_id"])
		}
	})

	t.Run("RerunIsAlreadyCorrect", func(t *testing.T) {
		runs, err := runner.RunAll(ctx, importPhases(), pipeline.Options{})
		if err != nil {
			t.Fatalf("rerun: %v", err)
		}
		for _, run := range runs {
			if run.Summary.Unchanged != len(run.Items) {
				t.Errorf("%s: unchanged %d of %d; items %+v", run.Phase, run.Summary.Unchanged, len(run.Items), run.Items)
			}
		}
	})

	t.Run("ResetCascades", func(t *testing.T) {
		counts, err := pipeline.Reset(ctx, st, nil, "filemaker", store.Patients, false)
		if err != nil {
			t.Fatalf("reset: %v", err)
		}
		if counts[0].Rows != 2 {
			t.Errorf("patients counted = %d, want 2", counts[0].Rows)
		}
		n, _ := st.Count(ctx, store.Appointments)
		if n != 0 {
			t.Errorf("appointments left = %d, want 0", n)
		}
		n, _ = st.Count(ctx, store.Clinics)
		if n != 1 {
			t.Errorf("clinics left = %d, want 1", n)
		}
	})
}

func TestPostgresStore_IndexAndUpdate(t *testing.T) {
	ctx := context.Background()
	st, _ := newSchema(t, ctx)

	c := &store.Entity{ExternalID: "C-9", Fields: map[string]any{"name": "Eastside", "active": true}}
	if err := st.Create(ctx, store.Clinics, c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ID == uuid.Nil {
		t.Fatal("expected id to be assigned")
	}

	idx, err := st.Index(ctx, store.Clinics, "name")
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != 1 || idx[0].Key != "Eastside" || idx[0].ID != c.ID {
		t.Fatalf("index = %+v", idx)
	}

	if err := st.Update(ctx, store.Clinics, c, map[string]any{"name": "Eastside Clinic", "active": nil}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := st.FindByExternalID(ctx, store.Clinics, "C-9")
	if err != nil {
		t.Fatal(err)
	}
	if got.Fields["name"] != "Eastside Clinic" || got.Fields["active"] != nil {
		t.Errorf("fields = %+v", got.Fields)
	}
	missing, err := st.CountMissing(ctx, store.Clinics, "active")
	if err != nil {
		t.Fatal(err)
	}
	if missing != 1 {
		t.Errorf("CountMissing(active) = %d, want 1", missing)
	}

	if _, err := st.FindByExternalID(ctx, store.Clinics, "C-404"); err == nil {
		t.Error("expected not found")
	}
}
