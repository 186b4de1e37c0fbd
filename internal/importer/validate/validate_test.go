package validate

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/importer/internal/importer/store"
)

func finding(t *testing.T, r *Report, label string) Finding {
	t.Helper()
	for _, f := range r.Findings {
		if f.Label == label {
			return f
		}
	}
	t.Fatalf("no finding %q", label)
	return Finding{}
}

func TestValidate_WarningsDoNotFail(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	patient := uuid.New()
	clinic := uuid.New()
	require.NoError(t, m.Create(ctx, store.Appointments, &store.Entity{ExternalID: "A-1", Fields: map[string]any{"patient_id": patient, "clinic_id": clinic}}))
	require.NoError(t, m.Create(ctx, store.Appointments, &store.Entity{ExternalID: "A-2", Fields: map[string]any{"patient_id": patient, "clinic_id": nil}}))

	report, err := Validate(ctx, m, ChecksFor(store.Appointments))
	require.NoError(t, err)

	assert.Equal(t, Pass, report.Verdict())
	assert.Equal(t, 1, finding(t, report, "appointment without clinic").Count)
	assert.Equal(t, 2, finding(t, report, "appointment without clinic").Total)
	assert.Equal(t, 0, finding(t, report, "appointment without patient").Count)
	assert.Equal(t, 0, report.Count(Hard))
}

func TestValidate_HardFailure(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.Create(ctx, store.Notes, &store.Entity{ExternalID: "N-1", Fields: map[string]any{"patient_id": nil}}))

	report, err := Validate(ctx, m, All())
	require.NoError(t, err)
	assert.Equal(t, Fail, report.Verdict())
	assert.True(t, report.Failed())
	assert.Equal(t, 1, report.Count(Hard))

	var buf bytes.Buffer
	report.Print(&buf)
	assert.Contains(t, buf.String(), "note without patient")
	assert.Contains(t, buf.String(), "validation: FAIL (1 hard failures, 1 warnings)")
}

func TestChecksFor(t *testing.T) {
	labels := func(cs []Check) []string {
		var out []string
		for _, c := range cs {
			out = append(out, c.Label)
		}
		return out
	}
	assert.Equal(t, []string{
		"image batch without patient",
		"image without patient",
		"image without batch",
		"image without stored file",
	}, labels(ChecksFor(store.Images)))
	assert.Empty(t, ChecksFor(store.Settings))
	assert.Len(t, All(), 12)
}
