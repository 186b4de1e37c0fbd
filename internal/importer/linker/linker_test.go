package linker

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/importer/internal/importer/normalize"
	"github.com/clinic/importer/internal/importer/store"
)

func seed(t *testing.T, st store.Store, et *store.EntityType, ext string, fields map[string]any) *store.Entity {
	t.Helper()
	e := &store.Entity{ExternalID: ext, Fields: fields}
	require.NoError(t, st.Create(context.Background(), et, e))
	return e
}

func TestUpsert_CreateThenUnchangedThenUpdate(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	u := NewUpserter(m, NewResolver(m))

	rec := &normalize.Record{ExternalID: "P-1", Fields: map[string]any{
		"first_name":    "Ada",
		"date_of_birth": time.Date(1815, 12, 10, 0, 0, 0, 0, time.UTC),
		"phones":        []normalize.LabeledValue{{Value: "0400", Label: "mobile"}},
	}}

	res, err := u.Upsert(ctx, store.Patients, rec)
	require.NoError(t, err)
	assert.Equal(t, Create, res.Action)
	assert.Equal(t, []string{"date_of_birth", "first_name", "phones"}, res.Changes)
	assert.NotEqual(t, uuid.Nil, res.Entity.ID)

	writes := m.Writes()
	res, err = u.Upsert(ctx, store.Patients, rec)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res.Action)
	assert.Equal(t, writes, m.Writes(), "already correct records are not written")

	rec.Fields["first_name"] = "Augusta"
	res, err = u.Upsert(ctx, store.Patients, rec)
	require.NoError(t, err)
	assert.Equal(t, Update, res.Action)
	assert.Equal(t, []string{"first_name"}, res.Changes)

	n, _ := m.Count(ctx, store.Patients)
	assert.Equal(t, 1, n, "same external id never duplicates")
}

func TestUpsert_PartialUpdateLeavesAbsentFields(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seed(t, m, store.Patients, "P-1", map[string]any{"first_name": "Ada", "medicare_number": "123"})
	u := NewUpserter(m, NewResolver(m))

	_, err := u.Upsert(ctx, store.Patients, &normalize.Record{ExternalID: "P-1", Fields: map[string]any{"first_name": "Augusta"}})
	require.NoError(t, err)

	got, err := m.FindByExternalID(ctx, store.Patients, "P-1")
	require.NoError(t, err)
	assert.Equal(t, "123", got.Fields["medicare_number"])
	assert.Equal(t, "Augusta", got.Fields["first_name"])
}

func TestUpsert_ResolvesReferences(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	north := seed(t, m, store.Clinics, "C-1", map[string]any{"name": "North Clinic"})
	south := seed(t, m, store.Clinics, "C-2", map[string]any{"name": "South Clinic"})
	seed(t, m, store.Clinicians, "S-1", map[string]any{"name": "Jo Smith"})
	seed(t, m, store.Clinicians, "S-2", map[string]any{"name": "jo smith"})
	u := NewUpserter(m, NewResolver(m))

	rec := &normalize.Record{
		ExternalID: "P-1",
		Fields:     map[string]any{"first_name": "Ada"},
		Refs: []normalize.Ref{
			{Column: "clinic_id", Target: store.Clinics, ExternalID: "C-9", Name: "  south CLINIC "},
			{Column: "clinician_id", Target: store.Clinicians, Name: "Jo Smith"},
			{Column: "funding_source_id", Target: store.FundingSources},
		},
	}
	res, err := u.Upsert(ctx, store.Patients, rec)
	require.NoError(t, err)

	assert.Equal(t, south.ID, res.Entity.Fields["clinic_id"], "falls back to a case-insensitive name match")
	assert.Nil(t, res.Entity.Fields["clinician_id"])
	assert.Nil(t, res.Entity.Fields["funding_source_id"])
	require.Len(t, res.Misses, 1, "empty references are not misses")
	assert.Equal(t, "clinician_id", res.Misses[0].Column)
	assert.Contains(t, res.Misses[0].Reason, "ambiguous")

	rec.Refs[0] = normalize.Ref{Column: "clinic_id", Target: store.Clinics, ExternalID: "C-1", Name: "South Clinic"}
	res, err = u.Upsert(ctx, store.Patients, rec)
	require.NoError(t, err)
	assert.Equal(t, north.ID, res.Entity.Fields["clinic_id"], "external id wins over name")
}

func TestResolve_MissHint(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seed(t, m, store.Clinics, "C-1", map[string]any{"name": "Northside Podiatry"})
	r := NewResolver(m)
	require.NoError(t, r.Preload(ctx, store.Clinics))

	id, miss, err := r.Resolve(ctx, normalize.Ref{Column: "clinic_id", Target: store.Clinics, Name: "Northside"})
	require.NoError(t, err)
	assert.Nil(t, id)
	require.NotNil(t, miss)
	assert.Equal(t, "Northside Podiatry", miss.Hint)
	assert.Contains(t, miss.String(), `closest: "Northside Podiatry"`)

	_, miss, err = r.Resolve(ctx, normalize.Ref{Column: "clinic_id", Target: store.Clinics, Name: "Northsid Podiatri"})
	require.NoError(t, err)
	require.NotNil(t, miss)
	assert.Equal(t, "Northside Podiatry", miss.Hint, "edit distance fallback")

	_, miss, err = r.Resolve(ctx, normalize.Ref{Column: "clinic_id", Target: store.Clinics, ExternalID: "C-404"})
	require.NoError(t, err)
	require.NotNil(t, miss)
	assert.Empty(t, miss.Hint)
}

func TestResolve_SeesEntitiesCreatedInPhase(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	u := NewUpserter(m, NewResolver(m))

	_, err := u.Upsert(ctx, store.Clinics, &normalize.Record{ExternalID: "C-1", Fields: map[string]any{"name": "East"}})
	require.NoError(t, err)

	id, miss, err := u.Resolver().Resolve(ctx, normalize.Ref{Column: "clinic_id", Target: store.Clinics, Name: "east"})
	require.NoError(t, err)
	assert.Nil(t, miss)
	assert.NotNil(t, id)
}

func TestResolve_RenamedEntityDropsOldName(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seed(t, m, store.Clinics, "C-1", map[string]any{"name": "East"})
	u := NewUpserter(m, NewResolver(m))
	require.NoError(t, u.Resolver().Preload(ctx, store.Clinics))

	res, err := u.Upsert(ctx, store.Clinics, &normalize.Record{ExternalID: "C-1", Fields: map[string]any{"name": "Eastside"}})
	require.NoError(t, err)
	assert.Equal(t, Update, res.Action)

	id, miss, err := u.Resolver().Resolve(ctx, normalize.Ref{Column: "clinic_id", Target: store.Clinics, Name: "eastside"})
	require.NoError(t, err)
	assert.Nil(t, miss)
	assert.Equal(t, res.Entity.ID, *id)

	id, miss, err = u.Resolver().Resolve(ctx, normalize.Ref{Column: "clinic_id", Target: store.Clinics, Name: "East"})
	require.NoError(t, err)
	assert.Nil(t, id)
	require.NotNil(t, miss, "old name no longer resolves")
}

func TestPatch(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seed(t, m, store.Images, "I-1", map[string]any{"blob_key": nil})
	u := NewUpserter(m, NewResolver(m))

	res, err := u.Patch(ctx, store.Images, "I-1", map[string]any{"blob_key": "filemaker_images/other/I-1.jpg"})
	require.NoError(t, err)
	assert.Equal(t, Update, res.Action)

	res, err = u.Patch(ctx, store.Images, "I-1", map[string]any{"blob_key": "filemaker_images/other/I-1.jpg"})
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res.Action)

	_, err = u.Patch(ctx, store.Images, "I-2", map[string]any{"blob_key": "x"})
	assert.True(t, errors.Is(err, store.ErrNotFound))
	n, _ := m.Count(ctx, store.Images)
	assert.Equal(t, 1, n, "patch never creates")
}

func TestDiff(t *testing.T) {
	stored := map[string]any{"first_name": "Ada", "date_of_birth": time.Date(1815, 12, 10, 0, 0, 0, 0, time.UTC)}
	incoming := map[string]any{
		"first_name":    "Ada",
		"date_of_birth": time.Date(1815, 12, 10, 0, 0, 0, 0, time.FixedZone("X", 3600)),
		"last_name":     nil,
		"shoe_size":     44,
	}
	changes := Diff(store.Patients, stored, incoming)
	assert.Equal(t, map[string]any{"shoe_size": 44}, changes)
}

func TestIDOf(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	p := seed(t, m, store.Patients, "P-1", map[string]any{})

	id, err := IDOf(ctx, m, store.Patients, "P-1")
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, p.ID, *id)

	id, err = IDOf(ctx, m, store.Patients, "P-2")
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "create", Create.String())
	assert.Equal(t, "update", Update.String())
	assert.Equal(t, "unchanged", Unchanged.String())
}
