package phases

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/importer/internal/config"
	"github.com/clinic/importer/internal/importer/store"
	"github.com/clinic/importer/internal/platform/legacy"
)

func testConfig() *config.Config {
	return &config.Config{
		LegacyBaseURL:    "https://fm.example.test",
		LegacyDatabase:   "Clinic",
		LegacyDialect:    "fmdata",
		LegacyAuth:       "session",
		LegacyPageSize:   50,
		LegacyDateLayout: "01/02/2006",
		LegacyTimezone:   "Australia/Sydney",
		LegacyLayouts:    []string{"funding-sources=Funds"},
		ImportSource:     "filemaker",
		ProgressEvery:    25,
		SenderName:       "Northside Podiatry",
		SenderEmail:      "hello@northside.example",
	}
}

func TestSelect(t *testing.T) {
	all, err := Select([]string{"all"})
	require.NoError(t, err)
	assert.Equal(t, Order, all)

	got, err := Select([]string{"patients", "clinics", "Patients"})
	require.NoError(t, err)
	assert.Equal(t, []*store.EntityType{store.Clinics, store.Patients}, got, "run order wins over argument order")

	_, err = Select([]string{"image-batches"})
	assert.True(t, errors.Is(err, ErrUnknownPhase))

	_, err = Select(nil)
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{
		"settings", "clinics", "clinicians", "funding-sources", "patients",
		"appointments", "notes", "images", "documents",
	}, Names())
}

func TestFileSource(t *testing.T) {
	cases := map[string]string{
		"export.xlsx": "*legacy.Spreadsheet",
		"export.CSV":  "*legacy.CSV",
		"dump.json":   "*legacy.JSONDump",
	}
	for path, want := range cases {
		src, err := File{Path: path}.Source()
		require.NoError(t, err, path)
		assert.Equal(t, want, typeName(src), path)
	}
	_, err := File{Path: "export.numbers"}.Source()
	assert.Error(t, err)
}

func typeName(src legacy.Source) string {
	switch src.(type) {
	case *legacy.Spreadsheet:
		return "*legacy.Spreadsheet"
	case *legacy.CSV:
		return "*legacy.CSV"
	case *legacy.JSONDump:
		return "*legacy.JSONDump"
	}
	return "?"
}

func TestBuilder(t *testing.T) {
	cfg := testConfig()
	n, err := NewNormalizer(cfg)
	require.NoError(t, err)
	assert.Equal(t, "Australia/Sydney", n.Location.String())
	assert.Equal(t, "01/02/2006", n.DateLayouts[0])

	client, err := NewClient(cfg)
	require.NoError(t, err)

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "patients.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("id_Patient,NameFirst\nP-1,Ada\n"), 0o600))

	b := &Builder{
		Config:     cfg,
		Normalizer: n,
		Client:     client,
		Files:      map[*store.EntityType]File{store.Patients: {Path: csvPath}},
	}
	ps, err := b.Build(Order)
	require.NoError(t, err)
	require.Len(t, ps, len(Order))

	settings := ps[0]
	batch, err := settings.Source.Extract(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	rec, err := settings.Map(batch.Records[0])
	require.NoError(t, err)
	assert.Equal(t, "Northside Podiatry", rec.Fields["sender_name"])

	assert.Equal(t, csvPath, ps[4].Source.Describe())
	assert.Contains(t, ps[3].Source.Describe(), "Funds")
	assert.Equal(t, 25, ps[3].ProgressEvery)
	assert.Nil(t, ps[4].Hook)
}

func TestBuilder_NeedsClient(t *testing.T) {
	b := &Builder{Files: map[*store.EntityType]File{store.Patients: {Path: "p.csv"}}}
	assert.False(t, b.NeedsClient([]*store.EntityType{store.Settings, store.Patients}))
	assert.True(t, b.NeedsClient([]*store.EntityType{store.Clinics}))

	cfg := testConfig()
	n, err := NewNormalizer(cfg)
	require.NoError(t, err)
	b.Config = cfg
	b.Normalizer = n
	_, err = b.Phase(store.Clinics)
	assert.ErrorContains(t, err, "needs the legacy API")
}

func TestNewNormalizer_BadTimezone(t *testing.T) {
	cfg := testConfig()
	cfg.LegacyTimezone = "Mars/Olympus"
	_, err := NewNormalizer(cfg)
	assert.Error(t, err)
}
