package normalize

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinic/importer/internal/config"
	"github.com/clinic/importer/internal/importer/store"
	"github.com/clinic/importer/internal/platform/legacy"
)

func newNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	loc, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)
	return New(DefaultTables(), "01/02/2006", loc)
}

func TestBodyLocationLookup(t *testing.T) {
	m := DefaultTables().BodyLocation
	cases := map[string]string{
		"Left Plantar":     "plantar",
		"right planter":    "plantar",
		"unknown-type":     "other",
		"  LEFT   Hallux ": "digital",
		"Dorsal plantar":   "dorsal",
		"":                 "other",
	}
	for in, want := range cases {
		got, _ := m.Lookup(in)
		assert.Equal(t, want, got, in)
	}
}

func TestLookupIsTotalAndDeterministic(t *testing.T) {
	tables := DefaultTables()
	inputs := []string{"", " ", "Plantár", "x", "FEMALE", "Cancelled by pt", "???"}
	tables.each(func(name string, m **LookupMap) {
		for _, in := range inputs {
			first, _ := (*m).Lookup(in)
			second, _ := (*m).Lookup(in)
			assert.NotEmpty(t, first, "%s(%q)", name, in)
			assert.Equal(t, first, second)
		}
	})
}

func TestGenderOrdering(t *testing.T) {
	got, ok := DefaultTables().Gender.Lookup("Female")
	assert.True(t, ok)
	assert.Equal(t, "female", got)
}

func TestFoldKey(t *testing.T) {
	assert.Equal(t, "left plantar", FoldKey("  Left \t Plantár "))
	assert.Equal(t, "", FoldKey("   "))
}

func TestLoadTables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tables.yaml")
	content := `
body_location:
  default: unspecified
  entries:
    - pattern: plantar
      code: sole
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	tables, err := LoadTables(path)
	require.NoError(t, err)
	got, _ := tables.BodyLocation.Lookup("Left Plantar")
	assert.Equal(t, "sole", got)
	got, _ = tables.BodyLocation.Lookup("heel")
	assert.Equal(t, "unspecified", got)

	status, _ := tables.AppointmentStatus.Lookup("Cancelled")
	assert.Equal(t, "cancelled", status, "tables missing from the file keep defaults")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("gender:\n  entries: []\n"), 0o600))
	_, err = LoadTables(bad)
	assert.Error(t, err)

	tables, err = LoadTables("")
	require.NoError(t, err)
	assert.Equal(t, "other", tables.BodyLocation.Default)
}

func TestParseDate(t *testing.T) {
	layouts := []string{"01/02/2006", "1/2/2006"}
	assert.Equal(t, time.Date(1980, 3, 14, 0, 0, 0, 0, time.UTC), ParseDate("03/14/1980", layouts))
	assert.Equal(t, time.Date(1980, 3, 4, 0, 0, 0, 0, time.UTC), ParseDate("3/4/1980", layouts))
	assert.Nil(t, ParseDate("", layouts))
	assert.Nil(t, ParseDate("14/03/1980", layouts))
	assert.Nil(t, ParseDate("not a date", layouts))
}

func TestParseDateTime(t *testing.T) {
	loc := time.FixedZone("AEST", 10*3600)
	layouts := []string{"01/02/2006"}

	got := ParseDateTime("06/01/2021", "9:30 am", layouts, loc)
	assert.Equal(t, time.Date(2021, 6, 1, 9, 30, 0, 0, loc), got)

	got = ParseDateTime("06/01/2021", "14:15:00", layouts, loc)
	assert.Equal(t, time.Date(2021, 6, 1, 14, 15, 0, 0, loc), got)

	got = ParseDateTime("06/01/2021", "", layouts, loc)
	assert.Equal(t, time.Date(2021, 6, 1, 0, 0, 0, 0, loc), got)

	assert.Nil(t, ParseDateTime("", "09:00", layouts, loc))
}

func TestParseContact(t *testing.T) {
	assert.Equal(t, ContactUnset, ParseContact(nil).Kind)
	assert.Equal(t, ContactUnset, ParseContact("0").Kind)
	assert.Equal(t, ContactUnset, ParseContact(float64(0)).Kind)
	assert.Equal(t, ContactUnset, ParseContact(false).Kind)
	assert.Equal(t, []LabeledValue{}, ParseContact("  ").Labeled("home"))

	single := ParseContact(" 0400 111 222 ")
	assert.Equal(t, ContactSingle, single.Kind)
	assert.Equal(t, []LabeledValue{{Value: "0400 111 222", Label: "mobile"}}, single.Labeled("mobile"))

	labeled := ParseContact([]any{
		map[string]any{"value": "a@example.com", "label": "Work"},
		map[string]any{"value": 0},
		"b@example.com",
	})
	assert.Equal(t, ContactLabeled, labeled.Kind)
	assert.Equal(t, []LabeledValue{
		{Value: "a@example.com", Label: "work"},
		{Value: "b@example.com"},
	}, labeled.Labeled("home"))
}

func TestGroupContacts(t *testing.T) {
	rows := []any{
		map[string]any{"Contacts::Type": "Phone", "Contacts::Value": "0400", "Contacts::Label": "Mobile"},
		map[string]any{"type": "email", "value": "0"},
		map[string]any{"type": "email", "value": "x@example.com", "label": ""},
		map[string]any{"type": "", "value": "lost"},
		"garbage",
	}
	got := GroupContacts(rows, "type")
	assert.Equal(t, []LabeledValue{{Value: "0400", Label: "mobile"}}, got["phone"])
	assert.Equal(t, []LabeledValue{{Value: "x@example.com", Label: "email"}}, got["email"])
	assert.Len(t, got, 2)
}

func TestPatientMapper(t *testing.T) {
	n := newNormalizer(t)
	src := legacy.Record{
		"id_Patient":  float64(1042),
		"NameFirst":   " Ada ",
		"NameLast":    "Lovelace",
		"DOB":         "12/10/1815",
		"Gender":      "F - Female",
		"PhoneMobile": "0400 000 000",
		"Email":       "0",
		"Address1":    "1 Main St",
		"Suburb":      "Newtown",
		"id_Clinic":   "",
		"ClinicName":  "North Clinic",
		legacy.PortalKey: map[string]any{
			ContactPortal: []any{
				map[string]any{"type": "phone", "value": "02 9999 0000", "label": "home"},
			},
		},
	}
	rec, err := n.Patient(src)
	require.NoError(t, err)

	assert.Equal(t, "1042", rec.ExternalID)
	assert.Equal(t, "Ada", rec.Fields["first_name"])
	assert.Equal(t, time.Date(1815, 12, 10, 0, 0, 0, 0, time.UTC), rec.Fields["date_of_birth"])
	assert.Equal(t, "female", rec.Fields["gender"])
	assert.Equal(t, []LabeledValue{
		{Value: "0400 000 000", Label: "mobile"},
		{Value: "02 9999 0000", Label: "home"},
	}, rec.Fields["phones"])
	assert.Equal(t, []LabeledValue{}, rec.Fields["emails"])
	assert.Equal(t, []LabeledValue{{Value: "1 Main St, Newtown", Label: "home"}}, rec.Fields["addresses"])

	_, hasMedicare := rec.Fields["medicare_number"]
	assert.False(t, hasMedicare, "absent source fields stay absent")

	ref, ok := rec.Ref("clinic_id")
	require.True(t, ok)
	assert.Equal(t, Ref{Column: "clinic_id", Target: store.Clinics, Name: "North Clinic"}, ref)
	_, ok = rec.Ref("clinician_id")
	assert.False(t, ok)
	assert.Empty(t, rec.Gaps)
}

func TestMapperIsPure(t *testing.T) {
	n := newNormalizer(t)
	src := legacy.Record{"id_Appointment": "A-1", "Date": "06/01/2021", "StartTime": "09:00", "Type": "Biomech assessment"}
	first, err := n.Appointment(src)
	require.NoError(t, err)
	second, err := n.Appointment(src)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAppointmentMapper(t *testing.T) {
	n := newNormalizer(t)
	rec, err := n.Appointment(legacy.Record{
		"id_Appointment": "A-7",
		"id_Patient":     "P-1",
		"id_Clinic":      "",
		"Date":           "06/01/2021",
		"StartTime":      "2:30 PM",
		"Duration":       "30",
		"Type":           "Telehealth",
		"Status":         "Did Not Attend",
	})
	require.NoError(t, err)

	assert.Equal(t, time.Date(2021, 6, 1, 14, 30, 0, 0, n.Location), rec.Fields["starts_at"])
	assert.Equal(t, int64(30), rec.Fields["duration_minutes"])
	assert.Equal(t, "other", rec.Fields["appointment_type"])
	assert.Equal(t, "no_show", rec.Fields["status"])
	assert.Equal(t, []string{`appointment_type "Telehealth" -> other`}, rec.Gaps)

	clinic, ok := rec.Ref("clinic_id")
	require.True(t, ok)
	assert.True(t, clinic.Empty())
}

func TestImageMapper(t *testing.T) {
	n := newNormalizer(t)
	rec, err := n.Image(legacy.Record{
		"id_Image":     "I-9",
		"id_Patient":   "P-1",
		"Date":         "06/01/2021",
		"BodyLocation": "Left Plantar",
		"FileURL":      "https://fm.example.com/Streaming/MainDB/I-9.JPEG?RCType=Embedded",
	})
	require.NoError(t, err)
	assert.Equal(t, "plantar", rec.Fields["category"])
	require.NotNil(t, rec.Attachment)
	assert.Equal(t, "jpg", rec.Attachment.Ext)
	assert.Equal(t, "plantar", rec.Attachment.Category)

	batch, ok := rec.Ref("batch_id")
	require.True(t, ok)
	assert.Equal(t, "P-1:2021-06-01", batch.ExternalID)
	assert.Same(t, store.ImageBatches, batch.Target)
}

func TestImageMapper_BatchFollowsDateColumn(t *testing.T) {
	n := newNormalizer(t)

	rec, err := n.Image(legacy.Record{"id_Image": "I-9", "id_Patient": "P-1", "Caption": "left heel"})
	require.NoError(t, err)
	_, ok := rec.Ref("batch_id")
	assert.False(t, ok, "no date column leaves the stored batch alone")
	assert.NotContains(t, rec.Fields, "taken_on")

	rec, err = n.Image(legacy.Record{"id_Image": "I-9", "id_Patient": "P-1", "DateTaken": ""})
	require.NoError(t, err)
	batch, ok := rec.Ref("batch_id")
	require.True(t, ok)
	assert.Equal(t, "P-1:undated", batch.ExternalID)
}

func TestAppointmentMapper_StartNeedsDate(t *testing.T) {
	n := newNormalizer(t)
	rec, err := n.Appointment(legacy.Record{"id_Appointment": "A-7", "StartTime": "2:30 PM", "Duration": "45"})
	require.NoError(t, err)
	assert.NotContains(t, rec.Fields, "starts_at")
	assert.Equal(t, int64(45), rec.Fields["duration_minutes"])
}

func TestDocumentMapperDefaults(t *testing.T) {
	n := newNormalizer(t)
	rec, err := n.Document(legacy.Record{"id_Document": "D-1", "FileName": "scan"})
	require.NoError(t, err)
	assert.Equal(t, "scan", rec.Fields["title"])
	require.NotNil(t, rec.Attachment)
	assert.Equal(t, "pdf", rec.Attachment.Ext)
	assert.Equal(t, "other", rec.Attachment.Category)
}

func TestMissingKey(t *testing.T) {
	n := newNormalizer(t)
	_, err := n.Patient(legacy.Record{"NameFirst": "Nobody", "id_Patient": " "})
	assert.True(t, errors.Is(err, ErrMissingKey))
}

func TestSettingsFromMessaging(t *testing.T) {
	n := newNormalizer(t)
	rec, err := n.Settings(MessagingRecord(config.Messaging{SenderName: "Foot Clinic", SenderEmail: "", SMSSenderID: "FOOTCLINIC"}))
	require.NoError(t, err)
	assert.Equal(t, "default", rec.ExternalID)
	assert.Equal(t, map[string]any{
		"sender_name":   "Foot Clinic",
		"sender_email":  nil,
		"sms_sender_id": "FOOTCLINIC",
	}, rec.Fields)
}

func TestForCoversImportableTypes(t *testing.T) {
	n := newNormalizer(t)
	for _, et := range store.All {
		_, ok := n.For(et)
		assert.Equal(t, et != store.ImageBatches, ok, et.Name)
	}
}

func TestParseFlag(t *testing.T) {
	assert.Equal(t, true, ParseFlag("Active"))
	assert.Equal(t, false, ParseFlag("0"))
	assert.Nil(t, ParseFlag(""))
}
