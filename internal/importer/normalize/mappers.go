package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/clinic/importer/internal/config"
	"github.com/clinic/importer/internal/importer/store"
	"github.com/clinic/importer/internal/platform/legacy"
)

// ContactPortal is the FileMaker portal holding typed phone, email and
// address rows.
const ContactPortal = "Contacts"

// Normalizer holds the configuration shared by the per-entity mappers.
type Normalizer struct {
	Tables      Tables
	DateLayouts []string
	Location    *time.Location
}

// New returns a Normalizer. The configured date layout is tried first,
// followed by ISO dates and the unpadded form of the US layout.
func New(tables Tables, dateLayout string, loc *time.Location) *Normalizer {
	layouts := []string{}
	if dateLayout != "" {
		layouts = append(layouts, dateLayout)
	}
	layouts = append(layouts, "2006-01-02", "1/2/2006")
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{Tables: tables, DateLayouts: layouts, Location: loc}
}

// For returns the mapper for an entity type. Image batches have none: they
// are derived from images.
func (n *Normalizer) For(et *store.EntityType) (Mapper, bool) {
	switch et {
	case store.Settings:
		return n.Settings, true
	case store.Clinics:
		return n.Clinic, true
	case store.Clinicians:
		return n.Clinician, true
	case store.FundingSources:
		return n.FundingSource, true
	case store.Patients:
		return n.Patient, true
	case store.Appointments:
		return n.Appointment, true
	case store.Notes:
		return n.Note, true
	case store.Images:
		return n.Image, true
	case store.Documents:
		return n.Document, true
	}
	return nil, false
}

// builder accumulates one normalized record. Every setter is a no-op when
// none of its source fields are present, which is what makes updates
// partial.
type builder struct {
	n   *Normalizer
	src legacy.Record
	rec *Record
}

func (n *Normalizer) start(src legacy.Record, keys ...string) (*builder, error) {
	id, _ := src.First(keys...)
	if id == "" {
		return nil, errors.Wrapf(ErrMissingKey, "expected one of %s", strings.Join(keys, ", "))
	}
	return &builder{
		n:   n,
		src: src,
		rec: &Record{ExternalID: id, Fields: map[string]any{}},
	}, nil
}

func (b *builder) text(col string, fields ...string) {
	s, ok := b.src.First(fields...)
	if !ok {
		return
	}
	if s == "" {
		b.rec.Fields[col] = nil
		return
	}
	b.rec.Fields[col] = s
}

func (b *builder) date(col string, fields ...string) {
	s, ok := b.src.First(fields...)
	if !ok {
		return
	}
	b.rec.Fields[col] = ParseDate(s, b.n.DateLayouts)
}

func (b *builder) integer(col string, fields ...string) {
	s, ok := b.src.First(fields...)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		b.rec.Fields[col] = nil
		return
	}
	b.rec.Fields[col] = int64(f)
}

func (b *builder) boolean(col string, fields ...string) {
	s, ok := b.src.First(fields...)
	if !ok {
		return
	}
	b.rec.Fields[col] = ParseFlag(s)
}

func (b *builder) lookup(col string, m *LookupMap, fields ...string) {
	s, ok := b.src.First(fields...)
	if !ok {
		return
	}
	code, matched := m.Lookup(s)
	if !matched && s != "" {
		b.rec.Gaps = append(b.rec.Gaps, fmt.Sprintf("%s %q -> %s", col, s, code))
	}
	b.rec.Fields[col] = code
}

func (b *builder) ref(col string, target *store.EntityType, idField string, nameFields ...string) {
	id, hasID := b.src.First(idField)
	name, hasName := b.src.First(nameFields...)
	if !hasID && !hasName {
		return
	}
	b.rec.Refs = append(b.rec.Refs, Ref{Column: col, Target: target, ExternalID: id, Name: name})
}

type contactField struct {
	field string
	label string
}

// contacts merges flat contact fields and the typed rows of the contact
// portal into one labelled list.
func (b *builder) contacts(col, kind string, fields ...contactField) {
	present := false
	var values []LabeledValue
	for _, f := range fields {
		v, ok := b.src.Value(f.field)
		if !ok {
			continue
		}
		present = true
		values = MergeLabeled(values, ParseContact(v).Labeled(f.label)...)
	}
	if rows := b.src.Portal(ContactPortal); rows != nil {
		present = true
		values = MergeLabeled(values, GroupContacts(rows, "type")[kind]...)
	}
	if !present {
		return
	}
	if values == nil {
		values = []LabeledValue{}
	}
	b.rec.Fields[col] = values
}

// address folds the split street address fields into a single labelled
// value, merged with any address rows from the contact portal.
func (b *builder) address(col, label string) {
	parts := []string{"Address1", "Address2", "Suburb", "State", "Postcode"}
	present := false
	var line []string
	for _, p := range parts {
		if !b.src.Has(p) {
			continue
		}
		present = true
		if s := b.src.String(p); s != "" {
			line = append(line, s)
		}
	}
	values := []LabeledValue{}
	if len(line) > 0 {
		values = append(values, LabeledValue{Value: strings.Join(line, ", "), Label: label})
	}
	if rows := b.src.Portal(ContactPortal); rows != nil {
		present = true
		values = MergeLabeled(values, GroupContacts(rows, "type")["address"]...)
	}
	if present {
		b.rec.Fields[col] = values
	}
}

func (b *builder) attachment(fallbackExt string, category string) {
	source, _ := b.src.First("FileURL", "URL", "FilePath", "Path", "FileName")
	if source == "" {
		return
	}
	b.rec.Attachment = &Attachment{
		Source:   source,
		Ext:      attachmentExt(source, fallbackExt),
		Category: category,
	}
}

// ParseFlag reads the yes/no conventions of the legacy system. Anything it
// does not recognise, including empty input, is nil.
func ParseFlag(s string) any {
	switch FoldKey(s) {
	case "1", "y", "yes", "true", "active", "current":
		return true
	case "0", "n", "no", "false", "inactive", "archived", "deceased":
		return false
	}
	return nil
}

// MessagingRecord renders the configured default sender as the single
// settings source record.
func MessagingRecord(m config.Messaging) legacy.Record {
	return legacy.Record{
		"id_Settings": "default",
		"SenderName":  m.SenderName,
		"SenderEmail": m.SenderEmail,
		"SMSSenderID": m.SMSSenderID,
	}
}

func (n *Normalizer) Settings(src legacy.Record) (*Record, error) {
	b, err := n.start(src, "id_Settings")
	if err != nil {
		return nil, err
	}
	b.text("sender_name", "SenderName")
	b.text("sender_email", "SenderEmail")
	b.text("sms_sender_id", "SMSSenderID")
	return b.rec, nil
}

func (n *Normalizer) Clinic(src legacy.Record) (*Record, error) {
	b, err := n.start(src, "id_Clinic")
	if err != nil {
		return nil, err
	}
	b.text("name", "ClinicName", "Name")
	b.contacts("phones", "phone", contactField{"Phone", "work"}, contactField{"Fax", "fax"})
	b.contacts("emails", "email", contactField{"Email", "work"})
	b.address("addresses", "street")
	b.boolean("active", "Active", "Status")
	return b.rec, nil
}

func (n *Normalizer) Clinician(src legacy.Record) (*Record, error) {
	b, err := n.start(src, "id_Clinician", "id_Staff")
	if err != nil {
		return nil, err
	}
	b.text("first_name", "NameFirst")
	b.text("last_name", "NameLast")
	if name, ok := src.First("Name", "NameFull"); ok {
		b.rec.Fields["name"] = nilIfEmpty(name)
	} else if src.Has("NameFirst") || src.Has("NameLast") {
		b.rec.Fields["name"] = nilIfEmpty(strings.TrimSpace(src.String("NameFirst") + " " + src.String("NameLast")))
	}
	b.text("registration_number", "ProviderNumber", "RegistrationNumber")
	b.contacts("emails", "email", contactField{"Email", "work"})
	b.contacts("phones", "phone", contactField{"Phone", "work"}, contactField{"PhoneMobile", "mobile"})
	b.ref("clinic_id", store.Clinics, "id_Clinic", "ClinicName")
	b.boolean("active", "Active", "Status")
	return b.rec, nil
}

func (n *Normalizer) FundingSource(src legacy.Record) (*Record, error) {
	b, err := n.start(src, "id_FundingSource", "id_Fund")
	if err != nil {
		return nil, err
	}
	b.text("name", "Name", "FundingSource")
	b.text("code", "Code")
	return b.rec, nil
}

func (n *Normalizer) Patient(src legacy.Record) (*Record, error) {
	b, err := n.start(src, "id_Patient")
	if err != nil {
		return nil, err
	}
	b.text("first_name", "NameFirst")
	b.text("last_name", "NameLast")
	b.date("date_of_birth", "DOB", "DateOfBirth")
	b.lookup("gender", n.Tables.Gender, "Gender", "Sex")
	b.contacts("phones", "phone",
		contactField{"PhoneMobile", "mobile"},
		contactField{"PhoneHome", "home"},
		contactField{"PhoneWork", "work"},
		contactField{"Phone", "home"},
	)
	b.contacts("emails", "email", contactField{"Email", "home"})
	b.address("addresses", "home")
	b.text("medicare_number", "MedicareNumber", "Medicare")
	b.ref("clinic_id", store.Clinics, "id_Clinic", "ClinicName", "Clinic")
	b.ref("clinician_id", store.Clinicians, "id_Clinician", "ClinicianName", "Clinician")
	b.ref("funding_source_id", store.FundingSources, "id_FundingSource", "FundingSource")
	b.boolean("active", "Active", "Status")
	return b.rec, nil
}

func (n *Normalizer) Appointment(src legacy.Record) (*Record, error) {
	b, err := n.start(src, "id_Appointment")
	if err != nil {
		return nil, err
	}
	b.ref("patient_id", store.Patients, "id_Patient")
	b.ref("clinic_id", store.Clinics, "id_Clinic", "ClinicName")
	b.ref("clinician_id", store.Clinicians, "id_Clinician", "ClinicianName", "Clinician")
	// Without a date the start time cannot be placed, so an absent Date
	// leaves any stored start untouched.
	if src.Has("Date") {
		b.rec.Fields["starts_at"] = ParseDateTime(src.String("Date"), src.String("StartTime"), n.DateLayouts, n.Location)
	}
	b.integer("duration_minutes", "Duration", "DurationMinutes")
	b.lookup("appointment_type", n.Tables.AppointmentType, "Type", "AppointmentType")
	b.lookup("status", n.Tables.AppointmentStatus, "Status")
	b.text("comment", "Comment", "Notes")
	return b.rec, nil
}

func (n *Normalizer) Note(src legacy.Record) (*Record, error) {
	b, err := n.start(src, "id_Note")
	if err != nil {
		return nil, err
	}
	b.ref("patient_id", store.Patients, "id_Patient")
	b.ref("appointment_id", store.Appointments, "id_Appointment")
	b.ref("clinician_id", store.Clinicians, "id_Clinician", "ClinicianName", "Clinician")
	b.date("note_date", "Date")
	b.lookup("note_type", n.Tables.NoteType, "Type", "NoteType")
	b.text("body", "Note", "Body", "Text")
	return b.rec, nil
}

func (n *Normalizer) Image(src legacy.Record) (*Record, error) {
	b, err := n.start(src, "id_Image", "id_Photo")
	if err != nil {
		return nil, err
	}
	b.ref("patient_id", store.Patients, "id_Patient")
	b.date("taken_on", "Date", "DateTaken")
	b.lookup("category", n.Tables.BodyLocation, "BodyLocation", "Location")
	b.text("caption", "Caption", "Description")

	// The batch is derived from the date, so it is only set when the extract
	// carries a date column. A present but blank date files the image under
	// the patient's undated batch.
	patient := src.String("id_Patient")
	if patient != "" && (src.Has("Date") || src.Has("DateTaken")) {
		day := "undated"
		if t, ok := b.rec.Fields["taken_on"].(time.Time); ok {
			day = t.Format("2006-01-02")
		}
		b.rec.Refs = append(b.rec.Refs, Ref{
			Column:     "batch_id",
			Target:     store.ImageBatches,
			ExternalID: BatchExternalID(patient, day),
		})
	}

	category, _ := b.rec.Fields["category"].(string)
	if category == "" {
		category = n.Tables.BodyLocation.Default
	}
	b.attachment("jpg", category)
	return b.rec, nil
}

func (n *Normalizer) Document(src legacy.Record) (*Record, error) {
	b, err := n.start(src, "id_Document")
	if err != nil {
		return nil, err
	}
	b.ref("patient_id", store.Patients, "id_Patient")
	b.text("title", "Title", "FileName")
	b.lookup("category", n.Tables.DocumentType, "Type", "DocumentType")
	b.date("document_date", "Date")

	category, _ := b.rec.Fields["category"].(string)
	if category == "" {
		category = n.Tables.DocumentType.Default
	}
	b.attachment("pdf", category)
	return b.rec, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
