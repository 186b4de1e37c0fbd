package store

// Kind is the storage type of a column. It decides how values are encoded
// for Postgres and how stored and incoming values are compared.
type Kind int

const (
	KindText Kind = iota
	KindDate
	KindTimestamp
	KindInt
	KindBool
	KindJSON
	KindUUID
)

// Column is one importable column of an entity table.
type Column struct {
	Name string
	Kind Kind
}

// Reference is a foreign key from one entity type to another.
type Reference struct {
	Column string
	Target *EntityType
	// Cascade deletes the referencing rows when the target is reset; otherwise
	// the column is set to NULL.
	Cascade bool
}

// EntityType describes a target table that carries an external id.
type EntityType struct {
	Name       string // phase name, e.g. "funding-sources"
	Table      string
	Label      string // singular, for log lines
	Columns    []Column
	References []Reference
	// NameColumn is matched case-insensitively when other records refer to
	// this type by name. Empty when the type is never referenced by name.
	NameColumn string
	// Display lists the columns that identify a record to an operator.
	Display []string
}

// Column returns the named column.
func (et *EntityType) Column(name string) (Column, bool) {
	for _, c := range et.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Reference returns the reference declared on column.
func (et *EntityType) Reference(column string) (Reference, bool) {
	for _, r := range et.References {
		if r.Column == column {
			return r, true
		}
	}
	return Reference{}, false
}

// DisplayName renders the operator-facing identity of a record.
func (et *EntityType) DisplayName(fields map[string]any, externalID string) string {
	var parts []string
	for _, col := range et.Display {
		if s, ok := fields[col].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return et.Label + " " + externalID
	}
	name := parts[0]
	for _, p := range parts[1:] {
		name += " " + p
	}
	return name
}

var (
	Settings = &EntityType{
		Name:  "settings",
		Table: "clinic_settings",
		Label: "settings",
		Columns: []Column{
			{Name: "sender_name", Kind: KindText},
			{Name: "sender_email", Kind: KindText},
			{Name: "sms_sender_id", Kind: KindText},
		},
		Display: []string{"sender_name"},
	}

	Clinics = &EntityType{
		Name:  "clinics",
		Table: "clinics",
		Label: "clinic",
		Columns: []Column{
			{Name: "name", Kind: KindText},
			{Name: "phones", Kind: KindJSON},
			{Name: "emails", Kind: KindJSON},
			{Name: "addresses", Kind: KindJSON},
			{Name: "active", Kind: KindBool},
		},
		NameColumn: "name",
		Display:    []string{"name"},
	}

	Clinicians = &EntityType{
		Name:  "clinicians",
		Table: "clinicians",
		Label: "clinician",
		Columns: []Column{
			{Name: "name", Kind: KindText},
			{Name: "first_name", Kind: KindText},
			{Name: "last_name", Kind: KindText},
			{Name: "registration_number", Kind: KindText},
			{Name: "emails", Kind: KindJSON},
			{Name: "phones", Kind: KindJSON},
			{Name: "clinic_id", Kind: KindUUID},
			{Name: "active", Kind: KindBool},
		},
		NameColumn: "name",
		Display:    []string{"name"},
	}

	FundingSources = &EntityType{
		Name:  "funding-sources",
		Table: "funding_sources",
		Label: "funding source",
		Columns: []Column{
			{Name: "name", Kind: KindText},
			{Name: "code", Kind: KindText},
		},
		NameColumn: "name",
		Display:    []string{"name"},
	}

	Patients = &EntityType{
		Name:  "patients",
		Table: "patients",
		Label: "patient",
		Columns: []Column{
			{Name: "first_name", Kind: KindText},
			{Name: "last_name", Kind: KindText},
			{Name: "date_of_birth", Kind: KindDate},
			{Name: "gender", Kind: KindText},
			{Name: "phones", Kind: KindJSON},
			{Name: "emails", Kind: KindJSON},
			{Name: "addresses", Kind: KindJSON},
			{Name: "medicare_number", Kind: KindText},
			{Name: "clinic_id", Kind: KindUUID},
			{Name: "clinician_id", Kind: KindUUID},
			{Name: "funding_source_id", Kind: KindUUID},
			{Name: "active", Kind: KindBool},
		},
		Display: []string{"first_name", "last_name"},
	}

	Appointments = &EntityType{
		Name:  "appointments",
		Table: "appointments",
		Label: "appointment",
		Columns: []Column{
			{Name: "patient_id", Kind: KindUUID},
			{Name: "clinic_id", Kind: KindUUID},
			{Name: "clinician_id", Kind: KindUUID},
			{Name: "starts_at", Kind: KindTimestamp},
			{Name: "duration_minutes", Kind: KindInt},
			{Name: "appointment_type", Kind: KindText},
			{Name: "status", Kind: KindText},
			{Name: "comment", Kind: KindText},
		},
	}

	Notes = &EntityType{
		Name:  "notes",
		Table: "notes",
		Label: "note",
		Columns: []Column{
			{Name: "patient_id", Kind: KindUUID},
			{Name: "appointment_id", Kind: KindUUID},
			{Name: "clinician_id", Kind: KindUUID},
			{Name: "note_date", Kind: KindDate},
			{Name: "note_type", Kind: KindText},
			{Name: "body", Kind: KindText},
		},
	}

	ImageBatches = &EntityType{
		Name:  "image-batches",
		Table: "image_batches",
		Label: "image batch",
		Columns: []Column{
			{Name: "patient_id", Kind: KindUUID},
			{Name: "taken_on", Kind: KindDate},
		},
	}

	Images = &EntityType{
		Name:  "images",
		Table: "images",
		Label: "image",
		Columns: []Column{
			{Name: "patient_id", Kind: KindUUID},
			{Name: "batch_id", Kind: KindUUID},
			{Name: "category", Kind: KindText},
			{Name: "caption", Kind: KindText},
			{Name: "taken_on", Kind: KindDate},
			{Name: "blob_key", Kind: KindText},
			{Name: "thumbnail_key", Kind: KindText},
			{Name: "content_type", Kind: KindText},
		},
		Display: []string{"caption"},
	}

	Documents = &EntityType{
		Name:  "documents",
		Table: "documents",
		Label: "document",
		Columns: []Column{
			{Name: "patient_id", Kind: KindUUID},
			{Name: "title", Kind: KindText},
			{Name: "category", Kind: KindText},
			{Name: "document_date", Kind: KindDate},
			{Name: "blob_key", Kind: KindText},
			{Name: "content_type", Kind: KindText},
		},
		Display: []string{"title"},
	}
)

func init() {
	Clinicians.References = []Reference{{Column: "clinic_id", Target: Clinics}}
	Patients.References = []Reference{
		{Column: "clinic_id", Target: Clinics},
		{Column: "clinician_id", Target: Clinicians},
		{Column: "funding_source_id", Target: FundingSources},
	}
	Appointments.References = []Reference{
		{Column: "patient_id", Target: Patients, Cascade: true},
		{Column: "clinic_id", Target: Clinics},
		{Column: "clinician_id", Target: Clinicians},
	}
	Notes.References = []Reference{
		{Column: "patient_id", Target: Patients, Cascade: true},
		{Column: "appointment_id", Target: Appointments},
		{Column: "clinician_id", Target: Clinicians},
	}
	ImageBatches.References = []Reference{{Column: "patient_id", Target: Patients, Cascade: true}}
	Images.References = []Reference{
		{Column: "patient_id", Target: Patients, Cascade: true},
		{Column: "batch_id", Target: ImageBatches, Cascade: true},
	}
	Documents.References = []Reference{{Column: "patient_id", Target: Patients, Cascade: true}}
}

// All lists every entity type in dependency order: a type only refers to
// types that appear before it.
var All = []*EntityType{
	Settings, Clinics, Clinicians, FundingSources, Patients,
	Appointments, Notes, ImageBatches, Images, Documents,
}

// Lookup finds an entity type by phase name or table name.
func Lookup(name string) (*EntityType, bool) {
	for _, et := range All {
		if et.Name == name || et.Table == name {
			return et, true
		}
	}
	return nil, false
}

// Dependents returns every type that refers to et, directly or through
// another dependent, in dependency order.
func Dependents(et *EntityType) []*EntityType {
	return closure(et, false)
}

func closure(et *EntityType, cascadeOnly bool) []*EntityType {
	seen := map[*EntityType]bool{et: true}
	var out []*EntityType
	for _, candidate := range All {
		if seen[candidate] {
			continue
		}
		for _, ref := range candidate.References {
			if seen[ref.Target] && (ref.Cascade || !cascadeOnly) {
				seen[candidate] = true
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}

// Cascades returns the types whose rows are deleted along with et: those
// reaching et only through Cascade references, in dependency order.
func Cascades(et *EntityType) []*EntityType {
	return closure(et, true)
}

// Unlinked returns the types outside the cascade of et that hold a
// reference into it. Resetting et sets those columns to NULL and keeps the
// rows.
func Unlinked(et *EntityType) []*EntityType {
	gone := map[*EntityType]bool{et: true}
	for _, t := range Cascades(et) {
		gone[t] = true
	}
	var out []*EntityType
	for _, candidate := range All {
		if gone[candidate] {
			continue
		}
		for _, ref := range candidate.References {
			if gone[ref.Target] {
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}
