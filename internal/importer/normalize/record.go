package normalize

import (
	"fmt"
	"path"
	"strings"

	"github.com/go-faster/errors"

	"github.com/clinic/importer/internal/importer/store"
	"github.com/clinic/importer/internal/platform/legacy"
)

// ErrMissingKey marks a source record without an external id. Such records
// are skipped, not counted as errors.
var ErrMissingKey = errors.New("record has no external id")

// Ref is an unresolved foreign key. The linker resolves ExternalID first
// and falls back to Name.
type Ref struct {
	Column     string
	Target     *store.EntityType
	ExternalID string
	Name       string
}

// Empty reports whether the source left the reference blank.
func (r Ref) Empty() bool { return r.ExternalID == "" && r.Name == "" }

func (r Ref) String() string {
	switch {
	case r.ExternalID != "" && r.Name != "":
		return fmt.Sprintf("%s %s (%q)", r.Target.Label, r.ExternalID, r.Name)
	case r.ExternalID != "":
		return r.Target.Label + " " + r.ExternalID
	}
	return fmt.Sprintf("%s %q", r.Target.Label, r.Name)
}

// Attachment points at the file behind an image or document record.
type Attachment struct {
	// Source is an http(s) URL or a path relative to the export directory.
	Source   string
	Ext      string
	Category string
}

// Record is the normalized form of one source record. Fields holds only
// the target columns the source carried; a column the source did not
// mention is absent so updates leave it untouched.
type Record struct {
	ExternalID string
	Fields     map[string]any
	Refs       []Ref
	Attachment *Attachment
	// Gaps lists values that fell back to a lookup default.
	Gaps []string
}

// Ref returns the reference for column, if the source carried one.
func (r *Record) Ref(column string) (Ref, bool) {
	for _, ref := range r.Refs {
		if ref.Column == column {
			return ref, true
		}
	}
	return Ref{}, false
}

// Mapper turns one source record into its normalized form. Mappers are
// pure: the same input always yields the same output.
type Mapper func(legacy.Record) (*Record, error)

// BatchExternalID derives the external id of the image batch holding all
// images of one patient taken on one day.
func BatchExternalID(patientExternalID string, day string) string {
	return patientExternalID + ":" + day
}

func attachmentExt(source, fallback string) string {
	clean := source
	if i := strings.IndexAny(clean, "?#"); i >= 0 {
		clean = clean[:i]
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(clean), "."))
	if ext == "" || len(ext) > 5 {
		return fallback
	}
	if ext == "jpeg" {
		return "jpg"
	}
	return ext
}
