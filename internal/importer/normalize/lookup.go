package normalize

import (
	"os"
	"strings"
	"unicode"

	"github.com/go-faster/errors"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Entry maps every legacy string containing Pattern to Code.
type Entry struct {
	Pattern string `yaml:"pattern"`
	Code    string `yaml:"code"`
}

// LookupMap is an ordered list of containment patterns with a default code.
// Order matters: the first entry whose pattern is contained in the folded
// input wins, so more specific patterns must come first.
type LookupMap struct {
	Name    string  `yaml:"-"`
	Default string  `yaml:"default"`
	Entries []Entry `yaml:"entries"`
}

// FoldKey lowercases s, trims it, collapses inner whitespace and strips
// diacritics, so "  Left  Plantár " and "left plantar" fold the same.
func FoldKey(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// Lookup returns the code for s and whether a pattern matched. Unmatched
// input, including empty input, returns the default.
func (m *LookupMap) Lookup(s string) (string, bool) {
	key := FoldKey(s)
	if key != "" {
		for _, e := range m.Entries {
			if strings.Contains(key, FoldKey(e.Pattern)) {
				return e.Code, true
			}
		}
	}
	return m.Default, false
}

func (m *LookupMap) validate() error {
	if m.Default == "" {
		return errors.Errorf("lookup table %s: default code is required", m.Name)
	}
	for i, e := range m.Entries {
		if FoldKey(e.Pattern) == "" || e.Code == "" {
			return errors.Errorf("lookup table %s: entry %d needs a pattern and a code", m.Name, i)
		}
	}
	return nil
}

// Tables groups the lookup maps used by the entity mappers.
type Tables struct {
	BodyLocation      *LookupMap `yaml:"body_location"`
	AppointmentType   *LookupMap `yaml:"appointment_type"`
	AppointmentStatus *LookupMap `yaml:"appointment_status"`
	NoteType          *LookupMap `yaml:"note_type"`
	DocumentType      *LookupMap `yaml:"document_type"`
	Gender            *LookupMap `yaml:"gender"`
}

func (t *Tables) each(fn func(name string, m **LookupMap)) {
	fn("body_location", &t.BodyLocation)
	fn("appointment_type", &t.AppointmentType)
	fn("appointment_status", &t.AppointmentStatus)
	fn("note_type", &t.NoteType)
	fn("document_type", &t.DocumentType)
	fn("gender", &t.Gender)
}

// DefaultTables returns the built-in vocabulary. The ordering was derived
// from the categories seen in the legacy exports; re-check it against the
// full vocabulary before adding patterns that overlap existing ones.
func DefaultTables() Tables {
	return Tables{
		BodyLocation: &LookupMap{Name: "body_location", Default: "other", Entries: []Entry{
			{"dorsal", "dorsal"},
			{"plantar", "plantar"},
			{"planter", "plantar"},
			{"sole", "plantar"},
			{"medial", "medial"},
			{"lateral", "lateral"},
			{"heel", "posterior"},
			{"posterior", "posterior"},
			{"anterior", "anterior"},
			{"hallux", "digital"},
			{"toe", "digital"},
			{"digit", "digital"},
			{"nail", "digital"},
			{"ankle", "ankle"},
			{"shin", "leg"},
			{"calf", "leg"},
		}},
		AppointmentType: &LookupMap{Name: "appointment_type", Default: "other", Entries: []Entry{
			{"initial", "initial_consult"},
			{"new patient", "initial_consult"},
			{"biomech", "biomechanical"},
			{"diabet", "diabetic_assessment"},
			{"orthotic", "orthotics"},
			{"nail surgery", "nail_surgery"},
			{"nail", "nail_care"},
			{"review", "review"},
			{"follow", "review"},
			{"standard", "standard"},
			{"general", "standard"},
		}},
		AppointmentStatus: &LookupMap{Name: "appointment_status", Default: "booked", Entries: []Entry{
			{"cancel", "cancelled"},
			{"no show", "no_show"},
			{"dna", "no_show"},
			{"did not attend", "no_show"},
			{"complete", "completed"},
			{"attended", "completed"},
			{"arrived", "arrived"},
			{"confirm", "booked"},
			{"book", "booked"},
		}},
		NoteType: &LookupMap{Name: "note_type", Default: "other", Entries: []Entry{
			{"soap", "clinical"},
			{"clinical", "clinical"},
			{"treatment", "clinical"},
			{"letter", "correspondence"},
			{"email", "correspondence"},
			{"phone", "phone_call"},
			{"admin", "admin"},
			{"alert", "alert"},
		}},
		DocumentType: &LookupMap{Name: "document_type", Default: "other", Entries: []Entry{
			{"referral", "referral"},
			{"letter", "correspondence"},
			{"report", "report"},
			{"consent", "consent"},
			{"invoice", "financial"},
			{"receipt", "financial"},
			{"x-ray", "imaging"},
			{"xray", "imaging"},
			{"ultrasound", "imaging"},
			{"scan", "imaging"},
		}},
		// "female" must precede "male", which it contains.
		Gender: &LookupMap{Name: "gender", Default: "unknown", Entries: []Entry{
			{"female", "female"},
			{"woman", "female"},
			{"male", "male"},
			{"man", "male"},
			{"non-binary", "other"},
			{"other", "other"},
		}},
	}
}

// LoadTables reads lookup tables from a YAML file. Tables missing from the
// file keep their built-in definition. An empty path returns the defaults.
func LoadTables(path string) (Tables, error) {
	tables := DefaultTables()
	if path == "" {
		return tables, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, errors.Wrap(err, "read lookup tables")
	}
	var override Tables
	if err := yaml.Unmarshal(content, &override); err != nil {
		return Tables{}, errors.Wrap(err, "parse lookup tables")
	}

	var verr error
	override.each(func(name string, m **LookupMap) {
		if *m == nil || verr != nil {
			return
		}
		(*m).Name = name
		if err := (*m).validate(); err != nil {
			verr = err
			return
		}
		tables.each(func(target string, dst **LookupMap) {
			if target == name {
				*dst = *m
			}
		})
	})
	if verr != nil {
		return Tables{}, verr
	}
	return tables, nil
}
