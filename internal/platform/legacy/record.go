// Package legacy extracts raw records from the legacy clinic database, either
// through its HTTP APIs or from exported spreadsheet, CSV and JSON files.
package legacy

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

// Record is one raw legacy record. Its shape depends on the source: API
// records carry JSON-decoded values, file sources carry strings.
type Record map[string]any

// PortalKey holds the related-record lists of a FileMaker record, keyed by
// portal name.
const PortalKey = "portalData"

// Value looks up a field. Field names are matched exactly first, then
// case-insensitively ignoring a "Table::" prefix, because layouts expose
// related fields under their table occurrence name.
func (r Record) Value(field string) (any, bool) {
	if v, ok := r[field]; ok {
		return v, true
	}
	for k, v := range r {
		short := k
		if i := strings.LastIndex(k, "::"); i >= 0 {
			short = k[i+2:]
		}
		if strings.EqualFold(short, field) {
			return v, true
		}
	}
	return nil, false
}

// Has reports whether the record carries field at all, even if empty.
func (r Record) Has(field string) bool {
	_, ok := r.Value(field)
	return ok
}

// String returns field rendered as a trimmed string. Missing fields and
// nulls are "".
func (r Record) String(field string) string {
	v, _ := r.Value(field)
	return Stringify(v)
}

// First returns the first of fields present on the record, and whether any was.
func (r Record) First(fields ...string) (string, bool) {
	for _, f := range fields {
		if r.Has(f) {
			return r.String(f), true
		}
	}
	return "", false
}

// Portal returns the related rows of the named portal.
func (r Record) Portal(name string) []any {
	portals, ok := r[PortalKey].(map[string]any)
	if !ok {
		return nil
	}
	rows, _ := portals[name].([]any)
	return rows
}

// Stringify renders a decoded legacy value as a trimmed string.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Skip is a row that was dropped during extraction.
type Skip struct {
	Row    int
	Reason string
}

// Batch is the full result of one extraction.
type Batch struct {
	Records []Record
	Skipped []Skip
}

// Source produces every record for one phase. Extraction is not streamed:
// the whole batch is held in memory before normalization starts.
type Source interface {
	Extract(ctx context.Context) (*Batch, error)
	// Describe names the source for logs, e.g. the URL or file path.
	Describe() string
}

// Static serves records built in memory, such as configuration objects.
type Static struct {
	Name    string
	Records []Record
}

func (s *Static) Extract(_ context.Context) (*Batch, error) {
	out := make([]Record, len(s.Records))
	copy(out, s.Records)
	return &Batch{Records: out}, nil
}

func (s *Static) Describe() string { return "static:" + s.Name }
