package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
)

// LabeledValue is the normalized shape of every phone, email and address.
type LabeledValue struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// ContactKind discriminates the shapes legacy contact fields arrive in.
type ContactKind int

const (
	ContactUnset ContactKind = iota
	ContactSingle
	ContactLabeled
)

// Contact is a tagged union over the loosely typed legacy contact field:
// nothing, a bare string, or one or more labelled values.
type Contact struct {
	Kind   ContactKind
	Single string
	Values []LabeledValue
}

// Labeled always returns the list form, tagging a bare value with
// defaultLabel. Unset returns an empty, non-nil slice.
func (c Contact) Labeled(defaultLabel string) []LabeledValue {
	switch c.Kind {
	case ContactSingle:
		return []LabeledValue{{Value: c.Single, Label: defaultLabel}}
	case ContactLabeled:
		out := make([]LabeledValue, len(c.Values))
		copy(out, c.Values)
		return out
	}
	return []LabeledValue{}
}

// Falsy reports whether a legacy value should be treated as absent. The
// legacy system writes 0 into empty email fields, so numeric zero and the
// string "0" count as absent alongside empty strings and false.
func Falsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		s := strings.TrimSpace(x)
		return s == "" || s == "0"
	case bool:
		return !x
	case float64:
		return x == 0
	case int:
		return x == 0
	case int64:
		return x == 0
	case json.Number:
		f, err := x.Float64()
		return err == nil && f == 0
	}
	return false
}

// scalar renders a non-falsy scalar as a trimmed string.
func scalar(v any) (string, bool) {
	if Falsy(v) {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case json.Number:
		return x.String(), true
	}
	return "", false
}

// ParseContact classifies a raw legacy value. Accepted shapes are a string,
// a {"value","label"} object, or a list of such objects or strings.
func ParseContact(v any) Contact {
	switch x := v.(type) {
	case map[string]any:
		if lv, ok := labeledFromMap(x, ""); ok {
			return Contact{Kind: ContactLabeled, Values: []LabeledValue{lv}}
		}
		return Contact{}
	case []any:
		var values []LabeledValue
		for _, item := range x {
			switch it := item.(type) {
			case map[string]any:
				if lv, ok := labeledFromMap(it, ""); ok {
					values = append(values, lv)
				}
			default:
				if s, ok := scalar(it); ok {
					values = append(values, LabeledValue{Value: s})
				}
			}
		}
		if len(values) == 0 {
			return Contact{}
		}
		return Contact{Kind: ContactLabeled, Values: values}
	default:
		if s, ok := scalar(x); ok {
			return Contact{Kind: ContactSingle, Single: s}
		}
	}
	return Contact{}
}

func labeledFromMap(m map[string]any, fallbackLabel string) (LabeledValue, bool) {
	s, ok := scalar(firstOf(m, "value", "number", "address", "email"))
	if !ok {
		return LabeledValue{}, false
	}
	label, _ := scalar(firstOf(m, "label", "description"))
	if label == "" {
		label = fallbackLabel
	}
	return LabeledValue{Value: s, Label: strings.ToLower(label)}, true
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v := lookupFold(m, k); !Falsy(v) {
			return v
		}
	}
	return nil
}

// GroupContacts groups sub-records by their discriminator field (for
// example "type": "phone") into labelled values. Sub-records whose value is
// falsy are dropped; keys are folded to lowercase.
func GroupContacts(rows []any, discriminator string) map[string][]LabeledValue {
	out := make(map[string][]LabeledValue)
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		kind, ok := scalar(lookupFold(m, discriminator))
		if !ok {
			continue
		}
		kind = FoldKey(kind)
		if lv, ok := labeledFromMap(m, kind); ok {
			out[kind] = append(out[kind], lv)
		}
	}
	return out
}

// lookupFold finds key in m ignoring case, as portal field names often
// carry a table prefix ("Contacts::Type").
func lookupFold(m map[string]any, key string) any {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		short := k
		if i := strings.LastIndex(k, "::"); i >= 0 {
			short = k[i+2:]
		}
		if strings.EqualFold(short, key) {
			return v
		}
	}
	return nil
}

// MergeLabeled appends values from extra that are not already present,
// comparing values case-insensitively.
func MergeLabeled(base []LabeledValue, extra ...LabeledValue) []LabeledValue {
	seen := make(map[string]bool, len(base))
	out := make([]LabeledValue, 0, len(base)+len(extra))
	for _, lv := range append(append([]LabeledValue{}, base...), extra...) {
		key := strings.ToLower(lv.Value)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, lv)
	}
	return out
}
