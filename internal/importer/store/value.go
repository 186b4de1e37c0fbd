package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Canon reduces a value to a comparable form for its column kind so that a
// freshly normalized value and the same value read back from Postgres
// compare equal. nil stays nil.
func Canon(kind Kind, v any) any {
	if v == nil {
		return nil
	}
	switch kind {
	case KindDate:
		if t, ok := asTime(v); ok {
			return t.Format("2006-01-02")
		}
	case KindTimestamp:
		if t, ok := asTime(v); ok {
			return t.UTC().Truncate(time.Second).Format(time.RFC3339)
		}
	case KindInt:
		switch n := v.(type) {
		case int:
			return int64(n)
		case int16:
			return int64(n)
		case int32:
			return int64(n)
		case int64:
			return n
		case float64:
			return int64(n)
		}
	case KindBool:
		if b, ok := v.(bool); ok {
			return b
		}
	case KindUUID:
		switch id := v.(type) {
		case uuid.UUID:
			return id.String()
		case [16]byte:
			return uuid.UUID(id).String()
		case *uuid.UUID:
			if id == nil {
				return nil
			}
			return id.String()
		case string:
			if parsed, err := uuid.Parse(id); err == nil {
				return parsed.String()
			}
		}
	case KindJSON:
		return canonJSON(v)
	case KindText:
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fmt.Sprint(v)
}

// Equal reports whether two values of the given kind are the same once
// canonicalized.
func Equal(kind Kind, a, b any) bool {
	return Canon(kind, a) == Canon(kind, b)
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	}
	return time.Time{}, false
}

// canonJSON re-encodes through a generic value so struct and map encodings of
// the same document produce identical bytes (encoding/json sorts map keys).
func canonJSON(v any) any {
	var raw []byte
	switch x := v.(type) {
	case json.RawMessage:
		raw = x
	case []byte:
		raw = x
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		raw = b
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw)
	}
	if generic == nil {
		return nil
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// encode converts a normalized value into a Postgres parameter.
func encode(kind Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return b, nil
	case KindUUID:
		switch id := v.(type) {
		case uuid.UUID:
			return id.String(), nil
		case *uuid.UUID:
			if id == nil {
				return nil, nil
			}
			return id.String(), nil
		}
	}
	return v, nil
}

// decode converts a value scanned from Postgres into the form the importer
// uses for that kind.
func decode(kind Kind, v any) any {
	if v == nil {
		return nil
	}
	switch kind {
	case KindUUID:
		switch id := v.(type) {
		case [16]byte:
			return uuid.UUID(id)
		case string:
			if parsed, err := uuid.Parse(id); err == nil {
				return parsed
			}
		}
	case KindInt:
		if n, ok := Canon(KindInt, v).(int64); ok {
			return n
		}
	}
	return v
}
