// Package linker matches normalized records to stored entities by external
// id, resolves their references and writes only what changed.
package linker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/clinic/importer/internal/importer/normalize"
	"github.com/clinic/importer/internal/importer/store"
)

// Miss is a reference that was left null.
type Miss struct {
	Column string
	Ref    string
	Reason string
	// Hint is the closest known name, for the operator.
	Hint string
}

func (m Miss) String() string {
	s := fmt.Sprintf("%s: %s %s", m.Column, m.Ref, m.Reason)
	if m.Hint != "" {
		s += fmt.Sprintf(" (closest: %q)", m.Hint)
	}
	return s
}

type lookup struct {
	byExternal map[string]uuid.UUID
	byName     map[string][]uuid.UUID
	names      []string
}

// Resolver maps references to entity ids using indexes loaded once per
// target type. Create a new Resolver for each phase so it sees the rows
// earlier phases wrote.
type Resolver struct {
	st      store.Store
	targets map[*store.EntityType]*lookup
}

// NewResolver returns a Resolver reading from st.
func NewResolver(st store.Store) *Resolver {
	return &Resolver{st: st, targets: make(map[*store.EntityType]*lookup)}
}

func nameKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Preload loads the indexes of every target up front.
func (r *Resolver) Preload(ctx context.Context, targets ...*store.EntityType) error {
	for _, et := range targets {
		if _, err := r.load(ctx, et); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) load(ctx context.Context, et *store.EntityType) (*lookup, error) {
	if l, ok := r.targets[et]; ok {
		return l, nil
	}
	l := &lookup{byExternal: map[string]uuid.UUID{}, byName: map[string][]uuid.UUID{}}

	ext, err := r.st.Index(ctx, et, "external_id")
	if err != nil {
		return nil, errors.Wrapf(err, "load %s ids", et.Label)
	}
	for _, ie := range ext {
		l.byExternal[ie.Key] = ie.ID
	}

	if et.NameColumn != "" {
		names, err := r.st.Index(ctx, et, et.NameColumn)
		if err != nil {
			return nil, errors.Wrapf(err, "load %s names", et.Label)
		}
		for _, ie := range names {
			l.add(ie.Key, ie.ID)
		}
	}
	r.targets[et] = l
	return l, nil
}

func (l *lookup) add(name string, id uuid.UUID) {
	key := nameKey(name)
	if key == "" {
		return
	}
	for _, existing := range l.byName[key] {
		if existing == id {
			return
		}
	}
	if len(l.byName[key]) == 0 {
		l.names = append(l.names, strings.TrimSpace(name))
	}
	l.byName[key] = append(l.byName[key], id)
}

func (l *lookup) remove(name string, id uuid.UUID) {
	key := nameKey(name)
	ids := l.byName[key]
	for i, existing := range ids {
		if existing != id {
			continue
		}
		ids = append(ids[:i:i], ids[i+1:]...)
		break
	}
	if len(ids) > 0 {
		l.byName[key] = ids
		return
	}
	delete(l.byName, key)
	for i, n := range l.names {
		if nameKey(n) == key {
			l.names = append(l.names[:i:i], l.names[i+1:]...)
			break
		}
	}
}

// Rename moves id from oldName to newName so later records in the phase
// resolve the new name only. An empty newName just drops the old one.
func (r *Resolver) Rename(ctx context.Context, et *store.EntityType, id uuid.UUID, oldName, newName string) error {
	l, err := r.load(ctx, et)
	if err != nil {
		return err
	}
	if oldName != "" {
		l.remove(oldName, id)
	}
	l.add(newName, id)
	return nil
}

// Remember registers an entity created during the phase so later records
// can refer to it.
func (r *Resolver) Remember(ctx context.Context, et *store.EntityType, e *store.Entity) error {
	l, err := r.load(ctx, et)
	if err != nil {
		return err
	}
	l.byExternal[e.ExternalID] = e.ID
	if et.NameColumn != "" {
		if name, ok := e.Fields[et.NameColumn].(string); ok {
			l.add(name, e.ID)
		}
	}
	return nil
}

// Resolve returns the id ref points at. An empty ref resolves to nil
// without a miss. The external id is tried first, then the name; a name
// shared by more than one entity is ambiguous and counts as a miss.
func (r *Resolver) Resolve(ctx context.Context, ref normalize.Ref) (*uuid.UUID, *Miss, error) {
	if ref.Empty() {
		return nil, nil, nil
	}
	l, err := r.load(ctx, ref.Target)
	if err != nil {
		return nil, nil, err
	}

	if ref.ExternalID != "" {
		if id, ok := l.byExternal[ref.ExternalID]; ok {
			return &id, nil, nil
		}
	}
	if ref.Name != "" && ref.Target.NameColumn != "" {
		ids := l.byName[nameKey(ref.Name)]
		switch len(ids) {
		case 1:
			id := ids[0]
			return &id, nil, nil
		case 0:
		default:
			return nil, &Miss{Column: ref.Column, Ref: ref.String(), Reason: fmt.Sprintf("is ambiguous (%d matches)", len(ids))}, nil
		}
	}

	miss := &Miss{Column: ref.Column, Ref: ref.String(), Reason: "not found"}
	if ref.Name != "" {
		miss.Hint = closest(ref.Name, l.names)
	}
	return nil, miss, nil
}

// closest suggests the known name nearest to name: a fuzzy subsequence
// match when there is one, otherwise the smallest edit distance within a
// third of the name's length.
func closest(name string, names []string) string {
	if len(names) == 0 {
		return ""
	}
	if ranks := fuzzy.RankFindNormalizedFold(name, names); len(ranks) > 0 {
		sort.Sort(ranks)
		return ranks[0].Target
	}
	best, bestDist := "", -1
	limit := len(name)/3 + 1
	for _, candidate := range names {
		d := fuzzy.LevenshteinDistance(strings.ToLower(name), strings.ToLower(candidate))
		if d <= limit && (bestDist < 0 || d < bestDist) {
			best, bestDist = candidate, d
		}
	}
	return best
}
