package linker

import (
	"context"
	"sort"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/clinic/importer/internal/importer/normalize"
	"github.com/clinic/importer/internal/importer/store"
)

// Action classifies what an upsert did, or in a preview would do.
type Action int

const (
	Create Action = iota
	Update
	Unchanged
)

func (a Action) String() string {
	switch a {
	case Create:
		return "create"
	case Update:
		return "update"
	}
	return "unchanged"
}

// Result describes one upsert.
type Result struct {
	Action Action
	Entity *store.Entity
	// Changes lists the columns written, sorted. Empty for Unchanged.
	Changes []string
	Misses  []Miss
}

// Upserter writes normalized records, one row at a time.
type Upserter struct {
	st  store.Store
	res *Resolver
}

// NewUpserter returns an Upserter writing to st and resolving references
// through res.
func NewUpserter(st store.Store, res *Resolver) *Upserter {
	return &Upserter{st: st, res: res}
}

// Resolver returns the resolver shared by this upserter.
func (u *Upserter) Resolver() *Resolver { return u.res }

// Upsert creates the entity for rec or updates the columns that differ.
// When nothing differs no write happens. Unresolved references are set to
// NULL and returned as misses.
func (u *Upserter) Upsert(ctx context.Context, et *store.EntityType, rec *normalize.Record) (*Result, error) {
	fields := make(map[string]any, len(rec.Fields)+len(rec.Refs))
	for k, v := range rec.Fields {
		fields[k] = v
	}
	var misses []Miss
	for _, ref := range rec.Refs {
		id, miss, err := u.res.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		if miss != nil {
			misses = append(misses, *miss)
		}
		if id != nil {
			fields[ref.Column] = *id
		} else {
			fields[ref.Column] = nil
		}
	}

	existing, err := u.st.FindByExternalID(ctx, et, rec.ExternalID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		e := &store.Entity{ExternalID: rec.ExternalID, Fields: fields}
		if err := u.st.Create(ctx, et, e); err != nil {
			return nil, err
		}
		if err := u.res.Remember(ctx, et, e); err != nil {
			return nil, err
		}
		return &Result{Action: Create, Entity: e, Changes: sortedKeys(fields), Misses: misses}, nil
	case err != nil:
		return nil, err
	}

	res, err := u.apply(ctx, et, existing, fields)
	if err != nil {
		return nil, err
	}
	res.Misses = misses
	return res, nil
}

// Patch updates an existing entity without ever creating one. It returns
// store.ErrNotFound when no entity carries externalID.
func (u *Upserter) Patch(ctx context.Context, et *store.EntityType, externalID string, fields map[string]any) (*Result, error) {
	existing, err := u.st.FindByExternalID(ctx, et, externalID)
	if err != nil {
		return nil, err
	}
	return u.apply(ctx, et, existing, fields)
}

func (u *Upserter) apply(ctx context.Context, et *store.EntityType, existing *store.Entity, fields map[string]any) (*Result, error) {
	changes := Diff(et, existing.Fields, fields)
	if len(changes) == 0 {
		return &Result{Action: Unchanged, Entity: existing}, nil
	}
	oldName, _ := existing.Fields[et.NameColumn].(string)
	if err := u.st.Update(ctx, et, existing, changes); err != nil {
		return nil, err
	}
	for k, v := range changes {
		existing.Fields[k] = v
	}
	if _, renamed := changes[et.NameColumn]; renamed && et.NameColumn != "" {
		newName, _ := changes[et.NameColumn].(string)
		if err := u.res.Rename(ctx, et, existing.ID, oldName, newName); err != nil {
			return nil, err
		}
	}
	return &Result{Action: Update, Entity: existing, Changes: sortedKeys(changes)}, nil
}

// Diff returns the incoming fields whose canonical value differs from the
// stored one. Columns the descriptor does not know are always reported so
// the store rejects them.
func Diff(et *store.EntityType, stored, incoming map[string]any) map[string]any {
	changes := make(map[string]any)
	for k, v := range incoming {
		col, ok := et.Column(k)
		if !ok || !store.Equal(col.Kind, stored[k], v) {
			changes[k] = v
		}
	}
	return changes
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IDOf returns the stored id of externalID, or nil.
func IDOf(ctx context.Context, st store.Store, et *store.EntityType, externalID string) (*uuid.UUID, error) {
	e, err := st.FindByExternalID(ctx, et, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e.ID, nil
}
