package store

import (
	"context"
	"sort"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// ErrPreviewPurge is returned when a purge is attempted through an overlay.
var ErrPreviewPurge = errors.New("purge is not available in preview mode")

type overlayEntry struct {
	entity *Entity
	// original holds the underlying row as first read; nil for rows that
	// only exist in the overlay.
	original *Entity
}

// Overlay is a copy-on-write view over another Store. Reads fall through to
// the base store; writes are kept in memory and never reach it. A dry run
// drives the exact live code path against an Overlay, so its classification
// matches what a live run would do, including repeated external ids.
type Overlay struct {
	base    Store
	entries map[*EntityType]map[string]*overlayEntry
}

// NewOverlay wraps base. Wrapping an Overlay returns it unchanged.
func NewOverlay(base Store) *Overlay {
	if o, ok := base.(*Overlay); ok {
		return o
	}
	return &Overlay{base: base, entries: make(map[*EntityType]map[string]*overlayEntry)}
}

// IsPreview reports whether s never writes through.
func IsPreview(s Store) bool {
	_, ok := s.(*Overlay)
	return ok
}

func (o *Overlay) table(et *EntityType) map[string]*overlayEntry {
	t, ok := o.entries[et]
	if !ok {
		t = make(map[string]*overlayEntry)
		o.entries[et] = t
	}
	return t
}

func (o *Overlay) FindByExternalID(ctx context.Context, et *EntityType, externalID string) (*Entity, error) {
	if entry, ok := o.entries[et][externalID]; ok {
		return entry.entity.Clone(), nil
	}
	return o.base.FindByExternalID(ctx, et, externalID)
}

func (o *Overlay) Create(_ context.Context, et *EntityType, e *Entity) error {
	if e.ExternalID == "" {
		return ErrMissingExternal
	}
	if err := checkColumns(et, e.Fields); err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	o.table(et)[e.ExternalID] = &overlayEntry{entity: e.Clone()}
	return nil
}

func (o *Overlay) Update(_ context.Context, et *EntityType, e *Entity, changes map[string]any) error {
	if err := checkColumns(et, changes); err != nil {
		return err
	}
	t := o.table(et)
	entry, ok := t[e.ExternalID]
	if !ok {
		entry = &overlayEntry{entity: e.Clone(), original: e.Clone()}
		t[e.ExternalID] = entry
	}
	for k, v := range changes {
		entry.entity.Fields[k] = v
	}
	return nil
}

func (o *Overlay) Index(ctx context.Context, et *EntityType, column string) ([]IndexEntry, error) {
	base, err := o.base.Index(ctx, et, column)
	if err != nil {
		return nil, err
	}
	shadowed := make(map[uuid.UUID]bool)
	var out []IndexEntry
	for _, entry := range o.entries[et] {
		shadowed[entry.entity.ID] = true
		if key, ok := indexKey(entry.entity, column); ok {
			out = append(out, IndexEntry{Key: key, ID: entry.entity.ID})
		}
	}
	for _, ie := range base {
		if !shadowed[ie.ID] {
			out = append(out, ie)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (o *Overlay) Count(ctx context.Context, et *EntityType) (int, error) {
	n, err := o.base.Count(ctx, et)
	if err != nil {
		return 0, err
	}
	for _, entry := range o.entries[et] {
		if entry.original == nil {
			n++
		}
	}
	return n, nil
}

func (o *Overlay) CountMissing(ctx context.Context, et *EntityType, column string) (int, error) {
	n, err := o.base.CountMissing(ctx, et, column)
	if err != nil {
		return 0, err
	}
	for _, entry := range o.entries[et] {
		if entry.original != nil && entry.original.Fields[column] == nil {
			n--
		}
		if entry.entity.Fields[column] == nil {
			n++
		}
	}
	return n, nil
}

func (o *Overlay) Purge(context.Context, *EntityType) (int, error) {
	return 0, ErrPreviewPurge
}

// Pending returns the number of rows the overlay would create and update.
func (o *Overlay) Pending(et *EntityType) (creates, updates int) {
	for _, entry := range o.entries[et] {
		if entry.original == nil {
			creates++
		} else {
			updates++
		}
	}
	return creates, updates
}
