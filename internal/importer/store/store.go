// Package store persists imported entities keyed by their legacy external
// id. It has a Postgres implementation, an in-memory implementation used by
// tests, and a copy-on-write preview overlay used for dry runs.
package store

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("entity not found")
	ErrUnknownColumn   = errors.New("unknown column")
	ErrMissingExternal = errors.New("external id is required")
)

// Entity is one persisted row. Fields holds only importable columns.
type Entity struct {
	ID         uuid.UUID
	ExternalID string
	Fields     map[string]any
}

// Clone returns a copy whose Fields map can be modified independently.
func (e *Entity) Clone() *Entity {
	c := &Entity{ID: e.ID, ExternalID: e.ExternalID, Fields: make(map[string]any, len(e.Fields))}
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	return c
}

// IndexEntry pairs a column value with the id of the row holding it.
type IndexEntry struct {
	Key string
	ID  uuid.UUID
}

// Store is the relational store the import pipeline writes to. Every write
// is a single-row unit of work; there is no cross-record transaction.
type Store interface {
	// FindByExternalID returns ErrNotFound when no row carries externalID.
	FindByExternalID(ctx context.Context, et *EntityType, externalID string) (*Entity, error)
	// Create inserts e, assigning e.ID when it is uuid.Nil.
	Create(ctx context.Context, et *EntityType, e *Entity) error
	// Update writes changes onto the existing row e.
	Update(ctx context.Context, et *EntityType, e *Entity, changes map[string]any) error
	// Index lists the non-null values of column ("external_id" or an entity
	// column) with their row ids.
	Index(ctx context.Context, et *EntityType, column string) ([]IndexEntry, error)
	Count(ctx context.Context, et *EntityType) (int, error)
	// CountMissing counts rows whose column is NULL.
	CountMissing(ctx context.Context, et *EntityType, column string) (int, error)
	// Purge deletes every imported row of et. Dependents declared with
	// Cascade are removed with them; other references are nulled.
	Purge(ctx context.Context, et *EntityType) (int, error)
}

func checkColumns(et *EntityType, fields map[string]any) error {
	for name := range fields {
		if _, ok := et.Column(name); !ok {
			return errors.Wrapf(ErrUnknownColumn, "%s.%s", et.Table, name)
		}
	}
	return nil
}

func checkIndexColumn(et *EntityType, column string) error {
	if column == "external_id" {
		return nil
	}
	if _, ok := et.Column(column); !ok {
		return errors.Wrapf(ErrUnknownColumn, "%s.%s", et.Table, column)
	}
	return nil
}
