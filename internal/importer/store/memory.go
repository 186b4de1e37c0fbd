package store

import (
	"context"
	"sort"
	"sync"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Memory is a thread-safe, in-memory Store for tests and local previews.
type Memory struct {
	mu     sync.RWMutex
	tables map[*EntityType]map[uuid.UUID]*Entity
	writes int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[*EntityType]map[uuid.UUID]*Entity)}
}

func (m *Memory) table(et *EntityType) map[uuid.UUID]*Entity {
	t, ok := m.tables[et]
	if !ok {
		t = make(map[uuid.UUID]*Entity)
		m.tables[et] = t
	}
	return t
}

// Writes returns the number of successful Create and Update calls.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// All returns copies of every row of et ordered by external id.
func (m *Memory) All(et *EntityType) []*Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entity
	for _, e := range m.tables[et] {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

func (m *Memory) FindByExternalID(_ context.Context, et *EntityType, externalID string) (*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.tables[et] {
		if e.ExternalID == externalID {
			return e.Clone(), nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "%s %s", et.Label, externalID)
}

func (m *Memory) Create(_ context.Context, et *EntityType, e *Entity) error {
	if e.ExternalID == "" {
		return ErrMissingExternal
	}
	if err := checkColumns(et, e.Fields); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(et)
	for _, existing := range t {
		if existing.ExternalID == e.ExternalID {
			return errors.Errorf("duplicate %s external id %s", et.Label, e.ExternalID)
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	t[e.ID] = e.Clone()
	m.writes++
	return nil
}

func (m *Memory) Update(_ context.Context, et *EntityType, e *Entity, changes map[string]any) error {
	if err := checkColumns(et, changes); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.table(et)[e.ID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s %s", et.Label, e.ID)
	}
	for k, v := range changes {
		stored.Fields[k] = v
	}
	m.writes++
	return nil
}

func (m *Memory) Index(_ context.Context, et *EntityType, column string) ([]IndexEntry, error) {
	if err := checkIndexColumn(et, column); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []IndexEntry
	for _, e := range m.tables[et] {
		if key, ok := indexKey(e, column); ok {
			out = append(out, IndexEntry{Key: key, ID: e.ID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func indexKey(e *Entity, column string) (string, bool) {
	if column == "external_id" {
		return e.ExternalID, e.ExternalID != ""
	}
	s, ok := e.Fields[column].(string)
	return s, ok && s != ""
}

func (m *Memory) Count(_ context.Context, et *EntityType) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tables[et]), nil
}

func (m *Memory) CountMissing(_ context.Context, et *EntityType, column string) (int, error) {
	if _, ok := et.Column(column); !ok {
		return 0, errors.Wrapf(ErrUnknownColumn, "%s.%s", et.Table, column)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.tables[et] {
		if e.Fields[column] == nil {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Purge(_ context.Context, et *EntityType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.tables[et])
	deleted := map[*EntityType]map[uuid.UUID]bool{et: {}}
	for id := range m.tables[et] {
		deleted[et][id] = true
	}
	delete(m.tables, et)

	for _, dep := range Dependents(et) {
		for _, ref := range dep.References {
			gone := deleted[ref.Target]
			if len(gone) == 0 {
				continue
			}
			for id, e := range m.tables[dep] {
				target, ok := e.Fields[ref.Column].(uuid.UUID)
				if !ok || !gone[target] {
					continue
				}
				if ref.Cascade {
					if deleted[dep] == nil {
						deleted[dep] = make(map[uuid.UUID]bool)
					}
					deleted[dep][id] = true
					delete(m.tables[dep], id)
				} else {
					e.Fields[ref.Column] = nil
				}
			}
		}
	}
	return n, nil
}
