package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Postgres stores entities in the tables created by the migrations
// directory. Table and column names come from the EntityType descriptors,
// never from input data.
type Postgres struct {
	db querier
}

// NewPostgres returns a Store backed by pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{db: pool}
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func selectColumns(et *EntityType) string {
	cols := []string{"id", "external_id"}
	for _, c := range et.Columns {
		cols = append(cols, ident(c.Name))
	}
	return strings.Join(cols, ", ")
}

func (p *Postgres) FindByExternalID(ctx context.Context, et *EntityType, externalID string) (*Entity, error) {
	sql := fmt.Sprintf(`SELECT %s FROM %s WHERE external_id = $1`, selectColumns(et), ident(et.Table))
	rows, err := p.db.Query(ctx, sql, externalID)
	if err != nil {
		return nil, errors.Wrapf(err, "find %s %s", et.Label, externalID)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.Wrapf(err, "find %s %s", et.Label, externalID)
		}
		return nil, errors.Wrapf(ErrNotFound, "%s %s", et.Label, externalID)
	}
	values, err := rows.Values()
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s %s", et.Label, externalID)
	}
	return entityFromValues(et, values), nil
}

func entityFromValues(et *EntityType, values []any) *Entity {
	e := &Entity{Fields: make(map[string]any, len(et.Columns))}
	if id, ok := decode(KindUUID, values[0]).(uuid.UUID); ok {
		e.ID = id
	}
	e.ExternalID, _ = values[1].(string)
	for i, c := range et.Columns {
		e.Fields[c.Name] = decode(c.Kind, values[i+2])
	}
	return e
}

// sortedKeys keeps generated SQL stable for a given field set.
func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Postgres) Create(ctx context.Context, et *EntityType, e *Entity) error {
	if e.ExternalID == "" {
		return ErrMissingExternal
	}
	if err := checkColumns(et, e.Fields); err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	cols := []string{"id", "external_id"}
	args := []any{e.ID.String(), e.ExternalID}
	for _, name := range sortedKeys(e.Fields) {
		col, _ := et.Column(name)
		v, err := encode(col.Kind, e.Fields[name])
		if err != nil {
			return errors.Wrapf(err, "encode %s.%s", et.Table, name)
		}
		cols = append(cols, ident(name))
		args = append(args, v)
	}
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	sql := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		ident(et.Table), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := p.db.Exec(ctx, sql, args...); err != nil {
		return errors.Wrapf(err, "insert %s %s", et.Label, e.ExternalID)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, et *EntityType, e *Entity, changes map[string]any) error {
	if len(changes) == 0 {
		return nil
	}
	if err := checkColumns(et, changes); err != nil {
		return err
	}

	sets := make([]string, 0, len(changes)+1)
	args := []any{e.ID.String()}
	for _, name := range sortedKeys(changes) {
		col, _ := et.Column(name)
		v, err := encode(col.Kind, changes[name])
		if err != nil {
			return errors.Wrapf(err, "encode %s.%s", et.Table, name)
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", ident(name), len(args)))
	}
	sets = append(sets, "updated_at = NOW()")

	sql := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1`, ident(et.Table), strings.Join(sets, ", "))
	tag, err := p.db.Exec(ctx, sql, args...)
	if err != nil {
		return errors.Wrapf(err, "update %s %s", et.Label, e.ExternalID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotFound, "%s %s", et.Label, e.ExternalID)
	}
	return nil
}

func (p *Postgres) Index(ctx context.Context, et *EntityType, column string) ([]IndexEntry, error) {
	if err := checkIndexColumn(et, column); err != nil {
		return nil, err
	}
	sql := fmt.Sprintf(`SELECT %[1]s::text, id FROM %[2]s WHERE %[1]s IS NOT NULL AND %[1]s::text <> '' ORDER BY 1`,
		ident(column), ident(et.Table))
	rows, err := p.db.Query(ctx, sql)
	if err != nil {
		return nil, errors.Wrapf(err, "index %s.%s", et.Table, column)
	}
	defer rows.Close()

	var out []IndexEntry
	for rows.Next() {
		var ie IndexEntry
		if err := rows.Scan(&ie.Key, &ie.ID); err != nil {
			return nil, errors.Wrapf(err, "scan %s.%s", et.Table, column)
		}
		out = append(out, ie)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterate %s.%s", et.Table, column)
	}
	return out, nil
}

func (p *Postgres) Count(ctx context.Context, et *EntityType) (int, error) {
	var n int
	sql := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, ident(et.Table))
	if err := p.db.QueryRow(ctx, sql).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count %s", et.Table)
	}
	return n, nil
}

func (p *Postgres) CountMissing(ctx context.Context, et *EntityType, column string) (int, error) {
	if _, ok := et.Column(column); !ok {
		return 0, errors.Wrapf(ErrUnknownColumn, "%s.%s", et.Table, column)
	}
	var n int
	sql := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s IS NULL`, ident(et.Table), ident(column))
	if err := p.db.QueryRow(ctx, sql).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count missing %s.%s", et.Table, column)
	}
	return n, nil
}

// Purge relies on the ON DELETE CASCADE / SET NULL clauses in the schema to
// mirror the References declared on the descriptors.
func (p *Postgres) Purge(ctx context.Context, et *EntityType) (int, error) {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE external_id IS NOT NULL`, ident(et.Table))
	tag, err := p.db.Exec(ctx, sql)
	if err != nil {
		return 0, errors.Wrapf(err, "purge %s", et.Table)
	}
	return int(tag.RowsAffected()), nil
}
