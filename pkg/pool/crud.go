package pool

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/joao-brasil/sqlease/pkg/caster"
	"github.com/joao-brasil/sqlease/pkg/dberr"
	"github.com/joao-brasil/sqlease/pkg/protocol"
	"github.com/joao-brasil/sqlease/pkg/rewrite"
)

// Find returns the T with primary key id, from the lease's entity cache when
// present. A missing row fails with NotFound.
func Find[T any](ctx context.Context, l *Lease, id any) (*T, error) {
	t, err := tableFor[T](l)
	if err != nil {
		return nil, err
	}
	key, err := normalizeKey(t, id)
	if err != nil {
		return nil, err
	}

	if v, ok := l.cache.Get(t.typ, key); ok {
		rec := v.(T)
		return &rec, nil
	}

	rec, err := fetch[T](ctx, l, t, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, dberr.New(dberr.KindNotFound, "pool.find", "%s %v does not exist", t.name, key)
	}
	if err := l.cache.Put(t.typ, key, *rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Select returns every T matching where, a template fragment bound with p.
// An empty where selects the whole table. Results warm the entity cache.
func Select[T any](ctx context.Context, l *Lease, where string, p rewrite.Params) ([]*T, error) {
	t, err := tableFor[T](l)
	if err != nil {
		return nil, err
	}
	query := selectSQL(l, t)
	if where != "" {
		query += " WHERE " + where
	}

	rows, err := l.query(ctx, query, p, l.pool.registry)
	if err != nil {
		return nil, err
	}
	all, err := rows.All()
	if err != nil {
		return nil, err
	}

	out := make([]*T, 0, len(all))
	for _, row := range all {
		rec, err := mapRow[T](l, t, row)
		if err != nil {
			return nil, err
		}
		if err := l.cache.Put(t.typ, t.key.get(rec), *rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Insert writes rec, reads the generated key back when the key column is
// Generated, then re-reads the row and copies every column onto rec so that
// database defaults are reflected.
func Insert[T any](ctx context.Context, l *Lease, rec *T) error {
	t, err := tableFor[T](l)
	if err != nil {
		return err
	}
	d := l.pool.desc
	names, marks, vals, err := columnValues(l, rec, t.insertable())
	if err != nil {
		return err
	}
	p := rewrite.Positional(vals...)
	key := t.key

	var raw any
	switch {
	case !key.Generated:
		if _, err := l.exec(ctx, insertSQL(d, t, names, marks, nil), p, nil); err != nil {
			return err
		}
		raw = key.get(rec)

	case d.KeyRetrieval == protocol.KeyReturning || d.KeyRetrieval == protocol.KeyOutput:
		rows, err := l.query(ctx, insertSQL(d, t, names, marks, key), p, nil)
		if err != nil {
			return err
		}
		all, err := rows.All()
		if err != nil {
			return err
		}
		if len(all) == 0 {
			return dberr.New(dberr.KindMapping, "pool.insert", "%s: no generated key returned", t.name)
		}
		v, ok := all[0].Column(key.Hint, "", key.Name)
		if !ok {
			return dberr.New(dberr.KindMapping, "pool.insert", "%s: generated key column %s missing", t.name, key.Name)
		}
		raw = v

	default:
		res, err := l.exec(ctx, insertSQL(d, t, names, marks, nil), p, nil)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("%s: reading generated key: %w", t.name, err)
		}
		raw = id
	}

	keyVal, err := l.pool.registry.FromWire(raw, key.typ, key.Wire)
	if err != nil {
		return err
	}
	if err := key.set(rec, keyVal); err != nil {
		return err
	}
	return refresh(ctx, l, t, rec, keyVal)
}

// InsertBatch inserts every record through one prepared statement. Generated
// keys are not read back and the entity cache is not updated.
func InsertBatch[T any](ctx context.Context, l *Lease, recs []*T) (int64, error) {
	t, err := tableFor[T](l)
	if err != nil {
		return 0, err
	}
	cols := t.insertable()

	var (
		tmpl string
		sets = make([]rewrite.Params, 0, len(recs))
	)
	for _, rec := range recs {
		names, marks, vals, err := columnValues(l, rec, cols)
		if err != nil {
			return 0, err
		}
		if tmpl == "" {
			tmpl = insertSQL(l.pool.desc, t, names, marks, nil)
		}
		sets = append(sets, rewrite.Positional(vals...))
	}
	return l.execBatch(ctx, tmpl, sets, nil)
}

// Update writes every updatable column of rec, then re-reads the row and
// copies it back onto rec.
func Update[T any](ctx context.Context, l *Lease, rec *T) error {
	t, err := tableFor[T](l)
	if err != nil {
		return err
	}
	key := t.key.get(rec)
	if missingKey(t, key) {
		return dberr.New(dberr.KindIllegalArgument, "pool.update", "%s has no primary key", t.name)
	}

	names, marks, vals, err := columnValues(l, rec, t.updatable())
	if err != nil {
		return err
	}
	if len(names) > 0 {
		d := l.pool.desc
		sets := make([]string, len(names))
		for i := range names {
			sets[i] = names[i] + " = " + marks[i]
		}
		keyWire, keyMark, err := keyValue(l, t, key)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
			d.QuoteIdentifier(t.name), strings.Join(sets, ", "), d.QuoteIdentifier(t.key.Name), keyMark)
		if _, err := l.exec(ctx, query, rewrite.Positional(append(vals, keyWire)...), nil); err != nil {
			return err
		}
	}
	return refresh(ctx, l, t, rec, key)
}

// Delete removes the row of rec and evicts it from the entity cache.
func Delete[T any](ctx context.Context, l *Lease, rec *T) error {
	t, err := tableFor[T](l)
	if err != nil {
		return err
	}
	key := t.key.get(rec)
	if missingKey(t, key) {
		return dberr.New(dberr.KindIllegalArgument, "pool.delete", "%s has no primary key", t.name)
	}

	d := l.pool.desc
	keyWire, keyMark, err := keyValue(l, t, key)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		d.QuoteIdentifier(t.name), d.QuoteIdentifier(t.key.Name), keyMark)
	if _, err := l.exec(ctx, query, rewrite.Positional(keyWire), nil); err != nil {
		return err
	}
	l.cache.Remove(t.typ, key)
	return nil
}

// ── Internal helpers ─────────────────────────────────────────────────────

func tableFor[T any](l *Lease) (*tableInfo, error) {
	typ := reflect.TypeFor[T]()
	t, ok := l.pool.schema.lookup(typ)
	if !ok {
		return nil, dberr.New(dberr.KindMapping, "pool.table", "no table registered for %s", typ)
	}
	return t, nil
}

func normalizeKey(t *tableInfo, id any) (any, error) {
	if isNil(id) {
		return nil, dberr.New(dberr.KindIllegalArgument, "pool.find", "%s needs a primary key", t.name)
	}
	return caster.Convert(id, t.key.typ)
}

// fetch reads the row with the given key, bypassing the cache. It returns
// nil when no row matches.
func fetch[T any](ctx context.Context, l *Lease, t *tableInfo, key any) (*T, error) {
	keyWire, keyMark, err := keyValue(l, t, key)
	if err != nil {
		return nil, err
	}
	query := selectSQL(l, t) + " WHERE " + l.pool.desc.QuoteIdentifier(t.key.Name) + " = " + keyMark

	rows, err := l.query(ctx, query, rewrite.Positional(keyWire), nil)
	if err != nil {
		return nil, err
	}
	all, err := rows.All()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return mapRow[T](l, t, all[0])
}

// refresh re-reads the row of rec and copies every selected column onto it.
func refresh[T any](ctx context.Context, l *Lease, t *tableInfo, rec *T, key any) error {
	fresh, err := fetch[T](ctx, l, t, key)
	if err != nil {
		return err
	}
	if fresh == nil {
		return dberr.New(dberr.KindNotFound, "pool.refresh", "%s %v does not exist", t.name, key)
	}
	for _, c := range t.selectable() {
		if err := c.set(rec, c.get(fresh)); err != nil {
			return err
		}
	}
	return l.cache.Put(t.typ, key, *rec)
}

func mapRow[T any](l *Lease, t *tableInfo, row *Row) (*T, error) {
	rec := new(T)
	reg := l.pool.registry
	for _, c := range t.selectable() {
		raw, ok := row.Column(c.Hint, t.name, c.Name)
		if !ok {
			if c.Nullable {
				continue
			}
			return nil, dberr.New(dberr.KindMapping, "pool.map", "column %s.%s missing from row", t.name, c.Name)
		}

		var (
			v   any
			err error
		)
		if raw == nil && c.typ.Implements(referenceType) {
			v = reflect.Zero(c.typ).Interface().(reference).refWith(nil)
		} else if v, err = reg.FromWire(raw, c.typ, c.Wire); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.name, c.Name, err)
		}
		if err := c.set(rec, v); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.name, c.Name, err)
		}
		if b, ok := c.ptr(rec).(leaseBinder); ok {
			b.bindLease(l)
		}
	}
	return rec, nil
}

// columnValues converts the fields of rec for cols, returning quoted column
// names, placeholder expressions (with caster wraps) and wire values.
func columnValues(l *Lease, rec any, cols []*Column) (names, marks []string, vals []any, err error) {
	d := l.pool.desc
	reg := l.pool.registry
	for _, c := range cols {
		w, _, err := reg.ToWire(c.get(rec), c.Wire)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%s: %w", c.Field, err)
		}
		ph, _ := reg.Wraps(c.typ, c.Wire)
		names = append(names, d.QuoteIdentifier(c.Name))
		marks = append(marks, ph.Apply(d.PositionalMarker))
		vals = append(vals, w)
	}
	return names, marks, vals, nil
}

func keyValue(l *Lease, t *tableInfo, key any) (any, string, error) {
	reg := l.pool.registry
	w, _, err := reg.ToWire(key, t.key.Wire)
	if err != nil {
		return nil, "", err
	}
	ph, _ := reg.Wraps(t.key.typ, t.key.Wire)
	return w, ph.Apply(l.pool.desc.PositionalMarker), nil
}

func selectSQL(l *Lease, t *tableInfo) string {
	d := l.pool.desc
	cols := t.selectable()
	parts := make([]string, len(cols))
	for i, c := range cols {
		q := d.QuoteIdentifier(c.Name)
		_, wrap := l.pool.registry.Wraps(c.typ, c.Wire)
		if w := wrap.Apply(q); w != q {
			parts[i] = w + " AS " + q
			continue
		}
		parts[i] = q
	}
	return "SELECT " + strings.Join(parts, ", ") + " FROM " + d.QuoteIdentifier(t.name)
}

// insertSQL renders an INSERT; a non-nil returning column adds the dialect's
// generated-key clause.
func insertSQL(d *protocol.Descriptor, t *tableInfo, names, marks []string, returning *Column) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.QuoteIdentifier(t.name))

	output := returning != nil && d.KeyRetrieval == protocol.KeyOutput
	if len(names) > 0 {
		b.WriteString(" (" + strings.Join(names, ", ") + ")")
	}
	if output {
		b.WriteString(" OUTPUT INSERTED." + d.QuoteIdentifier(returning.Name))
	}
	switch {
	case len(names) > 0:
		b.WriteString(" VALUES (" + strings.Join(marks, ", ") + ")")
	case d == protocol.MySQL:
		b.WriteString(" () VALUES ()")
	default:
		b.WriteString(" DEFAULT VALUES")
	}
	if returning != nil && d.KeyRetrieval == protocol.KeyReturning {
		b.WriteString(" RETURNING " + d.QuoteIdentifier(returning.Name))
	}
	return b.String()
}

// missingKey reports a nil key, or the zero value of a generated key, which
// the database never assigns.
func missingKey(t *tableInfo, key any) bool {
	if isNil(key) {
		return true
	}
	return t.key.Generated && reflect.ValueOf(key).IsZero()
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
