package pool

import (
	"reflect"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/joao-brasil/sqlease/pkg/caster"
)

// Hint tells the column accessor how to read a raw value.
type Hint int

const (
	HintObject Hint = iota // the driver's value, unchanged
	HintInt32
	HintInt64
	HintFloat64
	HintString
	HintBytes
	HintBool
	HintTime
)

var hintTypes = map[Hint]reflect.Type{
	HintInt32:   reflect.TypeOf(int32(0)),
	HintInt64:   reflect.TypeOf(int64(0)),
	HintFloat64: reflect.TypeOf(float64(0)),
	HintString:  reflect.TypeOf(""),
	HintBytes:   reflect.TypeOf([]byte(nil)),
	HintBool:    reflect.TypeOf(false),
	HintTime:    reflect.TypeOf(time.Time{}),
}

// Row is one fetched row, keyed by result column name.
type Row struct {
	values map[string]any
}

// Column returns the raw value of name. It tries "<alias>.<name>", then
// "<alias>_<name>", then the bare name, and returns the first present value
// that reads cleanly under hint. A NULL column is present with a nil value.
func (r *Row) Column(hint Hint, alias, name string) (any, bool) {
	candidates := []string{name}
	if alias != "" {
		candidates = []string{alias + "." + name, alias + "_" + name, name}
	}
	for _, key := range candidates {
		raw, ok := r.values[key]
		if !ok {
			continue
		}
		v, err := readAs(hint, raw)
		if err != nil {
			continue
		}
		return v, true
	}
	return nil, false
}

// Values returns the row as a map; the map is shared with the row.
func (r *Row) Values() map[string]any { return r.values }

func readAs(hint Hint, raw any) (any, error) {
	t, ok := hintTypes[hint]
	if !ok || raw == nil {
		return raw, nil
	}
	return caster.Convert(raw, t)
}

// Rows iterates over a result set.
type Rows struct {
	rows *sqlx.Rows
	row  *Row
	err  error
}

// Next advances to the next row.
func (r *Rows) Next() bool {
	if r.err != nil || !r.rows.Next() {
		return false
	}
	values := make(map[string]any)
	if err := r.rows.MapScan(values); err != nil {
		r.err = err
		return false
	}
	r.row = &Row{values: values}
	return true
}

// Row returns the current row.
func (r *Rows) Row() *Row { return r.row }

// Err returns the first error met while iterating.
func (r *Rows) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.rows.Err()
}

// Close releases the result set.
func (r *Rows) Close() error { return r.rows.Close() }

// All drains the result set and closes it.
func (r *Rows) All() ([]*Row, error) {
	defer r.Close()
	var out []*Row
	for r.Next() {
		out = append(out, r.row)
	}
	return out, r.Err()
}
