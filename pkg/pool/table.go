package pool

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/joao-brasil/sqlease/pkg/caster"
)

// NamingFunc derives a column or table name from a logical field or type name
// when no override is given.
type NamingFunc func(string) string

// SnakeCase maps "OwnerID" to "owner_id".
func SnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Column describes one persisted field of a record type.
type Column struct {
	Field string // logical name
	Name  string // column name; derived with the schema's NamingFunc when empty

	// Wire overrides the default wire type of the field's casters.
	Wire reflect.Type
	Hint Hint

	Key       bool
	Generated bool // key assigned by the database on insert
	NoInsert  bool
	NoUpdate  bool
	NoSelect  bool
	Nullable  bool // absent from a row without a mapping error

	typ reflect.Type
	ptr func(rec any) any // returns *V for a *T
}

// get returns the field value of rec (a *T).
func (c *Column) get(rec any) any {
	return reflect.ValueOf(c.ptr(rec)).Elem().Interface()
}

// set assigns v to the field of rec (a *T).
func (c *Column) set(rec any, v any) error {
	f := reflect.ValueOf(c.ptr(rec)).Elem()
	if v == nil {
		f.Set(reflect.Zero(f.Type()))
		return nil
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.Type().AssignableTo(f.Type()):
		f.Set(rv)
	default:
		cv, err := caster.Convert(v, f.Type())
		if err != nil {
			return err
		}
		f.Set(reflect.ValueOf(cv))
	}
	return nil
}

// ColumnOption adjusts a Column.
type ColumnOption func(*Column)

// As overrides the column name.
func As(name string) ColumnOption { return func(c *Column) { c.Name = name } }

// Wire sets the wire type used when casting the field.
func Wire(t reflect.Type) ColumnOption { return func(c *Column) { c.Wire = t } }

// WithHint sets the extraction hint used when reading the column.
func WithHint(h Hint) ColumnOption { return func(c *Column) { c.Hint = h } }

// NoInsert leaves the column out of INSERT statements.
func NoInsert() ColumnOption { return func(c *Column) { c.NoInsert = true } }

// NoUpdate leaves the column out of UPDATE statements.
func NoUpdate() ColumnOption { return func(c *Column) { c.NoUpdate = true } }

// NoSelect leaves the column out of SELECT statements.
func NoSelect() ColumnOption { return func(c *Column) { c.NoSelect = true } }

// Nullable tolerates the column missing from a result row.
func Nullable() ColumnOption { return func(c *Column) { c.Nullable = true } }

// Generated marks a key assigned by the database; it is never inserted or updated.
func Generated() ColumnOption {
	return func(c *Column) {
		c.Generated = true
		c.NoInsert = true
		c.NoUpdate = true
	}
}

// Col describes the field of T reached through field.
func Col[T, V any](name string, field func(*T) *V, opts ...ColumnOption) Column {
	c := Column{
		Field: name,
		typ:   reflect.TypeFor[V](),
		ptr:   func(rec any) any { return field(rec.(*T)) },
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Key describes the primary key field of T. Keys are never updated.
func Key[T, V any](name string, field func(*T) *V, opts ...ColumnOption) Column {
	c := Col(name, field, opts...)
	c.Key = true
	c.NoUpdate = true
	return c
}

// Table is the explicit descriptor of record type T.
type Table[T any] struct {
	Name    string
	Columns []Column
}

// NewTable builds the descriptor of T. Exactly one column must be a key.
func NewTable[T any](name string, cols ...Column) *Table[T] {
	return &Table[T]{Name: name, Columns: cols}
}

// tableInfo is the type-erased, resolved form of a Table stored in a Schema.
type tableInfo struct {
	typ     reflect.Type
	name    string
	columns []Column
	key     *Column
}

func (t *tableInfo) selectable() []*Column {
	return t.filter(func(c *Column) bool { return !c.NoSelect })
}

func (t *tableInfo) insertable() []*Column {
	return t.filter(func(c *Column) bool { return !c.NoInsert })
}

func (t *tableInfo) updatable() []*Column {
	return t.filter(func(c *Column) bool { return !c.NoUpdate && !c.Key })
}

func (t *tableInfo) filter(keep func(*Column) bool) []*Column {
	out := make([]*Column, 0, len(t.columns))
	for i := range t.columns {
		if keep(&t.columns[i]) {
			out = append(out, &t.columns[i])
		}
	}
	return out
}

// Schema maps record types to their table descriptors.
type Schema struct {
	mu     sync.RWMutex
	naming NamingFunc
	tables map[reflect.Type]*tableInfo
}

// NewSchema creates an empty schema. A nil naming keeps names as written.
func NewSchema(naming NamingFunc) *Schema {
	if naming == nil {
		naming = func(s string) string { return s }
	}
	return &Schema{naming: naming, tables: make(map[reflect.Type]*tableInfo)}
}

// Register adds the descriptor of T to s, resolving empty names with the
// schema's naming function. It fails unless exactly one key column exists.
func Register[T any](s *Schema, t *Table[T]) error {
	typ := reflect.TypeFor[T]()
	info := &tableInfo{
		typ:     typ,
		name:    t.Name,
		columns: make([]Column, len(t.Columns)),
	}
	if info.name == "" {
		info.name = s.naming(typ.Name())
	}
	copy(info.columns, t.Columns)

	for i := range info.columns {
		c := &info.columns[i]
		if c.Name == "" {
			c.Name = s.naming(c.Field)
		}
		if c.Key {
			if info.key != nil {
				return fmt.Errorf("table %s: more than one key column (%s, %s)", info.name, info.key.Field, c.Field)
			}
			info.key = c
		}
	}
	if info.key == nil {
		return fmt.Errorf("table %s: no key column", info.name)
	}

	s.mu.Lock()
	s.tables[typ] = info
	s.mu.Unlock()
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister[T any](s *Schema, t *Table[T]) {
	if err := Register(s, t); err != nil {
		panic(err)
	}
}

func (s *Schema) lookup(typ reflect.Type) (*tableInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[typ]
	return t, ok
}
