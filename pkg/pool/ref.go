package pool

import (
	"context"
	"fmt"
	"reflect"

	"github.com/joao-brasil/sqlease/pkg/caster"
	"github.com/joao-brasil/sqlease/pkg/dberr"
)

// Ref is a foreign-key handle to a T row, loaded on first Get.
//
// A Ref is unresolved (key and lease, not loaded), loaded (built from a value
// or resolved once), or empty (no linked row). Record fields of type Ref[T]
// are persisted as T's primary key and bound to the reading lease.
type Ref[T any] struct {
	key    any
	lease  *Lease
	value  *T
	loaded bool
}

// Lazy returns an unresolved reference to the T with primary key key.
func Lazy[T any](key any, l *Lease) Ref[T] {
	return Ref[T]{key: key, lease: l}
}

// Defined returns a loaded reference to v; its key is read from v.
func Defined[T any](v *T) Ref[T] {
	return Ref[T]{value: v, loaded: true}
}

// Empty returns a reference to no row.
func Empty[T any]() Ref[T] {
	return Ref[T]{loaded: true}
}

// Get returns the referenced row, loading it through the lease on first call.
// An empty reference, or one whose row does not exist, fails with NotFound.
func (r *Ref[T]) Get(ctx context.Context) (*T, error) {
	if !r.loaded {
		if r.key == nil || r.lease == nil {
			return nil, dberr.New(dberr.KindIllegalArgument, "ref.get",
				"unresolved reference to %s needs a key and a lease", reflect.TypeFor[T]())
		}
		v, err := Find[T](ctx, r.lease, r.key)
		if err != nil && !dberr.IsNotFound(err) {
			return nil, err
		}
		r.value = v
		r.loaded = true
	}
	if r.value == nil {
		return nil, dberr.New(dberr.KindNotFound, "ref.get", "%s %v does not exist", reflect.TypeFor[T](), r.key)
	}
	return r.value, nil
}

// Key returns the primary key, or nil for an empty reference. A reference
// built with Defined learns its key once it is persisted or bound; use KeyIn
// to read it from the value before that.
func (r Ref[T]) Key() any { return r.key }

// KeyIn returns the primary key, reading it from the value through the table
// s registers for T when the reference was built with Defined.
func (r Ref[T]) KeyIn(s *Schema) (any, error) { return r.refKey(s) }

// Loaded reports whether Get will not hit the database.
func (r Ref[T]) Loaded() bool { return r.loaded }

// IsEmpty reports whether the reference links no row.
func (r Ref[T]) IsEmpty() bool { return r.loaded && r.value == nil && r.key == nil }

func (r Ref[T]) String() string {
	switch {
	case r.IsEmpty():
		return fmt.Sprintf("Ref[%s](empty)", reflect.TypeFor[T]().Name())
	case r.key != nil:
		return fmt.Sprintf("Ref[%s](%v)", reflect.TypeFor[T]().Name(), r.key)
	default:
		return fmt.Sprintf("Ref[%s](defined)", reflect.TypeFor[T]().Name())
	}
}

// reference is implemented by every Ref[T]; the caster registry resolves Ref
// fields of any T through it.
type reference interface {
	refTarget() reflect.Type
	refKey(s *Schema) (any, error)
	refWith(key any) any
}

// leaseBinder is implemented by *Ref[T] so that refs read from a row resolve
// through the lease that read them.
type leaseBinder interface {
	bindLease(l *Lease)
}

var referenceType = reflect.TypeOf((*reference)(nil)).Elem()

func (r Ref[T]) refTarget() reflect.Type { return reflect.TypeFor[T]() }

func (r Ref[T]) refKey(s *Schema) (any, error) {
	if r.key != nil || r.value == nil {
		return r.key, nil
	}
	t, ok := s.lookup(reflect.TypeFor[T]())
	if !ok {
		return nil, dberr.New(dberr.KindMapping, "ref.key", "no table registered for %s", reflect.TypeFor[T]())
	}
	return t.key.get(r.value), nil
}

func (r Ref[T]) refWith(key any) any {
	if key == nil {
		return Empty[T]()
	}
	return Ref[T]{key: key}
}

func (r *Ref[T]) bindLease(l *Lease) {
	if !r.loaded && r.lease == nil {
		r.lease = l
	}
}

// refCaster persists any Ref[T] as T's primary key.
type refCaster struct {
	schema   *Schema
	registry *caster.Registry
}

func (c refCaster) ToWire(v any) (any, error) {
	r, ok := v.(reference)
	if !ok {
		return nil, dberr.Cast("ref.towire", fmt.Sprintf("%T", v), "primary key", nil)
	}
	key, err := r.refKey(c.schema)
	if err != nil || key == nil {
		return nil, err
	}
	w, _, err := c.registry.ToWire(key, nil)
	return w, err
}

func (c refCaster) FromWire(w any, target reflect.Type) (any, error) {
	zero, ok := reflect.Zero(target).Interface().(reference)
	if !ok {
		return nil, dberr.Cast("ref.fromwire", fmt.Sprintf("%T", w), target.String(), nil)
	}
	if w == nil {
		return zero.refWith(nil), nil
	}
	key := w
	if t, ok := c.schema.lookup(zero.refTarget()); ok {
		k, err := c.registry.FromWire(w, t.key.typ, t.key.Wire)
		if err != nil {
			return nil, err
		}
		key = k
	}
	return zero.refWith(key), nil
}
