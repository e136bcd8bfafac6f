// Package caster converts between application values and the values handed
// to (or read from) a database driver.
//
// Casters are registered per (application type, wire type) pair. Lookup walks
// an explicit fallback chain for each side: the type itself, the supertypes
// declared for it with Declare, every registered interface type it implements
// (in registration order), and finally Any. Chains are computed once per type
// and cached until the registry changes.
package caster

import (
	"reflect"
	"sync"
)

// Any is the root of every fallback chain.
var Any = reflect.TypeOf((*any)(nil)).Elem()

// Caster converts one application type to and from its wire representation.
type Caster interface {
	ToWire(v any) (any, error)
	// FromWire converts w into a value of the target application type.
	FromWire(w any, target reflect.Type) (any, error)
}

// Wrap is SQL spliced around a placeholder or a selected column.
type Wrap struct {
	Prefix  string
	Postfix string
}

// Apply wraps s.
func (w Wrap) Apply(s string) string {
	if w.Prefix == "" && w.Postfix == "" {
		return s
	}
	return w.Prefix + s + w.Postfix
}

// Wrapper is implemented by casters that request a wire-side transform, e.g.
// a Wire wrap of {"", "*2"} turns "?" into "?*2" in value lists.
type Wrapper interface {
	// WireWrap surrounds the placeholder in INSERT/UPDATE value lists and filters.
	WireWrap() Wrap
	// ColumnWrap surrounds the column in SELECT lists.
	ColumnWrap() Wrap
}

// Funcs adapts a pair of functions to Caster and Wrapper.
type Funcs struct {
	To     func(v any) (any, error)
	From   func(w any, target reflect.Type) (any, error)
	Wire   Wrap
	Column Wrap
}

func (f Funcs) ToWire(v any) (any, error) {
	if f.To == nil {
		return v, nil
	}
	return f.To(v)
}

func (f Funcs) FromWire(w any, target reflect.Type) (any, error) {
	if f.From == nil {
		return Convert(w, target)
	}
	return f.From(w, target)
}

func (f Funcs) WireWrap() Wrap   { return f.Wire }
func (f Funcs) ColumnWrap() Wrap { return f.Column }

type pair struct {
	app  reflect.Type
	wire reflect.Type
}

// Registry is safe for concurrent use; one registry is shared by every lease
// of a pool.
type Registry struct {
	mu       sync.RWMutex
	entries  map[pair]Caster
	defaults map[reflect.Type]reflect.Type // app type -> first wire type registered
	supers   map[reflect.Type][]reflect.Type
	ifaces   []reflect.Type
	chains   map[reflect.Type][]reflect.Type
}

// NewRegistry returns an empty registry. Use Defaults to add the built-ins.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[pair]Caster),
		defaults: make(map[reflect.Type]reflect.Type),
		supers:   make(map[reflect.Type][]reflect.Type),
		chains:   make(map[reflect.Type][]reflect.Type),
	}
}

// Register binds c to the (app, wire) pair. The first wire type registered for
// an app type becomes its default wire type.
func (r *Registry) Register(app, wire reflect.Type, c Caster) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := pair{app: app, wire: wire}
	if _, exists := r.entries[p]; !exists && app.Kind() == reflect.Interface && app != Any {
		if !containsType(r.ifaces, app) {
			r.ifaces = append(r.ifaces, app)
		}
	}
	r.entries[p] = c
	if _, ok := r.defaults[app]; !ok {
		r.defaults[app] = wire
	}
	clear(r.chains)
}

// Declare records supers as the ordered supertypes of t.
func (r *Registry) Declare(t reflect.Type, supers ...reflect.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supers[t] = append(r.supers[t], supers...)
	clear(r.chains)
}

// Chain returns the ordered fallback list for t, starting with t and ending with Any.
func (r *Registry) Chain(t reflect.Type) []reflect.Type {
	r.mu.RLock()
	chain, ok := r.chains[t]
	r.mu.RUnlock()
	if ok {
		return chain
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if chain, ok := r.chains[t]; ok {
		return chain
	}
	chain = r.buildChain(t)
	r.chains[t] = chain
	return chain
}

func (r *Registry) buildChain(t reflect.Type) []reflect.Type {
	chain := []reflect.Type{t}
	// Declared supertypes, breadth first.
	for i := 0; i < len(chain); i++ {
		for _, s := range r.supers[chain[i]] {
			if !containsType(chain, s) {
				chain = append(chain, s)
			}
		}
	}
	for _, iface := range r.ifaces {
		if t != iface && t.Implements(iface) && !containsType(chain, iface) {
			chain = append(chain, iface)
		}
	}
	if !containsType(chain, Any) {
		chain = append(chain, Any)
	}
	return chain
}

// Lookup resolves the caster for (app, wire): exact match, then app's
// supertypes against wire, then wire's supertypes. A nil wire means the
// default wire type of the first type in app's chain that has one.
func (r *Registry) Lookup(app, wire reflect.Type) (Caster, bool) {
	if app == nil {
		return nil, false
	}
	appChain := r.Chain(app)
	if wire == nil {
		wire = r.DefaultWire(app)
		if wire == nil {
			return nil, false
		}
	}

	r.mu.RLock()
	if c, ok := r.entries[pair{app, wire}]; ok {
		r.mu.RUnlock()
		return c, true
	}
	for _, a := range appChain[1:] {
		if c, ok := r.entries[pair{a, wire}]; ok {
			r.mu.RUnlock()
			return c, true
		}
	}
	r.mu.RUnlock()

	wireChain := r.Chain(wire)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range wireChain[1:] {
		for _, a := range appChain {
			if c, ok := r.entries[pair{a, w}]; ok {
				return c, true
			}
		}
	}
	return nil, false
}

// DefaultWire returns the default wire type for app, or nil.
func (r *Registry) DefaultWire(app reflect.Type) reflect.Type {
	chain := r.Chain(app)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range chain {
		if w, ok := r.defaults[a]; ok {
			return w
		}
	}
	return nil
}

// ToWire converts v for the driver. Without a caster v passes through
// unchanged and the driver's own coercion applies.
func (r *Registry) ToWire(v any, wire reflect.Type) (any, Wrap, error) {
	if v == nil {
		return nil, Wrap{}, nil
	}
	c, ok := r.Lookup(reflect.TypeOf(v), wire)
	if !ok {
		return v, Wrap{}, nil
	}
	out, err := c.ToWire(v)
	if err != nil {
		return nil, Wrap{}, err
	}
	return out, wireWrap(c), nil
}

// FromWire converts a raw driver value into app. When wire is nil the raw
// value's dynamic type is used as the wire type. Without a caster the value
// goes through Convert.
func (r *Registry) FromWire(raw any, app, wire reflect.Type) (any, error) {
	if raw == nil {
		return reflect.Zero(app).Interface(), nil
	}
	if wire == nil {
		wire = reflect.TypeOf(raw)
	}
	if c, ok := r.Lookup(app, wire); ok {
		return c.FromWire(raw, app)
	}
	return Convert(raw, app)
}

// Wraps returns the SQL wraps for values of app sent as wire.
func (r *Registry) Wraps(app, wire reflect.Type) (placeholder, column Wrap) {
	c, ok := r.Lookup(app, wire)
	if !ok {
		return Wrap{}, Wrap{}
	}
	if w, ok := c.(Wrapper); ok {
		return w.WireWrap(), w.ColumnWrap()
	}
	return Wrap{}, Wrap{}
}

func wireWrap(c Caster) Wrap {
	if w, ok := c.(Wrapper); ok {
		return w.WireWrap()
	}
	return Wrap{}
}

func containsType(ts []reflect.Type, t reflect.Type) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}
