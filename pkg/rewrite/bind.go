package rewrite

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/joao-brasil/sqlease/pkg/caster"
	"github.com/joao-brasil/sqlease/pkg/dberr"
)

// Bind produces the driver arguments for res, one per slot, converting every
// value through reg. A nil reg passes values through unchanged.
func Bind(res Result, p Params, reg *caster.Registry) ([]any, error) {
	args := make([]any, res.Slots)
	filled := make([]bool, res.Slots)

	set := func(slot int, v any) error {
		if reg != nil {
			w, _, err := reg.ToWire(v, nil)
			if err != nil {
				return err
			}
			v = w
		}
		args[slot-1] = v
		filled[slot-1] = true
		return nil
	}

	for ord, slot := range res.Indexed {
		v, ok := p.Indexed[ord]
		if !ok {
			return nil, dberr.New(dberr.KindParameterMapping, "rewrite.bind", "no value bound to positional parameter %d", ord)
		}
		if err := set(slot, v); err != nil {
			return nil, err
		}
	}

	for name, slots := range res.Named {
		v, err := lookupNamed(name, p)
		if err != nil {
			return nil, err
		}
		for _, slot := range slots {
			if err := set(slot, v); err != nil {
				return nil, err
			}
		}
	}

	for i, ok := range filled {
		if !ok {
			return nil, dberr.New(dberr.KindParameterMapping, "rewrite.bind", "slot %d has no parameter", i+1)
		}
	}
	return args, nil
}

// lookupNamed resolves a marker name, including the synthetic names list
// elements were expanded into.
func lookupNamed(name string, p Params) (any, error) {
	switch {
	case strings.HasPrefix(name, IndexedPrefix):
		ordText, idx, ok := splitElement(strings.TrimPrefix(name, IndexedPrefix))
		if ord, err := strconv.Atoi(ordText); ok && err == nil {
			if list, bound := p.Indexed[ord]; bound {
				return element(list, idx, name)
			}
		}
	case strings.HasPrefix(name, NamedPrefix):
		base, idx, ok := splitElement(strings.TrimPrefix(name, NamedPrefix))
		if ok {
			if list, bound := p.Named[base]; bound {
				return element(list, idx, name)
			}
		}
	default:
		if v, ok := p.Named[name]; ok {
			return v, nil
		}
	}
	return nil, dberr.New(dberr.KindParameterMapping, "rewrite.bind", "no value bound to named parameter %q", name)
}

// splitElement splits "<base>_<i>" at the last underscore.
func splitElement(s string) (string, int, bool) {
	cut := strings.LastIndexByte(s, '_')
	if cut < 0 {
		return "", 0, false
	}
	i, err := strconv.Atoi(s[cut+1:])
	if err != nil {
		return "", 0, false
	}
	return s[:cut], i, true
}

func element(list any, i int, name string) (any, error) {
	rv := reflect.ValueOf(list)
	if n, isList := listLen(list); !isList || i >= n {
		return nil, dberr.New(dberr.KindParameterMapping, "rewrite.bind", "list element %q out of range", name)
	}
	return rv.Index(i).Interface(), nil
}
