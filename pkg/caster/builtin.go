package caster

import (
	"fmt"
	"reflect"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joao-brasil/sqlease/pkg/dberr"
)

// Enum is implemented by enumerated types persisted by constant name.
// Constants lists every constant of the concrete type; it is called on the
// zero value, so it must not depend on the receiver.
type Enum interface {
	fmt.Stringer
	Constants() []Enum
}

// WireNamer overrides the persisted name of an Enum constant.
type WireNamer interface {
	WireName() string
}

// EnumType is the registry key of the Enum interface.
var EnumType = reflect.TypeOf((*Enum)(nil)).Elem()

var (
	stringType  = reflect.TypeOf("")
	int64Type   = reflect.TypeOf(int64(0))
	float64Type = reflect.TypeOf(float64(0))
	dateType    = reflect.TypeOf(civil.Date{})
	decType     = reflect.TypeOf(decimal.Decimal{})
	uuidType    = reflect.TypeOf(uuid.UUID{})
)

// EnumName returns the persisted name of e.
func EnumName(e Enum) string {
	if n, ok := e.(WireNamer); ok {
		return n.WireName()
	}
	return e.String()
}

// Defaults returns a registry with the built-in casters and wire lineage.
func Defaults() *Registry {
	r := NewRegistry()
	RegisterBuiltins(r)
	return r
}

// RegisterBuiltins adds the built-in casters to r.
func RegisterBuiltins(r *Registry) {
	// Wire lineage: narrower driver types fall back to wider ones.
	r.Declare(bytesType, stringType)
	r.Declare(reflect.TypeOf(int32(0)), int64Type)
	r.Declare(reflect.TypeOf(int(0)), int64Type)
	r.Declare(reflect.TypeOf(float32(0)), float64Type)

	r.Register(EnumType, stringType, enumCaster{})

	r.Register(timeType, timeType, Funcs{
		To: func(v any) (any, error) { return v.(time.Time).UTC(), nil },
	})
	r.Register(timeType, stringType, Funcs{
		To: func(v any) (any, error) { return v.(time.Time).UTC().Format(time.RFC3339Nano), nil },
		From: func(w any, target reflect.Type) (any, error) {
			return Convert(textOf(w), target)
		},
	})
	r.Register(timeType, int64Type, Funcs{
		To: func(v any) (any, error) { return v.(time.Time).UnixMilli(), nil },
		From: func(w any, _ reflect.Type) (any, error) {
			ms, err := Convert(w, int64Type)
			if err != nil {
				return nil, err
			}
			return time.UnixMilli(ms.(int64)).UTC(), nil
		},
	})

	r.Register(dateType, timeType, Funcs{
		To: func(v any) (any, error) {
			return v.(civil.Date).In(time.UTC), nil
		},
		From: func(w any, _ reflect.Type) (any, error) {
			t, err := Convert(w, timeType)
			if err != nil {
				return nil, err
			}
			return civil.DateOf(t.(time.Time)), nil
		},
	})
	r.Register(dateType, stringType, Funcs{
		To: func(v any) (any, error) { return v.(civil.Date).String(), nil },
		From: func(w any, _ reflect.Type) (any, error) {
			d, err := civil.ParseDate(textOf(w))
			if err != nil {
				return nil, dberr.Cast("caster.date", fmt.Sprintf("%T", w), dateType.String(), err)
			}
			return d, nil
		},
	})

	r.Register(decType, stringType, Funcs{
		To: func(v any) (any, error) { return v.(decimal.Decimal).String(), nil },
		From: func(w any, _ reflect.Type) (any, error) {
			switch x := w.(type) {
			case float64:
				return decimal.NewFromFloat(x), nil
			case int64:
				return decimal.NewFromInt(x), nil
			}
			d, err := decimal.NewFromString(textOf(w))
			if err != nil {
				return nil, dberr.Cast("caster.decimal", fmt.Sprintf("%T", w), decType.String(), err)
			}
			return d, nil
		},
	})

	r.Register(uuidType, stringType, Funcs{
		To: func(v any) (any, error) { return v.(uuid.UUID).String(), nil },
		From: func(w any, _ reflect.Type) (any, error) {
			if b, ok := w.([]byte); ok && len(b) == 16 {
				return uuid.FromBytes(b)
			}
			id, err := uuid.Parse(textOf(w))
			if err != nil {
				return nil, dberr.Cast("caster.uuid", fmt.Sprintf("%T", w), uuidType.String(), err)
			}
			return id, nil
		},
	})
	r.Register(uuidType, bytesType, Funcs{
		To: func(v any) (any, error) {
			id := v.(uuid.UUID)
			return id[:], nil
		},
		From: func(w any, _ reflect.Type) (any, error) {
			b, ok := w.([]byte)
			if !ok {
				return uuid.Parse(textOf(w))
			}
			return uuid.FromBytes(b)
		},
	})
}

type enumCaster struct{}

func (enumCaster) ToWire(v any) (any, error) {
	e, ok := v.(Enum)
	if !ok {
		return nil, dberr.Cast("caster.enum", fmt.Sprintf("%T", v), "string", nil)
	}
	return EnumName(e), nil
}

func (enumCaster) FromWire(w any, target reflect.Type) (any, error) {
	name := textOf(w)
	zero, ok := reflect.Zero(target).Interface().(Enum)
	if !ok {
		return nil, dberr.Cast("caster.enum", fmt.Sprintf("%T", w), target.String(), nil)
	}
	for _, c := range zero.Constants() {
		if EnumName(c) == name {
			return c, nil
		}
	}
	return nil, dberr.Cast("caster.enum", "string", target.String(),
		fmt.Errorf("no constant named %q", name))
}

func textOf(w any) string {
	switch x := w.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(w)
	}
}
