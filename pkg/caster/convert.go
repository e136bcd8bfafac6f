package caster

import (
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joao-brasil/sqlease/pkg/dberr"
)

var (
	timeType  = reflect.TypeOf(time.Time{})
	bytesType = reflect.TypeOf([]byte(nil))
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Convert performs the conversions drivers commonly need without a caster:
// assignable values, numeric widening and range-checked narrowing, text to
// number/bool/time,
// []byte <-> string, and pointer targets. Anything else is a mapping error.
func Convert(raw any, target reflect.Type) (any, error) {
	if raw == nil {
		return reflect.Zero(target).Interface(), nil
	}
	src := reflect.ValueOf(raw)
	if src.Type().AssignableTo(target) {
		return raw, nil
	}

	if target.Kind() == reflect.Pointer {
		inner, err := Convert(raw, target.Elem())
		if err != nil {
			return nil, err
		}
		p := reflect.New(target.Elem())
		p.Elem().Set(reflect.ValueOf(inner))
		return p.Interface(), nil
	}

	if b, ok := raw.([]byte); ok {
		if target.Kind() == reflect.String {
			return reflect.ValueOf(string(b)).Convert(target).Interface(), nil
		}
		raw = string(b)
		src = reflect.ValueOf(raw)
	}

	if s, ok := raw.(string); ok {
		return fromText(s, target)
	}

	switch {
	case isNumber(src.Kind()) && isNumber(target.Kind()):
		if !fits(src, target) {
			return nil, dberr.Cast("caster.convert", src.Type().String(), target.String(), nil)
		}
		return src.Convert(target).Interface(), nil
	case isNumber(src.Kind()) && target.Kind() == reflect.Bool:
		return reflect.ValueOf(src.Convert(reflect.TypeOf(float64(0))).Float() != 0).Convert(target).Interface(), nil
	case src.Kind() == reflect.Bool && isNumber(target.Kind()):
		n := int64(0)
		if src.Bool() {
			n = 1
		}
		return reflect.ValueOf(n).Convert(target).Interface(), nil
	case src.Type().ConvertibleTo(target) && src.Kind() == target.Kind():
		return src.Convert(target).Interface(), nil
	}
	return nil, dberr.Cast("caster.convert", src.Type().String(), target.String(), nil)
}

func fromText(s string, target reflect.Type) (any, error) {
	fail := func(err error) (any, error) {
		return nil, dberr.Cast("caster.convert", "string", target.String(), err)
	}
	if target == timeType {
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return fail(nil)
	}
	if target == bytesType {
		return []byte(s), nil
	}

	v := reflect.New(target).Elem()
	switch target.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return fail(err)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, target.Bits())
		if err != nil {
			return fail(err)
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, target.Bits())
		if err != nil {
			return fail(err)
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), target.Bits())
		if err != nil {
			return fail(err)
		}
		v.SetFloat(f)
	default:
		return fail(nil)
	}
	return v.Interface(), nil
}

// fits reports whether the number src converts to target without wrapping,
// truncation or a sign change.
func fits(src reflect.Value, target reflect.Type) bool {
	dst := reflect.New(target).Elem()
	switch {
	case isInt(target.Kind()):
		switch {
		case isInt(src.Kind()):
			return !dst.OverflowInt(src.Int())
		case isUint(src.Kind()):
			u := src.Uint()
			return u <= math.MaxInt64 && !dst.OverflowInt(int64(u))
		default:
			f := src.Float()
			if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
				return false
			}
			return !dst.OverflowInt(int64(f))
		}
	case isUint(target.Kind()):
		switch {
		case isInt(src.Kind()):
			n := src.Int()
			return n >= 0 && !dst.OverflowUint(uint64(n))
		case isUint(src.Kind()):
			return !dst.OverflowUint(src.Uint())
		default:
			f := src.Float()
			if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
				return false
			}
			return !dst.OverflowUint(uint64(f))
		}
	default:
		if src.Kind() == reflect.Float64 || src.Kind() == reflect.Float32 {
			return !dst.OverflowFloat(src.Float())
		}
		return true
	}
}

func isInt(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uint64
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
