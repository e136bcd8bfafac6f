package caster

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/sqlease/pkg/dberr"
)

type color int

const (
	red color = iota
	green
)

func (c color) String() string {
	switch c {
	case red:
		return "RED"
	case green:
		return "GREEN"
	}
	return "?"
}

func (color) Constants() []Enum { return []Enum{red, green} }

type size int

const (
	small size = iota
	large
)

func (s size) String() string { return [...]string{"SMALL", "LARGE"}[s] }
func (size) Constants() []Enum { return []Enum{small, large} }
func (s size) WireName() string {
	return [...]string{"s", "l"}[s]
}

func TestEnumResolvesThroughBaseType(t *testing.T) {
	r := Defaults()

	c, ok := r.Lookup(reflect.TypeOf(green), reflect.TypeOf(""))
	require.True(t, ok)

	w, err := c.ToWire(green)
	require.NoError(t, err)
	assert.Equal(t, "GREEN", w)

	v, err := r.FromWire([]byte("RED"), reflect.TypeOf(red), nil)
	require.NoError(t, err)
	assert.Equal(t, red, v)
}

func TestEnumOverrideName(t *testing.T) {
	r := Defaults()

	w, _, err := r.ToWire(large, nil)
	require.NoError(t, err)
	assert.Equal(t, "l", w)

	v, err := r.FromWire("s", reflect.TypeOf(small), nil)
	require.NoError(t, err)
	assert.Equal(t, small, v)

	_, err = r.FromWire("medium", reflect.TypeOf(small), nil)
	assert.ErrorIs(t, err, dberr.ErrMapping)
}

func TestLookupOrder(t *testing.T) {
	type base interface{ Base() }
	r := NewRegistry()
	baseType := reflect.TypeOf((*base)(nil)).Elem()
	app := reflect.TypeOf(impl{})

	exact := Funcs{To: func(any) (any, error) { return "exact", nil }}
	viaApp := Funcs{To: func(any) (any, error) { return "app-super", nil }}
	viaWire := Funcs{To: func(any) (any, error) { return "wire-super", nil }}

	r.Register(baseType, stringType, viaApp)
	r.Register(app, Any, viaWire)

	c, ok := r.Lookup(app, stringType)
	require.True(t, ok)
	got, _ := c.ToWire(impl{})
	assert.Equal(t, "app-super", got)

	c, ok = r.Lookup(app, int64Type)
	require.True(t, ok)
	got, _ = c.ToWire(impl{})
	assert.Equal(t, "wire-super", got)

	r.Register(app, stringType, exact)
	c, _ = r.Lookup(app, stringType)
	got, _ = c.ToWire(impl{})
	assert.Equal(t, "exact", got)
}

type impl struct{}

func (impl) Base() {}

func TestDeclaredSupertypes(t *testing.T) {
	type celsius float64
	r := NewRegistry()
	r.Register(float64Type, stringType, Funcs{To: func(v any) (any, error) { return "f", nil }})

	_, ok := r.Lookup(reflect.TypeOf(celsius(0)), stringType)
	assert.False(t, ok)

	r.Declare(reflect.TypeOf(celsius(0)), float64Type)
	_, ok = r.Lookup(reflect.TypeOf(celsius(0)), stringType)
	assert.True(t, ok)
	assert.Equal(t, []reflect.Type{reflect.TypeOf(celsius(0)), float64Type, Any}, r.Chain(reflect.TypeOf(celsius(0))))
}

func TestNoCasterPassesThrough(t *testing.T) {
	r := NewRegistry()
	w, wrap, err := r.ToWire(42, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, w)
	assert.Equal(t, Wrap{}, wrap)
}

func TestWraps(t *testing.T) {
	r := NewRegistry()
	type doubled int
	r.Register(reflect.TypeOf(doubled(0)), int64Type, Funcs{
		Wire:   Wrap{Postfix: "*2"},
		Column: Wrap{Prefix: "(", Postfix: ")/2"},
	})

	ph, col := r.Wraps(reflect.TypeOf(doubled(0)), nil)
	assert.Equal(t, "?*2", ph.Apply("?"))
	assert.Equal(t, "(age)/2", col.Apply("age"))

	_, wrap, err := r.ToWire(doubled(3), nil)
	require.NoError(t, err)
	assert.Equal(t, "?*2", wrap.Apply("?"))
}

func TestTimeAndDateCasters(t *testing.T) {
	r := Defaults()
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.FixedZone("X", 3600))

	w, _, err := r.ToWire(ts, stringType)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T11:30:00Z", w)

	w, _, err = r.ToWire(ts, int64Type)
	require.NoError(t, err)
	back, err := r.FromWire(w, timeType, int64Type)
	require.NoError(t, err)
	assert.True(t, ts.Equal(back.(time.Time)))

	d := civil.Date{Year: 2024, Month: time.February, Day: 29}
	w, _, err = r.ToWire(d, stringType)
	require.NoError(t, err)
	assert.Equal(t, "2024-02-29", w)
	got, err := r.FromWire([]byte("2024-02-29"), dateType, nil)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestDecimalAndUUID(t *testing.T) {
	r := Defaults()

	got, err := r.FromWire([]byte("12.50"), decType, nil)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.5").Equal(got.(decimal.Decimal)))

	id := uuid.New()
	w, _, err := r.ToWire(id, nil)
	require.NoError(t, err)
	assert.Equal(t, id.String(), w)

	back, err := r.FromWire(w, uuidType, nil)
	require.NoError(t, err)
	assert.Equal(t, id, back)
}

func TestConvert(t *testing.T) {
	v, err := Convert(int64(3), reflect.TypeOf(int(0)))
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = Convert([]byte("42"), reflect.TypeOf(int32(0)))
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)

	v, err = Convert(int64(1), reflect.TypeOf(true))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Convert("Tom", reflect.TypeOf((*string)(nil)))
	require.NoError(t, err)
	assert.Equal(t, "Tom", *v.(*string))

	v, err = Convert(nil, reflect.TypeOf(0))
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	_, err = Convert(struct{}{}, reflect.TypeOf(0))
	var de *dberr.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, dberr.KindMapping, de.Kind)
	assert.Equal(t, "struct {}", de.Source)
	assert.Equal(t, "int", de.Target)
}

func TestConvertNumberRange(t *testing.T) {
	tests := []struct {
		name   string
		raw    any
		target reflect.Type
		want   any
	}{
		{"narrowing in range", int64(120), reflect.TypeOf(int8(0)), int8(120)},
		{"narrowing overflows", int64(300), reflect.TypeOf(int8(0)), nil},
		{"key beyond int32", int64(1 << 40), reflect.TypeOf(int32(0)), nil},
		{"negative to unsigned", int64(-1), reflect.TypeOf(uint32(0)), nil},
		{"unsigned beyond int64", uint64(math.MaxUint64), reflect.TypeOf(int64(0)), nil},
		{"unsigned in range", uint64(7), reflect.TypeOf(int(0)), 7},
		{"integral float", 42.0, reflect.TypeOf(int(0)), 42},
		{"fractional float", 3.9, reflect.TypeOf(int(0)), nil},
		{"negative float to unsigned", -2.0, reflect.TypeOf(uint(0)), nil},
		{"float64 beyond float32", math.MaxFloat64, reflect.TypeOf(float32(0)), nil},
		{"int to float", int64(5), reflect.TypeOf(float64(0)), 5.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Convert(tt.raw, tt.target)
			if tt.want == nil {
				require.Error(t, err)
				assert.Equal(t, dberr.KindMapping, dberr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}
