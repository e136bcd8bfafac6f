// Package rewrite turns SQL templates mixing positional (?) and named (:name)
// placeholders, including list-valued ones, into the purely positional form a
// driver accepts, and binds parameter values to the resulting slots.
//
//	res := rewrite.Rewrite(`SELECT * FROM cat WHERE age > ? AND name IN (:names)`,
//	    protocol.Postgres, rewrite.Positional(2).With("names", []string{"a", "b"}))
//	// res.SQL => SELECT * FROM cat WHERE age > $1 AND name IN ($2, $3)
//
// Markers inside single-quoted string literals are left untouched. A quote
// preceded by a backslash does not toggle the literal state; sequences such as
// \\' are therefore misread as an escaped quote.
package rewrite

import (
	"database/sql/driver"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/joao-brasil/sqlease/pkg/protocol"
)

// Prefixes of the synthetic names list values expand into.
const (
	IndexedPrefix = "__internal_indexed_"
	NamedPrefix   = "__internal_named_"
)

// Params holds the values bound to a template. Ordinals are 1-based.
type Params struct {
	Indexed map[int]any
	Named   map[string]any
}

// Positional binds vals to ordinals 1..len(vals).
func Positional(vals ...any) Params {
	p := Params{Indexed: make(map[int]any, len(vals))}
	for i, v := range vals {
		p.Indexed[i+1] = v
	}
	return p
}

// NamedParams binds the values of m by name.
func NamedParams(m map[string]any) Params {
	p := Params{Named: make(map[string]any, len(m))}
	for k, v := range m {
		p.Named[k] = v
	}
	return p
}

// With returns a copy of p with name bound to v.
func (p Params) With(name string, v any) Params {
	named := make(map[string]any, len(p.Named)+1)
	for k, x := range p.Named {
		named[k] = x
	}
	named[name] = v
	return Params{Indexed: p.Indexed, Named: named}
}

// At returns a copy of p with ordinal bound to v.
func (p Params) At(ordinal int, v any) Params {
	indexed := make(map[int]any, len(p.Indexed)+1)
	for k, x := range p.Indexed {
		indexed[k] = x
	}
	indexed[ordinal] = v
	return Params{Indexed: indexed, Named: p.Named}
}

// Result is the rewritten statement and the slot each logical parameter took.
type Result struct {
	SQL string
	// Indexed maps an original positional ordinal to its final slot.
	Indexed map[int]int
	// Named maps a parameter name to every slot it occupies, in order.
	Named map[string][]int
	// Slots is the number of final positional slots.
	Slots int
}

type match struct {
	start, end int
	positional bool
	ordinal    int
	name       string
}

// Rewrite normalizes tmpl into positional SQL for d. Values in p are only
// consulted to expand lists; unbound markers are reported by Bind.
func Rewrite(tmpl string, d *protocol.Descriptor, p Params) Result {
	res := Result{
		Indexed: make(map[int]int),
		Named:   make(map[string][]int),
	}

	sql, ordinals := expand(tmpl, d, p)
	matches := scan(sql, d)

	var b strings.Builder
	b.Grow(len(sql) + len(matches)*2)
	last := 0
	for _, m := range matches {
		b.WriteString(sql[last:m.start])
		res.Slots++
		if m.positional {
			res.Indexed[ordinals[m.ordinal-1]] = res.Slots
		} else {
			res.Named[m.name] = append(res.Named[m.name], res.Slots)
		}
		b.WriteString(d.BindMarker(res.Slots))
		last = m.end
	}
	b.WriteString(sql[last:])
	res.SQL = b.String()
	return res
}

// expand replaces every list-valued marker with one synthetic named marker per
// element, positional lists first. It returns the original ordinal of each
// positional marker left in the expanded SQL, in order.
func expand(sql string, d *protocol.Descriptor, p Params) (string, []int) {
	var (
		edits    []edit
		ordinals []int
	)
	for _, m := range scan(sql, d) {
		if !m.positional {
			continue
		}
		if n, isList := listLen(p.Indexed[m.ordinal]); isList {
			edits = append(edits, edit{m: m, text: syntheticList(d, IndexedPrefix+strconv.Itoa(m.ordinal)+"_", n)})
			continue
		}
		ordinals = append(ordinals, m.ordinal)
	}
	sql = applyEdits(sql, edits)

	edits = edits[:0]
	for _, m := range scan(sql, d) {
		if m.positional || strings.HasPrefix(m.name, IndexedPrefix) || strings.HasPrefix(m.name, NamedPrefix) {
			continue
		}
		if n, isList := listLen(p.Named[m.name]); isList {
			edits = append(edits, edit{m: m, text: syntheticList(d, NamedPrefix+m.name+"_", n)})
		}
	}
	return applyEdits(sql, edits), ordinals
}

type edit struct {
	m    match
	text string
}

// applyEdits splices right to left so earlier offsets stay valid.
func applyEdits(sql string, edits []edit) string {
	for i := len(edits) - 1; i >= 0; i-- {
		e := edits[i]
		sql = sql[:e.m.start] + e.text + sql[e.m.end:]
	}
	return sql
}

func syntheticList(d *protocol.Descriptor, prefix string, n int) string {
	if n == 0 {
		return "NULL"
	}
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.Named(prefix + strconv.Itoa(i))
	}
	return strings.Join(parts, ", ")
}

// scan finds every marker outside string literals, sorted by position, with
// positional markers numbered from 1.
func scan(sql string, d *protocol.Descriptor) []match {
	quoted := quoteMask(sql, d.StringQuote)
	var out []match

	for _, loc := range d.PositionalRegex.FindAllStringIndex(sql, -1) {
		if quoted[loc[0]] {
			continue
		}
		out = append(out, match{start: loc[0], end: loc[1], positional: true})
	}
	prefix := len(d.NamedMarkerPrefix)
	for _, loc := range d.NamedRegex.FindAllStringIndex(sql, -1) {
		if quoted[loc[0]] {
			continue
		}
		// "::type" casts are not parameters.
		if loc[0] > 0 && strings.HasSuffix(d.NamedMarkerPrefix, sql[loc[0]-1:loc[0]]) {
			continue
		}
		out = append(out, match{start: loc[0], end: loc[1], name: sql[loc[0]+prefix : loc[1]]})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	ord := 0
	for i := range out {
		if out[i].positional {
			ord++
			out[i].ordinal = ord
		}
	}
	return out
}

// quoteMask reports, per byte offset, whether an odd number of unescaped
// string quotes precede it.
func quoteMask(sql string, quote byte) []bool {
	mask := make([]bool, len(sql)+1)
	inside := false
	for i := 0; i < len(sql); i++ {
		mask[i] = inside
		if sql[i] == quote && (i == 0 || sql[i-1] != '\\') {
			inside = !inside
		}
	}
	mask[len(sql)] = inside
	return mask
}

var valuerType = reflect.TypeOf((*driver.Valuer)(nil)).Elem()

// listLen reports whether v expands into a list. Byte slices and arrays, and
// driver.Valuer implementations, bind as single values.
func listLen(v any) (int, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	if rv.Type().Implements(valuerType) {
		return 0, false
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return 0, false
		}
		return rv.Len(), true
	}
	return 0, false
}
