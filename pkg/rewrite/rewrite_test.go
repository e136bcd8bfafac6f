package rewrite

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/sqlease/pkg/caster"
	"github.com/joao-brasil/sqlease/pkg/dberr"
	"github.com/joao-brasil/sqlease/pkg/protocol"
)

func TestPositionalOnlyIsIdentity(t *testing.T) {
	tmpl := "SELECT a FROM t WHERE x = ? AND y = ? OR z = ?"
	res := Rewrite(tmpl, protocol.SQLite, Positional(1, 2, 3))

	assert.Equal(t, tmpl, res.SQL)
	assert.Equal(t, map[int]int{1: 1, 2: 2, 3: 3}, res.Indexed)
	assert.Empty(t, res.Named)
	assert.Equal(t, 3, res.Slots)
}

func TestQuotedMarkersAreIgnored(t *testing.T) {
	tests := []struct {
		name string
		desc *protocol.Descriptor
		tmpl string
		want string
	}{
		{"literal question mark", protocol.SQLite, "SELECT '?' , ?", "SELECT '?' , ?"},
		{"dollar style", protocol.Postgres, "SELECT '?' , ?", "SELECT '?' , $1"},
		{"named inside literal", protocol.SQLServer, "SELECT ':x', :x", "SELECT ':x', @p1"},
		{"escaped quote", protocol.SQLite, `SELECT 'it\'s ?', ?`, `SELECT 'it\'s ?', ?`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Rewrite(tt.tmpl, tt.desc, Params{})
			assert.Equal(t, tt.want, res.SQL)
			assert.Equal(t, 1, res.Slots)
		})
	}
}

func TestNamedListExpansion(t *testing.T) {
	p := NamedParams(map[string]any{"names": []string{"Tom", "Felix", "Garfield"}})
	res := Rewrite("SELECT * FROM cat WHERE name IN (:names)", protocol.SQLite, p)

	assert.Equal(t, "SELECT * FROM cat WHERE name IN (?, ?, ?)", res.SQL)
	assert.Equal(t, 3, res.Slots)

	args, err := Bind(res, p, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"Tom", "Felix", "Garfield"}, args)
}

func TestPositionalListKeepsOrdinals(t *testing.T) {
	p := Positional([]int{7, 8}, 3)
	res := Rewrite("SELECT * FROM cat WHERE id IN (?) AND age > ?", protocol.Postgres, p)

	assert.Equal(t, "SELECT * FROM cat WHERE id IN ($1, $2) AND age > $3", res.SQL)
	assert.Equal(t, map[int]int{2: 3}, res.Indexed)
	assert.Equal(t, []int{1}, res.Named[IndexedPrefix+"1_0"])

	args, err := Bind(res, p, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{7, 8, 3}, args)
}

func TestMixedMarkers(t *testing.T) {
	p := Positional(1).With("ids", []int64{4, 5}).With("name", "Tom")
	res := Rewrite("UPDATE cat SET age = ? WHERE name = :name AND id IN (:ids) OR name = :name", protocol.SQLServer, p)

	assert.Equal(t, "UPDATE cat SET age = @p1 WHERE name = @p2 AND id IN (@p3, @p4) OR name = @p5", res.SQL)
	assert.Equal(t, []int{2, 5}, res.Named["name"])

	args, err := Bind(res, p, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{1, "Tom", int64(4), int64(5), "Tom"}, args)
}

func TestEmptyListBecomesNull(t *testing.T) {
	p := NamedParams(map[string]any{"ids": []int{}})
	res := Rewrite("DELETE FROM cat WHERE id IN (:ids)", protocol.MySQL, p)
	assert.Equal(t, "DELETE FROM cat WHERE id IN (NULL)", res.SQL)

	args, err := Bind(res, p, nil)
	require.NoError(t, err)
	assert.Empty(t, args)
}

func TestCastIsNotANamedMarker(t *testing.T) {
	res := Rewrite("SELECT :v::int", protocol.Postgres, Params{})
	assert.Equal(t, "SELECT $1::int", res.SQL)
	assert.Equal(t, []int{1}, res.Named["v"])
}

func TestBytesBindAsOneValue(t *testing.T) {
	p := NamedParams(map[string]any{"blob": []byte("abc")})
	res := Rewrite("INSERT INTO b (data) VALUES (:blob)", protocol.SQLite, p)
	assert.Equal(t, 1, res.Slots)
}

func TestUnboundParameters(t *testing.T) {
	res := Rewrite("SELECT * FROM cat WHERE name = :name", protocol.SQLite, Params{})
	_, err := Bind(res, Params{}, nil)
	assert.ErrorIs(t, err, dberr.ErrParameterMapping)

	res = Rewrite("SELECT * FROM cat WHERE id = ? AND age = ?", protocol.SQLite, Positional(1))
	_, err = Bind(res, Positional(1), nil)
	assert.ErrorIs(t, err, dberr.ErrParameterMapping)
}

func TestBindUsesCasters(t *testing.T) {
	id := uuid.New()
	p := Positional(id)
	res := Rewrite("SELECT * FROM cat WHERE owner = ?", protocol.SQLite, p)

	args, err := Bind(res, p, caster.Defaults())
	require.NoError(t, err)
	assert.Equal(t, []any{id.String()}, args)
}
