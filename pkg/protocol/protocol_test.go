package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupAliases(t *testing.T) {
	for name, want := range map[string]*Descriptor{
		"SQLServer": SQLServer,
		"mssql":     SQLServer,
		"pg":        Postgres,
		" mariadb ": MySQL,
		"sqlite3":   SQLite,
	} {
		got, ok := Lookup(name)
		require.True(t, ok, name)
		assert.Same(t, want, got, name)
	}

	_, ok := Lookup("oracle")
	assert.False(t, ok)
}

func TestBindMarker(t *testing.T) {
	assert.Equal(t, "?", MySQL.BindMarker(3))
	assert.Equal(t, "$3", Postgres.BindMarker(3))
	assert.Equal(t, "@p3", SQLServer.BindMarker(3))
}

func TestQuoting(t *testing.T) {
	assert.Equal(t, "`we``ird`", MySQL.QuoteIdentifier("we`ird"))
	assert.Equal(t, `"cat"`, Postgres.QuoteIdentifier("cat"))
	assert.Equal(t, `'it''s'`, SQLite.QuoteString("it's"))
}

func TestRegexes(t *testing.T) {
	assert.Len(t, SQLite.PositionalRegex.FindAllStringIndex("a = ? AND b = ?", -1), 2)
	assert.Equal(t, []string{":name", ":_x1"}, SQLite.NamedRegex.FindAllString("a = :name AND b = :_x1 AND c = :1", -1))
}

func TestSessionSetup(t *testing.T) {
	assert.Equal(t, []string{"SET idle_in_transaction_session_timeout = 1500"}, Postgres.SessionSetup(1500*time.Millisecond))
	assert.Nil(t, Postgres.SessionSetup(0))
	assert.Equal(t, []string{"SET SESSION wait_timeout = 60"}, MySQL.SessionSetup(time.Minute))
	assert.Nil(t, SQLite.SessionSetup(time.Minute))
}
