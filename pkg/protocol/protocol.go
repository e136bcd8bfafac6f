// Package protocol describes the SQL dialects the pool can talk to: quoting
// characters, placeholder syntax and the few per-dialect statements the pool
// issues on its own (liveness probe, session setup, key retrieval).
package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// BindStyle selects how the final positional placeholder is written.
type BindStyle int

const (
	BindQuestion BindStyle = iota // ?       (MySQL, SQLite)
	BindDollar                    // $1, $2  (PostgreSQL)
	BindAtP                       // @p1     (SQL Server)
)

// KeyRetrieval selects how a generated primary key is read back after INSERT.
type KeyRetrieval int

const (
	KeyLastInsertID KeyRetrieval = iota // sql.Result.LastInsertId
	KeyReturning                        // INSERT ... RETURNING col
	KeyOutput                           // INSERT ... OUTPUT INSERTED.col VALUES ...
)

// Descriptor is the static metadata of one dialect. Values are immutable and
// shared; never modify a Descriptor returned by Lookup.
type Descriptor struct {
	Name   string
	Driver string // database/sql driver name

	IdentifierQuote   string
	StringQuote       byte
	PositionalMarker  string
	NamedMarkerPrefix string
	PositionalRegex   *regexp.Regexp
	NamedRegex        *regexp.Regexp

	BindStyle    BindStyle
	KeyRetrieval KeyRetrieval

	// ProbeQuery must return a single row with ProbeSentinel in its first column.
	ProbeQuery    string
	ProbeSentinel int64

	// sessionSetup renders statements run on every freshly opened connection.
	sessionSetup func(idle time.Duration) []string
}

var (
	positionalRe = regexp.MustCompile(`\?`)
	namedRe      = regexp.MustCompile(`:[A-Za-z_][A-Za-z0-9_]*`)
)

var (
	SQLServer = &Descriptor{
		Name:              "sqlserver",
		Driver:            "sqlserver",
		IdentifierQuote:   `"`,
		StringQuote:       '\'',
		PositionalMarker:  "?",
		NamedMarkerPrefix: ":",
		PositionalRegex:   positionalRe,
		NamedRegex:        namedRe,
		BindStyle:         BindAtP,
		KeyRetrieval:      KeyOutput,
		ProbeQuery:        "SELECT 1",
		ProbeSentinel:     1,
		sessionSetup: func(time.Duration) []string {
			return []string{"SET IMPLICIT_TRANSACTIONS OFF"}
		},
	}

	Postgres = &Descriptor{
		Name:              "postgres",
		Driver:            "postgres",
		IdentifierQuote:   `"`,
		StringQuote:       '\'',
		PositionalMarker:  "?",
		NamedMarkerPrefix: ":",
		PositionalRegex:   positionalRe,
		NamedRegex:        namedRe,
		BindStyle:         BindDollar,
		KeyRetrieval:      KeyReturning,
		ProbeQuery:        "SELECT 1",
		ProbeSentinel:     1,
		sessionSetup: func(idle time.Duration) []string {
			if idle <= 0 {
				return nil
			}
			return []string{fmt.Sprintf("SET idle_in_transaction_session_timeout = %d", idle.Milliseconds())}
		},
	}

	MySQL = &Descriptor{
		Name:              "mysql",
		Driver:            "mysql",
		IdentifierQuote:   "`",
		StringQuote:       '\'',
		PositionalMarker:  "?",
		NamedMarkerPrefix: ":",
		PositionalRegex:   positionalRe,
		NamedRegex:        namedRe,
		BindStyle:         BindQuestion,
		KeyRetrieval:      KeyLastInsertID,
		ProbeQuery:        "SELECT 1",
		ProbeSentinel:     1,
		sessionSetup: func(idle time.Duration) []string {
			if idle < time.Second {
				return nil
			}
			return []string{fmt.Sprintf("SET SESSION wait_timeout = %d", int64(idle.Seconds()))}
		},
	}

	SQLite = &Descriptor{
		Name:              "sqlite",
		Driver:            "sqlite3",
		IdentifierQuote:   `"`,
		StringQuote:       '\'',
		PositionalMarker:  "?",
		NamedMarkerPrefix: ":",
		PositionalRegex:   positionalRe,
		NamedRegex:        namedRe,
		BindStyle:         BindQuestion,
		KeyRetrieval:      KeyLastInsertID,
		ProbeQuery:        "SELECT 1",
		ProbeSentinel:     1,
	}
)

var byName = map[string]*Descriptor{
	"sqlserver":  SQLServer,
	"mssql":      SQLServer,
	"postgres":   Postgres,
	"postgresql": Postgres,
	"pg":         Postgres,
	"mysql":      MySQL,
	"mariadb":    MySQL,
	"sqlite":     SQLite,
	"sqlite3":    SQLite,
}

// Lookup returns the descriptor registered under name (case-insensitive).
func Lookup(name string) (*Descriptor, bool) {
	d, ok := byName[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// BindMarker renders the final placeholder for the 1-based slot.
func (d *Descriptor) BindMarker(slot int) string {
	switch d.BindStyle {
	case BindDollar:
		return "$" + strconv.Itoa(slot)
	case BindAtP:
		return "@p" + strconv.Itoa(slot)
	default:
		return d.PositionalMarker
	}
}

// Named renders a named marker for name.
func (d *Descriptor) Named(name string) string {
	return d.NamedMarkerPrefix + name
}

// QuoteIdentifier quotes a table or column name, doubling embedded quotes.
func (d *Descriptor) QuoteIdentifier(name string) string {
	q := d.IdentifierQuote
	return q + strings.ReplaceAll(name, q, q+q) + q
}

// QuoteString renders s as a string literal.
func (d *Descriptor) QuoteString(s string) string {
	q := string(d.StringQuote)
	return q + strings.ReplaceAll(s, q, q+q) + q
}

// SessionSetup returns the statements to run on a newly opened connection.
func (d *Descriptor) SessionSetup(idleTimeout time.Duration) []string {
	if d.sessionSetup == nil {
		return nil
	}
	return d.sessionSetup(idleTimeout)
}

func (d *Descriptor) String() string { return d.Name }
