package sqldb

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// dialect hides the differences between PostgreSQL and SQLite: placeholder syntax and
// how reset timestamps are stored. SQLite keeps them as unix milliseconds so range
// comparisons stay numeric.
type dialect struct {
	name   string
	schema string
}

var (
	postgresDialect = dialect{
		name: "postgres",
		schema: `
CREATE TABLE IF NOT EXISTS profiles (
    id                TEXT PRIMARY KEY,
    requests_made     INTEGER     NOT NULL DEFAULT 0 CHECK (requests_made >= 0),
    requests_limit    INTEGER     NOT NULL CHECK (requests_limit > 0),
    requests_reset_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
	}

	sqliteDialect = dialect{
		name: "sqlite",
		schema: `
CREATE TABLE IF NOT EXISTS profiles (
    id                TEXT PRIMARY KEY,
    requests_made     INTEGER NOT NULL DEFAULT 0 CHECK (requests_made >= 0),
    requests_limit    INTEGER NOT NULL CHECK (requests_limit > 0),
    requests_reset_at INTEGER NOT NULL DEFAULT 0,
    updated_at        INTEGER NOT NULL DEFAULT 0
);
`,
	}
)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "postgres":
		return postgresDialect, nil
	case "sqlite":
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported ledger driver: %s", driver)
	}
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) timeArg(t time.Time) interface{} {
	if d.name == "sqlite" {
		return t.UnixMilli()
	}
	return t.UTC()
}

// timeDest returns a scan destination and a function reading the decoded value.
func (d dialect) timeDest() (interface{}, func() time.Time) {
	if d.name == "sqlite" {
		var ms sql.NullInt64
		return &ms, func() time.Time { return time.UnixMilli(ms.Int64).UTC() }
	}
	var ts sql.NullTime
	return &ts, func() time.Time {
		if !ts.Valid {
			return time.Unix(0, 0).UTC()
		}
		return ts.Time.UTC()
	}
}
