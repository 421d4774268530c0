package database

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	"crmsync/internal/platform/config"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// DB carries the pool together with the placeholder dialect the
// repositories need to rebind their queries.
type DB struct {
	*sql.DB
	Dialect Dialect
}

func Wrap(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, Dialect: dialect}
}

// ParseURL maps a database URL onto a driver name and DSN.
// postgres:// and postgresql:// go to lib/pq, everything else is a sqlite path.
func ParseURL(url string) (Dialect, string) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return Postgres, url
	case strings.HasPrefix(url, "sqlite3://"):
		return SQLite, strings.TrimPrefix(url, "sqlite3://")
	case strings.HasPrefix(url, "file:"):
		// For local testing, strip "file:" for the sqlite3 driver
		return SQLite, strings.TrimPrefix(url, "file:")
	default:
		return SQLite, url
	}
}

func Open(cfg config.DatabaseConfig) (*DB, error) {
	dialect, dsn := ParseURL(cfg.URL)

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return Wrap(db, dialect), nil
}

// Rebind rewrites ? placeholders into $n for postgres.
func (d *DB) Rebind(query string) string {
	if d.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
