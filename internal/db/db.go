package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/xo/dburl"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

const DefaultURL = "sqlite:.signoff/signoff.db"

// DB is a *sql.DB that knows which SQL dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open resolves a store URL (see github.com/xo/dburl) and opens it.
// sqlite:<path> uses the pure-Go SQLite driver, postgres://... uses pgx.
func Open(rawURL string) (*DB, error) {
	if strings.TrimSpace(rawURL) == "" {
		rawURL = DefaultURL
	}
	u, err := dburl.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	switch u.Driver {
	case "sqlite3":
		path := u.Opaque
		if path == "" {
			path = u.Path
		}
		if path == "" {
			return nil, fmt.Errorf("store url %q has no file path", rawURL)
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate", path)
		conn, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		return &DB{DB: conn, Dialect: SQLite}, nil
	case "postgres", "pgx":
		conn, err := sql.Open("pgx", u.DSN)
		if err != nil {
			return nil, err
		}
		return &DB{DB: conn, Dialect: Postgres}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", u.Driver)
	}
}

// OpenFile opens a SQLite database at path.
func OpenFile(path string) (*DB, error) {
	return Open("sqlite:" + path)
}

// Rebind rewrites ? placeholders into the dialect's bind syntax.
func (d *DB) Rebind(query string) string {
	if d == nil || d.Dialect != Postgres {
		return query
	}
	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
