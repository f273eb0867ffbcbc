package graphstore

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// SQLiteStorage is the embedded relational backend.
type SQLiteStorage struct {
	*sqlStore
}

// NewSQLiteStorage opens (or creates) the database at path. ":memory:" gives a
// private in-memory database. Call Initialize to apply migrations.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sqlx.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One writer at a time; WAL lets readers proceed on other connections.
	if path == ":memory:" || path == "" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
	}
	return &SQLiteStorage{sqlStore: &sqlStore{
		db:      db,
		backend: "sqlite",
		tagExpr: func(key string) string {
			return `json_extract(tags, '$."` + key + `"')`
		},
	}}, nil
}

// sqliteDSN applies WAL, busy timeout and foreign keys to every pooled connection.
func sqliteDSN(path string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == ":memory:" || path == "" {
		return "file::memory:?" + pragmas
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + pragmas + "&_pragma=journal_mode(WAL)"
}

var _ Storage = (*SQLiteStorage)(nil)
