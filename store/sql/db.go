package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// OpenPostgres opens a postgres-backed bun handle for the repository factory.
// The caller owns the handle and closes it when the service shuts down.
func OpenPostgres(dsn string) (*bun.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlstore: postgres dsn is required")
	}
	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
	}
	if err := sqldb.Ping(); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("sqlstore: ping postgres: %w", err)
	}
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

// OpenSQLite opens a sqlite-backed bun handle, used for local development and
// integration tests. An empty dsn opens a shared in-memory database.
func OpenSQLite(dsn string) (*bun.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:sessionguard?mode=memory&cache=shared&_foreign_keys=on"
	}
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
	}
	// The shared in-memory database disappears when its last connection
	// closes; a single connection keeps it pinned.
	sqldb.SetMaxOpenConns(1)
	if err := sqldb.Ping(); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("sqlstore: ping sqlite: %w", err)
	}
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}
