package store

import (
	"context"
	"fmt"
)

// Database drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the repository for driver. sqlitePath is used by the SQLite
// driver, databaseURL by Postgres.
func Open(ctx context.Context, driver, sqlitePath, databaseURL string) (Repository, error) {
	switch driver {
	case DriverPostgres:
		pg, err := NewPostgres(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case DriverSQLite, "":
		sqlite, err := NewSQLite(sqlitePath)
		if err != nil {
			return nil, err
		}
		return sqlite, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
