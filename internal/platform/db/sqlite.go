package db

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
)

// CaseFoldFunc is a SQL function available on every SQLite connection that
// lowercases text with Unicode rules. SQLite's built-in lower() only folds
// ASCII, so "ÁLVAREZ" would not match "álvarez".
const CaseFoldFunc = "casefold"

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(CaseFoldFunc, 1, caseFold)
}

func caseFold(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case nil:
		return nil, nil
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return v, nil
	}
}

// OpenSQLite opens (or creates) a SQLite database at path. Use ":memory:"
// for an in-memory database in tests.
//
// The handle is limited to a single connection: an in-memory database only
// exists on the connection that created it, and SQLite allows one writer at
// a time anyway. Transactions therefore serialize on the pool.
func OpenSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return sqlDB, nil
}
