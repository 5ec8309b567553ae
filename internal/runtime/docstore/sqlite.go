package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// DefaultSQLiteFile is used when no file is configured. Use ":memory:" for a
// throwaway store.
const DefaultSQLiteFile = "plasmido.db"

var sqliteDialect = dialect{
	name:        "sqlite",
	placeholder: func(int) string { return "?" },
	field:       func(name string) string { return "json_extract(body, '$." + name + "')" },
	arg: func(v any) any {
		return v
	},
	bodyParam: func(p string) string { return p },
	noLimit:   "-1",
	compact:   "VACUUM",
	isUnique: func(err error) bool {
		var se sqlite3.Error
		return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
	},
}

// OpenSQLite opens (creating if needed) a SQLite store at path.
func OpenSQLite(ctx context.Context, path string) (Backend, error) {
	if path == "" {
		path = DefaultSQLiteFile
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// one connection keeps writes serialised and ":memory:" stores alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &sqlBackend{db: db, d: sqliteDialect}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	unique_key TEXT,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (collection, unique_key)
);

CREATE INDEX IF NOT EXISTS idx_documents_collection_created ON documents(collection, created_at);
`
