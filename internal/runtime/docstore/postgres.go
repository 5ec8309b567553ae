package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	field:       func(name string) string { return "body->>'" + name + "'" },
	// ->> yields text, so every value is compared in its JSON text form
	arg: func(v any) any {
		switch x := v.(type) {
		case string:
			return x
		case bool:
			return strconv.FormatBool(x)
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		default:
			return fmt.Sprint(x)
		}
	},
	bodyParam: func(p string) string { return p + "::jsonb" },
	noLimit:   "ALL",
	compact:   "VACUUM ANALYZE documents",
	lockRows:  "FOR UPDATE",
	isUnique: func(err error) bool {
		var pe *pq.Error
		return errors.As(err, &pe) && pe.Code == pgUniqueViolation
	},
}

// OpenPostgres connects to the database at url and creates the documents
// table when missing.
func OpenPostgres(ctx context.Context, url string) (Backend, error) {
	if url == "" {
		return nil, fmt.Errorf("PostgreSQL connection string is required")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &sqlBackend{db: db, d: postgresDialect}, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	unique_key TEXT,
	body JSONB NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	UNIQUE (collection, unique_key)
);

CREATE INDEX IF NOT EXISTS idx_documents_collection_created ON documents(collection, created_at);
`
