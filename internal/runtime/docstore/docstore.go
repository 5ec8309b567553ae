// Package docstore persists JSON documents grouped in collections. It backs
// the catalog with SQLite or PostgreSQL; queries are top level equality
// matches with an optional Go side filter.
package docstore

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

const (
	// IDField holds the record id of every document.
	IDField        = "_id"
	CreatedAtField = "createdAt"
	UpdatedAtField = "updatedAt"
	// UniqueKeyField, when present on an inserted document, must be unique
	// within its collection.
	UniqueKeyField = "uniqueConstraint"
)

// Document is one stored JSON object.
type Document map[string]any

// ID returns the record id of d.
func (d Document) ID() string {
	id, _ := d[IDField].(string)
	return id
}

// Query matches documents whose top level fields equal the given values. An
// empty query matches every document of the collection.
type Query map[string]any

// SortField orders results by a top level field.
type SortField struct {
	Field string
	Desc  bool
}

func Asc(field string) SortField  { return SortField{Field: field} }
func Desc(field string) SortField { return SortField{Field: field, Desc: true} }

// FindOptions control FindAll. Match runs after the query and before
// pagination.
type FindOptions struct {
	Sort  []SortField
	Skip  int
	Limit int
	Match func(Document) bool
}

// Backend stores documents.
type Backend interface {
	// Insert stores doc, assigning an id unless doc has one, and stamps the
	// creation and update times. A clash on UniqueKeyField returns
	// errors.ErrDuplicateEvent.
	Insert(ctx context.Context, collection string, doc Document) (Document, error)
	// Update merges patch into every matching document and returns how many
	// matched.
	Update(ctx context.Context, collection string, query Query, patch Document) (int, error)
	// FindOne returns the first match in sort order or errors.ErrNotFound.
	FindOne(ctx context.Context, collection string, query Query, sort ...SortField) (Document, error)
	FindAll(ctx context.Context, collection string, query Query, opts FindOptions) ([]Document, error)
	Count(ctx context.Context, collection string, query Query, match func(Document) bool) (int, error)
	// Remove deletes every matching document; an empty query removes all.
	Remove(ctx context.Context, collection string, query Query) (int, error)
	// Compact reclaims the space of removed documents.
	Compact(ctx context.Context) error
	Close() error
}

// Options select and configure a backend.
type Options struct {
	Driver      string
	SQLiteFile  string
	PostgresURL string
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		return OpenSQLite(ctx, opts.SQLiteFile)
	case DriverPostgres:
		return OpenPostgres(ctx, opts.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown store driver: %q", opts.Driver)
	}
}

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkField(name string) error {
	if !fieldName.MatchString(name) {
		return fmt.Errorf("invalid field name %q", name)
	}
	return nil
}

var now = func() time.Time { return time.Now().UTC() }
