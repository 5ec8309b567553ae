package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	perrors "github.com/theam/plasmido/internal/runtime/errors"
	"github.com/theam/plasmido/internal/runtime/ids"
	"github.com/theam/plasmido/internal/runtime/jsoncodec"
)

// dialect holds what differs between the SQL engines.
type dialect struct {
	name string
	// placeholder renders the n-th (1 based) bind parameter.
	placeholder func(n int) string
	// field renders the text of a top level body field.
	field func(name string) string
	// arg converts a query value to its bind parameter.
	arg func(v any) any
	// bodyParam wraps the body bind parameter.
	bodyParam func(p string) string
	noLimit   string
	compact   string
	// lockRows is appended to the read of a read-modify-write update.
	lockRows string
	isUnique func(err error) bool
}

type sqlBackend struct {
	db *sql.DB
	d  dialect
}

type statement struct {
	d    dialect
	sb   strings.Builder
	args []any
}

func (s *statement) bind(v any) string {
	s.args = append(s.args, v)
	return s.d.placeholder(len(s.args))
}

func (s *statement) where(collection string, q Query) error {
	s.sb.WriteString(" WHERE collection = ")
	s.sb.WriteString(s.bind(collection))

	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.sb.WriteString(" AND ")
		if k == IDField {
			s.sb.WriteString("id = ")
			s.sb.WriteString(s.bind(fmt.Sprint(q[k])))
			continue
		}
		if err := checkField(k); err != nil {
			return err
		}
		v := q[k]
		if v == nil {
			s.sb.WriteString(s.d.field(k))
			s.sb.WriteString(" IS NULL")
			continue
		}
		s.sb.WriteString(s.d.field(k))
		s.sb.WriteString(" = ")
		s.sb.WriteString(s.bind(s.d.arg(v)))
	}
	return nil
}

func (s *statement) orderBy(fields []SortField) error {
	s.sb.WriteString(" ORDER BY ")
	for _, f := range fields {
		switch f.Field {
		case CreatedAtField:
			s.sb.WriteString("created_at")
		case UpdatedAtField:
			s.sb.WriteString("updated_at")
		case IDField:
			s.sb.WriteString("id")
		default:
			if err := checkField(f.Field); err != nil {
				return err
			}
			s.sb.WriteString(s.d.field(f.Field))
		}
		if f.Desc {
			s.sb.WriteString(" DESC")
		}
		s.sb.WriteString(", ")
	}
	// ids are monotonic, so this keeps insertion order among equal keys
	desc := len(fields) > 0 && fields[0].Desc
	if desc {
		s.sb.WriteString("id DESC")
	} else {
		s.sb.WriteString("id")
	}
	return nil
}

func (b *sqlBackend) Insert(ctx context.Context, collection string, doc Document) (Document, error) {
	out := make(Document, len(doc)+3)
	for k, v := range doc {
		out[k] = v
	}
	id := out.ID()
	if id == "" {
		id = ids.NewRecordID()
		out[IDField] = id
	}
	ts := now()
	out[CreatedAtField] = ts.Format(time.RFC3339Nano)
	out[UpdatedAtField] = ts.Format(time.RFC3339Nano)

	body, err := jsoncodec.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var unique any
	if key, ok := out[UniqueKeyField].(string); ok && key != "" {
		unique = key
	}

	st := &statement{d: b.d}
	st.sb.WriteString("INSERT INTO documents (id, collection, unique_key, body, created_at, updated_at) VALUES (")
	st.sb.WriteString(strings.Join([]string{
		st.bind(id),
		st.bind(collection),
		st.bind(unique),
		b.d.bodyParam(st.bind(string(body))),
		st.bind(ts.UnixNano()),
		st.bind(ts.UnixNano()),
	}, ", "))
	st.sb.WriteString(")")

	if _, err := b.db.ExecContext(ctx, st.sb.String(), st.args...); err != nil {
		if b.d.isUnique(err) {
			return nil, fmt.Errorf("%s %v: %w", collection, unique, perrors.ErrDuplicateEvent)
		}
		return nil, fmt.Errorf("failed to insert into %s: %w", collection, err)
	}
	return out, nil
}

func (b *sqlBackend) Update(ctx context.Context, collection string, query Query, patch Document) (n int, err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	st, err := b.lockingSelect(collection, query)
	if err != nil {
		return 0, err
	}
	docs, err := b.read(ctx, tx, collection, st)
	if err != nil {
		return 0, err
	}

	ts := now()
	for _, doc := range docs {
		for k, v := range patch {
			if k == IDField || k == CreatedAtField {
				continue
			}
			doc[k] = v
		}
		doc[UpdatedAtField] = ts.Format(time.RFC3339Nano)
		body, err := jsoncodec.Marshal(doc)
		if err != nil {
			return 0, fmt.Errorf("failed to encode document: %w", err)
		}

		st := &statement{d: b.d}
		st.sb.WriteString("UPDATE documents SET body = ")
		st.sb.WriteString(b.d.bodyParam(st.bind(string(body))))
		st.sb.WriteString(", updated_at = ")
		st.sb.WriteString(st.bind(ts.UnixNano()))
		st.sb.WriteString(" WHERE id = ")
		st.sb.WriteString(st.bind(doc.ID()))
		if _, err := tx.ExecContext(ctx, st.sb.String(), st.args...); err != nil {
			return 0, fmt.Errorf("failed to update %s %s: %w", collection, doc.ID(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return len(docs), nil
}

func (b *sqlBackend) FindOne(ctx context.Context, collection string, query Query, sort ...SortField) (Document, error) {
	docs, err := b.FindAll(ctx, collection, query, FindOptions{Sort: sort, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, perrors.ErrNotFound
	}
	return docs[0], nil
}

func (b *sqlBackend) FindAll(ctx context.Context, collection string, query Query, opts FindOptions) ([]Document, error) {
	if opts.Match != nil {
		docs, err := b.scan(ctx, b.db, collection, query, &FindOptions{Sort: opts.Sort})
		if err != nil {
			return nil, err
		}
		return paginate(filter(docs, opts.Match), opts.Skip, opts.Limit), nil
	}
	return b.scan(ctx, b.db, collection, query, &opts)
}

func (b *sqlBackend) Count(ctx context.Context, collection string, query Query, match func(Document) bool) (int, error) {
	if match != nil {
		docs, err := b.scan(ctx, b.db, collection, query, nil)
		if err != nil {
			return 0, err
		}
		return len(filter(docs, match)), nil
	}

	st := &statement{d: b.d}
	st.sb.WriteString("SELECT COUNT(*) FROM documents")
	if err := st.where(collection, query); err != nil {
		return 0, err
	}
	var n int
	if err := b.db.QueryRowContext(ctx, st.sb.String(), st.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return n, nil
}

func (b *sqlBackend) Remove(ctx context.Context, collection string, query Query) (int, error) {
	st := &statement{d: b.d}
	st.sb.WriteString("DELETE FROM documents")
	if err := st.where(collection, query); err != nil {
		return 0, err
	}
	res, err := b.db.ExecContext(ctx, st.sb.String(), st.args...)
	if err != nil {
		return 0, fmt.Errorf("failed to remove from %s: %w", collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (b *sqlBackend) Compact(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, b.d.compact); err != nil {
		return fmt.Errorf("failed to compact %s store: %w", b.d.name, err)
	}
	return nil
}

func (b *sqlBackend) Close() error {
	return b.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// scan loads matching documents. A nil opts means unordered and unbounded.
func (b *sqlBackend) scan(ctx context.Context, q queryer, collection string, query Query, opts *FindOptions) ([]Document, error) {
	st, err := b.selectStatement(collection, query, opts)
	if err != nil {
		return nil, err
	}
	return b.read(ctx, q, collection, st)
}

func (b *sqlBackend) selectStatement(collection string, query Query, opts *FindOptions) (*statement, error) {
	st := &statement{d: b.d}
	st.sb.WriteString("SELECT body FROM documents")
	if err := st.where(collection, query); err != nil {
		return nil, err
	}
	if opts != nil {
		if err := st.orderBy(opts.Sort); err != nil {
			return nil, err
		}
		switch {
		case opts.Limit > 0:
			fmt.Fprintf(&st.sb, " LIMIT %d", opts.Limit)
		case opts.Skip > 0:
			st.sb.WriteString(" LIMIT " + b.d.noLimit)
		}
		if opts.Skip > 0 {
			fmt.Fprintf(&st.sb, " OFFSET %d", opts.Skip)
		}
	}
	return st, nil
}

// lockingSelect reads the rows an update is about to rewrite, locking them
// where the dialect supports it.
func (b *sqlBackend) lockingSelect(collection string, query Query) (*statement, error) {
	st, err := b.selectStatement(collection, query, nil)
	if err != nil {
		return nil, err
	}
	if b.d.lockRows != "" {
		st.sb.WriteString(" ")
		st.sb.WriteString(b.d.lockRows)
	}
	return st, nil
}

func (b *sqlBackend) read(ctx context.Context, q queryer, collection string, st *statement) ([]Document, error) {
	rows, err := q.QueryContext(ctx, st.sb.String(), st.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", collection, err)
		}
		var doc Document
		if err := jsoncodec.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode %s document: %w", collection, err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func filter(docs []Document, match func(Document) bool) []Document {
	out := docs[:0]
	for _, d := range docs {
		if match(d) {
			out = append(out, d)
		}
	}
	return out
}

func paginate(docs []Document, skip, limit int) []Document {
	if skip > 0 {
		if skip >= len(docs) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}
