package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/theam/plasmido/internal/runtime/docstore"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
	"github.com/theam/plasmido/internal/runtime/jsoncodec"
)

// Records is a typed view over one document collection.
type Records[T any] struct {
	backend    docstore.Backend
	collection string
	idOf       func(T) string
}

func newRecords[T any](backend docstore.Backend, collection string, idOf func(T) string) Records[T] {
	return Records[T]{backend: backend, collection: collection, idOf: idOf}
}

// Insert stores v and returns it with its id and timestamps.
func (r Records[T]) Insert(ctx context.Context, v T) (T, error) {
	var zero T
	doc, err := toDocument(v)
	if err != nil {
		return zero, err
	}
	saved, err := r.backend.Insert(ctx, r.collection, doc)
	if err != nil {
		return zero, err
	}
	return fromDocument[T](saved)
}

// Update replaces the stored fields of v, matched by id, and returns the
// stored record.
func (r Records[T]) Update(ctx context.Context, v T) (T, error) {
	var zero T
	id := r.idOf(v)
	if id == "" {
		return zero, fmt.Errorf("%s: update without id: %w", r.collection, perrors.ErrNotFound)
	}
	doc, err := toDocument(v)
	if err != nil {
		return zero, err
	}
	n, err := r.backend.Update(ctx, r.collection, docstore.Query{docstore.IDField: id}, doc)
	if err != nil {
		return zero, err
	}
	if n == 0 {
		return zero, fmt.Errorf("%s %s: %w", r.collection, id, perrors.ErrNotFound)
	}
	return r.Get(ctx, id)
}

// Get returns the record with id.
func (r Records[T]) Get(ctx context.Context, id string) (T, error) {
	return r.findOne(ctx, docstore.Query{docstore.IDField: id})
}

// List returns every record in creation order.
func (r Records[T]) List(ctx context.Context) ([]T, error) {
	return r.findAll(ctx, nil, docstore.FindOptions{Sort: []docstore.SortField{docstore.Asc(docstore.CreatedAtField)}})
}

// RemoveByUUID deletes the records carrying uuid.
func (r Records[T]) RemoveByUUID(ctx context.Context, uuid string) error {
	_, err := r.backend.Remove(ctx, r.collection, docstore.Query{"uuid": uuid})
	return err
}

// RemoveAll deletes every record.
func (r Records[T]) RemoveAll(ctx context.Context) error {
	_, err := r.backend.Remove(ctx, r.collection, nil)
	return err
}

func (r Records[T]) findOne(ctx context.Context, q docstore.Query, sort ...docstore.SortField) (T, error) {
	var zero T
	doc, err := r.backend.FindOne(ctx, r.collection, q, sort...)
	if err != nil {
		if errors.Is(err, perrors.ErrNotFound) {
			return zero, fmt.Errorf("%s: %w", r.collection, err)
		}
		return zero, err
	}
	return fromDocument[T](doc)
}

func (r Records[T]) findAll(ctx context.Context, q docstore.Query, opts docstore.FindOptions) ([]T, error) {
	docs, err := r.backend.FindAll(ctx, r.collection, q, opts)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		v, err := fromDocument[T](d)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func toDocument(v any) (docstore.Document, error) {
	raw, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	var doc docstore.Document
	if err := jsoncodec.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return doc, nil
}

func fromDocument[T any](doc docstore.Document) (T, error) {
	var v T
	raw, err := jsoncodec.Marshal(doc)
	if err != nil {
		return v, fmt.Errorf("failed to decode record: %w", err)
	}
	if err := jsoncodec.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("failed to decode record: %w", err)
	}
	return v, nil
}
