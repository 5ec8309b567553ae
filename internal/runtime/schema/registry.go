// Package schema connects to Confluent-compatible schema registries and turns
// JSON payloads into registry framed Avro or JSON-schema records and back.
package schema

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/riferrei/srclient"

	perrors "github.com/theam/plasmido/internal/runtime/errors"
)

// Type is the registry schema type.
type Type string

const (
	TypeAvro Type = "AVRO"
	TypeJSON Type = "JSON"
)

// Schema is one registered schema version.
type Schema struct {
	ID      int    `json:"id"`
	Subject string `json:"subject"`
	Version int    `json:"version"`
	Type    Type   `json:"schemaType"`
	Schema  string `json:"schema"`
}

// Registry is the schema registry client used by codecs.
type Registry interface {
	Register(ctx context.Context, subject, schema string, schemaType Type) (Schema, error)
	GetSchema(ctx context.Context, id int) (Schema, error)
	GetLatestSchema(ctx context.Context, subject string) (Schema, error)
	GetSubjects(ctx context.Context) ([]string, error)
}

// ClientOptions configures a registry client.
type ClientOptions struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// Connector allows overriding the registry client creation for testing.
var Connector = func(opts ClientOptions) (Registry, error) {
	return newSRClient(opts)
}

type srRegistry struct {
	client srclient.ISchemaRegistryClient
}

func newSRClient(opts ClientOptions) (*srRegistry, error) {
	url := strings.TrimRight(strings.TrimSpace(opts.URL), "/")
	if url == "" {
		return nil, perrors.NewConfigurationError("schema registry url", "", perrors.ErrRegistryUnavailable)
	}
	client := srclient.CreateSchemaRegistryClient(url)
	if opts.Username != "" || opts.Password != "" {
		client.SetCredentials(opts.Username, opts.Password)
	}
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	return &srRegistry{client: client}, nil
}

func (r *srRegistry) Register(ctx context.Context, subject, schema string, schemaType Type) (Schema, error) {
	if err := ctx.Err(); err != nil {
		return Schema{}, err
	}
	registered, err := r.client.CreateSchema(subject, schema, toSRType(schemaType))
	if err != nil {
		return Schema{}, fmt.Errorf("failed to register schema for subject %s: %w", subject, err)
	}
	return fromSR(subject, registered), nil
}

func (r *srRegistry) GetSchema(ctx context.Context, id int) (Schema, error) {
	if err := ctx.Err(); err != nil {
		return Schema{}, err
	}
	s, err := r.client.GetSchema(id)
	if err != nil {
		return Schema{}, fmt.Errorf("failed to fetch schema %d: %w", id, err)
	}
	return fromSR("", s), nil
}

func (r *srRegistry) GetLatestSchema(ctx context.Context, subject string) (Schema, error) {
	if err := ctx.Err(); err != nil {
		return Schema{}, err
	}
	s, err := r.client.GetLatestSchema(subject)
	if err != nil {
		return Schema{}, fmt.Errorf("failed to fetch latest schema of %s: %w", subject, err)
	}
	return fromSR(subject, s), nil
}

func (r *srRegistry) GetSubjects(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subjects, err := r.client.GetSubjects()
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}
	return subjects, nil
}

func toSRType(t Type) srclient.SchemaType {
	if t == TypeJSON {
		return srclient.Json
	}
	return srclient.Avro
}

func fromSR(subject string, s *srclient.Schema) Schema {
	out := Schema{ID: s.ID(), Subject: subject, Version: s.Version(), Schema: s.Schema(), Type: TypeAvro}
	// the registry omits the type for avro
	if t := s.SchemaType(); t != nil && *t == srclient.Json {
		out.Type = TypeJSON
	}
	return out
}
