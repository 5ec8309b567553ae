package schema

import (
	"context"
	"encoding/binary"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/linkedin/goavro/v2"
	"github.com/xeipuuv/gojsonschema"

	perrors "github.com/theam/plasmido/internal/runtime/errors"
	"github.com/theam/plasmido/internal/runtime/jsoncodec"
)

const (
	magicByte    byte = 0
	headerLength      = 5
)

var lineBreaks = regexp.MustCompile(`\r\n|\r|\n`)

// Codec encodes and decodes registry framed payloads for one registry.
// Compiled schemas are cached by id for the life of the codec.
type Codec struct {
	registry Registry

	mu       sync.Mutex
	compiled map[int]*compiledSchema
}

type compiledSchema struct {
	schema Schema
	avro   *goavro.Codec
	json   *gojsonschema.Schema
}

// NewCodec wraps a registry client.
func NewCodec(registry Registry) *Codec {
	return &Codec{registry: registry, compiled: map[int]*compiledSchema{}}
}

// Encode converts the JSON document value into the record of schemaID,
// framed as magic byte, big endian schema id and payload.
func (c *Codec) Encode(ctx context.Context, schemaID int, value []byte) ([]byte, error) {
	if schemaID <= 0 {
		return nil, perrors.ErrSchemaIDRequired
	}
	cs, err := c.lookup(ctx, schemaID)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch cs.schema.Type {
	case TypeJSON:
		if !jsoncodec.Valid(value) {
			return nil, fmt.Errorf("payload for schema %d is not a json document", schemaID)
		}
		result, err := cs.json.Validate(gojsonschema.NewBytesLoader(value))
		if err != nil {
			return nil, fmt.Errorf("failed to validate payload against schema %d: %w", schemaID, err)
		}
		if !result.Valid() {
			return nil, &ValidationError{SchemaID: schemaID, Problems: describe(result.Errors())}
		}
		var doc any
		if err := jsoncodec.Unmarshal(value, &doc); err != nil {
			return nil, fmt.Errorf("invalid json payload: %w", err)
		}
		if payload, err = jsoncodec.Marshal(doc); err != nil {
			return nil, err
		}
	default:
		native, _, err := cs.avro.NativeFromTextual(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload with schema %d: %w", schemaID, err)
		}
		if payload, err = cs.avro.BinaryFromNative(nil, native); err != nil {
			return nil, fmt.Errorf("failed to encode payload with schema %d: %w", schemaID, err)
		}
	}

	out := make([]byte, headerLength, headerLength+len(payload))
	out[0] = magicByte
	binary.BigEndian.PutUint32(out[1:headerLength], uint32(schemaID))
	return append(out, payload...), nil
}

// Decode reads a framed record into its JSON value.
func (c *Codec) Decode(ctx context.Context, data []byte) (any, error) {
	if len(data) < headerLength || data[0] != magicByte {
		return nil, perrors.ErrInvalidWireFormat
	}
	schemaID := int(binary.BigEndian.Uint32(data[1:headerLength]))
	cs, err := c.lookup(ctx, schemaID)
	if err != nil {
		return nil, err
	}
	payload := data[headerLength:]

	var textual []byte
	switch cs.schema.Type {
	case TypeJSON:
		textual = payload
	default:
		native, _, err := cs.avro.NativeFromBinary(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode payload with schema %d: %w", schemaID, err)
		}
		if textual, err = cs.avro.TextualFromNative(nil, native); err != nil {
			return nil, fmt.Errorf("failed to decode payload with schema %d: %w", schemaID, err)
		}
	}

	var value any
	if err := jsoncodec.Unmarshal(textual, &value); err != nil {
		return nil, fmt.Errorf("failed to decode payload with schema %d: %w", schemaID, err)
	}
	return value, nil
}

func (c *Codec) lookup(ctx context.Context, id int) (*compiledSchema, error) {
	c.mu.Lock()
	cs, ok := c.compiled[id]
	c.mu.Unlock()
	if ok {
		return cs, nil
	}

	s, err := c.registry.GetSchema(ctx, id)
	if err != nil {
		return nil, err
	}
	cs, err = compile(s)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.compiled[id] = cs
	c.mu.Unlock()
	return cs, nil
}

func compile(s Schema) (*compiledSchema, error) {
	cs := &compiledSchema{schema: s}
	var err error
	switch s.Type {
	case TypeJSON:
		cs.json, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(s.Schema))
	default:
		// standard JSON on both sides: unions are plain values, not {"type": value}
		cs.avro, err = goavro.NewCodecForStandardJSONFull(s.Schema)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %d: %w", s.ID, err)
	}
	return cs, nil
}

// RegisterAvro registers an Avro schema under subject and returns the
// latest version of subject.
func (c *Codec) RegisterAvro(ctx context.Context, subject, schema string) (Schema, error) {
	return c.register(ctx, subject, schema, TypeAvro)
}

// RegisterJSON registers a JSON schema under subject and returns the latest
// version of subject.
func (c *Codec) RegisterJSON(ctx context.Context, subject, schema string) (Schema, error) {
	return c.register(ctx, subject, schema, TypeJSON)
}

func (c *Codec) register(ctx context.Context, subject, schema string, t Type) (Schema, error) {
	if strings.TrimSpace(subject) == "" {
		return Schema{}, perrors.NewConfigurationError("subject", subject, fmt.Errorf("subject is required"))
	}
	if _, err := c.registry.Register(ctx, subject, lineBreaks.ReplaceAllString(schema, " "), t); err != nil {
		return Schema{}, err
	}
	return c.registry.GetLatestSchema(ctx, subject)
}

func (c *Codec) Subjects(ctx context.Context) ([]string, error) {
	return c.registry.GetSubjects(ctx)
}

// LatestSchemas returns the latest version of every subject, sorted by subject.
func (c *Codec) LatestSchemas(ctx context.Context) ([]Schema, error) {
	subjects, err := c.registry.GetSubjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Schema, 0, len(subjects))
	for _, subject := range subjects {
		s, err := c.registry.GetLatestSchema(ctx, subject)
		if err != nil {
			return nil, err
		}
		s.Subject = subject
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out, nil
}

// ValidationError reports a payload rejected by a JSON schema.
type ValidationError struct {
	SchemaID int
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload does not match schema %d: %s", e.SchemaID, strings.Join(e.Problems, "; "))
}

func describe(errs []gojsonschema.ResultError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Field() + ": " + e.Description()
	}
	return out
}
