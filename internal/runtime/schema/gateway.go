package schema

import (
	"context"
	"errors"
	"fmt"
	"time"

	perrors "github.com/theam/plasmido/internal/runtime/errors"
	"github.com/theam/plasmido/internal/runtime/logging"
	"github.com/theam/plasmido/internal/runtime/models"
	"github.com/theam/plasmido/internal/runtime/variables"
)

// DefaultTimeout bounds every registry request.
const DefaultTimeout = 5 * time.Second

// RegistryLookup loads stored registry definitions.
type RegistryLookup interface {
	FindByIDs(ctx context.Context, ids []string) ([]models.SchemaRegistry, error)
}

// Gateway creates codecs for stored schema registries.
type Gateway struct {
	lookup  RegistryLookup
	timeout time.Duration
	logger  logging.ServiceLogger
}

type GatewayOption func(*Gateway)

func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

func WithLogger(logger logging.ServiceLogger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func NewGateway(lookup RegistryLookup, opts ...GatewayOption) *Gateway {
	g := &Gateway{lookup: lookup, timeout: DefaultTimeout, logger: logging.Discard()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Connect returns a codec for reg. Basic credentials are only sent when the
// registry uses BASIC security.
func (g *Gateway) Connect(ctx context.Context, reg models.SchemaRegistry) (*Codec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := ClientOptions{URL: reg.URL, Timeout: g.timeout}
	if reg.SecurityProtocol == models.RegistrySecurityBasic {
		opts.Username = reg.Username
		opts.Password = reg.Password
	}
	registry, err := Connector(opts)
	if err != nil {
		return nil, perrors.NewConnectionError("schema registry "+reg.URL, err)
	}
	return NewCodec(registry), nil
}

// ResolveAllForWorkbook connects every distinct registry referenced by the
// schema typed artifacts of wb, keyed by registry id. Registry URLs get the
// user bindings applied first. Registries that fail are reported in the
// joined error; the ones that succeeded are returned either way.
func (g *Gateway) ResolveAllForWorkbook(ctx context.Context, wb models.Workbook, bindings []variables.Binding) (map[string]*Codec, error) {
	ids := registryIDs(wb)
	codecs := make(map[string]*Codec, len(ids))
	if len(ids) == 0 {
		return codecs, nil
	}
	if g.lookup == nil {
		return codecs, fmt.Errorf("schema registries %v: %w", ids, perrors.ErrRegistryUnavailable)
	}

	stored, err := g.lookup.FindByIDs(ctx, ids)
	if err != nil {
		return codecs, fmt.Errorf("failed to load schema registries: %w", err)
	}

	found := make(map[string]bool, len(stored))
	var errs []error
	for _, reg := range stored {
		found[reg.ID] = true
		reg.URL = variables.Substitute(reg.URL, bindings)
		codec, err := g.Connect(ctx, reg)
		if err != nil {
			g.logger.Error("Schema registry connection failed", err, logging.LogFields{"registry_id": reg.ID, "url": reg.URL})
			errs = append(errs, err)
			continue
		}
		codecs[reg.ID] = codec
	}
	for _, id := range ids {
		if !found[id] {
			errs = append(errs, fmt.Errorf("schema registry %s: %w", id, perrors.ErrNotFound))
		}
	}
	return codecs, errors.Join(errs...)
}

// registryIDs returns the distinct registry ids of schema typed artifacts in
// artifact order.
func registryIDs(wb models.Workbook) []string {
	seen := map[string]bool{}
	var ids []string
	for _, a := range wb.Artifacts {
		if !a.UsesSchema() {
			continue
		}
		id := a.PayloadSchema.SchemaRegistryID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
