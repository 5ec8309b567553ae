package api

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/theam/plasmido/internal/runtime/broker"
	"github.com/theam/plasmido/internal/runtime/catalog"
	"github.com/theam/plasmido/internal/runtime/engine"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
	"github.com/theam/plasmido/internal/runtime/models"
	"github.com/theam/plasmido/internal/runtime/schema"
)

// metadataConcurrency bounds parallel topic metadata requests.
const metadataConcurrency = 4

// Empty is the argument of commands that take none.
type Empty struct{}

// ConsumedQuery selects consumed events of one artifact. Filter is a regular
// expression matched against the plain message.
type ConsumedQuery struct {
	ArtifactUUID string `json:"artifactUUID"`
	Filter       string `json:"filter,omitempty"`
	Skip         int    `json:"skip,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// BrokerRequest addresses a broker by catalog id or inline definition.
type BrokerRequest struct {
	BrokerID string         `json:"brokerId,omitempty"`
	Broker   *models.Broker `json:"broker,omitempty"`
	Topic    string         `json:"topicName,omitempty"`
	Topics   []string       `json:"topicsNames,omitempty"`
	GroupIDs []string       `json:"groupIds,omitempty"`
}

// RegistryRequest addresses a schema registry by catalog id or inline
// definition.
type RegistryRequest struct {
	RegistryID string                 `json:"registryId,omitempty"`
	Registry   *models.SchemaRegistry `json:"registry,omitempty"`
	Subject    string                 `json:"subject,omitempty"`
	Schema     string                 `json:"schema,omitempty"`
}

// UUIDRequest names a catalog record by uuid.
type UUIDRequest struct {
	UUID string `json:"uuid"`
}

// TopicCreated is the result of admin.createTopic.
type TopicCreated struct {
	Topic   string `json:"topicName"`
	Created bool   `json:"created"`
}

type store[T any] interface {
	Insert(ctx context.Context, v T) (T, error)
	Update(ctx context.Context, v T) (T, error)
	Get(ctx context.Context, id string) (T, error)
	List(ctx context.Context) ([]T, error)
	RemoveByUUID(ctx context.Context, uuid string) error
}

// registerCRUD adds <prefix>.insert, .update, .find, .findAll and .delete.
func registerCRUD[T any](d *Dispatcher, prefix string, s store[T]) {
	Register(d, prefix+".insert", func(ctx context.Context, v T) (T, error) { return s.Insert(ctx, v) })
	Register(d, prefix+".update", func(ctx context.Context, v T) (T, error) { return s.Update(ctx, v) })
	Register(d, prefix+".find", func(ctx context.Context, p struct {
		ID string `json:"_id"`
	}) (T, error) {
		return s.Get(ctx, p.ID)
	})
	Register(d, prefix+".findAll", func(ctx context.Context, _ Empty) ([]T, error) { return s.List(ctx) })
	Register(d, prefix+".delete", func(ctx context.Context, p UUIDRequest) (bool, error) {
		if p.UUID == "" {
			return false, perrors.NewConfigurationError("uuid", "", perrors.ErrNotFound)
		}
		return true, s.RemoveByUUID(ctx, p.UUID)
	})
}

// Commands binds the command set to one catalog and engine.
type Commands struct {
	catalog *catalog.Catalog
	engine  *engine.Engine
}

// NewCommands registers every command on d.
func NewCommands(d *Dispatcher, cat *catalog.Catalog, eng *engine.Engine) *Commands {
	c := &Commands{catalog: cat, engine: eng}

	Register(d, "workbook.start", c.startWorkbook)
	Register(d, "workbook.stop", c.stopWorkbook)
	Register(d, "workbook.status", c.workbookStatus)

	Register(d, "executions.truncate", c.truncate)
	Register(d, "executions.getConsumedByArtifact", c.consumedByArtifact)
	Register(d, "executions.getConsumedCount", c.consumedCount)

	registerCRUD[models.Broker](d, "broker", cat.Brokers)
	registerCRUD[models.Environment](d, "environment", cat.Environments)
	registerCRUD[models.SchemaRegistry](d, "schemaRegistry", cat.SchemaRegistries)
	registerCRUD[models.Workbook](d, "workbook", cat.Workbooks)
	registerCRUD[models.User](d, "user", cat.Users)

	Register(d, "admin.connect", c.adminConnect)
	Register(d, "admin.listTopics", c.listTopics)
	Register(d, "admin.topicsMetadata", c.topicsMetadata)
	Register(d, "admin.createTopic", c.createTopic)
	Register(d, "admin.deleteTopic", c.deleteTopic)
	Register(d, "admin.listGroups", c.listGroups)
	Register(d, "admin.deleteGroups", c.deleteGroups)

	Register(d, "schemaRegistry.connect", c.registryConnect)
	Register(d, "schemaRegistry.subjects", c.registrySubjects)
	Register(d, "schemaRegistry.schemas", c.registrySchemas)
	Register(d, "schemaRegistry.saveAvro", c.saveAvro)
	Register(d, "schemaRegistry.saveJson", c.saveJSON)
	return c
}

// resolveWorkbook fills a workbook given only by uuid from the catalog.
func (c *Commands) resolveWorkbook(ctx context.Context, wb models.Workbook) (models.Workbook, error) {
	if wb.UUID == "" {
		return wb, perrors.ErrWorkbookRequired
	}
	if len(wb.Artifacts) > 0 {
		return wb, nil
	}
	stored, err := c.catalog.Workbooks.FindByUUID(ctx, wb.UUID)
	switch {
	case errors.Is(err, perrors.ErrNotFound):
		return wb, nil
	case err != nil:
		return wb, err
	}
	return stored, nil
}

func (c *Commands) startWorkbook(ctx context.Context, wb models.Workbook) (models.ExecutionStart, error) {
	wb, err := c.resolveWorkbook(ctx, wb)
	if err != nil {
		return models.ExecutionStart{}, err
	}
	return c.engine.Start(ctx, wb)
}

func (c *Commands) stopWorkbook(ctx context.Context, wb models.Workbook) (models.ExecutionWorkbook, error) {
	return c.engine.Stop(ctx, wb)
}

func (c *Commands) workbookStatus(ctx context.Context, p UUIDRequest) (models.RunStatus, error) {
	return c.engine.Status(ctx, p.UUID)
}

func (c *Commands) truncate(ctx context.Context, _ Empty) (bool, error) {
	if err := c.catalog.Truncate(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Commands) consumedByArtifact(ctx context.Context, q ConsumedQuery) ([]models.ConsumedEvent, error) {
	events, err := c.catalog.ConsumedEvents.FindByArtifact(ctx, q.ArtifactUUID, q.Filter, q.Skip, q.Limit)
	if events == nil && err == nil {
		events = []models.ConsumedEvent{}
	}
	return events, err
}

func (c *Commands) consumedCount(ctx context.Context, q ConsumedQuery) (int, error) {
	return c.catalog.ConsumedEvents.CountByArtifact(ctx, q.ArtifactUUID, q.Filter)
}

// admin connects an admin client of the addressed broker. The caller must
// disconnect it.
func (c *Commands) admin(ctx context.Context, req BrokerRequest) (broker.Admin, error) {
	var b models.Broker
	switch {
	case req.Broker != nil:
		b = *req.Broker
	case req.BrokerID != "":
		stored, err := c.catalog.Brokers.Get(ctx, req.BrokerID)
		if err != nil {
			return nil, fmt.Errorf("failed to load broker %s: %w", req.BrokerID, err)
		}
		b = stored
	default:
		return nil, perrors.NewConfigurationError("broker", "", perrors.ErrBrokerListRequired)
	}

	client, err := c.engine.Client(ctx, b)
	if err != nil {
		return nil, err
	}
	admin := client.Admin()
	if err := admin.Connect(ctx); err != nil {
		return nil, err
	}
	return admin, nil
}

// withAdmin runs fn on a connected admin and always disconnects it.
func withAdmin[O any](ctx context.Context, c *Commands, req BrokerRequest, fn func(broker.Admin) (O, error)) (O, error) {
	var zero O
	admin, err := c.admin(ctx, req)
	if err != nil {
		return zero, err
	}
	out, err := fn(admin)
	if derr := admin.Disconnect(context.WithoutCancel(ctx)); derr != nil && err == nil {
		return out, derr
	}
	return out, err
}

func (c *Commands) adminConnect(ctx context.Context, req BrokerRequest) (bool, error) {
	return withAdmin(ctx, c, req, func(broker.Admin) (bool, error) { return true, nil })
}

func (c *Commands) listTopics(ctx context.Context, req BrokerRequest) ([]string, error) {
	return withAdmin(ctx, c, req, func(a broker.Admin) ([]string, error) { return a.ListTopics(ctx) })
}

// topicsMetadata describes every topic of the cluster, fetching topics in
// parallel.
func (c *Commands) topicsMetadata(ctx context.Context, req BrokerRequest) ([]broker.TopicMetadata, error) {
	return withAdmin(ctx, c, req, func(a broker.Admin) ([]broker.TopicMetadata, error) {
		topics, err := a.ListTopics(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]broker.TopicMetadata, len(topics))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(metadataConcurrency)
		for i, topic := range topics {
			g.Go(func() error {
				md, err := a.FetchTopicMetadata(gctx, topic)
				if err != nil {
					return fmt.Errorf("failed to describe topic %s: %w", topic, err)
				}
				if len(md) > 0 {
					out[i] = md[0]
				} else {
					out[i] = broker.TopicMetadata{Name: topic}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	})
}

func (c *Commands) createTopic(ctx context.Context, req BrokerRequest) (TopicCreated, error) {
	if req.Topic == "" {
		return TopicCreated{}, perrors.ErrTopicRequired
	}
	return withAdmin(ctx, c, req, func(a broker.Admin) (TopicCreated, error) {
		created, err := a.CreateTopic(ctx, broker.DefaultTopicSpec(broker.TopicSpec{Name: req.Topic}))
		return TopicCreated{Topic: req.Topic, Created: created}, err
	})
}

func (c *Commands) deleteTopic(ctx context.Context, req BrokerRequest) (bool, error) {
	topics := req.Topics
	if req.Topic != "" {
		topics = append(topics, req.Topic)
	}
	if len(topics) == 0 {
		return false, perrors.ErrTopicRequired
	}
	return withAdmin(ctx, c, req, func(a broker.Admin) (bool, error) {
		var errs []error
		for _, topic := range topics {
			errs = append(errs, a.DeleteTopic(ctx, topic))
		}
		err := errors.Join(errs...)
		return err == nil, err
	})
}

func (c *Commands) listGroups(ctx context.Context, req BrokerRequest) ([]broker.GroupInfo, error) {
	return withAdmin(ctx, c, req, func(a broker.Admin) ([]broker.GroupInfo, error) { return a.ListGroups(ctx) })
}

func (c *Commands) deleteGroups(ctx context.Context, req BrokerRequest) (bool, error) {
	return withAdmin(ctx, c, req, func(a broker.Admin) (bool, error) {
		if len(req.GroupIDs) == 0 {
			return true, nil
		}
		if err := a.DeleteGroups(ctx, req.GroupIDs...); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (c *Commands) codec(ctx context.Context, req RegistryRequest) (*schema.Codec, error) {
	var reg models.SchemaRegistry
	switch {
	case req.Registry != nil:
		reg = *req.Registry
	case req.RegistryID != "":
		stored, err := c.catalog.SchemaRegistries.Get(ctx, req.RegistryID)
		if err != nil {
			return nil, fmt.Errorf("failed to load schema registry %s: %w", req.RegistryID, err)
		}
		reg = stored
	default:
		return nil, perrors.NewConfigurationError("schema registry", "", perrors.ErrRegistryUnavailable)
	}
	return c.engine.Codec(ctx, reg)
}

func (c *Commands) registryConnect(ctx context.Context, req RegistryRequest) (bool, error) {
	codec, err := c.codec(ctx, req)
	if err != nil {
		return false, err
	}
	if _, err := codec.Subjects(ctx); err != nil {
		return false, perrors.NewConnectionError("schema registry", err)
	}
	return true, nil
}

func (c *Commands) registrySubjects(ctx context.Context, req RegistryRequest) ([]string, error) {
	codec, err := c.codec(ctx, req)
	if err != nil {
		return nil, err
	}
	return codec.Subjects(ctx)
}

func (c *Commands) registrySchemas(ctx context.Context, req RegistryRequest) ([]schema.Schema, error) {
	codec, err := c.codec(ctx, req)
	if err != nil {
		return nil, err
	}
	return codec.LatestSchemas(ctx)
}

func (c *Commands) saveAvro(ctx context.Context, req RegistryRequest) (schema.Schema, error) {
	codec, err := c.codec(ctx, req)
	if err != nil {
		return schema.Schema{}, err
	}
	return codec.RegisterAvro(ctx, req.Subject, req.Schema)
}

func (c *Commands) saveJSON(ctx context.Context, req RegistryRequest) (schema.Schema, error) {
	codec, err := c.codec(ctx, req)
	if err != nil {
		return schema.Schema{}, err
	}
	return codec.RegisterJSON(ctx, req.Subject, req.Schema)
}
