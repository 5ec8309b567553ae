// Package catalog stores brokers, registries, environments, users, workbooks
// and the records of their runs on a docstore backend.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/theam/plasmido/internal/runtime/docstore"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
	"github.com/theam/plasmido/internal/runtime/models"
)

const (
	CollectionBrokers            = "brokers"
	CollectionSchemaRegistries   = "schema_registries"
	CollectionEnvironments       = "environments"
	CollectionUsers              = "users"
	CollectionWorkbooks          = "workbooks"
	CollectionExecutionWorkbooks = "execution_workbooks"
	CollectionExecutionArtifacts = "execution_artifacts"
	CollectionConsumedEvents     = "consumed_events"
)

// Catalog groups the typed collections of one backend.
type Catalog struct {
	backend docstore.Backend

	Brokers            Brokers
	SchemaRegistries   SchemaRegistries
	Environments       Environments
	Users              Users
	Workbooks          Workbooks
	ExecutionWorkbooks ExecutionWorkbooks
	ExecutionArtifacts ExecutionArtifacts
	ConsumedEvents     ConsumedEvents
}

func New(backend docstore.Backend) *Catalog {
	return &Catalog{
		backend:            backend,
		Brokers:            Brokers{newRecords(backend, CollectionBrokers, func(b models.Broker) string { return b.ID })},
		SchemaRegistries:   SchemaRegistries{newRecords(backend, CollectionSchemaRegistries, func(r models.SchemaRegistry) string { return r.ID })},
		Environments:       Environments{newRecords(backend, CollectionEnvironments, func(e models.Environment) string { return e.ID })},
		Users:              Users{newRecords(backend, CollectionUsers, func(u models.User) string { return u.ID })},
		Workbooks:          Workbooks{newRecords(backend, CollectionWorkbooks, func(w models.Workbook) string { return w.ID })},
		ExecutionWorkbooks: ExecutionWorkbooks{newRecords(backend, CollectionExecutionWorkbooks, func(w models.ExecutionWorkbook) string { return w.ID })},
		ExecutionArtifacts: ExecutionArtifacts{newRecords(backend, CollectionExecutionArtifacts, func(a models.ExecutionArtifact) string { return a.ID })},
		ConsumedEvents:     ConsumedEvents{newRecords(backend, CollectionConsumedEvents, func(e models.ConsumedEvent) string { return e.ID })},
	}
}

// Truncate removes every execution workbook and artifact record.
func (c *Catalog) Truncate(ctx context.Context) error {
	return errors.Join(
		c.ExecutionWorkbooks.RemoveAll(ctx),
		c.ExecutionArtifacts.RemoveAll(ctx),
	)
}

// SelectedEnvironment returns the environment selected by the default user,
// or nil when there is no default user or it selected nothing.
func (c *Catalog) SelectedEnvironment(ctx context.Context) (*models.Environment, error) {
	user, err := c.Users.FindDefault(ctx)
	if errors.Is(err, perrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if user.SelectedEnvironmentUUID == "" {
		return nil, nil
	}
	env, err := c.Environments.FindByUUID(ctx, user.SelectedEnvironmentUUID)
	if errors.Is(err, perrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Catalog) Close() error {
	return c.backend.Close()
}

type Brokers struct{ Records[models.Broker] }

type SchemaRegistries struct{ Records[models.SchemaRegistry] }

// FindByIDs returns the registries whose id is in ids.
func (r SchemaRegistries) FindByIDs(ctx context.Context, ids []string) ([]models.SchemaRegistry, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return r.findAll(ctx, nil, docstore.FindOptions{
		Sort:  []docstore.SortField{docstore.Asc(docstore.CreatedAtField)},
		Match: func(d docstore.Document) bool { return want[d.ID()] },
	})
}

type Environments struct{ Records[models.Environment] }

func (r Environments) FindByUUID(ctx context.Context, uuid string) (models.Environment, error) {
	return r.findOne(ctx, docstore.Query{"uuid": uuid})
}

type Users struct{ Records[models.User] }

func (r Users) FindDefault(ctx context.Context) (models.User, error) {
	return r.findOne(ctx, docstore.Query{"isDefault": true})
}

type Workbooks struct{ Records[models.Workbook] }

func (r Workbooks) FindByUUID(ctx context.Context, uuid string) (models.Workbook, error) {
	return r.findOne(ctx, docstore.Query{"uuid": uuid})
}

type ExecutionWorkbooks struct {
	Records[models.ExecutionWorkbook]
}

// FindCurrent returns the latest run record of a workbook.
func (r ExecutionWorkbooks) FindCurrent(ctx context.Context, workbookUUID string) (models.ExecutionWorkbook, error) {
	return r.findOne(ctx, docstore.Query{"workbookUUID": workbookUUID}, docstore.Desc(docstore.CreatedAtField))
}

// UpdateActionToStop sets the action of the latest run of a workbook to STOP.
func (r ExecutionWorkbooks) UpdateActionToStop(ctx context.Context, workbookUUID string) (models.ExecutionWorkbook, error) {
	current, err := r.FindCurrent(ctx, workbookUUID)
	if err != nil {
		return current, err
	}
	if current.Action == models.ActionStop {
		return current, nil
	}
	if _, err := r.backend.Update(ctx, r.collection, docstore.Query{docstore.IDField: current.ID}, docstore.Document{"action": string(models.ActionStop)}); err != nil {
		return current, err
	}
	return r.Get(ctx, current.ID)
}

type ExecutionArtifacts struct {
	Records[models.ExecutionArtifact]
}

// FindByWorkbook returns every artifact record of a workbook, newest first.
func (r ExecutionArtifacts) FindByWorkbook(ctx context.Context, workbookUUID string) ([]models.ExecutionArtifact, error) {
	return r.findAll(ctx, docstore.Query{"workbookUUID": workbookUUID}, docstore.FindOptions{Sort: []docstore.SortField{docstore.Desc(docstore.CreatedAtField)}})
}

// MarkStopped moves a RUNNING record to STOPPED. It reports false when the
// record was already stopped.
func (r ExecutionArtifacts) MarkStopped(ctx context.Context, id string) (bool, error) {
	n, err := r.backend.Update(ctx, r.collection,
		docstore.Query{docstore.IDField: id, "status": string(models.StatusRunning)},
		docstore.Document{"status": string(models.StatusStopped)})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AllArtifactsStopped reports whether no artifact record of the workbook is
// still RUNNING.
func (r ExecutionArtifacts) AllArtifactsStopped(ctx context.Context, workbookUUID string) (bool, error) {
	n, err := r.backend.Count(ctx, r.collection, docstore.Query{"workbookUUID": workbookUUID, "status": string(models.StatusRunning)}, nil)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

type ConsumedEvents struct {
	Records[models.ConsumedEvent]
}

// FindByArtifact pages through the events of an artifact, newest first.
// A non empty filter is a regular expression matched against the plain
// message.
func (r ConsumedEvents) FindByArtifact(ctx context.Context, artifactUUID, filter string, skip, limit int) ([]models.ConsumedEvent, error) {
	match, err := messageFilter(filter)
	if err != nil {
		return nil, err
	}
	return r.findAll(ctx, docstore.Query{"artifactUUID": artifactUUID}, docstore.FindOptions{
		Sort:  []docstore.SortField{docstore.Desc(docstore.CreatedAtField)},
		Skip:  skip,
		Limit: limit,
		Match: match,
	})
}

// CountByArtifact counts the events FindByArtifact would page through.
func (r ConsumedEvents) CountByArtifact(ctx context.Context, artifactUUID, filter string) (int, error) {
	match, err := messageFilter(filter)
	if err != nil {
		return 0, err
	}
	return r.backend.Count(ctx, r.collection, docstore.Query{"artifactUUID": artifactUUID}, match)
}

// Purge removes every consumed event and compacts the store.
func (r ConsumedEvents) Purge(ctx context.Context) error {
	if err := r.RemoveAll(ctx); err != nil {
		return err
	}
	return r.backend.Compact(ctx)
}

func messageFilter(filter string) (func(docstore.Document) bool, error) {
	if filter == "" {
		return nil, nil
	}
	re, err := regexp.Compile(filter)
	if err != nil {
		return nil, perrors.NewConfigurationError("filter", filter, fmt.Errorf("invalid pattern: %w", err))
	}
	return func(d docstore.Document) bool {
		msg, _ := d["plainMessage"].(string)
		return re.MatchString(msg)
	}, nil
}
