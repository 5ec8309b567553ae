package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/theam/plasmido/internal/runtime/catalog"
	"github.com/theam/plasmido/internal/runtime/engine"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
	loggingpkg "github.com/theam/plasmido/internal/runtime/logging"
	"github.com/theam/plasmido/internal/runtime/models"
)

// WorkbookFile is a self-contained workbook definition together with the
// catalog records it refers to. Artifacts reference brokers and schema
// registries by uuid.
type WorkbookFile struct {
	Brokers          []models.Broker         `yaml:"brokers"`
	SchemaRegistries []models.SchemaRegistry `yaml:"schemaRegistries"`
	Environments     []models.Environment    `yaml:"environments"`
	Users            []models.User           `yaml:"users"`
	Workbook         models.Workbook         `yaml:"workbook"`
}

func ReadWorkbookFile(r io.Reader) (WorkbookFile, error) {
	var f WorkbookFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return WorkbookFile{}, fmt.Errorf("failed to decode workbook file: %w", err)
	}
	if f.Workbook.UUID == "" {
		return WorkbookFile{}, perrors.ErrWorkbookRequired
	}
	return f, nil
}

func LoadWorkbookFile(path string) (WorkbookFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return WorkbookFile{}, fmt.Errorf("failed to open workbook file: %w", err)
	}
	defer file.Close()
	return ReadWorkbookFile(file)
}

// Seed stores the records of f, replacing earlier copies with the same uuid,
// and returns the stored workbook.
func (s *Service) Seed(ctx context.Context, f WorkbookFile) (models.Workbook, error) {
	for _, b := range f.Brokers {
		b.ID = b.UUID
		if err := upsert(ctx, s.Catalog.Brokers.Records, b, b.ID); err != nil {
			return models.Workbook{}, fmt.Errorf("failed to seed broker %s: %w", b.UUID, err)
		}
	}
	for _, reg := range f.SchemaRegistries {
		reg.ID = reg.UUID
		if err := upsert(ctx, s.Catalog.SchemaRegistries.Records, reg, reg.ID); err != nil {
			return models.Workbook{}, fmt.Errorf("failed to seed schema registry %s: %w", reg.UUID, err)
		}
	}
	for _, env := range f.Environments {
		env.ID = env.UUID
		if err := upsert(ctx, s.Catalog.Environments.Records, env, env.ID); err != nil {
			return models.Workbook{}, fmt.Errorf("failed to seed environment %s: %w", env.UUID, err)
		}
	}
	for _, u := range f.Users {
		u.ID = u.UUID
		if err := upsert(ctx, s.Catalog.Users.Records, u, u.ID); err != nil {
			return models.Workbook{}, fmt.Errorf("failed to seed user %s: %w", u.UUID, err)
		}
	}

	wb := f.Workbook
	wb.ID = wb.UUID
	if err := upsert(ctx, s.Catalog.Workbooks.Records, wb, wb.ID); err != nil {
		return models.Workbook{}, fmt.Errorf("failed to seed workbook %s: %w", wb.UUID, err)
	}
	return s.Catalog.Workbooks.Get(ctx, wb.ID)
}

func upsert[T any](ctx context.Context, records catalog.Records[T], v T, id string) error {
	_, err := records.Get(ctx, id)
	switch {
	case err == nil:
		_, err = records.Update(ctx, v)
		return err
	case errors.Is(err, perrors.ErrNotFound):
		_, err = records.Insert(ctx, v)
		return err
	default:
		return err
	}
}

// RunWorkbook starts wb and blocks until every artifact stopped. When ctx is
// cancelled first the run is stopped and its teardown awaited.
func (s *Service) RunWorkbook(ctx context.Context, wb models.Workbook) ([]engine.TaskResult, error) {
	start, err := s.Engine.Start(ctx, wb)
	if err != nil {
		return nil, err
	}
	s.Logger.Info("Running workbook", loggingpkg.LogFields{
		"workbook_uuid": wb.UUID,
		"execution_id":  start.ExecutionWorkbook.ID,
		"artifacts":     len(start.ExecutionArtifacts),
	})

	results, err := s.Engine.Wait(ctx, wb.UUID)
	if err == nil {
		return results, nil
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return results, err
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), engine.DefaultTeardownTimeout)
	defer cancel()
	if _, err := s.Engine.Stop(stopCtx, wb); err != nil {
		return results, err
	}
	return s.Engine.Wait(stopCtx, wb.UUID)
}
