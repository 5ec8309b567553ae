package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theam/plasmido/internal/runtime/docstore"
	perrors "github.com/theam/plasmido/internal/runtime/errors"
	"github.com/theam/plasmido/internal/runtime/models"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	backend, err := docstore.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	c := New(backend)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRecordsCRUD(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	first, err := c.Brokers.Insert(ctx, models.Broker{UUID: "b1", Name: "local", URL: "localhost:9092"})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	_, err = c.Brokers.Insert(ctx, models.Broker{UUID: "b2", Name: "remote", URL: "remote:9092"})
	require.NoError(t, err)

	first.URL = "localhost:19092"
	updated, err := c.Brokers.Update(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "localhost:19092", updated.URL)
	assert.Equal(t, first.CreatedAt.UnixNano(), updated.CreatedAt.UnixNano())

	list, err := c.Brokers.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b1", list[0].UUID)

	require.NoError(t, c.Brokers.RemoveByUUID(ctx, "b1"))
	_, err = c.Brokers.Get(ctx, first.ID)
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	_, err = c.Brokers.Update(ctx, models.Broker{Name: "no id"})
	assert.ErrorIs(t, err, perrors.ErrNotFound)
	_, err = c.Brokers.Update(ctx, models.Broker{ID: "missing"})
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestSchemaRegistriesFindByIDs(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	var saved []models.SchemaRegistry
	for _, name := range []string{"one", "two", "three"} {
		r, err := c.SchemaRegistries.Insert(ctx, models.SchemaRegistry{UUID: name, Name: name, URL: "http://" + name})
		require.NoError(t, err)
		saved = append(saved, r)
	}

	got, err := c.SchemaRegistries.FindByIDs(ctx, []string{saved[2].ID, saved[0].ID, "unknown"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Name)
	assert.Equal(t, "three", got[1].Name)
}

func TestSelectedEnvironment(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	env, err := c.SelectedEnvironment(ctx)
	require.NoError(t, err)
	assert.Nil(t, env, "no default user")

	_, err = c.Environments.Insert(ctx, models.Environment{
		UUID:      "env-1",
		Name:      "dev",
		Variables: []models.EnvironmentVariable{{Name: "host", Value: "localhost"}},
	})
	require.NoError(t, err)
	_, err = c.Users.Insert(ctx, models.User{UUID: "u1", Name: "other", SelectedEnvironmentUUID: "missing"})
	require.NoError(t, err)
	user, err := c.Users.Insert(ctx, models.User{UUID: "u2", Name: "me", IsDefault: true})
	require.NoError(t, err)

	env, err = c.SelectedEnvironment(ctx)
	require.NoError(t, err)
	assert.Nil(t, env, "default user selected nothing")

	user.SelectedEnvironmentUUID = "env-1"
	_, err = c.Users.Update(ctx, user)
	require.NoError(t, err)

	env, err = c.SelectedEnvironment(ctx)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "dev", env.Name)
	assert.Equal(t, "localhost", env.Variables[0].Value)
}

func TestExecutionWorkbooks(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	_, err := c.ExecutionWorkbooks.FindCurrent(ctx, "wb")
	assert.ErrorIs(t, err, perrors.ErrNotFound)

	_, err = c.ExecutionWorkbooks.Insert(ctx, models.ExecutionWorkbook{WorkbookUUID: "wb", Action: models.ActionStop})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	current, err := c.ExecutionWorkbooks.Insert(ctx, models.ExecutionWorkbook{WorkbookUUID: "wb", Action: models.ActionRun})
	require.NoError(t, err)

	got, err := c.ExecutionWorkbooks.FindCurrent(ctx, "wb")
	require.NoError(t, err)
	assert.Equal(t, current.ID, got.ID)
	assert.Equal(t, models.ActionRun, got.Action)

	stopped, err := c.ExecutionWorkbooks.UpdateActionToStop(ctx, "wb")
	require.NoError(t, err)
	assert.Equal(t, current.ID, stopped.ID)
	assert.Equal(t, models.ActionStop, stopped.Action)

	again, err := c.ExecutionWorkbooks.UpdateActionToStop(ctx, "wb")
	require.NoError(t, err)
	assert.Equal(t, models.ActionStop, again.Action)
}

func TestExecutionArtifactsStopIsMonotonic(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	a, err := c.ExecutionArtifacts.Insert(ctx, models.ExecutionArtifact{WorkbookUUID: "wb", ArtifactUUID: "a", Status: models.StatusRunning})
	require.NoError(t, err)
	b, err := c.ExecutionArtifacts.Insert(ctx, models.ExecutionArtifact{WorkbookUUID: "wb", ArtifactUUID: "b", Status: models.StatusRunning})
	require.NoError(t, err)
	_, err = c.ExecutionArtifacts.Insert(ctx, models.ExecutionArtifact{WorkbookUUID: "other", ArtifactUUID: "c", Status: models.StatusRunning})
	require.NoError(t, err)

	done, err := c.ExecutionArtifacts.AllArtifactsStopped(ctx, "wb")
	require.NoError(t, err)
	assert.False(t, done)

	changed, err := c.ExecutionArtifacts.MarkStopped(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = c.ExecutionArtifacts.MarkStopped(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, changed, "second stop must be a no-op")

	done, err = c.ExecutionArtifacts.AllArtifactsStopped(ctx, "wb")
	require.NoError(t, err)
	assert.False(t, done)

	_, err = c.ExecutionArtifacts.MarkStopped(ctx, b.ID)
	require.NoError(t, err)
	done, err = c.ExecutionArtifacts.AllArtifactsStopped(ctx, "wb")
	require.NoError(t, err)
	assert.True(t, done)

	records, err := c.ExecutionArtifacts.FindByWorkbook(ctx, "wb")
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		assert.Equal(t, models.StatusStopped, r.Status)
	}

	done, err = c.ExecutionArtifacts.AllArtifactsStopped(ctx, "never-ran")
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, c.Truncate(ctx))
	records, err = c.ExecutionArtifacts.FindByWorkbook(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestConsumedEvents(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	for i, msg := range []string{`{"name":"alice"}`, `{"name":"bob"}`, `{"name":"alicia"}`} {
		_, err := c.ConsumedEvents.Insert(ctx, models.ConsumedEvent{
			ArtifactUUID:     "a1",
			UniqueConstraint: "a1:" + msg,
			Source:           models.SourceMessage{Topic: "t", Offset: int64(i)},
			PlainMessage:     msg,
		})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	_, err := c.ConsumedEvents.Insert(ctx, models.ConsumedEvent{ArtifactUUID: "a1", UniqueConstraint: `a1:{"name":"bob"}`})
	assert.ErrorIs(t, err, perrors.ErrDuplicateEvent)

	all, err := c.ConsumedEvents.FindByArtifact(ctx, "a1", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(2), all[0].Source.Offset, "newest first")

	page, err := c.ConsumedEvents.FindByArtifact(ctx, "a1", "ali", 1, 5)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, `{"name":"alice"}`, page[0].PlainMessage)

	n, err := c.ConsumedEvents.CountByArtifact(ctx, "a1", "ali")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = c.ConsumedEvents.FindByArtifact(ctx, "a1", "(", 0, 0)
	assert.True(t, perrors.IsConfigurationError(err))
	_, err = c.ConsumedEvents.CountByArtifact(ctx, "a1", "(")
	assert.True(t, perrors.IsConfigurationError(err))

	require.NoError(t, c.ConsumedEvents.Purge(ctx))
	n, err = c.ConsumedEvents.CountByArtifact(ctx, "a1", "")
	require.NoError(t, err)
	assert.Zero(t, n)
}
